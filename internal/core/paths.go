package core

import "github.com/dkeye/Huddle/internal/domain"

// Store layout, mirrored by every backend:
//
//	calls/{slot}                      slot document (offer/answer)
//	calls/{slot}/offerCandidates/*    caller-originated ICE candidates
//	calls/{slot}/answerCandidates/*   answerer-originated ICE candidates
//	calls/{slot}/participants/{uid}   presence records
func SlotPath(slot domain.SlotID) string {
	return "calls/" + string(slot)
}

func OfferCandidatesPath(slot domain.SlotID) string {
	return SlotPath(slot) + "/offerCandidates"
}

func AnswerCandidatesPath(slot domain.SlotID) string {
	return SlotPath(slot) + "/answerCandidates"
}

func ParticipantsPath(slot domain.SlotID) string {
	return SlotPath(slot) + "/participants"
}

func ParticipantPath(slot domain.SlotID, uid domain.UserID) string {
	return ParticipantsPath(slot) + "/" + string(uid)
}
