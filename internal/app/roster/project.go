package roster

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// LocalMedia is the local user's side of the projection input.
type LocalMedia struct {
	UID      domain.UserID
	StreamID string
	Mic      bool
	Camera   bool
	Screen   bool
}

// Tile is one display cell: a participant plus the tracks attributed
// to them. Track ids are empty when no stream matched.
type Tile struct {
	UID           domain.UserID
	DisplayName   string
	PhotoURL      string
	Local         bool
	HasAudio      bool
	HasVideo      bool
	ScreenSharing bool
	AudioTrackID  string
	VideoTrackID  string
}

type streamTracks struct {
	audioID string
	videoID string
}

// ProjectTiles is the pure roster-to-tiles projection: participants
// matched to inbound streams by stream id.
//
// Fallback rule for a participant whose stream id matched nothing:
// they are given an unclaimed stream carrying video only when exactly
// one such stream and exactly one such participant remain. Anything
// looser mis-attributes streams under churn, so ambiguity renders the
// tile without video instead of guessing.
func ProjectTiles(parts []domain.ParticipantRecord, local LocalMedia, remote []core.RemoteTrack) []Tile {
	byStream := make(map[string]*streamTracks)
	var order []string
	for _, t := range remote {
		st, ok := byStream[t.StreamID]
		if !ok {
			st = &streamTracks{}
			byStream[t.StreamID] = st
			order = append(order, t.StreamID)
		}
		switch t.Kind {
		case core.TrackAudio:
			st.audioID = t.ID
		case core.TrackVideo:
			st.videoID = t.ID
		}
	}

	claimed := make(map[string]bool)
	tiles := make([]Tile, 0, len(parts))
	var orphans []int

	for _, p := range parts {
		if !p.Active() {
			continue
		}
		tile := Tile{
			UID:           p.UID,
			DisplayName:   p.DisplayName,
			PhotoURL:      p.PhotoURL,
			HasAudio:      p.HasAudio,
			HasVideo:      p.HasVideo,
			ScreenSharing: p.ScreenSharing,
		}
		if p.UID == local.UID {
			tile.Local = true
			tile.HasAudio = local.Mic
			tile.HasVideo = local.Camera || local.Screen
			tile.ScreenSharing = local.Screen
			tiles = append(tiles, tile)
			continue
		}
		if st, ok := byStream[p.StreamID]; ok {
			claimed[p.StreamID] = true
			tile.AudioTrackID = st.audioID
			tile.VideoTrackID = st.videoID
		} else if p.HasVideo || p.ScreenSharing {
			orphans = append(orphans, len(tiles))
		}
		tiles = append(tiles, tile)
	}

	if len(orphans) == 1 {
		var unclaimed []string
		for _, id := range order {
			if !claimed[id] && byStream[id].videoID != "" {
				unclaimed = append(unclaimed, id)
			}
		}
		if len(unclaimed) == 1 {
			st := byStream[unclaimed[0]]
			tiles[orphans[0]].AudioTrackID = st.audioID
			tiles[orphans[0]].VideoTrackID = st.videoID
		}
	}

	return tiles
}
