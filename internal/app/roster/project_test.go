package roster

import (
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func TestProjectTiles(t *testing.T) {
	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	me := LocalMedia{UID: "me", StreamID: "s-me", Mic: true, Camera: true}

	withStream := func(uid, stream string, video bool) domain.ParticipantRecord {
		rec := active(uid, joined)
		rec.StreamID = stream
		rec.HasVideo = video
		return rec
	}

	tests := []struct {
		name   string
		parts  []domain.ParticipantRecord
		remote []core.RemoteTrack
		check  func(t *testing.T, tiles []Tile)
	}{
		{
			name:  "local only",
			parts: []domain.ParticipantRecord{withStream("me", "s-me", true)},
			check: func(t *testing.T, tiles []Tile) {
				if len(tiles) != 1 || !tiles[0].Local {
					t.Fatalf("tiles = %+v", tiles)
				}
				if !tiles[0].HasAudio || !tiles[0].HasVideo {
					t.Fatal("local flags must come from local media, not the record")
				}
			},
		},
		{
			name: "stream id match",
			parts: []domain.ParticipantRecord{
				withStream("me", "s-me", true),
				withStream("bob", "s-bob", true),
			},
			remote: []core.RemoteTrack{
				{ID: "a1", StreamID: "s-bob", Kind: core.TrackAudio},
				{ID: "v1", StreamID: "s-bob", Kind: core.TrackVideo},
			},
			check: func(t *testing.T, tiles []Tile) {
				if tiles[1].AudioTrackID != "a1" || tiles[1].VideoTrackID != "v1" {
					t.Fatalf("bob tile = %+v", tiles[1])
				}
			},
		},
		{
			name: "orphan fallback single candidate",
			parts: []domain.ParticipantRecord{
				withStream("me", "s-me", true),
				withStream("bob", "s-advertised", true),
			},
			remote: []core.RemoteTrack{
				{ID: "v1", StreamID: "s-actual", Kind: core.TrackVideo},
			},
			check: func(t *testing.T, tiles []Tile) {
				if tiles[1].VideoTrackID != "v1" {
					t.Fatalf("fallback did not attribute the stream: %+v", tiles[1])
				}
			},
		},
		{
			name: "ambiguous unclaimed streams stay unattributed",
			parts: []domain.ParticipantRecord{
				withStream("me", "s-me", true),
				withStream("bob", "s-advertised", true),
			},
			remote: []core.RemoteTrack{
				{ID: "v1", StreamID: "s-x", Kind: core.TrackVideo},
				{ID: "v2", StreamID: "s-y", Kind: core.TrackVideo},
			},
			check: func(t *testing.T, tiles []Tile) {
				if tiles[1].VideoTrackID != "" {
					t.Fatalf("ambiguity must not be guessed: %+v", tiles[1])
				}
			},
		},
		{
			name: "two orphans stay unattributed",
			parts: []domain.ParticipantRecord{
				withStream("bob", "s-b", true),
				withStream("carol", "s-c", true),
			},
			remote: []core.RemoteTrack{
				{ID: "v1", StreamID: "s-x", Kind: core.TrackVideo},
			},
			check: func(t *testing.T, tiles []Tile) {
				if tiles[0].VideoTrackID != "" || tiles[1].VideoTrackID != "" {
					t.Fatalf("tiles = %+v", tiles)
				}
			},
		},
		{
			name: "audio only stream is no fallback candidate",
			parts: []domain.ParticipantRecord{
				withStream("bob", "s-advertised", true),
			},
			remote: []core.RemoteTrack{
				{ID: "a1", StreamID: "s-x", Kind: core.TrackAudio},
			},
			check: func(t *testing.T, tiles []Tile) {
				if tiles[0].AudioTrackID != "" || tiles[0].VideoTrackID != "" {
					t.Fatalf("tiles = %+v", tiles)
				}
			},
		},
		{
			name: "non-active records are skipped",
			parts: func() []domain.ParticipantRecord {
				gone := withStream("bob", "s-b", true)
				gone.Status = domain.StatusLeft
				return []domain.ParticipantRecord{gone}
			}(),
			check: func(t *testing.T, tiles []Tile) {
				if len(tiles) != 0 {
					t.Fatalf("tiles = %+v", tiles)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, ProjectTiles(tc.parts, me, tc.remote))
		})
	}
}
