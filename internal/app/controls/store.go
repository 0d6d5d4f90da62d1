// Package controls persists per-participant playback preferences
// (volume, mute) for the local user. Purely local state: it shapes
// inbound playback only and never touches the signaling store.
package controls

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/Huddle/internal/domain"
)

// Store is keyed by (owner uid, remote uid) so one machine can hold
// preferences for several local accounts.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	owner domain.UserID
}

func Open(dir string, owner domain.UserID) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "controls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open controls db: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure controls db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS participant_controls (
			owner  TEXT NOT NULL,
			uid    TEXT NOT NULL,
			volume REAL NOT NULL,
			muted  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner, uid)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create controls table: %w", err)
	}
	log.Info().Str("module", "controls").Str("path", dbPath).Msg("controls store opened")
	return &Store{db: db, owner: owner}, nil
}

// Get returns the stored control for uid, or the defaults for a uid
// seen for the first time. The row is created lazily by the first
// Set/Toggle, not by Get.
func (s *Store) Get(uid domain.UserID) (domain.ParticipantControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(uid)
}

func (s *Store) getLocked(uid domain.UserID) (domain.ParticipantControl, error) {
	var c domain.ParticipantControl
	var muted int
	err := s.db.QueryRow(
		`SELECT volume, muted FROM participant_controls WHERE owner = ? AND uid = ?`,
		string(s.owner), string(uid),
	).Scan(&c.Volume, &muted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultControl(), nil
	}
	if err != nil {
		return domain.ParticipantControl{}, fmt.Errorf("get control: %w", err)
	}
	c.Muted = muted != 0
	return c, nil
}

func (s *Store) putLocked(uid domain.UserID, c domain.ParticipantControl) error {
	muted := 0
	if c.Muted {
		muted = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO participant_controls (owner, uid, volume, muted)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner, uid) DO UPDATE SET volume = excluded.volume, muted = excluded.muted
	`, string(s.owner), string(uid), c.Volume, muted)
	if err != nil {
		return fmt.Errorf("put control: %w", err)
	}
	return nil
}

func (s *Store) SetVolume(uid domain.UserID, v float64) (domain.ParticipantControl, error) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getLocked(uid)
	if err != nil {
		return domain.ParticipantControl{}, err
	}
	c.Volume = v
	if err := s.putLocked(uid, c); err != nil {
		return domain.ParticipantControl{}, err
	}
	return c, nil
}

func (s *Store) ToggleMute(uid domain.UserID) (domain.ParticipantControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getLocked(uid)
	if err != nil {
		return domain.ParticipantControl{}, err
	}
	c.Muted = !c.Muted
	if err := s.putLocked(uid, c); err != nil {
		return domain.ParticipantControl{}, err
	}
	return c, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
