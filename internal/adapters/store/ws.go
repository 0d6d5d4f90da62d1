package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
)

const wsWriteDeadline = 5 * time.Second

// wsFrame is the wire envelope spoken with a store gateway. Requests
// carry an ID and receive an ack; events carry the subscription id.
type wsFrame struct {
	Op        string          `json:"op"`
	ID        uint64          `json:"id,omitempty"`
	Sub       string          `json:"sub,omitempty"`
	Path      string          `json:"path,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Exists    bool            `json:"exists,omitempty"`
	Children  bool            `json:"children,omitempty"`
	Merge     bool            `json:"merge,omitempty"`
	IfMissing bool            `json:"ifMissing,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// errExistsWire is the gateway's spelling of a lost IfMissing race.
const errExistsWire = "exists"

// WS is a SignalStore backed by a remote store gateway over a single
// websocket. Events for all subscriptions arrive on one connection and
// are dispatched in arrival order.
type WS struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[uint64]chan error
	subs    map[string]func(core.Snapshot)

	done chan struct{}
}

func DialWS(ctx context.Context, url string) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store gateway: %w", err)
	}
	s := &WS{
		conn:    conn,
		send:    make(chan []byte, 64),
		pending: make(map[uint64]chan error),
		subs:    make(map[string]func(core.Snapshot)),
		done:    make(chan struct{}),
	}
	go s.writePump()
	go s.readPump()
	log.Info().Str("module", "store.ws").Str("url", url).Msg("connected")
	return s, nil
}

func (s *WS) writePump() {
	for {
		select {
		case <-s.done:
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
				log.Error().Err(err).Str("module", "store.ws").Msg("writePump set deadline")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "store.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (s *WS) readPump() {
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Error().Err(err).Str("module", "store.ws").Msg("readPump read error")
			return
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "store.ws").Msg("bad frame")
			continue
		}
		switch f.Op {
		case "ack":
			s.resolve(f.ID, f.Error)
		case "event":
			s.deliver(f)
		default:
			log.Warn().Str("module", "store.ws").Str("op", f.Op).Msg("unknown frame")
		}
	}
}

func (s *WS) resolve(id uint64, errStr string) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	switch errStr {
	case "":
		ch <- nil
	case errExistsWire:
		ch <- core.ErrExists
	default:
		ch <- errors.New(errStr)
	}
}

// deliver runs the callback on the read pump goroutine, which is what
// keeps event ordering intact across all subscriptions.
func (s *WS) deliver(f wsFrame) {
	s.mu.Lock()
	fn, ok := s.subs[f.Sub]
	s.mu.Unlock()
	if !ok {
		return
	}
	fn(core.Snapshot{Path: f.Path, Data: f.Data, Exists: f.Exists})
}

func (s *WS) request(ctx context.Context, f wsFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("store closed")
	}
	s.nextID++
	f.ID = s.nextID
	// Marshal before registering the pending slot; a failure here must
	// not leave an entry nothing will ever resolve.
	data, err := json.Marshal(f)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	s.pending[f.ID] = ch
	s.mu.Unlock()

	select {
	case s.send <- data:
	case <-s.done:
		return errors.New("store closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ch:
		return err
	case <-s.done:
		return errors.New("store closed")
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *WS) Publish(ctx context.Context, path string, doc any, opts core.PublishOptions) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return s.request(ctx, wsFrame{
		Op:        "publish",
		Path:      path,
		Data:      body,
		Merge:     opts.Merge,
		IfMissing: opts.IfMissing,
	})
}

func (s *WS) Subscribe(path string, fn func(core.Snapshot)) (func(), error) {
	return s.subscribe(path, false, fn)
}

func (s *WS) SubscribeChildren(prefix string, fn func(core.Snapshot)) (func(), error) {
	return s.subscribe(prefix, true, fn)
}

func (s *WS) subscribe(path string, children bool, fn func(core.Snapshot)) (func(), error) {
	subID := uuid.NewString()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("store closed")
	}
	s.subs[subID] = fn
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), wsWriteDeadline)
	defer cancel()
	if err := s.request(ctx, wsFrame{Op: "subscribe", Sub: subID, Path: path, Children: children}); err != nil {
		s.mu.Lock()
		delete(s.subs, subID)
		s.mu.Unlock()
		return nil, err
	}

	return func() {
		s.mu.Lock()
		delete(s.subs, subID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		data, _ := json.Marshal(wsFrame{Op: "unsubscribe", Sub: subID})
		select {
		case s.send <- data:
		case <-s.done:
		}
	}, nil
}

func (s *WS) Delete(ctx context.Context, path string) error {
	return s.request(ctx, wsFrame{Op: "delete", Path: path})
}

func (s *WS) Purge(ctx context.Context, prefix string) error {
	return s.request(ctx, wsFrame{Op: "purge", Path: prefix})
}

func (s *WS) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- errors.New("store closed")
	}
	s.mu.Unlock()
	close(s.done)
	_ = s.conn.Close()
	log.Info().Str("module", "store.ws").Msg("closed")
}
