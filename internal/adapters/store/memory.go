// Package store provides SignalStore backends: an in-process memory
// store for tests and single-node use, and a websocket client for a
// remote store gateway.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
)

type memSub struct {
	id       int
	path     string
	children bool
	fn       func(core.Snapshot)
	active   bool
}

// Memory is an in-process SignalStore. All callbacks run on a single
// dispatch goroutine in publish order, matching the delivery contract
// remote backends provide.
type Memory struct {
	mu     sync.Mutex
	cond   *sync.Cond
	docs   map[string]json.RawMessage
	order  map[string]int
	seq    int
	subs   map[int]*memSub
	nextID int

	pending []func()
	closed  bool
}

func NewMemory() *Memory {
	m := &Memory{
		docs:  make(map[string]json.RawMessage),
		order: make(map[string]int),
		subs:  make(map[int]*memSub),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.dispatch()
	return m
}

func (m *Memory) dispatch() {
	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed && len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		ev := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		ev()
	}
}

// enqueue must be called with mu held.
func (m *Memory) enqueue(ev func()) {
	m.pending = append(m.pending, ev)
	m.cond.Signal()
}

// notify queues a snapshot delivery for one subscription, checking at
// delivery time that it has not been cancelled meanwhile.
func (m *Memory) notify(s *memSub, snap core.Snapshot) {
	m.enqueue(func() {
		m.mu.Lock()
		active := s.active
		m.mu.Unlock()
		if active {
			s.fn(snap)
		}
	})
}

func (m *Memory) matchesLocked(s *memSub, path string) bool {
	if !s.children {
		return s.path == path
	}
	rest, ok := strings.CutPrefix(path, s.path+"/")
	return ok && !strings.Contains(rest, "/")
}

func (m *Memory) fanoutLocked(path string, data json.RawMessage, exists bool) {
	snap := core.Snapshot{Path: path, Data: data, Exists: exists}
	for _, s := range m.subs {
		if s.active && m.matchesLocked(s, path) {
			m.notify(s, snap)
		}
	}
}

func (m *Memory) Publish(_ context.Context, path string, doc any, opts core.PublishOptions) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.docs[path]
	if opts.IfMissing && exists {
		return core.ErrExists
	}
	if opts.Merge && exists {
		body, err = mergeJSON(existing, body)
		if err != nil {
			return fmt.Errorf("merge %s: %w", path, err)
		}
	}
	m.docs[path] = body
	if !exists {
		m.seq++
		m.order[path] = m.seq
	}
	m.fanoutLocked(path, body, true)
	return nil
}

// mergeJSON overlays the top-level fields of patch onto base.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var dst, src map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, err
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

func (m *Memory) Subscribe(path string, fn func(core.Snapshot)) (func(), error) {
	return m.subscribe(path, false, fn)
}

func (m *Memory) SubscribeChildren(prefix string, fn func(core.Snapshot)) (func(), error) {
	return m.subscribe(prefix, true, fn)
}

func (m *Memory) subscribe(path string, children bool, fn func(core.Snapshot)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("subscribe %s: store closed", path)
	}
	m.nextID++
	s := &memSub{id: m.nextID, path: path, children: children, fn: fn, active: true}
	m.subs[s.id] = s

	// Initial read: existing children in arrival order, or the current
	// document state (including "does not exist yet").
	if children {
		var paths []string
		for p := range m.docs {
			if m.matchesLocked(s, p) {
				paths = append(paths, p)
			}
		}
		sort.Slice(paths, func(i, j int) bool { return m.order[paths[i]] < m.order[paths[j]] })
		for _, p := range paths {
			m.notify(s, core.Snapshot{Path: p, Data: m.docs[p], Exists: true})
		}
	} else {
		data, exists := m.docs[path]
		m.notify(s, core.Snapshot{Path: path, Data: data, Exists: exists})
	}

	id := s.id
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			sub.active = false
			delete(m.subs, id)
		}
	}, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; !ok {
		return nil
	}
	delete(m.docs, path)
	delete(m.order, path)
	m.fanoutLocked(path, nil, false)
	return nil
}

func (m *Memory) Purge(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var victims []string
	for p := range m.docs {
		if strings.HasPrefix(p, prefix+"/") || p == prefix {
			victims = append(victims, p)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return m.order[victims[i]] < m.order[victims[j]] })
	for _, p := range victims {
		delete(m.docs, p)
		delete(m.order, p)
		m.fanoutLocked(p, nil, false)
	}
	return nil
}

// Sync blocks until every delivery queued before the call has run.
func (m *Memory) Sync() {
	done := make(chan struct{})
	m.mu.Lock()
	m.enqueue(func() { close(done) })
	m.mu.Unlock()
	<-done
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, s := range m.subs {
		s.active = false
	}
	m.cond.Broadcast()
	log.Debug().Str("module", "store.memory").Msg("closed")
}
