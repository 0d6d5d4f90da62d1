package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dkeye/Huddle/internal/core"
)

func TestRequestMarshalFailureLeavesNoPending(t *testing.T) {
	s := &WS{
		send:    make(chan []byte, 1),
		pending: make(map[uint64]chan error),
		subs:    make(map[string]func(core.Snapshot)),
		done:    make(chan struct{}),
	}

	// Invalid raw JSON makes the frame unmarshalable; the request must
	// fail without registering an ack slot nothing will resolve.
	err := s.request(context.Background(), wsFrame{
		Op:   "publish",
		Path: "calls/ch:0",
		Data: json.RawMessage("{bad"),
	})
	if err == nil {
		t.Fatal("request with unmarshalable frame should fail")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) != 0 {
		t.Fatalf("pending acks leaked: %d", len(s.pending))
	}
}
