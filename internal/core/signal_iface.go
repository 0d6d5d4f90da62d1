// Package core holds the small interfaces and DTOs the coordinator is
// built against. No transport, storage or media logic lives here.
package core

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrExists is returned by Publish with IfMissing set when the document
// is already present. The losing side of a slot claim sees this.
var ErrExists = errors.New("document already exists")

// Snapshot is one observed state of a document. Exists is false for a
// deletion event; Data is the raw JSON body otherwise.
type Snapshot struct {
	Path   string
	Data   json.RawMessage
	Exists bool
}

func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return errors.New("decode of deleted snapshot")
	}
	return json.Unmarshal(s.Data, v)
}

type PublishOptions struct {
	// Merge overlays the document's top-level fields instead of
	// replacing the whole body.
	Merge bool
	// IfMissing makes the write conditional on the document not
	// existing yet; ErrExists reports the lost race.
	IfMissing bool
}

// SignalStore wraps the external document store used as a signaling
// relay. It carries no call logic and implements no retries; callers
// decide. Subscriptions deliver the initial read, then every change,
// in arrival order, from a single delivery goroutine per store.
type SignalStore interface {
	Publish(ctx context.Context, path string, doc any, opts PublishOptions) error
	// Subscribe watches a single document.
	Subscribe(path string, fn func(Snapshot)) (func(), error)
	// SubscribeChildren watches a collection prefix; additions are
	// delivered in the order the store observed them.
	SubscribeChildren(prefix string, fn func(Snapshot)) (func(), error)
	Delete(ctx context.Context, path string) error
	// Purge removes every document under prefix.
	Purge(ctx context.Context, prefix string) error
}
