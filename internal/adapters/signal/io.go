package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
)

// frame is the wire envelope. Requests carry an ID and get an ack
// back; store events carry the subscription id they belong to.
type frame struct {
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

// errExistsWire is how a lost IfMissing race is spelled on the wire.
const errExistsWire = "exists"

func (g *Gateway) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, sid string, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump read error")
				return
			}
			g.handleFrame(ctx, sid, c, data)
		}
	}
}

func (g *Gateway) handleFrame(ctx context.Context, sid string, c *wsConn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch f.Op {
	case "publish":
		g.handlePublish(ctx, sid, c, f)
	case "subscribe":
		g.handleSubscribe(c, f)
	case "unsubscribe":
		if unsub := c.dropSub(f.Sub); unsub != nil {
			unsub()
		}
	case "delete":
		g.ack(c, f.ID, g.store.Delete(ctx, f.Path))
	case "purge":
		g.ack(c, f.ID, g.store.Purge(ctx, f.Path))
	default:
		log.Warn().Str("module", "signal").Str("op", f.Op).Msg("unknown frame")
	}
}

func (g *Gateway) handlePublish(ctx context.Context, sid string, c *wsConn, f frame) {
	if !g.limiter.Allow(sid) {
		g.ack(c, f.ID, errors.New("rate limited"))
		return
	}
	err := g.store.Publish(ctx, f.Path, f.Data, core.PublishOptions{
		Merge:     f.Merge,
		IfMissing: f.IfMissing,
	})
	g.ack(c, f.ID, err)
}

func (g *Gateway) handleSubscribe(c *wsConn, f frame) {
	subID := f.Sub
	deliver := func(snap core.Snapshot) {
		ev := frame{
			Op:     "event",
			Sub:    subID,
			Path:   snap.Path,
			Data:   snap.Data,
			Exists: snap.Exists,
		}
		b, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("event marshal")
			return
		}
		if err := c.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sub", subID).Msg("event dropped")
		}
	}

	var unsub func()
	var err error
	if f.Children {
		unsub, err = g.store.SubscribeChildren(f.Path, deliver)
	} else {
		unsub, err = g.store.Subscribe(f.Path, deliver)
	}
	if err != nil {
		g.ack(c, f.ID, err)
		return
	}
	if !c.addSub(subID, unsub) {
		unsub()
		return
	}
	g.ack(c, f.ID, nil)
}

func (g *Gateway) ack(c *wsConn, id uint64, err error) {
	f := frame{Op: "ack", ID: id}
	if errors.Is(err, core.ErrExists) {
		f.Error = errExistsWire
	} else if err != nil {
		f.Error = err.Error()
	}
	b, mErr := json.Marshal(f)
	if mErr != nil {
		log.Error().Err(mErr).Str("module", "signal").Msg("ack marshal")
		return
	}
	if sendErr := c.TrySend(b); sendErr != nil {
		log.Warn().Err(sendErr).Str("module", "signal").Msg("ack dropped")
	}
}
