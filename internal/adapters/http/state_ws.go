package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stateStream pushes supervisor state snapshots over a websocket. The
// read side only watches for the client going away.
func (h *handlers) stateStream(ctx context.Context, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}

	states, unwatch := h.sup.Watch()
	defer unwatch()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.http").Msg("state stream ctx done")
			return
		case snap, ok := <-states:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("state stream set deadline")
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("state stream write error")
				return
			}
		}
	}
}
