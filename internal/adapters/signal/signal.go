// Package signal is the store gateway: it exposes an append/observe
// document store to call clients over websockets. Each client speaks
// the frame protocol (publish/subscribe/delete/purge with acks, events
// per subscription) against one shared store.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type Gateway struct {
	store   core.SignalStore
	limiter *ClientRateLimiter
}

func NewGateway(store core.SignalStore) *Gateway {
	return &Gateway{
		store:   store,
		limiter: NewClientRateLimiter(64, time.Second),
	}
}

// wsConn is one client connection. Events and acks for the client go
// through the send channel so a single writer owns the socket.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	subs   map[string]func()
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func (c *wsConn) addSub(id string, unsub func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs[id] = unsub
	return true
}

func (c *wsConn) dropSub(id string) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	unsub := c.subs[id]
	delete(c.subs, id)
	return unsub
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (g *Gateway) HandleClient(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 64),
		subs: make(map[string]func()),
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		g.writePump(ctx, conn)
		cancel()
	}()
	go func() {
		g.readPump(ctx, sid, conn)
		cancel()
	}()
}
