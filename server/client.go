package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/models"
	"github.com/leisurelyCoder/chattle/protocol"
	"go.uber.org/zap"
)

const (
	maxMessageSize = 64 * 1024 // max inbound frame
	sendBufSize    = 256       // per-connection outbound buffer
)

// client is one websocket connection. It implements fanout.Sink.
type client struct {
	id   string
	user *models.User
	conn *websocket.Conn
	srv  *Server
	log  *zap.Logger

	pongWait  time.Duration
	writeWait time.Duration

	egress chan protocol.Envelope
	done   chan struct{}
	once   sync.Once
}

func newClient(id string, user *models.User, conn *websocket.Conn, srv *Server) *client {
	return &client{
		id:        id,
		user:      user,
		conn:      conn,
		srv:       srv,
		log:       srv.log.With(zap.String("conn_id", id), zap.String("user_id", user.ID)),
		pongWait:  srv.config.ReadTimeout,
		writeWait: srv.config.WriteTimeout,
		egress:    make(chan protocol.Envelope, sendBufSize),
		done:      make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send queues ev without blocking. A client that cannot keep up is disconnected.
func (c *client) Send(ev protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.egress <- ev:
		return true
	default:
		c.log.Warn("egress full, disconnecting client")
		c.Close()
		return false
	}
}

func (c *client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *client) sendError(operation string, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		c.log.Error("event failed", zap.String("event", operation), zap.Error(err))
	}
	c.Send(protocol.MustEnvelope(protocol.EventError, protocol.Error{
		Message:   apperr.Public(err),
		Operation: operation,
	}))
}

// readPump handles inbound frames one at a time until the connection drops.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Debug("unexpected close", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			c.sendError("", apperr.Validation("Invalid message format"))
			continue
		}
		c.srv.handleEvent(ctx, c, env)
	}
}

// writePump is the only writer on the connection apart from control frames.
func (c *client) writePump() {
	ticker := time.NewTicker((c.pongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		case ev := <-c.egress:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

// drain flushes frames queued before Close, such as a final error or the shutdown notice.
func (c *client) drain() {
	for {
		select {
		case ev := <-c.egress:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}
