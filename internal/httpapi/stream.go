package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kobopay/kobod/internal/events"
)

const (
	streamSendBuffer = 256
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 54 * time.Second
	streamReadLimit  = 512 * 1024
)

// StreamHub fans dispatched events out to websocket subscribers as JSON.
// It implements events.Publisher so the dispatcher can treat it like any
// other sink, but it never reports failure: the stream is a dashboard
// feed, and the AMQP queue is the durable path. Slow consumers are
// skipped, not waited on.
type StreamHub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*streamConn]struct{}
	closed bool
}

var _ events.Publisher = (*StreamHub)(nil)

type streamConn struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamHub builds an empty hub.
func NewStreamHub(log *zap.Logger) *StreamHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamHub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		conns: make(map[*streamConn]struct{}),
	}
}

// Publish broadcasts one event to every subscriber. Always nil; a full
// send buffer drops the frame for that subscriber only.
func (h *StreamHub) Publish(_ context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("stream: dropping unmarshalable event",
			zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			// Slow subscriber; the queue keeps the durable copy.
		}
	}
	return nil
}

// Close tears down every live connection and refuses new upgrades.
func (h *StreamHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*streamConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*streamConn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		c.conn.Close()
	}
	return nil
}

// Subscribers reports the live connection count.
func (h *StreamHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// handleStream upgrades the request and starts the connection pumps.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r)
}

func (h *StreamHub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("stream: upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &streamConn{
		conn:   conn,
		send:   make(chan []byte, streamSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go h.readPump(c)
	go h.writePump(c)
}

// readPump enforces the read deadline and pong keepalive. Subscribers have
// nothing to say; inbound frames are drained and dropped.
func (h *StreamHub) readPump(c *streamConn) {
	defer h.drop(c)

	c.conn.SetReadLimit(streamReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("stream: read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump flushes queued events and pings on the keepalive interval.
func (h *StreamHub) writePump(c *streamConn) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StreamHub) drop(c *streamConn) {
	h.mu.Lock()
	_, live := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()

	c.cancel()
	c.conn.Close()
	if live {
		h.log.Debug("stream: subscriber disconnected")
	}
}
