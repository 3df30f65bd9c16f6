package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/edusignal/callbridge/internal/callsession"
)

// Handler accepts carrier media-stream websockets on /twilio/call and runs a
// Bridge per connection.
type Handler struct {
	store    *callsession.Store
	renderer InstructionRenderer
	connect  ModelConnector
}

// NewHandler creates the carrier media websocket handler.
func NewHandler(store *callsession.Store, renderer InstructionRenderer, connect ModelConnector) *Handler {
	return &Handler{store: store, renderer: renderer, connect: connect}
}

// ServeHTTP upgrades the carrier connection and pumps frames into a Bridge
// until either side closes. A sessionId query parameter binds eagerly;
// otherwise binding waits for the carrier start event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The carrier dials from its own infrastructure; Origin carries no signal.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("carrier websocket accept failed", "error", err)
		return
	}

	link := &carrierConn{conn: conn}
	b := New(h.store, h.renderer, link, h.connect, r.URL.Query().Get("sessionId"))

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			if code == -1 {
				code = websocket.StatusAbnormalClosure
			}
			b.OnCarrierClosed(code, err.Error())
			return
		}
		b.HandleCarrierMessage(ctx, data)
	}
}

// carrierConn adapts a coder/websocket connection to CarrierLink. Writes are
// serialized; the carrier protocol is strictly JSON text frames.
type carrierConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *carrierConn) SendMedia(streamSid, payload string) error {
	return c.writeJSON(carrierOutbound{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &carrierOutMedia{Payload: payload},
	})
}

func (c *carrierConn) SendClear(streamSid string) error {
	return c.writeJSON(carrierOutbound{Event: "clear", StreamSid: streamSid})
}

func (c *carrierConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close(code, reason)
}

func (c *carrierConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("carrier: marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("carrier: connection closed")
	}
	return c.conn.Write(context.Background(), websocket.MessageText, data)
}
