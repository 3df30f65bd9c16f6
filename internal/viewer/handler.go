// Package viewer serves the fan-out websocket that call widgets watch: it
// authenticates a viewer token, replays catch-up events, then streams live
// events until the session drains.
package viewer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/observe"
	"github.com/edusignal/callbridge/internal/viewertoken"
)

const (
	pingInterval = 20 * time.Second

	// terminalFlushWindow is how long a viewer connecting to an already-ended
	// session gets to receive its catch-up before the normal close.
	terminalFlushWindow = 250 * time.Millisecond
)

// Handler serves /twilio/logs.
type Handler struct {
	store  *callsession.Store
	tokens *viewertoken.Minter
}

// NewHandler creates the viewer websocket handler.
func NewHandler(store *callsession.Store, tokens *viewertoken.Minter) *Handler {
	return &Handler{store: store, tokens: tokens}
}

// ServeHTTP upgrades the connection, authenticates it against the session,
// and streams events. Auth failures close with 1008.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	token := q.Get("viewerToken")
	sinceSeq, _ := strconv.ParseInt(q.Get("sinceSeq"), 10, 64)
	if sinceSeq < 0 {
		sinceSeq = 0
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("viewer websocket accept failed", "error", err)
		return
	}

	if !h.authorize(sessionID, token) {
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	subID, backlog, live, ok := h.store.Subscribe(sessionID, sinceSeq)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}
	defer h.store.Unsubscribe(sessionID, subID)

	observe.DefaultMetrics().ActiveViewers.Add(r.Context(), 1)
	defer observe.DefaultMetrics().ActiveViewers.Add(context.Background(), -1)

	// CloseRead pumps and discards client frames; its context ends when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	for _, ev := range backlog {
		if !h.writeEvent(ctx, conn, ev) {
			return
		}
	}

	if status, _ := h.store.Status(sessionID); status.Terminal() {
		time.Sleep(terminalFlushWindow)
		conn.Close(websocket.StatusNormalClosure, "session ended")
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-live:
			if !open {
				// Session drained or subscriber terminated for falling behind.
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if !h.writeEvent(ctx, conn, ev) {
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) authorize(sessionID, token string) bool {
	if sessionID == "" || token == "" || !h.store.Exists(sessionID) {
		return false
	}
	granted, err := h.tokens.Verify(token)
	return err == nil && granted == sessionID
}

// writeEvent sends one event; a failing write terminates the viewer.
func (h *Handler) writeEvent(ctx context.Context, conn *websocket.Conn, ev callsession.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshalling viewer event failed", "error", err)
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}
