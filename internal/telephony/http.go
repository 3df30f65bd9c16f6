package telephony

import (
	"log/slog"
	"net/http"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
)

// Handlers serves the carrier-facing HTTP endpoints.
type Handlers struct {
	store *callsession.Store
	cfg   *config.Config
}

// NewHandlers creates the carrier HTTP handlers.
func NewHandlers(store *callsession.Store, cfg *config.Config) *Handlers {
	return &Handlers{store: store, cfg: cfg}
}

// Register mounts the carrier endpoints on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /twilio/twiml", h.CallControl)
	mux.HandleFunc("POST /twilio/twiml", h.CallControl)
	mux.HandleFunc("POST /twilio/status", h.StatusCallback)
}

// CallControl serves the TwiML document for a session. The carrier fetches it
// when the callee answers.
func (h *Handlers) CallControl(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" || !h.store.Exists(sessionID) {
		http.NotFound(w, r)
		return
	}

	body, err := CallControlDocument(h.cfg.WebsocketBase(), sessionID)
	if err != nil {
		slog.Error("call-control document render failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(body)
}

// StatusCallback processes carrier call-lifecycle callbacks. The body is
// form-encoded with at least CallStatus and CallSid.
func (h *Handlers) StatusCallback(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" || !h.store.Exists(sessionID) {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form body", http.StatusBadRequest)
		return
	}

	callSid := r.PostFormValue("CallSid")
	carrierStatus := r.PostFormValue("CallStatus")
	if callSid != "" {
		h.store.SetCarrierCallID(sessionID, callSid)
	}
	if carrierStatus != "" {
		status := MapCarrierStatus(carrierStatus)
		reason := ""
		if status == callsession.StatusFailed {
			reason = "carrier reported " + carrierStatus
		}
		h.store.UpdateStatus(sessionID, status, reason)
	}

	slog.Debug("carrier status callback",
		"session_id", sessionID, "call_sid", callSid, "carrier_status", carrierStatus)
	w.WriteHeader(http.StatusNoContent)
}
