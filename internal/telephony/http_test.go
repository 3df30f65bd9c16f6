package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/edusignal/callbridge/internal/callsession"
)

func newTestHandlers() (*Handlers, *callsession.Store) {
	store := callsession.New()
	return NewHandlers(store, testConfig()), store
}

func TestCallControlDocumentEndpoint(t *testing.T) {
	t.Parallel()

	h, store := newTestHandlers()
	id := store.Create(callsession.CallBrief{})

	req := httptest.NewRequest(http.MethodPost, "/twilio/twiml?sessionId="+id, nil)
	rec := httptest.NewRecorder()
	h.CallControl(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"<Connect>",
		`url="wss://calls.example.org/twilio/call"`,
		`name="sessionId"`,
		`value="` + id + `"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("document missing %q:\n%s", want, body)
		}
	}
}

func TestCallControlUnknownSession404(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers()
	req := httptest.NewRequest(http.MethodGet, "/twilio/twiml?sessionId=nope", nil)
	rec := httptest.NewRecorder()
	h.CallControl(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatusCallbackUpdatesSession(t *testing.T) {
	t.Parallel()

	h, store := newTestHandlers()
	id := store.Create(callsession.CallBrief{})

	form := url.Values{"CallSid": {"CA77"}, "CallStatus": {"ringing"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/status?sessionId="+id,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.StatusCallback(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if status, _ := store.Status(id); status != callsession.StatusRinging {
		t.Errorf("session status = %q, want ringing", status)
	}
	if mapped, _ := store.ByCarrierCallID("CA77"); mapped != id {
		t.Error("carrier call id not recorded")
	}
}

func TestStatusCallbackUnknownSession404(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandlers()
	req := httptest.NewRequest(http.MethodPost, "/twilio/status?sessionId=nope",
		strings.NewReader("CallStatus=ringing"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.StatusCallback(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatusCallbackAfterTerminalIs204(t *testing.T) {
	t.Parallel()

	h, store := newTestHandlers()
	id := store.Create(callsession.CallBrief{})
	store.UpdateStatus(id, callsession.StatusCompleted, "done")

	// Late callbacks are dropped by the terminal latch but still acknowledged.
	form := url.Values{"CallStatus": {"failed"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/status?sessionId="+id,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.StatusCallback(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if status, _ := store.Status(id); status != callsession.StatusCompleted {
		t.Errorf("session status = %q, want completed latch to hold", status)
	}
}
