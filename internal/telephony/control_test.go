package telephony

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
	"github.com/edusignal/callbridge/internal/viewertoken"
)

type fakeCarrier struct {
	req    createCallRequest
	sid    string
	status string
	err    error
}

func (f *fakeCarrier) CreateCall(_ context.Context, req createCallRequest) (string, string, error) {
	f.req = req
	return f.sid, f.status, f.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Port = 8000
	cfg.Server.PublicURL = "https://calls.example.org"
	cfg.Twilio.FromNumber = "+15550001111"
	cfg.Twilio.DefaultToNumber = "+15552223333"
	return cfg
}

func newTestControl(carrier carrierAPI) (*Control, *callsession.Store) {
	store := callsession.New()
	tokens := viewertoken.New("test-secret", time.Minute)
	return newControlWithCarrier(store, tokens, testConfig(), carrier), store
}

func TestStartOutboundCall(t *testing.T) {
	t.Parallel()

	carrier := &fakeCarrier{sid: "CA123", status: "queued"}
	ctl, store := newTestControl(carrier)

	result := ctl.StartOutboundCall(context.Background(), callsession.CallBrief{ReasonSummary: "absences"}, "")

	if result.ErrorMessage != "" {
		t.Fatalf("unexpected error: %s", result.ErrorMessage)
	}
	if result.CallSid != "CA123" {
		t.Errorf("CallSid = %q", result.CallSid)
	}
	if result.Status != string(callsession.StatusQueued) {
		t.Errorf("Status = %q, want queued", result.Status)
	}
	if result.ViewerToken == "" {
		t.Error("no viewer token minted")
	}
	if result.LogsWsURL != "wss://calls.example.org/twilio/logs" {
		t.Errorf("LogsWsURL = %q", result.LogsWsURL)
	}
	if result.ToNumber != "+15552223333" {
		t.Errorf("ToNumber = %q, want configured default", result.ToNumber)
	}

	// Carrier request wiring.
	if carrier.req.To != "+15552223333" || carrier.req.From != "+15550001111" {
		t.Errorf("carrier numbers = %+v", carrier.req)
	}
	wantControl := "https://calls.example.org/twilio/twiml?sessionId=" + result.SessionID
	if carrier.req.CallControlURL != wantControl {
		t.Errorf("CallControlURL = %q, want %q", carrier.req.CallControlURL, wantControl)
	}
	if !strings.Contains(carrier.req.StatusCallbackURL, "/twilio/status?sessionId=") {
		t.Errorf("StatusCallbackURL = %q", carrier.req.StatusCallbackURL)
	}
	if len(carrier.req.StatusCallbackTypes) != 4 {
		t.Errorf("StatusCallbackTypes = %v", carrier.req.StatusCallbackTypes)
	}

	if mapped, _ := store.ByCarrierCallID("CA123"); mapped != result.SessionID {
		t.Error("carrier call id not bound to session")
	}
}

func TestStartOutboundCallCarrierError(t *testing.T) {
	t.Parallel()

	ctl, store := newTestControl(&fakeCarrier{err: errors.New("invalid number")})
	result := ctl.StartOutboundCall(context.Background(), callsession.CallBrief{}, "+15559998888")

	if result.ErrorMessage == "" {
		t.Fatal("expected error message")
	}
	if result.SessionID == "" || result.ViewerToken == "" {
		t.Error("failure result must still carry session id and viewer token")
	}
	if status, _ := store.Status(result.SessionID); status != callsession.StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestStartOutboundCallUnconfiguredCarrier(t *testing.T) {
	t.Parallel()

	ctl, store := newTestControl(nil)
	result := ctl.StartOutboundCall(context.Background(), callsession.CallBrief{}, "")

	if !strings.Contains(result.ErrorMessage, "not configured") {
		t.Errorf("ErrorMessage = %q", result.ErrorMessage)
	}
	if status, _ := store.Status(result.SessionID); status != callsession.StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestStartOutboundCallNoCallee(t *testing.T) {
	t.Parallel()

	store := callsession.New()
	tokens := viewertoken.New("test-secret", time.Minute)
	cfg := testConfig()
	cfg.Twilio.DefaultToNumber = ""
	ctl := newControlWithCarrier(store, tokens, cfg, &fakeCarrier{sid: "CA1", status: "queued"})

	result := ctl.StartOutboundCall(context.Background(), callsession.CallBrief{}, "")
	if !strings.Contains(result.ErrorMessage, "no callee number") {
		t.Errorf("ErrorMessage = %q", result.ErrorMessage)
	}
}

func TestMapCarrierStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]callsession.Status{
		"ringing":     callsession.StatusRinging,
		"in-progress": callsession.StatusInProgress,
		"answered":    callsession.StatusInProgress,
		"queued":      callsession.StatusQueued,
		"initiated":   callsession.StatusQueued,
		"scheduled":   callsession.StatusQueued,
		"completed":   callsession.StatusCompleted,
		"busy":        callsession.StatusFailed,
		"no-answer":   callsession.StatusFailed,
		"canceled":    callsession.StatusFailed,
	}
	for in, want := range cases {
		if got := MapCarrierStatus(in); got != want {
			t.Errorf("MapCarrierStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
