package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edusignal/callbridge/internal/bridge"
	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Port = 0
	cfg.Server.LogLevel = config.LogInfo
	cfg.Server.AssetsDir = t.TempDir()
	cfg.Viewer.TokenSecret = "test-secret"
	cfg.Viewer.TokenTTL = time.Minute
	cfg.Roster.DBPath = ":memory:"
	cfg.Brief.ParentName = "Alex"
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	connect := func(context.Context, string, func([]byte), func(error)) (bridge.ModelLink, error) {
		return nil, context.Canceled
	}
	a, err := New(context.Background(), testConfig(t), WithModelConnector(connect))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func TestNewWiresSubsystems(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	if a.store == nil || a.tokens == nil || a.summaries == nil || a.control == nil {
		t.Fatal("core subsystems missing after New")
	}
	if a.roster == nil {
		t.Fatal("roster store not opened from config")
	}
	if a.server == nil || a.server.Handler == nil {
		t.Fatal("http server not assembled")
	}
}

func TestHTTPRoutes(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	srv := httptest.NewServer(a.server.Handler)
	defer srv.Close()

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", resp.StatusCode)
	}

	// Carrier and model are unconfigured in tests, so readiness degrades.
	resp := get("/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"roster":"ok"`) {
		t.Errorf("readiness body missing roster check: %s", body)
	}

	if resp := get("/metrics"); resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", resp.StatusCode)
	}

	if resp := get("/twilio/twiml?sessionId=nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("/twilio/twiml unknown session = %d, want 404", resp.StatusCode)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestTerminalSessionRecordsOutcome(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Brief.StudentName = "Jordan Diaz"
	connect := func(context.Context, string, func([]byte), func(error)) (bridge.ModelLink, error) {
		return nil, context.Canceled
	}
	a, err := New(context.Background(), cfg, WithModelConnector(connect))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})

	id := a.store.Create(callsession.CallBrief{ReasonSummary: "absences"})
	a.store.UpdateStatus(id, callsession.StatusCompleted, "carrier completed")

	// The hook runs asynchronously; poll until the row lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		outcomes, err := a.roster.Outcomes(context.Background(), 5)
		if err != nil {
			t.Fatalf("Outcomes: %v", err)
		}
		if len(outcomes) == 1 {
			o := outcomes[0]
			if o.SessionID != id || o.Status != "completed" || o.StudentName != "Jordan Diaz" {
				t.Errorf("outcome = %+v", o)
			}
			if o.Reason != "carrier completed" {
				t.Errorf("Reason = %q", o.Reason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no outcome recorded for terminal session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
