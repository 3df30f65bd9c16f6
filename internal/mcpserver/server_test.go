package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
	"github.com/edusignal/callbridge/internal/roster"
	"github.com/edusignal/callbridge/internal/summary"
	"github.com/edusignal/callbridge/internal/telephony"
	"github.com/edusignal/callbridge/internal/viewertoken"
)

func newTestServer(t *testing.T) (*Server, *callsession.Store) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Port = 8000
	cfg.Server.PublicURL = "https://calls.example.org"
	cfg.Server.AssetsDir = t.TempDir()
	cfg.Brief.StudentName = "Jordan"
	cfg.Brief.ParentName = "Alex"
	cfg.Brief.ParentRelationship = "mother"
	cfg.Brief.ParentNumberLabel = "mobile"
	cfg.Twilio.DefaultToNumber = "+15550009999"

	store := callsession.New()
	tokens := viewertoken.New("secret", time.Minute)
	control := telephony.NewControl(store, tokens, cfg)
	summaries := summary.NewSynthesizer(store, nil, cfg.Brief.ParentName)

	rosterStore, err := roster.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rosterStore.Close() })

	return New(store, control, summaries, tokens, rosterStore, cfg), store
}

func TestOpenCallPanel(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	result, desc, err := s.openCallPanel(context.Background(), nil, briefArgs{
		ReasonSummary: "3 absences",
	})
	if err != nil {
		t.Fatal(err)
	}

	if desc.SessionID != nil {
		t.Error("panel descriptor must have a null session id")
	}
	if desc.Status != "ready" {
		t.Errorf("Status = %q, want ready", desc.Status)
	}
	if desc.LogsWsURL != "wss://calls.example.org/twilio/logs" {
		t.Errorf("LogsWsURL = %q", desc.LogsWsURL)
	}
	if desc.StudentName != "Jordan" || desc.ParentName != "Alex" {
		t.Errorf("descriptor contact fields = %+v", desc)
	}
	if desc.ReasonSummary != "3 absences" {
		t.Errorf("ReasonSummary = %q", desc.ReasonSummary)
	}
	if result.Meta["outputTemplate"] != callPanelWidget {
		t.Errorf("outputTemplate = %v", result.Meta["outputTemplate"])
	}
}

func TestInitiateCallWithoutCarrierStillReturnsHandle(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t)
	_, result, err := s.initiateCall(context.Background(), nil, briefArgs{ReasonSummary: "absences"})
	if err != nil {
		t.Fatal(err)
	}

	if result.ErrorMessage == "" {
		t.Fatal("expected carrier-unconfigured error")
	}
	if result.SessionID == "" || result.ViewerToken == "" {
		t.Error("failure result must still carry session id and viewer token")
	}
	if status, _ := store.Status(result.SessionID); status != callsession.StatusFailed {
		t.Errorf("session status = %q, want failed", status)
	}
}

func TestCallStatusTool(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t)
	id := store.Create(callsession.CallBrief{})
	store.AppendTranscriptFinal(id, "a", callsession.SpeakerAssistant, "Hello.", "")

	_, status, err := s.callStatus(context.Background(), nil, sessionArgs{SessionID: id})
	if err != nil {
		t.Fatal(err)
	}
	if status.SessionID != id || len(status.Transcript) != 1 {
		t.Errorf("status = %+v", status)
	}

	if _, _, err := s.callStatus(context.Background(), nil, sessionArgs{SessionID: "nope"}); err == nil {
		t.Error("unknown session should error")
	}
}

func TestSummariseCallTool(t *testing.T) {
	t.Parallel()

	s, store := newTestServer(t)
	id := store.Create(callsession.CallBrief{})
	store.AppendTranscriptFinal(id, "a", callsession.SpeakerRecipient, "Jordan was sick.", "")

	_, result, err := s.summariseCall(context.Background(), nil, sessionArgs{SessionID: id})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Found || result.Report == nil {
		t.Fatalf("result = %+v", result)
	}
	if result.Report.Source != summary.SourceHeuristic {
		t.Errorf("Source = %q", result.Report.Source)
	}

	// Unknown sessions report found=false instead of a protocol error.
	_, missing, err := s.summariseCall(context.Background(), nil, sessionArgs{SessionID: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if missing.Found {
		t.Error("unknown session reported found=true")
	}
}

func TestRosterTools(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := s.roster.AddStudent(ctx, roster.Student{Name: "Jordan Diaz", Grade: "7"}); err != nil {
		t.Fatal(err)
	}

	_, found, err := s.findStudent(ctx, nil, studentArgs{Name: "Jordan Diaz"})
	if err != nil || !found.Found {
		t.Fatalf("findStudent: found=%v err=%v", found.Found, err)
	}

	date := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	_, recorded, err := s.recordAbsence(ctx, nil, recordAbsenceArgs{
		StudentName: "Jordan Diaz", Date: date, Reason: "no show",
	})
	if err != nil || !recorded.Recorded {
		t.Fatalf("recordAbsence: %+v err=%v", recorded, err)
	}
	if !strings.Contains(recorded.AbsenceStats, "1 absences") {
		t.Errorf("AbsenceStats = %q", recorded.AbsenceStats)
	}

	_, trends, err := s.attendanceTrends(ctx, nil, trendsArgs{})
	if err != nil {
		t.Fatal(err)
	}
	if len(trends.Trends) != 1 || trends.Trends[0].Name != "Jordan Diaz" {
		t.Errorf("trends = %+v", trends)
	}

	if _, _, err := s.recordAbsence(ctx, nil, recordAbsenceArgs{StudentName: "Nobody", Date: date}); err == nil {
		t.Error("absence for unknown student should error")
	}
}

func TestServeAsset(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	if err := os.WriteFile(filepath.Join(s.cfg.Server.AssetsDir, "call-panel.html"),
		[]byte("<html>panel</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/assets/call-panel.html", nil)
	rec := httptest.NewRecorder()
	s.serveAsset(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if !strings.Contains(rec.Body.String(), "panel") {
		t.Error("asset body not served")
	}
}

func TestServeAssetRejectsTraversal(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	for _, p := range []string{
		"/assets/../secrets.txt",
		"/assets/..%2Fsecrets.txt",
		"/assets/sub/../../escape.html",
	} {
		req := httptest.NewRequest(http.MethodGet, p, nil)
		rec := httptest.NewRecorder()
		s.serveAsset(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", p, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/assets/missing.html", nil)
	rec := httptest.NewRecorder()
	s.serveAsset(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing asset = %d, want 404", rec.Code)
	}
}
