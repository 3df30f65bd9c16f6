package summary_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/summary"
)

type stubModel struct {
	report summary.Report
	err    error
	calls  int
	seen   string
}

func (s *stubModel) Summarise(_ context.Context, transcript string, _ callsession.CallBrief) (summary.Report, error) {
	s.calls++
	s.seen = transcript
	return s.report, s.err
}

func newSessionWithTranscript(t *testing.T, lines ...string) (*callsession.Store, string) {
	t.Helper()
	store := callsession.New()
	id := store.Create(callsession.CallBrief{ReasonSummary: "absences"})
	for i, line := range lines {
		speaker := callsession.SpeakerRecipient
		if i%2 == 0 {
			speaker = callsession.SpeakerAssistant
		}
		store.AppendTranscriptFinal(id, string(rune('a'+i)), speaker, line, "")
	}
	return store, id
}

func TestSummariseUsesRemoteModel(t *testing.T) {
	t.Parallel()

	store, id := newSessionWithTranscript(t, "Hello, this is the school.", "Hi, Jordan was sick.")
	model := &stubModel{report: summary.Report{
		Summary:        "Jordan was out sick.",
		KeyPoints:      []string{"sick this week"},
		ActionItems:    []string{"check in Friday"},
		AttendanceRisk: summary.RiskMedium,
	}}
	syn := summary.NewSynthesizer(store, model, "Alex")

	report, err := syn.Summarise(context.Background(), id)
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if report.Source != summary.SourceRemote {
		t.Errorf("Source = %q, want remote", report.Source)
	}
	if report.Summary != "Jordan was out sick." {
		t.Errorf("Summary = %q", report.Summary)
	}
	// The prompt labels turns with the contact's name.
	if !strings.Contains(model.seen, "Alex: Hi, Jordan was sick.") {
		t.Errorf("transcript labels wrong:\n%s", model.seen)
	}
	if !strings.Contains(model.seen, "School Assistant: Hello") {
		t.Errorf("assistant label missing:\n%s", model.seen)
	}
}

func TestSummariseCachedByLogPosition(t *testing.T) {
	t.Parallel()

	store, id := newSessionWithTranscript(t, "Hello.", "Jordan missed the bus.")
	model := &stubModel{report: summary.Report{Summary: "bus trouble", AttendanceRisk: summary.RiskMedium}}
	syn := summary.NewSynthesizer(store, model, "")

	ctx := context.Background()
	if _, err := syn.Summarise(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := syn.Summarise(ctx, id); err != nil {
		t.Fatal(err)
	}
	if model.calls != 1 {
		t.Errorf("model invoked %d times for unchanged log, want 1", model.calls)
	}

	// New events invalidate the cache.
	store.AppendTranscriptFinal(id, "z", callsession.SpeakerRecipient, "Actually we moved.", "")
	if _, err := syn.Summarise(ctx, id); err != nil {
		t.Fatal(err)
	}
	if model.calls != 2 {
		t.Errorf("model invoked %d times after new events, want 2", model.calls)
	}
}

func TestSummariseFallsBackOnRemoteError(t *testing.T) {
	t.Parallel()

	store, id := newSessionWithTranscript(t, "Hello.", "Jordan has been sick all week.")
	syn := summary.NewSynthesizer(store, &stubModel{err: errors.New("rate limited")}, "")

	report, err := syn.Summarise(context.Background(), id)
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if report.Source != summary.SourceHeuristic {
		t.Errorf("Source = %q, want heuristic fallback", report.Source)
	}
	if report.AttendanceRisk != summary.RiskMedium {
		t.Errorf("AttendanceRisk = %q, want medium for sickness keywords", report.AttendanceRisk)
	}
}

func TestSummariseEmptyTranscriptSkipsRemote(t *testing.T) {
	t.Parallel()

	store := callsession.New()
	id := store.Create(callsession.CallBrief{})
	model := &stubModel{report: summary.Report{Summary: "should not be used"}}
	syn := summary.NewSynthesizer(store, model, "")

	report, err := syn.Summarise(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if model.calls != 0 {
		t.Error("remote model invoked for empty transcript")
	}
	if report.AttendanceRisk != summary.RiskUnknown {
		t.Errorf("AttendanceRisk = %q, want unknown", report.AttendanceRisk)
	}
}

func TestSummariseUnknownSession(t *testing.T) {
	t.Parallel()

	syn := summary.NewSynthesizer(callsession.New(), nil, "")
	if _, err := syn.Summarise(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestHeuristicRiskBands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		said string
		want summary.Risk
	}{
		{"high", "We might get evicted next month.", summary.RiskHigh},
		{"high hospital", "She is in the hospital.", summary.RiskHigh},
		{"medium", "My work schedule changed and the bus is unreliable.", summary.RiskMedium},
		{"low", "He overslept, it won't happen again.", summary.RiskLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			items := []callsession.TranscriptItem{
				{ItemID: "a", Speaker: callsession.SpeakerAssistant, Text: "Hello, calling about attendance."},
				{ItemID: "b", Speaker: callsession.SpeakerRecipient, Text: tc.said},
			}
			report := summary.Heuristic(items)
			if report.AttendanceRisk != tc.want {
				t.Errorf("AttendanceRisk = %q, want %q", report.AttendanceRisk, tc.want)
			}
			if len(report.ActionItems) == 0 {
				t.Error("no action items produced")
			}
		})
	}
}

func TestHeuristicSummaryQuotesLastRecipientTurns(t *testing.T) {
	t.Parallel()

	items := []callsession.TranscriptItem{
		{Speaker: callsession.SpeakerRecipient, Text: "first turn"},
		{Speaker: callsession.SpeakerRecipient, Text: "second turn"},
		{Speaker: callsession.SpeakerRecipient, Text: "third turn"},
	}
	report := summary.Heuristic(items)
	if strings.Contains(report.Summary, "first turn") {
		t.Error("summary should only quote the last two turns")
	}
	for _, want := range []string{"second turn", "third turn"} {
		if !strings.Contains(report.Summary, want) {
			t.Errorf("summary missing %q: %s", want, report.Summary)
		}
	}
}

func TestHeuristicThemedActionItems(t *testing.T) {
	t.Parallel()

	items := []callsession.TranscriptItem{
		{Speaker: callsession.SpeakerRecipient, Text: "The bus never comes and she has been sick."},
	}
	report := summary.Heuristic(items)

	joined := strings.Join(report.ActionItems, " | ")
	if !strings.Contains(joined, "transport") && !strings.Contains(joined, "bus pass") {
		t.Errorf("transport theme missing from action items: %s", joined)
	}
	if !strings.Contains(joined, "medical") && !strings.Contains(joined, "nurse") {
		t.Errorf("health theme missing from action items: %s", joined)
	}
	if len(report.ActionItems) < 3 {
		t.Errorf("themed items should extend the baseline, got %d items", len(report.ActionItems))
	}
}

func TestHeuristicEmptyTranscript(t *testing.T) {
	t.Parallel()

	report := summary.Heuristic(nil)
	if report.AttendanceRisk != summary.RiskUnknown {
		t.Errorf("AttendanceRisk = %q, want unknown", report.AttendanceRisk)
	}
	if !strings.Contains(report.Summary, "may not have connected") {
		t.Errorf("Summary = %q", report.Summary)
	}
}

func TestHeuristicAssistantOnlyTranscript(t *testing.T) {
	t.Parallel()

	// Voicemail case: only the assistant spoke.
	items := []callsession.TranscriptItem{
		{Speaker: callsession.SpeakerAssistant, Text: "Please call the school back."},
	}
	report := summary.Heuristic(items)
	if !strings.Contains(report.Summary, "Please call the school back.") {
		t.Errorf("assistant fallback quote missing: %s", report.Summary)
	}
	// Risk keys off what the family said; nothing said means low, not panic.
	if report.AttendanceRisk != summary.RiskLow {
		t.Errorf("AttendanceRisk = %q, want low", report.AttendanceRisk)
	}
}

func TestRemoteBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	model := &stubModel{err: errors.New("upstream down")}
	store := callsession.New()
	syn := summary.NewSynthesizer(store, model, "Alex")

	// Four distinct sessions so caching never short-circuits the remote path.
	for i := 0; i < 4; i++ {
		id := store.Create(callsession.CallBrief{})
		store.AppendTranscriptFinal(id, "a", callsession.SpeakerRecipient, "Jordan was sick.", "")
		report, err := syn.Summarise(context.Background(), id)
		if err != nil {
			t.Fatalf("Summarise: %v", err)
		}
		if report.Source != summary.SourceHeuristic {
			t.Errorf("Source = %q, want heuristic", report.Source)
		}
	}

	// The breaker opens after three consecutive failures; the fourth request
	// must not reach the remote model.
	if model.calls != 3 {
		t.Errorf("remote calls = %d, want 3", model.calls)
	}
}

func TestFormatTranscriptSkipsEmpty(t *testing.T) {
	t.Parallel()

	got := summary.FormatTranscript([]callsession.TranscriptItem{
		{Speaker: callsession.SpeakerAssistant, Text: "Hello"},
		{Speaker: callsession.SpeakerRecipient, Text: "   "},
		{Speaker: callsession.SpeakerRecipient, Text: "Hi"},
	}, "Alex")
	want := "School Assistant: Hello\nAlex: Hi\n"
	if got != want {
		t.Errorf("FormatTranscript = %q, want %q", got, want)
	}
}
