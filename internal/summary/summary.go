// Package summary turns a finished call's transcript into a short structured
// report for teachers: what happened, the key points, concrete action items,
// and an attendance-risk grade.
//
// Reports are cached per session and keyed by the event-log position they
// were generated from, so repeated status queries after the call ends do not
// re-invoke the model.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/observe"
	"github.com/edusignal/callbridge/internal/resilience"
)

// Risk grades how urgently a teacher should follow up on the student's
// attendance.
type Risk string

const (
	RiskUnknown Risk = "unknown"
	RiskLow     Risk = "low"
	RiskMedium  Risk = "medium"
	RiskHigh    Risk = "high"
)

// Report sources.
const (
	SourceRemote    = "remote"
	SourceHeuristic = "heuristic"
)

// Report is the synthesised post-call summary.
type Report struct {
	Summary        string   `json:"summary"`
	KeyPoints      []string `json:"keyPoints"`
	ActionItems    []string `json:"actionItems"`
	AttendanceRisk Risk     `json:"attendanceRisk"`
	Source         string   `json:"source"`

	GeneratedAt time.Time `json:"generatedAt"`

	// LastSeq is the event-log position the report was generated from.
	LastSeq int64 `json:"lastSeq"`
}

// remoteModel is the LLM behind the synthesizer. Implemented by the openai
// client wrapper; stubbed in tests.
type remoteModel interface {
	Summarise(ctx context.Context, transcript string, brief callsession.CallBrief) (Report, error)
}

// Synthesizer produces and caches call reports.
type Synthesizer struct {
	store       *callsession.Store
	remote      remoteModel
	breaker     *resilience.CircuitBreaker
	contactName string

	mu    sync.Mutex
	cache map[string]Report // session id → last report
}

// NewSynthesizer creates a Synthesizer. remote may be nil, in which case only
// the heuristic path is used. contactName labels the family's side of the
// transcript in prompts.
func NewSynthesizer(store *callsession.Store, remote remoteModel, contactName string) *Synthesizer {
	if contactName == "" {
		contactName = "Parent"
	}
	return &Synthesizer{
		store:  store,
		remote: remote,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "summary-remote",
			MaxFailures: 3,
		}),
		contactName: contactName,
		cache:       make(map[string]Report),
	}
}

// Summarise returns the report for a session, generating it on first request
// and whenever new events have landed since the cached report. A remote
// failure degrades to the heuristic report rather than an error. Concurrent
// requests for the same session may duplicate remote calls; the last writer
// wins the cache slot.
func (s *Synthesizer) Summarise(ctx context.Context, sessionID string) (Report, error) {
	status, ok := s.store.Summary(sessionID)
	if !ok {
		return Report{}, fmt.Errorf("session %q not found", sessionID)
	}

	s.mu.Lock()
	cached, hit := s.cache[sessionID]
	s.mu.Unlock()
	if hit && cached.LastSeq == status.LastSeq {
		return cached, nil
	}

	start := time.Now()
	report := s.generate(ctx, status)
	report.LastSeq = status.LastSeq
	report.GeneratedAt = time.Now().UTC()
	observe.DefaultMetrics().RecordSummary(ctx, report.Source, time.Since(start).Seconds())

	s.mu.Lock()
	s.cache[sessionID] = report
	s.mu.Unlock()
	return report, nil
}

// Cached returns the last generated report for a session without invoking
// the model. Used where a stale report is acceptable, like outcome records.
func (s *Synthesizer) Cached(sessionID string) (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.cache[sessionID]
	return report, ok
}

func (s *Synthesizer) generate(ctx context.Context, status callsession.StatusSummary) Report {
	transcript := FormatTranscript(status.Transcript, s.contactName)
	if s.remote != nil && transcript != "" {
		var report Report
		err := s.breaker.Execute(func() error {
			var callErr error
			report, callErr = s.remote.Summarise(ctx, transcript, status.Brief)
			return callErr
		})
		if err == nil {
			report.Source = SourceRemote
			if report.AttendanceRisk == "" {
				report.AttendanceRisk = RiskUnknown
			}
			return report
		}
		slog.Warn("remote summary failed, using heuristic",
			"session_id", status.SessionID, "error", err)
	}
	return Heuristic(status.Transcript)
}

// FormatTranscript renders transcript items with nonblank text as a
// speaker-labelled plain-text conversation, labelling the assistant side
// "School Assistant" and the family side with the contact's name.
func FormatTranscript(items []callsession.TranscriptItem, contactName string) string {
	var sb strings.Builder
	for _, it := range items {
		if strings.TrimSpace(it.Text) == "" {
			continue
		}
		label := contactName
		if it.Speaker == callsession.SpeakerAssistant {
			label = "School Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, it.Text)
	}
	return sb.String()
}
