package summary

import (
	"strings"

	"github.com/edusignal/callbridge/internal/callsession"
)

// Keyword bands for the heuristic risk grade. Matching is substring-based on
// the lowercased transcript.
var (
	highRiskKeywords = []string{
		"homeless", "evict", "unsafe", "hospital", "emergency", "can't make",
	}
	mediumRiskKeywords = []string{
		"sick", "ill", "doctor", "transport", "bus", "ride",
		"work schedule", "shift", "anxiety", "stressed", "family issue",
	}
	transportKeywords = []string{"transport", "bus", "ride"}
	healthKeywords    = []string{"sick", "ill", "doctor", "hospital"}
)

// Heuristic builds a report without a model. The summary quotes the last two
// nonempty recipient turns (falling back to assistant turns when the family
// said nothing), action items start from a fixed baseline and grow when the
// transcript suggests transport or health themes, and risk comes from keyword
// bands. An empty transcript yields an unknown-risk report.
func Heuristic(items []callsession.TranscriptItem) Report {
	report := Report{Source: SourceHeuristic, AttendanceRisk: RiskUnknown}

	var recipient, assistant []string
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		if it.Speaker == callsession.SpeakerRecipient {
			recipient = append(recipient, text)
		} else {
			assistant = append(assistant, text)
		}
	}

	if len(recipient) == 0 && len(assistant) == 0 {
		report.Summary = "No conversation was captured; the call may not have connected."
		report.ActionItems = []string{"Retry the call or reach out through another channel."}
		return report
	}

	quoted := lastN(recipient, 2)
	if len(quoted) == 0 {
		quoted = lastN(assistant, 2)
	}
	report.Summary = "Call highlights: " + strings.Join(quoted, " … ")
	report.KeyPoints = quoted

	report.ActionItems = []string{
		"Log the conversation in the student's attendance record.",
		"Monitor attendance over the next week.",
	}

	spoken := strings.ToLower(strings.Join(append(recipient, assistant...), " "))
	if containsAny(spoken, transportKeywords) {
		report.ActionItems = append(report.ActionItems,
			"Share transport options (bus pass, carpool) with the family.")
	}
	if containsAny(spoken, healthKeywords) {
		report.ActionItems = append(report.ActionItems,
			"Ask for a medical note and flag the school nurse if absences continue.")
	}

	said := strings.ToLower(strings.Join(recipient, " "))
	switch {
	case containsAny(said, highRiskKeywords):
		report.AttendanceRisk = RiskHigh
	case containsAny(said, mediumRiskKeywords):
		report.AttendanceRisk = RiskMedium
	default:
		report.AttendanceRisk = RiskLow
	}
	return report
}

func lastN(turns []string, n int) []string {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
