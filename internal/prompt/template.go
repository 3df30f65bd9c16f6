// Package prompt renders the realtime model's instructions from a template
// and the per-call brief.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/config"
)

// defaultTemplate is the built-in instruction template used when no template
// file is configured. Placeholders use {{name}} syntax; unknown placeholders
// are left untouched.
const defaultTemplate = `You are {{teacherRole}} calling from {{schoolName}} on a recorded line.
You are speaking with {{parentName}} ({{parentRelationship}}, {{parentNumberLabel}}) about their child {{studentName}}.

Reason for the call: {{reasonSummary}}
Recent context: {{contextFromChat}}
Attendance record: {{absenceStats}}

Be warm and brief. Confirm you are speaking with the right person, explain the
absences, listen for the reason, and ask what support would help the student
attend. Do not make disciplinary threats. Close by summarising any agreed next
step. If you reach voicemail, leave a short callback message and end the call.`

// Renderer produces model instructions for a call.
type Renderer struct {
	template string
	defaults config.BriefDefaults
}

// NewRenderer loads the instruction template. Resolution order: the template
// file at path (when readable), then systemPrompt, then the built-in default.
func NewRenderer(path, systemPrompt string, defaults config.BriefDefaults) *Renderer {
	tpl := defaultTemplate
	if systemPrompt != "" {
		tpl = systemPrompt
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("prompt template unreadable, using fallback", "path", path, "error", err)
		} else {
			tpl = string(data)
		}
	}
	return &Renderer{template: tpl, defaults: defaults}
}

// Render interpolates the brief into the template. Empty brief fields fall
// back to the configured defaults, then to neutral placeholders.
func (r *Renderer) Render(brief callsession.CallBrief) string {
	rep := strings.NewReplacer(
		"{{studentName}}", r.defaults.StudentName,
		"{{parentName}}", r.defaults.ParentName,
		"{{parentRelationship}}", r.defaults.ParentRelationship,
		"{{parentNumberLabel}}", r.defaults.ParentNumberLabel,
		"{{schoolName}}", r.defaults.SchoolName,
		"{{teacherRole}}", r.defaults.TeacherRole,
		"{{reasonSummary}}", orDefault(brief.ReasonSummary, "checking in about recent absences"),
		"{{contextFromChat}}", orDefault(brief.ContextFromChat, "none"),
		"{{absenceStats}}", orDefault(brief.AbsenceStats, "not available"),
	)
	return rep.Replace(r.template)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Describe returns a short single-line form of the rendered instructions for
// logging, truncated to keep log records readable.
func Describe(instructions string) string {
	flat := strings.Join(strings.Fields(instructions), " ")
	const max = 120
	if len(flat) > max {
		return fmt.Sprintf("%s… (%d chars)", flat[:max], len(instructions))
	}
	return flat
}
