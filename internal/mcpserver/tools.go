package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/observe"
	"github.com/edusignal/callbridge/internal/roster"
	"github.com/edusignal/callbridge/internal/summary"
	"github.com/edusignal/callbridge/internal/telephony"
)

// Widget URIs advertised to hosts via the outputTemplate meta key.
const (
	callPanelWidget = "ui://widget/call-panel.html"
	trendsWidget    = "ui://widget/attendance-trends.html"
)

// briefArgs is the shared input of the call tools.
type briefArgs struct {
	ReasonSummary   string `json:"reasonSummary" jsonschema:"why the school is calling"`
	ContextFromChat string `json:"contextFromChat,omitempty" jsonschema:"recent chat context to relay"`
	AbsenceStats    string `json:"absenceStats,omitempty" jsonschema:"attendance record line"`
	ToNumber        string `json:"toNumber,omitempty" jsonschema:"callee number override (E.164)"`
}

func (a briefArgs) brief() callsession.CallBrief {
	return callsession.CallBrief{
		ReasonSummary:   a.ReasonSummary,
		ContextFromChat: a.ContextFromChat,
		AbsenceStats:    a.AbsenceStats,
	}
}

// callPanelDescriptor is the pre-call state of the call-panel widget.
type callPanelDescriptor struct {
	SessionID          *string `json:"sessionId"`
	DisplayNumber      string  `json:"displayNumber"`
	StudentName        string  `json:"studentName"`
	ParentName         string  `json:"parentName"`
	ParentRelationship string  `json:"parentRelationship"`
	ParentNumberLabel  string  `json:"parentNumberLabel"`
	Status             string  `json:"status"`
	LogsWsURL          string  `json:"logsWsUrl"`
	ReconnectSinceSeq  int64   `json:"reconnectSinceSeq"`
	ReasonSummary      string  `json:"reasonSummary"`
	ContextFromChat    string  `json:"contextFromChat,omitempty"`
	AbsenceStats       string  `json:"absenceStats,omitempty"`
}

type sessionArgs struct {
	SessionID string `json:"sessionId" jsonschema:"the call session id"`
}

type summariseResult struct {
	Found  bool            `json:"found"`
	Report *summary.Report `json:"report,omitempty"`
}

type studentArgs struct {
	Name string `json:"name" jsonschema:"student name"`
}

type studentResult struct {
	Found   bool            `json:"found"`
	Student *roster.Student `json:"student,omitempty"`
}

type listStudentsResult struct {
	Students []roster.Student `json:"students"`
}

type recordAbsenceArgs struct {
	StudentName string `json:"studentName" jsonschema:"student name"`
	Date        string `json:"date" jsonschema:"absence date, YYYY-MM-DD"`
	Excused     bool   `json:"excused,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type recordAbsenceResult struct {
	Recorded     bool   `json:"recorded"`
	AbsenceStats string `json:"absenceStats,omitempty"`
}

type trendsArgs struct {
	WindowDays int `json:"windowDays,omitempty" jsonschema:"lookback window in days, default 30"`
}

type trendsResult struct {
	WindowDays int            `json:"windowDays"`
	Trends     []roster.Trend `json:"trends"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "open-call-panel",
		Description: "Open the call panel widget for an attendance outreach call, without dialling yet.",
	}, s.openCallPanel)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "initiate-call",
		Description: "Place an outbound attendance call to the student's family and return the live session handle.",
	}, s.initiateCall)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "call-status",
		Description: "Fetch the live status and transcript of a call session.",
	}, s.callStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "summarise-call",
		Description: "Produce the post-call summary: key points, action items, and attendance risk.",
	}, s.summariseCall)

	if s.roster != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "find-student",
			Description: "Look up a student and their primary contact in the roster.",
		}, s.findStudent)

		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "list-students",
			Description: "List the full student roster.",
		}, s.listStudents)

		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "record-absence",
			Description: "Record an absence day for a student.",
		}, s.recordAbsence)

		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "attendance-trends",
			Description: "Aggregate recent absences per student, most concerning first.",
		}, s.attendanceTrends)
	}
}

func widgetResult(text, widgetURI string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta:    mcp.Meta{"outputTemplate": widgetURI},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) openCallPanel(_ context.Context, _ *mcp.CallToolRequest, args briefArgs) (*mcp.CallToolResult, callPanelDescriptor, error) {
	desc := callPanelDescriptor{
		SessionID:          nil,
		DisplayNumber:      s.cfg.Twilio.DefaultToNumber,
		StudentName:        s.cfg.Brief.StudentName,
		ParentName:         s.cfg.Brief.ParentName,
		ParentRelationship: s.cfg.Brief.ParentRelationship,
		ParentNumberLabel:  s.cfg.Brief.ParentNumberLabel,
		Status:             string(callsession.StatusReady),
		LogsWsURL:          s.cfg.LogsWsURL(),
		ReconnectSinceSeq:  0,
		ReasonSummary:      args.ReasonSummary,
		ContextFromChat:    args.ContextFromChat,
		AbsenceStats:       args.AbsenceStats,
	}
	return widgetResult("Call panel ready.", callPanelWidget), desc, nil
}

func (s *Server) initiateCall(ctx context.Context, _ *mcp.CallToolRequest, args briefArgs) (*mcp.CallToolResult, telephony.CallStartResult, error) {
	result := s.control.StartOutboundCall(ctx, args.brief(), args.ToNumber)

	text := fmt.Sprintf("Call started (session %s, status %s).", result.SessionID, result.Status)
	status := "ok"
	if result.ErrorMessage != "" {
		text = fmt.Sprintf("Call could not be placed: %s (session %s).", result.ErrorMessage, result.SessionID)
		status = "error"
	}
	observe.DefaultMetrics().RecordToolCall(ctx, "initiate-call", status)
	return widgetResult(text, callPanelWidget), result, nil
}

func (s *Server) callStatus(_ context.Context, _ *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, callsession.StatusSummary, error) {
	status, ok := s.store.Summary(args.SessionID)
	if !ok {
		return nil, callsession.StatusSummary{}, fmt.Errorf("session %q not found", args.SessionID)
	}
	text := fmt.Sprintf("Session %s is %s with %d transcript items.",
		status.SessionID, status.Status, len(status.Transcript))
	return widgetResult(text, callPanelWidget), status, nil
}

func (s *Server) summariseCall(ctx context.Context, _ *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, summariseResult, error) {
	report, err := s.summaries.Summarise(ctx, args.SessionID)
	if err != nil {
		observe.DefaultMetrics().RecordToolCall(ctx, "summarise-call", "not_found")
		return textResult("No such call session."), summariseResult{Found: false}, nil
	}
	observe.DefaultMetrics().RecordToolCall(ctx, "summarise-call", "ok")
	return textResult(report.Summary), summariseResult{Found: true, Report: &report}, nil
}

func (s *Server) findStudent(ctx context.Context, _ *mcp.CallToolRequest, args studentArgs) (*mcp.CallToolResult, studentResult, error) {
	st, ok, err := s.roster.FindStudent(ctx, args.Name)
	if err != nil {
		return nil, studentResult{}, err
	}
	if !ok {
		return textResult(fmt.Sprintf("No student named %q in the roster.", args.Name)), studentResult{Found: false}, nil
	}
	return textResult(fmt.Sprintf("%s (grade %s), contact %s (%s).",
		st.Name, st.Grade, st.ParentName, st.ParentRelationship)), studentResult{Found: true, Student: &st}, nil
}

func (s *Server) listStudents(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, listStudentsResult, error) {
	students, err := s.roster.ListStudents(ctx)
	if err != nil {
		return nil, listStudentsResult{}, err
	}
	return textResult(fmt.Sprintf("%d students in the roster.", len(students))),
		listStudentsResult{Students: students}, nil
}

func (s *Server) recordAbsence(ctx context.Context, _ *mcp.CallToolRequest, args recordAbsenceArgs) (*mcp.CallToolResult, recordAbsenceResult, error) {
	st, ok, err := s.roster.FindStudent(ctx, args.StudentName)
	if err != nil {
		return nil, recordAbsenceResult{}, err
	}
	if !ok {
		return nil, recordAbsenceResult{}, fmt.Errorf("student %q not found", args.StudentName)
	}
	if err := s.roster.RecordAbsence(ctx, roster.Absence{
		StudentID: st.ID,
		Date:      args.Date,
		Excused:   args.Excused,
		Reason:    args.Reason,
	}); err != nil {
		return nil, recordAbsenceResult{}, err
	}

	stats, err := s.roster.AbsenceStats(ctx, st.ID, 30)
	if err != nil {
		return nil, recordAbsenceResult{}, err
	}
	return textResult(fmt.Sprintf("Recorded absence for %s on %s. Now: %s.", st.Name, args.Date, stats)),
		recordAbsenceResult{Recorded: true, AbsenceStats: stats}, nil
}

func (s *Server) attendanceTrends(ctx context.Context, _ *mcp.CallToolRequest, args trendsArgs) (*mcp.CallToolResult, trendsResult, error) {
	window := args.WindowDays
	if window <= 0 {
		window = 30
	}
	trends, err := s.roster.Trends(ctx, window)
	if err != nil {
		return nil, trendsResult{}, err
	}
	return widgetResult(fmt.Sprintf("%d students with absences in the last %d days.", len(trends), window), trendsWidget),
		trendsResult{WindowDays: window, Trends: trends}, nil
}
