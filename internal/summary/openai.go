package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/edusignal/callbridge/internal/callsession"
)

const reportSystemPrompt = `You review transcripts of school attendance calls between an AI assistant
and a student's parent or guardian. Produce a short factual report for the teacher:
what the family said, the key points, and concrete action items. Grade
attendanceRisk as "low", "medium" or "high" based on how much support the family
needs for the student to attend school. Never invent details not in the transcript.`

// reportSchema constrains the model output to the Report shape.
var reportSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary": map[string]any{"type": "string"},
		"keyPoints": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"actionItems": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"attendanceRisk": map[string]any{
			"type": "string",
			"enum": []string{"low", "medium", "high", "unknown"},
		},
	},
	"required":             []string{"summary", "keyPoints", "actionItems", "attendanceRisk"},
	"additionalProperties": false,
}

// OpenAIModel implements the remote summary path via Chat Completions with a
// JSON-schema constrained response.
type OpenAIModel struct {
	client oai.Client
	model  string
}

// NewOpenAIModel builds the remote summariser. Returns an error when the key
// or model is missing so the caller can fall back to heuristic-only mode.
func NewOpenAIModel(apiKey, model string) (*OpenAIModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("summary: api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("summary: model must not be empty")
	}
	client := oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	return &OpenAIModel{client: client, model: model}, nil
}

// Summarise implements remoteModel.
func (m *OpenAIModel) Summarise(ctx context.Context, transcript string, brief callsession.CallBrief) (Report, error) {
	user := transcript
	if brief.ReasonSummary != "" {
		user = "Reason for the call: " + brief.ReasonSummary + "\n\nTranscript:\n" + transcript
	}

	resp, err := m.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: shared.ChatModel(m.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(reportSystemPrompt),
			oai.UserMessage(user),
		},
		Temperature: param.NewOpt(0.3),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "call_report",
					Schema: reportSchema,
					Strict: param.NewOpt(true),
				},
			},
		},
	})
	if err != nil {
		return Report{}, fmt.Errorf("summary: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Report{}, fmt.Errorf("summary: empty choices in response")
	}

	var report Report
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &report); err != nil {
		return Report{}, fmt.Errorf("summary: decoding model output: %w", err)
	}
	if report.AttendanceRisk == "" {
		report.AttendanceRisk = RiskUnknown
	}
	return report, nil
}
