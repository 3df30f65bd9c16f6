package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// ModelConfig selects the realtime model session parameters.
type ModelConfig struct {
	APIKey             string
	Model              string
	Voice              string
	TranscriptionModel string

	// BaseURL overrides the realtime endpoint, for tests.
	BaseURL string
}

// NewModelConnector returns a ModelConnector that dials the OpenAI Realtime
// API, configures the session for PCMU passthrough with server-side VAD, and
// pumps server events into onEvent until the socket closes.
func NewModelConnector(cfg ModelConfig) ModelConnector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultRealtimeURL
	}

	return func(ctx context.Context, instructions string, onEvent func([]byte), onClosed func(error)) (ModelLink, error) {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("model: api key not configured")
		}

		wsURL := fmt.Sprintf("%s?model=%s", baseURL, cfg.Model)
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + cfg.APIKey},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("model: dial: %w", err)
		}

		sessCtx, cancel := context.WithCancel(context.Background())
		link := &modelConn{conn: conn, ctx: sessCtx, cancel: cancel}

		update := sessionUpdateMessage{
			Type: "session.update",
			Session: sessionParams{
				Voice:             cfg.Voice,
				Instructions:      instructions,
				InputAudioFormat:  "g711_ulaw",
				OutputAudioFormat: "g711_ulaw",
				TurnDetection: &turnDetection{
					Type:              "server_vad",
					InterruptResponse: true,
				},
				InputAudioTranscription: &transcriptionCfg{Model: cfg.TranscriptionModel},
			},
		}
		if err := link.writeJSON(update); err != nil {
			cancel()
			conn.Close(websocket.StatusInternalError, "session update failed")
			return nil, fmt.Errorf("model: session update: %w", err)
		}

		go link.receiveLoop(onEvent, onClosed)
		return link, nil
	}
}

// modelConn adapts the realtime websocket to ModelLink.
type modelConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// receiveLoop reads server events until the socket closes; it reports the
// close reason exactly once via onClosed (nil for a clean close).
func (m *modelConn) receiveLoop(onEvent func([]byte), onClosed func(error)) {
	for {
		_, data, err := m.conn.Read(m.ctx)
		if err != nil {
			m.mu.Lock()
			wasClosed := m.closed
			m.mu.Unlock()

			switch {
			case wasClosed || m.ctx.Err() != nil:
				onClosed(nil)
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				onClosed(nil)
			default:
				onClosed(err)
			}
			return
		}
		onEvent(data)
	}
}

func (m *modelConn) AppendAudio(payload string) error {
	return m.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload})
}

func (m *modelConn) CancelResponse(eventID string) error {
	return m.writeJSON(cancelResponseMessage{Type: "response.cancel", EventID: eventID})
}

func (m *modelConn) TruncateItem(eventID, itemID string, contentIndex int, audioEndMs int64) error {
	return m.writeJSON(truncateItemMessage{
		Type:         "conversation.item.truncate",
		EventID:      eventID,
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMs:   audioEndMs,
	})
}

// Close terminates the model session. Idempotent.
func (m *modelConn) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	return m.conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (m *modelConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("model: marshal: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("model: session closed")
	}
	return m.conn.Write(m.ctx, websocket.MessageText, data)
}
