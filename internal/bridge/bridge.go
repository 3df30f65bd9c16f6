// Package bridge is the full-duplex media bridge between a carrier media
// websocket (8 kHz PCMU, 20 ms frames) and the realtime model websocket.
//
// The bridge owns the translation from model events into session-store
// mutations and implements user-speech barge-in of model playback. One
// Bridge instance serves exactly one carrier connection.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/edusignal/callbridge/internal/callsession"
	"github.com/edusignal/callbridge/internal/observe"
	"github.com/edusignal/callbridge/pkg/audio"
)

// State is the bridge-local lifecycle state.
type State string

const (
	StateAwaitingStart State = "awaiting-start"
	StateBound         State = "bound"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

const (
	// defaultBindTimeout is how long the bridge waits for a carrier start
	// message that resolves to a session before giving up.
	defaultBindTimeout = 10 * time.Second

	// levelSampleEvery controls the audio-level cadence: every K-th 20 ms
	// frame per speaker is measured.
	levelSampleEvery = 8
)

// CarrierLink is the outbound half of the carrier websocket.
type CarrierLink interface {
	SendMedia(streamSid, payload string) error
	SendClear(streamSid string) error
	Close(code websocket.StatusCode, reason string) error
}

// ModelLink is the outbound half of the realtime model websocket.
type ModelLink interface {
	AppendAudio(payload string) error
	CancelResponse(eventID string) error
	TruncateItem(eventID, itemID string, contentIndex int, audioEndMs int64) error
	Close() error
}

// ModelConnector dials the realtime model for a bound session. onEvent is
// invoked for every server event; onClosed once when the model side ends
// (err nil for a clean close).
type ModelConnector func(ctx context.Context, instructions string, onEvent func([]byte), onClosed func(error)) (ModelLink, error)

// InstructionRenderer turns a call brief into model instructions.
type InstructionRenderer interface {
	Render(brief callsession.CallBrief) string
}

// assistantPlayback tracks the response currently being spoken to the
// carrier, for barge-in truncation.
type assistantPlayback struct {
	active       bool
	responseID   string
	itemID       string
	contentIndex int
	sentMs       int64
	startedAt    time.Time
}

// Bridge wires one carrier media stream to one model session.
type Bridge struct {
	store    *callsession.Store
	renderer InstructionRenderer
	carrier  CarrierLink
	connect  ModelConnector

	mu        sync.Mutex
	state     State
	sessionID string
	streamSid string
	model     ModelLink

	playback       assistantPlayback
	pendingControl map[string]struct{}

	recipientFrames int
	assistantFrames int

	activeSince time.Time

	bindTimeout time.Duration
	bindTimer   *time.Timer
	closeOnce   sync.Once
}

// Option is a functional option for [New].
type Option func(*Bridge)

// WithBindTimeout overrides how long an unbound bridge waits for a carrier
// start message. Primarily used in tests.
func WithBindTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.bindTimeout = d
		}
	}
}

// New creates a Bridge for one carrier connection and arms the bind timer.
// If sessionID is non-empty (resolved before accept, e.g. from the URL) the
// bridge binds immediately.
func New(store *callsession.Store, renderer InstructionRenderer, carrier CarrierLink, connect ModelConnector, sessionID string, opts ...Option) *Bridge {
	b := &Bridge{
		store:          store,
		renderer:       renderer,
		carrier:        carrier,
		connect:        connect,
		state:          StateAwaitingStart,
		bindTimeout:    defaultBindTimeout,
		pendingControl: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if sessionID != "" && store.Exists(sessionID) {
		b.sessionID = sessionID
		b.state = StateBound
	} else {
		b.bindTimer = time.AfterFunc(b.bindTimeout, b.bindTimedOut)
	}
	return b
}

// State returns the current bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SessionID returns the bound session id, empty before binding.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *Bridge) bindTimedOut() {
	b.mu.Lock()
	unbound := b.state == StateAwaitingStart
	b.mu.Unlock()
	if !unbound {
		return
	}
	slog.Warn("carrier stream never bound to a session")
	b.carrier.Close(websocket.StatusPolicyViolation, "missing session binding")
	b.shutdown()
}

// ── Carrier side ───────────────────────────────────────────────────────────────

// HandleCarrierMessage processes one JSON frame from the carrier socket.
func (b *Bridge) HandleCarrierMessage(ctx context.Context, data []byte) {
	var msg carrierMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("dropping unparseable carrier frame", "error", err)
		return
	}

	switch msg.Event {
	case "connected":
		// Informational preamble; nothing to do.
	case "start":
		if msg.Start != nil {
			b.handleStart(ctx, msg.Start)
		}
	case "media":
		if msg.Media != nil {
			b.handleMedia(msg.Media.Payload)
		}
	case "stop":
		b.handleStop(msg.Stop)
	default:
		slog.Debug("ignoring carrier event", "event", msg.Event)
	}
}

func (b *Bridge) handleStart(ctx context.Context, start *carrierStart) {
	b.mu.Lock()
	if b.state == StateClosing || b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.streamSid = start.StreamSid

	if b.sessionID == "" {
		sessionID := start.CustomParameters["sessionId"]
		if sessionID == "" || !b.store.Exists(sessionID) {
			sessionID, _ = b.store.ByCarrierCallID(start.CallSid)
		}
		if sessionID == "" {
			b.mu.Unlock()
			slog.Warn("carrier start did not resolve to a session", "call_sid", start.CallSid)
			b.carrier.Close(websocket.StatusPolicyViolation, "missing session binding")
			b.shutdown()
			return
		}
		b.sessionID = sessionID
	}
	if b.bindTimer != nil {
		b.bindTimer.Stop()
	}
	b.state = StateBound
	sessionID := b.sessionID
	b.mu.Unlock()

	b.store.SetCarrierCallID(sessionID, start.CallSid)
	b.store.UpdateStatus(sessionID, callsession.StatusInProgress, "")
	slog.Info("carrier media stream bound",
		"session_id", sessionID, "stream_sid", start.StreamSid, "call_sid", start.CallSid)

	b.dialModel(ctx, sessionID)
}

func (b *Bridge) dialModel(ctx context.Context, sessionID string) {
	brief, _ := b.store.Brief(sessionID)
	instructions := b.renderer.Render(brief)

	link, err := b.connect(ctx, instructions, func(data []byte) {
		b.HandleModelEvent(data)
	}, b.OnModelClosed)
	if err != nil {
		slog.Error("realtime model connection failed", "session_id", sessionID, "error", err)
		b.store.UpdateStatus(sessionID, callsession.StatusFailed, fmt.Sprintf("model connect: %v", err))
		b.carrier.Close(websocket.StatusInternalError, "model unavailable")
		b.shutdown()
		return
	}

	b.mu.Lock()
	b.model = link
	if b.state == StateBound {
		b.state = StateActive
	}
	b.activeSince = time.Now()
	b.mu.Unlock()

	observe.DefaultMetrics().ActiveBridges.Add(ctx, 1)
}

func (b *Bridge) handleMedia(payload string) {
	b.mu.Lock()
	model := b.model
	sessionID := b.sessionID
	b.recipientFrames++
	sample := b.recipientFrames%levelSampleEvery == 0
	b.mu.Unlock()

	if model != nil {
		if err := model.AppendAudio(payload); err != nil {
			slog.Debug("forwarding carrier audio failed", "error", err)
		}
	}
	if sample && sessionID != "" {
		if raw, err := base64.StdEncoding.DecodeString(payload); err == nil && len(raw) > 0 {
			b.store.AppendAudioLevel(sessionID, callsession.SpeakerRecipient, audio.MulawLevel(raw))
		}
	}
}

func (b *Bridge) handleStop(stop *carrierStop) {
	b.mu.Lock()
	sessionID := b.sessionID
	b.mu.Unlock()

	reason := "carrier stream stopped"
	if stop != nil && stop.Reason != "" {
		reason = stop.Reason
	}
	if sessionID != "" {
		b.store.UpdateStatus(sessionID, callsession.StatusCompleted, reason)
	}
	b.shutdown()
}

// OnCarrierClosed is invoked once by the transport when the carrier socket
// read loop ends. A non-normal close fails a still-live session.
func (b *Bridge) OnCarrierClosed(code websocket.StatusCode, reason string) {
	b.mu.Lock()
	sessionID := b.sessionID
	b.mu.Unlock()

	if sessionID != "" && code != websocket.StatusNormalClosure {
		b.store.UpdateStatus(sessionID, callsession.StatusFailed,
			fmt.Sprintf("carrier socket closed (%d): %s", code, reason))
	}
	b.shutdown()
}

// ── Model side ─────────────────────────────────────────────────────────────────

// HandleModelEvent processes one server event from the realtime model socket.
func (b *Bridge) HandleModelEvent(data []byte) {
	var ev modelEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Debug("dropping unparseable model event", "error", err)
		return
	}

	b.mu.Lock()
	sessionID := b.sessionID
	b.mu.Unlock()
	if sessionID == "" {
		return
	}

	switch ev.Type {
	case "response.output_audio.delta":
		b.handleAssistantAudio(sessionID, &ev)

	case "response.output_audio_transcript.delta", "response.audio_transcript.delta":
		b.store.AppendTranscriptDelta(sessionID, ev.ItemID, callsession.SpeakerAssistant, ev.Delta, "")

	case "response.output_audio_transcript.done", "response.audio_transcript.done":
		b.store.AppendTranscriptFinal(sessionID, ev.ItemID, callsession.SpeakerAssistant, ev.Transcript, "")

	case "conversation.item.input_audio_transcription.delta":
		b.store.AppendTranscriptDelta(sessionID, ev.ItemID, callsession.SpeakerRecipient, ev.Delta, ev.PreviousItemID)

	case "conversation.item.input_audio_transcription.completed":
		b.store.AppendTranscriptFinal(sessionID, ev.ItemID, callsession.SpeakerRecipient, ev.Transcript, ev.PreviousItemID)

	case "input_audio_buffer.committed":
		b.store.RecordTranscriptOrder(sessionID, ev.ItemID, ev.PreviousItemID)

	case "input_audio_buffer.speech_started":
		b.handleBargeIn(sessionID)

	case "response.done":
		// Natural end of the assistant turn.
		b.mu.Lock()
		b.playback = assistantPlayback{}
		b.mu.Unlock()

	case "error":
		b.handleModelError(sessionID, &ev)
	}
}

func (b *Bridge) handleAssistantAudio(sessionID string, ev *modelEvent) {
	raw, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil || len(raw) == 0 {
		return
	}

	b.mu.Lock()
	streamSid := b.streamSid
	if !b.playback.active || b.playback.responseID != ev.ResponseID {
		b.playback = assistantPlayback{
			active:    true,
			startedAt: time.Now(),
		}
	}
	b.playback.responseID = ev.ResponseID
	b.playback.itemID = ev.ItemID
	b.playback.contentIndex = ev.ContentIndex
	b.playback.sentMs += audio.DurationMs(len(raw))
	b.assistantFrames++
	sample := b.assistantFrames%levelSampleEvery == 0
	b.mu.Unlock()

	if err := b.carrier.SendMedia(streamSid, ev.Delta); err != nil {
		slog.Debug("forwarding model audio failed", "error", err)
	}
	if sample {
		b.store.AppendAudioLevel(sessionID, callsession.SpeakerAssistant, audio.MulawLevel(raw))
	}
}

// handleBargeIn interrupts assistant playback when the recipient starts
// speaking: flush the carrier's outbound queue, cancel the active response,
// and truncate the active item at the point the listener plausibly heard.
func (b *Bridge) handleBargeIn(sessionID string) {
	b.mu.Lock()
	if !b.playback.active {
		b.mu.Unlock()
		return
	}
	streamSid := b.streamSid
	model := b.model
	pb := b.playback
	b.playback = assistantPlayback{}

	// Only mint pending ids for controls that will actually go out, so the
	// pending set holds exactly the in-flight messages.
	var cancelID, truncateID string
	if model != nil && pb.responseID != "" {
		cancelID = b.newControlIDLocked()
	}
	if model != nil && pb.itemID != "" && pb.sentMs > 0 {
		truncateID = b.newControlIDLocked()
	}
	b.mu.Unlock()

	slog.Info("barge-in: interrupting assistant playback",
		"session_id", sessionID, "response_id", pb.responseID, "sent_ms", pb.sentMs)

	if err := b.carrier.SendClear(streamSid); err != nil {
		slog.Debug("carrier clear failed", "error", err)
	}
	if cancelID != "" {
		if err := model.CancelResponse(cancelID); err != nil {
			slog.Debug("response cancel failed", "error", err)
		}
	}
	if truncateID != "" {
		heardMs := min(pb.sentMs, time.Since(pb.startedAt).Milliseconds())
		if err := model.TruncateItem(truncateID, pb.itemID, pb.contentIndex, heardMs); err != nil {
			slog.Debug("item truncate failed", "error", err)
		}
	}
}

func (b *Bridge) newControlIDLocked() string {
	id := "ctrl_" + uuid.NewString()
	b.pendingControl[id] = struct{}{}
	return id
}

func (b *Bridge) handleModelError(sessionID string, ev *modelEvent) {
	if b.isRecoverableError(ev) {
		observe.DefaultMetrics().RecordModelError(context.Background(), true)
		slog.Warn("recoverable model control error",
			"session_id", sessionID, "code", errCode(ev), "message", errMessage(ev))
		return
	}

	observe.DefaultMetrics().RecordModelError(context.Background(), false)
	msg := errMessage(ev)
	slog.Error("realtime model error", "session_id", sessionID, "code", errCode(ev), "message", msg)
	b.store.UpdateStatus(sessionID, callsession.StatusFailed, "model error: "+msg)
	b.carrier.Close(websocket.StatusInternalError, "model error")
	b.shutdown()
}

// isRecoverableError reports whether a model error is a race between an
// interruption control message and the natural end of a turn.
func (b *Bridge) isRecoverableError(ev *modelEvent) bool {
	eventID := ev.EventID
	if ev.Error != nil && ev.Error.EventID != "" {
		eventID = ev.Error.EventID
	}
	if eventID != "" {
		b.mu.Lock()
		_, pending := b.pendingControl[eventID]
		delete(b.pendingControl, eventID)
		b.mu.Unlock()
		if pending {
			return true
		}
	}

	switch errCode(ev) {
	case "response_cancel_not_active", "conversation_item_not_found", "conversation_item_already_completed":
		return true
	}

	msg := strings.ToLower(errMessage(ev))
	return strings.Contains(msg, "cancel") || strings.Contains(msg, "truncate")
}

func errCode(ev *modelEvent) string {
	if ev.Error != nil {
		return ev.Error.Code
	}
	return ""
}

func errMessage(ev *modelEvent) string {
	if ev.Error != nil && ev.Error.Message != "" {
		return ev.Error.Message
	}
	return "unknown model error"
}

// OnModelClosed is invoked once by the transport when the model socket read
// loop ends.
func (b *Bridge) OnModelClosed(err error) {
	b.mu.Lock()
	sessionID := b.sessionID
	closing := b.state == StateClosing || b.state == StateClosed
	b.mu.Unlock()

	if err != nil && sessionID != "" && !closing {
		b.store.UpdateStatus(sessionID, callsession.StatusFailed,
			fmt.Sprintf("model socket closed: %v", err))
	}
	b.carrier.Close(websocket.StatusNormalClosure, "model session ended")
	b.shutdown()
}

// ── Teardown ───────────────────────────────────────────────────────────────────

// shutdown moves the bridge to closing/closed and releases both sockets.
// Idempotent; every termination path funnels through here.
func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosing
		model := b.model
		activeSince := b.activeSince
		if b.bindTimer != nil {
			b.bindTimer.Stop()
		}
		b.mu.Unlock()

		if model != nil {
			model.Close()
		}
		b.carrier.Close(websocket.StatusNormalClosure, "bridge closed")

		if !activeSince.IsZero() {
			m := observe.DefaultMetrics()
			m.ActiveBridges.Add(context.Background(), -1)
			m.BridgeSessionDuration.Record(context.Background(), time.Since(activeSince).Seconds())
		}

		b.mu.Lock()
		b.state = StateClosed
		b.mu.Unlock()
	})
}
