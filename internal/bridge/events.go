package bridge

// Wire types for the two websocket protocols the bridge translates between:
// the carrier's media-stream JSON frames and the realtime model's event
// protocol.

// ── Carrier frames (incoming) ──────────────────────────────────────────────────

type carrierMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *carrierStart `json:"start,omitempty"`
	Media     *carrierMedia `json:"media,omitempty"`
	Stop      *carrierStop  `json:"stop,omitempty"`
}

type carrierStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type carrierMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"` // base64 PCMU
}

type carrierStop struct {
	CallSid string `json:"callSid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ── Carrier frames (outgoing) ──────────────────────────────────────────────────

type carrierOutbound struct {
	Event     string            `json:"event"`
	StreamSid string            `json:"streamSid"`
	Media     *carrierOutMedia  `json:"media,omitempty"`
}

type carrierOutMedia struct {
	Payload string `json:"payload"`
}

// ── Model events (outgoing) ────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string            `json:"voice,omitempty"`
	Instructions            string            `json:"instructions,omitempty"`
	InputAudioFormat        string            `json:"input_audio_format"`
	OutputAudioFormat       string            `json:"output_audio_format"`
	TurnDetection           *turnDetection    `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcriptionCfg `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type              string `json:"type"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type transcriptionCfg struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCMU, forwarded verbatim
}

type cancelResponseMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type truncateItemMessage struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

// ── Model events (incoming) ────────────────────────────────────────────────────

// modelEvent is the union of the realtime server events the bridge reacts to.
type modelEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// audio / transcript deltas
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// item addressing
	ItemID         string `json:"item_id,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ResponseID     string `json:"response_id,omitempty"`
	ContentIndex   int    `json:"content_index,omitempty"`

	Error *modelErrorDetail `json:"error,omitempty"`
}

// modelErrorDetail is the nested error object of a model error event:
// {"type":"error","error":{"type":"...","code":"...","message":"...","event_id":"..."}}.
type modelErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	EventID string `json:"event_id,omitempty"`
}
