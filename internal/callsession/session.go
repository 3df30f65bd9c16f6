// Package callsession is the process-wide registry of active call sessions.
//
// Each session owns a monotonically ordered event log, a transcript-item
// index, and a set of live viewer subscribers. All mutations go through the
// [Store] so sequence numbers stay strictly increasing and every subscriber
// observes events in append order.
package callsession

import "time"

// Status is the lifecycle state of a call session.
type Status string

const (
	// StatusReady is a pseudo-status used only before a session exists
	// (e.g. the call-panel descriptor). Sessions never hold it.
	StatusReady Status = "ready"

	StatusQueued     Status = "queued"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a terminal status. Once a session reaches a
// terminal status, later status updates are ignored.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is a recognised session status.
func (s Status) IsValid() bool {
	switch s {
	case StatusReady, StatusQueued, StatusRinging, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Speaker identifies which side of the call authored a transcript item or
// audio level sample.
type Speaker string

const (
	SpeakerRecipient Speaker = "recipient"
	SpeakerAssistant Speaker = "assistant"
)

// EventType tags the variants of the session event log.
type EventType string

const (
	EventStatus          EventType = "status"
	EventTranscriptDelta EventType = "transcript.delta"
	EventTranscriptFinal EventType = "transcript.final"
	EventAudioLevel      EventType = "audio.level"
	EventSessionEnd      EventType = "session.end"
)

// Event is one entry in a session's event log. Seq is unique and strictly
// increasing within the session; which of the optional fields are set depends
// on Type.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// status / session.end
	Status Status `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	// transcript.delta / transcript.final
	ItemID    string  `json:"itemId,omitempty"`
	Speaker   Speaker `json:"speaker,omitempty"`
	TextDelta string  `json:"textDelta,omitempty"`
	FullText  string  `json:"fullText,omitempty"`
	Order     int     `json:"order,omitempty"`

	// audio.level (Speaker is shared with the transcript variants)
	Level float64 `json:"level,omitempty"`
}

// TranscriptItem is one recipient- or assistant-authored turn. Within a
// session the pair (Speaker, ItemID) is the identity.
type TranscriptItem struct {
	ItemID    string    `json:"itemId"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
	Seq       int64     `json:"seq"`
	Order     int       `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

// CallBrief carries the free-text context captured when a call is started.
// Its fields are interpolated into the realtime model's instructions.
type CallBrief struct {
	ReasonSummary   string `json:"reasonSummary,omitempty"`
	ContextFromChat string `json:"contextFromChat,omitempty"`
	AbsenceStats    string `json:"absenceStats,omitempty"`
}

// StatusSummary is the read-model of a session returned to status queries:
// lifecycle fields plus the transcript sorted by (order, seq).
type StatusSummary struct {
	SessionID      string           `json:"sessionId"`
	CarrierCallID  string           `json:"callSid,omitempty"`
	Status         Status           `json:"status"`
	StartedAt      time.Time        `json:"startedAt"`
	EndedAt        *time.Time       `json:"endedAt,omitempty"`
	TerminalReason string           `json:"terminalReason,omitempty"`
	LastSeq        int64            `json:"lastSeq"`
	Transcript     []TranscriptItem `json:"transcript"`
	Brief          CallBrief        `json:"brief,omitempty"`
}

// itemKey is the identity of a transcript item within a session.
type itemKey struct {
	speaker Speaker
	itemID  string
}
