package callsession

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultLogCap bounds each session's event log. Eviction is FIFO and
	// never affects already-assigned sequence numbers.
	defaultLogCap = 5000

	// defaultDrainGrace is how long viewer subscribers stay open after
	// session.end so buffered writes can flush.
	defaultDrainGrace = time.Second

	// subscriberBuffer is the per-subscriber event buffer. A subscriber that
	// cannot accept a write when the buffer is full is terminated; appends
	// never block on a slow viewer.
	subscriberBuffer = 256
)

// subscriber is one live viewer attached to a session. The channel is owned
// by the session: it is closed exactly once, under the session lock.
type subscriber struct {
	id     string
	ch     chan Event
	closed bool
}

// session is the mutable state behind one call. All fields are guarded by mu.
type session struct {
	mu sync.Mutex

	id             string
	carrierCallID  string
	status         Status
	startedAt      time.Time
	endedAt        *time.Time
	terminalReason string
	brief          CallBrief

	seq   int64
	log   []Event
	ended bool // session.end has been appended

	items     map[itemKey]*TranscriptItem
	order     []string       // itemIDs in display order
	orderIdx  map[string]int // itemID → position in order
	subs      map[string]*subscriber
	drainOnce sync.Once
}

// Store is the process-wide session registry. It is safe for concurrent use:
// the registry maps have their own lock and each session serializes its
// mutations with a per-session lock.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	byCarrier map[string]string // carrier call id → session id

	logCap     int
	drainGrace time.Duration
	onTerminal func(StatusSummary)
}

// Option is a functional option for [New].
type Option func(*Store)

// WithLogCap overrides the per-session event log capacity.
func WithLogCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logCap = n
		}
	}
}

// WithDrainGrace overrides the delay between session.end and subscriber
// close. Primarily used in tests to avoid waiting.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Store) { s.drainGrace = d }
}

// WithTerminalHook registers fn to run (on its own goroutine) with the final
// session snapshot each time a session reaches a terminal status. Used to
// record call outcomes.
func WithTerminalHook(fn func(StatusSummary)) Option {
	return func(s *Store) { s.onTerminal = fn }
}

// New creates an empty session store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:   make(map[string]*session),
		byCarrier:  make(map[string]string),
		logCap:     defaultLogCap,
		drainGrace: defaultDrainGrace,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create allocates a fresh session in status queued, records the brief, and
// appends the initial status event. Returns the new session id.
func (s *Store) Create(brief CallBrief) string {
	sess := &session{
		id:        uuid.NewString(),
		status:    StatusQueued,
		startedAt: time.Now().UTC(),
		brief:     brief,
		items:     make(map[itemKey]*TranscriptItem),
		orderIdx:  make(map[string]int),
		subs:      make(map[string]*subscriber),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.mu.Lock()
	s.appendLocked(sess, Event{Type: EventStatus, Status: StatusQueued})
	sess.mu.Unlock()

	slog.Info("call session created", "session_id", sess.id)
	return sess.id
}

// Exists reports whether a session with the given id is registered.
func (s *Store) Exists(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// Brief returns the call brief captured at session creation.
func (s *Store) Brief(sessionID string) (CallBrief, bool) {
	sess := s.get(sessionID)
	if sess == nil {
		return CallBrief{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.brief, true
}

// Status returns the session's current status.
func (s *Store) Status(sessionID string) (Status, bool) {
	sess := s.get(sessionID)
	if sess == nil {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.status, true
}

// SetCarrierCallID binds the carrier-assigned call id to the session and
// maintains the reverse index. Idempotent; a re-bind evicts the old mapping.
func (s *Store) SetCarrierCallID(sessionID, carrierCallID string) {
	if carrierCallID == "" {
		return
	}
	sess := s.get(sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	old := sess.carrierCallID
	sess.carrierCallID = carrierCallID
	sess.mu.Unlock()

	if old == carrierCallID {
		return
	}

	s.mu.Lock()
	if old != "" {
		delete(s.byCarrier, old)
	}
	s.byCarrier[carrierCallID] = sessionID
	s.mu.Unlock()
}

// ByCarrierCallID resolves a carrier call id back to a session id.
func (s *Store) ByCarrierCallID(carrierCallID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCarrier[carrierCallID]
	return id, ok
}

// UpdateStatus transitions the session's status. It is a no-op when the
// session is unknown or already terminal. A status event is appended only
// when the status actually changes or a reason is supplied. Terminal
// transitions also append session.end, record endedAt, and schedule the
// viewer drain.
func (s *Store) UpdateStatus(sessionID string, status Status, reason string) {
	sess := s.get(sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()

	if sess.status.Terminal() {
		slog.Debug("status update after terminal ignored",
			"session_id", sessionID, "status", status, "current", sess.status)
		sess.mu.Unlock()
		return
	}
	if status == sess.status && reason == "" {
		sess.mu.Unlock()
		return
	}

	sess.status = status
	s.appendLocked(sess, Event{Type: EventStatus, Status: status, Reason: reason})

	var snapshot *StatusSummary
	if status.Terminal() {
		now := time.Now().UTC()
		sess.endedAt = &now
		sess.terminalReason = reason
		sess.ended = true
		s.appendLocked(sess, Event{Type: EventSessionEnd, Reason: reason})
		s.scheduleDrain(sess)
		slog.Info("call session ended",
			"session_id", sessionID, "status", status, "reason", reason)
		if s.onTerminal != nil {
			snap := summaryLocked(sess)
			snapshot = &snap
		}
	}
	sess.mu.Unlock()

	if snapshot != nil {
		go s.onTerminal(*snapshot)
	}
}

// RecordTranscriptOrder anchors itemID in the display order. When
// previousItemID names a known item, itemID is inserted right after it;
// otherwise itemID is appended. Already-placed items keep their slot.
func (s *Store) RecordTranscriptOrder(sessionID, itemID, previousItemID string) {
	sess := s.get(sessionID)
	if sess == nil || itemID == "" {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.placeLocked(itemID, previousItemID)
}

// AppendTranscriptDelta upserts the transcript item identified by
// (speaker, itemID), concatenates the text delta, and emits a
// transcript.delta event carrying the item's current order.
func (s *Store) AppendTranscriptDelta(sessionID, itemID string, speaker Speaker, textDelta, previousItemID string) {
	sess := s.get(sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended {
		slog.Debug("transcript delta after session end ignored", "session_id", sessionID, "item_id", itemID)
		return
	}

	item := sess.upsertLocked(itemID, speaker, previousItemID)
	item.Text += textDelta
	item.IsFinal = false

	ev := s.appendLocked(sess, Event{
		Type:      EventTranscriptDelta,
		ItemID:    itemID,
		Speaker:   speaker,
		TextDelta: textDelta,
		Order:     item.Order,
	})
	item.Seq = ev.Seq
	item.Timestamp = ev.Timestamp
}

// AppendTranscriptFinal upserts the transcript item, replaces its text with
// the full transcript, marks it final, and emits a transcript.final event.
func (s *Store) AppendTranscriptFinal(sessionID, itemID string, speaker Speaker, fullText, previousItemID string) {
	sess := s.get(sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended {
		slog.Debug("transcript final after session end ignored", "session_id", sessionID, "item_id", itemID)
		return
	}

	item := sess.upsertLocked(itemID, speaker, previousItemID)
	item.Text = fullText
	item.IsFinal = true

	ev := s.appendLocked(sess, Event{
		Type:     EventTranscriptFinal,
		ItemID:   itemID,
		Speaker:  speaker,
		FullText: fullText,
		Order:    item.Order,
	})
	item.Seq = ev.Seq
	item.Timestamp = ev.Timestamp
}

// AppendAudioLevel emits an audio.level event with the level clamped to [0, 1].
func (s *Store) AppendAudioLevel(sessionID string, speaker Speaker, level float64) {
	sess := s.get(sessionID)
	if sess == nil {
		return
	}

	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.ended {
		return
	}
	s.appendLocked(sess, Event{Type: EventAudioLevel, Speaker: speaker, Level: level})
}

// EventsSince returns the retained events with seq > sinceSeq, in order.
func (s *Store) EventsSince(sessionID string, sinceSeq int64) []Event {
	sess := s.get(sessionID)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return eventsSinceLocked(sess.log, sinceSeq)
}

// Subscribe registers a viewer on the session and atomically captures its
// catch-up window: the returned backlog holds every retained event with
// seq > sinceSeq, and the live channel receives every event appended after
// the snapshot, so the viewer sees no gap and no duplicate. The channel is
// closed when the subscriber is terminated (unsubscribe, overflow, or
// session drain). Returns ok=false when the session is unknown.
func (s *Store) Subscribe(sessionID string, sinceSeq int64) (subscriberID string, backlog []Event, live <-chan Event, ok bool) {
	sess := s.get(sessionID)
	if sess == nil {
		return "", nil, nil, false
	}

	sub := &subscriber{
		id: uuid.NewString(),
		ch: make(chan Event, subscriberBuffer),
	}

	sess.mu.Lock()
	backlog = eventsSinceLocked(sess.log, sinceSeq)
	sess.subs[sub.id] = sub
	sess.mu.Unlock()

	return sub.id, backlog, sub.ch, true
}

// Unsubscribe removes a viewer and closes its channel. Safe to call for
// already-terminated subscribers.
func (s *Store) Unsubscribe(sessionID, subscriberID string) {
	sess := s.get(sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sub, ok := sess.subs[subscriberID]; ok {
		closeSubLocked(sub)
		delete(sess.subs, subscriberID)
	}
}

// SubscriberCount returns the number of live viewers on the session.
func (s *Store) SubscriberCount(sessionID string) int {
	sess := s.get(sessionID)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.subs)
}

// Summary returns the session's status read-model with the transcript sorted
// by (order, seq).
func (s *Store) Summary(sessionID string) (StatusSummary, bool) {
	sess := s.get(sessionID)
	if sess == nil {
		return StatusSummary{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return summaryLocked(sess), true
}

// summaryLocked builds the status read-model. Caller holds sess.mu.
func summaryLocked(sess *session) StatusSummary {
	items := make([]TranscriptItem, 0, len(sess.items))
	for _, it := range sess.items {
		items = append(items, *it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].Seq < items[j].Seq
	})

	return StatusSummary{
		SessionID:      sess.id,
		CarrierCallID:  sess.carrierCallID,
		Status:         sess.status,
		StartedAt:      sess.startedAt,
		EndedAt:        sess.endedAt,
		TerminalReason: sess.terminalReason,
		LastSeq:        sess.seq,
		Transcript:     items,
		Brief:          sess.brief,
	}
}

// ─── internals ───────────────────────────────────────────────────────────────

func (s *Store) get(sessionID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// appendLocked assigns the next sequence number, appends the event to the
// capped log, and broadcasts it to all live subscribers. Callers must hold
// sess.mu; holding it across the broadcast is what gives every subscriber
// the same order.
func (s *Store) appendLocked(sess *session, ev Event) Event {
	sess.seq++
	ev.Seq = sess.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	sess.log = append(sess.log, ev)
	if len(sess.log) > s.logCap {
		// FIFO eviction; copy to release the backing array's head.
		sess.log = append(sess.log[:0:0], sess.log[len(sess.log)-s.logCap:]...)
	}

	for id, sub := range sess.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber can't keep up; terminate it rather than block or
			// deliver out of order.
			slog.Warn("viewer subscriber overflow, terminating",
				"session_id", sess.id, "subscriber_id", id)
			closeSubLocked(sub)
			delete(sess.subs, id)
		}
	}
	return ev
}

// scheduleDrain closes all subscribers after the grace period so the final
// events flush. Runs at most once per session. Caller holds sess.mu.
func (s *Store) scheduleDrain(sess *session) {
	sess.drainOnce.Do(func() {
		time.AfterFunc(s.drainGrace, func() {
			sess.mu.Lock()
			defer sess.mu.Unlock()
			for id, sub := range sess.subs {
				closeSubLocked(sub)
				delete(sess.subs, id)
			}
		})
	})
}

// upsertLocked returns the transcript item for (speaker, itemID), creating
// and placing it when first seen. Caller holds sess.mu.
func (sess *session) upsertLocked(itemID string, speaker Speaker, previousItemID string) *TranscriptItem {
	// Used via Store methods; defined on session for lock clarity.
	key := itemKey{speaker: speaker, itemID: itemID}
	item, ok := sess.items[key]
	if !ok {
		item = &TranscriptItem{ItemID: itemID, Speaker: speaker}
		sess.items[key] = item
	}
	sess.placeLocked(itemID, previousItemID)
	item.Order = sess.orderIdx[itemID]
	return item
}

// placeLocked inserts itemID into the display order. Caller holds sess.mu.
func (sess *session) placeLocked(itemID, previousItemID string) {
	if _, placed := sess.orderIdx[itemID]; placed {
		return
	}

	pos := len(sess.order)
	if previousItemID != "" {
		if prev, ok := sess.orderIdx[previousItemID]; ok {
			pos = prev + 1
		}
	}

	sess.order = append(sess.order, "")
	copy(sess.order[pos+1:], sess.order[pos:])
	sess.order[pos] = itemID

	for i := pos; i < len(sess.order); i++ {
		sess.orderIdx[sess.order[i]] = i
	}
	// Reflect shifted positions on already-indexed items.
	for key, it := range sess.items {
		if idx, ok := sess.orderIdx[key.itemID]; ok {
			it.Order = idx
		}
	}
}

// closeSubLocked closes a subscriber channel exactly once. Caller holds the
// session lock of the owning session.
func closeSubLocked(sub *subscriber) {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// eventsSinceLocked returns events with Seq > sinceSeq from a log sorted by
// Seq. Binary search keeps catch-up cheap on long logs.
func eventsSinceLocked(log []Event, sinceSeq int64) []Event {
	i := sort.Search(len(log), func(i int) bool {
		return log[i].Seq > sinceSeq
	})
	if i >= len(log) {
		return nil
	}
	out := make([]Event, len(log)-i)
	copy(out, log[i:])
	return out
}
