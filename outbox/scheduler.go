// Package outbox implements at-least-once delivery of encrypted,
// undelivered messages within a fixed retention window. A Scheduler
// retries sends with capped exponential backoff and presence-gated
// per-recipient attempts; a Sweeper independently removes expired
// entries. Both treat "entry not found" as benign since their timers
// may interleave.
package outbox

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub001/storage"
	"github.com/bertvancapelle/CommEazy-sub001/transport"
)

// RetentionPeriod is how long an undelivered message is retried before
// it expires.
const RetentionPeriod = 7 * 24 * time.Hour

// backoffSteps is the retry delay ladder. The last step repeats as the
// cap until a pass fully drains the outbox.
var backoffSteps = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// State is the scheduler's timer state, explicit so tests can inspect
// it and the tick guard is obvious.
type State uint8

const (
	// StateIdle means no retry tick is pending.
	StateIdle State = iota
	// StateScheduled means a tick is pending on the timer.
	StateScheduled
	// StateRunning means a retry pass is in progress. A tick arriving
	// in this state is suppressed; overlap risks double-send.
	StateRunning
)

// Config wires a Scheduler's collaborators. Store and Transport are
// required; the rest default sensibly.
type Config struct {
	Store     storage.OutboxStore
	Transport transport.Transport
	Clock     Clock
	// IsOnline reports whether a peer's presence is currently
	// known-online. Retry attempts are made only for online peers.
	IsOnline func(identity string) bool
	// OnSent is invoked after a successful (re)send of an entry's
	// message to at least one recipient.
	OnSent func(messageID string)
	// OnExpired is invoked after an expired entry is deleted.
	OnExpired func(messageID string)
}

// Scheduler drives the outbox retry loop. It runs only between Start
// and Stop, and its single recurring timer is guarded against
// reentrancy.
type Scheduler struct {
	store     storage.OutboxStore
	transport transport.Transport
	clock     Clock
	isOnline  func(string) bool
	onSent    func(string)
	onExpired func(string)

	mu         sync.Mutex
	started    bool
	state      State
	backoffIdx int
	timer      Timer
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	isOnline := cfg.IsOnline
	if isOnline == nil {
		isOnline = func(string) bool { return false }
	}
	onSent := cfg.OnSent
	if onSent == nil {
		onSent = func(string) {}
	}
	onExpired := cfg.OnExpired
	if onExpired == nil {
		onExpired = func(string) {}
	}

	return &Scheduler{
		store:     cfg.Store,
		transport: cfg.Transport,
		clock:     clock,
		isOnline:  isOnline,
		onSent:    onSent,
		onExpired: onExpired,
	}
}

// Start begins the retry loop with backoff reset to the first step.
// Starting a started scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.backoffIdx = 0
	s.scheduleLocked()

	logrus.WithField("function", "Start").Info("Outbox retry scheduler started")
}

// Stop cancels the pending retry timer. In-flight sends are not
// interrupted. A later Start begins again from the first backoff step.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = StateIdle

	logrus.WithField("function", "Stop").Info("Outbox retry scheduler stopped")
}

// State returns the scheduler's current timer state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BackoffIndex returns the current position on the backoff ladder.
func (s *Scheduler) BackoffIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffIdx
}

// NotifyEnqueued wakes an idle scheduler after a new entry was
// persisted, scheduling the next pass at the current backoff step.
func (s *Scheduler) NotifyEnqueued() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.state != StateIdle {
		return
	}
	s.scheduleLocked()
}

// scheduleLocked arms the timer for the current backoff step.
// Caller holds s.mu.
func (s *Scheduler) scheduleLocked() {
	delay := backoffSteps[s.backoffIdx]
	s.state = StateScheduled
	s.timer = s.clock.AfterFunc(delay, s.tick)

	logrus.WithFields(logrus.Fields{
		"function": "schedule",
		"delay":    delay.String(),
		"step":     s.backoffIdx,
	}).Debug("Retry pass scheduled")
}

// tick runs one retry pass. An overlapping tick is suppressed while a
// pass is running.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if !s.started || s.state == StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()

	// Transport down: skip the pass entirely without advancing backoff.
	if !s.transport.IsConnected() {
		logrus.WithField("function", "tick").Debug("Transport down, skipping retry pass")
		s.reschedule(false)
		return
	}

	remaining := s.runPass()
	s.reschedule(remaining > 0)
}

// reschedule arms the next tick. advance moves one step up the ladder
// (capped); when the outbox drained, backoff resets and the scheduler
// goes idle until the next enqueue.
func (s *Scheduler) reschedule(advance bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.state = StateIdle
		return
	}

	if advance {
		if s.backoffIdx < len(backoffSteps)-1 {
			s.backoffIdx++
		}
		s.scheduleLocked()
		return
	}

	// Either the pass drained everything or it was skipped while the
	// transport was down. A skipped pass keeps its backoff position but
	// stays armed; a drained outbox resets and goes idle.
	if s.outboxEmpty() {
		s.backoffIdx = 0
		s.state = StateIdle
		s.timer = nil
		logrus.WithField("function", "reschedule").Debug("Outbox drained, scheduler idle")
		return
	}
	s.scheduleLocked()
}

// outboxEmpty reports whether any entries remain. Errors count as
// non-empty so a flaky store never silences the loop.
func (s *Scheduler) outboxEmpty() bool {
	entries, err := s.store.GetOutboxEntries()
	if err != nil {
		return false
	}
	return len(entries) == 0
}

// runPass walks every entry once and returns how many remain after the
// pass. Per-recipient failures never abort the rest of the pass.
func (s *Scheduler) runPass() int {
	entries, err := s.store.GetOutboxEntries()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "runPass",
			"error":    err.Error(),
		}).Error("Failed to load outbox entries")
		return 1 // Treat as non-empty so the loop keeps trying.
	}

	now := s.clock.Now()
	remaining := 0

	for _, entry := range entries {
		if now.After(entry.ExpiresAt) {
			s.expireEntry(entry)
			continue
		}

		s.attemptEntry(entry)
		remaining++
	}

	logrus.WithFields(logrus.Fields{
		"function":  "runPass",
		"entries":   len(entries),
		"remaining": remaining,
	}).Debug("Retry pass complete")
	return remaining
}

// expireEntry deletes an entry past its retention window and notifies.
func (s *Scheduler) expireEntry(entry *storage.OutboxEntry) {
	if err := s.store.DeleteOutboxEntry(entry.MessageID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "expireEntry",
			"message_id": entry.MessageID,
			"error":      err.Error(),
		}).Warn("Failed to delete expired outbox entry")
		return
	}
	s.onExpired(entry.MessageID)
}

// attemptEntry re-sends one entry to each still-pending recipient whose
// presence is known-online, reusing the original message id. A send
// error leaves the entry untouched for the next pass.
func (s *Scheduler) attemptEntry(entry *storage.OutboxEntry) {
	sent := false
	for _, recipient := range entry.PendingRecipients {
		if !s.isOnline(recipient) {
			continue
		}

		if err := s.transport.Send(recipient, entry.Payload, entry.MessageID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "attemptEntry",
				"message_id": entry.MessageID,
				"error":      err.Error(),
			}).Debug("Retry send failed, entry left for next pass")
			continue
		}
		sent = true
	}

	if sent {
		s.onSent(entry.MessageID)
	}
}

// Stats is a point-in-time snapshot of the retry loop, for embedders'
// diagnostics. It is advisory: the loop may move on immediately after.
type Stats struct {
	Entries           int
	PendingRecipients int
	State             State
	BackoffDelay      time.Duration
}

// Stats reports the current outbox depth and scheduler position.
func (s *Scheduler) Stats() Stats {
	stats := Stats{}
	if entries, err := s.store.GetOutboxEntries(); err == nil {
		stats.Entries = len(entries)
		for _, entry := range entries {
			stats.PendingRecipients += len(entry.PendingRecipients)
		}
	}

	s.mu.Lock()
	stats.State = s.state
	stats.BackoffDelay = backoffSteps[s.backoffIdx]
	s.mu.Unlock()
	return stats
}

// FlushPeer immediately attempts delivery of every entry addressed to
// the peer, bypassing the backoff timer. Called on a peer's transition
// to online.
func (s *Scheduler) FlushPeer(identity string) {
	if !s.transport.IsConnected() {
		return
	}

	entries, err := s.store.GetOutboxEntriesForRecipient(identity)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FlushPeer",
			"error":    err.Error(),
		}).Error("Failed to load outbox entries for peer")
		return
	}
	if len(entries) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "FlushPeer",
		"entries":  len(entries),
	}).Info("Peer online, flushing outbox")

	now := s.clock.Now()
	for _, entry := range entries {
		if now.After(entry.ExpiresAt) {
			s.expireEntry(entry)
			continue
		}

		if err := s.transport.Send(identity, entry.Payload, entry.MessageID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "FlushPeer",
				"message_id": entry.MessageID,
				"error":      err.Error(),
			}).Debug("Presence-triggered send failed")
			continue
		}
		s.onSent(entry.MessageID)
	}
}
