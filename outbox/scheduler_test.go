package outbox

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bertvancapelle/CommEazy-sub001/storage"
	"github.com/bertvancapelle/CommEazy-sub001/transport"
)

// recorder collects OnSent/OnExpired invocations.
type recorder struct {
	mu      sync.Mutex
	sent    []string
	expired []string
}

func (r *recorder) onSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, id)
}

func (r *recorder) onExpired(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, id)
}

func (r *recorder) sentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *recorder) expiredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.expired...)
}

type testRig struct {
	store     *storage.MemoryStore
	transport *transport.MockTransport
	clock     *fakeClock
	rec       *recorder
	online    map[string]bool
	scheduler *Scheduler
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	rig := &testRig{
		store:     storage.NewMemoryStore(),
		transport: transport.NewMockTransport(),
		clock:     newFakeClock(),
		rec:       &recorder{},
		online:    make(map[string]bool),
	}
	rig.transport.SetConnected(true)
	rig.scheduler = NewScheduler(Config{
		Store:     rig.store,
		Transport: rig.transport,
		Clock:     rig.clock,
		IsOnline:  func(identity string) bool { return rig.online[identity] },
		OnSent:    rig.rec.onSent,
		OnExpired: rig.rec.onExpired,
	})
	t.Cleanup(rig.scheduler.Stop)
	return rig
}

func (rig *testRig) addEntry(t *testing.T, messageID string, recipients ...string) {
	t.Helper()
	now := rig.clock.Now()
	require.NoError(t, rig.store.SaveOutboxEntry(&storage.OutboxEntry{
		MessageID:         messageID,
		ConversationID:    "conv",
		Payload:           []byte("ciphertext"),
		CreatedAt:         now,
		ExpiresAt:         now.Add(RetentionPeriod),
		PendingRecipients: recipients,
	}))
}

func TestBackoffSequenceUnderRepeatedFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob") // bob never comes online

	rig.scheduler.Start()
	for _, delay := range []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute,
		5 * time.Minute, 15 * time.Minute,
	} {
		rig.clock.Advance(delay)
	}
	rig.clock.Advance(15 * time.Minute) // cap repeats

	want := []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute,
		5 * time.Minute, 15 * time.Minute, 15 * time.Minute,
		15 * time.Minute,
	}
	assert.Equal(t, want, rig.clock.Delays())
	assert.Empty(t, rig.transport.Sent(), "offline recipient must not be sent to")
}

func TestBackoffResetsAfterDrain(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob")

	rig.scheduler.Start()
	rig.clock.Advance(30 * time.Second)
	rig.clock.Advance(time.Minute)
	assert.Equal(t, 2, rig.scheduler.BackoffIndex())

	// The peer acknowledges out of band; the entry empties and goes away.
	remaining, err := rig.store.MarkRecipientAcknowledged("msg-1", "bob")
	require.NoError(t, err)
	require.Zero(t, remaining)
	require.NoError(t, rig.store.DeleteOutboxEntry("msg-1"))

	rig.clock.Advance(2 * time.Minute)
	assert.Equal(t, StateIdle, rig.scheduler.State())
	assert.Equal(t, 0, rig.scheduler.BackoffIndex())

	// A new entry wakes the scheduler back at the first step.
	rig.addEntry(t, "msg-2", "bob")
	rig.scheduler.NotifyEnqueued()
	assert.Equal(t, StateScheduled, rig.scheduler.State())
	delays := rig.clock.Delays()
	assert.Equal(t, 30*time.Second, delays[len(delays)-1])
}

func TestTransportDownSkipsWithoutAdvancing(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob")
	rig.transport.SetConnected(false)

	rig.scheduler.Start()
	rig.clock.Advance(30 * time.Second)
	rig.clock.Advance(30 * time.Second)

	assert.Equal(t, 0, rig.scheduler.BackoffIndex())
	assert.Equal(t,
		[]time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second},
		rig.clock.Delays())
}

func TestOnlineRecipientIsRetriedWithOriginalID(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob")
	rig.online["bob"] = true

	rig.scheduler.Start()
	rig.clock.Advance(30 * time.Second)

	sent := rig.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bob", sent[0].To)
	assert.Equal(t, "msg-1", sent[0].ID)
	assert.Equal(t, []string{"msg-1"}, rig.rec.sentIDs())

	// Unacknowledged: the entry stays and backoff advances.
	entries, err := rig.store.GetOutboxEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, rig.scheduler.BackoffIndex())
}

func TestExpiredEntryRemovedDuringPass(t *testing.T) {
	rig := newTestRig(t)
	now := rig.clock.Now()
	require.NoError(t, rig.store.SaveOutboxEntry(&storage.OutboxEntry{
		MessageID:         "old-msg",
		Payload:           []byte("ciphertext"),
		CreatedAt:         now.Add(-8 * 24 * time.Hour),
		ExpiresAt:         now.Add(-24 * time.Hour),
		PendingRecipients: []string{"bob"},
	}))

	rig.scheduler.Start()
	rig.clock.Advance(30 * time.Second)

	assert.Equal(t, []string{"old-msg"}, rig.rec.expiredIDs())
	entries, _ := rig.store.GetOutboxEntries()
	assert.Empty(t, entries)
	assert.Equal(t, StateIdle, rig.scheduler.State(), "drained outbox goes idle")
}

func TestPerRecipientFailureDoesNotAbortPass(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob")
	rig.addEntry(t, "msg-2", "carol")
	rig.online["bob"] = true
	rig.online["carol"] = true
	rig.transport.SetSendFunc(func(to string, payload []byte, id string) error {
		if to == "bob" {
			return errors.New("peer unreachable")
		}
		return nil
	})

	rig.scheduler.Start()
	rig.clock.Advance(30 * time.Second)

	sent := rig.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "carol", sent[0].To)
	assert.Equal(t, []string{"msg-2"}, rig.rec.sentIDs())

	// Both entries survive: one failed, one awaits acknowledgement.
	entries, _ := rig.store.GetOutboxEntries()
	assert.Len(t, entries, 2)
}

func TestFlushPeerBypassesBackoff(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob")
	rig.addEntry(t, "msg-2", "bob")
	rig.addEntry(t, "msg-3", "carol")

	// No Start, no clock movement: the flush is immediate.
	rig.scheduler.FlushPeer("bob")

	sent := rig.transport.Sent()
	require.Len(t, sent, 2)
	for _, record := range sent {
		assert.Equal(t, "bob", record.To)
	}
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, rig.rec.sentIDs())
}

func TestFlushPeerWithNothingPending(t *testing.T) {
	rig := newTestRig(t)
	rig.scheduler.FlushPeer("bob")
	assert.Empty(t, rig.transport.Sent())
}

func TestStopCancelsPendingTick(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob")
	rig.online["bob"] = true

	rig.scheduler.Start()
	rig.scheduler.Stop()
	rig.clock.Advance(time.Hour)

	assert.Empty(t, rig.transport.Sent())
	assert.Equal(t, StateIdle, rig.scheduler.State())
}

func TestStatsSnapshot(t *testing.T) {
	rig := newTestRig(t)
	rig.addEntry(t, "msg-1", "bob", "carol")
	rig.addEntry(t, "msg-2", "bob")

	rig.scheduler.Start()
	rig.clock.Advance(30 * time.Second)

	stats := rig.scheduler.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 3, stats.PendingRecipients)
	assert.Equal(t, StateScheduled, stats.State)
	assert.Equal(t, time.Minute, stats.BackoffDelay)
}

func TestStartIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.scheduler.Start()
	rig.scheduler.Start()

	assert.Len(t, rig.clock.Delays(), 1, "double Start must not arm a second timer")
}
