package outbox

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub001/storage"
)

// SweepInterval is how often expired entries are purged.
const SweepInterval = time.Hour

// Sweeper deletes expired outbox entries on an independent timer. It
// sweeps once at startup and hourly thereafter. Sweeps are idempotent:
// an entry already removed by the retry loop is simply not found.
type Sweeper struct {
	store     storage.OutboxStore
	clock     Clock
	interval  time.Duration
	onExpired func(messageID string)

	mu      sync.Mutex
	started bool
	timer   Timer
}

// NewSweeper creates a stopped sweeper. onExpired is invoked once per
// entry actually deleted; a nil callback is allowed.
func NewSweeper(store storage.OutboxStore, clock Clock, onExpired func(messageID string)) *Sweeper {
	if clock == nil {
		clock = SystemClock{}
	}
	if onExpired == nil {
		onExpired = func(string) {}
	}
	return &Sweeper{
		store:     store,
		clock:     clock,
		interval:  SweepInterval,
		onExpired: onExpired,
	}
}

// Start runs an immediate sweep and then sweeps every interval.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	if sw.started {
		sw.mu.Unlock()
		return
	}
	sw.started = true
	sw.mu.Unlock()

	sw.Sweep()
	sw.scheduleNext()
}

// Stop cancels the pending sweep timer.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.started {
		return
	}
	sw.started = false
	if sw.timer != nil {
		sw.timer.Stop()
		sw.timer = nil
	}
}

func (sw *Sweeper) scheduleNext() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if !sw.started {
		return
	}
	sw.timer = sw.clock.AfterFunc(sw.interval, func() {
		sw.Sweep()
		sw.scheduleNext()
	})
}

// Sweep deletes all entries past their ExpiresAt and notifies for each.
func (sw *Sweeper) Sweep() {
	expired, err := sw.store.GetExpiredEntries(sw.clock.Now())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"error":    err.Error(),
		}).Error("Failed to query expired outbox entries")
		return
	}
	if len(expired) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Sweep",
		"expired":  len(expired),
	}).Info("Purging expired outbox entries")

	for _, entry := range expired {
		if err := sw.store.DeleteOutboxEntry(entry.MessageID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Sweep",
				"message_id": entry.MessageID,
				"error":      err.Error(),
			}).Warn("Failed to delete expired entry")
			continue
		}
		sw.onExpired(entry.MessageID)
	}
}
