package messaging

import (
	"sync"

	"github.com/bertvancapelle/CommEazy-sub001/transport"
)

// presenceTracker holds the in-memory identity→status map. It is never
// persisted; the transport's presence stream rebuilds it after a
// reconnect.
type presenceTracker struct {
	mu sync.RWMutex
	m  map[string]transport.PresenceStatus
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{m: make(map[string]transport.PresenceStatus)}
}

// Set records a status and returns the previous one (PresenceUnknown
// for a first sighting).
func (p *presenceTracker) Set(identity string, status transport.PresenceStatus) transport.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, ok := p.m[identity]
	if !ok {
		previous = transport.PresenceUnknown
	}
	p.m[identity] = status
	return previous
}

// Get returns the last known status, PresenceUnknown if never seen.
func (p *presenceTracker) Get(identity string) transport.PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status, ok := p.m[identity]
	if !ok {
		return transport.PresenceUnknown
	}
	return status
}

// IsOnline reports whether the peer is known-online right now.
func (p *presenceTracker) IsOnline(identity string) bool {
	return p.Get(identity) == transport.PresenceOnline
}

// Reset clears the map, for use on transport reconnect.
func (p *presenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m = make(map[string]transport.PresenceStatus)
}
