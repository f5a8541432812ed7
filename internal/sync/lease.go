package sync

import "sync"

// leases serializes sync passes per connection. A second caller arriving
// while a pass is running does not wait: it marks the connection pending and
// the holder schedules exactly one follow-up pass on release, so any number
// of overlapping triggers coalesce into one re-run.
type leases struct {
	mu      sync.Mutex
	busy    map[string]bool
	pending map[string]bool
}

func newLeases() *leases {
	return &leases{
		busy:    make(map[string]bool),
		pending: make(map[string]bool),
	}
}

// TryAcquire takes the lease for the connection. When the lease is already
// held it records a pending re-run instead and reports false.
func (l *leases) TryAcquire(connectionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[connectionID] {
		l.pending[connectionID] = true
		return false
	}
	l.busy[connectionID] = true
	return true
}

// Release drops the lease and reports whether a re-run was queued while it
// was held. The pending mark is cleared so the re-run happens once.
func (l *leases) Release(connectionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, connectionID)
	if l.pending[connectionID] {
		delete(l.pending, connectionID)
		return true
	}
	return false
}
