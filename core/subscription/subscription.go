// Package subscription implements the registry entry uniting one handler
// method with the set of listener instances currently bound to it.
package subscription

import (
	"sync"
	"sync/atomic"

	"github.com/coachpo/busline/core/handler"
)

// Subscription unites a handler's metadata with a concurrent set of
// listener instances. The listener set is copy-on-write: Subscribe and
// Unsubscribe serialize against each other through mu, but Snapshot and
// Publish never take a lock — they read whatever slice was last published,
// so iteration during a publish never blocks a concurrent subscribe or
// unsubscribe of a different (or the same) instance.
type Subscription struct {
	Metadata  handler.Metadata
	listeners atomic.Pointer[[]any]
	mu        sync.Mutex
}

// New constructs a Subscription with an empty listener set.
func New(metadata handler.Metadata) *Subscription {
	s := &Subscription{Metadata: metadata}
	empty := []any{}
	s.listeners.Store(&empty)
	return s
}

// Subscribe adds listener to the set. Repeated subscribes of the same
// instance are not deduplicated — the spec documents duplicate delivery as
// the cost of keeping subscribe cheap and lock-free for readers. Each call
// copies the listener slice.
func (s *Subscription) Subscribe(listener any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.listeners.Load()
	next := make([]any, len(old)+1)
	copy(next, old)
	next[len(old)] = listener
	s.listeners.Store(&next)
}

// Unsubscribe removes the first occurrence of listener from the set. No-op
// if listener is not present.
func (s *Subscription) Unsubscribe(listener any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.listeners.Load()
	idx := -1
	for i, l := range old {
		if l == listener {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	next := make([]any, 0, len(old)-1)
	next = append(next, old[:idx]...)
	next = append(next, old[idx+1:]...)
	s.listeners.Store(&next)
}

// Snapshot returns the listener set as of the most recent Subscribe or
// Unsubscribe. The returned slice must not be mutated by the caller.
func (s *Subscription) Snapshot() []any {
	return *s.listeners.Load()
}

// Len reports the current listener count. The dispatch core calls it for
// every matched subscription on each publish to skip empty ones and count
// invocations.
func (s *Subscription) Len() int {
	return len(s.Snapshot())
}

// Publish invokes the handler against every listener in a consistent
// snapshot of the set, in snapshot order. A handler failure is reported to
// onError and does not stop delivery to the remaining listeners.
func (s *Subscription) Publish(args []any, onError func(listener any, err error)) {
	for _, l := range s.Snapshot() {
		if err := s.Metadata.Invoke(l, args); err != nil {
			onError(l, err)
		}
	}
}
