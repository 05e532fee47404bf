package lifecycle

import (
	"sync"
	"time"

	"vaultwatch/internal/metrics"
	"vaultwatch/internal/vault"
)

// Kind identifies a lifecycle event.
type Kind int

const (
	// EventInitialSync is published once the first full classification has been committed.
	EventInitialSync Kind = iota + 1
	// EventCycleComplete is published after every committed catch-up cycle.
	EventCycleComplete
)

func (k Kind) String() string {
	switch k {
	case EventInitialSync:
		return "initial_sync"
	case EventCycleComplete:
		return "cycle_complete"
	default:
		return "unknown"
	}
}

// Stats summarises what a cycle did.
type Stats struct {
	Touched    int
	Classified int
	Skipped    int
	Yellow     int
	Red        int
	Duration   time.Duration
}

// Event is delivered to subscribers after the zone store commit it describes.
type Event struct {
	Kind   Kind
	Marker vault.CycleMarker
	At     time.Time
	Stats  Stats
}

// Broadcaster fans lifecycle events out to subscribers and tracks readiness.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int

	ready     chan struct{}
	readyOnce sync.Once
}

// NewBroadcaster returns a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:  make(map[int]chan Event),
		ready: make(chan struct{}),
	}
}

// Subscribe registers a buffered channel. The returned func unsubscribes and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking; a full subscriber misses it.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Kind == EventInitialSync {
		b.readyOnce.Do(func() { close(b.ready) })
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// Ready is closed once the initial sync has completed.
func (b *Broadcaster) Ready() <-chan struct{} {
	return b.ready
}

// IsReady reports whether the initial sync has completed.
func (b *Broadcaster) IsReady() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}
