package zone

import (
	"maps"
	"sync"
	"sync/atomic"

	"vaultwatch/internal/vault"
)

// Assignment is the zone a position was classified into during a cycle.
type Assignment struct {
	Position vault.Position
	Zone     vault.Zone
}

// Transition records a position whose zone changed during a Replace.
type Transition struct {
	ID       string
	Position vault.Position
	From     vault.Zone
	To       vault.Zone
}

// Counts is the size of each non-None bucket.
type Counts struct {
	Yellow int
	Red    int
}

// state is never mutated after it is published.
type state struct {
	yellow map[string]vault.Position
	red    map[string]vault.Position
}

func (s *state) bucket(z vault.Zone) map[string]vault.Position {
	switch z {
	case vault.ZoneYellow:
		return s.yellow
	case vault.ZoneRed:
		return s.red
	default:
		return nil
	}
}

func (s *state) zoneOf(id string) vault.Zone {
	if _, ok := s.red[id]; ok {
		return vault.ZoneRed
	}
	if _, ok := s.yellow[id]; ok {
		return vault.ZoneYellow
	}
	return vault.ZoneNone
}

// Store holds the cumulative zone assignment of every known position. Readers load the published
// state without locking; Replace builds the next state off to the side and swaps it in.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[state]
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&state{
		yellow: map[string]vault.Position{},
		red:    map[string]vault.Position{},
	})
	return s
}

// Replace installs the zone of every position in batch. A position is removed from whatever bucket it
// occupied before being placed in its new one; positions missing from batch keep their assignment.
func (s *Store) Replace(batch []Assignment) []Transition {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	next := &state{
		yellow: maps.Clone(prev.yellow),
		red:    maps.Clone(prev.red),
	}

	var transitions []Transition
	for _, a := range batch {
		id := a.Position.ID
		from := prev.zoneOf(id)

		delete(next.yellow, id)
		delete(next.red, id)
		if bucket := next.bucket(a.Zone); bucket != nil {
			bucket[id] = a.Position.Clone()
		}

		if from != a.Zone {
			transitions = append(transitions, Transition{ID: id, Position: a.Position, From: from, To: a.Zone})
		}
	}

	s.cur.Store(next)
	return transitions
}

// Snapshot returns a deep copy of one bucket as it was at a single point in time. Callers may mutate
// the result, amounts included.
func (s *Store) Snapshot(z vault.Zone) map[string]vault.Position {
	bucket := s.cur.Load().bucket(z)
	out := make(map[string]vault.Position, len(bucket))
	for id, p := range bucket {
		out[id] = p.Clone()
	}
	return out
}

// Zone reports the current zone of a position id.
func (s *Store) Zone(id string) vault.Zone {
	return s.cur.Load().zoneOf(id)
}

// Counts reports the bucket sizes of the published state.
func (s *Store) Counts() Counts {
	st := s.cur.Load()
	return Counts{Yellow: len(st.yellow), Red: len(st.red)}
}
