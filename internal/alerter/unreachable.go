package alerter

import (
	"sync"

	"github.com/rs/zerolog"
)

// UnreachableTracker counts consecutive failed probes per endpoint and flags
// endpoints whose streak reaches a threshold.
type UnreachableTracker struct {
	log     zerolog.Logger
	mu      sync.Mutex
	streaks map[uint]int
	flagged map[uint]bool
}

// NewUnreachableTracker creates an empty tracker.
func NewUnreachableTracker(log zerolog.Logger) *UnreachableTracker {
	return &UnreachableTracker{
		log:     log.With().Str("component", "unreachable-tracker").Logger(),
		streaks: make(map[uint]int),
		flagged: make(map[uint]bool),
	}
}

// Record registers a probe result. It returns the current failure streak and
// whether this result just pushed the endpoint over threshold.
func (t *UnreachableTracker) Record(id uint, name string, reachable bool, threshold int) (streak int, justCrossed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if reachable {
		if t.flagged[id] {
			t.log.Info().Str("endpoint", name).Int("failed_probes", t.streaks[id]).Msg("Endpoint reachable again")
		}
		delete(t.streaks, id)
		delete(t.flagged, id)
		return 0, false
	}

	t.streaks[id]++
	streak = t.streaks[id]
	if threshold > 0 && streak >= threshold && !t.flagged[id] {
		t.flagged[id] = true
		t.log.Warn().Str("endpoint", name).Int("failed_probes", streak).Msg("Endpoint unreachable")
		return streak, true
	}
	return streak, false
}

// IsUnreachable reports whether id is currently flagged.
func (t *UnreachableTracker) IsUnreachable(id uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flagged[id]
}

// Streaks returns a copy of the non-zero failure streaks.
func (t *UnreachableTracker) Streaks() map[uint]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[uint]int, len(t.streaks))
	for id, n := range t.streaks {
		out[id] = n
	}
	return out
}

// Forget drops state for an endpoint that no longer exists.
func (t *UnreachableTracker) Forget(id uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streaks, id)
	delete(t.flagged, id)
}
