package peer

import (
	"sync"
	"time"
)

// Score is a rolling history of a peer's recent request outcomes, used to
// rank peers for dispatch and to derive a punishment delay after failure.
// It is purely local state; nothing here crosses torrent boundaries.
type Score struct {
	mu         sync.Mutex
	results    []bool
	durations  []time.Duration
	maxHistory int
}

// NewScore returns a Score retaining at most maxHistory recent outcomes.
func NewScore(maxHistory int) *Score {
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &Score{maxHistory: maxHistory}
}

// Record appends a (result, duration) outcome, evicting the oldest entry
// once history exceeds maxHistory.
func (s *Score) Record(success bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, success)
	s.durations = append(s.durations, d)
	if len(s.results) > s.maxHistory {
		s.results = s.results[1:]
		s.durations = s.durations[1:]
	}
}

// SuccessRate is true_count/N over the retained history. An empty history
// is optimistically scored 1.0 so new peers get a fair first chance.
func (s *Score) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.results) == 0 {
		return 1.0
	}
	var trues int
	for _, r := range s.results {
		if r {
			trues++
		}
	}
	return float64(trues) / float64(len(s.results))
}

// AvgDuration is the mean duration over the retained history.
func (s *Score) AvgDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.durations {
		total += d
	}
	return total / time.Duration(len(s.durations))
}

// PunishDelay scales linearly with the failure rate: a peer that has
// failed every recent request waits the full punishMax; a flawless peer
// waits none.
func (s *Score) PunishDelay(punishMax time.Duration) time.Duration {
	rate := s.SuccessRate()
	return time.Duration((1 - rate) * float64(punishMax))
}
