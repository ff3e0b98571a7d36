package services

import (
	"sync"
	"time"
)

// CallStats is a point-in-time copy of CallStatsRecorder counters.
type CallStats struct {
	OpenConnections     int
	ConnectionsOpened   int
	Negotiations        map[string]int
	AverageNegotiation  time.Duration
	TransportFailures   int
	HardFailures        int
	SpeakingTransitions int
	ActiveScreenShares  int
	DroppedSignals      map[string]int
	Timestamp           time.Time
}

// CallStatsRecorder keeps call telemetry in memory. It is the session's
// metrics sink when no exporter is configured.
type CallStatsRecorder struct {
	mu sync.RWMutex

	open             int
	opened           int
	negotiations     map[string]int
	negotiationTotal time.Duration
	failures         int
	hardFailures     int
	speaking         int
	shares           int
	dropped          map[string]int
}

func NewCallStatsRecorder() *CallStatsRecorder {
	return &CallStatsRecorder{
		negotiations: make(map[string]int),
		dropped:      make(map[string]int),
	}
}

func (r *CallStatsRecorder) ConnectionOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open++
	r.opened++
}

func (r *CallStatsRecorder) ConnectionClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open > 0 {
		r.open--
	}
}

func (r *CallStatsRecorder) NegotiationCompleted(role string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.negotiations[role]++
	r.negotiationTotal += d
}

func (r *CallStatsRecorder) TransportFailed(hard bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	if hard {
		r.hardFailures++
	}
}

func (r *CallStatsRecorder) SpeakingTransition(bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speaking++
}

func (r *CallStatsRecorder) ActiveScreenShares(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shares = count
}

func (r *CallStatsRecorder) SignalDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}

func (r *CallStatsRecorder) Snapshot() CallStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := CallStats{
		OpenConnections:     r.open,
		ConnectionsOpened:   r.opened,
		Negotiations:        make(map[string]int, len(r.negotiations)),
		TransportFailures:   r.failures,
		HardFailures:        r.hardFailures,
		SpeakingTransitions: r.speaking,
		ActiveScreenShares:  r.shares,
		DroppedSignals:      make(map[string]int, len(r.dropped)),
		Timestamp:           time.Now(),
	}
	total := 0
	for role, n := range r.negotiations {
		stats.Negotiations[role] = n
		total += n
	}
	if total > 0 {
		stats.AverageNegotiation = r.negotiationTotal / time.Duration(total)
	}
	for reason, n := range r.dropped {
		stats.DroppedSignals[reason] = n
	}
	return stats
}
