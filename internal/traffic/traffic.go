// Package traffic implements the bounded in-memory ring buffer of recent
// request records that feeds the admin API, /metrics, and Escalate's
// per-backend health gate.
package traffic

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// minSamples is the smallest number of a backend's own entries in the window
// that backend_health requires before it will mark that backend unhealthy;
// below this, a backend is assumed healthy regardless of its error rate (too
// little data to judge).
const minSamples = 3

// Entry is one completed request record. Immutable once pushed.
type Entry struct {
	ID              string
	RequestID       string
	Timestamp       time.Time
	Profile         string
	RequestedModel  string
	Tier            string
	Backend         string
	RoutingMode     string
	Escalated       bool
	LatencyMs       int64
	Success         bool
	Error           string
}

// NewEntry builds an Entry with a fresh ID and the current timestamp. The
// optional fields (profile, requested model, routing mode, escalated,
// error) are attached afterward with the With* builders, mirroring the
// source system's entry-then-decorate construction style.
func NewEntry(tier, backend string, latencyMs int64, success bool) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Tier:      tier,
		Backend:   backend,
		LatencyMs: latencyMs,
		Success:   success,
	}
}

func (e Entry) WithProfile(profile string) Entry {
	e.Profile = profile
	return e
}

func (e Entry) WithRequestedModel(model string) Entry {
	e.RequestedModel = model
	return e
}

func (e Entry) WithRoutingMode(mode string) Entry {
	e.RoutingMode = mode
	return e
}

func (e Entry) WithRequestID(id string) Entry {
	e.RequestID = id
	return e
}

func (e Entry) MarkEscalated() Entry {
	e.Escalated = true
	return e
}

func (e Entry) WithError(msg string) Entry {
	e.Error = msg
	return e
}

// Stats are aggregate statistics derived from every buffered Entry.
type Stats struct {
	TotalRequests    int
	ErrorCount       int
	EscalationCount  int
	AvgLatencyMs     float64
	TierCounts       map[string]int
}

// BackendHealth is the per-backend derived health signal Escalate consults.
type BackendHealth struct {
	Total     int
	Errors    int
	ErrorRate float64
	Healthy   bool
}

// Log is a fixed-capacity ring buffer of Entry records. Safe for concurrent
// use: Push never blocks (it drops the record on lock contention rather than
// wait), Recent/Stats/BackendHealth briefly hold the lock to snapshot.
type Log struct {
	capacity int
	mu       sync.Mutex
	entries  []Entry // ring contents in push order, oldest first
}

// NewLog creates a ring buffer with the given capacity. A capacity of zero
// disables recording entirely (every Push is a no-op).
func NewLog(capacity int) *Log {
	if capacity < 0 {
		capacity = 0
	}
	return &Log{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
	}
}

// Push records a completed request. Best-effort and non-blocking: if the
// guard is contended the record is silently dropped rather than waiting,
// so traffic accounting never adds back-pressure to the request path.
func (l *Log) Push(e Entry) {
	if l.capacity == 0 {
		return
	}
	if !l.mu.TryLock() {
		return
	}
	defer l.mu.Unlock()

	if len(l.entries) == l.capacity {
		// Evict oldest (index 0). Reslicing keeps this O(1) amortized.
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, e)
}

// Recent returns up to limit entries, newest first. A limit at or above the
// current size returns every buffered entry.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit > n || limit < 0 {
		limit = n
	}

	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = l.entries[n-1-i]
	}
	return out
}

// Stats computes aggregate statistics over every buffered entry.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := len(l.entries)
	stats := Stats{
		TotalRequests: total,
		TierCounts:    make(map[string]int),
	}
	if total == 0 {
		return stats
	}

	var latencySum float64
	for _, e := range l.entries {
		latencySum += float64(e.LatencyMs)
		if !e.Success {
			stats.ErrorCount++
		}
		if e.Escalated {
			stats.EscalationCount++
		}
		stats.TierCounts[e.Tier]++
	}
	stats.AvgLatencyMs = latencySum / float64(total)

	return stats
}

// BackendHealth computes, over the most recent window entries, per-backend
// totals and error rates. A backend is Healthy if it has fewer than
// minSamples observations in the window (too little data to judge) or its
// error rate is at or below threshold.
func (l *Log) BackendHealth(window int, threshold float64) map[string]BackendHealth {
	recent := l.Recent(window)

	counts := make(map[string]*BackendHealth)
	for _, e := range recent {
		bh, ok := counts[e.Backend]
		if !ok {
			bh = &BackendHealth{}
			counts[e.Backend] = bh
		}
		bh.Total++
		if !e.Success {
			bh.Errors++
		}
	}

	result := make(map[string]BackendHealth, len(counts))
	for name, bh := range counts {
		if bh.Total > 0 {
			bh.ErrorRate = float64(bh.Errors) / float64(bh.Total)
		}
		bh.Healthy = bh.Total < minSamples || bh.ErrorRate <= threshold
		result[name] = *bh
	}
	return result
}
