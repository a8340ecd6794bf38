package dispatch

import (
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
)

const latencySampleSize = 256

// HandlerStats tracks per-handler processing counters and a rolling latency
// window. All methods are safe for concurrent use.
type HandlerStats struct {
	mu sync.Mutex

	handlerName string

	processed       uint64
	failed          uint64
	totalProcessing time.Duration
	lastProcessedAt time.Time

	latency    *latencyRing
	errorCodes map[errspkg.Code]uint64
	lastError  string
}

// StatsSnapshot is a point-in-time view of one handler's stats.
type StatsSnapshot struct {
	HandlerName     string                  `json:"handlerName"`
	Processed       uint64                  `json:"processed"`
	Failed          uint64                  `json:"failed"`
	AverageNs       int64                   `json:"averageNs"`
	P50Ns           int64                   `json:"p50Ns"`
	P95Ns           int64                   `json:"p95Ns"`
	P99Ns           int64                   `json:"p99Ns"`
	LastProcessedAt time.Time               `json:"lastProcessedAt"`
	ErrorCodes      map[errspkg.Code]uint64 `json:"errorCodes,omitempty"`
	LastError       string                  `json:"lastError,omitempty"`
}

func newHandlerStats(handlerName string) *HandlerStats {
	return &HandlerStats{
		handlerName: handlerName,
		latency:     newLatencyRing(latencySampleSize),
		errorCodes:  make(map[errspkg.Code]uint64),
	}
}

func (h *HandlerStats) record(duration time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.processed++
	h.totalProcessing += duration
	h.lastProcessedAt = time.Now().UTC()
	h.latency.add(duration)

	if err != nil {
		h.failed++
		h.errorCodes[errspkg.CodeOf(err)]++
		h.lastError = err.Error()
	}
}

// Snapshot returns the current counters and latency percentiles.
func (h *HandlerStats) Snapshot() StatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := StatsSnapshot{
		HandlerName:     h.handlerName,
		Processed:       h.processed,
		Failed:          h.failed,
		LastProcessedAt: h.lastProcessedAt,
		LastError:       h.lastError,
	}
	if h.processed > 0 {
		snap.AverageNs = int64(h.totalProcessing) / int64(h.processed)
	}
	if len(h.errorCodes) > 0 {
		snap.ErrorCodes = make(map[errspkg.Code]uint64, len(h.errorCodes))
		for code, n := range h.errorCodes {
			snap.ErrorCodes[code] = n
		}
	}
	samples := h.latency.ordered()
	snap.P50Ns = percentile(samples, 0.50)
	snap.P95Ns = percentile(samples, 0.95)
	snap.P99Ns = percentile(samples, 0.99)
	return snap
}

type latencyRing struct {
	samples []int64
	next    int
	filled  int
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{samples: make([]int64, size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.next] = int64(d)
	r.next = (r.next + 1) % len(r.samples)
	if r.filled < len(r.samples) {
		r.filled++
	}
}

func (r *latencyRing) ordered() []int64 {
	out := make([]int64, r.filled)
	for i := 0; i < r.filled; i++ {
		idx := r.next - r.filled + i
		if idx < 0 {
			idx += len(r.samples)
		}
		out[i] = r.samples[idx]
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func percentile(sorted []int64, quantile float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if quantile <= 0 {
		return sorted[0]
	}
	if quantile >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := quantile * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}
