package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type DurationStats struct {
	Status  string  `json:"status"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type Counter struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type DurationSnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Statuses    []DurationStats `json:"statuses"`
	Counters    []Counter       `json:"counters,omitempty"`
}

// durationWindow keeps the last maxSamples durations per status in a ring.
type durationWindow struct {
	mu         sync.RWMutex
	maxSamples int
	rings      map[string]*ring
	counters   map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newDurationWindow(maxSamples int) *durationWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &durationWindow{
		maxSamples: maxSamples,
		rings:      make(map[string]*ring),
		counters:   make(map[string]int),
	}
}

func (w *durationWindow) Observe(status string, ms float64) {
	if status == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.rings[status]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.rings[status] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next++
	if r.next >= len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (w *durationWindow) Count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counters[name]++
}

func (w *durationWindow) Snapshot() DurationSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.rings))
	for status := range w.rings {
		keys = append(keys, status)
	}
	sort.Strings(keys)

	statuses := make([]DurationStats, 0, len(keys))
	for _, status := range keys {
		r := w.rings[status]
		n := r.next
		if r.filled {
			n = len(r.values)
		}
		if n == 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, r.values[:n])
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		statuses = append(statuses, DurationStats{
			Status:  status,
			Samples: n,
			LastMS:  round2(r.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}

	names := make([]string, 0, len(w.counters))
	for name := range w.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	counters := make([]Counter, 0, len(names))
	for _, name := range names {
		counters = append(counters, Counter{Name: name, Count: w.counters[name]})
	}

	return DurationSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Statuses:    statuses,
		Counters:    counters,
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
