// Package backpressure implements the per-(run, second) rate-limiting
// Aggregator (§4.3). It is grounded on the teacher's CircuitBreaker
// (internal/capture/circuit_breaker.go): a single struct owns its own
// mutex, tracks a fixed per-second window, and flips behavior once a threshold is
// crossed — generalized here from "open/close a circuit" to "pass through
// or fold into a synthesized summary event".
package backpressure

import (
	"sort"
	"strings"
	"sync"

	"github.com/patchlings/telemetry-engine/internal/telemetry"
)

// DefaultThreshold is the events-per-second cutoff above which low-value
// events start folding into summaries (§4.3).
const DefaultThreshold = 120

// lowValueSubstrings are matched against the lowercased event name.
var lowValueSubstrings = []string{"progress", "delta", "heartbeat"}

// IsLowValue reports whether an (unfiltered, pre-aggregation) event
// qualifies as low-value per the glossary definition.
func IsLowValue(e telemetry.Event) bool {
	if e.Kind == telemetry.KindLog {
		return true
	}
	if e.Severity == telemetry.SeverityDebug {
		return true
	}
	lower := strings.ToLower(e.Name)
	for _, sub := range lowValueSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// bucketKey identifies a fold bucket: (kind, name) within one second.
type bucketKey struct {
	kind telemetry.Kind
	name string
}

type bucket struct {
	count  int
	lastTS int64 // millis
}

type runState struct {
	second     int64 // -1 until first event observed
	count      int
	buckets    map[bucketKey]*bucket
	peakPerSec int
}

// Bucket is a flushed aggregation bucket, used to synthesize a
// metric.backpressure.summary event (§4.3).
type Bucket struct {
	Second    int64
	Kind      telemetry.Kind
	Name      string
	Count     int
	LastTSMs  int64
}

// Aggregator holds per-run, per-second window state. It is not safe to share
// across engine instances but is safe for the engine's own serial use plus
// any concurrent query methods that only read counters.
type Aggregator struct {
	mu        sync.Mutex
	threshold int
	runs      map[string]*runState
}

// New creates an Aggregator with the given threshold (DefaultThreshold if
// threshold <= 0).
func New(threshold int) *Aggregator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Aggregator{threshold: threshold, runs: map[string]*runState{}}
}

// Threshold returns the configured events-per-second cutoff.
func (a *Aggregator) Threshold() int { return a.threshold }

// Decision is the outcome of offering one event to the aggregator.
type Decision struct {
	Accept        bool
	FlushedBefore []Bucket // buckets to flush before this event, in deterministic order
	PeakPerSec    int      // the run's peak events/sec after counting this event
}

// Offer applies §4.3 steps 1-6 to one external event and returns whether it
// should pass through, plus any buckets that must flush (and be
// synthesized into summary events) before it.
func (a *Aggregator) Offer(runID string, e telemetry.Event) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	rs := a.runFor(runID)
	second := e.TS.UnixMilli() / 1000

	var flushed []Bucket
	if rs.second != second {
		flushed = flushBefore(rs, second)
		rs.second = second
		rs.count = 0
	}

	rs.count++
	if rs.count > rs.peakPerSec {
		rs.peakPerSec = rs.count
	}

	if rs.count <= a.threshold {
		return Decision{Accept: true, FlushedBefore: flushed, PeakPerSec: rs.peakPerSec}
	}
	if !IsLowValue(e) {
		return Decision{Accept: true, FlushedBefore: flushed, PeakPerSec: rs.peakPerSec}
	}

	key := bucketKey{kind: e.Kind, name: e.Name}
	b, ok := rs.buckets[key]
	if !ok {
		b = &bucket{}
		rs.buckets[key] = b
	}
	b.count++
	b.lastTS = e.TS.UnixMilli()

	return Decision{Accept: false, FlushedBefore: flushed, PeakPerSec: rs.peakPerSec}
}

// FlushAll flushes every bucket for runID regardless of second, used ahead
// of a turn-boundary event and by flush_run_aggregates (§4.3, §6).
func (a *Aggregator) FlushAll(runID string) []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	rs, ok := a.runs[runID]
	if !ok {
		return nil
	}
	return flushBuckets(rs, rs.buckets)
}

// PeakPerSec returns the run's peak events/sec observed so far.
func (a *Aggregator) PeakPerSec(runID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs, ok := a.runs[runID]
	if !ok {
		return 0
	}
	return rs.peakPerSec
}

func (a *Aggregator) runFor(runID string) *runState {
	rs, ok := a.runs[runID]
	if !ok {
		rs = &runState{second: -1, buckets: map[bucketKey]*bucket{}}
		a.runs[runID] = rs
	}
	return rs
}

// flushBefore flushes buckets for seconds strictly less than newSecond.
func flushBefore(rs *runState, newSecond int64) []Bucket {
	stale := map[bucketKey]*bucket{}
	// Buckets are not individually second-tagged beyond rs.second, since a
	// runState only ever holds buckets for its current second (buckets are
	// flushed every time the second changes). So "flush before newSecond"
	// is simply "flush everything currently held".
	for k, b := range rs.buckets {
		stale[k] = b
	}
	flushed := flushBuckets(rs, stale)
	rs.buckets = map[bucketKey]*bucket{}
	return flushed
}

// flushBuckets converts buckets into sorted Bucket values and clears them
// from rs (caller decides whether to replace rs.buckets wholesale).
func flushBuckets(rs *runState, buckets map[bucketKey]*bucket) []Bucket {
	out := make([]Bucket, 0, len(buckets))
	for k, b := range buckets {
		out = append(out, Bucket{Second: rs.second, Kind: k.kind, Name: k.name, Count: b.count, LastTSMs: b.lastTS})
		delete(buckets, k)
	}
	// Deterministic flush order: ascending (second, kind, name) (§4.3).
	sort.Slice(out, func(i, j int) bool {
		if out[i].Second != out[j].Second {
			return out[i].Second < out[j].Second
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
