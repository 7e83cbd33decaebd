// Package chapter implements the open-chapter state machine and the
// immutable ChapterSummary it produces on close (§4.4 "Turn events", §4.5).
// Open and Summary are deliberately distinct types — separating transient,
// mutable turn state from the immutable record it becomes on close prevents
// accidental mutation of a summary once it has been handed to a caller or
// appended to the log, per the design notes' tagged-union guidance.
package chapter

import (
	"sort"
	"sync"
	"time"
)

// Status is the terminal state a chapter closes with.
type Status string

// Recognized terminal statuses.
const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Open is the in-memory-only state of a chapter currently underway for one
// run. It is never persisted; only its derived Summary is.
type Open struct {
	RunID      string
	ChapterID  string
	TurnIndex  int
	StartedTS  time.Time
	StartedSeq int64
	LatestTS   time.Time
	LatestSeq  int64
	Title      string

	FilesTouched     map[string]struct{}
	ToolCounts       map[string]int64
	TestsPass        int64
	TestsFail        int64
	Errors           int64
	DroppedLowValue  int64
	SummariesEmitted int64
	PeakEventsPerSec int
	EventCount       int64
}

func newOpen(runID, chapterID string, turnIndex int, ts time.Time, seq int64, title string) *Open {
	return &Open{
		RunID:        runID,
		ChapterID:    chapterID,
		TurnIndex:    turnIndex,
		StartedTS:    ts,
		StartedSeq:   seq,
		LatestTS:     ts,
		LatestSeq:    seq,
		Title:        title,
		FilesTouched: map[string]struct{}{},
		ToolCounts:   map[string]int64{},
	}
}

// TestCounts mirrors the persisted {pass,fail} shape.
type TestCounts struct {
	Pass int64 `json:"pass"`
	Fail int64 `json:"fail"`
}

// Backpressure is the persisted backpressure forensics block (§3).
type Backpressure struct {
	DroppedLowValue  int64 `json:"dropped_low_value"`
	PeakEventsPerSec int   `json:"peak_events_per_sec"`
	Threshold        int   `json:"threshold"`
	SummariesEmitted int64 `json:"summaries_emitted"`
}

// Summary is the immutable, persisted chapter record (§3).
type Summary struct {
	V            int          `json:"v"`
	RunID        string       `json:"run_id"`
	ChapterID    string       `json:"chapter_id"`
	TurnIndex    int          `json:"turn_index"`
	Status       Status       `json:"status"`
	StartedTS    time.Time    `json:"started_ts"`
	CompletedTS  time.Time    `json:"completed_ts"`
	DurationMS   int64        `json:"duration_ms"`
	SeqStart     int64        `json:"seq_start"`
	SeqEnd       int64        `json:"seq_end"`
	FilesTouched []string     `json:"files_touched"`
	ToolsUsed    map[string]int64 `json:"tools_used"`
	Tests        TestCounts   `json:"tests"`
	Errors       int64        `json:"errors"`
	Backpressure Backpressure `json:"backpressure"`
	Title        string       `json:"title,omitempty"`
}

// close converts an Open into its immutable Summary. Must be called with
// the tracker's lock held (it only reads o, which the caller is about to
// discard).
func (o *Open) close(status Status, completedTS time.Time, completedSeq int64, threshold int) *Summary {
	duration := completedTS.Sub(o.StartedTS).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	files := make([]string, 0, len(o.FilesTouched))
	for f := range o.FilesTouched {
		files = append(files, f)
	}
	sort.Strings(files)

	tools := make(map[string]int64, len(o.ToolCounts))
	for name, count := range o.ToolCounts {
		tools[name] = count
	}

	return &Summary{
		V:           1,
		RunID:       o.RunID,
		ChapterID:   o.ChapterID,
		TurnIndex:   o.TurnIndex,
		Status:      status,
		StartedTS:   o.StartedTS,
		CompletedTS: completedTS,
		DurationMS:  duration,
		SeqStart:    o.StartedSeq,
		SeqEnd:      completedSeq,
		FilesTouched: files,
		ToolsUsed:    tools,
		Tests:        TestCounts{Pass: o.TestsPass, Fail: o.TestsFail},
		Errors:       o.Errors,
		Backpressure: Backpressure{
			DroppedLowValue:  o.DroppedLowValue,
			PeakEventsPerSec: o.PeakEventsPerSec,
			Threshold:        threshold,
			SummariesEmitted: o.SummariesEmitted,
		},
		Title: o.Title,
	}
}

// Tracker owns the at-most-one-open-chapter-per-run invariant (§3 invariant
// 2). It is exclusively held by one engine instance, matching the
// single-writer model of §5.
type Tracker struct {
	mu   sync.Mutex
	open map[string]*Open
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{open: map[string]*Open{}}
}

// Current returns the run's open chapter, or nil if none.
func (t *Tracker) Current(runID string) *Open {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[runID]
}

// Restore seeds the tracker with an already-open chapter, replacing any
// chapter open for that run. The engine does not call it: open-chapter
// state does not survive a process restart.
func (t *Tracker) Restore(o *Open) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[o.RunID] = o
}

// StartResult is returned by Start.
type StartResult struct {
	Opened   *Open
	Interrupted *Summary // non-nil if a prior open chapter was interrupted
}

// Start opens a new chapter for runID, interrupting any chapter already
// open for that run (§4.4 turn.started). turnIndex is the caller-supplied
// 1-based index (run.chapter_count + 1).
func (t *Tracker) Start(runID, chapterID string, turnIndex int, ts time.Time, seq int64, title string, threshold int) StartResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var interrupted *Summary
	if prior, ok := t.open[runID]; ok {
		interrupted = prior.close(StatusInterrupted, ts, seq, threshold)
	}

	o := newOpen(runID, chapterID, turnIndex, ts, seq, title)
	o.EventCount = 1 // counts the turn.started event itself (§4.4)
	o.LatestTS, o.LatestSeq = ts, seq
	t.open[runID] = o

	return StartResult{Opened: o, Interrupted: interrupted}
}

// EnsureImplicit returns the run's open chapter, creating one implicitly
// (started from the triggering event) if none exists (§4.4 "Non-turn
// events"). chapterID/turnIndex are only used if a new chapter is created.
func (t *Tracker) EnsureImplicit(runID, chapterID string, turnIndex int, ts time.Time, seq int64) *Open {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o, ok := t.open[runID]; ok {
		return o
	}
	o := newOpen(runID, chapterID, turnIndex, ts, seq, "")
	t.open[runID] = o
	return o
}

// CloseTerminal closes the run's open chapter (if any) with the given
// terminal status. Returns (nil, false) if no chapter is open — a no-op
// per §7 item 5 (programmer error, defined empty result, never throws).
func (t *Tracker) CloseTerminal(runID string, status Status, ts time.Time, seq int64, threshold int) (*Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.open[runID]
	if !ok {
		return nil, false
	}
	delete(t.open, runID)
	return o.close(status, ts, seq, threshold), true
}
