package world

import (
	"fmt"
	"sort"
	"strings"

	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/salt"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
)

const (
	nameTurnStarted   = "turn.started"
	nameTurnCompleted = "turn.completed"
	nameTurnFailed    = "turn.failed"
)

// Reducer mutates a World and its companion chapter.Tracker on every
// accepted event (§4.4). One Reducer exclusively owns both, matching the
// single-writer model of §5.
type Reducer struct {
	World         *World
	Chapters      *chapter.Tracker
	WorkspaceSalt string
	Threshold     int
}

// NewReducer builds a Reducer over an existing World and Tracker.
func NewReducer(w *World, tracker *chapter.Tracker, workspaceSalt string, threshold int) *Reducer {
	return &Reducer{World: w, Chapters: tracker, WorkspaceSalt: workspaceSalt, Threshold: threshold}
}

// EnsureRun returns the run's state, creating it (with last_upstream_seq
// = -1, internal_seq at its offset) on first observation. Exported so the
// engine can look up dedup state before the event reaches Reduce.
func (r *Reducer) EnsureRun(runID string) *Run {
	return r.World.runFor(runID)
}

// NextInternalSeq bumps and returns the run's internal sequence counter,
// used to mint synthesized backpressure-summary events (§4.3, §4.6).
func (r *Reducer) NextInternalSeq(runID string) int64 {
	run := r.World.runFor(runID)
	run.InternalSeq++
	return run.InternalSeq
}

// RecordDuplicate increments duplicate counters for a suppressed external
// event (§4.6).
func (r *Reducer) RecordDuplicate(runID string) {
	run := r.World.runFor(runID)
	run.DuplicateEvents++
	r.World.Counters.DuplicateEvents++
}

// RecordDroppedLowValue increments drop counters for a folded event
// (§4.3) at the run, world, and open-chapter level.
func (r *Reducer) RecordDroppedLowValue(runID string) {
	run := r.World.runFor(runID)
	run.DroppedLowValueEvents++
	r.World.Counters.DroppedLowValueEvents++
	if o := r.Chapters.Current(runID); o != nil {
		o.DroppedLowValue++
	}
}

// RecordBackpressureSummary increments the world's summaries-emitted
// counter and the open chapter's, used when a flushed bucket is
// synthesized into an event (§4.3).
func (r *Reducer) RecordBackpressureSummary(runID string) {
	r.World.Counters.BackpressureSummaries++
	if o := r.Chapters.Current(runID); o != nil {
		o.SummariesEmitted++
	}
}

// RecordPeak updates the run's and open chapter's peak events/sec
// observed, reported by the backpressure aggregator on each Offer.
func (r *Reducer) RecordPeak(runID string, peak int) {
	run := r.World.runFor(runID)
	if peak > run.PeakEventsPerSec {
		run.PeakEventsPerSec = peak
	}
	if o := r.Chapters.Current(runID); o != nil && peak > o.PeakEventsPerSec {
		o.PeakEventsPerSec = peak
	}
}

// AdvanceUpstreamSeq records acceptance of an external event for dedup
// purposes (§4.6): updates last_upstream_seq and bumps internal_seq to
// never fall behind observed external seqs.
func (r *Reducer) AdvanceUpstreamSeq(runID string, upstreamSeq, seq int64) {
	run := r.World.runFor(runID)
	run.LastUpstreamSeq = upstreamSeq
	run.LastSeq = upstreamSeq
	if seq > run.InternalSeq {
		run.InternalSeq = seq
	}
}

// Reduce applies one accepted event to the world and open-chapter state,
// returning a chapter closed as a side effect (an interrupted chapter
// closed by a fresh turn.started, or the chapter closed by a terminal
// event), or nil if none closed.
func (r *Reducer) Reduce(e telemetry.Event) *chapter.Summary {
	run := r.World.runFor(e.RunID)
	run.LastTS = e.TS
	r.World.UpdatedAt = e.TS

	run.EventCount++
	r.World.Counters.Events++

	var closed *chapter.Summary
	switch {
	case e.Kind == telemetry.KindTurn && e.Name == nameTurnStarted:
		closed = r.openChapter(run, e)
	case e.Kind == telemetry.KindTurn && e.Name == nameTurnCompleted:
		closed = r.closeChapter(e, chapter.StatusCompleted)
	case e.Kind == telemetry.KindTurn && e.Name == nameTurnFailed:
		closed = r.closeChapter(e, chapter.StatusFailed)
	default:
		r.reduceNonTurn(run, e)
	}

	if e.Kind == telemetry.KindError || e.Severity == telemetry.SeverityError {
		run.Errors++
		if o := r.Chapters.Current(e.RunID); o != nil {
			o.Errors++
		}
	}

	return closed
}

func (r *Reducer) openChapter(run *Run, e telemetry.Event) *chapter.Summary {
	turnIndex := int(run.ChapterCount) + 1
	chapterID := fmt.Sprintf("%s:%d", e.RunID, turnIndex)
	title := deriveTitle(e.Attrs)

	res := r.Chapters.Start(e.RunID, chapterID, turnIndex, e.TS, e.Seq, title, r.Threshold)
	run.ChapterCount++

	if res.Interrupted != nil {
		r.World.Counters.Chapters++
		return res.Interrupted
	}
	return nil
}

func (r *Reducer) closeChapter(e telemetry.Event, status chapter.Status) *chapter.Summary {
	summary, ok := r.Chapters.CloseTerminal(e.RunID, status, e.TS, e.Seq, r.Threshold)
	if !ok {
		return nil
	}
	r.World.Counters.Chapters++
	return summary
}

// reduceNonTurn folds a non-turn event into the run's open chapter
// (creating one implicitly if needed) and applies per-kind counters
// (§4.4).
func (r *Reducer) reduceNonTurn(run *Run, e telemetry.Event) {
	o := r.ensureOpenChapter(run, e)

	switch e.Kind {
	case telemetry.KindTool:
		run.ToolInvocations++
		toolName := resolveToolName(e.Attrs, e.Name)
		o.ToolCounts[toolName]++
		patchlingID := salt.Hash(toolName, r.WorkspaceSalt)
		r.World.patchlingFor(patchlingID).InvocationCount++

	case telemetry.KindFile:
		run.FileTouches++
		r.reduceFile(o, e)

	case telemetry.KindTest:
		lower := strings.ToLower(e.Name)
		switch {
		case strings.Contains(lower, "pass"):
			run.TestsPass++
			o.TestsPass++
		case strings.Contains(lower, "fail"):
			run.TestsFail++
			o.TestsFail++
		}

	case telemetry.KindError, telemetry.KindLog, telemetry.KindGit, telemetry.KindSpawn, telemetry.KindMetric:
		// No counter side effects beyond step 2's event_count (§4.4); the
		// error counter (kind=error or severity=error) is applied uniformly
		// in Reduce, not here, so it is never double-counted.
	}
}

func (r *Reducer) reduceFile(o *chapter.Open, e telemetry.Event) {
	pathID, regionID := resolvePathAndRegion(e.Attrs)
	if pathID == "" {
		return
	}
	if regionID == "" {
		regionID = UnknownRegionID
	}

	f, exists := r.World.Files[pathID]
	if !exists {
		f = &File{RegionID: regionID}
		r.World.Files[pathID] = f
		r.World.regionFor(regionID).FileCount++
	}
	r.World.regionFor(f.RegionID).TouchCount++
	f.TouchCount++
	f.LastEventName = e.Name
	o.FilesTouched[pathID] = struct{}{}
}

func (r *Reducer) ensureOpenChapter(run *Run, e telemetry.Event) *chapter.Open {
	o := r.Chapters.Current(e.RunID)
	if o == nil {
		turnIndex := int(run.ChapterCount) + 1
		chapterID := fmt.Sprintf("%s:%d", e.RunID, turnIndex)
		o = r.Chapters.EnsureImplicit(e.RunID, chapterID, turnIndex, e.TS, e.Seq)
		run.ChapterCount++
	}
	o.EventCount++
	o.LatestTS = e.TS
	o.LatestSeq = e.Seq
	return o
}

// resolveToolName implements §4.4's tool-name resolution order.
func resolveToolName(attrs telemetry.Attrs, fallback string) string {
	for _, key := range []string{"tool_name", "tool", "adapter_tool"} {
		if s, ok := attrs[key].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// resolvePathAndRegion scans attrs for the redactor's hashed-path key
// variants, per §4.4's key-preference order. Candidate keys are visited
// in sorted order so the result is deterministic even when more than one
// path-like attribute was present on the original event.
func resolvePathAndRegion(attrs telemetry.Attrs) (pathID, regionID string) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.HasSuffix(k, "_stable_hash") && !strings.HasSuffix(k, "_stable_dir_hash") {
			if s, ok := attrs[k].(string); ok {
				pathID = s
				break
			}
		}
	}
	if pathID == "" {
		for _, k := range keys {
			if strings.HasSuffix(k, "_hash") && !strings.HasSuffix(k, "_dir_hash") && strings.Contains(k, "path") {
				if s, ok := attrs[k].(string); ok {
					pathID = s
					break
				}
			}
		}
	}

	for _, k := range keys {
		if strings.HasSuffix(k, "_stable_dir_hash") {
			if s, ok := attrs[k].(string); ok {
				regionID = s
				break
			}
		}
	}
	if regionID == "" {
		for _, k := range keys {
			if strings.HasSuffix(k, "_dir_hash") {
				if s, ok := attrs[k].(string); ok {
					regionID = s
					break
				}
			}
		}
	}

	return pathID, regionID
}

// deriveTitle implements §4.5's safe-title derivation. Raw prompt text is
// never eligible, since the redactor has already dropped it by the time
// an event reaches the reducer.
func deriveTitle(attrs telemetry.Attrs) string {
	for _, key := range []string{"prompt_hash", "prompt_stable_hash", "prompt_id"} {
		if s, ok := attrs[key].(string); ok && s != "" {
			return "Prompt " + s
		}
	}
	for _, key := range []string{"label", "turn_label"} {
		if s, ok := attrs[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
