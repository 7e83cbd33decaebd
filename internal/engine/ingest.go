package engine

import (
	"time"

	"github.com/patchlings/telemetry-engine/internal/backpressure"
	"github.com/patchlings/telemetry-engine/internal/persist"
	"github.com/patchlings/telemetry-engine/internal/redact"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
	"github.com/patchlings/telemetry-engine/internal/world"
)

func isTurnBoundaryName(kind telemetry.Kind, name string) bool {
	if kind != telemetry.KindTurn {
		return false
	}
	return name == "turn.started" || name == "turn.completed" || name == "turn.failed"
}

// IngestBatch implements §6's ingest_batch: for each event, redactor ->
// backpressure -> dedup -> reducer -> persist (scheduled, awaited at the
// end). Events within the batch are processed strictly in order (§5).
func (e *Engine) IngestBatch(events []telemetry.Event) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{}
	queue := persist.NewQueue(e.audit)

	for _, raw := range events {
		e.ingestOne(raw, &result, queue)
	}

	e.finishBatch(&result, queue)
	return result, nil
}

// FlushRunAggregates implements §6's flush_run_aggregates: forces a
// terminal flush of buffered backpressure summaries for one run. Per §9's
// open question, it never closes an open chapter on its own.
func (e *Engine) FlushRunAggregates(runID string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{}
	queue := persist.NewQueue(e.audit)

	e.flushAggregatorBuckets(runID, e.aggregator.FlushAll(runID), &result, queue)

	e.finishBatch(&result, queue)
	return result, nil
}

func (e *Engine) ingestOne(raw telemetry.Event, result *Result, queue *persist.Queue) {
	runSalt := e.salts.RunSalt(raw.RunID)
	workspaceSalt := e.salts.WorkspaceSalt()

	safe := raw
	safe.Attrs = redact.Redact(raw.Attrs, redact.Options{
		RunSalt: runSalt, WorkspaceSalt: workspaceSalt, AllowContent: e.allowContent,
	})

	if isTurnBoundaryName(safe.Kind, safe.Name) {
		e.flushAggregatorBuckets(safe.RunID, e.aggregator.FlushAll(safe.RunID), result, queue)
	}

	decision := e.aggregator.Offer(safe.RunID, safe)
	e.flushAggregatorBuckets(safe.RunID, decision.FlushedBefore, result, queue)
	e.reducer.RecordPeak(safe.RunID, decision.PeakPerSec)
	if e.metrics != nil {
		e.metrics.RecordPeak(safe.RunID, decision.PeakPerSec)
	}

	if !decision.Accept {
		e.reducer.RecordDroppedLowValue(safe.RunID)
		result.DroppedLowValueEvents++
		return
	}

	run := e.reducer.EnsureRun(safe.RunID)
	upstreamSeq := safe.UpstreamSeqOrSeq()
	if upstreamSeq <= run.LastUpstreamSeq {
		e.reducer.RecordDuplicate(safe.RunID)
		result.DroppedDuplicateEvents++
		return
	}
	e.reducer.AdvanceUpstreamSeq(safe.RunID, upstreamSeq, safe.Seq)

	e.acceptReduced(safe, result, queue)
}

// flushAggregatorBuckets synthesizes a metric.backpressure.summary event
// per flushed bucket (§4.3) and feeds each directly to the reducer,
// bypassing backpressure and dedup (§4.6).
func (e *Engine) flushAggregatorBuckets(runID string, buckets []backpressure.Bucket, result *Result, queue *persist.Queue) {
	for _, b := range buckets {
		run := e.reducer.EnsureRun(runID)
		seq := e.reducer.NextInternalSeq(runID)
		synth := synthesizeSummary(runID, run, b, seq, e.threshold)
		synth.Attrs = redact.Redact(synth.Attrs, redact.Options{
			RunSalt: e.salts.RunSalt(runID), WorkspaceSalt: e.salts.WorkspaceSalt(), AllowContent: e.allowContent,
		})
		e.reducer.RecordBackpressureSummary(runID)
		e.acceptReduced(synth, result, queue)
	}
}

// synthesizeSummary builds the internal event for one flushed bucket
// (§4.3).
func synthesizeSummary(runID string, run *world.Run, b backpressure.Bucket, seq int64, threshold int) telemetry.Event {
	e := telemetry.Event{
		SchemaVersion: 1,
		RunID:         runID,
		Seq:           seq,
		TS:            time.UnixMilli(b.LastTSMs).UTC(),
		Kind:          telemetry.KindMetric,
		Name:          "metric.backpressure.summary",
		Severity:      telemetry.SeverityInfo,
		Internal:      true,
		Attrs: telemetry.Attrs{
			"patchlings_internal": true,
			"second":              b.Second,
			"source_kind":         string(b.Kind),
			"source_name":         b.Name,
			"count":               b.Count,
			"threshold":           threshold,
		},
	}
	if run.LastUpstreamSeq >= 0 {
		u := run.LastUpstreamSeq
		e.UpstreamSeq = &u
	}
	return e
}

func (e *Engine) acceptReduced(evt telemetry.Event, result *Result, queue *persist.Queue) {
	closed := e.reducer.Reduce(evt)
	result.AcceptedEvents = append(result.AcceptedEvents, evt)

	if closed != nil {
		e.chapterLog.Append(*closed)
		result.ClosedChapters = append(result.ClosedChapters, *closed)
		c := *closed
		queue.Schedule(persist.WriteKindChapter, "chapters.ndjson", 0, func() error {
			return e.store.AppendChapter(c)
		})
		if e.metrics != nil {
			e.metrics.ChaptersClosed.Inc()
		}
	}

	if e.metrics != nil {
		e.metrics.EventsAccepted.Inc()
	}

	if e.recordTelemetry {
		run := e.reducer.EnsureRun(evt.RunID)
		line, err := evt.MarshalJSON()
		if err != nil {
			return
		}
		index := persist.RotateRecording(run, int64(len(line))+1, e.maxRecordingBytes)
		runID, ev := evt.RunID, evt
		queue.Schedule(persist.WriteKindRecording, "recordings", int64(len(line)), func() error {
			return e.store.AppendRecordingAt(runID, index, ev)
		})
	}
}

// finishBatch persists the world snapshot and flushes pending run salts,
// then awaits every scheduled write (§4.7, §5).
func (e *Engine) finishBatch(result *Result, queue *persist.Queue) {
	w := e.world
	queue.Schedule(persist.WriteKindWorld, "world.json", 0, func() error {
		return e.store.SaveWorld(w)
	})
	queue.Schedule(persist.WriteKindSalts, "salts.json", 0, func() error {
		return e.salts.Flush()
	})

	if e.metrics != nil {
		e.metrics.EventsDuplicate.Add(float64(result.DroppedDuplicateEvents))
		e.metrics.EventsDropped.Add(float64(result.DroppedLowValueEvents))
	}

	_ = queue.Await()
	result.World = e.world

	e.log.WithField("events_in_batch", len(result.AcceptedEvents)).
		WithField("dropped", result.DroppedLowValueEvents+result.DroppedDuplicateEvents).
		Debug("batch complete")
}
