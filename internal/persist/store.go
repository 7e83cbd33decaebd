// Package persist implements the Persistence component (§4.7): world
// snapshot (overwrite), chapters (append-only), recordings (append-only,
// size-rotated), and salts (overwrite). It is grounded on the teacher's
// internal/state path resolution plus internal/audit's bounded, queryable
// write log, generalized from tool-call auditing to persistence-operation
// auditing.
package persist

import (
	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/salt"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
	"github.com/patchlings/telemetry-engine/internal/world"
)

// Store is the full persistence contract the engine depends on. FSStore and
// MemStore both implement it; engine.Options selects which backs a given
// engine instance (§6's storage mode option).
type Store interface {
	salt.Store

	// LoadWorld loads world.json, returning (nil, false, nil) if absent.
	LoadWorld() (*world.World, bool, error)
	// SaveWorld rewrites world.json in full (§4.7: "rewritten on every batch").
	SaveWorld(*world.World) error

	// LoadChapters loads the last limit chapter summaries from
	// chapters.ndjson in close order (limit <= 0 loads everything).
	LoadChapters(limit int) ([]chapter.Summary, error)
	// AppendChapter appends one summary to chapters.ndjson.
	AppendChapter(chapter.Summary) error

	// AppendRecordingAt appends one accepted event to the run's recording
	// file at the given rotation index (§4.7). Callers determine index via
	// RotateRecording before scheduling this as an async write, so rotation
	// bookkeeping stays on the engine's synchronous, serial path.
	AppendRecordingAt(runID string, index int, e telemetry.Event) error
}

// defaultMaxRecordingBytes is the rotation threshold used when a caller
// passes maxBytes <= 0.
const defaultMaxRecordingBytes = 2 * 1024 * 1024

// RotateRecording mutates run's recording bookkeeping synchronously (pure
// CPU-bound state, per §5: only I/O may be scheduled asynchronously) and
// returns the rotation index the caller should write the next line to.
// lineSize should be a reasonable estimate of the encoded line's byte
// length, e.g. len(json.Marshal(e))+1.
func RotateRecording(run *world.Run, lineSize, maxBytes int64) int {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRecordingBytes
	}
	if run.RecordingBytes > 0 && run.RecordingBytes+lineSize > maxBytes {
		run.RecordingIndex++
		run.RecordingBytes = 0
	}
	run.RecordingBytes += lineSize
	return run.RecordingIndex
}
