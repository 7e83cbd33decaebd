package persist

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/patchlings/telemetry-engine/internal/buffers"
)

// WriteKind labels a scheduled persistence operation for RecentWrites.
type WriteKind string

// Recognized write kinds.
const (
	WriteKindWorld     WriteKind = "world"
	WriteKindChapter   WriteKind = "chapter"
	WriteKindRecording WriteKind = "recording"
	WriteKindSalts     WriteKind = "salts"
)

// WriteRecord is one entry in the in-memory write audit log (a supplement
// beyond spec.md, grounded on the teacher's internal/audit/audit_trail.go —
// same bounded, queryable-by-recency shape, scoped to persistence writes
// instead of tool calls).
type WriteRecord struct {
	ID    string
	Kind  WriteKind
	Path  string
	Bytes int
	Err   error
	At    time.Time
}

// AuditLog is the engine-lifetime, bounded record of recent writes across
// every batch. It outlives any single Queue.
type AuditLog struct {
	buf *buffers.RingBuffer[WriteRecord]
}

// NewAuditLog creates an AuditLog capped at capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &AuditLog{buf: buffers.NewRingBuffer[WriteRecord](capacity)}
}

// RecentWrites returns up to limit of the most recently recorded writes,
// oldest first (limit <= 0 returns everything currently held).
func (a *AuditLog) RecentWrites(limit int) []WriteRecord {
	if limit <= 0 {
		return a.buf.ReadAll()
	}
	return a.buf.ReadLast(limit)
}

// Queue collects fire-and-forget writes scheduled during one batch and
// awaits them all at batch end (§4.7, §5): "writes are scheduled as
// fire-and-forget tasks... the engine awaits the queue and tolerates
// individual failures without poisoning the engine."
type Queue struct {
	group *errgroup.Group
	audit *AuditLog
}

// NewQueue starts a fresh batch queue that records into the given
// engine-lifetime AuditLog.
func NewQueue(audit *AuditLog) *Queue {
	return &Queue{group: &errgroup.Group{}, audit: audit}
}

// Schedule enqueues one write. fn's error is recorded in the audit log but
// never propagated to the caller of Await (§7 item 4: persistence failures
// are not fatal).
func (q *Queue) Schedule(kind WriteKind, path string, approxBytes int, fn func() error) {
	id := uuid.NewString()
	q.group.Go(func() error {
		err := fn()
		if q.audit != nil {
			q.audit.buf.WriteOne(WriteRecord{
				ID: id, Kind: kind, Path: path, Bytes: approxBytes, Err: err, At: time.Now(),
			})
		}
		return nil // swallow: persistence errors never poison the batch result
	})
}

// Await blocks until every scheduled write in this batch has completed.
// The returned error is always nil by construction (see Schedule); callers
// that want failure visibility should inspect the engine's AuditLog.
func (q *Queue) Await() error {
	return q.group.Wait()
}
