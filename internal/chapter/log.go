package chapter

import "github.com/patchlings/telemetry-engine/internal/buffers"

// Log is the bounded in-memory chapter history used to serve get_chapters
// and get_chapters_by_run without a storage round-trip, trimmed to
// max_chapters_in_memory (§4.5, §6). Persistence of the full history is a
// separate concern (internal/persist appends every Summary to
// chapters.ndjson regardless of what Log currently holds).
type Log struct {
	buf *buffers.RingBuffer[Summary]
}

// NewLog creates a Log capped at capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log{buf: buffers.NewRingBuffer[Summary](capacity)}
}

// Append records a newly closed chapter.
func (l *Log) Append(s Summary) {
	l.buf.WriteOne(s)
}

// Recent returns up to limit of the most recently closed chapters, oldest
// first. limit <= 0 means "all currently held".
func (l *Log) Recent(limit int) []Summary {
	if limit <= 0 {
		return l.buf.ReadAll()
	}
	return l.buf.ReadLast(limit)
}

// ByRun returns up to limit of the most recent chapters for one run, oldest
// first. limit <= 0 means "all currently held".
func (l *Log) ByRun(runID string, limit int) []Summary {
	matches := l.buf.ReadAllWithFilter(func(s Summary) bool { return s.RunID == runID }, 0)
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches
}
