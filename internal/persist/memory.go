package persist

import (
	"strconv"
	"sync"

	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/salt"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
	"github.com/patchlings/telemetry-engine/internal/world"
)

// MemStore is the in-memory storage mode (§6): nothing survives process
// exit, but the interface and rotation semantics match FSStore exactly, so
// tests can exercise the engine without touching a filesystem.
type MemStore struct {
	mu         sync.Mutex
	world      *world.World
	chapters   []chapter.Summary
	salts      salt.File
	saltsSet   bool
	recordings map[string][][]byte // "<run>-<index>" -> lines
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{recordings: map[string][][]byte{}}
}

// LoadWorld implements Store.
func (s *MemStore) LoadWorld() (*world.World, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world == nil {
		return nil, false, nil
	}
	return s.world, true, nil
}

// SaveWorld implements Store.
func (s *MemStore) SaveWorld(w *world.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.world = w
	return nil
}

// LoadChapters implements Store.
func (s *MemStore) LoadChapters(limit int) ([]chapter.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append([]chapter.Summary(nil), s.chapters...)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// AppendChapter implements Store.
func (s *MemStore) AppendChapter(c chapter.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters = append(s.chapters, c)
	return nil
}

// AppendRecordingAt implements Store. Rotation bookkeeping has already
// happened synchronously on the caller's side (RotateRecording); this
// method only appends the line at the given index.
func (s *MemStore) AppendRecordingAt(runID string, index int, e telemetry.Event) error {
	line, err := marshalEvent(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordingKey(runID, index)
	s.recordings[key] = append(s.recordings[key], line)
	return nil
}

// LoadSalts implements salt.Store.
func (s *MemStore) LoadSalts() (salt.File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salts, s.saltsSet, nil
}

// SaveSalts implements salt.Store.
func (s *MemStore) SaveSalts(f salt.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.salts = f
	s.saltsSet = true
	return nil
}

func recordingKey(runID string, index int) string {
	if index == 0 {
		return runID
	}
	return runID + "-" + strconv.Itoa(index)
}

func marshalEvent(e telemetry.Event) ([]byte, error) {
	return e.MarshalJSON()
}
