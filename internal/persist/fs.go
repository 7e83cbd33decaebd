package persist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/salt"
	"github.com/patchlings/telemetry-engine/internal/state"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
	"github.com/patchlings/telemetry-engine/internal/world"
)

// ErrCorruptWorldFile is returned when world.json exists but cannot be
// decoded.
var ErrCorruptWorldFile = errors.New("persist: corrupt world.json")

// FSStore persists every artifact under Paths.PatchlingsDir() (§4.7).
type FSStore struct {
	paths state.Paths
}

// NewFSStore creates an FSStore and ensures its directories exist.
func NewFSStore(paths state.Paths) (*FSStore, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	return &FSStore{paths: paths}, nil
}

// LoadWorld implements Store.
func (s *FSStore) LoadWorld() (*world.World, bool, error) {
	data, err := os.ReadFile(s.paths.WorldFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persist: read world.json: %w", err)
	}
	var w world.World
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptWorldFile, err)
	}
	return &w, true, nil
}

// SaveWorld implements Store, rewriting world.json atomically.
func (s *FSStore) SaveWorld(w *world.World) error {
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal world: %w", err)
	}
	return writeFileAtomic(s.paths.WorldFile(), data)
}

// LoadChapters implements Store, reading chapters.ndjson in full (limit
// trims to the most recent N entries, as the caller asked to resume with a
// bounded in-memory log).
func (s *FSStore) LoadChapters(limit int) ([]chapter.Summary, error) {
	f, err := os.Open(s.paths.ChaptersFile())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: open chapters.ndjson: %w", err)
	}
	defer f.Close()

	var all []chapter.Summary
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c chapter.Summary
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("persist: decode chapter line: %w", err)
		}
		all = append(all, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("persist: scan chapters.ndjson: %w", err)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// AppendChapter implements Store.
func (s *FSStore) AppendChapter(c chapter.Summary) error {
	line, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("persist: marshal chapter: %w", err)
	}
	return appendLine(s.paths.ChaptersFile(), line)
}

// AppendRecordingAt implements Store.
func (s *FSStore) AppendRecordingAt(runID string, index int, e telemetry.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("persist: marshal event: %w", err)
	}
	return appendLine(s.paths.RecordingFile(runID, index), line)
}

// LoadSalts implements salt.Store.
func (s *FSStore) LoadSalts() (salt.File, bool, error) {
	data, err := os.ReadFile(s.paths.SaltsFile())
	if errors.Is(err, os.ErrNotExist) {
		return salt.File{}, false, nil
	}
	if err != nil {
		return salt.File{}, false, fmt.Errorf("persist: read salts.json: %w", err)
	}
	var f salt.File
	if err := json.Unmarshal(data, &f); err != nil {
		return salt.File{}, false, fmt.Errorf("persist: decode salts.json: %w", err)
	}
	return f, true, nil
}

// SaveSalts implements salt.Store.
func (s *FSStore) SaveSalts(f salt.File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal salts: %w", err)
	}
	return writeFileAtomic(s.paths.SaltsFile(), data)
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persist: create parent dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("persist: append to %s: %w", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persist: write temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: rename temp file into %s: %w", path, err)
	}
	return nil
}
