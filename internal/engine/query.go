package engine

import (
	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/world"
)

// GetWorld returns the current world snapshot (§6's get_world).
func (e *Engine) GetWorld() *world.World {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.world
}

// GetChapters returns the most recent limit closed chapters across all
// runs, in close order (limit <= 0 returns everything retained in
// memory).
func (e *Engine) GetChapters(limit int) []chapter.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chapterLog.Recent(limit)
}

// GetChaptersByRun returns the most recent limit closed chapters for one
// run, in close order.
func (e *Engine) GetChaptersByRun(runID string, limit int) []chapter.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chapterLog.ByRun(runID, limit)
}

// GetWorkspaceSalt returns the hex-encoded workspace salt.
func (e *Engine) GetWorkspaceSalt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.salts.WorkspaceSalt()
}

// GetRunSalt returns the hex-encoded salt for runID, minting and
// persisting one if this is the first time the run has been seen.
func (e *Engine) GetRunSalt(runID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.salts.RunSalt(runID)
}

// GetPatchlingsDir returns the workspace-local internal directory
// (default .patchlings/). Empty when the engine was constructed in
// memory storage mode, which has no filesystem footprint.
func (e *Engine) GetPatchlingsDir() string {
	if !e.hasPaths {
		return ""
	}
	return e.paths.PatchlingsDir()
}

// GetStoryDir returns the directory story-facing artifacts (chapters,
// world snapshot) live under.
func (e *Engine) GetStoryDir() string {
	if !e.hasPaths {
		return ""
	}
	return e.paths.StoryDir()
}

// GetRecordingsDir returns the directory recording files live under.
func (e *Engine) GetRecordingsDir() string {
	if !e.hasPaths {
		return ""
	}
	return e.paths.RecordingsDir()
}
