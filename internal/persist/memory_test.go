package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
	"github.com/patchlings/telemetry-engine/internal/world"
)

func TestMemStoreWorldRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	_, ok, err := s.LoadWorld()
	require.NoError(t, err)
	require.False(t, ok)

	w := world.New("ws-1", time.Now())
	require.NoError(t, s.SaveWorld(w))

	loaded, ok, err := s.LoadWorld()
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, w, loaded)
}

func TestMemStoreChaptersAppendAndLimit(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	require.NoError(t, s.AppendChapter(chapter.Summary{ChapterID: "ch-1"}))
	require.NoError(t, s.AppendChapter(chapter.Summary{ChapterID: "ch-2"}))

	limited, err := s.LoadChapters(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "ch-2", limited[0].ChapterID)
}

func TestMemStoreAppendRecordingRotates(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	run := &world.Run{}
	e := telemetry.Event{SchemaVersion: 1, RunID: "run-1", Kind: telemetry.KindLog, Name: "log.x", TS: time.Now()}

	idx := RotateRecording(run, 20, 10)
	require.NoError(t, s.AppendRecordingAt("run-1", idx, e))
	idx = RotateRecording(run, 20, 10)
	require.NoError(t, s.AppendRecordingAt("run-1", idx, e))
	require.Equal(t, 1, run.RecordingIndex)
	require.Len(t, s.recordings[recordingKey("run-1", 0)], 1)
	require.Len(t, s.recordings[recordingKey("run-1", 1)], 1)
}
