package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchlings/telemetry-engine/internal/engine"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	opts, err := Load(dir, nil)
	require.NoError(t, err)
	require.Equal(t, dir, opts.WorkspaceRoot)
	require.Equal(t, engine.DefaultThreshold, opts.Threshold)
	require.Equal(t, engine.StorageFS, opts.StorageMode)
	require.False(t, opts.RecordTelemetry)
	require.False(t, opts.AllowContent)
}

func TestLoadProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".patchlings.yaml"), []byte(
		"events_per_second_threshold: 42\nstorage_mode: memory\nrecord_telemetry: true\n",
	), 0o644))

	opts, err := Load(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 42, opts.Threshold)
	require.Equal(t, engine.StorageMemory, opts.StorageMode)
	require.True(t, opts.RecordTelemetry)
}

func TestLoadEnvOverridesProjectConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".patchlings.yaml"), []byte(
		"events_per_second_threshold: 42\n",
	), 0o644))
	t.Setenv("PATCHLINGS_EVENTS_PER_SECOND_THRESHOLD", "99")

	opts, err := Load(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 99, opts.Threshold)
}

func TestLoadExplicitOverridesWinOverEverything(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".patchlings.yaml"), []byte(
		"events_per_second_threshold: 42\n",
	), 0o644))
	t.Setenv("PATCHLINGS_EVENTS_PER_SECOND_THRESHOLD", "99")

	threshold := 7
	opts, err := Load(dir, &Overrides{Threshold: &threshold})
	require.NoError(t, err)
	require.Equal(t, 7, opts.Threshold)
}

func TestLoadRejectsInvalidStorageMode(t *testing.T) {
	dir := t.TempDir()
	mode := "tape"
	_, err := Load(dir, &Overrides{StorageMode: &mode})
	require.ErrorIs(t, err, ErrInvalidStorageMode)
}

func TestLoadRejectsNonPositiveThreshold(t *testing.T) {
	dir := t.TempDir()
	threshold := 0
	_, err := Load(dir, &Overrides{Threshold: &threshold})
	require.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestLoadMissingProjectConfigIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, nil)
	require.NoError(t, err)
}
