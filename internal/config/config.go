// Package config binds a viper cascade to engine.Options, preserving the
// teacher's priority order (cmd/gasoline-cmd/config/loader.go): defaults <
// global config file < project config file < environment (PATCHLINGS_*) <
// explicit overrides (CLI flags or caller-supplied options).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/patchlings/telemetry-engine/internal/engine"
)

// ErrInvalidStorageMode is returned when storage_mode resolves to anything
// other than "fs" or "memory".
var ErrInvalidStorageMode = errors.New("config: storage_mode must be fs or memory")

// ErrInvalidThreshold is returned when events_per_second_threshold resolves
// to a non-positive value.
var ErrInvalidThreshold = errors.New("config: events_per_second_threshold must be positive")

// globalConfigDir is the per-user directory holding config.yaml (mirrors
// the teacher's ~/.gasoline).
const globalConfigDir = ".patchlings"

// projectConfigName is the project-local config file basename (extension
// resolved by viper from whichever of .yaml/.yml/.json is present).
const projectConfigName = ".patchlings"

// Overrides carries explicit settings (CLI flags) that always win,
// mirroring the teacher's FlagOverrides pointer-means-unset convention.
type Overrides struct {
	WorkspaceRoot   *string
	Threshold       *int
	RecordTelemetry *bool
	StorageMode     *string
	AllowContent    *bool
}

// Load resolves engine.Options for a CLI invocation rooted at projectDir,
// applying the full cascade and then overrides.
func Load(projectDir string, overrides *Overrides) (engine.Options, error) {
	v := viper.New()
	setDefaults(v)

	if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, globalConfigDir))
		_ = mergeIfPresent(v)
	}

	v.SetConfigName(projectConfigName)
	v.AddConfigPath(projectDir)
	if err := mergeIfPresent(v); err != nil {
		return engine.Options{}, fmt.Errorf("config: project config: %w", err)
	}

	v.SetEnvPrefix("PATCHLINGS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	opts := engine.Options{
		WorkspaceRoot:   v.GetString("workspace_root"),
		Threshold:       v.GetInt("events_per_second_threshold"),
		RecordTelemetry: v.GetBool("record_telemetry"),
		StorageMode:     engine.StorageMode(v.GetString("storage_mode")),
		AllowContent:    v.GetBool("allow_content"),
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = projectDir
	}

	applyOverrides(&opts, overrides)

	if opts.StorageMode != engine.StorageFS && opts.StorageMode != engine.StorageMemory {
		return engine.Options{}, fmt.Errorf("%w: got %q", ErrInvalidStorageMode, opts.StorageMode)
	}
	if opts.Threshold <= 0 {
		return engine.Options{}, fmt.Errorf("%w: got %d", ErrInvalidThreshold, opts.Threshold)
	}

	return opts, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("events_per_second_threshold", engine.DefaultThreshold)
	v.SetDefault("record_telemetry", false)
	v.SetDefault("storage_mode", string(engine.StorageFS))
	v.SetDefault("allow_content", false)
}

// mergeIfPresent reads the currently configured file into v, tolerating a
// missing file (lower cascade tiers are simply absent) but not a malformed
// one.
func mergeIfPresent(v *viper.Viper) error {
	err := v.MergeInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

func applyOverrides(opts *engine.Options, o *Overrides) {
	if o == nil {
		return
	}
	if o.WorkspaceRoot != nil {
		opts.WorkspaceRoot = *o.WorkspaceRoot
	}
	if o.Threshold != nil {
		opts.Threshold = *o.Threshold
	}
	if o.RecordTelemetry != nil {
		opts.RecordTelemetry = *o.RecordTelemetry
	}
	if o.StorageMode != nil {
		opts.StorageMode = engine.StorageMode(*o.StorageMode)
	}
	if o.AllowContent != nil {
		opts.AllowContent = *o.AllowContent
	}
}
