// Package engine implements the Engine Facade (§4.8/§6): the single
// entry point adapters and servers drive. It orchestrates, for each
// accepted event, redactor -> backpressure -> dedup -> reducer -> persist,
// and returns a batch result. It is grounded on the teacher's
// internal/server request-handling loop (bounded, single-writer,
// options-constructed), generalized from HTTP handlers to the
// ingest_batch pipeline.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/patchlings/telemetry-engine/internal/backpressure"
	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/observability"
	"github.com/patchlings/telemetry-engine/internal/persist"
	"github.com/patchlings/telemetry-engine/internal/redact"
	"github.com/patchlings/telemetry-engine/internal/salt"
	"github.com/patchlings/telemetry-engine/internal/state"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
	"github.com/patchlings/telemetry-engine/internal/world"
)

// Default option values (§6).
const (
	DefaultThreshold           = backpressure.DefaultThreshold
	DefaultMaxChaptersInMemory = 500
	DefaultMaxRecordingBytes   = 2 * 1024 * 1024
	DefaultAuditCapacity       = 256
)

// StorageMode selects the persistence backend (§6).
type StorageMode string

// Recognized storage modes.
const (
	StorageFS     StorageMode = "fs"
	StorageMemory StorageMode = "memory"
)

// Options configures engine construction (§6's create(options)).
type Options struct {
	WorkspaceRoot       string
	InternalDirName     string
	Threshold           int
	RecordTelemetry     bool
	StorageMode         StorageMode
	MaxChaptersInMemory int
	MaxRecordingBytes   int64
	AllowContent        bool

	// FixedWorkspaceSalt/FixedRunSalts pin identifiers for deterministic
	// tests (§4.1, §8 S5).
	FixedWorkspaceSalt string
	FixedRunSalts      map[string]string

	Logger  *logrus.Logger
	Metrics *observability.Metrics

	// MetricsRegistry is used to construct a default Metrics when Metrics
	// is nil. A nil registry gets a fresh prometheus.NewRegistry() per
	// Engine rather than prometheus.DefaultRegisterer, so constructing
	// more than one Engine in a process (every test in this package does)
	// never hits a duplicate-collector panic.
	MetricsRegistry prometheus.Registerer
}

// Engine is the single-writer facade over one workspace's world state,
// open chapters, and persistence (§5). All methods must be called from a
// single serial context; the engine does not internally lock against
// concurrent callers beyond guarding its own bookkeeping.
type Engine struct {
	mu sync.Mutex

	workspaceRoot     string
	paths             state.Paths
	hasPaths          bool
	store             persist.Store
	salts             *salt.Manager
	aggregator        *backpressure.Aggregator
	tracker           *chapter.Tracker
	chapterLog        *chapter.Log
	reducer           *world.Reducer
	world             *world.World
	threshold         int
	recordTelemetry   bool
	maxRecordingBytes int64
	allowContent      bool
	audit             *persist.AuditLog
	log               *logrus.Entry
	metrics           *observability.Metrics
}

// Result is returned by IngestBatch and FlushRunAggregates (§6).
type Result struct {
	AcceptedEvents         []telemetry.Event
	ClosedChapters         []chapter.Summary
	DroppedLowValueEvents  int
	DroppedDuplicateEvents int
	World                  *world.World
}

// New constructs an Engine per Options (§6's create). On a fresh
// workspace it mints a workspace salt and an empty world; on an existing
// one it loads and normalizes world.json and the last
// MaxChaptersInMemory chapters.
func New(opts Options) (*Engine, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxChaptersInMemory <= 0 {
		opts.MaxChaptersInMemory = DefaultMaxChaptersInMemory
	}
	if opts.MaxRecordingBytes <= 0 {
		opts.MaxRecordingBytes = DefaultMaxRecordingBytes
	}
	if opts.StorageMode == "" {
		opts.StorageMode = StorageFS
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		reg := opts.MetricsRegistry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		metrics = observability.NewMetrics(reg)
	}

	var store persist.Store
	var paths state.Paths
	hasPaths := false

	switch opts.StorageMode {
	case StorageMemory:
		store = persist.NewMemStore()
	case StorageFS:
		p, err := state.New(opts.WorkspaceRoot, opts.InternalDirName)
		if err != nil {
			return nil, fmt.Errorf("engine: resolve workspace paths: %w", err)
		}
		fsStore, err := persist.NewFSStore(p)
		if err != nil {
			return nil, fmt.Errorf("engine: initialize fs store: %w", err)
		}
		store, paths, hasPaths = fsStore, p, true
	default:
		return nil, fmt.Errorf("engine: unknown storage mode %q", opts.StorageMode)
	}

	salts, err := salt.New(store, salt.Options{
		FixedWorkspaceSalt: opts.FixedWorkspaceSalt,
		FixedRunSalts:      opts.FixedRunSalts,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: construct salt manager: %w", err)
	}

	w, existed, err := store.LoadWorld()
	if err != nil {
		return nil, fmt.Errorf("engine: load world: %w", err)
	}
	workspaceID := salt.WorkspaceID(opts.WorkspaceRoot, salts.WorkspaceSalt())
	if !existed {
		w = world.New(workspaceID, time.Now().UTC())
	} else {
		w.Normalize()
	}

	chapters, err := store.LoadChapters(opts.MaxChaptersInMemory)
	if err != nil {
		return nil, fmt.Errorf("engine: load chapters: %w", err)
	}
	chapterLog := chapter.NewLog(opts.MaxChaptersInMemory)
	for _, c := range chapters {
		chapterLog.Append(c)
	}

	tracker := chapter.NewTracker()
	reducer := world.NewReducer(w, tracker, salts.WorkspaceSalt(), opts.Threshold)

	e := &Engine{
		workspaceRoot:     opts.WorkspaceRoot,
		paths:             paths,
		hasPaths:          hasPaths,
		store:             store,
		salts:             salts,
		aggregator:        backpressure.New(opts.Threshold),
		tracker:           tracker,
		chapterLog:        chapterLog,
		reducer:           reducer,
		world:             w,
		threshold:         opts.Threshold,
		recordTelemetry:   opts.RecordTelemetry,
		maxRecordingBytes: opts.MaxRecordingBytes,
		allowContent:      opts.AllowContent,
		audit:             persist.NewAuditLog(DefaultAuditCapacity),
		log:               logger.WithField("component", "engine"),
		metrics:           metrics,
	}
	return e, nil
}
