// Package salt implements the Salt Manager (§4.1): a workspace salt stable
// across restarts, and lazily-minted per-run salts, both used to derive
// stable hash identifiers without ever persisting raw paths or run data.
package salt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// Run holds one run's salt and when it was minted.
type Run struct {
	Salt      string    `json:"salt"`
	CreatedAt time.Time `json:"created_at"`
}

// File is the persisted shape of salts.json (§6).
type File struct {
	WorkspaceSalt string         `json:"workspace_salt"`
	Runs          map[string]Run `json:"runs"`
}

// Store is the minimal persistence contract the Manager needs.
// persist.FSStore and persist.MemStore implement it; tests may supply an
// in-memory fake.
type Store interface {
	LoadSalts() (File, bool, error)
	SaveSalts(File) error
}

// Manager owns the workspace salt and the run_id -> run salt mapping. A
// fixed-salt configuration (for deterministic tests, §4.1) bypasses
// generation and persistence entirely.
type Manager struct {
	mu        sync.Mutex
	store     Store
	workspace string
	runs      map[string]string
	fixed     bool
	dirty     bool
}

// Options configures Manager construction.
type Options struct {
	// FixedWorkspaceSalt, if non-empty, is used verbatim and never persisted.
	FixedWorkspaceSalt string
	// FixedRunSalts supplies run salts verbatim. It is only read when
	// FixedWorkspaceSalt is also set; a run_id not present here is minted a
	// fresh random salt on first request, which is never persisted.
	FixedRunSalts map[string]string
}

// New constructs a Manager. When opts specifies a fixed workspace salt, it
// is used verbatim (§4.1) and store is never consulted. Otherwise store is
// loaded for an existing workspace salt; if none exists, one is generated
// from crypto/rand and persisted immediately.
func New(store Store, opts Options) (*Manager, error) {
	m := &Manager{
		store: store,
		runs:  map[string]string{},
	}

	if opts.FixedWorkspaceSalt != "" {
		m.workspace = opts.FixedWorkspaceSalt
		m.fixed = true
		for k, v := range opts.FixedRunSalts {
			m.runs[k] = v
		}
		return m, nil
	}

	file, ok, err := store.LoadSalts()
	if err != nil {
		return nil, fmt.Errorf("salt: load salts file: %w", err)
	}
	if ok && file.WorkspaceSalt != "" {
		m.workspace = file.WorkspaceSalt
		for id, r := range file.Runs {
			m.runs[id] = r.Salt
		}
		return m, nil
	}

	fresh, err := generate()
	if err != nil {
		return nil, err
	}
	m.workspace = fresh
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// WorkspaceSalt returns the long-lived workspace salt.
func (m *Manager) WorkspaceSalt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspace
}

// RunSalt returns the salt for runID, minting and (unless fixed) marking it
// for persistence if this is the first request for that run.
func (m *Manager) RunSalt(runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.runs[runID]; ok {
		return s
	}
	s, err := generate()
	if err != nil {
		// crypto/rand failure is treated as fatal elsewhere in the stack;
		// here we fall back to a salt derived from the workspace salt and
		// run id so the manager never panics mid-batch.
		s = hashHex(m.workspace + "|" + runID)
	}
	m.runs[runID] = s
	m.dirty = true
	return s
}

// Flush persists run salts minted since the last Flush, if any are pending
// and the manager is not operating on fixed salts. Called at batch
// boundaries per §4.1.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fixed || !m.dirty {
		return nil
	}
	if err := m.persistLocked(); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *Manager) persistLocked() error {
	file := File{WorkspaceSalt: m.workspace, Runs: make(map[string]Run, len(m.runs))}
	now := time.Now().UTC()
	for id, s := range m.runs {
		file.Runs[id] = Run{Salt: s, CreatedAt: now}
	}
	if err := m.store.SaveSalts(file); err != nil {
		return fmt.Errorf("salt: persist salts file: %w", err)
	}
	return nil
}

func generate() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("salt: generate random salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Hash implements hash(value, salt) = sha256(salt || "|" || value) truncated
// to the first 12 hex characters (§4.1).
func Hash(value, salt string) string {
	return hashHex(salt + "|" + value)[:12]
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizePath normalizes separators to forward slashes and collapses
// redundant segments (§4.1), without resolving against the filesystem.
func NormalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// RegionOf returns the directory portion of a normalized path: the path
// minus its final segment, or "." if none remains (§4.1).
func RegionOf(normalizedPath string) string {
	dir := path.Dir(normalizedPath)
	if dir == "" {
		return "."
	}
	return dir
}

// HashPath hashes a raw path under salt, returning both the path hash and
// its directory (region) hash, after normalization (§4.1).
func HashPath(rawPath, salt string) (pathHash, dirHash string) {
	norm := NormalizePath(rawPath)
	return Hash(norm, salt), Hash(RegionOf(norm), salt)
}

// WorkspaceID derives the workspace identifier: hash(workspace_path,
// workspace_salt) (§4.1).
func WorkspaceID(workspacePath, workspaceSalt string) string {
	return Hash(NormalizePath(workspacePath), workspaceSalt)
}
