package redact

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchlings/telemetry-engine/internal/telemetry"
)

func TestRedactDropsSecretKeysUnconditionally(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{
		"Authorization": "Bearer xyz",
		"api_key":       "abc123",
		"Session":       "deadbeef",
		"safe":          "ok",
	}
	out := Redact(attrs, Options{RunSalt: "run-salt", AllowContent: true})
	require.NotContains(t, out, "Authorization")
	require.NotContains(t, out, "api_key")
	require.NotContains(t, out, "Session")
	require.Equal(t, "ok", out["safe"])
}

func TestRedactPreservesAlreadyHashedKeys(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{"prompt_hash": "abc123def456"}
	out := Redact(attrs, Options{RunSalt: "run-salt"})
	require.Equal(t, "abc123def456", out["prompt_hash"])
}

func TestRedactDropsContentUnlessAllowed(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{"prompt": "do the thing"}

	out := Redact(attrs, Options{RunSalt: "run-salt", AllowContent: false})
	require.NotContains(t, out, "prompt")

	out = Redact(attrs, Options{RunSalt: "run-salt", AllowContent: true})
	require.Equal(t, "do the thing", out["prompt"])
}

func TestRedactPathLikeEmitsHashVariants(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{"path": "src/a.ts"}

	out := Redact(attrs, Options{RunSalt: "run-salt"})
	require.NotContains(t, out, "path")
	require.Contains(t, out, "path_hash")
	require.Contains(t, out, "path_dir_hash")
	require.NotContains(t, out, "path_stable_hash")

	out = Redact(attrs, Options{RunSalt: "run-salt", WorkspaceSalt: "workspace-salt"})
	require.Contains(t, out, "path_stable_hash")
	require.Contains(t, out, "path_stable_dir_hash")
}

func TestRedactPathHashStableAcrossRunsWithSameWorkspaceSalt(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{"path": "src/a.ts"}

	a := Redact(attrs, Options{RunSalt: "run-salt-a", WorkspaceSalt: "workspace-salt"})
	b := Redact(attrs, Options{RunSalt: "run-salt-b", WorkspaceSalt: "workspace-salt"})

	require.Equal(t, a["path_stable_hash"], b["path_stable_hash"])
	require.NotEqual(t, a["path_hash"], b["path_hash"])
}

func TestRedactDropsNestedValues(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{"nested": map[string]any{"a": 1}, "list": []any{1, 2}}
	out := Redact(attrs, Options{RunSalt: "run-salt"})
	require.Empty(t, out)
}

func TestRedactPreservesOtherScalars(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{"count": float64(3), "ok": true, "nullable": nil}
	out := Redact(attrs, Options{RunSalt: "run-salt"})
	require.Equal(t, float64(3), out["count"])
	require.Equal(t, true, out["ok"])
	require.Nil(t, out["nullable"])
	require.Contains(t, out, "nullable")
}

func TestRedactIsIdempotent(t *testing.T) {
	t.Parallel()
	attrs := telemetry.Attrs{
		"path":     "src/a.ts",
		"api_key":  "abc",
		"prompt":   "hi",
		"tool":     "shell",
		"nullable": nil,
	}
	opts := Options{RunSalt: "run-salt", WorkspaceSalt: "workspace-salt", AllowContent: true}

	once := Redact(attrs, opts)
	twice := Redact(once, opts)
	require.Equal(t, once, twice)
}

func TestRedactNeverLeaksSecretKeyNamesCaseInsensitive(t *testing.T) {
	t.Parallel()
	variants := []string{"TOKEN", "Token", "my_token", "SECRET", "Cookie", "PASSWORD", "api-key", "APIKEY"}
	attrs := telemetry.Attrs{}
	for _, v := range variants {
		attrs[v] = "leak-me"
	}
	out := Redact(attrs, Options{RunSalt: "run-salt", AllowContent: true})
	require.Empty(t, out, "all secret-key variants must be dropped")
}
