// Package redact implements the Redactor (§4.2): a pure transform over
// event attributes, parameterized by run salt and optional workspace salt.
// It is grounded on the teacher's internal/redaction engine — a rule table
// evaluated in a fixed order — but the rules here act on structured
// key/value attributes rather than scrubbing matched substrings out of
// free text, since agent telemetry carries flat attribute maps, not logs.
package redact

import (
	"strings"

	"github.com/patchlings/telemetry-engine/internal/salt"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
)

// alwaysDropSubstrings are case-insensitive substrings that unconditionally
// drop an attribute key, independent of AllowContent (§4.2 rule 1).
var alwaysDropSubstrings = []string{
	"token", "secret", "authorization", "cookie", "header", "password",
	"api_key", "api-key", "apikey", "session",
}

// contentKeys are dropped unless AllowContent is true (§4.2 rule 3).
var contentKeys = map[string]bool{
	"prompt": true, "content": true, "body": true, "payload": true,
	"stdin": true, "stdout": true, "stderr": true, "command": true,
	"args": true, "arg": true, "diff": true, "patch": true,
}

// pathLikeKeys get hashed-variant attributes emitted in their place (§4.2
// rule 4).
var pathLikeKeys = map[string]bool{
	"path": true, "file": true, "file_name": true, "cwd": true,
	"workspace": true, "repo": true, "target": true, "source": true,
}

// Options parameterizes one redaction pass.
type Options struct {
	RunSalt       string
	WorkspaceSalt string // empty means no *_stable_* variants are emitted
	AllowContent  bool
}

// Redact applies the ordered rule set to attrs and returns a new map; the
// input is never mutated (§8 property 5: redaction is idempotent — running
// it twice over the output of a first pass, with the same salts, again
// produces the same output, since a *_hash key is preserved by rule 2).
func Redact(attrs telemetry.Attrs, opts Options) telemetry.Attrs {
	out := telemetry.Attrs{}
	for key, value := range attrs {
		lowerKey := strings.ToLower(key)

		// Rule 1: always drop secret-shaped keys, unconditionally.
		if containsAny(lowerKey, alwaysDropSubstrings) {
			continue
		}

		// Rule 2: preserve already-hashed keys verbatim.
		if strings.Contains(lowerKey, "_hash") {
			if telemetry.IsPrimitiveAttr(value) {
				out[key] = value
			}
			continue
		}

		// Rule 3: drop content keys unless allowed.
		if contentKeys[lowerKey] {
			if opts.AllowContent && telemetry.IsPrimitiveAttr(value) {
				out[key] = value
			}
			continue
		}

		// Rule 4: path-like keys emit hashed variants, and the raw value
		// only when content is allowed.
		if pathLikeKeys[lowerKey] {
			if s, ok := value.(string); ok {
				emitPathHashes(out, key, s, opts)
			}
			if opts.AllowContent && telemetry.IsPrimitiveAttr(value) {
				out[key] = value
			}
			continue
		}

		// Rule 5: any other primitive scalar is preserved; nested
		// objects/arrays are dropped.
		if telemetry.IsPrimitiveAttr(value) {
			out[key] = value
		}
	}
	return out
}

func emitPathHashes(out telemetry.Attrs, key, rawPath string, opts Options) {
	pathHash, dirHash := salt.HashPath(rawPath, opts.RunSalt)
	out[key+"_hash"] = pathHash
	out[key+"_dir_hash"] = dirHash

	if opts.WorkspaceSalt != "" {
		stablePathHash, stableDirHash := salt.HashPath(rawPath, opts.WorkspaceSalt)
		out[key+"_stable_hash"] = stablePathHash
		out[key+"_stable_dir_hash"] = stableDirHash
	}
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
