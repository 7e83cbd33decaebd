// Package telemetry defines the v1 agent telemetry event schema and the
// structural Validator that sits at the adapter boundary (§3, §6, §7 of the
// ingestion design). Unknown top-level fields survive validation unchanged
// so the wire format stays forward-compatible with future producers.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the categorical event kind (§3).
type Kind string

// Recognized event kinds. Any other value fails validation.
const (
	KindTurn   Kind = "turn"
	KindTool   Kind = "tool"
	KindFile   Kind = "file"
	KindGit    Kind = "git"
	KindTest   Kind = "test"
	KindSpawn  Kind = "spawn"
	KindLog    Kind = "log"
	KindError  Kind = "error"
	KindMetric Kind = "metric"
)

var validKinds = map[Kind]bool{
	KindTurn: true, KindTool: true, KindFile: true, KindGit: true,
	KindTest: true, KindSpawn: true, KindLog: true, KindError: true, KindMetric: true,
}

// Severity is the optional event severity (§3).
type Severity string

// Recognized severities.
const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

var validSeverities = map[Severity]bool{
	SeverityDebug: true, SeverityInfo: true, SeverityWarn: true, SeverityError: true,
}

// Attrs is a flat mapping from string to {string | number | boolean | null}.
// Nested objects and arrays are accepted at the wire boundary (the Redactor
// is what drops them, per §4.2 rule 5) but flagged here as non-primitive so
// downstream components can detect them without re-parsing JSON.
type Attrs map[string]any

// Event is one telemetry record, schema version 1.
type Event struct {
	SchemaVersion int      `json:"schema_version"`
	RunID         string   `json:"run_id"`
	Seq           int64    `json:"seq"`
	TS            time.Time `json:"ts"`
	Kind          Kind     `json:"kind"`
	Name          string   `json:"name"`
	Severity      Severity `json:"severity,omitempty"`
	Attrs         Attrs    `json:"attrs,omitempty"`
	Internal      bool     `json:"internal,omitempty"`
	UpstreamSeq   *int64   `json:"upstream_seq,omitempty"`

	// Unknown carries any top-level fields this schema version does not
	// recognize, so re-marshaling an Event never silently drops data.
	Unknown map[string]json.RawMessage `json:"-"`
}

// UpstreamSeqOrSeq implements §4.6's upstream_seq(event) = event.upstream_seq ?? event.seq.
func (e Event) UpstreamSeqOrSeq() int64 {
	if e.UpstreamSeq != nil {
		return *e.UpstreamSeq
	}
	return e.Seq
}

// UnmarshalJSON decodes an Event while preserving unrecognized top-level
// fields in Unknown, per §6's forward-compatibility requirement.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := &struct {
		TS string `json:"ts"`
		*alias
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("telemetry: decode event: %w", err)
	}

	if aux.TS != "" {
		ts, err := time.Parse(time.RFC3339Nano, aux.TS)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, aux.TS)
			if err != nil {
				return fmt.Errorf("telemetry: parse ts %q: %w", aux.TS, err)
			}
		}
		e.TS = ts
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("telemetry: decode event fields: %w", err)
	}
	known := map[string]bool{
		"schema_version": true, "run_id": true, "seq": true, "ts": true,
		"kind": true, "name": true, "severity": true, "attrs": true,
		"internal": true, "upstream_seq": true,
	}
	for k, v := range raw {
		if known[k] {
			continue
		}
		if e.Unknown == nil {
			e.Unknown = map[string]json.RawMessage{}
		}
		e.Unknown[k] = v
	}
	return nil
}

// MarshalJSON re-emits Event including any Unknown fields captured at decode
// time, so replaying an NDJSON fixture through Validate->Redact->reduce is
// lossless for fields this schema version does not interpret.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	base, err := json.Marshal(struct {
		TS string `json:"ts"`
		alias
	}{
		TS:    e.TS.UTC().Format(time.RFC3339Nano),
		alias: alias(e),
	})
	if err != nil {
		return nil, err
	}
	if len(e.Unknown) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Unknown {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Errors returned by Validate. Adapters are expected to synthesize a local
// "invalid event" error event for these rather than deliver the record, per
// §7's error taxonomy item 1.
var (
	ErrUnsupportedSchemaVersion = errors.New("telemetry: unsupported schema_version")
	ErrMissingRunID             = errors.New("telemetry: run_id must not be empty")
	ErrNegativeSeq              = errors.New("telemetry: seq must be non-negative")
	ErrInvalidKind              = errors.New("telemetry: kind is not a recognized category")
	ErrMissingName              = errors.New("telemetry: name must not be empty")
	ErrInvalidSeverity          = errors.New("telemetry: severity is not a recognized level")
)

// Validate performs the structural schema check described in §3/§4's
// Validator component. It never mutates the event and never interprets
// event semantics beyond checking the categorical kind.
func Validate(e Event) error {
	if e.SchemaVersion != 1 {
		return fmt.Errorf("%w: got %d", ErrUnsupportedSchemaVersion, e.SchemaVersion)
	}
	if e.RunID == "" {
		return ErrMissingRunID
	}
	if e.Seq < 0 {
		return ErrNegativeSeq
	}
	if e.TS.IsZero() {
		return fmt.Errorf("telemetry: ts is required")
	}
	if !validKinds[e.Kind] {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if e.Name == "" {
		return ErrMissingName
	}
	if e.Severity != "" && !validSeverities[e.Severity] {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, e.Severity)
	}
	// attrs values are not constrained to primitives here: the wire format
	// may carry nested objects/arrays despite the "flat mapping" intent, and
	// it is the Redactor's job (§4.2 rule 5), not the Validator's, to drop
	// them. Rejecting them here would make well-formed-but-noisy producers
	// unusable instead of merely unredacted.
	return nil
}

// IsPrimitiveAttr reports whether v is a scalar the Redactor may pass
// through unchanged: string, number, boolean, or null.
func IsPrimitiveAttr(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}
