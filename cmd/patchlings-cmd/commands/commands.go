// Package commands implements the patchlings-cmd subcommands (ingest,
// world, chapters), adapted from the teacher's cmd/gasoline-cmd/commands
// package: each function parses its own args into a typed request rather
// than one switch-on-tool dispatcher, since cobra already owns dispatch.
package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/patchlings/telemetry-engine/cmd/patchlings-cmd/output"
	"github.com/patchlings/telemetry-engine/internal/chapter"
	"github.com/patchlings/telemetry-engine/internal/config"
	"github.com/patchlings/telemetry-engine/internal/engine"
	"github.com/patchlings/telemetry-engine/internal/telemetry"
)

// Globals holds the persistent flag values shared by every subcommand.
type Globals struct {
	Workspace       string
	Format          string
	Threshold       int
	StorageMode     string
	RecordTelemetry bool
	AllowContent    bool
}

// RegisterPersistentFlags wires the shared flags onto root.
func RegisterPersistentFlags(root *cobra.Command, g *Globals) {
	root.PersistentFlags().StringVar(&g.Workspace, "workspace", "", "workspace root (default: current directory)")
	root.PersistentFlags().StringVar(&g.Format, "format", "human", "output format: human, json, or csv")
	root.PersistentFlags().IntVar(&g.Threshold, "threshold", 0, "events-per-second backpressure threshold")
	root.PersistentFlags().StringVar(&g.StorageMode, "storage-mode", "", "storage mode: fs or memory")
	root.PersistentFlags().BoolVar(&g.RecordTelemetry, "record-telemetry", false, "persist every accepted event under recordings/")
	root.PersistentFlags().BoolVar(&g.AllowContent, "allow-content", false, "retain raw content-bearing attributes instead of redacting them")
}

func (g *Globals) load(cmd *cobra.Command) (engine.Options, error) {
	root := g.Workspace
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return engine.Options{}, fmt.Errorf("determine working directory: %w", err)
		}
		root = wd
	}

	overrides := &config.Overrides{WorkspaceRoot: &root}
	if cmd.Flags().Changed("threshold") {
		overrides.Threshold = &g.Threshold
	}
	if cmd.Flags().Changed("storage-mode") {
		overrides.StorageMode = &g.StorageMode
	}
	if cmd.Flags().Changed("record-telemetry") {
		overrides.RecordTelemetry = &g.RecordTelemetry
	}
	if cmd.Flags().Changed("allow-content") {
		overrides.AllowContent = &g.AllowContent
	}

	return config.Load(root, overrides)
}

func (g *Globals) newEngine(cmd *cobra.Command) (*engine.Engine, error) {
	opts, err := g.load(cmd)
	if err != nil {
		return nil, err
	}
	return engine.New(opts)
}

func (g *Globals) emit(cmd *cobra.Command, result *output.Result) error {
	formatter := output.Get(g.Format)
	if err := formatter.Format(cmd.OutOrStdout(), result); err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// NewIngestCommand reads an NDJSON telemetry fixture and drives
// engine.IngestBatch (§6). Malformed lines are counted and skipped at the
// adapter boundary, per §7 error taxonomy item 1 — they are never
// delivered to the core.
func NewIngestCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <fixture.ndjson>",
		Short: "Ingest an NDJSON telemetry fixture through the engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open fixture: %w", err)
			}
			defer f.Close()

			events, invalid, err := readNDJSON(f)
			if err != nil {
				return err
			}

			eng, err := g.newEngine(cmd)
			if err != nil {
				return g.emit(cmd, &output.Result{Command: "ingest", Error: err.Error()})
			}

			result, err := eng.IngestBatch(events)
			if err != nil {
				return g.emit(cmd, &output.Result{Command: "ingest", Error: err.Error()})
			}

			return g.emit(cmd, &output.Result{
				Success: true,
				Command: "ingest",
				Data: map[string]any{
					"accepted_events":        len(result.AcceptedEvents),
					"closed_chapters":        len(result.ClosedChapters),
					"dropped_low_value":      result.DroppedLowValueEvents,
					"dropped_duplicate":      result.DroppedDuplicateEvents,
					"invalid_events_skipped": invalid,
				},
			})
		},
	}
}

// NewWorldCommand prints the current world document's counters.
func NewWorldCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "world",
		Short: "Show the current world state counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := g.newEngine(cmd)
			if err != nil {
				return g.emit(cmd, &output.Result{Command: "world", Error: err.Error()})
			}
			w := eng.GetWorld()
			return g.emit(cmd, &output.Result{
				Success: true,
				Command: "world",
				Data: map[string]any{
					"workspace_id": w.WorkspaceID,
					"events":       w.Counters.Events,
					"chapters":     w.Counters.Chapters,
					"runs":         len(w.Runs),
					"files":        len(w.Files),
					"regions":      len(w.Regions),
					"updated_at":   w.UpdatedAt,
				},
			})
		},
	}
}

// NewChaptersCommand lists recently closed chapters, optionally scoped to
// one run.
func NewChaptersCommand(g *Globals) *cobra.Command {
	var runID string
	var limit int

	cmd := &cobra.Command{
		Use:   "chapters",
		Short: "List recently closed chapters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := g.newEngine(cmd)
			if err != nil {
				return g.emit(cmd, &output.Result{Command: "chapters", Error: err.Error()})
			}

			var chapters []chapterRow
			for _, c := range pick(eng, runID, limit) {
				chapters = append(chapters, chapterRow{
					ChapterID: c.ChapterID, RunID: c.RunID, TurnIndex: c.TurnIndex,
					Status: string(c.Status), DurationMS: c.DurationMS, Errors: c.Errors,
				})
			}

			return g.emit(cmd, &output.Result{
				Success: true,
				Command: "chapters",
				Data: map[string]any{
					"count":    len(chapters),
					"chapters": chapters,
				},
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "scope to one run id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum chapters to return (0 = all retained)")
	return cmd
}

type chapterRow struct {
	ChapterID  string `json:"chapter_id"`
	RunID      string `json:"run_id"`
	TurnIndex  int    `json:"turn_index"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Errors     int64  `json:"errors"`
}

func pick(eng *engine.Engine, runID string, limit int) []chapter.Summary {
	if runID != "" {
		return eng.GetChaptersByRun(runID, limit)
	}
	return eng.GetChapters(limit)
}

func readNDJSON(r io.Reader) (events []telemetry.Event, invalid int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e telemetry.Event
		if unmarshalErr := json.Unmarshal(line, &e); unmarshalErr != nil {
			invalid++
			continue
		}
		if validateErr := telemetry.Validate(e); validateErr != nil {
			invalid++
			continue
		}
		events = append(events, e)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, invalid, fmt.Errorf("scan fixture: %w", scanErr)
	}
	return events, invalid, nil
}
