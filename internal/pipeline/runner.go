// Package pipeline runs the processing and split stages end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/archive"
	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/convert"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/oracle"
	"github.com/MikeSquared-Agency/parley/internal/segment"
	"github.com/MikeSquared-Agency/parley/internal/slack"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

// DefaultTestLimit is how many messages a --test run keeps per persona.
const DefaultTestLimit = 200

// ErrNoInput is returned when the cleaned directory holds no persona files.
var ErrNoInput = errors.New("no cleaned persona files found")

// Config holds the process command configuration.
type Config struct {
	CleanedDir   string
	ProcessedDir string
	ArchiveDir   string
	SelfIdentity string
	Segment      segment.Config
	Archive      bool // snapshot each persona file after writing it
	TestMode     bool // truncate every persona to TestLimit messages
	TestLimit    int
}

// ConfigFrom reads the processing settings of cfg.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		CleanedDir:   cfg.CleanedDir,
		ProcessedDir: cfg.ProcessedDir,
		ArchiveDir:   cfg.ArchiveDir,
		SelfIdentity: cfg.SelfIdentity,
		Segment:      segment.ConfigFrom(cfg.Segment),
		Archive:      cfg.ArchiveCompress,
		TestLimit:    DefaultTestLimit,
	}
}

// Oracle is a continuation oracle that counts its calls.
type Oracle interface {
	oracle.Continuer
	Stats() oracle.Stats
}

// Mirror receives every persona's records after they are written to disk.
type Mirror interface {
	ReplacePersona(ctx context.Context, run store.RunRow, records []chat.Record) error
}

// Notifier posts run summaries for humans.
type Notifier interface {
	PostSummary(ctx context.Context, text string) (string, error)
	PostThread(ctx context.Context, threadTS, text string) error
}

// Sinks are the optional destinations of a run. Nil fields are skipped.
// A failing sink is logged and never fails the run: the JSONL files are
// the source of truth.
type Sinks struct {
	Mirror   Mirror
	Events   hermes.Publisher
	Notifier Notifier
}

// Runner orchestrates load -> sort -> segment -> convert -> persist.
type Runner struct {
	cfg       Config
	oracle    Oracle
	segmenter *segment.Segmenter
	sinks     Sinks
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a processing runner.
func NewRunner(cfg Config, o Oracle, sinks Sinks, logger *slog.Logger) *Runner {
	if cfg.TestLimit <= 0 {
		cfg.TestLimit = DefaultTestLimit
	}
	return &Runner{
		cfg:       cfg,
		oracle:    o,
		segmenter: segment.New(cfg.Segment, o, logger),
		sinks:     sinks,
		logger:    logger,
		now:       time.Now,
	}
}

// Run processes one persona, or every persona in CleanedDir when persona is
// empty. An input contract violation stops the run with an error; oracle
// trouble only changes where conversations split.
func (r *Runner) Run(ctx context.Context, persona string) (*Report, error) {
	files, err := r.discover(persona)
	if err != nil {
		return nil, err
	}

	report := &Report{RunID: uuid.New(), StartedAt: r.now().UTC(), TestMode: r.cfg.TestMode}
	r.logger.Info("processing run started",
		"run_id", report.RunID,
		"personas", len(files),
		"test_mode", r.cfg.TestMode,
	)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		pr, err := r.processFile(ctx, report.RunID, path)
		if err != nil {
			return report, err
		}
		if pr != nil {
			report.Personas = append(report.Personas, *pr)
		}
	}

	report.FinishedAt = r.now().UTC()
	r.notifyProcess(ctx, report)

	r.logger.Info("processing run complete",
		"run_id", report.RunID,
		"personas", len(report.Personas),
		"records", report.Records(),
		"duration", report.FinishedAt.Sub(report.StartedAt).String(),
	)
	return report, nil
}

// discover resolves the cleaned files to process, sorted by name. A named
// persona is looked up upper-cased, the way the cleaner writes it.
func (r *Runner) discover(persona string) ([]string, error) {
	if persona != "" {
		if err := store.ValidPersona(persona); err != nil {
			return nil, err
		}
		path := filepath.Join(r.cfg.CleanedDir, strings.ToUpper(persona)+".json")
		if _, err := os.Stat(path); err != nil {
			available, _ := r.available()
			return nil, fmt.Errorf("persona %s (available: %s): %w",
				persona, strings.Join(available, ", "), chat.ErrNotFound)
		}
		return []string{path}, nil
	}

	files, err := filepath.Glob(filepath.Join(r.cfg.CleanedDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", r.cfg.CleanedDir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", r.cfg.CleanedDir, ErrNoInput)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Runner) available() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(r.cfg.CleanedDir, "*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = strings.TrimSuffix(filepath.Base(f), ".json")
	}
	sort.Strings(names)
	return names, nil
}

func personaOf(path string) string {
	return strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
}

func (r *Runner) processFile(ctx context.Context, runID uuid.UUID, path string) (*PersonaReport, error) {
	persona := personaOf(path)
	if err := store.ValidPersona(persona); err != nil {
		return nil, err
	}

	msgs, err := chat.LoadCleaned(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", persona, err)
	}
	if len(msgs) == 0 {
		r.logger.Warn("no messages found, skipping persona", "persona", persona, "path", path)
		return nil, nil
	}
	r.logger.Info("processing persona", "persona", persona, "messages", len(msgs))

	if r.cfg.TestMode && len(msgs) > r.cfg.TestLimit {
		msgs = msgs[:r.cfg.TestLimit]
		r.logger.Info("test mode, truncated messages", "persona", persona, "messages", len(msgs))
	}

	chat.SortByTime(msgs)

	before := r.oracle.Stats()
	chunks, segStats, err := r.segmenter.Segment(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", persona, err)
	}
	oracleStats := diff(r.oracle.Stats(), before)

	records, tally := convert.All(chunks, persona, r.cfg.SelfIdentity, r.logger)

	out, err := store.WritePersona(r.cfg.ProcessedDir, persona, records)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", persona, err)
	}

	pr := &PersonaReport{
		Persona: persona,
		Source:  path,
		Output:  out,
		Segment: segStats,
		Convert: tally,
		Oracle:  oracleStats,
	}

	if r.cfg.Archive {
		snap, err := archive.Snapshot(out, r.cfg.ArchiveDir, persona, runID.String())
		if err != nil {
			r.logger.Warn("archive snapshot failed", "persona", persona, "error", err)
		} else {
			pr.Archive = snap
		}
	}

	if r.sinks.Mirror != nil {
		row := store.RunRow{
			RunID:       runID,
			Persona:     persona,
			Messages:    segStats.Messages,
			Chunks:      segStats.Chunks,
			Records:     len(records),
			OracleCalls: int(oracleStats.Calls),
		}
		if err := r.sinks.Mirror.ReplacePersona(ctx, row, records); err != nil {
			r.logger.Warn("postgres mirror failed", "persona", persona, "error", err)
		}
	}

	if r.sinks.Events != nil {
		ev := hermes.ProcessCompleted{
			RunID:          runID,
			Persona:        persona,
			Messages:       segStats.Messages,
			Chunks:         segStats.Chunks,
			Records:        len(records),
			Rejected:       tally.Rejected(),
			OracleCalls:    oracleStats.Calls,
			OracleFailures: oracleStats.Failures,
			Path:           out,
			CompletedAt:    r.now().UTC(),
		}
		if err := r.sinks.Events.Publish(hermes.SubjectProcessCompleted, ev); err != nil {
			r.logger.Warn("failed to publish process event", "persona", persona, "error", err)
		}
	}

	r.logger.Info("persona processed",
		"persona", persona,
		"messages", segStats.Messages,
		"chunks", segStats.Chunks,
		"records", len(records),
		"rejected", tally.Rejected(),
		"oracle_calls", oracleStats.Calls,
		"oracle_failures", oracleStats.Failures,
		"output", out,
	)
	return pr, nil
}

func diff(after, before oracle.Stats) oracle.Stats {
	return oracle.Stats{
		Calls:    after.Calls - before.Calls,
		Yes:      after.Yes - before.Yes,
		No:       after.No - before.No,
		Failures: after.Failures - before.Failures,
	}
}

// notifyProcess posts the run summary, threading an oracle warning under it
// when any call failed. Without a notifier the summary is only logged.
func (r *Runner) notifyProcess(ctx context.Context, report *Report) {
	results := report.slackResults()
	text := slack.FormatProcessSummary(report.RunID.String(), results)

	if r.sinks.Notifier == nil {
		r.logger.Debug("run summary (no Slack configured)", "summary", text)
		return
	}

	ts, err := r.sinks.Notifier.PostSummary(ctx, text)
	if err != nil {
		r.logger.Warn("failed to post run summary to Slack", "error", err)
		return
	}
	if warning := slack.FormatOracleWarning(results); warning != "" {
		if err := r.sinks.Notifier.PostThread(ctx, ts, warning); err != nil {
			r.logger.Warn("failed to post oracle warning to Slack", "error", err)
		}
	}
}
