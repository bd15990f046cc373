package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/slack"
	"github.com/MikeSquared-Agency/parley/internal/split"
)

// Split loads the processed persona files, writes the eval/train partitions
// and reports the result to the configured sinks.
func Split(ctx context.Context, cfg split.Config, sinks Sinks, logger *slog.Logger) (*split.Summary, error) {
	personas, err := split.Load(cfg.InputDir)
	if err != nil {
		return nil, err
	}

	summary, err := split.New(cfg, logger).Run(ctx, personas)
	if err != nil {
		return nil, err
	}

	if sinks.Events != nil {
		ev := hermes.SplitCompleted{
			RunID:       summary.RunID,
			Personas:    len(summary.Personas),
			EvalTotal:   summary.SFT.EvalTotal,
			TrainTotal:  summary.SFT.TrainTotal,
			MetaPath:    split.MetaPath(cfg.EvalDir),
			CompletedAt: time.Now().UTC(),
		}
		if err := sinks.Events.Publish(hermes.SubjectSplitCompleted, ev); err != nil {
			logger.Warn("failed to publish split event", "error", err)
		}
	}

	if sinks.Notifier != nil {
		text := slack.FormatSplitSummary(summary.RunID.String(), splitLines(summary), summary.SFT.EvalTotal, summary.SFT.TrainTotal)
		if _, err := sinks.Notifier.PostSummary(ctx, text); err != nil {
			logger.Warn("failed to post split summary to Slack", "error", err)
		}
	}

	return summary, nil
}

func splitLines(s *split.Summary) []slack.SplitLine {
	names := make([]string, 0, len(s.Personas))
	for p := range s.Personas {
		names = append(names, p)
	}
	sort.Strings(names)

	lines := make([]slack.SplitLine, len(names))
	for i, p := range names {
		lines[i] = slack.SplitLine{Persona: p, Eval: s.Personas[p].Eval, Remaining: s.Personas[p].Remaining}
	}
	return lines
}

// WriteSplitSummary prints a split summary for the terminal.
func WriteSplitSummary(w io.Writer, s *split.Summary) {
	fmt.Fprintf(w, "\nEval datasets created successfully.\n")
	fmt.Fprintf(w, "Output: %s\n", s.OutputDir)
	fmt.Fprintf(w, "Train: %s\n", s.TrainDir)
	fmt.Fprintf(w, "Personas:\n")
	for _, l := range splitLines(s) {
		fmt.Fprintf(w, "- %s: eval=%d remaining=%d total=%d\n", l.Persona, l.Eval, l.Remaining, s.Personas[l.Persona].Total)
	}
	fmt.Fprintf(w, "SFT eval total: %d\n", s.SFT.EvalTotal)
	fmt.Fprintf(w, "SFT train total: %d\n", s.SFT.TrainTotal)
}
