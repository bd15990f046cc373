package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MikeSquared-Agency/parley/internal/api"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/oracle"
	"github.com/MikeSquared-Agency/parley/internal/pipeline"
	"github.com/MikeSquared-Agency/parley/internal/slack"
	"github.com/MikeSquared-Agency/parley/internal/split"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

var version = "dev"

const usage = `usage: parley <command> [args]

commands:
  process [persona] [--test]   segment cleaned chats into training records
  combine                      merge persona files into conversations.jsonl
  split [flags]                write eval/train partitions and meta.json
  serve                        run the read-only dataset API
  version                      print the version
`

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "process":
		err = runProcess(ctx, cfg, args)
	case "combine":
		err = runCombine(cfg)
	case "split":
		err = runSplit(ctx, cfg, args)
	case "serve":
		err = runServe(ctx, cfg)
	case "version":
		fmt.Println("parley", version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func runProcess(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	testMode := fs.Bool("test", false, "process only the first 200 messages of each persona")
	fs.BoolVar(testMode, "t", false, "shorthand for --test")

	persona, err := parseWithPositional(fs, args)
	if err != nil {
		return err
	}
	backend, err := oracle.NewProvider(cfg.Oracle)
	if err != nil {
		return err
	}
	slog.Info("continuation oracle ready", "provider", backend.Name(), "model", cfg.Oracle.Model)
	o := oracle.New(backend, cfg.SelfIdentity, cfg.Oracle.Timeout(), cfg.Oracle.Delay(), slog.Default())

	sinks, closeSinks, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	pcfg := pipeline.ConfigFrom(cfg)
	pcfg.TestMode = *testMode

	report, err := pipeline.NewRunner(pcfg, o, sinks, slog.Default()).Run(ctx, persona)
	if report != nil {
		report.WriteSummary(os.Stdout)
	}
	return err
}

func runCombine(cfg config.Config) error {
	path, n, err := store.Combine(cfg.ProcessedDir)
	if err != nil {
		return err
	}
	slog.Info("personas combined", "records", n, "path", path)
	fmt.Printf("Combined %d conversations into %s\n", n, path)
	return nil
}

func runSplit(ctx context.Context, cfg config.Config, args []string) error {
	scfg := split.ConfigFrom(cfg)

	fs := flag.NewFlagSet("split", flag.ContinueOnError)
	fs.StringVar(&scfg.InputDir, "input-dir", scfg.InputDir, "directory of persona record files")
	fs.StringVar(&scfg.EvalDir, "output-dir", scfg.EvalDir, "directory for eval partitions and meta.json")
	fs.StringVar(&scfg.TrainDir, "train-dir", scfg.TrainDir, "directory for train partitions")
	fs.Int64Var(&scfg.Seed, "seed", scfg.Seed, "base random seed")
	fs.Float64Var(&scfg.EvalRatio, "eval-ratio", scfg.EvalRatio, "fraction of each persona allocated to eval")
	fs.IntVar(&scfg.MinEvalPerPersona, "min-eval-per-persona", scfg.MinEvalPerPersona, "minimum eval records per persona")
	maxDefault := -1
	if scfg.MaxEvalPerPersona != nil {
		maxDefault = *scfg.MaxEvalPerPersona
	}
	maxEval := fs.Int("max-eval-per-persona", maxDefault, "optional cap on eval records per persona (-1 for none)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	scfg.MaxEvalPerPersona = nil
	if *maxEval >= 0 {
		scfg.MaxEvalPerPersona = maxEval
	}

	sinks, closeSinks, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	summary, err := pipeline.Split(ctx, scfg, sinks, slog.Default())
	if err != nil {
		return err
	}
	pipeline.WriteSplitSummary(os.Stdout, summary)
	return nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer hermesClient.Close()

		if err := hermesClient.Publish(hermes.SubjectRegistered, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
			"version":   version,
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	var mirror api.RecordSource
	if cfg.DatabaseURL != "" {
		st, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer st.Close()
		mirror = st
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, api.Dirs{Processed: cfg.ProcessedDir, Eval: cfg.EvalDir, Archive: cfg.ArchiveDir}, mirror)
	slog.Info("parley ready", "port", cfg.Port, "auth", cfg.APIToken != "")
	err := srv.Start(ctx)
	slog.Info("parley stopped")
	return err
}

// openSinks connects the optional Postgres mirror, NATS and Slack sinks.
// The returned func releases whatever was opened.
func openSinks(ctx context.Context, cfg config.Config) (pipeline.Sinks, func(), error) {
	var (
		sinks   pipeline.Sinks
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return sinks, closeAll, fmt.Errorf("connect to database: %w", err)
		}
		closers = append(closers, db.Close)
		if err := db.EnsureSchema(ctx); err != nil {
			closeAll()
			return sinks, func() {}, err
		}
		sinks.Mirror = db
		slog.Info("database connected")
	}

	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			closeAll()
			return sinks, func() {}, fmt.Errorf("connect to NATS: %w", err)
		}
		closers = append(closers, func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hermesClient.Flush(flushCtx); err != nil {
				slog.Warn("failed to flush NATS events", "error", err)
			}
			hermesClient.Close()
		})
		sinks.Events = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		sinks.Notifier = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	}

	return sinks, closeAll, nil
}

// parseWithPositional accepts one optional positional argument before or
// after the flags, e.g. "sister --test" or "--test sister".
func parseWithPositional(fs *flag.FlagSet, args []string) (string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return "", nil
	}
	positional := rest[0]
	if err := fs.Parse(rest[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", errors.New("process takes at most one persona")
	}
	return positional, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
