// Package split divides per-persona records into eval and train partitions.
//
// Every partition is reproducible: the same records, seed and ratios give
// byte-identical files.
package split

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

// ErrNoPersonas is returned when there is nothing to split.
var ErrNoPersonas = errors.New("no persona record files found")

const (
	loraDir      = "lora"
	sftDir       = "sft"
	sftEvalFile  = "conversations_eval.jsonl"
	sftTrainFile = "conversations_train.jsonl"
	metaFile     = "meta.json"
)

// Placeholder stages created under both roots so the dataset layout is fixed.
var placeholderDirs = []string{"vlm", "grpo"}

type Config struct {
	InputDir          string
	EvalDir           string
	TrainDir          string
	Seed              int64
	EvalRatio         float64
	MinEvalPerPersona int
	MaxEvalPerPersona *int
}

// ConfigFrom reads the split settings and directories of cfg.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		InputDir:          cfg.ProcessedDir,
		EvalDir:           cfg.EvalDir,
		TrainDir:          cfg.TrainDir,
		Seed:              cfg.Split.Seed,
		EvalRatio:         cfg.Split.EvalRatio,
		MinEvalPerPersona: cfg.Split.MinEvalPerPersona,
		MaxEvalPerPersona: cfg.Split.MaxEvalPerPersona,
	}
}

// PersonaSummary is one persona's entry in meta.json.
type PersonaSummary struct {
	SourceFile    string `json:"source_file"`
	Total         int    `json:"total"`
	Eval          int    `json:"eval"`
	Remaining     int    `json:"remaining"`
	LoraEvalPath  string `json:"lora_eval_path"`
	LoraTrainPath string `json:"lora_train_path"`
}

// SFTSummary describes the combined partitions.
type SFTSummary struct {
	EvalTotal    int    `json:"eval_total"`
	SFTEvalPath  string `json:"sft_eval_path"`
	TrainTotal   int    `json:"train_total"`
	SFTTrainPath string `json:"sft_train_path"`
}

// Summary is written to <EvalDir>/meta.json after every run. RunID only
// travels with events and notifications so meta.json stays reproducible.
type Summary struct {
	RunID             uuid.UUID                 `json:"-"`
	InputDir          string                    `json:"input_dir"`
	OutputDir         string                    `json:"output_dir"`
	TrainDir          string                    `json:"train_dir"`
	Seed              int64                     `json:"seed"`
	EvalRatio         float64                   `json:"eval_ratio"`
	MinEvalPerPersona int                       `json:"min_eval_per_persona"`
	MaxEvalPerPersona *int                      `json:"max_eval_per_persona"`
	Personas          map[string]PersonaSummary `json:"personas"`
	SFT               SFTSummary                `json:"sft"`
}

// MetaPath is where Run writes the summary.
func MetaPath(evalDir string) string {
	return filepath.Join(evalDir, metaFile)
}

// ReadSummary loads a previously written meta.json.
func ReadSummary(evalDir string) (*Summary, error) {
	b, err := os.ReadFile(MetaPath(evalDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("summary: %w", chat.ErrNotFound)
		}
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &s, nil
}

// Load reads every persona file in dir, keyed by persona.
func Load(dir string) (map[string][]chat.Record, error) {
	files, err := store.Discover(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoPersonas)
	}

	out := make(map[string][]chat.Record, len(files))
	for _, pf := range files {
		recs, err := chat.ReadJSONL(pf.Path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", pf.Persona, err)
		}
		out[pf.Persona] = recs
	}
	return out, nil
}

// PersonaSeed derives the persona-local seed: the first 8 bytes of
// sha256("<seed>:<persona>") read big-endian.
func PersonaSeed(seed int64, persona string) uint64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", seed, persona)))
	return binary.BigEndian.Uint64(sum[:8])
}

// EvalSize is round(n*ratio) clamped up to minEval, then down to n, then
// down to maxEval when set. The minimum is applied before the maximum, so
// maxEval wins when the two disagree.
func EvalSize(n int, ratio float64, minEval int, maxEval *int) int {
	desired := int(math.RoundToEven(float64(n) * ratio))
	desired = max(desired, minEval)
	desired = min(desired, n)
	if maxEval != nil {
		desired = min(desired, *maxEval)
	}
	return max(desired, 0)
}

// Partition picks size records with rng and returns them and the rest, both
// in their original order.
func Partition(records []chat.Record, size int, rng *rand.Rand) (eval, train []chat.Record) {
	if len(records) == 0 {
		return nil, nil
	}
	size = min(max(size, 0), len(records))

	perm := make([]int, len(records))
	for i := range perm {
		perm[i] = i
	}
	rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

	picked := make([]bool, len(records))
	for _, idx := range perm[:size] {
		picked[idx] = true
	}

	eval = make([]chat.Record, 0, size)
	train = make([]chat.Record, 0, len(records)-size)
	for i, r := range records {
		if picked[i] {
			eval = append(eval, r)
		} else {
			train = append(train, r)
		}
	}
	return eval, train
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 0))
}

type Splitter struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Splitter {
	return &Splitter{cfg: cfg, logger: logger}
}

// Run splits every persona, writes the four partitions and meta.json, and
// returns the summary. Personas are handled in sorted order.
func (s *Splitter) Run(ctx context.Context, personas map[string][]chat.Record) (*Summary, error) {
	if len(personas) == 0 {
		return nil, ErrNoPersonas
	}

	names := make([]string, 0, len(personas))
	for p := range personas {
		if err := store.ValidPersona(p); err != nil {
			return nil, err
		}
		names = append(names, p)
	}
	sort.Strings(names)

	summary := &Summary{
		RunID:             uuid.New(),
		InputDir:          s.cfg.InputDir,
		OutputDir:         s.cfg.EvalDir,
		TrainDir:          s.cfg.TrainDir,
		Seed:              s.cfg.Seed,
		EvalRatio:         s.cfg.EvalRatio,
		MinEvalPerPersona: s.cfg.MinEvalPerPersona,
		MaxEvalPerPersona: s.cfg.MaxEvalPerPersona,
		Personas:          make(map[string]PersonaSummary, len(names)),
	}

	var evalPool, trainPool []chat.Record
	for _, p := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records := personas[p]
		size := EvalSize(len(records), s.cfg.EvalRatio, s.cfg.MinEvalPerPersona, s.cfg.MaxEvalPerPersona)
		eval, train := Partition(records, size, newRand(PersonaSeed(s.cfg.Seed, p)))

		evalPath := filepath.Join(s.cfg.EvalDir, loraDir, p+".jsonl")
		if err := chat.WriteJSONL(evalPath, eval); err != nil {
			return nil, fmt.Errorf("write %s eval: %w", p, err)
		}
		trainPath := filepath.Join(s.cfg.TrainDir, loraDir, p+".jsonl")
		if err := chat.WriteJSONL(trainPath, train); err != nil {
			return nil, fmt.Errorf("write %s train: %w", p, err)
		}

		evalPool = append(evalPool, eval...)
		trainPool = append(trainPool, train...)

		summary.Personas[p] = PersonaSummary{
			SourceFile:    store.PersonaPath(s.cfg.InputDir, p),
			Total:         len(records),
			Eval:          len(eval),
			Remaining:     len(train),
			LoraEvalPath:  evalPath,
			LoraTrainPath: trainPath,
		}
		s.logger.Info("persona split",
			"persona", p,
			"total", len(records),
			"eval", len(eval),
			"remaining", len(train),
		)
	}

	// One generator, eval pool first: reordering these calls changes output.
	rng := newRand(uint64(s.cfg.Seed))
	shuffle(rng, evalPool)
	shuffle(rng, trainPool)

	sftEval := filepath.Join(s.cfg.EvalDir, sftDir, sftEvalFile)
	if err := chat.WriteJSONL(sftEval, evalPool); err != nil {
		return nil, fmt.Errorf("write combined eval: %w", err)
	}
	sftTrain := filepath.Join(s.cfg.TrainDir, sftDir, sftTrainFile)
	if err := chat.WriteJSONL(sftTrain, trainPool); err != nil {
		return nil, fmt.Errorf("write combined train: %w", err)
	}
	summary.SFT = SFTSummary{
		EvalTotal:    len(evalPool),
		SFTEvalPath:  sftEval,
		TrainTotal:   len(trainPool),
		SFTTrainPath: sftTrain,
	}

	for _, root := range []string{s.cfg.EvalDir, s.cfg.TrainDir} {
		for _, d := range placeholderDirs {
			if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %s: %w", d, err)
			}
		}
	}

	if err := writeSummary(MetaPath(s.cfg.EvalDir), summary); err != nil {
		return nil, err
	}

	s.logger.Info("split complete",
		"run_id", summary.RunID,
		"personas", len(names),
		"eval_total", len(evalPool),
		"train_total", len(trainPool),
	)
	return summary, nil
}

func shuffle(rng *rand.Rand, records []chat.Record) {
	rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
}

func writeSummary(path string, s *Summary) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
