// Package hermes publishes pipeline events on the NATS bus.
package hermes

import (
	"time"

	"github.com/google/uuid"
)

const (
	// SubjectProcessCompleted fires once per persona after its records are written.
	SubjectProcessCompleted = "parley.process.completed"
	// SubjectSplitCompleted fires after meta.json is written.
	SubjectSplitCompleted = "parley.split.completed"
	// SubjectRegistered announces a running API server.
	SubjectRegistered = "parley.agent.registered"
)

// Publisher is the part of Client the pipeline needs.
type Publisher interface {
	Publish(subject string, data any) error
}

// ProcessCompleted describes one persona's processing run.
type ProcessCompleted struct {
	RunID          uuid.UUID `json:"run_id"`
	Persona        string    `json:"persona"`
	Messages       int       `json:"messages"`
	Chunks         int       `json:"chunks"`
	Records        int       `json:"records"`
	Rejected       int       `json:"rejected"`
	OracleCalls    int64     `json:"oracle_calls"`
	OracleFailures int64     `json:"oracle_failures"`
	Path           string    `json:"path"`
	CompletedAt    time.Time `json:"completed_at"`
}

// SplitCompleted describes a dataset split.
type SplitCompleted struct {
	RunID       uuid.UUID `json:"run_id"`
	Personas    int       `json:"personas"`
	EvalTotal   int       `json:"eval_total"`
	TrainTotal  int       `json:"train_total"`
	MetaPath    string    `json:"meta_path"`
	CompletedAt time.Time `json:"completed_at"`
}
