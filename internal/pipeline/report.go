package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/parley/internal/convert"
	"github.com/MikeSquared-Agency/parley/internal/oracle"
	"github.com/MikeSquared-Agency/parley/internal/segment"
	"github.com/MikeSquared-Agency/parley/internal/slack"
)

// PersonaReport is the outcome of processing one persona.
type PersonaReport struct {
	Persona string        `json:"persona"`
	Source  string        `json:"source"`
	Output  string        `json:"output"`
	Archive string        `json:"archive,omitempty"`
	Segment segment.Stats `json:"segment"`
	Convert convert.Tally `json:"convert"`
	Oracle  oracle.Stats  `json:"oracle"`
}

// Report is the outcome of one processing run.
type Report struct {
	RunID      uuid.UUID       `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	TestMode   bool            `json:"test_mode"`
	Personas   []PersonaReport `json:"personas"`
}

// Records is the number of records written across personas.
func (r *Report) Records() int {
	n := 0
	for _, p := range r.Personas {
		n += p.Convert.Accepted
	}
	return n
}

// WriteSummary prints the per-persona summary for the terminal.
func (r *Report) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "\n=== Processing Summary ===\n")
	fmt.Fprintf(w, "Run: %s\n", r.RunID)
	for _, p := range r.Personas {
		fmt.Fprintf(w, "- %s: %d messages -> %d chunks -> %d conversations (%d rejected)\n",
			p.Persona, p.Segment.Messages, p.Segment.Chunks, p.Convert.Accepted, p.Convert.Rejected())
		if p.Oracle.Calls > 0 {
			fmt.Fprintf(w, "  oracle: %d calls, %d yes, %d no, %d failed\n",
				p.Oracle.Calls, p.Oracle.Yes, p.Oracle.No, p.Oracle.Failures)
		}
		fmt.Fprintf(w, "  saved to %s\n", p.Output)
	}
	fmt.Fprintf(w, "Total conversations: %d\n", r.Records())
	if r.TestMode {
		fmt.Fprintf(w, "Mode: TEST (truncated input)\n")
	}
}

func (r *Report) slackResults() []slack.PersonaResult {
	out := make([]slack.PersonaResult, len(r.Personas))
	for i, p := range r.Personas {
		out[i] = slack.PersonaResult{
			Persona:        p.Persona,
			Messages:       p.Segment.Messages,
			Chunks:         p.Segment.Chunks,
			Records:        p.Convert.Accepted,
			Rejected:       p.Convert.Rejected(),
			OracleCalls:    p.Oracle.Calls,
			OracleFailures: p.Oracle.Failures,
		}
	}
	return out
}
