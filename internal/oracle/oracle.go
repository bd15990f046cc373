// Package oracle asks a language model whether a message continues the
// conversation before it.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/chat"
)

// contextWindow is how many trailing messages of the current chunk are shown
// to the model.
const contextWindow = 10

// Completer is a text-generation backend answering a single prompt.
type Completer interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Continuer decides whether candidate belongs to the conversation in history.
type Continuer interface {
	Continues(ctx context.Context, history []chat.Message, candidate chat.Message) bool
}

// Stats counts oracle outcomes over the lifetime of an Oracle.
type Stats struct {
	Calls    int64 `json:"calls"`
	Yes      int64 `json:"yes"`
	No       int64 `json:"no"`
	Failures int64 `json:"failures"`
}

// Oracle implements Continuer on top of a Completer. Any failure of the
// backend counts as "no", so an unreachable model splits rather than merges.
type Oracle struct {
	backend Completer
	self    string
	timeout time.Duration
	delay   time.Duration
	logger  *slog.Logger

	calls, yes, no, failures atomic.Int64
}

// New wraps backend. timeout bounds each call (zero means no extra bound);
// delay is slept after every call to throttle request rate.
func New(backend Completer, self string, timeout, delay time.Duration, logger *slog.Logger) *Oracle {
	return &Oracle{
		backend: backend,
		self:    self,
		timeout: timeout,
		delay:   delay,
		logger:  logger,
	}
}

// Continues asks the backend once. It never returns an error: transport
// failures, bad status codes and empty answers are logged and read as false.
func (o *Oracle) Continues(ctx context.Context, history []chat.Message, candidate chat.Message) bool {
	o.calls.Add(1)
	defer o.throttle(ctx)

	prompt := BuildPrompt(history, candidate, o.self)

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	o.logger.Debug("asking continuation oracle",
		"provider", o.backend.Name(),
		"context_messages", min(len(history), contextWindow),
		"candidate_ts", candidate.Raw,
	)

	answer, err := o.backend.Complete(callCtx, prompt)
	if err != nil {
		o.failures.Add(1)
		o.no.Add(1)
		o.logger.Warn("continuation oracle failed, treating as new conversation",
			"provider", o.backend.Name(),
			"candidate_ts", candidate.Raw,
			"error", err,
		)
		return false
	}
	if strings.TrimSpace(answer) == "" {
		o.failures.Add(1)
		o.no.Add(1)
		o.logger.Warn("continuation oracle returned an empty answer, treating as new conversation",
			"provider", o.backend.Name(),
			"candidate_ts", candidate.Raw,
		)
		return false
	}

	ok := Decide(answer)
	if ok {
		o.yes.Add(1)
	} else {
		o.no.Add(1)
	}
	o.logger.Info("continuation oracle answered",
		"provider", o.backend.Name(),
		"candidate_ts", candidate.Raw,
		"answer", strings.TrimSpace(answer),
		"continues", ok,
	)
	return ok
}

// Stats returns a snapshot of the counters.
func (o *Oracle) Stats() Stats {
	return Stats{
		Calls:    o.calls.Load(),
		Yes:      o.yes.Load(),
		No:       o.no.Load(),
		Failures: o.failures.Load(),
	}
}

func (o *Oracle) throttle(ctx context.Context) {
	if o.delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(o.delay):
	}
}

// Decide reads a model answer: yes iff the upper-cased text contains "YES".
func Decide(answer string) bool {
	return strings.Contains(strings.ToUpper(strings.TrimSpace(answer)), "YES")
}

// BuildPrompt renders the last messages of history and the candidate as a
// transcript followed by a strict yes/no question.
func BuildPrompt(history []chat.Message, candidate chat.Message, self string) string {
	if len(history) > contextWindow {
		history = history[len(history)-contextWindow:]
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Raw, speaker(m.Sender, self), m.Text)
	}
	fmt.Fprintf(&sb, "\nNew message at [%s]:\n", candidate.Raw)
	fmt.Fprintf(&sb, "%s: %s\n", speaker(candidate.Sender, self), candidate.Text)
	sb.WriteString("\nDoes this new message continue the same conversation, or does it start a new topic/conversation?\n")
	sb.WriteString(`Answer with only "YES" or "NO".`)
	return sb.String()
}

func speaker(sender, self string) string {
	if chat.RoleOf(sender, self) == chat.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
