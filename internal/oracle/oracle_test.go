package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msg(ts, sender, text string) chat.Message {
	t, _ := chat.ParseTimestamp(ts)
	return chat.Message{Timestamp: t, Raw: ts, Sender: sender, Text: text}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		answer string
		want   bool
	}{
		{"YES", true},
		{"yes.", true},
		{"  Yes, it continues", true},
		{"NO", false},
		{"no", false},
		{"maybe", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Decide(tt.answer); got != tt.want {
			t.Errorf("Decide(%q) = %v, want %v", tt.answer, got, tt.want)
		}
	}
}

func TestBuildPrompt_RolesAndCandidate(t *testing.T) {
	history := []chat.Message{
		msg("2024-03-01T09:00:00", "Festus", "morning"),
		msg("2024-03-01T09:01:00", "Sister", "hey"),
	}
	candidate := msg("2024-03-01T10:00:00", "Sister", "still there?")

	prompt := BuildPrompt(history, candidate, "Festus")

	for _, want := range []string{
		"Previous conversation:\n",
		"[2024-03-01T09:00:00] Assistant: morning\n",
		"[2024-03-01T09:01:00] User: hey\n",
		"New message at [2024-03-01T10:00:00]:\nUser: still there?\n",
		`Answer with only "YES" or "NO".`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_KeepsLastTenMessages(t *testing.T) {
	var history []chat.Message
	for i := 0; i < 15; i++ {
		history = append(history, msg(fmt.Sprintf("2024-03-01T09:%02d:00", i), "Sister", fmt.Sprintf("m%02d", i)))
	}
	prompt := BuildPrompt(history, msg("2024-03-01T11:00:00", "Sister", "next"), "Festus")

	if strings.Contains(prompt, "m04") {
		t.Error("expected messages before the last ten to be dropped")
	}
	if !strings.Contains(prompt, "m05") || !strings.Contains(prompt, "m14") {
		t.Error("expected the last ten messages to be present")
	}
}

type recordingCompleter struct {
	answer  string
	err     error
	prompts []string
}

func (r *recordingCompleter) Name() string { return "recording" }

func (r *recordingCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	r.prompts = append(r.prompts, prompt)
	return r.answer, r.err
}

func TestContinues_Yes(t *testing.T) {
	backend := &recordingCompleter{answer: "YES"}
	o := New(backend, "Festus", time.Second, 0, discardLogger())

	history := []chat.Message{msg("2024-03-01T09:00:00", "Sister", "hi")}
	if !o.Continues(context.Background(), history, msg("2024-03-01T09:30:00", "Festus", "back")) {
		t.Fatal("expected continuation")
	}
	if len(backend.prompts) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(backend.prompts))
	}
	if s := o.Stats(); s.Calls != 1 || s.Yes != 1 || s.Failures != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestContinues_No(t *testing.T) {
	o := New(&recordingCompleter{answer: "NO"}, "Festus", 0, 0, discardLogger())
	if o.Continues(context.Background(), nil, msg("2024-03-01T09:30:00", "Sister", "new")) {
		t.Fatal("expected split on NO")
	}
	if s := o.Stats(); s.No != 1 || s.Failures != 0 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestContinues_FailureIsNoWithoutRetry(t *testing.T) {
	backend := &recordingCompleter{err: errors.New("connection refused")}
	o := New(backend, "Festus", 0, 0, discardLogger())

	if o.Continues(context.Background(), nil, msg("2024-03-01T09:30:00", "Sister", "new")) {
		t.Fatal("expected failure to read as no")
	}
	if len(backend.prompts) != 1 {
		t.Errorf("expected no retry, got %d calls", len(backend.prompts))
	}
	if s := o.Stats(); s.Failures != 1 || s.No != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestContinues_EmptyAnswerIsFailure(t *testing.T) {
	o := New(&recordingCompleter{answer: "   "}, "Festus", 0, 0, discardLogger())
	if o.Continues(context.Background(), nil, msg("2024-03-01T09:30:00", "Sister", "new")) {
		t.Fatal("expected empty answer to read as no")
	}
	if s := o.Stats(); s.Failures != 1 {
		t.Errorf("expected a failure to be counted, got %+v", s)
	}
}

func TestContinues_Throttles(t *testing.T) {
	o := New(&recordingCompleter{answer: "NO"}, "Festus", 0, 30*time.Millisecond, discardLogger())

	start := time.Now()
	o.Continues(context.Background(), nil, msg("2024-03-01T09:30:00", "Sister", "new"))
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected delay after call, returned after %s", elapsed)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.OracleConfig
		wantName string
		wantErr  bool
	}{
		{"ollama", config.OracleConfig{Provider: "ollama", Endpoint: "http://x/api/chat", Model: "llama3:8b"}, "ollama", false},
		{"openai", config.OracleConfig{Provider: "openai", OpenAIAPIKey: "sk-test", Model: "gpt-4o-mini"}, "openai", false},
		{"openai without key", config.OracleConfig{Provider: "openai"}, "", true},
		{"anthropic", config.OracleConfig{Provider: "anthropic", AnthropicAPIKey: "k", Model: "m"}, "anthropic", false},
		{"anthropic without key", config.OracleConfig{Provider: "anthropic"}, "", true},
		{"none", config.OracleConfig{Provider: "none"}, "none", false},
		{"unknown", config.OracleConfig{Provider: "gemini"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestStatic_Disabled(t *testing.T) {
	p, err := NewProvider(config.OracleConfig{Provider: "none"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Complete(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}
