package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/parley/internal/anthropic"
	"github.com/MikeSquared-Agency/parley/internal/config"
)

// ErrDisabled is returned by the "none" provider for every prompt.
var ErrDisabled = errors.New("continuation oracle disabled")

// NewProvider builds the backend named by cfg.Provider. Selection happens
// here once; callers only ever see a Completer.
func NewProvider(cfg config.OracleConfig) (Completer, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg.Endpoint, cfg.Model, cfg.Timeout()), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, cfg.Timeout()), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return NewAnthropic(anthropic.NewClient(cfg.AnthropicAPIKey, cfg.Model, cfg.Timeout())), nil
	case "none", "":
		return Static{Label: "none", Err: ErrDisabled}, nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}

// Static answers every prompt the same way. With Err set it behaves like an
// unreachable model.
type Static struct {
	Label  string
	Answer string
	Err    error
}

func (s Static) Name() string {
	if s.Label == "" {
		return "static"
	}
	return s.Label
}

func (s Static) Complete(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Answer, nil
}

// Anthropic adapts the Messages API client.
type Anthropic struct {
	client *anthropic.Client
}

func NewAnthropic(client *anthropic.Client) *Anthropic {
	return &Anthropic{client: client}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	return a.client.Complete(ctx, "", []anthropic.Message{{Role: "user", Content: prompt}}, 5)
}
