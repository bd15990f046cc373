package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PersonaResult is one persona's line in a processing summary.
type PersonaResult struct {
	Persona        string
	Messages       int
	Chunks         int
	Records        int
	Rejected       int
	OracleCalls    int64
	OracleFailures int64
}

// SplitLine is one persona's line in a split summary.
type SplitLine struct {
	Persona   string
	Eval      int
	Remaining int
}

// PostSummary posts text as a standalone message and returns its ts so
// follow-ups can be threaded under it.
func (p *Poster) PostSummary(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	respBody, err := p.post(ctx, body)
	if err != nil {
		return "", err
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}

	p.logger.Info("posted summary to slack", "ts", slackResp.TS)
	return slackResp.TS, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	body, err := json.Marshal(map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = p.post(ctx, body)
	return err
}

func (p *Poster) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack post: status %d", resp.StatusCode)
	}
	return respBody, nil
}

// FormatProcessSummary renders a processing run for the channel.
func FormatProcessSummary(runID string, results []PersonaResult) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Parley processing run* `%s`\n", runID)
	if len(results) == 0 {
		sb.WriteString("_No personas processed._")
		return sb.String()
	}

	totalRecords := 0
	for _, r := range results {
		totalRecords += r.Records
	}
	fmt.Fprintf(&sb, "*%d personas, %d records*\n\n", len(results), totalRecords)

	for _, r := range results {
		fmt.Fprintf(&sb, "- *%s*: %d msgs -> %d chunks -> %d records (%d rejected)",
			r.Persona, r.Messages, r.Chunks, r.Records, r.Rejected)
		if r.OracleCalls > 0 {
			fmt.Fprintf(&sb, " | oracle %d calls", r.OracleCalls)
			if r.OracleFailures > 0 {
				fmt.Fprintf(&sb, ", %d failed", r.OracleFailures)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatOracleWarning lists personas whose oracle calls failed, or returns
// "" when none did.
func FormatOracleWarning(results []PersonaResult) string {
	var failed []string
	for _, r := range results {
		if r.OracleFailures > 0 {
			failed = append(failed, fmt.Sprintf("%s (%d/%d)", r.Persona, r.OracleFailures, r.OracleCalls))
		}
	}
	if len(failed) == 0 {
		return ""
	}
	return ":warning: Continuation oracle failures were read as splits for: " + strings.Join(failed, ", ")
}

// FormatSplitSummary renders a dataset split for the channel.
func FormatSplitSummary(runID string, lines []SplitLine, evalTotal, trainTotal int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Parley dataset split* `%s`\n", runID)
	fmt.Fprintf(&sb, "*eval %d / train %d*\n\n", evalTotal, trainTotal)
	for _, l := range lines {
		fmt.Fprintf(&sb, "- *%s*: eval=%d remaining=%d\n", l.Persona, l.Eval, l.Remaining)
	}
	return sb.String()
}
