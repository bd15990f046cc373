// Package convert turns segmented chunks into role-tagged training records.
package convert

import (
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/segment"
)

// Reason is the outcome of converting one chunk.
type Reason string

const (
	Accepted        Reason = "accepted"
	TooShort        Reason = "too_short"
	NoUserMessage   Reason = "no_user_message"
	NoAssistantTurn Reason = "no_assistant_turn"
)

const minChunkMessages = 2

// Convert builds a record from chunk. The record always opens with a user
// turn and contains at least one assistant turn; anything else is rejected
// with the reason it failed.
func Convert(chunk segment.Chunk, persona, self string) (chat.Record, Reason) {
	msgs := chunk.Messages
	if len(msgs) < minChunkMessages {
		return chat.Record{}, TooShort
	}

	// Drop the leading run of self messages.
	start := -1
	for i, m := range msgs {
		if chat.RoleOf(m.Sender, self) == chat.RoleUser {
			start = i
			break
		}
	}
	if start < 0 {
		return chat.Record{}, NoUserMessage
	}
	msgs = msgs[start:]

	turns := mergeTurns(msgs, self)

	rec := chat.Record{
		Messages:       turns,
		Persona:        persona,
		TimestampStart: msgs[0].Raw,
		TimestampEnd:   msgs[len(msgs)-1].Raw,
	}
	if !rec.HasRole(chat.RoleAssistant) {
		return chat.Record{}, NoAssistantTurn
	}
	return rec, Accepted
}

// mergeTurns joins consecutive same-role messages with a newline.
func mergeTurns(msgs []chat.Message, self string) []chat.Turn {
	var turns []chat.Turn
	var buf []string
	var role chat.Role

	flush := func() {
		if len(buf) > 0 {
			turns = append(turns, chat.Turn{Role: role, Content: strings.Join(buf, "\n")})
		}
		buf = buf[:0]
	}

	for _, m := range msgs {
		r := chat.RoleOf(m.Sender, self)
		if r != role {
			flush()
			role = r
		}
		buf = append(buf, m.Text)
	}
	flush()
	return turns
}

// Tally counts conversion outcomes for one persona.
type Tally struct {
	Accepted        int `json:"accepted"`
	TooShort        int `json:"too_short"`
	NoUserMessage   int `json:"no_user_message"`
	NoAssistantTurn int `json:"no_assistant_turn"`
}

// Add counts one outcome.
func (t *Tally) Add(r Reason) {
	switch r {
	case Accepted:
		t.Accepted++
	case TooShort:
		t.TooShort++
	case NoUserMessage:
		t.NoUserMessage++
	case NoAssistantTurn:
		t.NoAssistantTurn++
	}
}

// Rejected is the total of every non-accepted outcome.
func (t Tally) Rejected() int {
	return t.TooShort + t.NoUserMessage + t.NoAssistantTurn
}

// All converts every chunk in order. Rejections are expected filtering and
// only show up at debug level.
func All(chunks []segment.Chunk, persona, self string, logger *slog.Logger) ([]chat.Record, Tally) {
	var (
		records []chat.Record
		tally   Tally
	)
	for _, c := range chunks {
		rec, reason := Convert(c, persona, self)
		tally.Add(reason)
		if reason != Accepted {
			logger.Debug("chunk rejected",
				"persona", persona,
				"chunk", c.Index,
				"messages", len(c.Messages),
				"reason", string(reason),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, tally
}
