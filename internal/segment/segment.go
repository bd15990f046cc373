// Package segment splits a time-ordered message stream into conversations.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/config"
	"github.com/MikeSquared-Agency/parley/internal/oracle"
)

// ErrUnsorted is returned when a message is older than the one before it.
var ErrUnsorted = errors.New("messages not sorted by timestamp")

// Chunk is a contiguous run of messages hypothesised to be one conversation.
type Chunk struct {
	Messages []chat.Message
	Index    int
}

// Start returns the timestamp of the first message.
func (c Chunk) Start() time.Time { return c.Messages[0].Timestamp }

// End returns the timestamp of the last message.
func (c Chunk) End() time.Time { return c.Messages[len(c.Messages)-1].Timestamp }

// Config holds the gap policy.
type Config struct {
	AutoContinue   time.Duration // gaps up to this always continue
	OracleMax      time.Duration // gaps up to this ask the oracle
	SleepStartHour int           // [SleepStartHour, SleepEndHour) of the later message
	SleepEndHour   int           // marks a long gap as an overnight pause
}

// ConfigFrom converts the minute/hour settings of the config file.
func ConfigFrom(c config.SegmentConfig) Config {
	return Config{
		AutoContinue:   time.Duration(c.AutoContinueMinutes) * time.Minute,
		OracleMax:      time.Duration(c.OracleMaxMinutes) * time.Minute,
		SleepStartHour: c.SleepStartHour,
		SleepEndHour:   c.SleepEndHour,
	}
}

// DefaultConfig is 15 minutes / 4 hours / asleep from midnight to 10am.
func DefaultConfig() Config {
	return Config{
		AutoContinue:   15 * time.Minute,
		OracleMax:      240 * time.Minute,
		SleepStartHour: 0,
		SleepEndHour:   10,
	}
}

// Stats summarises one Segment call.
type Stats struct {
	Messages        int `json:"messages"`
	Chunks          int `json:"chunks"`
	AutoContinued   int `json:"auto_continued"`
	OracleConsulted int `json:"oracle_consulted"`
	OracleContinued int `json:"oracle_continued"`
	ForcedSplits    int `json:"forced_splits"`
}

// Segmenter is a greedy, single forward pass over the message stream.
type Segmenter struct {
	cfg    Config
	oracle oracle.Continuer
	logger *slog.Logger
}

func New(cfg Config, o oracle.Continuer, logger *slog.Logger) *Segmenter {
	return &Segmenter{cfg: cfg, oracle: o, logger: logger}
}

// Segment partitions msgs into chunks. Concatenating the chunks gives back
// msgs exactly. Each consecutive pair is judged by its gap:
//
//	gap <= AutoContinue            continue without asking
//	gap <= OracleMax               ask the oracle
//	longer, later msg in sleep     ask the oracle
//	longer, otherwise              split
func (s *Segmenter) Segment(ctx context.Context, msgs []chat.Message) ([]Chunk, Stats, error) {
	stats := Stats{Messages: len(msgs)}
	if len(msgs) == 0 {
		return nil, stats, nil
	}

	var chunks []Chunk
	current := []chat.Message{msgs[0]}

	for i := 1; i < len(msgs); i++ {
		prev, curr := msgs[i-1], msgs[i]
		gap := curr.Timestamp.Sub(prev.Timestamp)
		if gap < 0 {
			return nil, stats, fmt.Errorf("message %d (%s) precedes message %d (%s): %w",
				i, curr.Raw, i-1, prev.Raw, ErrUnsorted)
		}

		var continues bool
		switch {
		case gap <= s.cfg.AutoContinue:
			continues = true
			stats.AutoContinued++
		case gap <= s.cfg.OracleMax, s.asleep(curr.Timestamp):
			stats.OracleConsulted++
			continues = s.oracle.Continues(ctx, current, curr)
			if continues {
				stats.OracleContinued++
			}
		default:
			stats.ForcedSplits++
			s.logger.Debug("long daytime gap, forcing split",
				"gap_minutes", gap.Minutes(),
				"at", curr.Raw,
			)
		}

		if continues {
			current = append(current, curr)
			continue
		}
		chunks = append(chunks, Chunk{Messages: current, Index: len(chunks)})
		current = []chat.Message{curr}
	}

	chunks = append(chunks, Chunk{Messages: current, Index: len(chunks)})
	stats.Chunks = len(chunks)
	return chunks, stats, nil
}

// asleep keys off the later message's wall-clock hour, not the gap midpoint.
func (s *Segmenter) asleep(t time.Time) bool {
	h := t.Hour()
	return h >= s.cfg.SleepStartHour && h < s.cfg.SleepEndHour
}
