package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

// ErrNotFound is returned when a persona input file does not exist.
var ErrNotFound = errors.New("not found")

// cleanedMessage is the on-disk shape written by the cleaner.
type cleanedMessage struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
}

// Layouts accepted for message timestamps, most specific first. Timestamps
// without a zone are read as UTC so their wall clock hour is preserved.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp parses an ISO-8601 timestamp as produced by the cleaner.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// LoadCleaned reads a cleaned persona file (a JSON array of
// {timestamp, sender, message}) in file order.
func LoadCleaned(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read cleaned file: %w", err)
	}

	var raw []cleanedMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cleaned file %s: %w", path, err)
	}

	msgs := make([]Message, 0, len(raw))
	for i, m := range raw {
		ts, err := ParseTimestamp(m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%s: message %d: %w", path, i, err)
		}
		msgs = append(msgs, Message{
			Timestamp: ts,
			Raw:       m.Timestamp,
			Sender:    m.Sender,
			Text:      m.Message,
		})
	}
	return msgs, nil
}

// SortByTime orders messages ascending by timestamp, keeping the file order
// of messages that share a timestamp.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
