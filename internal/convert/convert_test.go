package convert

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/segment"
)

const self = "Festus"

func chunkOf(senders ...string) segment.Chunk {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs := make([]chat.Message, len(senders))
	for i, s := range senders {
		ts := base.Add(time.Duration(i) * time.Minute)
		msgs[i] = chat.Message{
			Timestamp: ts,
			Raw:       ts.Format("2006-01-02T15:04:05"),
			Sender:    s,
			Text:      s + "-" + string(rune('0'+i)),
		}
	}
	return segment.Chunk{Messages: msgs}
}

func TestConvert_TooShort(t *testing.T) {
	for _, c := range []segment.Chunk{{}, chunkOf("Sister")} {
		if _, r := Convert(c, "sister", self); r != TooShort {
			t.Errorf("len %d: reason = %q, want %q", len(c.Messages), r, TooShort)
		}
	}
}

func TestConvert_TrimsLeadingAssistant(t *testing.T) {
	rec, r := Convert(chunkOf(self, self, "Sister", self), "sister", self)
	if r != Accepted {
		t.Fatalf("reason = %q", r)
	}
	if len(rec.Messages) != 2 {
		t.Fatalf("expected 2 turns, got %+v", rec.Messages)
	}
	if rec.Messages[0].Role != chat.RoleUser || rec.Messages[0].Content != "Sister-2" {
		t.Errorf("first turn = %+v", rec.Messages[0])
	}
	if rec.Messages[1].Role != chat.RoleAssistant || rec.Messages[1].Content != "Festus-3" {
		t.Errorf("second turn = %+v", rec.Messages[1])
	}
	if rec.TimestampStart != "2024-03-01T09:02:00" {
		t.Errorf("timestamp_start = %q, want the first kept message", rec.TimestampStart)
	}
	if rec.TimestampEnd != "2024-03-01T09:03:00" {
		t.Errorf("timestamp_end = %q", rec.TimestampEnd)
	}
	if rec.Persona != "sister" {
		t.Errorf("persona = %q", rec.Persona)
	}
}

func TestConvert_NoUserMessage(t *testing.T) {
	if _, r := Convert(chunkOf(self, self, self), "sister", self); r != NoUserMessage {
		t.Errorf("reason = %q, want %q", r, NoUserMessage)
	}
}

func TestConvert_NoAssistantTurn(t *testing.T) {
	if _, r := Convert(chunkOf("Sister", "Sister", "Sister"), "sister", self); r != NoAssistantTurn {
		t.Errorf("reason = %q, want %q", r, NoAssistantTurn)
	}
	// Trimming can leave only user turns too.
	if _, r := Convert(chunkOf(self, "Sister"), "sister", self); r != NoAssistantTurn {
		t.Errorf("reason = %q, want %q", r, NoAssistantTurn)
	}
}

func TestConvert_MergesConsecutiveRoles(t *testing.T) {
	rec, r := Convert(chunkOf("Sister", "Mum", self, self, "Sister"), "family", self)
	if r != Accepted {
		t.Fatalf("reason = %q", r)
	}
	want := []chat.Turn{
		{Role: chat.RoleUser, Content: "Sister-0\nMum-1"},
		{Role: chat.RoleAssistant, Content: "Festus-2\nFestus-3"},
		{Role: chat.RoleUser, Content: "Sister-4"},
	}
	if len(rec.Messages) != len(want) {
		t.Fatalf("turns = %+v", rec.Messages)
	}
	for i := range want {
		if rec.Messages[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, rec.Messages[i], want[i])
		}
	}
}

func TestAll(t *testing.T) {
	chunks := []segment.Chunk{
		chunkOf("Sister", self),
		chunkOf("Sister"),
		chunkOf(self, self),
		chunkOf("Sister", "Sister"),
		chunkOf(self, "Sister", self),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	records, tally := All(chunks, "sister", self, logger)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	want := Tally{Accepted: 2, TooShort: 1, NoUserMessage: 1, NoAssistantTurn: 1}
	if tally != want {
		t.Errorf("tally = %+v, want %+v", tally, want)
	}
	if tally.Rejected() != 3 {
		t.Errorf("rejected = %d", tally.Rejected())
	}
	for _, rec := range records {
		if rec.Messages[0].Role != chat.RoleUser {
			t.Errorf("record does not open with a user turn: %+v", rec)
		}
	}
}
