package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MikeSquared-Agency/parley/internal/chat"
)

func rec(persona, start, text string) chat.Record {
	return chat.Record{
		Messages: []chat.Turn{
			{Role: chat.RoleUser, Content: text},
			{Role: chat.RoleAssistant, Content: "ok"},
		},
		Persona:        persona,
		TimestampStart: start,
		TimestampEnd:   start,
	}
}

func TestValidPersona(t *testing.T) {
	for _, ok := range []string{"sister", "mum_2", "Dad"} {
		if err := ValidPersona(ok); err != nil {
			t.Errorf("%q: unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "../etc"} {
		if err := ValidPersona(bad); !errors.Is(err, ErrInvalidPersona) {
			t.Errorf("%q: expected ErrInvalidPersona, got %v", bad, err)
		}
	}
}

func TestWriteReadPersona(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "processed")
	records := []chat.Record{
		rec("sister", "2024-01-01T09:00:00", "a"),
		rec("sister", "2024-01-02T09:00:00", "b"),
		rec("sister", "2024-01-03T09:00:00", "c"),
	}

	path, err := WritePersona(dir, "sister", records)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "sister.jsonl") {
		t.Errorf("path = %q", path)
	}

	got, err := ReadPersona(dir, "sister", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Messages[0].Content != "b" {
		t.Errorf("unexpected records: %+v", got)
	}

	n, err := CountRecords(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountRecords = %d, want 3", n)
	}
}

func TestReadPersona_Missing(t *testing.T) {
	_, err := ReadPersona(t.TempDir(), "nobody", 0)
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDiscover_SkipsCombined(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"zed.jsonl", "amy.jsonl", CombinedFile, "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := Discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Persona != "amy" || files[1].Persona != "zed" {
		t.Errorf("unexpected files: %+v", files)
	}
}

func TestCombine_SortsByPersonaThenStart(t *testing.T) {
	dir := t.TempDir()
	if _, err := WritePersona(dir, "sister", []chat.Record{
		rec("sister", "2024-01-03T09:00:00", "s3"),
		rec("sister", "2024-01-01T09:00:00", "s1"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := WritePersona(dir, "brother", []chat.Record{
		rec("brother", "2024-01-02T09:00:00", "b2"),
		rec("brother", "2024-01-02T09:00:00", "b2-dup"),
	}); err != nil {
		t.Fatal(err)
	}

	path, n, err := Combine(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("combined %d records, want 4", n)
	}

	got, err := chat.ReadJSONL(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b2", "b2-dup", "s1", "s3"}
	for i, w := range want {
		if got[i].Messages[0].Content != w {
			t.Errorf("record %d = %q, want %q", i, got[i].Messages[0].Content, w)
		}
	}

	// Re-running must not pick up the combined file as a persona.
	if _, n, err := Combine(dir); err != nil || n != 4 {
		t.Errorf("second combine: n=%d err=%v", n, err)
	}
}
