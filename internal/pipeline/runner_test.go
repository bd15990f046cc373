package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/MikeSquared-Agency/parley/internal/archive"
	"github.com/MikeSquared-Agency/parley/internal/chat"
	"github.com/MikeSquared-Agency/parley/internal/hermes"
	"github.com/MikeSquared-Agency/parley/internal/oracle"
	"github.com/MikeSquared-Agency/parley/internal/segment"
	"github.com/MikeSquared-Agency/parley/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type cleaned struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
}

func writeCleaned(t *testing.T, dir, name string, msgs []cleaned) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

var sisterDay = []cleaned{
	{"2024-03-01T09:00:00", "Sister", "morning!"},
	{"2024-03-01T09:05:00", "Festus", "morning"},
	{"2024-03-01T09:10:00", "Sister", "coffee?"},
	{"2024-03-01T15:00:00", "Sister", "you there?"},
}

// Written out of order; the runner sorts before segmenting.
var brotherDay = []cleaned{
	{"2024-03-02T12:31:00", "Festus", "sure"},
	{"2024-03-02T12:00:00", "Brother", "lunch?"},
	{"2024-03-02T12:01:00", "Festus", "where"},
	{"2024-03-02T12:30:00", "Brother", "usual place"},
}

type fakeMirror struct {
	runs    []store.RunRow
	records map[string][]chat.Record
	err     error
}

func (f *fakeMirror) ReplacePersona(_ context.Context, run store.RunRow, records []chat.Record) error {
	f.runs = append(f.runs, run)
	if f.records == nil {
		f.records = map[string][]chat.Record{}
	}
	f.records[run.Persona] = records
	return f.err
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (f *fakePublisher) Publish(subject string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

type fakeNotifier struct {
	summaries []string
	threads   []string
	err       error
}

func (f *fakeNotifier) PostSummary(_ context.Context, text string) (string, error) {
	f.summaries = append(f.summaries, text)
	return "111.222", f.err
}

func (f *fakeNotifier) PostThread(_ context.Context, ts, text string) error {
	f.threads = append(f.threads, ts+" "+text)
	return nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	return Config{
		CleanedDir:   filepath.Join(root, "cleaned"),
		ProcessedDir: filepath.Join(root, "processed"),
		ArchiveDir:   filepath.Join(root, "archive"),
		SelfIdentity: "Festus",
		Segment:      segment.DefaultConfig(),
	}
}

func TestRun_SisterEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeCleaned(t, cfg.CleanedDir, "SISTER.json", sisterDay)

	o := oracle.New(oracle.Static{Answer: "YES"}, cfg.SelfIdentity, 0, 0, discardLogger())
	report, err := NewRunner(cfg, o, Sinks{}, discardLogger()).Run(context.Background(), "sister")
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Personas) != 1 {
		t.Fatalf("expected 1 persona, got %d", len(report.Personas))
	}
	pr := report.Personas[0]
	if pr.Persona != "sister" {
		t.Errorf("persona = %q", pr.Persona)
	}
	if pr.Segment.Chunks != 2 || pr.Convert.Accepted != 1 || pr.Convert.TooShort != 1 {
		t.Errorf("unexpected stats: segment=%+v convert=%+v", pr.Segment, pr.Convert)
	}
	if pr.Oracle.Calls != 0 {
		t.Errorf("expected no oracle calls, got %d", pr.Oracle.Calls)
	}

	records, err := store.ReadPersona(cfg.ProcessedDir, "sister", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	want := []chat.Turn{
		{Role: chat.RoleUser, Content: "morning!"},
		{Role: chat.RoleAssistant, Content: "morning"},
		{Role: chat.RoleUser, Content: "coffee?"},
	}
	for i, w := range want {
		if records[0].Messages[i] != w {
			t.Errorf("turn %d = %+v, want %+v", i, records[0].Messages[i], w)
		}
	}
	if records[0].TimestampStart != "2024-03-01T09:00:00" || records[0].TimestampEnd != "2024-03-01T09:10:00" {
		t.Errorf("timestamps = %s..%s", records[0].TimestampStart, records[0].TimestampEnd)
	}
}

func TestRun_AllPersonasWithSinks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Archive = true
	writeCleaned(t, cfg.CleanedDir, "SISTER.json", sisterDay)
	writeCleaned(t, cfg.CleanedDir, "BROTHER.json", brotherDay)

	// An unreachable oracle splits every ambiguous gap.
	o := oracle.New(oracle.Static{Err: errors.New("connection refused")}, cfg.SelfIdentity, 0, 0, discardLogger())
	mirror := &fakeMirror{}
	events := &fakePublisher{}
	notifier := &fakeNotifier{}

	report, err := NewRunner(cfg, o, Sinks{Mirror: mirror, Events: events, Notifier: notifier}, discardLogger()).
		Run(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Personas) != 2 || report.Personas[0].Persona != "brother" || report.Personas[1].Persona != "sister" {
		t.Fatalf("unexpected personas: %+v", report.Personas)
	}

	brother := report.Personas[0]
	// 12:00,12:01 | 12:30,12:31: the 29-minute gap is refused.
	if brother.Segment.Chunks != 2 || brother.Oracle.Calls != 1 || brother.Oracle.Failures != 1 {
		t.Errorf("brother: segment=%+v oracle=%+v", brother.Segment, brother.Oracle)
	}
	if brother.Convert.Accepted != 2 {
		t.Errorf("brother: convert=%+v", brother.Convert)
	}

	if len(mirror.runs) != 2 || mirror.runs[0].RunID != report.RunID || len(mirror.records["brother"]) != 2 {
		t.Errorf("mirror saw %+v", mirror.runs)
	}

	if len(events.subjects) != 2 || events.subjects[0] != hermes.SubjectProcessCompleted {
		t.Errorf("events = %v", events.subjects)
	}
	if ev, ok := events.payloads[0].(hermes.ProcessCompleted); !ok || ev.Persona != "brother" || ev.OracleFailures != 1 {
		t.Errorf("unexpected event payload %+v", events.payloads[0])
	}

	if len(notifier.summaries) != 1 || !strings.Contains(notifier.summaries[0], "2 personas, 3 records") {
		t.Errorf("summaries = %v", notifier.summaries)
	}
	if len(notifier.threads) != 1 || !strings.Contains(notifier.threads[0], "brother (1/1)") {
		t.Errorf("threads = %v", notifier.threads)
	}

	for _, pr := range report.Personas {
		if pr.Archive == "" {
			t.Fatalf("%s: expected archive snapshot", pr.Persona)
		}
		recs, err := archive.Read(pr.Archive)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != pr.Convert.Accepted {
			t.Errorf("%s: archive holds %d records, want %d", pr.Persona, len(recs), pr.Convert.Accepted)
		}
	}

	var buf bytes.Buffer
	report.WriteSummary(&buf)
	if !strings.Contains(buf.String(), "Total conversations: 3") {
		t.Errorf("summary output:\n%s", buf.String())
	}
}

func TestRun_SinkFailuresDoNotFailRun(t *testing.T) {
	cfg := testConfig(t)
	writeCleaned(t, cfg.CleanedDir, "SISTER.json", sisterDay)

	o := oracle.New(oracle.Static{Answer: "NO"}, cfg.SelfIdentity, 0, 0, discardLogger())
	sinks := Sinks{
		Mirror:   &fakeMirror{err: errors.New("db down")},
		Notifier: &fakeNotifier{err: errors.New("slack down")},
	}
	if _, err := NewRunner(cfg, o, sinks, discardLogger()).Run(context.Background(), ""); err != nil {
		t.Fatalf("expected sink failures to be tolerated, got %v", err)
	}
}

func TestRun_TestModeTruncates(t *testing.T) {
	cfg := testConfig(t)
	cfg.TestMode = true
	cfg.TestLimit = 3
	writeCleaned(t, cfg.CleanedDir, "SISTER.json", sisterDay)

	o := oracle.New(oracle.Static{Answer: "YES"}, cfg.SelfIdentity, 0, 0, discardLogger())
	report, err := NewRunner(cfg, o, Sinks{}, discardLogger()).Run(context.Background(), "sister")
	if err != nil {
		t.Fatal(err)
	}
	if got := report.Personas[0].Segment.Messages; got != 3 {
		t.Errorf("expected 3 messages in test mode, got %d", got)
	}
	if !report.TestMode {
		t.Error("report should record test mode")
	}
}

func TestRun_MissingPersona(t *testing.T) {
	cfg := testConfig(t)
	writeCleaned(t, cfg.CleanedDir, "SISTER.json", sisterDay)

	o := oracle.New(oracle.Static{Answer: "YES"}, cfg.SelfIdentity, 0, 0, discardLogger())
	_, err := NewRunner(cfg, o, Sinks{}, discardLogger()).Run(context.Background(), "cousin")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "SISTER") {
		t.Errorf("expected available personas in error, got %v", err)
	}
}

func TestRun_NoInput(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.CleanedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	o := oracle.New(oracle.Static{Answer: "YES"}, cfg.SelfIdentity, 0, 0, discardLogger())
	_, err := NewRunner(cfg, o, Sinks{}, discardLogger()).Run(context.Background(), "")
	if !errors.Is(err, ErrNoInput) {
		t.Fatalf("expected ErrNoInput, got %v", err)
	}
}

func TestRun_EmptyPersonaSkipped(t *testing.T) {
	cfg := testConfig(t)
	writeCleaned(t, cfg.CleanedDir, "QUIET.json", []cleaned{})
	writeCleaned(t, cfg.CleanedDir, "SISTER.json", sisterDay)

	o := oracle.New(oracle.Static{Answer: "YES"}, cfg.SelfIdentity, 0, 0, discardLogger())
	report, err := NewRunner(cfg, o, Sinks{}, discardLogger()).Run(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Personas) != 1 || report.Personas[0].Persona != "sister" {
		t.Errorf("expected only sister, got %+v", report.Personas)
	}
	if _, err := os.Stat(store.PersonaPath(cfg.ProcessedDir, "quiet")); !os.IsNotExist(err) {
		t.Errorf("expected no output file for empty persona, got %v", err)
	}
}
