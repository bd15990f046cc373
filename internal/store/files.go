// Package store persists training records: one JSONL file per persona, a
// combined file, and an optional Postgres mirror.
package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MikeSquared-Agency/parley/internal/chat"
)

// CombinedFile is the merged output of every persona in a directory.
const CombinedFile = "conversations.jsonl"

// ErrInvalidPersona is returned for names that would escape the data directory.
var ErrInvalidPersona = errors.New("invalid persona name")

// PersonaFile is a discovered per-persona record file.
type PersonaFile struct {
	Persona string
	Path    string
}

// ValidPersona rejects empty names, path separators and dot segments.
func ValidPersona(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q: %w", name, ErrInvalidPersona)
	}
	return nil
}

// PersonaPath is where persona's records live under dir.
func PersonaPath(dir, persona string) string {
	return filepath.Join(dir, persona+".jsonl")
}

// WritePersona overwrites persona's file and returns its path.
func WritePersona(dir, persona string, records []chat.Record) (string, error) {
	if err := ValidPersona(persona); err != nil {
		return "", err
	}
	path := PersonaPath(dir, persona)
	if err := chat.WriteJSONL(path, records); err != nil {
		return "", err
	}
	return path, nil
}

// ReadPersona returns up to limit records of persona (limit <= 0 means all).
func ReadPersona(dir, persona string, limit int) ([]chat.Record, error) {
	if err := ValidPersona(persona); err != nil {
		return nil, err
	}
	path := PersonaPath(dir, persona)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("persona %s: %w", persona, chat.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return chat.DecodeJSONL(f, limit)
}

// Discover lists the persona files in dir sorted by persona, skipping the
// combined file.
func Discover(dir string) ([]PersonaFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}

	var out []PersonaFile
	for _, m := range matches {
		if filepath.Base(m) == CombinedFile {
			continue
		}
		out = append(out, PersonaFile{
			Persona: strings.TrimSuffix(filepath.Base(m), ".jsonl"),
			Path:    m,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Persona < out[j].Persona })
	return out, nil
}

// CountRecords counts the non-blank lines of a JSONL file without decoding them.
func CountRecords(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	n := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", path, err)
	}
	return n, nil
}

// Combine merges every persona file in dir into CombinedFile, ordered by
// persona then timestamp_start. Records with equal keys keep file order.
func Combine(dir string) (string, int, error) {
	files, err := Discover(dir)
	if err != nil {
		return "", 0, err
	}

	var all []chat.Record
	for _, pf := range files {
		recs, err := chat.ReadJSONL(pf.Path)
		if err != nil {
			return "", 0, fmt.Errorf("read %s: %w", pf.Persona, err)
		}
		all = append(all, recs...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Persona != all[j].Persona {
			return all[i].Persona < all[j].Persona
		}
		return all[i].TimestampStart < all[j].TimestampStart
	})

	out := filepath.Join(dir, CombinedFile)
	if err := chat.WriteJSONL(out, all); err != nil {
		return "", 0, err
	}
	return out, len(all), nil
}
