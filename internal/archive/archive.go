// Package archive keeps zstd-compressed snapshots of persona record files,
// one per processing run.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/MikeSquared-Agency/parley/internal/chat"
)

const ext = ".jsonl.zst"

// Path is the snapshot location for persona in a given run.
func Path(archiveDir, persona, runID string) string {
	return filepath.Join(archiveDir, persona, runID+ext)
}

// Snapshot compresses srcPath into archiveDir/<persona>/<runID>.jsonl.zst
// and returns the archive path.
func Snapshot(srcPath, archiveDir, persona, runID string) (string, error) {
	destPath := Path(archiveDir, persona, runID)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer dest.Close()

	encoder, err := zstd.NewWriter(dest, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}

	if _, err := io.Copy(encoder, src); err != nil {
		encoder.Close()
		return "", fmt.Errorf("compress: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("finalize compression: %w", err)
	}
	if err := dest.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return destPath, nil
}

// Read decodes the records of a snapshot without unpacking it to disk.
func Read(archivePath string) ([]chat.Record, error) {
	src, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", archivePath, chat.ErrNotFound)
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	decoder, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	recs, err := chat.DecodeJSONL(decoder, 0)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", archivePath, err)
	}
	return recs, nil
}

// List returns persona's snapshot paths, oldest first by modification time.
func List(archiveDir, persona string) ([]string, error) {
	dir := filepath.Join(archiveDir, persona)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	type snap struct {
		path string
		mod  int64
	}
	var snaps []snap
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{path: filepath.Join(dir, e.Name()), mod: info.ModTime().UnixNano()})
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].mod < snaps[j].mod })

	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.path
	}
	return out, nil
}
