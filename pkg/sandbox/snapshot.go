package sandbox

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// SnapshotVersion is the persisted snapshot format version.
const SnapshotVersion = 1

// Snapshot is the gzipped-JSON workspace snapshot persisted to object
// storage. Files maps workdir-relative paths to utf-8 content.
type Snapshot struct {
	Version     int               `json:"version"`
	GeneratedAt time.Time         `json:"generatedAt"`
	FileCount   int               `json:"fileCount"`
	Files       map[string]string `json:"files"`
}

// BuildSnapshot collects the workspace under snapshot caps.
func BuildSnapshot(ctx context.Context, driver Driver, containerID string) (*Snapshot, error) {
	files, err := CollectFiles(ctx, driver, containerID, SnapshotDefaults())
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:     SnapshotVersion,
		GeneratedAt: time.Now().UTC(),
		FileCount:   len(files),
		Files:       files,
	}, nil
}

// Encode serializes the snapshot as gzipped JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a gzipped JSON snapshot.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	defer gz.Close()

	var s Snapshot
	if err := json.NewDecoder(gz).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return &s, nil
}
