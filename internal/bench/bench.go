// Package bench persists the one disk-resident record this subsystem
// owns: a codec micro-benchmark result from the quality probe's encode/
// decode sampling stages, so a later session can skip re-measuring a
// machine's HEVC throughput on every startup. Writes are atomic (temp
// file + rename) and land in the platform cache directory, which is the
// conventional "excluded from backups" location on every target OS.
package bench

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RecordVersion is bumped whenever Record's shape changes incompatibly;
// Load rejects a file with a different version rather than guessing at
// a migration.
const RecordVersion = 1

// Record is the persisted codec benchmark, per the wire contract's
// persisted-state section: a prior quality probe's encode/decode timings
// for a given synthetic-clip resolution and frame rate.
type Record struct {
	Version        int        `json:"version"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	FrameRate      int        `json:"frameRate"`
	HostEncodeMs   *float64   `json:"hostEncodeMs,omitempty"`
	ClientDecodeMs *float64   `json:"clientDecodeMs,omitempty"`
	MeasuredAt     time.Time  `json:"measuredAt"`
}

// ErrVersionMismatch is returned by Load when the persisted record was
// written by an incompatible version of this package.
var ErrVersionMismatch = errors.New("bench: persisted record version mismatch")

const cacheSubdir = "mirage"
const fileName = "benchmark.json"

// path resolves the record's on-disk location under the platform cache
// directory, creating the subdirectory if necessary.
func path() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("bench: resolve cache dir: %w", err)
	}
	dir = filepath.Join(dir, cacheSubdir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("bench: create cache dir: %w", err)
	}
	return filepath.Join(dir, fileName), nil
}

// Save writes record atomically: it's marshaled to a temp file in the same
// directory as the final path, then renamed into place, so a reader never
// observes a partially-written file.
func Save(record Record) error {
	record.Version = RecordVersion
	dst, err := path()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("bench: marshal record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("bench: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bench: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bench: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bench: rename into place: %w", err)
	}
	return nil
}

// Load reads the persisted record, if any. It returns os.ErrNotExist
// (wrapped) when no record has ever been saved.
func Load() (Record, error) {
	src, err := path()
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return Record{}, fmt.Errorf("bench: read record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("bench: unmarshal record: %w", err)
	}
	if record.Version != RecordVersion {
		return Record{}, ErrVersionMismatch
	}
	return record, nil
}
