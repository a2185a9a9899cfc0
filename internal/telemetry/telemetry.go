// Package telemetry reads the guest memory snapshot that the in-guest agent
// writes into the shared directory.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StatusFileName is the file the guest agent refreshes in the shared directory.
const StatusFileName = ".vm-memory-status"

// ErrStale indicates there is no usable new snapshot: the file is missing,
// unparsable (agent not running yet, or mid-write) or unchanged.
var ErrStale = errors.New("stale telemetry")

// Record is one guest memory snapshot. Sizes are in MiB.
type Record struct {
	SequenceID  int64   `json:"seq_id"`
	Timestamp   float64 `json:"timestamp"`
	TotalMB     int64   `json:"total_mb"`
	AvailableMB int64   `json:"available_mb"`
	FreeMB      int64   `json:"free_mb"`
	BuffersMB   int64   `json:"buffers_mb"`
	CachedMB    int64   `json:"cached_mb"`
	UsedMB      int64   `json:"used_mb"`
}

// Actionable reports whether the record can drive a decision.
func (r *Record) Actionable() bool {
	return r.TotalMB > 0
}

// FreeRatio returns available/total, or 0 for a non-actionable record.
func (r *Record) FreeRatio() float64 {
	if !r.Actionable() {
		return 0
	}
	return float64(r.AvailableMB) / float64(r.TotalMB)
}

// Reader reads the status file at a fixed path.
type Reader struct {
	path string
}

// NewReader returns a reader for <sharedDir>/.vm-memory-status.
func NewReader(sharedDir string) *Reader {
	return &Reader{path: filepath.Join(sharedDir, StatusFileName)}
}

// NewFileReader returns a reader for an explicit status file path.
func NewFileReader(path string) *Reader {
	return &Reader{path: path}
}

// Path returns the status file location.
func (r *Reader) Path() string {
	return r.path
}

// Read returns the latest snapshot. Every failure wraps ErrStale.
func (r *Reader) Read(ctx context.Context) (*Record, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no status file at %s", ErrStale, r.path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStale, r.path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrStale, r.path, err)
	}
	return &rec, nil
}
