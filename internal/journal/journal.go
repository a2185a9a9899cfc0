package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	bucketName = "adjustments"

	// DefaultKeep is how many events are retained.
	DefaultKeep = 500

	lockTimeout = time.Second
)

// Event is one issued balloon or hotplug command and its outcome.
type Event struct {
	Time       time.Time `json:"time"`
	VM         string    `json:"vm"`
	SequenceID int64     `json:"seq_id"`
	Action     string    `json:"action"`
	FromMB     int64     `json:"from_mb"`
	ToMB       int64     `json:"to_mb"`
	Slot       string    `json:"slot,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Journal appends events to a Store and trims it to the newest Keep entries.
type Journal struct {
	open func() (Store[Event], func(), error)
	keep int
	path string
}

// Open returns a journal backed by a bolt database at path. The database is
// opened per operation so that `balloond status` can read it while the
// controller is running.
func Open(path string, keep int) *Journal {
	return &Journal{
		open: func() (Store[Event], func(), error) {
			s, err := NewBoltStore[Event](path, bucketName, lockTimeout)
			if err != nil {
				return nil, nil, err
			}
			return s, func() { _ = s.Close() }, nil
		},
		keep: normalizeKeep(keep),
		path: path,
	}
}

// New returns a journal over an already open store. The caller owns the store.
func New(store Store[Event], keep int) *Journal {
	return &Journal{
		open: func() (Store[Event], func(), error) {
			return store, func() {}, nil
		},
		keep: normalizeKeep(keep),
	}
}

func normalizeKeep(keep int) int {
	if keep < 1 {
		return DefaultKeep
	}
	return keep
}

// key orders events chronologically under lexical key order.
func key(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

// Append records ev, stamping it with the current time when unset.
func (j *Journal) Append(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	store, release, err := j.open()
	if err != nil {
		return err
	}
	defer release()

	// Two events in the same nanosecond keep both.
	for {
		err := store.Insert(ctx, key(ev.Time), &ev)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrExists) {
			return fmt.Errorf("append journal event: %w", err)
		}
		ev.Time = ev.Time.Add(time.Nanosecond)
	}

	if err := store.Trim(ctx, j.keep); err != nil {
		return fmt.Errorf("trim journal: %w", err)
	}
	return nil
}

// Recent returns up to n of the newest events, oldest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Event, error) {
	if j.path != "" {
		if _, err := os.Stat(j.path); os.IsNotExist(err) {
			return nil, nil
		}
	}

	store, release, err := j.open()
	if err != nil {
		return nil, err
	}
	defer release()

	var events []Event
	if err := store.Tail(ctx, n, func(_ string, ev *Event) error {
		events = append(events, *ev)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return events, nil
}
