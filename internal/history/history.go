// Package history keeps a ledger of finished extraction runs in a pebble
// store so they survive restarts.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/framesnap/framesnap/internal/extract"
	"github.com/framesnap/framesnap/internal/failure"
)

// Entry is one finished run.
type Entry struct {
	ID         string        `json:"id"`
	Video      string        `json:"video"`
	OutputDir  string        `json:"output_dir"`
	Backend    string        `json:"backend"`
	Format     string        `json:"format"`
	State      extract.State `json:"state"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Interval   int64         `json:"interval"`
	Planned    int64         `json:"planned"`
	Written    int64         `json:"written"`
	Failed     int64         `json:"failed"`
	Skipped    int64         `json:"skipped"`
	Bytes      int64         `json:"bytes"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// FromReport summarises a report for the ledger.
func FromReport(id string, rep *extract.Report) Entry {
	return Entry{
		ID:         id,
		Video:      rep.Video,
		OutputDir:  rep.OutputDir,
		Backend:    rep.Backend,
		Format:     string(rep.Format),
		State:      rep.State,
		ErrorKind:  rep.ErrorKind,
		Error:      rep.Error,
		Interval:   rep.Interval,
		Planned:    rep.Planned,
		Written:    rep.Written,
		Failed:     rep.Failed,
		Skipped:    rep.Skipped,
		Bytes:      rep.Bytes,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.StartedAt.Add(rep.Elapsed),
		Elapsed:    rep.Elapsed,
	}
}

// Key layout:
//
//	run/<id>           JSON Entry
//	at/<ns>/<id>       empty; orders runs by finish time
const (
	runPrefix = "run/"
	atPrefix  = "at/"
)

func runKey(id string) []byte { return []byte(runPrefix + id) }

func atKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", atPrefix, t.UnixNano(), id))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

type Store struct {
	db     *pebble.DB
	logger *slog.Logger
}

// Open opens or creates the ledger in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e, replacing any earlier entry with the same ID.
func (s *Store) Record(e Entry) error {
	if e.ID == "" {
		return errors.New("history entry needs an id")
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()

	if old, err := s.Get(e.ID); err == nil {
		if err := b.Delete(atKey(old.FinishedAt, old.ID), nil); err != nil {
			return err
		}
	}
	if err := b.Set(runKey(e.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(atKey(e.FinishedAt, e.ID), nil, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Get returns the entry for id, or an error wrapping failure.ErrNotFound.
func (s *Store) Get(id string) (*Entry, error) {
	data, closer, err := s.db.Get(runKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: run %s", failure.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
	}
	return &e, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(atPrefix),
		UpperBound: prefixEnd(atPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.Last(); iter.Valid(); iter.Prev() {
		id := idFromAtKey(iter.Key())
		e, err := s.Get(id)
		if err != nil {
			s.logger.Warn("history index points at a missing run", "id", id, "error", err)
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// Cleanup removes entries that finished more than maxAge ago and returns
// how many were removed.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := atKey(time.Now().Add(-maxAge), "")

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(atPrefix),
		UpperBound: cutoff,
	})
	if err != nil {
		return 0, err
	}

	b := s.db.NewBatch()
	defer b.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		if err := b.Delete(key, nil); err != nil {
			iter.Close()
			return 0, err
		}
		if err := b.Delete(runKey(idFromAtKey(key)), nil); err != nil {
			iter.Close()
			return 0, err
		}
		n++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	s.logger.Info("cleaned up run history", "removed", n, "max_age", maxAge.String())
	return n, nil
}

func idFromAtKey(key []byte) string {
	// at/ + 20 digits + /
	const skip = len(atPrefix) + 21
	if len(key) <= skip {
		return ""
	}
	return string(key[skip:])
}
