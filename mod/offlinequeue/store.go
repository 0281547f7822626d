package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"imuslab.com/offlinegw/mod/database"
)

/*
	Offline submission store

	Durable FIFO of write requests that could not reach the upstream.
	Records are keyed by submission id; ordering comes from CreatedAt
	and a persisted sequence counter, never from backend iteration order.
*/

const (
	TableName = "offline_submissions"
	MetaTable = "offline_meta"
	seqKey    = "seq"
)

var (
	ErrStorageUnavailable = errors.New("offline storage unavailable")
	ErrNotFound           = errors.New("offline submission not found")
	ErrInvalidSubmission  = errors.New("invalid offline submission")
)

// Counts summarises the queue
type Counts struct {
	Pending      int `json:"pending"`
	DeadLettered int `json:"dead_lettered"`
	Synced       int `json:"synced"`
}

func (c *Counts) add(sub *Submission, delta int) {
	if sub == nil {
		return
	}
	switch {
	case sub.Synced:
		c.Synced += delta
	case sub.DeadLettered:
		c.DeadLettered += delta
	default:
		c.Pending += delta
	}
}

type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSpaceGuard installs a check run before each new submission is written
func WithSpaceGuard(guard SpaceGuard) Option {
	return func(s *Store) {
		s.guard = guard
	}
}

type Store struct {
	db    *database.Database
	guard SpaceGuard
	now   func() time.Time

	mu  sync.Mutex
	seq uint64

	// counts is loaded by the first Counts call and kept current after that
	counts *Counts
}

// NewStore prepares the submission tables and restores the sequence counter
func NewStore(db *database.Database, opts ...Option) (*Store, error) {
	s := &Store{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.NewTable(TableName); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	if err := db.NewTable(MetaTable); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", MetaTable, err)
	}

	var seq uint64
	if err := db.Read(MetaTable, seqKey, &seq); err != nil && !errors.Is(err, database.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to restore submission sequence: %w", err)
	}
	s.seq = seq
	return s, nil
}

// Store persists a submission and returns its id. The caller's struct is
// updated with the assigned id, timestamp and sequence number.
func (s *Store) Store(ctx context.Context, sub *Submission) (string, error) {
	if sub == nil || sub.Method == "" || sub.URL == "" {
		return "", ErrInvalidSubmission
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.guard != nil {
		if err := s.guard.Check(len(sub.Body)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	var prev *Submission
	if sub.ID == "" {
		sub.ID = NewID(sub.CreatedAt)
	} else if s.counts != nil {
		prev, _ = s.read(sub.ID)
	}
	sub.Method = strings.ToUpper(sub.Method)
	sub.Synced = false
	sub.SyncedAt = nil

	s.seq++
	sub.Seq = s.seq
	if err := s.db.Write(MetaTable, seqKey, s.seq); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := s.db.Write(TableName, sub.ID, sub); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.track(prev, sub)
	return sub.ID, nil
}

// ListUnsynced returns every submission not yet synced, oldest first.
// Dead-lettered submissions are included; callers filter with IsPending.
func (s *Store) ListUnsynced(ctx context.Context) ([]*Submission, error) {
	return s.list(ctx, func(sub *Submission) bool {
		return !sub.Synced
	})
}

// ListAll returns every stored submission, oldest first
func (s *Store) ListAll(ctx context.Context) ([]*Submission, error) {
	return s.list(ctx, nil)
}

func (s *Store) list(ctx context.Context, keep func(*Submission) bool) ([]*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.ListWhere(TableName, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	results := make([]*Submission, 0, len(rows))
	for _, row := range rows {
		sub := &Submission{}
		if err := json.Unmarshal(row[1], sub); err != nil {
			// Unreadable records are left in place for inspection
			continue
		}
		if keep == nil || keep(sub) {
			results = append(results, sub)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].before(results[j])
	})
	return results, nil
}

// Get returns a single submission
func (s *Store) Get(ctx context.Context, id string) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(id)
}

func (s *Store) read(id string) (*Submission, error) {
	sub := &Submission{}
	if err := s.db.Read(TableName, id, sub); err != nil {
		if errors.Is(err, database.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return sub, nil
}

// update writes sub back and moves it between counters if its state changed
func (s *Store) update(prev Submission, sub *Submission) error {
	if err := s.db.Write(TableName, sub.ID, sub); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.track(&prev, sub)
	return nil
}

func (s *Store) track(prev *Submission, next *Submission) {
	if s.counts == nil {
		return
	}
	s.counts.add(prev, -1)
	s.counts.add(next, 1)
}

// MarkSynced flags a submission as delivered. Marking twice is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.read(id)
	if err != nil {
		return err
	}
	if sub.Synced {
		return nil
	}

	prev := *sub
	now := s.now()
	sub.Synced = true
	sub.SyncedAt = &now
	sub.DeadLettered = false
	return s.update(prev, sub)
}

// RecordFailure bumps the attempt counter of an unsynced submission. Only
// rejected attempts count towards maxAttempts; the submission is
// dead-lettered once its rejections reach it. maxAttempts <= 0 never
// dead-letters.
func (s *Store) RecordFailure(ctx context.Context, id string, cause error, rejected bool, maxAttempts int) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if sub.Synced {
		return sub, nil
	}

	prev := *sub
	now := s.now()
	sub.Attempts++
	if rejected {
		sub.Rejections++
	}
	sub.LastAttemptAt = &now
	if cause != nil {
		sub.LastError = cause.Error()
	}
	if maxAttempts > 0 && sub.Rejections >= maxAttempts {
		sub.DeadLettered = true
	}

	if err := s.update(prev, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Requeue clears the dead-letter flag and attempt counters
func (s *Store) Requeue(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.read(id)
	if err != nil {
		return err
	}
	if sub.Synced {
		return nil
	}

	prev := *sub
	sub.DeadLettered = false
	sub.Attempts = 0
	sub.Rejections = 0
	sub.LastError = ""
	return s.update(prev, sub)
}

// PurgeSynced removes synced submissions delivered more than olderThan ago
func (s *Store) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	rows, err := s.db.ListWhere(TableName, func(key string, value []byte) bool {
		sub := &Submission{}
		if json.Unmarshal(value, sub) != nil {
			return false
		}
		return sub.Synced && sub.SyncedAt != nil && sub.SyncedAt.Before(cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	removed := 0
	for _, row := range rows {
		if err := s.db.Delete(TableName, string(row[0])); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		removed++
		if s.counts != nil {
			s.counts.Synced--
		}
	}
	return removed, nil
}

// Counts returns the number of pending, dead-lettered and synced
// submissions. Only the first call scans the table.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts != nil {
		return *s.counts, nil
	}

	all, err := s.list(ctx, nil)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, sub := range all {
		c.add(sub, 1)
	}
	s.counts = &c
	return c, nil
}
