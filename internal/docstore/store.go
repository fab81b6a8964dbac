// Package docstore is a small transactional document store with collection and
// subcollection paths, field transforms and optimistic multi-document transactions.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

var (
	ErrNotFound        = errors.New("docstore: document not found")
	ErrAlreadyExists   = errors.New("docstore: document already exists")
	ErrConflict        = errors.New("docstore: transaction conflict")
	ErrTooManyAttempts = errors.New("docstore: transaction retry limit reached")
)

const DefaultMaxAttempts = 5

type Snapshot struct {
	Ref     DocRef
	Data    Data
	Version int64
	Exists  bool
}

// DataTo decodes the document into a JSON-tagged struct.
func (s Snapshot) DataTo(v any) error {
	b, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type WriteKind int

const (
	WriteCreate WriteKind = iota + 1
	WriteSet
	WriteUpdate
	WriteDelete
)

type Update struct {
	Field string
	Value any
}

type Write struct {
	Kind    WriteKind
	Ref     DocRef
	Data    Data
	Updates []Update
}

// ReadVersion records the version observed by a transactional read.
// Version 0 means the document did not exist.
type ReadVersion struct {
	Ref     DocRef
	Version int64
}

// Backend persists documents. Commit must validate every read version and
// apply all writes atomically, returning ErrConflict when validation fails.
// Commit calls clock while holding its commit lock, and the time it resolves
// ServerTimestamp to must be strictly later than any earlier commit's, so
// timestamp order matches commit order.
type Backend interface {
	Get(ctx context.Context, ref DocRef) (Snapshot, error)
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	Commit(ctx context.Context, reads []ReadVersion, writes []Write, clock func() time.Time) error
}

type Store struct {
	backend     Backend
	now         func() time.Time
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(s *Store) { s.backoff = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend:     b,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		backoff:     5 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemory returns a Store backed by a fresh in-memory backend.
func NewMemory(opts ...Option) *Store {
	return New(NewMemoryBackend(), opts...)
}

func (s *Store) Backend() Backend { return s.backend }

func (s *Store) Now() time.Time { return s.now() }

// Get returns the document or an error wrapping ErrNotFound.
func (s *Store) Get(ctx context.Context, ref DocRef) (Snapshot, error) {
	if err := ref.validate(); err != nil {
		return Snapshot{}, err
	}
	snap, err := s.backend.Get(ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}
	if !snap.Exists {
		return snap, fmt.Errorf("%w: %s", ErrNotFound, ref.Path())
	}
	return snap, nil
}

func (s *Store) Query(ctx context.Context, q Query) ([]Snapshot, error) {
	nq, err := q.Normalized()
	if err != nil {
		return nil, err
	}
	return s.backend.Query(ctx, nq)
}

func (s *Store) Create(ctx context.Context, ref DocRef, data Data) error {
	return s.commitOne(ctx, Write{Kind: WriteCreate, Ref: ref, Data: data})
}

func (s *Store) Set(ctx context.Context, ref DocRef, data Data) error {
	return s.commitOne(ctx, Write{Kind: WriteSet, Ref: ref, Data: data})
}

func (s *Store) Update(ctx context.Context, ref DocRef, updates ...Update) error {
	return s.commitOne(ctx, Write{Kind: WriteUpdate, Ref: ref, Updates: updates})
}

func (s *Store) Delete(ctx context.Context, ref DocRef) error {
	return s.commitOne(ctx, Write{Kind: WriteDelete, Ref: ref})
}

// Add creates a document with a generated id in coll.
func (s *Store) Add(ctx context.Context, coll CollectionRef, data Data) (DocRef, error) {
	ref := coll.NewDoc()
	if err := s.Create(ctx, ref, data); err != nil {
		return DocRef{}, err
	}
	return ref, nil
}

func (s *Store) commitOne(ctx context.Context, w Write) error {
	if err := w.Ref.validate(); err != nil {
		return err
	}
	return s.backend.Commit(ctx, nil, []Write{w}, s.now)
}

// RunTransaction runs fn and commits its buffered writes atomically. If another
// commit invalidated any document fn read, fn is run again with fresh reads, up
// to the configured attempt limit. An error returned by fn aborts without retry.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &Tx{store: s, ctx: ctx, reads: map[string]ReadVersion{}}
		err := fn(ctx, tx)
		if err == nil && tx.err != nil {
			return tx.err
		}
		if err == nil {
			err = s.backend.Commit(ctx, tx.readSet(), tx.writes, s.now)
			if err == nil {
				return nil
			}
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		s.logger.Debug("docstore transaction conflict", "attempt", attempt, "max_attempts", s.maxAttempts)
		if attempt < s.maxAttempts && s.backoff > 0 {
			wait := s.backoff*time.Duration(attempt) + time.Duration(rand.Int64N(int64(s.backoff)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrTooManyAttempts, s.maxAttempts)
}

// Tx buffers writes and records the version of every document it reads.
// All reads must happen before the first write.
type Tx struct {
	store  *Store
	ctx    context.Context
	reads  map[string]ReadVersion
	order  []string
	writes []Write
	err    error
}

func (tx *Tx) Get(ref DocRef) (Snapshot, error) {
	if err := ref.validate(); err != nil {
		return Snapshot{}, err
	}
	if len(tx.writes) > 0 {
		return Snapshot{}, errors.New("docstore: transaction reads must precede writes")
	}
	snap, err := tx.store.backend.Get(tx.ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}
	key := ref.Path()
	if prev, ok := tx.reads[key]; ok {
		if prev.Version != snap.Version {
			return Snapshot{}, ErrConflict
		}
	} else {
		tx.reads[key] = ReadVersion{Ref: ref, Version: snap.Version}
		tx.order = append(tx.order, key)
	}
	if !snap.Exists {
		return snap, fmt.Errorf("%w: %s", ErrNotFound, ref.Path())
	}
	return snap, nil
}

func (tx *Tx) Create(ref DocRef, data Data) {
	tx.add(Write{Kind: WriteCreate, Ref: ref, Data: data})
}

func (tx *Tx) Set(ref DocRef, data Data) {
	tx.add(Write{Kind: WriteSet, Ref: ref, Data: data})
}

func (tx *Tx) Update(ref DocRef, updates ...Update) {
	tx.add(Write{Kind: WriteUpdate, Ref: ref, Updates: updates})
}

func (tx *Tx) Delete(ref DocRef) {
	tx.add(Write{Kind: WriteDelete, Ref: ref})
}

func (tx *Tx) add(w Write) {
	if tx.err != nil {
		return
	}
	if err := w.Ref.validate(); err != nil {
		tx.err = err
		return
	}
	tx.writes = append(tx.writes, w)
}

func (tx *Tx) readSet() []ReadVersion {
	out := make([]ReadVersion, 0, len(tx.order))
	for _, k := range tx.order {
		out = append(out, tx.reads[k])
	}
	return out
}
