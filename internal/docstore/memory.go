package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend keeps documents in process memory. Commits are serialized by a
// single mutex, which makes read validation and write application atomic.
type MemoryBackend struct {
	mu   sync.Mutex
	seq  int64
	last time.Time
	docs map[string]map[string]memDoc
}

type memDoc struct {
	data    Data
	version int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: map[string]map[string]memDoc{}}
}

func (m *MemoryBackend) Get(ctx context.Context, ref DocRef) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(ref), nil
}

func (m *MemoryBackend) snapshot(ref DocRef) Snapshot {
	d, ok := m.docs[ref.Collection][ref.ID]
	if !ok {
		return Snapshot{Ref: ref}
	}
	return Snapshot{Ref: ref, Data: cloneData(d.data), Version: d.version, Exists: true}
}

func (m *MemoryBackend) Query(ctx context.Context, q Query) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	coll := m.docs[q.Collection.Path()]
	all := make([]Snapshot, 0, len(coll))
	for id := range coll {
		all = append(all, m.snapshot(q.Collection.Doc(id)))
	}
	m.mu.Unlock()
	return Evaluate(q, all), nil
}

func (m *MemoryBackend) Commit(ctx context.Context, reads []ReadVersion, writes []Write, clock func() time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reads {
		var current int64
		if d, ok := m.docs[r.Ref.Collection][r.Ref.ID]; ok {
			current = d.version
		}
		if current != r.Version {
			return fmt.Errorf("%w: %s changed", ErrConflict, r.Ref.Path())
		}
	}
	if len(writes) == 0 {
		return nil
	}
	version := m.seq + 1
	now := NextStamp(clock(), m.last)
	type staged struct {
		ref     DocRef
		data    Data
		deleted bool
	}
	pending := map[string]*staged{}
	var order []string
	current := func(ref DocRef) Snapshot {
		if st, ok := pending[ref.Path()]; ok {
			if st.deleted {
				return Snapshot{Ref: ref}
			}
			return Snapshot{Ref: ref, Data: st.data, Version: version, Exists: true}
		}
		return m.snapshot(ref)
	}
	for _, w := range writes {
		data, deleted, err := ApplyWrite(current(w.Ref), w, now)
		if err != nil {
			return err
		}
		key := w.Ref.Path()
		if _, ok := pending[key]; !ok {
			order = append(order, key)
		}
		pending[key] = &staged{ref: w.Ref, data: data, deleted: deleted}
	}
	m.seq = version
	m.last = now
	for _, key := range order {
		st := pending[key]
		if st.deleted {
			delete(m.docs[st.ref.Collection], st.ref.ID)
			continue
		}
		coll, ok := m.docs[st.ref.Collection]
		if !ok {
			coll = map[string]memDoc{}
			m.docs[st.ref.Collection] = coll
		}
		coll[st.ref.ID] = memDoc{data: st.data, version: version}
	}
	return nil
}
