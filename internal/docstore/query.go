package docstore

import (
	"fmt"
	"slices"
	"sort"
)

type Op string

const (
	OpEq            Op = "=="
	OpNe            Op = "!="
	OpLt            Op = "<"
	OpLte           Op = "<="
	OpGt            Op = ">"
	OpGte           Op = ">="
	OpArrayContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection. Results are ordered by Orders and
// then by document id, so the default order is stable.
type Query struct {
	Collection CollectionRef
	Filters    []Filter
	Orders     []Order
	Limit      int
	Offset     int
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clone(q.Filters), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, desc bool) Query {
	q.Orders = append(slices.Clone(q.Orders), Order{Field: field, Desc: desc})
	return q
}

func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

func (q Query) WithOffset(n int) Query {
	q.Offset = n
	return q
}

// Normalized validates q and returns a copy with filter values in JSON form.
func (q Query) Normalized() (Query, error) {
	if err := q.Collection.validate(); err != nil {
		return q, err
	}
	if q.Limit < 0 || q.Offset < 0 {
		return q, fmt.Errorf("limit and offset must be non-negative")
	}
	filters := make([]Filter, 0, len(q.Filters))
	for _, f := range q.Filters {
		if _, err := splitField(f.Field); err != nil {
			return q, err
		}
		switch f.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpArrayContains:
		default:
			return q, fmt.Errorf("unsupported operator %q", f.Op)
		}
		v, err := normalize(f.Value)
		if err != nil {
			return q, err
		}
		f.Value = v
		filters = append(filters, f)
	}
	for _, o := range q.Orders {
		if _, err := splitField(o.Field); err != nil {
			return q, err
		}
	}
	q.Filters = filters
	return q, nil
}

// Match reports whether data satisfies the filter.
func (f Filter) Match(data Data) bool {
	v, _ := Lookup(data, f.Field)
	switch f.Op {
	case OpArrayContains:
		arr, ok := v.([]any)
		return ok && containsValue(arr, f.Value)
	case OpEq:
		return rank(v) == rank(f.Value) && Compare(v, f.Value) == 0
	case OpNe:
		return rank(v) != rank(f.Value) || Compare(v, f.Value) != 0
	}
	if rank(v) != rank(f.Value) {
		return false
	}
	c := Compare(v, f.Value)
	switch f.Op {
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

// Evaluate applies filters, ordering and pagination to an unordered set of
// snapshots. Backends without a query engine use it directly.
func Evaluate(q Query, snaps []Snapshot) []Snapshot {
	matched := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		ok := true
		for _, f := range q.Filters {
			if !f.Match(s.Data) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		for _, o := range q.Orders {
			a, _ := Lookup(matched[i].Data, o.Field)
			b, _ := Lookup(matched[j].Data, o.Field)
			c := Compare(a, b)
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return matched[i].Ref.ID < matched[j].Ref.ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []Snapshot{}
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}
