package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Data is the decoded JSON object form of a document.
type Data = map[string]any

// TimeLayout is fixed width so that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

func ParseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// NextStamp returns now, or last plus one nanosecond when the clock has not
// moved past last. Backends use it to keep commit stamps strictly increasing.
func NextStamp(now, last time.Time) time.Time {
	now = now.Round(0)
	if !now.After(last) {
		return last.Add(time.Nanosecond)
	}
	return now
}

type serverTimestamp struct{}

// ServerTimestamp is replaced with the store clock when the write commits.
var ServerTimestamp any = serverTimestamp{}

type deleteField struct{}

// DeleteField removes the field in an Update.
var DeleteField any = deleteField{}

type arrayUnion struct{ values []any }

type arrayRemove struct{ values []any }

// ArrayUnion appends each value not already present in the array field.
func ArrayUnion(values ...any) any { return arrayUnion{values: values} }

// ArrayRemove drops every occurrence of each value from the array field.
func ArrayRemove(values ...any) any { return arrayRemove{values: values} }

// ToData converts a JSON-tagged struct (or map) into document data.
func ToData(v any) (Data, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Data
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("encode document: value is not an object")
	}
	return out, nil
}

// materialize resolves sentinels and normalizes values to their JSON forms.
func materialize(data Data, now string) (Data, error) {
	out := make(Data, len(data))
	for k, v := range data {
		switch tv := v.(type) {
		case deleteField:
			continue
		case arrayUnion:
			vals, err := normalizeSlice(tv.values)
			if err != nil {
				return nil, err
			}
			out[k] = vals
			continue
		case arrayRemove:
			out[k] = []any{}
			continue
		}
		nv, err := resolve(v, now)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func resolve(v any, now string) (any, error) {
	switch tv := v.(type) {
	case serverTimestamp:
		return now, nil
	case Data:
		return materialize(tv, now)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			r, err := resolve(item, now)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case deleteField, arrayUnion, arrayRemove:
		return nil, fmt.Errorf("field transform not allowed inside nested values")
	default:
		return normalize(v)
	}
}

func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return out, nil
}

func normalizeSlice(vals []any) ([]any, error) {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		n, err := normalize(v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func splitField(field string) ([]string, error) {
	if field == "" {
		return nil, fmt.Errorf("field path required")
	}
	parts := strings.Split(field, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid field path %q", field)
		}
	}
	return parts, nil
}

// Lookup returns the value at a dotted field path.
func Lookup(data Data, field string) (any, bool) {
	parts, err := splitField(field)
	if err != nil {
		return nil, false
	}
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(Data)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func applyUpdate(doc Data, u Update, now string) error {
	parts, err := splitField(u.Field)
	if err != nil {
		return err
	}
	parent := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := parent[p].(Data)
		if !ok {
			next = Data{}
			parent[p] = next
		}
		parent = next
	}
	key := parts[len(parts)-1]
	switch tv := u.Value.(type) {
	case deleteField:
		delete(parent, key)
	case arrayUnion:
		existing, _ := parent[key].([]any)
		merged := append([]any{}, existing...)
		vals, err := normalizeSlice(tv.values)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if !containsValue(merged, v) {
				merged = append(merged, v)
			}
		}
		parent[key] = merged
	case arrayRemove:
		existing, _ := parent[key].([]any)
		vals, err := normalizeSlice(tv.values)
		if err != nil {
			return err
		}
		kept := make([]any, 0, len(existing))
		for _, v := range existing {
			if !containsValue(vals, v) {
				kept = append(kept, v)
			}
		}
		parent[key] = kept
	default:
		v, err := resolve(u.Value, now)
		if err != nil {
			return err
		}
		parent[key] = v
	}
	return nil
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

func cloneData(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Data:
		return cloneData(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ApplyWrite computes the document state that results from applying w on top of
// current. Backends call it inside their atomic commit section.
func ApplyWrite(current Snapshot, w Write, now time.Time) (Data, bool, error) {
	stamp := FormatTime(now)
	switch w.Kind {
	case WriteCreate:
		if current.Exists {
			return nil, false, fmt.Errorf("%w: %s", ErrAlreadyExists, w.Ref.Path())
		}
		data, err := materialize(w.Data, stamp)
		return data, false, err
	case WriteSet:
		data, err := materialize(w.Data, stamp)
		return data, false, err
	case WriteUpdate:
		if !current.Exists {
			return nil, false, fmt.Errorf("%w: %s", ErrNotFound, w.Ref.Path())
		}
		data := cloneData(current.Data)
		if data == nil {
			data = Data{}
		}
		for _, u := range w.Updates {
			if err := applyUpdate(data, u, stamp); err != nil {
				return nil, false, err
			}
		}
		return data, false, nil
	case WriteDelete:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("unknown write kind %d", w.Kind)
	}
}

// rank orders values of different JSON types: null < bool < number < string < array < object.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

// Compare orders two normalized JSON values.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case []any:
		bv := b.([]any)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(av) < len(bv):
			return -1
		case len(av) > len(bv):
			return 1
		}
		return 0
	case nil:
		return 0
	default:
		if reflect.DeepEqual(a, b) {
			return 0
		}
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}
