// Package sqlitestore persists docstore documents as JSON rows in SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"gigline/internal/docstore"
)

// Backend implements docstore.Backend on the documents table created by the
// migrate package. The database must be opened with IMMEDIATE transactions.
type Backend struct {
	DB *sql.DB
}

func New(db *sql.DB) *Backend {
	return &Backend{DB: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) Get(ctx context.Context, ref docstore.DocRef) (docstore.Snapshot, error) {
	return load(ctx, b.DB, ref)
}

func load(ctx context.Context, q queryer, ref docstore.DocRef) (docstore.Snapshot, error) {
	var raw string
	var version int64
	err := q.QueryRowContext(ctx, `SELECT data, version FROM documents WHERE collection=? AND id=?`, ref.Collection, ref.ID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return docstore.Snapshot{}, classify(err)
	}
	data, err := decode(raw)
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("decode %s: %w", ref.Path(), err)
	}
	return docstore.Snapshot{Ref: ref, Data: data, Version: version, Exists: true}, nil
}

func decode(raw string) (docstore.Data, error) {
	var data docstore.Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = docstore.Data{}
	}
	return data, nil
}

func (b *Backend) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	var sb strings.Builder
	args := []any{q.Collection.Path()}
	sb.WriteString(`SELECT id, data, version FROM documents WHERE collection=?`)
	for _, f := range q.Filters {
		path := jsonPath(f.Field)
		switch {
		case f.Op == docstore.OpArrayContains:
			sb.WriteString(` AND EXISTS (SELECT 1 FROM json_each(documents.data, ?) WHERE json_each.value = ` + placeholder(f.Value) + `)`)
			args = append(args, path, bindValue(f.Value))
		case f.Value == nil && f.Op == docstore.OpEq:
			sb.WriteString(` AND json_extract(data, ?) IS NULL`)
			args = append(args, path)
		case f.Value == nil && f.Op == docstore.OpNe:
			sb.WriteString(` AND json_extract(data, ?) IS NOT NULL`)
			args = append(args, path)
		case f.Op == docstore.OpNe:
			sb.WriteString(` AND NOT COALESCE(json_type(data, ?) IN ` + typeSet(f.Value) + ` AND json_extract(data, ?) = ` + placeholder(f.Value) + `, 0)`)
			args = append(args, path, path, bindValue(f.Value))
		default:
			sb.WriteString(` AND json_type(data, ?) IN ` + typeSet(f.Value) + ` AND json_extract(data, ?) ` + string(f.Op) + ` ` + placeholder(f.Value))
			args = append(args, path, path, bindValue(f.Value))
		}
	}
	sb.WriteString(` ORDER BY `)
	for _, o := range q.Orders {
		sb.WriteString(`json_extract(data, ?)`)
		args = append(args, jsonPath(o.Field))
		if o.Desc {
			sb.WriteString(` DESC`)
		}
		sb.WriteString(`, `)
	}
	sb.WriteString(`id ASC`)
	switch {
	case q.Limit > 0:
		sb.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, q.Limit, q.Offset)
	case q.Offset > 0:
		sb.WriteString(` LIMIT -1 OFFSET ?`)
		args = append(args, q.Offset)
	}

	rows, err := b.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	res := []docstore.Snapshot{}
	for rows.Next() {
		var id, raw string
		var version int64
		if err := rows.Scan(&id, &raw, &version); err != nil {
			return nil, err
		}
		data, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", q.Collection.Path(), id, err)
		}
		res = append(res, docstore.Snapshot{Ref: q.Collection.Doc(id), Data: data, Version: version, Exists: true})
	}
	return res, rows.Err()
}

func (b *Backend) Commit(ctx context.Context, reads []docstore.ReadVersion, writes []docstore.Write, clock func() time.Time) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, r := range reads {
		var version int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE collection=? AND id=?`, r.Ref.Collection, r.Ref.ID).Scan(&version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return classify(err)
		}
		if version != r.Version {
			return fmt.Errorf("%w: %s changed", docstore.ErrConflict, r.Ref.Path())
		}
	}
	if len(writes) == 0 {
		return classify(tx.Commit())
	}

	var seq int64
	var lastTS string
	if err := tx.QueryRowContext(ctx, `UPDATE docstore_meta SET seq = seq + 1 WHERE id = 1 RETURNING seq, last_ts`).Scan(&seq, &lastTS); err != nil {
		return classify(err)
	}
	var last time.Time
	if lastTS != "" {
		if last, err = docstore.ParseTime(lastTS); err != nil {
			return fmt.Errorf("parse commit stamp %q: %w", lastTS, err)
		}
	}
	now := docstore.NextStamp(clock(), last)
	stamp := docstore.FormatTime(now)
	if _, err := tx.ExecContext(ctx, `UPDATE docstore_meta SET last_ts = ? WHERE id = 1`, stamp); err != nil {
		return classify(err)
	}
	for _, w := range writes {
		current, err := load(ctx, tx, w.Ref)
		if err != nil {
			return err
		}
		data, deleted, err := docstore.ApplyWrite(current, w, now)
		if err != nil {
			return err
		}
		if deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, w.Ref.Collection, w.Ref.ID); err != nil {
				return classify(err)
			}
			continue
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", w.Ref.Path(), err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO documents(collection, id, data, version, created_at, updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(collection, id) DO UPDATE SET data=excluded.data, version=excluded.version, updated_at=excluded.updated_at`,
			w.Ref.Collection, w.Ref.ID, string(raw), seq, stamp, stamp); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func jsonPath(field string) string {
	return "$." + field
}

func bindValue(v any) any {
	switch tv := v.(type) {
	case bool:
		if tv {
			return 1
		}
		return 0
	case []any, docstore.Data:
		raw, _ := json.Marshal(tv)
		return string(raw)
	}
	return v
}

func placeholder(v any) string {
	switch v.(type) {
	case []any, docstore.Data:
		return "json(?)"
	}
	return "?"
}

// typeSet lists the SQLite json_type names a filter value may match, so that
// comparisons never cross JSON types.
func typeSet(v any) string {
	switch v.(type) {
	case bool:
		return "('true','false')"
	case float64:
		return "('integer','real')"
	case string:
		return "('text')"
	case []any:
		return "('array')"
	default:
		return "('object')"
	}
}

// classify maps lock contention onto docstore.ErrConflict so that transactions retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %v", docstore.ErrConflict, err)
	}
	return err
}

func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
