// Package sqlstore holds the database/sql implementation of store.Store shared by the
// sqlite and postgres backends. Backends differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/beaconvisor/internal/store"
)

// Dialect describes the SQL differences between backends.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// TimeType is the column type for timestamps.
	TimeType string
}

var (
	SQLite   = Dialect{Name: "sqlite", TimeType: "TIMESTAMP"}
	Postgres = Dialect{Name: "postgres", Numbered: true, TimeType: "TIMESTAMPTZ"}
)

// Rebind rewrites '?' placeholders for dialects that need numbered ones.
func (d Dialect) Rebind(q string) string {
	if !d.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type DB struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// New wraps an open database. prefix is prepended to the table name.
func New(db *sql.DB, d Dialect, prefix string) *DB {
	return &DB{db: db, dialect: d, table: prefix + "tracked_nodes"}
}

// SQL exposes the underlying handle, for sinks sharing the connection.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Dialect() Dialect { return s.dialect }

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + `(
			url TEXT PRIMARY KEY,
			docker TEXT NULL,
			slot BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			updated_at ` + s.dialect.TimeType + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.table + `_status ON ` + s.table + `(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: ensure schema: %w", store.ErrPersistence, err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context) ([]store.TrackedNode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, docker, slot, status FROM `+s.table+` ORDER BY url;`)
	if err != nil {
		return nil, fmt.Errorf("%w: list nodes: %w", store.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.TrackedNode, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list nodes: %w", store.ErrPersistence, err)
	}
	return out, nil
}

func (s *DB) GetByURL(ctx context.Context, url string) (store.TrackedNode, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT url, docker, slot, status FROM `+s.table+` WHERE url=?;`), url)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.TrackedNode{}, fmt.Errorf("%w: %s", store.ErrNotFound, url)
	}
	return n, err
}

func (s *DB) Upsert(ctx context.Context, n store.TrackedNode) error {
	if n.URL == "" {
		return fmt.Errorf("%w: empty url", store.ErrPersistence)
	}
	var docker any
	if n.Docker != nil {
		b, err := json.Marshal(n.Docker)
		if err != nil {
			return fmt.Errorf("%w: encode docker info: %w", store.ErrPersistence, err)
		}
		docker = string(b)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO `+s.table+`(url, docker, slot, status, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			docker=excluded.docker,
			slot=excluded.slot,
			status=excluded.status,
			updated_at=excluded.updated_at;`),
		n.URL, docker, int64(n.Slot), string(n.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", store.ErrPersistence, n.URL, err)
	}
	return nil
}

func (s *DB) UpdateHead(ctx context.Context, url string, slot uint64, status store.Status) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE `+s.table+` SET slot=?, status=?, updated_at=? WHERE url=?;`),
		int64(slot), string(status), time.Now().UTC(), url)
	if err != nil {
		return fmt.Errorf("%w: update head %s: %w", store.ErrPersistence, url, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, url)
	}
	return nil
}

func (s *DB) Remove(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM `+s.table+` WHERE url=?;`), url); err != nil {
		return fmt.Errorf("%w: remove %s: %w", store.ErrPersistence, url, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(sc scanner) (store.TrackedNode, error) {
	var (
		n      store.TrackedNode
		docker sql.NullString
		slot   int64
		status string
	)
	if err := sc.Scan(&n.URL, &docker, &slot, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return n, err
		}
		return n, fmt.Errorf("%w: scan node: %w", store.ErrPersistence, err)
	}
	if docker.Valid && docker.String != "" {
		var d store.DockerInfo
		if err := json.Unmarshal([]byte(docker.String), &d); err != nil {
			return n, fmt.Errorf("%w: decode docker info for %s: %w", store.ErrPersistence, n.URL, err)
		}
		n.Docker = &d
	}
	n.Slot = uint64(slot)
	n.Status = store.Status(status)
	return n, nil
}

var _ store.Store = (*DB)(nil)
