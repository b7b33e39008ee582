package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by OpenSQL.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	expires_at BIGINT NOT NULL
)`

// SQLPersister stores sessions in SQLite or Postgres.
type SQLPersister struct {
	db       *sql.DB
	postgres bool
}

// OpenSQL opens dsn with driver and prepares the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLPersister, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("session: storage dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	p, err := NewSQLPersister(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLPersister wraps an open handle and creates the sessions table.
func NewSQLPersister(ctx context.Context, db *sql.DB, driver string) (*SQLPersister, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("session: unsupported driver %q", driver)
	}
	p := &SQLPersister{db: db, postgres: driver == DriverPostgres}
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return p, nil
}

// Close releases the database handle.
func (p *SQLPersister) Close() error {
	return p.db.Close()
}

func (p *SQLPersister) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.rebind(
		`INSERT INTO sessions (id, record, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET record = excluded.record, expires_at = excluded.expires_at`),
		rec.ID, string(data), rec.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (p *SQLPersister) Load(ctx context.Context, id string) (Record, bool, error) {
	var data string
	err := p.db.QueryRowContext(ctx, p.rebind(`SELECT record FROM sessions WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode session: %w", err)
	}
	return rec, true, nil
}

func (p *SQLPersister) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, p.rebind(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *SQLPersister) LoadAll(ctx context.Context, now time.Time) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, p.rebind(`SELECT record FROM sessions WHERE expires_at > ?`), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeExpired deletes sessions that ended before now.
func (p *SQLPersister) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, p.rebind(`DELETE FROM sessions WHERE expires_at <= ?`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// rebind rewrites ? placeholders as $n for Postgres.
func (p *SQLPersister) rebind(query string) string {
	if !p.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
