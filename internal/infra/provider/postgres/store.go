// Package postgres provides a provider-port implementation over PostgreSQL
// through the pgx stdlib driver. It mirrors the sqlite provider's
// (pk, payload) row shape with JSONB payloads.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"entsession/internal/infra/provider/jsonrow"
	"entsession/internal/sqltypes"
	"entsession/pkg/entity"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var _ entity.Provider = (*Store)(nil)
var _ entity.ProjectorSource = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/entsession?sslmode=disable"
)

// sqlOpen is swapped in tests to avoid a live server.
var sqlOpen = sql.Open

type txKey struct{}

// Store is a Postgres-backed provider.
type Store struct {
	db      *sql.DB
	mapping entity.Mapping
}

// NewStore opens a Postgres-backed provider using the provided DSN (falling
// back to defaultDSN) and ensures one table per descriptor exists.
func NewStore(dsn string, mapping entity.Mapping, descs ...*entity.Descriptor) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sqlOpen(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, mapping: mapping}
	for _, desc := range descs {
		if err := s.ensureTable(ctx, desc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context, desc *entity.Descriptor) error {
	pkType := sqltypes.MustFormat(sqltypes.ColumnType{Kind: sqltypes.KindVarChar, Size: 255}, sqltypes.DialectPostgres)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (pk %s PRIMARY KEY, payload JSONB NOT NULL)`, desc.Table, pkType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", desc.Table, err)
	}
	return nil
}

// DB exposes the underlying handle for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) querier(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// DoTransacted runs fn within a SQL transaction; CRUD issued with the ctx
// passed to fn joins it.
func (s *Store) DoTransacted(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Table returns the CRUD surface for one descriptor.
func (s *Store) Table(desc *entity.Descriptor) entity.BackingTable {
	return &table{store: s, desc: desc}
}

type table struct {
	store *Store
	desc  *entity.Descriptor
}

func (t *table) row(instance any) (string, []byte, error) {
	key, err := t.store.mapping.PrimaryKey(t.desc, instance)
	if err != nil {
		return "", nil, err
	}
	payload, err := jsonrow.Encode(instance)
	if err != nil {
		return "", nil, err
	}
	return jsonrow.KeyString(key), payload, nil
}

func (t *table) Insert(ctx context.Context, instance any) error {
	pk, payload, err := t.row(instance)
	if err != nil {
		return err
	}
	_, err = t.store.querier(ctx).ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (pk, payload) VALUES ($1, $2)`, t.desc.Table), pk, payload)
	if err != nil {
		return fmt.Errorf("insert %s: %w", t.desc.Table, err)
	}
	return nil
}

func (t *table) Update(ctx context.Context, instance any) error {
	pk, payload, err := t.row(instance)
	if err != nil {
		return err
	}
	res, err := t.store.querier(ctx).ExecContext(ctx,
		fmt.Sprintf(`UPDATE %q SET payload = $1 WHERE pk = $2`, t.desc.Table), payload, pk)
	if err != nil {
		return fmt.Errorf("update %s: %w", t.desc.Table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return entity.NotFoundError{Table: t.desc.Table, Key: pk}
	}
	return nil
}

func (t *table) InsertOrUpdate(ctx context.Context, instance any) error {
	pk, payload, err := t.row(instance)
	if err != nil {
		return err
	}
	_, err = t.store.querier(ctx).ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (pk, payload) VALUES ($1, $2)
			ON CONFLICT (pk) DO UPDATE SET payload = EXCLUDED.payload`, t.desc.Table), pk, payload)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", t.desc.Table, err)
	}
	return nil
}

func (t *table) Delete(ctx context.Context, instance any) error {
	key, err := t.store.mapping.PrimaryKey(t.desc, instance)
	if err != nil {
		return err
	}
	pk := jsonrow.KeyString(key)
	res, err := t.store.querier(ctx).ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE pk = $1`, t.desc.Table), pk)
	if err != nil {
		return fmt.Errorf("delete %s: %w", t.desc.Table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return entity.NotFoundError{Table: t.desc.Table, Key: pk}
	}
	return nil
}

func (t *table) GetByID(ctx context.Context, key entity.Key) (any, error) {
	pk := jsonrow.KeyString(key)
	var payload []byte
	err := t.store.querier(ctx).QueryRowContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %q WHERE pk = $1`, t.desc.Table), pk).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NotFoundError{Table: t.desc.Table, Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", t.desc.Table, err)
	}
	return jsonrow.Projector(t.desc)(payload)
}

// Projector returns the JSON payload projector for a descriptor.
func (s *Store) Projector(desc *entity.Descriptor) entity.Projector {
	return jsonrow.Projector(desc)
}

// Execute evaluates cmd to a scalar: its row count when it names a table.
func (s *Store) Execute(ctx context.Context, cmd entity.Command) (any, error) {
	if cmd.Descriptor == nil {
		return int64(0), nil
	}
	var n int64
	err := s.querier(ctx).QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %q`, cmd.Descriptor.Table)).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", cmd.Descriptor.Table, err)
	}
	return n, nil
}

// Text renders the SQL a command would run.
func (s *Store) Text(cmd entity.Command) string {
	if cmd.Text != "" {
		return cmd.Text
	}
	if cmd.Descriptor != nil {
		return fmt.Sprintf(`SELECT payload FROM %q ORDER BY pk`, cmd.Descriptor.Table)
	}
	return ""
}

// CreateExecutor returns a streaming executor over the database.
func (s *Store) CreateExecutor() entity.Executor {
	return &executor{store: s}
}

type executor struct {
	store *Store
}

// Execute streams each payload through project as the caller iterates.
func (e *executor) Execute(ctx context.Context, cmd entity.Command, project entity.Projector) (entity.Iterator, error) {
	if cmd.Descriptor == nil {
		return &iterator{}, nil
	}
	query := cmd.Text
	if query == "" {
		query = e.store.Text(cmd)
	}
	rows, err := e.store.querier(ctx).QueryContext(ctx, query, cmd.Args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", cmd.Descriptor.Table, err)
	}
	return &iterator{rows: rows, project: project}, nil
}

// ExecuteCommand runs a non-projecting statement and reports affected rows.
func (e *executor) ExecuteCommand(ctx context.Context, cmd entity.Command) (int64, error) {
	if cmd.Text == "" {
		return 0, fmt.Errorf("postgres provider: command text required")
	}
	res, err := e.store.querier(ctx).ExecContext(ctx, cmd.Text, cmd.Args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type iterator struct {
	rows    *sql.Rows
	project entity.Projector
	err     error
}

func (it *iterator) Next() (any, bool) {
	if it.err != nil || it.rows == nil {
		return nil, false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return nil, false
	}
	var payload []byte
	if err := it.rows.Scan(&payload); err != nil {
		it.err = err
		return nil, false
	}
	if it.project == nil {
		return payload, true
	}
	v, err := it.project(payload)
	if err != nil {
		it.err = err
		return nil, false
	}
	return v, true
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error {
	if it.rows == nil {
		return nil
	}
	return it.rows.Close()
}
