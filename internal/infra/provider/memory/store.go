// Package memory provides an in-memory implementation of the provider port,
// used for tests and ephemeral sessions. Rows are cloned on every write and
// read so no caller ever aliases stored state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"entsession/pkg/entity"
)

var _ entity.Provider = (*Store)(nil)

type tableState map[entity.Key]any

// Store keeps one key-addressed map per descriptor. Transactions operate on a
// copied state that replaces the committed one only when the transactional
// function succeeds.
type Store struct {
	mapping entity.Mapping

	mu      sync.Mutex
	state   map[*entity.Descriptor]tableState
	pending map[*entity.Descriptor]tableState
}

// NewStore constructs an empty in-memory provider over the given mapping.
func NewStore(mapping entity.Mapping) *Store {
	return &Store{
		mapping: mapping,
		state:   make(map[*entity.Descriptor]tableState),
	}
}

func (s *Store) current() map[*entity.Descriptor]tableState {
	if s.pending != nil {
		return s.pending
	}
	return s.state
}

func (s *Store) rows(desc *entity.Descriptor) tableState {
	m := s.current()
	if m[desc] == nil {
		m[desc] = make(tableState)
	}
	return m[desc]
}

// DoTransacted runs fn against a copy of the store state and swaps the copy
// in only when fn succeeds.
func (s *Store) DoTransacted(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return fmt.Errorf("memory provider: transaction already active")
	}
	s.pending = make(map[*entity.Descriptor]tableState, len(s.state))
	for desc, rows := range s.state {
		cp := make(tableState, len(rows))
		for k, v := range rows {
			cp[k] = v
		}
		s.pending[desc] = cp
	}
	err := fn(ctx)
	if err == nil {
		s.state = s.pending
	}
	s.pending = nil
	return err
}

// Table returns the CRUD surface for one descriptor.
func (s *Store) Table(desc *entity.Descriptor) entity.BackingTable {
	return &table{store: s, desc: desc}
}

type table struct {
	store *Store
	desc  *entity.Descriptor
}

func (t *table) key(instance any) (entity.Key, error) {
	return t.store.mapping.PrimaryKey(t.desc, instance)
}

// Insert stores a new row; a row for the key must not exist.
func (t *table) Insert(_ context.Context, instance any) error {
	key, err := t.key(instance)
	if err != nil {
		return err
	}
	rows := t.store.rows(t.desc)
	if _, exists := rows[key]; exists {
		return fmt.Errorf("%s %v already exists", t.desc.Table, key)
	}
	rows[key] = t.store.mapping.Clone(t.desc, instance)
	return nil
}

// Update replaces an existing row.
func (t *table) Update(_ context.Context, instance any) error {
	key, err := t.key(instance)
	if err != nil {
		return err
	}
	rows := t.store.rows(t.desc)
	if _, exists := rows[key]; !exists {
		return entity.NotFoundError{Table: t.desc.Table, Key: key}
	}
	rows[key] = t.store.mapping.Clone(t.desc, instance)
	return nil
}

// InsertOrUpdate stores the row regardless of prior existence.
func (t *table) InsertOrUpdate(_ context.Context, instance any) error {
	key, err := t.key(instance)
	if err != nil {
		return err
	}
	t.store.rows(t.desc)[key] = t.store.mapping.Clone(t.desc, instance)
	return nil
}

// Delete removes an existing row.
func (t *table) Delete(_ context.Context, instance any) error {
	key, err := t.key(instance)
	if err != nil {
		return err
	}
	rows := t.store.rows(t.desc)
	if _, exists := rows[key]; !exists {
		return entity.NotFoundError{Table: t.desc.Table, Key: key}
	}
	delete(rows, key)
	return nil
}

// GetByID returns a clone of the row for key.
func (t *table) GetByID(_ context.Context, key entity.Key) (any, error) {
	row, ok := t.store.rows(t.desc)[key]
	if !ok {
		return nil, entity.NotFoundError{Table: t.desc.Table, Key: key}
	}
	return t.store.mapping.Clone(t.desc, row), nil
}

// Execute evaluates cmd to a scalar: the number of rows the command covers.
func (s *Store) Execute(_ context.Context, cmd entity.Command) (any, error) {
	if cmd.Descriptor == nil {
		return int64(0), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows(cmd.Descriptor))), nil
}

// Text renders the command for diagnostics.
func (s *Store) Text(cmd entity.Command) string {
	if cmd.Text != "" {
		return cmd.Text
	}
	if cmd.Descriptor != nil {
		return fmt.Sprintf("scan %s", cmd.Descriptor.Table)
	}
	return "scan"
}

// CreateExecutor returns a streaming executor over the committed state.
func (s *Store) CreateExecutor() entity.Executor {
	return &executor{store: s}
}

type executor struct {
	store *Store
}

// Execute snapshots the rows of the command's table in key order and streams
// clones through project, one row per Next call.
func (e *executor) Execute(_ context.Context, cmd entity.Command, project entity.Projector) (entity.Iterator, error) {
	if cmd.Descriptor == nil {
		return &iterator{}, nil
	}
	e.store.mu.Lock()
	rows := e.store.rows(cmd.Descriptor)
	keys := make([]entity.Key, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
	snapshot := make([]any, 0, len(keys))
	for _, k := range keys {
		snapshot = append(snapshot, e.store.mapping.Clone(cmd.Descriptor, rows[k]))
	}
	e.store.mu.Unlock()
	return &iterator{rows: snapshot, project: project}, nil
}

// ExecuteCommand reports the row count of the command's table.
func (e *executor) ExecuteCommand(ctx context.Context, cmd entity.Command) (int64, error) {
	n, err := e.store.Execute(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return n.(int64), nil
}

type iterator struct {
	rows    []any
	project entity.Projector
	pos     int
	err     error
}

func (it *iterator) Next() (any, bool) {
	if it.err != nil || it.pos >= len(it.rows) {
		return nil, false
	}
	row := it.rows[it.pos]
	it.pos++
	if it.project == nil {
		return row, true
	}
	v, err := it.project(row)
	if err != nil {
		it.err = err
		return nil, false
	}
	return v, true
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error { return nil }
