package session

import (
	"context"
	"fmt"
	"reflect"

	"entsession/pkg/entity"
)

// TypedTable wraps a session table with a concrete entity type. The generic
// wrapper only narrows the any-typed surface; all state lives in the
// underlying Table.
type TypedTable[T any] struct {
	table *Table
}

// TableFor resolves the session table registered for T under the given table
// name and returns its typed wrapper.
func TableFor[T any](s *Session, table string) (*TypedTable[T], error) {
	var zero T
	t, err := s.TableOf(reflect.TypeOf(zero), table)
	if err != nil {
		return nil, err
	}
	return &TypedTable[T]{table: t}, nil
}

// Unwrap returns the untyped session table.
func (t *TypedTable[T]) Unwrap() *Table { return t.table }

func (t *TypedTable[T]) cast(v any) (*T, error) {
	typed, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("table %s yielded %T, want %T", t.table.desc.Table, v, typed)
	}
	return typed, nil
}

// GetByID fetches and interns an instance by key.
func (t *TypedTable[T]) GetByID(ctx context.Context, key entity.Key) (*T, error) {
	v, err := t.table.GetByID(ctx, key)
	if err != nil {
		return nil, err
	}
	return t.cast(v)
}

// SetSubmitAction assigns the pending action for an instance.
func (t *TypedTable[T]) SetSubmitAction(instance *T, action entity.SubmitAction) error {
	return t.table.SetSubmitAction(instance, action)
}

// GetSubmitAction returns the resolved pending action for an instance.
func (t *TypedTable[T]) GetSubmitAction(instance *T) entity.SubmitAction {
	return t.table.GetSubmitAction(instance)
}

// Select executes cmd and returns the interned typed results.
func (t *TypedTable[T]) Select(ctx context.Context, cmd entity.Command) ([]*T, error) {
	rows, err := t.table.Select(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		typed, err := t.cast(row)
		if err != nil {
			return nil, err
		}
		out = append(out, typed)
	}
	return out, nil
}
