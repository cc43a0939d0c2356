package entity

import (
	"context"
	"reflect"
)

// Command is the executable form of a query against one logical table. The
// session treats it as opaque; providers interpret Text and Args, and
// Descriptor names the table whose rows the command yields. A command with a
// nil Descriptor produces no entity rows and bypasses interning.
type Command struct {
	Descriptor *Descriptor
	Text       string
	Args       []any
}

// Projector converts one raw provider row into a materialized value.
type Projector func(row any) (any, error)

// Iterator streams projected values. Next returns the next value and false
// when the stream is exhausted; Err reports the first projection or transport
// failure encountered.
type Iterator interface {
	Next() (any, bool)
	Err() error
	Close() error
}

// Executor runs commands against the underlying store. Execute streams each
// raw row through project lazily, one row per Next call on the returned
// iterator. ExecuteCommand runs a non-projecting statement and returns the
// number of affected rows.
type Executor interface {
	Execute(ctx context.Context, cmd Command, project Projector) (Iterator, error)
	ExecuteCommand(ctx context.Context, cmd Command) (int64, error)
}

// BackingTable is the CRUD surface of one logical table in the underlying
// store. GetByID returns NotFoundError when no row exists for the key.
type BackingTable interface {
	Insert(ctx context.Context, instance any) error
	Update(ctx context.Context, instance any) error
	InsertOrUpdate(ctx context.Context, instance any) error
	Delete(ctx context.Context, instance any) error
	GetByID(ctx context.Context, key Key) (any, error)
}

// Provider is the query-provider port consumed by the session. DoTransacted
// runs fn within a transaction and rolls back when fn returns an error; table
// CRUD issued with the ctx passed to fn joins that transaction.
type Provider interface {
	Execute(ctx context.Context, cmd Command) (any, error)
	Text(cmd Command) string
	Table(desc *Descriptor) BackingTable
	DoTransacted(ctx context.Context, fn func(ctx context.Context) error) error
	CreateExecutor() Executor
}

// ProjectorSource is an optional provider capability: a default projector
// that materializes a raw row of the given table into a fresh instance.
// Providers whose raw rows already are instances may omit it.
type ProjectorSource interface {
	Projector(d *Descriptor) Projector
}

// Mapping is the read-only facade over mapping metadata consumed by the
// session: key extraction, cloning, modification detection, and relation
// enumeration.
type Mapping interface {
	// EntityOf resolves the descriptor for a Go type and logical table name.
	EntityOf(t reflect.Type, table string) (*Descriptor, error)
	// PrimaryKey extracts the comparable key value of an instance.
	PrimaryKey(d *Descriptor, instance any) (Key, error)
	// Clone returns a copy deep enough to detect later modifications.
	Clone(d *Descriptor, instance any) any
	// IsModified reports whether current differs from original field-wise.
	IsModified(d *Descriptor, current, original any) bool
	// DependingEntities enumerates the entities instance depends on (its
	// foreign-key targets).
	DependingEntities(d *Descriptor, instance any) []EntityRef
	// DependentEntities enumerates the entities that depend on instance.
	DependentEntities(d *Descriptor, instance any) []EntityRef
	// CanEvaluateLocally reports whether cmd can be evaluated without the
	// underlying store.
	CanEvaluateLocally(cmd Command) bool
}
