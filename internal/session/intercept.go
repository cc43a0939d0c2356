package session

import (
	"context"

	"entsession/pkg/entity"
)

// InterceptingProvider presents the wrapped provider's contract while routing
// every materialized entity through the session's identity maps. It is the
// sole path by which query results reach callers, so no row escapes interning.
type InterceptingProvider struct {
	sess  *Session
	inner entity.Provider
}

var _ entity.Provider = (*InterceptingProvider)(nil)

// Execute passes scalar execution through to the wrapped provider.
func (p *InterceptingProvider) Execute(ctx context.Context, cmd entity.Command) (any, error) {
	return p.inner.Execute(ctx, cmd)
}

// Text passes through to the wrapped provider.
func (p *InterceptingProvider) Text(cmd entity.Command) string {
	return p.inner.Text(cmd)
}

// Table passes through to the wrapped provider's CRUD table.
func (p *InterceptingProvider) Table(desc *entity.Descriptor) entity.BackingTable {
	return p.inner.Table(desc)
}

// DoTransacted passes through to the wrapped provider's transaction primitive.
func (p *InterceptingProvider) DoTransacted(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.inner.DoTransacted(ctx, fn)
}

// CreateExecutor returns an executor whose projectors intern every row.
func (p *InterceptingProvider) CreateExecutor() entity.Executor {
	return &interceptingExecutor{sess: p.sess, inner: p.inner.CreateExecutor()}
}

type interceptingExecutor struct {
	sess  *Session
	inner entity.Executor
}

// Execute wraps project so that each materialized value is interned into the
// command's session table before the caller sees it. Commands without a
// descriptor yield no entity rows and pass through untouched. The mapping is
// consulted separately: a mapping may judge a table-bound command locally
// evaluable (the default tag mapping never does), and such rows bypass
// interning too.
func (e *interceptingExecutor) Execute(ctx context.Context, cmd entity.Command, project entity.Projector) (entity.Iterator, error) {
	if cmd.Descriptor == nil {
		return e.inner.Execute(ctx, cmd, project)
	}
	if e.sess.mapping.CanEvaluateLocally(cmd) {
		return e.inner.Execute(ctx, cmd, project)
	}
	table := e.sess.Table(cmd.Descriptor)
	wrapped := func(row any) (any, error) {
		v, err := project(row)
		if err != nil {
			return nil, err
		}
		return table.intern(v)
	}
	return e.inner.Execute(ctx, cmd, wrapped)
}

// ExecuteCommand passes non-projecting statements through.
func (e *interceptingExecutor) ExecuteCommand(ctx context.Context, cmd entity.Command) (int64, error) {
	return e.inner.ExecuteCommand(ctx, cmd)
}
