package session

import (
	"context"
	"reflect"
	"time"

	"entsession/pkg/entity"
)

// CommitLogger receives the change set accepted by a successful commit.
type CommitLogger interface {
	Record(ctx context.Context, set entity.ChangeSet) error
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics attaches a metrics recorder observing session operations.
func WithMetrics(rec MetricsRecorder) Option {
	return func(s *Session) { s.metrics = rec }
}

// WithTracer attaches a tracer producing one span per SubmitChanges call.
func WithTracer(tr Tracer) Option {
	return func(s *Session) { s.tracer = tr }
}

// WithCommitLog attaches a sink recording each accepted change set. Recording
// happens strictly after the transaction commits; a recording failure is
// surfaced to the caller but does not undo the commit.
func WithCommitLog(log CommitLogger) Option {
	return func(s *Session) { s.commitLog = log }
}

// Session is a unit of work over a query provider: it hands out per-table
// session tables, interns every materialized entity, and flushes accumulated
// changes in dependency order under a single transaction. A session is not
// safe for concurrent use.
type Session struct {
	provider entity.Provider
	mapping  entity.Mapping
	facade   *InterceptingProvider
	executor entity.Executor

	tables map[*entity.Descriptor]*Table
	order  []*entity.Descriptor

	metrics   MetricsRecorder
	tracer    Tracer
	commitLog CommitLogger
	nowFn     func() time.Time
}

// New constructs a session over the given provider and mapping.
func New(provider entity.Provider, mapping entity.Mapping, opts ...Option) *Session {
	s := &Session{
		provider: provider,
		mapping:  mapping,
		tables:   make(map[*entity.Descriptor]*Table),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	s.facade = &InterceptingProvider{sess: s, inner: provider}
	s.executor = s.facade.CreateExecutor()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the intercepting provider facade. Queries issued through
// it have every materialized row interned into this session.
func (s *Session) Provider() *InterceptingProvider { return s.facade }

// Table returns the session table for a descriptor, creating it lazily.
func (s *Session) Table(desc *entity.Descriptor) *Table {
	if t, ok := s.tables[desc]; ok {
		return t
	}
	t := newTable(s, desc)
	s.tables[desc] = t
	s.order = append(s.order, desc)
	return t
}

// TableOf resolves a descriptor by Go type and table name and returns its
// session table.
func (s *Session) TableOf(t reflect.Type, table string) (*Table, error) {
	desc, err := s.mapping.EntityOf(t, table)
	if err != nil {
		return nil, err
	}
	return s.Table(desc), nil
}

func (s *Session) projectorFor(cmd entity.Command) entity.Projector {
	if src, ok := s.provider.(entity.ProjectorSource); ok && cmd.Descriptor != nil {
		return src.Projector(cmd.Descriptor)
	}
	return func(row any) (any, error) { return row, nil }
}

func (s *Session) observe(ctx context.Context, operation string, started time.Time, err error) {
	if s.metrics != nil {
		s.metrics.Observe(ctx, operation, err == nil, time.Since(started))
	}
}

// pendingItems collects every tracked item with a pending state, in table
// creation order then tracking order.
func (s *Session) pendingItems() []*trackedItem {
	var items []*trackedItem
	for _, desc := range s.order {
		for _, it := range s.tables[desc].trackedItems() {
			if it.state != entity.ActionNone {
				items = append(items, it)
			}
		}
	}
	return items
}

// dependencyEdges builds the deduplicated edge set over pending items: an
// edge (from, to) means from must commit before to. Relations are resolved
// through the mapping; referenced entities that are not pending are ignored.
func (s *Session) dependencyEdges(items []*trackedItem) (ins, outs map[*trackedItem][]*trackedItem) {
	type edge struct{ from, to *trackedItem }
	seen := make(map[edge]struct{})
	ins = make(map[*trackedItem][]*trackedItem)
	outs = make(map[*trackedItem][]*trackedItem)
	add := func(from, to *trackedItem) {
		if from == nil || to == nil || from == to {
			return
		}
		e := edge{from: from, to: to}
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		ins[to] = append(ins[to], from)
		outs[from] = append(outs[from], to)
	}
	lookup := func(ref entity.EntityRef) *trackedItem {
		table, ok := s.tables[ref.Descriptor]
		if !ok {
			return nil
		}
		it := table.tracked(ref.Instance)
		if it == nil || it.state == entity.ActionNone {
			return nil
		}
		return it
	}
	for _, it := range items {
		for _, ref := range s.mapping.DependingEntities(it.table.desc, it.instance) {
			add(lookup(ref), it)
		}
		for _, ref := range s.mapping.DependentEntities(it.table.desc, it.instance) {
			add(it, lookup(ref))
		}
	}
	return ins, outs
}

// commitPredecessors returns the predecessor function for the topological
// sort: inserts wait for their dependencies and for a pending delete holding
// the same key; deletes wait for their dependents; everything else floats.
func (s *Session) commitPredecessors(ins, outs map[*trackedItem][]*trackedItem) func(*trackedItem) []*trackedItem {
	return func(it *trackedItem) []*trackedItem {
		switch it.state {
		case entity.ActionInsert, entity.ActionInsertOrUpdate:
			preds := ins[it]
			key, err := s.mapping.PrimaryKey(it.table.desc, it.instance)
			if err != nil {
				return preds
			}
			if cached, ok := it.table.fromCache(key); ok && cached != it.instance {
				if doomed := it.table.tracked(cached); doomed != nil && doomed.state == entity.ActionDelete {
					preds = append(preds, doomed)
				}
			}
			return preds
		case entity.ActionDelete:
			return outs[it]
		default:
			return nil
		}
	}
}

// SubmitChanges flushes all pending changes to the underlying store as a
// single transaction, ordered so that foreign-key targets insert before their
// dependents, dependents delete before their targets, and a delete vacating a
// key precedes the insert reusing it. On success every submitted item is
// accepted; on any failure the transaction rolls back and tracked states
// remain as they were.
func (s *Session) SubmitChanges(ctx context.Context) (err error) {
	started := s.nowFn()
	if s.tracer != nil {
		var span TraceSpan
		ctx, span = s.tracer.Start(ctx, "submit_changes")
		defer func() { span.End(err) }()
	}
	defer func() { s.observe(ctx, "submit_changes", started, err) }()

	items := s.pendingItems()
	ins, outs := s.dependencyEdges(items)
	sorted, cycle := sortTopologically(items, s.commitPredecessors(ins, outs))
	if cycle != nil {
		instances := make([]any, 0, len(cycle))
		for _, it := range cycle {
			instances = append(instances, it.instance)
		}
		return entity.CycleError{Items: instances}
	}

	type submitted struct {
		item   *trackedItem
		action entity.SubmitAction
	}
	var done []submitted
	err = s.provider.DoTransacted(ctx, func(ctx context.Context) error {
		for _, it := range sorted {
			action, err := it.table.submit(ctx, it)
			if err != nil {
				return err
			}
			if action != entity.ActionNone {
				done = append(done, submitted{item: it, action: action})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	set := entity.ChangeSet{CommittedAt: s.nowFn()}
	for _, d := range done {
		key, kerr := s.mapping.PrimaryKey(d.item.table.desc, d.item.instance)
		if kerr != nil {
			key = nil
		}
		set.Changes = append(set.Changes, entity.Change{
			Table:  d.item.table.desc.Table,
			Action: d.action,
			Key:    key,
		})
		if aerr := d.item.table.accept(d.item); aerr != nil {
			return aerr
		}
	}
	if s.commitLog != nil && len(set.Changes) > 0 {
		if lerr := s.commitLog.Record(ctx, set); lerr != nil {
			return lerr
		}
	}
	return nil
}
