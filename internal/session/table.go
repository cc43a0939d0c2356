package session

import (
	"context"

	"entsession/pkg/entity"
)

// Table is the session's view of one logical table: an identity map from key
// to canonical instance plus the change tracker for instances of that table.
// A Table is created lazily on first access and lives for the session's
// lifetime. It is not safe for concurrent use; callers own serialization.
type Table struct {
	sess    *Session
	desc    *entity.Descriptor
	backing entity.BackingTable

	// cache maps key to the canonical instance for that key.
	cache map[entity.Key]any
	// items maps instance identity to its tracked item.
	items map[any]*trackedItem
	// order preserves tracking order for deterministic commit collection.
	order []any
}

func newTable(sess *Session, desc *entity.Descriptor) *Table {
	return &Table{
		sess:    sess,
		desc:    desc,
		backing: sess.provider.Table(desc),
		cache:   make(map[entity.Key]any),
		items:   make(map[any]*trackedItem),
	}
}

// Descriptor returns the logical table descriptor.
func (t *Table) Descriptor() *entity.Descriptor { return t.desc }

// GetByID fetches an instance by key from the underlying table. Identity
// mapping applies only to tracked instances, so this always delegates; the
// materialized row is interned like any query result.
func (t *Table) GetByID(ctx context.Context, key entity.Key) (any, error) {
	instance, err := t.backing.GetByID(ctx, key)
	if err != nil {
		return nil, err
	}
	return t.intern(instance)
}

// SetSubmitAction assigns the pending action for an instance. The instance is
// entered into the identity cache; a different instance already holding the
// same key is rejected with IdentityConflictError, except when an insert is
// requested while the cache occupant is pending delete (key reuse across
// delete+insert is a permitted transient state).
func (t *Table) SetSubmitAction(instance any, action entity.SubmitAction) (err error) {
	started := t.sess.nowFn()
	defer func() { t.sess.observe(context.Background(), "set_action", started, err) }()
	if !action.Valid() {
		return entity.InvalidActionError{Action: action}
	}
	key, err := t.sess.mapping.PrimaryKey(t.desc, instance)
	if err != nil {
		return err
	}
	cached, ok := t.cache[key]
	switch {
	case !ok:
		t.cache[key] = instance
	case cached == instance:
		// already canonical
	default:
		doomed := t.items[cached]
		reuse := (action == entity.ActionInsert || action == entity.ActionInsertOrUpdate) &&
			doomed != nil && doomed.state == entity.ActionDelete
		if !reuse {
			return entity.IdentityConflictError{Table: t.desc.Table, Key: key}
		}
		// The cache keeps the doomed occupant until its delete is accepted;
		// the insert is tracked without a cache entry.
	}

	prev := t.items[instance]
	next := &trackedItem{table: t, instance: instance, state: action}
	if action == entity.ActionPossibleUpdate {
		t.armChangeDetection(next, prev)
	} else if prev != nil {
		next.original = prev.original
		next.subscribed = prev.subscribed
	}
	t.track(instance, next)
	return nil
}

// armChangeDetection establishes the change-detection strategy for an item
// entering possible_update: keep an existing subscription, subscribe when the
// instance supports notifications, otherwise take a clone snapshot.
func (t *Table) armChangeDetection(next, prev *trackedItem) {
	if prev != nil && prev.subscribed {
		next.subscribed = true
		return
	}
	if notifier, ok := next.instance.(entity.BeforeChangeNotifier); ok {
		notifier.Subscribe(t.onBeforeChange(next.instance))
		next.subscribed = true
		return
	}
	next.original = t.sess.mapping.Clone(t.desc, next.instance)
}

// onBeforeChange returns the subscription handler for instance. On the first
// notification while the item is still possible_update, the instance is
// cloned before the change lands and the item upgrades to update with that
// clone as its original. Later notifications find the state already upgraded
// and do nothing.
func (t *Table) onBeforeChange(instance any) func() {
	return func() {
		it := t.items[instance]
		if it == nil || it.state != entity.ActionPossibleUpdate {
			return
		}
		original := t.sess.mapping.Clone(t.desc, instance)
		t.items[instance] = it.with(entity.ActionUpdate, original)
	}
}

// GetSubmitAction returns the pending action for an instance. Untracked
// instances report none; possible_update resolves against modification
// detection to either update or none.
func (t *Table) GetSubmitAction(instance any) entity.SubmitAction {
	it := t.items[instance]
	if it == nil {
		return entity.ActionNone
	}
	return it.effectiveAction()
}

// intern routes a materialized instance through the identity map: when the
// key is already cached the canonical instance is returned and the duplicate
// discarded; otherwise the instance becomes canonical and is tracked as
// possible_update.
func (t *Table) intern(instance any) (_ any, err error) {
	started := t.sess.nowFn()
	defer func() { t.sess.observe(context.Background(), "intern", started, err) }()
	key, err := t.sess.mapping.PrimaryKey(t.desc, instance)
	if err != nil {
		return nil, err
	}
	if cached, ok := t.cache[key]; ok {
		return cached, nil
	}
	t.cache[key] = instance
	it := &trackedItem{table: t, instance: instance, state: entity.ActionPossibleUpdate}
	t.armChangeDetection(it, nil)
	t.track(instance, it)
	return instance, nil
}

func (t *Table) track(instance any, it *trackedItem) {
	if _, known := t.items[instance]; !known {
		t.order = append(t.order, instance)
	}
	t.items[instance] = it
}

// tracked returns the item for an instance, or nil.
func (t *Table) tracked(instance any) *trackedItem {
	return t.items[instance]
}

// fromCache returns the canonical instance for a key, if any.
func (t *Table) fromCache(key entity.Key) (any, bool) {
	instance, ok := t.cache[key]
	return instance, ok
}

// trackedItems returns all items in tracking order.
func (t *Table) trackedItems() []*trackedItem {
	out := make([]*trackedItem, 0, len(t.order))
	for _, instance := range t.order {
		out = append(out, t.items[instance])
	}
	return out
}

// submit translates an item's state to a CRUD call on the underlying table.
// The returned action is what was actually issued; none means no call was
// made and the item needs no accept.
func (t *Table) submit(ctx context.Context, it *trackedItem) (entity.SubmitAction, error) {
	switch it.state {
	case entity.ActionDelete:
		return entity.ActionDelete, t.backing.Delete(ctx, it.instance)
	case entity.ActionInsert:
		return entity.ActionInsert, t.backing.Insert(ctx, it.instance)
	case entity.ActionInsertOrUpdate:
		return entity.ActionInsertOrUpdate, t.backing.InsertOrUpdate(ctx, it.instance)
	case entity.ActionUpdate:
		return entity.ActionUpdate, t.backing.Update(ctx, it.instance)
	case entity.ActionPossibleUpdate:
		if it.effectiveAction() == entity.ActionUpdate {
			return entity.ActionUpdate, t.backing.Update(ctx, it.instance)
		}
		return entity.ActionNone, nil
	default:
		return entity.ActionNone, nil
	}
}

// accept transitions an item after a durable commit: deletes leave the table
// and evict their key, inserts enter the identity cache, and every surviving
// item re-enters possible_update with change detection re-armed.
func (t *Table) accept(it *trackedItem) error {
	key, err := t.sess.mapping.PrimaryKey(t.desc, it.instance)
	if err != nil {
		return err
	}
	switch it.state {
	case entity.ActionDelete:
		if cached, ok := t.cache[key]; ok && cached == it.instance {
			delete(t.cache, key)
		}
		t.untrack(it.instance)
	case entity.ActionInsert, entity.ActionInsertOrUpdate:
		t.cache[key] = it.instance
		t.rearm(it)
	case entity.ActionUpdate, entity.ActionPossibleUpdate:
		t.rearm(it)
	}
	return nil
}

func (t *Table) rearm(it *trackedItem) {
	next := &trackedItem{table: t, instance: it.instance, state: entity.ActionPossibleUpdate}
	t.armChangeDetection(next, it)
	t.items[it.instance] = next
}

func (t *Table) untrack(instance any) {
	delete(t.items, instance)
	for i, v := range t.order {
		if v == instance {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Select executes cmd through the session's intercepting executor and drains
// the iterator, returning the interned instances.
func (t *Table) Select(ctx context.Context, cmd entity.Command) ([]any, error) {
	if cmd.Descriptor == nil {
		cmd.Descriptor = t.desc
	}
	iter, err := t.sess.executor.Execute(ctx, cmd, t.sess.projectorFor(cmd))
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()
	var out []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
