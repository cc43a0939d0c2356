// Package session implements the unit-of-work entity session: per-table
// identity maps, snapshot- and subscription-based change tracking, query
// materialization interning, and dependency-ordered transactional commit.
package session

import "entsession/pkg/entity"

// trackedItem is the immutable record of one pending change. State
// transitions produce a replacement item; an item is never mutated in place.
type trackedItem struct {
	table    *Table
	instance any
	// original holds the snapshot taken at tracking time, or nil when change
	// detection runs through a subscription (or the state needs no snapshot).
	original any
	state    entity.SubmitAction
	// subscribed is true iff an about-to-change subscription has been attached
	// to instance. At most one subscription exists per instance lifetime.
	subscribed bool
}

func (it *trackedItem) with(state entity.SubmitAction, original any) *trackedItem {
	return &trackedItem{
		table:      it.table,
		instance:   it.instance,
		original:   original,
		state:      state,
		subscribed: it.subscribed,
	}
}

// effectiveAction resolves possible_update against modification detection:
// a snapshot that differs from the live instance yields update, anything else
// yields none. Other states pass through unchanged.
func (it *trackedItem) effectiveAction() entity.SubmitAction {
	if it.state != entity.ActionPossibleUpdate {
		return it.state
	}
	if it.original != nil && it.table.sess.mapping.IsModified(it.table.desc, it.instance, it.original) {
		return entity.ActionUpdate
	}
	return entity.ActionNone
}
