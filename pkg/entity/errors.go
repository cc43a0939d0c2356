package entity

import (
	"fmt"
	"strings"
)

// IdentityConflictError is returned when a set-action would track a new
// instance whose key already names a different cached instance. Nothing is
// tracked and no cache entry is replaced.
type IdentityConflictError struct {
	Table string
	Key   any
}

func (e IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict: table %s already caches a different instance for key %v", e.Table, e.Key)
}

// InvalidActionError is returned for an out-of-range SubmitAction value.
type InvalidActionError struct {
	Action SubmitAction
}

func (e InvalidActionError) Error() string {
	return fmt.Sprintf("invalid submit action %q", string(e.Action))
}

// CycleError reports a dependency cycle among pending items at commit time.
// Items holds the instances participating in the cycle.
type CycleError struct {
	Items []any
}

func (e CycleError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("%T", it))
	}
	return fmt.Sprintf("dependency cycle among %d pending items (%s)", len(e.Items), strings.Join(parts, ", "))
}

// NotFoundError is returned by backing tables when no row exists for a key.
type NotFoundError struct {
	Table string
	Key   any
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Table, e.Key)
}
