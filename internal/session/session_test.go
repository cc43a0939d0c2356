package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"entsession/pkg/entity"
)

func TestSubmitChangesOrdersInsertsAfterDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)
	orders := f.sess.Table(f.orders)

	c1 := &Customer{ID: 1, Name: "Ada"}
	c2 := &Customer{ID: 2, Name: "Grace"}
	o10 := &Order{ID: 10, CustomerID: 1, Customer: c1}

	for _, step := range []struct {
		table    *Table
		instance any
	}{
		{orders, o10},
		{customers, c1},
		{customers, c2},
	} {
		if err := step.table.SetSubmitAction(step.instance, entity.ActionInsert); err != nil {
			t.Fatalf("set insert: %v", err)
		}
	}
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	calls := f.provider.calls
	orderIdx := mustIndexOf(t, calls, "insert order:10")
	if mustIndexOf(t, calls, "insert customer:1") > orderIdx {
		t.Fatalf("customer 1 inserted after its order: %v", calls)
	}
	if mustIndexOf(t, calls, "insert customer:2") > orderIdx {
		t.Fatalf("customer 2 inserted after the order: %v", calls)
	}

	// Post-commit the instances are tracked for further change detection.
	if got := customers.GetSubmitAction(c1); got != entity.ActionNone {
		t.Fatalf("post-commit action %s, want none", got)
	}
	if it := customers.tracked(c1); it == nil || it.state != entity.ActionPossibleUpdate {
		t.Fatalf("post-commit state should be possible_update")
	}
}

func TestSubmitChangesOrdersDeletesBeforeTheirTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)
	orders := f.sess.Table(f.orders)

	c := &Customer{ID: 1, Name: "Ada"}
	o := &Order{ID: 10, CustomerID: 1, Customer: c}
	c.Orders = []*Order{o}

	seedTables := map[*entity.Descriptor]any{f.customers: c, f.orders: o}
	for desc, instance := range seedTables {
		if err := f.provider.Provider.Table(desc).Insert(ctx, instance); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := customers.SetSubmitAction(c, entity.ActionDelete); err != nil {
		t.Fatalf("delete customer: %v", err)
	}
	if err := orders.SetSubmitAction(o, entity.ActionDelete); err != nil {
		t.Fatalf("delete order: %v", err)
	}
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	calls := f.provider.calls
	if mustIndexOf(t, calls, "delete order:10") > mustIndexOf(t, calls, "delete customer:1") {
		t.Fatalf("dependent order must delete before its customer: %v", calls)
	}
	if customers.tracked(c) != nil {
		t.Fatalf("deleted instance must leave the tracker")
	}
	if _, ok := customers.fromCache(1); ok {
		t.Fatalf("deleted key must leave the identity cache")
	}
}

func TestSubmitChangesDeleteBeforeInsertOnKeyReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)

	a := &Customer{ID: 1, Name: "old"}
	b := &Customer{ID: 1, Name: "new"}
	if err := f.provider.Provider.Table(f.customers).Insert(ctx, a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := customers.SetSubmitAction(a, entity.ActionDelete); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if err := customers.SetSubmitAction(b, entity.ActionInsert); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	calls := f.provider.calls
	if mustIndexOf(t, calls, "delete customer:1") > mustIndexOf(t, calls, "insert customer:1") {
		t.Fatalf("delete must precede insert on key reuse: %v", calls)
	}
	cached, ok := customers.fromCache(1)
	if !ok || cached != b {
		t.Fatalf("post-commit the key must name the inserted instance")
	}
	if customers.tracked(a) != nil {
		t.Fatalf("the deleted instance must no longer be tracked")
	}
}

func TestSubmitChangesDetectsDependencyCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nodes := f.sess.Table(f.nodes)

	n1 := &Node{ID: 1}
	n2 := &Node{ID: 2}
	n1.Peer = n2
	n2.Peer = n1
	if err := nodes.SetSubmitAction(n1, entity.ActionInsert); err != nil {
		t.Fatalf("insert n1: %v", err)
	}
	if err := nodes.SetSubmitAction(n2, entity.ActionInsert); err != nil {
		t.Fatalf("insert n2: %v", err)
	}

	err := f.sess.SubmitChanges(ctx)
	var cycle entity.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycle.Items) != 2 {
		t.Fatalf("cycle should name both nodes, got %d", len(cycle.Items))
	}
	if len(f.provider.calls) != 0 {
		t.Fatalf("no CRUD may be issued on a cycle: %v", f.provider.calls)
	}
	if it := nodes.tracked(n1); it == nil || it.state != entity.ActionInsert {
		t.Fatalf("tracked state must be unchanged after a cycle failure")
	}
}

func TestSubmitChangesEmitsSingleUpdateForMutatedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)

	seed := &Customer{ID: 1, Name: "Ada"}
	if err := f.provider.Provider.Table(f.customers).Insert(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := customers.GetByID(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	c := got.(*Customer)

	c.Name = "Grace"
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.provider.calls) != 1 || f.provider.calls[0] != "update customer:1" {
		t.Fatalf("want exactly one update, got %v", f.provider.calls)
	}
	if it := customers.tracked(c); it == nil || it.state != entity.ActionPossibleUpdate {
		t.Fatalf("post-commit the instance stays tracked as possible_update")
	}
	if got := customers.GetSubmitAction(c); got != entity.ActionNone {
		t.Fatalf("post-commit action %s, want none", got)
	}
}

func TestSubmitChangesSkipsUnmutatedInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)

	c := &Customer{ID: 1, Name: "Ada"}
	if err := customers.SetSubmitAction(c, entity.ActionPossibleUpdate); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.provider.calls) != 0 {
		t.Fatalf("unmutated instance must not reach the store: %v", f.provider.calls)
	}
}

func TestSubmitChangesUpdatesSubscribedInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accounts := f.sess.Table(f.accounts)

	a := &Account{ID: 1, Balance: 10}
	if err := f.provider.Provider.Table(f.accounts).Insert(ctx, a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := accounts.SetSubmitAction(a, entity.ActionPossibleUpdate); err != nil {
		t.Fatalf("track: %v", err)
	}
	a.SetBalance(25)
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.provider.calls) != 1 || f.provider.calls[0] != "update account:1" {
		t.Fatalf("want exactly one update, got %v", f.provider.calls)
	}
	if it := accounts.tracked(a); !it.subscribed {
		t.Fatalf("subscription must survive the commit")
	}
	if len(a.subs) != 1 {
		t.Fatalf("commit must not add a second subscription, got %d", len(a.subs))
	}
}

func TestSubmitChangesRollsBackWithoutAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)

	c1 := &Customer{ID: 1}
	c2 := &Customer{ID: 2}
	if err := customers.SetSubmitAction(c1, entity.ActionInsert); err != nil {
		t.Fatalf("insert c1: %v", err)
	}
	if err := customers.SetSubmitAction(c2, entity.ActionInsert); err != nil {
		t.Fatalf("insert c2: %v", err)
	}
	f.provider.fail = map[string]error{"insert customer:2": fmt.Errorf("disk full")}

	if err := f.sess.SubmitChanges(ctx); err == nil {
		t.Fatalf("expected submit failure")
	}
	// No accept ran: both items keep their pre-commit state.
	for _, c := range []*Customer{c1, c2} {
		if it := customers.tracked(c); it == nil || it.state != entity.ActionInsert {
			t.Fatalf("tracked state changed despite rollback")
		}
	}
	// The transaction rolled back: nothing is visible in the store.
	if _, err := f.provider.Provider.Table(f.customers).GetByID(ctx, 1); err == nil {
		t.Fatalf("rolled-back insert must not be visible")
	}
}

func TestSubmitChangesRetriesAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)

	c := &Customer{ID: 1}
	if err := customers.SetSubmitAction(c, entity.ActionInsert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	f.provider.fail = map[string]error{"insert customer:1": fmt.Errorf("deadlock")}
	if err := f.sess.SubmitChanges(ctx); err == nil {
		t.Fatalf("expected failure")
	}
	f.provider.fail = nil
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := f.provider.Provider.Table(f.customers).GetByID(ctx, 1); err != nil {
		t.Fatalf("retried insert missing: %v", err)
	}
}

func TestSelectInternsEveryRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customers := f.sess.Table(f.customers)

	backing := f.provider.Provider.Table(f.customers)
	for i := 1; i <= 3; i++ {
		if err := backing.Insert(ctx, &Customer{ID: i, Name: fmt.Sprintf("c%d", i)}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	first, err := customers.Select(ctx, entity.Command{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("got %d rows", len(first))
	}
	second, err := customers.Select(ctx, entity.Command{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("row %d not interned: distinct instances across queries", i)
		}
	}
}

func TestTypedTableRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	customers, err := TableFor[Customer](f.sess, "customer")
	if err != nil {
		t.Fatalf("typed table: %v", err)
	}
	c := &Customer{ID: 1, Name: "Ada"}
	if err := customers.SetSubmitAction(c, entity.ActionInsert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := f.sess.SubmitChanges(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := customers.GetByID(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != c {
		t.Fatalf("typed fetch must return the canonical tracked instance")
	}
	rows, err := customers.Select(ctx, entity.Command{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0] != c {
		t.Fatalf("typed select must intern to the canonical instance")
	}
}
