package session

import (
	"context"
	"fmt"
	"testing"

	"entsession/internal/infra/provider/memory"
	"entsession/pkg/entity"
	"entsession/pkg/mapping"
)

type Customer struct {
	ID     int      `orm:"id,pk" json:"id"`
	Name   string   `orm:"name" json:"name"`
	Tags   []string `orm:"tags" json:"tags,omitempty"`
	Orders []*Order `orm:"-,deps" json:"-"`
}

type Order struct {
	ID         int       `orm:"id,pk" json:"id"`
	CustomerID int       `orm:"customer_id" json:"customer_id"`
	Total      float64   `orm:"total" json:"total"`
	Customer   *Customer `orm:"-,ref" json:"-"`
}

// Node is a self-referencing entity used to provoke dependency cycles.
type Node struct {
	ID   int   `orm:"id,pk" json:"id"`
	Peer *Node `orm:"-,ref" json:"-"`
}

// Account supports about-to-change notifications: SetBalance announces the
// mutation before it lands.
type Account struct {
	ID      int `orm:"id,pk" json:"id"`
	Balance int `orm:"balance" json:"balance"`
	subs    []func()
}

func (a *Account) Subscribe(fn func()) { a.subs = append(a.subs, fn) }

func (a *Account) SetBalance(v int) {
	for _, fn := range a.subs {
		fn()
	}
	a.Balance = v
}

type fixture struct {
	mapping   *mapping.Mapping
	provider  *recordingProvider
	sess      *Session
	customers *entity.Descriptor
	orders    *entity.Descriptor
	accounts  *entity.Descriptor
	nodes     *entity.Descriptor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	m := mapping.New()
	f := &fixture{
		mapping:   m,
		customers: m.MustRegister("customer", Customer{}),
		orders:    m.MustRegister("order", Order{}),
		accounts:  m.MustRegister("account", Account{}),
		nodes:     m.MustRegister("node", Node{}),
	}
	f.provider = &recordingProvider{Provider: memory.NewStore(m), mapping: m}
	f.sess = New(f.provider, m, opts...)
	return f
}

// recordingProvider wraps the memory provider and records every CRUD call in
// issue order as "<action> <table>:<key>". An entry in fail makes the
// matching call error to exercise rollback paths.
type recordingProvider struct {
	entity.Provider
	mapping *mapping.Mapping
	calls   []string
	fail    map[string]error
}

func (p *recordingProvider) Table(desc *entity.Descriptor) entity.BackingTable {
	return &recordingTable{provider: p, desc: desc, inner: p.Provider.Table(desc)}
}

func (p *recordingProvider) record(action string, desc *entity.Descriptor, instance any) error {
	key, err := p.mapping.PrimaryKey(desc, instance)
	if err != nil {
		return err
	}
	call := fmt.Sprintf("%s %s:%v", action, desc.Table, key)
	if err, ok := p.fail[call]; ok {
		return err
	}
	p.calls = append(p.calls, call)
	return nil
}

type recordingTable struct {
	provider *recordingProvider
	desc     *entity.Descriptor
	inner    entity.BackingTable
}

func (t *recordingTable) Insert(ctx context.Context, instance any) error {
	if err := t.provider.record("insert", t.desc, instance); err != nil {
		return err
	}
	return t.inner.Insert(ctx, instance)
}

func (t *recordingTable) Update(ctx context.Context, instance any) error {
	if err := t.provider.record("update", t.desc, instance); err != nil {
		return err
	}
	return t.inner.Update(ctx, instance)
}

func (t *recordingTable) InsertOrUpdate(ctx context.Context, instance any) error {
	if err := t.provider.record("upsert", t.desc, instance); err != nil {
		return err
	}
	return t.inner.InsertOrUpdate(ctx, instance)
}

func (t *recordingTable) Delete(ctx context.Context, instance any) error {
	if err := t.provider.record("delete", t.desc, instance); err != nil {
		return err
	}
	return t.inner.Delete(ctx, instance)
}

func (t *recordingTable) GetByID(ctx context.Context, key entity.Key) (any, error) {
	return t.inner.GetByID(ctx, key)
}

func indexOf(calls []string, want string) int {
	for i, c := range calls {
		if c == want {
			return i
		}
	}
	return -1
}

func mustIndexOf(t *testing.T, calls []string, want string) int {
	t.Helper()
	i := indexOf(calls, want)
	if i < 0 {
		t.Fatalf("call %q missing from %v", want, calls)
	}
	return i
}
