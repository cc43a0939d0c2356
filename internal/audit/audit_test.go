package audit_test

import (
	"context"
	"testing"
	"time"

	"entsession/internal/audit"
	"entsession/internal/infra/blob/memory"
	"entsession/pkg/entity"
)

func TestRecordAndReadBack(t *testing.T) {
	store := memory.New()
	log := audit.NewBlobLog(store, "")
	ctx := context.Background()

	committed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	set := entity.ChangeSet{
		CommittedAt: committed,
		Changes: []entity.Change{
			{Table: "customer", Action: entity.ActionInsert, Key: 1},
			{Table: "order", Action: entity.ActionDelete, Key: 10},
		},
	}
	if err := log.Record(ctx, set); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := log.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Table != "customer" || entries[0].Action != entity.ActionInsert {
		t.Fatalf("first entry %+v", entries[0])
	}
	if entries[1].Table != "order" || entries[1].Action != entity.ActionDelete {
		t.Fatalf("second entry %+v", entries[1])
	}
	if entries[0].ID == "" || entries[0].ID != entries[1].ID {
		t.Fatalf("entries of one commit share an id: %+v", entries)
	}
	if !entries[0].OccurredAt.Equal(committed) {
		t.Fatalf("timestamp %v", entries[0].OccurredAt)
	}
}

func TestRecordSkipsEmptySet(t *testing.T) {
	store := memory.New()
	log := audit.NewBlobLog(store, "commits")
	ctx := context.Background()
	if err := log.Record(ctx, entity.ChangeSet{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	infos, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("empty set must write nothing, got %+v", infos)
	}
}

func TestCommitsAccumulateInOrder(t *testing.T) {
	store := memory.New()
	log := audit.NewBlobLog(store, "commits")
	ctx := context.Background()

	for i, table := range []string{"alpha", "beta"} {
		set := entity.ChangeSet{
			CommittedAt: time.Date(2025, 3, 1, 12, i, 0, 0, time.UTC),
			Changes:     []entity.Change{{Table: table, Action: entity.ActionUpdate, Key: i}},
		}
		if err := log.Record(ctx, set); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	entries, err := log.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[0].Table != "alpha" || entries[1].Table != "beta" {
		t.Fatalf("entries %+v", entries)
	}
}
