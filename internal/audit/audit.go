// Package audit records committed change sets to a blob store as JSON-lines
// documents, one blob per commit under a deterministic key prefix.
package audit

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"entsession/internal/blob/core"
	"entsession/pkg/entity"
)

// Entry is one serialized change of a committed set.
type Entry struct {
	ID         string              `json:"id"`
	Table      string              `json:"table"`
	Action     entity.SubmitAction `json:"action"`
	Key        any                 `json:"key"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// BlobLog appends commit records to a blob store.
type BlobLog struct {
	store  core.Store
	prefix string
}

// NewBlobLog constructs a commit log writing under prefix (default "commits").
func NewBlobLog(store core.Store, prefix string) *BlobLog {
	if prefix == "" {
		prefix = "commits"
	}
	return &BlobLog{store: store, prefix: prefix}
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// Record serializes the change set as JSON lines and stores it as one blob.
func (l *BlobLog) Record(ctx context.Context, set entity.ChangeSet) error {
	if len(set.Changes) == 0 {
		return nil
	}
	id := newID()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range set.Changes {
		entry := Entry{
			ID:         id,
			Table:      c.Table,
			Action:     c.Action,
			Key:        c.Key,
			OccurredAt: set.CommittedAt,
		}
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode audit entry: %w", err)
		}
	}
	key := fmt.Sprintf("%s/%s-%s.jsonl", l.prefix, set.CommittedAt.Format("20060102T150405.000000000Z"), id)
	if _, err := l.store.Put(ctx, key, &buf, core.PutOptions{ContentType: "application/x-ndjson"}); err != nil {
		return fmt.Errorf("record commit audit: %w", err)
	}
	return nil
}

// Entries reads back every recorded entry under the log's prefix, in key
// order. Intended for diagnostics and tests.
func (l *BlobLog) Entries(ctx context.Context) ([]Entry, error) {
	infos, err := l.store.List(ctx, l.prefix+"/")
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, info := range infos {
		_, rc, err := l.store.Get(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(rc)
		for dec.More() {
			var e Entry
			if err := dec.Decode(&e); err != nil {
				_ = rc.Close()
				return nil, fmt.Errorf("decode audit entry %s: %w", info.Key, err)
			}
			out = append(out, e)
		}
		if err := rc.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
