package session

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder receives one observation per session operation
// (submit_changes, intern, set_action).
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan ends one traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer opens a span for each SubmitChanges call; interning and set-action
// calls are not traced.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// OperationStats aggregates the outcomes of one session operation. Interning
// is the hot path, so the recorder keeps running totals and a high-water
// duration instead of retaining samples.
type OperationStats struct {
	Calls   int64   `json:"calls"`
	Errors  int64   `json:"errors"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation session statistics via
// expvar, for deployments that prefer process-local metrics without external
// dependencies. Prometheus deployments use PrometheusMetricsRecorder instead.
type ExpvarMetricsRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]*OperationStats
}

// ExpvarMetricsSnapshot captures a read-only view of the recorded statistics.
type ExpvarMetricsSnapshot struct {
	Operations map[string]OperationStats `json:"operations"`
	RecordedAt time.Time                 `json:"recorded_at"`
}

// NewExpvarMetricsRecorder constructs an expvar-backed recorder published
// under the supplied name. When name is empty, a unique one is generated.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("entity_session_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name: name,
		ops:  make(map[string]*OperationStats),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot returns an immutable copy of the aggregated statistics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make(map[string]OperationStats, len(r.ops))
	for op, stats := range r.ops {
		ops[op] = *stats
	}
	return ExpvarMetricsSnapshot{Operations: ops, RecordedAt: time.Now().UTC()}
}

// Observe records a session operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)

	r.mu.Lock()
	stats, ok := r.ops[operation]
	if !ok {
		stats = &OperationStats{}
		r.ops[operation] = stats
	}
	stats.Calls++
	if !success {
		stats.Errors++
	}
	stats.TotalMS += ms
	if ms > stats.MaxMS {
		stats.MaxMS = ms
	}
	r.mu.Unlock()
}

// TraceEntry is one completed session operation recorded by TraceLog. Seq
// numbers entries in completion order.
type TraceEntry struct {
	Seq        uint64    `json:"seq"`
	Operation  string    `json:"operation"`
	DurationMS float64   `json:"duration_ms"`
	Err        string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// TraceLog retains one entry per completed operation and optionally mirrors
// each entry as a JSON line to a writer.
type TraceLog struct {
	mu      sync.Mutex
	seq     uint64
	entries []TraceEntry
	enc     *json.Encoder
}

// NewTraceLog constructs a trace log. A nil writer retains entries without
// serializing them.
func NewTraceLog(w io.Writer) *TraceLog {
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}
	return &TraceLog{enc: enc}
}

// Entries returns a copy of all recorded entries in completion order.
func (t *TraceLog) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Failures returns the recorded entries that ended in an error.
func (t *TraceLog) Failures() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TraceEntry
	for _, e := range t.entries {
		if e.Err != "" {
			out = append(out, e)
		}
	}
	return out
}

// Start implements the Tracer interface.
func (t *TraceLog) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &traceLogSpan{
		log:       t,
		operation: operation,
		started:   time.Now().UTC(),
	}
}

type traceLogSpan struct {
	log       *TraceLog
	operation string
	started   time.Time
}

func (s *traceLogSpan) End(err error) {
	entry := TraceEntry{
		Operation:  s.operation,
		DurationMS: float64(time.Since(s.started)) / float64(time.Millisecond),
		StartedAt:  s.started,
	}
	if err != nil {
		entry.Err = err.Error()
	}
	s.log.mu.Lock()
	s.log.seq++
	entry.Seq = s.log.seq
	s.log.entries = append(s.log.entries, entry)
	if s.log.enc != nil {
		_ = s.log.enc.Encode(entry)
	}
	s.log.mu.Unlock()
}
