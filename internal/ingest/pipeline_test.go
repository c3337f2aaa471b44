package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/base62"
	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/event"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/registry"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store/memory"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent map[objectid.ID][]any
}

func (p *recordingPublisher) Publish(userID objectid.ID, ev any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = make(map[objectid.ID][]any)
	}
	p.sent[userID] = append(p.sent[userID], ev)
	return 0
}

type fixture struct {
	st   *memory.Store
	reg  *registry.Registry
	pub  *recordingPublisher
	pipe *Pipeline
	user domain.User
	path domain.Path
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.NewStore()
	reg := registry.New(st, st, registry.WithLogger(logger))
	pub := &recordingPublisher{}

	u := domain.User{ID: objectid.New(), Email: "ingest@example.com", CreatedAt: time.Now()}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	p, err := reg.CreatePath(ctx, u.ID, "orders", nil)
	if err != nil {
		t.Fatalf("CreatePath: %v", err)
	}
	return &fixture{st: st, reg: reg, pub: pub, pipe: New(reg, st, pub, logger), user: u, path: p}
}

func TestIngest_JSON(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	f.pipe.WithClock(func() time.Time { return at })

	ev, err := f.pipe.Ingest(ctx, Request{
		Token:       registry.PublicToken(f.user.ID),
		PathKey:     "orders",
		ContentType: "application/json; charset=utf-8",
		Body:        []byte(`{"id":42}`),
		Headers:     map[string]string{"X-Signature": "abc"},
		SourceIP:    "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ev.PathID != f.path.ID || ev.UserID != f.user.ID || !ev.ReceivedAt.Equal(at) {
		t.Errorf("event = %+v", ev)
	}
	if ev.Payload.Kind != event.KindJSON || ev.IPAddress != "203.0.113.9" {
		t.Errorf("payload kind = %q ip = %q", ev.Payload.Kind, ev.IPAddress)
	}

	p, _ := f.st.GetPath(ctx, f.user.ID, f.path.ID)
	if p.WebhookCount != 1 || p.LastUsed == nil || !p.LastUsed.Equal(at) {
		t.Errorf("path count = %d last_used = %v", p.WebhookCount, p.LastUsed)
	}
	if n, _ := f.st.CountEvents(ctx, f.path.ID); n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
	sent := f.pub.sent[f.user.ID]
	if len(sent) != 1 || sent[0].(event.Event).ID != ev.ID {
		t.Errorf("published = %+v", sent)
	}
}

func TestIngest_MalformedJSONStillRecorded(t *testing.T) {
	f := newFixture(t)
	ev, err := f.pipe.Ingest(context.Background(), Request{
		Token:       registry.PublicToken(f.user.ID),
		PathKey:     "orders",
		ContentType: "application/json",
		Body:        []byte(`{"id":`),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if m, ok := ev.Payload.JSON.(map[string]any); !ok || len(m) != 0 {
		t.Errorf("payload = %#v, want empty object", ev.Payload.JSON)
	}
}

func TestIngest_NotFoundIsUniform(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cases := map[string]Request{
		"unknown user":    {Token: base62.Encode(objectid.New()), PathKey: "orders"},
		"unknown path":    {Token: registry.PublicToken(f.user.ID), PathKey: "invoices"},
		"malformed token": {Token: "ABC_123", PathKey: "orders"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.pipe.Ingest(ctx, req)
			if err != domain.ErrNotFound {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
	if len(f.pub.sent) != 0 {
		t.Errorf("published on failure: %+v", f.pub.sent)
	}
}

func TestIngest_StorageFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := failingRecorder{err: errors.New("disk full")}
	pipe := New(f.reg, rec, f.pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := pipe.Ingest(ctx, Request{Token: registry.PublicToken(f.user.ID), PathKey: "orders"})
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	p, _ := f.st.GetPath(ctx, f.user.ID, f.path.ID)
	if p.WebhookCount != 0 {
		t.Errorf("counter bumped on failed insert: %d", p.WebhookCount)
	}
	if len(f.pub.sent) != 0 {
		t.Error("published an event that was never stored")
	}
}

func TestIngest_RecordUseFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.st.FailIncrementUse(errors.New("lock timeout"))

	if _, err := f.pipe.Ingest(ctx, Request{Token: registry.PublicToken(f.user.ID), PathKey: "orders"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n, _ := f.st.CountEvents(ctx, f.path.ID); n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
	if len(f.pub.sent[f.user.ID]) != 1 {
		t.Error("event not published")
	}
}

func TestIngest_ConcurrentCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.pipe.Ingest(ctx, Request{
				Token:       registry.PublicToken(f.user.ID),
				PathKey:     "orders",
				ContentType: "text/plain",
				Body:        []byte("ping"),
			}); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}()
	}
	wg.Wait()
	p, _ := f.st.GetPath(ctx, f.user.ID, f.path.ID)
	if p.WebhookCount != n {
		t.Errorf("WebhookCount = %d, want %d", p.WebhookCount, n)
	}
}

// ctxAwareResolver drops the counter update when its context is done, the
// way a database driver aborts a statement.
type ctxAwareResolver struct {
	*registry.Registry
	mu      sync.Mutex
	dropped int
}

func (r *ctxAwareResolver) RecordUse(ctx context.Context, pathID objectid.ID, at time.Time) {
	if ctx.Err() != nil {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return
	}
	r.Registry.RecordUse(ctx, pathID, at)
}

func TestIngest_RecordUseSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	res := &ctxAwareResolver{Registry: f.reg}
	pipe := New(res, f.st, f.pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pipe.Ingest(ctx, Request{Token: registry.PublicToken(f.user.ID), PathKey: "orders"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.dropped != 0 {
		t.Errorf("counter update saw a cancelled context %d times", res.dropped)
	}
	p, _ := f.st.GetPath(context.Background(), f.user.ID, f.path.ID)
	n, _ := f.st.CountEvents(context.Background(), f.path.ID)
	if p.WebhookCount != n || n != 1 {
		t.Errorf("WebhookCount = %d, stored events = %d, want 1 and 1", p.WebhookCount, n)
	}
}

func TestIngest_LastUsedFollowsReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := first
	f.pipe.WithClock(func() time.Time { return clock })
	req := Request{Token: registry.PublicToken(f.user.ID), PathKey: "orders"}

	if _, err := f.pipe.Ingest(ctx, req); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	clock = first.Add(-time.Hour)
	if _, err := f.pipe.Ingest(ctx, req); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	p, _ := f.st.GetPath(ctx, f.user.ID, f.path.ID)
	if p.WebhookCount != 2 || p.LastUsed == nil || !p.LastUsed.Equal(first) {
		t.Errorf("count = %d last_used = %v, want 2 and %v", p.WebhookCount, p.LastUsed, first)
	}
}

func TestIngest_CleansNUL(t *testing.T) {
	f := newFixture(t)
	ev, err := f.pipe.Ingest(context.Background(), Request{
		Token:       registry.PublicToken(f.user.ID),
		PathKey:     "orders",
		ContentType: "application/octet-stream",
		Body:        []byte("\x00\x01proto"),
		Headers:     map[string]string{"X-Raw": "a\x00"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ev.Payload.Text != "\uFFFD\x01proto" {
		t.Errorf("payload = %q", ev.Payload.Text)
	}
	if ev.Headers["X-Raw"] != "a\uFFFD" {
		t.Errorf("header = %q", ev.Headers["X-Raw"])
	}
}

func TestMillis(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want float64
	}{
		{250 * time.Microsecond, 0.25},
		{1500 * time.Microsecond, 1.5},
		{2 * time.Second, 2000},
		{0, 0},
	}
	for _, tc := range tests {
		if got := millis(tc.in); got != tc.want {
			t.Errorf("millis(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

type failingRecorder struct{ err error }

func (r failingRecorder) InsertEvent(context.Context, event.Event) error { return r.err }
