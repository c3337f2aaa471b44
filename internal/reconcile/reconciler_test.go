package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/event"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store/memory"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, st *memory.Store, paths, eventsPer int) (objectid.ID, []objectid.ID) {
	t.Helper()
	ctx := context.Background()
	u := domain.User{ID: objectid.New(), Email: "rec@example.com", CreatedAt: time.Now()}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	var ids []objectid.ID
	for i := 0; i < paths; i++ {
		p := domain.Path{ID: objectid.New(), UserID: u.ID, Key: objectid.New().Hex(), CreatedAt: time.Now()}
		if err := st.CreatePath(ctx, p); err != nil {
			t.Fatalf("CreatePath: %v", err)
		}
		for j := 0; j < eventsPer; j++ {
			ev := event.Event{ID: objectid.New(), PathID: p.ID, UserID: u.ID, ReceivedAt: time.Now()}
			if err := st.InsertEvent(ctx, ev); err != nil {
				t.Fatalf("InsertEvent: %v", err)
			}
		}
		st.SetWebhookCount(p.ID, 999)
		ids = append(ids, p.ID)
	}
	return u.ID, ids
}

func TestRunOnce_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	userID, ids := seed(t, st, 25, 3)

	// A tiny queue forces Submit to wait on the workers.
	res, err := New(st, 3, 2, quiet()).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Paths != 25 || res.Updated != 25 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, id := range ids {
		p, err := st.GetPath(ctx, userID, id)
		if err != nil || p.WebhookCount != 3 {
			t.Errorf("path %s count = %d, %v", id, p.WebhookCount, err)
		}
	}
}

type flakyStore struct {
	ids     []objectid.ID
	mu      sync.Mutex
	calls   int
	missing objectid.ID
	broken  objectid.ID
}

func (s *flakyStore) AllPathIDs(context.Context) ([]objectid.ID, error) { return s.ids, nil }

func (s *flakyStore) ReconcileCount(_ context.Context, id objectid.ID) (int64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	switch id {
	case s.missing:
		return 0, domain.ErrNotFound
	case s.broken:
		return 0, errors.New("deadlock detected")
	}
	return 1, nil
}

func TestRunOnce_ClassifiesFailures(t *testing.T) {
	s := &flakyStore{ids: []objectid.ID{objectid.New(), objectid.New(), objectid.New(), objectid.New()}}
	s.missing, s.broken = s.ids[1], s.ids[2]

	res, err := New(s, 2, 8, quiet()).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Updated != 2 || res.Vanished != 1 || res.Failed != 1 || s.calls != 4 {
		t.Errorf("result = %+v calls = %d", res, s.calls)
	}
}

func TestRunOnce_ListFailure(t *testing.T) {
	st := memory.NewStore()
	st.Fail(errors.New("connection reset"))
	if _, err := New(st, 1, 1, quiet()).RunOnce(context.Background()); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Errorf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := memory.NewStore()
	seed(t, st, 2, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- New(st, 1, 1, quiet()).Run(ctx, 10*time.Millisecond) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	if err := New(memory.NewStore(), 1, 1, quiet()).Run(context.Background(), 0); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestWorkerPool_ProcessesEverything(t *testing.T) {
	ctx := context.Background()
	p := newWorkerPool(ctx, 4, 1, func(_ context.Context, n int) error {
		if n%5 == 0 {
			return errors.New("multiple of five")
		}
		return nil
	})
	var (
		seen, failed int
		done         = make(chan struct{})
	)
	go func() {
		defer close(done)
		for r := range p.Results() {
			seen++
			if r.err != nil {
				failed++
			}
		}
	}()
	for i := 1; i <= 100; i++ {
		if err := p.Submit(ctx, i); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Drain()
	<-done
	if seen != 100 || failed != 20 {
		t.Errorf("seen = %d failed = %d", seen, failed)
	}
}
