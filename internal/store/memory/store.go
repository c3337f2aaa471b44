package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/event"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store"
)

var _ store.Store = (*Store)(nil)

type pathKey struct {
	userID objectid.ID
	key    string
}

// Store is an in-process adapter with the same uniqueness and atomicity
// guarantees as the Postgres one. Fail, when set, is returned by every call.
type Store struct {
	mu sync.RWMutex

	users   map[objectid.ID]domain.User
	emails  map[string]objectid.ID
	paths   map[objectid.ID]domain.Path
	byKey   map[pathKey]objectid.ID
	events  map[objectid.ID][]event.Event
	failErr error
	failUse error
}

func NewStore() *Store {
	return &Store{
		users:  make(map[objectid.ID]domain.User),
		emails: make(map[string]objectid.ID),
		paths:  make(map[objectid.ID]domain.Path),
		byKey:  make(map[pathKey]objectid.ID),
		events: make(map[objectid.ID][]event.Event),
	}
}

// Fail makes every subsequent call return err (nil restores normal behavior).
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// FailIncrementUse makes only IncrementUse return err.
func (s *Store) FailIncrementUse(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUse = err
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failErr
}

func (s *Store) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, taken := s.emails[email]; taken {
		return domain.ErrDuplicateEmail
	}
	u.Email = email
	s.users[u.ID] = u
	s.emails[email] = u.ID
	return nil
}

func (s *Store) GetUser(_ context.Context, id objectid.ID) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return domain.User{}, s.failErr
	}
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	s.mu.RLock()
	id, ok := s.emails[strings.ToLower(strings.TrimSpace(email))]
	s.mu.RUnlock()
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *Store) CreatePath(_ context.Context, p domain.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	k := pathKey{userID: p.UserID, key: p.Key}
	if _, exists := s.byKey[k]; exists {
		return domain.ErrDuplicatePath
	}
	s.paths[p.ID] = clonePath(p)
	s.byKey[k] = p.ID
	return nil
}

func (s *Store) FindPath(_ context.Context, userID objectid.ID, key string) (domain.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return domain.Path{}, s.failErr
	}
	id, ok := s.byKey[pathKey{userID: userID, key: key}]
	if !ok {
		return domain.Path{}, domain.ErrNotFound
	}
	return clonePath(s.paths[id]), nil
}

func (s *Store) GetPath(_ context.Context, userID, pathID objectid.ID) (domain.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return domain.Path{}, s.failErr
	}
	p, ok := s.paths[pathID]
	if !ok || p.UserID != userID {
		return domain.Path{}, domain.ErrNotFound
	}
	return clonePath(p), nil
}

func (s *Store) ListPaths(_ context.Context, userID objectid.ID) ([]domain.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]domain.Path, 0)
	for _, p := range s.paths {
		if p.UserID == userID {
			out = append(out, clonePath(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AllPathIDs(_ context.Context) ([]objectid.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]objectid.ID, 0, len(s.paths))
	for id := range s.paths {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) IncrementUse(_ context.Context, pathID objectid.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.failUse != nil {
		return s.failUse
	}
	p, ok := s.paths[pathID]
	if !ok {
		return domain.ErrNotFound
	}
	p.WebhookCount++
	if p.LastUsed == nil || at.After(*p.LastUsed) {
		used := at
		p.LastUsed = &used
	}
	s.paths[pathID] = p
	return nil
}

func (s *Store) DeletePath(_ context.Context, userID, pathID objectid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	p, ok := s.paths[pathID]
	if !ok || p.UserID != userID {
		return domain.ErrNotFound
	}
	delete(s.paths, pathID)
	delete(s.byKey, pathKey{userID: p.UserID, key: p.Key})
	delete(s.events, pathID)
	return nil
}

func (s *Store) ReconcileCount(_ context.Context, pathID objectid.ID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	p, ok := s.paths[pathID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	p.WebhookCount = int64(len(s.events[pathID]))
	s.paths[pathID] = p
	return p.WebhookCount, nil
}

// SetWebhookCount overwrites a counter; tests use it to simulate drift.
func (s *Store) SetWebhookCount(pathID objectid.ID, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[pathID]; ok {
		p.WebhookCount = n
		s.paths[pathID] = p
	}
}

func (s *Store) InsertEvent(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if _, ok := s.paths[ev.PathID]; !ok {
		return domain.ErrNotFound
	}
	s.events[ev.PathID] = append(s.events[ev.PathID], ev)
	return nil
}

func (s *Store) ListEvents(_ context.Context, pathID objectid.ID, limit, skip int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	all := s.events[pathID]
	out := make([]event.Event, 0, limit)
	// Stored oldest first; walk backwards for newest first.
	for i := len(all) - 1 - skip; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) CountEvents(_ context.Context, pathID objectid.ID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return int64(len(s.events[pathID])), nil
}

func (s *Store) CountEventsByMinute(_ context.Context, pathID objectid.ID, from, to time.Time) (map[time.Time]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make(map[time.Time]int64)
	for _, ev := range s.events[pathID] {
		if ev.ReceivedAt.Before(from) || ev.ReceivedAt.After(to) {
			continue
		}
		out[ev.ReceivedAt.UTC().Truncate(time.Minute)]++
	}
	return out, nil
}

func clonePath(p domain.Path) domain.Path {
	if p.LastUsed != nil {
		t := *p.LastUsed
		p.LastUsed = &t
	}
	if p.Description != nil {
		d := *p.Description
		p.Description = &d
	}
	return p
}
