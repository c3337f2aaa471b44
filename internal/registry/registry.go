// Package registry owns the (user, path key) -> path mapping: creation under
// a storage uniqueness constraint, public resolution from a base62 token,
// usage counters and cascading deletion.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/base62"
	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/event"
	"github.com/gyaneshwarpardhi/hookwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100

	// ChartWindow is how far back the activity chart reaches.
	ChartWindow = 8 * time.Hour
)

type Registry struct {
	paths  store.Paths
	events store.Events
	now    func() time.Time
	newID  func() objectid.ID
	logger *slog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

func New(paths store.Paths, events store.Events, opts ...Option) *Registry {
	r := &Registry{
		paths:  paths,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  objectid.New,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// PublicToken is the base62 token that addresses userID's paths.
func PublicToken(userID objectid.ID) string { return base62.Encode(userID) }

// CreatePath registers key under userID. Concurrent creations of the same
// pair are settled by the store's unique constraint: exactly one wins and the
// rest get domain.ErrDuplicatePath.
func (r *Registry) CreatePath(ctx context.Context, userID objectid.ID, key string, description *string) (domain.Path, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Path{}, fmt.Errorf("%w: path cannot be empty", domain.ErrInvalidPath)
	}
	if !routable(key) {
		return domain.Path{}, fmt.Errorf("%w: %q cannot be addressed by a webhook URL", domain.ErrInvalidPath, key)
	}
	p := domain.Path{
		ID:          r.newID(),
		UserID:      userID,
		Key:         key,
		Description: description,
		CreatedAt:   r.now(),
	}
	if err := r.paths.CreatePath(ctx, p); err != nil {
		if errors.Is(err, domain.ErrDuplicatePath) || errors.Is(err, domain.ErrNotFound) {
			return domain.Path{}, err
		}
		return domain.Path{}, storageErr(err)
	}
	r.logger.Info("path created", "user_id", userID, "path_id", p.ID, "path", key)
	return p, nil
}

// ResolvePublicPath maps an inbound (token, key) to its owner and path. A
// malformed token, an unknown user and an unknown key all yield
// domain.ErrNotFound so callers cannot probe which part was wrong.
func (r *Registry) ResolvePublicPath(ctx context.Context, token, key string) (objectid.ID, domain.Path, error) {
	userID, err := base62.Decode(token)
	if err != nil {
		return objectid.Nil, domain.Path{}, domain.ErrNotFound
	}
	p, err := r.paths.FindPath(ctx, userID, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return objectid.Nil, domain.Path{}, domain.ErrNotFound
		}
		return objectid.Nil, domain.Path{}, storageErr(err)
	}
	return userID, p, nil
}

// RecordUse bumps the path's counter and moves its last-used time to at
// (never backwards). It never fails the caller; a failed update is logged and
// left for the reconciler.
func (r *Registry) RecordUse(ctx context.Context, pathID objectid.ID, at time.Time) {
	if err := r.paths.IncrementUse(ctx, pathID, at); err != nil {
		metrics.RecordUseFailures.Inc()
		r.logger.Warn("record path use failed", "path_id", pathID, "err", err)
	}
}

// DeletePath removes a path owned by userID and every event recorded for it.
func (r *Registry) DeletePath(ctx context.Context, userID, pathID objectid.ID) error {
	if err := r.paths.DeletePath(ctx, userID, pathID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return storageErr(err)
	}
	r.logger.Info("path deleted", "user_id", userID, "path_id", pathID)
	return nil
}

// PathView is a path as shown to its owner, with the public token needed to
// build its inbound URL.
type PathView struct {
	domain.Path
	Base string `json:"base"`
}

func (r *Registry) ListPaths(ctx context.Context, userID objectid.ID) ([]PathView, error) {
	paths, err := r.paths.ListPaths(ctx, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	base := PublicToken(userID)
	out := make([]PathView, 0, len(paths))
	for _, p := range paths {
		out = append(out, PathView{Path: p, Base: base})
	}
	return out, nil
}

// EventPage is one page of a path's recorded events, newest first.
type EventPage struct {
	Path       string        `json:"path"`
	Base       string        `json:"base"`
	TotalCount int64         `json:"total_count"`
	Limit      int           `json:"limit"`
	Skip       int           `json:"skip"`
	Data       []event.Event `json:"data"`
}

// Events pages through a path's events. limit is clamped to
// [1, MaxPageSize] (0 means DefaultPageSize) and negative skip to 0.
func (r *Registry) Events(ctx context.Context, userID, pathID objectid.ID, limit, skip int) (EventPage, error) {
	switch {
	case limit == 0:
		limit = DefaultPageSize
	case limit < 1:
		limit = 1
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	if skip < 0 {
		skip = 0
	}
	p, err := r.paths.GetPath(ctx, userID, pathID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return EventPage{}, err
		}
		return EventPage{}, storageErr(err)
	}
	total, err := r.events.CountEvents(ctx, pathID)
	if err != nil {
		return EventPage{}, storageErr(err)
	}
	data, err := r.events.ListEvents(ctx, pathID, limit, skip)
	if err != nil {
		return EventPage{}, storageErr(err)
	}
	return EventPage{
		Path:       p.Key,
		Base:       PublicToken(userID),
		TotalCount: total,
		Limit:      limit,
		Skip:       skip,
		Data:       data,
	}, nil
}

// Chart is per-minute delivery counts, oldest first, with timestamps in Unix
// milliseconds. Minutes without deliveries are present with a zero count.
type Chart struct {
	Timestamps []int64 `json:"timestamps"`
	Counts     []int64 `json:"counts"`
}

// Chart buckets the path's deliveries over the last ChartWindow by minute.
func (r *Registry) Chart(ctx context.Context, userID, pathID objectid.ID) (Chart, error) {
	if _, err := r.paths.GetPath(ctx, userID, pathID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Chart{}, err
		}
		return Chart{}, storageErr(err)
	}
	end := r.now().UTC()
	start := end.Add(-ChartWindow)
	buckets, err := r.events.CountEventsByMinute(ctx, pathID, start, end)
	if err != nil {
		return Chart{}, storageErr(err)
	}
	byMinute := make(map[int64]int64, len(buckets))
	for t, n := range buckets {
		byMinute[t.Unix()] += n
	}

	var c Chart
	for t := start.Truncate(time.Minute); !t.After(end); t = t.Add(time.Minute) {
		c.Timestamps = append(c.Timestamps, t.UnixMilli())
		c.Counts = append(c.Counts, byMinute[t.Unix()])
	}
	return c, nil
}

// routable reports whether key survives the router's URL cleaning
// unchanged. Keys with empty, "." or ".." segments are redirected elsewhere
// and could never receive a webhook. NUL cannot be stored.
func routable(key string) bool {
	if strings.IndexByte(key, 0) >= 0 {
		return false
	}
	p := "/" + key
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean == p
}

func storageErr(err error) error {
	if errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
}
