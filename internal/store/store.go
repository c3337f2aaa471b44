// Package store declares the persistence port the registry, the ingestion
// pipeline and the reconciler depend on. Adapters live in subpackages.
package store

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/event"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
)

type Users interface {
	// CreateUser fails with domain.ErrDuplicateEmail when the email is taken.
	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id objectid.ID) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
}

type Paths interface {
	// CreatePath relies on the (user_id, path) uniqueness constraint and fails
	// with domain.ErrDuplicatePath; there is no separate existence check.
	CreatePath(ctx context.Context, p domain.Path) error
	FindPath(ctx context.Context, userID objectid.ID, key string) (domain.Path, error)
	GetPath(ctx context.Context, userID, pathID objectid.ID) (domain.Path, error)
	ListPaths(ctx context.Context, userID objectid.ID) ([]domain.Path, error)
	AllPathIDs(ctx context.Context) ([]objectid.ID, error)
	// IncrementUse bumps webhook_count by one and sets last_used in a single
	// atomic update.
	IncrementUse(ctx context.Context, pathID objectid.ID, at time.Time) error
	// DeletePath removes the path owned by userID together with its events.
	DeletePath(ctx context.Context, userID, pathID objectid.ID) error
	// ReconcileCount resets webhook_count to the number of stored events and
	// returns the new value.
	ReconcileCount(ctx context.Context, pathID objectid.ID) (int64, error)
}

type Events interface {
	InsertEvent(ctx context.Context, ev event.Event) error
	// ListEvents returns newest first.
	ListEvents(ctx context.Context, pathID objectid.ID, limit, skip int) ([]event.Event, error)
	CountEvents(ctx context.Context, pathID objectid.ID) (int64, error)
	// CountEventsByMinute buckets events received in [from, to] by the UTC
	// minute they arrived in. Empty minutes are absent from the map.
	CountEventsByMinute(ctx context.Context, pathID objectid.ID, from, to time.Time) (map[time.Time]int64, error)
}

type Store interface {
	Users
	Paths
	Events
	Ping(ctx context.Context) error
}
