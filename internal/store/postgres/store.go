package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/event"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/store"
)

var _ store.Store = (*DB)(nil)

const pathColumns = "id, user_id, path, description, created_at, last_used, webhook_count"

// --- Users ---

func (db *DB) CreateUser(ctx context.Context, u domain.User) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO users (id, email, created_at) VALUES ($1, $2, $3)`,
		u.ID.Hex(), strings.ToLower(strings.TrimSpace(u.Email)), u.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateEmail
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (db *DB) GetUser(ctx context.Context, id objectid.ID) (domain.User, error) {
	row := db.Pool.QueryRow(ctx, `SELECT id, email, created_at FROM users WHERE id = $1`, id.Hex())
	return scanUser(row)
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := db.Pool.QueryRow(ctx, `SELECT id, email, created_at FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u  domain.User
		id string
	)
	if err := row.Scan(&id, &u.Email, &u.CreatedAt); err != nil {
		return domain.User{}, notFound(err)
	}
	parsed, err := objectid.FromHex(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("user id %q: %w", id, err)
	}
	u.ID = parsed
	return u, nil
}

// --- Paths ---

func (db *DB) CreatePath(ctx context.Context, p domain.Path) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO paths (`+pathColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID.Hex(), p.UserID.Hex(), p.Key, p.Description, p.CreatedAt.UTC(), p.LastUsed, p.WebhookCount)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicatePath
		}
		if isForeignKeyViolation(err) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("insert path: %w", err)
	}
	return nil
}

func (db *DB) FindPath(ctx context.Context, userID objectid.ID, key string) (domain.Path, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+pathColumns+` FROM paths WHERE user_id = $1 AND path = $2`, userID.Hex(), key)
	return scanPath(row)
}

func (db *DB) GetPath(ctx context.Context, userID, pathID objectid.ID) (domain.Path, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+pathColumns+` FROM paths WHERE id = $1 AND user_id = $2`, pathID.Hex(), userID.Hex())
	return scanPath(row)
}

func (db *DB) ListPaths(ctx context.Context, userID objectid.ID) ([]domain.Path, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+pathColumns+` FROM paths WHERE user_id = $1 ORDER BY created_at ASC`, userID.Hex())
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Path, 0)
	for rows.Next() {
		p, err := scanPath(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) AllPathIDs(ctx context.Context) ([]objectid.ID, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id FROM paths`)
	if err != nil {
		return nil, fmt.Errorf("list path ids: %w", err)
	}
	defer rows.Close()

	var out []objectid.ID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan path id: %w", err)
		}
		id, err := objectid.FromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("path id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (db *DB) IncrementUse(ctx context.Context, pathID objectid.ID, at time.Time) error {
	ct, err := db.Pool.Exec(ctx,
		`UPDATE paths SET webhook_count = webhook_count + 1, last_used = GREATEST(last_used, $2) WHERE id = $1`,
		pathID.Hex(), at.UTC())
	if err != nil {
		return fmt.Errorf("increment path use: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeletePath relies on ON DELETE CASCADE to remove the path's events.
func (db *DB) DeletePath(ctx context.Context, userID, pathID objectid.ID) error {
	ct, err := db.Pool.Exec(ctx,
		`DELETE FROM paths WHERE id = $1 AND user_id = $2`, pathID.Hex(), userID.Hex())
	if err != nil {
		return fmt.Errorf("delete path: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) ReconcileCount(ctx context.Context, pathID objectid.ID) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `
UPDATE paths
SET webhook_count = (SELECT COUNT(*) FROM events WHERE path_id = $1)
WHERE id = $1
RETURNING webhook_count`, pathID.Hex()).Scan(&n)
	if err != nil {
		return 0, notFound(err)
	}
	return n, nil
}

func scanPath(row pgx.Row) (domain.Path, error) {
	var (
		p           domain.Path
		id, userID  string
		description *string
		lastUsed    *time.Time
	)
	if err := row.Scan(&id, &userID, &p.Key, &description, &p.CreatedAt, &lastUsed, &p.WebhookCount); err != nil {
		return domain.Path{}, notFound(err)
	}
	var err error
	if p.ID, err = objectid.FromHex(id); err != nil {
		return domain.Path{}, fmt.Errorf("path id %q: %w", id, err)
	}
	if p.UserID, err = objectid.FromHex(userID); err != nil {
		return domain.Path{}, fmt.Errorf("path user id %q: %w", userID, err)
	}
	p.Description = description
	p.LastUsed = lastUsed
	return p, nil
}

// --- Events ---

// encodeEventJSON renders the jsonb columns of ev. Postgres text and jsonb
// reject NUL, so every string is cleaned first.
func encodeEventJSON(ev event.Event) (payload, headers string, err error) {
	p, err := json.Marshal(ev.Payload.Clean())
	if err != nil {
		return "", "", fmt.Errorf("encode payload: %w", err)
	}
	h, err := json.Marshal(event.CleanHeaders(ev.Headers))
	if err != nil {
		return "", "", fmt.Errorf("encode headers: %w", err)
	}
	return string(p), string(h), nil
}

func (db *DB) InsertEvent(ctx context.Context, ev event.Event) error {
	payload, hdr, err := encodeEventJSON(ev)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
INSERT INTO events (id, path_id, user_id, received_at, content_type, payload_kind, payload, headers, ip_address)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)`,
		ev.ID.Hex(), ev.PathID.Hex(), ev.UserID.Hex(), ev.ReceivedAt.UTC(), event.CleanText(ev.ContentType),
		string(ev.Payload.Kind), payload, hdr, event.CleanText(ev.IPAddress))
	if err != nil {
		if isForeignKeyViolation(err) {
			// The path was deleted between resolution and insert.
			return domain.ErrNotFound
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (db *DB) ListEvents(ctx context.Context, pathID objectid.ID, limit, skip int) ([]event.Event, error) {
	rows, err := db.Pool.Query(ctx, `
SELECT id, path_id, user_id, received_at, content_type, payload_kind, payload, headers, ip_address
FROM events
WHERE path_id = $1
ORDER BY received_at DESC, id DESC
LIMIT $2 OFFSET $3`, pathID.Hex(), limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]event.Event, 0, limit)
	for rows.Next() {
		var (
			ev                 event.Event
			id, pid, uid, kind string
			payload, headers   []byte
		)
		if err := rows.Scan(&id, &pid, &uid, &ev.ReceivedAt, &ev.ContentType, &kind, &payload, &headers, &ev.IPAddress); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.ID, err = objectid.FromHex(id); err != nil {
			return nil, fmt.Errorf("event id %q: %w", id, err)
		}
		if ev.PathID, err = objectid.FromHex(pid); err != nil {
			return nil, fmt.Errorf("event path id %q: %w", pid, err)
		}
		if ev.UserID, err = objectid.FromHex(uid); err != nil {
			return nil, fmt.Errorf("event user id %q: %w", uid, err)
		}
		if ev.Payload, err = event.Decode(event.Kind(kind), payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(headers, &ev.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (db *DB) CountEvents(ctx context.Context, pathID objectid.ID) (int64, error) {
	var n int64
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE path_id = $1`, pathID.Hex()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (db *DB) CountEventsByMinute(ctx context.Context, pathID objectid.ID, from, to time.Time) (map[time.Time]int64, error) {
	rows, err := db.Pool.Query(ctx, `
SELECT date_trunc('minute', received_at) AS minute, COUNT(*)
FROM events
WHERE path_id = $1 AND received_at BETWEEN $2 AND $3
GROUP BY minute`, pathID.Hex(), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("count events by minute: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]int64)
	for rows.Next() {
		var (
			minute time.Time
			n      int64
		)
		if err := rows.Scan(&minute, &n); err != nil {
			return nil, fmt.Errorf("scan minute bucket: %w", err)
		}
		out[minute.UTC()] = n
	}
	return out, rows.Err()
}
