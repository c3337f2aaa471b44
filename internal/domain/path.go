package domain

import (
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
)

// User is the owner of a path namespace. Only its public token ever appears
// in inbound URLs.
type User struct {
	ID        objectid.ID `json:"id"`
	Email     string      `json:"email"`
	CreatedAt time.Time   `json:"created_at"`
}

// Path is a named webhook endpoint. Key is unique per user, not globally.
type Path struct {
	ID           objectid.ID `json:"id"`
	UserID       objectid.ID `json:"user_id"`
	Key          string      `json:"path"`
	Description  *string     `json:"description"`
	CreatedAt    time.Time   `json:"created_at"`
	LastUsed     *time.Time  `json:"last_used"`
	WebhookCount int64       `json:"webhook_count"`
}
