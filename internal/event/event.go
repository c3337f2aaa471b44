package event

import (
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
)

// Event is one recorded webhook delivery. It is written once by the ingestion
// pipeline and never updated; it goes away only with its path.
type Event struct {
	ID          objectid.ID       `json:"id"`
	PathID      objectid.ID       `json:"path_id"`
	UserID      objectid.ID       `json:"user_id"`
	ReceivedAt  time.Time         `json:"received_at"`
	ContentType string            `json:"content_type"` // as declared by the sender
	Payload     Payload           `json:"payload"`
	Headers     map[string]string `json:"headers"`
	IPAddress   string            `json:"ip_address"`
}
