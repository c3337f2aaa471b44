package fanout

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gyaneshwarpardhi/hookwatch/internal/session"
)

// Frame names.
const (
	EventAuthenticate  = "authenticate"
	EventDisconnect    = "disconnect"
	EventAuthenticated = "authenticated"
	EventWebhookUpdate = "webhook_update"
	EventError         = "error"
)

// Message is one JSON text frame in either direction.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authAck struct {
	Status   string            `json:"status"`
	Identity *session.Identity `json:"identity,omitempty"`
	Message  string            `json:"message,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
}

func encodeFrame(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: name, Data: raw})
}

// mustFrame is for the hub's own fixed-shape replies, which always encode.
func mustFrame(name string, data any) []byte {
	b, err := encodeFrame(name, data)
	if err != nil {
		panic(err)
	}
	return b
}

// credentialFrom accepts either a bare string or {"token": "..."}, with or
// without a "Bearer " prefix.
func credentialFrom(data json.RawMessage) (string, error) {
	var cred string
	if err := json.Unmarshal(data, &cred); err != nil {
		var obj struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", errors.New("authenticate expects a token string")
		}
		cred = obj.Token
	}
	cred = strings.TrimSpace(cred)
	if len(cred) > 7 && strings.EqualFold(cred[:7], "bearer ") {
		cred = strings.TrimSpace(cred[7:])
	}
	if cred == "" {
		return "", errors.New("no authorization token")
	}
	return cred, nil
}
