// Package session validates the bearer credentials presented on the path
// management API and on real-time subscriber connections.
//
// Credential issuance belongs to the sign-in flow, which lives outside this
// service; HMAC is provided so operators and tests can mint compatible
// tokens. Anything that implements Validator can replace it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
)

const DefaultTTL = 24 * time.Hour

// Identity is who a credential speaks for.
type Identity struct {
	UserID objectid.ID `json:"user_id"`
	Email  string      `json:"email,omitempty"`
}

// Channel is the fan-out channel name for the identity.
func (i Identity) Channel() string { return i.UserID.Hex() }

// Validator turns a credential into an Identity. Failures wrap
// domain.ErrAuthenticationFailed.
type Validator interface {
	Validate(ctx context.Context, credential string) (Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, credential string) (Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, credential string) (Identity, error) {
	return f(ctx, credential)
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HMAC issues and validates HS256 JWTs whose subject is the user id.
type HMAC struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewHMAC(secret string, ttl time.Duration) *HMAC {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HMAC{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock overrides the time source; used by tests.
func (h *HMAC) WithClock(now func() time.Time) *HMAC {
	h.now = now
	return h
}

// Issue mints a credential for id that expires after the configured TTL.
func (h *HMAC) Issue(id Identity) (string, error) {
	now := h.now()
	c := claims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(h.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (h *HMAC) Validate(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: no authorization token", domain.ErrAuthenticationFailed)
	}
	var c claims
	_, err := jwt.ParseWithClaims(credential, &c, func(*jwt.Token) (any, error) {
		return h.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: token has expired", domain.ErrAuthenticationFailed)
		}
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthenticationFailed, err)
	}
	uid, err := objectid.FromHex(c.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: malformed subject", domain.ErrAuthenticationFailed)
	}
	return Identity{UserID: uid, Email: c.Email}, nil
}

// UserLookup is the slice of the user directory RequireUser needs.
type UserLookup interface {
	GetUser(ctx context.Context, id objectid.ID) (domain.User, error)
}

// RequireUser rejects otherwise valid credentials whose user no longer
// exists, and fills in the stored email.
func RequireUser(next Validator, users UserLookup) Validator {
	return ValidatorFunc(func(ctx context.Context, credential string) (Identity, error) {
		id, err := next.Validate(ctx, credential)
		if err != nil {
			return Identity{}, err
		}
		u, err := users.GetUser(ctx, id.UserID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return Identity{}, fmt.Errorf("%w: user not found", domain.ErrAuthenticationFailed)
			}
			return Identity{}, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
		}
		id.Email = u.Email
		return id, nil
	})
}

type ctxKey struct{}

// NewContext returns ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by NewContext.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
