package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
	"github.com/gyaneshwarpardhi/hookwatch/internal/session"
)

// staticValidator accepts credentials of the form "user:<hex id>".
var staticValidator = session.ValidatorFunc(func(_ context.Context, cred string) (session.Identity, error) {
	var hexID string
	if _, err := fmt.Sscanf(cred, "user:%s", &hexID); err != nil {
		return session.Identity{}, fmt.Errorf("%w: bad credential", domain.ErrAuthenticationFailed)
	}
	id, err := objectid.FromHex(hexID)
	if err != nil {
		return session.Identity{}, fmt.Errorf("%w: bad subject", domain.ErrAuthenticationFailed)
	}
	return session.Identity{UserID: id}, nil
})

func newTestHub(opts ...Option) *Hub {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewHub(staticValidator, opts...)
}

func cred(id objectid.ID) string { return "user:" + id.Hex() }

// drain returns the frames currently queued on c.
func drain(t *testing.T, c *Conn) []Message {
	t.Helper()
	var out []Message
	for {
		select {
		case b, ok := <-c.Send():
			if !ok {
				return out
			}
			var m Message
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("bad frame %s: %v", b, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHub_AuthenticateLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newTestHub()
	c := h.Connect()
	if c.State() != Connected {
		t.Fatalf("state = %v, want connected", c.State())
	}

	if _, err := h.Authenticate(ctx, c, "expired"); !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	if c.State() != Connected {
		t.Fatalf("state after failed auth = %v, want connected", c.State())
	}
	frames := drain(t, c)
	if len(frames) != 1 || frames[0].Event != EventAuthenticated {
		t.Fatalf("frames = %+v, want one authenticated ack", frames)
	}
	var ack authAck
	_ = json.Unmarshal(frames[0].Data, &ack)
	if ack.Status != "error" || ack.Message == "" {
		t.Errorf("ack = %+v, want error with message", ack)
	}

	user := objectid.New()
	id, err := h.Authenticate(ctx, c, cred(user))
	if err != nil {
		t.Fatalf("retry Authenticate: %v", err)
	}
	if id.UserID != user || c.State() != Authenticated {
		t.Fatalf("id = %v state = %v", id.UserID, c.State())
	}
	frames = drain(t, c)
	_ = json.Unmarshal(frames[0].Data, &ack)
	if ack.Status != "success" || ack.Identity == nil || ack.Identity.UserID != user {
		t.Errorf("ack = %+v, want success for %s", ack, user)
	}

	h.Disconnect(c)
	h.Disconnect(c)
	if c.State() != Closed {
		t.Errorf("state = %v, want closed", c.State())
	}
	if h.Subscribers(user) != 0 {
		t.Errorf("subscribers = %d after disconnect", h.Subscribers(user))
	}
	if _, err := h.Authenticate(ctx, c, cred(user)); !errors.Is(err, ErrClosed) {
		t.Errorf("auth on closed conn err = %v, want ErrClosed", err)
	}
}

func TestHub_FailedReauthKeepsBinding(t *testing.T) {
	ctx := context.Background()
	h := newTestHub()
	user := objectid.New()
	c := h.Connect()
	if _, err := h.Authenticate(ctx, c, cred(user)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := h.Authenticate(ctx, c, "garbage"); err == nil {
		t.Fatal("expected failure")
	}
	if got, ok := c.Identity(); !ok || got.UserID != user {
		t.Errorf("identity = %v, %v; want still bound to %s", got, ok, user)
	}
	if h.Subscribers(user) != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers(user))
	}
}

func TestHub_ReauthMovesChannel(t *testing.T) {
	ctx := context.Background()
	h := newTestHub()
	a, b := objectid.New(), objectid.New()
	c := h.Connect()
	_, _ = h.Authenticate(ctx, c, cred(a))
	_, _ = h.Authenticate(ctx, c, cred(b))
	if h.Subscribers(a) != 0 || h.Subscribers(b) != 1 {
		t.Errorf("subscribers a=%d b=%d, want 0 and 1", h.Subscribers(a), h.Subscribers(b))
	}
}

func TestHub_PublishTargetsOnlyChannel(t *testing.T) {
	ctx := context.Background()
	h := newTestHub()
	alice, bob := objectid.New(), objectid.New()

	tab1, tab2, other, anon := h.Connect(), h.Connect(), h.Connect(), h.Connect()
	for _, c := range []*Conn{tab1, tab2} {
		if _, err := h.Authenticate(ctx, c, cred(alice)); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}
	if _, err := h.Authenticate(ctx, other, cred(bob)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for _, c := range []*Conn{tab1, tab2, other, anon} {
		drain(t, c)
	}

	if n := h.Publish(alice, map[string]int{"n": 1}); n != 2 {
		t.Errorf("Publish delivered to %d, want 2", n)
	}
	for _, c := range []*Conn{tab1, tab2} {
		frames := drain(t, c)
		if len(frames) != 1 || frames[0].Event != EventWebhookUpdate || string(frames[0].Data) != `{"n":1}` {
			t.Errorf("conn %s frames = %+v", c.ID, frames)
		}
	}
	for _, c := range []*Conn{other, anon} {
		if frames := drain(t, c); len(frames) != 0 {
			t.Errorf("conn %s got %d frames, want none", c.ID, len(frames))
		}
	}
}

func TestHub_PublishAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	h := newTestHub()
	user := objectid.New()
	c := h.Connect()
	_, _ = h.Authenticate(ctx, c, cred(user))
	drain(t, c)
	h.Disconnect(c)

	if n := h.Publish(user, "late"); n != 0 {
		t.Errorf("Publish delivered to %d, want 0", n)
	}
	if frames := drain(t, c); len(frames) != 0 {
		t.Errorf("closed conn got %+v", frames)
	}
}

func TestHub_PublishNoSubscribers(t *testing.T) {
	h := newTestHub()
	if n := h.Publish(objectid.New(), "x"); n != 0 {
		t.Errorf("Publish = %d, want 0", n)
	}
}

func TestHub_OrderingAndEviction(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(WithSendBuffer(4))
	user := objectid.New()
	fast, slow := h.Connect(), h.Connect()
	_, _ = h.Authenticate(ctx, fast, cred(user))
	_, _ = h.Authenticate(ctx, slow, cred(user))
	drain(t, fast)
	drain(t, slow)

	// fast reads after every publish; slow never does.
	for i := 0; i < 10; i++ {
		h.Publish(user, i)
		frames := drain(t, fast)
		if len(frames) != 1 || string(frames[0].Data) != fmt.Sprint(i) {
			t.Fatalf("publish %d: fast got %+v", i, frames)
		}
	}
	if slow.State() != Closed {
		t.Fatalf("slow state = %v, want closed after overflow", slow.State())
	}
	frames := drain(t, slow)
	if len(frames) != 4 {
		t.Fatalf("slow kept %d frames, want 4", len(frames))
	}
	for i, f := range frames {
		if string(f.Data) != fmt.Sprint(i) {
			t.Errorf("slow frame %d = %s", i, f.Data)
		}
	}
	if h.Subscribers(user) != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers(user))
	}
}

func TestHub_ConcurrentJoinPublishLeave(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(WithSendBuffer(1024))
	user := objectid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c := h.Connect()
				_, _ = h.Authenticate(ctx, c, cred(user))
				h.Disconnect(c)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			h.Publish(user, j)
		}
	}()
	wg.Wait()
	if h.Subscribers(user) != 0 {
		t.Errorf("subscribers = %d, want 0", h.Subscribers(user))
	}
}

func TestHub_Dispatch(t *testing.T) {
	ctx := context.Background()
	h := newTestHub()
	user := objectid.New()
	c := h.Connect()

	if done := h.Dispatch(ctx, c, []byte(`not json`)); done {
		t.Fatal("malformed frame closed the connection")
	}
	if frames := drain(t, c); len(frames) != 1 || frames[0].Event != EventError {
		t.Fatalf("frames = %+v, want error", frames)
	}

	if done := h.Dispatch(ctx, c, []byte(`{"event":"authenticate","data":{"token":"Bearer `+cred(user)+`"}}`)); done {
		t.Fatal("authenticate closed the connection")
	}
	if c.State() != Authenticated {
		t.Fatalf("state = %v, want authenticated", c.State())
	}
	drain(t, c)

	if done := h.Dispatch(ctx, c, []byte(`{"event":"subscribe"}`)); done {
		t.Fatal("unknown event closed the connection")
	}
	if frames := drain(t, c); len(frames) != 1 || frames[0].Event != EventError {
		t.Fatalf("frames = %+v, want error", frames)
	}

	if done := h.Dispatch(ctx, c, []byte(`{"event":"disconnect"}`)); !done {
		t.Fatal("disconnect did not end the connection")
	}
	if c.State() != Closed || h.Subscribers(user) != 0 {
		t.Errorf("state = %v subscribers = %d", c.State(), h.Subscribers(user))
	}
	if done := h.Dispatch(ctx, c, []byte(`{"event":"authenticate","data":"`+cred(user)+`"}`)); !done {
		t.Error("frame on closed connection should be a no-op that reports done")
	}
	if h.Subscribers(user) != 0 {
		t.Error("closed connection rejoined a channel")
	}
}

func TestHub_Close(t *testing.T) {
	ctx := context.Background()
	h := newTestHub()
	user := objectid.New()
	c := h.Connect()
	_, _ = h.Authenticate(ctx, c, cred(user))
	h.Close()

	if c.State() != Closed {
		t.Errorf("state = %v after Close", c.State())
	}
	if late := h.Connect(); late.State() != Closed {
		t.Errorf("Connect after Close state = %v", late.State())
	}
}

func TestCredentialFrom(t *testing.T) {
	tests := []struct {
		data    string
		want    string
		wantErr bool
	}{
		{`"abc"`, "abc", false},
		{`"Bearer abc"`, "abc", false},
		{`{"token":"abc"}`, "abc", false},
		{`""`, "", true},
		{`42`, "", true},
		{``, "", true},
	}
	for _, tc := range tests {
		got, err := credentialFrom(json.RawMessage(tc.data))
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("credentialFrom(%s) = %q, %v", tc.data, got, err)
		}
	}
}
