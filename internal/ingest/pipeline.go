// Package ingest records inbound webhooks and hands them to the fan-out.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/hookwatch/internal/domain"
	"github.com/gyaneshwarpardhi/hookwatch/internal/event"
	"github.com/gyaneshwarpardhi/hookwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hookwatch/internal/objectid"
)

// Resolver is the part of the path registry the pipeline needs.
type Resolver interface {
	ResolvePublicPath(ctx context.Context, token, key string) (objectid.ID, domain.Path, error)
	// RecordUse bumps the path's counter and sets last_used to at.
	RecordUse(ctx context.Context, pathID objectid.ID, at time.Time)
}

// Recorder persists events.
type Recorder interface {
	InsertEvent(ctx context.Context, ev event.Event) error
}

// Publisher delivers an event to the user's live subscribers. It must not
// block waiting for subscribers.
type Publisher interface {
	Publish(userID objectid.ID, ev any) int
}

// Request is one inbound webhook as received by the transport.
type Request struct {
	Token       string
	PathKey     string
	ContentType string
	Body        []byte
	Headers     map[string]string
	SourceIP    string
}

// recordUseTimeout bounds the counter update once it is detached from the
// request.
const recordUseTimeout = 5 * time.Second

type Pipeline struct {
	resolver  Resolver
	recorder  Recorder
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

func New(resolver Resolver, recorder Recorder, publisher Publisher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		resolver:  resolver,
		recorder:  recorder,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithClock overrides the receipt time source; used by tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Ingest resolves the target path, stores the event, bumps the path's
// counter and publishes the stored event. Only resolution (domain.ErrNotFound)
// and persistence (domain.ErrStorageUnavailable) can fail it.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (event.Event, error) {
	start := time.Now()
	ev, err := p.ingest(ctx, req)
	metrics.IngestDuration.Observe(millis(time.Since(start)))
	switch {
	case err == nil:
		metrics.WebhooksReceived.WithLabelValues("stored").Inc()
	case errors.Is(err, domain.ErrNotFound):
		metrics.WebhooksReceived.WithLabelValues("not_found").Inc()
	default:
		metrics.WebhooksReceived.WithLabelValues("error").Inc()
	}
	return ev, err
}

// millis keeps sub-millisecond precision for the duration histogram.
func millis(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func (p *Pipeline) ingest(ctx context.Context, req Request) (event.Event, error) {
	userID, path, err := p.resolver.ResolvePublicPath(ctx, req.Token, req.PathKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			// Still reported as not found; the caller must not learn more.
			p.logger.Error("resolve path", "path", req.PathKey, "err", err)
		}
		return event.Event{}, domain.ErrNotFound
	}

	ev := event.Event{
		ID:          objectid.New(),
		PathID:      path.ID,
		UserID:      userID,
		ReceivedAt:  p.now(),
		ContentType: event.CleanText(req.ContentType),
		Payload:     event.Normalize(req.ContentType, req.Body),
		Headers:     event.CleanHeaders(req.Headers),
		IPAddress:   event.CleanText(req.SourceIP),
	}
	if err := p.recorder.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Path deleted between resolution and insert.
			return event.Event{}, domain.ErrNotFound
		}
		p.logger.Error("store event", "path_id", path.ID, "err", err)
		if errors.Is(err, domain.ErrStorageUnavailable) {
			return event.Event{}, err
		}
		return event.Event{}, fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}

	// The event is stored; a sender hanging up now must not cost the count.
	useCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordUseTimeout)
	p.resolver.RecordUse(useCtx, path.ID, ev.ReceivedAt)
	cancel()
	n := p.publisher.Publish(userID, ev)
	p.logger.Debug("webhook stored", "event_id", ev.ID, "path_id", path.ID, "subscribers", n)
	return ev, nil
}
