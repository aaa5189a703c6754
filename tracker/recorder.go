package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"eventsite/api/metrics"
	"eventsite/api/models"
	"eventsite/api/utils"
)

const pageViewCloseKind = "page_view_close"

type EventStore interface {
	InsertPageView(ctx context.Context, pv models.PageView) error
	ClosePageView(ctx context.Context, id string, timeOnPage int, exitedAt time.Time) (bool, error)
	InsertActivity(ctx context.Context, ev models.ActivityEvent) error
	InsertContentInteraction(ctx context.Context, ci models.ContentInteraction) error
}

// Sink receives a copy of every event after it has been stored.
type Sink interface {
	Add(ev models.WarehouseEvent)
}

type PageViewInput struct {
	SessionID string
	Path      string
	Title     string
	Referrer  string
	Viewport  models.Viewport
}

type ActivityInput struct {
	SessionID  string
	ActionType string
	Category   string
	Details    map[string]any
}

type InteractionInput struct {
	SessionID       string
	ContentType     string
	ContentID       string
	InteractionType string
	Value           string
}

// Recorder appends telemetry events without blocking the caller. Every call
// returns a Future at once; the write happens on its own goroutine, and a
// failed write is logged and dropped rather than retried.
type Recorder struct {
	store   EventStore
	sink    Sink
	logger  *slog.Logger
	clock   quartz.Clock
	timeout time.Duration
	metrics *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewRecorder(store EventStore, logger *slog.Logger, opts ...Option) *Recorder {
	o := buildOptions(opts)
	return &Recorder{
		store:   store,
		sink:    o.sink,
		logger:  logger.With("component", "recorder"),
		clock:   o.clock,
		timeout: o.timeout,
		metrics: o.metrics,
	}
}

func (r *Recorder) reject(kind string, err error) *Future {
	r.metrics.EventsTotal.WithLabelValues(kind, metrics.ResultRejected).Inc()
	return completedFuture("", err)
}

func (r *Recorder) RecordPageView(ctx context.Context, in PageViewInput) *Future {
	if err := validatePageView(in); err != nil {
		return r.reject(models.KindPageView, err)
	}
	pv := models.PageView{
		ID:        utils.NewID(),
		SessionID: in.SessionID,
		Identity:  IdentityFrom(ctx),
		PagePath:  in.Path,
		PageTitle: in.Title,
		Referrer:  in.Referrer,
		Viewport:  in.Viewport,
		CreatedAt: r.clock.Now().UTC(),
	}
	return r.dispatch(ctx, models.KindPageView, pv.ID, pv.SessionID, func(ctx context.Context) error {
		if err := r.store.InsertPageView(ctx, pv); err != nil {
			return err
		}
		r.mirror(models.WarehouseEvent{
			EventID:   pv.ID,
			EventType: models.KindPageView,
			UserID:    userIDOf(pv.Identity),
			SessionID: pv.SessionID,
			Timestamp: pv.CreatedAt,
			PagePath:  pv.PagePath,
			Referrer:  pv.Referrer,
		})
		return nil
	})
}

// ClosePageView records how long the page was shown. Only the first close of
// a page view is kept. Delivery is not guaranteed when the page is unloading.
func (r *Recorder) ClosePageView(ctx context.Context, pageViewID string, timeOnPage int) *Future {
	if err := requireLabel("page_view_id", pageViewID, maxContentIDLen); err != nil {
		return r.reject(pageViewCloseKind, err)
	}
	if timeOnPage < 0 || timeOnPage > maxTimeOnPageSecs {
		return r.reject(pageViewCloseKind, invalid("time_on_page %d out of range", timeOnPage))
	}
	exitedAt := r.clock.Now().UTC()
	return r.dispatch(ctx, pageViewCloseKind, pageViewID, "", func(ctx context.Context) error {
		_, err := r.store.ClosePageView(ctx, pageViewID, timeOnPage, exitedAt)
		return err
	})
}

func (r *Recorder) RecordActivity(ctx context.Context, in ActivityInput) *Future {
	if err := validateActivity(in); err != nil {
		return r.reject(models.KindActivity, err)
	}
	ev := models.ActivityEvent{
		ID:             utils.NewID(),
		SessionID:      in.SessionID,
		Identity:       IdentityFrom(ctx),
		ActionType:     in.ActionType,
		ActionCategory: in.Category,
		ActionDetails:  in.Details,
		CreatedAt:      r.clock.Now().UTC(),
	}
	return r.dispatch(ctx, models.KindActivity, ev.ID, ev.SessionID, func(ctx context.Context) error {
		if err := r.store.InsertActivity(ctx, ev); err != nil {
			return err
		}
		var data json.RawMessage
		if ev.ActionDetails != nil {
			data, _ = json.Marshal(ev.ActionDetails)
		}
		r.mirror(models.WarehouseEvent{
			EventID:   ev.ID,
			EventType: models.KindActivity,
			UserID:    userIDOf(ev.Identity),
			SessionID: ev.SessionID,
			Timestamp: ev.CreatedAt,
			Category:  ev.ActionCategory,
			Action:    ev.ActionType,
			EventData: data,
		})
		return nil
	})
}

func (r *Recorder) RecordContentInteraction(ctx context.Context, in InteractionInput) *Future {
	if err := validateInteraction(in); err != nil {
		return r.reject(models.KindInteraction, err)
	}
	ci := models.ContentInteraction{
		ID:               utils.NewID(),
		SessionID:        in.SessionID,
		Identity:         IdentityFrom(ctx),
		ContentType:      in.ContentType,
		ContentID:        in.ContentID,
		InteractionType:  in.InteractionType,
		InteractionValue: in.Value,
		CreatedAt:        r.clock.Now().UTC(),
	}
	return r.dispatch(ctx, models.KindInteraction, ci.ID, ci.SessionID, func(ctx context.Context) error {
		if err := r.store.InsertContentInteraction(ctx, ci); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{"content_id": ci.ContentID, "value": ci.InteractionValue})
		r.mirror(models.WarehouseEvent{
			EventID:   ci.ID,
			EventType: models.KindInteraction,
			UserID:    userIDOf(ci.Identity),
			SessionID: ci.SessionID,
			Timestamp: ci.CreatedAt,
			Category:  ci.ContentType,
			Action:    ci.InteractionType,
			EventData: data,
		})
		return nil
	})
}

// dispatch runs write on its own goroutine, detached from the caller's
// cancellation so the write outlives the request that triggered it.
func (r *Recorder) dispatch(ctx context.Context, kind, id, sessionID string, write func(ctx context.Context) error) *Future {
	if sessionID != "" && utils.IsLocalSessionID(sessionID) {
		r.logger.Debug("event dropped for untracked session", "kind", kind, "session_id", sessionID)
		r.metrics.EventsTotal.WithLabelValues(kind, metrics.ResultUntracked).Inc()
		return completedFuture(id, ErrUntracked)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("event dropped, recorder closed", "kind", kind, "session_id", sessionID)
		r.metrics.EventsTotal.WithLabelValues(kind, metrics.ResultDropped).Inc()
		return completedFuture(id, fmt.Errorf("recorder closed"))
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	f := newFuture(id)
	ctx = context.WithoutCancel(ctx)
	r.metrics.InflightWrites.Inc()
	go func() {
		defer r.inflight.Done()
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic recording %s: %v", kind, p)
			}
			r.metrics.InflightWrites.Dec()
			result := metrics.ResultStored
			if err != nil {
				result = metrics.ResultDropped
				r.logger.Warn("telemetry event dropped", "kind", kind, "id", id, "session_id", sessionID, "error", err)
			}
			r.metrics.EventsTotal.WithLabelValues(kind, result).Inc()
			f.complete(err)
		}()

		writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		err = write(writeCtx)
	}()
	return f
}

func (r *Recorder) mirror(ev models.WarehouseEvent) {
	if r.sink != nil {
		r.sink.Add(ev)
	}
}

// Close stops accepting events and waits for in-flight writes or ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func userIDOf(id models.Identity) string {
	if id == nil {
		return ""
	}
	userID, _ := id.UserID()
	return userID
}
