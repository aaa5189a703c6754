// Package tracker captures browsing sessions and the events recorded in them.
// Capture is best-effort: storage failures are logged and dropped and never
// reach the feature that triggered the capture.
package tracker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/coder/quartz"

	"eventsite/api/metrics"
	"eventsite/api/models"
	"eventsite/api/utils"
)

type SessionStore interface {
	CreateSession(ctx context.Context, sess models.Session) error
	GetSession(ctx context.Context, id string) (models.Session, error)
	TouchSession(ctx context.Context, id string, seenAt time.Time) error
	CloseSession(ctx context.Context, id string, endedAt time.Time, durationSeconds int) (bool, error)
}

// Tracker owns the lifecycle of browsing sessions.
type Tracker struct {
	store   SessionStore
	logger  *slog.Logger
	clock   quartz.Clock
	timeout time.Duration
	metrics *metrics.Metrics
}

type Option func(*options)

type options struct {
	clock   quartz.Clock
	timeout time.Duration
	sink    Sink
	metrics *metrics.Metrics
}

// WithClock replaces the wall clock, for tests.
func WithClock(c quartz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithSink mirrors every recorded event into sink. Only the Recorder uses it.
func WithSink(s Sink) Option {
	return func(o *options) { o.sink = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{clock: quartz.NewReal(), timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	return o
}

func NewTracker(store SessionStore, logger *slog.Logger, opts ...Option) *Tracker {
	o := buildOptions(opts)
	return &Tracker{
		store:   store,
		logger:  logger.With("component", "tracker"),
		clock:   o.clock,
		timeout: o.timeout,
		metrics: o.metrics,
	}
}

// sessionTime truncates session boundaries to whole seconds. Postgres keeps
// microseconds, so finer timestamps could round ended_at - started_at past the
// floored duration_seconds.
func sessionTime(now time.Time) time.Time {
	return now.UTC().Truncate(time.Second)
}

// StartResult identifies the session a client should tag its events with.
// Tracked is false when the session could not be persisted; the id is then
// local and events recorded against it are dropped.
type StartResult struct {
	SessionID string `json:"session_id"`
	Tracked   bool   `json:"tracked"`
}

// StartSession creates a session with zero counters. It never fails: when the
// write fails the caller gets a local id and continues untracked.
func (t *Tracker) StartSession(ctx context.Context, device models.DeviceInfo) StartResult {
	sess := models.Session{
		ID:        utils.NewID(),
		Identity:  IdentityFrom(ctx),
		Device:    device,
		Status:    models.SessionCreated,
		StartedAt: sessionTime(t.clock.Now()),
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res := StartResult{SessionID: sess.ID, Tracked: true}
	if err := t.store.CreateSession(ctx, sess); err != nil {
		res = StartResult{SessionID: utils.NewLocalSessionID(), Tracked: false}
		t.logger.Warn("session start not persisted, continuing untracked", "session_id", res.SessionID, "error", err)
	}
	t.metrics.SessionsStarted.WithLabelValues(strconv.FormatBool(res.Tracked)).Inc()
	return res
}

// RecordProgress is a liveness signal from the client. The reported counts
// are validated but not stored: pages_viewed and actions_taken are bumped by
// each inserted PageView and ActivityEvent, so they always match the rows no
// matter how reports and inserts interleave. Only invalid input is returned
// as an error.
func (t *Tracker) RecordProgress(ctx context.Context, sessionID string, pagesViewed, actionsTaken int) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if pagesViewed < 0 || actionsTaken < 0 {
		return invalid("counters must be non-negative, got pages=%d actions=%d", pagesViewed, actionsTaken)
	}
	if utils.IsLocalSessionID(sessionID) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.store.TouchSession(ctx, sessionID, t.clock.Now().UTC()); err != nil {
		t.logger.Warn("session progress dropped", "session_id", sessionID, "error", err)
	}
	return nil
}

// EndSession closes the session with duration = now - started_at. Calling it
// again returns the outcome recorded the first time. ok is false when there
// is no persisted session to close or the close could not be written.
func (t *Tracker) EndSession(ctx context.Context, sessionID string) (outcome models.SessionOutcome, ok bool) {
	if sessionID == "" || utils.IsLocalSessionID(sessionID) {
		return models.SessionOutcome{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		t.logger.Warn("session end dropped", "session_id", sessionID, "error", err)
		return models.SessionOutcome{}, false
	}
	if existing, closed := sess.Outcome(); closed {
		return existing, true
	}

	endedAt := sessionTime(t.clock.Now())
	if endedAt.Before(sess.StartedAt) {
		endedAt = sess.StartedAt
	}
	duration := models.SessionDuration(sess.StartedAt, endedAt)
	closed, err := t.store.CloseSession(ctx, sessionID, endedAt, duration)
	if err != nil {
		t.logger.Warn("session end dropped", "session_id", sessionID, "error", err)
		return models.SessionOutcome{}, false
	}
	if !closed {
		// Lost a race with another close or the reconciler; report what won.
		sess, err = t.store.GetSession(ctx, sessionID)
		if err != nil {
			return models.SessionOutcome{}, false
		}
		return sess.Outcome()
	}
	t.metrics.SessionsClosed.WithLabelValues(string(models.OutcomeEnded)).Inc()
	return models.SessionOutcome{Kind: models.OutcomeEnded, EndedAt: endedAt, DurationSeconds: duration}, true
}
