// Package memstore is an in-memory implementation of the telemetry stores.
// It mirrors the PostgreSQL semantics closely enough for package tests:
// foreign keys on session ids, close-once updates, monotonic counters and
// per-day rollup serialization.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventsite/api/models"
	"eventsite/api/store"
)

type Store struct {
	mu           sync.Mutex
	sessions     map[string]models.Session
	pageViews    map[string]models.PageView
	activities   []models.ActivityEvent
	interactions []models.ContentInteraction
	aggregates   map[string]models.DailyAggregate

	dayLocksMu sync.Mutex
	dayLocks   map[string]*sync.Mutex

	writeErr error
	readErr  error
}

func New() *Store {
	return &Store{
		sessions:   map[string]models.Session{},
		pageViews:  map[string]models.PageView{},
		aggregates: map[string]models.DailyAggregate{},
		dayLocks:   map[string]*sync.Mutex{},
	}
}

// FailWrites makes every subsequent write return err. Nil restores writes.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailReads makes every subsequent read return err. Nil restores reads.
func (s *Store) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *Store) CreateSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	sess.Status = models.SessionCreated
	sess.LastSeenAt = sess.StartedAt
	sess.PagesViewed, sess.ActionsTaken = 0, 0
	sess.EndedAt, sess.DurationSeconds = nil, nil
	if sess.Identity == nil {
		sess.Identity = models.Anonymous{}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return models.Session{}, s.readErr
	}
	sess, ok := s.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) TouchSession(_ context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.touchLocked(id, seenAt, 0, 0)
}

func (s *Store) CloseSession(_ context.Context, id string, endedAt time.Time, durationSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return false, s.writeErr
	}
	sess, ok := s.sessions[id]
	if !ok || sess.EndedAt != nil {
		return false, nil
	}
	sess.EndedAt = &endedAt
	sess.DurationSeconds = &durationSeconds
	sess.Status = models.SessionEnded
	if endedAt.After(sess.LastSeenAt) {
		sess.LastSeenAt = endedAt
	}
	s.sessions[id] = sess
	return true, nil
}

func (s *Store) AbandonIdleSessions(_ context.Context, cutoff time.Time) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return nil, false, s.writeErr
	}
	var ids []string
	for id, sess := range s.sessions {
		if sess.EndedAt != nil || !sess.LastSeenAt.Before(cutoff) {
			continue
		}
		endedAt := sess.LastSeenAt
		duration := models.SessionDuration(sess.StartedAt, endedAt)
		sess.EndedAt = &endedAt
		sess.DurationSeconds = &duration
		sess.Status = models.SessionAbandoned
		s.sessions[id] = sess
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, true, nil
}

func touch(sess models.Session, seenAt time.Time) models.Session {
	if seenAt.After(sess.LastSeenAt) {
		sess.LastSeenAt = seenAt
	}
	if sess.Status == models.SessionCreated {
		sess.Status = models.SessionActive
	}
	return sess
}

// touchLocked applies an event to its session. The caller holds s.mu.
func (s *Store) touchLocked(sessionID string, seenAt time.Time, pages, actions int) error {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	sess.PagesViewed += pages
	sess.ActionsTaken += actions
	s.sessions[sessionID] = touch(sess, seenAt)
	return nil
}

func (s *Store) InsertPageView(_ context.Context, pv models.PageView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if err := s.touchLocked(pv.SessionID, pv.CreatedAt, 1, 0); err != nil {
		return err
	}
	s.pageViews[pv.ID] = pv
	return nil
}

func (s *Store) ClosePageView(_ context.Context, id string, timeOnPage int, exitedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return false, s.writeErr
	}
	pv, ok := s.pageViews[id]
	if !ok {
		return false, fmt.Errorf("page view %s: %w", id, store.ErrNotFound)
	}
	if pv.TimeOnPage != nil {
		return false, nil
	}
	pv.TimeOnPage = &timeOnPage
	pv.ExitedAt = &exitedAt
	s.pageViews[id] = pv
	return true, s.touchLocked(pv.SessionID, exitedAt, 0, 0)
}

func (s *Store) InsertActivity(_ context.Context, ev models.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if err := s.touchLocked(ev.SessionID, ev.CreatedAt, 0, 1); err != nil {
		return err
	}
	s.activities = append(s.activities, ev)
	return nil
}

func (s *Store) InsertContentInteraction(_ context.Context, ci models.ContentInteraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if err := s.touchLocked(ci.SessionID, ci.CreatedAt, 0, 0); err != nil {
		return err
	}
	s.interactions = append(s.interactions, ci)
	return nil
}

func (s *Store) dayLock(day string) *sync.Mutex {
	s.dayLocksMu.Lock()
	defer s.dayLocksMu.Unlock()
	l, ok := s.dayLocks[day]
	if !ok {
		l = &sync.Mutex{}
		s.dayLocks[day] = l
	}
	return l
}

// WithDayLock serializes fn per day. Writes made through the DayTx are staged
// and only become visible when fn returns nil, like a committed transaction.
func (s *Store) WithDayLock(ctx context.Context, day time.Time, fn func(tx store.DayTx) error) error {
	l := s.dayLock(models.FormatDay(day))
	l.Lock()
	defer l.Unlock()

	tx := &dayTx{s: s, staged: map[string]models.DailyAggregate{}}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tx.staged {
		s.aggregates[k] = v
	}
	return nil
}

type dayTx struct {
	s      *Store
	staged map[string]models.DailyAggregate
}

func (t *dayTx) RawDay(_ context.Context, day time.Time) (store.RawDay, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return store.RawDay{}, s.readErr
	}
	start := models.Day(day)
	end := start.AddDate(0, 0, 1)
	in := func(ts time.Time) bool { return !ts.Before(start) && ts.Before(end) }

	raw := store.RawDay{Day: start}
	for _, sess := range s.sessions {
		if in(sess.StartedAt) {
			raw.Sessions = append(raw.Sessions, store.RawSession{ID: sess.ID, Status: sess.Status, DurationSeconds: sess.DurationSeconds})
		}
	}
	sort.Slice(raw.Sessions, func(i, j int) bool { return raw.Sessions[i].ID < raw.Sessions[j].ID })
	for _, pv := range s.pageViews {
		if in(pv.CreatedAt) {
			var userID string
			if pv.Identity != nil {
				userID, _ = pv.Identity.UserID()
			}
			raw.PageViews = append(raw.PageViews, store.RawPageView{SessionID: pv.SessionID, UserID: userID})
		}
	}
	for _, ev := range s.activities {
		if in(ev.CreatedAt) {
			raw.ActionTypes = append(raw.ActionTypes, ev.ActionType)
		}
	}
	for _, ci := range s.interactions {
		if in(ci.CreatedAt) {
			raw.Interactions++
		}
	}
	return raw, nil
}

func (t *dayTx) ReplaceDailyAggregate(_ context.Context, agg models.DailyAggregate) error {
	t.s.mu.Lock()
	err := t.s.writeErr
	t.s.mu.Unlock()
	if err != nil {
		return err
	}
	agg.Date = models.Day(agg.Date)
	t.staged[models.FormatDay(agg.Date)] = agg
	return nil
}

func (s *Store) ListDailyAggregates(_ context.Context, start, end time.Time) ([]models.DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	start, end = models.Day(start), models.Day(end)
	var out []models.DailyAggregate
	for _, agg := range s.aggregates {
		if !agg.Date.Before(start) && !agg.Date.After(end) {
			out = append(out, agg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) PopularPages(_ context.Context, start, end time.Time, limit int) ([]models.PopularPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	type acc struct {
		views    int64
		visitors map[string]struct{}
		timeSum  int64
		timeN    int64
	}
	byPath := map[string]*acc{}
	for _, pv := range s.pageViews {
		if pv.CreatedAt.Before(start) || !pv.CreatedAt.Before(end) {
			continue
		}
		a, ok := byPath[pv.PagePath]
		if !ok {
			a = &acc{visitors: map[string]struct{}{}}
			byPath[pv.PagePath] = a
		}
		a.views++
		a.visitors[models.VisitorKey(pv.Identity, pv.SessionID)] = struct{}{}
		if pv.TimeOnPage != nil {
			a.timeSum += int64(*pv.TimeOnPage)
			a.timeN++
		}
	}
	out := make([]models.PopularPage, 0, len(byPath))
	for path, a := range byPath {
		p := models.PopularPage{PagePath: path, ViewCount: a.views, UniqueVisitors: int64(len(a.visitors))}
		if a.timeN > 0 {
			p.AvgTime = float64(a.timeSum) / float64(a.timeN)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ViewCount != out[j].ViewCount {
			return out[i].ViewCount > out[j].ViewCount
		}
		return out[i].PagePath < out[j].PagePath
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Sessions returns a snapshot of every session, ordered by id.
func (s *Store) Sessions() []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PageViews returns a snapshot of every page view, ordered by creation time.
func (s *Store) PageViews() []models.PageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PageView, 0, len(s.pageViews))
	for _, pv := range s.pageViews {
		out = append(out, pv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Activities() []models.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ActivityEvent(nil), s.activities...)
}

func (s *Store) Interactions() []models.ContentInteraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ContentInteraction(nil), s.interactions...)
}

// Aggregate returns the stored aggregate for day, if any.
func (s *Store) Aggregate(day time.Time) (models.DailyAggregate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggregates[models.FormatDay(day)]
	return agg, ok
}

// DeleteAggregate drops the stored aggregate for day.
func (s *Store) DeleteAggregate(day time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aggregates, models.FormatDay(day))
}
