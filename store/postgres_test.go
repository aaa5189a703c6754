package store_test

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventsite/api/database"
	"eventsite/api/models"
	"eventsite/api/rollup"
	"eventsite/api/store"
	"eventsite/api/testutil"
)

// newDB connects to TEST_DATABASE_URL, migrates and empties the telemetry
// tables. Tests are skipped when it is unset.
func newDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := testutil.Context(t, testutil.WaitMedium)
	client, err := database.NewPostgresDB(ctx, url, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, database.Migrate(ctx, client.DB))
	_, err = client.DB.ExecContext(ctx, `TRUNCATE content_interactions, activity_events, page_views, sessions, daily_aggregates, users`)
	require.NoError(t, err)
	return client.DB
}

var day = time.Date(2024, 10, 31, 0, 0, 0, 0, time.UTC)

func TestPostgresSessionLifecycle(t *testing.T) {
	db := newDB(t)
	ctx := testutil.Context(t, testutil.WaitMedium)
	sessions := store.NewSessionStore(db)
	events := store.NewEventStore(db)

	start := day.Add(20 * time.Hour)
	require.NoError(t, sessions.CreateSession(ctx, models.Session{
		ID: "s1", Identity: models.Identified{ID: "u1"}, Device: models.DeviceInfo{Browser: "Safari"}, StartedAt: start,
	}))
	require.NoError(t, events.InsertPageView(ctx, models.PageView{ID: "pv1", SessionID: "s1", PagePath: "/", CreatedAt: start.Add(time.Second)}))

	sess, err := sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, sess.Status)
	require.Equal(t, 1, sess.PagesViewed)
	require.Equal(t, models.Identified{ID: "u1"}, sess.Identity)

	// A touch moves last_seen_at forward but never the counters.
	require.NoError(t, sessions.TouchSession(ctx, "s1", start.Add(30*time.Second)))
	sess, err = sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.PagesViewed)
	require.Zero(t, sess.ActionsTaken)
	require.True(t, start.Add(30*time.Second).Equal(sess.LastSeenAt))
	require.ErrorIs(t, sessions.TouchSession(ctx, "missing", start), store.ErrNotFound)

	closed, err := sessions.CloseSession(ctx, "s1", start.Add(time.Minute), 60)
	require.NoError(t, err)
	require.True(t, closed)
	closed, err = sessions.CloseSession(ctx, "s1", start.Add(time.Hour), 3600)
	require.NoError(t, err)
	require.False(t, closed)

	sess, err = sessions.GetSession(ctx, "s1")
	require.NoError(t, err)
	outcome, ok := sess.Outcome()
	require.True(t, ok)
	require.Equal(t, models.SessionOutcome{Kind: models.OutcomeEnded, EndedAt: start.Add(time.Minute), DurationSeconds: 60}, models.SessionOutcome{
		Kind: outcome.Kind, EndedAt: outcome.EndedAt.UTC(), DurationSeconds: outcome.DurationSeconds,
	})

	_, err = sessions.GetSession(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	err = events.InsertActivity(ctx, models.ActivityEvent{ID: "a1", SessionID: "missing", ActionType: "x", ActionCategory: "y", CreatedAt: start})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgresConcurrentIncrements(t *testing.T) {
	db := newDB(t)
	ctx := testutil.Context(t, testutil.WaitMedium)
	sessions := store.NewSessionStore(db)
	events := store.NewEventStore(db)
	require.NoError(t, sessions.CreateSession(ctx, models.Session{ID: "tabs", StartedAt: day}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = events.InsertActivity(ctx, models.ActivityEvent{
				ID: fmt.Sprintf("act-%02d", i), SessionID: "tabs", ActionType: "click", ActionCategory: "ui", CreatedAt: day.Add(time.Duration(i) * time.Second),
			})
		}(i)
	}
	wg.Wait()

	sess, err := sessions.GetSession(ctx, "tabs")
	require.NoError(t, err)
	require.Equal(t, 20, sess.ActionsTaken)
}

func TestPostgresAbandonIdleSessions(t *testing.T) {
	db := newDB(t)
	ctx := testutil.Context(t, testutil.WaitMedium)
	sessions := store.NewSessionStore(db)
	require.NoError(t, sessions.CreateSession(ctx, models.Session{ID: "idle", StartedAt: day.Add(time.Hour)}))
	require.NoError(t, sessions.TouchSession(ctx, "idle", day.Add(2*time.Hour)))
	require.NoError(t, sessions.CreateSession(ctx, models.Session{ID: "live", StartedAt: day.Add(5 * time.Hour)}))

	ids, ok, err := sessions.AbandonIdleSessions(ctx, day.Add(3*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"idle"}, ids)

	sess, err := sessions.GetSession(ctx, "idle")
	require.NoError(t, err)
	require.Equal(t, models.SessionAbandoned, sess.Status)
	require.Equal(t, 3600, *sess.DurationSeconds)
}

func TestPostgresRollupAndQueries(t *testing.T) {
	db := newDB(t)
	ctx := testutil.Context(t, testutil.WaitMedium)
	sessions := store.NewSessionStore(db)
	events := store.NewEventStore(db)
	aggregates := store.NewAggregateStore(db)

	at := day.Add(23*time.Hour + 59*time.Minute + 58*time.Second)
	require.NoError(t, sessions.CreateSession(ctx, models.Session{ID: "s1", StartedAt: at}))
	require.NoError(t, events.InsertPageView(ctx, models.PageView{ID: "pv1", SessionID: "s1", PagePath: "/b", CreatedAt: at}))
	require.NoError(t, events.InsertPageView(ctx, models.PageView{ID: "pv2", SessionID: "s1", PagePath: "/a", CreatedAt: at}))
	closed, err := events.ClosePageView(ctx, "pv1", 5, at.Add(5*time.Second))
	require.NoError(t, err)
	require.True(t, closed)
	closed, err = events.ClosePageView(ctx, "pv1", 9, at.Add(9*time.Second))
	require.NoError(t, err)
	require.False(t, closed)
	require.NoError(t, events.InsertActivity(ctx, models.ActivityEvent{
		ID: "a1", SessionID: "s1", ActionType: models.ActionPhotoUpload, ActionCategory: "gallery",
		ActionDetails: map[string]any{"count": 3}, CreatedAt: at,
	}))
	require.NoError(t, events.InsertContentInteraction(ctx, models.ContentInteraction{
		ID: "c1", SessionID: "s1", ContentType: "photo", ContentID: "deleted-photo", InteractionType: "like", CreatedAt: at,
	}))

	engine := rollup.New(aggregates, testutil.Logger(t))
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.RollupDate(ctx, day)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	first, err := aggregates.ListDailyAggregates(ctx, day, day)
	require.NoError(t, err)
	_, err = engine.RollupDate(ctx, day)
	require.NoError(t, err)
	second, err := aggregates.ListDailyAggregates(ctx, day, day)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 1)
	require.EqualValues(t, 2, first[0].TotalPageViews)
	require.EqualValues(t, 1, first[0].PhotosUploaded)
	require.EqualValues(t, 1, first[0].ContentInteractions)

	pages, err := aggregates.PopularPages(ctx, day, day.AddDate(0, 0, 1), 10)
	require.NoError(t, err)
	require.Equal(t, []models.PopularPage{
		{PagePath: "/a", ViewCount: 1, UniqueVisitors: 1},
		{PagePath: "/b", ViewCount: 1, UniqueVisitors: 1, AvgTime: 5},
	}, pages)
}

func TestPostgresUsers(t *testing.T) {
	db := newDB(t)
	ctx := testutil.Context(t, testutil.WaitMedium)
	users := store.NewUserStore(db)

	u, err := users.CreateUser(ctx, "Host@Party.example", []byte("hash"), models.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, u.Role)

	_, err = users.CreateUser(ctx, "host@party.example", []byte("hash"), models.RoleGuest)
	require.ErrorIs(t, err, store.ErrEmailTaken)

	got, err := users.GetUserByEmail(ctx, "HOST@PARTY.EXAMPLE")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	_, err = users.GetUserByEmail(ctx, "nobody@party.example")
	require.ErrorIs(t, err, store.ErrNotFound)
}

