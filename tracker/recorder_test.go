package tracker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"eventsite/api/models"
	"eventsite/api/store"
	"eventsite/api/store/memstore"
	"eventsite/api/testutil"
	"eventsite/api/tracker"
)

func TestIdentityIsAttachedFromContext(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db, _, tr, rec := setup(t)

	anonSession := tr.StartSession(ctx, models.DeviceInfo{})
	require.NoError(t, rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: anonSession.SessionID, Path: "/"}).Wait(ctx))

	userCtx := tracker.ContextWithIdentity(ctx, models.Identified{ID: "42"})
	userSession := tr.StartSession(userCtx, models.DeviceInfo{})
	require.NoError(t, rec.RecordActivity(userCtx, tracker.ActivityInput{
		SessionID: userSession.SessionID, ActionType: "guestbook_post", Category: "guestbook",
	}).Wait(ctx))

	require.Equal(t, models.Anonymous{}, db.PageViews()[0].Identity)
	require.Equal(t, models.Identified{ID: "42"}, db.Activities()[0].Identity)
	for _, sess := range db.Sessions() {
		if sess.ID == userSession.SessionID {
			require.Equal(t, models.Identified{ID: "42"}, sess.Identity)
		} else {
			require.Equal(t, models.Anonymous{}, sess.Identity)
		}
	}
}

func TestValidationIsReturnedToCaller(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db, _, tr, rec := setup(t)
	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID

	bigDetails := map[string]any{"blob": strings.Repeat("x", 17<<10)}
	manyKeys := map[string]any{}
	for i := 0; i < 65; i++ {
		manyKeys[strings.Repeat("k", i+1)] = i
	}

	cases := []struct {
		name string
		f    *tracker.Future
	}{
		{"page view without path", rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: sid})},
		{"page view without session", rec.RecordPageView(ctx, tracker.PageViewInput{Path: "/"})},
		{"page view oversized path", rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: sid, Path: "/" + strings.Repeat("a", 2048)})},
		{"page view negative viewport", rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: sid, Path: "/", Viewport: models.Viewport{Width: -1}})},
		{"close negative time", rec.ClosePageView(ctx, "pv", -5)},
		{"close without id", rec.ClosePageView(ctx, "", 5)},
		{"activity without type", rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, Category: "x"})},
		{"activity oversized details", rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "a", Category: "b", Details: bigDetails})},
		{"activity too many keys", rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "a", Category: "b", Details: manyKeys})},
		{"activity unencodable details", rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "a", Category: "b", Details: map[string]any{"ch": make(chan int)}})},
		{"interaction without content id", rec.RecordContentInteraction(ctx, tracker.InteractionInput{SessionID: sid, ContentType: "photo", InteractionType: "like"})},
	}
	for _, c := range cases {
		select {
		case <-c.f.Done():
		default:
			t.Fatalf("%s: validation failure should complete synchronously", c.name)
		}
		require.ErrorIs(t, c.f.Wait(ctx), tracker.ErrInvalidEvent, c.name)
	}
	require.Empty(t, db.PageViews())
	require.Empty(t, db.Activities())
	require.Empty(t, db.Interactions())
}

// uploadPhoto stands in for a content feature that records telemetry as a
// side effect of its own work.
func uploadPhoto(ctx context.Context, rec *tracker.Recorder, sessionID string) (string, error) {
	photoID := "photo-123"
	rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sessionID, ActionType: models.ActionPhotoUpload, Category: "gallery"})
	rec.RecordContentInteraction(ctx, tracker.InteractionInput{SessionID: sessionID, ContentType: "photo", ContentID: photoID, InteractionType: "upload"})
	return photoID, nil
}

func TestCaptureFailureDoesNotReachFeature(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db, _, tr, rec := setup(t)
	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID

	db.FailWrites(errors.New("disk full"))
	photoID, err := uploadPhoto(ctx, rec, sid)
	require.NoError(t, err)
	require.Equal(t, "photo-123", photoID)

	f := rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "x", Category: "y"})
	require.NotEmpty(t, f.ID())
	require.EqualError(t, f.Wait(ctx), "disk full")
	require.NoError(t, rec.Close(ctx))
	require.Empty(t, db.Activities())
}

type panickyStore struct {
	*memstore.Store
}

func (panickyStore) InsertActivity(context.Context, models.ActivityEvent) error {
	panic("driver bug")
}

func TestRecorderRecoversFromPanics(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db := memstore.New()
	tr := tracker.NewTracker(db, testutil.Logger(t))
	rec := tracker.NewRecorder(panickyStore{db}, testutil.Logger(t))
	defer rec.Close(context.Background())

	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID
	err := rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "x", Category: "y"}).Wait(ctx)
	require.ErrorContains(t, err, "driver bug")
}

func TestEventForUnknownSessionIsDropped(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db, _, _, rec := setup(t)

	err := rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: "missing", Path: "/"}).Wait(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, db.PageViews())
}

func TestClosePageViewKeepsFirstClose(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db, _, tr, rec := setup(t)
	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID

	pv := rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: sid, Path: "/"})
	require.NoError(t, pv.Wait(ctx))
	require.NoError(t, rec.ClosePageView(ctx, pv.ID(), 12).Wait(ctx))
	require.NoError(t, rec.ClosePageView(ctx, pv.ID(), 99).Wait(ctx))

	require.Equal(t, 12, *db.PageViews()[0].TimeOnPage)
}

func TestInteractionOutlivesContent(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db, _, tr, rec := setup(t)
	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID

	photos := map[string]bool{"photo-9": true}
	require.NoError(t, rec.RecordContentInteraction(ctx, tracker.InteractionInput{
		SessionID: sid, ContentType: "photo", ContentID: "photo-9", InteractionType: "like", Value: "heart",
	}).Wait(ctx))
	before := db.Interactions()

	delete(photos, "photo-9")

	after := db.Interactions()
	require.Equal(t, before, after)
	require.Len(t, after, 1)
	require.Equal(t, "photo-9", after[0].ContentID)
}

type captureSink struct {
	mu     sync.Mutex
	events []models.WarehouseEvent
}

func (c *captureSink) Add(ev models.WarehouseEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestRecorderMirrorsStoredEvents(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db := memstore.New()
	sink := &captureSink{}
	tr := tracker.NewTracker(db, testutil.Logger(t))
	rec := tracker.NewRecorder(db, testutil.Logger(t), tracker.WithSink(sink))
	defer rec.Close(context.Background())

	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID
	require.NoError(t, rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: sid, Path: "/gallery", Referrer: "https://example.com"}).Wait(ctx))
	require.NoError(t, rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "rsvp_submit", Category: "rsvp", Details: map[string]any{"guests": 2}}).Wait(ctx))
	// Failed writes are not mirrored.
	require.Error(t, rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: "missing", Path: "/"}).Wait(ctx))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 2)
	require.Equal(t, models.KindPageView, sink.events[0].EventType)
	require.Equal(t, "/gallery", sink.events[0].PagePath)
	require.Equal(t, models.KindActivity, sink.events[1].EventType)
	require.JSONEq(t, `{"guests":2}`, string(sink.events[1].EventData))
}

func TestRecorderCloseRejectsNewEvents(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db := memstore.New()
	tr := tracker.NewTracker(db, testutil.Logger(t))
	rec := tracker.NewRecorder(db, testutil.Logger(t))
	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID

	require.NoError(t, rec.Close(ctx))
	require.Error(t, rec.RecordPageView(ctx, tracker.PageViewInput{SessionID: sid, Path: "/"}).Wait(ctx))
	require.Empty(t, db.PageViews())
}

type gatedStore struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
}

func (g gatedStore) InsertActivity(ctx context.Context, ev models.ActivityEvent) error {
	close(g.entered)
	<-g.release
	return g.Store.InsertActivity(ctx, ev)
}

func TestRecorderCloseDrainsInflightWrites(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db := memstore.New()
	gate := gatedStore{Store: db, entered: make(chan struct{}), release: make(chan struct{})}
	sink := &captureSink{}
	tr := tracker.NewTracker(db, testutil.Logger(t))
	rec := tracker.NewRecorder(gate, testutil.Logger(t), tracker.WithSink(sink))

	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID
	f := rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "photo_upload", Category: "gallery"})
	<-gate.entered

	closed := make(chan error, 1)
	go func() { closed <- rec.Close(ctx) }()
	select {
	case err := <-closed:
		t.Fatalf("Close returned %v with a write in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-closed)
	require.NoError(t, f.Wait(ctx))
	require.Len(t, db.Activities(), 1)
	// The mirror has the event before Close returns, so the batcher can be
	// closed right after.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
}

func TestRecorderCloseGivesUpAtDeadline(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	db := memstore.New()
	gate := gatedStore{Store: db, entered: make(chan struct{}), release: make(chan struct{})}
	tr := tracker.NewTracker(db, testutil.Logger(t))
	rec := tracker.NewRecorder(gate, testutil.Logger(t))

	sid := tr.StartSession(ctx, models.DeviceInfo{}).SessionID
	f := rec.RecordActivity(ctx, tracker.ActivityInput{SessionID: sid, ActionType: "photo_upload", Category: "gallery"})
	<-gate.entered

	expired, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, rec.Close(expired), context.Canceled)

	close(gate.release)
	require.NoError(t, f.Wait(ctx))
	require.NoError(t, rec.Close(ctx))
}
