package warehouse_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"eventsite/api/metrics"
	"eventsite/api/models"
	"eventsite/api/testutil"
	"eventsite/api/warehouse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeInserter struct {
	mu      sync.Mutex
	fail    error
	batches chan []models.WarehouseEvent
}

func newFakeInserter() *fakeInserter {
	return &fakeInserter{batches: make(chan []models.WarehouseEvent, 16)}
}

func (f *fakeInserter) InsertEvents(_ context.Context, events []models.WarehouseEvent) error {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	f.batches <- events
	return err
}

func receive(ctx context.Context, t *testing.T, ch <-chan []models.WarehouseEvent) []models.WarehouseEvent {
	t.Helper()
	select {
	case <-ctx.Done():
		t.Fatal("timed out waiting for batch")
		return nil
	case b := <-ch:
		return b
	}
}

func event(i int) models.WarehouseEvent {
	return models.WarehouseEvent{
		EventID:   fmt.Sprintf("ev-%d", i),
		EventType: models.KindPageView,
		SessionID: "s1",
		Timestamp: time.Date(2024, 10, 31, 18, 0, i, 0, time.UTC),
		PagePath:  "/",
	}
}

func TestFlushOnInterval(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	ins := newFakeInserter()

	b := warehouse.New(ins, testutil.Logger(t), warehouse.WithClock(clock), warehouse.WithInterval(time.Second))
	defer b.Close()

	b.Add(event(1))
	b.Add(event(2))
	clock.Advance(time.Second).MustWait(ctx)

	batch := receive(ctx, t, ins.batches)
	require.Equal(t, []models.WarehouseEvent{event(1), event(2)}, batch)
}

func TestFlushWhenFull(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ins := newFakeInserter()

	b := warehouse.New(ins, testutil.Logger(t), warehouse.WithClock(quartz.NewMock(t)), warehouse.WithBatchSize(3))
	defer b.Close()
	for i := 0; i < 3; i++ {
		b.Add(event(i))
	}

	batch := receive(ctx, t, ins.batches)
	require.Len(t, batch, 3)
}

func TestCloseFlushesRemainder(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ins := newFakeInserter()

	b := warehouse.New(ins, testutil.Logger(t), warehouse.WithClock(quartz.NewMock(t)))
	b.Add(event(7))
	require.NoError(t, b.Close())

	batch := receive(ctx, t, ins.batches)
	require.Equal(t, []models.WarehouseEvent{event(7)}, batch)

	// Events after Close are dropped.
	b.Add(event(8))
	select {
	case extra := <-ins.batches:
		t.Fatalf("unexpected batch after close: %v", extra)
	default:
	}
}

func TestFailedBatchIsDropped(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	ins := newFakeInserter()
	ins.fail = errors.New("clickhouse down")

	b := warehouse.New(ins, testutil.Logger(t), warehouse.WithClock(quartz.NewMock(t)), warehouse.WithBatchSize(1))
	b.Add(event(1))
	require.Len(t, receive(ctx, t, ins.batches), 1)

	ins.mu.Lock()
	ins.fail = nil
	ins.mu.Unlock()
	b.Add(event(2))
	require.Equal(t, []models.WarehouseEvent{event(2)}, receive(ctx, t, ins.batches))
	require.NoError(t, b.Close())
}

func TestBatchMetrics(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	m := metrics.New(prometheus.NewRegistry())
	ins := newFakeInserter()
	ins.fail = errors.New("clickhouse down")

	b := warehouse.New(ins, testutil.Logger(t),
		warehouse.WithClock(quartz.NewMock(t)),
		warehouse.WithBatchSize(2),
		warehouse.WithMetrics(m),
	)
	b.Add(event(1))
	b.Add(event(2))
	require.Len(t, receive(ctx, t, ins.batches), 2)

	ins.mu.Lock()
	ins.fail = nil
	ins.mu.Unlock()
	b.Add(event(3))
	require.NoError(t, b.Close())
	require.Len(t, receive(ctx, t, ins.batches), 1)

	require.Equal(t, 1.0, promtest.ToFloat64(m.WarehouseBatches.WithLabelValues(metrics.ResultFailure)))
	require.Equal(t, 1.0, promtest.ToFloat64(m.WarehouseBatches.WithLabelValues(metrics.ResultSuccess)))
	require.Equal(t, 1.0, promtest.ToFloat64(m.WarehouseEvents))
}
