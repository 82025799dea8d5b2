package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
	"github.com/revulnera/revulnera/internal/logger"
	"github.com/revulnera/revulnera/pkg/types"
)

func newTestBus(t *testing.T) core.EventBus {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	bus := NewMemoryBus(log)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func receive(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestSubscriberIsolationPerScan(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	subA, err := bus.Subscribe("scan-a")
	require.NoError(t, err)
	subB, err := bus.Subscribe("scan-b")
	require.NoError(t, err)

	bus.Publish(ctx, types.StatusEvent("scan-a", types.ScanStatusRunning, ""))

	ev := receive(t, subA.C)
	assert.Equal(t, "scan-a", ev.ScanID)
	assert.Equal(t, types.EventScanStatus, ev.Type)

	select {
	case ev := <-subB.C:
		t.Fatalf("subscriber for scan-b received event for %s", ev.ScanID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe("scan-a")
	require.NoError(t, err)

	statuses := []types.ScanStatus{
		types.ScanStatusPending,
		types.ScanStatusRunning,
		types.ScanStatusCompleted,
	}
	for _, st := range statuses {
		bus.Publish(ctx, types.StatusEvent("scan-a", st, ""))
	}

	for _, want := range statuses {
		ev := receive(t, sub.C)
		assert.Equal(t, want, ev.Status)
	}
}

func TestLateSubscriberSeesNoHistory(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, types.StatusEvent("scan-a", types.ScanStatusRunning, ""))

	sub, err := bus.Subscribe("scan-a")
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		t.Fatalf("late subscriber received replayed event %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	slow, err := bus.Subscribe("scan-a")
	require.NoError(t, err)

	// Nobody drains slow: its buffer fills and further events are dropped
	// for it only. Publish must return promptly throughout.
	total := subscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			bus.Publish(ctx, types.ChunkEvent(types.EventSubdomains, "scan-a", i))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The slow subscriber keeps the first subscriberBuffer events, in order.
	assert.Len(t, slow.C, subscriberBuffer)
	first := receive(t, slow.C)
	assert.Equal(t, 0, first.Data)
}

func TestCancelClosesChannel(t *testing.T) {
	bus := newTestBus(t)

	sub, err := bus.Subscribe("scan-a")
	require.NoError(t, err)

	sub.Cancel()
	// Cancelling twice is safe.
	sub.Cancel()

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after the last subscriber left is a no-op.
	bus.Publish(context.Background(), types.StatusEvent("scan-a", types.ScanStatusRunning, ""))
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	bus := newTestBus(t)

	subA, err := bus.Subscribe("scan-a")
	require.NoError(t, err)
	subB, err := bus.Subscribe("scan-b")
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	_, openA := <-subA.C
	_, openB := <-subB.C
	assert.False(t, openA)
	assert.False(t, openB)
}
