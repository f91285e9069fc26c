package redistransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/rbus"
	"github.com/mna/rbus/internal/redistest"
	"github.com/mna/rbus/serialize"
)

func newTestEvent(t *testing.T, addr string) *Event {
	t.Helper()
	return &Event{
		Pool:                NewPool(rbus.ConnParams{Address: addr}),
		Codec:               serialize.New(serialize.KindByField),
		ConsumerGroupPrefix: "rbus",
		ConsumerName:        "consumer-" + t.Name(),
		BatchSize:           10,
		PollInterval:        50 * time.Millisecond,
	}
}

func TestEventPublishConsumeOnce(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	ev := newTestEvent(t, addr)

	msg := rbus.NewMessage("acct", "added", map[string]any{"x": float64(7)})
	require.NoError(t, ev.Publish(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := ev.Consume(ctx, []EventKey{{API: "acct", Name: "added"}}, "grp", []any{"0-0"}, false)
	require.NoError(t, err)

	select {
	case d, ok := <-ch:
		require.True(t, ok)
		require.NotNil(t, d)
		assert.Equal(t, msg.API, d.Message().API)
		assert.Equal(t, msg.Name, d.Message().Name)
		assert.Equal(t, msg.Args, d.Message().Args)
		require.NoError(t, d.Ack(context.Background()))
		assert.NoError(t, d.Ack(context.Background()), "Ack is idempotent")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEventNoopSeedIsSkipped(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	ev := newTestEvent(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := ev.Consume(ctx, []EventKey{{API: "fresh", Name: "thing"}}, "grp", []any{"0-0"}, false)
	require.NoError(t, err)

	select {
	case d, ok := <-ch:
		if ok {
			t.Fatalf("expected the noop seed entry to never be delivered, got %+v", d.Message())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for channel to close")
	}
}

func TestEventPerAPIStreamFiltersUnwantedNames(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	ev := newTestEvent(t, addr)
	ev.StreamUse = StreamPerAPI

	wanted := rbus.NewMessage("acct", "added", map[string]any{"x": float64(1)})
	unwanted := rbus.NewMessage("acct", "removed", map[string]any{"x": float64(2)})
	require.NoError(t, ev.Publish(context.Background(), wanted))
	require.NoError(t, ev.Publish(context.Background(), unwanted))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := ev.Consume(ctx, []EventKey{{API: "acct", Name: "added"}}, "grp", []any{"0-0"}, false)
	require.NoError(t, err)

	var got []*rbus.Message
	for d := range ch {
		got = append(got, d.Message())
		require.NoError(t, d.Ack(context.Background()))
	}

	require.Len(t, got, 1, "only the event name that was asked for should be delivered")
	assert.Equal(t, "added", got[0].Name)
}

func TestEventReclaimAbandonedDelivery(t *testing.T) {
	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	first := newTestEvent(t, addr)
	first.ConsumerName = "first"

	msg := rbus.NewMessage("acct", "added", map[string]any{"x": float64(9)})
	require.NoError(t, first.Publish(context.Background(), msg))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()

	ch1, err := first.Consume(drainCtx, []EventKey{{API: "acct", Name: "added"}}, "grp", []any{"0-0"}, false)
	require.NoError(t, err)

	select {
	case d, ok := <-ch1:
		require.True(t, ok)
		require.NotNil(t, d)
		// deliberately never Ack: simulates a crashed consumer.
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first consumer to receive the event")
	}

	second := newTestEvent(t, addr)
	second.ConsumerName = "second"
	second.AcknowledgementTimeout = 100 * time.Millisecond
	second.ReclaimBatchSize = 10

	reclaimCtx, reclaimCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reclaimCancel()

	ch2, err := second.Consume(reclaimCtx, []EventKey{{API: "acct", Name: "added"}}, "grp", nil, true)
	require.NoError(t, err)

	select {
	case d, ok := <-ch2:
		require.True(t, ok)
		require.NotNil(t, d)
		assert.Equal(t, msg.ID, d.Message().ID)
		require.NoError(t, d.Ack(context.Background()))
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for the abandoned delivery to be reclaimed")
	}
}
