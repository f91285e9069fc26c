package redistransport

import (
	"context"
	"expvar"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/rbus"
	"github.com/mna/rbus/internal/redistest"
	"github.com/mna/rbus/serialize"
)

func newTestRPC(t *testing.T, addr string) *RPC {
	t.Helper()
	return &RPC{
		Pool:  NewPool(rbus.ConnParams{Address: addr}),
		Codec: serialize.New(serialize.KindBlob),
		Vars:  &expvar.Map{},
	}
}

func TestRPCHappyPath(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	rpc := newTestRPC(t, addr)

	ch, err := rpc.Consume(context.Background(), []string{"acct"})
	require.NoError(t, err)

	call := rbus.NewMessage("acct", "add", map[string]any{"x": float64(1)})
	require.NoError(t, rpc.Call(context.Background(), call, time.Minute))

	select {
	case got := <-ch:
		require.NotNil(t, got)
		assert.Equal(t, call.ID, got.ID)
		assert.Equal(t, call.API, got.API)
		assert.Equal(t, call.Name, got.Name)
		assert.Equal(t, call.Args, got.Args)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for call to be consumed")
	}
}

func TestRPCExpiredCallIsDropped(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	rpc := newTestRPC(t, addr)

	call := rbus.NewMessage("acct", "add", map[string]any{"x": float64(1)})
	require.NoError(t, rpc.Call(context.Background(), call, time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := rpc.Consume(ctx, []string{"acct"})
	require.NoError(t, err)

	delivered := make(chan *rbus.Message, 1)
	go func() {
		msg, ok := <-ch
		if ok {
			delivered <- msg
		}
	}()

	assert.Eventually(t, func() bool {
		v := rpc.Vars.Get("ExpiredRPCCalls")
		return v != nil && v.String() == "1"
	}, time.Second, 10*time.Millisecond, "expired call should be dropped and counted")

	select {
	case msg := <-delivered:
		t.Fatalf("expected no call to be delivered, got %+v", msg)
	default:
	}
}

func TestRPCInvokeAndStoreResultHappyPath(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	rpc := newTestRPC(t, addr)
	result := newTestResult(t, addr)

	ch, err := rpc.Consume(context.Background(), []string{"acct"})
	require.NoError(t, err)

	call := rbus.NewMessage("acct", "add", map[string]any{"x": float64(1)})
	require.NoError(t, rpc.Call(context.Background(), call, time.Minute))

	var got *rbus.Message
	select {
	case got = <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for call to be consumed")
	}

	path := result.ReturnPath(got)
	err = rpc.InvokeAndStoreResult(context.Background(), got, result, func(call *rbus.Message) (map[string]any, error) {
		return map[string]any{"sum": call.Args["x"]}, nil
	})
	require.NoError(t, err)

	outcome, err := result.ReceiveResult(context.Background(), path, time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": float64(1)}, outcome.Args)
}

func TestRPCInvokeAndStoreResultDropsExpiredCall(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	rpc := newTestRPC(t, addr)
	result := newTestResult(t, addr)

	call := rbus.NewMessage("acct", "add", map[string]any{"x": float64(1)})
	call.Meta[ttlRemainingMeta] = (10 * time.Millisecond).String()

	err := rpc.InvokeAndStoreResult(context.Background(), call, result, func(call *rbus.Message) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		return map[string]any{"sum": call.Args["x"]}, nil
	})
	assert.ErrorIs(t, err, rbus.ErrCallExpired)

	path := result.ReturnPath(call)
	_, err = result.ReceiveResult(context.Background(), path, 100*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "an expired call's result must not be stored")
}

func TestRPCConsumeNoAPIsClosesImmediately(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	rpc := newTestRPC(t, addr)
	ch, err := rpc.Consume(context.Background(), nil)
	require.NoError(t, err)

	_, ok := <-ch
	assert.False(t, ok, "channel is closed immediately when there are no APIs to consume")
}
