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

func newTestResult(t *testing.T, addr string) *Result {
	t.Helper()
	return &Result{
		Pool:      NewPool(rbus.ConnParams{Address: addr}),
		Codec:     serialize.New(serialize.KindBlob),
		ResultTTL: time.Minute,
	}
}

func TestResultReturnPath(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	result := newTestResult(t, addr)
	call := rbus.NewMessage("acct", "add", nil)

	path := result.ReturnPath(call)
	assert.Equal(t, rbus.ReturnPathScheme+"acct.add:result:"+call.ID, path)

	key, err := rbus.ReturnPathKey(path)
	require.NoError(t, err)
	assert.Equal(t, "acct.add:result:"+call.ID, key)
}

func TestResultSendAndReceive(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	result := newTestResult(t, addr)
	call := rbus.NewMessage("acct", "add", map[string]any{"x": float64(1)})
	path := result.ReturnPath(call)

	outcome := rbus.NewMessage("acct", "add", map[string]any{"sum": float64(3)})
	require.NoError(t, result.SendResult(context.Background(), path, outcome))

	got, err := result.ReceiveResult(context.Background(), path, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, outcome.ID, got.ID)
	assert.Equal(t, outcome.Args, got.Args)
}

func TestResultReceiveTimesOut(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	result := newTestResult(t, addr)
	call := rbus.NewMessage("acct", "add", nil)
	path := result.ReturnPath(call)

	_, err := result.ReceiveResult(context.Background(), path, 200*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResultInvalidReturnPath(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	result := newTestResult(t, addr)

	err := result.SendResult(context.Background(), "not-a-return-path", rbus.NewMessage("a", "b", nil))
	assert.ErrorIs(t, err, rbus.ErrInvalidReturnPath)

	_, err = result.ReceiveResult(context.Background(), "not-a-return-path", time.Second)
	assert.ErrorIs(t, err, rbus.ErrInvalidReturnPath)
}
