package redistransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mna/rbus"
	"github.com/mna/rbus/internal/redistest"
)

func newTestSchema(t *testing.T, addr string) *Schema {
	t.Helper()
	return &Schema{Pool: NewPool(rbus.ConnParams{Address: addr})}
}

func TestSchemaStoreAndLoad(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	s := newTestSchema(t, addr)

	schema := map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "number"}}}
	require.NoError(t, s.Store(context.Background(), "acct", schema, 0))

	all, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, all, "acct")
	assert.JSONEq(t, `{"type":"object","properties":{"x":{"type":"number"}}}`, string(all["acct"]))
}

func TestSchemaExpiredEntryIsSkipped(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	s := newTestSchema(t, addr)

	require.NoError(t, s.Store(context.Background(), "transient", map[string]any{"ok": true}, 50*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	all, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, all, "transient", "an expired schema key is skipped even though the index still names it")
}

func TestSchemaLoadEmpty(t *testing.T) {
	t.Parallel()

	cmd, addr := redistest.StartServer(t, nil)
	defer cmd.Process.Kill()

	s := newTestSchema(t, addr)

	all, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}
