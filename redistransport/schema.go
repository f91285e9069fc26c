package redistransport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const schemaIndexKey = "schemas"

func schemaKey(api string) string { return "schema:" + api }

// Schema implements the Schema transport: a per-API JSON schema stored
// at a key-per-API layout, plus an append-only set naming the APIs
// whose schemas exist.
type Schema struct {
	// prevent unkeyed literals
	_ struct{}

	Pool *Pool
}

// Store writes schema for api. If ttl is non-zero, it is applied to
// the per-API key only; the "schemas" index is append-only and never
// expires.
func (t *Schema) Store(ctx context.Context, api string, schema any, ttl time.Duration) error {
	b, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("rbus/schema: marshal schema for %q: %w", api, err)
	}

	conn, err := t.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	key := schemaKey(api)
	_, err = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, b, 0)
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		pipe.SAdd(ctx, schemaIndexKey, api)
		return nil
	})
	return err
}

// Load returns every currently-stored schema, keyed by API name. An
// API named in the index whose key has since expired is silently
// skipped, matching the spec's "missing values (expired) are skipped".
func (t *Schema) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	conn, err := t.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	apis, err := conn.SMembers(ctx, schemaIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rbus/schema: list schema index: %w", err)
	}
	if len(apis) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	keys := make([]string, len(apis))
	for i, api := range apis {
		keys[i] = schemaKey(api)
	}

	vals, err := conn.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("rbus/schema: MGET schemas: %w", err)
	}

	out := make(map[string]json.RawMessage, len(apis))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[apis[i]] = json.RawMessage(s)
	}
	return out, nil
}
