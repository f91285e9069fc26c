package redistransport

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mna/rbus"
	"github.com/mna/rbus/serialize"
)

func resultKey(api, procedure, callID string) string {
	return api + "." + procedure + ":result:" + callID
}

// Result implements the Result transport: it pushes a call's outcome
// onto a per-call list keyed by the originating call id, and lets the
// caller block-pop it (or time out).
//
// Grounded on the teacher's broker/redisbroker Broker.Result plus
// resultsConn, which uses the same LPUSH+EXPIRE / BLPOP shape keyed by
// the calling connection's uuid instead of the call id (juggler keys
// results by connection because one websocket connection can have
// many calls in flight; this transport keys results by call id
// directly since RPC here is not tied to a long-lived connection).
type Result struct {
	// prevent unkeyed literals
	_ struct{}

	Pool  *Pool
	Codec *serialize.Codec // must be serialize.KindBlob

	// ResultTTL bounds how long an unclaimed result survives in redis.
	ResultTTL time.Duration

	Logger *zap.Logger
	Vars   *expvar.Map
}

// ReturnPath returns the opaque "redis+key://..." string identifying
// where the result of call should be delivered. It is a pure function
// of the call, matching the spec's get_return_path.
func (t *Result) ReturnPath(call *rbus.Message) string {
	return rbus.ReturnPathScheme + resultKey(call.API, call.Name, call.ID)
}

// SendResult pushes result onto the list named by returnPath, with a
// TTL of ResultTTL.
func (t *Result) SendResult(ctx context.Context, returnPath string, result *rbus.Message) error {
	key, err := rbus.ReturnPathKey(returnPath)
	if err != nil {
		return err
	}

	conn, err := t.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	blob, err := t.Codec.Encode(result)
	if err != nil {
		return fmt.Errorf("rbus/result: encode result: %w", err)
	}

	_, err = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, blob)
		pipe.Expire(ctx, key, t.ResultTTL)
		return nil
	})
	return err
}

// ReceiveResult blocks until a result for returnPath arrives or
// timeout elapses. The underlying BLPOP may return an empty reply on
// a spurious wakeup or a cancelled-then-resumed connection, so
// ReceiveResult loops internally until a non-empty reply arrives or
// the deadline is reached.
func (t *Result) ReceiveResult(ctx context.Context, returnPath string, timeout time.Duration) (*rbus.Message, error) {
	key, err := rbus.ReturnPathKey(returnPath)
	if err != nil {
		return nil, err
	}

	conn, err := t.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}

		res, err := conn.BLPop(ctx, remaining, key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if errors.Is(err, redis.Nil) {
				// BLPOP's own timeout elapsed without a value.
				return nil, context.DeadlineExceeded
			}
			return nil, err
		}

		if len(res) < 2 || res[1] == "" {
			// spurious wakeup: loop and try again against what's left
			// of the deadline.
			continue
		}

		msg, derr := t.Codec.Decode([]byte(res[1]))
		if derr != nil {
			t.logf("rbus/result: ReceiveResult: failed to decode result payload: %v", derr)
			continue
		}
		return msg, nil
	}
}

func (t *Result) logf(format string, args ...any) {
	logger := t.Logger
	if logger == nil {
		logger = DiscardLogger
	}
	logger.Sugar().Infof(format, args...)
}
