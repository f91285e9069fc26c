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

// rpcQueueKey and rpcExpiryKey are the two keys every call touches, as
// named in the spec's key layout table.
func rpcQueueKey(api string) string { return api + ":rpc_queue" }
func rpcExpiryKey(id string) string { return "rpc_expiry_key:" + id }

// ttlRemainingMeta is the Meta key consumeLoop uses to carry the time
// left on a call's expiry key, read off redis at pop time, forward to
// InvokeAndStoreResult.
const ttlRemainingMeta = "rbus-ttl-remaining"

func remainingTTL(msg *rbus.Message) time.Duration {
	v, ok := msg.Meta[ttlRemainingMeta]
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// RPC implements the RPC transport: it registers a call request on a
// per-API redis list and a companion expiry key that bounds the
// call's validity, and hands popped, still-valid calls to consumers.
//
// Grounded on the teacher's broker/redisbroker Broker.Call plus
// callsConn: the teacher combines the SET+RPUSH+EXPIRE steps into a
// single Lua script so both keys land atomically even under a redis
// cluster hashtag; the pipeline used here achieves the same atomicity
// without needing the hashtag trick, since this transport targets a
// single-node or client-side-sharded deployment, not redis cluster.
type RPC struct {
	// prevent unkeyed literals
	_ struct{}

	Pool  *Pool
	Codec *serialize.Codec // must be serialize.KindBlob

	// ConsumptionRestartDelay is slept between reconnect attempts when
	// Consume's underlying connection is lost.
	ConsumptionRestartDelay time.Duration

	Logger *zap.Logger
	Vars   *expvar.Map
}

// Call registers msg as a call request, valid for timeout. It returns
// once the enqueue pipeline commits; the producer never waits for a
// consumer, timeout enforcement is the consumer's responsibility via
// the expiry key.
func (t *RPC) Call(ctx context.Context, msg *rbus.Message, timeout time.Duration) error {
	conn, err := t.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	blob, err := t.Codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("rbus/rpc: encode call: %w", err)
	}

	ek := rpcExpiryKey(msg.ID)
	_, err = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, rpcQueueKey(msg.API), blob)
		pipe.Set(ctx, ek, 1, 0)
		pipe.PExpire(ctx, ek, timeout)
		return nil
	})
	return err
}

// Consume returns a channel yielding one Message per valid call made
// to any of apis. A call popped after its expiry key has already
// vanished is dropped silently (an empty batch in the spec's terms):
// nothing is sent on the channel for it, Vars.ExpiredRPCCalls is
// incremented instead.
//
// The channel is closed when ctx is cancelled. A lost connection is
// transient: Consume sleeps ConsumptionRestartDelay and resumes at the
// BLPOP loop boundary, exactly as the spec's failure semantics
// describe.
func (t *RPC) Consume(ctx context.Context, apis []string) (<-chan *rbus.Message, error) {
	if len(apis) == 0 {
		ch := make(chan *rbus.Message)
		close(ch)
		return ch, nil
	}

	conn, err := t.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(apis))
	for i, api := range apis {
		keys[i] = rpcQueueKey(api)
	}

	ch := make(chan *rbus.Message)
	go t.consumeLoop(ctx, conn, keys, ch)
	return ch, nil
}

// InvokeAndStoreResult invokes fn with call and stores its outcome
// through result, mirroring the teacher's callee.InvokeAndStoreResult.
// call must be a Message taken off Consume's channel, so it still
// carries the time-remaining metadata consumeLoop attached at pop
// time. If that time runs out before fn returns, the result is
// dropped and rbus.ErrCallExpired is returned instead of being sent,
// matching the spec's directive that a caller past its deadline is no
// longer listening.
func (t *RPC) InvokeAndStoreResult(ctx context.Context, call *rbus.Message, result *Result, fn func(*rbus.Message) (map[string]any, error)) error {
	budget := remainingTTL(call)
	start := time.Now()
	args, ferr := fn(call)
	if budget > 0 && time.Since(start) >= budget {
		return rbus.ErrCallExpired
	}

	reply := call.Clone()
	reply.Args = args
	if ferr != nil {
		reply.Meta["error"] = ferr.Error()
	}
	return result.SendResult(ctx, result.ReturnPath(call), reply)
}

func (t *RPC) consumeLoop(ctx context.Context, conn Conn, keys []string, ch chan<- *rbus.Message) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := conn.BLPop(ctx, 0, keys...).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}

			// transient: the connection dropped out from under us.
			t.logf("rbus/rpc: Consume: %v, reconnecting in %s", err, t.restartDelay())
			select {
			case <-time.After(t.restartDelay()):
			case <-ctx.Done():
				return
			}
			newConn, aerr := t.Pool.Acquire(ctx)
			if aerr != nil {
				t.logf("rbus/rpc: Consume: failed to reacquire connection: %v", aerr)
				if errors.Is(aerr, rbus.ErrTransportClosed) {
					return
				}
				continue
			}
			conn = newConn
			continue
		}

		// BLPOP returns [key, value].
		msg, derr := t.Codec.Decode([]byte(res[1]))
		if derr != nil {
			t.logf("rbus/rpc: Consume: failed to decode call payload: %v", derr)
			continue
		}

		ek := rpcExpiryKey(msg.ID)
		var pttlCmd *redis.DurationCmd
		var delCmd *redis.IntCmd
		_, derr = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pttlCmd = pipe.PTTL(ctx, ek)
			delCmd = pipe.Del(ctx, ek)
			return nil
		})
		if derr != nil {
			t.logf("rbus/rpc: Consume: expiry key lookup failed: %v", derr)
			continue
		}
		if delCmd.Val() == 0 {
			if t.Vars != nil {
				t.Vars.Add("ExpiredRPCCalls", 1)
			}
			t.logf("rbus/rpc: Consume: call %s expired, dropping", msg.ID)
			continue
		}
		if pttlCmd.Val() > 0 {
			msg.Meta[ttlRemainingMeta] = pttlCmd.Val().String()
		}

		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (t *RPC) restartDelay() time.Duration {
	if t.ConsumptionRestartDelay <= 0 {
		return time.Second
	}
	return t.ConsumptionRestartDelay
}

func (t *RPC) logf(format string, args ...any) {
	logger := t.Logger
	if logger == nil {
		logger = DiscardLogger
	}
	logger.Sugar().Infof(format, args...)
}
