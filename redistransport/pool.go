// Package redistransport implements the four redis-backed transports
// (RPC, Result, Event, Schema) on top of a shared, lazily-constructed
// connection pool. It plays the role of the teacher's
// broker/redisbroker package: broker.go there held the Pool interface,
// the cluster-aware Dial, and the Lua scripts shared by calls and
// results; Pool here plays the same role against go-redis's
// *redis.Client instead of redigo.
package redistransport

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mna/rbus"
)

// DiscardLogger is a no-op logger usable as Pool.Logger to silence a
// transport entirely, mirroring the teacher's redisbroker.DiscardLog.
var DiscardLogger = zap.NewNop()

// Pool is the connection manager (CM): a per-transport handle to a
// redis client, lazily built on first use from ConnParams, or
// preconstructed and injected by the caller. It is safe for
// concurrent use by multiple goroutines, unlike the teacher's
// redigo.Pool, which required one pool per OS thread — go-redis's
// *redis.Client already pools and synchronizes its own connections,
// so Pool's job narrows to lazy construction, the closed-flag
// lifecycle, and rejecting an injected client that is also given
// ConnParams (see Bind).
type Pool struct {
	// prevent unkeyed literals, matching the teacher's Broker struct.
	_ struct{}

	mu       sync.Mutex
	client   *redis.Client
	params   *rbus.ConnParams
	injected bool

	closed atomic.Bool

	// Logger is used for warning-level signals (e.g. the pool
	// reaching its configured maxsize). If nil, DiscardLogger is used.
	Logger *zap.Logger

	// Vars collects metrics about pool usage, analogous to the
	// teacher's Broker.Vars *expvar.Map.
	Vars *expvar.Map
}

// NewPool builds a Pool that constructs its client lazily from params
// on first Acquire.
func NewPool(params rbus.ConnParams) *Pool {
	p := &Pool{params: &params}
	return p
}

// NewPoolFromClient builds a Pool around an already-constructed
// client. ConnParams is absent in this mode; the pool never attempts
// to build or close a client of its own beyond what client.Close does.
func NewPoolFromClient(client *redis.Client) *Pool {
	return &Pool{client: client, injected: true}
}

// Conn is a scoped borrow of the pool's client. The zero-cost Close
// exists so callers use the familiar acquire/defer Close() shape even
// though go-redis's *redis.Client already returns the underlying TCP
// connection to its own internal pool after every command.
type Conn struct {
	*redis.Client
}

// Close is a no-op: the underlying *redis.Client already returned its
// connection to its internal pool once the command finished. It
// exists so callers can defer conn.Close() the way they would with a
// connection-per-command client library.
func (c Conn) Close() error { return nil }

// Acquire returns a connection handle usable within a bounded scope.
// It fails with rbus.ErrTransportClosed if Close has already been
// called on this Pool, and with rbus.ErrShutdownInProgress if the
// pool wraps an injected client (NewPoolFromClient) that has been
// closed by the caller through some other path: unlike a
// self-built client, whose lifecycle this Pool owns end to end and
// whose closed flag above is authoritative, an injected client can
// be closed behind the Pool's back, so Acquire pings it to find out.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return Conn{}, rbus.ErrTransportClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return Conn{}, rbus.ErrTransportClosed
	}

	if p.client == nil {
		if p.params == nil {
			return Conn{}, rbus.ErrInvalidPool
		}
		opts, err := redis.ParseURL(p.params.Address)
		if err != nil {
			return Conn{}, fmt.Errorf("rbus: parse connection address: %w", err)
		}
		if p.params.MaxSize > 0 {
			opts.PoolSize = p.params.MaxSize
		}
		p.client = redis.NewClient(opts)
	}

	if err := ctx.Err(); err != nil {
		return Conn{}, err
	}

	if p.injected {
		if err := p.client.Ping(ctx).Err(); errors.Is(err, redis.ErrClosed) {
			return Conn{}, rbus.ErrShutdownInProgress
		}
	}

	if p.params != nil && p.params.MaxSize > 0 {
		stats := p.client.PoolStats()
		if int(stats.TotalConns) >= p.params.MaxSize {
			p.logf("redistransport: pool reached configured maxsize %d", p.params.MaxSize)
			if p.Vars != nil {
				p.Vars.Add("PoolAtCapacity", 1)
			}
		}
	}

	return Conn{Client: p.client}, nil
}

// Close is idempotent: the first call initiates the underlying
// client's close and sets the closed flag; subsequent calls are
// no-ops. All acquisitions after Close fail fast with
// rbus.ErrTransportClosed.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// Bind rejects cross-goroutine-scheduler reuse of an injected client
// for a second, independently-configured transport. The teacher
// rejects this at the redigo.Pool level (connections from a
// goroutine-unsafe redigo.Pool type cannot be shared); go-redis's
// client is itself goroutine-safe, so Bind is a configuration guard
// rather than a safety requirement: a transport built with
// NewPoolFromClient must not also be given ConnParams, since that
// would leave two different addresses claiming the same Pool value.
func (p *Pool) Bind(params *rbus.ConnParams) error {
	if p.injected && params != nil {
		return fmt.Errorf("%w: pool was constructed from an injected client, use ConnParams on a separate Pool instead", rbus.ErrInvalidPool)
	}
	return nil
}

func (p *Pool) logf(format string, args ...any) {
	logger := p.Logger
	if logger == nil {
		logger = DiscardLogger
	}
	logger.Sugar().Warnf(format, args...)
}
