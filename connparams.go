package rbus

// ConnParams configures how a transport lazily builds its redis pool.
// It is read only at transport construction; mutating it afterwards
// has no effect, matching the spec's "mutated only at transport
// construction; thereafter read-only" rule.
type ConnParams struct {
	// Address is a redis URL, e.g. "redis://localhost:6379/0".
	Address string

	// MaxSize bounds the pool. Zero means the redis client's own
	// default (go-redis: 10 * GOMAXPROCS).
	MaxSize int
}
