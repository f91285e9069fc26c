package redistransport

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mna/rbus"
	"github.com/mna/rbus/serialize"
)

// StreamUse selects how event streams are named: one stream per
// (api, event) pair, or one stream shared by every event of an API.
type StreamUse int

const (
	// StreamPerEvent names streams "<api>.<event>:stream".
	StreamPerEvent StreamUse = iota
	// StreamPerAPI names streams "<api>.*:stream"; a decoded message
	// whose event name was not asked for is filtered out on read.
	StreamPerAPI
)

// EventKey names one (api, event) pair a consumer listens for. A Name
// of "*" listens for every event published on API's per-API stream.
type EventKey struct {
	API  string
	Name string
}

func streamName(use StreamUse, api, name string) string {
	if use == StreamPerAPI {
		return api + ".*:stream"
	}
	return api + "." + name + ":stream"
}

// Event implements the Event transport: events are written to redis
// streams and read back through consumer groups, with two cooperating
// loops — fetch (new and pending entries) and reclaim (entries
// abandoned by another consumer) — feeding one handoff channel.
//
// Grounded structurally on the teacher's broker/redisbroker pubsub.go
// (a background goroutine feeding a channel, closed on error, guarded
// by sync.Once) but built against redis Streams/consumer groups
// instead of PUBLISH/SUBSCRIBE, since the spec requires at-least-once,
// acknowledged, redeliverable delivery that plain pub-sub cannot give;
// the XADD/XREADGROUP/XACK/XCLAIM/XPENDING shape itself is grounded on
// sambitmohanty1-payment-watchdog's redis_eventbus.go and
// nuohe369-crab's pkg/mq/internal/redis.go (see DESIGN.md).
type Event struct {
	// prevent unkeyed literals
	_ struct{}

	Pool  *Pool
	Codec *serialize.Codec // must be serialize.KindByField

	ConsumerGroupPrefix string
	ConsumerName        string

	BatchSize        int64
	ReclaimBatchSize int64 // defaults to BatchSize * 10

	AcknowledgementTimeout time.Duration

	// MaxStreamLength trims streams approximately on publish. Nil
	// disables trimming.
	MaxStreamLength *int64

	StreamUse StreamUse

	ConsumptionRestartDelay time.Duration

	// PollInterval bounds how long the main XREADGROUP blocks waiting
	// for new entries before looping to re-check ctx cancellation.
	// Restored from the original implementation's finite Block
	// duration (see SPEC_FULL.md §4.5); it does not change delivery
	// semantics, only how quickly the loop notices cancellation.
	PollInterval time.Duration

	Logger *zap.Logger
	Vars   *expvar.Map
}

// Delivery pairs a decoded Message with the completion signal the
// fetch/reclaim loops block on. It is the spec's own suggested
// cleaner design for the two-step yield/sentinel mechanic described in
// SPEC_FULL.md §4.5: an explicit Ack instead of a second yielded
// value.
type Delivery struct {
	msg       *rbus.Message
	stream    string
	group     string
	transport *Event
	done      chan struct{}
	once      sync.Once
}

// Message returns the decoded event.
func (d *Delivery) Message() *rbus.Message { return d.msg }

// Ack acknowledges the entry to its consumer group and unblocks the
// loop that produced it, which otherwise holds at most one
// outstanding unacknowledged delivery at a time. Calling Ack more than
// once is a no-op.
func (d *Delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		defer close(d.done)

		conn, aerr := d.transport.Pool.Acquire(ctx)
		if aerr != nil {
			err = aerr
			return
		}
		defer conn.Close()
		err = conn.XAck(ctx, d.stream, d.group, d.msg.NativeID).Err()
	})
	return err
}

type streamState struct {
	name      string
	expected  map[string]bool
	useFilter bool
	since     string
}

func (t *Event) groupID(group string) string {
	return t.ConsumerGroupPrefix + "-" + group
}

func (t *Event) consumerName() string {
	if t.ConsumerName == "" {
		return "consumer"
	}
	return t.ConsumerName
}

func (t *Event) batchSize() int64 {
	if t.BatchSize <= 0 {
		return 10
	}
	return t.BatchSize
}

func (t *Event) reclaimBatchSize() int64 {
	if t.ReclaimBatchSize > 0 {
		return t.ReclaimBatchSize
	}
	return t.batchSize() * 10
}

func (t *Event) ackTimeout() time.Duration {
	if t.AcknowledgementTimeout <= 0 {
		return 30 * time.Second
	}
	return t.AcknowledgementTimeout
}

func (t *Event) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return time.Second
	}
	return t.PollInterval
}

func (t *Event) restartDelay() time.Duration {
	if t.ConsumptionRestartDelay <= 0 {
		return time.Second
	}
	return t.ConsumptionRestartDelay
}

// Publish writes msg to the stream named per StreamUse, trimming
// approximately to MaxStreamLength when set.
func (t *Event) Publish(ctx context.Context, msg *rbus.Message) error {
	conn, err := t.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fields, err := t.Codec.EncodeFields(msg)
	if err != nil {
		return fmt.Errorf("rbus/event: encode event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamName(t.StreamUse, msg.API, msg.Name),
		Values: fields,
	}
	if t.MaxStreamLength != nil {
		args.MaxLen = *t.MaxStreamLength
		args.Approx = true
	}

	_, err = conn.XAdd(ctx, args).Result()
	return err
}

// Consume returns a channel of Deliveries for every (api, event) pair
// in listenFor. since holds one value per entry of listenFor (or a
// single value applied to all); each is normalized with
// rbus.NormalizeSince. If forever is false, the loop drains pending
// and currently-available entries once and then closes the channel,
// without starting the reclaim loop.
func (t *Event) Consume(ctx context.Context, listenFor []EventKey, group string, since []any, forever bool) (<-chan *Delivery, error) {
	if len(listenFor) == 0 {
		ch := make(chan *Delivery)
		close(ch)
		return ch, nil
	}

	streams, order := t.buildStreamState(listenFor, since)
	groupID := t.groupID(group)
	consumer := t.consumerName()

	out := make(chan *Delivery)
	var wg sync.WaitGroup
	wg.Add(1)
	go t.fetchLoop(ctx, order, streams, groupID, consumer, forever, out, &wg)
	if forever {
		wg.Add(1)
		go t.reclaimLoop(ctx, order, streams, groupID, consumer, out, &wg)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (t *Event) buildStreamState(listenFor []EventKey, since []any) (map[string]*streamState, []string) {
	streams := make(map[string]*streamState)
	var order []string

	sinceFor := func(i int) any {
		if len(since) == 0 {
			return nil
		}
		if len(since) == 1 {
			return since[0]
		}
		if i < len(since) {
			return since[i]
		}
		return nil
	}

	for i, key := range listenFor {
		name := streamName(t.StreamUse, key.API, key.Name)
		st, ok := streams[name]
		if !ok {
			st = &streamState{
				name:      name,
				expected:  map[string]bool{},
				useFilter: t.StreamUse == StreamPerAPI,
				since:     rbus.NormalizeSince(sinceFor(i)),
			}
			streams[name] = st
			order = append(order, name)
		}
		st.expected[key.Name] = true
	}
	return streams, order
}

// ensureStream seeds a fresh stream with a noop entry so that it
// exists before XGROUP CREATE, then creates the consumer group,
// ignoring BUSYGROUP.
func (t *Event) ensureStream(ctx context.Context, conn Conn, st *streamState, groupID string) error {
	n, err := conn.Exists(ctx, st.name).Result()
	if err != nil {
		return fmt.Errorf("rbus/event: EXISTS %s: %w", st.name, err)
	}
	if n == 0 {
		if err := conn.XAdd(ctx, &redis.XAddArgs{
			Stream: st.name,
			ID:     "*",
			Values: map[string]any{"": ""},
		}).Err(); err != nil {
			return fmt.Errorf("rbus/event: seed noop entry on %s: %w", st.name, err)
		}
	}

	err = conn.XGroupCreate(ctx, st.name, groupID, st.since).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("rbus/event: XGROUP CREATE %s: %w", st.name, err)
	}
	return nil
}

func (t *Event) fetchLoop(ctx context.Context, order []string, streams map[string]*streamState, groupID, consumer string, forever bool, out chan<- *Delivery, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.Pool.Acquire(ctx)
		if err != nil {
			return
		}

		restart := false
		for _, name := range order {
			if err := t.ensureStream(ctx, conn, streams[name], groupID); err != nil {
				t.logf("rbus/event: fetch: %v", err)
			}
		}

		if err := t.drainPending(ctx, conn, order, streams, groupID, consumer, out); err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logf("rbus/event: fetch: pending drain failed: %v, reconnecting in %s", err, t.restartDelay())
			if !t.sleepOrDone(ctx, t.restartDelay()) {
				return
			}
			continue
		}

		for {
			if ctx.Err() != nil {
				return
			}

			res, err := conn.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    groupID,
				Consumer: consumer,
				Streams:  readArgs(order, ">"),
				Count:    t.batchSize(),
				Block:    t.pollInterval(),
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					if !forever {
						return
					}
					continue
				}
				if ctx.Err() != nil {
					return
				}
				t.logf("rbus/event: fetch: %v, reconnecting in %s", err, t.restartDelay())
				if !t.sleepOrDone(ctx, t.restartDelay()) {
					return
				}
				restart = true
				break
			}

			for _, s := range res {
				st := streams[s.Stream]
				for _, xm := range s.Messages {
					if !t.emit(ctx, s.Stream, groupID, xm, st, out, conn) {
						return
					}
				}
			}

			if !forever {
				return
			}
		}
		if restart {
			continue
		}
	}
}

func (t *Event) drainPending(ctx context.Context, conn Conn, order []string, streams map[string]*streamState, groupID, consumer string, out chan<- *Delivery) error {
	res, err := conn.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupID,
		Consumer: consumer,
		Streams:  readArgs(order, "0"),
		Count:    t.batchSize(),
		// Block < 0 omits the BLOCK option entirely: redis returns
		// whatever is already pending and nothing more, rather than
		// waiting (BLOCK 0 would mean "block forever", the opposite
		// of the spec's "timeout=None meaning return immediately").
		Block: -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, s := range res {
		st := streams[s.Stream]
		for _, xm := range s.Messages {
			if !t.emit(ctx, s.Stream, groupID, xm, st, out, conn) {
				return ctx.Err()
			}
		}
	}
	return nil
}

func (t *Event) reclaimLoop(ctx context.Context, order []string, streams map[string]*streamState, groupID, consumer string, out chan<- *Delivery, wg *sync.WaitGroup) {
	defer wg.Done()

	if !t.sleepOrDone(ctx, t.ackTimeout()) {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.Pool.Acquire(ctx)
		if err != nil {
			return
		}

		for _, name := range order {
			st := streams[name]
			pending, err := conn.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: name,
				Group:  groupID,
				Start:  "-",
				End:    "+",
				Count:  t.reclaimBatchSize(),
			}).Result()
			if err != nil {
				t.logf("rbus/event: reclaim: XPENDING %s: %v", name, err)
				continue
			}

			var ids []string
			for _, p := range pending {
				if p.Idle >= t.ackTimeout() {
					ids = append(ids, p.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}

			claimed, err := conn.XClaim(ctx, &redis.XClaimArgs{
				Stream:   name,
				Group:    groupID,
				Consumer: consumer,
				MinIdle:  t.ackTimeout(),
				Messages: ids,
			}).Result()
			if err != nil {
				t.logf("rbus/event: reclaim: XCLAIM %s: %v", name, err)
				continue
			}
			if t.Vars != nil && len(claimed) > 0 {
				t.Vars.Add("ReclaimedEvents", int64(len(claimed)))
			}

			for _, xm := range claimed {
				if !t.emit(ctx, name, groupID, xm, st, out, conn) {
					return
				}
			}
		}

		if !t.sleepOrDone(ctx, t.ackTimeout()) {
			return
		}
	}
}

// emit decodes one stream entry and, unless it is a noop seed or
// filtered out, hands it to out and blocks until the caller acks it.
// It returns false when ctx was cancelled while waiting.
func (t *Event) emit(ctx context.Context, stream, groupID string, xm redis.XMessage, st *streamState, out chan<- *Delivery, conn Conn) bool {
	fields := make(map[string]string, len(xm.Values))
	for k, v := range xm.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}

	msg, err := t.Codec.DecodeFields(fields, xm.ID)
	if err != nil {
		t.logf("rbus/event: failed to decode entry %s on %s: %v", xm.ID, stream, err)
		if t.Vars != nil {
			t.Vars.Add("EventDecodeErrors", 1)
		}
		return true
	}
	if msg == nil {
		// noop seed entry: ack it so it is never redelivered or
		// mistaken for a lost message by the reclaim loop.
		conn.XAck(ctx, stream, groupID, xm.ID)
		return true
	}

	if st != nil && st.useFilter && !st.expected[msg.Name] && !st.expected["*"] {
		conn.XAck(ctx, stream, groupID, xm.ID)
		if t.Vars != nil {
			t.Vars.Add("FilteredEvents", 1)
		}
		t.logf("rbus/event: debug: filtered %s.%s, not in expected set for %s", msg.API, msg.Name, stream)
		return true
	}

	d := &Delivery{msg: msg, stream: stream, group: groupID, transport: t, done: make(chan struct{})}
	select {
	case out <- d:
	case <-ctx.Done():
		return false
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		return false
	}
	return true
}

func (t *Event) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func readArgs(streams []string, id string) []string {
	out := make([]string, 0, len(streams)*2)
	out = append(out, streams...)
	for range streams {
		out = append(out, id)
	}
	return out
}

func (t *Event) logf(format string, args ...any) {
	logger := t.Logger
	if logger == nil {
		logger = DiscardLogger
	}
	logger.Sugar().Infof(format, args...)
}
