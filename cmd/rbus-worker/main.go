// Command rbus-worker starts the event and RPC consumers side by side,
// the way juggler-callee starts a callee loop: one process, several
// goroutines draining transports and invoking registered handlers.
package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mna/rbus"
	"github.com/mna/rbus/redistransport"
	"github.com/mna/rbus/serialize"
)

var vars = expvar.NewMap("rbus-worker")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "rbus-worker",
		Short: "Consume RPC calls and events for one or more APIs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("redis", "redis://127.0.0.1:6379/0", "Redis connection address.")
	flags.StringSlice("apis", nil, "APIs to consume RPC calls for.")
	flags.StringSlice("events", nil, "api.event pairs to consume; an event of '*' reads the API's shared api.*:stream.")
	flags.String("consumer-group", "rbus-worker", "Consumer group name shared by every worker replica.")
	flags.String("consumer-name", hostnameOrDefault(), "Consumer name, must be unique within the group.")
	flags.Int("metrics-port", 9100, "Port serving Prometheus metrics and expvar counters.")
	flags.Duration("ack-timeout", 30*time.Second, "How long a delivery may stay unacked before it is reclaimed.")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("RBUS")
	v.AutomaticEnv()

	return cmd
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "rbus-worker"
	}
	return h
}

func run(v *viper.Viper) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("rbus-worker: build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool := redistransport.NewPool(rbus.ConnParams{Address: v.GetString("redis")})
	defer pool.Close()

	registerPrometheusBridge(vars)
	metricsPort := v.GetInt("metrics-port")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/debug/vars", expvar.Handler())
		logger.Sugar().Infof("serving metrics on :%d", metricsPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", metricsPort), mux); err != nil && err != http.ErrServerClosed {
			logger.Sugar().Errorf("metrics server: %v", err)
		}
	}()

	var wg sync.WaitGroup

	if apis := v.GetStringSlice("apis"); len(apis) > 0 {
		rpc := &redistransport.RPC{
			Pool:   pool,
			Codec:  serialize.New(serialize.KindBlob),
			Logger: logger,
			Vars:   vars,
		}
		result := &redistransport.Result{
			Pool:      pool,
			Codec:     serialize.New(serialize.KindBlob),
			ResultTTL: 10 * time.Minute,
			Logger:    logger,
		}

		calls, err := rpc.Consume(ctx, apis)
		if err != nil {
			return fmt.Errorf("rbus-worker: consume RPC: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for call := range calls {
				handleCall(ctx, logger, rpc, result, call)
			}
		}()
	}

	if events := v.GetStringSlice("events"); len(events) > 0 {
		keys, err := parseEventKeys(events)
		if err != nil {
			return err
		}

		ev := &redistransport.Event{
			Pool:                   pool,
			Codec:                  serialize.New(serialize.KindByField),
			ConsumerGroupPrefix:    v.GetString("consumer-group"),
			ConsumerName:           v.GetString("consumer-name"),
			AcknowledgementTimeout: v.GetDuration("ack-timeout"),
			Logger:                 logger,
			Vars:                   vars,
		}

		deliveries, err := ev.Consume(ctx, keys, v.GetString("consumer-group"), nil, true)
		if err != nil {
			return fmt.Errorf("rbus-worker: consume events: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				msg := d.Message()
				logger.Sugar().Infof("event %s.%s %s", msg.API, msg.Name, msg.ID)
				if err := d.Ack(ctx); err != nil {
					logger.Sugar().Errorf("ack event %s: %v", msg.ID, err)
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

func handleCall(ctx context.Context, logger *zap.Logger, rpc *redistransport.RPC, result *redistransport.Result, call *rbus.Message) {
	logger.Sugar().Infof("received call %s.%s %s", call.API, call.Name, call.ID)

	err := rpc.InvokeAndStoreResult(ctx, call, result, func(call *rbus.Message) (map[string]any, error) {
		reply := call.Clone()
		reply.Meta["handled-by"] = "rbus-worker"
		return reply.Args, nil
	})
	if errors.Is(err, rbus.ErrCallExpired) {
		logger.Sugar().Warnf("call %s expired before a result could be stored", call.ID)
		return
	}
	if err != nil {
		logger.Sugar().Errorf("send result for %s: %v", call.ID, err)
	}
}

func parseEventKeys(raw []string) ([]redistransport.EventKey, error) {
	keys := make([]redistransport.EventKey, 0, len(raw))
	for _, r := range raw {
		api, name, ok := strings.Cut(r, ".")
		if !ok {
			return nil, fmt.Errorf("rbus-worker: invalid --events entry %q, want api.event", r)
		}
		keys = append(keys, redistransport.EventKey{API: api, Name: name})
	}
	return keys, nil
}

// registerPrometheusBridge exposes the sum of every integer counter in
// m as a single Prometheus gauge, recomputed on each scrape. It keeps the transports
// themselves free of a direct Prometheus import: only this binary
// boundary bridges expvar to Prometheus.
func registerPrometheusBridge(m *expvar.Map) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "rbus",
		Name:      "worker_counters_total",
		Help:      "Sum of every expvar counter tracked by this worker, for liveness only; see /debug/vars for the breakdown.",
	}, func() float64 {
		var total float64
		m.Do(func(kv expvar.KeyValue) {
			if f, ok := kv.Value.(*expvar.Int); ok {
				total += float64(f.Value())
			}
		})
		return total
	}))
}
