// Command rbus-outbox-relay polls a Postgres outbox_events table and
// republishes unsent rows through the Event transport. It grounds the
// "optional transactional outbox" collaborator the spec names but
// deliberately leaves unspecified: a producer writes its event and its
// business-data change in the same Postgres transaction, and this
// relay is the only thing that ever talks to redis on the producer's
// behalf, so a crash between the two writes can't lose the event.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mna/rbus"
	"github.com/mna/rbus/redistransport"
	"github.com/mna/rbus/serialize"
)

// outboxEvent mirrors the outbox_events table created by
// cmd/rbus-migrate's bootstrap SQL.
type outboxEvent struct {
	ID        int64 `gorm:"primaryKey"`
	API       string
	Name      string
	Args      json.RawMessage `gorm:"type:jsonb"`
	Meta      json.RawMessage `gorm:"type:jsonb"`
	CreatedAt time.Time
	SentAt    *time.Time
}

func (outboxEvent) TableName() string { return "outbox_events" }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "rbus-outbox-relay",
		Short: "Relay unsent outbox_events rows onto the event transport.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("redis", "redis://127.0.0.1:6379/0", "Redis connection address.")
	flags.String("postgres-dsn", "", "Postgres DSN holding the outbox_events table.")
	flags.Duration("poll-interval", 2*time.Second, "How often to poll for unsent rows.")
	flags.Int("batch-size", 100, "Maximum unsent rows fetched per poll.")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("RBUS")
	v.AutomaticEnv()
	cmd.MarkFlagRequired("postgres-dsn")

	return cmd
}

func run(v *viper.Viper) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("rbus-outbox-relay: build logger: %w", err)
	}
	defer logger.Sync()

	gdb, err := gorm.Open(postgres.Open(v.GetString("postgres-dsn")), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("rbus-outbox-relay: open postgres: %w", err)
	}

	pool := redistransport.NewPool(rbus.ConnParams{Address: v.GetString("redis")})
	defer pool.Close()

	ev := &redistransport.Event{
		Pool:   pool,
		Codec:  serialize.New(serialize.KindByField),
		Logger: logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(v.GetDuration("poll-interval"))
	defer ticker.Stop()

	for {
		if err := relayOnce(ctx, logger, gdb, ev, v.GetInt("batch-size")); err != nil {
			logger.Sugar().Errorf("relay pass failed: %v", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func relayOnce(ctx context.Context, logger *zap.Logger, gdb *gorm.DB, ev *redistransport.Event, batchSize int) error {
	var rows []outboxEvent
	if err := gdb.WithContext(ctx).
		Where("sent_at IS NULL").
		Order("created_at ASC").
		Limit(batchSize).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("query unsent rows: %w", err)
	}

	for _, row := range rows {
		var args map[string]any
		if err := json.Unmarshal(row.Args, &args); err != nil {
			logger.Sugar().Errorf("outbox row %d has invalid args json, skipping: %v", row.ID, err)
			continue
		}

		msg := rbus.NewMessage(row.API, row.Name, args)
		if len(row.Meta) > 0 {
			_ = json.Unmarshal(row.Meta, &msg.Meta)
		}

		if err := ev.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish outbox row %d: %w", row.ID, err)
		}

		now := time.Now()
		if err := gdb.WithContext(ctx).Model(&outboxEvent{}).
			Where("id = ?", row.ID).
			Update("sent_at", now).Error; err != nil {
			return fmt.Errorf("mark outbox row %d sent: %w", row.ID, err)
		}
	}
	return nil
}
