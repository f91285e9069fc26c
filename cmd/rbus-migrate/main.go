// Command rbus-migrate registers the JSON schema files of one or more
// APIs into the Schema transport. It also keeps a small relational
// bootstrap (schema_registrations, outbox_events) up to date via
// golang-migrate, since rbus-outbox-relay depends on that table
// existing, and guards concurrent registration runs across replicas
// with a redsync distributed lock.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mna/rbus/redistransport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "rbus-migrate [schema-dir]",
		Short: "Bootstrap the relational tables and register API schemas.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v, args[0])
		},
	}

	flags := cmd.Flags()
	flags.String("redis", "redis://127.0.0.1:6379/0", "Redis connection address.")
	flags.String("postgres-dsn", "", "Postgres DSN backing the bootstrap tables.")
	flags.String("migrations-dir", "migrations", "Directory of golang-migrate SQL migration files.")
	flags.Duration("lock-expiry", 30*time.Second, "Redsync lock expiry while registering schemas.")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("RBUS")
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper, schemaDir string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("rbus-migrate: build logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{Addr: stripScheme(v.GetString("redis"))})
	defer redisClient.Close()

	pool := goredis.NewPool(redisClient)
	rs := redsync.New(pool)
	mu := rs.NewMutex("rbus-migrate", redsync.WithExpiry(v.GetDuration("lock-expiry")))
	if err := mu.LockContext(ctx); err != nil {
		return fmt.Errorf("rbus-migrate: another replica is already registering schemas: %w", err)
	}
	defer mu.UnlockContext(ctx)

	if dsn := v.GetString("postgres-dsn"); dsn != "" {
		if err := runRelationalMigrations(logger, dsn, v.GetString("migrations-dir")); err != nil {
			return err
		}
	} else {
		logger.Sugar().Warn("no --postgres-dsn given, skipping relational bootstrap")
	}

	schema := &redistransport.Schema{Pool: redistransport.NewPoolFromClient(redisClient)}
	return registerSchemas(ctx, logger, schema, schemaDir)
}

func runRelationalMigrations(logger *zap.Logger, dsn, migrationsDir string) error {
	gdb, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("rbus-migrate: open postgres: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("rbus-migrate: acquire *sql.DB: %w", err)
	}

	driver, err := migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("rbus-migrate: postgres migrate driver: %w", err)
	}

	absDir, err := filepath.Abs(migrationsDir)
	if err != nil {
		return fmt.Errorf("rbus-migrate: resolve migrations dir: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("rbus-migrate: create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("rbus-migrate: run migrations: %w", err)
	}
	logger.Info("relational bootstrap up to date")
	return nil
}

func registerSchemas(ctx context.Context, logger *zap.Logger, schema *redistransport.Schema, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("rbus-migrate: read schema dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		api := strings.TrimSuffix(e.Name(), ".json")

		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("rbus-migrate: read %s: %w", e.Name(), err)
		}

		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("rbus-migrate: %s is not valid json: %w", e.Name(), err)
		}

		sum := sha256.Sum256(b)
		logger.Sugar().Infof("registering schema for %s (sha256:%s)", api, hex.EncodeToString(sum[:])[:12])

		if err := schema.Store(ctx, api, doc, 0); err != nil {
			return fmt.Errorf("rbus-migrate: store schema for %s: %w", api, err)
		}
	}
	return nil
}

func stripScheme(addr string) string {
	for _, prefix := range []string{"redis://", "rediss://"} {
		if strings.HasPrefix(addr, prefix) {
			addr = strings.TrimPrefix(addr, prefix)
			break
		}
	}
	if i := strings.Index(addr, "/"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}
