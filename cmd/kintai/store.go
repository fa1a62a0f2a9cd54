package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/credentials"
	"github.com/k2tzumi/hue-kintai-slask-command/migrations"
	"github.com/k2tzumi/hue-kintai-slask-command/scheduler"
	"github.com/k2tzumi/hue-kintai-slask-command/store/memory"
	"github.com/k2tzumi/hue-kintai-slask-command/store/redis"
	sqlstore "github.com/k2tzumi/hue-kintai-slask-command/store/sql"
)

// storage is the record store plus the credential backend for one driver.
type storage struct {
	records     scheduler.RegistrationStore
	credentials core.CredentialStore
	ping        func(ctx context.Context) error
	close       func() error
}

func (s storage) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "kintai" }

func openStorage(ctx context.Context, cfg core.StoreConfig, recordTTL time.Duration) (storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case core.StoreDriverMemory, "":
		records := memory.NewStore(recordTTL)
		return recordStorage(records, nil, func() error { return nil })
	case core.StoreDriverRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		records := redis.New(client, redis.WithKeyPrefix(cfg.KeyPrefix), redis.WithDefaultTTL(recordTTL))
		if err := records.Ping(ctx); err != nil {
			_ = client.Close()
			return storage{}, fmt.Errorf("kintai: connect redis %s: %w", cfg.RedisAddr, err)
		}
		return recordStorage(records, records.Ping, client.Close)
	case core.StoreDriverSQLite:
		return openSQL(ctx, cfg, "sqlite3", sqlitedialect.New(), recordTTL)
	case core.StoreDriverPostgres:
		return openSQL(ctx, cfg, "postgres", pgdialect.New(), recordTTL)
	default:
		return storage{}, fmt.Errorf("kintai: unsupported store driver %q", cfg.Driver)
	}
}

// recordStorage keeps credentials in the record store itself.
func recordStorage(records scheduler.RegistrationStore, ping func(context.Context) error, closeFn func() error) (storage, error) {
	backend, err := credentials.NewRecordBackend(records, credentials.DefaultRecordTTL)
	if err != nil {
		_ = closeFn()
		return storage{}, err
	}
	return storage{records: records, credentials: backend, ping: ping, close: closeFn}, nil
}

func openSQL(ctx context.Context, cfg core.StoreConfig, driver string, dialect schema.Dialect, recordTTL time.Duration) (storage, error) {
	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return storage{}, fmt.Errorf("kintai: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driver, server: cfg.DSN, debug: cfg.Debug}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return storage{}, fmt.Errorf("kintai: persistence client: %w", err)
	}
	schemaFS, err := migrations.ForDriver(driver)
	if err == nil {
		client.RegisterSQLMigrations(schemaFS)
		err = client.Migrate(ctx)
	}
	if err != nil {
		_ = client.Close()
		return storage{}, fmt.Errorf("kintai: migrate %s: %w", driver, err)
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, recordTTL)
	if err != nil {
		_ = client.Close()
		return storage{}, err
	}
	return storage{
		records:     factory.RecordStore(),
		credentials: factory.CredentialStore(),
		ping:        factory.DB().PingContext,
		close:       client.Close,
	}, nil
}
