package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	polar "github.com/esinanturan/polar"
	"github.com/esinanturan/polar/adapters/gocommand"
	"github.com/esinanturan/polar/adapters/gologger"
	"github.com/esinanturan/polar/adapters/prom"
	"github.com/esinanturan/polar/adapters/zlog"
	"github.com/esinanturan/polar/core"
	grantmigrations "github.com/esinanturan/polar/migrations"
	sqlstore "github.com/esinanturan/polar/store/sql"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type persistenceConfig struct {
	driver string
	dsn    string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.dsn }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "grantsd" }

// runtime holds everything a subcommand needs once the database is reachable.
type runtime struct {
	settings      *settings
	client        *persistence.Client
	logs          gologger.Bridge
	registry      *prometheus.Registry
	engine        *polar.Engine
	facade        *polar.Facade
	subscriptions []commanddispatcher.Subscription
}

func newLogBridge(s *settings) gologger.Bridge {
	provider := zlog.New(zlog.Config{Level: s.LogLevel, Console: s.LogConsole})
	return gologger.NewBridge(provider, nil)
}

// openClient connects to the configured database, waiting for it to accept
// connections, and registers the grant migrations for its dialect.
func openClient(ctx context.Context, s *settings, logs gologger.Bridge) (*persistence.Client, error) {
	driver, sqlDriver, dialect, migrationDialect, err := resolveDriver(s.DBDriver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.DBDSN) == "" {
		return nil, fmt.Errorf("grantsd: database dsn is required (--db-dsn or GRANTS_DB_DSN)")
	}

	sqlDB, err := sql.Open(sqlDriver, s.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("grantsd: open %s: %w", driver, err)
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	logger := logs.Component("db")
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return sqlDB.PingContext(pingCtx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready", "driver", driver, "retry_in", wait.String(), "error", err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Minute
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("grantsd: database unreachable: %w", err)
	}

	client, err := persistence.New(persistenceConfig{driver: sqlDriver, dsn: s.DBDSN, debug: s.DBDebug}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("grantsd: persistence client: %w", err)
	}

	_, err = grantmigrations.Register(ctx,
		grantmigrations.OnlyDialect(migrationDialect, func(fsys fs.FS) {
			client.RegisterSQLMigrations(fsys)
		}),
		grantmigrations.WithValidationTargets(migrationDialect),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func resolveDriver(name string) (driver string, sqlDriver string, dialect schema.Dialect, migrationDialect string, err error) {
	if strings.TrimSpace(name) == "" {
		name = driverPostgres
	}
	migrationDialect, err = grantmigrations.ResolveDialect(name)
	if err != nil {
		return "", "", nil, "", fmt.Errorf("grantsd: unsupported database driver %q", name)
	}
	if migrationDialect == grantmigrations.DialectSQLite {
		return driverSQLite, "sqlite3", sqlitedialect.New(), migrationDialect, nil
	}
	return driverPostgres, "postgres", pgdialect.New(), migrationDialect, nil
}

// newRuntime wires stores, engine, facade and command bus. Callers must call
// Close.
func newRuntime(ctx context.Context, s *settings) (*runtime, error) {
	logs := newLogBridge(s)
	client, err := openClient(ctx, s, logs)
	if err != nil {
		return nil, err
	}
	rt := &runtime{settings: s, client: client, logs: logs, registry: prometheus.NewRegistry()}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		rt.Close()
		return nil, err
	}

	engine, err := polar.NewEngine(polar.Config{},
		polar.WithRepositoryFactory(factory),
		polar.WithGrantLocker(factory.GrantLocker()),
		polar.WithLoggerProvider(logs.Provider),
		polar.WithMetricsRecorder(prom.NewRecorder(rt.registry)),
		polar.WithConfigProvider(core.NewCfgxConfigProvider(newEnvConfigLoader())),
		polar.WithFatalTaskHook(fatalTaskLogger{logger: logs.Component("tasks")}),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine

	facade, err := polar.NewFacade(engine)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.facade = facade

	adapter := gocommand.NewRegistryAdapter(command.NewRegistry())
	subscriptions, err := gocommand.RegisterFacade(adapter, facade)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.subscriptions = subscriptions
	if err := adapter.Initialize(); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	gocommand.Unsubscribe(rt.subscriptions)
	rt.subscriptions = nil
	if rt.client != nil {
		_ = rt.client.Close()
	}
}

type fatalTaskLogger struct {
	logger core.Logger
}

func (h fatalTaskLogger) OnFatalTask(_ context.Context, task core.GrantTask, err error) {
	h.logger.Error("grant task failed permanently",
		"task_id", task.ID,
		"task_kind", string(task.Kind),
		"attempt", task.Attempt,
		"error", err,
	)
}
