package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const envPrefix = "GRANTS_"

// settings are the daemon level knobs. Engine configuration is read
// separately through envConfigLoader.
type settings struct {
	EnvFile     string
	DBDriver    string
	DBDSN       string
	DBDebug     bool
	MetricsAddr string
	LogLevel    string
	LogConsole  bool
}

func (s *settings) bindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&s.EnvFile, "env-file", ".env", "dotenv file loaded before reading GRANTS_* variables")
	flags.StringVar(&s.DBDriver, "db-driver", "", "database driver: postgres or sqlite (GRANTS_DB_DRIVER)")
	flags.StringVar(&s.DBDSN, "db-dsn", "", "database connection string (GRANTS_DB_DSN)")
	flags.BoolVar(&s.DBDebug, "db-debug", false, "log SQL statements (GRANTS_DB_DEBUG)")
	flags.StringVar(&s.MetricsAddr, "metrics-addr", "", "address for the /metrics endpoint (GRANTS_METRICS_ADDR)")
	flags.StringVar(&s.LogLevel, "log-level", "", "trace, debug, info, warn or error (GRANTS_LOG_LEVEL)")
	flags.BoolVar(&s.LogConsole, "log-console", false, "human readable log output (GRANTS_LOG_CONSOLE)")
}

// load reads the dotenv file, then fills every flag the user did not set
// from the environment.
func (s *settings) load(flags *pflag.FlagSet) error {
	if s.EnvFile != "" {
		if err := godotenv.Load(s.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("grantsd: load %s: %w", s.EnvFile, err)
		}
	}
	return s.applyEnv(flags, os.LookupEnv)
}

func (s *settings) applyEnv(flags *pflag.FlagSet, lookup func(string) (string, bool)) error {
	fromEnv := func(flag, key string, apply func(string) error) error {
		if flags != nil && flags.Changed(flag) {
			return nil
		}
		value, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(value) == "" {
			return nil
		}
		if err := apply(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("grantsd: %s%s: %w", envPrefix, key, err)
		}
		return nil
	}
	setString := func(target *string) func(string) error {
		return func(value string) error {
			*target = value
			return nil
		}
	}
	setBool := func(target *bool) func(string) error {
		return func(value string) error {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*target = parsed
			return nil
		}
	}

	steps := []error{
		fromEnv("db-driver", "DB_DRIVER", setString(&s.DBDriver)),
		fromEnv("db-dsn", "DB_DSN", setString(&s.DBDSN)),
		fromEnv("db-debug", "DB_DEBUG", setBool(&s.DBDebug)),
		fromEnv("metrics-addr", "METRICS_ADDR", setString(&s.MetricsAddr)),
		fromEnv("log-level", "LOG_LEVEL", setString(&s.LogLevel)),
		fromEnv("log-console", "LOG_CONSOLE", setBool(&s.LogConsole)),
	}
	if err := errors.Join(steps...); err != nil {
		return err
	}

	if s.DBDriver == "" {
		s.DBDriver = driverPostgres
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = ":9464"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	return nil
}

type envValueKind int

const (
	envString envValueKind = iota
	envInt
	envBool
	envDuration
)

type envBinding struct {
	key  string
	path []string
	kind envValueKind
}

// engineEnvBindings maps GRANTS_* variables onto the engine config tree.
var engineEnvBindings = []envBinding{
	{key: "SERVICE_NAME", path: []string{"service_name"}, kind: envString},
	{key: "RUNNER_LOCK_TTL", path: []string{"runner", "lock_ttl"}, kind: envDuration},
	{key: "RUNNER_LOCK_RETRY_DELAY", path: []string{"runner", "lock_retry_delay"}, kind: envDuration},
	{key: "RUNNER_STORE_RETRY_DELAY", path: []string{"runner", "store_retry_delay"}, kind: envDuration},
	{key: "RETRY_MAX_ATTEMPTS", path: []string{"retry", "max_attempts"}, kind: envInt},
	{key: "RETRY_INITIAL_BACKOFF", path: []string{"retry", "initial_backoff"}, kind: envDuration},
	{key: "RETRY_MAX_BACKOFF", path: []string{"retry", "max_backoff"}, kind: envDuration},
	{key: "OUTBOX_BATCH_SIZE", path: []string{"outbox", "batch_size"}, kind: envInt},
	{key: "OUTBOX_CONCURRENCY", path: []string{"outbox", "concurrency"}, kind: envInt},
	{key: "OUTBOX_STALE_AFTER", path: []string{"outbox", "stale_after"}, kind: envDuration},
	{key: "OUTBOX_POLL_INTERVAL", path: []string{"outbox", "poll_interval"}, kind: envDuration},
	{key: "SWEEP_ENABLED", path: []string{"sweep", "enabled"}, kind: envBool},
	{key: "SWEEP_SCHEDULE", path: []string{"sweep", "schedule"}, kind: envString},
	{key: "METER_CREDIT_RETRY_DELAY", path: []string{"meter_credit", "retry_delay"}, kind: envDuration},
}

// envConfigLoader is a core.RawConfigLoader over the process environment.
type envConfigLoader struct {
	lookup func(string) (string, bool)
}

func newEnvConfigLoader() envConfigLoader {
	return envConfigLoader{lookup: os.LookupEnv}
}

func (l envConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw := map[string]any{}
	var errs []error
	for _, binding := range engineEnvBindings {
		value, ok := lookup(envPrefix + binding.key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parsed, err := parseEnvValue(strings.TrimSpace(value), binding.kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("grantsd: %s%s: %w", envPrefix, binding.key, err))
			continue
		}
		setPath(raw, binding.path, parsed)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return raw, nil
}

func parseEnvValue(value string, kind envValueKind) (any, error) {
	switch kind {
	case envInt:
		return strconv.Atoi(value)
	case envBool:
		return strconv.ParseBool(value)
	case envDuration:
		return time.ParseDuration(value)
	default:
		return value, nil
	}
}

func setPath(root map[string]any, path []string, value any) {
	node := root
	for _, segment := range path[:len(path)-1] {
		next, ok := node[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[segment] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
}
