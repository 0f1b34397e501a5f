package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/esinanturan/polar/core"
	"github.com/spf13/pflag"
)

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestSettings_EnvFillsUnsetFlags(t *testing.T) {
	flags := pflag.NewFlagSet("grantsd", pflag.ContinueOnError)
	s := &settings{}
	s.bindFlags(flags)
	if err := flags.Parse([]string{"--db-dsn", "postgres://flag"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	err := s.applyEnv(flags, lookupFrom(map[string]string{
		"GRANTS_DB_DRIVER":   "sqlite",
		"GRANTS_DB_DSN":      "file:ignored",
		"GRANTS_LOG_CONSOLE": "true",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if s.DBDSN != "postgres://flag" {
		t.Fatalf("expected explicit flag to win, got %q", s.DBDSN)
	}
	if s.DBDriver != "sqlite" || !s.LogConsole {
		t.Fatalf("expected env values for unset flags, got %+v", s)
	}
	if s.MetricsAddr != ":9464" || s.LogLevel != "info" {
		t.Fatalf("expected defaults, got %+v", s)
	}
}

func TestSettings_RejectsMalformedBool(t *testing.T) {
	s := &settings{}
	err := s.applyEnv(nil, lookupFrom(map[string]string{"GRANTS_DB_DEBUG": "sometimes"}))
	if err == nil || !strings.Contains(err.Error(), "GRANTS_DB_DEBUG") {
		t.Fatalf("expected malformed bool error, got %v", err)
	}
}

func TestEnvConfigLoader_BuildsNestedConfig(t *testing.T) {
	loader := envConfigLoader{lookup: lookupFrom(map[string]string{
		"GRANTS_RETRY_MAX_ATTEMPTS":   "7",
		"GRANTS_RETRY_MAX_BACKOFF":    "10m",
		"GRANTS_SWEEP_ENABLED":        "false",
		"GRANTS_OUTBOX_POLL_INTERVAL": " 500ms ",
		"GRANTS_SERVICE_NAME":         "",
	})}
	raw, err := loader.LoadRaw(context.Background())
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	retry, ok := raw["retry"].(map[string]any)
	if !ok {
		t.Fatalf("expected retry section, got %#v", raw)
	}
	if retry["max_attempts"] != 7 || retry["max_backoff"] != 10*time.Minute {
		t.Fatalf("unexpected retry section %#v", retry)
	}
	if raw["sweep"].(map[string]any)["enabled"] != false {
		t.Fatalf("expected sweep disabled, got %#v", raw["sweep"])
	}
	if raw["outbox"].(map[string]any)["poll_interval"] != 500*time.Millisecond {
		t.Fatalf("expected trimmed duration, got %#v", raw["outbox"])
	}
	if _, ok := raw["service_name"]; ok {
		t.Fatalf("expected blank values to be skipped")
	}
}

func TestEnvConfigLoader_ReportsEveryBadValue(t *testing.T) {
	loader := envConfigLoader{lookup: lookupFrom(map[string]string{
		"GRANTS_RETRY_MAX_ATTEMPTS": "many",
		"GRANTS_RUNNER_LOCK_TTL":    "forever",
	})}
	_, err := loader.LoadRaw(context.Background())
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	for _, key := range []string{"GRANTS_RETRY_MAX_ATTEMPTS", "GRANTS_RUNNER_LOCK_TTL"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in %v", key, err)
		}
	}
}

func TestEnvConfigLoader_FeedsCfgxProvider(t *testing.T) {
	loader := envConfigLoader{lookup: lookupFrom(map[string]string{
		"GRANTS_OUTBOX_BATCH_SIZE": "10",
	})}
	cfg, err := core.NewCfgxConfigProvider(loader).Load(context.Background(), core.DefaultConfig())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Outbox.BatchSize != 10 {
		t.Fatalf("expected batch size from env, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.Retry.MaxAttempts != core.DefaultConfig().Retry.MaxAttempts {
		t.Fatalf("expected untouched defaults, got %+v", cfg.Retry)
	}
}

func TestResolveDriver(t *testing.T) {
	driver, sqlDriver, dialect, migrationDialect, err := resolveDriver("SQLite3")
	if err != nil {
		t.Fatalf("resolve sqlite: %v", err)
	}
	if driver != driverSQLite || sqlDriver != "sqlite3" || dialect == nil || migrationDialect != "sqlite" {
		t.Fatalf("unexpected sqlite resolution %q %q %q", driver, sqlDriver, migrationDialect)
	}
	if driver, _, _, _, err = resolveDriver(""); err != nil || driver != driverPostgres {
		t.Fatalf("expected postgres default, got %q %v", driver, err)
	}
	if _, _, _, _, err = resolveDriver("mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version", "--env-file", ""})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "grantsd "+Version) {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
