// Package zlog backs the glog logging contracts with zerolog.
package zlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	Output  io.Writer
}

// Logger implements glog.Logger and glog.FieldsLogger.
type Logger struct {
	zl zerolog.Logger
}

// Provider hands out loggers tagged with their component name.
type Provider struct {
	root zerolog.Logger
}

func New(cfg Config) *Provider {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return &Provider{root: zerolog.New(out).Level(level).With().Timestamp().Logger()}
}

func FromZerolog(zl zerolog.Logger) *Provider {
	return &Provider{root: zl}
}

func (p *Provider) GetLogger(name string) glog.Logger {
	if p == nil {
		return glog.Nop()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return &Logger{zl: p.root}
	}
	return &Logger{zl: p.root.With().Str("logger", name).Logger()}
}

func (l *Logger) Trace(msg string, args ...any) { l.log(zerolog.TraceLevel, msg, args) }
func (l *Logger) Debug(msg string, args ...any) { l.log(zerolog.DebugLevel, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(zerolog.InfoLevel, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(zerolog.WarnLevel, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.log(zerolog.ErrorLevel, msg, args) }

// Fatal logs at fatal level without exiting the process.
func (l *Logger) Fatal(msg string, args ...any) { l.log(zerolog.FatalLevel, msg, args) }

func (l *Logger) WithContext(ctx context.Context) glog.Logger {
	if ctx == nil {
		return l
	}
	return &Logger{zl: l.zl.With().Ctx(ctx).Logger()}
}

func (l *Logger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{zl: l.zl.With().Fields(fields).Logger()}
}

func (l *Logger) log(level zerolog.Level, msg string, args []any) {
	event := l.zl.WithLevel(level)
	if event == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			event = event.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if err, isErr := args[i+1].(error); isErr {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

var (
	_ glog.Logger         = (*Logger)(nil)
	_ glog.FieldsLogger   = (*Logger)(nil)
	_ glog.LoggerProvider = (*Provider)(nil)
)
