package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// ServiceName is the root logger name used by the grants engine.
const ServiceName = "grants"

// Bridge carries a resolved glog logger/provider pair together with the
// go-job adapters built from it, so the engine and queue workers log through
// the same sink.
type Bridge struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve picks a provider first, then a plain logger, then nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(componentName(name), provider, logger)
}

// NewBridge resolves the grants logger and prepares its go-job counterparts.
func NewBridge(provider glog.LoggerProvider, logger glog.Logger) Bridge {
	resolvedProvider, resolvedLogger := Resolve(ServiceName, provider, logger)
	return Bridge{
		Provider:    resolvedProvider,
		Logger:      resolvedLogger,
		JobProvider: toJobProvider(resolvedProvider),
		JobLogger:   toJobLogger(resolvedLogger),
	}
}

// Component returns a logger named "grants.<component>".
func (b Bridge) Component(component string) glog.Logger {
	if b.Provider == nil {
		if b.Logger != nil {
			return b.Logger
		}
		return glog.Nop()
	}
	logger := b.Provider.GetLogger(componentName(component))
	if logger == nil {
		return glog.Nop()
	}
	return logger
}

func componentName(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ServiceName:
		return ServiceName
	case strings.HasPrefix(name, ServiceName+"."):
		return name
	default:
		return ServiceName + "." + name
	}
}

func toJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func toJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}
