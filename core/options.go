package core

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type engineBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	benefits          BenefitReader
	customers         CustomerReader
	productBenefits   ProductBenefitReader
	grants            GrantStore
	meters            MeterReader
	usageEvents       UsageEventEmitter
	unitOfWork        UnitOfWork
	outbox            TaskOutbox
	failedTasks       FailedTaskReader
	locker            GrantLocker
	strategies        []BenefitStrategy
	fatalHook         FatalTaskHook
	clock             func() time.Time
}

type Option func(*engineBuilder)

func WithLogger(logger Logger) Option {
	return func(b *engineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *engineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *engineBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *engineBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *engineBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *engineBuilder) {
		b.persistenceClient = client
	}
}

// WithRepositoryFactory accepts a RepositoryStoreFactory or a StoreProvider.
func WithRepositoryFactory(factory any) Option {
	return func(b *engineBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *engineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *engineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithBenefitReader(reader BenefitReader) Option {
	return func(b *engineBuilder) {
		b.benefits = reader
	}
}

func WithCustomerReader(reader CustomerReader) Option {
	return func(b *engineBuilder) {
		b.customers = reader
	}
}

func WithProductBenefitReader(reader ProductBenefitReader) Option {
	return func(b *engineBuilder) {
		b.productBenefits = reader
	}
}

func WithGrantStore(store GrantStore) Option {
	return func(b *engineBuilder) {
		b.grants = store
	}
}

func WithMeterReader(reader MeterReader) Option {
	return func(b *engineBuilder) {
		b.meters = reader
	}
}

func WithUsageEventEmitter(emitter UsageEventEmitter) Option {
	return func(b *engineBuilder) {
		b.usageEvents = emitter
	}
}

func WithUnitOfWork(uow UnitOfWork) Option {
	return func(b *engineBuilder) {
		b.unitOfWork = uow
	}
}

func WithTaskOutbox(outbox TaskOutbox) Option {
	return func(b *engineBuilder) {
		b.outbox = outbox
	}
}

func WithFailedTaskReader(reader FailedTaskReader) Option {
	return func(b *engineBuilder) {
		b.failedTasks = reader
	}
}

func WithGrantLocker(locker GrantLocker) Option {
	return func(b *engineBuilder) {
		b.locker = locker
	}
}

// WithStrategies replaces the built-in strategy of the same kind.
func WithStrategies(strategies ...BenefitStrategy) Option {
	return func(b *engineBuilder) {
		b.strategies = append(b.strategies, strategies...)
	}
}

func WithFatalTaskHook(hook FatalTaskHook) Option {
	return func(b *engineBuilder) {
		b.fatalHook = hook
	}
}

func WithClock(clock func() time.Time) Option {
	return func(b *engineBuilder) {
		b.clock = clock
	}
}

func defaultEngineBuilder(runtime Config) engineBuilder {
	loggerProvider, logger := glog.Resolve(defaultServiceName, nil, nil)
	return engineBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return MapError(err)
}

// StaticRawConfigLoader serves a fixed raw config map.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyAnyMap(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded config < runtime config.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, defaults, layerAll),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, defaults, layerChanged),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, defaults, layerOverrides),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

type layerMode int

const (
	// every field
	layerAll layerMode = iota
	// fields that differ from the defaults
	layerChanged
	// non-zero fields that differ from the defaults
	layerOverrides
)

func configToLayerMap(cfg Config, defaults Config, mode layerMode) map[string]any {
	layer := map[string]any{}
	putLayerValue(layer, "service_name", cfg.ServiceName, defaults.ServiceName, mode)

	runner := map[string]any{}
	putLayerValue(runner, "lock_ttl", cfg.Runner.LockTTL, defaults.Runner.LockTTL, mode)
	putLayerValue(runner, "lock_retry_delay", cfg.Runner.LockRetryDelay, defaults.Runner.LockRetryDelay, mode)
	putLayerValue(runner, "store_retry_delay", cfg.Runner.StoreRetryDelay, defaults.Runner.StoreRetryDelay, mode)
	putLayerSection(layer, "runner", runner)

	retry := map[string]any{}
	putLayerValue(retry, "max_attempts", cfg.Retry.MaxAttempts, defaults.Retry.MaxAttempts, mode)
	putLayerValue(retry, "initial_backoff", cfg.Retry.InitialBackoff, defaults.Retry.InitialBackoff, mode)
	putLayerValue(retry, "max_backoff", cfg.Retry.MaxBackoff, defaults.Retry.MaxBackoff, mode)
	putLayerSection(layer, "retry", retry)

	outbox := map[string]any{}
	putLayerValue(outbox, "batch_size", cfg.Outbox.BatchSize, defaults.Outbox.BatchSize, mode)
	putLayerValue(outbox, "concurrency", cfg.Outbox.Concurrency, defaults.Outbox.Concurrency, mode)
	putLayerValue(outbox, "stale_after", cfg.Outbox.StaleAfter, defaults.Outbox.StaleAfter, mode)
	putLayerValue(outbox, "poll_interval", cfg.Outbox.PollInterval, defaults.Outbox.PollInterval, mode)
	putLayerSection(layer, "outbox", outbox)

	sweep := map[string]any{}
	putLayerValue(sweep, "enabled", cfg.Sweep.Enabled, defaults.Sweep.Enabled, mode)
	putLayerValue(sweep, "schedule", cfg.Sweep.Schedule, defaults.Sweep.Schedule, mode)
	putLayerSection(layer, "sweep", sweep)

	meterCredit := map[string]any{}
	putLayerValue(meterCredit, "retry_delay", cfg.MeterCredit.RetryDelay, defaults.MeterCredit.RetryDelay, mode)
	putLayerSection(layer, "meter_credit", meterCredit)
	return layer
}

func putLayerValue[T comparable](layer map[string]any, key string, value T, fallback T, mode layerMode) {
	var zero T
	switch mode {
	case layerChanged:
		if value == fallback {
			return
		}
	case layerOverrides:
		if value == zero || value == fallback {
			return
		}
	}
	layer[key] = value
}

func putLayerSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}
