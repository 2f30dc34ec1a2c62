package flow

import (
	"time"

	"github.com/dshills/flowcore-go/flow/emit"
)

// Options configures the engine, worker, signal layer, and scheduler.
// Build it through the functional Option helpers.
type Options struct {
	// DefaultNodeTimeout applies to nodes without a timeout_seconds
	// config. Default 30s.
	DefaultNodeTimeout time.Duration

	// Retry is the deployment retry policy for failed node attempts.
	Retry RetryPolicy

	// MaxParallel bounds concurrent members inside one parallel group.
	// Default 8.
	MaxParallel int

	// PollInterval is the worker's sleep between empty claim rounds.
	// Default 1s.
	PollInterval time.Duration

	// ClaimBatch is how many executions one claim round takes. Default 10.
	ClaimBatch int

	// MaxConcurrent bounds steps running at once in one worker. Default 4.
	MaxConcurrent int

	// LeaseDuration is how long a claim holds an execution. It must
	// comfortably exceed the slowest node timeout. Default 2m.
	LeaseDuration time.Duration

	// SignalTTL is how long a pending signal may wait before the sweep
	// dead-letters it. Default 24h.
	SignalTTL time.Duration

	// Emitter receives observability events. Default NullEmitter.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics. Nil disables recording.
	Metrics *Metrics

	// Clock supplies the current time; tests override it to drive
	// retry and lease expiry deterministically.
	Clock func() time.Time
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		DefaultNodeTimeout: 30 * time.Second,
		Retry:              DefaultRetryPolicy(),
		MaxParallel:        8,
		PollInterval:       time.Second,
		ClaimBatch:         10,
		MaxConcurrent:      4,
		LeaseDuration:      2 * time.Minute,
		SignalTTL:          24 * time.Hour,
		Emitter:            emit.NewNullEmitter(),
		Clock:              time.Now,
	}
}

func buildOptions(opts []Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 8
	}
	if o.ClaimBatch <= 0 {
		o.ClaimBatch = 10
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 2 * time.Minute
	}
	return o
}

// WithDefaultNodeTimeout sets the deployment default node timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultNodeTimeout = d }
}

// WithRetryPolicy sets the deployment retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}

// WithMaxParallel bounds concurrent parallel group members.
func WithMaxParallel(n int) Option {
	return func(o *Options) { o.MaxParallel = n }
}

// WithPollInterval sets the worker poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

// WithClaimBatch sets how many executions one claim round takes.
func WithClaimBatch(n int) Option {
	return func(o *Options) { o.ClaimBatch = n }
}

// WithMaxConcurrent bounds concurrent steps in one worker.
func WithMaxConcurrent(n int) Option {
	return func(o *Options) { o.MaxConcurrent = n }
}

// WithLeaseDuration sets the claim lease length.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *Options) { o.LeaseDuration = d }
}

// WithSignalTTL sets how long pending signals live before dead-letter.
func WithSignalTTL(d time.Duration) Option {
	return func(o *Options) { o.SignalTTL = d }
}

// WithEmitter sets the observability emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}
