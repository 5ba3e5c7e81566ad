package reconciler

import (
	"time"

	"github.com/keel-cm/keel/pkg/report"
)

type Option = func(*Options)

type Options struct {
	Reporter report.Reporter

	// DryRun limits the run to read and diff: apply is never called and every
	// pending change set is recorded as it would be applied.
	DryRun bool

	// CallTimeout bounds each individual Read and Apply call.
	CallTimeout time.Duration

	Retry RetryPolicy
}

func WithReporter(r report.Reporter) Option {
	return func(o *Options) {
		o.Reporter = r
	}
}

func WithDryRun() Option {
	return func(o *Options) {
		o.DryRun = true
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.CallTimeout = d
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) {
		o.Retry = p
	}
}
