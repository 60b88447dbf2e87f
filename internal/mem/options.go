package mem

import (
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/memcx/internal/metrics"
)

// Strategy is one way of satisfying an alignment above AlignCeiling.
type Strategy string

const (
	// StrategyNative uses the host's aligned allocation primitive.
	StrategyNative Strategy = "native"
	// StrategyPad over-allocates and hands out an aligned interior pointer.
	StrategyPad Strategy = "pad"
	// StrategyReject fails the request.
	StrategyReject Strategy = "reject"

	// strategyDefault labels allocations at or below AlignCeiling.
	strategyDefault Strategy = "default"
)

// DefaultMaxPadAlignment bounds the alignments StrategyPad will serve.
const DefaultMaxPadAlignment = 4096

// DefaultStrategies is the fallback chain used when none is configured.
var DefaultStrategies = []Strategy{StrategyNative, StrategyPad, StrategyReject}

// Options configures a Manager and its parts.
type Options struct {
	// StrictBorrows makes Reset and Delete fail with RegionBorrowed while
	// an open scope borrows the region or one of its descendants.
	StrictBorrows bool

	// Strategies is tried in order for alignments above AlignCeiling.
	Strategies []Strategy

	// MaxPadAlignment is the largest alignment StrategyPad serves.
	MaxPadAlignment uintptr

	Logger  *logrus.Logger
	Metrics *metrics.Collector
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		StrictBorrows:   true,
		Strategies:      DefaultStrategies,
		MaxPadAlignment: DefaultMaxPadAlignment,
	}
}

func (o *Options) defaults() {
	if len(o.Strategies) == 0 {
		o.Strategies = DefaultStrategies
	}
	if o.MaxPadAlignment == 0 {
		o.MaxPadAlignment = DefaultMaxPadAlignment
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}
