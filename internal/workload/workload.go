// Package workload runs scripted region scenarios against a fresh host
// runtime. The CLI uses them as a demo and as a load generator for the
// metrics endpoint.
package workload

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/memcx/internal/config"
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/mem"
	"github.com/orizon-lang/memcx/internal/metrics"
)

// Env is the world one scenario runs in.
type Env struct {
	Runtime *host.Runtime
	Bridge  *fault.Bridge
	Mem     *mem.Manager
	Log     *logrus.Entry
}

// Scenario is one scripted check. Run returns a short human readable
// outcome, or an error when the behaviour it checks does not hold.
type Scenario struct {
	Name        string
	Description string
	Run         func(env *Env) (string, error)
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Passed   bool
	Detail   string
	Err      error
	Duration time.Duration
	Regions  int    // live regions when the scenario finished
	Bytes    uint64 // bytes the host held in blocks when the scenario finished
}

// Runner builds environments from a configuration.
type Runner struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Collector
}

// NewRunner creates a runner. metrics may be nil.
func NewRunner(cfg *config.Config, logger *logrus.Logger, m *metrics.Collector) *Runner {
	return &Runner{cfg: cfg, logger: logger, metrics: m}
}

// NewEnv creates a fresh runtime and region manager.
func (r *Runner) NewEnv() (*Env, error) {
	hopts := r.cfg.HostOptions()
	hopts.Logger = r.logger
	hopts.Abort = func(reason string) {
		r.logger.WithField("reason", reason).Error("host abort requested")
	}
	rt, err := host.New(hopts)
	if err != nil {
		return nil, errors.Wrap(err, "starting host runtime")
	}
	b := fault.New(rt, fault.WithLogger(r.logger), fault.WithMetrics(r.metrics))
	mopts := r.cfg.MemOptions()
	mopts.Logger = r.logger
	mopts.Metrics = r.metrics
	return &Env{
		Runtime: rt,
		Bridge:  b,
		Mem:     mem.NewManager(b, mopts),
		Log:     r.logger.WithField("component", "workload"),
	}, nil
}

// Run executes the named scenarios, or all of them when names is empty.
func (r *Runner) Run(names ...string) ([]Result, error) {
	selected, err := Select(names...)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(selected))
	for _, s := range selected {
		res, err := r.RunScenario(s)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Run executes s against env. A host error nothing inside s caught comes
// back as an error instead of unwinding the caller.
func (env *Env) Run(s Scenario) (detail string, err error) {
	if ferr := env.Bridge.Catch(func() { detail, err = s.Run(env) }); ferr != nil {
		return "", errors.Wrap(ferr, "uncaught fault")
	}
	return detail, err
}

// RunScenario executes one scenario in a fresh environment. Faults that
// escape the scenario count as failures.
func (r *Runner) RunScenario(s Scenario) (Result, error) {
	env, err := r.NewEnv()
	if err != nil {
		return Result{}, err
	}
	defer env.Runtime.Close()
	res := Result{Name: s.Name}
	start := time.Now()
	var runErr error
	res.Detail, runErr = env.Run(s)
	res.Duration = time.Since(start)
	res.Err = runErr
	res.Passed = runErr == nil
	res.Regions = env.Mem.Tree.Len()
	for _, p := range env.Runtime.Pools() {
		res.Bytes += env.Runtime.Stats(p).BlockBytes
	}

	entry := env.Log.WithFields(logrus.Fields{"scenario": s.Name, "duration": res.Duration})
	if runErr != nil {
		entry.WithError(runErr).Warn("scenario failed")
	} else {
		entry.Debug("scenario passed")
	}
	return res, nil
}

// Select returns the named scenarios in catalogue order.
func Select(names ...string) ([]Scenario, error) {
	all := Catalogue()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Scenario, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	var out []Scenario
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, errors.Errorf("unknown scenario %q (have %v)", n, Names())
		}
		out = append(out, s)
	}
	return out, nil
}

// Names lists the catalogue.
func Names() []string {
	var out []string
	for _, s := range Catalogue() {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}

func check(ok bool, format string, args ...interface{}) error {
	if ok {
		return nil
	}
	return errors.Errorf(format, args...)
}
