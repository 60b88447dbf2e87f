package workload

import (
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memcx/internal/config"
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/metrics"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestCatalogueRunsClean(t *testing.T) {
	runner := NewRunner(config.Default(), quietLogger(), nil)
	results, err := runner.Run()
	require.NoError(t, err)
	require.Len(t, results, len(Catalogue()))

	for _, res := range results {
		assert.True(t, res.Passed, "%s: %v", res.Name, res.Err)
		assert.NotEmpty(t, res.Detail, res.Name)
		assert.Positive(t, res.Regions, res.Name)
	}
}

func TestOverAlignedFollowsStrategies(t *testing.T) {
	cases := map[string]struct {
		version    string
		strategies []string
		want       string
	}{
		"native host":   {"16.2.0", []string{"native", "pad", "reject"}, "native=4 padded=0 rejected=0"},
		"old host pads": {"15.4.0", []string{"native", "pad", "reject"}, "native=0 padded=4 rejected=0"},
		"reject only":   {"16.2.0", []string{"reject"}, "native=0 padded=0 rejected=4"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Host.Version = tc.version
			cfg.Alignment.Strategies = tc.strategies
			results, err := NewRunner(cfg, quietLogger(), nil).Run("over-aligned")
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.True(t, results[0].Passed, "%v", results[0].Err)
			assert.Equal(t, tc.want, results[0].Detail)
		})
	}
}

func TestRunFeedsMetrics(t *testing.T) {
	m := metrics.New("")
	results, err := NewRunner(config.Default(), quietLogger(), m).Run("nested-scopes", "fault-roundtrip")
	require.NoError(t, err)
	require.Len(t, results, 2)

	n, err := testutil.GatherAndCount(m.Registry(), "memcx_faults_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestSelect(t *testing.T) {
	got, err := Select("zero-size", "reset-cascade")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "zero-size", got[0].Name)

	_, err = Select("nope")
	assert.ErrorContains(t, err, `unknown scenario "nope"`)
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	assert.Len(t, names, len(Catalogue()))
	assert.IsIncreasing(t, names)
}

func TestRepeatedRunsReleaseBlocks(t *testing.T) {
	runner := NewRunner(config.Default(), quietLogger(), nil)
	before := host.MappedBytes()
	for i := 0; i < 20; i++ {
		results, err := runner.Run()
		require.NoError(t, err)
		require.Len(t, results, len(Catalogue()))
	}
	assert.Equal(t, before, host.MappedBytes())
}

func TestEnvRunCatchesHostErrors(t *testing.T) {
	env, err := NewRunner(config.Default(), quietLogger(), nil).NewEnv()
	require.NoError(t, err)
	defer env.Runtime.Close()

	raising := Scenario{Name: "raising", Run: func(env *Env) (string, error) {
		env.Runtime.Ereport(host.Error, host.ErrcodeDivisionByZero, "division by zero")
		return "unreachable", nil
	}}
	var detail string
	assert.NotPanics(t, func() { detail, err = env.Run(raising) })
	assert.Empty(t, detail)
	require.ErrorContains(t, err, "uncaught fault")
	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, host.ErrcodeDivisionByZero, f.Code())

	res, err := NewRunner(config.Default(), quietLogger(), nil).RunScenario(raising)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.ErrorContains(t, res.Err, "division by zero")
}
