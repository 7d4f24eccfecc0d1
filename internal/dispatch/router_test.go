package dispatch

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Dispatch/internal/breaker"
	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/provider"
	"OpenMCP-Dispatch/internal/provider/providertest"
	"OpenMCP-Dispatch/internal/task"
)

func newRouter(t *testing.T, opts Options, providers ...provider.Provider) *Router {
	t.Helper()
	reg, err := provider.NewRegistry(providers...)
	require.NoError(t, err)
	r, err := New(reg, opts)
	require.NoError(t, err)
	return r
}

func failing(err error) func(context.Context, *task.Task) (*provider.Response, error) {
	return func(context.Context, *task.Task) (*provider.Response, error) { return nil, err }
}

func TestPreferredOpenFallsBackWithoutNewFailure(t *testing.T) {
	claude := providertest.New("claude", 9, task.KindEntity)
	ollama := providertest.New("ollama", 5, task.KindSummarize)
	null := providertest.New("null", 0, task.KindSummarize)
	r := newRouter(t, Options{}, claude, ollama, null)

	cb, ok := r.Breaker("claude")
	require.True(t, ok)
	require.NoError(t, cb.ForceState(breaker.StateOpen))
	before := cb.Metrics()

	res, err := r.Dispatch(context.Background(), &task.Task{
		ID:   "t-1",
		Kind: task.KindEntity,
		Config: task.Config{
			PreferredProvider: "claude",
			Fallback:          []string{"ollama", "null"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ollama", res.Execution.Provider)
	assert.Equal(t, ReasonFallback, res.Execution.SelectionReason)
	assert.Equal(t, []string{"null"}, res.Execution.Alternatives)
	assert.Equal(t, task.StatusSuccess, res.Status)

	assert.Zero(t, claude.Calls())
	assert.Zero(t, null.Calls())
	after := cb.Metrics()
	assert.Equal(t, before.Failures, after.Failures)
	assert.Equal(t, 0, cb.Status().FailureCount)
}

func TestNoEligibleProviderTouchesNoBreaker(t *testing.T) {
	a := providertest.New("a", 1, task.KindSentiment)
	r := newRouter(t, Options{}, a)

	_, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindSummarize})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNoEligibleProvider, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))

	b, _ := r.Breaker("a")
	assert.Zero(t, b.Metrics().Total)
	assert.Zero(t, a.Calls())
}

func TestUnregisteredPreferredAndFallbackAreIgnored(t *testing.T) {
	r := newRouter(t, Options{}, providertest.New("a", 1, task.KindSentiment))
	_, err := r.Dispatch(context.Background(), &task.Task{
		ID:     "t",
		Kind:   task.KindGeneric,
		Config: task.Config{PreferredProvider: "ghost", Fallback: []string{"phantom"}},
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNoEligibleProvider, xerrors.CodeOf(err))
}

func TestPriorityOrderAndFailover(t *testing.T) {
	high := providertest.New("high", 9, task.KindSummarize)
	high.RunFunc = failing(stdErrors.New("rate limited"))
	mid := providertest.New("mid", 5, task.KindSummarize)
	low := providertest.New("low", 1, task.KindSummarize)
	r := newRouter(t, Options{Strategy: StrategyPriority}, low, mid, high)

	res, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindSummarize})
	require.NoError(t, err)
	assert.Equal(t, "mid", res.Execution.Provider)
	assert.Equal(t, "strategy:priority", res.Execution.SelectionReason)
	assert.Equal(t, []string{"low"}, res.Execution.Alternatives)

	hb, _ := r.Breaker("high")
	assert.Equal(t, 1, hb.Status().FailureCount)
	assert.Zero(t, low.Calls())
}

func TestPreferredProviderLeadsAndIsNotRetried(t *testing.T) {
	a := providertest.New("a", 9, task.KindGeneric)
	b := providertest.New("b", 1, task.KindGeneric)
	r := newRouter(t, Options{}, a, b)

	res, err := r.Dispatch(context.Background(), &task.Task{
		ID:     "t",
		Kind:   task.KindGeneric,
		Config: task.Config{PreferredProvider: "b", Fallback: []string{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Execution.Provider)
	assert.Equal(t, ReasonPreferred, res.Execution.SelectionReason)
	assert.Equal(t, []string{"a"}, res.Execution.Alternatives)
}

func TestExhaustionAggregatesAttempts(t *testing.T) {
	a := providertest.New("a", 2, task.KindGeneric)
	a.RunFunc = failing(stdErrors.New("500"))
	b := providertest.New("b", 1, task.KindGeneric)
	b.RunFunc = failing(xerrors.New(xerrors.CodeStorageFailure, "disk full"))
	r := newRouter(t, Options{}, a, b)

	_, err := r.Dispatch(context.Background(), &task.Task{ID: "t-x", Kind: task.KindGeneric})
	require.Error(t, err)

	var derr *Error
	require.True(t, stdErrors.As(err, &derr))
	require.Len(t, derr.Attempts, 2)
	assert.Equal(t, "a", derr.Attempts[0].Provider)
	assert.False(t, derr.Attempts[0].Skipped)
	assert.Equal(t, xerrors.CodeProviderFailure, xerrors.CodeOf(derr.Attempts[0].Err))
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(derr.Attempts[1].Err))

	assert.Equal(t, xerrors.CodeDispatchExhausted, xerrors.CodeOf(err))
	assert.False(t, derr.AllUnavailable())
	assert.False(t, xerrors.RetryableError(err))
	assert.Equal(t, map[string]string{"a": "PROVIDER_FAILURE", "b": "STORAGE_FAILURE"}, derr.Details())
	assert.Contains(t, err.Error(), "t-x")
}

func TestAllBreakersOpenInvokesNothing(t *testing.T) {
	a := providertest.New("a", 2, task.KindGeneric)
	b := providertest.New("b", 1, task.KindGeneric)
	r := newRouter(t, Options{}, a, b)
	for _, name := range []string{"a", "b"} {
		cb, _ := r.Breaker(name)
		require.NoError(t, cb.ForceState(breaker.StateOpen))
	}

	_, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindGeneric, Config: task.Config{PreferredProvider: "a"}})
	require.Error(t, err)

	var derr *Error
	require.True(t, stdErrors.As(err, &derr))
	assert.True(t, derr.AllUnavailable())
	assert.True(t, xerrors.RetryableError(err))
	assert.True(t, stdErrors.Is(err, breaker.ErrOpen))
	assert.Zero(t, a.Calls())
	assert.Zero(t, b.Calls())
	for _, name := range []string{"a", "b"} {
		cb, _ := r.Breaker(name)
		assert.Zero(t, cb.Metrics().Failures)
	}
}

func TestTimeoutFailsOverAndIsReported(t *testing.T) {
	slow := providertest.New("slow", 9, task.KindGeneric)
	slow.RunFunc = func(ctx context.Context, _ *task.Task) (*provider.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fast := providertest.New("fast", 1, task.KindGeneric)
	r := newRouter(t, Options{}, slow, fast)

	res, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindGeneric, Config: task.Config{Timeout: 20 * time.Millisecond}})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Execution.Provider)
	sb, _ := r.Breaker("slow")
	assert.EqualValues(t, 1, sb.Metrics().Timeouts)

	only := providertest.New("only", 1, task.KindGeneric)
	only.RunFunc = slow.RunFunc
	r2 := newRouter(t, Options{}, only)
	_, err = r2.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindGeneric, Config: task.Config{Timeout: 20 * time.Millisecond}})
	var derr *Error
	require.True(t, stdErrors.As(err, &derr))
	assert.True(t, derr.TimedOut())
	assert.True(t, stdErrors.Is(err, breaker.ErrTimeout))
}

func TestRoundRobinRotates(t *testing.T) {
	r := newRouter(t, Options{Strategy: StrategyRoundRobin},
		providertest.New("a", 1, task.KindGeneric),
		providertest.New("b", 9, task.KindGeneric),
		providertest.New("c", 5, task.KindGeneric),
	)
	var served []string
	for i := 0; i < 4; i++ {
		res, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindGeneric})
		require.NoError(t, err)
		served = append(served, res.Execution.Provider)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, served)
}

func TestCostOptimizedFiltersByQuality(t *testing.T) {
	cheap := providertest.New("cheap", 1, task.KindSummarize)
	cheap.Caps.Cost, cheap.Caps.Quality = 0.1, 0.4
	mid := providertest.New("mid", 1, task.KindSummarize)
	mid.Caps.Cost, mid.Caps.Quality = 0.5, 0.8
	premium := providertest.New("premium", 9, task.KindSummarize)
	premium.Caps.Cost, premium.Caps.Quality = 2.0, 0.95
	r := newRouter(t, Options{Strategy: StrategyCostOptimized}, premium, cheap, mid)

	res, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindSummarize, Config: task.Config{MinQuality: 0.7}})
	require.NoError(t, err)
	assert.Equal(t, "mid", res.Execution.Provider)
	assert.Equal(t, []string{"premium"}, res.Execution.Alternatives)

	res, err = r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindSummarize, Config: task.Config{MaxCost: 1}})
	require.NoError(t, err)
	assert.Equal(t, "cheap", res.Execution.Provider)
	assert.Equal(t, []string{"mid"}, res.Execution.Alternatives)
}

func TestWeightedRandomFavoursHeavyProvider(t *testing.T) {
	heavy := providertest.New("heavy", 1, task.KindGeneric)
	heavy.Caps.Weight = 9
	light := providertest.New("light", 1, task.KindGeneric)
	r := newRouter(t, Options{Strategy: StrategyWeightedRandom, Seed: 42}, heavy, light)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		res, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindGeneric})
		require.NoError(t, err)
		counts[res.Execution.Provider]++
		require.Len(t, res.Execution.Alternatives, 1)
	}
	assert.Greater(t, counts["heavy"], 800)
	assert.Greater(t, counts["light"], 20)
}

func TestPartialResponse(t *testing.T) {
	r := newRouter(t, Options{}, provider.NewNull(""))
	res, err := r.Dispatch(context.Background(), &task.Task{ID: "t", Kind: task.KindSentiment})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPartial, res.Status)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "null", res.Execution.Provider)
}

func TestBreakerOverridesAndStatuses(t *testing.T) {
	r := newRouter(t, Options{
		Breaker:          breaker.Config{FailureThreshold: 4},
		BreakerOverrides: map[string]breaker.Config{"b": {FailureThreshold: 2}},
	}, providertest.New("b", 1), providertest.New("a", 1))

	a, _ := r.Breaker("a")
	b, _ := r.Breaker("b")
	assert.Equal(t, 4, a.Config().FailureThreshold)
	assert.Equal(t, 2, b.Config().FailureThreshold)
	assert.Equal(t, breaker.DefaultConfig().ResetTimeout, b.Config().ResetTimeout)

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Name)
	assert.Equal(t, breaker.StateClosed, statuses[1].State)
}

func TestMaintenanceLifecycle(t *testing.T) {
	r := newRouter(t, Options{Breaker: breaker.Config{MaintenanceInterval: time.Millisecond}}, providertest.New("a", 1))
	r.StartMaintenance(context.Background())
	r.StartMaintenance(context.Background())
	r.StopMaintenance()
	r.StopMaintenance()
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"":                StrategyPriority,
		"round_robin":     StrategyRoundRobin,
		"Weighted-Random": StrategyWeightedRandom,
		"cost":            StrategyCostOptimized,
	}
	for raw, want := range cases {
		got, err := ParseStrategy(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseStrategy("fastest")
	require.Error(t, err)

	_, err = New(nil, Options{})
	require.Error(t, err)
}
