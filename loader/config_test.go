package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().validate())
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentLoaders = 0
	assert.Error(t, cfg.validate())

	cfg = DefaultConfig()
	cfg.DefaultTimeout = 0
	assert.Error(t, cfg.validate())

	cfg = DefaultConfig()
	cfg.CacheTTL = -time.Second
	assert.Error(t, cfg.validate())
}

func TestUpdateApply(t *testing.T) {
	cfg := DefaultConfig()

	cap := 12
	adaptive := false
	strategy := RetryFixed
	next := Update{
		MaxConcurrentLoaders:    &cap,
		AdaptivePriorityEnabled: &adaptive,
		RetryStrategy:           &strategy,
	}.apply(cfg)

	assert.Equal(t, 12, next.MaxConcurrentLoaders)
	assert.False(t, next.AdaptivePriorityEnabled)
	assert.Equal(t, RetryFixed, next.RetryStrategy)

	// Untouched fields keep their values
	assert.Equal(t, cfg.DefaultTimeout, next.DefaultTimeout)
	assert.Equal(t, cfg.CacheTTL, next.CacheTTL)
	assert.True(t, next.CacheEnabled)
}

func TestBackoffDelay(t *testing.T) {
	rc := RetryConfig{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 2}

	// exponential: initial * multiplier^attempt
	assert.Equal(t, 100*time.Millisecond, backoffDelay(RetryExponential, rc, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(RetryExponential, rc, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(RetryExponential, rc, 2))

	// linear: initial + attempt * multiplier seconds
	lc := RetryConfig{InitialDelay: 100 * time.Millisecond, BackoffMultiplier: 0.05}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(RetryLinear, lc, 0))
	assert.Equal(t, 150*time.Millisecond, backoffDelay(RetryLinear, lc, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(RetryLinear, lc, 2))

	// fixed: always the initial delay
	assert.Equal(t, 100*time.Millisecond, backoffDelay(RetryFixed, rc, 5))
}

func TestStrategyAndPolicyStrings(t *testing.T) {
	assert.Equal(t, "exponential", RetryExponential.String())
	assert.Equal(t, "linear", RetryLinear.String())
	assert.Equal(t, "fixed", RetryFixed.String())
	assert.Equal(t, "run", DependencyRun.String())
	assert.Equal(t, "skip", DependencySkip.String())
	assert.Equal(t, "fail", DependencyFail.String())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentLoaders = -1

	_, err := New(testCtx(t), WithConfig(cfg))
	require.Error(t, err)
}
