package graph

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Validate(t *testing.T) {
	valid := DefaultRetryPolicy()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*RetryPolicy)
	}{
		{"zero attempts", func(p *RetryPolicy) { p.MaxAttempts = 0 }},
		{"negative base", func(p *RetryPolicy) { p.BaseDelay = -time.Second }},
		{"max below base", func(p *RetryPolicy) { p.MaxDelay = time.Millisecond }},
		{"jitter above one", func(p *RetryPolicy) { p.JitterFactor = 1.5 }},
		{"negative jitter", func(p *RetryPolicy) { p.JitterFactor = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRetryPolicy()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidRetryPolicy)
		})
	}
}

func TestRetryPolicy_DelayWithoutJitter(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	prev := time.Duration(0)
	for i, w := range want {
		got := p.Delay(i, 0.9)
		assert.Equal(t, w*time.Millisecond, got, "attempt %d", i)
		assert.GreaterOrEqual(t, got, prev, "delays must not decrease")
		prev = got
	}
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 3, JitterFactor: 0.5}
	upper := time.Duration(float64(p.MaxDelay) * (1 + p.JitterFactor))

	for attempt := 0; attempt < 8; attempt++ {
		for _, u := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
			d := p.Delay(attempt, u)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, upper, "attempt %d u %v", attempt, u)
		}
	}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0, 0.5), "u=0.5 applies no jitter")
}

func TestRetryPolicy_Retryable(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.retryable(errors.New("transient")))
	assert.False(t, p.retryable(validationf("BAD", "", "bad input")))

	p.Retryable = func(err error) bool { return err.Error() == "again" }
	assert.True(t, p.retryable(errors.New("again")))
	assert.False(t, p.retryable(errors.New("never")))
}

func TestRetryBackOff_StopsAfterMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
	b := newRetryBackOff(&p, newLockedRand(1))

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestJitterSeed_IndependentOfRoutingSeed(t *testing.T) {
	for _, seed := range []int64{0, 1, 42, seedFromID("run-1")} {
		assert.NotEqual(t, seed, jitterSeed(seed))
		assert.Equal(t, jitterSeed(seed), jitterSeed(seed))

		routing, jitter := newLockedRand(seed), newLockedRand(jitterSeed(seed))
		same := 0
		for i := 0; i < 8; i++ {
			if routing.Float64() == jitter.Float64() {
				same++
			}
		}
		assert.Less(t, same, 8, "seed %d", seed)
	}
}

func TestGetNodeTimeout(t *testing.T) {
	tests := []struct {
		policy      *NodePolicy
		def, capped time.Duration
		want        time.Duration
	}{
		{nil, time.Second, 0, time.Second},
		{&NodePolicy{Timeout: 5 * time.Second}, time.Second, 0, 5 * time.Second},
		{&NodePolicy{Timeout: 5 * time.Second}, time.Second, 2 * time.Second, 2 * time.Second},
		{nil, 0, 3 * time.Second, 3 * time.Second},
		{nil, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%v/%v", tt.policy, tt.def, tt.capped), func(t *testing.T) {
			assert.Equal(t, tt.want, getNodeTimeout(tt.policy, tt.def, tt.capped))
		})
	}
}
