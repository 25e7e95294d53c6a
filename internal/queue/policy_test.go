package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	fixed := RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Backoff: BackoffFixed}
	assert.Equal(t, 500*time.Millisecond, fixed.Delay(3))

	// Very large attempt numbers must not overflow into a negative delay.
	assert.Greater(t, p.Delay(1000), time.Duration(0))
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 0, Backoff: BackoffFixed}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, BaseDelay: -1, Backoff: BackoffFixed}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 1, Backoff: "linear"}.Validate())
}

func TestJobExhausted(t *testing.T) {
	j := &Job{Attempts: 4, Policy: DefaultRetryPolicy()}
	assert.False(t, j.Exhausted())
	j.Attempts = 5
	assert.True(t, j.Exhausted())
}
