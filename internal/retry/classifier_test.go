package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"connection reset by peer", Transient},
		{"upstream returned 429 too many requests", Transient},
		{"context deadline exceeded", Transient},
		{"403 forbidden: subscription required", Paywall},
		{"unauthorized: payment required", Paywall},
		{"invalid pdf: malformed xref table", Invalid},
		{"no content extracted from source", Invalid},
		{"something unexpected happened", Permanent},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.msg), c.msg)
	}
}

func TestBackoffMinutes(t *testing.T) {
	assert.Equal(t, 1, BackoffMinutes(0))
	assert.Equal(t, 2, BackoffMinutes(1))
	assert.Equal(t, 4, BackoffMinutes(2))
	assert.Equal(t, 8, BackoffMinutes(3))
	assert.Equal(t, 16, BackoffMinutes(4))
	assert.Equal(t, 30, BackoffMinutes(5)) // 2^5=32, capped
	assert.Equal(t, 30, BackoffMinutes(10))
}

func TestNextRetryAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got := NextRetryAt(now, Transient, 2, 5)
	assert.NotNil(t, got)
	assert.Equal(t, now.Add(4*time.Minute), *got)

	assert.Nil(t, NextRetryAt(now, Transient, 5, 5))
	assert.Nil(t, NextRetryAt(now, Invalid, 0, 5))
	assert.Nil(t, NextRetryAt(now, Paywall, 0, 5))
	assert.Nil(t, NextRetryAt(now, Permanent, 0, 5))
}
