// Package retry classifies job failures and computes the exponential
// backoff schedule the worker uses to reschedule transient errors.
package retry

import (
	"math"
	"strings"
	"time"
)

// ErrorKind categorizes a failure for retry-eligibility purposes.
type ErrorKind string

const (
	// Transient errors are worth retrying: timeouts, rate limits, connection resets.
	Transient ErrorKind = "transient"
	// Paywall errors mean the source requires authentication/payment the worker cannot provide.
	Paywall ErrorKind = "paywall"
	// Invalid errors mean the input itself is malformed and retrying will not help.
	Invalid ErrorKind = "invalid"
	// Permanent errors are unclassified hard failures, also not worth retrying.
	Permanent ErrorKind = "permanent"
)

var transientMarkers = []string{
	"timeout", "timed out", "connection reset", "connection refused",
	"temporary failure", "rate limit", "429", "503", "502", "504",
	"i/o timeout", "context deadline exceeded", "eof", "broken pipe",
}

var paywallMarkers = []string{
	"paywall", "subscription required", "401", "403", "forbidden", "unauthorized",
	"payment required", "access denied", "quota", "credit", "billing",
}

var invalidMarkers = []string{
	"invalid", "malformed", "corrupt", "unsupported format", "parse error",
	"no content extracted", "empty document", "unrecognized",
}

// Classify inspects an error message and returns its ErrorKind using a
// keyword cascade: transient indicators are checked first (so a "429
// forbidden" upstream message is treated as retryable), then paywall,
// then invalid, defaulting to permanent.
func Classify(errMsg string) ErrorKind {
	lower := strings.ToLower(errMsg)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return Transient
		}
	}
	for _, m := range paywallMarkers {
		if strings.Contains(lower, m) {
			return Paywall
		}
	}
	for _, m := range invalidMarkers {
		if strings.Contains(lower, m) {
			return Invalid
		}
	}
	return Permanent
}

// Retryable reports whether a job with this failure kind should ever be retried.
func Retryable(kind ErrorKind) bool {
	return kind == Transient
}

// BackoffMinutes computes delay_minutes = min(2^retry_count, 30).
func BackoffMinutes(retryCount int) int {
	if retryCount < 0 {
		retryCount = 0
	}
	d := math.Pow(2, float64(retryCount))
	if d > 30 {
		d = 30
	}
	return int(d)
}

// NextRetryAt returns the absolute time a transient failure should be
// retried at, or nil if the error kind or retry budget makes it ineligible.
func NextRetryAt(now time.Time, kind ErrorKind, retryCount, maxRetries int) *time.Time {
	if !Retryable(kind) || retryCount >= maxRetries {
		return nil
	}
	t := now.Add(time.Duration(BackoffMinutes(retryCount)) * time.Minute)
	return &t
}
