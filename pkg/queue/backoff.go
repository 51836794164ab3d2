package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy shapes retry delays for held events.
type BackoffPolicy struct {
	BaseMs      int64 `yaml:"base_ms" json:"base_ms"`
	MaxMs       int64 `yaml:"max_ms" json:"max_ms"`
	MaxJitterMs int64 `yaml:"max_jitter_ms" json:"max_jitter_ms"`
	MaxAttempts int   `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultBackoff retries after 30s, 60s, 120s ... capped at one hour.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 30_000, MaxMs: 3_600_000, MaxJitterMs: 5_000, MaxAttempts: 8}
}

// ComputeBackoff returns the delay before attempt of the held event eventID.
// The jitter is derived from the inputs, so the same event and attempt always
// get the same delay.
func ComputeBackoff(eventID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+deterministicJitter(eventID, attempt, policy)) * time.Millisecond
}

func deterministicJitter(eventID string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", eventID, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// NextAttempt returns when the held event should be retried next, and false
// once the policy's attempts are exhausted.
func NextAttempt(eventID string, attempts int, policy BackoffPolicy, now time.Time) (time.Time, bool) {
	if policy.MaxAttempts > 0 && attempts >= policy.MaxAttempts {
		return time.Time{}, false
	}
	return now.Add(ComputeBackoff(eventID, attempts, policy)), true
}
