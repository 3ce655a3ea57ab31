// Package storage wraps the object stores that hold scene clips and merged
// videos. Keys are bucket-relative paths; URLs are derived by the backend.
package storage

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// ObjectStore is the narrow storage contract the pipeline consumes.
type ObjectStore interface {
	// Upload writes data under key and returns the URL clients use to fetch it.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	// ListPrefix returns every key under prefix in lexical order.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
	SignForPlayback(ctx context.Context, key string, ttl time.Duration) (string, error)
	PublicURL(key string) string
	Bucket() string
	// WithBucket returns a store bound to another bucket on the same backend.
	WithBucket(name string) ObjectStore
}

// SceneKey is where the clip for one scene of a job is stored.
func SceneKey(jobID uuid.UUID, sceneIndex int) string {
	return path.Join("jobs", jobID.String(), "scenes", fmt.Sprintf("scene_%02d.mp4", sceneIndex))
}

// FinalKey is where the merged video of a job is stored.
func FinalKey(jobID uuid.UUID) string {
	return path.Join("jobs", jobID.String(), "final.mp4")
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
