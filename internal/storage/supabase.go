package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	// Per-attempt timeout, generous for merged videos of several hundred MB
	requestTimeout = 180 * time.Second

	listPageSize = 1000
)

// Supabase talks to the Supabase Storage REST API.
type Supabase struct {
	url        string
	serviceKey string
	bucket     string
	client     *http.Client
	retryBase  time.Duration
}

func NewSupabase(url, serviceKey, bucket string) *Supabase {
	return &Supabase{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
		client: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryBase: baseRetryDelay,
	}
}

func (s *Supabase) Bucket() string { return s.bucket }

func (s *Supabase) WithBucket(name string) ObjectStore {
	if name == "" || name == s.bucket {
		return s
	}
	cp := *s
	cp.bucket = name
	return &cp
}

// Upload writes an object with PUT + x-upsert so a retried merge overwrites
// its own earlier output.
func (s *Supabase) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.bucket, key)

	_, err := s.doWithRetry(ctx, "Upload "+key, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	return s.PublicURL(key), nil
}

func (s *Supabase) Download(ctx context.Context, key string) ([]byte, error) {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.bucket, key)

	return s.doWithRetry(ctx, "Download "+key, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	SortBy struct {
		Column string `json:"column"`
		Order  string `json:"order"`
	} `json:"sortBy"`
}

type listEntry struct {
	Name string  `json:"name"`
	ID   *string `json:"id"` // null for folders
}

// ListPrefix lists the objects directly inside the folder named by prefix.
func (s *Supabase) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/list/%s", s.url, s.bucket)
	folder := strings.Trim(prefix, "/")

	var keys []string
	for offset := 0; ; offset += listPageSize {
		body := listRequest{Prefix: folder, Limit: listPageSize, Offset: offset}
		body.SortBy.Column = "name"
		body.SortBy.Order = "asc"
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode list request: %w", err)
		}

		data, err := s.doWithRetry(ctx, "List "+folder, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		})
		if err != nil {
			return nil, err
		}

		var entries []listEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("failed to parse list response: %w", err)
		}
		for _, e := range entries {
			if e.ID == nil {
				continue
			}
			if folder == "" {
				keys = append(keys, e.Name)
			} else {
				keys = append(keys, folder+"/"+e.Name)
			}
		}
		if len(entries) < listPageSize {
			break
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// PublicURL returns the public URL for an object
func (s *Supabase) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.bucket, key)
}

// SignForPlayback creates a signed URL for temporary access
func (s *Supabase) SignForPlayback(ctx context.Context, key string, ttl time.Duration) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.url, s.bucket, key)
	body := fmt.Sprintf(`{"expiresIn": %d}`, int(ttl.Seconds()))

	data, err := s.doWithRetry(ctx, "Sign "+key, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var result struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to parse signed URL response: %w", err)
	}
	if result.SignedURL == "" {
		return "", fmt.Errorf("signed URL response for %s was empty", key)
	}

	return s.url + "/storage/v1" + result.SignedURL, nil
}

// doWithRetry sends the request built by build, retrying transient network
// errors and retryable statuses with exponential backoff. It returns the body
// of the first 2xx response.
func (s *Supabase) doWithRetry(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(s.retryBase, attempt)
			log.Printf("[Storage] %s retry %d/%d (waiting %v)...", op, attempt, maxRetries, delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		// Each attempt gets its own timeout, bounded by the caller's ctx
		attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)

		req, err := build(attemptCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("%s failed: %w", op, err)
			if isRetryableError(err) {
				log.Printf("[Storage] %s attempt %d failed (retryable): %v", op, attempt+1, err)
				continue
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				lastErr = fmt.Errorf("%s: failed to read body: %w", op, readErr)
				log.Printf("[Storage] %s attempt %d read failed: %v", op, attempt+1, readErr)
				continue
			}
			if attempt > 0 {
				log.Printf("[Storage] %s succeeded on attempt %d", op, attempt+1)
			}
			return body, nil
		}

		lastErr = fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, truncate(string(body), 500))

		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] %s attempt %d returned status %d (retryable)", op, attempt+1, resp.StatusCode)
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return nil, lastErr
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}
