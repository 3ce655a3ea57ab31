package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// CallbackPayload is the wire shape of POST /callbacks/merge.
type CallbackPayload struct {
	JobID         string   `json:"jobId"`
	Success       bool     `json:"success"`
	FinalVideoURL string   `json:"finalVideoUrl,omitempty"`
	FinalVideoKey string   `json:"finalVideoKey,omitempty"`
	TotalDuration *float64 `json:"totalDuration,omitempty"`
	Error         string   `json:"error,omitempty"`
	Stage         string   `json:"stage,omitempty"`
	Secret        string   `json:"secret"`
}

// NewCallbackPayload renders an outcome for the wire.
func NewCallbackPayload(out Outcome, secret string) CallbackPayload {
	p := CallbackPayload{
		JobID:   out.JobID.String(),
		Success: out.Success,
		Secret:  secret,
	}
	if out.Success {
		total := out.TotalDuration
		p.FinalVideoURL = out.FinalVideoURL
		p.FinalVideoKey = out.FinalVideoKey
		p.TotalDuration = &total
	} else {
		p.Error = out.Error
		p.Stage = string(out.Stage)
	}
	return p
}

// HTTPReporter posts outcomes to the API's callback endpoint. Transport
// errors and 5xx responses are retried; anything else is final.
type HTTPReporter struct {
	url       string
	secret    string
	client    *http.Client
	attempts  int
	retryBase time.Duration
}

func NewHTTPReporter(url, secret string) *HTTPReporter {
	return &HTTPReporter{
		url:       url,
		secret:    secret,
		client:    &http.Client{Timeout: 15 * time.Second},
		attempts:  4,
		retryBase: time.Second,
	}
}

func (r *HTTPReporter) Report(ctx context.Context, out Outcome) error {
	body, err := json.Marshal(NewCallbackPayload(out, r.secret))
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("callback cancelled after %d attempts: %w", attempt, lastErr)
			case <-time.After(r.retryBase << (attempt - 1)):
			}
		}

		retry, err := r.post(ctx, body)
		if err == nil {
			log.Printf("[Merge] Reported job %s (success=%v)", out.JobID, out.Success)
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		log.Printf("[Merge] Callback for job %s failed (attempt %d/%d): %v", out.JobID, attempt+1, r.attempts, err)
	}
	return fmt.Errorf("callback failed after %d attempts: %w", r.attempts, lastErr)
}

func (r *HTTPReporter) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode >= 500, fmt.Errorf("callback returned %d: %s", resp.StatusCode, string(msg))
}
