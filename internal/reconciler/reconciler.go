// Package reconciler applies merge callbacks and timeouts to the job store.
// It is the only writer of STITCHING -> DONE and STITCHING -> FAILED.
package reconciler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/merge"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

var (
	ErrUnauthorized = errors.New("invalid callback secret")
	ErrBadRequest   = errors.New("malformed callback")
	ErrNotFound     = errors.New("job not found")
)

const (
	missingLocationMessage = "merge reported success without a final video location"
	defaultFailureMessage  = "merge failed without an error message"
)

// Result is either Succeeded or Failed.
type Result interface {
	isResult()
}

// Succeeded carries at least one of URL and Key. A missing URL is derived
// from Key by the reconciler's Locator.
type Succeeded struct {
	URL      string
	Key      *string
	Duration int
}

type Failed struct {
	Stage   string // merge pipeline stage, informational
	Message string
}

func (Succeeded) isResult() {}
func (Failed) isResult()    {}

// Callback is a decoded merge callback. JobID is uuid.Nil when the sender
// supplied an id that does not parse.
type Callback struct {
	JobID  uuid.UUID
	Secret string
	Result Result

	rawJobID string
}

// ParseCallback decodes the wire payload once. Only undecodable JSON is an
// error here; semantic checks happen in Apply so the secret is checked first.
func ParseCallback(body []byte) (Callback, error) {
	var p merge.CallbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	cb := Callback{Secret: p.Secret, rawJobID: strings.TrimSpace(p.JobID)}
	if id, err := uuid.Parse(cb.rawJobID); err == nil {
		cb.JobID = id
	}

	switch {
	case p.Success && (strings.TrimSpace(p.FinalVideoURL) != "" || strings.TrimSpace(p.FinalVideoKey) != ""):
		var key *string
		if k := strings.TrimSpace(p.FinalVideoKey); k != "" {
			key = &k
		}
		var total float64
		if p.TotalDuration != nil {
			total = *p.TotalDuration
		}
		cb.Result = Succeeded{URL: p.FinalVideoURL, Key: key, Duration: merge.RoundSeconds(total)}
	case p.Success:
		cb.Result = Failed{Message: missingLocationMessage}
	default:
		cb.Result = Failed{Stage: p.Stage, Message: failureMessage(p.Stage, p.Error)}
	}
	return cb, nil
}

func failureMessage(stage, msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = defaultFailureMessage
	}
	if stage != "" && !strings.HasPrefix(msg, stage+":") {
		msg = stage + ": " + msg
	}
	return msg
}

// Locator turns an object key into a public URL.
type Locator interface {
	PublicURL(key string) string
}

type Reconciler struct {
	store   jobstore.Store
	secret  string
	locator Locator
}

func New(store jobstore.Store, secret string) *Reconciler {
	return &Reconciler{store: store, secret: secret}
}

// WithLocator lets success callbacks that only carry finalVideoKey complete.
func (r *Reconciler) WithLocator(l Locator) *Reconciler {
	r.locator = l
	return r
}

// resolve fills a missing URL from the key, or fails the result when neither
// location can be stored.
func (r *Reconciler) resolve(res Result) Result {
	s, ok := res.(Succeeded)
	if !ok || s.URL != "" {
		return res
	}
	if s.Key != nil && r.locator != nil {
		if url := r.locator.PublicURL(*s.Key); url != "" {
			s.URL = url
			return s
		}
	}
	return Failed{Message: missingLocationMessage}
}

// Apply checks the callback and applies it with a compare-and-swap on
// STITCHING. Repeated or late callbacks are accepted as no-ops.
func (r *Reconciler) Apply(ctx context.Context, cb Callback) error {
	if r.secret == "" || subtle.ConstantTimeCompare([]byte(cb.Secret), []byte(r.secret)) != 1 {
		metrics.RecordCallback("unauthorized")
		return ErrUnauthorized
	}
	if cb.rawJobID == "" && cb.JobID == uuid.Nil {
		metrics.RecordCallback("bad_request")
		return fmt.Errorf("%w: jobId is required", ErrBadRequest)
	}
	if cb.JobID == uuid.Nil {
		metrics.RecordCallback("not_found")
		return fmt.Errorf("%w: %q", ErrNotFound, cb.rawJobID)
	}
	if cb.Result == nil {
		metrics.RecordCallback("bad_request")
		return fmt.Errorf("%w: no result", ErrBadRequest)
	}
	cb.Result = r.resolve(cb.Result)

	var (
		applied bool
		err     error
	)
	switch res := cb.Result.(type) {
	case Succeeded:
		applied, err = r.store.CompleteJob(ctx, cb.JobID, jobstore.Completion{
			FinalVideoURL:   res.URL,
			FinalVideoKey:   res.Key,
			DurationSeconds: res.Duration,
		})
	case Failed:
		applied, err = r.store.FailJob(ctx, cb.JobID, []models.JobStatus{models.JobStatusStitching}, models.FailureStageStitching, res.Message)
	default:
		return fmt.Errorf("%w: unknown result %T", ErrBadRequest, cb.Result)
	}

	if errors.Is(err, jobstore.ErrNotFound) {
		metrics.RecordCallback("not_found")
		return fmt.Errorf("%w: %s", ErrNotFound, cb.JobID)
	}
	if err != nil {
		metrics.RecordCallback("error")
		return fmt.Errorf("failed to apply callback for job %s: %w", cb.JobID, err)
	}

	if !applied {
		metrics.RecordCallback("ignored")
		log.Printf("[Reconciler] Callback for job %s ignored: job is no longer STITCHING", cb.JobID)
		return nil
	}

	switch res := cb.Result.(type) {
	case Succeeded:
		metrics.RecordCallback("done")
		metrics.RecordTransition(string(models.JobStatusDone))
		log.Printf("[Reconciler] Job %s DONE (%ds, %s)", cb.JobID, res.Duration, res.URL)
	case Failed:
		metrics.RecordCallback("failed")
		metrics.RecordTransition(string(models.JobStatusFailed))
		log.Printf("[Reconciler] Job %s FAILED at STITCHING: %s", cb.JobID, res.Message)
	}
	return nil
}

// FailByOperator fails any non-terminal job. It returns
// jobstore.ErrInvalidState when the job already finished.
func (r *Reconciler) FailByOperator(ctx context.Context, id uuid.UUID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "failed by operator"
	}
	applied, err := r.store.FailJob(ctx, id,
		[]models.JobStatus{models.JobStatusPending, models.JobStatusProcessing, models.JobStatusStitching},
		models.FailureStageOperator, reason)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: job %s is already terminal", jobstore.ErrInvalidState, id)
	}
	metrics.RecordTransition(string(models.JobStatusFailed))
	log.Printf("[Reconciler] Job %s failed by operator: %s", id, reason)
	return nil
}
