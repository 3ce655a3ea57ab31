package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/ledger"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/orchestrator"
	"github.com/bobarin/adreel/internal/reconciler"
	"github.com/bobarin/adreel/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const playbackTTL = time.Hour

type Handler struct {
	jobs    jobstore.Store
	users   jobstore.UserStore
	objects storage.ObjectStore
	orch    *orchestrator.Orchestrator
	rec     *reconciler.Reconciler
}

func NewHandler(jobs jobstore.Store, users jobstore.UserStore, objects storage.ObjectStore, orch *orchestrator.Orchestrator, rec *reconciler.Reconciler) *Handler {
	return &Handler{
		jobs:    jobs,
		users:   users,
		objects: objects,
		orch:    orch,
		rec:     rec,
	}
}

func owner(r *http.Request) orchestrator.Owner {
	id, _ := identityFrom(r.Context())
	return orchestrator.Owner{ID: id.UserID, Email: id.Email}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.orch.CreateJob(r.Context(), owner(r), req)
	if err != nil {
		var lerr *ledger.Error
		switch {
		case errors.As(err, &lerr):
			respondLedgerError(w, http.StatusPaymentRequired, lerr)
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("[API] Create job failed: %v", err)
			respondError(w, http.StatusInternalServerError, "Failed to create job")
		}
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - status: filter by job status (optional)
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: PENDING, PROCESSING, STITCHING, DONE, FAILED")
		return
	}
	limit, offset := pageParams(r)

	jobs, err := h.jobs.ListJobs(r.Context(), owner(r).ID, status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.VideoJob{}
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{Jobs: jobs, Limit: limit, Offset: offset})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil || job.OwnerID != owner(r).ID {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// ListVideos handles GET /v1/videos
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	videos, err := h.jobs.ListGeneratedVideos(r.Context(), owner(r).ID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list videos")
		return
	}
	if videos == nil {
		videos = []models.GeneratedVideo{}
	}

	respondJSON(w, http.StatusOK, models.ListVideosResponse{Videos: videos, Limit: limit, Offset: offset})
}

// GetVideo handles GET /v1/videos/{jobId}
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	video, ok := h.ownedVideo(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, video)
}

// GetPlayback handles GET /v1/videos/{jobId}/playback
func (h *Handler) GetPlayback(w http.ResponseWriter, r *http.Request) {
	video, ok := h.ownedVideo(w, r)
	if !ok {
		return
	}

	if video.VideoKey == nil {
		respondJSON(w, http.StatusOK, models.PlaybackResponse{URL: video.VideoURL})
		return
	}

	url, err := h.objects.SignForPlayback(r.Context(), *video.VideoKey, playbackTTL)
	if err != nil {
		log.Printf("[API] Failed to sign playback URL for job %s: %v", video.JobID, err)
		respondError(w, http.StatusInternalServerError, "Failed to generate playback URL")
		return
	}

	respondJSON(w, http.StatusOK, models.PlaybackResponse{
		URL:       url,
		ExpiresIn: int(playbackTTL.Seconds()),
	})
}

func (h *Handler) ownedVideo(w http.ResponseWriter, r *http.Request) (*models.GeneratedVideo, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	video, err := h.jobs.GetGeneratedVideo(r.Context(), jobID)
	if err != nil || video.OwnerID != owner(r).ID {
		respondError(w, http.StatusNotFound, "Video not found")
		return nil, false
	}
	return video, true
}

// GetCredits handles GET /v1/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	credits, err := h.orch.Credits(r.Context(), owner(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load credits")
		return
	}
	respondJSON(w, http.StatusOK, credits)
}

// CheckEligibility handles POST /v1/billing/eligibility, the gate in front of
// the payment provider's checkout.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var req models.EligibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	raw := ""
	if req.Pool != nil {
		raw = *req.Pool
	}
	pool, err := ledger.ParsePool(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	available, err := h.orch.CheckPurchase(r.Context(), owner(r), pool)
	var lerr *ledger.Error
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, models.EligibilityResponse{Eligible: true, Available: available})
	case errors.As(err, &lerr):
		respondLedgerError(w, http.StatusConflict, lerr)
	default:
		respondError(w, http.StatusInternalServerError, "Failed to check eligibility")
	}
}

// FailJob handles POST /internal/jobs/{id}/fail
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}
	var req models.FailJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	err = h.rec.FailByOperator(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		respondError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, jobstore.ErrInvalidState):
		respondError(w, http.StatusConflict, "Job already finished")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Failed to fail job")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to reload job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ResetCredits handles POST /internal/users/{id}/credits/reset, called by
// the billing cycle.
func (h *Handler) ResetCredits(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	var req models.ResetCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	pool, err := ledger.ParsePool(req.Pool)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Allowed < 0 || req.Carryover < 0 {
		respondError(w, http.StatusBadRequest, "allowed and carryover must not be negative")
		return
	}

	err = h.users.ResetCreditPeriod(r.Context(), id, pool, req.Allowed, req.Carryover, req.CarryoverExpiry)
	if errors.Is(err, jobstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to reset credits")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondLedgerError(w http.ResponseWriter, status int, err *ledger.Error) {
	respondJSON(w, status, map[string]interface{}{
		"error":     err.Error(),
		"code":      err.Code,
		"pool":      err.Pool,
		"available": err.Available,
	})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
