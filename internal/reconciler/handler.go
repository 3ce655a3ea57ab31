package reconciler

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
)

const maxCallbackBytes = 1 << 20

type callbackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Handler serves POST /callbacks/merge.
func (r *Reconciler) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxCallbackBytes))
		if err != nil {
			writeResult(w, http.StatusBadRequest, "failed to read body")
			return
		}

		cb, err := ParseCallback(body)
		if err != nil {
			writeResult(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		err = r.Apply(req.Context(), cb)
		switch {
		case err == nil:
			writeResult(w, http.StatusOK, "")
		case errors.Is(err, ErrUnauthorized):
			writeResult(w, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, ErrBadRequest):
			writeResult(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrNotFound):
			writeResult(w, http.StatusNotFound, "job not found")
		default:
			log.Printf("[Reconciler] Callback failed: %v", err)
			writeResult(w, http.StatusInternalServerError, "internal error")
		}
	}
}

func writeResult(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(callbackResponse{Success: status == http.StatusOK, Error: msg})
}
