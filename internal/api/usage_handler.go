package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tally/internal/usage"
)

// usageHandler serves the collaborator-facing usage routes.
type usageHandler struct {
	recorder UsageRecorder
	daily    DailyUsage
}

func newUsageHandler(recorder UsageRecorder, daily DailyUsage) *usageHandler {
	return &usageHandler{recorder: recorder, daily: daily}
}

// RecordUsage handles POST /api/v1/usage/record. With ?async=true the
// interaction is queued and 202 is returned with the job id.
func (h *usageHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		writeUnavailable(w, "usage recorder")
		return
	}

	var in usage.Interaction
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		jobID, err := h.recorder.Enqueue(r.Context(), in)
		if err != nil {
			writeRecordError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}

	rec, err := h.recorder.Record(r.Context(), in)
	if err != nil {
		if rec != nil {
			// The failure itself was recorded; report it with the row.
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":  errorDetail{Code: "record_failed", Message: "usage could not be recorded"},
				"record": rec,
			})
			return
		}
		writeRecordError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func writeRecordError(w http.ResponseWriter, err error) {
	if errors.Is(err, usage.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id and model_id are required")
		return
	}
	slog.Error("failed to record usage", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to record usage")
}

type incrementRequest struct {
	IsAnonymous bool `json:"is_anonymous"`
}

// IncrementDaily handles POST /api/v1/usage/daily/{userID}/increment.
func (h *usageHandler) IncrementDaily(w http.ResponseWriter, r *http.Request) {
	if h.daily == nil {
		writeUnavailable(w, "daily usage")
		return
	}
	userID := chi.URLParam(r, "userID")

	var req incrementRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}

	res, err := h.daily.IncrementDailyUsage(r.Context(), userID, req.IsAnonymous)
	if err != nil {
		slog.Error("failed to increment daily usage", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to increment daily usage")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckDaily handles GET /api/v1/usage/daily/{userID}. It never changes the
// count.
func (h *usageHandler) CheckDaily(w http.ResponseWriter, r *http.Request) {
	if h.daily == nil {
		writeUnavailable(w, "daily usage")
		return
	}
	userID := chi.URLParam(r, "userID")

	status, err := h.daily.CheckDailyLimit(r.Context(), userID)
	if err != nil {
		slog.Error("failed to check daily limit", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check daily limit")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
