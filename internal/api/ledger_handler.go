package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tally/internal/cost"
	"github.com/alecgard/tally/internal/usage"
	"github.com/alecgard/tally/internal/user"
)

// maxReportRecords caps how many records one cost report prices.
const maxReportRecords = 1000

// UsageLedger is the read side of the analytics ledger.
type UsageLedger interface {
	GetSummary(ctx context.Context, q usage.Query) (*usage.Summary, error)
	List(ctx context.Context, q usage.Query) ([]*usage.Record, string, error)
}

// CostReporter prices a stored record set.
type CostReporter interface {
	Calculate(ctx context.Context, items []cost.Item, opts cost.Options) cost.Report
}

// UserDirectory mirrors accounts from the authentication provider.
type UserDirectory interface {
	Upsert(ctx context.Context, in user.UpsertInput) (*user.User, error)
}

// ledgerHandler serves read access to the analytics ledger.
type ledgerHandler struct {
	ledger   UsageLedger
	reporter CostReporter
	users    UserDirectory
	currency string
}

// buildUsageQuery constructs a usage.Query from query params.
func buildUsageQuery(r *http.Request) (*usage.Query, error) {
	q := &usage.Query{
		ModelID:  r.URL.Query().Get("model_id"),
		Provider: r.URL.Query().Get("provider"),
		Status:   usage.Status(r.URL.Query().Get("status")),
		Cursor:   r.URL.Query().Get("cursor"),
	}
	if userParam := r.URL.Query().Get("user_id"); userParam != "" {
		if strings.Contains(userParam, ",") {
			q.UserIDs = strings.Split(userParam, ",")
		} else {
			q.UserID = userParam
		}
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return nil, err
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return nil, err
	}
	q.To = to

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil {
			return nil, lErr
		}
		if l < 1 {
			return nil, strconv.ErrRange
		}
		q.Limit = l
	}
	return q, nil
}

// GetSummary handles GET /api/v1/usage/summary.
func (h *ledgerHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeUnavailable(w, "usage ledger")
		return
	}
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	summary, err := h.ledger.GetSummary(r.Context(), *q)
	if err != nil {
		slog.Error("failed to get usage summary", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListRecords handles GET /api/v1/usage.
func (h *ledgerHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeUnavailable(w, "usage ledger")
		return
	}
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	records, next, err := h.ledger.List(r.Context(), *q)
	if err != nil {
		if errors.Is(err, usage.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid_params", "invalid cursor")
			return
		}
		slog.Error("failed to list usage records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage records")
		return
	}
	if records == nil {
		records = []*usage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":     records,
		"next_cursor": next,
	})
}

// Report handles GET /api/v1/usage/report: it reprices the matching records
// at current prices, preferring confirmed actual costs.
func (h *ledgerHandler) Report(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil || h.reporter == nil {
		writeUnavailable(w, "cost report")
		return
	}
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}
	q.Cursor = ""
	if q.Limit == 0 || q.Limit > maxReportRecords {
		q.Limit = maxReportRecords
	}

	records, next, err := h.ledger.List(r.Context(), *q)
	if err != nil {
		slog.Error("failed to list usage records for report", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build cost report")
		return
	}

	items := make([]cost.Item, 0, len(records))
	for _, rec := range records {
		items = append(items, cost.Item{
			ModelID:      rec.ModelID,
			Provider:     rec.Provider,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			ActualCost:   rec.ActualCost,
			Currency:     rec.Currency,
		})
	}

	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = h.currency
	}
	rep := h.reporter.Calculate(r.Context(), items, cost.Options{
		IncludeVolumeDiscount: r.URL.Query().Get("discount") == "true",
		TargetCurrency:        strings.ToUpper(currency),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"report":    rep,
		"records":   len(records),
		"truncated": next != "",
	})
}

// UpsertUser handles PUT /api/v1/users/{userID}.
func (h *ledgerHandler) UpsertUser(w http.ResponseWriter, r *http.Request) {
	if h.users == nil {
		writeUnavailable(w, "user directory")
		return
	}
	var in user.UpsertInput
	if r.ContentLength != 0 {
		if err := readJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	in.ID = chi.URLParam(r, "userID")

	u, err := h.users.Upsert(r.Context(), in)
	if err != nil {
		slog.Error("failed to upsert user", "user_id", in.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
