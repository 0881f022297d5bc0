// Package handlers holds the REST surface next to the WebSocket endpoint:
// load history records, host health snapshots, and the gateway's own
// liveness and log access.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppops/stub-gateway/internal/database"
)

// loadPayload is one load inside a POST /histories batch.
type loadPayload struct {
	CustomerNumber       string     `json:"customer_number"`
	ExecutionTimeSeconds float64    `json:"execution_time_seconds"`
	StartedAt            *time.Time `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at"`
	Note                 string     `json:"note"`
}

type createBatchRequest struct {
	ConnectionID string        `json:"connection_id"`
	Loads        []loadPayload `json:"loads"`
}

// CreateHistories records one batch of customer loads.
func CreateHistories(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Loads) == 0 {
		writeError(w, http.StatusBadRequest, "At least one load is required")
		return
	}

	loads := make([]database.NewLoad, 0, len(req.Loads))
	for _, l := range req.Loads {
		nl := database.NewLoad{
			CustomerNumber:       l.CustomerNumber,
			ExecutionTimeSeconds: l.ExecutionTimeSeconds,
			CompletedAt:          l.CompletedAt,
			Note:                 l.Note,
		}
		if l.StartedAt != nil {
			nl.StartedAt = *l.StartedAt
		}
		loads = append(loads, nl)
	}

	rows, err := database.CreateBatch(loads, clientIP(r), req.ConnectionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"batch_id":  rows[0].BatchID,
		"histories": rows,
	})
}

// ListHistories returns history rows, filterable by customer number, batch
// id, client IP and creation window, newest first.
func ListHistories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.HistoryFilter{
		CustomerNumber: q.Get("customer_number"),
		BatchID:        q.Get("batch_id"),
		ClientIP:       q.Get("client_ip"),
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'from' timestamp")
			return
		}
		f.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid 'to' timestamp")
			return
		}
		f.To = ts
	}
	if v := q.Get("page"); v != "" {
		f.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("page_size"); v != "" {
		f.PageSize, _ = strconv.Atoi(v)
	}

	rows, total, err := database.ListHistories(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     total,
		"histories": rows,
	})
}

// GetHistory returns one history row.
func GetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid history ID")
		return
	}
	row, err := database.GetHistory(uint(id))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "History not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// UpdateHistoryNote replaces the note on one history row.
func UpdateHistoryNote(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid history ID")
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	row, err := database.UpdateNote(uint(id), req.Note)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "History not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// GetBatch returns the aggregate view of one batch.
func GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	s, err := database.SummarizeBatch(batchID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetCustomerHistories returns every load for one customer number.
func GetCustomerHistories(w http.ResponseWriter, r *http.Request) {
	rows, err := database.CustomerHistories(chi.URLParam(r, "customerNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     len(rows),
		"histories": rows,
	})
}

// PurgeHistories deletes rows older than the given number of days.
func PurgeHistories(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Query parameter 'days' is required")
		return
	}
	n, err := database.DeleteOlderThan(days)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// clientIP trusts middleware.RealIP to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
