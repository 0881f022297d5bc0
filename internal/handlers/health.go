package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ppops/stub-gateway/internal/database"
	"github.com/ppops/stub-gateway/internal/health"
)

// monitor is set once at startup; nil when health probing is disabled.
var monitor *health.Monitor

// SetMonitor wires the health endpoints to the running monitor.
func SetMonitor(m *health.Monitor) {
	monitor = m
}

// HealthCheck is the gateway's own liveness endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
	})
}

// ListServerHealth returns the monitor's snapshot for every configured host.
func ListServerHealth(w http.ResponseWriter, r *http.Request) {
	if monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "Health monitor not running")
		return
	}
	writeJSON(w, http.StatusOK, monitor.Snapshots())
}

// GetServerHealth returns the monitor's snapshot for one host alias.
func GetServerHealth(w http.ResponseWriter, r *http.Request) {
	if monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "Health monitor not running")
		return
	}
	snap, ok := monitor.Snapshot(chi.URLParam(r, "serverName"))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown server")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
