package handlers

import (
	"net/http"

	"github.com/halbert/dispatch/services/monitor"
	"github.com/halbert/dispatch/services/routing"
	"github.com/halbert/dispatch/utils"
)

// StatusResponse summarizes the running service.
type StatusResponse struct {
	Version     string              `json:"version"`
	Environment string              `json:"environment"`
	Router      *routing.Status     `json:"router"`
	Models      int                 `json:"tracked_models"`
	Alerts      monitor.AlertCounts `json:"alerts"`
}

// StatusHandler serves GET /api/v1/status.
type StatusHandler struct {
	version     string
	environment string
	router      *routing.ModelRouter
	monitor     *monitor.Monitor
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(version, environment string, router *routing.ModelRouter, mon *monitor.Monitor) *StatusHandler {
	return &StatusHandler{version: version, environment: environment, router: router, monitor: mon}
}

// HandleStatus handles GET /api/v1/status
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ms := h.monitor.GetStatus()
	_ = utils.WriteOK(w, StatusResponse{
		Version:     h.version,
		Environment: h.environment,
		Router:      h.router.GetStatus(r.Context()),
		Models:      len(ms.Models),
		Alerts:      ms.Alerts,
	})
}
