package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/halbert/dispatch/middleware"
	"github.com/halbert/dispatch/services"
	"github.com/halbert/dispatch/services/monitor"
	"github.com/halbert/dispatch/utils"
)

// MetricsForgetter drops exported series for a reset model.
type MetricsForgetter interface {
	Forget(modelID string)
}

// QualityRequest is the body of POST /monitor/quality.
type QualityRequest struct {
	ModelID string   `json:"model_id" validate:"required"`
	Score   *float64 `json:"score" validate:"required,min=0,max=1"`
}

// MonitorHandler serves the performance monitor endpoints.
type MonitorHandler struct {
	monitor   *monitor.Monitor
	forgetter MetricsForgetter
	logger    *zap.Logger
}

// NewMonitorHandler creates a MonitorHandler. forgetter may be nil.
func NewMonitorHandler(mon *monitor.Monitor, forgetter MetricsForgetter, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{monitor: mon, forgetter: forgetter, logger: logger}
}

// HandleStatus handles GET /api/v1/monitor/status
func (h *MonitorHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.monitor.GetStatus())
}

// HandleAlerts handles GET /api/v1/monitor/alerts?severity=&since=
// since accepts an RFC 3339 timestamp or a duration such as "1h".
func (h *MonitorHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r, time.Now())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	alerts := h.monitor.GetAlerts(filter)
	if alerts == nil {
		alerts = []monitor.Alert{}
	}
	_ = utils.WriteOK(w, alerts)
}

func parseAlertFilter(r *http.Request, now time.Time) (monitor.AlertFilter, error) {
	var filter monitor.AlertFilter
	q := r.URL.Query()

	if s := q.Get("severity"); s != "" {
		sev := monitor.Severity(s)
		if !sev.Valid() {
			return filter, services.NewDomainError(services.ErrorTypeValidation,
				fmt.Sprintf("unknown severity %q", s), nil)
		}
		filter.Severity = sev
	}

	if s := q.Get("since"); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			filter.Since = ts
		} else if d, err := time.ParseDuration(s); err == nil && d >= 0 {
			filter.Since = now.Add(-d)
		} else {
			return filter, services.NewDomainError(services.ErrorTypeValidation,
				"since must be an RFC 3339 timestamp or a duration", nil).WithDetail("since", s)
		}
	}

	return filter, nil
}

// HandleModel handles GET /api/v1/monitor/models/{modelID}
func (h *MonitorHandler) HandleModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	summary, ok := h.monitor.GetModelMetrics(modelID)
	if !ok {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeNotFound, "no metrics for model", nil).
			WithDetail("model_id", modelID), h.logger)
		return
	}
	_ = utils.WriteOK(w, summary)
}

// HandleRecordQuality handles POST /api/v1/monitor/quality
func (h *MonitorHandler) HandleRecordQuality(w http.ResponseWriter, r *http.Request) {
	var req QualityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if _, ok := h.monitor.GetModelMetrics(req.ModelID); !ok {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeNotFound, "no metrics for model", nil).
			WithDetail("model_id", req.ModelID), h.logger)
		return
	}

	h.monitor.RecordQuality(req.ModelID, *req.Score)
	utils.WriteNoContent(w)
}

// HandleResetMetrics handles DELETE /api/v1/monitor/metrics[?model_id=]
func (h *MonitorHandler) HandleResetMetrics(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model_id")

	h.monitor.ResetMetrics(modelID)
	if h.forgetter != nil {
		h.forgetter.Forget(modelID)
	}

	h.logger.Info("metrics reset via API",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("model_id", modelID),
		zap.String("sub", subject(r)))
	utils.WriteNoContent(w)
}
