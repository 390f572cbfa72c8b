package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/fw-alert-gateway/pkg/history"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/notify"
	"github.com/timeplus-io/fw-alert-gateway/pkg/poller"
	"github.com/timeplus-io/fw-alert-gateway/pkg/remediation"
	"github.com/timeplus-io/fw-alert-gateway/pkg/services"
	"github.com/timeplus-io/fw-alert-gateway/pkg/store"
	"github.com/timeplus-io/fw-alert-gateway/pkg/validation"
)

// HeaderAuthUser carries the operator identity set by the upstream auth proxy
const HeaderAuthUser = "X-Auth-User"

// AlertService is the lifecycle surface the API exposes. Raise is not part of it.
type AlertService interface {
	ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error)
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	GetHistory(ctx context.Context, id int64) ([]models.AlertHistory, error)
	Acknowledge(ctx context.Context, id int64, actor, notes string) (*models.Alert, error)
	Resolve(ctx context.Context, id int64, actor, notes string) (*models.Alert, error)
}

// Notifier sends alert digests synchronously
type Notifier interface {
	NotifyBatch(ctx context.Context, recipient string, alerts []models.Alert) error
	NotifyAdmin(ctx context.Context, alert models.Alert) error
}

// Remediator runs operator-triggered actions
type Remediator interface {
	RestartService(ctx context.Context, key, actor string) (remediation.Result, error)
	BlockTraffic(ctx context.Context, source, actor string) (remediation.Result, error)
}

// SourceStatuser reports poller freshness
type SourceStatuser interface {
	Status() []poller.SourceStatus
}

// Deps are the components behind the HTTP surface. Sources may be nil when
// the poller is disabled.
type Deps struct {
	Alerts      AlertService
	History     history.Store
	Notifier    Notifier
	Remediation Remediator
	Sources     SourceStatuser
}

// APIHandler handles HTTP API requests
type APIHandler struct {
	deps Deps
	now  func() time.Time
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(deps Deps) *APIHandler {
	return &APIHandler{deps: deps, now: time.Now}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func success(c echo.Context, message string) error {
	return c.JSON(http.StatusOK, statusResponse{Status: "success", Message: message})
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// fail maps domain errors onto HTTP status codes
func fail(c echo.Context, op string, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, remediation.ErrInvalidServiceKey),
		errors.Is(err, remediation.ErrInvalidAddress),
		errors.Is(err, notify.ErrNoAlerts):
		status = http.StatusBadRequest
	case errors.Is(err, notify.ErrDeliveryFailed):
		status = http.StatusBadGateway
	case errors.Is(err, notify.ErrNoRecipient),
		errors.Is(err, notify.ErrQueueFull),
		errors.Is(err, store.ErrStorage):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logrus.Errorf("%s: %v", op, err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func actor(c echo.Context, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	return strings.TrimSpace(c.Request().Header.Get(HeaderAuthUser))
}

func alertID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid alert id %q", c.Param("id"))
	}
	return id, nil
}

func parseTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format, expected RFC3339", name)
	}
	return &t, nil
}

func parseState(s string) (models.AlertState, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "open", "unacknowledged", string(models.AlertStateOpen):
		return models.AlertStateOpen, nil
	case "acknowledged", string(models.AlertStateAcknowledged):
		return models.AlertStateAcknowledged, nil
	case "resolved":
		return models.AlertStateResolved, nil
	default:
		return "", fmt.Errorf("invalid state %q", s)
	}
}

// GetAlerts lists alerts newest first
// @Summary List alerts
// @Param type query string false "metric type"
// @Param severity query string false "critical, warning or info"
// @Param state query string false "open, acknowledged or resolved"
// @Router /alerts [get]
func (h *APIHandler) GetAlerts(c echo.Context) error {
	f := models.AlertFilter{
		Type:   models.MetricType(c.QueryParam("type")),
		Source: c.QueryParam("source"),
	}
	if s := c.QueryParam("severity"); s != "" {
		sev, err := models.ParseSeverity(s)
		if err != nil {
			return badRequest(c, err)
		}
		f.Severity = sev
	}
	state, err := parseState(c.QueryParam("state"))
	if err != nil {
		return badRequest(c, err)
	}
	f.State = state
	if f.Since, err = parseTime("since", c.QueryParam("since")); err != nil {
		return badRequest(c, err)
	}
	if f.Until, err = parseTime("until", c.QueryParam("until")); err != nil {
		return badRequest(c, err)
	}
	if l := c.QueryParam("limit"); l != "" {
		if f.Limit, err = strconv.Atoi(l); err != nil || f.Limit < 0 {
			return badRequest(c, fmt.Errorf("invalid limit %q", l))
		}
	}

	alerts, err := h.deps.Alerts.ListAlerts(c.Request().Context(), f)
	if err != nil {
		return fail(c, "Error listing alerts", err)
	}
	return c.JSON(http.StatusOK, alerts)
}

// GetAlert returns an alert by ID
func (h *APIHandler) GetAlert(c echo.Context) error {
	id, err := alertID(c)
	if err != nil {
		return badRequest(c, err)
	}
	alert, err := h.deps.Alerts.GetAlert(c.Request().Context(), id)
	if err != nil {
		return fail(c, "Error getting alert", err)
	}
	return c.JSON(http.StatusOK, alert)
}

// GetAlertHistory returns the audit trail of an alert, oldest first
func (h *APIHandler) GetAlertHistory(c echo.Context) error {
	id, err := alertID(c)
	if err != nil {
		return badRequest(c, err)
	}
	hist, err := h.deps.Alerts.GetHistory(c.Request().Context(), id)
	if err != nil {
		return fail(c, "Error getting alert history", err)
	}
	return c.JSON(http.StatusOK, hist)
}

func (h *APIHandler) transition(c echo.Context, op string, fn func(context.Context, int64, string, string) (*models.Alert, error)) error {
	id, err := alertID(c)
	if err != nil {
		return badRequest(c, err)
	}
	var req models.AlertActionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, errors.New("invalid request format"))
		}
	}
	alert, err := fn(c.Request().Context(), id, actor(c, req.Actor), req.Notes)
	if err != nil {
		return fail(c, "Error trying to "+op+" alert", err)
	}
	return c.JSON(http.StatusOK, alert)
}

// AcknowledgeAlert acknowledges an alert
// @Summary Acknowledge an alert
// @Param id path int true "alert id"
// @Router /alerts/{id}/acknowledge [post]
func (h *APIHandler) AcknowledgeAlert(c echo.Context) error {
	return h.transition(c, "acknowledge", h.deps.Alerts.Acknowledge)
}

// ResolveAlert resolves an alert
// @Summary Resolve an alert
// @Param id path int true "alert id"
// @Router /alerts/{id}/resolve [post]
func (h *APIHandler) ResolveAlert(c echo.Context) error {
	return h.transition(c, "resolve", h.deps.Alerts.Resolve)
}

type historyQuery struct {
	Range models.TimeRange
	At    time.Time
}

func parseHistoryQuery(c echo.Context) (historyQuery, error) {
	r, err := models.ParseTimeRange(c.QueryParam("time_range"))
	if err != nil {
		return historyQuery{}, err
	}
	q := historyQuery{Range: r}
	// at pins the evaluation time so repeated queries see the same window
	at, err := parseTime("at", c.QueryParam("at"))
	if err != nil {
		return historyQuery{}, err
	}
	if at != nil {
		q.At = *at
	}
	return q, nil
}

// GetMetricsHistory returns raw metric samples
func (h *APIHandler) GetMetricsHistory(c echo.Context) error {
	q, err := parseHistoryQuery(c)
	if err != nil {
		return badRequest(c, err)
	}
	out, err := h.deps.History.QueryMetrics(c.Request().Context(), models.MetricFilter{
		Source:     c.QueryParam("source"),
		MetricType: models.MetricType(c.QueryParam("metric_type")),
		Range:      q.Range,
		At:         q.At,
	})
	if err != nil {
		return fail(c, "Error querying metrics", err)
	}
	return c.JSON(http.StatusOK, out)
}

// GetMetricsSummary returns avg/max/min/count per metric type
func (h *APIHandler) GetMetricsSummary(c echo.Context) error {
	q, err := parseHistoryQuery(c)
	if err != nil {
		return badRequest(c, err)
	}
	out, err := h.deps.History.Summarize(c.Request().Context(), models.MetricFilter{
		Source:     c.QueryParam("source"),
		MetricType: models.MetricType(c.QueryParam("metric_type")),
		Range:      q.Range,
		At:         q.At,
	})
	if err != nil {
		return fail(c, "Error summarizing metrics", err)
	}
	return c.JSON(http.StatusOK, out)
}

// GetInterfaceStats returns interface snapshots
func (h *APIHandler) GetInterfaceStats(c echo.Context) error {
	q, err := parseHistoryQuery(c)
	if err != nil {
		return badRequest(c, err)
	}
	out, err := h.deps.History.QueryInterfaceStats(c.Request().Context(), models.InterfaceFilter{
		Source:        c.QueryParam("source"),
		InterfaceName: c.QueryParam("interface_name"),
		Range:         q.Range,
		At:            q.At,
	})
	if err != nil {
		return fail(c, "Error querying interface stats", err)
	}
	return c.JSON(http.StatusOK, out)
}

// GetNetflow returns flow records
func (h *APIHandler) GetNetflow(c echo.Context) error {
	q, err := parseHistoryQuery(c)
	if err != nil {
		return badRequest(c, err)
	}
	out, err := h.deps.History.QueryFlows(c.Request().Context(), models.FlowFilter{
		Source:        c.QueryParam("source"),
		SourceIP:      c.QueryParam("source_ip"),
		DestinationIP: c.QueryParam("destination_ip"),
		Protocol:      c.QueryParam("protocol"),
		Range:         q.Range,
		At:            q.At,
	})
	if err != nil {
		return fail(c, "Error querying netflow", err)
	}
	return c.JSON(http.StatusOK, out)
}

// GetTopTalkers ranks source IPs by bytes
func (h *APIHandler) GetTopTalkers(c echo.Context) error {
	q, err := parseHistoryQuery(c)
	if err != nil {
		return badRequest(c, err)
	}
	// an absent limit means the default; an explicit one must be positive
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit < 1 {
			return badRequest(c, fmt.Errorf("invalid limit %q", l))
		}
	}
	out, err := h.deps.History.TopTalkers(c.Request().Context(), models.TopTalkerFilter{Range: q.Range, Limit: limit, At: q.At})
	if err != nil {
		return fail(c, "Error ranking top talkers", err)
	}
	return c.JSON(http.StatusOK, out)
}

// SendAlertEmail mails a digest of the submitted alerts
// @Summary Send an alert digest
// @Router /send-alert-email [post]
func (h *APIHandler) SendAlertEmail(c echo.Context) error {
	var req models.SendAlertEmailRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, errors.New("invalid request format"))
	}
	if err := validation.Struct(&req); err != nil {
		return badRequest(c, err)
	}
	now := h.now()
	alerts := make([]models.Alert, len(req.Alerts))
	for i, p := range req.Alerts {
		alerts[i] = p.ToAlert(now)
	}
	if err := h.deps.Notifier.NotifyBatch(c.Request().Context(), req.Email, alerts); err != nil {
		return fail(c, "Error sending alert email", err)
	}
	return success(c, "Alert email sent successfully")
}

// NotifyAdmin mails a single alert to the configured admin address
// @Summary Notify the administrator
// @Router /notify-admin [post]
func (h *APIHandler) NotifyAdmin(c echo.Context) error {
	var req models.NotifyAdminRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, errors.New("invalid request format"))
	}
	if err := validation.Struct(&req); err != nil {
		return badRequest(c, err)
	}
	if err := h.deps.Notifier.NotifyAdmin(c.Request().Context(), req.Alert.ToAlert(h.now())); err != nil {
		return fail(c, "Error notifying admin", err)
	}
	return success(c, "Admin notified successfully")
}

// RestartService restarts a monitoring service
// @Summary Restart a monitoring service
// @Router /restart-service [post]
func (h *APIHandler) RestartService(c echo.Context) error {
	var req models.RestartServiceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, errors.New("invalid request format"))
	}
	if err := validation.Struct(&req); err != nil {
		return badRequest(c, err)
	}
	res, err := h.deps.Remediation.RestartService(c.Request().Context(), req.Service, actor(c, req.Actor))
	if err != nil {
		return fail(c, "Error restarting service", err)
	}
	return success(c, fmt.Sprintf("Service %s restarted successfully", res.Target))
}

// BlockTraffic drops inbound traffic from an address
// @Summary Block traffic from a source address
// @Router /block-traffic [post]
func (h *APIHandler) BlockTraffic(c echo.Context) error {
	var req models.BlockTrafficRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, errors.New("invalid request format"))
	}
	if err := validation.Struct(&req); err != nil {
		return badRequest(c, err)
	}
	res, err := h.deps.Remediation.BlockTraffic(c.Request().Context(), req.Source, actor(c, req.Actor))
	if err != nil {
		return fail(c, "Error blocking traffic", err)
	}
	return success(c, fmt.Sprintf("Traffic from %s blocked successfully", res.Target))
}

// GetSources reports per-source poll freshness
func (h *APIHandler) GetSources(c echo.Context) error {
	if h.deps.Sources == nil {
		return c.JSON(http.StatusOK, []poller.SourceStatus{})
	}
	return c.JSON(http.StatusOK, h.deps.Sources.Status())
}

// Healthz reports liveness
func (h *APIHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// SetupRoutes sets up the API routes
func (h *APIHandler) SetupRoutes(e *echo.Echo) {
	api := e.Group("/api")

	// Alert endpoints
	api.GET("/alerts", h.GetAlerts)
	api.GET("/alerts/:id", h.GetAlert)
	api.GET("/alerts/:id/history", h.GetAlertHistory)
	api.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	api.POST("/alerts/:id/resolve", h.ResolveAlert)

	// Notification and remediation
	api.POST("/send-alert-email", h.SendAlertEmail)
	api.POST("/notify-admin", h.NotifyAdmin)
	api.POST("/restart-service", h.RestartService)
	api.POST("/block-traffic", h.BlockTraffic)

	api.GET("/sources", h.GetSources)

	// History endpoints
	hist := e.Group("/history")
	hist.GET("/metrics", h.GetMetricsHistory)
	hist.GET("/metrics/summary", h.GetMetricsSummary)
	hist.GET("/interface-stats", h.GetInterfaceStats)
	hist.GET("/netflow", h.GetNetflow)
	hist.GET("/netflow/top-talkers", h.GetTopTalkers)

	e.GET("/healthz", h.Healthz)
}
