package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// HealthStatus represents the health state of the RoboFIRE service
type HealthStatus struct {
	Status          string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64  `json:"uptime_seconds"`
	SourceConnected bool   `json:"source_connected"`
	DetectorAlive   bool   `json:"detector_alive"`
	MQTTConnected   *bool  `json:"mqtt_connected,omitempty"` // nil when MQTT is disabled
	Paused          bool   `json:"paused"`
	LastAction      string `json:"last_action,omitempty"`
	FireConfirmed   bool   `json:"fire_confirmed"`
}

// HealthCheck returns the current health status of the service
func (r *RoboFIRE) HealthCheck() HealthStatus {
	r.mu.RLock()
	running := r.isRunning
	started := r.started
	r.mu.RUnlock()

	status := HealthStatus{
		Status:          "healthy",
		SourceConnected: r.capture.Stats().Connected,
		DetectorAlive:   r.worker.Alive(),
		Paused:          r.decision.Paused(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if r.mqtt != nil {
		connected := r.mqtt.Stats().Connected
		status.MQTTConnected = &connected
	}
	if d, ok := r.decision.LastDecision(); ok {
		status.LastAction = d.Action.String()
		status.FireConfirmed = d.Fire.Confirmed
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case !status.SourceConnected || !status.DetectorAlive:
		status.Status = "degraded"
	case status.MQTTConnected != nil && !*status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// RegisterRoutes mounts the health and status endpoints on e
func (r *RoboFIRE) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", r.Liveness)
	e.GET("/readiness", r.Readiness)
	e.GET("/metrics", r.Metrics)
	e.GET("/status", r.Status)
	e.GET("/decisions/latest", r.LatestDecision)
	e.GET("/decisions/journal", r.Journal)
}

// Liveness handles /health: 200 while the process can serve requests
func (r *RoboFIRE) Liveness(c echo.Context) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()

	uptime := int64(0)
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": uptime,
	})
}

// Readiness handles /readiness: 503 when unhealthy, 200 otherwise (degraded included)
func (r *RoboFIRE) Readiness(c echo.Context) error {
	health := r.HealthCheck()

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, health)
}

// Status handles /status with the full component status
func (r *RoboFIRE) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, r.GetStatus())
}

// LatestDecision handles /decisions/latest
func (r *RoboFIRE) LatestDecision(c echo.Context) error {
	d, ok := r.decision.LastDecision()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no decision yet")
	}
	return c.JSON(http.StatusOK, d)
}

// Journal handles /decisions/journal?since=5m&limit=100 from the Redis journal
func (r *RoboFIRE) Journal(c echo.Context) error {
	if r.journal == nil {
		return echo.NewHTTPError(http.StatusNotFound, "decision journal not configured")
	}

	since := 5 * time.Minute
	if v := c.QueryParam("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid 'since' duration")
		}
		since = d
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid 'limit'")
		}
		limit = n
	}

	now := time.Now()
	decisions, err := r.journal.Range(c.Request().Context(), now.Add(-since), now, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "journal unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":     len(decisions),
		"decisions": decisions,
	})
}

// Metrics handles /metrics in the Prometheus text exposition format
func (r *RoboFIRE) Metrics(c echo.Context) error {
	var b strings.Builder
	inst := r.cfg.InstanceID

	gauge := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s{instance=%q} %v\n", name, help, name, name, inst, v)
	}
	counter := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s{instance=%q} %v\n", name, help, name, name, inst, v)
	}
	boolean := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}

	cs := r.capture.Stats()
	counter("robofire_frames_captured_total", "Frames read from the video source.", cs.FramesRead)
	counter("robofire_capture_read_errors_total", "Failed reads from the video source.", cs.ReadErrors)
	counter("robofire_capture_rewinds_total", "File source rewinds.", cs.Rewinds)
	counter("robofire_capture_reopens_total", "Live source reopens.", cs.Reopens)
	gauge("robofire_source_connected", "1 when the video source is open.", boolean(cs.Connected))

	bs := r.buffer.Stats()
	counter("robofire_frames_overwritten_total", "Frames replaced before the decision loop read them.", bs.Overwritten)

	ds := r.decision.Stats()
	counter("robofire_decisions_total", "Decisions emitted.", ds.Decisions)
	counter("robofire_inferences_total", "Detector runs.", ds.Inferences)
	counter("robofire_detector_errors_total", "Detector runs that failed.", ds.DetectorErrors)
	counter("robofire_sink_errors_total", "Decisions a sink failed to accept.", ds.SinkErrors)
	gauge("robofire_paused", "1 when inference is paused.", boolean(ds.Paused))

	if len(r.delivery) > 0 {
		b.WriteString("# HELP robofire_sink_dropped_total Decisions dropped because a sink queue was full.\n# TYPE robofire_sink_dropped_total counter\n")
		for _, a := range r.delivery {
			fmt.Fprintf(&b, "robofire_sink_dropped_total{instance=%q,sink=%q} %d\n", inst, a.Name(), a.Stats().Dropped)
		}
	}

	wm := r.worker.Metrics()
	gauge("robofire_detector_up", "1 when the detector process is running.", boolean(wm.Running))
	gauge("robofire_detector_latency_ms", "Moving average inference latency.", fmt.Sprintf("%.2f", wm.AvgLatencyMS))
	counter("robofire_detector_restarts_total", "Detector process restarts.", wm.Restarts)

	if d, ok := r.decision.LastDecision(); ok {
		gauge("robofire_fire_confirmed", "1 while a fire is confirmed.", boolean(d.Fire.Confirmed))
	}

	return c.Blob(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
}

// StartHealthServer serves the health endpoints on addr in the background
func (r *RoboFIRE) StartHealthServer(addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	r.RegisterRoutes(e)

	r.mu.Lock()
	r.health = e
	r.mu.Unlock()

	r.logger.Info("starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/status", "/decisions/latest", "/decisions/journal"},
	)

	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("health check server failed", "error", err)
		}
	}()
	return nil
}

// publishHeartbeats sends the health status to the MQTT health topic every
// interval until ctx is done.
func (r *RoboFIRE) publishHeartbeats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, err := json.Marshal(r.HealthCheck())
		if err != nil {
			r.logger.Error("failed to marshal heartbeat", "error", err)
			continue
		}
		if err := r.mqtt.PublishHealth(ctx, payload); err != nil {
			r.logger.Debug("heartbeat not published", "error", err)
		}
	}
}
