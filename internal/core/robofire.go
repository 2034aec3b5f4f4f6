// Package core wires the capture loop, the detector worker and the decision
// loop into one service with its control plane, sinks and health endpoints.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/EndrewSK/TCC/internal/capture"
	"github.com/EndrewSK/TCC/internal/config"
	"github.com/EndrewSK/TCC/internal/control"
	"github.com/EndrewSK/TCC/internal/decision"
	"github.com/EndrewSK/TCC/internal/detector"
	"github.com/EndrewSK/TCC/internal/emitter"
	"github.com/EndrewSK/TCC/internal/fire"
	"github.com/EndrewSK/TCC/internal/framebuffer"
	"github.com/EndrewSK/TCC/internal/journal"
)

// Worker is a detector with a managed process lifecycle. detector.Python
// satisfies it.
type Worker interface {
	detector.Detector
	ID() string
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Alive() bool
	Metrics() detector.Metrics
}

// Option customizes New
type Option func(*RoboFIRE)

// WithOpener replaces the source opener built from the configuration
func WithOpener(open capture.Opener) Option {
	return func(r *RoboFIRE) { r.open = open }
}

// WithWorker replaces the Python detector worker
func WithWorker(w Worker) Option {
	return func(r *RoboFIRE) { r.worker = w }
}

// WithWatchdogInterval sets how often the detector watchdog runs (default: 30s)
func WithWatchdogInterval(d time.Duration) Option {
	return func(r *RoboFIRE) { r.watchdogInterval = d }
}

// WithHeartbeatInterval sets how often health is published over MQTT (default: 10s)
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *RoboFIRE) { r.heartbeatInterval = d }
}

// RoboFIRE is the main service orchestrator
type RoboFIRE struct {
	cfg    *config.Config
	logger *slog.Logger

	// Core components
	open     capture.Opener
	buffer   *framebuffer.Buffer
	capture  *capture.Loop
	worker   Worker
	decision *decision.Loop
	sinks    *emitter.Fanout
	delivery []*emitter.Async

	// Optional collaborators, nil when not configured
	mqtt           *emitter.MQTTEmitter
	kafka          *emitter.KafkaEmitter
	redis          *redis.Client
	journal        *journal.Store
	controlHandler *control.Handler
	health         *echo.Echo

	watchdogInterval  time.Duration
	heartbeatInterval time.Duration

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	isRunning bool
	cancelCtx context.CancelFunc
	done      chan struct{}
}

// New builds the service from a validated configuration
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*RoboFIRE, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &RoboFIRE{
		cfg:               cfg,
		logger:            logger,
		buffer:            framebuffer.New(),
		watchdogInterval:  30 * time.Second,
		heartbeatInterval: 10 * time.Second,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.open == nil {
		open, kind, err := capture.NewOpener(capture.OpenConfig{
			URI:     cfg.Source.URI,
			Kind:    cfg.Source.Kind,
			Backend: cfg.Source.Backend,
			Width:   cfg.Source.Width,
			Height:  cfg.Source.Height,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid video source: %w", err)
		}
		r.open = open
		logger.Info("video source configured", "uri", cfg.Source.URI, "kind", kind.String(), "backend", cfg.Source.Backend)
	}

	if r.worker == nil {
		py, err := detector.NewPython(detector.PythonConfig{
			ID:         "fire-detector",
			Command:    cfg.Detector.Command,
			Args:       cfg.Detector.Args,
			ModelPath:  cfg.Detector.ModelPath,
			Confidence: cfg.Detector.Confidence,
			Timeout:    cfg.Detector.Timeout(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create fire detector: %w", err)
		}
		r.worker = py
	}

	if err := r.initializeSinks(); err != nil {
		return nil, err
	}

	r.capture = capture.NewLoop(r.open, r.buffer, capture.LoopConfig{
		FrameDelay:  cfg.Source.FrameDelay(),
		RetryDelay:  cfg.Source.RetryDelay(),
		ReopenAfter: cfg.Source.ReopenAfter,
		Reconnect: capture.ReconnectConfig{
			MaxRetries:    cfg.Source.Reconnect.MaxRetries,
			RetryDelay:    time.Duration(cfg.Source.Reconnect.InitialDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(cfg.Source.Reconnect.MaxDelayMS) * time.Millisecond,
		},
	}, r.stop, logger)

	r.decision = decision.New(r.buffer, r.worker, r.sinks, decision.Config{
		InstanceID:      cfg.InstanceID,
		SampleEvery:     cfg.Detector.SampleEvery,
		IdleDelay:       cfg.Decision.IdleDelay(),
		Confidence:      cfg.Detector.Confidence,
		FireClasses:     cfg.Fire.Classes,
		ObstacleClasses: cfg.Fire.ObstacleClasses,
		Tracker: fire.TrackerConfig{
			ConfirmFrames: cfg.Fire.ConfirmFrames,
			ResetFrames:   cfg.Fire.ResetFrames,
		},
		AreaThreshold: cfg.Fire.AreaThreshold,
	}, logger)

	return r, nil
}

// Per-sink delivery bounds. Each sink drains its own queue so a slow broker
// or journal never holds up the decision loop or the other sinks.
var (
	mqttDelivery    = emitter.AsyncConfig{QueueSize: 8, Timeout: 2 * time.Second}
	kafkaDelivery   = emitter.AsyncConfig{QueueSize: 64, Timeout: time.Second}
	journalDelivery = emitter.AsyncConfig{QueueSize: 64, Timeout: 500 * time.Millisecond}
)

// initializeSinks creates the configured decision sinks. MQTT receives every
// decision; Kafka and the Redis journal receive sampled decisions only.
func (r *RoboFIRE) initializeSinks() error {
	var sinks []emitter.Named

	if r.cfg.MQTT.Broker != "" {
		r.mqtt = emitter.NewMQTTEmitter(r.cfg, r.logger)
		sinks = append(sinks, emitter.Named{Name: "mqtt", Sink: r.deliverAsync("mqtt", r.mqtt, mqttDelivery)})
	}

	if r.cfg.Kafka.Brokers != "" {
		k, err := emitter.NewKafkaEmitter(r.cfg.Kafka, r.cfg.InstanceID, r.logger)
		if err != nil {
			return err
		}
		r.kafka = k
		sinks = append(sinks, emitter.Named{Name: "kafka", Sink: emitter.SampledOnly(r.deliverAsync("kafka", k, kafkaDelivery))})
	}

	if r.cfg.Redis.Addr != "" {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     r.cfg.Redis.Addr,
			Password: r.cfg.Redis.Password,
			DB:       r.cfg.Redis.DB,
			// honor the per-delivery deadline on reads and writes
			ContextTimeoutEnabled: true,
		})
		r.journal = journal.NewStore(r.redis, r.cfg.InstanceID, r.cfg.Redis.TTL())
		sinks = append(sinks, emitter.Named{Name: "journal", Sink: emitter.SampledOnly(r.deliverAsync("journal", r.journal, journalDelivery))})
	}

	r.sinks = emitter.NewFanout(sinks...)
	r.logger.Info("decision sinks initialized", "count", r.sinks.Len())
	return nil
}

func (r *RoboFIRE) deliverAsync(name string, sink decision.Sink, cfg emitter.AsyncConfig) *emitter.Async {
	a := emitter.NewAsync(name, sink, cfg, r.logger)
	r.delivery = append(r.delivery, a)
	return a
}

// Run starts the service and blocks until ctx is cancelled, a shutdown
// command arrives, or the video source fails for good.
func (r *RoboFIRE) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	r.isRunning = true
	r.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	r.cancelCtx = cancel
	r.mu.Unlock()

	defer close(r.done)
	defer cancel()

	r.logger.Info("robofire service starting", "instance_id", r.cfg.InstanceID)

	if r.mqtt != nil {
		if err := r.mqtt.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		r.controlHandler = control.NewHandler(r.cfg, r.mqtt.Client, control.CommandCallbacks{
			OnGetStatus:       r.GetStatus,
			OnPause:           r.pauseInference,
			OnResume:          r.resumeInference,
			OnRestartDetector: func() error { return r.worker.Restart(ctx) },
			OnShutdown:        r.shutdownViaControl,
		}, r.logger)
		if err := r.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	if r.journal != nil {
		if err := r.journal.Ping(ctx); err != nil {
			r.logger.Warn("decision journal unreachable, decisions will not be journaled until it recovers",
				"addr", r.cfg.Redis.Addr, "error", err)
		}
	}

	if err := r.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fire detector: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.capture.Run(gctx) })
	g.Go(func() error { return r.decision.Run(gctx) })
	g.Go(func() error {
		r.watchDetector(gctx)
		return nil
	})
	if r.mqtt != nil {
		g.Go(func() error {
			r.publishHeartbeats(gctx, r.heartbeatInterval)
			return nil
		})
	}

	r.logger.Info("robofire service running",
		"sample_every", r.cfg.Detector.SampleEvery,
		"sinks", r.sinks.Len(),
		"watchdog_enabled", true,
	)

	err := g.Wait()
	if err != nil {
		r.logger.Error("robofire service run loop exiting", "error", err)
	} else {
		r.logger.Info("robofire service run loop exiting")
	}
	return err
}

// stop cancels the run context; the capture loop calls it on fatal source errors
func (r *RoboFIRE) stop() {
	r.mu.RLock()
	cancel := r.cancelCtx
	r.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown stops the loops and releases every external resource. It waits
// for Run to return, bounded by ctx.
func (r *RoboFIRE) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.logger.Info("shutting down robofire service")
	r.stop()

	// 1. Wait for the capture and decision loops (the source is closed by the capture loop)
	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("loops did not stop in time: %w", ctx.Err()))
	}

	// 2. Stop the detector worker
	if err := r.worker.Stop(); err != nil {
		r.logger.Error("failed to stop fire detector", "error", err)
		errs = append(errs, err)
	}

	// 3. Stop control plane
	if r.controlHandler != nil {
		if err := r.controlHandler.Stop(); err != nil {
			r.logger.Error("failed to stop control handler", "error", err)
		}
	}

	// 4. Drain the delivery queues, then flush and close the clients
	for _, a := range r.delivery {
		if err := a.Close(flushBudget(ctx)); err != nil {
			r.logger.Warn("decision sink not drained", "sink", a.Name(), "error", err)
		}
	}
	if r.kafka != nil {
		r.kafka.Close(flushBudget(ctx))
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if r.mqtt != nil {
		r.mqtt.Disconnect()
	}

	// 5. Health server last so readiness reflects the shutdown
	r.mu.RLock()
	health := r.health
	r.mu.RUnlock()
	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			r.logger.Warn("failed to stop health server", "error", err)
		}
	}

	r.mu.Lock()
	uptime := time.Since(r.started)
	r.isRunning = false
	r.mu.Unlock()

	r.logger.Info("robofire service shutdown complete", "uptime", uptime.String())
	return errors.Join(errs...)
}

func flushBudget(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 5 * time.Second
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return 0
}

// watchDetector restarts the worker when its process died or it stopped
// answering while inference is active.
func (r *RoboFIRE) watchDetector(ctx context.Context) {
	ticker := time.NewTicker(r.watchdogInterval)
	defer ticker.Stop()

	// max(30s, 3 x inference timeout) without a response while not paused
	hungAfter := 3 * r.cfg.Detector.Timeout()
	if hungAfter < 30*time.Second {
		hungAfter = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m := r.worker.Metrics()
		reason := ""
		switch {
		case !r.worker.Alive():
			reason = "process exited"
		case !r.decision.Paused() && !m.LastSeenAt.IsZero() && time.Since(m.LastSeenAt) > hungAfter:
			reason = "no response"
		default:
			continue
		}

		r.logger.Warn("fire detector unhealthy, attempting restart",
			"worker_id", r.worker.ID(),
			"reason", reason,
			"last_seen_ago_s", int(time.Since(m.LastSeenAt).Seconds()),
			"inferences", m.Inferences,
		)

		if err := r.worker.Restart(ctx); err != nil {
			r.logger.Error("failed to restart fire detector",
				"worker_id", r.worker.ID(),
				"error", err,
				"action", "will retry on next watchdog tick")
			continue
		}
		r.logger.Info("fire detector restarted successfully", "worker_id", r.worker.ID())
	}
}

func (r *RoboFIRE) pauseInference() error {
	r.decision.Pause()
	return nil
}

func (r *RoboFIRE) resumeInference() error {
	r.decision.Resume()
	return nil
}

func (r *RoboFIRE) shutdownViaControl() error {
	r.logger.Info("shutdown requested via control plane")
	r.stop()
	return nil
}

// GetStatus returns the current status of the service
func (r *RoboFIRE) GetStatus() map[string]any {
	r.mu.RLock()
	running := r.isRunning
	started := r.started
	r.mu.RUnlock()

	status := map[string]any{
		"instance_id": r.cfg.InstanceID,
		"running":     running,
		"paused":      r.decision.Paused(),
		"capture":     r.capture.Stats(),
		"framebuffer": r.buffer.Stats(),
		"decision":    r.decision.Stats(),
		"detector":    r.worker.Metrics(),
	}
	if running {
		status["uptime_s"] = time.Since(started).Seconds()
	}
	if d, ok := r.decision.LastDecision(); ok {
		status["last_action"] = d.Action.String()
		status["fire_confirmed"] = d.Fire.Confirmed
	}
	if r.mqtt != nil {
		status["mqtt"] = r.mqtt.Stats()
	}
	if r.kafka != nil {
		status["kafka"] = r.kafka.Stats()
	}
	if len(r.delivery) > 0 {
		sinks := make(map[string]emitter.AsyncStats, len(r.delivery))
		for _, a := range r.delivery {
			sinks[a.Name()] = a.Stats()
		}
		status["sinks"] = sinks
	}
	return status
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (r *RoboFIRE) ShutdownTimeout() time.Duration {
	if t := r.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}
