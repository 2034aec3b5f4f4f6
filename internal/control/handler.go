// Package control implements the MQTT control plane: operators send JSON
// commands on the control topic and receive responses on the health topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/EndrewSK/TCC/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus       func() map[string]any
	OnPause           func() error
	OnResume          func() error
	OnRestartDetector func() error
	OnShutdown        func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	logger   *slog.Logger
	commands chan Command

	mu        sync.RWMutex
	isPaused  bool
	callbacks CommandCallbacks

	stopOnce      sync.Once
	shutdownDelay time.Duration
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:           cfg,
		client:        client,
		logger:        logger.With("component", "control"),
		commands:      make(chan Command, 10),
		callbacks:     callbacks,
		shutdownDelay: 500 * time.Millisecond,
	}
}

// Start subscribes to the control topic and processes commands until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	h.logger.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	h.logger.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		h.logger.Info("control plane handler stopped")
	})
	return nil
}

// messageHandler is called by the MQTT client for every control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes the response
func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp = notImplemented(resp)
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "pause_inference":
		if h.callbacks.OnPause == nil {
			resp = notImplemented(resp)
			break
		}
		if err := h.callbacks.OnPause(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		h.setPaused(true)
		resp.Status = "paused"
		resp.Data = map[string]any{"inference_active": false}

	case "resume_inference":
		if h.callbacks.OnResume == nil {
			resp = notImplemented(resp)
			break
		}
		if err := h.callbacks.OnResume(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		h.setPaused(false)
		resp.Status = "success"
		resp.Data = map[string]any{"inference_active": true}

	case "restart_detector":
		if h.callbacks.OnRestartDetector == nil {
			resp = notImplemented(resp)
			break
		}
		if err := h.callbacks.OnRestartDetector(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{"message": "detector restarted"}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp = notImplemented(resp)
			break
		}
		h.logger.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]any{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		// Respond first; the shutdown tears down the MQTT client
		h.sendResponse(resp)

		go func() {
			time.Sleep(h.shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				h.logger.Error("shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

// sendResponse publishes a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}

	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) setPaused(v bool) {
	h.mu.Lock()
	h.isPaused = v
	h.mu.Unlock()
}

// IsPaused returns whether inference was paused through the control plane
func (h *Handler) IsPaused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isPaused
}
