package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/EndrewSK/TCC/internal/types"
)

const stopTimeout = 2 * time.Second

// PythonConfig configures the YOLO worker subprocess
type PythonConfig struct {
	ID         string
	Command    string   // Interpreter or wrapper script (default: python3)
	Args       []string // Arguments before the model flags (e.g. the worker script)
	Env        []string // Extra KEY=VALUE pairs for the worker environment
	ModelPath  string
	Confidence float64
	Timeout    time.Duration // Per-frame inference timeout (default: 2s)
}

// Metrics contains health metrics for the worker
type Metrics struct {
	FramesSent   uint64    `json:"frames_sent"`
	Inferences   uint64    `json:"inferences"`
	Failures     uint64    `json:"failures"`
	Timeouts     uint64    `json:"timeouts"`
	Restarts     uint64    `json:"restarts"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
}

// process is the state of one spawned worker
type process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan Response
	exited    chan struct{} // closed when stdout reaches EOF
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (p *process) closeStdin() {
	p.closeOnce.Do(func() { p.stdin.Close() })
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Python runs detection in a Python subprocess.
//
// Frames go to the worker's stdin and results come back on stdout, both as
// msgpack messages with a 4-byte big-endian length prefix. Each request
// carries an ID the worker echoes; responses for any other ID are stale
// answers to requests that already timed out and are discarded. stderr is
// mapped onto slog levels.
type Python struct {
	cfg    PythonConfig
	logger *slog.Logger

	inferMu sync.Mutex // one request in flight

	mu   sync.Mutex
	proc *process

	nextID         atomic.Uint64
	framesSent     atomic.Uint64
	inferences     atomic.Uint64
	failures       atomic.Uint64
	timeouts       atomic.Uint64
	restarts       atomic.Uint64
	totalLatencyMS atomic.Uint64
	lastSeenAt     atomic.Int64
}

// NewPython creates a worker; Start spawns the process
func NewPython(cfg PythonConfig, logger *slog.Logger) (*Python, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model_path is required")
	}
	if cfg.Command == "" {
		cfg.Command = "python3"
	}
	if cfg.ID == "" {
		cfg.ID = "fire-detector"
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = DefaultConfidence
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Python{
		cfg:    cfg,
		logger: logger.With("worker_id", cfg.ID),
	}, nil
}

// ID returns the worker ID
func (p *Python) ID() string {
	return p.cfg.ID
}

// Start spawns the worker process
func (p *Python) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc != nil && p.proc.alive() {
		return fmt.Errorf("worker already started")
	}

	proc, err := p.spawn(ctx)
	if err != nil {
		return fmt.Errorf("failed to spawn python process: %w", err)
	}
	p.proc = proc
	p.lastSeenAt.Store(time.Now().UnixNano())

	p.logger.Info("python fire detector started",
		"pid", proc.cmd.Process.Pid,
		"model", p.cfg.ModelPath,
		"confidence", p.cfg.Confidence,
	)
	return nil
}

func (p *Python) spawn(parent context.Context) (*process, error) {
	// <command> <args...> --model <path> --confidence <threshold>
	args := append([]string{}, p.cfg.Args...)
	args = append(args,
		"--model", p.cfg.ModelPath,
		"--confidence", fmt.Sprintf("%.2f", p.cfg.Confidence),
	)

	ctx, cancel := context.WithCancel(parent)
	cmd := exec.CommandContext(ctx, p.cfg.Command, args...)
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", p.cfg.Command, err)
	}

	proc := &process{
		cmd:       cmd,
		stdin:     stdin,
		responses: make(chan Response, 4),
		exited:    make(chan struct{}),
		cancel:    cancel,
	}

	stderrDone := make(chan struct{})

	proc.wg.Add(3)
	go p.readResponses(ctx, proc, stdout)
	go p.logStderr(proc, stderr, stderrDone)
	go p.waitProcess(ctx, proc, stderrDone)

	return proc, nil
}

// readResponses decodes worker output until stdout closes
func (p *Python) readResponses(ctx context.Context, proc *process, stdout io.Reader) {
	defer proc.wg.Done()
	defer close(proc.exited)

	for {
		payload, err := readFrame(stdout)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				p.logger.Debug("python worker stdout closed")
			} else {
				p.logger.Error("failed to read from python worker", "error", err)
			}
			return
		}

		var resp Response
		if err := msgpack.Unmarshal(payload, &resp); err != nil {
			p.logger.Error("failed to unmarshal msgpack inference result",
				"error", err,
				"data_length", len(payload),
				"action", "check python worker logs in stderr",
			)
			continue
		}

		select {
		case proc.responses <- resp:
		case <-ctx.Done():
			return
		}
	}
}

// logStderr maps Python log levels to slog levels
func (p *Python) logStderr(proc *process, stderr io.Reader, done chan<- struct{}) {
	defer proc.wg.Done()
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "Traceback"):
			p.logger.Error("python worker error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			p.logger.Warn("python worker warning", "log", line)
		default:
			p.logger.Debug("python worker log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Error("error reading stderr", "error", err)
	}
}

// waitProcess reaps the process once its output pipes are drained
func (p *Python) waitProcess(ctx context.Context, proc *process, stderrDone <-chan struct{}) {
	defer proc.wg.Done()

	<-proc.exited
	<-stderrDone

	pid := proc.cmd.Process.Pid
	err := proc.cmd.Wait()
	switch {
	case err == nil:
		p.logger.Info("python process exited cleanly", "pid", pid)
	case ctx.Err() != nil:
		p.logger.Debug("python process exited (shutdown)", "pid", pid)
	default:
		p.logger.Error("python process exited unexpectedly", "pid", pid, "error", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (p *Python) current() *process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proc
}

// Infer sends frame to the worker and waits for its detections.
// Returned detections are converted to integer pixel boxes but not yet
// filtered.
func (p *Python) Infer(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	p.inferMu.Lock()
	defer p.inferMu.Unlock()

	proc := p.current()
	if proc == nil || !proc.alive() {
		p.failures.Add(1)
		return nil, ErrNotRunning
	}

	id := p.nextID.Add(1)
	req := Request{
		ID:        id,
		Seq:       frame.Seq,
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    "bgr24",
		FrameData: frame.Data,
		Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		TraceID:   frame.TraceID,
	}

	p.framesSent.Add(1)
	start := time.Now()

	if err := p.send(ctx, proc, req); err != nil {
		p.failures.Add(1)
		return nil, err
	}

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-proc.responses:
			if resp.ID != id {
				p.logger.Debug("discarding stale inference result", "got_id", resp.ID, "want_id", id)
				continue
			}
			p.lastSeenAt.Store(time.Now().UnixNano())
			if resp.Error != "" {
				p.failures.Add(1)
				return nil, fmt.Errorf("detector: worker error: %s", resp.Error)
			}

			p.inferences.Add(1)
			latency := resp.Timing.TotalMS
			if latency <= 0 {
				latency = float64(time.Since(start).Milliseconds())
			}
			p.totalLatencyMS.Add(uint64(latency))

			dets := make([]types.Detection, 0, len(resp.Detections))
			for _, raw := range resp.Detections {
				dets = append(dets, raw.Detection())
			}
			return dets, nil

		case <-proc.exited:
			p.failures.Add(1)
			return nil, fmt.Errorf("%w: worker exited", ErrNotRunning)

		case <-timer.C:
			p.timeouts.Add(1)
			p.logger.Debug("inference timed out", "seq", frame.Seq, "request_id", id)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, p.cfg.Timeout)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// send writes req to stdin with a timeout. A write that does not finish in
// time leaves the pipe mid-message, so the process is killed and must be
// restarted.
func (p *Python) send(ctx context.Context, proc *process, req Request) error {
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- WriteMessage(proc.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("failed to write to stdin: %w", err)
		}
		return nil
	case <-time.After(p.cfg.Timeout):
		p.timeouts.Add(1)
		p.logger.Error("stdin write timeout, killing python worker",
			"seq", req.Seq,
			"action", "worker will be restarted by the watchdog",
		)
		proc.cancel()
		return fmt.Errorf("%w: stdin write (python worker may be hung)", ErrTimeout)
	case <-proc.exited:
		return fmt.Errorf("%w: worker exited during write", ErrNotRunning)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the worker process is running
func (p *Python) Alive() bool {
	proc := p.current()
	return proc != nil && proc.alive()
}

// Metrics returns current worker health metrics
func (p *Python) Metrics() Metrics {
	inferences := p.inferences.Load()

	var avg float64
	if inferences > 0 {
		avg = float64(p.totalLatencyMS.Load()) / float64(inferences)
	}

	var lastSeen time.Time
	if ns := p.lastSeenAt.Load(); ns != 0 {
		lastSeen = time.Unix(0, ns)
	}

	m := Metrics{
		FramesSent:   p.framesSent.Load(),
		Inferences:   inferences,
		Failures:     p.failures.Load(),
		Timeouts:     p.timeouts.Load(),
		Restarts:     p.restarts.Load(),
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
	}
	if proc := p.current(); proc != nil && proc.alive() {
		m.Running = true
		m.PID = proc.cmd.Process.Pid
	}
	return m
}

// Restart stops the current process (if any) and spawns a new one
func (p *Python) Restart(ctx context.Context) error {
	if err := p.Stop(); err != nil {
		p.logger.Warn("error stopping python worker before restart", "error", err)
	}
	p.restarts.Add(1)
	return p.Start(ctx)
}

// Stop closes stdin so the worker exits on its own, then kills it if it has
// not exited within two seconds.
func (p *Python) Stop() error {
	p.mu.Lock()
	proc := p.proc
	p.proc = nil
	p.mu.Unlock()

	if proc == nil {
		return nil
	}

	p.logger.Info("stopping python fire detector")
	proc.closeStdin()

	done := make(chan struct{})
	go func() {
		proc.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(stopTimeout):
		p.logger.Warn("python worker stop timeout, force killing process")
		if kerr := proc.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("failed to kill python process: %w", kerr)
		}
		proc.cancel()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			err = errors.Join(err, fmt.Errorf("python worker goroutines did not exit"))
		}
	}
	proc.cancel()

	p.logger.Info("python fire detector stopped",
		"frames_sent", p.framesSent.Load(),
		"inferences", p.inferences.Load(),
	)
	return err
}
