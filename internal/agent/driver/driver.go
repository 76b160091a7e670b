// Package driver owns a single agent subprocess and speaks line-oriented
// JSON-RPC 2.0 with it over stdio.
package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
	"go.uber.org/zap"
)

// State is the driver's protocol state.
type State string

const (
	StateIdle         State = "idle"         // spawned, not initialized
	StateInitializing State = "initializing" // initialize sent, awaiting response
	StateReady        State = "ready"        // can accept session commands
	StateBusy         State = "busy"         // session/prompt in flight
	StateDead         State = "dead"         // process exited or fatal protocol error
)

const (
	protocolVersion = 1
	// killGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
	killGracePeriod = 5 * time.Second
	// notificationBuffer bounds the queued session/update notifications.
	// Replay bursts beyond this are dropped; drains discard them anyway.
	notificationBuffer = 1024
)

// Config holds what the driver needs to spawn its subprocess.
type Config struct {
	Binary         string
	AgentName      string
	RequestTimeout time.Duration
}

// Driver manages one agent subprocess and its JSON-RPC protocol.
type Driver struct {
	cfg Config
	log *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *jsonrpc.Client

	mu        sync.Mutex
	state     State
	agentCaps json.RawMessage

	notifications chan *jsonrpc.SessionNotification

	// cancelRequested makes the permission auto-reply answer "cancelled"
	// for the remainder of the current turn.
	cancelRequested atomic.Bool

	exited   chan struct{}
	exitOnce sync.Once
}

// Spawn starts the agent subprocess and begins reading its stdio.
// The process is placed in its own process group so Kill can take down the
// worker child that holds the session lock, not just the parent.
func Spawn(cfg Config, log *logger.Logger) (*Driver, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	cmd := exec.Command(cfg.Binary, "acp", "--agent", cfg.AgentName)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Binary, err)
	}

	d := &Driver{
		cfg:           cfg,
		log:           log.WithFields(zap.String("component", "agent-driver"), zap.Int("pid", cmd.Process.Pid)),
		cmd:           cmd,
		stdin:         stdin,
		state:         StateIdle,
		notifications: make(chan *jsonrpc.SessionNotification, notificationBuffer),
		exited:        make(chan struct{}),
	}

	d.client = jsonrpc.NewClient(stdin, stdout, log)
	d.client.SetNotificationHandler(d.handleNotification)
	d.client.SetRequestHandler(d.handleServerRequest)
	d.client.Start(context.Background())

	go d.pipeStderr(stderr)
	go d.monitorExit()

	d.log.Info("spawned agent subprocess",
		zap.String("binary", cfg.Binary),
		zap.String("agent", cfg.AgentName))
	return d, nil
}

// NewFromStreams wires a driver to existing stdio streams without spawning a
// process. Used by tests that fake the agent with in-memory pipes.
func NewFromStreams(stdin io.WriteCloser, stdout io.Reader, log *logger.Logger) *Driver {
	d := &Driver{
		cfg:           Config{RequestTimeout: 5 * time.Second},
		log:           log.WithFields(zap.String("component", "agent-driver")),
		stdin:         stdin,
		state:         StateIdle,
		notifications: make(chan *jsonrpc.SessionNotification, notificationBuffer),
		exited:        make(chan struct{}),
	}
	d.client = jsonrpc.NewClient(stdin, stdout, log)
	d.client.SetNotificationHandler(d.handleNotification)
	d.client.SetRequestHandler(d.handleServerRequest)
	d.client.Start(context.Background())
	go func() {
		<-d.client.Done()
		d.markDead()
	}()
	return d
}

// State returns the current protocol state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Alive reports whether the subprocess is still running.
func (d *Driver) Alive() bool {
	select {
	case <-d.exited:
		return false
	default:
		return true
	}
}

// PID returns the subprocess pid, or 0 when running against raw streams.
func (d *Driver) PID() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}

// Kill terminates the subprocess and all of its children. Soft terminate
// first; after the grace period the whole group is force-killed.
func (d *Driver) Kill(ctx context.Context) error {
	d.mu.Lock()
	d.state = StateDead
	d.mu.Unlock()

	if d.cmd == nil || d.cmd.Process == nil {
		d.markDead()
		return nil
	}

	pid := d.cmd.Process.Pid
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = d.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-d.exited:
	case <-time.After(killGracePeriod):
		d.log.Warn("agent did not exit after SIGTERM, force-killing group")
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = d.cmd.Process.Kill()
		}
		select {
		case <-d.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	d.log.Info("killed agent subprocess")
	return nil
}

func (d *Driver) monitorExit() {
	err := d.cmd.Wait()
	if err != nil {
		d.log.Warn("agent subprocess exited", zap.Error(err))
	} else {
		d.log.Info("agent subprocess exited")
	}
	d.markDead()
}

// markDead transitions to DEAD, fails pending calls with ErrConnectionLost,
// and clears the notification queue.
func (d *Driver) markDead() {
	d.exitOnce.Do(func() {
		d.mu.Lock()
		d.state = StateDead
		d.mu.Unlock()
		close(d.exited)
		d.client.Stop()
		d.drainNotifications("process dead")
	})
}

func (d *Driver) pipeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		d.log.Info("agent stderr", zap.String("line", line))
	}
	// stderr EOF does not by itself mean the process died; monitorExit decides.
}

func (d *Driver) handleNotification(method string, params json.RawMessage) {
	if method != jsonrpc.NotificationSessionUpdate {
		// Vendor-prefixed notifications (commands available, OAuth, compaction
		// status, ...) are observed but never surfaced.
		d.log.Debug("ignoring notification", zap.String("method", method))
		return
	}

	var sn jsonrpc.SessionNotification
	if err := json.Unmarshal(params, &sn); err != nil {
		d.log.Warn("malformed session/update params", zap.Error(err))
		return
	}

	select {
	case d.notifications <- &sn:
	default:
		d.log.Warn("notification queue full, dropping update",
			zap.String("kind", sn.Update.Kind))
	}
}

// handleServerRequest answers agent-initiated requests. An unanswered
// session/request_permission blocks the agent forever, so the reply is
// produced synchronously on this path.
func (d *Driver) handleServerRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case jsonrpc.MethodRequestPermission:
		d.answerPermission(id, params)
	default:
		d.log.Warn("unexpected server request", zap.String("method", method))
		if err := d.client.SendError(id, jsonrpc.MethodNotFound, "unsupported method"); err != nil {
			d.log.Warn("failed to reject server request", zap.Error(err))
		}
	}
}

func (d *Driver) answerPermission(id interface{}, params json.RawMessage) {
	var req jsonrpc.RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		d.log.Warn("malformed permission request", zap.Error(err))
		_ = d.client.SendError(id, jsonrpc.InvalidParams, "malformed permission request")
		return
	}

	outcome := jsonrpc.PermissionOutcome{Outcome: "cancelled"}
	if !d.cancelRequested.Load() {
		if opt, ok := selectPermissionOption(req.Options); ok {
			outcome = jsonrpc.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
		}
	}

	d.log.Debug("answering permission request",
		zap.String("tool_call", req.ToolCall.ToolCallID),
		zap.String("outcome", outcome.Outcome),
		zap.String("option", outcome.OptionID))

	if err := d.client.SendResult(id, jsonrpc.RequestPermissionResult{Outcome: outcome}); err != nil {
		d.log.Warn("failed to answer permission request", zap.Error(err))
	}
}

// selectPermissionOption picks "allow_once" when offered, then any allow_*
// option. The option set is discovered per request, so neither is guaranteed.
func selectPermissionOption(options []jsonrpc.PermissionOption) (jsonrpc.PermissionOption, bool) {
	for _, opt := range options {
		if opt.Kind == "allow_once" {
			return opt, true
		}
	}
	for _, opt := range options {
		if strings.HasPrefix(opt.Kind, "allow") {
			return opt, true
		}
	}
	return jsonrpc.PermissionOption{}, false
}

// drainNotifications discards queued session updates. Called after
// session/load (replay history) and again at the start of the next prompt,
// since the agent keeps emitting replay notifications asynchronously after
// the load response arrives.
func (d *Driver) drainNotifications(reason string) {
	drained := 0
	for {
		select {
		case <-d.notifications:
			drained++
		default:
			if drained > 0 {
				d.log.Debug("drained stale notifications",
					zap.Int("count", drained), zap.String("reason", reason))
			}
			return
		}
	}
}
