package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
	"go.uber.org/zap"
)

// Initialize performs the ACP handshake. A malformed reply, a version
// mismatch, or a timeout is fatal for the subprocess.
func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateIdle {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: cannot initialize in state %s", ErrNotReady, state)
	}
	d.state = StateInitializing
	d.mu.Unlock()

	params := jsonrpc.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientCapabilities: jsonrpc.ClientCapabilities{
			FS: jsonrpc.FSCapabilities{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
		ClientInfo: jsonrpc.ClientInfo{Name: "acpgate", Version: "0.1.0"},
	}

	resp, err := d.call(ctx, jsonrpc.MethodInitialize, params)
	if err != nil {
		d.failInitialize()
		return &ProtocolError{Op: "initialize", Err: err}
	}

	var result jsonrpc.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		d.failInitialize()
		return &ProtocolError{Op: "initialize", Err: fmt.Errorf("malformed result: %w", err)}
	}
	if result.ProtocolVersion != protocolVersion {
		d.failInitialize()
		return &ProtocolError{
			Op:  "initialize",
			Err: fmt.Errorf("protocol version mismatch: want %d, got %d", protocolVersion, result.ProtocolVersion),
		}
	}

	d.mu.Lock()
	d.agentCaps = result.AgentCapabilities
	d.state = StateReady
	d.mu.Unlock()

	d.log.Info("agent initialized", zap.Int("protocol_version", result.ProtocolVersion))
	return nil
}

func (d *Driver) failInitialize() {
	d.mu.Lock()
	d.state = StateDead
	d.mu.Unlock()
}

// Capabilities returns the raw agentCapabilities from initialize.
func (d *Driver) Capabilities() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agentCaps
}

// NewSession creates a fresh agent session rooted at cwd.
func (d *Driver) NewSession(ctx context.Context, cwd string) (string, error) {
	if err := d.requireReady("session/new"); err != nil {
		return "", err
	}

	params := jsonrpc.SessionNewParams{Cwd: cwd, McpServers: []jsonrpc.McpServer{}}
	resp, err := d.call(ctx, jsonrpc.MethodSessionNew, params)
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}

	var result jsonrpc.SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", &ProtocolError{Op: "session/new", Err: fmt.Errorf("malformed result: %w", err)}
	}
	if result.SessionID == "" {
		return "", &ProtocolError{Op: "session/new", Err: fmt.Errorf("empty sessionId in result")}
	}

	d.log.Info("created session", zap.String("session_id", result.SessionID), zap.String("cwd", cwd))
	return result.SessionID, nil
}

// LoadSession resumes a persisted session. The agent replays its history as
// session/update notifications; those are discarded here and again at the
// start of the next prompt, since the replay continues after the response.
//
// A lock-conflict error surfaces as *SessionLockError with the holder pid.
func (d *Driver) LoadSession(ctx context.Context, sessionID, cwd string) error {
	if err := d.requireReady("session/load"); err != nil {
		return err
	}

	params := jsonrpc.SessionLoadParams{
		SessionID:  sessionID,
		Cwd:        cwd,
		McpServers: []jsonrpc.McpServer{},
	}
	resp, err := d.call(ctx, jsonrpc.MethodSessionLoad, params)
	if err != nil {
		return fmt.Errorf("session/load failed: %w", err)
	}
	if resp.Error != nil {
		msg := resp.Error.Message
		if len(resp.Error.Data) > 0 {
			msg += " " + string(resp.Error.Data)
		}
		if pid := parseLockHolder(msg); pid > 0 {
			return &SessionLockError{SessionID: sessionID, HolderPID: pid, Message: resp.Error.Message}
		}
		return fmt.Errorf("session/load rejected: %s", resp.Error.Message)
	}

	d.drainNotifications("after session/load")
	d.log.Info("loaded session", zap.String("session_id", sessionID), zap.String("cwd", cwd))
	return nil
}

// SetModel selects the model for subsequent prompts in the session.
func (d *Driver) SetModel(ctx context.Context, sessionID, modelID string) error {
	if err := d.requireReady("session/set_model"); err != nil {
		return err
	}

	params := jsonrpc.SessionSetModelParams{SessionID: sessionID, ModelID: modelID}
	resp, err := d.call(ctx, jsonrpc.MethodSessionSetModel, params)
	if err != nil {
		return fmt.Errorf("session/set_model failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session/set_model rejected: %s", resp.Error.Message)
	}
	return nil
}

// Prompt submits a turn and returns a stream of events. The stream yields
// message chunks and terminates with exactly one EventTurnEnd or EventError,
// after which the channel is closed and the driver is READY (or DEAD).
func (d *Driver) Prompt(ctx context.Context, sessionID string, content []jsonrpc.ContentBlock) (<-chan Event, error) {
	d.mu.Lock()
	if d.state != StateReady {
		state := d.state
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot prompt in state %s", ErrNotReady, state)
	}
	d.state = StateBusy
	d.mu.Unlock()

	d.cancelRequested.Store(false)
	d.drainNotifications("before prompt")

	events := make(chan Event, 16)
	go d.runPrompt(ctx, sessionID, content, events)
	return events, nil
}

type promptOutcome struct {
	resp *jsonrpc.Response
	err  error
}

func (d *Driver) runPrompt(ctx context.Context, sessionID string, content []jsonrpc.ContentBlock, events chan<- Event) {
	defer close(events)

	params := jsonrpc.SessionPromptParams{SessionID: sessionID, Prompt: content}
	outcome := make(chan promptOutcome, 1)
	go func() {
		// No timeout here: a turn legitimately runs for minutes while the
		// agent uses tools. Cancellation goes through SessionCancel.
		resp, err := d.client.Call(ctx, jsonrpc.MethodSessionPrompt, params)
		outcome <- promptOutcome{resp: resp, err: err}
	}()

	for {
		select {
		case sn := <-d.notifications:
			if sn.SessionID != "" && sn.SessionID != sessionID {
				d.log.Warn("update for foreign session", zap.String("session_id", sn.SessionID))
				continue
			}
			switch sn.Update.Kind {
			case jsonrpc.UpdateAgentMessageChunk:
				if sn.Update.Content != nil && sn.Update.Content.Text != "" {
					events <- Event{Kind: EventChunk, Text: sn.Update.Content.Text}
				}
			case jsonrpc.UpdateTurnEnd:
				d.setReady()
				events <- Event{Kind: EventTurnEnd, StopReason: jsonrpc.StopReasonEndTurn}
				return
			case jsonrpc.UpdateToolCall, jsonrpc.UpdateToolCallUpdate, jsonrpc.UpdatePlan:
				d.log.Debug("session update", zap.String("kind", sn.Update.Kind))
			default:
				d.log.Debug("unrecognized session update", zap.String("kind", sn.Update.Kind))
			}

		case out := <-outcome:
			d.finishPrompt(out, events)
			return

		case <-d.exited:
			events <- Event{Kind: EventError, Err: ErrConnectionLost}
			return
		}
	}
}

func (d *Driver) finishPrompt(out promptOutcome, events chan<- Event) {
	if out.err != nil {
		if out.err == jsonrpc.ErrConnectionLost {
			events <- Event{Kind: EventError, Err: ErrConnectionLost}
			return
		}
		// Context cancellation or write failure; the process may still be up.
		d.setReady()
		events <- Event{Kind: EventError, Err: out.err}
		return
	}
	if out.resp.Error != nil {
		d.setReady()
		events <- Event{Kind: EventError, Err: fmt.Errorf("session/prompt rejected: %s", out.resp.Error.Message)}
		return
	}

	var result jsonrpc.SessionPromptResult
	if err := json.Unmarshal(out.resp.Result, &result); err != nil {
		d.setReady()
		events <- Event{Kind: EventError, Err: &ProtocolError{Op: "session/prompt", Err: err}}
		return
	}

	d.setReady()
	stop := result.StopReason
	if stop == "" {
		stop = jsonrpc.StopReasonEndTurn
	}
	events <- Event{Kind: EventTurnEnd, StopReason: stop}
}

// SessionCancel asks the agent to stop the current turn. Fire-and-forget;
// from this point the turn's permission requests are answered "cancelled".
func (d *Driver) SessionCancel(sessionID string) error {
	d.cancelRequested.Store(true)
	err := d.client.Notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("session/cancel failed: %w", err)
	}
	d.log.Info("sent cancel", zap.String("session_id", sessionID))
	return nil
}

func (d *Driver) setReady() {
	d.mu.Lock()
	if d.state != StateDead {
		d.state = StateReady
	}
	d.mu.Unlock()
}

func (d *Driver) requireReady(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateReady {
		return fmt.Errorf("%w: %s requires ready state, have %s", ErrNotReady, op, d.state)
	}
	return nil
}

// call wraps Call with the per-request timeout and surfaces JSON-RPC error
// responses as errors, except for session/load which inspects them itself.
func (d *Driver) call(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	resp, err := d.client.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil && method != jsonrpc.MethodSessionLoad {
		return nil, fmt.Errorf("%s rejected: %s", method, resp.Error.Message)
	}
	return resp, nil
}
