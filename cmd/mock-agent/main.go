// Package main implements a mock ACP agent speaking line-delimited JSON-RPC
// over stdin/stdout. It generates simulated responses for developing and
// testing the gateway without a real agent binary.
//
// Prompt text drives the behavior:
//   - containing "permission": issues a session/request_permission round-trip
//   - containing "sendfile": replies with a send_file tag for out.txt in cwd
//   - containing "slow": streams chunks with delays, reacting to cancel
//   - anything else: echoes the prompt back in a few chunks
//
// Setting MOCK_AGENT_LOCKED_PID makes session/load fail with a lock-conflict
// error naming that pid.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
)

func main() {
	// Invoked as: mock-agent acp --agent <name>. The arguments are accepted
	// for command-line compatibility and otherwise ignored.
	a := newAgent(os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		a.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

type agent struct {
	mu  sync.Mutex
	out *json.Encoder

	sessionSeq int
	sessions   map[string]string // session id -> cwd
	cancelled  bool

	pendingPermission chan jsonrpc.RequestPermissionResult
	permissionSeq     int
}

func newAgent(w io.Writer) *agent {
	return &agent{
		out:      json.NewEncoder(w),
		sessions: make(map[string]string),
	}
}

func (a *agent) handleLine(line []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}

	// A message with no method is a response to one of our own requests.
	if req.Method == "" {
		a.handleResponse(line)
		return
	}

	switch req.Method {
	case jsonrpc.MethodInitialize:
		a.respond(req.ID, jsonrpc.InitializeResult{ProtocolVersion: 1})
	case jsonrpc.MethodSessionNew:
		a.handleSessionNew(&req)
	case jsonrpc.MethodSessionLoad:
		a.handleSessionLoad(&req)
	case jsonrpc.MethodSessionSetModel:
		a.respond(req.ID, map[string]interface{}{})
	case jsonrpc.MethodSessionPrompt:
		// Runs concurrently: the read loop must keep serving cancel
		// notifications and permission responses during the turn.
		go a.handlePrompt(&req)
	case jsonrpc.MethodSessionCancel:
		a.mu.Lock()
		a.cancelled = true
		a.mu.Unlock()
	default:
		a.respondError(req.ID, jsonrpc.MethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (a *agent) handleSessionNew(req *jsonrpc.Request) {
	var params jsonrpc.SessionNewParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		a.respondError(req.ID, jsonrpc.InvalidParams, err.Error())
		return
	}

	a.mu.Lock()
	a.sessionSeq++
	id := fmt.Sprintf("mock-%d-%d", os.Getpid(), a.sessionSeq)
	a.sessions[id] = params.Cwd
	a.mu.Unlock()

	a.respond(req.ID, jsonrpc.SessionNewResult{SessionID: id})
}

func (a *agent) handleSessionLoad(req *jsonrpc.Request) {
	var params jsonrpc.SessionLoadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		// Truncated shapes fail without a response, like the real agent.
		return
	}

	if holder := os.Getenv("MOCK_AGENT_LOCKED_PID"); holder != "" {
		a.respondError(req.ID, jsonrpc.InternalError,
			fmt.Sprintf("session %s is locked by process %s", params.SessionID, holder))
		return
	}

	a.mu.Lock()
	a.sessions[params.SessionID] = params.Cwd
	a.mu.Unlock()

	a.respond(req.ID, map[string]interface{}{})

	// History replay: stale updates the client must drain.
	a.notifyChunk(params.SessionID, "replayed history: ")
	a.notifyChunk(params.SessionID, "previous turn output")
}

func (a *agent) handlePrompt(req *jsonrpc.Request) {
	var params jsonrpc.SessionPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		a.respondError(req.ID, jsonrpc.InvalidParams, err.Error())
		return
	}

	a.mu.Lock()
	a.cancelled = false
	cwd := a.sessions[params.SessionID]
	a.mu.Unlock()

	text := ""
	if len(params.Prompt) > 0 {
		text = params.Prompt[0].Text
	}

	switch {
	case strings.Contains(text, "permission"):
		a.runPermissionTurn(req.ID, params.SessionID)
	case strings.Contains(text, "sendfile"):
		a.runSendFileTurn(req.ID, params.SessionID, cwd)
	case strings.Contains(text, "slow"):
		a.runSlowTurn(req.ID, params.SessionID)
	default:
		a.runEchoTurn(req.ID, params.SessionID, text)
	}
}

func (a *agent) runEchoTurn(id interface{}, sessionID, text string) {
	a.notifyChunk(sessionID, "You said: ")
	a.notifyChunk(sessionID, text)
	a.endTurn(id, sessionID)
}

func (a *agent) runSendFileTurn(id interface{}, sessionID, cwd string) {
	path := cwd + "/out.txt"
	_ = os.WriteFile(path, []byte("mock agent output\n"), 0o644)
	a.notifyChunk(sessionID, "Wrote the file.\n")
	a.notifyChunk(sessionID, fmt.Sprintf(`<send_file path=%q>generated output</send_file>`, path))
	a.endTurn(id, sessionID)
}

func (a *agent) runSlowTurn(id interface{}, sessionID string) {
	for i := 0; i < 50; i++ {
		a.mu.Lock()
		cancelled := a.cancelled
		a.mu.Unlock()
		if cancelled {
			a.respond(id, jsonrpc.SessionPromptResult{StopReason: "cancelled"})
			return
		}
		a.notifyChunk(sessionID, fmt.Sprintf("chunk %d ", i))
		time.Sleep(100 * time.Millisecond)
	}
	a.endTurn(id, sessionID)
}

func (a *agent) runPermissionTurn(id interface{}, sessionID string) {
	a.notifyChunk(sessionID, "Requesting permission... ")

	result, ok := a.requestPermission(sessionID)
	if !ok {
		a.respond(id, jsonrpc.SessionPromptResult{StopReason: "cancelled"})
		return
	}
	if result.Outcome.Outcome == "selected" {
		a.notifyChunk(sessionID, fmt.Sprintf("granted (%s).", result.Outcome.OptionID))
	} else {
		a.notifyChunk(sessionID, "denied.")
	}
	a.endTurn(id, sessionID)
}

// requestPermission sends a server-initiated request and blocks for its
// response, which the client must deliver without finishing the turn first.
func (a *agent) requestPermission(sessionID string) (jsonrpc.RequestPermissionResult, bool) {
	a.mu.Lock()
	a.permissionSeq++
	reqID := fmt.Sprintf("perm-%d", a.permissionSeq)
	ch := make(chan jsonrpc.RequestPermissionResult, 1)
	a.pendingPermission = ch
	a.mu.Unlock()

	params, _ := json.Marshal(jsonrpc.RequestPermissionParams{
		SessionID: sessionID,
		ToolCall:  jsonrpc.ToolCallRef{ToolCallID: "tool-1", Title: "write a file"},
		Options: []jsonrpc.PermissionOption{
			{OptionID: "opt-allow", Name: "Allow", Kind: "allow_once"},
			{OptionID: "opt-reject", Name: "Reject", Kind: "reject_once"},
		},
	})
	a.send(&jsonrpc.Request{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  jsonrpc.MethodRequestPermission,
		Params:  params,
	})

	select {
	case result := <-ch:
		return result, true
	case <-time.After(30 * time.Second):
		return jsonrpc.RequestPermissionResult{}, false
	}
}

func (a *agent) handleResponse(line []byte) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return
	}

	a.mu.Lock()
	ch := a.pendingPermission
	a.pendingPermission = nil
	a.mu.Unlock()
	if ch == nil {
		return
	}

	var result jsonrpc.RequestPermissionResult
	if resp.Result != nil {
		_ = json.Unmarshal(resp.Result, &result)
	}
	ch <- result
}

func (a *agent) endTurn(id interface{}, sessionID string) {
	a.notifyTurnEnd(sessionID)
	a.respond(id, jsonrpc.SessionPromptResult{StopReason: jsonrpc.StopReasonEndTurn})
}

func (a *agent) notifyChunk(sessionID, text string) {
	params, _ := json.Marshal(jsonrpc.SessionNotification{
		SessionID: sessionID,
		Update: jsonrpc.SessionUpdate{
			Kind:    jsonrpc.UpdateAgentMessageChunk,
			Content: &jsonrpc.ContentBlock{Type: "text", Text: text},
		},
	})
	a.send(&jsonrpc.Notification{JSONRPC: "2.0", Method: jsonrpc.NotificationSessionUpdate, Params: params})
}

func (a *agent) notifyTurnEnd(sessionID string) {
	params, _ := json.Marshal(jsonrpc.SessionNotification{
		SessionID: sessionID,
		Update:    jsonrpc.SessionUpdate{Kind: jsonrpc.UpdateTurnEnd},
	})
	a.send(&jsonrpc.Notification{JSONRPC: "2.0", Method: jsonrpc.NotificationSessionUpdate, Params: params})
}

func (a *agent) respond(id interface{}, result interface{}) {
	raw, _ := json.Marshal(result)
	a.send(&jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func (a *agent) respondError(id interface{}, code int, message string) {
	a.send(&jsonrpc.Response{JSONRPC: "2.0", ID: id, Error: &jsonrpc.Error{Code: code, Message: message}})
}

func (a *agent) send(v interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.out.Encode(v)
}
