package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/acpgate/acpgate/internal/common/logger"
	"go.uber.org/zap"
)

// ErrConnectionLost is delivered to pending callers when the agent's stdout
// closes or the client is stopped while requests are in flight.
var ErrConnectionLost = errors.New("agent connection lost")

// NotificationHandler receives incoming notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives server-initiated requests. The handler must answer
// via SendResult or SendError with the same id; the agent blocks until it
// gets a response.
type RequestHandler func(id interface{}, method string, params json.RawMessage)

// Client handles JSON-RPC 2.0 communication over stdin/stdout streams.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[string]chan *Response
	mu        sync.Mutex
	writeMu   sync.Mutex

	onNotification NotificationHandler
	onRequest      RequestHandler

	logger *logger.Logger
	done   chan struct{}
	closed atomic.Bool
}

// NewClient creates a new JSON-RPC client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[string]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications.
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for server-initiated requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// Start begins reading messages from stdout.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client and fails all pending calls with ErrConnectionLost.
func (c *Client) Stop() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.failPending()
	}
}

// Done is closed once the client has stopped (stdout EOF or Stop).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	key := strconv.FormatInt(id, 10)
	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[key] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionLost
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	notif := &Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	}

	return c.send(notif)
}

// SendResult answers a server-initiated request with a result.
func (c *Client) SendResult(id interface{}, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.send(&Response{JSONRPC: "2.0", ID: id, Result: resultJSON})
}

// SendError answers a server-initiated request with an error.
func (c *Client) SendError(id interface{}, code int, message string) error {
	return c.send(&Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	data = append(data, '\n')
	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.logger.Debug("sent message", zap.ByteString("data", data))
	return nil
}

// envelope is the superset of request, response, and notification shapes,
// used to classify incoming lines.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	// Increase buffer size for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received message", zap.ByteString("data", line))

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("non-JSON line on stdout", zap.ByteString("data", truncate(line, 200)))
			continue
		}

		switch {
		case env.ID != nil && env.Method != "":
			// Server-initiated request: must be answered with the same id.
			c.handleServerRequest(&env)
		case env.ID != nil:
			c.handleResponse(&Response{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error})
		case env.Method != "":
			if c.onNotification != nil {
				c.onNotification(env.Method, env.Params)
			}
		default:
			c.logger.Warn("unknown message shape", zap.ByteString("data", truncate(line, 200)))
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	key, ok := idKey(resp.ID)
	if !ok {
		c.logger.Warn("response with unusable id", zap.Any("id", resp.ID))
		return
	}

	c.mu.Lock()
	ch, found := c.pending[key]
	c.mu.Unlock()

	if found {
		select {
		case ch <- resp:
		default:
		}
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

func (c *Client) handleServerRequest(env *envelope) {
	if c.onRequest != nil {
		c.onRequest(env.ID, env.Method, env.Params)
		return
	}
	c.logger.Warn("server request with no handler registered", zap.String("method", env.Method))
	if err := c.SendError(env.ID, MethodNotFound, "no handler registered"); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) failPending() {
	// A nil response signals ErrConnectionLost to the waiter. Channels are
	// buffered, so the send never blocks.
	c.mu.Lock()
	for key, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

// idKey normalizes a JSON-RPC id (number or string) to a map key.
// json.Unmarshal yields float64 for numeric ids.
func idKey(id interface{}) (string, bool) {
	switch v := id.(type) {
	case float64:
		return strconv.FormatInt(int64(v), 10), true
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
