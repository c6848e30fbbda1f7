// Package mcpclient implements a single MCP session atop a transport: the
// initialize handshake, request/response correlation, and typed wrappers
// for tool, prompt, and resource discovery/invocation (spec §4.2-§4.5).
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
	"github.com/stacklok/mcp-agentrun/pkg/transport"
)

// State is the lifecycle state of a Client, per spec §4.2.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Info identifies this client during the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the peer's self-description returned by initialize.
type ServerInfo struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// Tool is a single tool descriptor as reported by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Prompt is a single prompt descriptor as reported by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one named argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Resource is a single resource descriptor as reported by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// NotificationHandler is invoked for every server->client notification
// (a message with no id), per the supplemented feature in spec §4 allowing
// callers to observe list-changed / progress / log notifications.
type NotificationHandler func(method string, params json.RawMessage)

// defaultRequestTimeout bounds a single round trip when the caller's
// context carries no deadline.
const defaultRequestTimeout = 30 * time.Second

// Client is one MCP session over a single Transport.
type Client struct {
	name string
	info Info
	tr   transport.Transport

	mu       sync.Mutex
	state    State
	server   ServerInfo
	pending  map[string]chan transport.Message
	notifyFn NotificationHandler
}

// New wraps an already-constructed Transport in a Client. The caller is
// responsible for constructing the transport (see pkg/transport.New).
func New(name string, info Info, tr transport.Transport) *Client {
	c := &Client{
		name:    name,
		info:    info,
		tr:      tr,
		state:   StateIdle,
		pending: make(map[string]chan transport.Message),
	}
	tr.OnReceive(c.handleMessage)
	return c
}

// OnNotification registers the callback invoked for server notifications.
func (c *Client) OnNotification(fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFn = fn
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the peer description captured during Connect. Zero
// value until the handshake completes.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Connect performs the initialize handshake, per spec §4.2.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return mcperrors.New(mcperrors.KindAlreadyConnected, "client already connected", nil)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	params, err := json.Marshal(map[string]any{
		"protocolVersion": "2025-06-18",
		"clientInfo":      c.info,
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return mcperrors.New(mcperrors.KindConnectFailed, "marshaling initialize params", err)
	}

	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return mcperrors.New(mcperrors.KindConnectFailed, fmt.Sprintf("initialize failed for %q", c.name), err)
	}

	var server ServerInfo
	if err := json.Unmarshal(result, &server); err != nil {
		logger.Warnf("client %s: could not decode server info: %v", c.name, err)
	}

	if err := c.tr.Send(ctx, transport.Message{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		logger.Warnf("client %s: failed to send initialized notification: %v", c.name, err)
	}

	c.mu.Lock()
	c.server = server
	c.state = StateConnected
	c.mu.Unlock()
	return nil
}

// Close tears down the session and underlying transport. Close is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	err := c.tr.Close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// ListTools returns the server's advertised tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, mcperrors.New(mcperrors.KindValidationError, "decoding tools/list result", err)
	}
	return out.Tools, nil
}

// CallTool invokes a tool by name with the given arguments and returns the
// raw result payload (structured validation happens in the invocation
// layer, which owns the JSON Schema the server advertised for this tool).
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindToolError, "marshaling tool call params", err)
	}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindToolError, fmt.Sprintf("tool %q invocation failed", name), err)
	}
	return result, nil
}

// ListPrompts returns the server's advertised prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	result, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, mcperrors.New(mcperrors.KindValidationError, "decoding prompts/list result", err)
	}
	return out.Prompts, nil
}

// GetPrompt resolves a prompt template with the given named arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (json.RawMessage, error) {
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindPromptNotFound, "marshaling prompt get params", err)
	}
	result, err := c.call(ctx, "prompts/get", params)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindPromptNotFound, fmt.Sprintf("prompt %q not resolved", name), err)
	}
	return result, nil
}

// ListResources returns the server's advertised resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	result, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, mcperrors.New(mcperrors.KindValidationError, "decoding resources/list result", err)
	}
	return out.Resources, nil
}

// ReadResource fetches the content of a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	params, err := json.Marshal(map[string]any{"uri": uri})
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindResourceNotFound, "marshaling resource read params", err)
	}
	result, err := c.call(ctx, "resources/read", params)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindResourceNotFound, fmt.Sprintf("resource %q not read", uri), err)
	}
	return result, nil
}

// call sends a request and blocks until the matching response arrives, the
// context is cancelled, or the client is closed.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan transport.Message, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.tr.Send(ctx, transport.Message{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, mcperrors.New(mcperrors.KindTransportFaulted, fmt.Sprintf("sending %s", method), err)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		reqCtx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, mcperrors.New(mcperrors.KindNotConnected, "client closed while awaiting response", nil)
		}
		if msg.Error != nil {
			return nil, mcperrors.New(mcperrors.KindToolError, msg.Error.Message, nil)
		}
		return msg.Result, nil
	case <-reqCtx.Done():
		return nil, mcperrors.New(mcperrors.KindTimeout, fmt.Sprintf("%s timed out", method), reqCtx.Err())
	}
}

// handleMessage dispatches an inbound frame: responses to pending requests
// by id, everything else to the notification handler.
func (c *Client) handleMessage(msg transport.Message) {
	if msg.ID != nil {
		id := fmt.Sprintf("%v", msg.ID)
		c.mu.Lock()
		ch, ok := c.pending[id]
		c.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			logger.Debugw("unmatched response id", "client", c.name, "id", id)
		}
		return
	}

	c.mu.Lock()
	fn := c.notifyFn
	c.mu.Unlock()
	if fn != nil {
		fn(msg.Method, msg.Params)
	}
}
