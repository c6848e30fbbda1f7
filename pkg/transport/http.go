package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/mcp-agentrun/pkg/config"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
)

const defaultHTTPTimeout = 30 * time.Second

// sessionIDHeader is the header MCP Streamable-HTTP servers use to hand back
// a session identifier on the first response, which the client must echo on
// subsequent requests (spec §4.1 supplemented session-affinity behavior).
const sessionIDHeader = "Mcp-Session-Id"

// HTTPTransport speaks the MCP Streamable-HTTP variant: every outbound frame
// is POSTed to the server URL, and the response body is read as a stream of
// newline-delimited (or SSE "data:"-prefixed) JSON frames.
type HTTPTransport struct {
	url    string
	client *http.Client

	mu             sync.Mutex
	headers        map[string]string
	sessionID      string
	requestTimeout time.Duration
	onRecv         ReceiveHandler
	onFault        FaultHandler
	closed         bool
	cancel         context.CancelFunc
}

func newHTTPTransport(d config.ServerDescriptor) (*HTTPTransport, error) {
	timeout := defaultHTTPTimeout
	if d.TimeoutMs > 0 {
		timeout = time.Duration(d.TimeoutMs) * time.Millisecond
	}

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	return &HTTPTransport{
		url:            d.URL,
		client:         &http.Client{Timeout: 0}, // per-request timeout applied via context
		headers:        headers,
		requestTimeout: timeout,
	}, nil
}

// Send issues one POST carrying msg and streams the response body,
// dispatching every frame it contains to the registered receive handler.
func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	headers := make(map[string]string, len(t.headers))
	for k, v := range t.headers {
		headers[k] = v
	}
	sessionID := t.sessionID
	timeout := t.requestTimeout
	t.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	reqCtx := ctx
	var reqCancel context.CancelFunc
	if timeout > 0 {
		reqCtx, reqCancel = context.WithTimeout(ctx, timeout)
		defer reqCancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url, newBodyReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.fault(fmt.Errorf("http request failed: %w", err))
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("server returned status %d", resp.StatusCode)
		t.fault(err)
		return err
	}

	return t.consumeFrames(resp.Body)
}

// consumeFrames reads a response body as a sequence of frames, supporting
// both bare newline-delimited JSON and "data: {...}" SSE framing.
func (t *HTTPTransport) consumeFrames(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) >= 6 && string(line[:5]) == "data:" {
			line = line[5:]
			for len(line) > 0 && line[0] == ' ' {
				line = line[1:]
			}
		}
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warnf("http transport: discarding malformed frame: %v", err)
			continue
		}
		t.mu.Lock()
		handler := t.onRecv
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
	return scanner.Err()
}

// SetHeaders hot-swaps the header set, used to inject a refreshed bearer
// token without reconstructing the transport (spec §4.6 token refresh
// integration).
func (t *HTTPTransport) SetHeaders(headers map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		t.headers[k] = v
	}
}

func (t *HTTPTransport) fault(err error) {
	t.mu.Lock()
	handler := t.onFault
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (t *HTTPTransport) OnReceive(handler ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecv = handler
}

func (t *HTTPTransport) OnFault(handler FaultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFault = handler
}

// Close marks the transport closed, so later Sends fail, and releases idle
// connections. A request already in flight is not aborted; it runs until it
// completes or hits its own timeout. Close is idempotent.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	t.client.CloseIdleConnections()
	return nil
}

func newBodyReader(body []byte) io.Reader {
	return &byteReader{b: body}
}

// byteReader is a minimal io.Reader over a byte slice, avoiding a
// bytes.Reader import purely for a one-shot POST body.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
