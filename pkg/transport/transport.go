// Package transport implements the duplex JSON-RPC frame channel (spec
// §4.1) shared by every MCP client session: a single Transport interface
// with two concrete variants (stdio child process, Streamable HTTP) and a
// factory that picks one from a server descriptor.
package transport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/stacklok/mcp-agentrun/pkg/config"
	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
)

// Message is a JSON-RPC 2.0 frame. The wire schema itself is out of scope
// per the specification; this is the minimal envelope the runtime needs to
// correlate requests and responses and to carry method/params/result/error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ReceiveHandler is invoked for every inbound frame, on a transport-owned
// goroutine. Implementations must not block for long.
type ReceiveHandler func(Message)

// FaultHandler is invoked when the transport faults after a successful
// connect (spec §4.1 "TransportFaulted"). The stdio variant calls it from its
// reader and process-wait goroutines; the HTTP variant calls it from Send for
// every failed request, so it can fire more than once.
type FaultHandler func(error)

// Transport is the single capability every wire variant implements: send a
// frame, register a receive callback, register a fault callback, close.
type Transport interface {
	// Send writes one frame to the peer.
	Send(ctx context.Context, msg Message) error

	// OnReceive registers the handler invoked for inbound frames. Must be
	// called before the first Send/Connect-equivalent traffic to avoid
	// dropping frames.
	OnReceive(handler ReceiveHandler)

	// OnFault registers the handler invoked when the transport faults
	// asynchronously after construction.
	OnFault(handler FaultHandler)

	// Close tears down the underlying channel (process, connection). Close
	// is idempotent.
	Close() error
}

// Kind identifies which Transport variant is in play, surfaced in status
// reports (spec §4.2).
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
)

// New builds the Transport variant selected by descriptor.Kind(), per the
// Transport Factory predicate in spec §4.1: a url starting with http(s)://
// selects HTTP, a command selects stdio, anything else is a construction
// error surfaced synchronously as KindTransportInit.
func New(ctx context.Context, serverName string, d config.ServerDescriptor) (Transport, Kind, error) {
	kind, err := d.Kind()
	if err != nil {
		return nil, "", mcperrors.New(mcperrors.KindTransportInit, "cannot select transport", err)
	}

	switch kind {
	case "http":
		if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
			return nil, "", mcperrors.New(mcperrors.KindTransportInit,
				"http transport requires an http(s):// url", nil)
		}
		tr, err := newHTTPTransport(d)
		if err != nil {
			return nil, "", mcperrors.New(mcperrors.KindTransportInit, "failed to construct http transport", err)
		}
		return tr, KindHTTP, nil
	case "stdio":
		tr, err := newStdioTransport(ctx, serverName, d)
		if err != nil {
			return nil, "", mcperrors.New(mcperrors.KindTransportInit, "failed to construct stdio transport", err)
		}
		return tr, KindStdio, nil
	default:
		return nil, "", mcperrors.New(mcperrors.KindTransportInit, "unknown transport kind", nil)
	}
}
