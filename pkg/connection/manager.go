// Package connection implements the Connection Lifecycle Manager (spec
// §4.2): parallel attach/detach of the configured server set with
// per-server failure isolation, plus status reporting.
package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/stacklok/mcp-agentrun/pkg/config"
	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
	"github.com/stacklok/mcp-agentrun/pkg/mcpclient"
	"github.com/stacklok/mcp-agentrun/pkg/transport"
)

// Status reports one server's current connection state, per spec §4.2.
type Status struct {
	ServerName    string
	State         mcpclient.State
	TransportKind transport.Kind
	Err           error
}

// FaultHandler is invoked when a connected server's transport faults
// asynchronously, so the owner can decide whether to reconnect or evict it
// from the capability registry.
type FaultHandler func(serverName string, err error)

// Manager owns the set of live server connections: one Transport and one
// mcpclient.Client per server name.
type Manager struct {
	mu         sync.RWMutex
	clients    map[string]*mcpclient.Client
	transports map[string]transport.Transport
	kinds      map[string]transport.Kind
	errs       map[string]error
	clientInfo mcpclient.Info

	faultMu sync.Mutex
	onFault FaultHandler
}

// New creates an empty Manager. clientInfo identifies this runtime to every
// server during its initialize handshake.
func New(clientInfo mcpclient.Info) *Manager {
	return &Manager{
		clients:    make(map[string]*mcpclient.Client),
		transports: make(map[string]transport.Transport),
		kinds:      make(map[string]transport.Kind),
		errs:       make(map[string]error),
		clientInfo: clientInfo,
	}
}

// OnFault registers the callback invoked when a connected server faults.
func (m *Manager) OnFault(fn FaultHandler) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.onFault = fn
}

// ConnectAll attaches every enabled descriptor in parallel. A failure
// connecting one server is isolated: it is recorded in the returned map and
// does not prevent the others from connecting, per spec §4.2 "partial
// startup" behavior.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]config.ServerDescriptor) map[string]error {
	results := make(map[string]error, len(servers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, d := range servers {
		if d.Disabled {
			disabledErr := mcperrors.New(mcperrors.KindDisabled, fmt.Sprintf("server %q disabled", name), nil)
			m.recordError(name, disabledErr)
			mu.Lock()
			results[name] = disabledErr
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(name string, d config.ServerDescriptor) {
			defer wg.Done()
			err := m.Connect(ctx, name, d)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, d)
	}
	wg.Wait()
	return results
}

// Connect attaches a single server: builds its transport, wraps it in a
// client, and performs the initialize handshake.
func (m *Manager) Connect(ctx context.Context, name string, d config.ServerDescriptor) error {
	m.mu.Lock()
	if _, exists := m.clients[name]; exists {
		m.mu.Unlock()
		return mcperrors.New(mcperrors.KindAlreadyConnected, fmt.Sprintf("server %q already connected", name), nil)
	}
	m.mu.Unlock()

	tr, kind, err := transport.New(ctx, name, d)
	if err != nil {
		m.recordError(name, err)
		return err
	}

	tr.OnFault(func(faultErr error) {
		logger.Warnf("connection: server %q transport faulted: %v", name, faultErr)
		m.recordError(name, mcperrors.New(mcperrors.KindTransportFaulted, "transport faulted", faultErr))
		m.faultMu.Lock()
		handler := m.onFault
		m.faultMu.Unlock()
		if handler != nil {
			handler(name, faultErr)
		}
	})

	client := mcpclient.New(name, m.clientInfo, tr)
	if err := client.Connect(ctx); err != nil {
		_ = tr.Close()
		wrapped := mcperrors.New(mcperrors.KindConnectFailed, fmt.Sprintf("server %q handshake failed", name), err)
		m.recordError(name, wrapped)
		return wrapped
	}

	m.mu.Lock()
	m.clients[name] = client
	m.transports[name] = tr
	m.kinds[name] = kind
	delete(m.errs, name)
	m.mu.Unlock()
	return nil
}

func (m *Manager) recordError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[name] = err
}

// Disconnect detaches a single server, closing its client and transport.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	client, ok := m.clients[name]
	if !ok {
		m.mu.Unlock()
		return mcperrors.New(mcperrors.KindNotConnected, fmt.Sprintf("server %q not connected", name), nil)
	}
	delete(m.clients, name)
	delete(m.transports, name)
	delete(m.kinds, name)
	m.mu.Unlock()

	return client.Close()
}

// DisconnectAll detaches every connected server in parallel, collecting any
// close errors by server name (spec §4.2 "full shutdown").
func (m *Manager) DisconnectAll() map[string]error {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := m.Disconnect(name)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// Client returns the connected client for a server, or false if none.
func (m *Manager) Client(name string) (*mcpclient.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Clients returns every currently connected client keyed by server name.
func (m *Manager) Clients() map[string]*mcpclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*mcpclient.Client, len(m.clients))
	for k, v := range m.clients {
		out[k] = v
	}
	return out
}

// Status reports the current state of every server this Manager has ever
// attempted to connect (connected or failed).
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]Status, 0, len(m.clients)+len(m.errs))

	for name, c := range m.clients {
		out = append(out, Status{ServerName: name, State: c.State(), TransportKind: m.kinds[name]})
		seen[name] = true
	}
	for name, err := range m.errs {
		if seen[name] {
			continue
		}
		out = append(out, Status{ServerName: name, State: mcpclient.StateIdle, Err: err})
	}
	return out
}
