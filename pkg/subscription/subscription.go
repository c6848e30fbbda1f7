// Package subscription implements the Resource Subscription Engine (spec
// §4.5): per-resource polling loops that fan out update/error events to
// listeners, with idempotent subscribe and cooperative cancellation.
package subscription

import (
	"context"
	"sync"
	"time"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/invocation"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
)

// EventKind distinguishes the three event shapes a subscription emits.
type EventKind string

const (
	EventUpdate       EventKind = "update"
	EventError        EventKind = "error"
	EventUnsubscribed EventKind = "unsubscribed"
)

// Event is one emission from a subscription's poller.
type Event struct {
	Kind        EventKind
	ID          string
	URI         string
	ServerName  string
	TimestampMs int64
	Content     any
	Err         error
}

// Listener receives every event for every subscription this Engine owns.
// Events for a single subscription are delivered in emission order;
// ordering across subscriptions is not guaranteed, per spec §4.5.
type Listener func(Event)

// Subscription is the public record for one watched resource, per spec §3.
type Subscription struct {
	ID         string
	URI        string
	ServerName string
	Active     bool
	CreatedAt  time.Time
	LastUpdate time.Time
}

const defaultPollInterval = 5 * time.Second

// resourceReader reads a resource's current content; satisfied by
// pkg/invocation.Engine.ReadResource in production, faked in tests.
type resourceReader interface {
	ReadResource(ctx context.Context, uri string, vars map[string]string) (invocation.ResourceClass, []byte, string, error)
}

// Engine owns every active subscription's lifecycle.
type Engine struct {
	reader resourceReader
	nowFn  func() time.Time

	mu            sync.Mutex
	subscriptions map[string]*Subscription
	cancels       map[string]context.CancelFunc

	listenerMu sync.RWMutex
	listeners  []Listener
}

// New builds an Engine that reads resources through reader.
func New(reader resourceReader) *Engine {
	return &Engine{
		reader:        reader,
		nowFn:         time.Now,
		subscriptions: make(map[string]*Subscription),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// AddListener registers a callback invoked for every event across every
// subscription.
func (e *Engine) AddListener(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, l)
}

func subscriptionID(serverName, uri string) string {
	return serverName + "::" + uri
}

// Subscribe creates a poller for (serverName, uri) if one doesn't already
// exist; a duplicate call returns the existing subscription's id, per spec
// §4.5 idempotent subscribe.
func (e *Engine) Subscribe(ctx context.Context, serverName, uri string, pollInterval time.Duration) string {
	id := subscriptionID(serverName, uri)
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	e.mu.Lock()
	if _, exists := e.subscriptions[id]; exists {
		e.mu.Unlock()
		return id
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	e.subscriptions[id] = &Subscription{
		ID:         id,
		URI:        uri,
		ServerName: serverName,
		Active:     true,
		CreatedAt:  e.nowFn(),
	}
	e.cancels[id] = cancel
	e.mu.Unlock()

	go e.pollLoop(pollCtx, id, serverName, uri, pollInterval)
	return id
}

// pollLoop reads the resource on every tick and emits update/error events;
// a read failure is tolerated and does not stop the poller, per spec §4.5.
func (e *Engine) pollLoop(ctx context.Context, id, serverName, uri string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, content, _, err := e.reader.ReadResource(context.WithoutCancel(ctx), uri, nil)
			now := e.nowFn()
			if err != nil {
				logger.Debugw("subscription poll failed", "id", id, "err", err)
				e.emit(Event{Kind: EventError, ID: id, URI: uri, ServerName: serverName, TimestampMs: now.UnixMilli(), Err: err})
				continue
			}

			e.mu.Lock()
			if sub, ok := e.subscriptions[id]; ok {
				sub.LastUpdate = now
			}
			e.mu.Unlock()

			e.emit(Event{Kind: EventUpdate, ID: id, URI: uri, ServerName: serverName, TimestampMs: now.UnixMilli(), Content: content})
		}
	}
}

func (e *Engine) emit(ev Event) {
	e.listenerMu.RLock()
	defer e.listenerMu.RUnlock()
	for _, l := range e.listeners {
		l(ev)
	}
}

// Unsubscribe halts and removes the poller for id and emits an
// "unsubscribed" event. The poller is guaranteed to stop before its next
// tick; it is not interrupted mid-read, per spec §4.5/§6 cancellation
// model.
func (e *Engine) Unsubscribe(id string) error {
	e.mu.Lock()
	sub, ok := e.subscriptions[id]
	if !ok {
		e.mu.Unlock()
		return mcperrors.New(mcperrors.KindResourceNotFound, "unknown subscription "+id, nil)
	}
	cancel := e.cancels[id]
	delete(e.subscriptions, id)
	delete(e.cancels, id)
	e.mu.Unlock()

	cancel()
	e.emit(Event{Kind: EventUnsubscribed, ID: id, URI: sub.URI, ServerName: sub.ServerName, TimestampMs: e.nowFn().UnixMilli()})
	return nil
}

// UnsubscribeByServer tears down every subscription owned by serverName.
// The Connection Manager does not call it; a caller purging a disconnected
// server invokes it directly.
func (e *Engine) UnsubscribeByServer(serverName string) {
	e.mu.Lock()
	ids := make([]string, 0)
	for id, sub := range e.subscriptions {
		if sub.ServerName == serverName {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Unsubscribe(id)
	}
}

// Cleanup tears down every active poller, used on full runtime shutdown.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.subscriptions))
	for id := range e.subscriptions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Unsubscribe(id)
	}
}

// Get returns the current record for a subscription id.
func (e *Engine) Get(id string) (*Subscription, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subscriptions[id]
	return sub, ok
}

// List returns every active subscription.
func (e *Engine) List() []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Subscription, 0, len(e.subscriptions))
	for _, s := range e.subscriptions {
		out = append(out, s)
	}
	return out
}
