package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stacklok/mcp-agentrun/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withTimeout waits for done to close or fails the test after d.
func withTimeout(t *testing.T, d time.Duration, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for condition")
	}
}

func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	t.Parallel()
	// cat echoes each stdin line back on stdout, giving a cheap stand-in for
	// a well-behaved MCP server speaking newline-delimited JSON-RPC.
	d := config.ServerDescriptor{Command: "cat"}

	tr, err := newStdioTransport(context.Background(), "echo", d)
	require.NoError(t, err)
	defer tr.Close()

	var mu sync.Mutex
	received := make(chan Message, 1)
	tr.OnReceive(func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		received <- msg
	})

	sent := Message{JSONRPC: "2.0", ID: float64(1), Method: "ping"}
	require.NoError(t, tr.Send(context.Background(), sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.Method, got.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive echoed frame")
	}
}

func TestStdioTransport_ProcessExitFaults(t *testing.T) {
	t.Parallel()
	d := config.ServerDescriptor{Command: "true"}

	tr, err := newStdioTransport(context.Background(), "exiter", d)
	require.NoError(t, err)
	defer tr.Close()

	done := make(chan struct{})
	tr.OnFault(func(error) { close(done) })

	withTimeout(t, 2*time.Second, done)
}

func TestStdioTransport_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	d := config.ServerDescriptor{Command: "cat"}

	tr, err := newStdioTransport(context.Background(), "idempotent", d)
	require.NoError(t, err)

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

func TestStdioTransport_SendAfterCloseErrors(t *testing.T) {
	t.Parallel()
	d := config.ServerDescriptor{Command: "cat"}

	tr, err := newStdioTransport(context.Background(), "closed", d)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	err = tr.Send(context.Background(), Message{JSONRPC: "2.0"})
	assert.Error(t, err)
}

func TestResolveProcessEnv_MergesOverInherited(t *testing.T) {
	t.Parallel()
	env := resolveProcessEnv(map[string]string{"MCP_TEST_VAR": "value"})

	found := false
	for _, kv := range env {
		if kv == "MCP_TEST_VAR=value" {
			found = true
		}
	}
	assert.True(t, found)
}

// ensure Message round-trips through JSON the way the read loop expects.
func TestMessage_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	msg := Message{JSONRPC: "2.0", ID: float64(7), Method: "tools/list"}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, msg.Method, out.Method)
}
