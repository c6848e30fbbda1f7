package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/stacklok/mcp-agentrun/pkg/config"
	"github.com/stacklok/mcp-agentrun/pkg/logger"
)

// StdioTransport exchanges newline-delimited JSON-RPC frames over a child
// process's stdin/stdout, per spec §4.1.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu       sync.Mutex
	onRecv   ReceiveHandler
	onFault  FaultHandler
	closed   bool
	closeErr error

	wg sync.WaitGroup
}

func newStdioTransport(_ context.Context, serverName string, d config.ServerDescriptor) (*StdioTransport, error) {
	env := resolveProcessEnv(d.Env)

	cmd := exec.Command(d.Command, d.Args...) //nolint:gosec // command comes from a trusted local descriptor
	cmd.Env = env
	cmd.Dir = d.Cwd

	switch d.StderrMode {
	case config.StderrInherit:
		cmd.Stderr = os.Stderr
	case config.StderrIgnore:
		cmd.Stderr = nil
	default: // StderrPipe and empty both pipe, defaulting to capture.
		cmd.Stderr = &stderrLogWriter{serverName: serverName}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting child process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: scanner,
	}

	t.wg.Add(1)
	go t.readLoop()

	t.wg.Add(1)
	go t.waitLoop()

	return t, nil
}

// resolveProcessEnv expands the descriptor's env template against the
// parent process environment and merges it on top of the inherited
// environment, per spec §4.1.
func resolveProcessEnv(tmpl map[string]string) []string {
	resolved := config.ResolveEnvMap(tmpl, os.LookupEnv)
	env := os.Environ()
	for k, v := range resolved {
		env = append(env, k+"="+v)
	}
	return env
}

func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	for t.stdout.Scan() {
		line := t.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warnf("stdio transport: discarding malformed frame: %v", err)
			continue
		}
		t.mu.Lock()
		handler := t.onRecv
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
	if err := t.stdout.Err(); err != nil {
		t.fault(fmt.Errorf("stdout read error: %w", err))
	}
}

// waitLoop observes child process exit and reports it as a transport fault,
// per spec §4.1 "process crash -> transport error -> client terminal".
func (t *StdioTransport) waitLoop() {
	defer t.wg.Done()
	err := t.cmd.Wait()
	t.mu.Lock()
	alreadyClosed := t.closed
	t.mu.Unlock()
	if alreadyClosed {
		return
	}
	if err != nil {
		t.fault(fmt.Errorf("child process exited: %w", err))
	} else {
		t.fault(fmt.Errorf("child process exited"))
	}
}

func (t *StdioTransport) fault(err error) {
	t.mu.Lock()
	handler := t.onFault
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

// Send writes msg as a single newline-delimited JSON frame to the child's
// stdin.
func (t *StdioTransport) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to child stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) OnReceive(handler ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecv = handler
}

func (t *StdioTransport) OnFault(handler FaultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFault = handler
}

// Close terminates the child process and releases pipes. Close is
// idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return t.closeErr
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

// stderrLogWriter routes a child process's stderr into the structured
// logger, tagged with the originating server name.
type stderrLogWriter struct {
	serverName string
}

func (w *stderrLogWriter) Write(p []byte) (int, error) {
	logger.Debugw(string(p), "server", w.serverName, "stream", "stderr")
	return len(p), nil
}
