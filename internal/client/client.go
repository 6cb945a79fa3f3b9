// Package client provides a persistent, auto-spawning connection to the
// viberag daemon over its newline-delimited JSON-RPC protocol (see
// internal/rpc). Unlike a request/response client that redials for every
// call, a Client keeps one socket connection open and multiplexes many
// calls across it, redialing only after an I/O error.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/viberag/viberag/internal/rpc"
)

// Config controls how the client reaches and, if needed, starts the daemon.
type Config struct {
	SocketPath string
	PIDPath    string
	Timeout    time.Duration
	Source     string // tagged into every request's __client.source, e.g. "cli"
}

// Client is a persistent connection to one daemon socket.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	requestID atomic.Uint64
}

// New creates a client for the given config. It does not dial until the
// first call.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

// IsRunning reports whether a daemon is currently accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// EnsureDaemon starts the daemon in the background if it is not already
// running, re-executing the current binary with "daemon start
// --foreground" and detaching it into its own session, then polls until
// the socket accepts connections or ctx expires.
func (c *Client) EnsureDaemon(ctx context.Context) error {
	if c.IsRunning() {
		return nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("client: resolve executable: %w", err)
	}

	cmd := exec.Command(execPath, "daemon", "start", "--foreground")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("client: spawn daemon: %w", err)
	}

	// Reap the detached process asynchronously so it doesn't zombie once it exits.
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(20 * 100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.IsRunning() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	return fmt.Errorf("client: daemon did not become ready within timeout")
}

// connect returns the current connection, dialing a fresh one if needed.
// Caller must hold c.mu.
func (c *Client) connect() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("unix", c.cfg.SocketPath, c.cfg.Timeout)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeConnectionError, Message: fmt.Sprintf("connect to daemon: %v", err)}
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// call sends one request and decodes its result into out (a pointer), or
// returns the RPC error. A single I/O failure triggers one redial-and-retry
// before giving up.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := c.connect()
		if err != nil {
			lastErr = err
			continue
		}

		deadline := time.Now().Add(c.cfg.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetDeadline(deadline); err != nil {
			c.dropConn()
			lastErr = err
			continue
		}

		req, err := c.buildRequest(method, params)
		if err != nil {
			return err
		}

		if err := c.writeRequest(conn, req); err != nil {
			c.dropConn()
			lastErr = err
			continue
		}

		resp, err := c.readResponse()
		if err != nil {
			c.dropConn()
			lastErr = err
			continue
		}

		if resp.Error != nil {
			return &rpc.Error{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}

		if out == nil {
			return nil
		}
		data, err := json.Marshal(resp.Result)
		if err != nil {
			return fmt.Errorf("client: re-marshal result: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("client: decode result: %w", err)
		}
		return nil
	}

	return fmt.Errorf("client: %s: %w", method, lastErr)
}

func (c *Client) buildRequest(method string, params any) (rpc.Request, error) {
	envelope := map[string]any{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return rpc.Request{}, fmt.Errorf("client: encode params: %w", err)
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return rpc.Request{}, fmt.Errorf("client: encode params: %w", err)
		}
	}
	if c.cfg.Source != "" {
		envelope["__client"] = rpc.ClientTag{Source: c.cfg.Source}
	}

	paramsRaw, err := json.Marshal(envelope)
	if err != nil {
		return rpc.Request{}, fmt.Errorf("client: encode envelope: %w", err)
	}

	return rpc.Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsRaw,
		ID:      c.nextID(),
	}, nil
}

func (c *Client) writeRequest(conn net.Conn, req rpc.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func (c *Client) readResponse() (*rpc.Response, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	return &resp, nil
}

func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.requestID.Add(1))
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) (*rpc.PingResult, error) {
	var out rpc.PingResult
	if err := c.call(ctx, rpc.MethodPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns resource and liveness metrics.
func (c *Client) Health(ctx context.Context) (*rpc.HealthResult, error) {
	var out rpc.HealthResult
	if err := c.call(ctx, rpc.MethodHealth, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the daemon's rich status object.
func (c *Client) Status(ctx context.Context) (*rpc.StatusResult, error) {
	var out rpc.StatusResult
	if err := c.call(ctx, rpc.MethodStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchStatus returns the file watcher's current state-machine snapshot.
func (c *Client) WatchStatus(ctx context.Context) (*rpc.WatchStatusData, error) {
	var out rpc.WatchStatusData
	if err := c.call(ctx, rpc.MethodWatchStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Index runs a synchronous (blocking) indexing pass.
func (c *Client) Index(ctx context.Context, params rpc.IndexParams) (*rpc.IndexResult, error) {
	var out rpc.IndexResult
	if err := c.call(ctx, rpc.MethodIndex, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IndexAsync starts an indexing pass and returns immediately with a job id.
func (c *Client) IndexAsync(ctx context.Context, params rpc.IndexParams) (*rpc.IndexAsyncResult, error) {
	var out rpc.IndexAsyncResult
	if err := c.call(ctx, rpc.MethodIndexAsync, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a hybrid BM25 + semantic search.
func (c *Client) Search(ctx context.Context, params rpc.SearchParams) ([]rpc.SearchResult, error) {
	var out []rpc.SearchResult
	if err := c.call(ctx, rpc.MethodSearch, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSymbol looks up one symbol's definition.
func (c *Client) GetSymbol(ctx context.Context, params rpc.GetSymbolParams) (*rpc.GetSymbolResult, error) {
	var out rpc.GetSymbolResult
	if err := c.call(ctx, rpc.MethodGetSymbol, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindUsages finds occurrences of a symbol or token.
func (c *Client) FindUsages(ctx context.Context, params rpc.FindUsagesParams) (*rpc.FindUsagesResult, error) {
	var out rpc.FindUsagesResult
	if err := c.call(ctx, rpc.MethodFindUsages, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExpandContext returns the lines surrounding a chunk.
func (c *Client) ExpandContext(ctx context.Context, params rpc.ExpandContextParams) (*rpc.ExpandContextResult, error) {
	var out rpc.ExpandContextResult
	if err := c.call(ctx, rpc.MethodExpandContext, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Eval runs the bundled retrieval-quality query suite.
func (c *Client) Eval(ctx context.Context, params rpc.EvalParams) (*rpc.EvalResult, error) {
	var out rpc.EvalResult
	if err := c.call(ctx, rpc.MethodEval, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel aborts an in-flight indexing or warmup operation.
func (c *Client) Cancel(ctx context.Context, params rpc.CancelParams) (*rpc.CancelResult, error) {
	var out rpc.CancelResult
	if err := c.call(ctx, rpc.MethodCancel, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the daemon to exit gracefully.
func (c *Client) Shutdown(ctx context.Context, params rpc.ShutdownParams) (*rpc.ShutdownResult, error) {
	var out rpc.ShutdownResult
	if err := c.call(ctx, rpc.MethodShutdown, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TestException drives the error-reporting test hook.
func (c *Client) TestException(ctx context.Context, params rpc.TestExceptionParams) (*rpc.TestExceptionResult, error) {
	var out rpc.TestExceptionResult
	if err := c.call(ctx, rpc.MethodTestException, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
