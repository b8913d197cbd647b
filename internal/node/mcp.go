package node

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nervelabs/nerve/internal/cache"
	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
)

// ToolDefinition describes one tool an MCP server exposes.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	NodeID      string         `json:"node_id"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mcpClient is a minimal JSON-RPC 2.0 client over a child process's
// stdio, the transport every MCP server speaks.
type mcpClient struct {
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Reader

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse

	closed atomic.Bool
	done   chan struct{}
}

func startMCPClient(ctx context.Context, command string, args []string, env map[string]string, dir string) (*mcpClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &mcpClient{
		cmd:     cmd,
		stdin:   bufio.NewWriter(stdin),
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if _, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "nerved", "version": "1"},
	}); err != nil {
		c.close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}

	return c, nil
}

func (c *mcpClient) readLoop() {
	defer close(c.done)
	for {
		line, err := c.stdout.ReadBytes('\n')
		if len(line) > 0 {
			var resp rpcResponse
			if json.Unmarshal(line, &resp) == nil {
				c.mu.Lock()
				ch, ok := c.pending[resp.ID]
				if ok {
					delete(c.pending, resp.ID)
				}
				c.mu.Unlock()
				if ok {
					ch <- resp
				}
			}
		}
		if err != nil {
			c.closed.Store(true)
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *mcpClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, nerverr.New(nerverr.UpstreamError, "mcp server disconnected")
	}

	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	_, werr := c.stdin.Write(append(data, '\n'))
	if werr == nil {
		werr = c.stdin.Flush()
	}
	c.mu.Unlock()
	if werr != nil {
		return nil, werr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, nerverr.New(nerverr.UpstreamError, "mcp server disconnected while awaiting %s", method)
		}
		if resp.Error != nil {
			return nil, nerverr.New(nerverr.UpstreamError, "mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (c *mcpClient) close() error {
	c.closed.Store(true)
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}

// MCP is a persistent node wrapping one MCP server connection. It
// exposes every tool the server advertises and routes named calls to
// them. Grounded on the multi-tool MCPNode.
type MCP struct {
	base

	client   *mcpClient
	tools    []ToolDefinition
	toolCat  *cache.Cache[[]ToolDefinition]
	command  string
	log      *logger.Logger
}

// ToolCatalogTTL bounds how long a discovered tool list is trusted
// before a reconnect re-discovers it.
const ToolCatalogTTL = 10 * time.Minute

// NewMCP connects to command/args as an MCP server over stdio and
// discovers its tool catalog.
func NewMCP(ctx context.Context, id, command string, args []string, env map[string]string, dir string, toolCat *cache.Cache[[]ToolDefinition], log *logger.Logger) (*MCP, error) {
	client, err := startMCPClient(ctx, command, args, env, dir)
	if err != nil {
		return nil, nerverr.Wrap(nerverr.UpstreamError, err, "mcp %q: connect failed", id)
	}

	m := &MCP{
		base:    newBase(id, KindMCP, true),
		client:  client,
		toolCat: toolCat,
		command: command,
		log:     log,
	}

	tools, err := m.toolCat.GetOrCompute(id, ToolCatalogTTL, func() ([]ToolDefinition, error) {
		return m.discoverTools(ctx)
	})
	if err != nil {
		_ = client.close()
		m.markError()
		return nil, nerverr.Wrap(nerverr.UpstreamError, err, "mcp %q: tool discovery failed", id)
	}

	m.tools = tools
	m.setState(Ready)
	m.setMetadata("command", command)
	m.setMetadata("tool_count", len(tools))
	return m, nil
}

func (m *MCP) discoverTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := m.client.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	out := make([]ToolDefinition, len(parsed.Tools))
	for i, t := range parsed.Tools {
		out[i] = ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema, NodeID: m.id}
	}
	return out, nil
}

// Tools lists the tools this server advertised at connect time.
func (m *MCP) Tools() []ToolDefinition { return m.tools }

// mcpInput is the expected Execute input shape: a single named tool call.
type mcpInput struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Execute calls the named tool with its arguments and returns the tool's
// result content.
func (m *MCP) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	if err := m.enterBusy(); err != nil {
		return Result{}, err
	}
	defer m.leaveBusy()

	in, err := toMCPInput(ec.Input)
	if err != nil {
		return Result{}, nerverr.New(nerverr.InvalidParams, "mcp %q: %v", m.id, err)
	}

	raw, err := m.client.call(ctx, "tools/call", map[string]any{
		"name":      in.Tool,
		"arguments": in.Arguments,
	})
	if err != nil {
		m.markError()
		return Result{}, nerverr.Wrap(nerverr.UpstreamError, err, "mcp %q: tool %q failed", m.id, in.Tool)
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, nerverr.Wrap(nerverr.UpstreamError, err, "mcp %q: decode tool result", m.id)
	}

	return Result{Success: true, Output: result}, nil
}

func toMCPInput(input any) (mcpInput, error) {
	switch v := input.(type) {
	case mcpInput:
		return v, nil
	case map[string]any:
		tool, _ := v["tool"].(string)
		if tool == "" {
			return mcpInput{}, fmt.Errorf("missing 'tool' in input")
		}
		args, _ := v["arguments"].(map[string]any)
		return mcpInput{Tool: tool, Arguments: args}, nil
	default:
		return mcpInput{}, fmt.Errorf("unsupported input type %T for mcp node", v)
	}
}

// Interrupt has nothing to cancel mid-call for a single JSON-RPC round trip.
func (m *MCP) Interrupt(ctx context.Context) error { return nil }

// Stop closes the MCP server's stdio connection.
func (m *MCP) Stop(ctx context.Context) error {
	err := m.client.close()
	m.toolCat.Delete(m.id)
	m.setState(Stopped)
	return err
}
