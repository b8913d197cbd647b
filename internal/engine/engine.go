// Package engine implements the dispatcher that sits between the
// transport layer and the session/node/graph/workflow runtimes: it owns
// the session registry and proxy manager, resolves each command's
// target session, invokes the matching handler, and wraps the result in
// a CommandResult. Grounded on spec.md §4.6 and the teacher's
// coordinator-style structured-logging idiom
// (cmd/workflow-runner/coordinator).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nervelabs/nerve/internal/cache"
	"github.com/nervelabs/nerve/internal/config"
	"github.com/nervelabs/nerve/internal/eventbus"
	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/parser"
	"github.com/nervelabs/nerve/internal/proxy"
	"github.com/nervelabs/nerve/internal/session"
	"github.com/nervelabs/nerve/internal/telemetry"
	"github.com/nervelabs/nerve/internal/workflow"
)

// Engine dispatches wire commands to handler methods.
type Engine struct {
	cfg       *config.Config
	registry  *session.Registry
	proxies   *proxy.Manager
	events    *eventbus.Bus
	parsers   *parser.Registry
	telemetry *telemetry.Telemetry
	log       *logger.Logger

	toolCatalogs *cache.Cache[[]node.ToolDefinition]

	mu          sync.Mutex
	monitors    map[string]context.CancelFunc // node_id -> monitor stop
	graphRuns   map[string]context.CancelFunc // graph_id -> in-flight execute cancel
	templates   map[string]workflow.Fn        // built-in workflow templates, keyed by name

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds an engine with a fresh session registry (containing the
// default session) and proxy manager.
func New(cfg *config.Config, log *logger.Logger, tel *telemetry.Telemetry) (*Engine, error) {
	reg, err := session.NewRegistry(cfg.Server.Name, cfg.History.Enabled, cfg.History.BaseDir, log)
	if err != nil {
		return nil, err
	}

	parsers := parser.NewRegistry()
	parsers.Register(parser.NewDefaultClaudeParser())
	parsers.Register(parser.NewDefaultGeminiParser())

	return &Engine{
		cfg:          cfg,
		registry:     reg,
		proxies:      proxy.NewManager(cfg.History.BaseDir, log),
		events:       eventbus.New(log),
		parsers:      parsers,
		telemetry:    tel,
		log:          log,
		toolCatalogs: cache.New[[]node.ToolDefinition](time.Minute),
		monitors:     make(map[string]context.CancelFunc),
		graphRuns:    make(map[string]context.CancelFunc),
		templates:    make(map[string]workflow.Fn),
		shutdownCh:   make(chan struct{}),
	}, nil
}

// Events exposes the engine's event bus for the transport server to
// subscribe to and broadcast from.
func (e *Engine) Events() *eventbus.Bus { return e.events }

// ShutdownCh is closed once a SHUTDOWN command has been processed, the
// signal the transport server's accept loop watches to stop gracefully.
func (e *Engine) ShutdownCh() <-chan struct{} { return e.shutdownCh }

// RegisterWorkflowTemplate makes a compiled workflow function available
// to REGISTER_WORKFLOW by name. The wire protocol carries JSON, not
// code, so a workflow's logic must already be compiled into the binary;
// REGISTER_WORKFLOW only binds a new session-scoped id to one of these
// templates (see DESIGN.md).
func (e *Engine) RegisterWorkflowTemplate(name string, fn workflow.Fn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[name] = fn
}

// Dispatch resolves and invokes the handler for cmd, wrapping its
// outcome in a CommandResult. It never panics outward: a handler panic
// is recovered and converted into a failed result, matching the
// engine's exception-to-result conversion contract.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) (result CommandResult) {
	start := time.Now()

	if e.telemetry != nil {
		var end func()
		ctx, end = e.startSpan(ctx, cmd.Type)
		defer end()
	}

	defer func() {
		if p := recover(); p != nil {
			result = fail(nerverr.New(nerverr.InvalidParams, "handler panicked: %v", p))
		}
		result.RequestID = cmd.RequestID
		e.log.Debug("command dispatched", "command_type", cmd.Type, "success", result.Success, "elapsed_ms", time.Since(start).Milliseconds())
	}()

	sess, err := e.registry.Get(sessionIDParam(cmd.Params))
	if err != nil && cmd.Type != CreateSession && cmd.Type != ListSessions && cmd.Type != Shutdown {
		return fail(err)
	}

	switch cmd.Type {
	case CreateSession:
		return e.handleCreateSession(cmd.Params)
	case DeleteSession:
		return e.handleDeleteSession(ctx, cmd.Params)
	case ListSessions:
		return e.handleListSessions()

	case CreateNode:
		return e.handleCreateNode(ctx, sess, cmd.Params)
	case DeleteNode:
		return e.handleDeleteNode(ctx, sess, cmd.Params)
	case ListNodes:
		return e.handleListNodes(sess)
	case GetNode:
		return e.handleGetNode(sess, cmd.Params)
	case InterruptNode:
		return e.handleInterruptNode(ctx, sess, cmd.Params)

	case ExecuteInput:
		return e.handleExecuteInput(ctx, sess, cmd.Params)
	case WriteRaw:
		return e.handleWriteRaw(ctx, sess, cmd.Params)
	case RunCommand:
		return e.handleRunCommand(ctx, sess, cmd.Params)
	case ReadBuffer:
		return e.handleReadBuffer(sess, cmd.Params)
	case ReadTail:
		return e.handleReadTail(sess, cmd.Params)

	case CreateGraph:
		return e.handleCreateGraph(sess, cmd.Params)
	case DeleteGraph:
		return e.handleDeleteGraph(sess, cmd.Params)
	case ListGraphs:
		return e.handleListGraphs(sess)
	case GetGraph:
		return e.handleGetGraph(sess, cmd.Params)
	case ExecuteGraph:
		return e.handleExecuteGraph(ctx, sess, cmd.Params)
	case RunGraph:
		return e.handleRunGraph(ctx, sess, cmd.Params)
	case CancelGraph:
		return e.handleCancelGraph(sess, cmd.Params)

	case RegisterWorkflow:
		return e.handleRegisterWorkflow(sess, cmd.Params)
	case ListWorkflows:
		return e.handleListWorkflows(sess)
	case GetWorkflow:
		return e.handleGetWorkflow(sess, cmd.Params)
	case RunWorkflow:
		return e.handleRunWorkflow(ctx, sess, cmd.Params)
	case AnswerGate:
		return e.handleAnswerGate(sess, cmd.Params)
	case CancelWorkflow:
		return e.handleCancelWorkflow(sess, cmd.Params)

	case GetHistory:
		return e.handleGetHistory(sess, cmd.Params)

	case Shutdown:
		return e.handleShutdown(ctx)

	default:
		return fail(nerverr.New(nerverr.InvalidParams, "unknown command type %q", cmd.Type))
	}
}

func (e *Engine) startSpan(ctx context.Context, cmdType CommandType) (context.Context, func()) {
	spanCtx, span := e.telemetry.StartSpan(ctx, "nerve.command."+string(cmdType))
	return spanCtx, func() { span.End() }
}

// handleShutdown closes the shutdown channel exactly once and stops
// every session and proxy, mirroring the cooperative SHUTDOWN command.
func (e *Engine) handleShutdown(ctx context.Context) CommandResult {
	e.shutdownOnce.Do(func() {
		e.registry.StopAll(ctx)
		e.proxies.StopAll(ctx)
		e.events.Close()
		close(e.shutdownCh)
	})
	return ok(map[string]any{"shutdown": true})
}

func newExecID() string { return uuid.NewString() }
