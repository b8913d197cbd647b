package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nervelabs/nerve/internal/history"
	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/parser"
	"github.com/nervelabs/nerve/internal/ptybackend"
)

// HistoryBufferLines bounds how much tail is captured when a deferred
// run/write buffer read happens.
const HistoryBufferLines = 50

const (
	defaultReadyTimeout    = 60 * time.Second
	defaultResponseTimeout = 1800 * time.Second
	readyPollInterval      = 300 * time.Millisecond
	readyConsecutiveCount  = 2
	readyGraceDelay        = 500 * time.Millisecond
	claudeProcessingWait   = 10 * time.Second
)

// Terminal hosts an interactive CLI inside a PTY (or WezTerm pane). It is
// persistent: it outlives any single Execute call and is stopped
// explicitly. Grounded on PTYNode in the original implementation.
type Terminal struct {
	base

	backend   ptybackend.Backend
	command   string
	parsers   *parser.Registry
	defParser string
	history   *history.Writer
	log       *logger.Logger

	lastInput string
}

// TerminalConfig bundles the optional knobs accepted at creation.
type TerminalConfig struct {
	DefaultParser string // parser name; "" = none
}

// NewTerminal wraps an already-started backend as a Ready Terminal node.
func NewTerminal(id string, kind Kind, backend ptybackend.Backend, command string, parsers *parser.Registry, hw *history.Writer, cfg TerminalConfig, log *logger.Logger) *Terminal {
	t := &Terminal{
		base:      newBase(id, kind, true),
		backend:   backend,
		command:   command,
		parsers:   parsers,
		defParser: cfg.DefaultParser,
		history:   hw,
		log:       log,
	}
	t.setState(Ready)
	t.setMetadata("command", command)
	return t
}

func (t *Terminal) captureDeferredBuffer() {
	if t.history == nil || !t.history.Enabled() {
		return
	}
	if t.history.NeedsBufferCapture() {
		tail := t.backend.Tail(HistoryBufferLines)
		t.history.LogRead(tail, HistoryBufferLines)
	}
}

// Execute sends input and waits for the hosted program to become ready
// again, then parses the newly produced output.
func (t *Terminal) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	if err := t.enterBusy(); err != nil {
		return Result{}, err
	}
	defer t.leaveBusy()

	t.captureDeferredBuffer()

	input := ""
	if ec.Input != nil {
		input = fmt.Sprintf("%v", ec.Input)
	}
	t.lastInput = input
	t.setMetadata("last_input", input)

	var tsStart time.Time
	if t.history != nil && t.history.Enabled() {
		tsStart = time.Now()
	}

	parserName := ec.ParserOverride
	if parserName == "" {
		parserName = t.defParser
	}
	p := t.parsers.MustGet(parserName)
	isClaude := parserName == "claude"

	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}

	bufferStart := t.backend.Len()

	if err := t.sendInput(input, isClaude); err != nil {
		t.markError()
		return Result{}, nerverr.Wrap(nerverr.NodeError, err, "terminal %q: write failed", t.id)
	}

	if err := t.waitForReady(ctx, timeout, isClaude, bufferStart); err != nil {
		return Result{}, err
	}

	window := t.backend.Snapshot()
	if bufferStart <= len(window) {
		window = window[bufferStart:]
	}
	resp := p.Parse(window)

	if t.history != nil && t.history.Enabled() && !tsStart.IsZero() {
		t.history.LogSend(input, tsStart, time.Now(), responseToHistory(resp), nil)
	}

	return Result{Success: true, Output: resp}, nil
}

func responseToHistory(r parser.ParsedResponse) map[string]any {
	sections := make([]map[string]any, len(r.Sections))
	for i, s := range r.Sections {
		sections[i] = map[string]any{"type": s.Type, "content": s.Content, "tool": s.Tool, "metadata": s.Metadata}
	}
	return map[string]any{
		"sections":    sections,
		"tokens":      r.Tokens,
		"is_complete": r.IsComplete,
		"is_ready":    r.IsReady,
	}
}

// sendInput reproduces the exact keystroke sequence a human would type,
// including Claude's vim-like insert-mode dance (spec §4.2/§6).
func (t *Terminal) sendInput(input string, isClaude bool) error {
	if isClaude {
		if _, err := t.backend.Write([]byte("i")); err != nil {
			return err
		}
		time.Sleep(200 * time.Millisecond)
		if _, err := t.backend.Write([]byte(input)); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
		if _, err := t.backend.Write([]byte{0x1b}); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
		_, err := t.backend.Write([]byte("\r"))
		return err
	}

	if _, err := t.backend.Write([]byte(input)); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	_, err := t.backend.Write([]byte("\n"))
	return err
}

func (t *Terminal) waitForReady(ctx context.Context, timeout time.Duration, isClaude bool, bufferStart int) error {
	deadline := time.Now().Add(timeout)

	if isClaude {
		t.waitForProcessingStart(ctx, claudeProcessingWait, bufferStart)
	}

	readyCount := 0
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nerverr.New(nerverr.Cancelled, "terminal %q: execute cancelled", t.id)
		default:
		}

		window := t.backend.Snapshot()
		if bufferStart <= len(window) {
			window = window[bufferStart:]
		}

		if t.parserIsReady(window, isClaude) {
			readyCount++
			if readyCount >= readyConsecutiveCount {
				time.Sleep(readyGraceDelay)
				return nil
			}
		} else {
			readyCount = 0
		}

		time.Sleep(readyPollInterval)
	}

	t.markError()
	return nerverr.New(nerverr.Timeout, "terminal %q: no response within %s", t.id, timeout)
}

func (t *Terminal) parserIsReady(window string, isClaude bool) bool {
	name := "none"
	if isClaude {
		name = "claude"
	}
	return t.parsers.MustGet(name).IsReady(window)
}

func (t *Terminal) waitForProcessingStart(ctx context.Context, timeout time.Duration, bufferStart int) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		window := t.backend.Snapshot()
		if bufferStart <= len(window) {
			window = window[bufferStart:]
		}
		if isProcessing(window) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func isProcessing(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "esc to interrupt") || strings.Contains(lower, "esc to cancel")
}

// --- TerminalOps: the low-level commands only Terminal/WezTerm nodes
// expose (spec §4.2: execute_input/read/read_tail/write/run).

// Run starts a command without waiting for a response (fire-and-forget).
func (t *Terminal) Run(ctx context.Context, command string) error {
	if err := t.enterBusy(); err != nil {
		return err
	}
	defer t.leaveBusy()

	t.captureDeferredBuffer()
	if _, err := t.backend.Write([]byte(command + "\n")); err != nil {
		t.markError()
		return err
	}
	if t.history != nil && t.history.Enabled() {
		t.history.LogRun(command)
	}
	return nil
}

// Write sends raw data without waiting for a response.
func (t *Terminal) Write(ctx context.Context, data string) error {
	if err := t.enterBusy(); err != nil {
		return err
	}
	defer t.leaveBusy()

	t.captureDeferredBuffer()
	if _, err := t.backend.Write([]byte(data)); err != nil {
		t.markError()
		return err
	}
	if t.history != nil && t.history.Enabled() {
		t.history.LogWrite(data)
	}
	return nil
}

// Read returns the full accumulated buffer.
func (t *Terminal) Read(ctx context.Context) string {
	return t.backend.Snapshot()
}

// ReadTail returns the last n lines of the buffer.
func (t *Terminal) ReadTail(ctx context.Context, lines int) string {
	return t.backend.Tail(lines)
}

// Interrupt sends Ctrl-C to the hosted program.
func (t *Terminal) Interrupt(ctx context.Context) error {
	if err := t.backend.Interrupt(); err != nil {
		return err
	}
	if t.history != nil && t.history.Enabled() {
		t.history.LogInterrupt("")
	}
	t.leaveBusy()
	return nil
}

// Stop terminates the hosted process and releases the backend.
func (t *Terminal) Stop(ctx context.Context) error {
	t.captureDeferredBuffer()
	if t.history != nil && t.history.Enabled() {
		t.history.LogDelete("")
		_ = t.history.Close()
	}
	err := t.backend.Close()
	t.setState(Stopped)
	return err
}
