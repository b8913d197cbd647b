package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nervelabs/nerve/internal/logger"
)

// BashResult is the structured JSON payload a Bash node always returns,
// success or failure, rather than raising (spec §4.2 edge case: "never
// raises; errors arrive in the result").
type BashResult struct {
	Success     bool   `json:"success"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    *int   `json:"exit_code"`
	Command     string `json:"command"`
	Error       string `json:"error,omitempty"`
	Interrupted bool   `json:"interrupted"`
}

// Bash is an ephemeral, stateless node: every Execute spawns a fresh
// shell subprocess. Chaining within one call (`a && b`) is the only
// state that survives between commands.
type Bash struct {
	base

	cwd     string
	env     map[string]string
	timeout time.Duration
	log     *logger.Logger

	procMu sync.Mutex
	proc   *exec.Cmd
}

// NewBash creates a Ready Bash node.
func NewBash(id string, cwd string, env map[string]string, timeout time.Duration, log *logger.Logger) *Bash {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &Bash{
		base:    newBase(id, KindBash, false),
		cwd:     cwd,
		env:     env,
		timeout: timeout,
		log:     log,
	}
	b.setState(Ready)
	b.setMetadata("cwd", cwd)
	b.setMetadata("timeout", timeout.Seconds())
	return b
}

// Execute runs context.Input as a shell command and always returns a
// BashResult, never an error for command failures — only for structural
// problems (the node is stopped).
func (b *Bash) Execute(ctx context.Context, ec ExecContext) (Result, error) {
	if err := b.enterBusy(); err != nil {
		return Result{}, err
	}
	defer b.leaveBusy()

	command := ""
	if ec.Input != nil {
		command = fmt.Sprintf("%v", ec.Input)
	}

	result := BashResult{Command: command}
	if command == "" {
		result.Error = "no command provided in input"
		return Result{Success: false, Output: result}, nil
	}

	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = b.cwd
	if b.env != nil {
		cmd.Env = os.Environ()
		for k, v := range b.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	// Own process group so Interrupt can target the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		result.Error = err.Error()
		return Result{Success: false, Output: result}, nil
	}

	b.procMu.Lock()
	b.proc = cmd
	b.procMu.Unlock()

	waitErr := cmd.Wait()

	b.procMu.Lock()
	b.proc = nil
	b.procMu.Unlock()

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if runCtx.Err() == context.DeadlineExceeded {
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
		return Result{Success: false, Output: result}, nil
	}

	exitCode := cmd.ProcessState.ExitCode()
	result.ExitCode = &exitCode

	// A shell killed by SIGINT reports exit code -1; check the signal itself.
	interrupted := exitCode == -2 || exitCode == 130
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGINT {
		interrupted = true
	}

	switch {
	case interrupted:
		result.Interrupted = true
		result.Error = "command interrupted (Ctrl+C)"
	case exitCode == 0:
		result.Success = true
	default:
		if waitErr != nil {
			result.Error = fmt.Sprintf("command exited with code %d", exitCode)
		}
	}

	return Result{Success: result.Success, Output: result}, nil
}

// Interrupt sends SIGINT to the process group of a currently running
// command, if any. Safe to call with nothing in flight.
func (b *Bash) Interrupt(ctx context.Context) error {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	if b.proc == nil || b.proc.Process == nil {
		return nil
	}
	return syscall.Kill(-b.proc.Process.Pid, syscall.SIGINT)
}

// Stop marks the node unusable; future Execute calls are rejected.
func (b *Bash) Stop(ctx context.Context) error {
	b.setState(Stopped)
	return nil
}
