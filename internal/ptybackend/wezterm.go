package ptybackend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// WezTerm drives a terminal pane via the external `wezterm cli` utility,
// polling its text periodically instead of reading a PTY master directly.
// It satisfies Backend so the Terminal node is otherwise indifferent to
// which backend it holds (spec §4.2).
type WezTerm struct {
	paneID string

	mu      sync.Mutex
	buf     []byte
	closed  bool
	exitErr error
	done    chan struct{}
	cancel  context.CancelFunc
}

// PollInterval is how often the pane's text is re-fetched.
const PollInterval = 100 * time.Millisecond

// SpawnWezTerm opens a new WezTerm pane running command in dir.
func SpawnWezTerm(ctx context.Context, command string, args []string, dir string) (*WezTerm, error) {
	spawnArgs := []string{"cli", "spawn"}
	if dir != "" {
		spawnArgs = append(spawnArgs, "--cwd", dir)
	}
	spawnArgs = append(spawnArgs, "--")
	spawnArgs = append(spawnArgs, command)
	spawnArgs = append(spawnArgs, args...)

	out, err := exec.CommandContext(ctx, "wezterm", spawnArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("wezterm spawn: %w", err)
	}
	paneID := strings.TrimSpace(string(out))
	return newWezTerm(paneID), nil
}

// AttachWezTerm attaches to an existing pane by id.
func AttachWezTerm(ctx context.Context, paneID string) (*WezTerm, error) {
	if _, err := exec.CommandContext(ctx, "wezterm", "cli", "get-text", "--pane-id", paneID).Output(); err != nil {
		return nil, fmt.Errorf("wezterm pane %s not found: %w", paneID, err)
	}
	return newWezTerm(paneID), nil
}

func newWezTerm(paneID string) *WezTerm {
	ctx, cancel := context.WithCancel(context.Background())
	w := &WezTerm{
		paneID: paneID,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go w.pollLoop(ctx)
	return w
}

func (w *WezTerm) pollLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text, err := w.fetchText(ctx)
			if err != nil {
				w.mu.Lock()
				w.exitErr = err
				w.closed = true
				w.mu.Unlock()
				return
			}
			w.mu.Lock()
			w.buf = []byte(text)
			w.mu.Unlock()
		}
	}
}

func (w *WezTerm) fetchText(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "wezterm", "cli", "get-text", "--pane-id", w.paneID)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Write sends text to the pane. Newlines are translated to carriage
// returns, matching a terminal's Enter key.
func (w *WezTerm) Write(p []byte) (int, error) {
	data := strings.ReplaceAll(string(p), "\n", "\r")
	cmd := exec.Command("wezterm", "cli", "send-text", "--pane-id", w.paneID, "--no-paste", data)
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("wezterm send-text: %w", err)
	}
	return len(p), nil
}

func (w *WezTerm) Snapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

func (w *WezTerm) Tail(n int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return tailLines(w.buf, n)
}

func (w *WezTerm) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Interrupt sends Ctrl-C to the pane via send-text.
func (w *WezTerm) Interrupt() error {
	cmd := exec.Command("wezterm", "cli", "send-text", "--pane-id", w.paneID, "--no-paste", "\x03")
	return cmd.Run()
}

// Close kills the WezTerm pane and stops polling.
func (w *WezTerm) Close() error {
	w.cancel()
	return exec.Command("wezterm", "cli", "kill-pane", "--pane-id", w.paneID).Run()
}

func (w *WezTerm) Done() <-chan struct{} { return w.done }

func (w *WezTerm) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}
