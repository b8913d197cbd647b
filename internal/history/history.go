// Package history implements the append-only per-node JSONL history log:
// fail-soft writes, sequence recovery on reopen, and a reader supporting
// the handful of query shapes the engine's GET_HISTORY command needs.
// Grounded on the original HistoryWriter's fail-soft write policy and
// sequence-recovery-on-reopen behavior.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/validation"
)

// Entry is one JSON object on its own line. Not every field is set on
// every op; omitted fields are left at their zero value and tagged
// omitempty so the written line stays compact.
type Entry struct {
	Seq                 int    `json:"seq"`
	Op                  string `json:"op"`
	Ts                  string `json:"ts,omitempty"`
	TsStart             string `json:"ts_start,omitempty"`
	TsEnd               string `json:"ts_end,omitempty"`
	Input               any    `json:"input,omitempty"`
	Buffer              string `json:"buffer,omitempty"`
	Response            any    `json:"response,omitempty"`
	FinalBuffer         string `json:"final_buffer,omitempty"`
	Parser              string `json:"parser,omitempty"`
	PrecedingBufferSeq  *int   `json:"preceding_buffer_seq,omitempty"`
	Lines               int    `json:"lines,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

// Writer appends entries to one node's JSONL file. All writes are
// synchronous and fail-soft: per spec, a broken debugging log must never
// break the node it is attached to.
type Writer struct {
	NodeID  string
	Path    string

	mu      sync.Mutex
	seq     int
	file    *os.File
	enabled bool
	closed  bool
	lastOp  string
	log     *logger.Logger
}

// Create opens (or creates) the history file for nodeID under
// <baseDir>/<serverName>/<sessionName>/<nodeID>.jsonl, recovering the
// last sequence number if the file already exists.
//
// This is the one call in the history package allowed to return an
// error to the caller; every subsequent Log* call is fail-soft.
func Create(nodeID, serverName, sessionName, baseDir string, enabled bool, log *logger.Logger) (*Writer, error) {
	if err := validation.ValidateName(nodeID, "node"); err != nil {
		return nil, err
	}
	if err := validation.ValidateName(serverName, "server"); err != nil {
		return nil, err
	}
	if err := validation.ValidateName(sessionName, "session"); err != nil {
		return nil, err
	}

	dir := filepath.Join(baseDir, serverName, sessionName)
	path := filepath.Join(dir, nodeID+".jsonl")

	w := &Writer{NodeID: nodeID, Path: path, enabled: enabled, log: log}
	if !enabled {
		return w, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nerverr.Wrap(nerverr.HistoryError, err, "failed to create history directory %s", dir)
	}

	if _, err := os.Stat(path); err == nil {
		w.seq = recoverLastSeq(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nerverr.Wrap(nerverr.HistoryError, err, "failed to open history file %s", path)
	}
	w.file = f
	return w, nil
}

func recoverLastSeq(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	last := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue // malformed line: skip with no warning, matching fail-soft recovery
		}
		if probe.Seq > last {
			last = probe.Seq
		}
	}
	return last
}

// Enabled reports whether this writer is active and not closed.
func (w *Writer) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled && !w.closed
}

// Seq returns the last sequence number written.
func (w *Writer) Seq() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// NeedsBufferCapture reports whether the last logged op was a
// fire-and-forget one (run/write) whose response is still outstanding.
func (w *Writer) NeedsBufferCapture() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOp == "run" || w.lastOp == "write"
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// LogRun records a fire-and-forget program start.
func (w *Writer) LogRun(command string) int {
	return w.write(Entry{Op: "run", Ts: now(), Input: command})
}

// LogWrite records a raw, fire-and-forget write.
func (w *Writer) LogWrite(data string) int {
	return w.write(Entry{Op: "write", Ts: now(), Input: data})
}

// LogRead records a buffer snapshot.
func (w *Writer) LogRead(buffer string, lines int) int {
	return w.write(Entry{Op: "read", Ts: now(), Buffer: buffer, Lines: lines})
}

// LogSend records a request/response pair.
func (w *Writer) LogSend(input string, tsStart, tsEnd time.Time, response any, precedingBufferSeq *int) int {
	return w.write(Entry{
		Op:                 "send",
		TsStart:            tsStart.UTC().Format(time.RFC3339Nano),
		TsEnd:              tsEnd.UTC().Format(time.RFC3339Nano),
		Input:              input,
		Response:           response,
		PrecedingBufferSeq: precedingBufferSeq,
	})
}

// LogSendStream records a streaming request with only the tail of the
// final buffer retained.
func (w *Writer) LogSendStream(input, finalBufferTail, parserName string, precedingBufferSeq *int) int {
	return w.write(Entry{
		Op:                 "send_stream",
		Ts:                 now(),
		Input:              input,
		FinalBuffer:        finalBufferTail,
		Parser:             parserName,
		PrecedingBufferSeq: precedingBufferSeq,
	})
}

// LogInterrupt records an interrupt marker.
func (w *Writer) LogInterrupt(reason string) int {
	return w.write(Entry{Op: "interrupt", Ts: now(), Reason: reason})
}

// LogDelete records a deletion marker.
func (w *Writer) LogDelete(reason string) int {
	return w.write(Entry{Op: "delete", Ts: now(), Reason: reason})
}

// Close flushes and closes the underlying file, if one is open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.file == nil {
		w.closed = true
		return nil
	}
	w.closed = true
	return w.file.Close()
}

func (w *Writer) write(e Entry) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled || w.closed || w.file == nil {
		return 0
	}

	w.seq++
	e.Seq = w.seq

	line, err := marshalDefaultStr(e)
	if err != nil {
		w.log.Warn("history marshal failed", "node_id", w.NodeID, "op", e.Op, "error", err)
		return 0
	}

	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.log.Warn("history write failed", "node_id", w.NodeID, "op", e.Op, "error", err)
		return 0
	}
	if err := w.file.Sync(); err != nil {
		w.log.Warn("history flush failed", "node_id", w.NodeID, "error", err)
	}

	w.lastOp = e.Op
	return e.Seq
}

// marshalDefaultStr mirrors json.dumps(entry, default=str): anything
// json.Marshal can't natively encode is demoted to its %v string form
// instead of failing the write.
func marshalDefaultStr(e Entry) ([]byte, error) {
	if b, err := json.Marshal(e); err == nil {
		return b, nil
	}
	// Fallback: stringify the non-serializable fields and retry once.
	sanitized := e
	sanitized.Input = stringifyIfNeeded(e.Input)
	sanitized.Response = stringifyIfNeeded(e.Response)
	return json.Marshal(sanitized)
}

func stringifyIfNeeded(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	return toStringFallback(v)
}

func toStringFallback(v any) string {
	return fmt.Sprintf("%v", v)
}
