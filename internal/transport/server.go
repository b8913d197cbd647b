package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/nervelabs/nerve/internal/engine"
	"github.com/nervelabs/nerve/internal/logger"
)

// Server accepts connections on a Unix socket or TCP port and dispatches
// every "command" line it reads to the engine, writing back a "result"
// line with the same request_id, while broadcasting every engine event
// to every connected client.
type Server struct {
	engine  *engine.Engine
	log     *logger.Logger
	maxLine int
}

// NewServer builds a transport server over e. maxLine <= 0 uses MaxLineBytes.
func NewServer(e *engine.Engine, log *logger.Logger, maxLine int) *Server {
	if maxLine <= 0 {
		maxLine = MaxLineBytes
	}
	return &Server{engine: e, log: log, maxLine: maxLine}
}

// ListenAndServe listens on network/address ("unix", path) or ("tcp",
// host:port) and serves connections until ctx is cancelled or the
// engine's shutdown channel closes.
func (s *Server) ListenAndServe(ctx context.Context, network, address string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return fmt.Errorf("transport: listen %s %s: %w", network, address, err)
	}
	defer ln.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.engine.ShutdownCh():
		}
		ln.Close()
	}()

	s.log.Info("transport listening", "network", network, "address", address)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.engine.ShutdownCh():
				return nil
			default:
				return fmt.Errorf("transport: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(line []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write(line)
		return err
	}

	subID, events := s.engine.Events().Subscribe(64)
	defer s.engine.Events().Unsubscribe(subID)

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				line, err := marshalLine(eventMessage{
					Type:      "event",
					EventType: ev.EventType,
					NodeID:    ev.NodeID,
					Data:      ev.Data,
					Timestamp: ev.Timestamp,
				})
				if err != nil {
					s.log.Error("failed to marshal broadcast event", "error", err)
					continue
				}
				if err := write(line); err != nil {
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), s.maxLine)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		wg.Add(1)
		go func(line []byte) {
			defer wg.Done()
			s.dispatchLine(connCtx, line, write)
		}(line)
	}
	wg.Wait()
}

// dispatchLine parses one client line and, for a command, dispatches it
// to the engine in its own goroutine's call stack (the caller already
// runs on a dedicated goroutine per message) so a long-running command
// never blocks other in-flight messages on the same connection.
func (s *Server) dispatchLine(ctx context.Context, line []byte, write func([]byte) error) {
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		resLine, mErr := marshalLine(resultMessage{Type: "result", Success: false, Error: fmt.Sprintf("invalid message: %v", err)})
		if mErr == nil {
			write(resLine)
		}
		return
	}
	if msg.Type != "command" {
		return
	}

	result := s.engine.Dispatch(ctx, engine.Command{Type: msg.CommandType, Params: msg.Params, RequestID: msg.RequestID})
	resLine, err := marshalLine(resultMessage{
		Type:      "result",
		Success:   result.Success,
		Data:      result.Data,
		Error:     result.Error,
		RequestID: result.RequestID,
	})
	if err != nil {
		s.log.Error("failed to marshal command result", "error", err, "request_id", msg.RequestID)
		return
	}
	if err := write(resLine); err != nil {
		s.log.Debug("write failed, client likely disconnected", "error", err)
	}
}
