package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/nervelabs/nerve/internal/engine"
)

// ErrClientClosed is returned by a pending Call when the connection's
// read loop exits.
var ErrClientClosed = errors.New("transport: client connection closed")

// Event is a broadcast engine event delivered to a client.
type Event struct {
	EventType string
	NodeID    string
	Data      map[string]any
	Timestamp float64
}

// Client is the request-id-multiplexing counterpart to Server: many
// concurrent Call invocations may share one connection, since each
// carries its own auto-generated request_id and the read loop routes
// each incoming result to the caller that's waiting on it.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan resultMessage

	events chan Event
	done   chan struct{}
}

// Dial connects to a server over network ("unix" or "tcp") at address.
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan resultMessage),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events is the queue every non-result message (i.e. every broadcast
// event) lands on, separate from the request-id-keyed result futures.
func (c *Client) Events() <-chan Event { return c.events }

// Call sends a command and blocks until its matching result arrives, ctx
// is cancelled, or the connection closes.
func (c *Client) Call(ctx context.Context, commandType engine.CommandType, params map[string]any) (engine.CommandResult, error) {
	requestID := uuid.NewString()
	ch := make(chan resultMessage, 1)

	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	line, err := marshalLine(inbound{Type: "command", CommandType: commandType, Params: params, RequestID: requestID})
	if err != nil {
		return engine.CommandResult{}, err
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		return engine.CommandResult{}, err
	}

	select {
	case <-ctx.Done():
		return engine.CommandResult{}, ctx.Err()
	case <-c.done:
		return engine.CommandResult{}, ErrClientClosed
	case res := <-ch:
		return engine.CommandResult{Success: res.Success, Data: res.Data, Error: res.Error, RequestID: res.RequestID}, nil
	}
}

// readLoop demultiplexes every incoming line: "result" lines are routed
// to the Call waiting on that request_id, everything else is pushed onto
// the events queue.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "result":
			var res resultMessage
			if err := json.Unmarshal(line, &res); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[res.RequestID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- res:
				default:
				}
			}
		case "event":
			var ev eventMessage
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			select {
			case c.events <- Event{EventType: ev.EventType, NodeID: ev.NodeID, Data: ev.Data, Timestamp: ev.Timestamp}:
			default:
			}
		}
	}
}

// Close shuts down the underlying connection; the read loop then exits
// and every pending Call unblocks with ErrClientClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}
