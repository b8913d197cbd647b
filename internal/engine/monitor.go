package engine

import (
	"context"
	"time"

	"github.com/nervelabs/nerve/internal/eventbus"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/session"
)

const monitorPollInterval = 300 * time.Millisecond

// startMonitor launches a per-node task polling State() and emitting
// state-change events to every connected client (spec §4.6: "node
// lifecycle also starts a per-node monitor task").
func (e *Engine) startMonitor(sess *session.Session, n node.Node) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.monitors[n.ID()] = cancel
	e.mu.Unlock()

	go e.monitorLoop(ctx, n)
}

func (e *Engine) monitorLoop(ctx context.Context, n node.Node) {
	ticker := time.NewTicker(monitorPollInterval)
	defer ticker.Stop()

	last := n.State()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := n.State()
			if cur == last {
				continue
			}
			last = cur
			e.events.Publish(ctx, eventFor(stateEventType(cur), n.ID(), map[string]any{"state": cur.String()}))
			if cur == node.Stopped || cur == node.Error {
				return
			}
		}
	}
}

func (e *Engine) stopMonitor(nodeID string) {
	e.mu.Lock()
	cancel, ok := e.monitors[nodeID]
	if ok {
		delete(e.monitors, nodeID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func stateEventType(s node.State) string {
	switch s {
	case node.Ready:
		return "node_ready"
	case node.Busy:
		return "node_busy"
	case node.Stopped:
		return "node_stopped"
	case node.Error:
		return "node_error"
	default:
		return "node_state_changed"
	}
}

func eventFor(eventType, nodeID string, data map[string]any) eventbus.Event {
	if data == nil {
		data = map[string]any{}
	}
	return eventbus.Event{
		EventType: eventType,
		NodeID:    nodeID,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

func eventNode(eventType string, n node.Node) eventbus.Event {
	return eventFor(eventType, n.ID(), map[string]any{"kind": string(n.Kind())})
}
