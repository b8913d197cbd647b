package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelabs/nerve/internal/config"
	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/session"
	"github.com/nervelabs/nerve/internal/workflow"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{Name: "testsrv"},
		History: config.HistoryConfig{Enabled: true, BaseDir: t.TempDir()},
	}
	e, err := New(cfg, logger.New("error", "text"), nil)
	require.NoError(t, err)
	return e
}

func dispatch(t *testing.T, e *Engine, cmdType CommandType, params map[string]any) CommandResult {
	t.Helper()
	return e.Dispatch(context.Background(), Command{Type: cmdType, Params: params, RequestID: "rid-1"})
}

func TestDispatch_SessionLifecycle(t *testing.T) {
	e := testEngine(t)

	res := dispatch(t, e, CreateSession, map[string]any{"id": "s1", "description": "test session"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "rid-1", res.RequestID)

	res = dispatch(t, e, ListSessions, nil)
	require.True(t, res.Success)
	list, ok := res.Data.([]map[string]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(list), 2) // default + s1

	res = dispatch(t, e, DeleteSession, map[string]any{"id": "s1"})
	require.True(t, res.Success)
}

func TestDispatch_UnknownCommandFails(t *testing.T) {
	e := testEngine(t)
	res := dispatch(t, e, CommandType("NOT_A_COMMAND"), nil)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestDispatch_NodeLifecycleWithBashNode(t *testing.T) {
	e := testEngine(t)

	res := dispatch(t, e, CreateNode, map[string]any{
		"id": "echoer", "kind": "bash",
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, ListNodes, nil)
	require.True(t, res.Success)

	res = dispatch(t, e, GetNode, map[string]any{"id": "echoer"})
	require.True(t, res.Success)

	res = dispatch(t, e, ExecuteInput, map[string]any{"id": "echoer", "input": "echo hello"})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, DeleteNode, map[string]any{"id": "echoer"})
	require.True(t, res.Success)

	res = dispatch(t, e, GetNode, map[string]any{"id": "echoer"})
	assert.False(t, res.Success)
}

func TestDispatch_CreateNodeRejectsFunctionKind(t *testing.T) {
	e := testEngine(t)
	res := dispatch(t, e, CreateNode, map[string]any{"id": "f1", "kind": "function"})
	assert.False(t, res.Success)
}

func TestDispatch_GraphExecuteFromSteps(t *testing.T) {
	e := testEngine(t)
	sess, err := e.registry.Get("")
	require.NoError(t, err)

	require.NoError(t, sess.AddNode(node.NewFunction("doubler", func(ctx context.Context, input any) (any, error) {
		n, _ := input.(float64)
		return n * 2, nil
	})))

	res := dispatch(t, e, ExecuteGraph, map[string]any{
		"steps": []map[string]any{
			{"step_id": "s1", "node_id": "doubler", "input": float64(21)},
		},
	})
	require.True(t, res.Success, res.Error)

	data, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.True(t, data["success"].(bool))

	// ephemeral graph must not remain registered
	listRes := dispatch(t, e, ListGraphs, nil)
	require.True(t, listRes.Success)
	ids, _ := listRes.Data.([]string)
	assert.Empty(t, ids)
}

func TestDispatch_GraphCreateRunGetDelete(t *testing.T) {
	e := testEngine(t)
	sess, err := e.registry.Get("")
	require.NoError(t, err)
	require.NoError(t, sess.AddNode(node.NewFunction("identity", func(ctx context.Context, input any) (any, error) {
		return input, nil
	})))

	res := dispatch(t, e, CreateGraph, map[string]any{
		"id": "g1",
		"steps": []map[string]any{
			{"step_id": "only", "node_id": "identity", "input": "hi"},
		},
	})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, GetGraph, map[string]any{"id": "g1"})
	require.True(t, res.Success)

	res = dispatch(t, e, RunGraph, map[string]any{"id": "g1"})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, DeleteGraph, map[string]any{"id": "g1"})
	require.True(t, res.Success)
}

func TestDispatch_GraphCreateRejectsCycles(t *testing.T) {
	e := testEngine(t)
	sess, err := e.registry.Get("")
	require.NoError(t, err)
	require.NoError(t, sess.AddNode(node.NewFunction("a", func(ctx context.Context, input any) (any, error) { return nil, nil })))

	res := dispatch(t, e, CreateGraph, map[string]any{
		"id": "cyclic",
		"steps": []map[string]any{
			{"step_id": "x", "node_id": "a", "depends_on": []string{"y"}},
			{"step_id": "y", "node_id": "a", "depends_on": []string{"x"}},
		},
	})
	assert.False(t, res.Success)

	listRes := dispatch(t, e, ListGraphs, nil)
	require.True(t, listRes.Success)
	ids, _ := listRes.Data.([]string)
	assert.NotContains(t, ids, "cyclic")
}

func TestDispatch_WorkflowRegisterRunWait(t *testing.T) {
	e := testEngine(t)
	e.RegisterWorkflowTemplate("greet", func(ctx *workflow.WorkflowContext) (any, error) {
		return "done", nil
	})

	res := dispatch(t, e, RegisterWorkflow, map[string]any{"id": "wf1", "template": "greet"})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, RunWorkflow, map[string]any{"id": "wf1", "wait": true})
	require.True(t, res.Success, res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, "done", data["result"])
}

func TestDispatch_WorkflowUnknownTemplateFails(t *testing.T) {
	e := testEngine(t)
	res := dispatch(t, e, RegisterWorkflow, map[string]any{"id": "wf2", "template": "nope"})
	assert.False(t, res.Success)
}

func TestDispatch_WorkflowGateAnswer(t *testing.T) {
	e := testEngine(t)
	e.RegisterWorkflowTemplate("asker", func(ctx *workflow.WorkflowContext) (any, error) {
		answer, err := ctx.Gate(context.Background(), "continue?", 0, []string{"yes", "no"}, "")
		if err != nil {
			return nil, err
		}
		return answer, nil
	})

	res := dispatch(t, e, RegisterWorkflow, map[string]any{"id": "wf3", "template": "asker"})
	require.True(t, res.Success, res.Error)

	res = dispatch(t, e, RunWorkflow, map[string]any{"id": "wf3"})
	require.True(t, res.Success, res.Error)
	runID := res.Data.(map[string]any)["run_id"].(string)

	// RUN_WORKFLOW returns once the run has started; wait for the gate.
	sess, err := e.registry.Get("")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, found := sess.Run(runID)
		return found && r.(*workflow.Run).PendingGate() != nil
	}, time.Second, time.Millisecond)

	res = dispatch(t, e, AnswerGate, map[string]any{"run_id": runID, "answer": "yes"})
	require.True(t, res.Success, res.Error)
}

func TestDispatch_HistoryOnMissingFileReturnsEmpty(t *testing.T) {
	e := testEngine(t)
	res := dispatch(t, e, GetHistory, map[string]any{"id": "no-such-node"})
	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.Data)
}

func TestDispatch_ShutdownIsIdempotent(t *testing.T) {
	e := testEngine(t)
	res := dispatch(t, e, Shutdown, nil)
	require.True(t, res.Success)

	select {
	case <-e.ShutdownCh():
	default:
		t.Fatal("expected shutdown channel to be closed")
	}

	res = dispatch(t, e, Shutdown, nil)
	require.True(t, res.Success)
}

func TestDispatch_WriteRawRejectsNonTerminalNode(t *testing.T) {
	e := testEngine(t)
	// WRITE_RAW is only valid on terminal nodes; against a Function node
	// the handler's type check fails and Dispatch returns a failed result.
	sess, err := e.registry.Get("")
	require.NoError(t, err)
	require.NoError(t, sess.AddNode(node.NewFunction("notaterminal", func(ctx context.Context, input any) (any, error) {
		return nil, nil
	})))

	res := dispatch(t, e, WriteRaw, map[string]any{"id": "notaterminal", "data": "x"})
	assert.False(t, res.Success)
}
