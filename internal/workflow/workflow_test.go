package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelabs/nerve/internal/graph"
	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/node"
	"github.com/nervelabs/nerve/internal/session"
)

func testLog() *logger.Logger { return logger.New("error", "text") }

func newSessionT(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New("s1", "", nil, "srv", false, t.TempDir(), testLog())
	require.NoError(t, err)
	return s
}

func TestRun_StartAndWait_CompletesWithResult(t *testing.T) {
	sess := newSessionT(t)
	wf, err := New("simple", func(ctx *WorkflowContext) (any, error) {
		return "done", nil
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))

	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, Completed, run.State())
}

func TestRun_FunctionError_SetsFailedState(t *testing.T) {
	sess := newSessionT(t)
	wf, err := New("fails", func(ctx *WorkflowContext) (any, error) {
		return nil, assertErr{"boom"}
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))

	_, err = run.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, run.State())
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestRun_RunsNode(t *testing.T) {
	sess := newSessionT(t)
	fn := node.NewFunction("doubler", func(ctx context.Context, input any) (any, error) {
		return input.(int) * 2, nil
	})
	require.NoError(t, sess.AddNode(fn))

	wf, err := New("uses-node", func(ctx *WorkflowContext) (any, error) {
		res, err := ctx.Run(context.Background(), "doubler", 21, 0)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))
	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestRun_RunsGraph(t *testing.T) {
	sess := newSessionT(t)
	g, err := graph.New("pipeline", sess)
	require.NoError(t, err)
	echo := node.NewFunction("echo", func(ctx context.Context, input any) (any, error) { return input, nil })
	require.NoError(t, g.AddStep(echo, "step1", "hi", nil))

	wf, err := New("uses-graph", func(ctx *WorkflowContext) (any, error) {
		res, err := ctx.RunGraph(context.Background(), "pipeline", nil, 0)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))
	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	out := result.(map[string]any)
	assert.Equal(t, "hi", out["step1"])
}

func TestRun_Gate_BlocksUntilAnswered(t *testing.T) {
	sess := newSessionT(t)
	wf, err := New("asks", func(ctx *WorkflowContext) (any, error) {
		answer, err := ctx.Gate(context.Background(), "continue?", 0, []string{"yes", "no"}, "")
		if err != nil {
			return nil, err
		}
		return answer, nil
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))

	require.Eventually(t, func() bool { return run.PendingGate() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, Waiting, run.State())

	require.NoError(t, run.AnswerGate("yes"))
	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "yes", result)
}

func TestRun_Gate_RejectsInvalidChoice(t *testing.T) {
	sess := newSessionT(t)
	wf, err := New("asks", func(ctx *WorkflowContext) (any, error) {
		return ctx.Gate(context.Background(), "continue?", 0, []string{"yes", "no"}, "")
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))
	require.Eventually(t, func() bool { return run.PendingGate() != nil }, time.Second, time.Millisecond)

	err = run.AnswerGate("maybe")
	require.Error(t, err)

	require.NoError(t, run.AnswerGate("yes"))
	_, err = run.Wait(context.Background())
	require.NoError(t, err)
}

func TestRun_Gate_EvaluatesCelGuard(t *testing.T) {
	sess := newSessionT(t)
	wf, err := New("guarded", func(ctx *WorkflowContext) (any, error) {
		return ctx.Gate(context.Background(), "enter a number > 10", 0, nil, `int(answer) > 10`)
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))
	require.Eventually(t, func() bool { return run.PendingGate() != nil }, time.Second, time.Millisecond)

	require.Error(t, run.AnswerGate("5"))
	require.NoError(t, run.AnswerGate("42"))

	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", result)
}

func TestRun_RunWorkflow_ForwardsNestedEvents(t *testing.T) {
	sess := newSessionT(t)
	_, err := New("child", func(ctx *WorkflowContext) (any, error) {
		ctx.Emit("progress", map[string]any{"pct": 50})
		return "child-done", nil
	}, sess)
	require.NoError(t, err)

	parent, err := New("parent", func(ctx *WorkflowContext) (any, error) {
		return ctx.RunWorkflow(context.Background(), "child", nil, 0, nil)
	}, sess)
	require.NoError(t, err)

	run := NewRun(parent, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))
	result, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "child-done", result)

	var sawNested bool
	for _, ev := range run.events {
		if ev.EventType == "nested:progress" {
			sawNested = true
		}
	}
	assert.True(t, sawNested)
}

func TestRun_Cancel_StopsAWaitingGate(t *testing.T) {
	sess := newSessionT(t)
	wf, err := New("waits-forever", func(ctx *WorkflowContext) (any, error) {
		return ctx.Gate(ctx_runCtx(ctx), "wait?", 0, nil, "")
	}, sess)
	require.NoError(t, err)

	run := NewRun(wf, nil, nil, nil)
	require.NoError(t, run.Start(context.Background()))
	require.Eventually(t, func() bool { return run.PendingGate() != nil }, time.Second, time.Millisecond)

	run.Cancel()
	assert.Equal(t, Cancelled, run.State())
}

// ctx_runCtx threads the run's own cancelable context into the gate call,
// so the gate's wait context is the one Cancel() cancels.
func ctx_runCtx(wc *WorkflowContext) context.Context {
	return wc.run.ctx
}

func TestWorkflowState_String(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "waiting", Waiting.String())
	assert.Equal(t, "completed", Completed.String())
}
