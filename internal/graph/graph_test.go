package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func fn(f func(ctx context.Context, input any) (any, error)) *node.Function {
	return node.NewFunction("fn", f)
}

func TestGraph_AddStep_RejectsDuplicateID(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)

	require.NoError(t, g.AddStep(fn(nil), "a", nil, nil))
	err = g.AddStep(fn(nil), "a", nil, nil)
	require.Error(t, err)
}

func TestGraph_Chain_SetsSequentialDependsOn(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)
	require.NoError(t, g.AddStep(fn(nil), "a", nil, nil))
	require.NoError(t, g.AddStep(fn(nil), "b", nil, nil))
	require.NoError(t, g.AddStep(fn(nil), "c", nil, nil))

	require.NoError(t, g.Chain("a", "b", "c"))

	b, _ := g.GetStep("b")
	assert.Equal(t, []string{"a"}, b.DependsOn)
	c, _ := g.GetStep("c")
	assert.Equal(t, []string{"b"}, c.DependsOn)
}

func TestGraph_Validate_CatchesSelfDependency(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)
	require.NoError(t, g.AddStep(fn(nil), "a", nil, []string{"a"}))

	errs := g.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "depends on itself")
}

func TestGraph_Validate_CatchesUnknownDependency(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)
	require.NoError(t, g.AddStep(fn(nil), "a", nil, []string{"ghost"}))

	errs := g.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unknown step")
}

func TestGraph_Validate_CatchesMissingNodeAndMutuallyExclusiveInput(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)
	require.NoError(t, g.addStep("a", &Step{Input: "x", InputFn: func(map[string]any) any { return nil }}))

	errs := g.Validate()
	require.Len(t, errs, 2)
	joined := errs[0] + errs[1]
	assert.Contains(t, joined, "node or node_ref")
	assert.Contains(t, joined, "mutually exclusive")
}

func TestGraph_ExecutionOrder_RespectsDependencies(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)
	require.NoError(t, g.AddStep(fn(nil), "a", nil, nil))
	require.NoError(t, g.AddStep(fn(nil), "b", nil, []string{"a"}))
	require.NoError(t, g.AddStep(fn(nil), "c", nil, []string{"b"}))

	order, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestGraph_ExecutionOrder_DetectsCycle(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)
	require.NoError(t, g.addStep("a", &Step{Node: fn(nil), DependsOn: []string{"b"}}))
	require.NoError(t, g.addStep("b", &Step{Node: fn(nil), DependsOn: []string{"a"}}))

	_, err = g.ExecutionOrder()
	require.Error(t, err)
}

func TestGraph_Execute_PropagatesOutputViaTemplate(t *testing.T) {
	sess := newSessionT(t)
	g, err := New("g1", sess)
	require.NoError(t, err)

	upper := fn(func(ctx context.Context, input any) (any, error) {
		return map[string]any{"value": input}, nil
	})
	echo := fn(func(ctx context.Context, input any) (any, error) { return input, nil })

	require.NoError(t, g.AddStep(upper, "a", "hello", nil))
	require.NoError(t, g.AddStep(echo, "b", "{a.value}", []string{"a"}))

	res, err := g.Execute(context.Background(), node.ExecContext{SessionID: sess.ID})
	require.NoError(t, err)
	require.True(t, res.Success)

	out := res.Output.(map[string]any)
	assert.Equal(t, "hello", out["b"])
}

func TestGraph_Execute_InputFnSeesUpstreamMap(t *testing.T) {
	sess := newSessionT(t)
	g, err := New("g1", sess)
	require.NoError(t, err)

	a := fn(func(ctx context.Context, input any) (any, error) { return 2, nil })
	b := &Step{
		Node: fn(func(ctx context.Context, input any) (any, error) { return input, nil }),
		InputFn: func(upstream map[string]any) any {
			return upstream["a"].(int) * 10
		},
		DependsOn: []string{"a"},
	}
	require.NoError(t, g.AddStep(a, "a", nil, nil))
	require.NoError(t, g.addStep("b", b))

	res, err := g.Execute(context.Background(), node.ExecContext{SessionID: sess.ID})
	require.NoError(t, err)
	out := res.Output.(map[string]any)
	assert.Equal(t, 20, out["b"])
}

func TestGraph_Execute_ErrorPolicyContinue_LetsDownstreamRun(t *testing.T) {
	sess := newSessionT(t)
	g, err := New("g1", sess)
	require.NoError(t, err)

	failing := fn(func(ctx context.Context, input any) (any, error) { return nil, errors.New("boom") })
	downstream := fn(func(ctx context.Context, input any) (any, error) { return "ran", nil })

	require.NoError(t, g.addStep("a", &Step{Node: failing, ErrorPolicy: "continue"}))
	require.NoError(t, g.addStep("b", &Step{Node: downstream, DependsOn: []string{"a"}}))

	res, err := g.Execute(context.Background(), node.ExecContext{SessionID: sess.ID})
	require.NoError(t, err)
	out := res.Output.(map[string]any)
	assert.Equal(t, "ran", out["b"])
}

func TestGraph_Execute_DefaultErrorPolicy_CascadesSkip(t *testing.T) {
	sess := newSessionT(t)
	g, err := New("g1", sess)
	require.NoError(t, err)

	ran := false
	failing := fn(func(ctx context.Context, input any) (any, error) { return nil, errors.New("boom") })
	downstream := fn(func(ctx context.Context, input any) (any, error) { ran = true; return "ran", nil })

	require.NoError(t, g.addStep("a", &Step{Node: failing}))
	require.NoError(t, g.addStep("b", &Step{Node: downstream, DependsOn: []string{"a"}}))

	_, err = g.Execute(context.Background(), node.ExecContext{SessionID: sess.ID})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestGraph_ExecuteStream_EmitsStartAndCompletePerStep(t *testing.T) {
	sess := newSessionT(t)
	g, err := New("g1", sess)
	require.NoError(t, err)
	require.NoError(t, g.AddStep(fn(func(ctx context.Context, input any) (any, error) { return "ok", nil }), "a", nil, nil))

	events := g.ExecuteStream(context.Background(), node.ExecContext{SessionID: sess.ID})

	var seen []string
	for ev := range events {
		seen = append(seen, ev.EventType)
	}
	assert.Equal(t, []string{"step_start", "step_complete"}, seen)
}

func TestGraph_Execute_NestedGraphResultBecomesStepOutput(t *testing.T) {
	sess := newSessionT(t)
	outer, err := New("outer", sess)
	require.NoError(t, err)
	inner, err := New("inner", sess)
	require.NoError(t, err)

	require.NoError(t, inner.AddStep(fn(func(ctx context.Context, input any) (any, error) { return "inner-value", nil }), "inner_step", nil, nil))
	require.NoError(t, outer.AddStep(inner, "nested", nil, nil))

	res, err := outer.Execute(context.Background(), node.ExecContext{SessionID: sess.ID})
	require.NoError(t, err)

	out := res.Output.(map[string]any)
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "inner-value", nested["inner_step"])
}

func TestGraph_CollectPersistentNodes_RecursesIntoNested(t *testing.T) {
	sess := newSessionT(t)
	outer, err := New("outer", sess)
	require.NoError(t, err)
	inner, err := New("inner", sess)
	require.NoError(t, err)

	leaf := node.NewFunction("ignored", nil) // Function is never persistent
	require.NoError(t, inner.AddStep(leaf, "i", nil, nil))
	require.NoError(t, outer.AddStep(inner, "nested", nil, nil))

	assert.Empty(t, outer.CollectPersistentNodes())
}

func TestGraph_ToInfo_ReportsStepCount(t *testing.T) {
	g, err := New("g1", newSessionT(t))
	require.NoError(t, err)
	require.NoError(t, g.AddStep(fn(nil), "a", nil, nil))
	require.NoError(t, g.AddStep(fn(nil), "b", nil, nil))

	info := g.ToInfo()
	assert.Equal(t, "g1", info.ID)
	assert.Equal(t, 2, info.Metadata["steps"])
}
