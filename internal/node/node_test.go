package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
)

func testLog() *logger.Logger { return logger.New("error", "text") }

func TestBash_Execute_Success(t *testing.T) {
	b := NewBash("sh", "", nil, 5*time.Second, testLog())
	res, err := b.Execute(context.Background(), ExecContext{Input: "echo hello"})
	require.NoError(t, err)

	out := res.Output.(BashResult)
	assert.True(t, out.Success)
	assert.Equal(t, "hello\n", out.Stdout)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 0, *out.ExitCode)
	assert.Equal(t, Ready, b.State())
}

func TestBash_Execute_NonZeroExit(t *testing.T) {
	b := NewBash("sh", "", nil, 5*time.Second, testLog())
	res, err := b.Execute(context.Background(), ExecContext{Input: "exit 7"})
	require.NoError(t, err)

	out := res.Output.(BashResult)
	assert.False(t, out.Success)
	require.NotNil(t, out.ExitCode)
	assert.Equal(t, 7, *out.ExitCode)
	assert.Contains(t, out.Error, "7")
}

func TestBash_Execute_Timeout(t *testing.T) {
	b := NewBash("sh", "", nil, 100*time.Millisecond, testLog())
	res, err := b.Execute(context.Background(), ExecContext{Input: "sleep 5"})
	require.NoError(t, err)

	out := res.Output.(BashResult)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "timed out")
}

func TestBash_Execute_EmptyCommand(t *testing.T) {
	b := NewBash("sh", "", nil, time.Second, testLog())
	res, err := b.Execute(context.Background(), ExecContext{Input: ""})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestBash_Execute_RejectsAfterStop(t *testing.T) {
	b := NewBash("sh", "", nil, time.Second, testLog())
	require.NoError(t, b.Stop(context.Background()))

	_, err := b.Execute(context.Background(), ExecContext{Input: "echo hi"})
	require.Error(t, err)

	var nerr *nerverr.Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, nerverr.NodeStopped, nerr.Kind)
}

func TestFunction_Execute_ReturnsOutput(t *testing.T) {
	f := NewFunction("fn", func(ctx context.Context, input any) (any, error) {
		return map[string]any{"doubled": input.(int) * 2}, nil
	})

	res, err := f.Execute(context.Background(), ExecContext{Input: 21})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Output.(map[string]any)["doubled"])
}

func TestFunction_Execute_PropagatesError(t *testing.T) {
	f := NewFunction("fn", func(ctx context.Context, input any) (any, error) {
		return nil, errors.New("boom")
	})

	res, err := f.Execute(context.Background(), ExecContext{Input: nil})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, Ready, f.State())
}

func TestBase_EnterBusy_RejectsConcurrentExecute(t *testing.T) {
	f := NewFunction("fn", func(ctx context.Context, input any) (any, error) { return nil, nil })
	require.NoError(t, f.enterBusy())

	err := f.enterBusy()
	require.Error(t, err)
	var nerr *nerverr.Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, nerverr.NodeBusy, nerr.Kind)
}

func TestToolIDRemapper_RoundTrip(t *testing.T) {
	m := NewToolIDRemapper()
	local := m.Local("call_abc123")
	assert.Equal(t, "tool_1", local)

	// Same remote id always maps to the same local id.
	assert.Equal(t, local, m.Local("call_abc123"))

	remote, ok := m.Remote(local)
	require.True(t, ok)
	assert.Equal(t, "call_abc123", remote)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "busy", Busy.String())
	assert.Equal(t, "stopped", Stopped.String())
}
