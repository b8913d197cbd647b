package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelabs/nerve/internal/logger"
	"github.com/nervelabs/nerve/internal/nerverr"
	"github.com/nervelabs/nerve/internal/node"
)

func testLog() *logger.Logger { return logger.New("error", "text") }

type stubEntity struct{ id string }

func (s stubEntity) ID() string { return s.id }

func newSessionT(t *testing.T) *Session {
	t.Helper()
	s, err := New("s1", "", nil, "srv", false, t.TempDir(), testLog())
	require.NoError(t, err)
	return s
}

func TestSession_AddNode_RejectsDuplicateAcrossKinds(t *testing.T) {
	s := newSessionT(t)
	n := node.NewFunction("dup", func(ctx context.Context, input any) (any, error) { return nil, nil })
	require.NoError(t, s.AddNode(n))

	require.NoError(t, s.AddGraph("g1", stubEntity{"g1"}))

	err := s.AddGraph("dup", stubEntity{"dup"})
	require.Error(t, err)
	var nerr *nerverr.Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, nerverr.DuplicateId, nerr.Kind)
	assert.Contains(t, err.Error(), "node")
}

func TestSession_DeleteNode_StopsAndRemoves(t *testing.T) {
	s := newSessionT(t)
	stopped := false
	n := node.NewFunction("f1", func(ctx context.Context, input any) (any, error) { return nil, nil })
	require.NoError(t, s.AddNode(n))

	require.NoError(t, s.DeleteNode(context.Background(), "f1"))
	_, ok := s.Node("f1")
	assert.False(t, ok)
	_ = stopped // function node Stop() has no observable side effect besides state
	assert.Equal(t, node.Stopped, n.State())
}

func TestSession_DeleteNode_NotFound(t *testing.T) {
	s := newSessionT(t)
	err := s.DeleteNode(context.Background(), "missing")
	require.Error(t, err)
	var nerr *nerverr.Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, nerverr.NotFound, nerr.Kind)
}

func TestSession_RunRegistry_RoundTrips(t *testing.T) {
	s := newSessionT(t)
	s.RegisterRun("run-1", "some-run-value")

	v, ok := s.Run("run-1")
	require.True(t, ok)
	assert.Equal(t, "some-run-value", v)

	s.UnregisterRun("run-1")
	_, ok = s.Run("run-1")
	assert.False(t, ok)
}

func TestSession_Stop_ClearsRegistriesAndStopsPersistentNodes(t *testing.T) {
	s := newSessionT(t)
	require.NoError(t, s.AddGraph("g1", stubEntity{"g1"}))
	require.NoError(t, s.AddWorkflow("w1", stubEntity{"w1"}))

	s.Stop(context.Background())

	assert.Empty(t, s.ListGraphIDs())
	assert.Empty(t, s.ListWorkflowIDs())
	assert.Empty(t, s.ListNodes())
}

func TestRegistry_DefaultSessionAlwaysResolves(t *testing.T) {
	r, err := NewRegistry("srv", false, t.TempDir(), testLog())
	require.NoError(t, err)

	s, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionID, s.ID)
}

func TestRegistry_Create_RejectsDuplicateID(t *testing.T) {
	r, err := NewRegistry("srv", false, t.TempDir(), testLog())
	require.NoError(t, err)

	_, err = r.Create("proj", "", nil)
	require.NoError(t, err)

	_, err = r.Create("proj", "", nil)
	require.Error(t, err)
	var nerr *nerverr.Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, nerverr.DuplicateId, nerr.Kind)
}

func TestRegistry_Delete_RejectsDefaultSession(t *testing.T) {
	r, err := NewRegistry("srv", false, t.TempDir(), testLog())
	require.NoError(t, err)

	err = r.Delete(context.Background(), DefaultSessionID)
	require.Error(t, err)
}
