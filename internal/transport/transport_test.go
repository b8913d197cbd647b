package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelabs/nerve/internal/config"
	"github.com/nervelabs/nerve/internal/engine"
	"github.com/nervelabs/nerve/internal/logger"
)

func startTestServer(t *testing.T) (socketPath string, eng *engine.Engine) {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{Name: "transporttest"},
		History: config.HistoryConfig{Enabled: true, BaseDir: t.TempDir()},
	}
	log := logger.New("error", "text")
	e, err := engine.New(cfg, log, nil)
	require.NoError(t, err)

	socketPath = filepath.Join(t.TempDir(), "nerve.sock")
	srv := NewServer(e, log, 0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		_ = srv.ListenAndServe(ctx, "unix", socketPath)
	}()
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := Dial("unix", socketPath); err == nil {
				close(ready)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server never came up")
	}
	return socketPath, e
}

func TestClientServer_CreateSessionRoundTrip(t *testing.T) {
	socketPath, _ := startTestServer(t)
	client, err := Dial("unix", socketPath)
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Call(context.Background(), engine.CreateSession, map[string]any{"id": "sess-a"})
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)

	res, err = client.Call(context.Background(), engine.ListSessions, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestClientServer_ConcurrentRequestsMultiplexCorrectly(t *testing.T) {
	socketPath, _ := startTestServer(t)
	client, err := Dial("unix", socketPath)
	require.NoError(t, err)
	defer client.Close()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Call(context.Background(), engine.CreateSession, map[string]any{
				"id": fmt.Sprintf("concurrent-%d", i),
			})
			if err != nil {
				errs[i] = err
				return
			}
			if !res.Success {
				errs[i] = fmt.Errorf("session %d: %s", i, res.Error)
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	res, err := client.Call(context.Background(), engine.ListSessions, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	list, ok := res.Data.([]any)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(list), n+1)
}

func TestClientServer_EventBroadcastReachesAllClients(t *testing.T) {
	socketPath, eng := startTestServer(t)

	clientA, err := Dial("unix", socketPath)
	require.NoError(t, err)
	defer clientA.Close()
	clientB, err := Dial("unix", socketPath)
	require.NoError(t, err)
	defer clientB.Close()

	// give both clients a moment to subscribe before the node is created
	time.Sleep(50 * time.Millisecond)

	createRes := eng.Dispatch(context.Background(), engine.Command{
		Type: engine.CreateSession, Params: map[string]any{"id": "ev-sess"},
	})
	require.True(t, createRes.Success, createRes.Error)

	res, err := clientA.Call(context.Background(), engine.CreateNode, map[string]any{
		"id": "ev-node", "kind": "bash", "session_id": "ev-sess",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	for _, c := range []*Client{clientA, clientB} {
		select {
		case ev := <-c.Events():
			assert.Equal(t, "node_created", ev.EventType)
		case <-time.After(2 * time.Second):
			t.Fatal("expected a node_created broadcast event")
		}
	}
}

func TestClientServer_UnknownCommandReturnsFailureNotError(t *testing.T) {
	socketPath, _ := startTestServer(t)
	client, err := Dial("unix", socketPath)
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Call(context.Background(), engine.CommandType("NOT_REAL"), nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestClientServer_ClientCloseUnblocksPendingCalls(t *testing.T) {
	socketPath, _ := startTestServer(t)
	client, err := Dial("unix", socketPath)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	_, err = client.Call(context.Background(), engine.ListSessions, nil)
	assert.Error(t, err)
}
