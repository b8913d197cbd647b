package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelabs/nerve/internal/logger"
)

func testLog() *logger.Logger { return logger.New("error", "text") }

// upstream spins up a fake LLM backend recording the last request it saw.
func upstream(t *testing.T) (url string, lastBody *[]byte, lastHeader *http.Header) {
	t.Helper()
	var body []byte
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = b
		header = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv.URL, &body, &header
}

func TestManager_StartProxy_BecomesHealthyAndForwards(t *testing.T) {
	base, lastBody, lastHeader := upstream(t)
	m := NewManager(t.TempDir(), testLog())

	inst, err := m.StartProxy(context.Background(), "node1", ProviderConfig{
		APIFormat: FormatAnthropic,
		BaseURL:   base,
		APIKey:    "sk-test",
	}, "")
	require.NoError(t, err)
	require.NotNil(t, inst)
	defer m.StopProxy(context.Background(), "node1")

	resp, err := http.Get(inst.URL() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	payload := `{"messages":[{"role":"user","content":"hi"}]}`
	resp2, err := http.Post(inst.URL()+"/v1/messages", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	assert.JSONEq(t, payload, string(*lastBody))
	assert.Equal(t, "sk-test", lastHeader.Get("x-api-key"))
}

func TestManager_StartProxy_TransformRewritesModelAndAuth(t *testing.T) {
	base, lastBody, lastHeader := upstream(t)
	m := NewManager(t.TempDir(), testLog())

	inst, err := m.StartProxy(context.Background(), "node2", ProviderConfig{
		APIFormat: FormatOpenAI,
		BaseURL:   base,
		APIKey:    "sk-openai",
		Model:     "gpt-4o",
	}, "")
	require.NoError(t, err)
	defer m.StopProxy(context.Background(), "node2")

	resp, err := http.Post(inst.URL()+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"claude-3","messages":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var sent map[string]any
	require.NoError(t, json.Unmarshal(*lastBody, &sent))
	assert.Equal(t, "gpt-4o", sent["model"])
	assert.Equal(t, "Bearer sk-openai", lastHeader.Get("Authorization"))
}

func TestManager_StartProxy_RejectsDuplicateNodeID(t *testing.T) {
	base, _, _ := upstream(t)
	m := NewManager(t.TempDir(), testLog())

	_, err := m.StartProxy(context.Background(), "dup", ProviderConfig{APIFormat: FormatAnthropic, BaseURL: base, APIKey: "k"}, "")
	require.NoError(t, err)
	defer m.StopProxy(context.Background(), "dup")

	_, err = m.StartProxy(context.Background(), "dup", ProviderConfig{APIFormat: FormatAnthropic, BaseURL: base, APIKey: "k"}, "")
	require.Error(t, err)
}

func TestManager_StartProxy_RequiresModelWhenTransforming(t *testing.T) {
	m := NewManager(t.TempDir(), testLog())
	_, err := m.StartProxy(context.Background(), "node3", ProviderConfig{APIFormat: FormatOpenAI, BaseURL: "http://127.0.0.1:1", APIKey: "k"}, "")
	require.Error(t, err)
}

func TestManager_StopProxy_IsIdempotentForUnknownNode(t *testing.T) {
	m := NewManager(t.TempDir(), testLog())
	require.NoError(t, m.StopProxy(context.Background(), "never-started"))
}

func TestManager_GetProxyURL_ReflectsLifecycle(t *testing.T) {
	base, _, _ := upstream(t)
	m := NewManager(t.TempDir(), testLog())

	_, ok := m.GetProxyURL("node4")
	assert.False(t, ok)

	_, err := m.StartProxy(context.Background(), "node4", ProviderConfig{APIFormat: FormatAnthropic, BaseURL: base, APIKey: "k"}, "")
	require.NoError(t, err)

	url, ok := m.GetProxyURL("node4")
	assert.True(t, ok)
	assert.NotEmpty(t, url)

	require.NoError(t, m.StopProxy(context.Background(), "node4"))
	_, ok = m.GetProxyURL("node4")
	assert.False(t, ok)
}

func TestManager_StopAll_StopsEveryProxyConcurrently(t *testing.T) {
	base, _, _ := upstream(t)
	m := NewManager(t.TempDir(), testLog())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.StartProxy(context.Background(), "concurrent-"+strconv.Itoa(i), ProviderConfig{
				APIFormat: FormatAnthropic, BaseURL: base, APIKey: "k",
			}, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.StopAll(ctx)

	for i := 0; i < 4; i++ {
		_, ok := m.GetProxyURL("concurrent-" + strconv.Itoa(i))
		assert.False(t, ok)
	}
}

func TestWaitForHealth_TimesOutAgainstANonServingPort(t *testing.T) {
	err := waitForHealth(context.Background(), 1, 200*time.Millisecond)
	require.Error(t, err)
}
