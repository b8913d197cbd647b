package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervelabs/nerve/internal/logger"
)

func testLog() *logger.Logger { return logger.New("error", "text") }

func TestWriter_SequenceIsDenseAndMonotonic(t *testing.T) {
	dir := t.TempDir()
	w, err := Create("node-a", "srv", "sess", dir, true, testLog())
	require.NoError(t, err)

	require.Equal(t, 1, w.LogRun("claude"))
	require.Equal(t, 2, w.LogRead("hello", 50))
	require.Equal(t, 3, w.LogWrite("hi"))
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "srv", "sess", "node-a.jsonl")
	r, err := NewReader(path)
	require.NoError(t, err)

	all := r.GetAll()
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, i+1, e.Seq)
	}
}

func TestWriter_ReopenRecoversSeq(t *testing.T) {
	dir := t.TempDir()
	w1, err := Create("node-b", "srv", "sess", dir, true, testLog())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		w1.LogWrite("x")
	}
	require.NoError(t, w1.Close())

	w2, err := Create("node-b", "srv", "sess", dir, true, testLog())
	require.NoError(t, err)
	assert.Equal(t, 100, w2.Seq())
	assert.Equal(t, 101, w2.LogWrite("y"))
}

func TestWriter_NeedsBufferCapture(t *testing.T) {
	dir := t.TempDir()
	w, err := Create("node-c", "srv", "sess", dir, true, testLog())
	require.NoError(t, err)

	w.LogRun("claude")
	assert.True(t, w.NeedsBufferCapture())

	w.LogSend("hi", time.Now(), time.Now(), map[string]any{"raw": "ok"}, nil)
	assert.False(t, w.NeedsBufferCapture())
}

func TestWriter_DisabledNeverWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := Create("node-d", "srv", "sess", dir, false, testLog())
	require.NoError(t, err)
	assert.Equal(t, 0, w.LogWrite("ignored"))
	assert.False(t, w.Enabled())
}

func TestReader_RoundTripsSendEntry(t *testing.T) {
	dir := t.TempDir()
	w, err := Create("node-e", "srv", "sess", dir, true, testLog())
	require.NoError(t, err)

	preceding := 0
	w.LogRead("before", 50)
	preceding = 1
	start := time.Now()
	end := start.Add(2 * time.Second)
	w.LogSend("hello", start, end, map[string]any{"raw": "hi there"}, &preceding)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "srv", "sess", "node-e.jsonl")
	r, err := NewReader(path)
	require.NoError(t, err)

	sends := r.GetByOp("send")
	require.Len(t, sends, 1)
	assert.Equal(t, "hello", sends[0].Input)
	require.NotNil(t, sends[0].PrecedingBufferSeq)
	assert.Equal(t, 1, *sends[0].PrecedingBufferSeq)
}
