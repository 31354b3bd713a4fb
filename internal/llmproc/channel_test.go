package llmproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeBinary writes an executable shell script standing in for the LLM
// CLI binary, so Run/Spawn can be exercised without a real LLM.
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-llm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestChannel_Run_ParsesContentField(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"status\":\"success\"}","session_id":"abc"}'`)
	ch := New(bin)

	result, err := ch.Run(context.Background(), Request{Prompt: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success"}`, result.Content)
	assert.Equal(t, "abc", result.SessionID)
}

func TestChannel_Run_RequiresPrompt(t *testing.T) {
	ch := New("irrelevant")
	_, err := ch.Run(context.Background(), Request{})
	assert.Error(t, err)
}

func TestChannel_Run_NonZeroExitIsError(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo 'boom' >&2; exit 1`)
	ch := New(bin)

	_, err := ch.Run(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestChannel_Spawn_StreamsLines(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; echo line-one; echo line-two`)
	ch := New(bin)

	proc, err := ch.Spawn(context.Background(), Request{Prompt: "go"})
	require.NoError(t, err)

	var lines []string
	for line := range proc.Lines {
		lines = append(lines, line)
	}
	require.NoError(t, proc.Wait())
	assert.Equal(t, []string{"line-one", "line-two"}, lines)
}

func TestChannel_Spawn_KillTerminatesLongRunning(t *testing.T) {
	bin := writeFakeBinary(t, `cat >/dev/null; trap '' TERM; sleep 30`)
	ch := New(bin)

	proc, err := ch.Spawn(context.Background(), Request{Prompt: "go"})
	require.NoError(t, err)

	go func() {
		for range proc.Lines {
		}
	}()

	start := time.Now()
	require.NoError(t, proc.Kill())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestParseResponse_FallsBackToJSONExtraction(t *testing.T) {
	raw := []byte("some prose before {\"status\":\"success\"} and after")
	content, _, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success"}`, content)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractJSON(`noise {"a":1} noise`))
	assert.Equal(t, "", ExtractJSON("no braces here"))
}
