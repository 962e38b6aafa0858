package agent

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensprint/opensprint/internal/project"
)

func TestChunkText(t *testing.T) {
	assert.Equal(t, "plain output", ChunkText("plain output"))
	assert.Equal(t, "hello", ChunkText(`{"type":"chunk","text":"hello"}`))
	assert.Equal(t, "nested", ChunkText(`{"message":{"content":[{"text":"nested"}]}}`))
	// JSON without any text field yields nothing.
	assert.Equal(t, "", ChunkText(`{"type":"ping"}`))
	// Broken JSON passes through as plain text.
	assert.Equal(t, `{"broken`, ChunkText(`{"broken`))
}

func TestExtractResult(t *testing.T) {
	output := `{"type":"chunk","text":"working"}
{"type":"result","summary":"did the thing"}
trailing noise`
	summary, ok := ExtractResult(output)
	assert.True(t, ok)
	assert.Equal(t, "did the thing", summary)
}

func TestExtractResultPrefersLastResult(t *testing.T) {
	output := `{"type":"result","summary":"first"}
{"type":"result","result":"second"}`
	summary, ok := ExtractResult(output)
	assert.True(t, ok)
	assert.Equal(t, "second", summary)
}

func TestExtractResultAbsent(t *testing.T) {
	_, ok := ExtractResult("just some logs\nno json at all")
	assert.False(t, ok)
}

func shellConfig(script string) project.AgentConfig {
	return project.AgentConfig{Command: "sh", Args: []string{"-c", script}}
}

func TestCLIRunnerStreamsAndReportsResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh not available")
	}
	r := NewCLIRunner()

	var chunks []string
	res, err := r.Run(context.Background(), Invocation{
		Config:  shellConfig(`echo '{"type":"chunk","text":"step one"}'; echo '{"type":"result","summary":"done"}'`),
		WorkDir: t.TempDir(),
	}, func(c Chunk) {
		chunks = append(chunks, c.Text)
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Killed)
	assert.False(t, res.NoResult)
	assert.Equal(t, "done", res.Summary)
	assert.Contains(t, chunks, "step one")
	assert.Contains(t, res.Output, `"type":"result"`)
}

func TestCLIRunnerNoResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh not available")
	}
	r := NewCLIRunner()
	res, err := r.Run(context.Background(), Invocation{
		Config:  shellConfig(`echo "worked on it"; exit 0`),
		WorkDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.NoResult)
	assert.Empty(t, res.Summary)
}

func TestCLIRunnerNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh not available")
	}
	r := NewCLIRunner()
	res, err := r.Run(context.Background(), Invocation{
		Config:  shellConfig(`echo "boom" >&2; exit 3`),
		WorkDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "boom")
}

func TestCLIRunnerKilledOnCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh not available")
	}
	r := NewCLIRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := r.Run(ctx, Invocation{
		Config:  shellConfig(`sleep 30`),
		WorkDir: t.TempDir(),
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCLIRunnerMissingCommand(t *testing.T) {
	r := NewCLIRunner()
	_, err := r.Run(context.Background(), Invocation{
		Config: project.AgentConfig{},
	}, nil)
	assert.Error(t, err)
}
