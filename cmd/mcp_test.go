package cmd

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/llmlock"
)

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestSetLockRefusedWhenLockIsProcessLocal(t *testing.T) {
	lock := llmlock.NewMemoryLock()
	res := callTool(t, makeSetLockHandler(lock, false), map[string]any{"locked": true})

	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "--watch")
	st, err := lock.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestSetLockAcquiresAndReleases(t *testing.T) {
	lock := llmlock.NewMemoryLock()
	h := makeSetLockHandler(lock, true)

	res := callTool(t, h, map[string]any{"locked": true, "ttl_seconds": 60})
	require.False(t, res.IsError)
	var got llmlock.SetResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.NotEmpty(t, got.Token)
	assert.True(t, got.State.Locked)

	res = callTool(t, h, map[string]any{"locked": true})
	assert.True(t, res.IsError, "a held lock cannot be taken again")

	res = callTool(t, h, map[string]any{"locked": false, "token": got.Token})
	require.False(t, res.IsError)
	st, err := lock.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Locked)
}
