package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/helix/internal/tools"
)

func callText(t *testing.T, res *mcpgo.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcpgo.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestHandlerInvokesHost(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644))

	s, err := New(tools.NewHost([]string{root}), "test")
	require.NoError(t, err)

	req := mcpgo.CallToolRequest{}
	req.Params.Name = tools.ToolReadFile
	req.Params.Arguments = map[string]any{"path": filepath.Join(root, "notes.txt")}
	res, err := s.handler(tools.ToolReadFile)(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello", callText(t, res))

	req.Params.Arguments = map[string]any{"path": "/etc/passwd"}
	res, err = s.handler(tools.ToolReadFile)(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, callText(t, res), "access denied")
}

func TestToolsListed(t *testing.T) {
	s, err := New(tools.NewHost([]string{t.TempDir()}), "test")
	require.NoError(t, err)
	ctx := context.Background()

	s.MCP().HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize",
		"params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`))
	reply := s.MCP().HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	raw, err := json.Marshal(reply)
	require.NoError(t, err)

	for _, name := range []string{tools.ToolReadFile, tools.ToolWriteFile, tools.ToolGitStatus, tools.ToolFetchURL} {
		assert.Contains(t, string(raw), `"`+name+`"`)
	}
}
