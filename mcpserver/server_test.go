package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/calm-planner/calendar"
	"github.com/warp/calm-planner/catalog"
)

var now = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newServer(t *testing.T) *Server {
	t.Helper()
	clock := calendar.NewFixedClock(now)
	n := 0
	svc := catalog.New(catalog.Config{
		Owner:    "user-1",
		Entities: calendar.NewEntityStore(time.UTC),
		History:  calendar.NewHistoryStore(nil, clock),
		Clock:    clock,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	return New(catalog.NewRegistry(svc), "test", "0.0.0")
}

// rpc sends one JSON-RPC request and returns the decoded "result" member.
func rpc(t *testing.T, s *Server, id int, method string, params any) map[string]any {
	t.Helper()
	req, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	require.NoError(t, err)

	resp := s.MCP().HandleMessage(context.Background(), req)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var envelope struct {
		Result map[string]any `json:"result"`
		Error  any            `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.Nil(t, envelope.Error, string(raw))
	return envelope.Result
}

type toolResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func call(t *testing.T, s *Server, name string, args map[string]any) toolResult {
	t.Helper()
	result := rpc(t, s, 2, "tools/call", map[string]any{"name": name, "arguments": args})
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var out toolResult
	require.NoError(t, json.Unmarshal(raw, &out))
	require.NotEmpty(t, out.Content)
	return out
}

func TestToolsList_OneToolPerFunction(t *testing.T) {
	s := newServer(t)

	result := rpc(t, s, 1, "tools/list", map[string]any{})

	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, len(s.reg.Functions()))

	byName := map[string]map[string]any{}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		byName[tool["name"].(string)] = tool
	}
	statusTool, ok := byName["update_event_status"]
	require.True(t, ok)
	schema := statusTool["inputSchema"].(map[string]any)
	assert.Equal(t, "object", schema["type"])
	assert.ElementsMatch(t, []any{"id", "status"}, schema["required"])
}

func TestToolsCall_RoundTrip(t *testing.T) {
	// GIVEN: An event created through the upsert tool
	s := newServer(t)
	created := call(t, s, "upsert_event", map[string]any{"title": "Essay", "due_at": "2026-10-16"})
	require.False(t, created.IsError, created.Content[0].Text)

	// WHEN: Listing that day
	listed := call(t, s, "events_for_day", map[string]any{"day": "2026-10-16"})

	// THEN: The text content is the JSON result
	require.False(t, listed.IsError)
	var tasks []calendar.Task
	require.NoError(t, json.Unmarshal([]byte(listed.Content[0].Text), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Essay", tasks[0].Title)
}

func TestToolsCall_CatalogErrorIsToolError(t *testing.T) {
	s := newServer(t)

	res := call(t, s, "update_event_status", map[string]any{"id": "missing", "status": "done"})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "not found")
}
