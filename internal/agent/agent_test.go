package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waa-agent/waa/internal/config"
	"github.com/waa-agent/waa/internal/ledger"
	"github.com/waa-agent/waa/internal/llm"
)

func writeWorkspace(t *testing.T, cfg map[string]any, instruction string) string {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, config.StateDirName)
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	b, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "config.json"), b, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "instruction.md"), []byte(instruction), 0o644))
	return dir
}

func TestInitialize_MissingConfig(t *testing.T) {
	a := New(t.TempDir())
	err := a.Initialize()
	require.ErrorIs(t, err, config.ErrMissingConfiguration)
}

func TestInitialize_MissingInstruction(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, config.StateDirName)
	require.NoError(t, os.MkdirAll(stateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "config.json"), []byte(`{"llm_type": "mock"}`), 0o644))

	a := New(dir)
	err := a.Initialize()
	require.ErrorIs(t, err, config.ErrMissingConfiguration)
}

func TestInitialize_DuplicateRunLog(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":       "mock",
		"mock_responses": []string{"<terminate>"},
	}, "do nothing")
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.StateDirName, "agent.log"), []byte("old run"), 0o644))

	a := New(dir)
	err := a.Initialize()
	require.ErrorIs(t, err, ErrLogExists)
}

func TestInitialize_UnknownBackend(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{"llm_type": "alien"}, "x")

	a := New(dir)
	err := a.Initialize()
	require.ErrorIs(t, err, llm.ErrUnknownBackend)
}

func TestRun_WriteFileFlow(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":      "mock",
		"max_turns":     10,
		"allowed_tools": []string{"fs.write", "fs.read"},
		"mock_responses": []string{
			`<tool_call>{"tool": "fs.write", "arguments": {"path": "hello.txt", "content": "hi"}}</tool_call>`,
			"<terminate>",
		},
	}, "Write a greeting file")

	a := New(dir)
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Run(context.Background()))

	require.Equal(t, StatusTerminated, a.Status())
	require.Equal(t, 2, a.Turns())

	b, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(b))

	// Ledger shape: system prompt, instruction, then turn entries in order.
	var entries []ledger.Entry
	for e := range a.Ledger().All() {
		entries = append(entries, e)
	}
	require.GreaterOrEqual(t, len(entries), 4)
	require.Equal(t, ledger.KindSystemPrompt, entries[0].Kind)
	require.Equal(t, ledger.KindUserInstruction, entries[1].Kind)

	calls := a.Ledger().ToolCalls("fs.write")
	require.Len(t, calls, 1)
	require.True(t, calls[0].Result.OK)
	require.Equal(t, 1, calls[0].Turn)

	// The transcript sink mirrored every entry.
	tb, err := os.ReadFile(filepath.Join(dir, config.StateDirName, "transcript.jsonl"))
	require.NoError(t, err)
	require.NotEmpty(t, tb)
}

func TestRun_DisallowedToolHasNoSideEffects(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":      "mock",
		"max_turns":     10,
		"allowed_tools": []string{"fs.write"},
		"mock_responses": []string{
			`<tool_call>{"tool": "fs.delete", "arguments": {"path": "victim.txt"}}</tool_call>`,
			"<terminate>",
		},
	}, "Try a tool outside the allow-list")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "victim.txt"), []byte("safe"), 0o644))

	a := New(dir)
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Run(context.Background()))

	calls := a.Ledger().ToolCalls("fs.delete")
	require.Len(t, calls, 1)
	require.False(t, calls[0].Result.OK)
	require.Contains(t, calls[0].Result.Error, "unknown or disallowed tool")

	b, err := os.ReadFile(filepath.Join(dir, "victim.txt"))
	require.NoError(t, err)
	require.Equal(t, "safe", string(b))
}

func TestRun_TurnBudgetExhaustion(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":  "mock",
		"max_turns": 2,
		"mock_responses": []string{
			"thinking out loud, no directive",
			"still thinking",
			"never reached",
		},
	}, "Never terminate")

	a := New(dir)
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Run(context.Background()), "exhaustion is not an error")
	require.Equal(t, StatusExhausted, a.Status())
	require.Equal(t, 2, a.Turns())

	// No-op turns still consumed budget and were recorded.
	require.Len(t, a.Ledger().OfKind(ledger.KindModelResponse), 2)
}

func TestRun_MalformedToolCallConsumesTurn(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":      "mock",
		"max_turns":     10,
		"allowed_tools": []string{"fs.write"},
		"mock_responses": []string{
			`<tool_call>{not json}</tool_call>`,
			"<terminate>",
		},
	}, "Emit a broken call")

	a := New(dir)
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Run(context.Background()))

	require.Equal(t, StatusTerminated, a.Status())
	results := a.Ledger().OfKind(ledger.KindToolCallResult)
	require.Len(t, results, 1)
	require.False(t, results[0].Result.OK)
	require.Contains(t, results[0].Result.Error, "malformed")
}

func TestRun_MockExhaustionIsFatal(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":       "mock",
		"max_turns":      10,
		"mock_responses": []string{"one reply only"},
	}, "Outrun the script")

	a := New(dir)
	require.NoError(t, a.Initialize())
	err := a.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "exhausted")
	require.Equal(t, StatusFailed, a.Status(), "a backend failure is FAILED, not a normal stop")
}

func TestRun_TodoFlowAcrossTools(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":      "mock",
		"max_turns":     20,
		"allowed_tools": []string{"todo.add", "todo.complete", "todo.list"},
		"mock_responses": []string{
			`<tool_call>{"tool": "todo.add", "arguments": {"description": "write server"}}</tool_call>`,
			`<tool_call>{"tool": "todo.add", "arguments": {"description": "add tests"}}</tool_call>`,
			`<tool_call>{"tool": "todo.complete", "arguments": {"id": 1}}</tool_call>`,
			`<tool_call>{"tool": "todo.list", "arguments": {"status": "pending"}}</tool_call>`,
			"<terminate>",
		},
	}, "Track two tasks")

	a := New(dir)
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Run(context.Background()))
	require.Equal(t, StatusTerminated, a.Status())

	lists := a.Ledger().ToolCalls("todo.list")
	require.Len(t, lists, 1)
	require.True(t, lists[0].Result.OK)
	require.EqualValues(t, 1, lists[0].Result.Data["count"])

	b, err := os.ReadFile(filepath.Join(dir, config.StateDirName, "todo.json"))
	require.NoError(t, err)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(b, &items))
	require.Len(t, items, 2)
	require.Equal(t, "completed", items[0]["status"])
}

func TestRun_ProtectedFileRejected(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":        "mock",
		"max_turns":       10,
		"allowed_tools":   []string{"fs.write"},
		"protected_files": []string{"index.js"},
		"mock_responses": []string{
			`<tool_call>{"tool": "fs.write", "arguments": {"path": "index.js", "content": "overwritten"}}</tool_call>`,
			"<terminate>",
		},
	}, "Overwrite the entry point")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("original"), 0o644))

	a := New(dir)
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Run(context.Background()))

	calls := a.Ledger().ToolCalls("fs.write")
	require.Len(t, calls, 1)
	require.False(t, calls[0].Result.OK)
	require.Contains(t, calls[0].Result.Error, "protected")

	b, err := os.ReadFile(filepath.Join(dir, "index.js"))
	require.NoError(t, err)
	require.Equal(t, "original", string(b))
}

func TestRun_WritesRunLog(t *testing.T) {
	dir := writeWorkspace(t, map[string]any{
		"llm_type":       "mock",
		"mock_responses": []string{"<terminate>"},
	}, "Log something")

	a := New(dir)
	require.NoError(t, a.Initialize())
	require.NoError(t, a.Run(context.Background()))

	b, err := os.ReadFile(filepath.Join(dir, config.StateDirName, "agent.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), "session initialized")
	require.Contains(t, string(b), "session finished")
}
