// Package ledger keeps the append-only ordered record of a session's
// conversation and tool outcomes. It is the sole source of context for the
// next model query.
package ledger

import (
	"iter"
	"sync"

	"github.com/waa-agent/waa/internal/tool"
)

// Kind tags the variant of a history entry.
type Kind string

const (
	KindSystemPrompt    Kind = "SYSTEM_PROMPT"
	KindUserInstruction Kind = "USER_INSTRUCTION"
	KindModelResponse   Kind = "MODEL_RESPONSE"
	KindToolCallResult  Kind = "TOOL_CALL_RESULT"
)

// Entry is one immutable history record. Text carries the payload for
// prompt/instruction/response entries; the tool fields are set only for
// KindToolCallResult.
type Entry struct {
	Kind Kind
	Text string
	Turn int

	ToolName  string
	Arguments map[string]any
	Result    tool.Result
}

// SystemPrompt builds the session's opening entry.
func SystemPrompt(text string) Entry {
	return Entry{Kind: KindSystemPrompt, Text: text}
}

// UserInstruction builds the second fixed entry.
func UserInstruction(text string) Entry {
	return Entry{Kind: KindUserInstruction, Text: text}
}

// ModelResponse records a raw model reply for one turn.
func ModelResponse(raw string, turn int) Entry {
	return Entry{Kind: KindModelResponse, Text: raw, Turn: turn}
}

// ToolCallResult records one dispatched capability call and its outcome.
func ToolCallResult(toolName string, args map[string]any, res tool.Result, turn int) Entry {
	return Entry{Kind: KindToolCallResult, ToolName: toolName, Arguments: args, Result: res, Turn: turn}
}

// Ledger is append-only; entries are never reordered or mutated after
// append. The session loop is single-threaded, but appends are guarded so
// observers (sinks, tests) can read concurrently.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty ledger.
func New() *Ledger { return &Ledger{} }

// Append adds one entry at the tail.
func (l *Ledger) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Len reports the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// All returns a restartable ordered sequence over a snapshot of the entries.
func (l *Ledger) All() iter.Seq[Entry] {
	l.mu.Lock()
	snap := append([]Entry{}, l.entries...)
	l.mu.Unlock()
	return func(yield func(Entry) bool) {
		for _, e := range snap {
			if !yield(e) {
				return
			}
		}
	}
}

// OfKind returns all entries of one kind in conversation order.
func (l *Ledger) OfKind(k Kind) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// ToolCalls returns the call history of one capability, used by
// collaborators and tests to audit a tool's activity.
func (l *Ledger) ToolCalls(toolName string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Kind == KindToolCallResult && e.ToolName == toolName {
			out = append(out, e)
		}
	}
	return out
}
