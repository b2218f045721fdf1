// Package protocol implements the textual tool-call wire format embedded in
// model replies, and renders the conversation ledger into the next prompt.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/waa-agent/waa/internal/ledger"
	"github.com/waa-agent/waa/internal/tool"
)

const (
	// TerminateMarker signals the end of a session.
	TerminateMarker = "<terminate>"

	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

// Decoded is the structured reading of one raw model reply. At most one of
// Terminate/Call/Malformed is meaningful: termination wins, then the first
// well-formed tool-call block, then a decode failure if blocks were present
// but none parsed. All fields zero means a no-op turn.
type Decoded struct {
	Terminate bool
	Call      *tool.Call
	Malformed error
}

// Decode scans a raw reply for the termination marker and tool-call blocks.
// Text outside the markers is ignored.
func Decode(raw string) Decoded {
	if strings.Contains(raw, TerminateMarker) {
		return Decoded{Terminate: true}
	}

	var firstErr error
	rest := raw
	for {
		open := strings.Index(rest, toolCallOpen)
		if open < 0 {
			break
		}
		rest = rest[open+len(toolCallOpen):]
		end := strings.Index(rest, toolCallClose)
		if end < 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("tool call block is not closed")
			}
			break
		}
		payload := strings.TrimSpace(rest[:end])
		rest = rest[end+len(toolCallClose):]

		call, err := parsePayload(payload)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return Decoded{Call: call}
	}
	if firstErr != nil {
		return Decoded{Malformed: firstErr}
	}
	return Decoded{}
}

func parsePayload(payload string) (*tool.Call, error) {
	var call tool.Call
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return nil, fmt.Errorf("malformed tool call payload: %v", err)
	}
	if strings.TrimSpace(call.Tool) == "" {
		return nil, fmt.Errorf("malformed tool call payload: missing \"tool\" field")
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return &call, nil
}

// RenderTranscript concatenates ledger entries in order into role-tagged
// segments. The ledger is the only context the model ever sees.
func RenderTranscript(l *ledger.Ledger) string {
	var b strings.Builder
	for e := range l.All() {
		switch e.Kind {
		case ledger.KindSystemPrompt:
			b.WriteString("[system]\n")
			b.WriteString(e.Text)
		case ledger.KindUserInstruction:
			b.WriteString("[user]\n")
			b.WriteString(e.Text)
		case ledger.KindModelResponse:
			b.WriteString("[assistant]\n")
			b.WriteString(e.Text)
		case ledger.KindToolCallResult:
			b.WriteString("[tool]\n")
			b.WriteString(e.ToolName)
			b.WriteString(" -> ")
			b.WriteString(encodeResult(e.Result))
		}
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func encodeResult(res tool.Result) string {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":"encode result: %v"}`, err)
	}
	return string(b)
}

// BuildSystemPrompt documents the protocol and every granted capability so
// the model can only reference tools it was actually given.
func BuildSystemPrompt(caps []tool.Descriptor) string {
	var b strings.Builder
	b.WriteString("You are a coding agent operating inside a confined workspace.\n")
	b.WriteString("You work in turns. Each turn you may invoke at most one tool by replying with:\n")
	b.WriteString("<tool_call>{\"tool\": \"<name>\", \"arguments\": {...}}</tool_call>\n")
	b.WriteString("When the task is complete, reply with " + TerminateMarker + " and nothing else.\n")
	b.WriteString("Tool results are appended to the conversation as JSON: {\"ok\": bool, \"data\": {...}, \"error\": \"...\"}.\n")
	b.WriteString("If a tool call fails, read the error and adapt.\n\n")

	if len(caps) == 0 {
		b.WriteString("No tools are available in this session.\n")
		return b.String()
	}

	b.WriteString("Tools:\n")
	for _, d := range caps {
		desc := strings.TrimSpace(d.Description)
		if desc == "" {
			desc = "(no description)"
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", d.Name, desc))
		for _, line := range schemaLines(d.Schema) {
			b.WriteString("    " + line + "\n")
		}
	}
	return b.String()
}

func schemaLines(s tool.Schema) []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		as := s[name]
		typ := as.Type
		if typ == "" {
			typ = "string"
		}
		line := fmt.Sprintf("%s (%s", name, typ)
		if as.Required {
			line += ", required"
		}
		if as.Default != nil {
			line += fmt.Sprintf(", default=%v", as.Default)
		}
		line += ")"
		if strings.TrimSpace(as.Description) != "" {
			line += ": " + as.Description
		}
		out = append(out, line)
	}
	return out
}
