// Package tool defines the capability model of the harness: named,
// schema-described actions the session loop may invoke on behalf of the
// model, and the dispatcher that validates and executes them.
package tool

import (
	"context"
	"fmt"
)

// Call is one decoded tool-call directive from a model reply.
type Call struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the normalized outcome of a capability invocation. OK=false and
// Error are mutually required; Data is only present on success.
type Result struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// OK builds a successful result.
func OK(data map[string]any) Result {
	return Result{OK: true, Data: data}
}

// Fail builds a failed result with a formatted message.
func Fail(format string, args ...any) Result {
	return Result{OK: false, Error: fmt.Sprintf(format, args...)}
}

// ArgSpec declares one argument of a capability schema.
type ArgSpec struct {
	Type        string // string|integer|number|boolean|object|array
	Required    bool
	Default     any
	Description string
}

// Schema maps argument names to their specs.
type Schema map[string]ArgSpec

// Descriptor is the prompt-facing description of a registered capability.
type Descriptor struct {
	Name        string
	Description string
	Schema      Schema
}

// Capability is a pluggable action. Execute reports failure through the
// Result contract and must not panic; the dispatcher recovers panics as a
// defense but treats them as capability bugs.
type Capability interface {
	Name() string
	Description() string
	Schema() Schema
	Execute(ctx context.Context, args map[string]any) Result
}

type funcCapability struct {
	name   string
	desc   string
	schema Schema
	run    func(ctx context.Context, args map[string]any) Result
}

// New builds a Capability from a function.
func New(name, desc string, schema Schema, run func(ctx context.Context, args map[string]any) Result) Capability {
	return &funcCapability{name: name, desc: desc, schema: schema, run: run}
}

func (c *funcCapability) Name() string        { return c.name }
func (c *funcCapability) Description() string { return c.desc }
func (c *funcCapability) Schema() Schema      { return c.schema }
func (c *funcCapability) Execute(ctx context.Context, args map[string]any) Result {
	return c.run(ctx, args)
}

// StringArg extracts a string argument, tolerating absence.
func StringArg(args map[string]any, name string) string {
	v, ok := args[name]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IntArg extracts an integer argument. JSON decoding yields float64 for all
// numbers, so both forms are accepted.
func IntArg(args map[string]any, name string) (int, bool) {
	switch v := args[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// BoolArg extracts a boolean argument, defaulting to false.
func BoolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}
