package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type registered struct {
	cap    Capability
	schema *jsonschema.Schema
}

// Registry holds the allow-listed capability set for one session. It is
// populated once at session start and never mutated afterwards.
type Registry struct {
	tools map[string]registered
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]registered{}}
}

// Register adds a capability. The declared argument schema is compiled to a
// JSON schema up front so that dispatch-time validation cannot fail on a
// malformed declaration.
func (r *Registry) Register(c Capability) error {
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return fmt.Errorf("capability has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("capability %s already registered", name)
	}
	compiled, err := compileSchema(c.Schema())
	if err != nil {
		return fmt.Errorf("capability %s schema: %w", name, err)
	}
	r.tools[name] = registered{cap: c, schema: compiled}
	r.order = append(r.order, name)
	return nil
}

// Len reports the number of registered capabilities.
func (r *Registry) Len() int { return len(r.tools) }

// Descriptors returns prompt-facing descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, Descriptor{
			Name:        name,
			Description: t.cap.Description(),
			Schema:      t.cap.Schema(),
		})
	}
	return out
}

// Dispatch validates and executes one tool call. It never returns an error:
// every failure mode is normalized into a Result with OK=false.
func (r *Registry) Dispatch(ctx context.Context, call Call) (res Result) {
	t, ok := r.tools[call.Tool]
	if !ok {
		return Fail("unknown or disallowed tool: %q", call.Tool)
	}

	args := map[string]any{}
	for k, v := range call.Arguments {
		args[k] = v
	}
	spec := t.cap.Schema()
	for name, as := range spec {
		if _, present := args[name]; !present && as.Default != nil {
			args[name] = as.Default
		}
	}
	for name, as := range spec {
		if as.Required {
			if _, present := args[name]; !present {
				return Fail("missing required argument %q for tool %s", name, call.Tool)
			}
		}
	}
	if err := t.schema.Validate(args); err != nil {
		if arg := offendingArgument(err); arg != "" {
			return Fail("invalid argument %q for tool %s: %v", arg, call.Tool, leafMessage(err))
		}
		return Fail("invalid arguments for tool %s: %v", call.Tool, err)
	}

	// Capabilities report failure through the Result contract; a panic here
	// is a bug, but it must not escape the session loop.
	defer func() {
		if rec := recover(); rec != nil {
			res = Fail("tool %s panicked: %v", call.Tool, rec)
		}
	}()
	return t.cap.Execute(ctx, args)
}

func compileSchema(s Schema) (*jsonschema.Schema, error) {
	props := map[string]any{}
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		as := s[name]
		typ := as.Type
		if typ == "" {
			typ = "string"
		}
		props[name] = map[string]any{"type": typ}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// offendingArgument extracts the argument name from the deepest validation
// cause, so schema failures can name the argument without invoking the tool.
func offendingArgument(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return ""
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if i := strings.IndexByte(loc, '/'); i >= 0 {
		loc = loc[:i]
	}
	return loc
}

func leafMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve.Message
}
