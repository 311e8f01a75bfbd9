// Package tools implements the Tool Registry & Invocation component
// (spec.md §4.A): a name→handler map that validates arguments before
// dispatch and returns a uniform result envelope. Grounded on
// original_source/src/tools/base.py's ToolRegistry (register/get/list)
// generalized from Python's dynamic dispatch into a typed Go argument
// sum type, per SPEC_FULL.md §9.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/kazicore/internal/orcherrors"
)

// Effect declares whether a Tool only reads state or causes an
// observable external effect. The Agent Runtime applies the same
// timeout/retry policy to both kinds.
type Effect string

const (
	ReadOnly      Effect = "read_only"
	ExternalEffect Effect = "external_effect"
)

// FieldType is the primitive type of one Arg schema field.
type FieldType string

const (
	FieldString     FieldType = "string"
	FieldStringList FieldType = "string_list"
	FieldInt        FieldType = "int"
)

// Field describes one named, typed argument a Tool accepts.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// ArgSchema is the ordered set of Fields a Tool accepts.
type ArgSchema []Field

// Args is the typed argument record passed to a Tool, validated
// against its ArgSchema before Invoke runs.
type Args map[string]any

// Result is the uniform result envelope every Tool invocation returns.
type Result struct {
	OK        bool
	Data      map[string]any
	ErrorKind orcherrors.Kind
	Latency   time.Duration
}

// Tool is one named, schema-described handler.
type Tool interface {
	Name() string
	Schema() ArgSchema
	Effect() Effect
	Invoke(ctx context.Context, args Args) Result
}

// Registry holds a name→Tool map. The Registry and the set of known
// agent names are read-only after process start (§5).
type Registry struct {
	tools map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool under its own Name(). Registering a duplicate name
// is a programmer error, matching spec.md §4.A ("Duplicate registration
// is an implementation error"), so it panics rather than returning an
// error.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("tools: duplicate registration for %q", t.Name()))
	}
	r.tools[t.Name()] = t
}

// Get returns the registered Tool (and whether it exists) for use by
// callers that need schema/effect metadata ahead of Invoke.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool's name, used by the Agent Runtime
// to describe available tools to the LLMProvider.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Invoke validates args against the named Tool's schema, then dispatches.
// An unregistered name yields no_such_tool; a schema mismatch yields
// invalid_args without invoking the handler.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) Result {
	t, ok := r.tools[name]
	if !ok {
		return Result{OK: false, ErrorKind: orcherrors.KindNoSuchTool}
	}

	if err := validate(t.Schema(), args); err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindInvalidArgs}
	}

	start := time.Now()
	res := t.Invoke(ctx, args)
	res.Latency = time.Since(start)
	return res
}

func validate(schema ArgSchema, args Args) error {
	for _, f := range schema {
		v, present := args[f.Name]
		if !present {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			return fmt.Errorf("field %q has wrong type", f.Name)
		}
	}
	return nil
}

func typeMatches(t FieldType, v any) bool {
	switch t {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldStringList:
		_, ok := v.([]string)
		return ok
	case FieldInt:
		_, ok := v.(int)
		return ok
	default:
		return false
	}
}
