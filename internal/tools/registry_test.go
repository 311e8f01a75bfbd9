package tools

import (
	"context"
	"testing"

	"github.com/ashureev/kazicore/internal/orcherrors"
)

type stubTool struct {
	name   string
	schema ArgSchema
	result Result
}

func (s *stubTool) Name() string     { return s.name }
func (s *stubTool) Schema() ArgSchema { return s.schema }
func (s *stubTool) Effect() Effect   { return ReadOnly }
func (s *stubTool) Invoke(_ context.Context, _ Args) Result { return s.result }

func TestRegistryInvokeUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Invoke(context.Background(), "ghost", Args{})
	if res.OK || res.ErrorKind != orcherrors.KindNoSuchTool {
		t.Errorf("Invoke(ghost) = %+v, want no_such_tool", res)
	}
}

func TestRegistryInvokeMissingRequiredField(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:   "needs_role",
		schema: ArgSchema{{Name: "role", Type: FieldString, Required: true}},
		result: Result{OK: true},
	})

	res := r.Invoke(context.Background(), "needs_role", Args{})
	if res.OK || res.ErrorKind != orcherrors.KindInvalidArgs {
		t.Errorf("Invoke() = %+v, want invalid_args for missing required field", res)
	}
}

func TestRegistryInvokeWrongFieldType(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:   "needs_int",
		schema: ArgSchema{{Name: "max_results", Type: FieldInt, Required: true}},
		result: Result{OK: true},
	})

	res := r.Invoke(context.Background(), "needs_int", Args{"max_results": "not an int"})
	if res.OK || res.ErrorKind != orcherrors.KindInvalidArgs {
		t.Errorf("Invoke() = %+v, want invalid_args for wrong type", res)
	}
}

func TestRegistryInvokeDispatchesOnValidArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:   "ok_tool",
		schema: ArgSchema{{Name: "role", Type: FieldString, Required: true}},
		result: Result{OK: true, Data: map[string]any{"echo": "done"}},
	})

	res := r.Invoke(context.Background(), "ok_tool", Args{"role": "engineer"})
	if !res.OK || res.Data["echo"] != "done" {
		t.Errorf("Invoke() = %+v, want dispatched result", res)
	}
}

func TestRegistryInvokeOmittedOptionalFieldOK(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name:   "optional_field",
		schema: ArgSchema{{Name: "location", Type: FieldString, Required: false}},
		result: Result{OK: true},
	})

	res := r.Invoke(context.Background(), "optional_field", Args{})
	if !res.OK {
		t.Errorf("Invoke() = %+v, want OK when optional field omitted", res)
	}
}

func TestRegisterDuplicateNamePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "dup"})

	defer func() {
		if recover() == nil {
			t.Error("Register() did not panic on duplicate name")
		}
	}()
	r.Register(&stubTool{name: "dup"})
}

func TestNamesListsRegisteredTools(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "a"})
	r.Register(&stubTool{name: "b"})

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}
