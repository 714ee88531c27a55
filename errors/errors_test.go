package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseCall,
				Kind:   KindTypeMismatch,
				Module: "env",
				Item:   "add",
				Detail: "argument 0 is f64, expected i32",
			},
			contains: []string{"[call]", "type_mismatch", "env#add", "argument 0 is f64"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseLink,
				Kind:  KindMissingImport,
			},
			contains: []string{"[link]", "missing_import"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseCompile,
				Kind:   KindInvalidInput,
				Detail: "compile module",
				Cause:  errors.New("invalid magic number"),
			},
			contains: []string{"[compile]", "invalid_input", "compile module", "caused by", "invalid magic number"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseCompile,
		Kind:  KindInvalidInput,
		Cause: cause,
	}

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find cause through Unwrap")
	}
}

func TestError_Is(t *testing.T) {
	err := ArityMismatch(PhaseCall, "argument", 1, 2)

	if !errors.Is(err, &Error{Phase: PhaseCall, Kind: KindArityMismatch}) {
		t.Error("expected match on same phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseCall, Kind: KindTypeMismatch}) {
		t.Error("unexpected match on different kind")
	}
	if errors.Is(err, &Error{Phase: PhaseLink, Kind: KindArityMismatch}) {
		t.Error("unexpected match on different phase")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("boom")
	err := New(PhaseInstantiate, KindResourceLimit).
		Module("env").
		Item("memory").
		Detail("limit of %d bytes exceeded", 1024).
		Cause(cause).
		Build()

	if err.Phase != PhaseInstantiate || err.Kind != KindResourceLimit {
		t.Fatalf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Module != "env" || err.Item != "memory" {
		t.Errorf("module/item = %q/%q", err.Module, err.Item)
	}
	if err.Detail != "limit of 1024 bytes exceeded" {
		t.Errorf("detail = %q", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not chained")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	if got := MissingImport("env", "log").Error(); !strings.Contains(got, "env#log") {
		t.Errorf("MissingImport message = %q", got)
	}
	if got := CrossStore(PhaseCall, "func handle", 3, 4).Error(); !strings.Contains(got, "store 3") || !strings.Contains(got, "store 4") {
		t.Errorf("CrossStore message = %q", got)
	}
	if got := DisabledFeature("fuel"); got.Kind != KindDisabledFeature {
		t.Errorf("DisabledFeature kind = %q", got.Kind)
	}
	if got := Duplicate("env", "log"); got.Kind != KindDuplicate {
		t.Errorf("Duplicate kind = %q", got.Kind)
	}
}
