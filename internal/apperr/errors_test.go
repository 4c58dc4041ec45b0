package apperr

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/starford/kiln/internal/models"
)

func TestOperationError_UnwrapsCause(t *testing.T) {
	err := &PhaseError{Phase: "generating", Err: &OperationError{
		Index: 1,
		Kind:  models.OpCreate,
		Path:  "b.ts",
		Err:   fs.ErrPermission,
		Rollback: &models.RollbackReport{
			Attempted:     true,
			Steps:         2,
			FullyReverted: true,
		},
	}}

	if !errors.Is(err, fs.ErrPermission) {
		t.Fatal("expected errors.Is to reach fs.ErrPermission")
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatal("expected errors.As to find OperationError")
	}
	if opErr.Index != 1 {
		t.Errorf("index = %d, want 1", opErr.Index)
	}
	if !strings.Contains(err.Error(), "fully reverted") {
		t.Errorf("message should mention rollback outcome: %q", err.Error())
	}
}

func TestOperationError_PartialRollbackMessage(t *testing.T) {
	err := &OperationError{
		Index: 2,
		Kind:  models.OpInject,
		Path:  "app.ts",
		Err:   ErrPatternNotFound,
		Rollback: &models.RollbackReport{
			Attempted: true,
			Steps:     3,
			Failures: []models.RollbackFailure{
				{Step: 1, Action: "restore", Path: "a.ts", Error: "boom"},
				{Step: 0, Action: "rmdir", Path: "lib", Error: "busy"},
			},
		},
	}
	want := "partially reverted (2 of 3 steps failed: restore a.ts: boom; rmdir lib: busy)"
	if !strings.Contains(err.Error(), want) {
		t.Errorf("message %q missing %q", err.Error(), want)
	}
}

func TestVariableValidationError_ListsEveryViolation(t *testing.T) {
	err := &VariableValidationError{Violations: []Violation{
		{Variable: "name", Rule: "required", Message: "cannot be blank"},
		{Variable: "port", Rule: "type", Message: "must be a number"},
	}}
	msg := err.Error()
	for _, want := range []string{"name (required)", "port (type)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
