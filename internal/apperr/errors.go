// Package apperr defines the error taxonomy shared across Kiln packages.
package apperr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/starford/kiln/internal/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyExists       = errors.New("already exists")
	ErrTemplateRootMissing = errors.New("template root missing")
	ErrUnknownTemplate     = errors.New("unknown template")
	ErrTransactionClosed   = errors.New("transaction closed")
	ErrPatternNotFound     = errors.New("injection pattern not found")
	ErrPathEscapesRoot     = errors.New("path escapes output root")
	ErrInvalidTemplate     = errors.New("invalid template")
)

// DiscoveryWarning is recorded when a template file is skipped during a scan.
type DiscoveryWarning struct {
	Path string
	Err  error
}

func (w *DiscoveryWarning) Error() string {
	return fmt.Sprintf("discovery: skipped %s: %v", w.Path, w.Err)
}

func (w *DiscoveryWarning) Unwrap() error { return w.Err }

// Violation is one failed variable constraint.
type Violation struct {
	Variable string `json:"variable"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// VariableValidationError aggregates every violated variable of a run.
type VariableValidationError struct {
	Violations []Violation
}

func (e *VariableValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", v.Variable, v.Rule, v.Message))
	}
	return "variable validation failed: " + strings.Join(parts, "; ")
}

// OperationError is raised when a planned operation fails. The transaction
// has already been rolled back when the caller sees it.
type OperationError struct {
	Index      int
	Kind       models.OperationKind
	TemplateID string
	Path       string
	Err        error
	Rollback   *models.RollbackReport
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("operation %d (%s %s from %s) failed: %v", e.Index, e.Kind, e.Path, e.TemplateID, e.Err)
	if e.Rollback != nil {
		if e.Rollback.FullyReverted {
			msg += "; rollback: fully reverted"
		} else {
			undone := make([]string, 0, len(e.Rollback.Failures))
			for _, f := range e.Rollback.Failures {
				undone = append(undone, fmt.Sprintf("%s %s: %s", f.Action, f.Path, f.Error))
			}
			msg += fmt.Sprintf("; rollback: partially reverted (%d of %d steps failed: %s)",
				len(e.Rollback.Failures), e.Rollback.Steps, strings.Join(undone, "; "))
		}
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// RollbackStepError is logged for an inverse action that could not be applied.
// It never aborts the rollback sweep.
type RollbackStepError struct {
	Step   int
	Action string
	Path   string
	Err    error
}

func (e *RollbackStepError) Error() string {
	return fmt.Sprintf("rollback step %d (%s %s): %v", e.Step, e.Action, e.Path, e.Err)
}

func (e *RollbackStepError) Unwrap() error { return e.Err }

// AttestationAnchoringError is logged when the anchoring service rejects a hash.
type AttestationAnchoringError struct {
	AttestationID string
	Err           error
}

func (e *AttestationAnchoringError) Error() string {
	return fmt.Sprintf("anchoring attestation %s: %v", e.AttestationID, e.Err)
}

func (e *AttestationAnchoringError) Unwrap() error { return e.Err }

// PhaseError tags the orchestrator phase in which a workflow failed.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
