// Package txn tracks a batch of filesystem mutations together with the
// inverse actions that undo them, and commits or rolls them back as a unit.
//
// A Transaction is single-use: Open → (AddOperation | RegisterInverse)* →
// Commit | Rollback → closed. Rollback is an in-process logical undo, not a
// durable log; a crash mid-transaction leaves whatever was written.
package txn

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

// State is the lifecycle state of a Transaction.
type State int

const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InverseAction undoes one mutation. Action and Path are descriptive and
// end up in rollback reports.
type InverseAction struct {
	Operation int
	Action    string
	Path      string
	Undo      func() error
}

// Transaction owns the operations, inverse actions and artifacts of one
// workflow run.
type Transaction struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	ops       []models.Operation
	inverses  []InverseAction
	artifacts []models.Artifact
}

// New opens a transaction.
func New(id string, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transaction{
		id:     id,
		logger: logger.With(slog.String("transaction", id)),
	}
}

// ID returns the transaction identifier.
func (t *Transaction) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddOperation appends op to the batch.
func (t *Transaction) AddOperation(op models.Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return fmt.Errorf("txn: add operation: %w (%s)", apperr.ErrTransactionClosed, t.state)
	}
	t.ops = append(t.ops, op)
	return nil
}

// RegisterInverse pushes an undo step. It must be called right after the
// mutation it reverses has taken effect.
func (t *Transaction) RegisterInverse(a InverseAction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return fmt.Errorf("txn: register inverse: %w (%s)", apperr.ErrTransactionClosed, t.state)
	}
	if a.Undo == nil {
		return fmt.Errorf("txn: register inverse for %s: nil undo", a.Path)
	}
	t.inverses = append(t.inverses, a)
	return nil
}

// RecordArtifact stores the artifact produced by a successful operation.
func (t *Transaction) RecordArtifact(a models.Artifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return fmt.Errorf("txn: record artifact: %w (%s)", apperr.ErrTransactionClosed, t.state)
	}
	t.artifacts = append(t.artifacts, a)
	return nil
}

// Operations returns a copy of the operations added so far.
func (t *Transaction) Operations() []models.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Operation(nil), t.ops...)
}

// PendingInverses returns the number of registered inverse actions.
func (t *Transaction) PendingInverses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inverses)
}

// Commit closes the transaction, discards every inverse action and returns
// the artifacts. A second Commit, or a Commit after Rollback, returns
// ErrTransactionClosed and changes nothing.
func (t *Transaction) Commit() ([]models.Artifact, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return nil, fmt.Errorf("txn: commit: %w (%s)", apperr.ErrTransactionClosed, t.state)
	}
	t.state = StateCommitted
	t.inverses = nil
	arts := t.artifacts
	t.artifacts = nil

	t.logger.Debug("txn: committed", slog.Int("operations", len(t.ops)), slog.Int("artifacts", len(arts)))
	return arts, nil
}

// Rollback runs every registered inverse action in reverse registration
// order. Individual failures are logged and reported, never returned; the
// sweep always continues. Rollback after Commit returns ErrTransactionClosed.
func (t *Transaction) Rollback() (*models.RollbackReport, error) {
	t.mu.Lock()
	if t.state != StateOpen {
		state := t.state
		t.mu.Unlock()
		return nil, fmt.Errorf("txn: rollback: %w (%s)", apperr.ErrTransactionClosed, state)
	}
	t.state = StateRolledBack
	inverses := t.inverses
	t.inverses = nil
	t.artifacts = nil
	t.mu.Unlock()

	report := &models.RollbackReport{Attempted: true, Steps: len(inverses)}
	for i := len(inverses) - 1; i >= 0; i-- {
		inv := inverses[i]
		if err := runUndo(inv); err != nil {
			stepErr := &apperr.RollbackStepError{Step: i, Action: inv.Action, Path: inv.Path, Err: err}
			t.logger.Warn("txn: rollback step failed",
				slog.Int("step", i),
				slog.Int("operation", inv.Operation),
				slog.String("action", inv.Action),
				slog.String("path", inv.Path),
				slog.String("error", stepErr.Error()))
			report.Failures = append(report.Failures, models.RollbackFailure{
				Step:   i,
				Action: inv.Action,
				Path:   inv.Path,
				Error:  err.Error(),
			})
			continue
		}
		t.logger.Debug("txn: rollback step applied",
			slog.Int("step", i),
			slog.String("action", inv.Action),
			slog.String("path", inv.Path))
	}
	report.FullyReverted = len(report.Failures) == 0

	t.logger.Info("txn: rolled back",
		slog.Int("steps", report.Steps),
		slog.Int("failed", len(report.Failures)))
	return report, nil
}

// runUndo shields the sweep from a panicking inverse action.
func runUndo(inv InverseAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return inv.Undo()
}
