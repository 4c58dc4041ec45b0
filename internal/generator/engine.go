// Package generator executes planned Create and Inject operations against an
// output root inside an atomic transaction.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/storage"
	"github.com/starford/kiln/internal/txn"
)

// BackupRoot is the directory, relative to the output root, that holds
// pre-overwrite copies while a transaction is open.
const BackupRoot = ".kiln/backups"

// Engine applies operations for a single workflow run.
type Engine struct {
	store      storage.Provider
	workflowID string
	backupRoot string
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBackupRoot overrides BackupRoot.
func WithBackupRoot(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.backupRoot = dir
		}
	}
}

// WithClock overrides the artifact timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine that writes into store on behalf of workflowID.
func New(store storage.Provider, workflowID string, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		workflowID: workflowID,
		backupRoot: BackupRoot,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("workflow_id", workflowID))
	return e
}

// Execute applies ops in order. If every operation succeeds the transaction
// is committed and the artifacts returned. On the first failure, or when ctx
// is cancelled between operations, the transaction is rolled back and an
// *apperr.OperationError carrying the rollback report is returned.
func (e *Engine) Execute(ctx context.Context, tx *txn.Transaction, ops []models.Operation) (arts []models.Artifact, err error) {
	defer func() {
		var opErr *apperr.OperationError
		if errors.As(err, &opErr) && opErr.Rollback != nil && !opErr.Rollback.FullyReverted {
			e.logger.Warn("generator: partial rollback, backups kept",
				slog.String("backup_dir", e.backupDir()))
			return
		}
		e.cleanupBackups()
	}()

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, e.fail(tx, i, op, err)
		}
		if err := tx.AddOperation(op); err != nil {
			return nil, e.fail(tx, i, op, err)
		}

		var (
			art *models.Artifact
			err error
		)
		switch op.Kind {
		case models.OpCreate:
			art, err = e.create(tx, i, op)
		case models.OpInject:
			art, err = e.inject(tx, i, op)
		default:
			err = fmt.Errorf("unknown operation kind %q", op.Kind)
		}
		if err != nil {
			return nil, e.fail(tx, i, op, err)
		}
		if art == nil {
			continue
		}
		if err := tx.RecordArtifact(*art); err != nil {
			return nil, e.fail(tx, i, op, err)
		}
		e.logger.Debug("generator: applied",
			slog.Int("operation", i),
			slog.String("kind", string(op.Kind)),
			slog.String("path", op.TargetPath))
	}

	arts, err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("generator: commit: %w", err)
	}
	return arts, nil
}

func (e *Engine) fail(tx *txn.Transaction, i int, op models.Operation, cause error) error {
	opErr := &apperr.OperationError{
		Index:      i,
		Kind:       op.Kind,
		TemplateID: op.TemplateID,
		Path:       op.TargetPath,
		Err:        cause,
	}
	report, err := tx.Rollback()
	if err != nil {
		e.logger.Error("generator: rollback refused", slog.String("error", err.Error()))
	}
	opErr.Rollback = report
	e.logger.Warn("generator: operation failed",
		slog.Int("operation", i),
		slog.String("path", op.TargetPath),
		slog.String("error", cause.Error()))
	return opErr
}

func (e *Engine) create(tx *txn.Transaction, i int, op models.Operation) (*models.Artifact, error) {
	target := op.TargetPath
	exists, err := e.store.Exists(target)
	if err != nil {
		return nil, err
	}

	if err := e.ensureParent(tx, i, target); err != nil {
		return nil, err
	}

	var backup string
	if exists {
		backup, err = e.backup(i, target)
		if err != nil {
			return nil, err
		}
	}

	content := []byte(op.Content)
	if err := e.store.Write(target, content); err != nil {
		return nil, err
	}
	if err := e.registerRestore(tx, i, target, backup); err != nil {
		return nil, err
	}

	if op.Permissions != 0 {
		if err := e.store.Chmod(target, op.Permissions); err != nil {
			return nil, err
		}
	}

	return &models.Artifact{
		ID:         e.artifactID(),
		Kind:       models.ArtifactFile,
		Path:       target,
		TemplateID: op.TemplateID,
		SizeBytes:  int64(len(content)),
		Checksum:   checksum.Sum(content),
		CreatedAt:  e.now().UTC(),
	}, nil
}

func (e *Engine) inject(tx *txn.Transaction, i int, op models.Operation) (*models.Artifact, error) {
	target := op.TargetPath
	exists, err := e.store.Exists(target)
	if err != nil {
		return nil, err
	}

	original := ""
	if exists {
		data, err := e.store.Read(target)
		if err != nil {
			return nil, err
		}
		original = string(data)
	}

	if op.SkipIfContains != "" && strings.Contains(original, op.SkipIfContains) {
		e.logger.Info("generator: injection skipped, content already present",
			slog.Int("operation", i),
			slog.String("path", target))
		return nil, nil
	}

	lines, _ := splitLines(original)
	idx, found := insertionIndex(lines, op.Mode)
	if !found {
		if op.Strict {
			return nil, fmt.Errorf("%w: %q in %s", apperr.ErrPatternNotFound, op.Mode.Pattern, target)
		}
		e.logger.Warn("generator: injection pattern not found, appending",
			slog.String("path", target),
			slog.String("pattern", op.Mode.Pattern))
	}
	updated := splice(original, op.Content, idx)

	if !exists {
		if err := e.ensureParent(tx, i, target); err != nil {
			return nil, err
		}
	}

	var backup string
	if exists {
		backup, err = e.backup(i, target)
		if err != nil {
			return nil, err
		}
	}

	content := []byte(updated)
	if err := e.store.Write(target, content); err != nil {
		return nil, err
	}
	if err := e.registerRestore(tx, i, target, backup); err != nil {
		return nil, err
	}

	if op.Permissions != 0 {
		if err := e.store.Chmod(target, op.Permissions); err != nil {
			return nil, err
		}
	}

	return &models.Artifact{
		ID:         e.artifactID(),
		Kind:       models.ArtifactInjection,
		Path:       target,
		TemplateID: op.TemplateID,
		SizeBytes:  int64(len(content)),
		Checksum:   checksum.Sum(content),
		CreatedAt:  e.now().UTC(),
	}, nil
}

// ensureParent creates the target's missing parent directories and
// registers their removal, innermost first on rollback.
func (e *Engine) ensureParent(tx *txn.Transaction, i int, target string) error {
	created, err := e.store.EnsureDir(path.Dir(target))
	for _, dir := range created {
		dir := dir
		if regErr := tx.RegisterInverse(txn.InverseAction{
			Operation: i,
			Action:    "rmdir",
			Path:      dir,
			Undo:      func() error { return e.store.RemoveDir(dir) },
		}); regErr != nil {
			return regErr
		}
	}
	return err
}

// registerRestore pushes the inverse of a write. The backup path is the
// exact one written by backup(); an empty backup means the file was new.
func (e *Engine) registerRestore(tx *txn.Transaction, i int, target, backup string) error {
	if backup == "" {
		return tx.RegisterInverse(txn.InverseAction{
			Operation: i,
			Action:    "delete",
			Path:      target,
			Undo:      func() error { return e.store.Delete(target) },
		})
	}
	return tx.RegisterInverse(txn.InverseAction{
		Operation: i,
		Action:    "restore",
		Path:      target,
		Undo:      func() error { return e.store.Move(backup, target) },
	})
}

// backup copies target into the workflow backup directory and returns the
// backup path.
func (e *Engine) backup(i int, target string) (string, error) {
	name := fmt.Sprintf("%04d-%s", i, strings.ReplaceAll(target, "/", "__"))
	dst := path.Join(e.backupDir(), name)
	if err := e.store.Copy(target, dst); err != nil {
		return "", fmt.Errorf("backup %s: %w", target, err)
	}
	return dst, nil
}

func (e *Engine) backupDir() string {
	return path.Join(e.backupRoot, e.workflowID)
}

// cleanupBackups removes this workflow's backups and prunes the backup root
// when no other workflow is using it.
func (e *Engine) cleanupBackups() {
	exists, err := e.store.Exists(e.backupDir())
	if err != nil || !exists {
		return
	}
	if err := e.store.RemoveAll(e.backupDir()); err != nil {
		e.logger.Warn("generator: backup cleanup failed", slog.String("error", err.Error()))
		return
	}
	for dir := e.backupRoot; dir != "." && dir != "/"; dir = path.Dir(dir) {
		if err := e.store.RemoveDir(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				e.logger.Debug("generator: backup root kept", slog.String("dir", dir))
			}
			return
		}
	}
}

func (e *Engine) artifactID() string {
	return "art-" + uuid.NewString()
}
