// Package orchestrator runs workflows through discovery, variable
// resolution, planning, atomic generation, validation and attestation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/attest"
	"github.com/starford/kiln/internal/generator"
	"github.com/starford/kiln/internal/index"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/planner"
	"github.com/starford/kiln/internal/provenance"
	"github.com/starford/kiln/internal/render"
	"github.com/starford/kiln/internal/resolver"
	"github.com/starford/kiln/internal/storage"
	"github.com/starford/kiln/internal/txn"
	"github.com/starford/kiln/internal/validation"
)

// Catalog is the template index as seen by the orchestrator.
type Catalog interface {
	index.Catalog
	Rescan() error
}

// Resolver computes the variable set of a run.
type Resolver interface {
	Resolve(spec models.WorkflowSpec, templates []models.Template) (models.ResolvedVariables, error)
}

// Planner turns templates into operations.
type Planner interface {
	Plan(templates []models.Template, vars map[string]any) (models.PlanningOutput, error)
}

// Attester builds attestations for validated artifacts.
type Attester interface {
	Attest(ctx context.Context, reports []models.ValidationReport, spec models.WorkflowSpec) ([]models.Attestation, error)
}

// Records persists workflow records and attestations.
type Records interface {
	SaveWorkflow(ctx context.Context, r *models.WorkflowResult) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowResult, error)
	ListWorkflows(ctx context.Context, limit, offset int) ([]models.WorkflowSummary, int, error)
	SaveAttestations(ctx context.Context, atts []models.Attestation) error
}

// Orchestrator owns the template catalog and the results of every run it
// executed. Runs are independent and may execute concurrently.
type Orchestrator struct {
	catalog    Catalog
	resolver   Resolver
	planner    Planner
	attester   Attester
	records    Records
	tracker    provenance.Tracker
	observers  []Observer
	outputRoot string
	backupRoot string
	parallel   int
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	results map[string]*models.WorkflowResult
	running map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver sets the variable resolver.
func WithResolver(r Resolver) Option { return func(o *Orchestrator) { o.resolver = r } }

// WithPlanner sets the planner.
func WithPlanner(p Planner) Option { return func(o *Orchestrator) { o.planner = p } }

// WithAttester sets the attestation engine.
func WithAttester(a Attester) Option { return func(o *Orchestrator) { o.attester = a } }

// WithRecords persists every finished run and its attestations.
func WithRecords(r Records) Option { return func(o *Orchestrator) { o.records = r } }

// WithTracker sets the provenance tracker.
func WithTracker(t provenance.Tracker) Option { return func(o *Orchestrator) { o.tracker = t } }

// WithObserver adds a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithOutputRoot sets the output root used when a spec has none.
func WithOutputRoot(dir string) Option { return func(o *Orchestrator) { o.outputRoot = dir } }

// WithBackupRoot sets the backup directory relative to the output root.
func WithBackupRoot(dir string) Option { return func(o *Orchestrator) { o.backupRoot = dir } }

// WithParallelism bounds the number of concurrent runs in RunAll.
func WithParallelism(n int) Option { return func(o *Orchestrator) { o.parallel = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an orchestrator over catalog. Components not supplied by
// options get their defaults.
func New(catalog Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:    catalog,
		outputRoot: ".",
		backupRoot: generator.BackupRoot,
		parallel:   4,
		logger:     slog.Default(),
		now:        time.Now,
		results:    map[string]*models.WorkflowResult{},
		running:    map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resolver == nil {
		o.resolver = resolver.New(resolver.WithLogger(o.logger))
	}
	if o.planner == nil {
		o.planner = planner.New(render.NewEngine(), planner.WithLogger(o.logger))
	}
	if o.attester == nil {
		o.attester = attest.New(attest.WithLogger(o.logger))
	}
	return o
}

// Initialize builds the template catalog. A missing template root fails.
func (o *Orchestrator) Initialize() error {
	return o.catalog.Rescan()
}

// Rescan rebuilds the template catalog.
func (o *Orchestrator) Rescan() error {
	return o.catalog.Rescan()
}

// Templates returns the catalog.
func (o *Orchestrator) Templates() []models.Template {
	return o.catalog.All()
}

// Template returns one catalog entry.
func (o *Orchestrator) Template(id string) (models.Template, bool) {
	return o.catalog.Get(id)
}

// Generators returns the catalog grouped by generator.
func (o *Orchestrator) Generators() []index.Generator {
	return o.catalog.Generators()
}

// run holds the mutable state of one workflow execution.
type run struct {
	spec        models.WorkflowSpec
	result      *models.WorkflowResult
	provID      string
	store       storage.Provider
	createdRoot string
	logger      *slog.Logger
}

// Run executes spec. The returned result is always non-nil unless the
// workflow id is already in use. A failed workflow also returns an
// *apperr.PhaseError naming the failed phase.
func (o *Orchestrator) Run(ctx context.Context, spec models.WorkflowSpec) (*models.WorkflowResult, error) {
	spec = o.normalize(spec)
	if err := o.claim(spec.ID); err != nil {
		return nil, err
	}
	defer o.release(spec.ID)
	if err := o.checkPersisted(ctx, spec.ID); err != nil {
		return nil, err
	}

	r := &run{
		spec: spec,
		result: &models.WorkflowResult{
			WorkflowID: spec.ID,
			User:       spec.User,
			DryRun:     spec.DryRun,
			Artifacts:  []models.Artifact{},
			StartedAt:  o.now().UTC(),
		},
		logger: o.logger.With(slog.String("workflow_id", spec.ID)),
	}
	r.logger.Info("workflow: started",
		slog.String("user", spec.User),
		slog.String("output", spec.OutputPath),
		slog.Bool("dry_run", spec.DryRun))
	o.startProvenance(ctx, r)
	o.emit(Event{Type: EventStarted, WorkflowID: spec.ID, Phase: PhaseCreated})

	err := o.execute(ctx, r)
	return o.finish(ctx, r, err)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	res := r.result

	// Discovering
	if err := o.enter(ctx, r, PhaseDiscovering); err != nil {
		return err
	}
	templates, err := o.catalog.Select(r.spec.Templates, r.spec.Generator)
	if err != nil {
		return &apperr.PhaseError{Phase: string(PhaseDiscovering), Err: err}
	}
	ids := make([]string, 0, len(templates))
	for _, t := range templates {
		ids = append(ids, t.ID)
	}
	res.Phases.Discovery = &models.DiscoveryOutput{Templates: ids}
	res.Metrics.TemplatesProcessed = len(templates)

	// ResolvingVariables
	if err := o.enter(ctx, r, PhaseResolvingVariables); err != nil {
		return err
	}
	vars, err := o.resolver.Resolve(r.spec, templates)
	if err != nil {
		return &apperr.PhaseError{Phase: string(PhaseResolvingVariables), Err: err}
	}
	res.Phases.Variables = &vars
	res.Metrics.VariablesResolved = len(vars.Values)

	// Planning
	if err := o.enter(ctx, r, PhasePlanning); err != nil {
		return err
	}
	plan, err := o.planner.Plan(templates, vars.Values)
	if err != nil {
		return &apperr.PhaseError{Phase: string(PhasePlanning), Err: err}
	}
	res.Phases.Planning = &plan
	if r.spec.DryRun {
		r.logger.Info("workflow: dry run, stopping after planning",
			slog.Int("operations", len(plan.Operations)))
		return nil
	}

	// Generating
	if err := o.enter(ctx, r, PhaseGenerating); err != nil {
		return err
	}
	if err := o.openOutput(r); err != nil {
		return &apperr.PhaseError{Phase: string(PhaseGenerating), Err: err}
	}
	gen := generator.New(r.store, r.spec.ID,
		generator.WithLogger(r.logger),
		generator.WithBackupRoot(o.backupRoot),
		generator.WithClock(o.now))
	arts, err := gen.Execute(ctx, txn.New(r.spec.ID, r.logger), plan.Operations)
	if err != nil {
		out := &models.GenerationOutput{}
		var opErr *apperr.OperationError
		if errors.As(err, &opErr) {
			out.Rollback = opErr.Rollback
		}
		res.Phases.Generation = out
		o.discardOutput(r)
		return &apperr.PhaseError{Phase: string(PhaseGenerating), Err: err}
	}
	res.Phases.Generation = &models.GenerationOutput{Committed: true}
	res.Artifacts = arts
	res.Metrics.ArtifactsGenerated = len(arts)

	// Committed artifacts stand from here on. Cancellation and attestation
	// errors are recorded as warnings and leave the status untouched.
	if err := o.enter(ctx, r, PhaseValidating); err != nil {
		o.warn(r, err)
		return nil
	}
	reports := validation.New(r.store, r.logger).Validate(arts)
	res.Phases.Validation = reports
	for _, rep := range reports {
		if rep.Passed {
			res.Metrics.ValidationsPassed++
		}
	}

	// Attesting
	if err := o.enter(ctx, r, PhaseAttesting); err != nil {
		o.warn(r, err)
		return nil
	}
	atts, err := o.attester.Attest(ctx, reports, r.spec)
	if err != nil {
		o.warn(r, &apperr.PhaseError{Phase: string(PhaseAttesting), Err: err})
		return nil
	}
	res.Phases.Attestation = atts
	if o.records != nil {
		if err := o.records.SaveAttestations(ctx, atts); err != nil {
			r.logger.Warn("workflow: persist attestations failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (o *Orchestrator) warn(r *run, err error) {
	r.logger.Warn("workflow: after commit", slog.String("error", err.Error()))
	r.result.Warnings = append(r.result.Warnings, err.Error())
}

// enter moves the run into phase, failing with the phase tagged when ctx
// has been cancelled.
func (o *Orchestrator) enter(ctx context.Context, r *run, phase Phase) error {
	if err := ctx.Err(); err != nil {
		return &apperr.PhaseError{Phase: string(phase), Err: err}
	}
	r.logger.Debug("workflow: phase", slog.String("phase", string(phase)))
	o.emit(Event{Type: EventPhase, WorkflowID: r.spec.ID, Phase: phase})
	return nil
}

// openOutput creates the output root when missing and opens a store on it.
func (o *Orchestrator) openOutput(r *run) error {
	root, err := filepath.Abs(r.spec.OutputPath)
	if err != nil {
		return fmt.Errorf("resolve output root: %w", err)
	}
	if _, statErr := os.Stat(root); errors.Is(statErr, os.ErrNotExist) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create output root: %w", err)
		}
		r.createdRoot = root
	}
	store, err := storage.NewFS(root)
	if err != nil {
		return err
	}
	r.store = store
	return nil
}

// discardOutput removes an output root created by this run if rollback
// left it empty.
func (o *Orchestrator) discardOutput(r *run) {
	if r.createdRoot == "" {
		return
	}
	if err := os.Remove(r.createdRoot); err != nil {
		r.logger.Debug("workflow: output root kept", slog.String("path", r.createdRoot))
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run, runErr error) (*models.WorkflowResult, error) {
	res := r.result
	res.CompletedAt = o.now().UTC()

	if runErr != nil {
		res.Status = models.StatusFailed
		res.Error = runErr.Error()
		var pe *apperr.PhaseError
		if errors.As(runErr, &pe) {
			res.FailedPhase = pe.Phase
		}
	} else {
		res.Status = models.StatusSuccess
	}

	// Provenance and persistence outlive a cancelled run.
	bg := context.WithoutCancel(ctx)
	o.completeProvenance(bg, r, runErr)

	o.mu.Lock()
	o.results[res.WorkflowID] = res
	o.mu.Unlock()

	if o.records != nil {
		if err := o.records.SaveWorkflow(bg, res); err != nil {
			r.logger.Warn("workflow: persist record failed", slog.String("error", err.Error()))
		}
	}

	metrics := res.Metrics
	if runErr != nil {
		r.logger.Error("workflow: failed",
			slog.String("phase", res.FailedPhase),
			slog.String("error", runErr.Error()))
		o.emit(Event{Type: EventFailed, WorkflowID: res.WorkflowID, Phase: Phase(res.FailedPhase), Error: res.Error, Metrics: &metrics})
		return res, runErr
	}

	r.logger.Info("workflow: completed",
		slog.Int("artifacts", metrics.ArtifactsGenerated),
		slog.Int("validations_passed", metrics.ValidationsPassed))
	o.emit(Event{Type: EventCompleted, WorkflowID: res.WorkflowID, Phase: PhaseCompleted, Metrics: &metrics})
	return res, nil
}

func (o *Orchestrator) startProvenance(ctx context.Context, r *run) {
	if o.tracker == nil {
		return
	}
	id, err := o.tracker.StartOperation(ctx, provenance.Meta{WorkflowID: r.spec.ID, User: r.spec.User})
	if err != nil {
		r.logger.Warn("workflow: provenance start failed", slog.String("error", err.Error()))
	}
	r.provID = id
}

func (o *Orchestrator) completeProvenance(ctx context.Context, r *run, runErr error) {
	if o.tracker == nil || r.provID == "" {
		return
	}
	if runErr != nil {
		if err := o.tracker.RecordError(ctx, r.provID, runErr); err != nil {
			r.logger.Warn("workflow: provenance error record failed", slog.String("error", err.Error()))
		}
	}
	rec, err := o.tracker.CompleteOperation(ctx, r.provID, r.result)
	if err != nil {
		r.logger.Warn("workflow: provenance completion failed", slog.String("error", err.Error()))
	}
	r.result.ProvenanceRecord = rec
}

// normalize fills defaults and copies the variable map so the caller's spec
// cannot change under a running workflow.
func (o *Orchestrator) normalize(spec models.WorkflowSpec) models.WorkflowSpec {
	if spec.ID == "" {
		spec.ID = "wf-" + uuid.NewString()
	}
	if spec.OutputPath == "" {
		spec.OutputPath = o.outputRoot
	}
	vars := make(map[string]any, len(spec.Variables))
	for k, v := range spec.Variables {
		vars[k] = v
	}
	spec.Variables = vars
	spec.Templates = append([]string(nil), spec.Templates...)
	return spec
}

func (o *Orchestrator) claim(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return fmt.Errorf("workflow %s is running: %w", id, apperr.ErrConflict)
	}
	if _, ok := o.results[id]; ok {
		return fmt.Errorf("workflow %s: %w", id, apperr.ErrAlreadyExists)
	}
	o.running[id] = struct{}{}
	return nil
}

// checkPersisted rejects an id already recorded by an earlier process.
func (o *Orchestrator) checkPersisted(ctx context.Context, id string) error {
	if o.records == nil {
		return nil
	}
	_, err := o.records.GetWorkflow(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("workflow %s: %w", id, apperr.ErrAlreadyExists)
	case errors.Is(err, apperr.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("workflow %s: lookup record: %w", id, err)
	}
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// RunAll runs specs concurrently. Results are returned in spec order; a
// failed workflow is reported in its result, and the error is only set
// when a spec could not start.
func (o *Orchestrator) RunAll(ctx context.Context, specs []models.WorkflowSpec) ([]*models.WorkflowResult, error) {
	results := make([]*models.WorkflowResult, len(specs))

	var g errgroup.Group
	if o.parallel > 0 {
		g.SetLimit(o.parallel)
	}
	for i, spec := range specs {
		g.Go(func() error {
			res, err := o.Run(ctx, spec)
			results[i] = res
			if res == nil {
				return err
			}
			return nil
		})
	}
	return results, g.Wait()
}

// Get returns the result of a run, from memory or the persisted records.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.WorkflowResult, error) {
	o.mu.RLock()
	res, ok := o.results[id]
	o.mu.RUnlock()
	if ok {
		return res, nil
	}
	if o.records != nil {
		return o.records.GetWorkflow(ctx, id)
	}
	return nil, fmt.Errorf("workflow %s: %w", id, apperr.ErrNotFound)
}

// List returns workflow summaries, most recent first, and the total count.
func (o *Orchestrator) List(ctx context.Context, limit, offset int) ([]models.WorkflowSummary, int, error) {
	if o.records != nil {
		return o.records.ListWorkflows(ctx, limit, offset)
	}

	o.mu.RLock()
	out := make([]models.WorkflowSummary, 0, len(o.results))
	for _, r := range o.results {
		out = append(out, models.WorkflowSummary{
			WorkflowID: r.WorkflowID,
			User:       r.User,
			Status:     r.Status,
			Artifacts:  len(r.Artifacts),
			UpdatedAt:  r.CompletedAt,
		})
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].WorkflowID < out[j].WorkflowID
	})
	total := len(out)
	if offset >= total {
		return []models.WorkflowSummary{}, total, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}
