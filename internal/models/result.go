package models

import "time"

// WorkflowStatus is the terminal status of a run.
type WorkflowStatus string

const (
	StatusSuccess WorkflowStatus = "success"
	StatusFailed  WorkflowStatus = "failed"
)

// Metrics aggregates counters across phases.
type Metrics struct {
	TemplatesProcessed int `json:"templates_processed"`
	VariablesResolved  int `json:"variables_resolved"`
	ArtifactsGenerated int `json:"artifacts_generated"`
	ValidationsPassed  int `json:"validations_passed"`
}

// RollbackFailure describes one inverse action that could not be applied.
type RollbackFailure struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// RollbackReport is the outcome of undoing a transaction.
type RollbackReport struct {
	Attempted     bool              `json:"attempted"`
	Steps         int               `json:"steps"`
	FullyReverted bool              `json:"fully_reverted"`
	Failures      []RollbackFailure `json:"failures,omitempty"`
}

// DiscoveryOutput lists the templates selected for a run.
type DiscoveryOutput struct {
	Templates []string `json:"templates"`
}

// PlanningOutput lists planned operations and skipped templates.
type PlanningOutput struct {
	Operations []Operation `json:"operations"`
	Skipped    []string    `json:"skipped,omitempty"`
}

// GenerationOutput summarises the atomic generation phase.
type GenerationOutput struct {
	Committed bool            `json:"committed"`
	Rollback  *RollbackReport `json:"rollback,omitempty"`
}

// PhaseOutputs carries the output of every phase that ran.
type PhaseOutputs struct {
	Discovery   *DiscoveryOutput   `json:"discovery,omitempty"`
	Variables   *ResolvedVariables `json:"variables,omitempty"`
	Planning    *PlanningOutput    `json:"planning,omitempty"`
	Generation  *GenerationOutput  `json:"generation,omitempty"`
	Validation  []ValidationReport `json:"validation,omitempty"`
	Attestation []Attestation      `json:"attestation,omitempty"`
}

// ProvenanceRecord is what the provenance tracker returns for a finished run.
type ProvenanceRecord struct {
	ID          string            `json:"id"`
	WorkflowID  string            `json:"workflow_id"`
	User        string            `json:"user,omitempty"`
	Status      string            `json:"status"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
}

// WorkflowResult is the terminal record of a run. It is also the persisted
// workflow record schema.
type WorkflowResult struct {
	WorkflowID       string            `json:"workflow_id"`
	User             string            `json:"user,omitempty"`
	Status           WorkflowStatus    `json:"status"`
	DryRun           bool              `json:"dry_run,omitempty"`
	FailedPhase      string            `json:"failed_phase,omitempty"`
	Error            string            `json:"error,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	Phases           PhaseOutputs      `json:"phases"`
	Artifacts        []Artifact        `json:"artifacts"`
	Metrics          Metrics           `json:"metrics"`
	ProvenanceRecord *ProvenanceRecord `json:"provenance_record,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      time.Time         `json:"completed_at"`
}

// WorkflowSummary is a lightweight row returned by list operations.
type WorkflowSummary struct {
	WorkflowID string         `json:"workflow_id"`
	User       string         `json:"user,omitempty"`
	Status     WorkflowStatus `json:"status"`
	Artifacts  int            `json:"artifacts"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
