package models

import (
	"io/fs"
	"time"
)

// WorkflowSpec is the input to one workflow run. It must not be modified
// once the run has started.
type WorkflowSpec struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	User       string         `json:"user,omitempty"`
	Templates  []string       `json:"templates,omitempty"`
	Generator  string         `json:"generator,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	OutputPath string         `json:"output_path,omitempty"`
	DryRun     bool           `json:"dry_run,omitempty"`
}

// VariableSource records where a resolved value came from.
type VariableSource string

const (
	SourceExplicit    VariableSource = "explicit"
	SourceRegistry    VariableSource = "registry"
	SourceEnv         VariableSource = "env"
	SourceFrontmatter VariableSource = "frontmatter"
	SourceHeuristic   VariableSource = "heuristic"
)

// ResolvedVariables is the variable set of a single run.
type ResolvedVariables struct {
	Values  map[string]any            `json:"values"`
	Sources map[string]VariableSource `json:"sources"`
}

// OperationKind distinguishes file creation from injection.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpInject OperationKind = "inject"
)

// Operation is one planned filesystem mutation. TargetPath is relative to
// the workflow output root.
type Operation struct {
	Index          int           `json:"index"`
	Kind           OperationKind `json:"kind"`
	TemplateID     string        `json:"template_id"`
	TargetPath     string        `json:"target_path"`
	Content        string        `json:"-"`
	Mode           InjectMode    `json:"mode"`
	Permissions    fs.FileMode   `json:"permissions,omitempty"`
	Strict         bool          `json:"strict,omitempty"`
	SkipIfContains string        `json:"skip_if_contains,omitempty"`
	Hook           string        `json:"hook,omitempty"`
}

// ArtifactKind distinguishes artifacts produced by Create and Inject.
type ArtifactKind string

const (
	ArtifactFile      ArtifactKind = "file"
	ArtifactInjection ArtifactKind = "injection"
)

// Artifact is a successfully written unit of output.
type Artifact struct {
	ID         string       `json:"id"`
	Kind       ArtifactKind `json:"kind"`
	Path       string       `json:"path"`
	TemplateID string       `json:"template_id"`
	SizeBytes  int64        `json:"size_bytes"`
	Checksum   string       `json:"checksum"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Check is one named validation result.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ValidationReport holds the checks run against one artifact.
type ValidationReport struct {
	ArtifactID string  `json:"artifact_id"`
	Path       string  `json:"path"`
	Passed     bool    `json:"passed"`
	Checks     []Check `json:"checks"`
}

// Attestation asserts that an artifact passed validation at a point in time.
type Attestation struct {
	ID               string    `json:"id"`
	ArtifactID       string    `json:"artifact_id"`
	WorkflowID       string    `json:"workflow_id"`
	Timestamp        time.Time `json:"timestamp"`
	ValidationPassed bool      `json:"validation_passed"`
	Checks           []Check   `json:"checks"`
	Hash             string    `json:"hash"`
	Signature        string    `json:"signature,omitempty"`
	KeyID            string    `json:"key_id,omitempty"`
}

// AnchorAck is returned by an anchoring service once a hash is queued.
type AnchorAck struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queued_at"`
}
