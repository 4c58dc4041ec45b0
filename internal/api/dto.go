package api

import (
	"errors"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/service"
)

// RunWorkflowRequest is the request body for starting a workflow.
type RunWorkflowRequest struct {
	ID         string         `json:"id,omitempty" example:"wf-2024-01" validate:"omitempty,max=128,excludesall=/\\"`
	Name       string         `json:"name,omitempty" example:"user-service" validate:"omitempty,max=256"`
	User       string         `json:"user,omitempty" example:"alice" validate:"omitempty,max=256"`
	Templates  []string       `json:"templates,omitempty" example:"component/new" validate:"omitempty,dive,required"`
	Generator  string         `json:"generator,omitempty" example:"component" validate:"omitempty,excludesall=/\\"`
	Variables  map[string]any `json:"variables,omitempty"`
	OutputPath string         `json:"output_path,omitempty" example:"./out" validate:"omitempty,max=4096"`
	DryRun     bool           `json:"dry_run,omitempty"`
}

// Spec converts the request into a workflow spec.
func (r RunWorkflowRequest) Spec() models.WorkflowSpec {
	return models.WorkflowSpec{
		ID:         r.ID,
		Name:       r.Name,
		User:       r.User,
		Templates:  r.Templates,
		Generator:  r.Generator,
		Variables:  r.Variables,
		OutputPath: r.OutputPath,
		DryRun:     r.DryRun,
	}
}

// UploadTemplateRequest is the JSON form of a template upload.
type UploadTemplateRequest struct {
	ID      string `json:"id" example:"component/new" validate:"required,max=512"`
	Content string `json:"content" example:"---\nto: src/{{name}}.ts\n---\n" validate:"required"`
}

// WorkflowFailure is returned when a workflow ran and failed.
type WorkflowFailure struct {
	Error       string                 `json:"error" validate:"required"`
	FailedPhase string                 `json:"failed_phase" example:"generating" validate:"required"`
	Violations  []apperr.Violation     `json:"violations,omitempty"`
	Result      *models.WorkflowResult `json:"result" validate:"required"`
}

// WorkflowListResponse wraps paginated workflow listings.
type WorkflowListResponse struct {
	Workflows []models.WorkflowSummary `json:"workflows" validate:"required"`
	Total     int                      `json:"total" example:"42"`
}

// TemplateListResponse wraps the template catalog.
type TemplateListResponse struct {
	Templates []service.TemplateItem `json:"templates" validate:"required"`
	Total     int                    `json:"total" example:"12"`
	Warnings  []service.WarningItem  `json:"warnings"`
}

// GeneratorListResponse wraps generators.
type GeneratorListResponse struct {
	Generators []service.GeneratorItem `json:"generators" validate:"required"`
}

// AttestationListResponse wraps the attestations of one workflow.
type AttestationListResponse struct {
	Attestations []service.AttestationStatus `json:"attestations" validate:"required"`
}

// RescanResponse is returned after a catalog rebuild.
type RescanResponse struct {
	Templates int `json:"templates" example:"12"`
}

func failureBody(phase string, err error, res *models.WorkflowResult) WorkflowFailure {
	body := WorkflowFailure{Error: err.Error(), FailedPhase: phase, Result: res}
	var verr *apperr.VariableValidationError
	if errors.As(err, &verr) {
		body.Violations = verr.Violations
	}
	return body
}
