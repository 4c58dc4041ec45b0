// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Kiln workflows and templates for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/service"
)

// ContractURI is the resource URI of the template format contract.
const ContractURI = "kiln://template-format"

// Server wraps the MCP server with Kiln tools.
type Server struct {
	mcp *server.MCPServer
	svc *service.Service
}

// New creates a new MCP server with all Kiln tools registered.
func New(svc *service.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Kiln",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_templates",
		mcp.WithDescription("List the template catalog, optionally restricted to one generator."),
		mcp.WithString("generator", mcp.Description("Optional generator name (first directory under the template root)")),
	), s.listTemplates)

	s.mcp.AddTool(mcp.NewTool("get_template",
		mcp.WithDescription("Read one template: frontmatter, declared variables and body."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Template id, e.g. component/new")),
	), s.getTemplate)

	s.mcp.AddTool(mcp.NewTool("list_generators",
		mcp.WithDescription("List generators and the template ids under each."),
	), s.listGenerators)

	s.mcp.AddTool(mcp.NewTool("run_workflow",
		mcp.WithDescription("Run a generation workflow. All files are written atomically: "+
			"if any operation fails every change is rolled back. Use dry_run to preview the plan. "+
			"Read the template contract first via get_template_contract or the "+ContractURI+" resource."),
		mcp.WithString("id", mcp.Description("Optional workflow id (generated when empty)")),
		mcp.WithString("name", mcp.Description("Optional workflow name")),
		mcp.WithString("user", mcp.Description("User recorded in provenance")),
		mcp.WithArray("templates", mcp.WithStringItems(), mcp.Description("Template ids in execution order")),
		mcp.WithString("generator", mcp.Description("Run every template of this generator")),
		mcp.WithObject("variables", mcp.Description("Variable values by name")),
		mcp.WithString("output_path", mcp.Description("Output root directory")),
		mcp.WithBoolean("dry_run", mcp.Description("Plan only; write nothing")),
	), s.runWorkflow)

	s.mcp.AddTool(mcp.NewTool("get_workflow",
		mcp.WithDescription("Get the full record of a workflow run."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow id")),
	), s.getWorkflow)

	s.mcp.AddTool(mcp.NewTool("list_workflows",
		mcp.WithDescription("List workflow runs, most recent first."),
		mcp.WithNumber("limit", mcp.Description("Page size (default 20)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
	), s.listWorkflows)

	s.mcp.AddTool(mcp.NewTool("verify_attestations",
		mcp.WithDescription("List the attestations of a workflow and re-verify their hashes and signatures."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
	), s.verifyAttestations)

	s.mcp.AddTool(mcp.NewTool("import_template",
		mcp.WithDescription("Add or replace a template from an http(s) URL or a data: URI. "+
			"The content must follow the template format contract."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source URL or data URI")),
		mcp.WithString("id", mcp.Description("Template id; derived from the URL path when empty")),
	), s.importTemplate)

	s.mcp.AddTool(mcp.NewTool("get_template_contract",
		mcp.WithDescription("Returns the Kiln template format contract. "+
			"Call this before writing or importing templates."),
	), s.getTemplateContract)

	// Resource: template format contract.
	s.mcp.AddResource(
		mcp.NewResource(ContractURI, "Template Format Contract",
			mcp.WithResourceDescription("Frontmatter keys, injection modes and helpers available to templates."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.ListTemplates(ctx, req.GetString("generator", "")))
}

func (s *Server) getTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t, err := s.svc.GetTemplate(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(t)
}

func (s *Server) listGenerators(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Generators(ctx))
}

type runArgs struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	User       string         `json:"user"`
	Templates  []string       `json:"templates"`
	Generator  string         `json:"generator"`
	Variables  map[string]any `json:"variables"`
	OutputPath string         `json:"output_path"`
	DryRun     bool           `json:"dry_run"`
}

// workflowFailure is the tool payload of a run that started and failed.
type workflowFailure struct {
	Error       string                 `json:"error"`
	FailedPhase string                 `json:"failed_phase"`
	Violations  []apperr.Violation     `json:"violations,omitempty"`
	Result      *models.WorkflowResult `json:"result"`
}

func (s *Server) runWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}

	res, err := s.svc.RunWorkflow(ctx, models.WorkflowSpec{
		ID:         args.ID,
		Name:       args.Name,
		User:       args.User,
		Templates:  args.Templates,
		Generator:  args.Generator,
		Variables:  args.Variables,
		OutputPath: args.OutputPath,
		DryRun:     args.DryRun,
	})
	if err == nil {
		return jsonResult(res)
	}
	if res == nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	body := workflowFailure{Error: err.Error(), FailedPhase: res.FailedPhase, Result: res}
	var verr *apperr.VariableValidationError
	if errors.As(err, &verr) {
		body.Violations = verr.Violations
	}
	out, _ := json.MarshalIndent(body, "", "  ")
	return mcp.NewToolResultError(string(out)), nil
}

func (s *Server) getWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.GetWorkflow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

func (s *Server) listWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(req.GetFloat("limit", 20))
	offset := int(req.GetFloat("offset", 0))
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := s.svc.ListWorkflows(ctx, limit, offset)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"workflows": items, "total": total})
}

func (s *Server) verifyAttestations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	atts, err := s.svc.Attestations(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(atts)
}

func (s *Server) getTemplateContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(TemplateFormatContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ContractURI,
			MIMEType: "text/markdown",
			Text:     TemplateFormatContract,
		},
	}, nil
}
