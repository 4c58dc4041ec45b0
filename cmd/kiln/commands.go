package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/starford/kiln/internal"
	"github.com/starford/kiln/internal/models"
)

var (
	errWorkflowFailed   = errors.New("workflow failed")
	errVerifyFailed     = errors.New("attestation verification failed")
	errWorkflowRequired = errors.New("workflow id argument is required")
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseVars turns repeated key=value flags into a variable map. A later
// key overrides an earlier one.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func newGenerateCommand() *cli.Command {
	return &cli.Command{
		Name:    "generate",
		Aliases: []string{"g"},
		Usage:   "Run one workflow and print its result",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "template", Aliases: []string{"t"}, Usage: "Template id, repeatable; order is kept"},
			&cli.StringFlag{Name: "generator", Usage: "Select every template of a generator"},
			&cli.StringSliceFlag{Name: "var", Usage: "Variable as key=value, repeatable"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output root, overrides the config"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Render and validate without writing files"},
			&cli.StringFlag{Name: "user", Usage: "User recorded in provenance", Sources: cli.EnvVars("USER")},
			&cli.StringFlag{Name: "id", Usage: "Workflow id, generated when empty"},
			&cli.StringFlag{Name: "name", Usage: "Workflow name, feeds the name heuristic"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts, err := options(cmd)
			if err != nil {
				return err
			}

			vars, err := parseVars(cmd.StringSlice("var"))
			if err != nil {
				return err
			}

			spec := models.WorkflowSpec{
				ID:         cmd.String("id"),
				Name:       cmd.String("name"),
				User:       cmd.String("user"),
				Templates:  cmd.StringSlice("template"),
				Generator:  cmd.String("generator"),
				Variables:  vars,
				OutputPath: cmd.String("output"),
				DryRun:     cmd.Bool("dry-run"),
			}

			result, runErr := internal.Generate(ctx, spec, opts...)
			if result == nil {
				return runErr
			}
			if err := writeJSON(os.Stdout, result); err != nil {
				return err
			}
			if result.Status == models.StatusFailed {
				return fmt.Errorf("%w: %s", errWorkflowFailed, result.Error)
			}
			return runErr
		},
	}
}

func newTemplatesCommand() *cli.Command {
	return &cli.Command{
		Name:  "templates",
		Usage: "List the template catalog",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts, err := options(cmd)
			if err != nil {
				return err
			}

			items, warnings, err := internal.Catalog(ctx, opts...)
			if err != nil {
				return err
			}

			return writeJSON(os.Stdout, map[string]any{
				"templates": items,
				"total":     len(items),
				"warnings":  warnings,
			})
		},
	}
}

func newVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Re-verify the attestations of a workflow",
		ArgsUsage: "<workflow-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workflowID := cmd.Args().First()
			if workflowID == "" {
				return errWorkflowRequired
			}

			opts, err := options(cmd)
			if err != nil {
				return err
			}

			statuses, err := internal.VerifyWorkflow(ctx, workflowID, opts...)
			if err != nil {
				return err
			}
			if err := writeJSON(os.Stdout, statuses); err != nil {
				return err
			}

			for _, s := range statuses {
				if !s.Verified {
					return fmt.Errorf("%w: %s", errVerifyFailed, s.ID)
				}
			}
			return nil
		},
	}
}

func newAnchorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "anchors",
		Usage: "List attestation hashes queued for anchoring",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "Maximum rows to list", Value: 100},
			&cli.StringFlag{Name: "mark", Usage: "Mark a queued entry as anchored"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts, err := options(cmd)
			if err != nil {
				return err
			}

			if id := cmd.String("mark"); id != "" {
				return internal.MarkAnchored(ctx, id, opts...)
			}

			pending, err := internal.PendingAnchors(ctx, int(cmd.Int("limit")), opts...)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, pending)
		},
	}
}

func newMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools over stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts, err := options(cmd)
			if err != nil {
				return err
			}
			return internal.ServeMCP(ctx, opts...)
		},
	}
}
