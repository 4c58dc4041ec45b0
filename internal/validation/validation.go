// Package validation verifies committed artifacts against the filesystem.
package validation

import (
	"fmt"
	"log/slog"

	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/models"
)

// Check names.
const (
	CheckFileExistence    = "file-existence"
	CheckContentIntegrity = "content-integrity"
)

// Reader is the read side of the output store.
type Reader interface {
	Exists(path string) (bool, error)
	Read(path string) ([]byte, error)
}

// Engine validates artifacts. It never writes to the store.
type Engine struct {
	store  Reader
	logger *slog.Logger
}

// New creates a validation engine reading from store.
func New(store Reader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Validate returns one report per artifact, in artifact order.
func (e *Engine) Validate(artifacts []models.Artifact) []models.ValidationReport {
	reports := make([]models.ValidationReport, 0, len(artifacts))
	for _, a := range artifacts {
		r := e.validate(a)
		if !r.Passed {
			e.logger.Warn("validation: artifact failed",
				slog.String("artifact_id", a.ID),
				slog.String("path", a.Path))
		}
		reports = append(reports, r)
	}
	return reports
}

func (e *Engine) validate(a models.Artifact) models.ValidationReport {
	r := models.ValidationReport{ArtifactID: a.ID, Path: a.Path}

	exists, err := e.store.Exists(a.Path)
	switch {
	case err != nil:
		r.Checks = append(r.Checks, models.Check{Name: CheckFileExistence, Message: err.Error()})
		return r
	case !exists:
		r.Checks = append(r.Checks, models.Check{Name: CheckFileExistence, Message: "file not found"})
		return r
	}
	r.Checks = append(r.Checks, models.Check{Name: CheckFileExistence, Passed: true})

	data, err := e.store.Read(a.Path)
	if err != nil {
		r.Checks = append(r.Checks, models.Check{Name: CheckContentIntegrity, Message: err.Error()})
		return r
	}
	if got := checksum.Sum(data); got != a.Checksum {
		r.Checks = append(r.Checks, models.Check{
			Name:    CheckContentIntegrity,
			Message: fmt.Sprintf("checksum mismatch: expected %s, got %s", a.Checksum, got),
		})
		return r
	}
	r.Checks = append(r.Checks, models.Check{Name: CheckContentIntegrity, Passed: true})
	r.Passed = true
	return r
}
