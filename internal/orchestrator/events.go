package orchestrator

import (
	"log/slog"
	"time"

	"github.com/starford/kiln/internal/models"
)

// Phase is a state of the per-run state machine.
type Phase string

const (
	PhaseCreated            Phase = "created"
	PhaseDiscovering        Phase = "discovering"
	PhaseResolvingVariables Phase = "resolving_variables"
	PhasePlanning           Phase = "planning"
	PhaseGenerating         Phase = "generating"
	PhaseValidating         Phase = "validating"
	PhaseAttesting          Phase = "attesting"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

// Event types.
const (
	EventStarted   = "workflow.started"
	EventPhase     = "workflow.phase"
	EventCompleted = "workflow.completed"
	EventFailed    = "workflow.failed"
)

// Event is a lifecycle notification.
type Event struct {
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflow_id"`
	Phase      Phase           `json:"phase"`
	Error      string          `json:"error,omitempty"`
	Metrics    *models.Metrics `json:"metrics,omitempty"`
	Time       time.Time       `json:"time"`
}

// Observer receives lifecycle events. Observers must not block; they are
// called synchronously from the workflow goroutine.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify calls f(e).
func (f ObserverFunc) Notify(e Event) { f(e) }

func (o *Orchestrator) emit(e Event) {
	e.Time = o.now().UTC()
	for _, obs := range o.observers {
		o.notify(obs, e)
	}
}

// notify isolates workflows from panicking observers.
func (o *Orchestrator) notify(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: observer panicked",
				slog.String("event", e.Type),
				slog.Any("panic", r))
		}
	}()
	obs.Notify(e)
}
