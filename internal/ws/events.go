package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pgip-dev/pgip/internal/domain"
)

// Event is the wire form of one run lifecycle notification.
type Event struct {
	RunID     string          `json:"run_id"`
	Plugin    string          `json:"plugin"`
	Version   string          `json:"version"`
	State     domain.RunState `json:"state"`
	Stage     string          `json:"stage"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunEvents bridges run lifecycle transitions onto the hub.
type RunEvents struct {
	hub    *Hub
	logger *slog.Logger
}

// NewRunEvents constructs the bridge.
func NewRunEvents(hub *Hub, logger *slog.Logger) *RunEvents {
	return &RunEvents{hub: hub, logger: logger}
}

// RunEvent publishes a transition to the run's subscribers and to the
// firehose topic.
func (e *RunEvents) RunEvent(run domain.ExecutionRun, stage string) {
	payload, err := json.Marshal(Event{
		RunID:     run.RunID,
		Plugin:    run.PluginName,
		Version:   run.PluginVersion,
		State:     run.State,
		Stage:     stage,
		Reason:    run.Reason,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Error("run event marshal failed", "run_id", run.RunID, "error", err)
		return
	}
	e.hub.Broadcast(run.RunID, payload)
	e.hub.Broadcast(TopicAll, payload)
}
