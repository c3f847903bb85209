// Package bootstrap drives every node in the roster through the staged
// progression that turns a WireGuard mesh of bare hosts into a kubeadm
// cluster. Nodes advance in parallel; a single barrier holds worker joins
// until the control plane is up, attached and verified.
package bootstrap

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshadm/meshadm/internal/state"
)

// EventType classifies bootstrap events.
type EventType string

const (
	// EventRunStarted marks the beginning of a bootstrap run.
	EventRunStarted EventType = "run.started"
	// EventRunCompleted marks the end of a run, successful or not.
	EventRunCompleted EventType = "run.completed"

	// EventStageStarted marks a node entering a stage.
	EventStageStarted EventType = "stage.started"
	// EventStageCompleted marks a node completing a stage.
	EventStageCompleted EventType = "stage.completed"
	// EventStageSkipped marks a stage skipped because state already
	// records it as done.
	EventStageSkipped EventType = "stage.skipped"
	// EventStageFailed marks a stage failure for one node.
	EventStageFailed EventType = "stage.failed"

	// EventBarrierReleased marks the control plane becoming available
	// for worker joins.
	EventBarrierReleased EventType = "barrier.released"
)

// Event is a structured bootstrap event.
type Event struct {
	Type      EventType
	Node      string
	Stage     state.Stage
	Message   string
	Timestamp time.Time
}

// Observer receives bootstrap events. Implementations must be safe for
// concurrent use; node goroutines emit in parallel.
type Observer interface {
	Event(event Event)
}

// LogrusObserver emits events through a logrus logger.
type LogrusObserver struct {
	log *logrus.Logger
}

// NewLogrusObserver wraps a logger as an Observer.
func NewLogrusObserver(log *logrus.Logger) *LogrusObserver {
	return &LogrusObserver{log: log}
}

// Event implements Observer.
func (o *LogrusObserver) Event(event Event) {
	fields := logrus.Fields{}
	if event.Node != "" {
		fields["node"] = event.Node
	}
	if event.Stage != "" {
		fields["stage"] = string(event.Stage)
	}

	entry := o.log.WithFields(fields)
	switch event.Type {
	case EventStageFailed:
		entry.Error(event.Message)
	case EventStageSkipped:
		entry.Debug(event.Message)
	default:
		entry.Info(event.Message)
	}
}

// NopObserver discards all events.
type NopObserver struct{}

// Event implements Observer.
func (NopObserver) Event(Event) {}
