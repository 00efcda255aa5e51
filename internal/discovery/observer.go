// internal/discovery/observer.go
package discovery

import (
	"time"

	"go.uber.org/zap"
)

// EventKind names a diagnostic point in the candidate loop
type EventKind string

const (
	EventCandidateTried    EventKind = "candidate_tried"
	EventCandidateBusy     EventKind = "candidate_busy"
	EventCandidateRejected EventKind = "candidate_rejected"
	EventCandidateMatched  EventKind = "candidate_matched"
	EventDiscoveryFailed   EventKind = "discovery_failed"
)

// Phase is the discovery sub-phase a candidate was attempted in
type Phase string

const (
	PhaseTargeted   Phase = "targeted"
	PhaseExhaustive Phase = "exhaustive"
)

// Event is one diagnostic report from the engine
type Event struct {
	Kind     EventKind
	Phase    Phase
	Model    string
	Target   string
	Address  string
	Metadata string
	Speed    int
	Outcome  Outcome
	DeviceID string
	Reason   string
	Err      error
	Time     time.Time
}

// Observer receives engine diagnostics. Implementations must not block.
type Observer interface {
	OnDiscoveryEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnDiscoveryEvent(e Event) { f(e) }

// NopObserver discards every event
type NopObserver struct{}

func (NopObserver) OnDiscoveryEvent(Event) {}

// Observers fans an event out to each member in order
type Observers []Observer

func (obs Observers) OnDiscoveryEvent(e Event) {
	for _, o := range obs {
		if o != nil {
			o.OnDiscoveryEvent(e)
		}
	}
}

type logObserver struct {
	logger *zap.Logger
}

// LogObserver reports events through logger. Busy skips and rejections are
// debug level; only exhaustion is a warning.
func LogObserver(logger *zap.Logger) Observer {
	return &logObserver{logger: logger.With(zap.String("component", "discovery"))}
}

func (l *logObserver) OnDiscoveryEvent(e Event) {
	fields := []zap.Field{
		zap.String("model", e.Model),
		zap.String("phase", string(e.Phase)),
	}
	if e.Address != "" {
		fields = append(fields, zap.String("address", e.Address))
	}
	if e.Speed > 0 {
		fields = append(fields, zap.Int("speed", e.Speed))
	}
	if e.Target != "" {
		fields = append(fields, zap.String("target_serial", e.Target))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}

	switch e.Kind {
	case EventCandidateTried:
		l.logger.Debug("Probing candidate", fields...)
	case EventCandidateBusy:
		l.logger.Debug("Candidate busy, skipping", fields...)
	case EventCandidateRejected:
		l.logger.Debug("Candidate rejected", append(fields, zap.Stringer("outcome", e.Outcome))...)
	case EventCandidateMatched:
		l.logger.Info("Instrument verified", append(fields, zap.String("device_id", e.DeviceID))...)
	case EventDiscoveryFailed:
		l.logger.Warn("Discovery exhausted all candidates", fields...)
	}
}
