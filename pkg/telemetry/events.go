package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

// EventSubscriber handles one progress event.
type EventSubscriber func(event engine.ProgressEvent)

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.ProgressEvent) bool

// EventRecorder persists progress events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event engine.ProgressEvent) error
}

// EventPublisher fans progress events out to subscribers. It implements
// engine.ProgressSink; Emit never blocks on subscribers. Subscribers are
// called one event at a time, in emission order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.ProgressEvent
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup

	// sendMu guards closed and the buffer's close.
	sendMu  sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.ProgressSink = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg}

	if cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1024
		}
		ep.buffer = make(chan engine.ProgressEvent, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Emit publishes an event. When the buffer is full the event is dropped
// and counted.
func (ep *EventPublisher) Emit(event engine.ProgressEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()
	if ep.closed {
		ep.dropped.Add(1)
		return
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return
	}

	select {
	case ep.buffer <- event:
	default:
		ep.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded.
func (ep *EventPublisher) Dropped() int64 {
	return ep.dropped.Load()
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until the buffer is closed.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event engine.ProgressEvent) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.sendMu.Lock()
	if !ep.closed {
		ep.closed = true
		if ep.buffer != nil {
			close(ep.buffer)
		}
	}
	ep.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// PersistTo returns a subscriber that writes events through recorder.
// Failures are logged and otherwise ignored.
func PersistTo(recorder EventRecorder, logger zerolog.Logger) EventSubscriber {
	return func(event engine.ProgressEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.RecordEvent(ctx, event); err != nil {
			logger.Warn().Err(err).
				Str("subject", event.Subject).
				Str("phase", string(event.Phase)).
				Msg("Failed to persist progress event")
		}
	}
}

// LogTo returns a subscriber that logs events: failures at warn or error,
// terminal successes at info, everything else at debug.
func LogTo(logger zerolog.Logger) EventSubscriber {
	return func(event engine.ProgressEvent) {
		var e *zerolog.Event
		switch event.Outcome {
		case engine.OutcomeFailed:
			e = logger.Error()
		case engine.OutcomeRetrying, engine.OutcomeSkipped:
			e = logger.Warn()
		case engine.OutcomeSucceeded:
			if event.Phase == engine.PhaseReady || event.Phase == engine.PhaseCompleted {
				e = logger.Info()
			} else {
				e = logger.Debug()
			}
		default:
			e = logger.Debug()
		}

		e = e.Str("kind", string(event.Kind)).
			Str("subject", event.Subject).
			Str("phase", string(event.Phase)).
			Str("outcome", string(event.Outcome))
		if event.RunID != "" {
			e = e.Str("run_id", event.RunID)
		}
		if event.Attempt > 0 {
			e = e.Int("attempt", event.Attempt)
		}
		if event.Duration > 0 {
			e = e.Dur("duration", event.Duration)
		}
		if event.Code != "" {
			e = e.Str("code", event.Code)
		}
		if event.Error != "" {
			e = e.Str("error", event.Error)
		}
		e.Msg(event.Message)
	}
}

// FilterByRunID only accepts events for runID.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.ProgressEvent) bool {
		return event.RunID == runID
	}
}

// FilterByKind only accepts events about the given subject kinds.
func FilterByKind(kinds ...engine.SubjectKind) EventFilter {
	set := make(map[engine.SubjectKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(event engine.ProgressEvent) bool {
		return set[event.Kind]
	}
}

// FilterTerminal only accepts events that end a subject's work.
func FilterTerminal() EventFilter {
	return func(event engine.ProgressEvent) bool {
		return event.Outcome == engine.OutcomeFailed ||
			event.Outcome == engine.OutcomeSkipped ||
			event.Phase == engine.PhaseReady ||
			event.Phase == engine.PhaseCompleted
	}
}
