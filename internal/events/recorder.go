package events

import (
	"context"

	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/google/uuid"
)

// appender persists operator-visible events. Satisfied by *store.Store.
type appender interface {
	AppendEvent(e store.EventLogEntry) error
}

// Recorder persists every durable bus event into the event log. Progress
// broadcasts are ephemeral and skipped; retention is enforced by the
// maintenance purge.
type Recorder struct {
	store  appender
	log    *logging.Logger
	sub    <-chan Event
	cancel func()
}

// NewRecorder subscribes to bus immediately so no event published after
// construction is lost. Call Run to start draining.
func NewRecorder(st appender, bus *Bus, log *logging.Logger) *Recorder {
	sub, cancel := bus.Subscribe()
	return &Recorder{
		store:  st,
		log:    log.Component("event-log"),
		sub:    sub,
		cancel: cancel,
	}
}

// durable reports whether an event type belongs in the persisted log.
func durable(t Type) bool {
	switch t {
	case UpdateProgress, DeploymentProgress:
		return false
	}
	return true
}

// Run consumes the bus until ctx is cancelled. Append failures are logged
// and skipped; the log is an audit trail, not a delivery guarantee.
func (r *Recorder) Run(ctx context.Context) {
	defer r.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.sub:
			if !ok {
				return
			}
			if !durable(evt.Type) {
				continue
			}
			entry := store.EventLogEntry{
				ID:            uuid.NewString(),
				Type:          string(evt.Type),
				Severity:      string(evt.Severity),
				HostID:        evt.HostID,
				ContainerName: evt.ContainerName,
				Message:       evt.Message,
				Timestamp:     evt.Timestamp,
			}
			if err := r.store.AppendEvent(entry); err != nil {
				r.log.Warn("event log append failed", "type", evt.Type, "error", err)
			}
		}
	}
}
