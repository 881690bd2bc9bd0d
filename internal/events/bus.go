// Package events provides a fan-out pub/sub bus for control-plane events:
// update lifecycle, host status edges, container lifecycle, and progress
// broadcasts to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/metrics"
)

// Type identifies the kind of event.
type Type string

const (
	UpdateStarted           Type = "update_started"
	UpdateCompleted         Type = "update_completed"
	UpdateFailed            Type = "update_failed"
	UpdateSkippedValidation Type = "update_skipped_validation"
	RollbackCompleted       Type = "rollback_completed"
	UpdateProgress          Type = "update_progress"

	HostConnected    Type = "host_connected"
	HostDisconnected Type = "host_disconnected"

	ContainerStarted   Type = "container_started"
	ContainerStopped   Type = "container_stopped"
	ContainerHealth    Type = "container_health"
	ContainerDiscovered Type = "container_discovered"

	AgentConnected    Type = "agent_connected"
	AgentDisconnected Type = "agent_disconnected"

	AlertOpened   Type = "alert_opened"
	AlertResolved Type = "alert_resolved"

	UpstreamUpdateAvailable Type = "upstream_update_available"

	DeploymentProgress Type = "deployment_progress"
)

// Severity classifies an event for drop accounting.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Event is a single event published through the bus.
type Event struct {
	Type          Type      `json:"type"`
	Severity      Severity  `json:"severity,omitempty"`
	HostID        string    `json:"host_id,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"` // 12-char short id
	ContainerName string    `json:"container_name,omitempty"`
	Message       string    `json:"message,omitempty"`
	Stage         string    `json:"stage,omitempty"`   // progress events only
	Percent       int       `json:"percent,omitempty"` // progress events only, 0..100
	Timestamp     time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 256

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers; drops are counted and
// error-class drops are logged by the owner via DropCounts.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64

	dropMu     sync.Mutex
	dropsError uint64
	dropsOther uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish sends an event to all current subscribers. If a subscriber's
// buffer is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.recordDrop(evt)
		}
	}
}

func (b *Bus) recordDrop(evt Event) {
	b.dropMu.Lock()
	if evt.Severity == SeverityError {
		b.dropsError++
		metrics.EventsDropped.WithLabelValues("error").Inc()
	} else {
		b.dropsOther++
		metrics.EventsDropped.WithLabelValues("other").Inc()
	}
	b.dropMu.Unlock()
}

// DropCounts returns the number of dropped error-class and other events
// since the bus was created.
func (b *Bus) DropCounts() (errors, other uint64) {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropsError, b.dropsOther
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
