// Package notify dispatches alert notifications. Transports beyond dispatch
// (SMTP, webhooks, chat services) live outside the control plane; this
// package defines the dispatch contract and a guaranteed log-backed sink.
package notify

import (
	"context"
	"sync"
	"time"
)

// Notification is a single message handed to the dispatcher.
type Notification struct {
	AlertID       string    `json:"alert_id"`
	RuleID        string    `json:"rule_id"`
	Severity      string    `json:"severity"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	HostName      string    `json:"host_name,omitempty"`
	ContainerName string    `json:"container_name,omitempty"`
	ChannelIDs    []string  `json:"channel_ids,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier sends notifications to an external system.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out notifications to multiple notifiers.
// It never returns errors: failures are logged but must not block the
// alert engine.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Add registers an additional notifier at runtime.
func (m *Multi) Add(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Dispatch sends a notification to all registered notifiers.
func (m *Multi) Dispatch(ctx context.Context, n Notification) {
	m.mu.RLock()
	targets := make([]Notifier, len(m.notifiers))
	copy(targets, m.notifiers)
	m.mu.RUnlock()

	for _, t := range targets {
		if err := t.Send(ctx, n); err != nil {
			m.log.Error("notification send failed",
				"provider", t.Name(), "alert_id", n.AlertID, "error", err)
		}
	}
}
