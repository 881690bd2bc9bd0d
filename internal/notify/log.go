package notify

import "context"

// LogNotifier writes every notification as a structured log line. It is
// always enabled and serves as a guaranteed notification record.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs notifications.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the notification fields as structured key-value pairs.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	l.log.Info("alert notification",
		"alert_id", n.AlertID,
		"rule_id", n.RuleID,
		"severity", n.Severity,
		"title", n.Title,
		"message", n.Message,
		"host", n.HostName,
		"container", n.ContainerName,
	)
	return nil
}
