package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/monitor"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	defaultEvalInterval  = 10 * time.Second
	pendingSweepInterval = 5 * time.Second
	snoozeSweepInterval  = 60 * time.Second
)

// containerView resolves composite keys against the live discovery
// snapshot. Satisfied by *monitor.Monitor.
type containerView interface {
	Snapshot() map[string]monitor.Observed
	Lookup(key string) (monitor.Observed, bool)
}

// Service runs the evaluation loops: metric tick, pending-notification
// sweep with re-verification, snooze expiry, and the event feed from the
// bus. All loops share one cancellation context.
type Service struct {
	engine *Engine
	store  *store.Store
	view   containerView
	bus    *events.Bus
	clock  clock.Clock
	log    *logging.Logger

	evalInterval time.Duration
}

// NewService wires the evaluation service around an engine.
func NewService(engine *Engine, st *store.Store, view containerView, bus *events.Bus, clk clock.Clock, log *logging.Logger, evalInterval time.Duration) *Service {
	if evalInterval <= 0 {
		evalInterval = defaultEvalInterval
	}
	return &Service{
		engine:       engine,
		store:        st,
		view:         view,
		bus:          bus,
		clock:        clk,
		log:          log.Component("alert-service"),
		evalInterval: evalInterval,
	}
}

// Run starts the loops and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.loop(ctx, s.evalInterval, s.MetricTick)
	go s.loop(ctx, pendingSweepInterval, s.PendingSweep)
	go s.loop(ctx, snoozeSweepInterval, s.SnoozeSweep)
	s.eventLoop(ctx)
}

func (s *Service) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// MetricTick evaluates every metric rule against the current stats
// snapshot. A panic anywhere in the tick becomes a system alert instead
// of killing the loop.
func (s *Service) MetricTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("metric tick panic", "panic", p)
			s.engine.SystemError(ctx, fmt.Errorf("metric tick panic: %v", p))
		}
	}()

	if err := s.engine.ReloadRules(); err != nil {
		s.log.Error("reload rules", "error", err)
		s.engine.SystemError(ctx, fmt.Errorf("reload rules: %w", err))
		return
	}

	for key, obs := range s.view.Snapshot() {
		if obs.Stats == nil {
			continue
		}
		ec := s.contextFor(key, obs)
		s.engine.EvaluateMetric(ctx, "cpu_percent", obs.Stats.CPUPercent, ec)
		s.engine.EvaluateMetric(ctx, "memory_percent", obs.Stats.MemoryPercent, ec)
	}
}

// contextFor builds the evaluation context for one observed container,
// including its tag assignments for selector matching.
func (s *Service) contextFor(key string, obs monitor.Observed) EvalContext {
	ec := EvalContext{
		Scope:         store.ScopeContainer,
		HostID:        obs.HostID,
		HostName:      obs.HostName,
		ContainerKey:  key,
		ContainerName: obs.Name,
		Labels:        obs.Labels,
	}
	ec.Tags = s.tagsFor(key)
	return ec
}

// tagsFor returns the tag ids and names assigned to a container, both
// accepted by rule tag selectors.
func (s *Service) tagsFor(key string) []string {
	assignments, err := s.store.ListAssignmentsForSubject("container", key)
	if err != nil {
		return nil
	}
	var tags []string
	for _, a := range assignments {
		tags = append(tags, a.TagID)
		if tag, err := s.store.GetTag(a.TagID); err == nil && tag != nil {
			tags = append(tags, tag.Name)
		}
	}
	return tags
}

// PendingSweep delivers deferred notifications whose grace period has
// lapsed, re-verifying each condition first. Verification errors fail
// open: the notification is dispatched.
func (s *Service) PendingSweep(ctx context.Context) {
	pending, err := s.store.ListPendingNotifications()
	if err != nil {
		s.log.Error("list pending notifications", "error", err)
		return
	}
	now := s.clock.Now()

	for _, a := range pending {
		rule, err := s.store.GetRule(a.RuleID)
		if err != nil {
			s.log.Error("load rule", "rule_id", a.RuleID, "error", err)
			s.engine.dispatch(ctx, a)
			continue
		}

		grace := time.Duration(0)
		if rule != nil {
			grace = time.Duration(rule.ClearDuration) * time.Second
		}
		if now.Sub(a.LastSeen) < grace {
			continue
		}

		holds, err := s.verify(a, rule)
		if err != nil {
			s.log.Warn("re-verification failed open", "alert_id", a.ID, "error", err)
			s.engine.dispatch(ctx, a)
			continue
		}
		if !holds {
			s.engine.resolve(&a, graceClearedReason, now)
			continue
		}
		s.engine.dispatch(ctx, a)
	}
}

// verify re-checks an alert's condition against live state before its
// deferred notification goes out.
func (s *Service) verify(a store.Alert, rule *store.AlertRule) (bool, error) {
	switch kind := kindOf(a.DedupKey); kind {
	case "container_stopped":
		obs, ok := s.view.Lookup(a.ScopeID)
		return ok && obs.State != "running" && obs.State != "restarting", nil

	case "unhealthy":
		obs, ok := s.view.Lookup(a.ScopeID)
		return ok && strings.Contains(obs.Status, "unhealthy"), nil

	case "cpu_high", "memory_high":
		if rule == nil {
			return false, fmt.Errorf("rule %s not found", a.RuleID)
		}
		obs, ok := s.view.Lookup(a.ScopeID)
		if !ok || obs.Stats == nil {
			return false, nil
		}
		value := obs.Stats.CPUPercent
		if kind == "memory_high" {
			value = obs.Stats.MemoryPercent
		}
		return compare(value, rule.Operator, rule.Threshold), nil

	case "host_disconnected":
		h, err := s.store.GetHost(a.ScopeID)
		if err != nil {
			return false, err
		}
		return h == nil || h.Status != store.HostOnline, nil
	}

	// Unknown kinds cannot be re-verified; deliver rather than swallow.
	return true, nil
}

// SnoozeSweep reopens alerts whose snooze has lapsed.
func (s *Service) SnoozeSweep(context.Context) {
	woken, err := s.store.WakeExpiredSnoozes(s.clock.Now())
	if err != nil {
		s.log.Error("wake snoozed alerts", "error", err)
		return
	}
	for _, a := range woken {
		metrics.AlertTransitions.WithLabelValues("reopened").Inc()
		s.log.Info("snooze expired", "alert_id", a.ID, "title", a.Title)
	}
}

// eventLoop feeds lifecycle events from the bus into the engine.
func (s *Service) eventLoop(ctx context.Context) {
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(ctx, evt)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, evt events.Event) {
	var eventType string
	switch evt.Type {
	case events.ContainerStopped:
		eventType = "container_stopped"
	case events.ContainerStarted:
		eventType = "container_started"
	case events.ContainerHealth:
		eventType = "container_healthy"
		if strings.Contains(evt.Message, "unhealthy") {
			eventType = "unhealthy"
		}
	case events.HostDisconnected:
		eventType = "host_disconnected"
	case events.HostConnected:
		eventType = "host_connected"
	default:
		return
	}

	ec := EvalContext{Scope: store.ScopeHost, HostID: evt.HostID}
	if h, err := s.store.GetHost(evt.HostID); err == nil && h != nil {
		ec.HostName = h.Name
	}
	if evt.ContainerID != "" {
		key := store.CompositeKey(evt.HostID, evt.ContainerID)
		ec.Scope = store.ScopeContainer
		ec.ContainerKey = key
		ec.ContainerName = evt.ContainerName
		ec.Tags = s.tagsFor(key)
		if obs, ok := s.view.Lookup(key); ok {
			ec.Labels = obs.Labels
		}
	}
	s.engine.EvaluateEvent(ctx, eventType, ec, evt.Message)
}
