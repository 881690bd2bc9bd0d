// Package alerts implements rule evaluation: deduplicated alert creation,
// threshold debounce, deferred notifications with grace-period
// re-verification, and auto-resolution on opposite state.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/notify"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/google/uuid"
)

// SystemRuleID owns alerts about the alert service itself.
const SystemRuleID = "system"

// systemScopeID identifies the evaluation service as an alert scope.
const systemScopeID = "alert_service"

// graceClearedReason is the resolution reason when a condition clears
// before its deferred notification fires.
const graceClearedReason = "Condition cleared during grace period"

// opposites maps a recovery event to the alert kind it clears.
var opposites = map[string]string{
	"container_started": "container_stopped",
	"container_healthy": "unhealthy",
	"host_connected":    "host_disconnected",
}

// EvalContext is the scope a rule is evaluated against.
type EvalContext struct {
	Scope         string // store.ScopeHost, ScopeContainer
	HostID        string
	HostName      string
	ContainerKey  string // composite key
	ContainerName string
	Labels        map[string]string
	Tags          []string // tag ids and names assigned to the subject
}

// scopeID returns the identifier alerts for this context dedup on.
func (c EvalContext) scopeID() string {
	if c.Scope == store.ScopeContainer {
		return c.ContainerKey
	}
	return c.HostID
}

// dispatcher hands notifications to the transports. Satisfied by
// *notify.Multi.
type dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification)
}

// metricState is the per-(rule, scope) debounce state. Owned by the
// engine mutex.
type metricState struct {
	breaches      int
	clearingSince *time.Time
}

// Engine evaluates rules against metrics and events. All alert writes go
// through the store's transactional get-or-create, so state transitions
// are linearizable per dedup key.
type Engine struct {
	store  *store.Store
	bus    *events.Bus
	notify dispatcher
	clock  clock.Clock
	log    *logging.Logger

	// cooldown suppresses repeat notifications per dedup key; zero
	// disables it. Rules may override with their own window.
	cooldown time.Duration

	mu           sync.Mutex
	rules        []store.AlertRule
	states       map[string]*metricState
	lastNotified map[string]time.Time
}

// NewEngine creates the alert engine. Call ReloadRules before the first
// evaluation.
func NewEngine(st *store.Store, bus *events.Bus, notify dispatcher, clk clock.Clock, log *logging.Logger, cooldown time.Duration) *Engine {
	return &Engine{
		store:        st,
		bus:          bus,
		notify:       notify,
		clock:        clk,
		log:          log.Component("alerts"),
		cooldown:     cooldown,
		states:       make(map[string]*metricState),
		lastNotified: make(map[string]time.Time),
	}
}

// ReloadRules refreshes the in-memory rule cache from the store.
func (e *Engine) ReloadRules() error {
	rules, err := e.store.ListRules()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

func (e *Engine) cachedRules() []store.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules
}

// matches reports whether a rule's scope and selectors accept the context.
func matches(r store.AlertRule, ec EvalContext) bool {
	if !r.Enabled || r.Scope != ec.Scope {
		return false
	}
	if len(r.HostIDs) > 0 && !contains(r.HostIDs, ec.HostID) {
		return false
	}
	if len(r.ContainerNames) > 0 && !contains(r.ContainerNames, ec.ContainerName) {
		return false
	}
	for k, v := range r.Labels {
		if ec.Labels[k] != v {
			return false
		}
	}
	if len(r.Tags) > 0 {
		hit := false
		for _, t := range r.Tags {
			if contains(ec.Tags, t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// compare evaluates value OP threshold.
func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	}
	return false
}

var severityRank = map[string]int{"info": 0, "warning": 1, "critical": 2}

// EvaluateMetric runs every matching metric rule against one observation.
func (e *Engine) EvaluateMetric(ctx context.Context, metric string, value float64, ec EvalContext) {
	now := e.clock.Now()
	for _, rule := range e.cachedRules() {
		if rule.Metric != metric || !matches(rule, ec) {
			continue
		}
		e.evaluateThreshold(ctx, rule, value, ec, now)
	}
}

func (e *Engine) evaluateThreshold(ctx context.Context, rule store.AlertRule, value float64, ec EvalContext, now time.Time) {
	scopeID := ec.scopeID()
	stateKey := rule.ID + "|" + scopeID

	e.mu.Lock()
	st, ok := e.states[stateKey]
	if !ok {
		st = &metricState{}
		e.states[stateKey] = st
	}

	if compare(value, rule.Operator, rule.Threshold) {
		st.clearingSince = nil
		st.breaches++
		need := rule.Occurrences
		if need < 1 {
			need = 1
		}
		fires := st.breaches >= need
		e.mu.Unlock()
		if fires {
			e.fire(ctx, rule, rule.Kind, ec, value, now)
		}
		return
	}

	st.breaches = 0

	// Below clear_threshold (or any non-breach when unset) starts the
	// clear countdown for an open alert.
	if rule.ClearThreshold != 0 && compare(value, rule.Operator, rule.ClearThreshold) {
		st.clearingSince = nil
		e.mu.Unlock()
		return
	}
	clearingSince := st.clearingSince
	e.mu.Unlock()

	open, err := e.store.GetOpenAlertByDedup(store.DedupKey(rule.ID, rule.Kind, scopeID))
	if err != nil || open == nil {
		e.clearCountdown(stateKey, nil)
		return
	}

	delay := time.Duration(rule.AlertClearDelay) * time.Second
	switch {
	case delay == 0:
		e.resolve(open, "Condition cleared", now)
		e.clearCountdown(stateKey, nil)
	case clearingSince == nil:
		e.clearCountdown(stateKey, &now)
	case now.Sub(*clearingSince) >= delay:
		e.resolve(open, "Condition cleared", now)
		e.clearCountdown(stateKey, nil)
	}
}

func (e *Engine) clearCountdown(stateKey string, since *time.Time) {
	e.mu.Lock()
	if st, ok := e.states[stateKey]; ok {
		st.clearingSince = since
	}
	e.mu.Unlock()
}

// EvaluateEvent runs event-kind rules and auto-resolves opposite-state
// alerts.
func (e *Engine) EvaluateEvent(ctx context.Context, eventType string, ec EvalContext, message string) {
	now := e.clock.Now()

	if cleared, ok := opposites[eventType]; ok {
		e.resolveKind(cleared, ec.scopeID(), "Cleared by "+eventType, now)
	}

	for _, rule := range e.cachedRules() {
		if rule.Kind != eventType || !matches(rule, ec) {
			continue
		}
		e.fireEvent(ctx, rule, ec, message, now)
	}
}

// resolveKind resolves any open alert of the given kind for a scope,
// regardless of which rule opened it.
func (e *Engine) resolveKind(kind, scopeID, reason string, now time.Time) {
	for _, rule := range e.cachedRules() {
		if rule.Kind != kind {
			continue
		}
		open, err := e.store.GetOpenAlertByDedup(store.DedupKey(rule.ID, kind, scopeID))
		if err != nil || open == nil {
			continue
		}
		e.resolve(open, reason, now)
	}
}

func (e *Engine) resolve(a *store.Alert, reason string, now time.Time) {
	if err := e.store.ResolveAlert(a.ID, reason, now); err != nil {
		e.log.Error("resolve alert", "alert_id", a.ID, "error", err)
		return
	}
	metrics.AlertTransitions.WithLabelValues("resolved").Inc()
	e.bus.Publish(events.Event{
		Type:          events.AlertResolved,
		HostID:        a.HostID,
		ContainerName: a.ContainerName,
		Message:       a.Title + ": " + reason,
	})
}

// fire opens or re-fires a metric alert.
func (e *Engine) fire(ctx context.Context, rule store.AlertRule, kind string, ec EvalContext, value float64, now time.Time) {
	msg := fmt.Sprintf("%s: %s %s %g (current %g)", subjectName(ec), rule.Metric, rule.Operator, rule.Threshold, value)
	e.upsert(ctx, rule, kind, ec, msg, value, now)
}

// fireEvent opens or re-fires an event alert.
func (e *Engine) fireEvent(ctx context.Context, rule store.AlertRule, ec EvalContext, message string, now time.Time) {
	if message == "" {
		message = subjectName(ec) + ": " + rule.Kind
	}
	e.upsert(ctx, rule, rule.Kind, ec, message, 0, now)
}

func subjectName(ec EvalContext) string {
	if ec.ContainerName != "" {
		return ec.ContainerName
	}
	return ec.HostName
}

func (e *Engine) upsert(ctx context.Context, rule store.AlertRule, kind string, ec EvalContext, message string, value float64, now time.Time) {
	scopeID := ec.scopeID()
	fresh := store.Alert{
		ID:            uuid.NewString(),
		DedupKey:      store.DedupKey(rule.ID, kind, scopeID),
		ScopeType:     rule.Scope,
		ScopeID:       scopeID,
		RuleID:        rule.ID,
		RuleVersion:   rule.Version,
		State:         store.AlertOpen,
		Severity:      rule.Severity,
		Title:         rule.Name,
		Message:       message,
		FirstSeen:     now,
		LastSeen:      now,
		Occurrences:   1,
		Labels:        ec.Labels,
		Value:         value,
		Threshold:     rule.Threshold,
		HostID:        ec.HostID,
		HostName:      ec.HostName,
		ContainerName: ec.ContainerName,
	}

	a, created, err := e.store.GetOrCreateAlert(fresh, func(existing *store.Alert) {
		existing.LastSeen = now
		existing.Occurrences++
		existing.Value = value
		existing.Message = message
		if severityRank[rule.Severity] > severityRank[existing.Severity] {
			existing.Severity = rule.Severity
		}
	})
	if err != nil {
		e.log.Error("alert upsert", "dedup_key", fresh.DedupKey, "error", err)
		return
	}
	if created {
		metrics.AlertTransitions.WithLabelValues("opened").Inc()
		e.bus.Publish(events.Event{
			Type:          events.AlertOpened,
			Severity:      events.SeverityError,
			HostID:        ec.HostID,
			ContainerName: ec.ContainerName,
			Message:       a.Title + ": " + a.Message,
		})
	}

	// clear_duration defers delivery to the pending sweep, which
	// re-verifies the condition first.
	if rule.ClearDuration > 0 {
		return
	}
	if a.NotifiedAt == nil {
		e.dispatch(ctx, *a)
	}
}

// dispatch stamps notified_at and hands the notification out. The stamp
// happens first: an alert that resolved in the meantime is not delivered.
// Dedup keys inside their cooldown window are suppressed, so a flapping
// condition cannot storm the transports.
func (e *Engine) dispatch(ctx context.Context, a store.Alert) {
	now := e.clock.Now()
	if !e.cooldownElapsed(a, now) {
		return
	}
	ok, err := e.store.MarkNotified(a.ID, now)
	if err != nil {
		e.log.Error("mark notified", "alert_id", a.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	e.mu.Lock()
	e.lastNotified[a.DedupKey] = now
	e.mu.Unlock()
	metrics.NotificationsDispatched.Inc()
	e.notify.Dispatch(ctx, notify.Notification{
		AlertID:       a.ID,
		RuleID:        a.RuleID,
		Severity:      a.Severity,
		Title:         a.Title,
		Message:       a.Message,
		HostName:      a.HostName,
		ContainerName: a.ContainerName,
		ChannelIDs:    ruleChannels(e.cachedRules(), a.RuleID),
		Timestamp:     e.clock.Now(),
	})
}

// cooldownElapsed reports whether a dedup key is outside its
// re-notification window. Per-rule cooldowns override the default.
func (e *Engine) cooldownElapsed(a store.Alert, now time.Time) bool {
	cd := e.cooldown
	if r := ruleByID(e.cachedRules(), a.RuleID); r != nil && r.NotificationCooldown > 0 {
		cd = time.Duration(r.NotificationCooldown) * time.Second
	}
	if cd <= 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastNotified[a.DedupKey]
	return !ok || now.Sub(last) >= cd
}

func ruleByID(rules []store.AlertRule, id string) *store.AlertRule {
	for i := range rules {
		if rules[i].ID == id {
			return &rules[i]
		}
	}
	return nil
}

func ruleChannels(rules []store.AlertRule, ruleID string) []string {
	if r := ruleByID(rules, ruleID); r != nil {
		return r.ChannelIDs
	}
	return nil
}

// SystemError records a failure of the evaluation service itself as an
// alert, so broken alerting is itself visible.
func (e *Engine) SystemError(ctx context.Context, cause error) {
	now := e.clock.Now()
	fresh := store.Alert{
		ID:          uuid.NewString(),
		DedupKey:    store.DedupKey(SystemRuleID, "system_error", "system:"+systemScopeID),
		ScopeType:   store.ScopeSystem,
		ScopeID:     systemScopeID,
		RuleID:      SystemRuleID,
		State:       store.AlertOpen,
		Severity:    "critical",
		Title:       "Alert service error",
		Message:     cause.Error(),
		FirstSeen:   now,
		LastSeen:    now,
		Occurrences: 1,
	}
	a, created, err := e.store.GetOrCreateAlert(fresh, func(existing *store.Alert) {
		existing.LastSeen = now
		existing.Occurrences++
		existing.Message = cause.Error()
	})
	if err != nil {
		e.log.Error("system alert upsert", "error", err)
		return
	}
	if created {
		metrics.AlertTransitions.WithLabelValues("opened").Inc()
	}
	if a.NotifiedAt == nil {
		e.dispatch(ctx, *a)
	}
}

// kindOf extracts the alert kind from a dedup key "{rule}|{kind}|{scope}".
func kindOf(dedupKey string) string {
	parts := strings.SplitN(dedupKey, "|", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}
