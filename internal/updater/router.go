// Package updater executes container updates: routing by host connection
// type, concurrency control, validation, staged progress, health gating,
// and rollback.
package updater

import (
	"context"
	"strings"
	"sync"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/monitor"
	"github.com/darthnorse/dockmon/internal/store"

	"golang.org/x/sync/semaphore"
)

// defaultAutoUpdateConcurrency bounds auto-update fan-out.
const defaultAutoUpdateConcurrency = 5

// Verdict is the validation outcome for an update request.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Validator decides whether an update may proceed.
type Validator interface {
	Validate(rec store.ContainerUpdate, obs monitor.Observed) (Verdict, string)
}

// PolicyValidator maps the per-container update policy to a verdict.
type PolicyValidator struct{}

func (PolicyValidator) Validate(rec store.ContainerUpdate, obs monitor.Observed) (Verdict, string) {
	switch rec.Policy {
	case store.PolicyBlock:
		return VerdictBlock, "updates blocked by policy for " + obs.Name
	case store.PolicyWarn:
		return VerdictWarn, "update policy requires confirmation for " + obs.Name
	default:
		return VerdictAllow, ""
	}
}

// Request is one update handed to an executor.
type Request struct {
	Host        store.Host
	ContainerID string // 12-char short id
	Name        string
	TargetImage string
	Record      store.ContainerUpdate
	Auth        *docker.RegistryAuth // registry credentials, when configured
	Progress    func(stage string, percent int, message string)
}

// ExecResult reports what an executor did.
type ExecResult struct {
	NewID            string // short id of the replacement container
	RolledBack       bool
	FailedDependents []string
}

// Executor performs the actual update for one class of host.
type Executor interface {
	Execute(ctx context.Context, req Request) (ExecResult, error)
}

// containerIndex resolves composite keys to observed containers.
// Satisfied by *monitor.Monitor.
type containerIndex interface {
	Lookup(key string) (monitor.Observed, bool)
}

// Router is the single entry point for container updates. It owns the
// process-wide in-flight set and emits exactly one UPDATE_STARTED and one
// terminal event per request.
type Router struct {
	store      *store.Store
	index      containerIndex
	validator  Validator
	dockerExec Executor
	agentExec  Executor
	bus        *events.Bus
	clock      clock.Clock
	log        *logging.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}

	sem *semaphore.Weighted
}

// NewRouter wires the update router.
func NewRouter(st *store.Store, index containerIndex, v Validator, dockerExec, agentExec Executor, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Router {
	return &Router{
		store:      st,
		index:      index,
		validator:  v,
		dockerExec: dockerExec,
		agentExec:  agentExec,
		bus:        bus,
		clock:      clk,
		log:        log.Component("updater"),
		inFlight:   make(map[string]struct{}),
		sem:        semaphore.NewWeighted(defaultAutoUpdateConcurrency),
	}
}

// protectedName reports whether a container is DockMon itself. The agent
// is exempt; it has its own self-update path.
func protectedName(name string) bool {
	if name == "dockmon" {
		return true
	}
	return strings.HasPrefix(name, "dockmon-") && !strings.Contains(name, "agent")
}

// UpdateContainer updates one container to rec's latest image. It reports
// false when the update did not complete: already in flight, rejected by
// validation, or failed. Concurrent calls for the same composite key are
// idempotent; the second returns false immediately.
func (r *Router) UpdateContainer(ctx context.Context, hostID, containerID string, rec store.ContainerUpdate, force, forceWarn bool) bool {
	shortID := docker.TruncateID(containerID)
	key := store.CompositeKey(hostID, shortID)

	r.mu.Lock()
	if _, busy := r.inFlight[key]; busy {
		r.mu.Unlock()
		r.log.Info("update already in flight", "key", key)
		return false
	}
	r.inFlight[key] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, key)
		r.mu.Unlock()
	}()

	obs, found := r.index.Lookup(key)
	if !found {
		r.fail(key, hostID, shortID, "", "container not found", false)
		return false
	}

	host, err := r.store.GetHost(hostID)
	if err != nil || host == nil {
		r.fail(key, hostID, shortID, obs.Name, "unknown host", false)
		return false
	}

	if protectedName(obs.Name) {
		r.fail(key, hostID, shortID, obs.Name, "DockMon cannot update itself", false)
		return false
	}

	if !force {
		verdict, reason := r.validator.Validate(rec, obs)
		switch {
		case verdict == VerdictBlock:
			r.fail(key, hostID, shortID, obs.Name, reason, false)
			return false
		case verdict == VerdictWarn && !forceWarn:
			r.bus.Publish(events.Event{
				Type:          events.UpdateSkippedValidation,
				HostID:        hostID,
				ContainerID:   shortID,
				ContainerName: obs.Name,
				Message:       reason,
			})
			metrics.UpdatesTotal.WithLabelValues("skipped_validation").Inc()
			return false
		}
	}

	target := rec.LatestImage
	if target == "" {
		r.fail(key, hostID, shortID, obs.Name, "no target image resolved", false)
		return false
	}

	r.bus.Publish(events.Event{
		Type:          events.UpdateStarted,
		HostID:        hostID,
		ContainerID:   shortID,
		ContainerName: obs.Name,
		Message:       "Updating to " + target,
	})

	exec := r.dockerExec
	if host.ConnectionType == store.ConnAgent {
		exec = r.agentExec
	}

	started := r.clock.Now()
	res, execErr := exec.Execute(ctx, Request{
		Host:        *host,
		ContainerID: shortID,
		Name:        obs.Name,
		TargetImage: target,
		Record:      rec,
		Progress: func(stage string, percent int, message string) {
			r.bus.Publish(events.Event{
				Type:          events.UpdateProgress,
				HostID:        hostID,
				ContainerID:   shortID,
				ContainerName: obs.Name,
				Stage:         stage,
				Percent:       percent,
				Message:       message,
			})
		},
	})
	metrics.UpdateDuration.Observe(r.clock.Since(started).Seconds())

	if execErr != nil {
		msg := execErr.Error()
		if res.RolledBack {
			msg += " - Successfully rolled back"
		}
		r.fail(key, hostID, shortID, obs.Name, msg, res.RolledBack)
		return false
	}

	r.reconcile(key, hostID, res.NewID, target)

	msg := "Updated to " + target
	if len(res.FailedDependents) > 0 {
		msg += "; failed dependents: " + strings.Join(res.FailedDependents, ", ")
	}
	r.bus.Publish(events.Event{
		Type:          events.UpdateCompleted,
		HostID:        hostID,
		ContainerID:   shortID,
		ContainerName: obs.Name,
		Message:       msg,
	})
	metrics.UpdatesTotal.WithLabelValues("completed").Inc()
	return true
}

// fail emits the terminal failure event, and ROLLBACK_COMPLETED when a
// rollback restored the old container.
func (r *Router) fail(key, hostID, shortID, name, msg string, rolledBack bool) {
	r.log.Warn("update failed", "key", key, "container", name, "error", msg)
	r.bus.Publish(events.Event{
		Type:          events.UpdateFailed,
		Severity:      events.SeverityError,
		HostID:        hostID,
		ContainerID:   shortID,
		ContainerName: name,
		Message:       msg,
	})
	if rolledBack {
		r.bus.Publish(events.Event{
			Type:          events.RollbackCompleted,
			HostID:        hostID,
			ContainerID:   shortID,
			ContainerName: name,
			Message:       "Rolled back to previous image",
		})
		metrics.UpdatesTotal.WithLabelValues("rolled_back").Inc()
		return
	}
	metrics.UpdatesTotal.WithLabelValues("failed").Inc()
}

// reconcile migrates container-scoped rows to the replacement container's
// composite key and records the new current image.
func (r *Router) reconcile(oldKey, hostID, newShortID, target string) {
	key := oldKey
	if newShortID != "" {
		newKey := store.CompositeKey(hostID, newShortID)
		if newKey != oldKey {
			if err := r.store.MigrateCompositeKey(oldKey, newKey); err != nil {
				r.log.Error("composite key migration", "old", oldKey, "new", newKey, "error", err)
			} else {
				key = newKey
			}
		}
	}

	cu, err := r.store.GetContainerUpdate(key)
	if err != nil || cu == nil {
		return
	}
	now := r.clock.Now()
	cu.CurrentImage = target
	cu.UpdateAvailable = false
	cu.LastUpdated = &now
	if err := r.store.SaveContainerUpdate(*cu); err != nil {
		r.log.Warn("persist update state", "key", key, "error", err)
	}
}

// AutoUpdateAll launches updates for every auto-update-enabled container
// with one pending, bounded by the fan-out semaphore.
func (r *Router) AutoUpdateAll(ctx context.Context) {
	updates, err := r.store.ListContainerUpdates("")
	if err != nil {
		r.log.Error("list container updates", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, cu := range updates {
		if !cu.AutoUpdateEnabled || !cu.UpdateAvailable {
			continue
		}
		hostID, shortID, ok := strings.Cut(cu.Key, ":")
		if !ok {
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(cu store.ContainerUpdate, hostID, shortID string) {
			defer wg.Done()
			defer r.sem.Release(1)
			r.UpdateContainer(ctx, hostID, shortID, cu, false, false)
		}(cu, hostID, shortID)
	}
	wg.Wait()
}
