// Package maintenance runs the periodic housekeeping jobs: retention
// purges, stale-alert resolution, backup-container sweeps, image pruning,
// TLS certificate rotation, and the upstream update check.
package maintenance

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/monitor"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/robfig/cron/v3"
)

const (
	// Orphaned tag assignments are kept for 30 days of absence before purge.
	assignmentRetention = 30 * 24 * time.Hour

	// Open or snoozed alerts with no activity for this long are stale.
	staleAlertAge = 24 * time.Hour

	backupNameMarker = "-dockmon-backup-"
)

// clientSource yields a Docker client per host. Satisfied by *docker.Pool.
type clientSource interface {
	Get(ctx context.Context, h store.Host) (docker.API, error)
}

// containerView resolves composite keys against live discovery state.
// Satisfied by *monitor.Monitor.
type containerView interface {
	Lookup(key string) (monitor.Observed, bool)
}

// Runner owns the maintenance schedules: the daily housekeeping job and
// the six-hourly upstream update check. Every task is best-effort and
// idempotent; one failing task never stops the rest.
type Runner struct {
	store   *store.Store
	clients clientSource
	view    containerView
	clock   clock.Clock
	log     *logging.Logger
	cfg     *config.Config

	upstream *UpstreamChecker

	cron *cron.Cron
}

// NewRunner wires the maintenance runner.
func NewRunner(st *store.Store, clients clientSource, view containerView, clk clock.Clock, log *logging.Logger, cfg *config.Config, upstream *UpstreamChecker) *Runner {
	return &Runner{
		store:    st,
		clients:  clients,
		view:     view,
		clock:    clk,
		log:      log.Component("maintenance"),
		cfg:      cfg,
		upstream: upstream,
	}
}

// Start registers the cron schedules and starts them. Stop with Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc("30 3 * * *", func() { r.RunDaily(ctx) }); err != nil {
		return err
	}
	if r.upstream != nil {
		if _, err := r.cron.AddFunc("@every 6h", func() { r.upstream.Check(ctx) }); err != nil {
			return err
		}
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedules and waits for a running job to finish.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunDaily executes the housekeeping tasks in order.
func (r *Runner) RunDaily(ctx context.Context) {
	now := r.clock.Now()

	r.task("purge_events", func() (int, error) {
		return r.store.PurgeEventsBefore(now.Add(-r.cfg.EventRetention))
	})
	r.task("purge_tokens", func() (int, error) {
		return r.store.PurgeExpiredTokens(now)
	})
	r.task("purge_orphan_assignments", func() (int, error) {
		return r.store.PurgeOrphanAssignments(now.Add(-assignmentRetention))
	})
	r.task("purge_unused_tags", func() (int, error) {
		return r.purgeUnusedTags(now)
	})
	r.task("resolve_stale_alerts", func() (int, error) {
		return r.resolveStaleAlerts(now)
	})
	r.task("purge_resolved_alerts", func() (int, error) {
		return r.store.PurgeResolvedAlerts(now.Add(-r.cfg.EventRetention))
	})
	r.task("purge_orphan_rows", func() (int, error) {
		return r.purgeOrphanRows()
	})
	r.task("sweep_backup_containers", func() (int, error) {
		return r.sweepBackups(ctx, now)
	})
	r.task("prune_images", func() (int, error) {
		return r.pruneImages(ctx, now)
	})
	r.task("sweep_digest_cache", func() (int, error) {
		return r.store.SweepDigestCache(now)
	})
	r.task("rotate_tls_cert", func() (int, error) {
		rotated, err := EnsureServerCert(r.cfg.DataDir, r.clock)
		if rotated {
			return 1, err
		}
		return 0, err
	})
}

func (r *Runner) task(name string, fn func() (int, error)) {
	n, err := fn()
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(name, "error").Inc()
		r.log.Error("maintenance task failed", "task", name, "error", err)
		return
	}
	metrics.MaintenanceRuns.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		r.log.Info("maintenance task", "task", name, "affected", n)
	}
}

// purgeUnusedTags deletes tags with no assignments that are older than the
// event retention window.
func (r *Runner) purgeUnusedTags(now time.Time) (int, error) {
	tags, err := r.store.ListTags()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, t := range tags {
		if now.Sub(t.CreatedAt) < r.cfg.EventRetention {
			continue
		}
		assignments, err := r.store.ListAssignmentsForTag(t.ID)
		if err != nil {
			return purged, err
		}
		if len(assignments) > 0 {
			continue
		}
		if err := r.store.DeleteTag(t.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// resolveStaleAlerts closes alerts whose subject is gone or that have seen
// no activity for a day.
func (r *Runner) resolveStaleAlerts(now time.Time) (int, error) {
	resolved := 0
	for _, state := range []string{store.AlertOpen, store.AlertSnoozed} {
		alerts, err := r.store.ListAlerts(state)
		if err != nil {
			return resolved, err
		}
		for _, a := range alerts {
			reason := r.staleReason(a, now)
			if reason == "" {
				continue
			}
			if err := r.store.ResolveAlert(a.ID, reason, now); err != nil {
				return resolved, err
			}
			resolved++
		}
	}
	return resolved, nil
}

func (r *Runner) staleReason(a store.Alert, now time.Time) string {
	if now.Sub(a.LastSeen) > staleAlertAge {
		return "Stale: no activity for 24h"
	}
	switch a.ScopeType {
	case store.ScopeContainer:
		h, err := r.store.GetHost(a.HostID)
		if err != nil || h == nil {
			return "Stale: host no longer exists"
		}
		// Only judge container existence when its host is reachable.
		if h.Status != store.HostOnline {
			return ""
		}
		if _, ok := r.view.Lookup(a.ScopeID); !ok {
			return "Stale: container no longer exists"
		}
	case store.ScopeHost:
		h, err := r.store.GetHost(a.ScopeID)
		if err == nil && h == nil {
			return "Stale: host no longer exists"
		}
	}
	return ""
}

// purgeOrphanRows drops container-scoped rows whose composite keys no
// longer resolve to a live container on a reachable host.
func (r *Runner) purgeOrphanRows() (int, error) {
	updates, err := r.store.ListContainerUpdates("")
	if err != nil {
		return 0, err
	}
	checks, err := r.store.ListHealthChecks()
	if err != nil {
		return 0, err
	}

	keys := make(map[string]struct{}, len(updates)+len(checks))
	for _, cu := range updates {
		keys[cu.Key] = struct{}{}
	}
	for _, hc := range checks {
		keys[hc.Key] = struct{}{}
	}

	purged := 0
	for key := range keys {
		if _, ok := r.view.Lookup(key); ok {
			continue
		}
		hostID, _, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		h, err := r.store.GetHost(hostID)
		if err != nil {
			return purged, err
		}
		// A missing container on an unreachable host proves nothing.
		if h != nil && h.Status != store.HostOnline {
			continue
		}
		if err := r.store.DeleteContainerScoped(key); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// sweepBackups removes leftover backup containers older than the retention
// window on every reachable host.
func (r *Runner) sweepBackups(ctx context.Context, now time.Time) (int, error) {
	hosts, err := r.store.ListHosts()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-r.cfg.BackupRetention).Unix()

	removed := 0
	for _, h := range hosts {
		if !h.IsActive || h.Status != store.HostOnline || h.ConnectionType == store.ConnAgent {
			continue
		}
		client, err := r.clients.Get(ctx, h)
		if err != nil {
			continue
		}
		listing, err := client.ListAllContainers(ctx)
		if err != nil {
			continue
		}
		for _, c := range listing {
			if len(c.Names) == 0 || !strings.Contains(c.Names[0], backupNameMarker) {
				continue
			}
			if c.Created >= cutoff {
				continue
			}
			if err := client.RemoveContainer(ctx, c.ID); err != nil {
				r.log.Warn("remove backup container", "host", h.Name, "name", c.Names[0], "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// pruneImages keeps the newest N tagged images per repository and deletes
// the rest past the grace window, plus dangling images past the grace
// window. Images referenced by any container are never deleted.
func (r *Runner) pruneImages(ctx context.Context, now time.Time) (int, error) {
	hosts, err := r.store.ListHosts()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, h := range hosts {
		if !h.IsActive || h.Status != store.HostOnline || h.ConnectionType == store.ConnAgent {
			continue
		}
		client, err := r.clients.Get(ctx, h)
		if err != nil {
			continue
		}
		images, err := client.ListImages(ctx)
		if err != nil {
			continue
		}
		pruned += r.pruneHostImages(ctx, client, images, now)
	}
	return pruned, nil
}

func (r *Runner) pruneHostImages(ctx context.Context, client docker.API, images []docker.ImageSummary, now time.Time) int {
	graceCutoff := now.Add(-r.cfg.ImagePruneGrace).Unix()

	byRepo := make(map[string][]docker.ImageSummary)
	var candidates []docker.ImageSummary

	for _, img := range images {
		if img.InUse {
			continue
		}
		if dangling(img) {
			if img.Created < graceCutoff {
				candidates = append(candidates, img)
			}
			continue
		}
		for _, repo := range repos(img) {
			byRepo[repo] = append(byRepo[repo], img)
		}
	}

	keep := r.cfg.ImageKeepPerRepo
	seen := make(map[string]struct{})
	for _, imgs := range byRepo {
		sort.Slice(imgs, func(i, j int) bool { return imgs[i].Created > imgs[j].Created })
		for i, img := range imgs {
			if i < keep || img.Created >= graceCutoff {
				continue
			}
			if _, dup := seen[img.ID]; dup {
				continue
			}
			seen[img.ID] = struct{}{}
			candidates = append(candidates, img)
		}
	}

	pruned := 0
	for _, img := range candidates {
		if err := client.RemoveImage(ctx, img.ID); err != nil {
			r.log.Warn("prune image", "id", docker.TruncateID(img.ID), "error", err)
			continue
		}
		pruned++
	}
	return pruned
}

func dangling(img docker.ImageSummary) bool {
	if len(img.RepoTags) == 0 {
		return true
	}
	for _, t := range img.RepoTags {
		if t != "<none>:<none>" {
			return false
		}
	}
	return true
}

// repos lists the repositories an image is tagged under.
func repos(img docker.ImageSummary) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tag := range img.RepoTags {
		repo := tag
		if idx := strings.LastIndex(tag, ":"); idx > strings.LastIndex(tag, "/") {
			repo = tag[:idx]
		}
		if _, dup := seen[repo]; !dup {
			seen[repo] = struct{}{}
			out = append(out, repo)
		}
	}
	return out
}
