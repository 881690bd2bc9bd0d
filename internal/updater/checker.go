package updater

import (
	"context"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/monitor"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

const defaultPlatform = "linux/amd64"

// resolver resolves an image tag to its registry digest. Satisfied by
// *registry.Adapter.
type resolver interface {
	ResolveTag(ctx context.Context, imageRef, platform string, cred *registry.Credential) *registry.Resolved
}

// containerSnapshot exposes the live discovery view. Satisfied by
// *monitor.Monitor.
type containerSnapshot interface {
	Snapshot() map[string]monitor.Observed
}

// Checker walks the discovered containers, resolves each one's floating
// target through the registry adapter, and stamps the availability state
// on its ContainerUpdate row. Rows are created lazily the first time a
// container is seen.
type Checker struct {
	store   *store.Store
	view    containerSnapshot
	reg     resolver
	clients clientSource
	clock   clock.Clock
	log     *logging.Logger
}

// NewChecker wires the periodic update checker.
func NewChecker(st *store.Store, view containerSnapshot, reg resolver, clients clientSource, clk clock.Clock, log *logging.Logger) *Checker {
	return &Checker{
		store:   st,
		view:    view,
		reg:     reg,
		clients: clients,
		clock:   clk,
		log:     log.Component("update-checker"),
	}
}

// CheckAll checks every discovered container once and returns how many
// have an update available. Per-container failures are logged and
// skipped; a check pass never aborts early.
func (c *Checker) CheckAll(ctx context.Context) int {
	available := 0
	for key, obs := range c.view.Snapshot() {
		if ctx.Err() != nil {
			return available
		}
		ok, err := c.checkOne(ctx, key, obs)
		if err != nil {
			c.log.Warn("update check failed", "container", obs.Name, "error", err)
			continue
		}
		if ok {
			available++
		}
	}
	return available
}

// checkOne resolves one container's update target and persists the
// result. It reports whether an update is available.
func (c *Checker) checkOne(ctx context.Context, key string, obs monitor.Observed) (bool, error) {
	if obs.Image == "" {
		return false, nil
	}

	rec, err := c.store.GetContainerUpdate(key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		rec = &store.ContainerUpdate{
			Key:          key,
			FloatingMode: store.FloatingExact,
			Policy:       store.PolicyAllow,
		}
	}

	platform := rec.Platform
	if platform == "" {
		platform = defaultPlatform
	}

	if rec.CurrentDigest == "" {
		rec.CurrentDigest = c.localDigest(ctx, obs)
	}
	rec.CurrentImage = obs.Image

	target := registry.FloatingRef(obs.Image, rec.FloatingMode)
	now := c.clock.Now()
	rec.LastChecked = &now

	resolved := c.reg.ResolveTag(ctx, target, platform, nil)
	if resolved == nil {
		// Unresolvable targets keep their previous state; the stamp
		// records that the check ran.
		return rec.UpdateAvailable, c.store.SaveContainerUpdate(*rec)
	}

	rec.LatestImage = target
	rec.LatestDigest = resolved.Digest
	// Local digests may carry a repo prefix; compare hashes only.
	rec.UpdateAvailable = rec.CurrentDigest != "" && resolved.Digest != "" &&
		registry.ExtractHash(rec.CurrentDigest) != registry.ExtractHash(resolved.Digest)

	if err := c.store.SaveContainerUpdate(*rec); err != nil {
		return false, err
	}
	return rec.UpdateAvailable, nil
}

// localDigest asks the container's host daemon for the digest its image
// currently resolves to. Best effort; an empty digest disables the
// comparison rather than raising a false positive.
func (c *Checker) localDigest(ctx context.Context, obs monitor.Observed) string {
	h, err := c.store.GetHost(obs.HostID)
	if err != nil || h == nil || h.ConnectionType == store.ConnAgent {
		return ""
	}
	client, err := c.clients.Get(ctx, *h)
	if err != nil {
		return ""
	}
	digest, err := client.ImageDigest(ctx, obs.Image)
	if err != nil {
		return ""
	}
	return digest
}
