package updater

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

const (
	defaultStopTimeout    = 30 // seconds, graceful stop before backup
	defaultHealthTimeout  = 120 * time.Second
	defaultHealthInterval = 2 * time.Second
	pullTimeout           = 1800 * time.Second
)

// clientSource yields a Docker client per host. Satisfied by *docker.Pool.
type clientSource interface {
	Get(ctx context.Context, h store.Host) (docker.API, error)
}

// digestInvalidator drops stale registry resolutions after an update.
// Satisfied by *store.Store.
type digestInvalidator interface {
	InvalidateDigestCachePrefix(imagePrefix string) (int, error)
}

// DockerExecutor updates containers on hosts reached directly over the
// Docker API. Stages and their progress targets:
// pulling 20, configuring 35, backup 50, creating 65, starting 80,
// health_check 90, completed 100. Any failure from backup onward rolls
// back to the renamed original.
type DockerExecutor struct {
	clients clientSource
	cache   digestInvalidator
	clock   clock.Clock
	log     *logging.Logger

	stopTimeout    int
	healthTimeout  time.Duration
	healthInterval time.Duration
}

// NewDockerExecutor creates the direct-Docker update executor.
func NewDockerExecutor(clients clientSource, cache digestInvalidator, clk clock.Clock, log *logging.Logger) *DockerExecutor {
	return &DockerExecutor{
		clients:        clients,
		cache:          cache,
		clock:          clk,
		log:            log.Component("docker-updater"),
		stopTimeout:    defaultStopTimeout,
		healthTimeout:  defaultHealthTimeout,
		healthInterval: defaultHealthInterval,
	}
}

// Execute runs the full update state machine for one container.
func (e *DockerExecutor) Execute(ctx context.Context, req Request) (ExecResult, error) {
	client, err := e.clients.Get(ctx, req.Host)
	if err != nil {
		return ExecResult{}, fmt.Errorf("connect host: %w", err)
	}
	isPodman := client.IsPodman(ctx)

	req.Progress("pulling", 20, "Pulling "+req.TargetImage)
	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	err = client.PullImage(pullCtx, req.TargetImage, req.Auth, func(p docker.PullProgress) {
		if p.LayerID != "" {
			req.Progress("pulling", 20, p.LayerID+": "+p.Status)
		}
	})
	cancel()
	if err != nil {
		return ExecResult{}, fmt.Errorf("pull %s: %w", req.TargetImage, err)
	}

	req.Progress("configuring", 35, "Extracting configuration")
	oldInspect, err := client.InspectContainer(ctx, req.ContainerID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect %s: %w", req.Name, err)
	}
	oldImage := oldInspect.Config.Image
	oldImageLabels, err := client.ImageLabels(ctx, oldImage)
	if err != nil {
		e.log.Warn("old image labels unavailable", "image", oldImage, "error", err)
		oldImageLabels = map[string]string{}
	}
	cfg := extractConfig(ctx, client, e.log, &oldInspect, req.TargetImage, oldImageLabels, isPodman)

	// Backup: from here on a failure must restore the original.
	req.Progress("backup", 50, "Stopping and renaming old container")
	if err := client.StopContainer(ctx, req.ContainerID, e.stopTimeout); err != nil {
		return ExecResult{}, fmt.Errorf("stop %s: %w", req.Name, err)
	}
	backupName := fmt.Sprintf("%s-dockmon-backup-%d", req.Name, e.clock.Now().Unix())
	if err := client.RenameContainer(ctx, req.ContainerID, backupName); err != nil {
		// Nothing replaced yet; restore service and abort without rollback.
		if startErr := client.StartContainer(ctx, req.ContainerID); startErr != nil {
			e.log.Error("restart after failed rename", "container", req.Name, "error", startErr)
		}
		return ExecResult{}, fmt.Errorf("rename %s: %w", req.Name, err)
	}

	req.Progress("creating", 65, "Creating new container")
	newID, err := client.CreateContainer(ctx, req.Name, cfg.Config, cfg.HostConfig, cfg.NetworkingConfig)
	if err != nil {
		return e.rollback(ctx, client, req, "", backupName), fmt.Errorf("create %s: %w", req.Name, err)
	}

	for netName, endpoint := range cfg.AdditionalNets {
		if err := client.ConnectNetwork(ctx, netName, newID, endpoint); err != nil {
			return e.rollback(ctx, client, req, newID, backupName), fmt.Errorf("connect network %s: %w", netName, err)
		}
	}

	req.Progress("starting", 80, "Starting new container")
	if err := client.StartContainer(ctx, newID); err != nil {
		return e.rollback(ctx, client, req, newID, backupName), fmt.Errorf("start %s: %w", req.Name, err)
	}

	req.Progress("health_check", 90, "Waiting for healthy state")
	if err := e.waitHealthy(ctx, client, newID); err != nil {
		return e.rollback(ctx, client, req, newID, backupName), err
	}

	failed := e.recreateDependents(ctx, client, oldInspect, req.Name, newID, isPodman)

	if n, err := e.cache.InvalidateDigestCachePrefix(oldImage); err != nil {
		e.log.Warn("digest cache invalidation", "image", oldImage, "error", err)
	} else if n > 0 {
		e.log.Debug("digest cache invalidated", "image", oldImage, "entries", n)
	}

	req.Progress("completed", 100, "Update complete")
	return ExecResult{NewID: docker.TruncateID(newID), FailedDependents: failed}, nil
}

// rollback restores the renamed original after a failure past the backup
// stage. Rollback failure is logged at critical severity and the backup
// name is preserved for manual intervention.
func (e *DockerExecutor) rollback(ctx context.Context, client docker.API, req Request, newID, backupName string) ExecResult {
	fail := func(step string, err error) ExecResult {
		e.log.Error("CRITICAL: rollback failed, backup preserved",
			"container", req.Name, "backup", backupName, "step", step, "error", err)
		return ExecResult{RolledBack: false}
	}

	if newID != "" {
		if err := client.RemoveContainer(ctx, newID); err != nil {
			return fail("remove new container", err)
		}
	}
	// A half-created container may still hold the original name.
	if ins, err := client.InspectContainer(ctx, req.Name); err == nil {
		if err := client.RemoveContainer(ctx, ins.ID); err != nil {
			return fail("remove name collision", err)
		}
	}
	if err := client.RenameContainer(ctx, backupName, req.Name); err != nil {
		return fail("rename backup", err)
	}
	if err := client.StartContainer(ctx, req.ContainerID); err != nil {
		return fail("start restored container", err)
	}

	e.log.Info("rollback complete", "container", req.Name)
	return ExecResult{RolledBack: true}
}

// waitHealthy polls until the container reports healthy, or running when
// it has no HEALTHCHECK, within the configured window.
func (e *DockerExecutor) waitHealthy(ctx context.Context, client docker.API, id string) error {
	deadline := e.clock.Now().Add(e.healthTimeout)
	for {
		ins, err := client.InspectContainer(ctx, id)
		if err == nil && ins.State != nil {
			if ins.State.Health != nil {
				if ins.State.Health.Status == "healthy" {
					return nil
				}
			} else if ins.State.Running {
				return nil
			}
		}

		if !e.clock.Now().Before(deadline) {
			return fmt.Errorf("Health check timeout after %ds", int(e.healthTimeout.Seconds()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.healthInterval):
		}
	}
}

// recreateDependents rebuilds containers whose network namespace rides on
// the updated one. Failures are collected per dependent; the primary
// update stands regardless.
func (e *DockerExecutor) recreateDependents(ctx context.Context, client docker.API, old types.ContainerJSON, oldName, newID string, isPodman bool) []string {
	listing, err := client.ListAllContainers(ctx)
	if err != nil {
		e.log.Warn("list containers for dependents", "error", err)
		return nil
	}

	var failed []string
	for _, c := range listing {
		mode := c.HostConfig.NetworkMode
		if !dependsOn(mode, oldName, old.ID) {
			continue
		}
		depName := strings.TrimPrefix(c.Names[0], "/")
		if err := e.recreateDependent(ctx, client, c.ID, depName, newID, isPodman); err != nil {
			e.log.Error("dependent recreation failed", "dependent", depName, "error", err)
			failed = append(failed, depName)
		}
	}
	return failed
}

// dependsOn reports whether a NetworkMode references the updated
// container by name or by old id.
func dependsOn(mode, oldName, oldID string) bool {
	ref, ok := strings.CutPrefix(mode, "container:")
	if !ok {
		return false
	}
	return ref == oldName || ref == oldID || strings.HasPrefix(oldID, ref)
}

// recreateDependent replaces one dependent with an identical container
// whose NetworkMode points at the new parent. Its own rename-and-retry
// envelope restores it on failure.
func (e *DockerExecutor) recreateDependent(ctx context.Context, client docker.API, id, name, newParentID string, isPodman bool) error {
	ins, err := client.InspectContainer(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	imageLabels, err := client.ImageLabels(ctx, ins.Config.Image)
	if err != nil {
		imageLabels = map[string]string{}
	}
	cfg := extractConfig(ctx, client, e.log, &ins, ins.Config.Image, imageLabels, isPodman)
	cfg.HostConfig.NetworkMode = container.NetworkMode("container:" + newParentID)

	if err := client.StopContainer(ctx, id, 10); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	backupName := fmt.Sprintf("%s-dockmon-backup-%d", name, e.clock.Now().Unix())
	if err := client.RenameContainer(ctx, id, backupName); err != nil {
		client.StartContainer(ctx, id)
		return fmt.Errorf("rename: %w", err)
	}

	depID, err := client.CreateContainer(ctx, name, cfg.Config, cfg.HostConfig, cfg.NetworkingConfig)
	if err == nil {
		err = client.StartContainer(ctx, depID)
	}
	if err != nil {
		if depID != "" {
			client.RemoveContainer(ctx, depID)
		}
		client.RenameContainer(ctx, backupName, name)
		client.StartContainer(ctx, id)
		return fmt.Errorf("recreate: %w", err)
	}

	if err := client.RemoveContainer(ctx, id); err != nil {
		e.log.Warn("remove dependent backup", "backup", backupName, "error", err)
	}
	return nil
}
