package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/agent"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/docker/docker/api/types"
)

const (
	defaultReconnectWait = 300 * time.Second
	defaultPollInterval  = 2 * time.Second
)

// commander issues correlated commands to an agent. Satisfied by
// *agent.Executor.
type commander interface {
	Execute(ctx context.Context, agentID, msgType, cmd string, payload any, timeout time.Duration) agent.Result
}

// sessions reports agent connectivity. Satisfied by *agent.Manager.
type sessions interface {
	Connected(agentID string) bool
}

// AgentExecutor drives the update state machine over agent commands
// instead of direct daemon calls. Agent self-updates take a dedicated
// path: one self_update command, then a bounded wait for the replacement
// agent to reconnect.
type AgentExecutor struct {
	store    *store.Store
	cmd      commander
	sessions sessions
	clock    clock.Clock
	log      *logging.Logger

	// imageLabels resolves an image's default labels for user-label
	// extraction; nil degrades to keeping all container labels.
	imageLabels func(ctx context.Context, imageRef string) map[string]string

	healthTimeout time.Duration
	reconnectWait time.Duration
	pollInterval  time.Duration
}

// NewAgentExecutor creates the agent-backed update executor.
func NewAgentExecutor(st *store.Store, cmd commander, sessions sessions, clk clock.Clock, log *logging.Logger, imageLabels func(ctx context.Context, imageRef string) map[string]string) *AgentExecutor {
	return &AgentExecutor{
		store:         st,
		cmd:           cmd,
		sessions:      sessions,
		clock:         clk,
		log:           log.Component("agent-updater"),
		imageLabels:   imageLabels,
		healthTimeout: defaultHealthTimeout,
		reconnectWait: defaultReconnectWait,
		pollInterval:  defaultPollInterval,
	}
}

// isAgentSelfUpdate reports whether the target image is the DockMon agent
// image, under any registry prefix.
func isAgentSelfUpdate(imageRef string) bool {
	base := imageRef
	if idx := strings.LastIndex(base, ":"); idx > strings.LastIndex(base, "/") {
		base = base[:idx]
	}
	return strings.HasSuffix(base, "dockmon-agent")
}

// Execute updates one container on an agent host.
func (e *AgentExecutor) Execute(ctx context.Context, req Request) (ExecResult, error) {
	agentRow, err := e.store.GetAgentByHost(req.Host.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("lookup agent: %w", err)
	}
	if agentRow == nil {
		return ExecResult{}, fmt.Errorf("no agent registered for host %s", req.Host.Name)
	}

	if isAgentSelfUpdate(req.TargetImage) {
		return e.selfUpdate(ctx, agentRow, req)
	}
	return e.containerUpdate(ctx, agentRow.ID, req)
}

// agentInspector adapts the agent inspect command to the inspector
// interface used by config extraction.
type agentInspector struct {
	cmd     commander
	agentID string
}

func (ai agentInspector) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	res := ai.cmd.Execute(ctx, ai.agentID, agent.TypeContainerOperation, "inspect",
		map[string]any{"container_id": id}, agent.TimeoutInspect)
	if res.Status != agent.StatusSuccess {
		return types.ContainerJSON{}, errors.New(res.Error)
	}
	var ins types.ContainerJSON
	if err := json.Unmarshal(res.Payload, &ins); err != nil {
		return types.ContainerJSON{}, fmt.Errorf("decode inspect payload: %w", err)
	}
	return ins, nil
}

// containerUpdate mirrors the direct-Docker state machine, each step a
// correlated agent command.
func (e *AgentExecutor) containerUpdate(ctx context.Context, agentID string, req Request) (ExecResult, error) {
	op := func(cmd string, payload map[string]any, timeout time.Duration) agent.Result {
		return e.cmd.Execute(ctx, agentID, agent.TypeContainerOperation, cmd, payload, timeout)
	}

	req.Progress("pulling", 20, "Pulling "+req.TargetImage)
	if res := op("pull_image", map[string]any{"image": req.TargetImage}, agent.TimeoutPull); res.Status != agent.StatusSuccess {
		return ExecResult{}, fmt.Errorf("pull %s: %s", req.TargetImage, res.Error)
	}

	req.Progress("configuring", 35, "Extracting configuration")
	insp := agentInspector{cmd: e.cmd, agentID: agentID}
	oldInspect, err := insp.InspectContainer(ctx, req.ContainerID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect %s: %w", req.Name, err)
	}
	oldLabels := map[string]string{}
	if e.imageLabels != nil {
		oldLabels = e.imageLabels(ctx, oldInspect.Config.Image)
	}
	cfg := extractConfig(ctx, insp, e.log, &oldInspect, req.TargetImage, oldLabels, req.Host.IsPodman)

	req.Progress("backup", 50, "Stopping and renaming old container")
	if res := op("stop", map[string]any{"container_id": req.ContainerID, "timeout": defaultStopTimeout}, agent.StopTimeout(defaultStopTimeout)); res.Status != agent.StatusSuccess {
		return ExecResult{}, fmt.Errorf("stop %s: %s", req.Name, res.Error)
	}
	backupName := fmt.Sprintf("%s-dockmon-backup-%d", req.Name, e.clock.Now().Unix())
	if res := op("rename", map[string]any{"container_id": req.ContainerID, "name": backupName}, agent.TimeoutLifecycle); res.Status != agent.StatusSuccess {
		op("start", map[string]any{"container_id": req.ContainerID}, agent.TimeoutLifecycle)
		return ExecResult{}, fmt.Errorf("rename %s: %s", req.Name, res.Error)
	}

	req.Progress("creating", 65, "Creating new container")
	createPayload := map[string]any{
		"container_name": req.Name,
		"image":          req.TargetImage,
		"config": map[string]any{
			"config":            cfg.Config,
			"host_config":       cfg.HostConfig,
			"networking_config": cfg.NetworkingConfig,
			"additional_nets":   cfg.AdditionalNets,
		},
	}
	res := op("create", createPayload, agent.TimeoutLifecycle)
	if res.Status != agent.StatusSuccess {
		return e.rollback(ctx, agentID, req, "", backupName), fmt.Errorf("create %s: %s", req.Name, res.Error)
	}
	var created struct {
		ContainerID string `json:"container_id"`
	}
	if err := json.Unmarshal(res.Payload, &created); err != nil || created.ContainerID == "" {
		return e.rollback(ctx, agentID, req, created.ContainerID, backupName), fmt.Errorf("create %s: malformed response", req.Name)
	}

	req.Progress("starting", 80, "Starting new container")
	if res := op("start", map[string]any{"container_id": created.ContainerID}, agent.TimeoutLifecycle); res.Status != agent.StatusSuccess {
		return e.rollback(ctx, agentID, req, created.ContainerID, backupName), fmt.Errorf("start %s: %s", req.Name, res.Error)
	}

	req.Progress("health_check", 90, "Waiting for healthy state")
	maxWait := int(e.healthTimeout.Seconds())
	verify := op("verify_running",
		map[string]any{"container_id": created.ContainerID, "max_wait_seconds": maxWait},
		agent.VerifyRunningTimeout(e.healthTimeout))
	if verify.Status != agent.StatusSuccess {
		msg := verify.Error
		if verify.Status == agent.StatusTimeout || msg == "" {
			msg = fmt.Sprintf("Health check timeout after %ds", maxWait)
		}
		return e.rollback(ctx, agentID, req, created.ContainerID, backupName), errors.New(msg)
	}

	req.Progress("completed", 100, "Update complete")
	newShort := created.ContainerID
	if len(newShort) > 12 {
		newShort = newShort[:12]
	}
	return ExecResult{NewID: newShort}, nil
}

// rollback restores the renamed original through agent commands.
func (e *AgentExecutor) rollback(ctx context.Context, agentID string, req Request, newID, backupName string) ExecResult {
	op := func(cmd string, payload map[string]any) agent.Result {
		return e.cmd.Execute(ctx, agentID, agent.TypeContainerOperation, cmd, payload, agent.TimeoutLifecycle)
	}

	if newID != "" {
		if res := op("remove", map[string]any{"container_id": newID, "force": true}); res.Status != agent.StatusSuccess {
			e.log.Error("CRITICAL: rollback failed, backup preserved",
				"container", req.Name, "backup", backupName, "step", "remove new container", "error", res.Error)
			return ExecResult{RolledBack: false}
		}
	}
	if res := op("rename", map[string]any{"container_id": req.ContainerID, "name": req.Name}); res.Status != agent.StatusSuccess {
		e.log.Error("CRITICAL: rollback failed, backup preserved",
			"container", req.Name, "backup", backupName, "step", "rename backup", "error", res.Error)
		return ExecResult{RolledBack: false}
	}
	if res := op("start", map[string]any{"container_id": req.ContainerID}); res.Status != agent.StatusSuccess {
		e.log.Error("CRITICAL: rollback failed, backup preserved",
			"container", req.Name, "backup", backupName, "step", "start restored container", "error", res.Error)
		return ExecResult{RolledBack: false}
	}
	e.log.Info("rollback complete", "container", req.Name)
	return ExecResult{RolledBack: true}
}

// selfUpdate swaps the agent's own container. The agent performs the swap
// itself; the executor waits for the replacement to reconnect under the
// same agent id and verifies the reported version. There is no remote
// rollback.
func (e *AgentExecutor) selfUpdate(ctx context.Context, agentRow *store.Agent, req Request) (ExecResult, error) {
	req.Progress("pulling", 20, "Agent self-update: "+req.TargetImage)

	res := e.cmd.Execute(ctx, agentRow.ID, agent.TypeCommand, "self_update",
		map[string]any{"image": req.TargetImage}, agent.TimeoutLifecycle)
	// The old connection drops as the agent container stops; a transport
	// error or silence here is expected progression, an explicit agent
	// error is not.
	if res.Status == agent.StatusError && res.Error != "" && res.Error != "agent disconnected" {
		return ExecResult{}, fmt.Errorf("self_update: %s", res.Error)
	}

	req.Progress("starting", 80, "Waiting for agent to reconnect")
	expected := expectedAgentVersion(req.TargetImage)
	deadline := e.clock.Now().Add(e.reconnectWait)
	for {
		if e.sessions.Connected(agentRow.ID) {
			fresh, err := e.store.GetAgent(agentRow.ID)
			if err == nil && fresh != nil {
				if expected == "" || versionMatches(fresh.Version, expected) {
					req.Progress("completed", 100, "Agent updated to "+fresh.Version)
					return ExecResult{}, nil
				}
				return ExecResult{}, fmt.Errorf("agent version mismatch: reported %s, expected %s", fresh.Version, expected)
			}
		}
		if !e.clock.Now().Before(deadline) {
			return ExecResult{}, fmt.Errorf("agent did not reconnect within %ds", int(e.reconnectWait.Seconds()))
		}
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-e.clock.After(e.pollInterval):
		}
	}
}

// expectedAgentVersion extracts the version from the target image tag.
// Tags that carry no version (latest, missing) skip verification.
func expectedAgentVersion(imageRef string) string {
	idx := strings.LastIndex(imageRef, ":")
	if idx <= strings.LastIndex(imageRef, "/") {
		return ""
	}
	tag := imageRef[idx+1:]
	if tag == "" || tag == "latest" {
		return ""
	}
	return strings.TrimPrefix(tag, "v")
}

func versionMatches(reported, expected string) bool {
	return strings.TrimPrefix(reported, "v") == expected
}
