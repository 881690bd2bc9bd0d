package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/darthnorse/dockmon/internal/agent"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/google/uuid"
)

// Compose deployments get the pull budget; image pulls dominate.
const deployTimeout = 1800 * time.Second

// commander issues correlated commands to an agent. Satisfied by
// *agent.Executor.
type commander interface {
	Execute(ctx context.Context, agentID, msgType, cmd string, payload any, timeout time.Duration) agent.Result
}

// DeployRequest describes one stack deployment on an agent host.
type DeployRequest struct {
	HostID         string
	AgentID        string
	ProjectName    string
	ComposeContent string

	// Forwarded verbatim to the agent.
	Profiles       []string
	WaitForHealthy bool
	HealthTimeout  int // seconds
}

type deployPayload struct {
	ProjectName    string   `json:"project_name"`
	ComposeContent string   `json:"compose_content"`
	Profiles       []string `json:"profiles,omitempty"`
	WaitForHealthy bool     `json:"wait_for_healthy,omitempty"`
	HealthTimeout  int      `json:"health_timeout,omitempty"`
	Action         string   `json:"action"`
}

// deployOutcome is the agent's terminal deploy_compose response.
type deployOutcome struct {
	Status     string `json:"status"` // running or partial
	Error      string `json:"error,omitempty"`
	Containers []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Service string `json:"service"`
	} `json:"containers,omitempty"`
}

// progressFrame is an asynchronous deploy_progress frame.
type progressFrame struct {
	DeploymentID string `json:"deployment_id"`
	Phase        string `json:"phase"`
	PhasePct     int    `json:"phase_pct"`
	Total        int    `json:"total"`
	Done         int    `json:"done"`
}

// Deployer validates, plans, and executes stack deployments through a
// connected agent, tracking each one in the deployment state machine.
type Deployer struct {
	store *store.Store
	exec  commander
	bus   *events.Bus
	clock clock.Clock
	log   *logging.Logger
}

// NewDeployer wires a stack deployer.
func NewDeployer(st *store.Store, exec commander, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Deployer {
	return &Deployer{
		store: st,
		exec:  exec,
		bus:   bus,
		clock: clk,
		log:   log.Component("stack"),
	}
}

// Deploy runs one deployment end to end and returns the final record.
// Validation failures land the record in failed; the error carries the
// reason.
func (d *Deployer) Deploy(ctx context.Context, req DeployRequest) (*store.Deployment, error) {
	now := d.clock.Now()
	dep := store.Deployment{
		ID:          uuid.NewString(),
		HostID:      req.HostID,
		ProjectName: req.ProjectName,
		Status:      store.DeployPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.SaveDeployment(dep); err != nil {
		return nil, err
	}

	doc, err := Parse([]byte(req.ComposeContent))
	if err != nil {
		return d.fail(dep.ID, err)
	}
	if _, err := PlanDeployment(doc, req.Profiles); err != nil {
		return d.fail(dep.ID, err)
	}
	if err := d.transition(dep.ID, store.DeployValidating, ""); err != nil {
		return nil, err
	}
	return d.execute(ctx, dep.ID, req)
}

// Retry re-runs a partial deployment. Any other state is rejected by the
// state machine.
func (d *Deployer) Retry(ctx context.Context, deploymentID string, req DeployRequest) (*store.Deployment, error) {
	if err := d.transition(deploymentID, store.DeployValidating, ""); err != nil {
		return nil, err
	}
	return d.execute(ctx, deploymentID, req)
}

// execute drives the deployment from validating to a terminal state via
// the agent's deploy_compose command.
func (d *Deployer) execute(ctx context.Context, deploymentID string, req DeployRequest) (*store.Deployment, error) {
	if err := d.transition(deploymentID, store.DeployPullingImage, ""); err != nil {
		return nil, err
	}
	d.publishProgress(deploymentID, "pull", 0, 1, 0)

	res := d.exec.Execute(ctx, req.AgentID, agent.TypeCommand, "deploy_compose", deployPayload{
		ProjectName:    req.ProjectName,
		ComposeContent: req.ComposeContent,
		Profiles:       req.Profiles,
		WaitForHealthy: req.WaitForHealthy,
		HealthTimeout:  req.HealthTimeout,
		Action:         "deploy",
	}, deployTimeout)

	if res.Status != agent.StatusSuccess {
		return d.fail(deploymentID, fmt.Errorf("deploy_compose: %s", res.Error))
	}

	var outcome deployOutcome
	if err := json.Unmarshal(res.Payload, &outcome); err != nil {
		return d.fail(deploymentID, fmt.Errorf("decode deploy result: %w", err))
	}

	for _, c := range outcome.Containers {
		err := d.store.SaveDeploymentMetadata(store.DeploymentMetadata{
			Key:          store.CompositeKey(req.HostID, c.ID),
			DeploymentID: deploymentID,
			ServiceName:  c.Service,
		})
		if err != nil {
			d.log.Warn("save deployment metadata", "deployment_id", deploymentID, "container", c.Name, "error", err)
		}
	}

	if outcome.Status == store.DeployPartial {
		if err := d.transition(deploymentID, store.DeployPartial, outcome.Error); err != nil {
			return nil, err
		}
		d.log.Warn("deployment partial", "deployment_id", deploymentID, "project", req.ProjectName, "error", outcome.Error)
		return d.store.GetDeployment(deploymentID)
	}

	for _, status := range []string{store.DeployCreating, store.DeployStarting, store.DeployRunning} {
		if err := d.transition(deploymentID, status, ""); err != nil {
			return nil, err
		}
	}
	d.publishProgress(deploymentID, "health", 100, 1, 1)
	d.log.Info("deployment running", "deployment_id", deploymentID, "project", req.ProjectName)
	return d.store.GetDeployment(deploymentID)
}

// HandleProgress routes an asynchronous deploy_progress frame: it
// broadcasts the composed percentage and advances the state machine when
// the agent enters a later phase. Invalid transitions are ignored; frames
// may arrive out of order.
func (d *Deployer) HandleProgress(msg agent.Message) {
	var frame progressFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil || frame.DeploymentID == "" {
		return
	}

	d.publishProgress(frame.DeploymentID, frame.Phase, frame.PhasePct, frame.Total, frame.Done)

	status := ""
	switch frame.Phase {
	case "create":
		status = store.DeployCreating
	case "start", "health":
		status = store.DeployStarting
	}
	if status == "" {
		return
	}
	if err := d.store.TransitionDeployment(frame.DeploymentID, status, "", d.clock.Now()); err != nil {
		d.log.Debug("progress transition skipped", "deployment_id", frame.DeploymentID, "phase", frame.Phase)
	}
}

func (d *Deployer) publishProgress(deploymentID, phase string, phasePct, total, done int) {
	d.bus.Publish(events.Event{
		Type:      events.DeploymentProgress,
		Severity:  events.SeverityInfo,
		Message:   deploymentID,
		Stage:     phase,
		Percent:   Progress(phase, phasePct, total, done),
		Timestamp: d.clock.Now(),
	})
}

func (d *Deployer) transition(deploymentID, status, errMsg string) error {
	return d.store.TransitionDeployment(deploymentID, status, errMsg, d.clock.Now())
}

// fail lands the deployment in failed and returns the cause alongside the
// final record.
func (d *Deployer) fail(deploymentID string, cause error) (*store.Deployment, error) {
	if err := d.transition(deploymentID, store.DeployFailed, cause.Error()); err != nil {
		d.log.Error("mark deployment failed", "deployment_id", deploymentID, "error", err)
	}
	dep, _ := d.store.GetDeployment(deploymentID)
	return dep, cause
}
