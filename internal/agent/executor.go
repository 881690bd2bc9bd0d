package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"

	"github.com/google/uuid"
)

// Status of a completed command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Result is the outcome of one correlated command.
type Result struct {
	Status   Status
	Payload  json.RawMessage
	Error    string
	Duration time.Duration
}

// Default command timeouts. Stop and verify-running depend on caller
// parameters, see StopTimeout and VerifyRunningTimeout.
const (
	TimeoutLifecycle = 30 * time.Second
	TimeoutInspect   = 15 * time.Second
	TimeoutLogs      = 30 * time.Second
	TimeoutPull      = 1800 * time.Second
)

// StopTimeout allows the container its grace period plus transport slack.
func StopTimeout(graceSeconds int) time.Duration {
	return 10*time.Second + time.Duration(graceSeconds)*time.Second + 20*time.Second
}

// VerifyRunningTimeout bounds a verify_running command by the wait the
// agent was asked to perform.
func VerifyRunningTimeout(maxWait time.Duration) time.Duration {
	return maxWait + 10*time.Second
}

type pendingKey struct {
	agentID       string
	correlationID string
}

type pendingCommand struct {
	ch      chan Result
	started time.Time
}

// SendFunc delivers an outbound frame to a connected agent. It reports
// false when the agent has no live session or the write failed.
type SendFunc func(agentID string, msg Message) bool

// Executor issues correlated commands to agents and matches inbound
// response frames to waiting callers. One Executor serves all agents.
type Executor struct {
	mu      sync.Mutex
	pending map[pendingKey]*pendingCommand

	send  SendFunc
	clock clock.Clock
	log   *logging.Logger
}

// NewExecutor creates an executor delivering frames through send.
func NewExecutor(send SendFunc, clk clock.Clock, log *logging.Logger) *Executor {
	return &Executor{
		pending: make(map[pendingKey]*pendingCommand),
		send:    send,
		clock:   clk,
		log:     log.Component("agent-executor"),
	}
}

// Execute sends one command and blocks until a response arrives, the
// timeout passes, or ctx is cancelled. It never returns an error: failures
// surface as Result.Status ERROR or TIMEOUT.
func (e *Executor) Execute(ctx context.Context, agentID, msgType, cmd string, payload any, timeout time.Duration) Result {
	started := e.clock.Now()
	correlationID := uuid.NewString()

	msg, err := command(msgType, correlationID, cmd, payload)
	if err != nil {
		return e.finish(Result{Status: StatusError, Error: "encode payload: " + err.Error()}, started)
	}

	key := pendingKey{agentID: agentID, correlationID: correlationID}
	pc := &pendingCommand{ch: make(chan Result, 1), started: started}
	e.mu.Lock()
	e.pending[key] = pc
	e.mu.Unlock()

	if !e.send(agentID, msg) {
		e.remove(key)
		return e.finish(Result{Status: StatusError, Error: "agent not connected"}, started)
	}

	select {
	case res := <-pc.ch:
		return e.finish(res, started)
	case <-e.clock.After(timeout):
		e.remove(key)
		e.log.Warn("command timed out",
			"agent_id", agentID, "command", cmd, "timeout", timeout)
		return e.finish(Result{Status: StatusTimeout, Error: "command timed out"}, started)
	case <-ctx.Done():
		e.remove(key)
		return e.finish(Result{Status: StatusError, Error: ctx.Err().Error()}, started)
	}
}

// HandleResponse routes an inbound correlated frame to its waiting caller.
// Frames with no matching pending command are discarded; the caller has
// already timed out or been failed.
func (e *Executor) HandleResponse(agentID string, msg Message) {
	key := pendingKey{agentID: agentID, correlationID: msg.ID}
	e.mu.Lock()
	pc, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("discarding late response",
			"agent_id", agentID, "correlation_id", msg.ID)
		return
	}

	res := Result{Status: StatusSuccess, Payload: msg.Payload}
	if msg.Type == TypeError || msg.Error != "" {
		res.Status = StatusError
		res.Error = msg.Error
	}
	pc.ch <- res
}

// FailPending completes every in-flight command for an agent with an
// error. Called when the agent's session is torn down.
func (e *Executor) FailPending(agentID, reason string) {
	e.mu.Lock()
	var failed []*pendingCommand
	for key, pc := range e.pending {
		if key.agentID == agentID {
			failed = append(failed, pc)
			delete(e.pending, key)
		}
	}
	e.mu.Unlock()

	for _, pc := range failed {
		pc.ch <- Result{Status: StatusError, Error: reason}
	}
}

func (e *Executor) remove(key pendingKey) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

func (e *Executor) finish(res Result, started time.Time) Result {
	res.Duration = e.clock.Since(started)
	metrics.AgentCommands.WithLabelValues(string(res.Status)).Inc()
	return res
}
