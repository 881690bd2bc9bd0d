package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// authTimeout is how long a fresh connection has to present its first frame.
const defaultAuthTimeout = 30 * time.Second

// responder receives correlated inbound frames and session teardown.
// Satisfied by *Executor.
type responder interface {
	HandleResponse(agentID string, msg Message)
	FailPending(agentID, reason string)
}

type session struct {
	agentID string
	hostID  string
	conn    *websocket.Conn

	// writeMu serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

func (s *session) write(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *session) writeClose(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// Manager owns the process-wide agent session table. At most one live
// WebSocket exists per agent id; a new registration closes the prior
// connection before the new entry is inserted.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	store *store.Store
	exec  responder
	bus   *events.Bus
	clock clock.Clock
	log   *logging.Logger

	authTimeout time.Duration
	upgrader    websocket.Upgrader

	// OnStats, when set, receives raw stats frames keyed by host id.
	OnStats func(hostID string, payload json.RawMessage)

	// OnDeployProgress, when set, receives uncorrelated deploy progress
	// frames.
	OnDeployProgress func(msg Message)
}

// NewManager creates a session manager. Wire the returned manager's
// SendCommand into the Executor's SendFunc.
func NewManager(st *store.Store, exec responder, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Manager {
	return &Manager{
		sessions:    make(map[string]*session),
		store:       st,
		exec:        exec,
		bus:         bus,
		clock:       clk,
		log:         log.Component("agent-manager"),
		authTimeout: defaultAuthTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are headless clients; there is no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades an incoming agent connection and runs its session to
// completion. Mount at the agent WebSocket endpoint.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s, err := m.authenticate(conn)
	if err != nil {
		m.log.Info("agent auth failed", "remote", r.RemoteAddr, "error", err)
		conn.WriteJSON(AuthError{Type: TypeAuthError, Error: err.Error()})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(5*time.Second))
		conn.Close()
		return
	}

	m.register(s)
	m.readLoop(s)
}

// authenticate reads and validates the first frame within the auth window.
func (m *Manager) authenticate(conn *websocket.Conn) (*session, error) {
	conn.SetReadDeadline(time.Now().Add(m.authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var frame AuthFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, fmt.Errorf("no auth frame: %w", err)
	}

	now := m.clock.Now()
	switch frame.Type {
	case TypeRegister:
		// Permanent-token path: the token is an existing agent id.
		if a, err := m.store.GetAgent(frame.Token); err != nil {
			return nil, fmt.Errorf("lookup agent: %w", err)
		} else if a != nil {
			return m.reconnectAgent(conn, a, frame, now)
		}
		return m.registerAgent(conn, frame, now)

	case TypeReconnect:
		a, err := m.store.GetAgent(frame.AgentID)
		if err != nil {
			return nil, fmt.Errorf("lookup agent: %w", err)
		}
		if a == nil {
			return nil, fmt.Errorf("unknown agent %s", frame.AgentID)
		}
		return m.reconnectAgent(conn, a, frame, now)

	default:
		return nil, fmt.Errorf("unexpected first frame type %q", frame.Type)
	}
}

// registerAgent redeems a registration token and mints an agent plus its
// host row of connection type agent.
func (m *Manager) registerAgent(conn *websocket.Conn, frame AuthFrame, now time.Time) (*session, error) {
	tok, err := m.store.ConsumeRegistrationToken(frame.Token, now)
	if err != nil {
		return nil, fmt.Errorf("redeem token: %w", err)
	}
	if tok == nil {
		return nil, fmt.Errorf("invalid registration token")
	}

	agentID := uuid.NewString()
	hostID := uuid.NewString()

	name := frame.Hostname
	if name == "" {
		name = "agent-" + agentID[:8]
	}
	host := store.Host{
		ID:             hostID,
		Name:           name,
		URL:            "agent://" + agentID,
		ConnectionType: store.ConnAgent,
		IsPodman:       frame.IsPodman,
		IsActive:       true,
		Status:         store.HostOnline,
		LastChecked:    &now,
		CreatedAt:      now,
	}
	if err := m.store.SaveHost(host); err != nil {
		return nil, fmt.Errorf("save host: %w", err)
	}

	a := store.Agent{
		ID:           agentID,
		HostID:       hostID,
		EngineID:     frame.EngineID,
		Version:      frame.Version,
		ProtoVersion: frame.ProtoVersion,
		Capabilities: frame.Capabilities,
		Status:       store.HostOnline,
		LastSeen:     &now,
		CreatedAt:    now,
	}
	if err := m.store.SaveAgent(a); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}

	if err := conn.WriteJSON(AuthSuccess{
		Type:           TypeAuthSuccess,
		AgentID:        agentID,
		HostID:         hostID,
		PermanentToken: agentID,
	}); err != nil {
		return nil, fmt.Errorf("send auth_success: %w", err)
	}

	m.log.Info("agent registered",
		"agent_id", agentID, "host_id", hostID, "version", frame.Version)
	return &session{agentID: agentID, hostID: hostID, conn: conn}, nil
}

// reconnectAgent validates an existing agent's engine id and resumes it.
func (m *Manager) reconnectAgent(conn *websocket.Conn, a *store.Agent, frame AuthFrame, now time.Time) (*session, error) {
	if a.EngineID != frame.EngineID {
		return nil, fmt.Errorf("Engine_id mismatch")
	}

	a.Status = store.HostOnline
	a.LastSeen = &now
	if frame.Version != "" {
		a.Version = frame.Version
	}
	if err := m.store.SaveAgent(*a); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}

	if err := conn.WriteJSON(AuthSuccess{
		Type:    TypeAuthSuccess,
		AgentID: a.ID,
		HostID:  a.HostID,
	}); err != nil {
		return nil, fmt.Errorf("send auth_success: %w", err)
	}

	m.log.Info("agent reconnected", "agent_id", a.ID, "version", a.Version)
	return &session{agentID: a.ID, hostID: a.HostID, conn: conn}, nil
}

// register inserts a session, closing any prior connection for the same
// agent id first.
func (m *Manager) register(s *session) {
	m.mu.Lock()
	if prior, ok := m.sessions[s.agentID]; ok {
		prior.writeClose(websocket.CloseNormalClosure, "New connection established")
		prior.conn.Close()
	}
	m.sessions[s.agentID] = s
	metrics.AgentSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:    events.AgentConnected,
		HostID:  s.hostID,
		Message: "Agent connected",
	})
}

// readLoop consumes frames until the transport fails, then tears the
// session down.
func (m *Manager) readLoop(s *session) {
	defer m.disconnect(s)

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				m.log.Warn("agent read failed", "agent_id", s.agentID, "error", err)
			}
			return
		}
		m.handleFrame(s, msg)
	}
}

func (m *Manager) handleFrame(s *session, msg Message) {
	// A correlation id routes the frame to its waiting command, whatever
	// the type.
	if msg.ID != "" {
		m.exec.HandleResponse(s.agentID, msg)
		return
	}

	switch msg.Type {
	case TypeHeartbeat:
		if err := m.store.TouchAgent(s.agentID, m.clock.Now()); err != nil {
			m.log.Warn("heartbeat persist failed", "agent_id", s.agentID, "error", err)
		}
	case TypeStats:
		if m.OnStats != nil {
			m.OnStats(s.hostID, msg.Payload)
		}
	case TypeEvent:
		m.handleContainerEvent(s, msg)
	case TypeDeployProgress:
		if m.OnDeployProgress != nil {
			m.OnDeployProgress(msg)
		}
	default:
		m.log.Debug("unhandled agent frame",
			"agent_id", s.agentID, "type", msg.Type, "command", msg.Command)
	}
}

// containerEventPayload is the lifecycle event body agents send.
type containerEventPayload struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Action        string `json:"action"`
	Status        string `json:"status,omitempty"`
}

func (m *Manager) handleContainerEvent(s *session, msg Message) {
	if msg.Command != "container_event" {
		return
	}
	var p containerEventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		m.log.Debug("bad container event payload", "agent_id", s.agentID, "error", err)
		return
	}

	var typ events.Type
	switch p.Action {
	case "start":
		typ = events.ContainerStarted
	case "stop", "die":
		typ = events.ContainerStopped
	case "health_status":
		typ = events.ContainerHealth
	default:
		return
	}
	m.bus.Publish(events.Event{
		Type:          typ,
		HostID:        s.hostID,
		ContainerID:   p.ContainerID,
		ContainerName: p.ContainerName,
		Message:       p.Status,
	})
}

// disconnect removes the session if it is still current, marks the agent
// offline, and fails its pending commands.
func (m *Manager) disconnect(s *session) {
	s.conn.Close()

	m.mu.Lock()
	current, ok := m.sessions[s.agentID]
	replaced := ok && current != s
	if ok && current == s {
		delete(m.sessions, s.agentID)
	}
	metrics.AgentSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	// A replaced connection's teardown must not touch the new session's
	// state.
	if replaced {
		return
	}

	now := m.clock.Now()
	if err := m.store.SetAgentStatus(s.agentID, store.HostOffline, now); err != nil {
		m.log.Warn("mark agent offline failed", "agent_id", s.agentID, "error", err)
	}
	m.exec.FailPending(s.agentID, "agent disconnected")
	m.bus.Publish(events.Event{
		Type:     events.AgentDisconnected,
		Severity: events.SeverityError,
		HostID:   s.hostID,
		Message:  "Agent disconnected",
	})
	m.log.Info("agent disconnected", "agent_id", s.agentID)
}

// SendCommand delivers one frame to a connected agent. The session is read
// under the lock; the write happens outside it. A failed write reports
// false without evicting the session; eviction belongs to the read side.
func (m *Manager) SendCommand(agentID string, msg Message) bool {
	m.mu.RLock()
	s, ok := m.sessions[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.write(msg); err != nil {
		m.log.Warn("send to agent failed", "agent_id", agentID, "error", err)
		return false
	}
	return true
}

// Connected reports whether an agent currently has a live session.
func (m *Manager) Connected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[agentID]
	return ok
}
