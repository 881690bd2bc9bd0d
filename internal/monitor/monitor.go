// Package monitor runs the container discovery loop: per-host scans on a
// steady interval, host online/offline edge detection with reconnect
// backoff, and sticky-tag reattachment across container recreations.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"

	"github.com/docker/docker/api/types/container"
)

// Compose labels used for sticky-tag identity.
const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
)

// backoffDelays is the reconnect schedule for offline hosts. The first
// retry happens immediately; later retries cap at five minutes.
var backoffDelays = []time.Duration{
	0, 5 * time.Second, 10 * time.Second, 20 * time.Second,
	40 * time.Second, 80 * time.Second, 160 * time.Second, 300 * time.Second,
}

// backoffDelay returns the wait before reconnect attempt n (0-based).
func backoffDelay(n int) time.Duration {
	if n >= len(backoffDelays) {
		return backoffDelays[len(backoffDelays)-1]
	}
	return backoffDelays[n]
}

// Observed is one discovered container, merged with its latest stats.
type Observed struct {
	Key            string // composite key "{hostID}:{shortID}"
	HostID         string
	HostName       string
	ID             string // 12-char short id
	Name           string
	Image          string
	State          string
	Status         string
	Labels         map[string]string
	ComposeProject string
	ComposeService string
	Stats          *docker.StatsResult
}

// clientSource yields a Docker client per host. Satisfied by *docker.Pool.
type clientSource interface {
	Get(ctx context.Context, h store.Host) (docker.API, error)
	Evict(hostID string)
}

// Monitor is the discovery loop. It is the sole writer of per-host status
// state; host edge events are emitted exactly once per transition.
type Monitor struct {
	store    *store.Store
	clients  clientSource
	bus      *events.Bus
	clock    clock.Clock
	log      *logging.Logger
	interval time.Duration

	// Per-host reconnect state, owned by the loop goroutine.
	prevStatus  map[string]string
	failCount   map[string]int
	lastAttempt map[string]time.Time

	mu       sync.RWMutex
	snapshot map[string]Observed

	statsMu sync.RWMutex
	stats   map[string]docker.StatsResult
}

// New creates a discovery monitor scanning at the given interval.
func New(st *store.Store, clients clientSource, bus *events.Bus, clk clock.Clock, log *logging.Logger, interval time.Duration) *Monitor {
	return &Monitor{
		store:       st,
		clients:     clients,
		bus:         bus,
		clock:       clk,
		log:         log.Component("monitor"),
		interval:    interval,
		prevStatus:  make(map[string]string),
		failCount:   make(map[string]int),
		lastAttempt: make(map[string]time.Time),
		snapshot:    make(map[string]Observed),
		stats:       make(map[string]docker.StatsResult),
	}
}

// Run scans all hosts until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one scan pass over every active poll-capable host. Agent
// hosts are skipped; their containers and status arrive over the agent
// session.
func (m *Monitor) Tick(ctx context.Context) {
	hosts, err := m.store.ListHosts()
	if err != nil {
		m.log.Error("list hosts", "error", err)
		return
	}

	online := 0
	for _, h := range hosts {
		if !h.IsActive || h.ConnectionType == store.ConnAgent {
			continue
		}
		if m.scanHost(ctx, h) {
			online++
		}
	}
	metrics.HostsOnline.Set(float64(online))
}

// scanHost runs one host scan and reports whether the host ended online.
func (m *Monitor) scanHost(ctx context.Context, h store.Host) bool {
	now := m.clock.Now()

	if m.prevStatus[h.ID] == store.HostOffline {
		wait := backoffDelay(m.failCount[h.ID] - 1)
		if now.Sub(m.lastAttempt[h.ID]) < wait {
			return false
		}
	}

	client, err := m.clients.Get(ctx, h)
	if err == nil {
		var containers []container.Summary
		containers, err = client.ListAllContainers(ctx)
		if err == nil {
			m.markOnline(h, now)
			m.ingest(h, containers, now)
			return true
		}
	}

	m.markOffline(h, now, err)
	return false
}

func (m *Monitor) markOnline(h store.Host, now time.Time) {
	prev := m.prevStatus[h.ID]
	m.prevStatus[h.ID] = store.HostOnline
	m.failCount[h.ID] = 0

	if err := m.store.SetHostStatus(h.ID, store.HostOnline, now); err != nil {
		m.log.Warn("persist host status", "host", h.Name, "error", err)
	}
	if prev != store.HostOnline {
		m.bus.Publish(events.Event{
			Type:    events.HostConnected,
			HostID:  h.ID,
			Message: "Host connected",
		})
		m.log.Info("host connected", "host", h.Name)
	}
}

func (m *Monitor) markOffline(h store.Host, now time.Time, cause error) {
	prev := m.prevStatus[h.ID]
	m.prevStatus[h.ID] = store.HostOffline
	m.failCount[h.ID]++
	m.lastAttempt[h.ID] = now
	m.clients.Evict(h.ID)

	if err := m.store.SetHostStatus(h.ID, store.HostOffline, now); err != nil {
		m.log.Warn("persist host status", "host", h.Name, "error", err)
	}
	// The edge fires on online→offline only, never offline→offline.
	if prev == store.HostOnline || prev == "" || prev == store.HostUnknown {
		if prev == store.HostOnline {
			m.bus.Publish(events.Event{
				Type:     events.HostDisconnected,
				Severity: events.SeverityError,
				HostID:   h.ID,
				Message:  "Host disconnected",
			})
		}
		m.log.Warn("host unreachable", "host", h.Name, "error", cause)
	}
}

// ingest processes one host's container listing. A failure on one
// container never aborts the rest of the scan.
func (m *Monitor) ingest(h store.Host, containers []container.Summary, now time.Time) {
	seen := make(map[string]Observed, len(containers))
	for _, c := range containers {
		obs, err := m.observe(h, c, now)
		if err != nil {
			m.log.Warn("observe container",
				"host", h.Name, "container_id", docker.TruncateID(c.ID), "error", err)
			continue
		}
		seen[obs.Key] = obs
	}

	m.mu.Lock()
	for key, obs := range m.snapshot {
		if obs.HostID == h.ID {
			if _, ok := seen[key]; !ok {
				delete(m.snapshot, key)
			}
		}
	}
	newKeys := make([]Observed, 0)
	for key, obs := range seen {
		if _, existed := m.snapshot[key]; !existed {
			newKeys = append(newKeys, obs)
		}
		m.snapshot[key] = obs
	}
	m.mu.Unlock()

	for _, obs := range newKeys {
		m.bus.Publish(events.Event{
			Type:          events.ContainerDiscovered,
			HostID:        h.ID,
			ContainerID:   obs.ID,
			ContainerName: obs.Name,
		})
	}
}

// observe builds the record for one container and maintains its sticky
// tags. Panics from unexpected daemon payloads are contained here.
func (m *Monitor) observe(h store.Host, c container.Summary, now time.Time) (obs Observed, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &scanPanic{value: r}
		}
	}()

	shortID := docker.TruncateID(c.ID)
	key := store.CompositeKey(h.ID, shortID)

	obs = Observed{
		Key:            key,
		HostID:         h.ID,
		HostName:       h.Name,
		ID:             shortID,
		Name:           containerName(c),
		Image:          resolveImageRef(c),
		State:          c.State,
		Status:         c.Status,
		Labels:         c.Labels,
		ComposeProject: c.Labels[labelComposeProject],
		ComposeService: c.Labels[labelComposeService],
	}

	m.statsMu.RLock()
	if st, ok := m.stats[key]; ok {
		copied := st
		obs.Stats = &copied
	}
	m.statsMu.RUnlock()

	if err := m.reattachTags(h, obs, now); err != nil {
		m.log.Warn("sticky tag reattach", "container", obs.Name, "error", err)
	}
	return obs, nil
}

// reattachTags keeps tag assignments attached to the logical container.
// A container with no assignments inherits those of its predecessor,
// matched first by compose identity on the same host, then by name.
func (m *Monitor) reattachTags(h store.Host, obs Observed, now time.Time) error {
	current, err := m.store.ListAssignmentsForSubject("container", obs.Key)
	if err != nil {
		return err
	}
	if len(current) > 0 {
		for _, ta := range current {
			if err := m.store.TouchAssignment("container", obs.Key, ta.TagID, now); err != nil {
				return err
			}
		}
		return nil
	}

	var prior []store.TagAssignment
	if obs.ComposeProject != "" && obs.ComposeService != "" {
		prior, err = m.store.FindAssignmentsByCompose(h.ID, obs.ComposeProject, obs.ComposeService)
		if err != nil {
			return err
		}
	}
	if len(prior) == 0 {
		prior, err = m.store.FindAssignmentsByName(h.ID, obs.Name)
		if err != nil {
			return err
		}
	}

	for _, old := range prior {
		if old.SubjectID == obs.Key {
			continue
		}
		moved := old
		moved.SubjectID = obs.Key
		moved.HostIDAtAttach = h.ID
		moved.ContainerNameAtAttach = obs.Name
		moved.ComposeProject = obs.ComposeProject
		moved.ComposeService = obs.ComposeService
		moved.LastSeenAt = now
		if err := m.store.SaveTagAssignment(moved); err != nil {
			return err
		}
		if err := m.store.DeleteTagAssignment(old.SubjectType, old.SubjectID, old.TagID); err != nil {
			return err
		}
		m.log.Info("tag reattached",
			"tag_id", old.TagID, "from", old.SubjectID, "to", obs.Key)
	}
	return nil
}

// RecordStats stores the latest stats sample for a composite key. Fed by
// the local stats collector and by agent stats frames.
func (m *Monitor) RecordStats(key string, st docker.StatsResult) {
	m.statsMu.Lock()
	m.stats[key] = st
	m.statsMu.Unlock()
}

// Snapshot returns the current observed container set keyed by composite
// key.
func (m *Monitor) Snapshot() map[string]Observed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Observed, len(m.snapshot))
	for k, v := range m.snapshot {
		out[k] = v
	}
	return out
}

// Lookup returns one observed container by composite key.
func (m *Monitor) Lookup(key string) (Observed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obs, ok := m.snapshot[key]
	return obs, ok
}

func containerName(c container.Summary) string {
	if len(c.Names) == 0 {
		return docker.TruncateID(c.ID)
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

// resolveImageRef picks the best human-readable image reference: the tag
// the daemon reports, else the image id's sha prefix.
func resolveImageRef(c container.Summary) string {
	if c.Image != "" && !strings.HasPrefix(c.Image, "sha256:") {
		return c.Image
	}
	id := c.ImageID
	if id == "" {
		id = c.Image
	}
	return docker.TruncateID(strings.TrimPrefix(id, "sha256:"))
}

type scanPanic struct{ value any }

func (p *scanPanic) Error() string { return fmt.Sprintf("container scan panic: %v", p.value) }
