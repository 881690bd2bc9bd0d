package store

import "time"

// CompositeKey builds the cross-system container identifier "{hostID}:{shortID}".
// The short id alone is never sufficient: it is only unique per host.
func CompositeKey(hostID, shortID string) string {
	return hostID + ":" + shortID
}

// Host status values.
const (
	HostOnline  = "online"
	HostOffline = "offline"
	HostUnknown = "unknown"
)

// Host connection types.
const (
	ConnLocal     = "local"
	ConnTLSRemote = "tls-remote"
	ConnAgent     = "agent"
)

// Host is a registered Docker endpoint.
type Host struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	URL            string     `json:"url"` // unix://, tcp://, or agent:// placeholder
	ConnectionType string     `json:"connection_type"`
	TLSCA          string     `json:"tls_ca,omitempty"`
	TLSCert        string     `json:"tls_cert,omitempty"`
	TLSKey         string     `json:"tls_key,omitempty"`
	IsActive       bool       `json:"is_active"`
	IsPodman       bool       `json:"is_podman,omitempty"`
	Status         string     `json:"status"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Agent is one row per registered agent; the agent ID doubles as its
// permanent token after registration.
type Agent struct {
	ID           string          `json:"id"`
	HostID       string          `json:"host_id"`
	EngineID     string          `json:"engine_id"`
	Version      string          `json:"version"`
	ProtoVersion string          `json:"proto_version"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Status       string          `json:"status"`
	LastSeen     *time.Time      `json:"last_seen,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RegistrationToken is a single-use, short-lived token redeemed once to
// mint an Agent.
type RegistrationToken struct {
	ID        string    `json:"id"`
	CreatedBy string    `json:"created_by"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Floating-tag modes for ContainerUpdate.
const (
	FloatingExact  = "exact"
	FloatingPatch  = "patch"
	FloatingMinor  = "minor"
	FloatingLatest = "latest"
)

// Update policies.
const (
	PolicyAllow = "allow"
	PolicyWarn  = "warn"
	PolicyBlock = "block"
)

// ContainerUpdate tracks update availability per container. Config fields
// survive container recreation; state fields reset on recreation.
type ContainerUpdate struct {
	Key string `json:"key"` // composite key

	// Config, copied to the new row when the container is recreated.
	FloatingMode      string `json:"floating_mode"`
	AutoUpdateEnabled bool   `json:"auto_update_enabled"`
	Policy            string `json:"policy"` // warn, block, allow
	HealthStrategy    string `json:"health_strategy,omitempty"`
	HealthCheckURL    string `json:"health_check_url,omitempty"`
	Platform          string `json:"platform,omitempty"`
	RegistryURL       string `json:"registry_url,omitempty"`
	ChangelogURL      string `json:"changelog_url,omitempty"`

	// State, reset on recreation.
	CurrentImage    string     `json:"current_image,omitempty"`
	CurrentDigest   string     `json:"current_digest,omitempty"`
	CurrentVersion  string     `json:"current_version,omitempty"`
	LatestImage     string     `json:"latest_image,omitempty"`
	LatestDigest    string     `json:"latest_digest,omitempty"`
	LatestVersion   string     `json:"latest_version,omitempty"`
	UpdateAvailable bool       `json:"update_available"`
	LastChecked     *time.Time `json:"last_checked,omitempty"`
	LastUpdated     *time.Time `json:"last_updated,omitempty"`
}

// ResetState clears the state fields, leaving config intact. Used when the
// row is migrated to a recreated container.
func (cu *ContainerUpdate) ResetState() {
	cu.CurrentImage = ""
	cu.CurrentDigest = ""
	cu.CurrentVersion = ""
	cu.LatestImage = ""
	cu.LatestDigest = ""
	cu.LatestVersion = ""
	cu.UpdateAvailable = false
	cu.LastChecked = nil
	cu.LastUpdated = nil
}

// HTTP health check status values.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ContainerHTTPHealthCheck is an optional per-container HTTP probe. State
// transitions are debounced: a transition requires the configured number of
// consecutive observations of the opposite outcome.
type ContainerHTTPHealthCheck struct {
	Key string `json:"key"` // composite key

	// Config.
	URL                  string            `json:"url"`
	Method               string            `json:"method"`
	ExpectedStatusCodes  []string          `json:"expected_status_codes,omitempty"` // values or ranges, e.g. "200", "200-299"
	Timeout              time.Duration     `json:"timeout"`
	Interval             time.Duration     `json:"interval"`
	FollowRedirects      bool              `json:"follow_redirects"`
	VerifySSL            bool              `json:"verify_ssl"`
	Headers              map[string]string `json:"headers,omitempty"`
	AuthUser             string            `json:"auth_user,omitempty"`
	AuthPass             string            `json:"auth_pass,omitempty"`
	AutoRestartOnFailure bool              `json:"auto_restart_on_failure"`
	FailureThreshold     int               `json:"failure_threshold"`
	SuccessThreshold     int               `json:"success_threshold"`
	MaxRestartAttempts   int               `json:"max_restart_attempts"`
	RetryDelay           time.Duration     `json:"retry_delay"`
	CheckFrom            string            `json:"check_from"` // "backend" or "agent"

	// State.
	Status               string        `json:"status"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastChecked          *time.Time    `json:"last_checked,omitempty"`
	LastSuccess          *time.Time    `json:"last_success,omitempty"`
	LastFailure          *time.Time    `json:"last_failure,omitempty"`
	LastResponseTime     time.Duration `json:"last_response_time,omitempty"`
	LastError            string        `json:"last_error,omitempty"`
}

// ResetState clears the probe state fields, leaving config intact.
func (hc *ContainerHTTPHealthCheck) ResetState() {
	hc.Status = HealthUnknown
	hc.ConsecutiveSuccesses = 0
	hc.ConsecutiveFailures = 0
	hc.LastChecked = nil
	hc.LastSuccess = nil
	hc.LastFailure = nil
	hc.LastResponseTime = 0
	hc.LastError = ""
}

// AutoRestartConfig is config-only and survives recreation.
type AutoRestartConfig struct {
	Key          string `json:"key"` // composite key
	Enabled      bool   `json:"enabled"`
	MaxAttempts  int    `json:"max_attempts"`
	RetryDelay   time.Duration `json:"retry_delay"`
}

// ContainerDesiredState is config-only and survives recreation.
type ContainerDesiredState struct {
	Key     string `json:"key"` // composite key
	Desired string `json:"desired"` // "running" or "stopped"
}

// Alert rule scopes.
const (
	ScopeHost      = "host"
	ScopeContainer = "container"
	ScopeSystem    = "system"
)

// AlertRule defines a condition evaluated against metrics or events.
type AlertRule struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Scope   string `json:"scope"`
	Kind    string `json:"kind"` // e.g. container_stopped, cpu_high
	Enabled bool   `json:"enabled"`

	// Selectors. Empty slices match everything in scope.
	HostIDs        []string          `json:"host_ids,omitempty"`
	ContainerNames []string          `json:"container_names,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Tags           []string          `json:"tags,omitempty"`

	// Metric rules.
	Metric         string  `json:"metric,omitempty"`
	Operator       string  `json:"operator,omitempty"` // >, >=, <, <=, ==, !=
	Threshold      float64 `json:"threshold,omitempty"`
	ClearThreshold float64 `json:"clear_threshold,omitempty"`
	Occurrences    int     `json:"occurrences,omitempty"`

	// Debounce and deferral, in seconds.
	AlertActiveDelay        int `json:"alert_active_delay_seconds,omitempty"`
	AlertClearDelay         int `json:"alert_clear_delay_seconds,omitempty"`
	NotificationActiveDelay int `json:"notification_active_delay_seconds,omitempty"`
	NotificationCooldown    int `json:"notification_cooldown_seconds,omitempty"`
	ClearDuration           int `json:"clear_duration_seconds,omitempty"` // grace period

	Severity     string   `json:"severity"`
	GraceSeconds int      `json:"grace_seconds,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	ChannelIDs   []string `json:"channel_ids,omitempty"`
	Version      int      `json:"version"` // bumped on every update
}

// Alert states.
const (
	AlertOpen     = "open"
	AlertSnoozed  = "snoozed"
	AlertResolved = "resolved"
)

// DedupKey builds the alert dedup key "{ruleID}|{kind}|{scopeID}".
func DedupKey(ruleID, kind, scopeID string) string {
	return ruleID + "|" + kind + "|" + scopeID
}

// Alert is an open instance of a rule firing. At most one non-resolved
// Alert per dedup key exists at any time.
type Alert struct {
	ID          string  `json:"id"`
	DedupKey    string  `json:"dedup_key"`
	ScopeType   string  `json:"scope_type"`
	ScopeID     string  `json:"scope_id"` // composite key for containers
	RuleID      string  `json:"rule_id"`
	RuleVersion int     `json:"rule_version"`
	State       string  `json:"state"`
	Severity    string  `json:"severity"`
	Title       string  `json:"title"`
	Message     string  `json:"message"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Occurrences int     `json:"occurrences"`
	Labels      map[string]string `json:"labels,omitempty"`
	Value       float64 `json:"value,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`

	SnoozedUntil   *time.Time `json:"snoozed_until,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedReason string     `json:"resolved_reason,omitempty"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty"`

	HostID        string `json:"host_id,omitempty"`
	HostName      string `json:"host_name,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
}

// AlertAnnotation is an append-only note on an alert.
type AlertAnnotation struct {
	AlertID   string    `json:"alert_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// DigestCacheEntry is a persisted registry resolution keyed
// "{image}:{tag}:{platform}". Entries expire when now > CheckedAt + TTL.
type DigestCacheEntry struct {
	CacheKey    string            `json:"cache_key"`
	Digest      string            `json:"digest"`
	Manifest    []byte            `json:"manifest,omitempty"` // raw manifest JSON
	Labels      map[string]string `json:"labels,omitempty"`   // image config labels
	RegistryURL string            `json:"registry_url"`
	TTL         time.Duration     `json:"ttl"`
	CheckedAt   time.Time         `json:"checked_at"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *DigestCacheEntry) Expired(now time.Time) bool {
	return now.After(e.CheckedAt.Add(e.TTL))
}

// Tag is a user-defined label applied to containers.
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TagAssignment binds a tag to a subject with sticky-reattach metadata so
// the tag can follow a logical container across recreations.
type TagAssignment struct {
	TagID       string `json:"tag_id"`
	SubjectType string `json:"subject_type"` // "container"
	SubjectID   string `json:"subject_id"`   // composite key

	ComposeProject        string    `json:"compose_project,omitempty"`
	ComposeService        string    `json:"compose_service,omitempty"`
	HostIDAtAttach        string    `json:"host_id_at_attach,omitempty"`
	ContainerNameAtAttach string    `json:"container_name_at_attach,omitempty"`
	LastSeenAt            time.Time `json:"last_seen_at"`
}

// Deployment states.
const (
	DeployPlanning     = "planning"
	DeployValidating   = "validating"
	DeployPullingImage = "pulling_image"
	DeployCreating     = "creating"
	DeployStarting     = "starting"
	DeployRunning      = "running"
	DeployFailed       = "failed"
	DeployRolledBack   = "rolled_back"
	DeployPartial      = "partial"
)

// Deployment records a stack or single-container deployment.
type Deployment struct {
	ID          string    `json:"id"`
	HostID      string    `json:"host_id"`
	ProjectName string    `json:"project_name"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeploymentMetadata links a container to the deployment that created it.
type DeploymentMetadata struct {
	Key          string `json:"key"` // composite key
	DeploymentID string `json:"deployment_id"`
	ServiceName  string `json:"service_name,omitempty"`
}

// EventLogEntry is a persisted operator-visible event.
type EventLogEntry struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Severity      string    `json:"severity,omitempty"`
	HostID        string    `json:"host_id,omitempty"`
	ContainerName string    `json:"container_name,omitempty"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}
