package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"

	"github.com/prometheus/common/version"
)

const defaultReleasesURL = "https://api.github.com/repos/darthnorse/dockmon/releases/latest"

// UpstreamChecker polls the release feed and announces when a newer
// DockMon version is published. The running version comes from the build
// info stamped at link time.
type UpstreamChecker struct {
	url    string
	client *http.Client
	bus    *events.Bus
	clock  clock.Clock
	log    *logging.Logger

	// last release announced, to avoid repeating the same event every
	// six hours.
	announced string
}

// NewUpstreamChecker wires a checker against the default release feed.
// An empty url keeps the default.
func NewUpstreamChecker(url string, bus *events.Bus, clk clock.Clock, log *logging.Logger) *UpstreamChecker {
	if url == "" {
		url = defaultReleasesURL
	}
	return &UpstreamChecker{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		bus:    bus,
		clock:  clk,
		log:    log.Component("upstream"),
	}
}

// Check fetches the latest release and emits an event when it is newer
// than the running version. Failures are logged and retried on the next
// schedule.
func (u *UpstreamChecker) Check(ctx context.Context) {
	latest, err := u.fetchLatest(ctx)
	if err != nil {
		u.log.Warn("upstream check failed", "error", err)
		return
	}

	current := version.Version
	if current == "" || latest == "" || latest == u.announced {
		return
	}
	if !versionNewer(latest, current) {
		return
	}

	u.announced = latest
	u.log.Info("new version available", "current", current, "latest", latest)
	u.bus.Publish(events.Event{
		Type:      events.UpstreamUpdateAvailable,
		Severity:  events.SeverityInfo,
		Message:   fmt.Sprintf("DockMon %s is available (running %s)", latest, current),
		Timestamp: u.clock.Now(),
	})
}

func (u *UpstreamChecker) fetchLatest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release feed returned %s", resp.Status)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", err
	}
	return release.TagName, nil
}

// versionNewer reports whether a is a strictly newer release than b.
// Both may carry a leading "v"; non-numeric segments compare as zero.
func versionNewer(a, b string) bool {
	as := versionParts(a)
	bs := versionParts(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av > bv
		}
	}
	return false
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(v, "v")
	if idx := strings.IndexAny(v, "-+"); idx >= 0 {
		v = v[:idx]
	}
	fields := strings.Split(v, ".")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	return out
}
