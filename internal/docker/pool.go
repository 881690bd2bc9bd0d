package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// Pool holds one Docker client per host, keyed by host ID. Agent hosts have
// no client here; their operations travel over the agent WebSocket.
type Pool struct {
	mu       sync.Mutex
	clients  map[string]API
	certsDir string
	log      *logging.Logger

	// dial is swapped in tests to avoid real daemon connections.
	dial func(h store.Host, certsDir string) (API, error)
}

// NewPool creates a client pool writing TLS material under certsDir.
func NewPool(certsDir string, log *logging.Logger) *Pool {
	return &Pool{
		clients:  make(map[string]API),
		certsDir: certsDir,
		log:      log,
		dial:     dialHost,
	}
}

// Get returns the client for a host, creating it on first use.
func (p *Pool) Get(ctx context.Context, h store.Host) (API, error) {
	if h.ConnectionType == store.ConnAgent {
		return nil, fmt.Errorf("host %s uses agent transport", h.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[h.ID]; ok {
		return c, nil
	}
	c, err := p.dial(h, p.certsDir)
	if err != nil {
		return nil, fmt.Errorf("connect host %s: %w", h.Name, err)
	}
	p.clients[h.ID] = c
	return c, nil
}

// Evict closes and forgets a host's client, forcing a fresh dial next time.
func (p *Pool) Evict(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[hostID]; ok {
		if err := c.Close(); err != nil {
			p.log.Debug("close docker client", "host_id", hostID, "error", err)
		}
		delete(p.clients, hostID)
	}
}

// Close releases every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}

func dialHost(h store.Host, certsDir string) (API, error) {
	switch h.ConnectionType {
	case store.ConnLocal:
		return NewLocalClient()
	case store.ConnTLSRemote:
		if h.TLSCA != "" && h.TLSCert != "" && h.TLSKey != "" {
			if err := materializeTLS(certsDir, h); err != nil {
				return nil, err
			}
		}
		return NewRemoteClient(h.URL, h.TLSCA, h.TLSCert, h.TLSKey)
	default:
		return nil, fmt.Errorf("unsupported connection type %q", h.ConnectionType)
	}
}

// materializeTLS writes a host's TLS material under the certs directory so
// it survives restarts. Files are 0600 and never written through symlinks.
func materializeTLS(certsDir string, h store.Host) error {
	dir := filepath.Join(certsDir, h.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create certs dir: %w", err)
	}
	files := map[string]string{
		"ca.pem":   h.TLSCA,
		"cert.pem": h.TLSCert,
		"key.pem":  h.TLSKey,
	}
	for name, pem := range files {
		path := filepath.Join(dir, name)
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("refusing to write TLS material through symlink %s", path)
		}
		if err := os.WriteFile(path, []byte(pem), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
