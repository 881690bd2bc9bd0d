// Package docker wraps the Docker SDK behind a narrow interface so the
// rest of the control plane can be tested against mocks.
package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"
)

// Client wraps the Docker API client for one host.
type Client struct {
	api *client.Client

	podmanMu     sync.Mutex
	podmanCached *bool
}

// NewLocalClient connects to the local Docker socket using the environment
// defaults.
func NewLocalClient() (*Client, error) {
	api, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create local docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// NewRemoteClient connects to a remote daemon over TCP. When all three PEM
// blocks are provided the connection uses mTLS.
func NewRemoteClient(hostAddress, caPEM, certPEM, keyPEM string) (*Client, error) {
	opts := []client.Opt{
		client.WithHost(hostAddress),
		client.WithAPIVersionNegotiation(),
	}
	if caPEM != "" && certPEM != "" && keyPEM != "" {
		tlsOpt, err := tlsOption(caPEM, certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("configure docker TLS: %w", err)
		}
		opts = append(opts, tlsOpt)
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create remote docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// tlsOption builds a client option carrying an mTLS transport. No overall
// HTTP timeout: stats and event streams are long-lived.
func tlsOption(caPEM, certPEM, keyPEM string) (client.Opt, error) {
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM([]byte(caPEM)) {
		return nil, fmt.Errorf("parse CA certificate")
	}
	clientCert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse client certificate/key: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{clientCert},
				RootCAs:      caPool,
				MinVersion:   tls.VersionTLS12,
			},
			TLSHandshakeTimeout:   10 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}
	return client.WithHTTPClient(httpClient), nil
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	return err
}

// IsPodman reports whether the daemon is actually Podman. The detection
// result is cached for the lifetime of the client.
func (c *Client) IsPodman(ctx context.Context) bool {
	c.podmanMu.Lock()
	defer c.podmanMu.Unlock()
	if c.podmanCached != nil {
		return *c.podmanCached
	}

	podman := false
	if info, err := c.api.Info(ctx); err == nil {
		if strings.Contains(strings.ToLower(info.OperatingSystem), "podman") {
			podman = true
		}
	}
	if !podman {
		if version, err := c.api.ServerVersion(ctx); err == nil {
			for _, comp := range version.Components {
				if strings.ToLower(comp.Name) == "podman" {
					podman = true
					break
				}
			}
		}
	}
	c.podmanCached = &podman
	return podman
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
