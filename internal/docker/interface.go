package docker

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// API defines the subset of Docker daemon operations the control plane
// uses. Implemented by Client for production, and by mocks for testing.
type API interface {
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
	StopContainer(ctx context.Context, id string, timeout int) error
	StartContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	RenameContainer(ctx context.Context, id, name string) error
	RemoveContainer(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	ConnectNetwork(ctx context.Context, networkID, containerID string, endpoint *network.EndpointSettings) error
	PullImage(ctx context.Context, refStr string, auth *RegistryAuth, onProgress func(PullProgress)) error
	ImageDigest(ctx context.Context, imageRef string) (string, error)
	ImageLabels(ctx context.Context, imageRef string) (map[string]string, error)
	ListImages(ctx context.Context) ([]ImageSummary, error)
	RemoveImage(ctx context.Context, id string) error
	ContainerStatsOneShot(ctx context.Context, id string) (*StatsResult, error)
	IsPodman(ctx context.Context) bool
	Ping(ctx context.Context) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
