package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// ListAllContainers returns all containers regardless of state.
func (c *Client) ListAllContainers(ctx context.Context) ([]container.Summary, error) {
	return c.api.ContainerList(ctx, container.ListOptions{All: true})
}

// InspectContainer returns full container details by ID.
func (c *Client) InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error) {
	return c.api.ContainerInspect(ctx, id)
}

// StopContainer stops a running container with the given timeout in seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	return c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.api.ContainerStart(ctx, id, container.StartOptions{})
}

// RestartContainer restarts a running container.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	return c.api.ContainerRestart(ctx, id, container.StopOptions{})
}

// RenameContainer renames a container.
func (c *Client) RenameContainer(ctx context.Context, id, name string) error {
	return c.api.ContainerRename(ctx, id, name)
}

// RemoveContainer removes a container (force).
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	return c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// CreateContainer creates a new container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ConnectNetwork attaches a container to a network with the given endpoint
// settings (aliases, static IPs).
func (c *Client) ConnectNetwork(ctx context.Context, networkID, containerID string, endpoint *network.EndpointSettings) error {
	return c.api.NetworkConnect(ctx, networkID, containerID, endpoint)
}

// StatsResult holds calculated container statistics.
type StatsResult struct {
	CPUPercent    float64
	MemoryUsage   uint64 // working set, excludes reclaimable cache
	MemoryLimit   uint64
	MemoryPercent float64
	NetworkRx     uint64
	NetworkTx     uint64
}

// ContainerStatsOneShot samples container stats once and returns the
// calculated metrics.
func (c *Client) ContainerStatsOneShot(ctx context.Context, id string) (*StatsResult, error) {
	resp, err := c.api.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stat container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stat); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return calculateStats(&stat), nil
}

// calculateStats processes raw daemon stats the way `docker stats` does.
func calculateStats(stat *container.StatsResponse) *StatsResult {
	result := &StatsResult{MemoryLimit: stat.MemoryStats.Limit}

	cpuDelta := float64(stat.CPUStats.CPUUsage.TotalUsage) - float64(stat.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stat.CPUStats.SystemUsage) - float64(stat.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		numCPUs := float64(len(stat.CPUStats.CPUUsage.PercpuUsage))
		if numCPUs == 0 {
			numCPUs = 1
		}
		result.CPUPercent = (cpuDelta / systemDelta) * numCPUs * 100.0
	}

	// Working set memory: usage minus reclaimable file cache, matching
	// kubelet and cAdvisor. cgroups v2 reports inactive_file, v1 cache.
	usage := stat.MemoryStats.Usage
	if inactive, ok := stat.MemoryStats.Stats["inactive_file"]; ok && inactive < usage {
		usage -= inactive
	} else if cache, ok := stat.MemoryStats.Stats["cache"]; ok && cache < usage {
		usage -= cache
	}
	result.MemoryUsage = usage
	if result.MemoryLimit > 0 {
		result.MemoryPercent = float64(usage) / float64(result.MemoryLimit) * 100.0
	}

	for _, net := range stat.Networks {
		result.NetworkRx += net.RxBytes
		result.NetworkTx += net.TxBytes
	}
	return result
}

// TruncateID truncates a container ID to the standard 12-character short form.
func TruncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
