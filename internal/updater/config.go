package updater

import (
	"context"
	"fmt"
	"strings"

	"github.com/darthnorse/dockmon/internal/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// inspector is the one daemon call config extraction needs beyond the
// inspect result itself. Satisfied by docker.API and by the agent command
// adapter.
type inspector interface {
	InspectContainer(ctx context.Context, id string) (types.ContainerJSON, error)
}

// extractedConfig is everything needed to recreate a container on a new
// image: the old container's config with the image swapped, the HostConfig
// passed through verbatim, the network to attach at create time, and the
// networks to connect after creation.
type extractedConfig struct {
	Config           *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	AdditionalNets   map[string]*network.EndpointSettings
	Name             string
}

// extractConfig builds the recreation config from an inspect result.
// Struct copies are shallow; the original container is destroyed, and
// pointer fields are only replaced, never mutated.
func extractConfig(
	ctx context.Context,
	api inspector,
	log *logging.Logger,
	inspect *types.ContainerJSON,
	newImage string,
	oldImageLabels map[string]string,
	isPodman bool,
) *extractedConfig {
	cfg := *inspect.Config
	cfg.Image = newImage

	hostCfg := *inspect.HostConfig

	if isPodman {
		applyPodmanFixes(&hostCfg)
	}

	// A container sharing another's network namespace may not carry its
	// own network identity or port bindings; newer daemons reject it.
	if strings.HasPrefix(string(hostCfg.NetworkMode), "container:") {
		cfg.Hostname = ""
		cfg.Domainname = ""
		cfg.MacAddress = ""
		cfg.ExposedPorts = nil
		hostCfg.PortBindings = nil
	}

	if err := resolveNetworkMode(ctx, api, &hostCfg); err != nil {
		log.Warn("resolve network mode", "error", err)
	}

	cfg.Labels = userAddedLabels(cfg.Labels, oldImageLabels)

	primary, additional := extractNetworkConfig(inspect)

	return &extractedConfig{
		Config:           &cfg,
		HostConfig:       &hostCfg,
		NetworkingConfig: primary,
		AdditionalNets:   additional,
		Name:             strings.TrimPrefix(inspect.Name, "/"),
	}
}

// applyPodmanFixes adjusts resource fields Podman does not accept.
func applyPodmanFixes(hostCfg *container.HostConfig) {
	if hostCfg.NanoCPUs > 0 && hostCfg.CPUPeriod == 0 {
		period := int64(100000)
		hostCfg.CPUPeriod = period
		hostCfg.CPUQuota = int64(float64(hostCfg.NanoCPUs) / 1e9 * float64(period))
		hostCfg.NanoCPUs = 0
	}
	hostCfg.MemorySwappiness = nil
}

// resolveNetworkMode rewrites container:<id> to container:<name> so the
// reference survives recreation of the referenced container.
func resolveNetworkMode(ctx context.Context, api inspector, hostCfg *container.HostConfig) error {
	mode := string(hostCfg.NetworkMode)
	if !strings.HasPrefix(mode, "container:") {
		return nil
	}
	ref := strings.TrimPrefix(mode, "container:")
	inspect, err := api.InspectContainer(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve network reference %s: %w", ref, err)
	}
	name := strings.TrimPrefix(inspect.Name, "/")
	hostCfg.NetworkMode = container.NetworkMode("container:" + name)
	return nil
}

// userAddedLabels keeps only labels the user added or overrode. A label
// whose value equals the old image's default is dropped so the new
// image's defaults take effect.
func userAddedLabels(containerLabels, oldImageLabels map[string]string) map[string]string {
	out := make(map[string]string)
	for key, value := range containerLabels {
		imageValue, fromImage := oldImageLabels[key]
		if !fromImage || value != imageValue {
			out[key] = value
		}
	}
	return out
}

// extractNetworkConfig splits the container's networks into the one to
// pass at create time and the rest to connect afterwards. Only a network
// carrying static IPs, aliases, or links needs an explicit endpoint at
// create.
func extractNetworkConfig(inspect *types.ContainerJSON) (*network.NetworkingConfig, map[string]*network.EndpointSettings) {
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.Networks == nil {
		return nil, nil
	}

	mode := string(inspect.HostConfig.NetworkMode)
	if strings.HasPrefix(mode, "container:") || mode == "host" || mode == "none" {
		return nil, nil
	}

	custom := make(map[string]*network.EndpointSettings)
	for name, data := range inspect.NetworkSettings.Networks {
		if name != "bridge" && name != "host" && name != "none" {
			custom[name] = data
		}
	}
	if len(custom) == 0 {
		return nil, nil
	}

	primary := mode
	if primary == "" || primary == "default" {
		primary = "bridge"
	}
	if _, ok := custom[primary]; !ok {
		for name := range custom {
			primary = name
			break
		}
	}

	var primaryCfg *network.NetworkingConfig
	additional := make(map[string]*network.EndpointSettings)

	for name, data := range custom {
		endpoint := buildEndpointConfig(data)
		if name == primary {
			if endpoint.IPAMConfig != nil || len(endpoint.Aliases) > 0 || len(endpoint.Links) > 0 {
				primaryCfg = &network.NetworkingConfig{
					EndpointsConfig: map[string]*network.EndpointSettings{name: endpoint},
				}
			}
			continue
		}
		additional[name] = endpoint
	}

	if len(additional) == 0 {
		additional = nil
	}
	return primaryCfg, additional
}

// buildEndpointConfig keeps only user-configured endpoint values. The
// daemon's auto-generated 12-char short-id alias is dropped.
func buildEndpointConfig(data *network.EndpointSettings) *network.EndpointSettings {
	endpoint := &network.EndpointSettings{}

	if data.IPAMConfig != nil {
		ipam := &network.EndpointIPAMConfig{
			IPv4Address: data.IPAMConfig.IPv4Address,
			IPv6Address: data.IPAMConfig.IPv6Address,
		}
		if ipam.IPv4Address != "" || ipam.IPv6Address != "" {
			endpoint.IPAMConfig = ipam
		}
	}

	for _, alias := range data.Aliases {
		if len(alias) != 12 {
			endpoint.Aliases = append(endpoint.Aliases, alias)
		}
	}

	if len(data.Links) > 0 {
		endpoint.Links = data.Links
	}
	return endpoint
}
