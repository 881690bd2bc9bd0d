package docker

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
)

// RegistryAuth holds credentials for an image pull.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// encode returns the base64 JSON form the daemon expects in X-Registry-Auth.
func (a *RegistryAuth) encode() string {
	if a == nil || a.Username == "" {
		return ""
	}
	data, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// PullProgress is one per-layer progress message from a streamed pull.
type PullProgress struct {
	LayerID string
	Status  string
	Current int64
	Total   int64
}

// PullImage pulls an image, streaming per-layer progress to onProgress when
// non-nil. The pull fails if the daemon reports an error mid-stream.
func (c *Client) PullImage(ctx context.Context, refStr string, auth *RegistryAuth, onProgress func(PullProgress)) error {
	reader, err := c.api.ImagePull(ctx, refStr, image.PullOptions{RegistryAuth: auth.encode()})
	if err != nil {
		return fmt.Errorf("pull %s: %w", refStr, err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			ProgressDetail struct {
				Current int64 `json:"current"`
				Total   int64 `json:"total"`
			} `json:"progressDetail"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ErrorDetail.Message != "" {
			return fmt.Errorf("pull %s: %s", refStr, msg.ErrorDetail.Message)
		}
		if onProgress != nil && msg.ID != "" {
			onProgress(PullProgress{
				LayerID: msg.ID,
				Status:  msg.Status,
				Current: msg.ProgressDetail.Current,
				Total:   msg.ProgressDetail.Total,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pull %s: read stream: %w", refStr, err)
	}
	return nil
}

// ImageDigest returns the repo digest of a locally available image, falling
// back to the image ID when no repo digest exists.
func (c *Client) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	img, _, err := c.api.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return "", err
	}
	if len(img.RepoDigests) > 0 {
		return img.RepoDigests[0], nil
	}
	return img.ID, nil
}

// ImageLabels returns the labels baked into an image's config. Used to
// separate user-added container labels from image defaults.
func (c *Client) ImageLabels(ctx context.Context, imageRef string) (map[string]string, error) {
	img, _, err := c.api.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, err
	}
	if img.Config == nil {
		return nil, nil
	}
	return img.Config.Labels, nil
}

// ImageSummary describes a local image with its usage status.
type ImageSummary struct {
	ID       string
	RepoTags []string
	Size     int64
	Created  int64
	InUse    bool
}

// ListImages returns all images with their tags, size, and whether any
// container (running or stopped) uses them.
func (c *Client) ListImages(ctx context.Context) ([]ImageSummary, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, err
	}
	containers, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool)
	for _, cont := range containers {
		used[cont.ImageID] = true
	}

	summaries := make([]ImageSummary, 0, len(images))
	for _, img := range images {
		summaries = append(summaries, ImageSummary{
			ID:       img.ID,
			RepoTags: img.RepoTags,
			Size:     img.Size,
			Created:  img.Created,
			InUse:    used[img.ID],
		})
	}
	return summaries, nil
}

// RemoveImage removes an image by ID, pruning untagged children.
func (c *Client) RemoveImage(ctx context.Context, id string) error {
	_, err := c.api.ImageRemove(ctx, id, image.RemoveOptions{PruneChildren: true})
	return err
}
