package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"poolplane/internal/jobspec"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const BackendDocker = "docker"

// dockerAPI is the subset of the Docker client the runtime uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// DockerRuntime runs jobs as local containers. It has no watch stream, so
// jobs on this backend are tracked by polling.
type DockerRuntime struct {
	client dockerAPI

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime() (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerRuntime(cli), nil
}

func newDockerRuntime(api dockerAPI) *DockerRuntime {
	return &DockerRuntime{client: api, cancelled: make(map[string]bool)}
}

// Create implements Runtime. The container name is derived from the token.
func (d *DockerRuntime) Create(ctx context.Context, spec *jobspec.ResolvedJobSpec) (Handle, error) {
	m := spec.Manifest
	img := stringField(m, "image")
	if img == "" {
		return Handle{}, Permanent(fmt.Errorf("invalid job manifest for pool %s: manifest has no image", spec.Pool))
	}
	command, err := stringSlice(m["command"])
	if err != nil {
		return Handle{}, Permanent(fmt.Errorf("invalid job manifest for pool %s: command: %w", spec.Pool, err))
	}

	var env []string
	for _, e := range envVars(m["env"]) {
		env = append(env, fmt.Sprintf("%s=%s", e.Name, e.Value))
	}

	name := JobName(spec.Token)
	cfg := &container.Config{
		Image: img,
		Cmd:   command,
		Env:   env,
		Tty:   true,
		Labels: map[string]string{
			LabelManagedBy: managedBy,
			LabelToken:     spec.Token,
			LabelPool:      spec.Pool,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, nil, nil, nil, name)
	if errdefs.IsNotFound(err) {
		// Image is not present locally.
		if pullErr := d.pull(ctx, img); pullErr != nil {
			return Handle{}, pullErr
		}
		resp, err = d.client.ContainerCreate(ctx, cfg, nil, nil, nil, name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create container %s: %w", name, classifyDockerError(err))
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("failed to start container %s: %w", name, classifyDockerError(err))
	}

	slog.Info("started container", "container", name, "pool", spec.Pool)
	return Handle{Backend: BackendDocker, Name: name, Token: spec.Token}, nil
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, classifyDockerError(err))
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Lookup implements Runtime.
func (d *DockerRuntime) Lookup(ctx context.Context, token string) (Handle, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", LabelToken, token))),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("failed to look up container for token %s: %w", token, classifyDockerError(err))
	}
	if len(list) == 0 {
		return Handle{}, fmt.Errorf("token %s: %w", token, ErrNotFound)
	}
	return Handle{Backend: BackendDocker, Name: JobName(token), Token: token}, nil
}

// Status implements Runtime.
func (d *DockerRuntime) Status(ctx context.Context, h Handle) (RawStatus, error) {
	info, err := d.client.ContainerInspect(ctx, h.Name)
	if err != nil {
		return RawStatus{}, fmt.Errorf("failed to inspect container %s: %w", h.Name, classifyDockerError(err))
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return RawStatus{Phase: PhaseUnknown}, nil
	}
	return containerStatus(info.State, d.isCancelled(h.Name)), nil
}

// containerStatus maps Docker's container state onto a phase.
func containerStatus(state *types.ContainerState, cancelled bool) RawStatus {
	status := RawStatus{Phase: PhaseUnknown, ObservedAt: time.Now()}
	switch state.Status {
	case "created":
		status.Phase = PhasePending
	case "running", "restarting", "paused":
		status.Phase = PhaseRunning
	case "exited", "dead":
		code := state.ExitCode
		status.ExitCode = &code
		switch {
		case cancelled:
			status.Phase = PhaseCancelled
			status.Reason = "Cancelled"
		case code == 0 && state.Status == "exited":
			status.Phase = PhaseSucceeded
		default:
			status.Phase = PhaseFailed
			status.Reason = "Error"
			if state.OOMKilled {
				status.Reason = "OOMKilled"
			}
			status.Message = state.Error
		}
	}
	return status
}

// Cancel stops the container and remembers it was cancelled.
func (d *DockerRuntime) Cancel(ctx context.Context, h Handle) error {
	d.mu.Lock()
	d.cancelled[h.Name] = true
	d.mu.Unlock()

	timeout := 5
	if err := d.client.ContainerStop(ctx, h.Name, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", h.Name, classifyDockerError(err))
	}
	return nil
}

// Delete implements Runtime.
func (d *DockerRuntime) Delete(ctx context.Context, h Handle) error {
	err := d.client.ContainerRemove(ctx, h.Name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", h.Name, classifyDockerError(err))
	}

	d.mu.Lock()
	delete(d.cancelled, h.Name)
	d.mu.Unlock()
	return nil
}

// StreamLogs implements LogStreamer.
func (d *DockerRuntime) StreamLogs(ctx context.Context, h Handle) (io.ReadCloser, error) {
	return d.client.ContainerLogs(ctx, h.Name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

func (d *DockerRuntime) isCancelled(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[name]
}

func classifyDockerError(err error) error {
	switch {
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errdefs.IsInvalidParameter(err),
		errdefs.IsForbidden(err),
		errdefs.IsUnauthorized(err),
		errdefs.IsNotImplemented(err):
		return Permanent(err)
	}
	return err
}
