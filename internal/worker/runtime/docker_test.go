package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type mockDocker struct {
	containers map[string]*types.ContainerJSON
	images     map[string]bool
	created    []*container.Config
	pulled     []string
	stopped    []string
	createErr  error
}

func newMockDocker() *mockDocker {
	return &mockDocker{
		containers: make(map[string]*types.ContainerJSON),
		images:     make(map[string]bool),
	}
}

func (m *mockDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	m.pulled = append(m.pulled, ref)
	m.images[ref] = true
	return io.NopCloser(strings.NewReader("pulled")), nil
}

func (m *mockDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	if !m.images[cfg.Image] {
		return container.CreateResponse{}, errdefs.NotFound(errors.New("no such image"))
	}
	if _, ok := m.containers[name]; ok {
		return container.CreateResponse{}, errdefs.Conflict(errors.New("name in use"))
	}
	m.created = append(m.created, cfg)
	m.containers[name] = &types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "id-" + name,
			Name:  name,
			State: &types.ContainerState{Status: "created"},
		},
		Config: cfg,
	}
	return container.CreateResponse{ID: "id-" + name}, nil
}

func (m *mockDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	for _, c := range m.containers {
		if c.ID == id {
			c.State.Status = "running"
			return nil
		}
	}
	return errdefs.NotFound(errors.New("no such container"))
}

func (m *mockDocker) ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error) {
	c, ok := m.containers[name]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return *c, nil
}

func (m *mockDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	var out []types.Container
	for _, want := range options.Filters.Get("label") {
		for _, c := range m.containers {
			for k, v := range c.Config.Labels {
				if k+"="+v == want {
					out = append(out, types.Container{ID: c.ID, Labels: c.Config.Labels})
				}
			}
		}
	}
	return out, nil
}

func (m *mockDocker) ContainerStop(ctx context.Context, name string, options container.StopOptions) error {
	c, ok := m.containers[name]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	m.stopped = append(m.stopped, name)
	c.State.Status = "exited"
	c.State.ExitCode = 143
	return nil
}

func (m *mockDocker) ContainerRemove(ctx context.Context, name string, options container.RemoveOptions) error {
	if _, ok := m.containers[name]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(m.containers, name)
	return nil
}

func (m *mockDocker) ContainerLogs(ctx context.Context, name string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("hello\nworld\n")), nil
}

func TestDockerRuntime_Create_PullsMissingImage(t *testing.T) {
	api := newMockDocker()
	rt := newDockerRuntime(api)

	h, err := rt.Create(context.Background(), testSpec(map[string]any{
		"image":   "alpine:latest",
		"command": "echo hello",
		"env":     map[string]any{"FOO": "bar"},
	}))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if h.Name != JobName(testToken) || h.Backend != BackendDocker {
		t.Errorf("unexpected handle: %+v", h)
	}
	if len(api.pulled) != 1 || api.pulled[0] != "alpine:latest" {
		t.Errorf("expected image pull, got %v", api.pulled)
	}
	cfg := api.created[0]
	if len(cfg.Cmd) != 2 || cfg.Env[0] != "FOO=bar" || cfg.Labels[LabelToken] != testToken {
		t.Errorf("unexpected container config: %+v", cfg)
	}
}

func TestDockerRuntime_Create_AlreadyExists(t *testing.T) {
	api := newMockDocker()
	api.images["alpine"] = true
	rt := newDockerRuntime(api)
	spec := testSpec(map[string]any{"image": "alpine"})

	if _, err := rt.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	_, err := rt.Create(context.Background(), spec)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDockerRuntime_Create_Errors(t *testing.T) {
	rt := newDockerRuntime(newMockDocker())
	if _, err := rt.Create(context.Background(), testSpec(map[string]any{})); err == nil || IsTransient(err) {
		t.Errorf("expected permanent error for missing image, got %v", err)
	}

	api := newMockDocker()
	api.createErr = errdefs.InvalidParameter(errors.New("bad config"))
	rt = newDockerRuntime(api)
	if _, err := rt.Create(context.Background(), testSpec(map[string]any{"image": "x"})); err == nil || IsTransient(err) {
		t.Errorf("expected permanent error for invalid parameter, got %v", err)
	}

	api.createErr = errdefs.Unavailable(errors.New("daemon restarting"))
	if _, err := rt.Create(context.Background(), testSpec(map[string]any{"image": "x"})); err == nil || !IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestDockerRuntime_LookupStatusCancelDelete(t *testing.T) {
	api := newMockDocker()
	api.images["alpine"] = true
	rt := newDockerRuntime(api)
	ctx := context.Background()

	if _, err := rt.Lookup(ctx, testToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	created, err := rt.Create(ctx, testSpec(map[string]any{"image": "alpine"}))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	found, err := rt.Lookup(ctx, testToken)
	if err != nil || found != created {
		t.Fatalf("Lookup() = %+v, %v; want %+v", found, err, created)
	}

	status, err := rt.Status(ctx, created)
	if err != nil || status.Phase != PhaseRunning {
		t.Fatalf("expected Running, got %+v (%v)", status, err)
	}

	if err := rt.Cancel(ctx, created); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}
	status, _ = rt.Status(ctx, created)
	if status.Phase != PhaseCancelled {
		t.Errorf("expected Cancelled after cancel, got %s", status.Phase)
	}

	if err := rt.Delete(ctx, created); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := rt.Status(ctx, created); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := rt.Delete(ctx, created); err != nil {
		t.Errorf("second Delete() should be a no-op, got %v", err)
	}
	if err := rt.Cancel(ctx, created); err != nil {
		t.Errorf("Cancel() on missing container should be a no-op, got %v", err)
	}
}

func TestContainerStatus(t *testing.T) {
	tests := []struct {
		name      string
		state     types.ContainerState
		cancelled bool
		want      Phase
	}{
		{"created", types.ContainerState{Status: "created"}, false, PhasePending},
		{"running", types.ContainerState{Status: "running"}, false, PhaseRunning},
		{"exit zero", types.ContainerState{Status: "exited", ExitCode: 0}, false, PhaseSucceeded},
		{"exit nonzero", types.ContainerState{Status: "exited", ExitCode: 1}, false, PhaseFailed},
		{"oom", types.ContainerState{Status: "exited", ExitCode: 137, OOMKilled: true}, false, PhaseFailed},
		{"cancelled", types.ContainerState{Status: "exited", ExitCode: 143}, true, PhaseCancelled},
		{"unknown", types.ContainerState{Status: "removing"}, false, PhaseUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			if got := containerStatus(&state, tt.cancelled); got.Phase != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Phase)
			}
		})
	}
}

func TestDockerRuntime_StreamLogs(t *testing.T) {
	rt := newDockerRuntime(newMockDocker())
	rc, err := rt.StreamLogs(context.Background(), Handle{Name: "c"})
	if err != nil {
		t.Fatalf("StreamLogs() failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello\nworld\n" {
		t.Errorf("unexpected logs %q", data)
	}
}
