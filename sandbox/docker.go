package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/icarus-hq/icarus/logger"
)

// NamePrefix is shared by every sandbox icarus creates, so the sentinel can
// enumerate our sandboxes without touching unrelated containers.
const NamePrefix = "icarus_"

// projectLabels mark containers and volumes as ours.
var projectLabels = map[string]string{"project": "icarus"}

// WorkerName returns the container name for a job's phase worker, e.g.
// icarus_builder_3f2a....
func WorkerName(agentType, jobID string) string {
	return NamePrefix + agentType + "_" + jobID
}

// WorkspaceVolume returns the per-job workspace volume name.
func WorkspaceVolume(jobID string) string {
	return NamePrefix + "workspace_" + jobID
}

// DockerDriver implements Driver on the docker engine API.
type DockerDriver struct {
	client *client.Client
	logger logger.Logger
}

// NewDockerDriver connects to the docker daemon using the standard
// environment (DOCKER_HOST etc.) and negotiates an API version.
func NewDockerDriver(l logger.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &DockerDriver{client: cli, logger: l}, nil
}

// Ping verifies the daemon is reachable. Called once at startup so a
// missing docker socket is a clean fatal rather than a per-job failure.
func (d *DockerDriver) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (d *DockerDriver) Create(ctx context.Context, opts CreateOpts) (string, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	labels := make(map[string]string, len(projectLabels)+len(opts.Labels))
	for k, v := range projectLabels {
		labels[k] = v
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		typ := mount.TypeVolume
		if m.Type == "bind" {
			typ = mount.TypeBind
		}
		mounts = append(mounts, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:  opts.Image,
			Env:    env,
			Labels: labels,
		},
		&container.HostConfig{
			Mounts:      mounts,
			NetworkMode: container.NetworkMode(opts.NetworkMode),
			Resources: container.Resources{
				NanoCPUs: int64(opts.CPULimit * 1e9),
				Memory:   opts.MemoryLimitBytes,
			},
		},
		nil, nil, opts.Name,
	)
	if err != nil {
		return "", mapCreateError(opts.Image, err)
	}

	d.logger.Debug("Created sandbox %s (%.12s) from %s", opts.Name, resp.ID, opts.Image)
	return resp.ID, nil
}

func (d *DockerDriver) Start(ctx context.Context, handle string) error {
	if err := d.client.ContainerStart(ctx, handle, types.ContainerStartOptions{}); err != nil {
		return mapError(err)
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, handle string) (Info, error) {
	resp, err := d.client.ContainerInspect(ctx, handle)
	if err != nil {
		return Info{}, mapError(err)
	}

	info := Info{State: StateExited, ExitCode: resp.State.ExitCode}
	switch {
	case resp.State.Paused:
		info.State = StatePaused
	case resp.State.Running:
		info.State = StateRunning
	}
	return info, nil
}

func (d *DockerDriver) Pause(ctx context.Context, handle string) error {
	if err := d.client.ContainerPause(ctx, handle); err != nil {
		return mapError(err)
	}
	return nil
}

func (d *DockerDriver) Unpause(ctx context.Context, handle string) error {
	if err := d.client.ContainerUnpause(ctx, handle); err != nil {
		return mapError(err)
	}
	return nil
}

// Kill is idempotent: a sandbox that is already stopped or gone counts as
// killed.
func (d *DockerDriver) Kill(ctx context.Context, handle string) error {
	err := d.client.ContainerKill(ctx, handle, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return mapError(err)
}

// Remove is idempotent. RemoveVolumes is left false: the workspace volume's
// lifetime is managed separately by the engine.
func (d *DockerDriver) Remove(ctx context.Context, handle string) error {
	err := d.client.ContainerRemove(ctx, handle, types.ContainerRemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return mapError(err)
}

func (d *DockerDriver) List(ctx context.Context, namePrefix string) ([]string, error) {
	args := filters.NewArgs(
		filters.Arg("name", namePrefix),
		filters.Arg("label", "project=icarus"),
	)
	containers, err := d.client.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, mapError(err)
	}

	var handles []string
	for _, c := range containers {
		if c.State != "running" && c.State != "paused" {
			continue
		}
		// The name filter is a substring match; require a real prefix.
		// Docker reports names with a leading slash.
		for _, name := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(name, "/"), namePrefix) {
				handles = append(handles, c.ID)
				break
			}
		}
	}
	return handles, nil
}

func (d *DockerDriver) TailLogs(ctx context.Context, handle string) (<-chan string, error) {
	rc, err := d.client.ContainerLogs(ctx, handle, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, mapError(err)
	}

	// Docker multiplexes stdout and stderr over one stream; demux into a
	// pipe and hand lines over a channel.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
		rc.Close()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				pr.Close()
				return
			}
		}
	}()
	return lines, nil
}

func (d *DockerDriver) CreateVolume(ctx context.Context, name string) error {
	_, err := d.client.VolumeCreate(ctx, volume.VolumeCreateBody{
		Name:   name,
		Driver: "local",
		Labels: projectLabels,
	})
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", name, mapError(err))
	}
	return nil
}

func (d *DockerDriver) RemoveVolume(ctx context.Context, name string) error {
	err := d.client.VolumeRemove(ctx, name, true)
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return mapError(err)
}

// mapCreateError translates a docker create failure into the driver's error
// kinds. A not-found on create means the image, not a container.
func mapCreateError(image string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrImageNotFound, image)
	case errdefs.IsSystem(err) && strings.Contains(err.Error(), "no space"):
		return fmt.Errorf("%w: %v", ErrOutOfResources, err)
	default:
		return err
	}
}

func mapError(err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrStateInvalid, err)
	default:
		return err
	}
}
