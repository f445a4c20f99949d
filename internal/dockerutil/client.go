// Package dockerutil wraps the Docker Engine API client with the handful of
// operations the orchestrator and PTY broker need: network/volume
// bookkeeping, container lifecycle, exec (plain and TTY), log tailing, and
// host-port discovery. It performs no naming or policy decisions of its
// own — see internal/naming and internal/orchestrator/dockertraefik for
// those.
package dockerutil

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// Client is a thin, mockable wrapper over *client.Client.
type Client struct {
	api *client.Client
}

// NewClient resolves a Docker daemon connection: the usual environment
// variables first, then an auto-detected alternate host (e.g. Colima) when
// the default socket is unavailable and the caller hasn't pinned DOCKER_HOST
// explicitly.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	if pingErr := pingClient(cli); pingErr == nil {
		return &Client{api: cli}, nil
	} else if os.Getenv("DOCKER_HOST") != "" {
		_ = cli.Close()
		return nil, pingErr
	}
	firstErr := err
	_ = cli.Close()
	if host, ok := AutoDockerHost(); ok {
		alt, altErr := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if altErr == nil {
			if pingErr := pingClient(alt); pingErr == nil {
				return &Client{api: alt}, nil
			}
			_ = alt.Close()
		}
	}
	if firstErr == nil {
		firstErr = errors.New("dockerutil: unable to reach docker daemon")
	}
	return nil, firstErr
}

func pingClient(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

// Close releases the underlying API connection.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// EnsureNetwork returns the id of an existing bridge network called name,
// creating it if absent.
func (c *Client) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("dockerutil: network name required")
	}
	args := filters.NewArgs()
	args.Add("name", name)
	list, err := c.api.NetworkList(ctx, types.NetworkListOptions{Filters: args})
	if err != nil {
		return "", err
	}
	for _, item := range list {
		if item.Name == name {
			return item.ID, nil
		}
	}
	resp, err := c.api.NetworkCreate(ctx, name, types.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
		Labels:         labels,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// EnsureVolume returns the name of an existing named volume, creating it if
// absent.
func (c *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("dockerutil: volume name required")
	}
	list, err := c.api.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	for _, item := range list.Volumes {
		if item.Name == name {
			return item.Name, nil
		}
	}
	resp, err := c.api.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels})
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}

// ContainerByName inspects a container by exact name, returning ("", nil,
// nil) if it does not exist.
func (c *Client) ContainerByName(ctx context.Context, name string) (string, *types.ContainerJSON, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, errors.New("dockerutil: container name required")
	}
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil, nil
		}
		return "", nil, err
	}
	return info.ID, &info, nil
}

// ContainerByLabels finds the first running container matching all labels,
// falling back to the first stopped match.
func (c *Client) ContainerByLabels(ctx context.Context, labels map[string]string) (string, *types.ContainerJSON, error) {
	args := filters.NewArgs()
	for key, val := range labels {
		if key == "" || val == "" {
			continue
		}
		args.Add("label", key+"="+val)
	}
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", nil, err
	}
	if len(list) == 0 {
		return "", nil, nil
	}
	selected := list[0]
	for _, item := range list {
		if item.State == "running" {
			selected = item
			break
		}
	}
	info, err := c.api.ContainerInspect(ctx, selected.ID)
	if err != nil {
		return "", nil, err
	}
	return info.ID, &info, nil
}

// ListContainers lists containers matching labels.
func (c *Client) ListContainers(ctx context.Context, all bool, labels map[string]string) ([]types.Container, error) {
	args := filters.NewArgs()
	for key, val := range labels {
		if key == "" || val == "" {
			continue
		}
		args.Add("label", key+"="+val)
	}
	return c.api.ContainerList(ctx, container.ListOptions{All: all, Filters: args})
}

// ExecOptions configures a one-shot exec.
type ExecOptions struct {
	Env        []string
	WorkDir    string
	User       string
	Privileged bool
	TTY        bool
}

// Exec runs cmd inside containerID, streaming stdin/stdout/stderr, and
// returns a non-nil error if the exit code is non-zero.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, opts ExecOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("dockerutil: container id required")
	}
	if len(cmd) == 0 {
		return errors.New("dockerutil: command required")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: !opts.TTY,
		AttachStdin:  stdin != nil,
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
		User:         opts.User,
		Privileged:   opts.Privileged,
		Tty:          opts.TTY,
	})
	if err != nil {
		return err
	}

	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: opts.TTY})
	if err != nil {
		return err
	}
	defer attach.Close()

	errCh := make(chan error, 1)
	go func() {
		if stdin == nil {
			errCh <- nil
			return
		}
		_, copyErr := io.Copy(attach.Conn, stdin)
		if cw, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		errCh <- copyErr
	}()

	if opts.TTY {
		_, err = io.Copy(stdout, attach.Reader)
	} else {
		_, err = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}
	if err != nil {
		return err
	}
	if ioErr := <-errCh; ioErr != nil {
		return ioErr
	}

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return err
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("dockerutil: exec exit code %d", inspect.ExitCode)
	}
	return nil
}

// ExecCreatePTY starts (but does not wait on) a TTY exec, resizing the TTY
// to rows/cols *before* starting it — Docker refuses to resize a stopped
// exec, so callers that need a sized PTY from the first byte must pass
// rows/cols here rather than resizing after ContainerExecStart.
func (c *Client) ExecCreatePTY(ctx context.Context, containerID string, cmd []string, env []string, workDir string, rows, cols uint) (types.HijackedResponse, string, error) {
	if strings.TrimSpace(containerID) == "" {
		return types.HijackedResponse{}, "", errors.New("dockerutil: container id required")
	}
	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workDir,
		Tty:          true,
	})
	if err != nil {
		return types.HijackedResponse{}, "", err
	}
	if rows > 0 && cols > 0 {
		if err := c.api.ContainerExecResize(ctx, execResp.ID, container.ResizeOptions{Height: rows, Width: cols}); err != nil {
			return types.HijackedResponse{}, "", fmt.Errorf("dockerutil: resize before start: %w", err)
		}
	}
	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return types.HijackedResponse{}, "", err
	}
	return attach, execResp.ID, nil
}

// ExecResize resizes a running exec's TTY.
func (c *Client) ExecResize(ctx context.Context, execID string, rows, cols uint) error {
	return c.api.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: rows, Width: cols})
}

// CopyFileToContainer writes data to destPath inside containerID via a tar
// stream, creating parent directories implicitly (Docker's CopyToContainer
// extracts the archive relative to the destination directory).
func (c *Client) CopyFileToContainer(ctx context.Context, containerID, destPath string, data []byte, mode int64) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("dockerutil: container id required")
	}
	destPath = strings.TrimSpace(destPath)
	if destPath == "" {
		return errors.New("dockerutil: destination path required")
	}
	if mode == 0 {
		mode = 0o644
	}
	destDir := path.Dir(destPath)
	name := path.Base(destPath)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: mode, Size: int64(len(data)), ModTime: time.Now()}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return c.api.CopyToContainer(ctx, containerID, destDir, &buf, types.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	})
}

// LogsOptions configures Logs.
type LogsOptions struct {
	Since      time.Time
	Tail       int
	Timestamps bool
}

// Logs returns combined stdout+stderr container logs.
func (c *Client) Logs(ctx context.Context, containerID string, opts LogsOptions) (string, error) {
	if strings.TrimSpace(containerID) == "" {
		return "", errors.New("dockerutil: container id required")
	}
	tail := ""
	if opts.Tail > 0 {
		tail = fmt.Sprintf("%d", opts.Tail)
	}
	since := ""
	if !opts.Since.IsZero() {
		since = opts.Since.UTC().Format(time.RFC3339Nano)
	}
	reader, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Since:      since,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		_, _ = io.Copy(&buf, reader)
	}
	return buf.String(), nil
}

// RestartContainer restarts containerID, waiting up to timeout for a clean
// stop before Docker force-kills it.
func (c *Client) RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("dockerutil: container id required")
	}
	if timeout <= 0 {
		return c.api.ContainerRestart(ctx, containerID, container.StopOptions{})
	}
	seconds := int(timeout.Seconds())
	return c.api.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &seconds})
}

// StopContainer stops containerID; it is a no-op (not an error) if the
// container is already stopped.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("dockerutil: container id required")
	}
	seconds := int(timeout.Seconds())
	var optsTimeout *int
	if timeout > 0 {
		optsTimeout = &seconds
	}
	err := c.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: optsTimeout})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// RemoveContainer removes containerID (and its anonymous volumes).
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("dockerutil: container id required")
	}
	err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// RemoveVolume removes a named volume.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("dockerutil: volume name required")
	}
	return c.api.VolumeRemove(ctx, name, force)
}

// CreateContainer creates (but does not start) a container.
func (c *Client) CreateContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if strings.TrimSpace(containerID) == "" {
		return errors.New("dockerutil: container id required")
	}
	return c.api.ContainerStart(ctx, containerID, container.StartOptions{})
}

// Inspect returns the full container JSON.
func (c *Client) Inspect(ctx context.Context, containerID string) (*types.ContainerJSON, error) {
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// HostPortFor returns the host-bound port for containerPort, as assigned by
// Docker's dynamic port allocation.
func (c *Client) HostPortFor(ctx context.Context, containerID string, containerPort int, protocol string) (string, error) {
	if strings.TrimSpace(containerID) == "" {
		return "", errors.New("dockerutil: container id required")
	}
	if containerPort <= 0 {
		return "", errors.New("dockerutil: container port required")
	}
	if protocol == "" {
		protocol = "tcp"
	}
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("dockerutil: container %s has no network settings", containerID)
	}
	key := nat.Port(fmt.Sprintf("%d/%s", containerPort, protocol))
	bindings, ok := info.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return "", fmt.Errorf("dockerutil: no host port bound for %s", key)
	}
	for _, binding := range bindings {
		if strings.TrimSpace(binding.HostPort) != "" {
			return binding.HostPort, nil
		}
	}
	return "", fmt.Errorf("dockerutil: no host port bound for %s", key)
}
