package dockerutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
)

// SelfContainerID returns this process's own container id. When running
// inside Docker that is normally the short hostname; DEVPLANE_SELF_CONTAINER_ID
// lets tests and non-Docker deployments override it explicitly.
func SelfContainerID() string {
	if v := strings.TrimSpace(os.Getenv("DEVPLANE_SELF_CONTAINER_ID")); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(hostname)
}

// ResolveSelfMount inspects this process's own container and returns the
// host-side source path backing containerDest, if any. This is the
// Docker-in-Docker host-path translation the orchestrator needs: the Docker
// daemon resolves bind-mount sources against the *host* filesystem, not
// against the orchestrator's own (possibly containerized) view of the
// filesystem, so a bind source built from a path the orchestrator can see
// must first be rewritten through this self-mount.
func ResolveSelfMount(ctx context.Context, c *Client, containerDest string) (string, error) {
	if c == nil {
		return "", errors.New("dockerutil: nil client")
	}
	selfID := SelfContainerID()
	if selfID == "" {
		return "", errors.New("dockerutil: could not determine self container id")
	}
	info, err := c.Inspect(ctx, selfID)
	if err != nil {
		return "", fmt.Errorf("dockerutil: inspect self container %s: %w", selfID, err)
	}
	return findMountSource(info, containerDest)
}

func findMountSource(info *types.ContainerJSON, dest string) (string, error) {
	dest = path.Clean(strings.TrimSpace(dest))
	if info == nil {
		return "", fmt.Errorf("dockerutil: no container info")
	}
	for _, m := range info.Mounts {
		if path.Clean(strings.TrimSpace(m.Destination)) == dest {
			return m.Source, nil
		}
	}
	return "", fmt.Errorf("dockerutil: no mount at %s on self container", dest)
}

// TranslateToHostPath rewrites a path the orchestrator sees under
// containerRoot (e.g. "/app/users/u1/p1") into the equivalent path on the
// Docker host, given the host-side source backing that same mount
// (hostRoot). If path is not under containerRoot it is returned unchanged.
func TranslateToHostPath(containerPath, containerRoot, hostRoot string) string {
	containerPath = strings.TrimSpace(containerPath)
	containerRoot = path.Clean(strings.TrimSpace(containerRoot))
	hostRoot = strings.TrimSpace(hostRoot)
	if containerPath == "" || containerRoot == "" || hostRoot == "" {
		return containerPath
	}
	cleaned := path.Clean(containerPath)
	if cleaned != containerRoot && !strings.HasPrefix(cleaned, containerRoot+"/") {
		return containerPath
	}
	rel := strings.TrimPrefix(cleaned, containerRoot)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return hostRoot
	}
	return path.Join(hostRoot, rel)
}

// EnvironmentMountPlan describes the mounts a single dev environment
// container needs.
type EnvironmentMountPlan struct {
	// ProjectHostPath is the already-host-translated path to bind at /app.
	ProjectHostPath string
	// IncludeDockerSocket mounts the host Docker socket into the
	// environment (projects that themselves shell out to docker).
	IncludeDockerSocket bool
}

// BuildEnvironmentMounts returns the mount set for an environment container:
// the project bind mount at /app, plus an optional Docker socket passthrough.
func BuildEnvironmentMounts(plan EnvironmentMountPlan) []mount.Mount {
	hostPath := strings.TrimSpace(plan.ProjectHostPath)
	if hostPath == "" {
		return nil
	}
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: hostPath, Target: "/app"},
	}
	if plan.IncludeDockerSocket {
		if m, ok := DockerSocketMount(); ok {
			mounts = append(mounts, m)
		}
	}
	return mounts
}
