package dockerutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"
)

const defaultDockerSocketPath = "/var/run/docker.sock"

// DockerSocketMount returns a bind mount exposing the host Docker socket, for
// environments whose start command itself needs to drive Docker (e.g. a
// project using docker-compose inside its dev container).
func DockerSocketMount() (mount.Mount, bool) {
	source, ok := dockerSocketPath()
	if !ok {
		return mount.Mount{}, false
	}
	return mount.Mount{Type: mount.TypeBind, Source: source, Target: defaultDockerSocketPath}, true
}

func dockerSocketPath() (string, bool) {
	if host := strings.TrimSpace(os.Getenv("DOCKER_HOST")); host != "" && strings.HasPrefix(host, "unix://") {
		path := strings.TrimPrefix(host, "unix://")
		if isColimaUnixSocketPath(path) {
			// Colima's client-side socket lives under ~/.colima/...; the
			// daemon resolves bind sources against its own filesystem, so the
			// daemon-local path must be used instead of the client path.
			return defaultDockerSocketPath, true
		}
		if socketExists(path) {
			return path, true
		}
	}
	if socketExists(defaultDockerSocketPath) {
		return defaultDockerSocketPath, true
	}
	if _, ok := detectColimaHost(); ok {
		return defaultDockerSocketPath, true
	}
	return "", false
}

func isColimaUnixSocketPath(path string) bool {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || filepath.Base(path) != "docker.sock" {
		return false
	}
	colimaHome := strings.TrimSpace(os.Getenv("COLIMA_HOME"))
	if colimaHome == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return false
		}
		colimaHome = filepath.Join(home, ".colima")
	}
	colimaHome = filepath.Clean(colimaHome)
	if colimaHome == "" {
		return false
	}
	rel, err := filepath.Rel(colimaHome, path)
	if err != nil {
		return false
	}
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
