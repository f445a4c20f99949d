// Package dockertraefik implements the environment orchestrator (spec
// §4.H-D) on top of the Docker Engine API, routing every environment
// through a shared Traefik reverse proxy via container labels.
package dockertraefik

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	"silexa/devplane/internal/dockerutil"
	"silexa/devplane/internal/manifest"
	"silexa/devplane/internal/naming"
	"silexa/devplane/internal/orchestrator"
)

const (
	baseImage          = "tesslate-devserver:latest"
	defaultNetworkName = "tesslate-network"
	defaultCertResolver = "letsencrypt"
	containerUsersRoot = "/app/users"
)

// defaultProjectPath derives the in-container project path used when a
// caller omits ProjectPath. naming.ProjectPath already returns
// "users/<user>/<project>"; containerUsersRoot is that same "users" segment
// rooted at /app, so the full path is "/app/" + naming.ProjectPath, not
// containerUsersRoot+"/"+naming.ProjectPath (which would double "users").
func defaultProjectPath(user, project string) string {
	return "/app/" + naming.ProjectPath(user, project)
}

var readyIndicators = []string{
	"listening on",
	"ready in",
	"compiled successfully",
	"localhost:",
	"0.0.0.0:",
	"dev server running",
}

// Config configures a Backend at construction.
type Config struct {
	AppDomain       string
	WildcardDomain  string
	AppProtocol     string // "http" or "https"; drives the HMR protocol env var
	CertResolver    string
	IdleTimeout     time.Duration
	HTTPProbeClient httpDoer
}

type httpDoer interface {
	Get(ctx context.Context, url string, timeout time.Duration) (statusCode int, err error)
}

// Backend implements orchestrator.Orchestrator over Docker + Traefik.
// Initialization of the Docker client, Traefik network name, and host-mount
// translation is lazy and happens at most once, guarded by initOnce.
type Backend struct {
	cfg    Config
	logger *log.Logger

	initOnce sync.Once
	initErr  error

	docker          *dockerutil.Client
	traefikNetwork  string
	hostUsersRoot   string // host-side path backing containerUsersRoot, if this process is itself containerized
	baseImageReady  bool

	mu        sync.Mutex
	envs      map[string]*environment // keyed by naming.ProjectKey
	lastSeen  map[string]time.Time    // activity tracking, keyed by naming.ProjectKey
}

type environment struct {
	ContainerName string
	ContainerID   string
	Hostname      string
	User          string
	Project       string
	Port          int
}

// New constructs a Backend. No I/O happens until the first orchestrator
// call triggers lazy initialization.
func New(cfg Config, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.New(os.Stdout, "dockertraefik ", log.LstdFlags|log.LUTC)
	}
	if cfg.CertResolver == "" {
		cfg.CertResolver = defaultCertResolver
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Backend{
		cfg:      cfg,
		logger:   logger,
		envs:     make(map[string]*environment),
		lastSeen: make(map[string]time.Time),
	}
}

// ensureInit performs the lazy one-time setup described in spec §4.H-D:
// Docker daemon availability, Traefik network detection, host-mount
// detection, base image presence, and network existence.
func (b *Backend) ensureInit(ctx context.Context) error {
	b.initOnce.Do(func() {
		cli, err := dockerutil.NewClient()
		if err != nil {
			b.initErr = fmt.Errorf("dockertraefik: docker unavailable: %w", err)
			return
		}
		b.docker = cli

		b.traefikNetwork = b.detectTraefikNetwork(ctx)

		if hostRoot, mountErr := dockerutil.ResolveSelfMount(ctx, cli, containerUsersRoot); mountErr == nil {
			b.hostUsersRoot = hostRoot
		} else {
			b.logger.Printf("no self bind-mount at %s, assuming non-containerized orchestrator: %v", containerUsersRoot, mountErr)
		}

		if _, _, err := cli.ContainerByLabels(ctx, map[string]string{"tesslate.base-image": "true"}); err == nil {
			b.baseImageReady = true
		}

		if _, err := cli.EnsureNetwork(ctx, b.traefikNetwork, map[string]string{"tesslate.managed": "true"}); err != nil {
			b.logger.Printf("ensure network %s: %v", b.traefikNetwork, err)
		}
	})
	return b.initErr
}

// detectTraefikNetwork inspects the running Traefik container's network
// memberships, preferring one whose name contains "tesslate"; falls back to
// the first listed network, and to the hardcoded default when the Traefik
// container is missing or on no network. Networks Traefik is not attached
// to are not searched.
func (b *Backend) detectTraefikNetwork(ctx context.Context) string {
	_, info, err := b.docker.ContainerByName(ctx, "traefik")
	if err != nil || info == nil || info.NetworkSettings == nil {
		return defaultNetworkName
	}
	var first string
	for name := range info.NetworkSettings.Networks {
		if first == "" {
			first = name
		}
		if strings.Contains(name, "tesslate") {
			return name
		}
	}
	if first != "" {
		return first
	}
	return defaultNetworkName
}

// toHostPath rewrites a container-visible project path to its host
// equivalent, when this process itself runs inside a container with a
// users-root bind mount.
func (b *Backend) toHostPath(containerPath string) string {
	if b.hostUsersRoot == "" {
		return containerPath
	}
	return dockerutil.TranslateToHostPath(containerPath, containerUsersRoot, b.hostUsersRoot)
}

func (b *Backend) resolveEnv(user, project string) (*environment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.envs[naming.ProjectKey(user, project)]
	return e, ok
}

// StartContainer implements spec §4.H-D's start_container algorithm.
func (b *Backend) StartContainer(ctx context.Context, user, project string, opts orchestrator.StartOptions) (string, error) {
	if err := b.ensureInit(ctx); err != nil {
		return "", err
	}

	containerName, err := naming.ContainerName(naming.ModeDocker, user, project)
	if err != nil {
		return "", err
	}

	// Step 1: stop any existing container for this (user, project).
	if existingID, _, err := b.docker.ContainerByName(ctx, containerName); err == nil && existingID != "" {
		_ = b.docker.StopContainer(ctx, existingID, 10*time.Second)
		_ = b.docker.RemoveContainer(ctx, existingID, true)
	}

	// Step 2: rewrite the project path to a host path.
	projectPath := opts.ProjectPath
	if projectPath == "" {
		projectPath = defaultProjectPath(user, project)
	}
	hostPath := b.toHostPath(projectPath)

	// Step 3: determine start command and port.
	startCmd, port := b.resolveStartCommand(ctx, projectPath, opts)

	hostname := naming.Hostname(user, project, opts.Slug, b.cfg.AppDomain)
	serviceName := naming.TraefikServiceName(user, project)

	// Step 4: assemble docker run.
	cfg := &container.Config{
		Image: baseImage,
		Labels: b.buildLabels(user, project, serviceName, hostname, port),
		Env:    b.buildEnv(hostname, port),
		WorkingDir: "/app",
		Entrypoint: []string{"sh", "-c", ensureTrailingWait(startCmd)},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Mounts: dockerutil.BuildEnvironmentMounts(dockerutil.EnvironmentMountPlan{
			ProjectHostPath: hostPath,
		}),
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			b.traefikNetwork: {},
		},
	}

	id, err := b.docker.CreateContainer(ctx, cfg, hostCfg, netCfg, containerName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrImageBuildFailed, err)
	}
	if err := b.docker.StartContainer(ctx, id); err != nil {
		return "", fmt.Errorf("%w: %v", orchestrator.ErrImageBuildFailed, err)
	}

	url := fmt.Sprintf("%s://%s", b.scheme(), hostname)

	b.mu.Lock()
	key := naming.ProjectKey(user, project)
	b.envs[key] = &environment{ContainerName: containerName, ContainerID: id, Hostname: hostname, User: user, Project: project, Port: port}
	b.lastSeen[key] = time.Now()
	b.mu.Unlock()

	// Step 5: two-stage readiness probe.
	if err := b.waitReady(ctx, id, url); err != nil {
		b.logger.Printf("start_container(%s/%s): readiness probe: %v (returning URL anyway)", user, project, err)
	}

	return url, nil
}

func (b *Backend) scheme() string {
	if b.cfg.AppProtocol == "https" {
		return "https"
	}
	return "http"
}

// resolveStartCommand implements the precedence: TESSLATE.md manifest,
// then caller-supplied overrides, then package.json framework detection,
// then the npm fallback.
func (b *Backend) resolveStartCommand(ctx context.Context, projectPath string, opts orchestrator.StartOptions) (string, int) {
	if content, found, err := b.readFileRaw(ctx, projectPath, "TESSLATE.md"); err == nil && found {
		spec := manifest.Parse(content)
		if spec.HasCommand {
			port := spec.Port
			if !spec.HasPort {
				port = manifest.DefaultPort
			}
			return spec.StartCommand, port
		}
	}
	if opts.StartCmd != "" {
		port := opts.Port
		if port == 0 {
			port = manifest.DefaultPort
		}
		return opts.StartCmd, port
	}
	if content, found, err := b.readFileRaw(ctx, projectPath, "package.json"); err == nil && found {
		if cmd, ok := detectFrameworkCommand(content); ok {
			return cmd, manifest.DefaultPort
		}
	}
	return "npm install --silent && npm run dev", manifest.DefaultPort
}

// readFileRaw reads a file from the project directory as this process sees
// it (the container-side path, not the host-translated one), directly off
// the orchestrator's own filesystem view, used only during
// start_container before the container exists to exec into.
func (b *Backend) readFileRaw(ctx context.Context, projectPath, relPath string) (string, bool, error) {
	full := strings.TrimSuffix(projectPath, "/") + "/" + relPath
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func detectFrameworkCommand(packageJSON string) (string, bool) {
	switch {
	case strings.Contains(packageJSON, `"vite"`):
		return "npm install --silent && npm run dev -- --host 0.0.0.0", true
	case strings.Contains(packageJSON, `"next"`):
		return "npm install --silent && npm run dev -- -H 0.0.0.0", true
	default:
		return "", false
	}
}

// ensureTrailingWait appends "; wait" when the command backgrounds work
// with "&" but has no trailing wait, so the container does not exit the
// moment only background processes remain.
func ensureTrailingWait(cmd string) string {
	trimmed := strings.TrimSpace(cmd)
	if strings.Contains(trimmed, "&") && !strings.HasSuffix(trimmed, "wait") {
		return trimmed + "; wait"
	}
	return trimmed
}

func (b *Backend) buildLabels(user, project, serviceName, hostname string, port int) map[string]string {
	return map[string]string{
		"tesslate.user":               user,
		"tesslate.project":            project,
		"traefik.enable":              "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", serviceName):                     fmt.Sprintf("Host(`%s`)", hostname),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", serviceName):              "web",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", serviceName): strconv.Itoa(port),
		"traefik.docker.network":                                                      b.traefikNetwork,
		fmt.Sprintf("traefik.http.routers.%s-secure.rule", serviceName):               fmt.Sprintf("Host(`%s`)", hostname),
		fmt.Sprintf("traefik.http.routers.%s-secure.entrypoints", serviceName):         "websecure",
		fmt.Sprintf("traefik.http.routers.%s-secure.tls", serviceName):                 "true",
		fmt.Sprintf("traefik.http.routers.%s-secure.tls.certresolver", serviceName):    b.cfg.CertResolver,
		fmt.Sprintf("traefik.http.routers.%s-secure.tls.domains[0].main", serviceName): hostname,
	}
}

func (b *Backend) buildEnv(hostname string, port int) []string {
	hmrProtocol := "ws"
	if b.cfg.AppProtocol == "https" {
		hmrProtocol = "wss"
	}
	return []string{
		"APP_DOMAIN=" + b.cfg.AppDomain,
		"WILDCARD_DOMAIN=" + b.cfg.WildcardDomain,
		"VITE_HMR_PROTOCOL=" + hmrProtocol,
		"VITE_ALLOWED_HOSTS=" + hostname + "," + b.cfg.WildcardDomain,
		"CHOKIDAR_USEPOLLING=true",
		"WATCHPACK_POLLING=true",
		fmt.Sprintf("PORT=%d", port),
	}
}

// waitReady implements the two-stage log+HTTP readiness probe.
func (b *Backend) waitReady(ctx context.Context, containerID, url string) error {
	deadline := time.Now().Add(120 * time.Second)
	logReady := false
	for time.Now().Before(deadline) {
		logs, err := b.docker.Logs(ctx, containerID, dockerutil.LogsOptions{Tail: 50})
		if err == nil && logMatchesReady(logs) {
			logReady = true
			break
		}
		time.Sleep(3 * time.Second)
	}
	if !logReady {
		return orchestrator.ErrStartupTimeout
	}

	for time.Now().Before(deadline) {
		if code, err := b.httpProbe(ctx, url, 5*time.Second); err == nil && code < 500 {
			return nil
		}
		time.Sleep(2 * time.Second)
	}
	return orchestrator.ErrStartupTimeout
}

func (b *Backend) httpProbe(ctx context.Context, url string, timeout time.Duration) (int, error) {
	if b.cfg.HTTPProbeClient != nil {
		return b.cfg.HTTPProbeClient.Get(ctx, url, timeout)
	}
	return 200, nil
}

func logMatchesReady(logs string) bool {
	lower := strings.ToLower(logs)
	for _, indicator := range readyIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// StopContainer stops and removes the environment's container; idempotent.
func (b *Backend) StopContainer(ctx context.Context, user, project string) error {
	if err := b.ensureInit(ctx); err != nil {
		return err
	}
	containerName, err := naming.ContainerName(naming.ModeDocker, user, project)
	if err != nil {
		return err
	}
	id, _, err := b.docker.ContainerByName(ctx, containerName)
	if err != nil || id == "" {
		b.logger.Printf("stop_container(%s/%s): no running container", user, project)
		return nil
	}
	if err := b.docker.StopContainer(ctx, id, 10*time.Second); err != nil {
		return err
	}

	b.mu.Lock()
	key := naming.ProjectKey(user, project)
	delete(b.envs, key)
	delete(b.lastSeen, key)
	b.mu.Unlock()
	return nil
}

// RestartContainer stops then starts the environment, reusing the same
// options as a fresh start.
func (b *Backend) RestartContainer(ctx context.Context, user, project string, opts orchestrator.StartOptions) (string, error) {
	_ = b.StopContainer(ctx, user, project)
	return b.StartContainer(ctx, user, project, opts)
}

// Status reports the environment's current run state.
func (b *Backend) Status(ctx context.Context, user, project, slug string) (orchestrator.Status, error) {
	if err := b.ensureInit(ctx); err != nil {
		return orchestrator.Status{}, err
	}
	containerName, err := naming.ContainerName(naming.ModeDocker, user, project)
	if err != nil {
		return orchestrator.Status{}, err
	}
	id, info, err := b.docker.ContainerByName(ctx, containerName)
	if err != nil || id == "" || info == nil {
		return orchestrator.Status{State: orchestrator.StateStopped}, nil
	}
	hostname := naming.Hostname(user, project, slug, b.cfg.AppDomain)
	st := orchestrator.Status{
		State:    orchestrator.StateStopped,
		Hostname: hostname,
		URL:      fmt.Sprintf("%s://%s", b.scheme(), hostname),
	}
	if info.State != nil && info.State.Running {
		st.State = orchestrator.StateRunning
		st.Running = true
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			st.StartedAt = started
		}
	}
	return st, nil
}

// Exec shells a command inside the environment's container, returning
// combined stdout+stderr.
func (b *Backend) Exec(ctx context.Context, user, project string, command []string, timeout time.Duration) (string, error) {
	if err := b.ensureInit(ctx); err != nil {
		return "", err
	}
	env, ok := b.resolveEnv(user, project)
	if !ok {
		return "", orchestrator.ErrEnvNotRunning
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out strings.Builder
	err := b.docker.Exec(execCtx, env.ContainerID, command, dockerutil.ExecOptions{WorkDir: "/app"}, nil, &out, &out)
	b.TrackActivity(user, project)
	if execCtx.Err() != nil {
		return out.String(), orchestrator.ErrExecTimeout
	}
	if err != nil {
		return out.String(), &orchestrator.ExecNonZeroError{Command: command, Output: out.String()}
	}
	return out.String(), nil
}

func (b *Backend) shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// ReadFile cats a file relative to /app inside the environment.
func (b *Backend) ReadFile(ctx context.Context, user, project, path string) (string, bool, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "cat " + b.shellQuote("/app/"+path) + " 2>/dev/null || echo -n __DEVPLANE_NOT_FOUND__"}, 10*time.Second)
	if err != nil {
		return "", false, err
	}
	if out == "__DEVPLANE_NOT_FOUND__" {
		return "", false, nil
	}
	return out, true, nil
}

// WriteFile writes content to a file relative to /app via a heredoc with a
// unique delimiter, tolerating arbitrary content including embedded quotes.
func (b *Backend) WriteFile(ctx context.Context, user, project, path, content string) error {
	marker := fmt.Sprintf("DEVPLANE_EOF_%d", time.Now().UnixNano())
	script := fmt.Sprintf("mkdir -p \"$(dirname %s)\" && cat > %s <<'%s'\n%s\n%s\n", b.shellQuote("/app/"+path), b.shellQuote("/app/"+path), marker, content, marker)
	_, err := b.Exec(ctx, user, project, []string{"sh", "-c", script}, 15*time.Second)
	return err
}

// DeleteFile removes a file relative to /app.
func (b *Backend) DeleteFile(ctx context.Context, user, project, path string) error {
	_, err := b.Exec(ctx, user, project, []string{"sh", "-c", "rm -f " + b.shellQuote("/app/"+path)}, 10*time.Second)
	return err
}

// ListFiles lists entries under a directory relative to /app.
func (b *Backend) ListFiles(ctx context.Context, user, project, path string) ([]orchestrator.FileEntry, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "ls -lah " + b.shellQuote("/app/"+path)}, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return parseLsOutput(out), nil
}

func parseLsOutput(out string) []orchestrator.FileEntry {
	var entries []orchestrator.FileEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." {
			continue
		}
		entries = append(entries, orchestrator.FileEntry{
			Path:  name,
			IsDir: strings.HasPrefix(fields[0], "d"),
		})
	}
	return entries
}

// Glob runs find with -path inside the environment.
func (b *Backend) Glob(ctx context.Context, user, project, pattern string) ([]orchestrator.FileEntry, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "find /app -path " + b.shellQuote("/app/"+pattern)}, 15*time.Second)
	if err != nil {
		return nil, err
	}
	var entries []orchestrator.FileEntry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		entries = append(entries, orchestrator.FileEntry{Path: strings.TrimPrefix(line, "/app/")})
	}
	return entries, nil
}

// Grep runs grep -rn inside the environment.
func (b *Backend) Grep(ctx context.Context, user, project, pattern string) ([]orchestrator.FileEntry, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "grep -rn " + b.shellQuote(pattern) + " /app 2>/dev/null"}, 20*time.Second)
	if err != nil {
		return nil, err
	}
	var entries []orchestrator.FileEntry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		lineNo, _ := strconv.Atoi(parts[1])
		entries = append(entries, orchestrator.FileEntry{
			Path:  strings.TrimPrefix(parts[0], "/app/"),
			Line:  lineNo,
			Match: parts[2],
		})
	}
	return entries, nil
}

// TrackActivity records now() against (user, project) for idle reaping.
func (b *Backend) TrackActivity(user, project string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen[naming.ProjectKey(user, project)] = time.Now()
}

// CleanupIdle stops every environment whose last recorded activity exceeds
// idle, returning the keys it reaped. When no activity was ever recorded
// for a tracked environment, the container's own StartedAt is used as the
// baseline instead of treating it as immediately idle.
func (b *Backend) CleanupIdle(ctx context.Context, idle time.Duration) ([]string, error) {
	if err := b.ensureInit(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	type candidate struct {
		key           string
		user, project string
	}
	var candidates []candidate
	for key, env := range b.envs {
		candidates = append(candidates, candidate{key: key, user: env.User, project: env.Project})
	}
	b.mu.Unlock()

	var reaped []string
	now := time.Now()
	for _, c := range candidates {
		b.mu.Lock()
		last, tracked := b.lastSeen[c.key]
		b.mu.Unlock()
		if !tracked {
			if info, err := b.containerInfo(ctx, c.user, c.project); err == nil && info != nil && info.State != nil {
				if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
					last = started
				}
			}
		}
		if now.Sub(last) >= idle {
			if err := b.StopContainer(ctx, c.user, c.project); err == nil {
				reaped = append(reaped, c.key)
			}
		}
	}
	return reaped, nil
}

func (b *Backend) containerInfo(ctx context.Context, user, project string) (*types.ContainerJSON, error) {
	name, err := naming.ContainerName(naming.ModeDocker, user, project)
	if err != nil {
		return nil, err
	}
	_, info, err := b.docker.ContainerByName(ctx, name)
	return info, err
}

var _ orchestrator.Orchestrator = (*Backend)(nil)
