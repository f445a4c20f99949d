// Package kubernetes implements the environment orchestrator (spec
// §4.H-K) as a Deployment/Service/Ingress triad per environment, using pod
// exec for every file and shell operation (there is no bind-mounted host
// filesystem to reach into, unlike the Docker back-end).
package kubernetes

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"silexa/devplane/internal/kubeutil"
	"silexa/devplane/internal/naming"
	"silexa/devplane/internal/orchestrator"
)

const (
	devServerPort   = 5173
	pvcClaimName    = "devplane-workspace"
	ingressClass    = "nginx"
	affinityLabel   = "dev-environment"
	tlsSecretName   = "devplane-wildcard-tls"
	authVerifyPath  = "/api/auth/verify"
)

// Config configures a Backend.
type Config struct {
	Namespace       string
	AppDomain       string
	ImagePullSecret string
	Image           string
	AuthHost        string // host the ingress auth-url callback targets
	CertResolver    string // cert-manager ClusterIssuer name
}

// Backend implements orchestrator.Orchestrator over Kubernetes. Unlike the
// Docker back-end it keeps no in-memory activity map: CleanupIdle derives
// idleness directly from each Deployment's CreationTimestamp, since
// Kubernetes objects are themselves the source of truth for what
// environments exist.
type Backend struct {
	cfg    Config
	client *kubeutil.Client
	logger *log.Logger
}

var _ orchestrator.Orchestrator = (*Backend)(nil)

// New constructs a Backend bound to an already-resolved kubeutil.Client.
func New(cfg Config, client *kubeutil.Client, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.New(os.Stdout, "k8sorch ", log.LstdFlags|log.LUTC)
	}
	if cfg.Image == "" {
		cfg.Image = "tesslate-devserver:latest"
	}
	if cfg.CertResolver == "" {
		cfg.CertResolver = "letsencrypt-prod"
	}
	return &Backend{cfg: cfg, client: client, logger: logger}
}

func (b *Backend) names(user, project string) (deployment, service, ingress string) {
	base, _ := naming.ContainerName(naming.ModeKubernetes, user, project)
	return base, base + "-service", base + "-ingress"
}

// StartContainer creates (or replaces) the Deployment/Service/Ingress
// triad for (user, project) and waits for the deployment to become ready.
func (b *Backend) StartContainer(ctx context.Context, user, project string, opts orchestrator.StartOptions) (string, error) {
	deploymentName, serviceName, ingressName := b.names(user, project)
	hostname := naming.Hostname(user, project, opts.Slug, b.cfg.AppDomain)

	_ = b.StopContainer(ctx, user, project)

	dep := b.buildDeployment(deploymentName, user, project, opts)
	if _, err := b.client.API.AppsV1().Deployments(b.cfg.Namespace).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("%w: create deployment: %v", orchestrator.ErrImageBuildFailed, err)
	}

	svc := b.buildService(serviceName, deploymentName)
	if _, err := b.client.API.CoreV1().Services(b.cfg.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create service: %w", err)
	}

	ing := b.buildIngress(ingressName, serviceName, hostname)
	if _, err := b.client.API.NetworkingV1().Ingresses(b.cfg.Namespace).Create(ctx, ing, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create ingress: %w", err)
	}

	if err := b.client.WaitForDeploymentReady(ctx, deploymentName, 300*time.Second, 3*time.Second); err != nil {
		b.logger.Printf("start_container(%s/%s): %v (returning URL anyway)", user, project, err)
	}

	return fmt.Sprintf("https://%s", hostname), nil
}

func (b *Backend) buildDeployment(name, user, project string, opts orchestrator.StartOptions) *appsv1.Deployment {
	replicas := int32(1)
	subPath := naming.ProjectPath(user, project)
	runAsUser := int64(1000)
	fsGroup := int64(1000)
	nonRoot := true

	var pullSecrets []corev1.LocalObjectReference
	if b.cfg.ImagePullSecret != "" {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: b.cfg.ImagePullSecret})
	}

	startScript := "if [ -z \"$(ls -A /app 2>/dev/null)\" ]; then cp -r /opt/template/. /app/; fi; " +
		"if [ -f /app/vite.config.js ]; then sed -i \"s/host: .*/host: true,/\" /app/vite.config.js; fi; " +
		"cd /app && (npm install --silent && npm run dev -- --host 0.0.0.0)"

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels:    map[string]string{"app": name, affinityLabel: "true"},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": name, affinityLabel: "true"}},
				Spec: corev1.PodSpec{
					ImagePullSecrets: pullSecrets,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsNonRoot: &nonRoot,
						RunAsUser:    &runAsUser,
						FSGroup:      &fsGroup,
						SeccompProfile: &corev1.SeccompProfile{
							Type: corev1.SeccompProfileTypeRuntimeDefault,
						},
					},
					Affinity: &corev1.Affinity{
						PodAffinity: &corev1.PodAffinity{
							RequiredDuringSchedulingIgnoredDuringExecution: []corev1.PodAffinityTerm{
								{
									LabelSelector: &metav1.LabelSelector{
										MatchLabels: map[string]string{affinityLabel: "true"},
									},
									TopologyKey: "kubernetes.io/hostname",
								},
							},
						},
					},
					Containers: []corev1.Container{
						{
							Name:       "devserver",
							Image:      b.cfg.Image,
							Command:    []string{"sh", "-c", startScript},
							WorkingDir: "/app",
							Ports:      []corev1.ContainerPort{{ContainerPort: devServerPort}},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "workspace", MountPath: "/app", SubPath: subPath},
							},
							ReadinessProbe: httpProbe(),
							StartupProbe:   httpProbe(),
							LivenessProbe:  httpProbe(),
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "workspace",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvcClaimName},
							},
						},
					},
				},
			},
		},
	}
}

func httpProbe() *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Path: "/", Port: intstr.FromInt(devServerPort)},
		},
		PeriodSeconds:    3,
		FailureThreshold: 60,
	}
}

func (b *Backend) buildService(name, deploymentName string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: b.cfg.Namespace},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": deploymentName},
			Ports: []corev1.ServicePort{
				{Port: devServerPort, TargetPort: intstr.FromInt(devServerPort)},
			},
		},
	}
}

func (b *Backend) buildIngress(name, serviceName, hostname string) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	authURL := fmt.Sprintf("https://%s%s", b.cfg.AuthHost, authVerifyPath)
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Annotations: map[string]string{
				"kubernetes.io/ingress.class":                          ingressClass,
				"nginx.ingress.kubernetes.io/auth-url":                  authURL,
				"nginx.ingress.kubernetes.io/auth-response-headers":     "Authorization",
				"nginx.ingress.kubernetes.io/proxy-read-timeout":        "3600",
				"nginx.ingress.kubernetes.io/websocket-services":        serviceName,
				"nginx.ingress.kubernetes.io/cors-allow-origin":         fmt.Sprintf("https://%s", b.cfg.AppDomain),
				"nginx.ingress.kubernetes.io/enable-cors":                "true",
				"cert-manager.io/cluster-issuer":                        b.cfg.CertResolver,
			},
		},
		Spec: networkingv1.IngressSpec{
			TLS: []networkingv1.IngressTLS{
				{Hosts: []string{hostname}, SecretName: tlsSecretName},
			},
			Rules: []networkingv1.IngressRule{
				{
					Host: hostname,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: serviceName,
											Port: networkingv1.ServiceBackendPort{Number: devServerPort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// StopContainer deletes the Deployment/Service/Ingress triad; idempotent.
func (b *Backend) StopContainer(ctx context.Context, user, project string) error {
	deploymentName, serviceName, ingressName := b.names(user, project)
	_ = b.client.API.NetworkingV1().Ingresses(b.cfg.Namespace).Delete(ctx, ingressName, metav1.DeleteOptions{})
	_ = b.client.API.CoreV1().Services(b.cfg.Namespace).Delete(ctx, serviceName, metav1.DeleteOptions{})
	return ignoreNotFound(b.client.API.AppsV1().Deployments(b.cfg.Namespace).Delete(ctx, deploymentName, metav1.DeleteOptions{}))
}

func ignoreNotFound(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// RestartContainer recreates the triad.
func (b *Backend) RestartContainer(ctx context.Context, user, project string, opts orchestrator.StartOptions) (string, error) {
	return b.StartContainer(ctx, user, project, opts)
}

// Status reports deployment readiness and pod names.
func (b *Backend) Status(ctx context.Context, user, project, slug string) (orchestrator.Status, error) {
	deploymentName, _, _ := b.names(user, project)
	dep, err := b.client.API.AppsV1().Deployments(b.cfg.Namespace).Get(ctx, deploymentName, metav1.GetOptions{})
	if err != nil {
		return orchestrator.Status{State: orchestrator.StateStopped}, nil
	}
	hostname := naming.Hostname(user, project, slug, b.cfg.AppDomain)
	st := orchestrator.Status{
		State:    orchestrator.StateStopped,
		Hostname: hostname,
		URL:      fmt.Sprintf("https://%s", hostname),
		Replicas: int(dep.Status.ReadyReplicas),
	}
	wantReplicas := int32(1)
	if dep.Spec.Replicas != nil {
		wantReplicas = *dep.Spec.Replicas
	}
	if dep.Status.ReadyReplicas >= wantReplicas && wantReplicas > 0 {
		st.State = orchestrator.StateRunning
		st.Running = true
	}
	if pods, err := b.client.PodsByLabel(ctx, "app="+deploymentName); err == nil {
		for _, p := range pods {
			st.Pods = append(st.Pods, p.Name)
		}
	}
	return st, nil
}

// IsPodReady implements spec's is_pod_ready(check_responsive): it
// distinguishes "Ready condition true" from "actually responsive" by
// exec-ing a trivial command when check_responsive is requested.
type PodReadiness struct {
	Ready       bool
	Phase       string
	Conditions  []string
	Responsive  bool
	Message     string
	PodName     string
}

func (b *Backend) IsPodReady(ctx context.Context, user, project string, checkResponsive bool) (PodReadiness, error) {
	deploymentName, _, _ := b.names(user, project)
	pods, err := b.client.PodsByLabel(ctx, "app="+deploymentName)
	if err != nil || len(pods) == 0 {
		return PodReadiness{Message: "no pod found"}, nil
	}
	pod := pods[0]
	result := PodReadiness{Phase: string(pod.Status.Phase), PodName: pod.Name}
	for _, cond := range pod.Status.Conditions {
		result.Conditions = append(result.Conditions, string(cond.Type)+"="+string(cond.Status))
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			result.Ready = true
		}
	}
	if result.Ready && checkResponsive {
		_, execErr := b.client.ExecCapture(ctx, pod.Name, "devserver", []string{"echo", "ready"})
		result.Responsive = execErr == nil
		if execErr != nil {
			result.Message = fmt.Sprintf("pod ready but unresponsive: %v", execErr)
		}
	}
	return result, nil
}

func (b *Backend) resolvePod(ctx context.Context, user, project string) (string, error) {
	deploymentName, _, _ := b.names(user, project)
	pods, err := b.client.PodsByLabel(ctx, "app="+deploymentName)
	if err != nil {
		return "", err
	}
	return kubeutil.FirstRunningPod(pods)
}

// sanitizePath strips ".." and leading "/" before prepending "/app/".
func sanitizePath(p string) string {
	p = strings.ReplaceAll(p, "..", "")
	p = strings.TrimLeft(p, "/")
	return "/app/" + p
}

// commandFor wraps cmd in a shell unless it is already a pre-sanitized
// /bin/sh or /bin/bash invocation.
func commandFor(cmd []string) []string {
	if len(cmd) > 0 && (cmd[0] == "/bin/sh" || cmd[0] == "/bin/bash") {
		return cmd
	}
	joined := strings.Join(cmd, " ")
	return []string{"sh", "-c", "cd /app && " + joined}
}

// Exec runs command inside the environment's pod.
func (b *Backend) Exec(ctx context.Context, user, project string, command []string, timeout time.Duration) (string, error) {
	pod, err := b.resolvePod(ctx, user, project)
	if err != nil {
		return "", orchestrator.ErrEnvNotRunning
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := b.client.ExecCapture(execCtx, pod, "devserver", commandFor(command))
	b.TrackActivity(user, project)
	if execCtx.Err() != nil {
		return out, orchestrator.ErrExecTimeout
	}
	if err != nil {
		return out, &orchestrator.ExecNonZeroError{Command: command, Output: out}
	}
	return out, nil
}

// ReadFile cats a sanitized path inside the pod.
func (b *Backend) ReadFile(ctx context.Context, user, project, path string) (string, bool, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "cat " + shellQuote(sanitizePath(path)) + " 2>/dev/null || echo -n __DEVPLANE_NOT_FOUND__"}, 10*time.Second)
	if err != nil {
		return "", false, err
	}
	if out == "__DEVPLANE_NOT_FOUND__" {
		return "", false, nil
	}
	return out, true, nil
}

// WriteFile writes content via a heredoc with a unique marker.
func (b *Backend) WriteFile(ctx context.Context, user, project, path, content string) error {
	full := sanitizePath(path)
	marker := fmt.Sprintf("DEVPLANE_EOF_%d", time.Now().UnixNano())
	script := fmt.Sprintf("mkdir -p \"$(dirname %s)\" && cat > %s <<'%s'\n%s\n%s\n", shellQuote(full), shellQuote(full), marker, content, marker)
	_, err := b.Exec(ctx, user, project, []string{"sh", "-c", script}, 15*time.Second)
	return err
}

// DeleteFile removes a sanitized path inside the pod.
func (b *Backend) DeleteFile(ctx context.Context, user, project, path string) error {
	_, err := b.Exec(ctx, user, project, []string{"sh", "-c", "rm -f " + shellQuote(sanitizePath(path))}, 10*time.Second)
	return err
}

// ListFiles lists a directory inside the pod.
func (b *Backend) ListFiles(ctx context.Context, user, project, path string) ([]orchestrator.FileEntry, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "ls -lah " + shellQuote(sanitizePath(path))}, 10*time.Second)
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
		entries = append(entries, orchestrator.FileEntry{Path: name, IsDir: strings.HasPrefix(fields[0], "d")})
	}
	return entries
}

// Glob runs find -path inside the pod.
func (b *Backend) Glob(ctx context.Context, user, project, pattern string) ([]orchestrator.FileEntry, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "find /app -path " + shellQuote(sanitizePath(pattern))}, 15*time.Second)
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

// Grep runs grep -rn inside the pod.
func (b *Backend) Grep(ctx context.Context, user, project, pattern string) ([]orchestrator.FileEntry, error) {
	out, err := b.Exec(ctx, user, project, []string{"sh", "-c", "grep -rn " + shellQuote(pattern) + " /app 2>/dev/null"}, 20*time.Second)
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
		entries = append(entries, orchestrator.FileEntry{Path: strings.TrimPrefix(parts[0], "/app/"), Line: lineNo, Match: parts[2]})
	}
	return entries, nil
}

func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// TrackActivity is a no-op placeholder: Kubernetes readiness is cheap to
// re-check on demand, so idle tracking for this back-end lives in
// CleanupIdle's own query of deployment age instead of an in-memory map.
func (b *Backend) TrackActivity(user, project string) {}

// CleanupIdle scans every Deployment this backend manages (labeled
// affinityLabel=true) and stops those whose Deployment was created more
// than idle ago; activity is not consulted, only age since creation.
func (b *Backend) CleanupIdle(ctx context.Context, idle time.Duration) ([]string, error) {
	deployments, err := b.client.API.AppsV1().Deployments(b.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: affinityLabel + "=true"})
	if err != nil {
		return nil, err
	}
	var reaped []string
	now := time.Now()
	for _, dep := range deployments.Items {
		if now.Sub(dep.CreationTimestamp.Time) < idle {
			continue
		}
		user, project, _, perr := naming.ParseContainerName(dep.Name)
		if perr != nil {
			continue
		}
		if err := b.StopContainer(ctx, user, project); err == nil {
			reaped = append(reaped, dep.Name)
		}
	}
	return reaped, nil
}
