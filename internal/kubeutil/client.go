// Package kubeutil wraps the Kubernetes client-go surface the orchestrator
// and PTY broker need: config resolution (in-cluster or kubeconfig), pod
// exec via the remotecommand SPDY executor, and the handful of object
// operations the Kubernetes back-end drives (spec §4.H-K).
package kubeutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

// Client wraps a clientset plus the namespace the control plane manages
// dev-environment objects in.
type Client struct {
	API       kubernetes.Interface
	Config    *rest.Config
	Namespace string
}

// NewClient resolves a rest.Config via in-cluster config first, falling
// back to KUBECONFIG / ~/.kube/config, matching how the rest of the agent
// fleet bootstraps its Kubernetes access.
func NewClient(namespace string) (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			if home, herr := os.UserHomeDir(); herr == nil && home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeutil: resolve config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubeutil: build clientset: %w", err)
	}
	if namespace == "" {
		namespace = "devplane"
	}
	return &Client{API: clientset, Config: cfg, Namespace: namespace}, nil
}

// ExecOptions configures a non-interactive pod exec.
type ExecOptions struct {
	Container string
	Command   []string
	TTY       bool
}

// Exec runs a command inside a pod, streaming stdin/stdout/stderr over a
// SPDY connection via the pod exec subresource.
func (c *Client) Exec(ctx context.Context, podName string, opts ExecOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	if c == nil || c.API == nil {
		return fmt.Errorf("kubeutil: client not initialized")
	}
	req := c.API.CoreV1().RESTClient().
		Post().
		Namespace(c.Namespace).
		Resource("pods").
		Name(podName).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: opts.Container,
			Command:   opts.Command,
			Stdin:     stdin != nil,
			Stdout:    stdout != nil,
			Stderr:    stderr != nil,
			TTY:       opts.TTY,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(c.Config, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("kubeutil: build executor: %w", err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Tty:    opts.TTY,
	})
}

// ExecCapture runs a non-TTY command and returns combined stdout+stderr.
func (c *Client) ExecCapture(ctx context.Context, podName, container string, cmd []string) (string, error) {
	var out execCombinedWriter
	err := c.Exec(ctx, podName, ExecOptions{Container: container, Command: cmd}, nil, &out, &out)
	return out.String(), err
}

type execCombinedWriter struct {
	b []byte
}

func (w *execCombinedWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *execCombinedWriter) String() string { return string(w.b) }

// PodsByLabel lists pods in any phase matching a label selector (e.g.
// "app=dev-<user>-<project>").
func (c *Client) PodsByLabel(ctx context.Context, selector string) ([]corev1.Pod, error) {
	list, err := c.API.CoreV1().Pods(c.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("kubeutil: list pods: %w", err)
	}
	return list.Items, nil
}

// FirstRunningPod returns the name of the first Running pod in items, or
// the first pod regardless of phase if none are Running, or an error if
// items is empty.
func FirstRunningPod(items []corev1.Pod) (string, error) {
	for _, p := range items {
		if p.Status.Phase == corev1.PodRunning {
			return p.Name, nil
		}
	}
	if len(items) > 0 {
		return items[0].Name, nil
	}
	return "", fmt.Errorf("kubeutil: no matching pod")
}

// WaitForDeploymentReady polls a Deployment's readyReplicas against its
// spec replica count every interval, up to timeout.
func (c *Client) WaitForDeploymentReady(ctx context.Context, name string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		dep, err := c.API.AppsV1().Deployments(c.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			wantReplicas := int32(1)
			if dep.Spec.Replicas != nil {
				wantReplicas = *dep.Spec.Replicas
			}
			if dep.Status.ReadyReplicas >= wantReplicas && wantReplicas > 0 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("kubeutil: deployment %s not ready after %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
