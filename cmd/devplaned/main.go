// Command devplaned is the control-plane daemon: it wires the orchestrator
// back-end (Docker+Traefik or Kubernetes), git manager, agent factory,
// shell session manager, credential store, and tool registry into the
// apiserver HTTP surface and serves it until SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"silexa/devplane/internal/agentfactory"
	"silexa/devplane/internal/apiserver"
	"silexa/devplane/internal/credentials"
	"silexa/devplane/internal/dockerutil"
	"silexa/devplane/internal/gitmanager"
	"silexa/devplane/internal/kubeutil"
	"silexa/devplane/internal/limiter"
	"silexa/devplane/internal/naming"
	"silexa/devplane/internal/orchestrator"
	"silexa/devplane/internal/orchestrator/dockertraefik"
	"silexa/devplane/internal/orchestrator/kubernetes"
	"silexa/devplane/internal/pty"
	"silexa/devplane/internal/shellsession"
	"silexa/devplane/internal/tools"
)

func main() {
	logger := log.New(os.Stdout, "devplaned ", log.LstdFlags|log.LUTC)

	backend, mode, err := buildOrchestrator(logger)
	if err != nil {
		logger.Fatalf("orchestrator init: %v", err)
	}

	broker, err := buildPTYBroker(mode)
	if err != nil {
		logger.Fatalf("pty broker init: %v", err)
	}

	shells := shellsession.NewManager(
		broker,
		apiserver.OpenProjectOwnership{},
		apiserver.OrchestratorEnvLookup{Backend: backend, Mode: mode},
		nil,
	)

	todos := tools.NewTodoStore()
	registry := tools.NewRegistry(log.New(os.Stdout, "tools ", log.LstdFlags|log.LUTC))
	tools.RegisterBuiltins(registry, todos)

	agents := agentfactory.NewFactory(registry, log.New(os.Stdout, "agentfactory ", log.LstdFlags|log.LUTC))

	var credStore *credentials.Store
	if secret := os.Getenv("DEVPLANE_CREDENTIAL_SECRET"); secret != "" {
		credStore, err = credentials.NewStore(secret)
		if err != nil {
			logger.Fatalf("credential store init: %v", err)
		}
	} else {
		logger.Println("DEVPLANE_CREDENTIAL_SECRET not set; credential endpoints are disabled")
	}

	srv := apiserver.New(apiserver.Deps{
		Orchestrator: backend,
		Shells:       shells,
		Git: func(user, project string) *gitmanager.Manager {
			return gitmanager.New(backend, user, project)
		},
		Agents:      agents,
		Tools:       registry,
		Credentials: credStore,
		Logger:      log.New(os.Stdout, "apiserver ", log.LstdFlags|log.LUTC),
		Limiter:     limiter.NewDefault(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cronSched := srv.Start(ctx)

	addr := envOr("ADDR", ":8090")
	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

	go func() {
		logger.Printf("listening on %s (backend=%s)", addr, mode)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("shutting down")
	cancel()
	cronSched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
	logger.Println("stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// buildOrchestrator selects the Docker+Traefik or Kubernetes back-end
// based on DEVPLANE_BACKEND (default "docker"), matching the two
// deployment modes spec §4.H describes.
func buildOrchestrator(logger *log.Logger) (orchestrator.Orchestrator, naming.Mode, error) {
	switch envOr("DEVPLANE_BACKEND", "docker") {
	case "kubernetes", "k8s":
		client, err := kubeutil.NewClient(envOr("DEVPLANE_NAMESPACE", "default"))
		if err != nil {
			return nil, "", err
		}
		cfg := kubernetes.Config{
			Namespace:       envOr("DEVPLANE_NAMESPACE", "default"),
			AppDomain:       os.Getenv("DEVPLANE_APP_DOMAIN"),
			ImagePullSecret: os.Getenv("DEVPLANE_IMAGE_PULL_SECRET"),
			Image:           os.Getenv("DEVPLANE_DEVSERVER_IMAGE"),
			AuthHost:        os.Getenv("DEVPLANE_AUTH_HOST"),
			CertResolver:    os.Getenv("DEVPLANE_CERT_RESOLVER"),
		}
		return kubernetes.New(cfg, client, logger), naming.ModeKubernetes, nil
	default:
		cfg := dockertraefik.Config{
			AppDomain:      os.Getenv("DEVPLANE_APP_DOMAIN"),
			WildcardDomain: os.Getenv("DEVPLANE_WILDCARD_DOMAIN"),
			AppProtocol:    envOr("DEVPLANE_APP_PROTOCOL", "https"),
			CertResolver:   os.Getenv("DEVPLANE_CERT_RESOLVER"),
			IdleTimeout:    time.Duration(envInt("DEVPLANE_IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
		}
		return dockertraefik.New(cfg, logger), naming.ModeDocker, nil
	}
}

func buildPTYBroker(mode naming.Mode) (pty.Broker, error) {
	switch mode {
	case naming.ModeKubernetes:
		client, err := kubeutil.NewClient(envOr("DEVPLANE_NAMESPACE", "default"))
		if err != nil {
			return nil, err
		}
		return pty.NewKubernetesBroker(client), nil
	default:
		client, err := dockerutil.NewClient()
		if err != nil {
			return nil, err
		}
		return pty.NewDockerBroker(client), nil
	}
}
