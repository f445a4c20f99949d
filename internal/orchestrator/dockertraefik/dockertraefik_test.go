package dockertraefik

import (
	"strings"
	"testing"
)

func TestDefaultProjectPathDoesNotDoubleUsersSegment(t *testing.T) {
	got := defaultProjectPath("alice", "blog")
	want := "/app/users/alice/blog"
	if got != want {
		t.Fatalf("defaultProjectPath(alice, blog) = %q, want %q (containerUsersRoot must not be prefixed on top of naming.ProjectPath)", got, want)
	}
	if strings.Count(got, "users/") != 1 {
		t.Fatalf("defaultProjectPath(alice, blog) = %q, doubled the users segment", got)
	}
}

func TestDetectFrameworkCommand(t *testing.T) {
	cases := []struct {
		name    string
		pkgJSON string
		wantCmd string
		wantOK  bool
	}{
		{"vite", `{"devDependencies":{"vite":"^5.0.0"}}`, "npm install --silent && npm run dev -- --host 0.0.0.0", true},
		{"next", `{"dependencies":{"next":"14.0.0"}}`, "npm install --silent && npm run dev -- -H 0.0.0.0", true},
		{"unknown", `{"dependencies":{"express":"^4.0.0"}}`, "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cmd, ok := detectFrameworkCommand(c.pkgJSON)
			if ok != c.wantOK || cmd != c.wantCmd {
				t.Fatalf("detectFrameworkCommand(%q) = (%q, %v), want (%q, %v)", c.pkgJSON, cmd, ok, c.wantCmd, c.wantOK)
			}
		})
	}
}

func TestEnsureTrailingWait(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"npm run dev", "npm run dev"},
		{"node server.js &", "node server.js &; wait"},
		{"node server.js & wait", "node server.js & wait"},
		{"  npm run dev --host &  ", "npm run dev --host &; wait"},
	}
	for _, c := range cases {
		if got := ensureTrailingWait(c.in); got != c.want {
			t.Fatalf("ensureTrailingWait(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLogMatchesReady(t *testing.T) {
	cases := []struct {
		logs string
		want bool
	}{
		{"Local:   http://localhost:5173/\n", true},
		{"Ready in 240ms\n", true},
		{"webpack compiled successfully\n", true},
		{"npm install\nadded 42 packages\n", false},
	}
	for _, c := range cases {
		if got := logMatchesReady(c.logs); got != c.want {
			t.Fatalf("logMatchesReady(%q) = %v, want %v", c.logs, got, c.want)
		}
	}
}

func TestParseLsOutput(t *testing.T) {
	out := "total 12\n" +
		"drwxr-xr-x 2 app app 4096 Jan  1 00:00 src\n" +
		"-rw-r--r-- 1 app app  123 Jan  1 00:00 package.json\n"
	entries := parseLsOutput(out)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Path != "src" || !entries[0].IsDir {
		t.Fatalf("expected src to be a directory entry, got %+v", entries[0])
	}
	if entries[1].Path != "package.json" || entries[1].IsDir {
		t.Fatalf("expected package.json to be a file entry, got %+v", entries[1])
	}
}

func TestParseLsOutputSkipsTotalAndDotEntries(t *testing.T) {
	out := "total 0\n" +
		"drwxr-xr-x 2 app app 4096 Jan  1 00:00 .\n" +
		"drwxr-xr-x 2 app app 4096 Jan  1 00:00 ..\n"
	entries := parseLsOutput(out)
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}

func TestBackendScheme(t *testing.T) {
	httpsBackend := New(Config{AppProtocol: "https"}, nil)
	if httpsBackend.scheme() != "https" {
		t.Fatalf("expected https scheme")
	}
	httpBackend := New(Config{AppProtocol: "http"}, nil)
	if httpBackend.scheme() != "http" {
		t.Fatalf("expected http scheme")
	}
}

func TestBuildEnvUsesWSSForHTTPS(t *testing.T) {
	b := New(Config{AppProtocol: "https", WildcardDomain: "*.example.com"}, nil)
	env := b.buildEnv("u1-p1.example.com", 5173)
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "VITE_HMR_PROTOCOL=wss") {
		t.Fatalf("expected wss HMR protocol in env, got %v", env)
	}
	if !strings.Contains(joined, "PORT=5173") {
		t.Fatalf("expected PORT=5173 in env, got %v", env)
	}
}

func TestBuildLabelsIncludesTraefikRouting(t *testing.T) {
	b := New(Config{CertResolver: "letsencrypt"}, nil)
	b.traefikNetwork = "tesslate-network"
	labels := b.buildLabels("u1", "p1", "svc-u1-p1", "u1-p1.example.com", 5173)
	if labels["traefik.enable"] != "true" {
		t.Fatalf("expected traefik.enable=true, got %v", labels)
	}
	if labels["traefik.http.routers.svc-u1-p1.rule"] != "Host(`u1-p1.example.com`)" {
		t.Fatalf("unexpected router rule: %v", labels)
	}
	if labels["traefik.http.services.svc-u1-p1.loadbalancer.server.port"] != "5173" {
		t.Fatalf("unexpected service port label: %v", labels)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	b := New(Config{}, nil)
	if b.cfg.CertResolver != defaultCertResolver {
		t.Fatalf("expected default cert resolver, got %q", b.cfg.CertResolver)
	}
	if b.cfg.IdleTimeout <= 0 {
		t.Fatalf("expected a positive default idle timeout, got %v", b.cfg.IdleTimeout)
	}
	if b.logger == nil {
		t.Fatal("expected a default logger to be created")
	}
}
