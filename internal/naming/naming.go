// Package naming derives every deterministic path, container/pod name, and
// hostname from a (user, project) pair. Nothing here performs I/O; it exists
// so the rest of the control plane never invents its own naming convention.
package naming

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects which back-end's naming convention to apply.
type Mode string

const (
	ModeDocker     Mode = "docker"
	ModeKubernetes Mode = "kubernetes"
)

const (
	dockerPrefix = "tesslate-dev-"
	k8sPrefix    = "dev-"
)

var dns1123Disallowed = regexp.MustCompile(`[^a-z0-9-]+`)

// canonicalUUIDLen is the length of a UUID in its canonical
// 8-4-4-4-12 hyphenated form. User and project identifiers are UUIDs, so
// container names built from them can be parsed back unambiguously even
// though UUIDs themselves contain hyphens.
const canonicalUUIDLen = 36

// ProjectPath returns the canonical on-disk (or PVC subPath) location for a
// project: users/<user>/<project>.
func ProjectPath(user, project string) string {
	return fmt.Sprintf("users/%s/%s", sanitizeSegment(user), sanitizeSegment(project))
}

// ContainerName returns the container or pod name for (user, project) under
// the given deployment mode.
func ContainerName(mode Mode, user, project string) (string, error) {
	u := sanitizeSegment(user)
	p := sanitizeSegment(project)
	if u == "" || p == "" {
		return "", fmt.Errorf("naming: user and project are required")
	}
	switch mode {
	case ModeDocker:
		return dockerPrefix + u + "-" + p, nil
	case ModeKubernetes:
		name := k8sPrefix + u + "-" + p
		return dns1123(name), nil
	default:
		return "", fmt.Errorf("naming: unknown mode %q", mode)
	}
}

// MustContainerName panics on error; convenient for call sites that already
// validated user/project upstream (e.g. inside a derived-name test table).
func MustContainerName(mode Mode, user, project string) string {
	name, err := ContainerName(mode, user, project)
	if err != nil {
		panic(err)
	}
	return name
}

// ParseContainerName inverts ContainerName, recovering (user, project, mode).
func ParseContainerName(name string) (user, project string, mode Mode, err error) {
	trimmed := strings.TrimSpace(name)
	switch {
	case strings.HasPrefix(trimmed, dockerPrefix):
		rest := strings.TrimPrefix(trimmed, dockerPrefix)
		u, p, ok := splitLast(rest)
		if !ok {
			return "", "", "", fmt.Errorf("naming: malformed docker container name %q", name)
		}
		return u, p, ModeDocker, nil
	case strings.HasPrefix(trimmed, k8sPrefix):
		rest := strings.TrimPrefix(trimmed, k8sPrefix)
		u, p, ok := splitLast(rest)
		if !ok {
			return "", "", "", fmt.Errorf("naming: malformed kubernetes pod name %q", name)
		}
		return u, p, ModeKubernetes, nil
	default:
		return "", "", "", fmt.Errorf("naming: unrecognized container name %q", name)
	}
}

// splitLast splits "<user>-<project>" into its two UUID segments. User and
// project identifiers are canonical (36-char) UUIDs, which themselves
// contain hyphens, so the split point is the separator hyphen immediately
// after the first 36 characters rather than the last hyphen in the string.
func splitLast(s string) (string, string, bool) {
	if len(s) <= canonicalUUIDLen || s[canonicalUUIDLen] != '-' {
		return "", "", false
	}
	user := s[:canonicalUUIDLen]
	project := s[canonicalUUIDLen+1:]
	if project == "" {
		return "", "", false
	}
	return user, project, true
}

// Hostname derives the public hostname for an environment. When slug is
// non-empty it is used verbatim (it is assumed to already be a valid DNS
// label chosen by the project owner); otherwise it falls back to
// "<user>-<project>".
func Hostname(user, project, slug, appDomain string) string {
	appDomain = strings.TrimSuffix(strings.TrimSpace(appDomain), ".")
	label := strings.TrimSpace(slug)
	if label == "" {
		label = sanitizeSegment(user) + "-" + sanitizeSegment(project)
	}
	if appDomain == "" {
		return label
	}
	return label + "." + appDomain
}

// ProjectKey is the internal map key used to track one environment:
// "user-<u>-project-<p>".
func ProjectKey(user, project string) string {
	return fmt.Sprintf("user-%s-project-%s", sanitizeSegment(user), sanitizeSegment(project))
}

// TraefikServiceName derives the router/service name Traefik labels use,
// which must itself be DNS/label safe.
func TraefikServiceName(user, project string) string {
	return dns1123(fmt.Sprintf("dev-%s-%s", sanitizeSegment(user), sanitizeSegment(project)))
}

func sanitizeSegment(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// dns1123 lower-cases, replaces disallowed runs with a single hyphen, and
// trims leading/trailing hyphens so the result is a legal DNS-1123 label.
func dns1123(name string) string {
	lowered := strings.ToLower(name)
	collapsed := dns1123Disallowed.ReplaceAllString(lowered, "-")
	return strings.Trim(collapsed, "-")
}
