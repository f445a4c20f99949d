// Package gitmanager implements git operations scoped to one (user,
// project) environment (spec §4.I). Every operation shells out to git
// inside the environment via the orchestrator's Exec, never on the
// control plane's own filesystem.
package gitmanager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exec is the narrow orchestrator contract this package needs.
type Exec interface {
	Exec(ctx context.Context, user, project string, command []string, timeout time.Duration) (string, error)
}

// Manager runs git operations against one (user, project) environment.
type Manager struct {
	exec          Exec
	user, project string
}

// New binds a Manager to one environment.
func New(exec Exec, user, project string) *Manager {
	return &Manager{exec: exec, user: user, project: project}
}

func (m *Manager) run(ctx context.Context, timeout time.Duration, script string) (string, error) {
	return m.exec.Exec(ctx, m.user, m.project, []string{"sh", "-c", "cd /app && " + script}, timeout)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// InitializeRepository runs git init -b <branch>, sets identity, and
// optionally wires a remote.
func (m *Manager) InitializeRepository(ctx context.Context, remote, defaultBranch string) error {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	script := fmt.Sprintf(
		"git init -b %s && git config user.name %s && git config user.email %s",
		shellQuote(defaultBranch), shellQuote("devplane"), shellQuote("devplane@localhost"),
	)
	if remote != "" {
		script += " && git remote add origin " + shellQuote(remote)
	}
	_, err := m.run(ctx, 30*time.Second, script)
	return err
}

// injectToken rewrites a git URL to embed an OAuth token for HTTPS auth,
// converting SSH-style GitHub URLs to HTTPS first.
func injectToken(url, token string) string {
	if token == "" {
		return url
	}
	if strings.HasPrefix(url, "git@github.com:") {
		url = "https://github.com/" + strings.TrimPrefix(url, "git@github.com:")
	}
	if strings.HasPrefix(url, "https://") {
		return "https://" + token + "@" + strings.TrimPrefix(url, "https://")
	}
	return url
}

// CloneRepository clones url into /tmp/git-clone inside the environment,
// then moves its contents (including .git) into /app.
func (m *Manager) CloneRepository(ctx context.Context, url, branch, token string) error {
	authedURL := injectToken(url, token)
	branchFlag := ""
	if branch != "" {
		branchFlag = "-b " + shellQuote(branch) + " "
	}
	script := fmt.Sprintf(
		"rm -rf /tmp/git-clone && git clone %s%s /tmp/git-clone && "+
			"shopt -s dotglob 2>/dev/null; cp -r /tmp/git-clone/. /app/ && rm -rf /tmp/git-clone",
		branchFlag, shellQuote(authedURL),
	)
	_, err := m.run(ctx, 300*time.Second, script)
	return err
}

// Status is the overall repository state reported in GitStatus.Status.
type Status string

const (
	StatusClean     Status = "clean"
	StatusModified  Status = "modified"
	StatusAhead     Status = "ahead"
	StatusBehind    Status = "behind"
	StatusDiverged  Status = "diverged"
)

// Change is one porcelain-status entry.
type Change struct {
	Path   string
	Kind   string // "untracked", "added", "deleted", "modified"
	Staged bool
}

// Commit is a single log entry.
type Commit struct {
	SHA     string
	Author  string
	Email   string
	Subject string
	When    time.Time
}

// GitStatus is get_status's return shape.
type GitStatus struct {
	Branch       string
	Status       Status
	Changes      []Change
	ChangesCount int
	Ahead        int
	Behind       int
	LastCommit   *Commit
}

// GetStatus composes branch, porcelain status, ahead/behind, and the last
// commit into one structured result.
func (m *Manager) GetStatus(ctx context.Context) (GitStatus, error) {
	branch, err := m.run(ctx, 10*time.Second, "git branch --show-current")
	if err != nil {
		return GitStatus{}, err
	}
	branch = strings.TrimSpace(branch)

	porcelain, err := m.run(ctx, 10*time.Second, "git status --porcelain")
	if err != nil {
		return GitStatus{}, err
	}
	changes := parsePorcelain(porcelain)

	var ahead, behind int
	if branch != "" {
		counts, err := m.run(ctx, 10*time.Second, fmt.Sprintf("git rev-list --left-right --count origin/%s...HEAD 2>/dev/null", shellQuote(branch)))
		if err == nil {
			ahead, behind = parseLeftRightCount(counts)
		}
	}

	var lastCommit *Commit
	if logOut, err := m.run(ctx, 10*time.Second, "git log -1 --pretty=format:%H|%an|%ae|%s|%ct 2>/dev/null"); err == nil {
		if c, ok := parseCommitLine(logOut); ok {
			lastCommit = &c
		}
	}

	status := StatusClean
	switch {
	case len(changes) > 0:
		status = StatusModified
	case ahead > 0 && behind > 0:
		status = StatusDiverged
	case ahead > 0:
		status = StatusAhead
	case behind > 0:
		status = StatusBehind
	}

	return GitStatus{
		Branch:       branch,
		Status:       status,
		Changes:      changes,
		ChangesCount: len(changes),
		Ahead:        ahead,
		Behind:       behind,
		LastCommit:   lastCommit,
	}, nil
}

func parsePorcelain(out string) []Change {
	var changes []Change
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		var kind string
		switch {
		case code == "??":
			kind = "untracked"
		case strings.Contains(code, "A"):
			kind = "added"
		case strings.Contains(code, "D"):
			kind = "deleted"
		default:
			kind = "modified"
		}
		changes = append(changes, Change{Path: path, Kind: kind, Staged: code[0] != ' ' && code[0] != '?'})
	}
	return changes
}

func parseLeftRightCount(out string) (ahead, behind int) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return 0, 0
	}
	behind, _ = strconv.Atoi(fields[0])
	ahead, _ = strconv.Atoi(fields[1])
	return ahead, behind
}

func parseCommitLine(line string) (Commit, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 5)
	if len(parts) != 5 {
		return Commit{}, false
	}
	var when time.Time
	if secs, err := strconv.ParseInt(parts[4], 10, 64); err == nil {
		when = time.Unix(secs, 0).UTC()
	}
	return Commit{SHA: parts[0], Author: parts[1], Email: parts[2], Subject: parts[3], When: when}, true
}

// Commit stages and commits files (or "." if files is empty) and returns
// the new commit SHA.
func (m *Manager) Commit(ctx context.Context, message string, files []string) (string, error) {
	target := "."
	if len(files) > 0 {
		quoted := make([]string, len(files))
		for i, f := range files {
			quoted[i] = shellQuote(f)
		}
		target = strings.Join(quoted, " ")
	}
	script := fmt.Sprintf("git add %s && git commit -m %s && git rev-parse HEAD", target, shellQuote(message))
	out, err := m.run(ctx, 30*time.Second, script)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

// Push pushes branch to remote.
func (m *Manager) Push(ctx context.Context, branch, remote string, force bool) error {
	if remote == "" {
		remote = "origin"
	}
	flag := ""
	if force {
		flag = "--force "
	}
	script := fmt.Sprintf("git push %s%s %s", flag, shellQuote(remote), shellQuote(branch))
	_, err := m.run(ctx, 300*time.Second, script)
	return err
}

// PullResult is pull's return shape; on conflict Success is false and
// Conflicts lists the conflicted paths, and Pull's error is nil (a
// conflict is not a transport failure).
type PullResult struct {
	Success   bool
	Conflicts []string
}

// Pull fetches then merges; on failure it re-reads porcelain status and
// surfaces UU/AA/DD lines as merge conflicts rather than propagating a
// generic error, since a conflicted pull is an expected, recoverable
// outcome the caller needs to inspect, not a transport failure.
func (m *Manager) Pull(ctx context.Context, branch, remote string) (PullResult, error) {
	if remote == "" {
		remote = "origin"
	}
	branchArg := ""
	if branch != "" {
		branchArg = " " + shellQuote(branch)
	}
	script := fmt.Sprintf("git fetch %s && git pull %s%s", shellQuote(remote), shellQuote(remote), branchArg)
	_, err := m.run(ctx, 300*time.Second, script)
	if err == nil {
		return PullResult{Success: true}, nil
	}

	porcelain, statusErr := m.run(ctx, 10*time.Second, "git status --porcelain")
	if statusErr != nil {
		return PullResult{}, err
	}
	var conflicts []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 2 {
			continue
		}
		code := line[:2]
		if code == "UU" || code == "AA" || code == "DD" {
			conflicts = append(conflicts, strings.TrimSpace(line[3:]))
		}
	}
	if len(conflicts) > 0 {
		return PullResult{Success: false, Conflicts: conflicts}, nil
	}
	return PullResult{}, err
}

// GetCommitHistory returns up to limit log entries on branch (or HEAD).
func (m *Manager) GetCommitHistory(ctx context.Context, limit int, branch string) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	ref := "HEAD"
	if branch != "" {
		ref = shellQuote(branch)
	}
	script := fmt.Sprintf("git log -%d --pretty=format:%%H^%%an^%%ae^%%s^%%ct %s", limit, ref)
	out, err := m.run(ctx, 30*time.Second, script)
	if err != nil {
		return nil, err
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		line = strings.ReplaceAll(line, "^", "|")
		if c, ok := parseCommitLine(line); ok {
			commits = append(commits, c)
		}
	}
	return commits, nil
}

// ListBranches returns local branch names.
func (m *Manager) ListBranches(ctx context.Context) ([]string, error) {
	out, err := m.run(ctx, 10*time.Second, "git branch --format='%(refname:short)'")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// CreateBranch creates name, optionally checking it out immediately.
func (m *Manager) CreateBranch(ctx context.Context, name string, checkout bool) error {
	script := fmt.Sprintf("git branch %s", shellQuote(name))
	if checkout {
		script = fmt.Sprintf("git checkout -b %s", shellQuote(name))
	}
	_, err := m.run(ctx, 15*time.Second, script)
	return err
}

// SwitchBranch checks out an existing branch.
func (m *Manager) SwitchBranch(ctx context.Context, name string) error {
	_, err := m.run(ctx, 15*time.Second, "git checkout "+shellQuote(name))
	return err
}

// GetDiff returns the diff for file (or the whole tree), staged or unstaged.
func (m *Manager) GetDiff(ctx context.Context, file string, staged bool) (string, error) {
	cmd := "git diff"
	if staged {
		cmd += " --staged"
	}
	if file != "" {
		cmd += " -- " + shellQuote(file)
	}
	return m.run(ctx, 30*time.Second, cmd)
}
