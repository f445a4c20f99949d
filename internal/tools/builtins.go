package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"silexa/devplane/internal/agent/patch"
	"silexa/devplane/internal/runcontext"
)

// ansiEscapePattern matches terminal escape sequences (color codes, cursor
// movement) that shell_exec/bash_exec output carries but the model has no
// use for.
var ansiEscapePattern = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// decodeShellOutput turns the base64 blob returned by rc.Shells.Read (see
// shellsession.Manager.ReadOutput, which base64-encodes for JSON safety)
// back into readable text and strips ANSI escape codes, matching the
// reference shell_exec tool's base64.b64decode + strip_ansi_codes pipeline.
func decodeShellOutput(encoded string) string {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return encoded
	}
	return ansiEscapePattern.ReplaceAllString(string(decoded), "")
}

// RegisterBuiltins registers every built-in tool (spec §4.C) into r. todos
// is the shared in-memory todo store keyed by (user, project); callers
// share one instance across registries built for different runs so the
// todo list persists across agent iterations within a session.
func RegisterBuiltins(r *Registry, todos *TodoStore) {
	r.Register(readFileDescriptor())
	r.Register(writeFileDescriptor())
	r.Register(patchFileDescriptor())
	r.Register(multiEditDescriptor())
	r.Register(bashExecDescriptor())
	r.Register(shellOpenDescriptor())
	r.Register(shellExecDescriptor())
	r.Register(shellCloseDescriptor())
	r.Register(getProjectInfoDescriptor())
	r.Register(webFetchDescriptor())
	r.Register(todoReadDescriptor(todos))
	r.Register(todoWriteDescriptor(todos))
}

func stringParam(params map[string]any, name string) (string, bool) {
	v, ok := params[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func floatParam(params map[string]any, name string, def float64) float64 {
	v, ok := params[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return def
}

func sanitizeRelativePath(p string) string {
	p = strings.ReplaceAll(p, "..", "")
	return strings.TrimPrefix(p, "/")
}

func readFileDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "read_file",
		Description: "Read the full content of a file relative to the project root.",
		Category:    CategoryFileOps,
		Params: []Param{
			{Name: "file_path", Type: "string", Required: true, Description: "Path relative to the project root."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			path, ok := stringParam(params, "file_path")
			if !ok || path == "" {
				return Result{Success: false, Error: "file_path is required"}
			}
			path = sanitizeRelativePath(path)

			var content string
			var found bool
			err := withRetries(func() error {
				var innerErr error
				content, found, innerErr = rc.Orchestrator.ReadFile(context.Background(), rc.User, rc.Project, path)
				return innerErr
			})
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			if !found {
				return Result{Success: false, Error: fmt.Sprintf("not-found: %s", path)}
			}
			return Result{Success: true, Output: content}
		},
	}
}

// filePreview returns the first 5 lines + last 5 lines of content, with an
// elision marker if longer, for write_file's success output.
func filePreview(content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= 10 {
		return content
	}
	head := lines[:5]
	tail := lines[len(lines)-5:]
	elided := len(lines) - 10
	return strings.Join(head, "\n") + fmt.Sprintf("\n... (%d lines elided) ...\n", elided) + strings.Join(tail, "\n")
}

func writeFileDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "write_file",
		Description: "Write the complete content of a file relative to the project root, creating parent directories as needed.",
		Category:    CategoryFileOps,
		Params: []Param{
			{Name: "file_path", Type: "string", Required: true, Description: "Path relative to the project root."},
			{Name: "content", Type: "string", Required: true, Description: "Complete file content."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			path, ok := stringParam(params, "file_path")
			if !ok || path == "" {
				return Result{Success: false, Error: "file_path is required"}
			}
			content, _ := stringParam(params, "content")
			path = sanitizeRelativePath(path)

			err := withRetries(func() error {
				return rc.Orchestrator.WriteFile(context.Background(), rc.User, rc.Project, path, content)
			})
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{Success: true, Output: filePreview(content)}
		},
	}
}

func patchFileDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "patch_file",
		Description: "Apply a single surgical search/replace edit to a file.",
		Category:    CategoryFileOps,
		Params: []Param{
			{Name: "file_path", Type: "string", Required: true, Description: "Path relative to the project root."},
			{Name: "search", Type: "string", Required: true, Description: "Text to locate."},
			{Name: "replace", Type: "string", Required: true, Description: "Replacement text."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			path, _ := stringParam(params, "file_path")
			search, _ := stringParam(params, "search")
			replace, _ := stringParam(params, "replace")
			if path == "" {
				return Result{Success: false, Error: "file_path is required"}
			}
			path = sanitizeRelativePath(path)

			ctx := context.Background()
			content, found, err := rc.Orchestrator.ReadFile(ctx, rc.User, rc.Project, path)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			if !found {
				return Result{Success: false, Error: fmt.Sprintf("not-found: %s", path)}
			}

			res := patch.Apply(content, search, replace)
			if !res.Success {
				return Result{Success: false, Error: res.Error}
			}
			if err := rc.Orchestrator.WriteFile(ctx, rc.User, rc.Project, path, res.Content); err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{
				Success: true,
				Output:  filePreview(res.Content),
				Details: map[string]any{"match_method": string(res.MatchMethod)},
			}
		},
	}
}

func multiEditDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "multi_edit",
		Description: "Apply a sequence of search/replace edits to one file; each edit operates on the previous edit's result.",
		Category:    CategoryFileOps,
		Params: []Param{
			{Name: "file_path", Type: "string", Required: true, Description: "Path relative to the project root."},
			{Name: "edits", Type: "array", Required: true, Description: "List of {search, replace} objects, applied in order."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			path, _ := stringParam(params, "file_path")
			if path == "" {
				return Result{Success: false, Error: "file_path is required"}
			}
			path = sanitizeRelativePath(path)

			rawEdits, ok := params["edits"].([]any)
			if !ok {
				return Result{Success: false, Error: "edits must be a list of {search, replace} objects"}
			}
			edits := make([]patch.Edit, 0, len(rawEdits))
			for _, re := range rawEdits {
				m, ok := re.(map[string]any)
				if !ok {
					return Result{Success: false, Error: "each edit must be an object with search and replace"}
				}
				s, _ := stringParam(m, "search")
				rep, _ := stringParam(m, "replace")
				edits = append(edits, patch.Edit{Search: s, Replace: rep})
			}

			ctx := context.Background()
			content, found, err := rc.Orchestrator.ReadFile(ctx, rc.User, rc.Project, path)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			if !found {
				return Result{Success: false, Error: fmt.Sprintf("not-found: %s", path)}
			}

			multi := patch.MultiEdit(content, edits)
			if !multi.Success {
				return Result{
					Success: false,
					Error:   multi.Error,
					Details: map[string]any{"applied_edits": multi.AppliedEdits, "failed_index": multi.FailedIndex},
				}
			}
			if err := rc.Orchestrator.WriteFile(ctx, rc.User, rc.Project, path, multi.Content); err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{
				Success: true,
				Output:  filePreview(multi.Content),
				Details: map[string]any{"applied_edits": multi.AppliedEdits},
			}
		},
	}
}

func bashExecDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "bash_exec",
		Description: "Convenience wrapper: opens a shell session, writes the command, waits, reads the output, and closes the session.",
		Category:    CategoryShell,
		Params: []Param{
			{Name: "command", Type: "string", Required: true, Description: "Shell command to run."},
			{Name: "wait_seconds", Type: "number", Required: false, Description: "Seconds to wait before reading output. Default 2.0."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			command, _ := stringParam(params, "command")
			if command == "" {
				return Result{Success: false, Error: "command is required"}
			}
			wait := floatParam(params, "wait_seconds", 2.0)

			ctx := context.Background()
			sessionID, err := rc.Shells.Open(ctx, rc.User, rc.Project)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			defer rc.Shells.Close(ctx, sessionID)

			if err := rc.Shells.Write(ctx, sessionID, command+"\n"); err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			time.Sleep(time.Duration(wait * float64(time.Second)))

			output, isEOF, err := rc.Shells.Read(ctx, sessionID)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{
				Success: true,
				Output:  decodeShellOutput(output),
				Details: map[string]any{"is_eof": isEOF},
			}
		},
	}
}

func shellOpenDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "shell_open",
		Description: "Open a persistent shell session for this project.",
		Category:    CategoryShell,
		Run: func(rc runcontext.Context, params map[string]any) Result {
			sessionID, err := rc.Shells.Open(context.Background(), rc.User, rc.Project)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{Success: true, Output: map[string]any{"session_id": sessionID}}
		},
	}
}

func shellExecDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "shell_exec",
		Description: "Write a command to a persistent shell session and read back output after a wait.",
		Category:    CategoryShell,
		Params: []Param{
			{Name: "session_id", Type: "string", Required: true, Description: "Session id from shell_open."},
			{Name: "command", Type: "string", Required: true, Description: "Command to write to the session's stdin."},
			{Name: "wait_seconds", Type: "number", Required: false, Description: "Seconds to wait before reading. Default 2.0."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			sessionID, _ := stringParam(params, "session_id")
			command, _ := stringParam(params, "command")
			if sessionID == "" || command == "" {
				return Result{Success: false, Error: "session_id and command are required"}
			}
			wait := floatParam(params, "wait_seconds", 2.0)

			ctx := context.Background()
			if err := rc.Shells.Write(ctx, sessionID, command+"\n"); err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			time.Sleep(time.Duration(wait * float64(time.Second)))
			output, isEOF, err := rc.Shells.Read(ctx, sessionID)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{Success: true, Output: decodeShellOutput(output), Details: map[string]any{"is_eof": isEOF}}
		},
	}
}

func shellCloseDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "shell_close",
		Description: "Close a persistent shell session.",
		Category:    CategoryShell,
		Params: []Param{
			{Name: "session_id", Type: "string", Required: true, Description: "Session id from shell_open."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			sessionID, _ := stringParam(params, "session_id")
			if sessionID == "" {
				return Result{Success: false, Error: "session_id is required"}
			}
			if err := rc.Shells.Close(context.Background(), sessionID); err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{Success: true}
		},
	}
}

func getProjectInfoDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "get_project_info",
		Description: "Read-only lookup of this project's metadata from the external database.",
		Category:    CategoryProject,
		Run: func(rc runcontext.Context, params map[string]any) Result {
			if rc.Projects == nil {
				return Result{Success: false, Error: "project lookup not configured"}
			}
			info, err := rc.Projects.GetProjectInfo(context.Background(), rc.User, rc.Project)
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			return Result{Success: true, Output: info}
		},
	}
}

const webFetchMaxBytes = 50 * 1024

func webFetchDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "web_fetch",
		Description: "HTTP GET a URL, following redirects. Content is truncated at 50 KB.",
		Category:    CategoryProject,
		Params: []Param{
			{Name: "url", Type: "string", Required: true, Description: "URL to fetch."},
			{Name: "timeout", Type: "number", Required: false, Description: "Timeout in seconds. Default 10."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			url, _ := stringParam(params, "url")
			if url == "" {
				return Result{Success: false, Error: "url is required"}
			}
			timeoutSeconds := floatParam(params, "timeout", 10)
			client := &http.Client{Timeout: time.Duration(timeoutSeconds * float64(time.Second))}

			var body []byte
			var statusCode int
			err := withRetries(func() error {
				resp, err := client.Get(url)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				statusCode = resp.StatusCode
				limited := io.LimitReader(resp.Body, webFetchMaxBytes+1)
				body, err = io.ReadAll(limited)
				return err
			})
			if err != nil {
				return Result{Success: false, Error: err.Error()}
			}
			if statusCode >= 400 {
				return Result{Success: false, Error: fmt.Sprintf("HTTP %d", statusCode)}
			}

			truncated := len(body) > webFetchMaxBytes
			if truncated {
				body = body[:webFetchMaxBytes]
			}
			return Result{
				Success: true,
				Output:  string(body),
				Details: map[string]any{"truncated": truncated, "status_code": statusCode},
			}
		},
	}
}

// Todo is a session-scoped todo item.
type Todo struct {
	ID        string
	Content   string
	Status    string // pending, in_progress, completed
	Priority  string
	CreatedAt time.Time
}

// TodoStore is the in-memory map keyed by (user, project) backing
// todo_read/todo_write.
type TodoStore struct {
	mu    sync.Mutex
	byKey map[string][]Todo
}

// NewTodoStore constructs an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{byKey: make(map[string][]Todo)}
}

func todoKey(user, project string) string { return user + "\x00" + project }

func (s *TodoStore) get(user, project string) []Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Todo(nil), s.byKey[todoKey(user, project)]...)
}

func (s *TodoStore) set(user, project string, todos []Todo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[todoKey(user, project)] = todos
}

func todoReadDescriptor(store *TodoStore) *Descriptor {
	return &Descriptor{
		Name:        "todo_read",
		Description: "Read the current session-scoped todo list for this project.",
		Category:    CategoryProject,
		Run: func(rc runcontext.Context, params map[string]any) Result {
			return Result{Success: true, Output: store.get(rc.User, rc.Project)}
		},
	}
}

func todoWriteDescriptor(store *TodoStore) *Descriptor {
	return &Descriptor{
		Name:        "todo_write",
		Description: "Replace the session-scoped todo list for this project.",
		Category:    CategoryProject,
		Params: []Param{
			{Name: "todos", Type: "array", Required: true, Description: "List of {content, status, priority, id} objects."},
		},
		Run: func(rc runcontext.Context, params map[string]any) Result {
			rawTodos, ok := params["todos"].([]any)
			if !ok {
				return Result{Success: false, Error: "todos must be a list of objects"}
			}
			out := make([]Todo, 0, len(rawTodos))
			for i, rt := range rawTodos {
				m, ok := rt.(map[string]any)
				if !ok {
					return Result{Success: false, Error: fmt.Sprintf("todo at index %d must be an object", i)}
				}
				content, _ := stringParam(m, "content")
				status, _ := stringParam(m, "status")
				if status == "" {
					status = "pending"
				}
				if status != "pending" && status != "in_progress" && status != "completed" {
					return Result{Success: false, Error: fmt.Sprintf("invalid status %q at index %d", status, i)}
				}
				priority, _ := stringParam(m, "priority")
				id, _ := stringParam(m, "id")
				if id == "" {
					id = fmt.Sprintf("todo-%d", i+1)
				}
				out = append(out, Todo{ID: id, Content: content, Status: status, Priority: priority, CreatedAt: time.Now()})
			}
			store.set(rc.User, rc.Project, out)
			return Result{Success: true, Output: out}
		},
	}
}
