// Package tools implements the tool registry and built-in tool contracts
// (spec §4.C): a global, once-built set of ToolDescriptors, scoped
// projections over it, and execution with error wrapping and retry.
package tools

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"silexa/devplane/internal/runcontext"
)

// Category groups tools for prompt rendering.
type Category string

const (
	CategoryFileOps Category = "file-ops"
	CategoryShell   Category = "shell"
	CategoryProject Category = "project"
	CategoryBuild   Category = "build"
)

// Param documents one parameter of a tool's JSON-Schema contract.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Example is a usage example rendered in the tool listing.
type Example struct {
	Description string
	Call        string
}

// Executor runs a tool call against params, with run-scoped context.
type Executor func(rc runcontext.Context, params map[string]any) Result

// Descriptor is a ToolDescriptor: name, prose description, parameter
// contract, executor, category, and optional examples.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Category    Category
	Examples    []Example
	Run         Executor
}

// Result is a ToolResult.
type Result struct {
	Success bool   `json:"success"`
	Tool    string `json:"tool"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	// RequiredAction, when set, tells the agent loop the next iteration
	// must retry rather than declare completion.
	RequiredAction string `json:"required_action,omitempty"`
	// ApprovalRequired signals the agent loop must pause for approval
	// before this call's effects are considered final.
	ApprovalRequired bool           `json:"approval_required,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// Registry maps tool name to Descriptor. The global registry is built once
// at startup; runtime code only reads it (via Execute/Render) except when
// explicitly registering new tools at init time.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*Descriptor
	logger *log.Logger
}

// NewRegistry constructs an empty registry. logger may be nil, in which
// case a default stdout logger is used.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "tools ", log.LstdFlags|log.LUTC)
	}
	return &Registry{byName: make(map[string]*Descriptor), logger: logger}
}

// Register stores d, keyed by d.Name. Re-registering an existing name logs
// a warning and overwrites.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[d.Name]; exists {
		r.logger.Printf("warning: re-registering tool %q, overwriting previous descriptor", d.Name)
	}
	r.byName[d.Name] = d
}

// Scope builds a new, independent Registry containing only names. Missing
// names are logged and dropped; the result never mutates the receiver.
func (r *Registry) Scope(names []string) *Registry {
	scoped := NewRegistry(r.logger)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		d, ok := r.byName[name]
		if !ok {
			r.logger.Printf("warning: scoped registry requested unknown tool %q, dropping", name)
			continue
		}
		scoped.byName[name] = d
	}
	return scoped
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute looks up name and invokes its executor, catching any panic from
// inside the executor and wrapping errors/panics in a failed Result. An
// unknown name returns a failed Result listing available tools.
func (r *Registry) Execute(name string, params map[string]any, rc runcontext.Context) (result Result) {
	r.mu.RLock()
	d, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return Result{
			Success: false,
			Tool:    name,
			Error:   fmt.Sprintf("Unknown tool '%s'. Available: %s", name, strings.Join(r.Names(), ", ")),
		}
	}

	defer func() {
		if p := recover(); p != nil {
			result = Result{Success: false, Tool: name, Error: fmt.Sprintf("tool panicked: %v", p)}
		}
	}()
	result = d.Run(rc, params)
	result.Tool = name
	return result
}

// Render produces the tool-listing section for a model system prompt,
// grouped by category with required/optional parameter flags and examples.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byCategory := map[Category][]*Descriptor{}
	for _, d := range r.byName {
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}

	var categories []Category
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	var b strings.Builder
	for _, cat := range categories {
		descs := byCategory[cat]
		sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
		fmt.Fprintf(&b, "## %s\n\n", cat)
		for _, d := range descs {
			fmt.Fprintf(&b, "### %s\n%s\n", d.Name, d.Description)
			if len(d.Params) > 0 {
				b.WriteString("Parameters:\n")
				for _, p := range d.Params {
					req := "optional"
					if p.Required {
						req = "required"
					}
					fmt.Fprintf(&b, "- %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
				}
			}
			for _, ex := range d.Examples {
				fmt.Fprintf(&b, "Example (%s): %s\n", ex.Description, ex.Call)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
