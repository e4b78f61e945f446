// Package toolchain probes the host for compilers and build tools.
//
// The probe runs once at startup; its results, plus any tool looked up later,
// are cached for the lifetime of the process in an Environment that is passed
// to every worker.
package toolchain

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const defaultVersionTimeout = 5 * time.Second

// Well-known capability names recipes may require
const (
	CapabilityNetwork = "network"
	CapabilityGUI     = "gui"
	CapabilityGPU     = "gpu"
)

// Tool is the probe result for one executable
type Tool struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Available bool   `json:"available"`
}

// Options controls the startup probe
type Options struct {
	Tools        []string
	Capabilities []string
	Timeout      time.Duration
}

// Environment is the cached view of the host toolchain
type Environment struct {
	tools        *xsync.Map[string, Tool]
	capabilities map[string]bool
	cc           string
	cxx          string
	timeout      time.Duration
}

// Probe inspects the host once. The C and C++ compilers honour $CC and $CXX.
func Probe(ctx context.Context, opts Options) *Environment {
	env := newEnvironment(opts.Capabilities, opts.Timeout)

	names := append([]string{env.cc, env.cxx, "cmake"}, opts.Tools...)
	for _, name := range names {
		if _, ok := env.tools.Load(name); ok {
			continue
		}
		env.tools.Store(name, probeTool(ctx, name, env.timeout))
	}
	return env
}

// NewEnvironment builds an environment from known tool results without
// probing. Tools it does not list are resolved lazily on PATH.
func NewEnvironment(capabilities []string, tools ...Tool) *Environment {
	env := newEnvironment(capabilities, 0)
	for _, t := range tools {
		env.tools.Store(t.Name, t)
	}
	return env
}

func newEnvironment(capabilities []string, timeout time.Duration) *Environment {
	if timeout <= 0 {
		timeout = defaultVersionTimeout
	}
	env := &Environment{
		tools:        xsync.NewMap[string, Tool](),
		capabilities: make(map[string]bool, len(capabilities)),
		cc:           envOr("CC", "cc"),
		cxx:          envOr("CXX", "c++"),
		timeout:      timeout,
	}
	for _, c := range capabilities {
		if c = strings.TrimSpace(strings.ToLower(c)); c != "" {
			env.capabilities[c] = true
		}
	}
	return env
}

// Lookup returns the cached result for a tool, probing it on first use
func (e *Environment) Lookup(name string) Tool {
	tool, _ := e.tools.LoadOrCompute(name, func() (Tool, bool) {
		return probeTool(context.Background(), name, e.timeout), false
	})
	return tool
}

// Missing returns the named tools that are not installed
func (e *Environment) Missing(names ...string) (missing []string) {
	for _, name := range names {
		if !e.Lookup(name).Available {
			missing = append(missing, name)
		}
	}
	return missing
}

// HasCapability reports whether the host declared a capability
func (e *Environment) HasCapability(name string) bool {
	return e.capabilities[strings.ToLower(name)]
}

// MissingCapabilities returns the required capabilities the host lacks
func (e *Environment) MissingCapabilities(required []string) []string {
	var missing []string
	for _, c := range required {
		if !e.HasCapability(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// Capabilities returns the declared capabilities, sorted
func (e *Environment) Capabilities() []string {
	out := make([]string, 0, len(e.capabilities))
	for c := range e.capabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Compiler returns the compiler command for a consumer language
func (e *Environment) Compiler(language string) string {
	if language == "c" {
		return e.cc
	}
	return e.cxx
}

// Tools returns every cached tool, sorted by name
func (e *Environment) Tools() []Tool {
	var out []Tool
	e.tools.Range(func(_ string, t Tool) bool {
		out = append(out, t)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func probeTool(ctx context.Context, name string, timeout time.Duration) Tool {
	tool := Tool{Name: name}
	path, err := exec.LookPath(name)
	if err != nil {
		return tool
	}
	tool.Path = path
	tool.Available = true
	tool.Version = readVersion(ctx, path, timeout)
	return tool
}

func readVersion(ctx context.Context, path string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil && len(out) == 0 {
		return ""
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
