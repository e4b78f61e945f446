package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Driver names the way a consumer program is compiled and linked
type Driver string

const (
	DriverCC      Driver = "cc"
	DriverCMake   Driver = "cmake"
	DriverCommand Driver = "command"
)

// Option is one declared build option and its allowed values, in declaration order
type Option struct {
	Name   string
	Values []string
}

// Exclusion removes options from a configuration whenever every condition holds.
// The classic case is `when shared=true drop fPIC`.
type Exclusion struct {
	When map[string]string
	Drop []string
}

// Matches reports whether the exclusion's condition holds for the given assignment
func (e Exclusion) Matches(assignment map[string]string) bool {
	for name, value := range e.When {
		if assignment[name] != value {
			return false
		}
	}
	return true
}

// SkipRule marks configurations the recipe declares untestable
type SkipRule struct {
	When   map[string]string
	Reason string
}

// Matches reports whether the rule applies to the configuration
func (r SkipRule) Matches(cfg Configuration) bool {
	for name, value := range r.When {
		if v, ok := cfg.Get(name); !ok || v != value {
			return false
		}
	}
	return true
}

// Consumer describes the test_package program of a recipe
type Consumer struct {
	Dir      string
	Driver   Driver
	Language string
	Binary   string
	Sources  []string
	Libs     []string
	Flags    []string
	Args     []string
	Commands map[string][][]string
}

// Recipe is a named, versioned package description with its consumer program.
// Recipes are immutable once loaded.
type Recipe struct {
	Name           string
	Version        string
	Options        []Option
	Defaults       map[string]string
	Exclusions     []Exclusion
	Skip           []SkipRule
	Requires       []string
	Consumer       Consumer
	DescriptorPath string
}

// Ref returns name/version
func (r *Recipe) Ref() string {
	return r.Name + "/" + r.Version
}

// Option returns the declared option with the given name
func (r *Recipe) Option(name string) (Option, bool) {
	for _, o := range r.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// SkipReason returns the reason of the first skip rule matching cfg
func (r *Recipe) SkipReason(cfg Configuration) (string, bool) {
	for _, rule := range r.Skip {
		if rule.Matches(cfg) {
			reason := rule.Reason
			if reason == "" {
				reason = "configuration declared untestable by recipe"
			}
			return reason, true
		}
	}
	return "", false
}

// Assignment is a single option value inside a configuration
type Assignment struct {
	Name  string
	Value string
}

// Configuration is one concrete assignment of options, sorted by option name
type Configuration struct {
	assignments []Assignment
}

// NewConfiguration builds a configuration from a name/value map
func NewConfiguration(values map[string]string) Configuration {
	assignments := make([]Assignment, 0, len(values))
	for name, value := range values {
		assignments = append(assignments, Assignment{Name: name, Value: value})
	}
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].Name < assignments[j].Name
	})
	return Configuration{assignments: assignments}
}

// Assignments returns a copy of the sorted assignments
func (c Configuration) Assignments() []Assignment {
	out := make([]Assignment, len(c.assignments))
	copy(out, c.assignments)
	return out
}

// Get returns the value assigned to an option
func (c Configuration) Get(name string) (string, bool) {
	for _, a := range c.assignments {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Map returns the configuration as a fresh map
func (c Configuration) Map() map[string]string {
	m := make(map[string]string, len(c.assignments))
	for _, a := range c.assignments {
		m[a.Name] = a.Value
	}
	return m
}

// Len returns the number of assigned options
func (c Configuration) Len() int {
	return len(c.assignments)
}

// Key is the canonical identity of the configuration, e.g. "cxx_std=17,shared=true"
func (c Configuration) Key() string {
	parts := make([]string, len(c.assignments))
	for i, a := range c.assignments {
		parts[i] = a.Name + "=" + a.Value
	}
	return strings.Join(parts, ",")
}

// PackageID is a short stable hash of the key, used for directory names
func (c Configuration) PackageID() string {
	sum := sha256.Sum256([]byte(c.Key()))
	return hex.EncodeToString(sum[:])[:12]
}

func (c Configuration) String() string {
	if len(c.assignments) == 0 {
		return "{}"
	}
	return fmt.Sprintf("{%s}", c.Key())
}
