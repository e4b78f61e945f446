package recipe

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// DescriptorName is the file looked up inside a recipe directory
const DescriptorName = "recipe.yml"

// option names and values may not contain the characters Configuration.Key joins with
const keySeparators = ",="

// ErrInvalidDescriptor is returned for structurally broken descriptors
var ErrInvalidDescriptor = errors.New("invalid recipe descriptor")

type descriptor struct {
	Name           string           `yaml:"name"`
	Version        string           `yaml:"version"`
	Options        map[string][]any `yaml:"options"`
	DefaultOptions map[string]any   `yaml:"default_options"`
	Exclusions     []exclusionDoc   `yaml:"exclusions"`
	Skip           []skipDoc        `yaml:"skip"`
	Requires       []string         `yaml:"requires"`
	Consumer       consumerDoc      `yaml:"consumer"`
}

type exclusionDoc struct {
	When map[string]any `yaml:"when"`
	Drop []string       `yaml:"drop"`
}

type skipDoc struct {
	When   map[string]any `yaml:"when"`
	Reason string         `yaml:"reason"`
}

type consumerDoc struct {
	Dir      string                `yaml:"dir"`
	Driver   string                `yaml:"driver"`
	Language string                `yaml:"language"`
	Binary   string                `yaml:"binary"`
	Sources  []string              `yaml:"sources"`
	Libs     []string              `yaml:"libs"`
	Flags    []string              `yaml:"flags"`
	Args     []string              `yaml:"args"`
	Commands map[string][][]string `yaml:"commands"`
}

// Parse decodes a recipe descriptor. base is the directory relative paths resolve against.
func Parse(data []byte, base string) (*Recipe, error) {
	var doc descriptor
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	doc.Name = strings.TrimSpace(doc.Name)
	doc.Version = strings.TrimSpace(doc.Version)
	if doc.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("%w: %s: version is required", ErrInvalidDescriptor, doc.Name)
	}

	r := &Recipe{
		Name:     doc.Name,
		Version:  doc.Version,
		Defaults: stringifyMap(doc.DefaultOptions),
		Requires: append([]string(nil), doc.Requires...),
	}

	names := make([]string, 0, len(doc.Options))
	for name := range doc.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.ContainsAny(name, keySeparators) {
			return nil, fmt.Errorf("%w: %s: option name %q must not contain %q", ErrInvalidDescriptor, r.Ref(), name, keySeparators)
		}
		values := make([]string, len(doc.Options[name]))
		for i, v := range doc.Options[name] {
			values[i] = scalarString(v)
			if strings.ContainsAny(values[i], keySeparators) {
				return nil, fmt.Errorf("%w: %s: value %q of option %s must not contain %q", ErrInvalidDescriptor, r.Ref(), values[i], name, keySeparators)
			}
		}
		r.Options = append(r.Options, Option{Name: name, Values: values})
	}

	for _, ex := range doc.Exclusions {
		r.Exclusions = append(r.Exclusions, Exclusion{
			When: stringifyMap(ex.When),
			Drop: append([]string(nil), ex.Drop...),
		})
	}
	for _, s := range doc.Skip {
		r.Skip = append(r.Skip, SkipRule{When: stringifyMap(s.When), Reason: s.Reason})
	}

	consumer, err := buildConsumer(doc.Consumer, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, r.Ref(), err)
	}
	r.Consumer = consumer

	return r, nil
}

func buildConsumer(doc consumerDoc, base string) (Consumer, error) {
	c := Consumer{
		Dir:      doc.Dir,
		Driver:   Driver(strings.ToLower(strings.TrimSpace(doc.Driver))),
		Language: strings.ToLower(strings.TrimSpace(doc.Language)),
		Binary:   strings.TrimSpace(doc.Binary),
		Sources:  append([]string(nil), doc.Sources...),
		Libs:     append([]string(nil), doc.Libs...),
		Flags:    append([]string(nil), doc.Flags...),
		Args:     append([]string(nil), doc.Args...),
		Commands: doc.Commands,
	}
	if c.Dir == "" {
		c.Dir = "test_package"
	}
	if !filepath.IsAbs(c.Dir) {
		c.Dir = filepath.Join(base, c.Dir)
	}
	if c.Driver == "" {
		c.Driver = DriverCC
	}
	if c.Binary == "" {
		c.Binary = "test_package"
	}

	switch c.Driver {
	case DriverCC:
		if len(c.Sources) == 0 {
			return Consumer{}, fmt.Errorf("consumer driver %q needs at least one source", c.Driver)
		}
	case DriverCMake:
	case DriverCommand:
		if len(c.Commands["compile"]) == 0 && len(c.Commands["link"]) == 0 {
			return Consumer{}, fmt.Errorf("consumer driver %q needs compile or link commands", c.Driver)
		}
		for phase := range c.Commands {
			if phase != "compile" && phase != "link" {
				return Consumer{}, fmt.Errorf("unknown command phase %q", phase)
			}
		}
	default:
		return Consumer{}, fmt.Errorf("unknown consumer driver %q", c.Driver)
	}

	if c.Language == "" {
		c.Language = "c"
		for _, src := range c.Sources {
			switch strings.ToLower(filepath.Ext(src)) {
			case ".cpp", ".cc", ".cxx", ".c++":
				c.Language = "c++"
			}
		}
	}
	if c.Language != "c" && c.Language != "c++" {
		return Consumer{}, fmt.Errorf("unknown consumer language %q", c.Language)
	}
	return c, nil
}

// LoadFile reads a recipe descriptor from disk
func LoadFile(file string) (*Recipe, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe descriptor: %w", err)
	}
	r, err := Parse(data, filepath.Dir(file))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	r.DescriptorPath = file
	return r, nil
}

// Resolve expands a recipe set into descriptor paths. Each entry may be a descriptor file,
// a recipe directory, a directory of recipe directories, or a glob pattern.
func Resolve(set []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(f string) {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}

	for _, entry := range set {
		for _, item := range strings.Split(entry, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			matches, err := filepath.Glob(item)
			if err != nil {
				return nil, fmt.Errorf("invalid recipe pattern %q: %w", item, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no recipes match %q", item)
			}
			for _, m := range matches {
				found, err := descriptorsUnder(m)
				if err != nil {
					return nil, err
				}
				for _, f := range found {
					add(f)
				}
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func descriptorsUnder(p string) ([]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if !info.IsDir() {
		return []string{p}, nil
	}

	direct := filepath.Join(p, DescriptorName)
	if _, err := os.Stat(direct); err == nil {
		return []string{direct}, nil
	}

	var found []string
	err = filepath.WalkDir(p, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == DescriptorName {
			found = append(found, file)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", p, err)
	}
	return found, nil
}

// LoadSet resolves and loads every recipe in the set, keeping the ones whose
// name/version matches filter (a path.Match pattern, empty means all).
// Results are sorted by reference.
func LoadSet(set []string, filter string, workers int) ([]*Recipe, error) {
	files, err := Resolve(set)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		recipes []*Recipe
	)
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, f := range files {
		g.Go(func() error {
			r, err := LoadFile(f)
			if err != nil {
				return err
			}
			if !matchFilter(filter, r) {
				return nil
			}
			mu.Lock()
			recipes = append(recipes, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(recipes, func(i, j int) bool {
		return recipes[i].Ref() < recipes[j].Ref()
	})
	for i := 1; i < len(recipes); i++ {
		if recipes[i].Ref() == recipes[i-1].Ref() {
			return nil, fmt.Errorf("%w: %s declared by both %s and %s", ErrInvalidDescriptor,
				recipes[i].Ref(), recipes[i-1].DescriptorPath, recipes[i].DescriptorPath)
		}
	}
	return recipes, nil
}

func matchFilter(filter string, r *Recipe) bool {
	if filter == "" {
		return true
	}
	pattern := filter
	if !strings.Contains(pattern, "/") {
		pattern += "/*"
	}
	ok, err := path.Match(pattern, r.Ref())
	return err == nil && ok
}

func stringifyMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = scalarString(v)
	}
	return out
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
