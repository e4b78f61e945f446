package build

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/zinc-sig/harness/internal/recipe"
	"github.com/zinc-sig/harness/internal/toolchain"
)

// Phase tags a build step for failure classification
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseLink    Phase = "link"
)

// Step is one toolchain invocation
type Step struct {
	Name    string
	Phase   Phase
	Command string
	Args    []string
	Dir     string

	// linkDiagnostics reclassifies a failing compile-phase step as a link
	// failure when its output carries linker errors (cmake --build)
	linkDiagnostics bool
}

// Layout holds the directories a plan reads from and writes to
type Layout struct {
	Source  string // consumer program sources
	Package string // already built package artifacts for the configuration
	Include string
	Lib     string
	Work    string // configuration-scoped scratch directory
	Binary  string
}

// NewLayout derives the directories for a recipe configuration
func NewLayout(artifactsRoot string, r *recipe.Recipe, cfg recipe.Configuration, workDir string) Layout {
	pkg := filepath.Join(artifactsRoot, r.Name, r.Version, cfg.PackageID())
	return Layout{
		Source:  r.Consumer.Dir,
		Package: pkg,
		Include: filepath.Join(pkg, "include"),
		Lib:     filepath.Join(pkg, "lib"),
		Work:    workDir,
		Binary:  filepath.Join(workDir, "bin", r.Consumer.Binary),
	}
}

// Plan is the ordered list of steps producing the consumer binary
type Plan struct {
	Steps  []Step
	Binary string
}

// Tools lists the executables the plan invokes
func (p Plan) Tools() []string {
	seen := make(map[string]bool)
	var tools []string
	for _, s := range p.Steps {
		if !seen[s.Command] {
			seen[s.Command] = true
			tools = append(tools, s.Command)
		}
	}
	return tools
}

var linkerDiagnostics = regexp.MustCompile(`undefined reference to|ld returned \d+ exit status|cannot find -l|unresolved external symbol|LNK\d{4}|Undefined symbols for architecture|library not found for|ld: error`)

// IsLinkerOutput reports whether build output carries linker diagnostics
func IsLinkerOutput(output string) bool {
	return linkerDiagnostics.MatchString(output)
}

// NewPlan builds the steps for the recipe's consumer driver
func NewPlan(r *recipe.Recipe, cfg recipe.Configuration, env *toolchain.Environment, layout Layout) (Plan, error) {
	switch r.Consumer.Driver {
	case recipe.DriverCC, "":
		return ccPlan(r, cfg, env, layout), nil
	case recipe.DriverCMake:
		return cmakePlan(r, cfg, layout), nil
	case recipe.DriverCommand:
		return commandPlan(r, cfg, env, layout)
	default:
		return Plan{}, fmt.Errorf("unknown consumer driver %q", r.Consumer.Driver)
	}
}

func optionValue(cfg recipe.Configuration, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := cfg.Get(n); ok {
			return v, true
		}
	}
	return "", false
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// compilerFlags maps the conventional options onto compiler flags
func compilerFlags(r *recipe.Recipe, cfg recipe.Configuration) []string {
	var flags []string
	if r.Consumer.Language == "c++" {
		if std, ok := optionValue(cfg, "cxx_std", "cppstd", "compiler.cppstd"); ok && std != "" {
			if rest, gnu := strings.CutPrefix(std, "gnu"); gnu {
				flags = append(flags, "-std=gnu++"+rest)
			} else {
				flags = append(flags, "-std=c++"+std)
			}
		}
	} else if std, ok := optionValue(cfg, "c_std", "cstd", "compiler.cstd"); ok && std != "" {
		if rest, gnu := strings.CutPrefix(std, "gnu"); gnu {
			flags = append(flags, "-std=gnu"+rest)
		} else {
			flags = append(flags, "-std=c"+std)
		}
	}

	if bt, ok := optionValue(cfg, "build_type"); ok {
		switch bt {
		case "Debug":
			flags = append(flags, "-O0", "-g")
		case "Release":
			flags = append(flags, "-O2", "-DNDEBUG")
		case "RelWithDebInfo":
			flags = append(flags, "-O2", "-g", "-DNDEBUG")
		case "MinSizeRel":
			flags = append(flags, "-Os", "-DNDEBUG")
		}
	}
	if v, ok := cfg.Get("fPIC"); ok && isTrue(v) {
		flags = append(flags, "-fPIC")
	}
	return flags
}

func ccPlan(r *recipe.Recipe, cfg recipe.Configuration, env *toolchain.Environment, layout Layout) Plan {
	compiler := env.Compiler(r.Consumer.Language)
	flags := compilerFlags(r, cfg)
	objDir := filepath.Join(layout.Work, "obj")

	var steps []Step
	var objects []string
	for i, src := range r.Consumer.Sources {
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		obj := filepath.Join(objDir, fmt.Sprintf("%02d-%s.o", i, base))
		objects = append(objects, obj)

		args := append([]string{}, flags...)
		args = append(args, r.Consumer.Flags...)
		args = append(args, "-I", layout.Include, "-I", layout.Source, "-c", filepath.Join(layout.Source, src), "-o", obj)
		steps = append(steps, Step{
			Name:    "compile " + src,
			Phase:   PhaseCompile,
			Command: compiler,
			Args:    args,
			Dir:     layout.Work,
		})
	}

	shared := false
	if v, ok := cfg.Get("shared"); ok {
		shared = isTrue(v)
	}

	args := append([]string{}, objects...)
	args = append(args, "-o", layout.Binary, "-L", layout.Lib)
	if shared {
		args = append(args, "-Wl,-rpath,"+layout.Lib)
	}
	for _, lib := range r.Consumer.Libs {
		archive := filepath.Join(layout.Lib, "lib"+lib+".a")
		if !shared {
			if _, err := os.Stat(archive); err == nil {
				args = append(args, archive)
				continue
			}
		}
		args = append(args, "-l"+lib)
	}
	steps = append(steps, Step{
		Name:    "link " + r.Consumer.Binary,
		Phase:   PhaseLink,
		Command: compiler,
		Args:    args,
		Dir:     layout.Work,
	})

	return Plan{Steps: steps, Binary: layout.Binary}
}

func cmakePlan(r *recipe.Recipe, cfg recipe.Configuration, layout Layout) Plan {
	buildDir := filepath.Join(layout.Work, "cmake")

	buildType := "Release"
	if bt, ok := cfg.Get("build_type"); ok && bt != "" {
		buildType = bt
	}

	configure := []string{
		"-S", layout.Source,
		"-B", buildDir,
		"-DCMAKE_BUILD_TYPE=" + buildType,
		"-DCMAKE_PREFIX_PATH=" + layout.Package,
		"-DCMAKE_RUNTIME_OUTPUT_DIRECTORY=" + filepath.Dir(layout.Binary),
	}
	for _, a := range cfg.Assignments() {
		configure = append(configure, "-DHARNESS_OPTION_"+a.Name+"="+a.Value)
	}
	if v, ok := cfg.Get("shared"); ok {
		configure = append(configure, "-DBUILD_SHARED_LIBS="+cmakeBool(v))
	}
	if v, ok := cfg.Get("fPIC"); ok {
		configure = append(configure, "-DCMAKE_POSITION_INDEPENDENT_CODE="+cmakeBool(v))
	}
	if std, ok := optionValue(cfg, "cxx_std", "cppstd", "compiler.cppstd"); ok {
		configure = append(configure, "-DCMAKE_CXX_STANDARD="+strings.TrimPrefix(std, "gnu"))
	}
	configure = append(configure, r.Consumer.Flags...)

	return Plan{
		Steps: []Step{
			{Name: "cmake configure", Phase: PhaseCompile, Command: "cmake", Args: configure, Dir: layout.Work},
			{Name: "cmake build", Phase: PhaseCompile, Command: "cmake", Args: []string{"--build", buildDir}, Dir: layout.Work, linkDiagnostics: true},
		},
		Binary: layout.Binary,
	}
}

func cmakeBool(v string) string {
	if isTrue(v) {
		return "ON"
	}
	return "OFF"
}

// templateData is what command driver templates can reference
type templateData struct {
	Options map[string]string
	Source  string
	Package string
	Include string
	Lib     string
	Output  string
	Binary  string
	CC      string
	CXX     string
	Flags   []string
}

func commandPlan(r *recipe.Recipe, cfg recipe.Configuration, env *toolchain.Environment, layout Layout) (Plan, error) {
	data := templateData{
		Options: cfg.Map(),
		Source:  layout.Source,
		Package: layout.Package,
		Include: layout.Include,
		Lib:     layout.Lib,
		Output:  layout.Work,
		Binary:  layout.Binary,
		CC:      env.Compiler("c"),
		CXX:     env.Compiler("c++"),
		Flags:   compilerFlags(r, cfg),
	}

	var steps []Step
	for _, phase := range []Phase{PhaseCompile, PhaseLink} {
		for i, argv := range r.Consumer.Commands[string(phase)] {
			if len(argv) == 0 {
				return Plan{}, fmt.Errorf("%s command %d is empty", phase, i)
			}
			expanded := make([]string, 0, len(argv))
			for _, arg := range argv {
				out, err := expandArg(arg, data)
				if err != nil {
					return Plan{}, fmt.Errorf("%s command %d: %w", phase, i, err)
				}
				expanded = append(expanded, out)
			}
			steps = append(steps, Step{
				Name:    fmt.Sprintf("%s %d", phase, i),
				Phase:   phase,
				Command: expanded[0],
				Args:    expanded[1:],
				Dir:     layout.Work,
			})
		}
	}
	return Plan{Steps: steps, Binary: layout.Binary}, nil
}

func expandArg(arg string, data templateData) (string, error) {
	if !strings.Contains(arg, "{{") {
		return arg, nil
	}
	tmpl, err := template.New("arg").Option("missingkey=error").Parse(arg)
	if err != nil {
		return "", fmt.Errorf("invalid template %q: %w", arg, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to expand %q: %w", arg, err)
	}
	return buf.String(), nil
}
