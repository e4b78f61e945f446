// Package expand turns a recipe's declared option space into the list of
// configurations to build and run.
//
// Small spaces are expanded to their full cross product. Above the threshold
// the expander switches to a greedy pairwise reduction: every realizable pair
// of option values from two different options appears in at least one
// configuration, so no option dimension is silently skipped.
package expand

import (
	"errors"
	"fmt"

	"github.com/zinc-sig/harness/internal/recipe"
)

// DefaultThreshold is the largest cross product expanded exhaustively
const DefaultThreshold = 64

// realizability search gives up and assumes a pair is realizable past this many assignments
const maxWitnessSearch = 4096

// ErrInvalidOptionSpace is returned when options or exclusions are inconsistent
var ErrInvalidOptionSpace = errors.New("invalid option space")

// Expander produces configurations from option spaces
type Expander struct {
	Threshold int
}

// New creates an expander; a non-positive threshold selects DefaultThreshold
func New(threshold int) *Expander {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Expander{Threshold: threshold}
}

// ExpandRecipe expands a recipe's options and exclusions
func (e *Expander) ExpandRecipe(r *recipe.Recipe) ([]recipe.Configuration, error) {
	configs, err := e.Expand(r.Options, r.Exclusions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Ref(), err)
	}
	return configs, nil
}

// Expand returns the ordered, deduplicated configurations for the option space
func (e *Expander) Expand(options []recipe.Option, exclusions []recipe.Exclusion) ([]recipe.Configuration, error) {
	space, err := newSpace(options, exclusions)
	if err != nil {
		return nil, err
	}

	if e.strategy(space) == StrategyCrossProduct {
		return space.crossProduct(), nil
	}
	return space.pairwise(), nil
}

// Strategy names how an option space is expanded
type Strategy string

const (
	StrategyCrossProduct Strategy = "cross_product"
	StrategyPairwise     Strategy = "pairwise"
)

// StrategyFor reports the strategy Expand uses for the option space
func (e *Expander) StrategyFor(options []recipe.Option, exclusions []recipe.Exclusion) (Strategy, error) {
	space, err := newSpace(options, exclusions)
	if err != nil {
		return "", err
	}
	return e.strategy(space), nil
}

func (e *Expander) strategy(sp *space) Strategy {
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(sp.options) < 2 || sp.productSize(threshold) <= threshold {
		return StrategyCrossProduct
	}
	return StrategyPairwise
}

// Default returns the recipe's default configuration: declared defaults where
// present, otherwise the first declared value, with exclusions applied.
func Default(r *recipe.Recipe) (recipe.Configuration, error) {
	space, err := newSpace(r.Options, r.Exclusions)
	if err != nil {
		return recipe.Configuration{}, fmt.Errorf("%s: %w", r.Ref(), err)
	}

	assignment := make([]int, len(space.options))
	for name, value := range r.Defaults {
		idx, ok := space.index[name]
		if !ok {
			return recipe.Configuration{}, fmt.Errorf("%s: %w: default for undeclared option %q", r.Ref(), ErrInvalidOptionSpace, name)
		}
		vi := space.valueIndex(idx, value)
		if vi < 0 {
			return recipe.Configuration{}, fmt.Errorf("%s: %w: default %s=%s is not a declared value", r.Ref(), ErrInvalidOptionSpace, name, value)
		}
		assignment[idx] = vi
	}
	return space.normalize(assignment), nil
}

// Validate checks an option space without expanding it
func Validate(options []recipe.Option, exclusions []recipe.Exclusion) error {
	_, err := newSpace(options, exclusions)
	return err
}

// Pair is an option-value pair from two different options
type Pair struct {
	A, B recipe.Assignment
}

func (p Pair) String() string {
	return fmt.Sprintf("(%s=%s, %s=%s)", p.A.Name, p.A.Value, p.B.Name, p.B.Value)
}

// Uncovered lists the realizable pairs no configuration covers. An empty
// result means the configurations are pairwise complete.
func Uncovered(configs []recipe.Configuration, options []recipe.Option, exclusions []recipe.Exclusion) ([]Pair, error) {
	space, err := newSpace(options, exclusions)
	if err != nil {
		return nil, err
	}

	covered := make(map[pairKey]bool)
	for _, cfg := range configs {
		m := cfg.Map()
		for i := range space.options {
			vi, ok := m[space.options[i].Name]
			if !ok {
				continue
			}
			for j := i + 1; j < len(space.options); j++ {
				vj, ok := m[space.options[j].Name]
				if !ok {
					continue
				}
				covered[pairKey{i, space.valueIndex(i, vi), j, space.valueIndex(j, vj)}] = true
			}
		}
	}

	var missing []Pair
	for _, pk := range space.allPairs() {
		if covered[pk] {
			continue
		}
		if _, ok := space.witness(pk); !ok {
			continue
		}
		missing = append(missing, space.pair(pk))
	}
	return missing, nil
}
