package expand

import (
	"fmt"
	"sort"

	"github.com/zinc-sig/harness/internal/recipe"
)

type compiledExclusion struct {
	when map[int]int
	drop []int
}

func (c compiledExclusion) matches(assignment []int) bool {
	for opt, val := range c.when {
		if assignment[opt] != val {
			return false
		}
	}
	return true
}

func (c compiledExclusion) drops(opt int) bool {
	for _, d := range c.drop {
		if d == opt {
			return true
		}
	}
	return false
}

type pairKey struct {
	i, vi, j, vj int
}

// space is a validated option space with options sorted by name and
// exclusions compiled to indexes
type space struct {
	options    []recipe.Option
	index      map[string]int
	exclusions []compiledExclusion
}

func newSpace(options []recipe.Option, exclusions []recipe.Exclusion) (*space, error) {
	s := &space{
		options: make([]recipe.Option, len(options)),
		index:   make(map[string]int, len(options)),
	}
	copy(s.options, options)
	sort.SliceStable(s.options, func(i, j int) bool {
		return s.options[i].Name < s.options[j].Name
	})

	for i, opt := range s.options {
		if opt.Name == "" {
			return nil, fmt.Errorf("%w: option with empty name", ErrInvalidOptionSpace)
		}
		if _, dup := s.index[opt.Name]; dup {
			return nil, fmt.Errorf("%w: option %q declared twice", ErrInvalidOptionSpace, opt.Name)
		}
		if len(opt.Values) == 0 {
			return nil, fmt.Errorf("%w: option %q declares no values", ErrInvalidOptionSpace, opt.Name)
		}
		seen := make(map[string]bool, len(opt.Values))
		for _, v := range opt.Values {
			if seen[v] {
				return nil, fmt.Errorf("%w: option %q declares value %q twice", ErrInvalidOptionSpace, opt.Name, v)
			}
			seen[v] = true
		}
		s.index[opt.Name] = i
	}

	for n, ex := range exclusions {
		if len(ex.Drop) == 0 {
			return nil, fmt.Errorf("%w: exclusion %d drops nothing", ErrInvalidOptionSpace, n)
		}
		c := compiledExclusion{when: make(map[int]int, len(ex.When))}
		for name, value := range ex.When {
			idx, ok := s.index[name]
			if !ok {
				return nil, fmt.Errorf("%w: exclusion %d references undeclared option %q", ErrInvalidOptionSpace, n, name)
			}
			vi := s.valueIndex(idx, value)
			if vi < 0 {
				return nil, fmt.Errorf("%w: exclusion %d references undeclared value %s=%s", ErrInvalidOptionSpace, n, name, value)
			}
			c.when[idx] = vi
		}
		for _, name := range ex.Drop {
			idx, ok := s.index[name]
			if !ok {
				return nil, fmt.Errorf("%w: exclusion %d drops undeclared option %q", ErrInvalidOptionSpace, n, name)
			}
			if _, self := c.when[idx]; self {
				return nil, fmt.Errorf("%w: exclusion %d drops its own condition option %q", ErrInvalidOptionSpace, n, name)
			}
			c.drop = append(c.drop, idx)
		}
		s.exclusions = append(s.exclusions, c)
	}
	return s, nil
}

func (s *space) valueIndex(opt int, value string) int {
	for i, v := range s.options[opt].Values {
		if v == value {
			return i
		}
	}
	return -1
}

// productSize returns the cross product size, or limit+1 once it exceeds limit
func (s *space) productSize(limit int) int {
	size := 1
	for _, opt := range s.options {
		size *= len(opt.Values)
		if size > limit {
			return limit + 1
		}
	}
	return size
}

// kept reports which options survive the exclusions for a full assignment.
// An exclusion only fires when every option in its condition is itself kept,
// so it is evaluated once no pending exclusion can drop those options. Cycles
// among exclusions fall back to declaration order.
func (s *space) kept(assignment []int) []bool {
	keep := make([]bool, len(s.options))
	for i := range keep {
		keep[i] = true
	}
	evaluated := make([]bool, len(s.exclusions))

	settled := func(opt int) bool {
		for k, ex := range s.exclusions {
			if !evaluated[k] && ex.drops(opt) {
				return false
			}
		}
		return true
	}
	fire := func(k int) {
		evaluated[k] = true
		ex := s.exclusions[k]
		for opt := range ex.when {
			if !keep[opt] {
				return
			}
		}
		if ex.matches(assignment) {
			for _, d := range ex.drop {
				keep[d] = false
			}
		}
	}

	for pending := len(s.exclusions); pending > 0; {
		progressed := false
		for k, ex := range s.exclusions {
			if evaluated[k] {
				continue
			}
			ready := true
			for opt := range ex.when {
				if !settled(opt) {
					ready = false
					break
				}
			}
			if ready {
				fire(k)
				pending--
				progressed = true
			}
		}
		if progressed {
			continue
		}
		for k := range s.exclusions {
			if !evaluated[k] {
				fire(k)
				pending--
				break
			}
		}
	}
	return keep
}

func (s *space) normalize(assignment []int) recipe.Configuration {
	keep := s.kept(assignment)
	values := make(map[string]string, len(s.options))
	for i, opt := range s.options {
		if keep[i] {
			values[opt.Name] = opt.Values[assignment[i]]
		}
	}
	return recipe.NewConfiguration(values)
}

func (s *space) crossProduct() []recipe.Configuration {
	var configs []recipe.Configuration
	seen := make(map[string]bool)
	assignment := make([]int, len(s.options))
	for {
		cfg := s.normalize(assignment)
		if key := cfg.Key(); !seen[key] {
			seen[key] = true
			configs = append(configs, cfg)
		}

		// odometer, last option turns fastest
		pos := len(assignment) - 1
		for pos >= 0 {
			assignment[pos]++
			if assignment[pos] < len(s.options[pos].Values) {
				break
			}
			assignment[pos] = 0
			pos--
		}
		if pos < 0 {
			return configs
		}
	}
}

func (s *space) allPairs() []pairKey {
	var pairs []pairKey
	for i := range s.options {
		for j := i + 1; j < len(s.options); j++ {
			for vi := range s.options[i].Values {
				for vj := range s.options[j].Values {
					pairs = append(pairs, pairKey{i, vi, j, vj})
				}
			}
		}
	}
	return pairs
}

func (s *space) pair(pk pairKey) Pair {
	return Pair{
		A: recipe.Assignment{Name: s.options[pk.i].Name, Value: s.options[pk.i].Values[pk.vi]},
		B: recipe.Assignment{Name: s.options[pk.j].Name, Value: s.options[pk.j].Values[pk.vj]},
	}
}

// witness finds values for the options that decide whether the pair's options
// get dropped, such that neither is. ok is false when the pair cannot appear
// in any configuration.
func (s *space) witness(pk pairKey) (map[int]int, bool) {
	opts := s.influencers(pk.i, pk.j)

	assignment := make([]int, len(s.options))
	assignment[pk.i] = pk.vi
	assignment[pk.j] = pk.vj
	counter := make([]int, len(opts))
	for tried := 0; ; tried++ {
		for k, opt := range opts {
			assignment[opt] = counter[k]
		}
		keep := s.kept(assignment)
		if (keep[pk.i] && keep[pk.j]) || tried >= maxWitnessSearch {
			w := make(map[int]int, len(opts))
			for k, opt := range opts {
				w[opt] = counter[k]
			}
			return w, true
		}

		pos := len(counter) - 1
		for pos >= 0 {
			counter[pos]++
			if counter[pos] < len(s.options[opts[pos]].Values) {
				break
			}
			counter[pos] = 0
			pos--
		}
		if pos < 0 {
			return nil, false
		}
	}
}

// influencers lists, sorted, the options other than i and j whose values can
// decide whether i or j is dropped, following chains of exclusions
func (s *space) influencers(i, j int) []int {
	seen := map[int]bool{i: true, j: true}
	queue := []int{i, j}
	var opts []int
	for len(queue) > 0 {
		target := queue[0]
		queue = queue[1:]
		for _, ex := range s.exclusions {
			if !ex.drops(target) {
				continue
			}
			for opt := range ex.when {
				if !seen[opt] {
					seen[opt] = true
					queue = append(queue, opt)
					opts = append(opts, opt)
				}
			}
		}
	}
	sort.Ints(opts)
	return opts
}

func orderedKey(a, va, b, vb int) pairKey {
	if a > b {
		a, va, b, vb = b, vb, a, va
	}
	return pairKey{a, va, b, vb}
}

// pairwise builds configurations greedily: seed each new configuration with
// the first uncovered pair, pin the options that could drop it, then give
// every other option the value covering the most uncovered pairs.
func (s *space) pairwise() []recipe.Configuration {
	var order []pairKey
	uncovered := make(map[pairKey]bool)
	witnesses := make(map[pairKey]map[int]int)
	for _, pk := range s.allPairs() {
		w, ok := s.witness(pk)
		if !ok {
			continue
		}
		order = append(order, pk)
		uncovered[pk] = true
		witnesses[pk] = w
	}

	var configs []recipe.Configuration
	seen := make(map[string]bool)
	next := 0
	for {
		for next < len(order) && !uncovered[order[next]] {
			next++
		}
		if next == len(order) {
			break
		}
		seedPair := order[next]

		assignment := make([]int, len(s.options))
		for i := range assignment {
			assignment[i] = -1
		}
		assignment[seedPair.i] = seedPair.vi
		assignment[seedPair.j] = seedPair.vj
		for opt, val := range witnesses[seedPair] {
			assignment[opt] = val
		}

		for opt := range s.options {
			if assignment[opt] >= 0 {
				continue
			}
			best, bestScore := 0, -1
			for v := range s.options[opt].Values {
				score := 0
				for other, ov := range assignment {
					if other == opt || ov < 0 {
						continue
					}
					if uncovered[orderedKey(opt, v, other, ov)] {
						score++
					}
				}
				if score > bestScore {
					best, bestScore = v, score
				}
			}
			assignment[opt] = best
		}

		keep := s.kept(assignment)
		for i := range s.options {
			if !keep[i] {
				continue
			}
			for j := i + 1; j < len(s.options); j++ {
				if keep[j] {
					delete(uncovered, pairKey{i, assignment[i], j, assignment[j]})
				}
			}
		}
		// the seed is always retired so the loop terminates even if the
		// witness search gave up early
		delete(uncovered, seedPair)

		cfg := s.normalize(assignment)
		if key := cfg.Key(); !seen[key] {
			seen[key] = true
			configs = append(configs, cfg)
		}
	}
	return configs
}
