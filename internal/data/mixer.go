package data

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

// MixSpec names a dataset file and how much of it to draw. A Fraction of at
// most 1 is a share of the rows; anything larger is an absolute row count.
type MixSpec struct {
	Path     string
	Fraction float64
}

// ParseMixerList turns a flat [path, fraction, path, fraction, ...] list into
// specs.
func ParseMixerList(list []string) ([]MixSpec, error) {
	if len(list)%2 != 0 {
		return nil, fmt.Errorf("dataset mixer list must hold path/fraction pairs, got %d items", len(list))
	}
	specs := make([]MixSpec, 0, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		frac, err := strconv.ParseFloat(list[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fraction %q for %s: %w", list[i+1], list[i], err)
		}
		if frac <= 0 {
			return nil, fmt.Errorf("fraction for %s must be positive, got %v", list[i], frac)
		}
		specs = append(specs, MixSpec{Path: list[i], Fraction: frac})
	}
	return specs, nil
}

// Mix loads every spec, draws the requested rows from each and shuffles the
// union with seed.
func Mix(specs []MixSpec, seed uint64) ([]Example, error) {
	var out []Example
	for _, s := range specs {
		rows, err := LoadJSONL(s.Path)
		if err != nil {
			return nil, err
		}
		n := int(s.Fraction)
		if s.Fraction <= 1 {
			n = int(s.Fraction * float64(len(rows)))
		}
		if n > len(rows) {
			return nil, fmt.Errorf("requested %d samples from %s which only has %d", n, s.Path, len(rows))
		}
		out = append(out, rows[:n]...)
	}
	Shuffle(out, seed)
	return out, nil
}

// Shuffle permutes examples in place, deterministically for seed.
func Shuffle(examples []Example, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 0))
	rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})
}

// Truncate keeps at most limit examples; limit <= 0 keeps all.
func Truncate(examples []Example, limit int) []Example {
	if limit <= 0 || limit >= len(examples) {
		return examples
	}
	return examples[:limit]
}
