package data

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// IgnoreIndex marks a label position that does not contribute to the
// sequence log-probability.
const IgnoreIndex = -100

// Example is one tokenized preference pair.
type Example struct {
	ChosenInputIDs   []int `json:"chosen_input_ids"`
	ChosenLabels     []int `json:"chosen_labels"`
	RejectedInputIDs []int `json:"rejected_input_ids"`
	RejectedLabels   []int `json:"rejected_labels"`
}

// Validate checks that labels line up with inputs and that both sides have
// at least one scored token.
func (e Example) Validate() error {
	if len(e.ChosenLabels) != len(e.ChosenInputIDs) {
		return fmt.Errorf("chosen labels (%d) do not match input ids (%d)", len(e.ChosenLabels), len(e.ChosenInputIDs))
	}
	if len(e.RejectedLabels) != len(e.RejectedInputIDs) {
		return fmt.Errorf("rejected labels (%d) do not match input ids (%d)", len(e.RejectedLabels), len(e.RejectedInputIDs))
	}
	if ScoredTokens(e.ChosenLabels) == 0 || ScoredTokens(e.RejectedLabels) == 0 {
		return fmt.Errorf("example has no scored tokens")
	}
	return nil
}

// ScoredTokens counts labels that are not IgnoreIndex.
func ScoredTokens(labels []int) int {
	n := 0
	for _, l := range labels {
		if l != IgnoreIndex {
			n++
		}
	}
	return n
}

// Batch is a per-device micro-batch.
type Batch struct {
	Examples []Example
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int { return len(b.Examples) }

// LoadJSONL reads one Example per non-empty line.
func LoadJSONL(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var ex Example
		if err := json.Unmarshal([]byte(raw), &ex); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := ex.Validate(); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}
	return out, nil
}
