package eval

import (
	"fmt"
	"math"
)

// modelMaxInputTokens bounds the tokenized input length per model.
var modelMaxInputTokens = map[string]int{
	"google/flan-t5-xxl":                    8192,
	"google/flan-t5-xl":                     8192,
	"google/flan-t5-large":                  8192,
	"google/flan-t5-base":                   8192,
	"google/flan-t5-small":                  8192,
	"google/flan-ul2":                       8192,
	"bigscience/T0pp":                       8192,
	"allenai/tulu-v2.5-ppo-13b-hh-rlhf-60k": 4096,
	"allenai/tulu-2-dpo-7b":                 8192,
	"allenai/tulu-2-7b":                     2100,
	"meta-llama/Meta-Llama-3-8B-Instruct":   math.MaxInt,
}

// MaxInputTokens returns override when positive, otherwise the table entry
// for model.
func MaxInputTokens(model string, override int) (int, error) {
	if override > 0 {
		return override, nil
	}
	n, ok := modelMaxInputTokens[model]
	if !ok {
		return 0, fmt.Errorf("no max input length known for %q, set max_input_tokens", model)
	}
	return n, nil
}
