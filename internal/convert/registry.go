package convert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Converter maps one raw JSON row to a Record. Keep reports whether the row
// belongs in the converted dataset at all.
type Converter struct {
	Name        string
	Title       string
	Source      string
	ScriptPath  string
	Keep        func(raw []byte) (bool, error)
	ConvertLine func(raw []byte) (Record, error)
}

var registry = map[string]Converter{
	"lima": {
		Name:        "lima",
		Title:       "LIMA",
		Source:      "https://huggingface.co/datasets/GAIR/lima",
		ScriptPath:  "cmd/tuner/convert.go",
		ConvertLine: convertLIMA,
	},
	"sciriff": {
		Name:        "sciriff",
		Title:       "SciRIFF",
		Source:      "https://huggingface.co/datasets/allenai/SciRIFF-train-mix",
		ScriptPath:  "cmd/tuner/convert.go",
		Keep:        keepScience,
		ConvertLine: convertMessages,
	},
}

// Lookup returns the converter registered under name.
func Lookup(name string) (Converter, error) {
	c, ok := registry[name]
	if !ok {
		return Converter{}, fmt.Errorf("unknown dataset %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func convertLIMA(raw []byte) (Record, error) {
	var row struct {
		Conversations []string `json:"conversations"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return Record{}, err
	}
	return Record{Messages: PairTurns(row.Conversations)}, nil
}

func keepScience(raw []byte) (bool, error) {
	var row struct {
		Dataset string `json:"dataset"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return false, err
	}
	return strings.HasPrefix(row.Dataset, "science"), nil
}

func convertMessages(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
