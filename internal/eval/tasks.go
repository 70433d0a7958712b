package eval

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// ErrNotJSONL is returned when a task file name lacks the .jsonl extension.
var ErrNotJSONL = errors.New("the file does not have a .jsonl extension")

var (
	excludedExtensions = map[string]bool{".py": true, ".json": true}
	excludedFiles      = map[string]bool{"kv_retrieval.jsonl": true}
)

// Example is one InfiniteBench record. Answer is kept as decoded since some
// tasks store a list of accepted answers.
type Example struct {
	Context string `json:"context"`
	Input   string `json:"input"`
	Answer  any    `json:"answer"`
}

// FullInput is the text presented to the model.
func (e Example) FullInput() string {
	return e.Context + " " + e.Input
}

// ScanTasks lists the task files of dir in name order, skipping
// subdirectories, helper scripts, .json files and kv_retrieval.jsonl.
func ScanTasks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if excludedExtensions[filepath.Ext(name)] || excludedFiles[name] {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// TaskName strips the .jsonl extension from a file's base name.
func TaskName(path string) (string, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".jsonl") || base == ".jsonl" {
		return "", fmt.Errorf("%s: %w", base, ErrNotJSONL)
	}
	return strings.TrimSuffix(base, ".jsonl"), nil
}

// ReadExamples decodes up to limit records of a task file; limit <= 0 reads
// them all.
func ReadExamples(path string, limit int) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Example
	sc := bufio.NewScanner(f)
	// Long-context records run to megabytes.
	sc.Buffer(make([]byte, 0, 1<<20), 256<<20)
	line := 0
	for sc.Scan() {
		line++
		if limit > 0 && len(out) == limit {
			break
		}
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(raw, &ex); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out, nil
}
