package workflow

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// StepPath is the position of a step in the (possibly nested) step tree.
// Indices are zero based; top-level steps have a path of length one.
type StepPath []int

// Root returns the path of a top-level step.
func Root(index int) StepPath { return StepPath{index} }

// Child returns the path of the i-th child. The receiver is not modified.
func (p StepPath) Child(i int) StepPath {
	out := make(StepPath, len(p)+1)
	copy(out, p)
	out[len(p)] = i
	return out
}

// Top returns the top-level index, or -1 for an empty path.
func (p StepPath) Top() int {
	if len(p) == 0 {
		return -1
	}
	return p[0]
}

// MarshalJSON encodes a top-level path as a bare integer.
func (p StepPath) MarshalJSON() ([]byte, error) {
	if len(p) == 1 {
		return []byte(strconv.Itoa(p[0])), nil
	}
	return json.Marshal([]int(p))
}

// UnmarshalJSON accepts an integer or an array of integers.
func (p *StepPath) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*p = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] != '[' {
		i, err := strconv.Atoi(string(trimmed))
		if err != nil {
			return fmt.Errorf("invalid step index %s: %w", trimmed, err)
		}
		*p = StepPath{i}
		return nil
	}
	var idx []int
	if err := json.Unmarshal(trimmed, &idx); err != nil {
		return err
	}
	*p = idx
	return nil
}

// FormatStepPath renders a path for display, one based:
//
//	FormatStepPath(StepPath{2}, 0)    // "Step 3"
//	FormatStepPath(StepPath{2, 0}, 2) // "Step 3.1 (Iteration 2)"
func FormatStepPath(path StepPath, iteration int) string {
	if len(path) == 0 {
		return "Step"
	}
	parts := make([]string, len(path))
	for i, idx := range path {
		parts[i] = strconv.Itoa(idx + 1)
	}
	label := "Step " + strings.Join(parts, ".")
	if iteration > 0 {
		label += fmt.Sprintf(" (Iteration %d)", iteration)
	}
	return label
}
