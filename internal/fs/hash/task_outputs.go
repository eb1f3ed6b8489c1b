// Package hash holds small hashable value types used by the
// glob-watching subsystem.
package hash

import "sort"

// TaskOutputs represents the glob patterns that include and exclude files
// from a script's declared outputs.
type TaskOutputs struct {
	Inclusions []string
	Exclusions []string
}

// Sort orders the contents of both pattern lists, making two otherwise
// equivalent TaskOutputs values compare equal.
func (to *TaskOutputs) Sort() {
	sort.Strings(to.Inclusions)
	sort.Strings(to.Exclusions)
}
