package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNothingToMerge is returned when a merge finds no solved sub-problems.
var ErrNothingToMerge = errors.New("no solved sub-problems to merge")

// InvalidStateError reports an operation that is not legal in the entity's
// current status.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s; cannot %s", e.Entity, e.ID, e.Status, e.Op)
}

// ForbiddenError reports a caller acting outside its role.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return e.Reason
}

// DependencyUnmetError carries the exact unresolved dependency ids so the
// caller can act without re-querying.
type DependencyUnmetError struct {
	SubProblemID string
	Missing      []string
}

func (e DependencyUnmetError) Error() string {
	return fmt.Sprintf("sub-problem %s has unresolved dependencies: %s", e.SubProblemID, strings.Join(e.Missing, ", "))
}
