package conversation

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrBranchNotFound  = errors.New("branch not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrCyclicReference = errors.New("cyclic reference")
	ErrEmptyID         = errors.New("message id is empty")
	ErrNilMessage      = errors.New("message is nil")
	ErrDuplicateID     = errors.New("message id already exists")
)

// CyclicReferenceError is returned when linking ChildID under ParentID would make
// ChildID its own ancestor. The tree is left untouched.
type CyclicReferenceError struct {
	ChildID  NodeID
	ParentID NodeID
}

func (e *CyclicReferenceError) Error() string {
	return fmt.Sprintf("cyclic reference: %s is an ancestor of %s", e.ChildID, e.ParentID)
}

func (e *CyclicReferenceError) Unwrap() error {
	return ErrCyclicReference
}
