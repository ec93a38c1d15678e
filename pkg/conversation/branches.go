package conversation

import (
	"github.com/pkg/errors"
)

// BranchInfo describes where a message sits among the versions of its slot.
type BranchInfo struct {
	Message  *Message
	ParentID NodeID
	// BranchIndex is the 0-based position in the parent's children, in insertion order.
	BranchIndex int
	// BranchNumber is BranchIndex + 1, as shown to users ("2 / 3").
	BranchNumber int
	BranchCount  int
	SiblingIDs   []NodeID
	IsLast       bool
}

func (b BranchInfo) HasPrevious() bool {
	return b.BranchIndex > 0
}

func (b BranchInfo) HasNext() bool {
	return b.BranchIndex < b.BranchCount-1
}

func (t *Tree) branchInfo(n *Node) BranchInfo {
	parent := t.nodes[n.Parent]
	index := 0
	for i, c := range parent.Children {
		if c == n.ID {
			index = i
			break
		}
	}
	return BranchInfo{
		Message:      n.Message,
		ParentID:     n.Parent,
		BranchIndex:  index,
		BranchNumber: index + 1,
		BranchCount:  len(parent.Children),
		SiblingIDs:   append([]NodeID(nil), parent.Children...),
		IsLast:       n.ID == t.head,
	}
}

// Navigator moves between sibling versions of a message.
type Navigator struct {
	tree *Tree
}

func (t *Tree) Navigator() *Navigator {
	return &Navigator{tree: t}
}

func (nv *Navigator) Branches(id NodeID) (BranchInfo, error) {
	if !nv.tree.Has(id) {
		return BranchInfo{}, errors.Wrapf(ErrBranchNotFound, "branches of %s", id)
	}
	return nv.tree.branchInfo(nv.tree.nodes[id]), nil
}

// Previous switches to the sibling inserted before id. It returns the id now shown and false
// when id is already the first version.
func (nv *Navigator) Previous(id NodeID) (NodeID, bool, error) {
	return nv.step(id, -1)
}

// Next switches to the sibling inserted after id.
func (nv *Navigator) Next(id NodeID) (NodeID, bool, error) {
	return nv.step(id, 1)
}

func (nv *Navigator) step(id NodeID, delta int) (NodeID, bool, error) {
	info, err := nv.Branches(id)
	if err != nil {
		return id, false, err
	}
	target := info.BranchIndex + delta
	if target < 0 || target >= info.BranchCount {
		return id, false, nil
	}
	targetID := info.SiblingIDs[target]
	if err := nv.tree.SwitchActiveBranch(targetID); err != nil {
		return id, false, err
	}
	return targetID, true, nil
}

// JumpTo switches from id to one of its siblings.
func (nv *Navigator) JumpTo(id NodeID, siblingID NodeID) error {
	info, err := nv.Branches(id)
	if err != nil {
		return err
	}
	for _, s := range info.SiblingIDs {
		if s == siblingID {
			return nv.tree.SwitchActiveBranch(siblingID)
		}
	}
	return errors.Wrapf(ErrBranchNotFound, "%s is not a sibling of %s", siblingID, id)
}
