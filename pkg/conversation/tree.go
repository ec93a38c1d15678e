package conversation

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Node wraps a message with its position in the tree.
//
// All links are ids into the tree's node map. ActiveChild is RootID when the node has no children.
type Node struct {
	ID          NodeID
	Parent      NodeID
	Children    []NodeID
	ActiveChild NodeID

	Message   *Message
	Sequence  int64
	CreatedAt time.Time
	Level     int
}

func (n *Node) hasActiveChild() bool {
	return n.ActiveChild != RootID
}

// UpsertResult reports what an Upsert did to the tree.
type UpsertResult struct {
	Created          bool
	Updated          bool
	Relinked         bool
	ParentUnresolved bool
}

// Tree stores a conversation as a tree of message versions.
//
// Nodes live in a flat map keyed by id, the root sentinel included (Level -1, so top-level
// messages sit at level 0). Siblings are alternate versions of the same slot, ActiveChild records
// which of them the user currently views, and the head is the last message of the active path.
//
// Every mutation bumps a version counter. ActivePath and ActivePathWithBranchInfo recompute only
// when the counter moved since the last read.
//
// Tree is not safe for concurrent use; the owner serializes access.
type Tree struct {
	nodes   map[NodeID]*Node
	head    NodeID
	version uint64

	cache pathCache
}

type pathCache struct {
	valid    bool
	version  uint64
	messages Conversation
	infos    []BranchInfo
}

func NewTree() *Tree {
	t := &Tree{}
	t.reset()
	return t
}

func (t *Tree) reset() {
	t.nodes = map[NodeID]*Node{
		RootID: {ID: RootID, Parent: RootID, Level: -1},
	}
	t.head = RootID
	t.touch()
}

func (t *Tree) touch() {
	t.version++
}

// Clear drops every message. Used when the view switches to another conversation.
func (t *Tree) Clear() {
	t.reset()
}

// Version is the mutation counter.
func (t *Tree) Version() uint64 {
	return t.version
}

// Head returns the id of the last message on the active path, RootID when empty.
func (t *Tree) Head() NodeID {
	return t.head
}

// Len returns the number of messages, the root excluded.
func (t *Tree) Len() int {
	return len(t.nodes) - 1
}

func (t *Tree) Has(id NodeID) bool {
	if id == RootID {
		return false
	}
	_, ok := t.nodes[id]
	return ok
}

func (t *Tree) Get(id NodeID) (*Message, bool) {
	if id == RootID {
		return nil, false
	}
	n, ok := t.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Message, true
}

// Node returns a copy of the node, so callers can't corrupt the links.
func (t *Tree) Node(id NodeID) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	ret := *n
	ret.Children = append([]NodeID(nil), n.Children...)
	return ret, true
}

func (t *Tree) Children(id NodeID) []NodeID {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return append([]NodeID(nil), n.Children...)
}

// Upsert inserts msg under parentID, or updates it in place if its id is known.
//
// An unknown non-root parent is not an error and sets ParentUnresolved: a new message attaches at
// root, a known one keeps its current parent. Moving a known message under one of its own
// descendants fails with a *CyclicReferenceError and leaves the tree untouched.
func (t *Tree) Upsert(parentID NodeID, msg *Message, sequence int64, createdAt time.Time) (UpsertResult, error) {
	var res UpsertResult
	if msg == nil {
		return res, ErrNilMessage
	}
	if msg.ID == RootID {
		return res, ErrEmptyID
	}

	existing, known := t.nodes[msg.ID]
	if _, ok := t.nodes[parentID]; !ok {
		res.ParentUnresolved = true
		if known {
			log.Warn().
				Str("message_id", string(msg.ID)).
				Str("parent_id", string(parentID)).
				Str("current_parent_id", string(existing.Parent)).
				Msg("parent not found, keeping message where it is")
			parentID = existing.Parent
		} else {
			log.Warn().
				Str("message_id", string(msg.ID)).
				Str("parent_id", string(parentID)).
				Msg("parent not found, attaching message at root")
			parentID = RootID
		}
	}

	if known {
		if existing.Parent != parentID {
			if err := t.checkCycle(existing.ID, parentID); err != nil {
				return res, err
			}
		}
		existing.Message = msg
		existing.Sequence = sequence
		if !createdAt.IsZero() {
			existing.CreatedAt = createdAt
		}
		res.Updated = true
		if existing.Parent != parentID {
			t.relink(existing, parentID)
			res.Relinked = true
		}
		t.touch()
		log.Trace().
			Str("message_id", string(msg.ID)).
			Str("parent_id", string(parentID)).
			Bool("relinked", res.Relinked).
			Msg("updated message")
		return res, nil
	}

	n := &Node{
		ID:        msg.ID,
		Message:   msg,
		Sequence:  sequence,
		CreatedAt: createdAt,
	}
	t.nodes[n.ID] = n
	headWasParent := t.head == parentID
	t.link(parentID, n)
	if headWasParent {
		t.head = n.ID
	}
	t.touch()
	res.Created = true

	log.Trace().
		Str("message_id", string(msg.ID)).
		Str("parent_id", string(parentID)).
		Int("level", n.Level).
		Bool("head", t.head == n.ID).
		Msg("linked message")
	return res, nil
}

// link appends n to the children of parentID. The parent points at n if it had no active child,
// if it is the head, or if n's subtree holds the head.
func (t *Tree) link(parentID NodeID, n *Node) {
	parent := t.nodes[parentID]
	parent.Children = append(parent.Children, n.ID)
	n.Parent = parentID
	if !parent.hasActiveChild() || t.head == parentID || t.subtreeContains(n.ID, t.head) {
		parent.ActiveChild = n.ID
	}
	t.setLevels(n, parent.Level+1)
}

// cut detaches n from its parent. If n was the active child the last remaining sibling takes over.
func (t *Tree) cut(n *Node) {
	parent := t.nodes[n.Parent]
	children := parent.Children[:0]
	for _, c := range parent.Children {
		if c != n.ID {
			children = append(children, c)
		}
	}
	parent.Children = children
	if parent.ActiveChild == n.ID {
		parent.ActiveChild = RootID
		if len(parent.Children) > 0 {
			parent.ActiveChild = parent.Children[len(parent.Children)-1]
		}
	}
}

func (t *Tree) relink(n *Node, newParentID NodeID) {
	if n.Parent == newParentID {
		return
	}
	holdsHead := t.subtreeContains(n.ID, t.head)
	t.cut(n)
	t.link(newParentID, n)
	if holdsHead {
		t.activatePath(t.head)
	}
}

func (t *Tree) checkCycle(childID NodeID, newParentID NodeID) error {
	for cur := newParentID; cur != RootID; cur = t.nodes[cur].Parent {
		if cur == childID {
			return &CyclicReferenceError{ChildID: childID, ParentID: newParentID}
		}
	}
	return nil
}

// subtreeContains reports whether target is ancestorID or one of its descendants.
func (t *Tree) subtreeContains(ancestorID NodeID, target NodeID) bool {
	cur := target
	for {
		if cur == ancestorID {
			return true
		}
		if cur == RootID {
			return false
		}
		n, ok := t.nodes[cur]
		if !ok {
			return false
		}
		cur = n.Parent
	}
}

func (t *Tree) setLevels(n *Node, level int) {
	type item struct {
		node  *Node
		level int
	}
	stack := []item{{n, level}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		it.node.Level = it.level
		for _, c := range it.node.Children {
			stack = append(stack, item{t.nodes[c], it.level + 1})
		}
	}
}

// activatePath points every ancestor of id at the path leading to id.
func (t *Tree) activatePath(id NodeID) {
	for cur := id; cur != RootID; {
		n := t.nodes[cur]
		t.nodes[n.Parent].ActiveChild = cur
		cur = n.Parent
	}
}

// findHead follows active children from id down to a leaf.
func (t *Tree) findHead(id NodeID) NodeID {
	for {
		n := t.nodes[id]
		if !n.hasActiveChild() {
			return id
		}
		id = n.ActiveChild
	}
}

// SwitchActiveBranch makes id the visible version of its slot. The head moves to the deepest
// message reachable from id through active children.
func (t *Tree) SwitchActiveBranch(id NodeID) error {
	if !t.Has(id) {
		return errors.Wrapf(ErrBranchNotFound, "switch to %s", id)
	}
	t.activatePath(id)
	t.head = t.findHead(id)
	t.touch()
	return nil
}

// SelectLatestBranches points every message at its most recently inserted child and moves the
// head down from the root along those choices.
func (t *Tree) SelectLatestBranches() {
	for _, n := range t.nodes {
		if len(n.Children) > 0 {
			n.ActiveChild = n.Children[len(n.Children)-1]
		}
	}
	t.head = t.findHead(RootID)
	t.touch()
}

// ResetHead truncates the visible path at id (RootID empties it). Messages below id stay in the
// tree and can be switched back to.
func (t *Tree) ResetHead(id NodeID) error {
	if id != RootID && !t.Has(id) {
		return errors.Wrapf(ErrMessageNotFound, "reset head to %s", id)
	}
	t.activatePath(id)
	t.head = id
	t.touch()
	return nil
}

// Delete removes id and its whole subtree, returning the number of removed messages.
func (t *Tree) Delete(id NodeID) (int, error) {
	if !t.Has(id) {
		return 0, errors.Wrapf(ErrMessageNotFound, "delete %s", id)
	}
	n := t.nodes[id]
	holdsHead := t.subtreeContains(id, t.head)
	t.cut(n)

	removed := 0
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, t.nodes[cur].Children...)
		delete(t.nodes, cur)
		removed++
	}

	if holdsHead {
		t.head = t.findHead(n.Parent)
	}
	t.touch()

	log.Debug().
		Str("message_id", string(id)).
		Int("removed", removed).
		Str("head", string(t.head)).
		Msg("deleted subtree")
	return removed, nil
}

// Rename re-keys a message in place, keeping its tree position, its children and the head.
func (t *Tree) Rename(oldID NodeID, newID NodeID) error {
	if newID == RootID {
		return ErrEmptyID
	}
	if !t.Has(oldID) {
		return errors.Wrapf(ErrMessageNotFound, "rename %s", oldID)
	}
	if _, exists := t.nodes[newID]; exists {
		return errors.Wrapf(ErrDuplicateID, "rename %s to %s", oldID, newID)
	}

	n := t.nodes[oldID]
	delete(t.nodes, oldID)
	n.ID = newID
	if n.Message != nil {
		n.Message.ID = newID
	}
	t.nodes[newID] = n

	parent := t.nodes[n.Parent]
	for i, c := range parent.Children {
		if c == oldID {
			parent.Children[i] = newID
		}
	}
	if parent.ActiveChild == oldID {
		parent.ActiveChild = newID
	}
	for _, c := range n.Children {
		t.nodes[c].Parent = newID
	}
	if t.head == oldID {
		t.head = newID
	}
	t.touch()
	return nil
}

// ActivePath returns the messages from the root to the head.
//
// The returned slice is shared with the cache and must not be modified.
func (t *Tree) ActivePath() Conversation {
	t.refreshCache()
	return t.cache.messages
}

// ActivePathWithBranchInfo is ActivePath annotated with each message's position among its siblings.
func (t *Tree) ActivePathWithBranchInfo() []BranchInfo {
	t.refreshCache()
	return t.cache.infos
}

func (t *Tree) refreshCache() {
	if t.cache.valid && t.cache.version == t.version {
		return
	}
	head := t.nodes[t.head]
	n := head.Level + 1
	messages := make(Conversation, n)
	infos := make([]BranchInfo, n)
	for cur := head; cur.ID != RootID; cur = t.nodes[cur.Parent] {
		messages[cur.Level] = cur.Message
		infos[cur.Level] = t.branchInfo(cur)
	}
	if n > 0 {
		infos[n-1].IsLast = true
	}
	t.cache = pathCache{
		valid:    true,
		version:  t.version,
		messages: messages,
		infos:    infos,
	}
}
