package conversation

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SnapshotNode is one message of an exported tree, with the links needed to rebuild it.
type SnapshotNode struct {
	ParentID      NodeID    `json:"parentId" yaml:"parent_id"`
	ActiveChildID NodeID    `json:"activeChildId,omitempty" yaml:"active_child_id,omitempty"`
	Sequence      int64     `json:"sequence" yaml:"sequence"`
	CreatedAt     time.Time `json:"createdAt,omitempty" yaml:"created_at,omitempty"`
	Message       *Message  `json:"message" yaml:"message"`
}

// Snapshot is a serializable copy of a whole tree. Nodes are ordered parents first and siblings
// in insertion order, so replaying them rebuilds the same branch numbering.
type Snapshot struct {
	HeadID          NodeID         `json:"headId" yaml:"head_id"`
	RootActiveChild NodeID         `json:"rootActiveChildId,omitempty" yaml:"root_active_child_id,omitempty"`
	Nodes           []SnapshotNode `json:"nodes" yaml:"nodes"`
}

// Export deep-copies the tree into a Snapshot.
func (t *Tree) Export() *Snapshot {
	ret := &Snapshot{
		HeadID:          t.head,
		RootActiveChild: t.nodes[RootID].ActiveChild,
	}
	queue := append([]NodeID(nil), t.nodes[RootID].Children...)
	for len(queue) > 0 {
		n := t.nodes[queue[0]]
		queue = queue[1:]
		ret.Nodes = append(ret.Nodes, SnapshotNode{
			ParentID:      n.Parent,
			ActiveChildID: n.ActiveChild,
			Sequence:      n.Sequence,
			CreatedAt:     n.CreatedAt,
			Message:       clone.Clone(n.Message).(*Message),
		})
		queue = append(queue, n.Children...)
	}
	return ret
}

// NewTreeFromSnapshot rebuilds a tree, restoring active children and the head exactly.
func NewTreeFromSnapshot(s *Snapshot) (*Tree, error) {
	t := NewTree()
	for i, sn := range s.Nodes {
		if sn.Message == nil {
			return nil, errors.Wrapf(ErrNilMessage, "snapshot node %d", i)
		}
		if sn.ParentID != RootID && !t.Has(sn.ParentID) {
			return nil, errors.Wrapf(ErrMessageNotFound, "snapshot node %s: parent %s", sn.Message.ID, sn.ParentID)
		}
		if t.Has(sn.Message.ID) {
			return nil, errors.Wrapf(ErrDuplicateID, "snapshot node %s", sn.Message.ID)
		}
		if _, err := t.Upsert(sn.ParentID, clone.Clone(sn.Message).(*Message), sn.Sequence, sn.CreatedAt); err != nil {
			return nil, err
		}
	}

	restoreActive := func(n *Node, active NodeID) error {
		if active == RootID {
			return nil
		}
		child, ok := t.nodes[active]
		if !ok || child.Parent != n.ID {
			return errors.Wrapf(ErrBranchNotFound, "active child %s of %s", active, n.ID)
		}
		n.ActiveChild = active
		return nil
	}
	if err := restoreActive(t.nodes[RootID], s.RootActiveChild); err != nil {
		return nil, err
	}
	for _, sn := range s.Nodes {
		if err := restoreActive(t.nodes[sn.Message.ID], sn.ActiveChildID); err != nil {
			return nil, err
		}
	}
	if err := t.ResetHead(s.HeadID); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveToFile writes the snapshot as YAML for .yaml/.yml files and as indented JSON otherwise.
func (s *Snapshot) SaveToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	if isYAMLFile(filename) {
		encoder := yaml.NewEncoder(f)
		encoder.SetIndent(2)
		if err := encoder.Encode(s); err != nil {
			return err
		}
		return encoder.Close()
	}

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(s)
}

func LoadSnapshotFromFile(filename string) (*Snapshot, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	s := &Snapshot{}
	if isYAMLFile(filename) {
		err = yaml.NewDecoder(f).Decode(s)
	} else {
		err = json.NewDecoder(f).Decode(s)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode snapshot %s", filename)
	}
	return s, nil
}

// LoadMessagesFromFile reads a flat list of messages from a JSON or YAML file.
func LoadMessagesFromFile(filename string) (Conversation, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	var messages Conversation
	if isYAMLFile(filename) {
		err = yaml.NewDecoder(f).Decode(&messages)
	} else {
		err = json.NewDecoder(f).Decode(&messages)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode messages %s", filename)
	}
	return messages, nil
}

func isYAMLFile(filename string) bool {
	return strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml")
}
