package importer

import (
	"fmt"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// LogicalKey identifies a conversation slot independently of the concrete message id.
type LogicalKey struct {
	ParentID conversation.NodeID
	Role     conversation.Role
	Sequence int64
}

func (k LogicalKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.ParentID, k.Role, k.Sequence)
}

// Reconciler recognizes a backend swapping a provisional id for a persisted one.
//
// A record with an unseen id whose logical key maps to another id is a rename only if that other id
// was part of the immediately preceding import batch. Otherwise it is a new version of the slot,
// e.g. after a regenerate truncated the path. There is no stronger signal from the backend, so a
// genuinely new version that reuses the key of a message imported in the previous batch is merged.
type Reconciler struct {
	keys          map[LogicalKey]conversation.NodeID
	previousBatch map[conversation.NodeID]struct{}
}

func NewReconciler() *Reconciler {
	r := &Reconciler{}
	r.Reset()
	return r
}

func (r *Reconciler) Reset() {
	r.keys = map[LogicalKey]conversation.NodeID{}
	r.previousBatch = map[conversation.NodeID]struct{}{}
}

// Resolve returns the id that incomingID replaces, if the record is a rename.
func (r *Reconciler) Resolve(tree *conversation.Tree, key LogicalKey, incomingID conversation.NodeID) (conversation.NodeID, bool) {
	if tree.Has(incomingID) {
		return conversation.RootID, false
	}
	old, ok := r.keys[key]
	if !ok || old == incomingID {
		return conversation.RootID, false
	}
	if _, inPrevious := r.previousBatch[old]; !inPrevious {
		return conversation.RootID, false
	}
	if !tree.Has(old) {
		return conversation.RootID, false
	}
	return old, true
}

func (r *Reconciler) Record(key LogicalKey, id conversation.NodeID) {
	r.keys[key] = id
}

// Renamed moves every reference to oldID over to newID.
func (r *Reconciler) Renamed(oldID, newID conversation.NodeID) {
	keys := make(map[LogicalKey]conversation.NodeID, len(r.keys))
	for k, id := range r.keys {
		if id == oldID {
			id = newID
		}
		if k.ParentID == oldID {
			k.ParentID = newID
		}
		keys[k] = id
	}
	r.keys = keys
	if _, ok := r.previousBatch[oldID]; ok {
		delete(r.previousBatch, oldID)
		r.previousBatch[newID] = struct{}{}
	}
}

// EndBatch replaces the previous batch with exactly the ids of the import that just finished.
func (r *Reconciler) EndBatch(ids []conversation.NodeID) {
	r.MarkBatch(ids)
}

// MarkBatch sets the previous batch outside of an import. Truncation marks the remaining visible
// path so the message it cut off can't be taken over by the next version of its slot.
func (r *Reconciler) MarkBatch(ids []conversation.NodeID) {
	r.previousBatch = make(map[conversation.NodeID]struct{}, len(ids))
	for _, id := range ids {
		r.previousBatch[id] = struct{}{}
	}
}
