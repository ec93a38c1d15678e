package importer

import (
	"reflect"
	"sort"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Result lists what an import did.
type Result struct {
	Created    []conversation.NodeID
	Updated    []conversation.NodeID
	Relinked   []conversation.NodeID
	Renamed    map[conversation.NodeID]conversation.NodeID
	Unresolved []conversation.NodeID
	HeadMoved  bool
}

func newResult() Result {
	return Result{Renamed: map[conversation.NodeID]conversation.NodeID{}}
}

// Repository applies batches of records to a conversation tree.
//
// It owns the tree, the reconciler and the map of previously resolved parents. It is not safe for
// concurrent use.
type Repository struct {
	tree       *conversation.Tree
	reconciler *Reconciler

	parents map[conversation.NodeID]conversation.NodeID
	// aliases maps ids that were renamed to their current id, so late records using a client id
	// update the persisted message instead of recreating it.
	aliases map[conversation.NodeID]conversation.NodeID
	// pending holds the parents of messages that were attached at root because their parent was
	// unknown, e.g. the oldest message of a history page.
	pending map[conversation.NodeID]conversation.NodeID
}

func NewRepository() *Repository {
	return &Repository{
		tree:       conversation.NewTree(),
		reconciler: NewReconciler(),
		parents:    map[conversation.NodeID]conversation.NodeID{},
		aliases:    map[conversation.NodeID]conversation.NodeID{},
		pending:    map[conversation.NodeID]conversation.NodeID{},
	}
}

func (r *Repository) Tree() *conversation.Tree {
	return r.tree
}

// Clear empties the tree and forgets all lineage.
func (r *Repository) Clear() {
	r.tree.Clear()
	r.reconciler.Reset()
	r.parents = map[conversation.NodeID]conversation.NodeID{}
	r.aliases = map[conversation.NodeID]conversation.NodeID{}
	r.pending = map[conversation.NodeID]conversation.NodeID{}
}

// ImportFull replaces the tree with records. With selectLatestBranchPerParent every fork shows its
// newest version.
func (r *Repository) ImportFull(records []Record, selectLatestBranchPerParent bool) (Result, error) {
	r.Clear()
	res, ids, err := r.apply(records)
	if err != nil {
		return res, err
	}
	if selectLatestBranchPerParent {
		r.tree.SelectLatestBranches()
	}
	r.reconciler.EndBatch(ids)
	res.HeadMoved = r.tree.Head() != conversation.RootID

	log.Debug().
		Int("records", len(records)).
		Int("messages", r.tree.Len()).
		Str("head", string(r.tree.Head())).
		Msg("imported conversation")
	return res, nil
}

// ImportIncremental merges records into the tree. It reports whether anything observable changed.
// Re-importing an identical batch changes nothing.
func (r *Repository) ImportIncremental(records []Record, setNewestAsActive bool) (bool, Result, error) {
	headBefore := r.tree.Head()
	res, ids, err := r.apply(records)
	if err != nil {
		return false, res, err
	}
	if setNewestAsActive && len(ids) > 0 {
		if err := r.tree.SwitchActiveBranch(ids[len(ids)-1]); err != nil {
			return false, res, err
		}
	}
	r.reconciler.EndBatch(ids)
	res.HeadMoved = r.tree.Head() != headBefore

	changed := res.HeadMoved ||
		len(res.Created) > 0 ||
		len(res.Updated) > 0 ||
		len(res.Relinked) > 0 ||
		len(res.Renamed) > 0
	return changed, res, nil
}

type sortedRecord struct {
	Record
	sequence int64
}

// batchLineage tracks the heuristic parent candidates while walking one batch.
type batchLineage struct {
	lastUser      conversation.NodeID
	lastAssistant conversation.NodeID
	previous      conversation.NodeID
}

func (b *batchLineage) observe(id conversation.NodeID, role conversation.Role) {
	switch role {
	case conversation.RoleUser:
		b.lastUser = id
	case conversation.RoleAssistant:
		b.lastAssistant = id
	case conversation.RoleSystem, conversation.RoleTool:
	}
	b.previous = id
}

// apply upserts records in sequence order and returns the ids it touched, in that order.
// Result.Updated only lists messages whose payload, sequence or creation time actually changed.
func (r *Repository) apply(records []Record) (Result, []conversation.NodeID, error) {
	res := newResult()

	sorted := make([]sortedRecord, 0, len(records))
	for i, rec := range records {
		if rec.Message == nil {
			return res, nil, errors.Wrapf(conversation.ErrNilMessage, "record %d", i)
		}
		seq := int64(i)
		if rec.Sequence != nil {
			seq = *rec.Sequence
		} else if s, ok := rec.Message.Sequence(); ok {
			seq = s
		}
		sorted = append(sorted, sortedRecord{Record: rec, sequence: seq})
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].sequence < sorted[j].sequence
	})

	var lineage batchLineage
	ids := make([]conversation.NodeID, 0, len(sorted))
	for _, rec := range sorted {
		id := rec.ID
		if id == conversation.RootID {
			id = rec.Message.ID
		}
		id = r.canonical(id)
		if id == conversation.RootID {
			return res, ids, conversation.ErrEmptyID
		}

		parent := r.canonical(r.resolveParent(rec.Record, id, &lineage))
		key := LogicalKey{ParentID: parent, Role: rec.Message.Role, Sequence: rec.sequence}

		if old, ok := r.reconciler.Resolve(r.tree, key, id); ok {
			if err := r.rename(old, id); err != nil {
				return res, ids, err
			}
			res.Renamed[old] = id
			log.Debug().
				Str("old_id", string(old)).
				Str("new_id", string(id)).
				Str("key", key.String()).
				Msg("reconciled message id")
		}

		msg := clone.Clone(rec.Message).(*conversation.Message)
		msg.ID = id
		if rec.Usage != nil {
			msg.SetMetadata(conversation.MetadataKeyUsage, *rec.Usage)
		}

		existing, existed := r.tree.Node(id)
		payloadChanged := !existed ||
			existing.Sequence != rec.sequence ||
			(!rec.CreatedAt.IsZero() && !existing.CreatedAt.Equal(rec.CreatedAt)) ||
			!reflect.DeepEqual(existing.Message, msg)

		up, err := r.tree.Upsert(parent, msg, rec.sequence, rec.CreatedAt)
		if err != nil {
			return res, ids, errors.Wrapf(err, "import %s", id)
		}
		switch {
		case up.Created:
			res.Created = append(res.Created, id)
		case payloadChanged:
			res.Updated = append(res.Updated, id)
		}
		if up.Relinked {
			res.Relinked = append(res.Relinked, id)
		}
		// The key stays under the declared parent, so a later batch naming the same parent finds
		// this message even while it is parked.
		if up.ParentUnresolved {
			res.Unresolved = append(res.Unresolved, id)
			r.pending[id] = parent
			if n, ok := r.tree.Node(id); ok {
				parent = n.Parent
			}
		} else {
			delete(r.pending, id)
		}

		r.reconciler.Record(key, id)
		r.parents[id] = parent
		lineage.observe(id, rec.Message.Role)
		ids = append(ids, id)
	}

	if err := r.linkPending(&res); err != nil {
		return res, ids, err
	}
	return res, ids, nil
}

// linkPending moves messages parked at root under their real parent once it has been imported.
func (r *Repository) linkPending(res *Result) error {
	for id, want := range r.pending {
		want = r.canonical(want)
		if !r.tree.Has(want) {
			continue
		}
		delete(r.pending, id)
		n, ok := r.tree.Node(id)
		if !ok {
			continue
		}
		up, err := r.tree.Upsert(want, n.Message, n.Sequence, n.CreatedAt)
		if err != nil {
			return errors.Wrapf(err, "link %s under %s", id, want)
		}
		if up.Relinked {
			res.Relinked = append(res.Relinked, id)
		}
		r.parents[id] = want
		r.reconciler.Record(LogicalKey{ParentID: want, Role: n.Message.Role, Sequence: n.Sequence}, id)
	}
	return nil
}

// resolveParent picks the parent by precedence: explicit lineage on the record or its metadata, then
// the parent this id was attached to before, then the batch heuristic.
func (r *Repository) resolveParent(rec Record, id conversation.NodeID, lineage *batchLineage) conversation.NodeID {
	if rec.ParentID != nil {
		return *rec.ParentID
	}
	if parent, ok := rec.Message.ParentIDFromMetadata(); ok {
		return parent
	}
	if parent, ok := r.parents[id]; ok {
		return parent
	}
	switch {
	case rec.Message.Role == conversation.RoleUser && lineage.lastAssistant != conversation.RootID:
		return lineage.lastAssistant
	case rec.Message.Role == conversation.RoleAssistant && lineage.lastUser != conversation.RootID:
		return lineage.lastUser
	case lineage.previous != conversation.RootID:
		return lineage.previous
	}
	return r.tree.Head()
}

func (r *Repository) canonical(id conversation.NodeID) conversation.NodeID {
	for i := 0; i < len(r.aliases); i++ {
		next, ok := r.aliases[id]
		if !ok {
			break
		}
		id = next
	}
	return id
}

func (r *Repository) rename(oldID, newID conversation.NodeID) error {
	if err := r.tree.Rename(oldID, newID); err != nil {
		return err
	}
	r.reconciler.Renamed(oldID, newID)
	if parent, ok := r.parents[oldID]; ok {
		r.parents[newID] = parent
		delete(r.parents, oldID)
	}
	for child, parent := range r.parents {
		if parent == oldID {
			r.parents[child] = newID
		}
	}
	if want, ok := r.pending[oldID]; ok {
		r.pending[newID] = want
		delete(r.pending, oldID)
	}
	for child, want := range r.pending {
		if want == oldID {
			r.pending[child] = newID
		}
	}
	r.aliases[oldID] = newID
	delete(r.aliases, newID)
	return nil
}

// Rename re-identifies a client-side message with the id the backend persisted it under.
// It is a no-op when the rename already happened.
func (r *Repository) Rename(clientID, persistedID conversation.NodeID) error {
	clientID = r.canonical(clientID)
	if clientID == persistedID {
		return nil
	}
	if !r.tree.Has(clientID) {
		if r.tree.Has(persistedID) {
			return nil
		}
		return errors.Wrapf(conversation.ErrMessageNotFound, "rename %s", clientID)
	}
	return r.rename(clientID, persistedID)
}

// Truncate hides everything below id from the active path, in preparation for a new version.
func (r *Repository) Truncate(id conversation.NodeID) error {
	if err := r.tree.ResetHead(r.canonical(id)); err != nil {
		return err
	}
	r.reconciler.MarkBatch(r.tree.ActivePath().IDs())
	return nil
}

// Patch replaces the payload of id with a modified copy. Lineage and the reconciler's previous
// batch are left alone.
func (r *Repository) Patch(id conversation.NodeID, fn func(*conversation.Message)) error {
	id = r.canonical(id)
	n, ok := r.tree.Node(id)
	if !ok {
		return errors.Wrapf(conversation.ErrMessageNotFound, "patch %s", id)
	}
	msg := clone.Clone(n.Message).(*conversation.Message)
	fn(msg)
	msg.ID = id
	_, err := r.tree.Upsert(n.Parent, msg, n.Sequence, n.CreatedAt)
	return err
}

// Canonical returns the current id of a possibly renamed message.
func (r *Repository) Canonical(id conversation.NodeID) conversation.NodeID {
	return r.canonical(id)
}

// NextSequence is the sequence of a message appended under parentID.
func (r *Repository) NextSequence(parentID conversation.NodeID) int64 {
	n, ok := r.tree.Node(r.canonical(parentID))
	if !ok || parentID == conversation.RootID {
		return 1
	}
	return n.Sequence + 1
}

func (r *Repository) ActivePath() conversation.Conversation {
	return r.tree.ActivePath()
}

func (r *Repository) ActivePathWithBranchInfo() []conversation.BranchInfo {
	return r.tree.ActivePathWithBranchInfo()
}

func (r *Repository) SwitchActiveBranch(id conversation.NodeID) error {
	return r.tree.SwitchActiveBranch(r.canonical(id))
}

func (r *Repository) Delete(id conversation.NodeID) (int, error) {
	id = r.canonical(id)
	removed, err := r.tree.Delete(id)
	if err != nil {
		return 0, err
	}
	for child := range r.parents {
		if !r.tree.Has(child) {
			delete(r.parents, child)
		}
	}
	return removed, nil
}

func (r *Repository) Navigator() *conversation.Navigator {
	return r.tree.Navigator()
}

func (r *Repository) Head() conversation.NodeID {
	return r.tree.Head()
}

func (r *Repository) Get(id conversation.NodeID) (*conversation.Message, bool) {
	return r.tree.Get(r.canonical(id))
}
