package conversation

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMsg(id NodeID, role Role, text string) *Message {
	return NewTextMessage(role, text, WithID(id))
}

func mustUpsert(t *testing.T, tree *Tree, parent NodeID, id NodeID, role Role, seq int64) UpsertResult {
	t.Helper()
	res, err := tree.Upsert(parent, textMsg(id, role, string(id)), seq, time.Time{})
	require.NoError(t, err)
	return res
}

// assertPathInvariant checks that the active path has head level + 1 entries and chains parents.
func assertPathInvariant(t *testing.T, tree *Tree) {
	t.Helper()
	path := tree.ActivePathWithBranchInfo()
	head, ok := tree.Node(tree.Head())
	require.True(t, ok)
	require.Len(t, path, head.Level+1)
	prev := RootID
	for _, info := range path {
		assert.Equal(t, prev, info.ParentID)
		prev = info.Message.ID
	}
	assert.Equal(t, tree.Head(), prev)
}

// linear builds u1 -> a1 -> u2 -> a2.
func linear(t *testing.T) *Tree {
	tree := NewTree()
	mustUpsert(t, tree, RootID, "u1", RoleUser, 1)
	mustUpsert(t, tree, "u1", "a1", RoleAssistant, 2)
	mustUpsert(t, tree, "a1", "u2", RoleUser, 3)
	mustUpsert(t, tree, "u2", "a2", RoleAssistant, 4)
	return tree
}

func TestUpsertLinearConversation(t *testing.T) {
	tree := linear(t)

	assert.Equal(t, NodeID("a2"), tree.Head())
	assert.Equal(t, 4, tree.Len())
	assert.Equal(t, []NodeID{"u1", "a1", "u2", "a2"}, tree.ActivePath().IDs())
	assertPathInvariant(t, tree)

	n, ok := tree.Node("u2")
	require.True(t, ok)
	assert.Equal(t, 2, n.Level)
	assert.Equal(t, NodeID("a2"), n.ActiveChild)
}

func TestUpsertUpdatesPayloadInPlace(t *testing.T) {
	tree := linear(t)
	v := tree.Version()

	res, err := tree.Upsert("u2", textMsg("a2", RoleAssistant, "updated"), 4, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.False(t, res.Created)
	assert.False(t, res.Relinked)
	assert.Greater(t, tree.Version(), v)

	m, ok := tree.Get("a2")
	require.True(t, ok)
	assert.Equal(t, "updated", m.Text())
	assert.Equal(t, 4, tree.Len())
}

func TestUpsertUnknownParentAttachesAtRoot(t *testing.T) {
	tree := NewTree()
	res, err := tree.Upsert("missing", textMsg("x", RoleUser, "x"), 1, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.ParentUnresolved)

	n, _ := tree.Node("x")
	assert.Equal(t, RootID, n.Parent)
	assert.Equal(t, 0, n.Level)
}

func TestUpsertUnknownParentKeepsKnownMessageInPlace(t *testing.T) {
	tree := linear(t)
	before := tree.ActivePath().IDs()

	res, err := tree.Upsert("missing", textMsg("a1", RoleAssistant, "edited"), 2, time.Time{})
	require.NoError(t, err)
	assert.True(t, res.ParentUnresolved)
	assert.True(t, res.Updated)
	assert.False(t, res.Relinked)

	n, _ := tree.Node("a1")
	assert.Equal(t, NodeID("u1"), n.Parent)
	assert.Equal(t, 1, n.Level)
	assert.Equal(t, "edited", n.Message.Text())
	assert.Equal(t, before, tree.ActivePath().IDs())
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	tree := NewTree()
	_, err := tree.Upsert(RootID, textMsg("", RoleUser, "x"), 1, time.Time{})
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestUpsertRejectsCycle(t *testing.T) {
	tree := linear(t)
	before := tree.ActivePath().IDs()

	_, err := tree.Upsert("a2", textMsg("a1", RoleAssistant, "a1"), 2, time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicReference)

	var cyc *CyclicReferenceError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, NodeID("a1"), cyc.ChildID)
	assert.Equal(t, NodeID("a2"), cyc.ParentID)

	assert.Equal(t, before, tree.ActivePath().IDs())
}

func TestRelinkCascadesLevels(t *testing.T) {
	tree := linear(t)
	mustUpsert(t, tree, RootID, "u0", RoleUser, 1)

	res := mustUpsert(t, tree, "u0", "a1", RoleAssistant, 2)
	assert.True(t, res.Relinked)

	a1, _ := tree.Node("a1")
	u2, _ := tree.Node("u2")
	a2, _ := tree.Node("a2")
	assert.Equal(t, 1, a1.Level)
	assert.Equal(t, 2, u2.Level)
	assert.Equal(t, 3, a2.Level)

	// the head moved along with its subtree
	assert.Equal(t, NodeID("a2"), tree.Head())
	assert.Equal(t, []NodeID{"u0", "a1", "u2", "a2"}, tree.ActivePath().IDs())
	assert.Empty(t, tree.Children("u1"))
	assertPathInvariant(t, tree)
}

func TestSiblingDoesNotStealActivePath(t *testing.T) {
	tree := linear(t)
	mustUpsert(t, tree, "u1", "a1b", RoleAssistant, 2)

	assert.Equal(t, NodeID("a2"), tree.Head())
	assert.Equal(t, []NodeID{"u1", "a1", "u2", "a2"}, tree.ActivePath().IDs())

	info := tree.ActivePathWithBranchInfo()[1]
	assert.Equal(t, 2, info.BranchCount)
	assert.Equal(t, 1, info.BranchNumber)
}

func TestSwitchActiveBranchMovesHeadToDeepestDescendant(t *testing.T) {
	tree := linear(t)
	mustUpsert(t, tree, "u1", "a1b", RoleAssistant, 2)
	mustUpsert(t, tree, "a1b", "u2b", RoleUser, 3)

	require.NoError(t, tree.SwitchActiveBranch("a1b"))
	assert.Equal(t, NodeID("u2b"), tree.Head())
	assert.Equal(t, []NodeID{"u1", "a1b", "u2b"}, tree.ActivePath().IDs())
	assertPathInvariant(t, tree)

	require.NoError(t, tree.SwitchActiveBranch("a1"))
	assert.Equal(t, []NodeID{"u1", "a1", "u2", "a2"}, tree.ActivePath().IDs())
}

func TestSwitchActiveBranchRoundTrip(t *testing.T) {
	tree := linear(t)
	mustUpsert(t, tree, "u1", "a1b", RoleAssistant, 2)
	original := append([]NodeID(nil), tree.ActivePath().IDs()...)

	require.NoError(t, tree.SwitchActiveBranch("a1b"))
	require.NoError(t, tree.SwitchActiveBranch("a1"))
	assert.Equal(t, original, tree.ActivePath().IDs())
}

func TestSwitchActiveBranchUnknown(t *testing.T) {
	tree := linear(t)
	err := tree.SwitchActiveBranch("nope")
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

func TestDeleteCascade(t *testing.T) {
	tree := linear(t)
	mustUpsert(t, tree, "u1", "a1b", RoleAssistant, 2)

	removed, err := tree.Delete("a1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, tree.Len())
	assert.False(t, tree.Has("u2"))
	assert.False(t, tree.Has("a2"))

	// head was inside the removed subtree and falls back to the surviving sibling
	assert.Equal(t, NodeID("a1b"), tree.Head())
	assert.Equal(t, []NodeID{"u1", "a1b"}, tree.ActivePath().IDs())
	assertPathInvariant(t, tree)
}

func TestDeleteOutsideActivePathKeepsHead(t *testing.T) {
	tree := linear(t)
	mustUpsert(t, tree, "u1", "a1b", RoleAssistant, 2)

	removed, err := tree.Delete("a1b")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, NodeID("a2"), tree.Head())
}

func TestDeleteLastMessageEmptiesPath(t *testing.T) {
	tree := NewTree()
	mustUpsert(t, tree, RootID, "u1", RoleUser, 1)

	_, err := tree.Delete("u1")
	require.NoError(t, err)
	assert.Equal(t, RootID, tree.Head())
	assert.Empty(t, tree.ActivePath())
}

func TestRename(t *testing.T) {
	tree := linear(t)

	require.NoError(t, tree.Rename("u2", "u2-real"))
	assert.False(t, tree.Has("u2"))
	assert.Equal(t, 4, tree.Len())
	assert.Equal(t, []NodeID{"u1", "a1", "u2-real", "a2"}, tree.ActivePath().IDs())

	a2, _ := tree.Node("a2")
	assert.Equal(t, NodeID("u2-real"), a2.Parent)
	m, _ := tree.Get("u2-real")
	assert.Equal(t, NodeID("u2-real"), m.ID)

	require.NoError(t, tree.Rename("a2", "a2-real"))
	assert.Equal(t, NodeID("a2-real"), tree.Head())

	assert.ErrorIs(t, tree.Rename("a1", "u1"), ErrDuplicateID)
	assert.ErrorIs(t, tree.Rename("nope", "x"), ErrMessageNotFound)
}

func TestResetHeadTruncatesVisiblePath(t *testing.T) {
	tree := linear(t)

	require.NoError(t, tree.ResetHead("u2"))
	assert.Equal(t, NodeID("u2"), tree.Head())
	assert.Equal(t, []NodeID{"u1", "a1", "u2"}, tree.ActivePath().IDs())
	assert.True(t, tree.Has("a2"))

	// a new child of the head becomes the visible sibling
	mustUpsert(t, tree, "u2", "a2b", RoleAssistant, 4)
	assert.Equal(t, NodeID("a2b"), tree.Head())
	info := tree.ActivePathWithBranchInfo()
	last := info[len(info)-1]
	assert.Equal(t, 2, last.BranchCount)
	assert.Equal(t, 2, last.BranchNumber)
	assert.True(t, last.IsLast)
	assertPathInvariant(t, tree)

	require.NoError(t, tree.ResetHead(RootID))
	assert.Empty(t, tree.ActivePath())
}

func TestActivePathIsMemoized(t *testing.T) {
	tree := linear(t)

	first := tree.ActivePath()
	second := tree.ActivePath()
	require.NotEmpty(t, first)
	assert.Same(t, &first[0], &second[0])

	mustUpsert(t, tree, "a2", "u3", RoleUser, 5)
	third := tree.ActivePath()
	assert.NotSame(t, &first[0], &third[0])
	assert.Len(t, third, 5)
}

func TestBranchNumbersAreDense(t *testing.T) {
	tree := NewTree()
	mustUpsert(t, tree, RootID, "u1", RoleUser, 1)
	ids := []NodeID{"a", "b", "c", "d"}
	for _, id := range ids {
		mustUpsert(t, tree, "u1", id, RoleAssistant, 2)
	}

	seen := map[int]bool{}
	for _, id := range ids {
		info, err := tree.Navigator().Branches(id)
		require.NoError(t, err)
		assert.Equal(t, len(ids), info.BranchCount)
		assert.False(t, seen[info.BranchNumber])
		seen[info.BranchNumber] = true
	}
	for i := 1; i <= len(ids); i++ {
		assert.True(t, seen[i], "missing branch number %d", i)
	}
}

func TestNavigatorPreviousNext(t *testing.T) {
	tree := NewTree()
	mustUpsert(t, tree, RootID, "u1", RoleUser, 1)
	mustUpsert(t, tree, "u1", "a", RoleAssistant, 2)
	mustUpsert(t, tree, "u1", "b", RoleAssistant, 2)
	nv := tree.Navigator()

	id, moved, err := nv.Previous("a")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, NodeID("a"), id)

	id, moved, err = nv.Next("a")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, NodeID("b"), id)
	assert.Equal(t, NodeID("b"), tree.Head())

	_, moved, err = nv.Next("b")
	require.NoError(t, err)
	assert.False(t, moved)

	require.NoError(t, nv.JumpTo("b", "a"))
	assert.Equal(t, NodeID("a"), tree.Head())

	assert.ErrorIs(t, nv.JumpTo("a", "u1"), ErrBranchNotFound)
	_, err = nv.Branches("zzz")
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

func TestSnapshotRoundTrip(t *testing.T) {
	tree := linear(t)
	mustUpsert(t, tree, "u1", "a1b", RoleAssistant, 2)
	require.NoError(t, tree.SwitchActiveBranch("a1b"))

	for _, name := range []string{"tree.json", "tree.yaml"} {
		t.Run(name, func(t *testing.T) {
			filename := filepath.Join(t.TempDir(), name)
			require.NoError(t, tree.Export().SaveToFile(filename))

			s, err := LoadSnapshotFromFile(filename)
			require.NoError(t, err)
			restored, err := NewTreeFromSnapshot(s)
			require.NoError(t, err)

			assert.Equal(t, tree.Len(), restored.Len())
			assert.Equal(t, tree.Head(), restored.Head())
			assert.Equal(t, tree.ActivePath().IDs(), restored.ActivePath().IDs())

			require.NoError(t, restored.SwitchActiveBranch("a1"))
			assert.Equal(t, []NodeID{"u1", "a1", "u2", "a2"}, restored.ActivePath().IDs())
			m, _ := restored.Get("a2")
			assert.Equal(t, "a2", m.Text())
		})
	}
}

func TestExportIsDeepCopy(t *testing.T) {
	tree := linear(t)
	s := tree.Export()
	s.Nodes[0].Message.Parts[0].(*TextPart).Text = "changed"

	m, _ := tree.Get("u1")
	assert.Equal(t, "u1", m.Text())
}

func TestPathInvariantUnderRandomOperations(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1234, 98765} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rnd := rand.New(rand.NewSource(seed))
			tree := NewTree()
			var ids []NodeID

			live := func() []NodeID {
				var ret []NodeID
				for _, id := range ids {
					if tree.Has(id) {
						ret = append(ret, id)
					}
				}
				return ret
			}
			pick := func(withRoot bool) NodeID {
				l := live()
				if withRoot {
					l = append(l, RootID)
				}
				if len(l) == 0 {
					return RootID
				}
				return l[rnd.Intn(len(l))]
			}

			for i := 0; i < 300; i++ {
				switch op := rnd.Intn(10); {
				case op < 5:
					id := NodeID(fmt.Sprintf("m%d", i))
					role := RoleUser
					if rnd.Intn(2) == 0 {
						role = RoleAssistant
					}
					mustUpsert(t, tree, pick(true), id, role, int64(i))
					ids = append(ids, id)
				case op < 7:
					id := pick(false)
					if id == RootID {
						continue
					}
					n, _ := tree.Node(id)
					_, err := tree.Upsert(pick(true), n.Message, n.Sequence, n.CreatedAt)
					if err != nil {
						assert.ErrorIs(t, err, ErrCyclicReference)
					}
				case op < 8:
					id := pick(false)
					if id == RootID {
						continue
					}
					_, err := tree.Delete(id)
					require.NoError(t, err)
				default:
					id := pick(false)
					if id == RootID {
						continue
					}
					require.NoError(t, tree.SwitchActiveBranch(id))
				}
				assertPathInvariant(t, tree)
				assert.Len(t, tree.ActivePath(), len(tree.ActivePathWithBranchInfo()))
			}
		})
	}
}
