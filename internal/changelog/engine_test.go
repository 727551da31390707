package changelog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/adapters/db/memory"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/forest"
)

func ptr(v uint) *uint { return &v }

type fixture struct {
	store  *memory.Store
	engine *Engine
	sid    uint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	st, err := store.CreateStructure(context.Background(), domain.Structure{Key: "pnl", Name: "P&L"})
	require.NoError(t, err)
	return &fixture{store: store, engine: New(store, store, zaptest.NewLogger(t), 0), sid: st.ID}
}

func (fx *fixture) create(t *testing.T, key string, parent *uint, rank int) domain.LineItem {
	t.Helper()
	it, err := fx.store.CreateItem(context.Background(), domain.LineItem{StructureID: fx.sid, Key: key, Description: key, ParentID: parent, Rank: rank})
	require.NoError(t, err)
	return it
}

func (fx *fixture) forest(t *testing.T) *forest.Forest {
	t.Helper()
	items, err := fx.store.ListItems(context.Background(), fx.sid)
	require.NoError(t, err)
	return forest.Build(items)
}

func TestRecordRejectsWrongShape(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.Record(context.Background(), RecordInput{
		StructureID: fx.sid,
		Kind:        domain.ActionMove,
		Previous:    domain.RenameSnapshot{Key: "a", Description: "b"},
		Next:        domain.RenameSnapshot{Key: "a", Description: "c"},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvariant, domain.KindOf(err))
}

func TestUndoCreateRemovesItem(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	it := fx.create(t, "rev_1", nil, 1)

	entry, err := fx.engine.Record(ctx, RecordInput{StructureID: fx.sid, Kind: domain.ActionCreate, ItemID: it.ID, Key: it.Key, Next: domain.CreateSnapshot{Item: it}})
	require.NoError(t, err)

	undone, err := fx.engine.Undo(ctx, fx.sid, entry.ID, fx.forest(t))
	require.NoError(t, err)
	assert.True(t, undone.IsUndone)
	require.NotNil(t, undone.UndoneAt)

	exists, err := fx.store.KeyExists(ctx, fx.sid, "rev_1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = fx.engine.Undo(ctx, fx.sid, entry.ID, fx.forest(t))
	require.ErrorIs(t, err, domain.ErrAlreadyUndone)
	assert.Equal(t, domain.KindUndoConflict, domain.KindOf(err))
}

func TestUndoCreateRefusedWhenItemHasChildren(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	parent := fx.create(t, "rev_root", nil, 1)
	fx.create(t, "rev_1", ptr(parent.ID), 2)

	entry, err := fx.engine.Record(ctx, RecordInput{StructureID: fx.sid, Kind: domain.ActionCreate, ItemID: parent.ID, Key: parent.Key, Next: domain.CreateSnapshot{Item: parent}})
	require.NoError(t, err)

	_, err = fx.engine.Undo(ctx, fx.sid, entry.ID, fx.forest(t))
	require.ErrorIs(t, err, domain.ErrHasChildren)
	assert.Equal(t, domain.KindUndoConflict, domain.KindOf(err))

	got, err := fx.store.GetChangeLogEntry(ctx, fx.sid, entry.ID)
	require.NoError(t, err)
	assert.False(t, got.IsUndone)
}

func TestUndoDeleteRestoresItemOnly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	root := fx.create(t, "opex_root", nil, 10)
	target := fx.create(t, "opex_1", ptr(root.ID), 11)
	fx.create(t, "opex_1a", ptr(target.ID), 12)
	fx.create(t, "opex_2", ptr(root.ID), 13)

	f := fx.forest(t)
	node, _ := f.Node(target.ID)
	snapshot := domain.DeleteSnapshot{Item: node.Item, Descendants: f.Subtree(target.ID)[1:]}
	_, err := fx.store.DeleteItem(ctx, fx.sid, target.ID)
	require.NoError(t, err)

	entry, err := fx.engine.Record(ctx, RecordInput{StructureID: fx.sid, Kind: domain.ActionDelete, ItemID: target.ID, Key: target.Key, Previous: snapshot})
	require.NoError(t, err)

	_, err = fx.engine.Undo(ctx, fx.sid, entry.ID, fx.forest(t))
	require.NoError(t, err)

	after := fx.forest(t)
	restored, ok := after.NodeByKey("opex_1")
	require.True(t, ok)
	assert.Equal(t, target.ID, restored.Item.ID)
	assert.Equal(t, root.ID, *restored.Item.ParentID)
	assert.Equal(t, 11, restored.Item.Rank)
	assert.Empty(t, restored.Children)
	_, ok = after.NodeByKey("opex_1a")
	assert.False(t, ok)
	require.NoError(t, forest.Validate(after.Items()))
}

func TestUndoDeleteRefusedWhenKeyReused(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	it := fx.create(t, "tax_9", nil, 1)
	_, err := fx.store.DeleteItem(ctx, fx.sid, it.ID)
	require.NoError(t, err)
	entry, err := fx.engine.Record(ctx, RecordInput{StructureID: fx.sid, Kind: domain.ActionDelete, ItemID: it.ID, Key: it.Key, Previous: domain.DeleteSnapshot{Item: it}})
	require.NoError(t, err)
	fx.create(t, "tax_9", nil, 2)

	_, err = fx.engine.Undo(ctx, fx.sid, entry.ID, fx.forest(t))
	require.ErrorIs(t, err, domain.ErrDuplicateKey)
	assert.Equal(t, domain.KindUndoConflict, domain.KindOf(err))
}

func TestUndoRenameByKey(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	it := fx.create(t, "tax_9", nil, 1)
	_, err := fx.store.UpdateDescription(ctx, fx.sid, it.ID, "Taxes")
	require.NoError(t, err)

	entry, err := fx.engine.Record(ctx, RecordInput{
		StructureID: fx.sid, Kind: domain.ActionRename, ItemID: it.ID, Key: "tax_9", Description: "Taxes",
		Previous: domain.RenameSnapshot{Key: "tax_9", Description: "Tax"},
		Next:     domain.RenameSnapshot{Key: "tax_9", Description: "Taxes"},
	})
	require.NoError(t, err)

	_, err = fx.engine.Undo(ctx, fx.sid, entry.ID, fx.forest(t))
	require.NoError(t, err)

	n, ok := fx.forest(t).NodeByKey("tax_9")
	require.True(t, ok)
	assert.Equal(t, "Tax", n.Item.Description)
}

func TestUndoMoveIsNotTransitive(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	cogs := fx.create(t, "cogs_root", nil, 10)
	opex := fx.create(t, "opex_root", nil, 30)
	moved := fx.create(t, "cogs_3", ptr(opex.ID), 40)

	plan, err := forest.Plan(fx.forest(t), forest.MoveRequest{MovedID: moved.ID, AnchorID: cogs.ID, Intent: domain.DropInside})
	require.NoError(t, err)
	_, err = fx.store.ApplyReorderPlan(ctx, fx.sid, plan.Assignments)
	require.NoError(t, err)
	before, after := plan.Placements()
	entry, err := fx.engine.Record(ctx, RecordInput{
		StructureID: fx.sid, Kind: domain.ActionMove, ItemID: moved.ID, Key: moved.Key,
		Previous: domain.MoveSnapshot{ItemID: moved.ID, ParentID: moved.ParentID, Rank: moved.Rank, Placements: before},
		Next:     domain.MoveSnapshot{ItemID: moved.ID, ParentID: plan.NewParentID, Rank: 2, Placements: after},
	})
	require.NoError(t, err)

	// A later rename survives undoing the move.
	_, err = fx.store.UpdateDescription(ctx, fx.sid, moved.ID, "Freight in")
	require.NoError(t, err)

	_, err = fx.engine.Undo(ctx, fx.sid, entry.ID, fx.forest(t))
	require.NoError(t, err)

	n, ok := fx.forest(t).Node(moved.ID)
	require.True(t, ok)
	assert.Equal(t, opex.ID, *n.Item.ParentID)
	assert.Equal(t, 40, n.Item.Rank)
	assert.Equal(t, "Freight in", n.Item.Description)
}

func TestUndoMissingEntry(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.Undo(context.Background(), fx.sid, 404, fx.forest(t))
	require.ErrorIs(t, err, domain.ErrEntryNotFound)
	assert.Equal(t, domain.KindUndoConflict, domain.KindOf(err))
}

func TestHistoryExcludesUndone(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	a := fx.create(t, "a", nil, 1)
	b := fx.create(t, "b", nil, 2)

	first, err := fx.engine.Record(ctx, RecordInput{StructureID: fx.sid, Kind: domain.ActionCreate, ItemID: a.ID, Key: a.Key, Next: domain.CreateSnapshot{Item: a}})
	require.NoError(t, err)
	second, err := fx.engine.Record(ctx, RecordInput{StructureID: fx.sid, Kind: domain.ActionCreate, ItemID: b.ID, Key: b.Key, Next: domain.CreateSnapshot{Item: b}})
	require.NoError(t, err)

	_, err = fx.engine.Undo(ctx, fx.sid, first.ID, fx.forest(t))
	require.NoError(t, err)

	history, err := fx.engine.History(ctx, fx.sid, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, second.ID, history[0].ID)

	all, err := fx.engine.Entries(ctx, fx.sid, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestHistoryWindow(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fx.engine.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	const recorded = MaxHistoryLimit + 10
	var last uint
	for i := 0; i < recorded; i++ {
		entry, err := fx.engine.Record(ctx, RecordInput{
			StructureID: fx.sid,
			Kind:        domain.ActionRename,
			Key:         "opex_root",
			Description: fmt.Sprintf("Opex %d", i+1),
			Previous:    domain.RenameSnapshot{Key: "opex_root", Description: fmt.Sprintf("Opex %d", i)},
			Next:        domain.RenameSnapshot{Key: "opex_root", Description: fmt.Sprintf("Opex %d", i+1)},
		})
		require.NoError(t, err)
		last = entry.ID
	}

	history, err := fx.engine.History(ctx, fx.sid, 0)
	require.NoError(t, err)
	require.Len(t, history, DefaultHistoryLimit)
	assert.Equal(t, last, history[0].ID)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i-1].ID, history[i].ID)
		assert.True(t, history[i-1].CreatedAt.After(history[i].CreatedAt))
	}

	history, err = fx.engine.History(ctx, fx.sid, 1000)
	require.NoError(t, err)
	assert.Len(t, history, MaxHistoryLimit)
	assert.Equal(t, last, history[0].ID)

	history, err = fx.engine.History(ctx, fx.sid, 3)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	narrow := New(fx.store, fx.store, zaptest.NewLogger(t), 20)
	history, err = narrow.History(ctx, fx.sid, 0)
	require.NoError(t, err)
	assert.Len(t, history, 20)
}
