package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/adapters/db/memory"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/changelog"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

func ptr(v uint) *uint { return &v }

// MockGateway is a mock implementation of LineItemGateway
type MockGateway struct {
	mock.Mock
}

var _ domain.LineItemGateway = (*MockGateway)(nil)

func (m *MockGateway) ListItems(ctx context.Context, structureID uint) ([]domain.LineItem, error) {
	args := m.Called(ctx, structureID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LineItem), args.Error(1)
}

func (m *MockGateway) KeyExists(ctx context.Context, structureID uint, key string) (bool, error) {
	args := m.Called(ctx, structureID, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) CreateItem(ctx context.Context, value domain.LineItem) (domain.LineItem, error) {
	args := m.Called(ctx, value)
	return args.Get(0).(domain.LineItem), args.Error(1)
}

func (m *MockGateway) UpdateDescription(ctx context.Context, structureID, id uint, description string) (domain.LineItem, error) {
	args := m.Called(ctx, structureID, id, description)
	return args.Get(0).(domain.LineItem), args.Error(1)
}

func (m *MockGateway) DeleteItem(ctx context.Context, structureID, id uint) (int64, error) {
	args := m.Called(ctx, structureID, id)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGateway) ApplyReorderPlan(ctx context.Context, structureID uint, assignments []domain.Assignment) (int64, error) {
	args := m.Called(ctx, structureID, assignments)
	return args.Get(0).(int64), args.Error(1)
}

// blockingStore holds ApplyReorderPlan open until release is closed.
type blockingStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ApplyReorderPlan(ctx context.Context, structureID uint, assignments []domain.Assignment) (int64, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.ApplyReorderPlan(ctx, structureID, assignments)
}

func statementItems() []domain.LineItem {
	return []domain.LineItem{
		{ID: 1, StructureID: 1, Key: "cogs_root", Description: "Cost of goods sold", Rank: 10},
		{ID: 2, StructureID: 1, Key: "opex_root", Description: "Operating expenses", Rank: 30},
		{ID: 3, StructureID: 1, Key: "cogs_3", Description: "Freight", ParentID: ptr(2), Rank: 40},
	}
}

// newService seeds a memory store with one structure holding items.
func newService(t *testing.T, items []domain.LineItem) (*Service, *memory.Store, uint) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	st, err := store.CreateStructure(ctx, domain.Structure{Key: "pnl", Name: "Profit and loss"})
	require.NoError(t, err)
	for _, it := range items {
		it.StructureID = st.ID
		_, err := store.CreateItem(ctx, it)
		require.NoError(t, err)
	}
	return NewService(store, zaptest.NewLogger(t), 50), store, st.ID
}

func keysOf(items []domain.LineItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key)
	}
	return out
}

func TestUndoCreateRemovesRevenue(t *testing.T) {
	ctx := context.Background()
	svc, store, sid := newService(t, []domain.LineItem{{ID: 1, Key: "pnl_root", Description: "Income statement", Rank: 1}})

	res, err := svc.CreateItem(ctx, sid, CreateItemInput{Key: "rev_1", Description: "Revenue", ParentID: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, uint(1), *res.Item.ParentID)
	assert.Equal(t, domain.ActionCreate, res.Entry.ActionKind)

	items, err := store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.Contains(t, keysOf(items), "rev_1")

	_, err = svc.Undo(ctx, sid, res.Entry.ID)
	require.NoError(t, err)

	items, err = store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.NotContains(t, keysOf(items), "rev_1")

	tree, err := svc.Tree(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Count)
}

func TestUndoMoveRestoresExactRank(t *testing.T) {
	ctx := context.Background()
	svc, store, sid := newService(t, statementItems())

	res, err := svc.MoveItem(ctx, sid, 3, 1, domain.DropInside)
	require.NoError(t, err)
	assert.Equal(t, uint(1), *res.Item.ParentID)

	items, err := store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"cogs_root", "cogs_3", "opex_root"}, keysOf(items))

	_, err = svc.Undo(ctx, sid, res.Entry.ID)
	require.NoError(t, err)

	items, err = store.ListItems(ctx, sid)
	require.NoError(t, err)
	var cogs3 domain.LineItem
	for _, it := range items {
		if it.Key == "cogs_3" {
			cogs3 = it
		}
	}
	require.NotNil(t, cogs3.ParentID)
	assert.Equal(t, uint(2), *cogs3.ParentID)
	assert.Equal(t, 40, cogs3.Rank)
	assert.Equal(t, 10, items[0].Rank)
	assert.Equal(t, 30, items[1].Rank)
}

func TestUndoRenameRestoresDescription(t *testing.T) {
	ctx := context.Background()
	svc, store, sid := newService(t, []domain.LineItem{{ID: 9, Key: "tax_9", Description: "Tax", Rank: 90}})

	res, err := svc.RenameItem(ctx, sid, "tax_9", "Taxes")
	require.NoError(t, err)
	assert.Equal(t, "Taxes", res.Item.Description)
	assert.Equal(t, "tax_9", res.Item.Key)

	_, err = svc.Undo(ctx, sid, res.Entry.ID)
	require.NoError(t, err)

	items, err := store.ListItems(ctx, sid)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Tax", items[0].Description)
	assert.Equal(t, "tax_9", items[0].Key)

	_, err = svc.Undo(ctx, sid, res.Entry.ID)
	assert.Equal(t, domain.KindUndoConflict, domain.KindOf(err))
}

func TestDeleteThenUndoRestoresItem(t *testing.T) {
	ctx := context.Background()
	svc, _, sid := newService(t, statementItems())

	res, err := svc.DeleteItem(ctx, sid, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)

	items, err := svc.Items(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"cogs_root"}, keysOf(items))

	_, err = svc.Undo(ctx, sid, res.Entry.ID)
	require.NoError(t, err)

	items, err = svc.Items(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"cogs_root", "opex_root"}, keysOf(items))
	assert.Equal(t, 30, items[1].Rank)

	history, err := svc.History(ctx, sid, 0, false)
	require.NoError(t, err)
	assert.Empty(t, history)
	all, err := svc.History(ctx, sid, 0, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMoveRejectedWhileBusy(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	st, err := store.CreateStructure(ctx, domain.Structure{Key: "pnl", Name: "P&L"})
	require.NoError(t, err)
	for _, it := range statementItems() {
		it.StructureID = st.ID
		_, err := store.CreateItem(ctx, it)
		require.NoError(t, err)
	}
	blocking := &blockingStore{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	logger := zaptest.NewLogger(t)
	c := NewCoordinator(st.ID, blocking, changelog.New(blocking, blocking, logger, 50), logger)
	require.NoError(t, c.Load(ctx))
	before := c.Tree()

	done := make(chan error, 1)
	go func() {
		_, err := c.MoveItem(ctx, 3, 1, domain.DropInside)
		done <- err
	}()
	<-blocking.entered

	status := c.Status()
	assert.True(t, status.Busy)
	assert.Equal(t, OpMove, status.Op)

	_, err = c.MoveItem(ctx, 1, 2, domain.DropAfter)
	require.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, domain.KindBusy, domain.KindOf(err))
	_, err = c.Undo(ctx, 1)
	require.ErrorIs(t, err, domain.ErrBusy)
	_, err = c.CreateItem(ctx, CreateItemInput{Key: "x", Description: "x"})
	require.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, before, c.Tree())

	close(blocking.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("move did not finish")
	}
	assert.False(t, c.Status().Busy)
	assert.Empty(t, c.Status().LastError)
	assert.NotEqual(t, before, c.Tree())
}

func TestCreateDuplicateKeyNeverReachesGateway(t *testing.T) {
	ctx := context.Background()
	gw := new(MockGateway)
	gw.On("ListItems", mock.Anything, uint(1)).Return(statementItems(), nil)
	log := changelog.New(gw, memory.New(), zaptest.NewLogger(t), 50)
	c := NewCoordinator(1, gw, log, zaptest.NewLogger(t))
	require.NoError(t, c.Load(ctx))

	_, err := c.CreateItem(ctx, CreateItemInput{Key: "cogs_3", Description: "Another freight"})
	require.ErrorIs(t, err, domain.ErrDuplicateKey)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	gw.On("KeyExists", mock.Anything, uint(1), "cogs_4").Return(true, nil)
	_, err = c.CreateItem(ctx, CreateItemInput{Key: "cogs_4", Description: "Duty"})
	require.ErrorIs(t, err, domain.ErrDuplicateKey)

	gw.AssertNotCalled(t, "CreateItem", mock.Anything, mock.Anything)
	gw.AssertNotCalled(t, "KeyExists", mock.Anything, uint(1), "cogs_3")
	assert.Equal(t, domain.KindValidation, c.Status().LastErrorKind)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	gw := new(MockGateway)
	gw.On("ListItems", mock.Anything, uint(1)).Return(statementItems(), nil)
	c := NewCoordinator(1, gw, changelog.New(gw, memory.New(), nil, 0), zaptest.NewLogger(t))
	require.NoError(t, c.Load(ctx))

	long := make([]byte, MaxKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	tests := []struct {
		name string
		in   CreateItemInput
		want error
	}{
		{"empty key", CreateItemInput{Key: "  ", Description: "Revenue"}, domain.ErrRequired},
		{"empty description", CreateItemInput{Key: "rev_1", Description: " "}, domain.ErrRequired},
		{"bad characters", CreateItemInput{Key: "rev 1", Description: "Revenue"}, domain.ErrInvalidKey},
		{"key too long", CreateItemInput{Key: string(long), Description: "Revenue"}, domain.ErrTooLong},
		{"missing parent", CreateItemInput{Key: "rev_1", Description: "Revenue", ParentID: ptr(404)}, domain.ErrParentNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateItem(ctx, tc.in)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
	gw.AssertNotCalled(t, "CreateItem", mock.Anything, mock.Anything)
}

func TestGatewayFailureLeavesTreeUntouched(t *testing.T) {
	ctx := context.Background()
	gw := new(MockGateway)
	gw.On("ListItems", mock.Anything, uint(1)).Return(statementItems(), nil)
	c := NewCoordinator(1, gw, changelog.New(gw, memory.New(), nil, 0), zaptest.NewLogger(t))
	require.NoError(t, c.Load(ctx))
	before := c.Tree()

	gw.On("ApplyReorderPlan", mock.Anything, uint(1), mock.Anything).Return(int64(0), domain.ErrRowCountMismatch).Once()
	_, err := c.MoveItem(ctx, 3, 1, domain.DropInside)
	require.ErrorIs(t, err, domain.ErrRowCountMismatch)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))
	assert.Equal(t, before, c.Tree())

	gw.On("ApplyReorderPlan", mock.Anything, uint(1), mock.Anything).Return(int64(0), context.DeadlineExceeded).Once()
	_, err = c.MoveItem(ctx, 3, 1, domain.DropInside)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	status := c.Status()
	assert.False(t, status.Busy)
	assert.Equal(t, domain.KindTransient, status.LastErrorKind)
	assert.Equal(t, before, c.Tree())
	gw.AssertNumberOfCalls(t, "ListItems", 1)
}

func TestMoveRejectsCycleBeforeGateway(t *testing.T) {
	ctx := context.Background()
	gw := new(MockGateway)
	gw.On("ListItems", mock.Anything, uint(1)).Return(statementItems(), nil)
	c := NewCoordinator(1, gw, changelog.New(gw, memory.New(), nil, 0), zaptest.NewLogger(t))
	require.NoError(t, c.Load(ctx))

	_, err := c.MoveItem(ctx, 2, 3, domain.DropInside)
	require.ErrorIs(t, err, domain.ErrCycle)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	gw.AssertNotCalled(t, "ApplyReorderPlan", mock.Anything, mock.Anything, mock.Anything)
}

func TestStatusReportsAnomalies(t *testing.T) {
	ctx := context.Background()
	items := append(statementItems(), domain.LineItem{ID: 7, StructureID: 1, Key: "stray", ParentID: ptr(99), Rank: 50})
	gw := new(MockGateway)
	gw.On("ListItems", mock.Anything, uint(1)).Return(items, nil)
	c := NewCoordinator(1, gw, changelog.New(gw, memory.New(), nil, 0), zaptest.NewLogger(t))
	require.NoError(t, c.Load(ctx))

	status := c.Status()
	assert.Equal(t, 4, status.Items)
	require.Len(t, status.Anomalies, 1)
	assert.Equal(t, "stray", status.Anomalies[0].Key)
	assert.Equal(t, "orphan", status.Anomalies[0].Flag)

	tree := c.Tree()
	require.Len(t, tree.Roots, 3)
	assert.Equal(t, "orphan", tree.Roots[2].Flags)
}

func TestServiceStructures(t *testing.T) {
	ctx := context.Background()
	svc, _, sid := newService(t, nil)

	_, err := svc.CreateStructure(ctx, "", "x")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = svc.CreateStructure(ctx, "pnl", "Again")
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	bs, err := svc.CreateStructure(ctx, "bs", "Balance sheet")
	require.NoError(t, err)
	list, err := svc.ListStructures(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.NotEqual(t, sid, bs.ID)

	_, err = svc.Tree(ctx, 404)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

// unmarkableStore applies every write but cannot flag entries as undone.
type unmarkableStore struct {
	*memory.Store
}

func (unmarkableStore) MarkUndone(ctx context.Context, structureID, id uint, at time.Time) error {
	return errors.New("disk full")
}

func TestUndoResyncsWhenEntryCannotBeMarked(t *testing.T) {
	ctx := context.Background()
	_, store, sid := newService(t, statementItems())
	svc := NewService(unmarkableStore{store}, zaptest.NewLogger(t), 50)

	res, err := svc.CreateItem(ctx, sid, CreateItemInput{Key: "rev_1", Description: "Revenue"})
	require.NoError(t, err)

	_, err = svc.Undo(ctx, sid, res.Entry.ID)
	require.ErrorIs(t, err, changelog.ErrNotMarked)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	stored, err := store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.NotContains(t, keysOf(stored), "rev_1")
	canonical, err := svc.Items(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, keysOf(stored), keysOf(canonical))

	// The entry is still open, but undoing it again writes nothing.
	_, err = svc.Undo(ctx, sid, res.Entry.ID)
	require.ErrorIs(t, err, domain.ErrItemNotFound)
	assert.Equal(t, domain.KindUndoConflict, domain.KindOf(err))
	stored, err = store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestWriteToVanishedRowIsConflict(t *testing.T) {
	tests := []struct {
		name  string
		write func(ctx context.Context, svc *Service, sid uint) error
	}{
		{
			name: "rename",
			write: func(ctx context.Context, svc *Service, sid uint) error {
				_, err := svc.RenameItem(ctx, sid, "cogs_3", "Shipping")
				return err
			},
		},
		{
			name: "delete",
			write: func(ctx context.Context, svc *Service, sid uint) error {
				_, err := svc.DeleteItem(ctx, sid, 3)
				return err
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			svc, store, sid := newService(t, statementItems())
			tree, err := svc.Tree(ctx, sid)
			require.NoError(t, err)
			require.Equal(t, 3, tree.Count)

			_, err = store.DeleteItem(ctx, sid, 3)
			require.NoError(t, err)

			err = tc.write(ctx, svc, sid)
			require.ErrorIs(t, err, domain.ErrRowCountMismatch)
			assert.Equal(t, domain.KindConflict, domain.KindOf(err))

			tree, err = svc.Tree(ctx, sid)
			require.NoError(t, err)
			assert.Equal(t, 2, tree.Count)
			entries, err := svc.History(ctx, sid, 0, true)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

// slowLoadStore holds ListItems of one structure until release is closed.
type slowLoadStore struct {
	*memory.Store
	slow    uint
	entered chan struct{}
	release chan struct{}
}

func (s *slowLoadStore) ListItems(ctx context.Context, structureID uint) ([]domain.LineItem, error) {
	if structureID == s.slow {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Store.ListItems(ctx, structureID)
}

func TestSlowLoadDoesNotBlockOtherStructures(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	slow, err := store.CreateStructure(ctx, domain.Structure{Key: "pnl", Name: "P&L"})
	require.NoError(t, err)
	fast, err := store.CreateStructure(ctx, domain.Structure{Key: "bs", Name: "Balance sheet"})
	require.NoError(t, err)
	_, err = store.CreateItem(ctx, domain.LineItem{StructureID: fast.ID, Key: "assets", Description: "Assets", Rank: 1})
	require.NoError(t, err)

	wrapped := &slowLoadStore{Store: store, slow: slow.ID, entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(wrapped, zaptest.NewLogger(t), 50)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Tree(ctx, slow.ID)
		done <- err
	}()
	<-wrapped.entered

	fastCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tree, err := svc.Tree(fastCtx, fast.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.Count)

	close(wrapped.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("slow load did not finish")
	}
}

// An undo puts back the exact ranks it captured. Once a later move has
// renumbered those ranks, the earlier move can no longer be undone until the
// later one is.
func TestUndoOfEarlierMoveRefusedAfterRenumbering(t *testing.T) {
	ctx := context.Background()
	svc, store, sid := newService(t, []domain.LineItem{
		{ID: 1, Key: "a", Description: "A", Rank: 1},
		{ID: 2, Key: "b", Description: "B", Rank: 2},
		{ID: 3, Key: "c", Description: "C", Rank: 3},
		{ID: 4, Key: "d", Description: "D", Rank: 4},
	})

	first, err := svc.MoveItem(ctx, sid, 1, 2, domain.DropAfter)
	require.NoError(t, err)
	second, err := svc.MoveItem(ctx, sid, 4, 1, domain.DropBefore)
	require.NoError(t, err)

	items, err := store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d", "a", "c"}, keysOf(items))

	_, err = svc.Undo(ctx, sid, first.Entry.ID)
	assert.Equal(t, domain.KindUndoConflict, domain.KindOf(err))
	after, err := store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, items, after)

	_, err = svc.Undo(ctx, sid, second.Entry.ID)
	require.NoError(t, err)
	_, err = svc.Undo(ctx, sid, first.Entry.ID)
	require.NoError(t, err)

	items, err = store.ListItems(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, keysOf(items))
	for i, it := range items {
		assert.Equal(t, i+1, it.Rank, it.Key)
	}
}
