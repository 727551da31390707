// Package changelog records one entry per confirmed mutation and knows how to
// reverse each kind of mutation through the line item gateway.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/forest"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ErrNotMarked reports an undo whose write reached the gateway but whose
// entry could not be flagged as undone afterwards.
var ErrNotMarked = errors.New("undo applied but entry not marked undone")

type Engine struct {
	items  domain.LineItemGateway
	log    domain.ChangeLogStore
	logger *zap.Logger
	limit  int
	now    func() time.Time
}

func New(items domain.LineItemGateway, log domain.ChangeLogStore, logger *zap.Logger, historyLimit int) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit <= 0 || historyLimit > MaxHistoryLimit {
		historyLimit = DefaultHistoryLimit
	}
	return &Engine{items: items, log: log, logger: logger, limit: historyLimit, now: time.Now}
}

type RecordInput struct {
	StructureID uint
	Kind        domain.ActionKind
	ItemID      uint
	Key         string
	Description string
	Previous    domain.Snapshot
	Next        domain.Snapshot
}

// Record appends an entry for a mutation the gateway has already confirmed.
func (e *Engine) Record(ctx context.Context, in RecordInput) (domain.ChangeLogEntry, error) {
	const op = "record"

	if err := domain.ValidateSnapshots(in.Kind, in.Previous, in.Next); err != nil {
		return domain.ChangeLogEntry{}, domain.E(domain.KindInvariant, op, err)
	}
	entry, err := e.log.AppendChangeLogEntry(ctx, domain.ChangeLogEntry{
		StructureID:    in.StructureID,
		ActionKind:     in.Kind,
		AffectedItemID: in.ItemID,
		AffectedKey:    in.Key,
		Description:    in.Description,
		Previous:       in.Previous,
		Next:           in.Next,
		CreatedAt:      e.now().UTC(),
	})
	if err != nil {
		return domain.ChangeLogEntry{}, domain.Classify(op, err)
	}
	e.logger.Debug("change recorded",
		zap.Uint("structure_id", entry.StructureID),
		zap.Uint("entry_id", entry.ID),
		zap.String("action", string(entry.ActionKind)),
		zap.String("key", entry.AffectedKey),
	)
	return entry, nil
}

// Undo reverses one entry against the current forest f and marks it undone.
// Later entries are left alone, and the undo itself is not logged.
func (e *Engine) Undo(ctx context.Context, structureID, entryID uint, f *forest.Forest) (domain.ChangeLogEntry, error) {
	const op = "undo"

	entry, err := e.log.GetChangeLogEntry(ctx, structureID, entryID)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) || errors.Is(err, domain.ErrSnapshotMissing) {
			return domain.ChangeLogEntry{}, domain.Errorf(domain.KindUndoConflict, op, "%w", err)
		}
		return domain.ChangeLogEntry{}, domain.Classify(op, err)
	}
	if entry.IsUndone {
		return domain.ChangeLogEntry{}, domain.Errorf(domain.KindUndoConflict, op, "entry %d: %w", entryID, domain.ErrAlreadyUndone)
	}
	if err := domain.ValidateSnapshots(entry.ActionKind, entry.Previous, entry.Next); err != nil {
		return domain.ChangeLogEntry{}, domain.Errorf(domain.KindUndoConflict, op, "entry %d: %w: %v", entryID, domain.ErrSnapshotMissing, err)
	}

	switch entry.ActionKind {
	case domain.ActionCreate:
		err = e.undoCreate(ctx, entry, entry.Next.(domain.CreateSnapshot), f)
	case domain.ActionDelete:
		err = e.undoDelete(ctx, entry, entry.Previous.(domain.DeleteSnapshot), f)
	case domain.ActionRename:
		err = e.undoRename(ctx, entry, entry.Previous.(domain.RenameSnapshot), f)
	case domain.ActionMove:
		err = e.undoMove(ctx, entry, entry.Previous.(domain.MoveSnapshot), f)
	}
	if err != nil {
		return domain.ChangeLogEntry{}, refused(op, err)
	}

	at := e.now().UTC()
	if err := e.log.MarkUndone(ctx, structureID, entryID, at); err != nil {
		e.logger.Error("undo applied but entry still open",
			zap.Uint("structure_id", structureID),
			zap.Uint("entry_id", entryID),
			zap.String("action", string(entry.ActionKind)),
			zap.Error(err),
		)
		return entry, domain.Errorf(domain.KindTransient, op, "entry %d: %w: %w", entryID, ErrNotMarked, err)
	}
	entry.IsUndone = true
	entry.UndoneAt = &at

	e.logger.Info("change undone",
		zap.Uint("structure_id", structureID),
		zap.Uint("entry_id", entryID),
		zap.String("action", string(entry.ActionKind)),
		zap.String("key", entry.AffectedKey),
	)
	return entry, nil
}

// History lists the entries that can still be undone, newest first.
func (e *Engine) History(ctx context.Context, structureID uint, limit int) ([]domain.ChangeLogEntry, error) {
	return e.list(ctx, structureID, limit, false)
}

// Entries lists every entry, undone ones included, newest first.
func (e *Engine) Entries(ctx context.Context, structureID uint, limit int) ([]domain.ChangeLogEntry, error) {
	return e.list(ctx, structureID, limit, true)
}

func (e *Engine) list(ctx context.Context, structureID uint, limit int, includeUndone bool) ([]domain.ChangeLogEntry, error) {
	if limit <= 0 {
		limit = e.limit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	entries, err := e.log.ListChangeLog(ctx, structureID, limit, includeUndone)
	if err != nil {
		return nil, domain.Classify("history", err)
	}
	return entries, nil
}

func (e *Engine) undoCreate(ctx context.Context, entry domain.ChangeLogEntry, created domain.CreateSnapshot, f *forest.Forest) error {
	n, ok := f.Node(created.Item.ID)
	if !ok {
		return fmt.Errorf("item %q: %w", created.Item.Key, domain.ErrItemNotFound)
	}
	if len(n.Children) > 0 {
		return fmt.Errorf("item %q: %w", created.Item.Key, domain.ErrHasChildren)
	}
	_, err := e.items.DeleteItem(ctx, entry.StructureID, n.Item.ID)
	return err
}

// undoDelete puts the deleted item back on its own. Its former descendants
// stay deleted.
func (e *Engine) undoDelete(ctx context.Context, entry domain.ChangeLogEntry, deleted domain.DeleteSnapshot, f *forest.Forest) error {
	item := deleted.Item
	if item.ID == 0 || item.Key == "" {
		return domain.ErrSnapshotMissing
	}
	if _, ok := f.Node(item.ID); ok {
		return fmt.Errorf("item %d is present again: %w", item.ID, domain.ErrDuplicateKey)
	}
	if _, ok := f.NodeByKey(item.Key); ok {
		return fmt.Errorf("key %q: %w", item.Key, domain.ErrDuplicateKey)
	}
	exists, err := e.items.KeyExists(ctx, entry.StructureID, item.Key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("key %q: %w", item.Key, domain.ErrDuplicateKey)
	}
	rank, err := forest.PlanInsertAt(f, item.ParentID, item.Rank)
	if err != nil {
		return err
	}

	item.StructureID = entry.StructureID
	item.Rank = rank
	_, err = e.items.CreateItem(ctx, item)
	return err
}

// undoRename finds the item by the key it was recorded under.
func (e *Engine) undoRename(ctx context.Context, entry domain.ChangeLogEntry, previous domain.RenameSnapshot, f *forest.Forest) error {
	key := previous.Key
	if key == "" {
		key = entry.AffectedKey
	}
	n, ok := f.NodeByKey(key)
	if !ok {
		return fmt.Errorf("key %q: %w", key, domain.ErrItemNotFound)
	}
	_, err := e.items.UpdateDescription(ctx, entry.StructureID, n.Item.ID, previous.Description)
	return err
}

// undoMove writes back the exact parents and ranks captured before the move.
func (e *Engine) undoMove(ctx context.Context, entry domain.ChangeLogEntry, previous domain.MoveSnapshot, f *forest.Forest) error {
	placements := previous.Placements
	if len(placements) == 0 {
		placements = []domain.Placement{{ItemID: previous.ItemID, ParentID: previous.ParentID, Rank: previous.Rank}}
	}
	assignments, err := forest.PlanRestore(f, previous.ItemID, placements)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	n, err := e.items.ApplyReorderPlan(ctx, entry.StructureID, assignments)
	if err != nil {
		return err
	}
	if n != int64(len(assignments)) {
		return domain.ErrRowCountMismatch
	}
	return nil
}

// refused reports an undo that could not be carried out. Anything the store
// rejected because the structure moved on is an undo conflict; timeouts and
// unknown failures stay transient.
func refused(op string, err error) error {
	if kind := domain.KindOf(err); kind != "" {
		if kind == domain.KindTransient || kind == domain.KindUndoConflict {
			return domain.E(kind, op, err)
		}
		return domain.Errorf(domain.KindUndoConflict, op, "%w", err)
	}
	for _, target := range []error{
		domain.ErrItemNotFound,
		domain.ErrParentNotFound,
		domain.ErrDuplicateKey,
		domain.ErrRankTaken,
		domain.ErrRowCountMismatch,
		domain.ErrHasChildren,
		domain.ErrSnapshotMissing,
		domain.ErrAlreadyUndone,
		domain.ErrEntryNotFound,
	} {
		if errors.Is(err, target) {
			return domain.Errorf(domain.KindUndoConflict, op, "%w", err)
		}
	}
	return domain.E(domain.KindTransient, op, err)
}
