package domain

import (
	"context"
	"time"
)

// LineItemGateway is the persistence boundary for line items. Every call is
// individually atomic.
type LineItemGateway interface {
	ListItems(ctx context.Context, structureID uint) ([]LineItem, error)
	KeyExists(ctx context.Context, structureID uint, key string) (bool, error)
	// CreateItem inserts value at value.Rank, shifting later ranks when that
	// rank is taken. A non-zero value.ID is kept.
	CreateItem(ctx context.Context, value LineItem) (LineItem, error)
	UpdateDescription(ctx context.Context, structureID, id uint, description string) (LineItem, error)
	// DeleteItem removes the item and its whole subtree and returns the number
	// of rows removed.
	DeleteItem(ctx context.Context, structureID, id uint) (int64, error)
	// ApplyReorderPlan writes all assignments or none of them.
	ApplyReorderPlan(ctx context.Context, structureID uint, assignments []Assignment) (int64, error)
}

type ChangeLogStore interface {
	AppendChangeLogEntry(ctx context.Context, value ChangeLogEntry) (ChangeLogEntry, error)
	GetChangeLogEntry(ctx context.Context, structureID, id uint) (ChangeLogEntry, error)
	ListChangeLog(ctx context.Context, structureID uint, limit int, includeUndone bool) ([]ChangeLogEntry, error)
	MarkUndone(ctx context.Context, structureID, id uint, at time.Time) error
}

type StructureRepository interface {
	CreateStructure(ctx context.Context, value Structure) (Structure, error)
	GetStructure(ctx context.Context, id uint) (Structure, error)
	ListStructures(ctx context.Context, query string, limit int) ([]Structure, error)
}

type Store interface {
	LineItemGateway
	ChangeLogStore
	StructureRepository
}
