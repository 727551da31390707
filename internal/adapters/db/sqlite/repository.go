package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

var _ domain.Store = (*Store)(nil)

// Open opens the database at path with foreign keys on. Writes go through a
// single connection so transactions never race for the file lock.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// NewStore wraps db. A positive timeout bounds every call.
func NewStore(db *gorm.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if s.timeout <= 0 {
		return s.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

func (s *Store) CreateStructure(ctx context.Context, value domain.Structure) (domain.Structure, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	m := StructureModel{Key: value.Key, Name: value.Name}
	if err := db.Create(&m).Error; err != nil {
		return domain.Structure{}, translate(err)
	}
	return toStructure(m), nil
}

func (s *Store) GetStructure(ctx context.Context, id uint) (domain.Structure, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var m StructureModel
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Structure{}, fmt.Errorf("structure %d: %w", id, domain.ErrStructureNotFound)
		}
		return domain.Structure{}, err
	}
	return toStructure(m), nil
}

func (s *Store) ListStructures(ctx context.Context, query string, limit int) ([]domain.Structure, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	q := db.Model(&StructureModel{})
	if strings.TrimSpace(query) != "" {
		like := "%" + strings.TrimSpace(query) + "%"
		q = q.Where("name LIKE ? OR key LIKE ?", like, like)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	rows := make([]StructureModel, 0)
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Structure, 0, len(rows))
	for _, m := range rows {
		result = append(result, toStructure(m))
	}
	return result, nil
}

func (s *Store) ListItems(ctx context.Context, structureID uint) ([]domain.LineItem, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	rows := make([]LineItemModel, 0)
	if err := db.Where("structure_id = ?", structureID).Order("rank ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.LineItem, 0, len(rows))
	for _, m := range rows {
		result = append(result, toItem(m))
	}
	return result, nil
}

func (s *Store) KeyExists(ctx context.Context, structureID uint, key string) (bool, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var n int64
	if err := db.Model(&LineItemModel{}).Where("structure_id = ? AND key = ?", structureID, key).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateItem inserts value at value.Rank. When the rank is taken, every rank
// from there on moves up by one first.
func (s *Store) CreateItem(ctx context.Context, value domain.LineItem) (domain.LineItem, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	m := LineItemModel{
		ID:          value.ID,
		StructureID: value.StructureID,
		Key:         value.Key,
		Description: value.Description,
		ParentID:    domain.CloneParent(value.ParentID),
		Rank:        value.Rank,
		IsLeaf:      value.IsLeaf,
		Display:     value.Display,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&StructureModel{}).Where("id = ?", value.StructureID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("structure %d: %w", value.StructureID, domain.ErrStructureNotFound)
		}
		if value.ParentID != nil {
			if err := tx.Model(&LineItemModel{}).Where("id = ? AND structure_id = ?", *value.ParentID, value.StructureID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("item %d: %w", *value.ParentID, domain.ErrParentNotFound)
			}
		}
		if err := tx.Model(&LineItemModel{}).Where("structure_id = ? AND rank = ?", value.StructureID, value.Rank).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			if err := shiftRanks(tx, value.StructureID, value.Rank); err != nil {
				return err
			}
		}
		return tx.Create(&m).Error
	})
	if err != nil {
		return domain.LineItem{}, translate(err)
	}
	return toItem(m), nil
}

// shiftRanks adds one to every rank >= from. The unique rank index is checked
// row by row, so ranks pass through negative values first.
func shiftRanks(tx *gorm.DB, structureID uint, from int) error {
	if err := tx.Exec(`UPDATE line_items SET rank = -(rank + 1) WHERE structure_id = ? AND rank >= ?`, structureID, from).Error; err != nil {
		return err
	}
	return tx.Exec(`UPDATE line_items SET rank = -rank, updated_at = ? WHERE structure_id = ? AND rank < 0`, time.Now().UTC(), structureID).Error
}

func (s *Store) UpdateDescription(ctx context.Context, structureID, id uint, description string) (domain.LineItem, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var m LineItemModel
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&LineItemModel{}).
			Where("id = ? AND structure_id = ?", id, structureID).
			Updates(map[string]any{"description": description, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("item %d: %w", id, domain.ErrItemNotFound)
		}
		return tx.Where("id = ?", id).First(&m).Error
	})
	if err != nil {
		return domain.LineItem{}, translate(err)
	}
	return toItem(m), nil
}

const deleteSubtreeSQL = `
WITH RECURSIVE subtree(id) AS (
    SELECT id FROM line_items WHERE id = ? AND structure_id = ?
    UNION
    SELECT li.id
    FROM line_items li
    JOIN subtree ON li.parent_id = subtree.id
    WHERE li.structure_id = ?
)
DELETE FROM line_items WHERE id IN (SELECT id FROM subtree);
`

// DeleteItem removes id and all of its descendants.
func (s *Store) DeleteItem(ctx context.Context, structureID, id uint) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	res := db.Exec(deleteSubtreeSQL, id, structureID, structureID)
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("item %d: %w", id, domain.ErrItemNotFound)
	}
	return res.RowsAffected, nil
}

const orphanedByPlanSQL = `
SELECT COUNT(*) FROM line_items c
WHERE c.structure_id = ? AND c.parent_id IS NOT NULL AND c.id IN ?
  AND NOT EXISTS (SELECT 1 FROM line_items p WHERE p.id = c.parent_id AND p.structure_id = c.structure_id)
`

// ApplyReorderPlan writes every assignment in one transaction. Each row must
// still hold its PrevParentID and PrevRank, otherwise nothing is written.
func (s *Store) ApplyReorderPlan(ctx context.Context, structureID uint, assignments []domain.Assignment) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	db, cancel := s.conn(ctx)
	defer cancel()

	now := time.Now().UTC()
	err := db.Transaction(func(tx *gorm.DB) error {
		// Park the touched rows on unique negative ranks so the final writes
		// can permute ranks freely.
		for i, a := range assignments {
			res := tx.Exec(`UPDATE line_items SET rank = ? WHERE id = ? AND structure_id = ? AND rank = ? AND parent_id IS ?`,
				-(i + 1), a.ItemID, structureID, a.PrevRank, parentArg(a.PrevParentID))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("item %d: %w", a.ItemID, domain.ErrRowCountMismatch)
			}
		}
		ids := make([]uint, 0, len(assignments))
		for i, a := range assignments {
			res := tx.Exec(`UPDATE line_items SET rank = ?, parent_id = ?, updated_at = ? WHERE id = ? AND structure_id = ? AND rank = ?`,
				a.Rank, parentArg(a.ParentID), now, a.ItemID, structureID, -(i + 1))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				return fmt.Errorf("item %d: %w", a.ItemID, domain.ErrRowCountMismatch)
			}
			ids = append(ids, a.ItemID)
		}
		var orphaned int64
		if err := tx.Raw(orphanedByPlanSQL, structureID, ids).Scan(&orphaned).Error; err != nil {
			return err
		}
		if orphaned > 0 {
			return fmt.Errorf("%d rows would point at a missing parent: %w", orphaned, domain.ErrParentNotFound)
		}
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	return int64(len(assignments)), nil
}

func (s *Store) AppendChangeLogEntry(ctx context.Context, value domain.ChangeLogEntry) (domain.ChangeLogEntry, error) {
	if err := domain.ValidateSnapshots(value.ActionKind, value.Previous, value.Next); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	prev, err := encode(value.Previous)
	if err != nil {
		return domain.ChangeLogEntry{}, err
	}
	next, err := encode(value.Next)
	if err != nil {
		return domain.ChangeLogEntry{}, err
	}

	db, cancel := s.conn(ctx)
	defer cancel()

	m := ChangeLogModel{
		StructureID:    value.StructureID,
		ActionKind:     string(value.ActionKind),
		AffectedItemID: value.AffectedItemID,
		AffectedKey:    value.AffectedKey,
		Description:    value.Description,
		PreviousState:  prev,
		NewState:       next,
		CreatedAt:      value.CreatedAt,
	}
	if err := db.Create(&m).Error; err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return domain.ChangeLogEntry{}, fmt.Errorf("structure %d: %w", value.StructureID, domain.ErrStructureNotFound)
		}
		return domain.ChangeLogEntry{}, err
	}
	return toEntry(m)
}

func (s *Store) GetChangeLogEntry(ctx context.Context, structureID, id uint) (domain.ChangeLogEntry, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var m ChangeLogModel
	if err := db.Where("id = ? AND structure_id = ?", id, structureID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChangeLogEntry{}, fmt.Errorf("entry %d: %w", id, domain.ErrEntryNotFound)
		}
		return domain.ChangeLogEntry{}, err
	}
	return toEntry(m)
}

func (s *Store) ListChangeLog(ctx context.Context, structureID uint, limit int, includeUndone bool) ([]domain.ChangeLogEntry, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	q := db.Where("structure_id = ?", structureID)
	if !includeUndone {
		q = q.Where("is_undone = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	// The log is append-only, so id order is creation order. created_at is
	// stored as text with a trimmed fraction and does not sort reliably.
	rows := make([]ChangeLogModel, 0)
	if err := q.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.ChangeLogEntry, 0, len(rows))
	for _, m := range rows {
		e, err := toEntry(m)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

// MarkUndone flips is_undone once; a second call reports ErrAlreadyUndone.
func (s *Store) MarkUndone(ctx context.Context, structureID, id uint, at time.Time) error {
	db, cancel := s.conn(ctx)
	defer cancel()

	at = at.UTC()
	res := db.Model(&ChangeLogModel{}).
		Where("id = ? AND structure_id = ? AND is_undone = ?", id, structureID, false).
		Updates(map[string]any{"is_undone": true, "undone_at": &at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := db.Model(&ChangeLogModel{}).Where("id = ? AND structure_id = ?", id, structureID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %d: %w", id, domain.ErrEntryNotFound)
	}
	return fmt.Errorf("entry %d: %w", id, domain.ErrAlreadyUndone)
}

// translate maps constraint failures onto domain errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	switch {
	case strings.Contains(msg, "line_items.rank"):
		return fmt.Errorf("%w: %v", domain.ErrRankTaken, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrDuplicateKey, err)
	}
}

func parentArg(p *uint) any {
	if p == nil {
		return nil
	}
	return *p
}

func encode(s domain.Snapshot) (*string, error) {
	raw, err := domain.EncodeSnapshot(s)
	if err != nil || raw == nil {
		return nil, err
	}
	out := string(raw)
	return &out, nil
}

func decode(kind domain.ActionKind, raw *string) (domain.Snapshot, error) {
	if raw == nil {
		return nil, nil
	}
	return domain.DecodeSnapshot(kind, []byte(*raw))
}

func toStructure(m StructureModel) domain.Structure {
	return domain.Structure{ID: m.ID, Key: m.Key, Name: m.Name, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

func toItem(m LineItemModel) domain.LineItem {
	return domain.LineItem{
		ID:          m.ID,
		StructureID: m.StructureID,
		Key:         m.Key,
		Description: m.Description,
		ParentID:    domain.CloneParent(m.ParentID),
		Rank:        m.Rank,
		IsLeaf:      m.IsLeaf,
		Display:     m.Display,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toEntry(m ChangeLogModel) (domain.ChangeLogEntry, error) {
	kind := domain.ActionKind(m.ActionKind)
	prev, err := decode(kind, m.PreviousState)
	if err != nil {
		return domain.ChangeLogEntry{}, fmt.Errorf("entry %d: %w: %v", m.ID, domain.ErrSnapshotMissing, err)
	}
	next, err := decode(kind, m.NewState)
	if err != nil {
		return domain.ChangeLogEntry{}, fmt.Errorf("entry %d: %w: %v", m.ID, domain.ErrSnapshotMissing, err)
	}
	return domain.ChangeLogEntry{
		ID:             m.ID,
		StructureID:    m.StructureID,
		ActionKind:     kind,
		AffectedItemID: m.AffectedItemID,
		AffectedKey:    m.AffectedKey,
		Description:    m.Description,
		Previous:       prev,
		Next:           next,
		IsUndone:       m.IsUndone,
		UndoneAt:       m.UndoneAt,
		CreatedAt:      m.CreatedAt,
	}, nil
}
