// Package memory keeps structures, line items and the change log in process
// memory. It honours the same contract as the sqlite store and backs tests
// and throwaway servers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	structures map[uint]domain.Structure
	items      map[uint]domain.LineItem
	entries    map[uint]domain.ChangeLogEntry

	nextStructure uint
	nextItem      uint
	nextEntry     uint

	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		structures:    map[uint]domain.Structure{},
		items:         map[uint]domain.LineItem{},
		entries:       map[uint]domain.ChangeLogEntry{},
		nextStructure: 1,
		nextItem:      1,
		nextEntry:     1,
		now:           time.Now,
	}
}

func (s *Store) CreateStructure(ctx context.Context, value domain.Structure) (domain.Structure, error) {
	if err := ctx.Err(); err != nil {
		return domain.Structure{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.structures {
		if st.Key == value.Key {
			return domain.Structure{}, fmt.Errorf("structure %q: %w", value.Key, domain.ErrDuplicateKey)
		}
	}
	now := s.now().UTC()
	value.ID = s.nextStructure
	value.CreatedAt, value.UpdatedAt = now, now
	s.nextStructure++
	s.structures[value.ID] = value
	return value, nil
}

func (s *Store) GetStructure(ctx context.Context, id uint) (domain.Structure, error) {
	if err := ctx.Err(); err != nil {
		return domain.Structure{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.structures[id]
	if !ok {
		return domain.Structure{}, fmt.Errorf("structure %d: %w", id, domain.ErrStructureNotFound)
	}
	return st, nil
}

func (s *Store) ListStructures(ctx context.Context, query string, limit int) ([]domain.Structure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]domain.Structure, 0, len(s.structures))
	for _, st := range s.structures {
		if q != "" && !strings.Contains(strings.ToLower(st.Key), q) && !strings.Contains(strings.ToLower(st.Name), q) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListItems(ctx context.Context, structureID uint) ([]domain.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.structureItems(structureID)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) KeyExists(ctx context.Context, structureID uint, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.findKey(structureID, key)
	return ok, nil
}

func (s *Store) CreateItem(ctx context.Context, value domain.LineItem) (domain.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.LineItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.structures[value.StructureID]; !ok {
		return domain.LineItem{}, fmt.Errorf("structure %d: %w", value.StructureID, domain.ErrStructureNotFound)
	}
	if _, ok := s.findKey(value.StructureID, value.Key); ok {
		return domain.LineItem{}, fmt.Errorf("key %q: %w", value.Key, domain.ErrDuplicateKey)
	}
	if value.ParentID != nil {
		parent, ok := s.items[*value.ParentID]
		if !ok || parent.StructureID != value.StructureID {
			return domain.LineItem{}, fmt.Errorf("item %d: %w", *value.ParentID, domain.ErrParentNotFound)
		}
	}
	if value.ID != 0 {
		if _, ok := s.items[value.ID]; ok {
			return domain.LineItem{}, fmt.Errorf("item id %d in use: %w", value.ID, domain.ErrDuplicateKey)
		}
	} else {
		value.ID = s.nextItem
	}
	if value.ID >= s.nextItem {
		s.nextItem = value.ID + 1
	}

	// Make room when the rank is taken.
	taken := false
	for _, it := range s.items {
		if it.StructureID == value.StructureID && it.Rank == value.Rank {
			taken = true
			break
		}
	}
	now := s.now().UTC()
	if taken {
		for id, it := range s.items {
			if it.StructureID == value.StructureID && it.Rank >= value.Rank {
				it.Rank++
				it.UpdatedAt = now
				s.items[id] = it
			}
		}
	}

	value.ParentID = domain.CloneParent(value.ParentID)
	value.CreatedAt, value.UpdatedAt = now, now
	s.items[value.ID] = value
	return cloneItem(value), nil
}

func (s *Store) UpdateDescription(ctx context.Context, structureID, id uint, description string) (domain.LineItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.LineItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.StructureID != structureID {
		return domain.LineItem{}, fmt.Errorf("item %d: %w", id, domain.ErrItemNotFound)
	}
	it.Description = description
	it.UpdatedAt = s.now().UTC()
	s.items[id] = it
	return cloneItem(it), nil
}

func (s *Store) DeleteItem(ctx context.Context, structureID, id uint) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.StructureID != structureID {
		return 0, fmt.Errorf("item %d: %w", id, domain.ErrItemNotFound)
	}

	doomed := map[uint]bool{id: true}
	for grew := true; grew; {
		grew = false
		for cid, c := range s.items {
			if c.StructureID != structureID || doomed[cid] || c.ParentID == nil || !doomed[*c.ParentID] {
				continue
			}
			doomed[cid] = true
			grew = true
		}
	}
	for did := range doomed {
		delete(s.items, did)
	}
	return int64(len(doomed)), nil
}

// ApplyReorderPlan checks every assignment against the row's current parent
// and rank, then swaps in the new rows only if all of them match.
func (s *Store) ApplyReorderPlan(ctx context.Context, structureID uint, assignments []domain.Assignment) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := make(map[uint]domain.LineItem)
	for id, it := range s.items {
		if it.StructureID == structureID {
			work[id] = it
		}
	}

	now := s.now().UTC()
	for _, a := range assignments {
		it, ok := work[a.ItemID]
		if !ok || it.Rank != a.PrevRank || !domain.SameParent(it.ParentID, a.PrevParentID) {
			return 0, fmt.Errorf("item %d: %w", a.ItemID, domain.ErrRowCountMismatch)
		}
		it.ParentID = domain.CloneParent(a.ParentID)
		it.Rank = a.Rank
		it.UpdatedAt = now
		work[a.ItemID] = it
	}

	ranks := make(map[int]uint, len(work))
	for id, it := range work {
		if other, dup := ranks[it.Rank]; dup {
			return 0, fmt.Errorf("rank %d held by items %d and %d: %w", it.Rank, other, id, domain.ErrRankTaken)
		}
		ranks[it.Rank] = id
		if it.ParentID != nil {
			if _, ok := work[*it.ParentID]; !ok {
				return 0, fmt.Errorf("item %d: %w", *it.ParentID, domain.ErrParentNotFound)
			}
		}
	}

	for _, a := range assignments {
		s.items[a.ItemID] = work[a.ItemID]
	}
	return int64(len(assignments)), nil
}

func (s *Store) AppendChangeLogEntry(ctx context.Context, value domain.ChangeLogEntry) (domain.ChangeLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if err := domain.ValidateSnapshots(value.ActionKind, value.Previous, value.Next); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.structures[value.StructureID]; !ok {
		return domain.ChangeLogEntry{}, fmt.Errorf("structure %d: %w", value.StructureID, domain.ErrStructureNotFound)
	}
	stored, err := cloneEntry(value)
	if err != nil {
		return domain.ChangeLogEntry{}, err
	}
	stored.ID = s.nextEntry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.nextEntry++
	s.entries[stored.ID] = stored
	return cloneEntry(stored)
}

func (s *Store) GetChangeLogEntry(ctx context.Context, structureID, id uint) (domain.ChangeLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.StructureID != structureID {
		return domain.ChangeLogEntry{}, fmt.Errorf("entry %d: %w", id, domain.ErrEntryNotFound)
	}
	return cloneEntry(e)
}

func (s *Store) ListChangeLog(ctx context.Context, structureID uint, limit int, includeUndone bool) ([]domain.ChangeLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ChangeLogEntry, 0)
	for _, e := range s.entries {
		if e.StructureID != structureID || (e.IsUndone && !includeUndone) {
			continue
		}
		c, err := cloneEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkUndone(ctx context.Context, structureID, id uint, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.StructureID != structureID {
		return fmt.Errorf("entry %d: %w", id, domain.ErrEntryNotFound)
	}
	if e.IsUndone {
		return fmt.Errorf("entry %d: %w", id, domain.ErrAlreadyUndone)
	}
	at = at.UTC()
	e.IsUndone = true
	e.UndoneAt = &at
	s.entries[id] = e
	return nil
}

func (s *Store) structureItems(structureID uint) []domain.LineItem {
	out := make([]domain.LineItem, 0)
	for _, it := range s.items {
		if it.StructureID == structureID {
			out = append(out, cloneItem(it))
		}
	}
	return out
}

func (s *Store) findKey(structureID uint, key string) (domain.LineItem, bool) {
	for _, it := range s.items {
		if it.StructureID == structureID && it.Key == key {
			return it, true
		}
	}
	return domain.LineItem{}, false
}

func cloneItem(it domain.LineItem) domain.LineItem {
	it.ParentID = domain.CloneParent(it.ParentID)
	return it
}

// cloneEntry deep-copies snapshots through their stored encoding.
func cloneEntry(e domain.ChangeLogEntry) (domain.ChangeLogEntry, error) {
	prev, err := domain.EncodeSnapshot(e.Previous)
	if err != nil {
		return domain.ChangeLogEntry{}, err
	}
	next, err := domain.EncodeSnapshot(e.Next)
	if err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if e.Previous, err = domain.DecodeSnapshot(e.ActionKind, prev); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if e.Next, err = domain.DecodeSnapshot(e.ActionKind, next); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if e.UndoneAt != nil {
		at := *e.UndoneAt
		e.UndoneAt = &at
	}
	return e, nil
}
