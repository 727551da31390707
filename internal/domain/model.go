package domain

import "time"

type Structure struct {
	ID        uint      `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LineItem is one row of a report structure. Rank is a single sequence over
// the whole structure, not a per-parent index.
type LineItem struct {
	ID          uint      `json:"id"`
	StructureID uint      `json:"structure_id"`
	Key         string    `json:"key"`
	Description string    `json:"description"`
	ParentID    *uint     `json:"parent_id,omitempty"`
	Rank        int       `json:"rank"`
	IsLeaf      bool      `json:"is_leaf"`
	Display     bool      `json:"display"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DropIntent string

const (
	DropBefore DropIntent = "before"
	DropAfter  DropIntent = "after"
	DropInside DropIntent = "inside"
)

func (d DropIntent) Valid() bool {
	switch d {
	case DropBefore, DropAfter, DropInside:
		return true
	}
	return false
}

// Placement is the position of one row: its parent and rank.
type Placement struct {
	ItemID   uint  `json:"item_id"`
	ParentID *uint `json:"parent_id,omitempty"`
	Rank     int   `json:"rank"`
}

// Assignment moves one row from (PrevParentID, PrevRank) to (ParentID, Rank).
// Gateways use the previous values to detect concurrent writes.
type Assignment struct {
	ItemID       uint  `json:"item_id"`
	ParentID     *uint `json:"parent_id,omitempty"`
	Rank         int   `json:"rank"`
	PrevParentID *uint `json:"prev_parent_id,omitempty"`
	PrevRank     int   `json:"prev_rank"`
}

type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionDelete ActionKind = "delete"
	ActionRename ActionKind = "rename"
	ActionMove   ActionKind = "move"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionCreate, ActionDelete, ActionRename, ActionMove:
		return true
	}
	return false
}

type ChangeLogEntry struct {
	ID             uint       `json:"id"`
	StructureID    uint       `json:"structure_id"`
	ActionKind     ActionKind `json:"action_kind"`
	AffectedItemID uint       `json:"affected_item_id"`
	AffectedKey    string     `json:"affected_key"`
	Description    string     `json:"description"`
	Previous       Snapshot   `json:"-"`
	Next           Snapshot   `json:"-"`
	IsUndone       bool       `json:"is_undone"`
	UndoneAt       *time.Time `json:"undone_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func SameParent(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func CloneParent(p *uint) *uint {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
