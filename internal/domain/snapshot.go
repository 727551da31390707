package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the captured state of an item before or after a mutation.
// The set of implementations is closed: CreateSnapshot, DeleteSnapshot,
// RenameSnapshot and MoveSnapshot.
type Snapshot interface {
	Kind() ActionKind
	sealed()
}

type CreateSnapshot struct {
	Item LineItem `json:"item"`
}

// DeleteSnapshot keeps the removed subtree for display. Undo only re-inserts Item.
type DeleteSnapshot struct {
	Item        LineItem   `json:"item"`
	Descendants []LineItem `json:"descendants,omitempty"`
}

type RenameSnapshot struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// MoveSnapshot records where the moved item sat, plus every row the move
// plan rewrote so the move can be restored literally.
type MoveSnapshot struct {
	ItemID     uint        `json:"item_id"`
	ParentID   *uint       `json:"parent_id,omitempty"`
	Rank       int         `json:"rank"`
	Placements []Placement `json:"placements"`
}

func (CreateSnapshot) Kind() ActionKind { return ActionCreate }
func (DeleteSnapshot) Kind() ActionKind { return ActionDelete }
func (RenameSnapshot) Kind() ActionKind { return ActionRename }
func (MoveSnapshot) Kind() ActionKind   { return ActionMove }

func (CreateSnapshot) sealed() {}
func (DeleteSnapshot) sealed() {}
func (RenameSnapshot) sealed() {}
func (MoveSnapshot) sealed()   {}

// ValidateSnapshots checks that previous/next match the shape required for kind.
func ValidateSnapshots(kind ActionKind, previous, next Snapshot) error {
	has := func(s Snapshot) bool { return s != nil }
	match := func(s Snapshot) bool { return s == nil || s.Kind() == kind }
	if !kind.Valid() {
		return fmt.Errorf("unknown action kind %q", kind)
	}
	if !match(previous) || !match(next) {
		return fmt.Errorf("%s entry carries a snapshot of another kind", kind)
	}
	switch kind {
	case ActionCreate:
		if has(previous) || !has(next) {
			return fmt.Errorf("create entry needs only a next state")
		}
	case ActionDelete:
		if !has(previous) || has(next) {
			return fmt.Errorf("delete entry needs only a previous state")
		}
	case ActionRename, ActionMove:
		if !has(previous) || !has(next) {
			return fmt.Errorf("%s entry needs previous and next state", kind)
		}
	}
	return nil
}

// EncodeSnapshot returns nil for a nil snapshot.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// DecodeSnapshot parses raw according to kind. Unknown fields are rejected so a
// row written for another kind never decodes silently.
func DecodeSnapshot(kind ActionKind, raw []byte) (Snapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	switch kind {
	case ActionCreate:
		var s CreateSnapshot
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decode create snapshot: %w", err)
		}
		return s, nil
	case ActionDelete:
		var s DeleteSnapshot
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decode delete snapshot: %w", err)
		}
		return s, nil
	case ActionRename:
		var s RenameSnapshot
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decode rename snapshot: %w", err)
		}
		return s, nil
	case ActionMove:
		var s MoveSnapshot
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("decode move snapshot: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
}

type changeLogEntryJSON struct {
	ID             uint            `json:"id"`
	StructureID    uint            `json:"structure_id"`
	ActionKind     ActionKind      `json:"action_kind"`
	AffectedItemID uint            `json:"affected_item_id"`
	AffectedKey    string          `json:"affected_key"`
	Description    string          `json:"description"`
	Previous       json.RawMessage `json:"previous_state"`
	Next           json.RawMessage `json:"new_state"`
	IsUndone       bool            `json:"is_undone"`
	UndoneAt       *time.Time      `json:"undone_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (e ChangeLogEntry) MarshalJSON() ([]byte, error) {
	prev, err := EncodeSnapshot(e.Previous)
	if err != nil {
		return nil, err
	}
	next, err := EncodeSnapshot(e.Next)
	if err != nil {
		return nil, err
	}
	out := changeLogEntryJSON{
		ID:             e.ID,
		StructureID:    e.StructureID,
		ActionKind:     e.ActionKind,
		AffectedItemID: e.AffectedItemID,
		AffectedKey:    e.AffectedKey,
		Description:    e.Description,
		Previous:       nullable(prev),
		Next:           nullable(next),
		IsUndone:       e.IsUndone,
		UndoneAt:       e.UndoneAt,
		CreatedAt:      e.CreatedAt,
	}
	return json.Marshal(out)
}

func (e *ChangeLogEntry) UnmarshalJSON(data []byte) error {
	var in changeLogEntryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	prev, err := DecodeSnapshot(in.ActionKind, in.Previous)
	if err != nil {
		return err
	}
	next, err := DecodeSnapshot(in.ActionKind, in.Next)
	if err != nil {
		return err
	}
	*e = ChangeLogEntry{
		ID:             in.ID,
		StructureID:    in.StructureID,
		ActionKind:     in.ActionKind,
		AffectedItemID: in.AffectedItemID,
		AffectedKey:    in.AffectedKey,
		Description:    in.Description,
		Previous:       prev,
		Next:           next,
		IsUndone:       in.IsUndone,
		UndoneAt:       in.UndoneAt,
		CreatedAt:      in.CreatedAt,
	}
	return nil
}

func nullable(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
