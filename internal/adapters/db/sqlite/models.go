package sqlite

import "time"

type StructureModel struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"uniqueIndex;not null"`
	Name      string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (StructureModel) TableName() string { return "structures" }

type LineItemModel struct {
	ID          uint   `gorm:"primaryKey"`
	StructureID uint   `gorm:"not null;index:idx_line_items_structure_key,unique;index:idx_line_items_structure_rank,unique"`
	Key         string `gorm:"not null;index:idx_line_items_structure_key,unique"`
	Description string `gorm:"not null"`
	ParentID    *uint  `gorm:"index"`
	Rank        int    `gorm:"not null;index:idx_line_items_structure_rank,unique"`
	IsLeaf      bool   `gorm:"not null"`
	Display     bool   `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (LineItemModel) TableName() string { return "line_items" }

// ChangeLogModel stores snapshots as JSON text tagged by ActionKind.
type ChangeLogModel struct {
	ID             uint   `gorm:"primaryKey"`
	StructureID    uint   `gorm:"not null;index"`
	ActionKind     string `gorm:"not null"`
	AffectedItemID uint   `gorm:"not null"`
	AffectedKey    string `gorm:"not null"`
	Description    string `gorm:"not null"`
	PreviousState  *string
	NewState       *string
	IsUndone       bool `gorm:"not null"`
	UndoneAt       *time.Time
	CreatedAt      time.Time
}

func (ChangeLogModel) TableName() string { return "change_log" }
