package application

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/changelog"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/forest"
)

type OpKind string

const (
	OpLoad   OpKind = "load"
	OpCreate OpKind = "create"
	OpRename OpKind = "rename"
	OpMove   OpKind = "move"
	OpDelete OpKind = "delete"
	OpUndo   OpKind = "undo"
)

const (
	MaxKeyLength         = 64
	MaxDescriptionLength = 255
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

type CreateItemInput struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	ParentID    *uint  `json:"parent_id,omitempty"`
	IsLeaf      bool   `json:"is_leaf"`
	// Display defaults to true when nil.
	Display *bool `json:"display,omitempty"`
}

// Result describes a finished mutation. Entry is zero when nothing changed.
type Result struct {
	Item     domain.LineItem       `json:"item"`
	Entry    domain.ChangeLogEntry `json:"entry"`
	Affected int64                 `json:"affected"`
}

type Status struct {
	StructureID   uint             `json:"structure_id"`
	Busy          bool             `json:"busy"`
	Op            OpKind           `json:"op,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	LastErrorKind domain.ErrorKind `json:"last_error_kind,omitempty"`
	Items         int              `json:"items"`
	Anomalies     []AnomalyView    `json:"anomalies,omitempty"`
	LoadedAt      *time.Time       `json:"loaded_at,omitempty"`
}

// Coordinator owns the canonical forest of one structure and lets one
// operation run at a time. A second operation arriving while one is in
// flight is rejected with a busy error, never queued.
type Coordinator struct {
	structureID uint
	items       domain.LineItemGateway
	log         *changelog.Engine
	logger      *zap.Logger

	mu       sync.Mutex
	busy     bool
	op       OpKind
	forest   *forest.Forest
	stale    bool
	lastErr  error
	loadedAt time.Time
}

func NewCoordinator(structureID uint, items domain.LineItemGateway, log *changelog.Engine, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		structureID: structureID,
		items:       items,
		log:         log,
		logger:      logger.With(zap.Uint("structure_id", structureID)),
	}
}

// Load replaces the canonical forest with a fresh read of the structure.
func (c *Coordinator) Load(ctx context.Context) (err error) {
	if _, err := c.begin(OpLoad); err != nil {
		return err
	}
	defer c.end(OpLoad, time.Now(), &err)

	_, err = c.resync(ctx)
	return err
}

func (c *Coordinator) CreateItem(ctx context.Context, in CreateItemInput) (res Result, err error) {
	f, err := c.begin(OpCreate)
	if err != nil {
		return Result{}, err
	}
	defer c.end(OpCreate, time.Now(), &err)

	in.Key = strings.TrimSpace(in.Key)
	in.Description = strings.TrimSpace(in.Description)
	if err := validateCreate(in); err != nil {
		return Result{}, err
	}
	if f, err = c.ready(ctx, f); err != nil {
		return Result{}, err
	}
	if in.ParentID != nil {
		if _, ok := f.Node(*in.ParentID); !ok {
			return Result{}, domain.Errorf(domain.KindValidation, string(OpCreate), "item %d: %w", *in.ParentID, domain.ErrParentNotFound)
		}
	}
	if _, ok := f.NodeByKey(in.Key); ok {
		return Result{}, domain.Errorf(domain.KindValidation, string(OpCreate), "key %q: %w", in.Key, domain.ErrDuplicateKey)
	}
	exists, err := c.items.KeyExists(ctx, c.structureID, in.Key)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return Result{}, domain.Errorf(domain.KindValidation, string(OpCreate), "key %q: %w", in.Key, domain.ErrDuplicateKey)
	}

	rank, err := forest.PlanInsert(f, in.ParentID)
	if err != nil {
		return Result{}, err
	}
	display := true
	if in.Display != nil {
		display = *in.Display
	}
	created, err := c.items.CreateItem(ctx, domain.LineItem{
		StructureID: c.structureID,
		Key:         in.Key,
		Description: in.Description,
		ParentID:    domain.CloneParent(in.ParentID),
		Rank:        rank,
		IsLeaf:      in.IsLeaf,
		Display:     display,
	})
	if err != nil {
		return Result{}, err
	}

	entry, recErr := c.log.Record(ctx, changelog.RecordInput{
		StructureID: c.structureID,
		Kind:        domain.ActionCreate,
		ItemID:      created.ID,
		Key:         created.Key,
		Description: created.Description,
		Next:        domain.CreateSnapshot{Item: created},
	})
	return Result{Item: created, Entry: entry, Affected: 1}, c.settle(ctx, recErr)
}

// RenameItem changes the description of the item with key. Keys do not change.
func (c *Coordinator) RenameItem(ctx context.Context, key, description string) (res Result, err error) {
	f, err := c.begin(OpRename)
	if err != nil {
		return Result{}, err
	}
	defer c.end(OpRename, time.Now(), &err)

	key = strings.TrimSpace(key)
	description = strings.TrimSpace(description)
	if key == "" || description == "" {
		return Result{}, domain.Errorf(domain.KindValidation, string(OpRename), "key and description: %w", domain.ErrRequired)
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return Result{}, domain.Errorf(domain.KindValidation, string(OpRename), "description over %d characters: %w", MaxDescriptionLength, domain.ErrTooLong)
	}
	if f, err = c.ready(ctx, f); err != nil {
		return Result{}, err
	}
	n, ok := f.NodeByKey(key)
	if !ok {
		return Result{}, domain.Errorf(domain.KindNotFound, string(OpRename), "key %q: %w", key, domain.ErrItemNotFound)
	}
	if n.Item.Description == description {
		return Result{Item: n.Item}, nil
	}

	updated, err := c.items.UpdateDescription(ctx, c.structureID, n.Item.ID, description)
	if err != nil {
		return Result{}, c.vanished(ctx, OpRename, n.Item.ID, err)
	}
	entry, recErr := c.log.Record(ctx, changelog.RecordInput{
		StructureID: c.structureID,
		Kind:        domain.ActionRename,
		ItemID:      n.Item.ID,
		Key:         key,
		Description: description,
		Previous:    domain.RenameSnapshot{Key: key, Description: n.Item.Description},
		Next:        domain.RenameSnapshot{Key: key, Description: description},
	})
	return Result{Item: updated, Entry: entry, Affected: 1}, c.settle(ctx, recErr)
}

func (c *Coordinator) MoveItem(ctx context.Context, movedID, anchorID uint, intent domain.DropIntent) (res Result, err error) {
	f, err := c.begin(OpMove)
	if err != nil {
		return Result{}, err
	}
	defer c.end(OpMove, time.Now(), &err)

	if f, err = c.ready(ctx, f); err != nil {
		return Result{}, err
	}
	plan, err := forest.Plan(f, forest.MoveRequest{MovedID: movedID, AnchorID: anchorID, Intent: intent})
	if err != nil {
		return Result{}, err
	}
	moved, _ := f.Node(movedID)
	if plan.Empty() {
		return Result{Item: moved.Item}, nil
	}

	n, err := c.items.ApplyReorderPlan(ctx, c.structureID, plan.Assignments)
	if err != nil {
		return Result{}, err
	}
	if n != int64(len(plan.Assignments)) {
		return Result{}, domain.Errorf(domain.KindConflict, string(OpMove), "%d of %d rows: %w", n, len(plan.Assignments), domain.ErrRowCountMismatch)
	}

	after := moved.Item
	for _, a := range plan.Assignments {
		if a.ItemID == movedID {
			after.ParentID = domain.CloneParent(a.ParentID)
			after.Rank = a.Rank
		}
	}
	before, placed := plan.Placements()
	entry, recErr := c.log.Record(ctx, changelog.RecordInput{
		StructureID: c.structureID,
		Kind:        domain.ActionMove,
		ItemID:      movedID,
		Key:         moved.Item.Key,
		Description: moved.Item.Description,
		Previous:    domain.MoveSnapshot{ItemID: movedID, ParentID: domain.CloneParent(moved.Item.ParentID), Rank: moved.Item.Rank, Placements: before},
		Next:        domain.MoveSnapshot{ItemID: movedID, ParentID: domain.CloneParent(after.ParentID), Rank: after.Rank, Placements: placed},
	})
	return Result{Item: after, Entry: entry, Affected: n}, c.settle(ctx, recErr)
}

// DeleteItem removes the item and everything below it.
func (c *Coordinator) DeleteItem(ctx context.Context, id uint) (res Result, err error) {
	f, err := c.begin(OpDelete)
	if err != nil {
		return Result{}, err
	}
	defer c.end(OpDelete, time.Now(), &err)

	if f, err = c.ready(ctx, f); err != nil {
		return Result{}, err
	}
	n, ok := f.Node(id)
	if !ok {
		return Result{}, domain.Errorf(domain.KindNotFound, string(OpDelete), "item %d: %w", id, domain.ErrItemNotFound)
	}
	subtree := f.Subtree(id)

	count, err := c.items.DeleteItem(ctx, c.structureID, id)
	if err != nil {
		return Result{}, c.vanished(ctx, OpDelete, id, err)
	}
	entry, recErr := c.log.Record(ctx, changelog.RecordInput{
		StructureID: c.structureID,
		Kind:        domain.ActionDelete,
		ItemID:      id,
		Key:         n.Item.Key,
		Description: n.Item.Description,
		Previous:    domain.DeleteSnapshot{Item: n.Item, Descendants: subtree[1:]},
	})
	return Result{Item: n.Item, Entry: entry, Affected: count}, c.settle(ctx, recErr)
}

func (c *Coordinator) Undo(ctx context.Context, entryID uint) (res Result, err error) {
	f, err := c.begin(OpUndo)
	if err != nil {
		return Result{}, err
	}
	defer c.end(OpUndo, time.Now(), &err)

	if f, err = c.ready(ctx, f); err != nil {
		return Result{}, err
	}
	entry, err := c.log.Undo(ctx, c.structureID, entryID, f)
	if errors.Is(err, changelog.ErrNotMarked) {
		if _, rerr := c.resync(ctx); rerr != nil {
			c.logger.Warn("resync after unmarked undo failed", zap.Error(rerr))
		}
		return Result{Entry: entry}, err
	}
	if err != nil {
		return Result{}, err
	}
	if err := c.settle(ctx, nil); err != nil {
		return Result{}, err
	}
	c.mu.Lock()
	item, _ := c.forest.Node(entry.AffectedItemID)
	c.mu.Unlock()
	res = Result{Entry: entry, Affected: 1}
	if item != nil {
		res.Item = item.Item
	}
	return res, nil
}

func (c *Coordinator) History(ctx context.Context, limit int) ([]domain.ChangeLogEntry, error) {
	return c.log.History(ctx, c.structureID, limit)
}

func (c *Coordinator) Entries(ctx context.Context, limit int) ([]domain.ChangeLogEntry, error) {
	return c.log.Entries(ctx, c.structureID, limit)
}

// Tree returns a copy of the canonical forest that callers may keep.
func (c *Coordinator) Tree() TreeView {
	c.mu.Lock()
	f := c.forest
	c.mu.Unlock()
	return newTreeView(c.structureID, f)
}

// Items returns the canonical items in rank order.
func (c *Coordinator) Items() []domain.LineItem {
	c.mu.Lock()
	f := c.forest
	c.mu.Unlock()
	if f == nil {
		return []domain.LineItem{}
	}
	return f.Items()
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{StructureID: c.structureID, Busy: c.busy, Op: c.op}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
		st.LastErrorKind = domain.KindOf(c.lastErr)
	}
	if c.forest != nil {
		st.Items = c.forest.Len()
		st.Anomalies = anomalyViews(c.forest.Anomalies())
		at := c.loadedAt
		st.LoadedAt = &at
	}
	return st
}

func (c *Coordinator) begin(op OpKind) (*forest.Forest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return nil, domain.Errorf(domain.KindBusy, string(op), "%s in progress: %w", c.op, domain.ErrBusy)
	}
	c.busy = true
	c.op = op
	if c.stale {
		return nil, nil
	}
	return c.forest, nil
}

// end always returns the coordinator to idle and records the outcome.
func (c *Coordinator) end(op OpKind, started time.Time, errp *error) {
	if *errp != nil {
		*errp = domain.Classify(string(op), *errp)
	}
	err := *errp

	c.mu.Lock()
	c.busy = false
	c.op = ""
	c.lastErr = err
	c.mu.Unlock()

	fields := []zap.Field{zap.String("op", string(op)), zap.Duration("duration", time.Since(started))}
	if err != nil {
		c.logger.Warn("operation failed", append(fields, zap.String("kind", string(domain.KindOf(err))), zap.Error(err))...)
		return
	}
	c.logger.Info("operation completed", fields...)
}

// ready returns f, loading the structure first when nothing is loaded yet or
// the last resync failed.
func (c *Coordinator) ready(ctx context.Context, f *forest.Forest) (*forest.Forest, error) {
	if f != nil {
		return f, nil
	}
	return c.resync(ctx)
}

// settle resyncs after a confirmed write and then reports recErr, if any.
func (c *Coordinator) settle(ctx context.Context, recErr error) error {
	if _, err := c.resync(ctx); err != nil {
		return err
	}
	if recErr != nil {
		return fmt.Errorf("change applied but not logged: %w", recErr)
	}
	return nil
}

// vanished turns a gateway that found no row for an item the canonical
// forest still holds into a conflict, and reloads the forest so the next
// operation sees the store as it is.
func (c *Coordinator) vanished(ctx context.Context, op OpKind, id uint, err error) error {
	if !errors.Is(err, domain.ErrItemNotFound) {
		return err
	}
	if _, rerr := c.resync(ctx); rerr != nil {
		c.logger.Warn("resync after missing row failed", zap.Uint("item_id", id), zap.Error(rerr))
	}
	return domain.Errorf(domain.KindConflict, string(op), "item %d: %w: %w", id, domain.ErrRowCountMismatch, err)
}

func (c *Coordinator) resync(ctx context.Context) (*forest.Forest, error) {
	items, err := c.items.ListItems(ctx, c.structureID)
	if err != nil {
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
		return nil, domain.Classify("resync", err)
	}
	f := forest.Build(items)
	for _, a := range f.Anomalies() {
		c.logger.Warn("line item flagged", zap.Uint("item_id", a.ItemID), zap.String("key", a.Key), zap.String("flag", a.Flag.String()))
	}

	c.mu.Lock()
	c.forest = f
	c.stale = false
	c.loadedAt = time.Now().UTC()
	c.mu.Unlock()
	return f, nil
}

func validateCreate(in CreateItemInput) error {
	op := string(OpCreate)
	if in.Key == "" || in.Description == "" {
		return domain.Errorf(domain.KindValidation, op, "key and description: %w", domain.ErrRequired)
	}
	if utf8.RuneCountInString(in.Key) > MaxKeyLength {
		return domain.Errorf(domain.KindValidation, op, "key over %d characters: %w", MaxKeyLength, domain.ErrTooLong)
	}
	if !keyPattern.MatchString(in.Key) {
		return domain.Errorf(domain.KindValidation, op, "%q: %w", in.Key, domain.ErrInvalidKey)
	}
	if utf8.RuneCountInString(in.Description) > MaxDescriptionLength {
		return domain.Errorf(domain.KindValidation, op, "description over %d characters: %w", MaxDescriptionLength, domain.ErrTooLong)
	}
	return nil
}
