package forest

import (
	"fmt"
	"math"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

type MoveRequest struct {
	MovedID  uint
	AnchorID uint
	Intent   domain.DropIntent
}

// MovePlan lists the rows a move rewrites. Assignments only contains rows
// whose parent or rank actually changes.
type MovePlan struct {
	MovedID     uint
	Intent      domain.DropIntent
	NewParentID *uint
	Assignments []domain.Assignment
}

func (p MovePlan) Empty() bool { return len(p.Assignments) == 0 }

// Placements splits the plan into the positions before and after the move.
func (p MovePlan) Placements() (before, after []domain.Placement) {
	before = make([]domain.Placement, 0, len(p.Assignments))
	after = make([]domain.Placement, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		before = append(before, domain.Placement{ItemID: a.ItemID, ParentID: domain.CloneParent(a.PrevParentID), Rank: a.PrevRank})
		after = append(after, domain.Placement{ItemID: a.ItemID, ParentID: domain.CloneParent(a.ParentID), Rank: a.Rank})
	}
	return before, after
}

// Plan computes the assignments that move req.MovedID, with its subtree,
// before, after or inside req.AnchorID. Ranks of the resulting forest are
// renumbered densely from 1 in pre-order.
func Plan(f *Forest, req MoveRequest) (MovePlan, error) {
	const op = "plan move"

	if !req.Intent.Valid() {
		return MovePlan{}, domain.Errorf(domain.KindValidation, op, "%q: %w", req.Intent, domain.ErrInvalidIntent)
	}
	if req.MovedID == req.AnchorID {
		return MovePlan{}, domain.E(domain.KindValidation, op, domain.ErrSelfMove)
	}
	moved, ok := f.Node(req.MovedID)
	if !ok {
		return MovePlan{}, domain.Errorf(domain.KindValidation, op, "item %d: %w", req.MovedID, domain.ErrItemNotFound)
	}
	anchor, ok := f.Node(req.AnchorID)
	if !ok {
		return MovePlan{}, domain.Errorf(domain.KindValidation, op, "item %d: %w", req.AnchorID, domain.ErrAnchorNotFound)
	}
	if f.IsDescendant(moved.Item.ID, anchor.Item.ID) {
		return MovePlan{}, domain.Errorf(domain.KindValidation, op, "anchor %d under %d: %w", anchor.Item.ID, moved.Item.ID, domain.ErrCycle)
	}

	from := f.slot(moved.Item.ID)
	anchorSlot := f.slot(anchor.Item.ID)

	intent := req.Intent
	if intent != domain.DropInside && from == anchorSlot {
		if anchor.Item.Rank < moved.Item.Rank {
			intent = domain.DropBefore
		} else {
			intent = domain.DropAfter
		}
	}

	l := newLayout(f)
	fromIdx := l.detach(moved.Item.ID, from)

	var (
		to        uint
		idx       int
		newParent *uint
	)
	switch intent {
	case domain.DropInside:
		to = anchor.Item.ID
		newParent = domain.CloneParent(&anchor.Item.ID)
	default:
		to = anchorSlot
		idx = indexOf(l.kids[to], anchor.Item.ID)
		if intent == domain.DropAfter {
			idx++
		}
		if to != rootSlot {
			newParent = domain.CloneParent(&to)
		}
	}

	plan := MovePlan{MovedID: moved.Item.ID, Intent: intent, NewParentID: newParent}
	if to == from && idx == fromIdx && domain.SameParent(newParent, moved.Item.ParentID) {
		return plan, nil
	}

	l.insert(moved.Item.ID, to, idx, newParent)

	rank := 0
	for _, id := range l.preorder() {
		rank++
		item := f.byID[id].Item
		parent := l.parent[id]
		if rank == item.Rank && domain.SameParent(parent, item.ParentID) {
			continue
		}
		plan.Assignments = append(plan.Assignments, domain.Assignment{
			ItemID:       id,
			ParentID:     domain.CloneParent(parent),
			Rank:         rank,
			PrevParentID: domain.CloneParent(item.ParentID),
			PrevRank:     item.Rank,
		})
	}

	// A forest that already carries anomalies cannot pass validation; the
	// move is still allowed so the user can repair it.
	if len(f.anomalies) == 0 {
		if err := Validate(Apply(f.Items(), plan.Assignments)); err != nil {
			return MovePlan{}, domain.E(domain.KindInvariant, op, err)
		}
	}
	return plan, nil
}

// PlanInsert returns the rank for a new last child of parentID, or a new last
// root when parentID is nil. The rank may already be taken by the item that
// follows the parent's subtree; gateways shift ranks to make room.
func PlanInsert(f *Forest, parentID *uint) (int, error) {
	if parentID == nil {
		return f.maxRank() + 1, nil
	}
	p, ok := f.Node(*parentID)
	if !ok {
		return 0, domain.Errorf(domain.KindValidation, "plan insert", "item %d: %w", *parentID, domain.ErrParentNotFound)
	}
	return lastRank(p) + 1, nil
}

// PlanInsertAt returns the rank for putting an item back under parentID at
// the sibling slot its former rank hint implies. The hint itself is used when
// it is still free and still falls in that slot.
func PlanInsertAt(f *Forest, parentID *uint, hint int) (int, error) {
	var (
		sibs  []*Node
		lower = 0
		upper = math.MaxInt
	)
	if parentID == nil {
		sibs = f.roots
	} else {
		p, ok := f.Node(*parentID)
		if !ok {
			return 0, domain.Errorf(domain.KindValidation, "plan insert", "item %d: %w", *parentID, domain.ErrParentNotFound)
		}
		sibs = p.Children
		lower = p.Item.Rank
		upper = f.rankAfter(lastRank(p))
	}
	for _, s := range sibs {
		if s.Item.Rank > hint {
			upper = s.Item.Rank
			break
		}
		lower = lastRank(s)
	}
	if hint > lower && hint < upper && !f.rankTaken(hint) {
		return hint, nil
	}
	return lower + 1, nil
}

// PlanRestore puts rows back at previously captured placements. Rows that no
// longer exist are skipped, except itemID which must still be present. The
// restore is refused when it would leave the structure inconsistent.
func PlanRestore(f *Forest, itemID uint, placements []domain.Placement) ([]domain.Assignment, error) {
	const op = "plan restore"

	if len(placements) == 0 {
		return nil, domain.E(domain.KindUndoConflict, op, domain.ErrSnapshotMissing)
	}
	if _, ok := f.Node(itemID); !ok {
		return nil, domain.Errorf(domain.KindUndoConflict, op, "item %d: %w", itemID, domain.ErrItemNotFound)
	}

	want := make(map[uint]domain.Placement, len(placements))
	for _, p := range placements {
		if _, ok := f.Node(p.ItemID); !ok {
			continue
		}
		if p.ParentID != nil {
			if _, ok := f.Node(*p.ParentID); !ok {
				return nil, domain.Errorf(domain.KindUndoConflict, op, "former parent %d of item %d: %w", *p.ParentID, p.ItemID, domain.ErrParentNotFound)
			}
		}
		want[p.ItemID] = p
	}

	items := f.Items()
	var out []domain.Assignment
	for _, item := range items {
		p, ok := want[item.ID]
		if !ok || (p.Rank == item.Rank && domain.SameParent(p.ParentID, item.ParentID)) {
			continue
		}
		out = append(out, domain.Assignment{
			ItemID:       item.ID,
			ParentID:     domain.CloneParent(p.ParentID),
			Rank:         p.Rank,
			PrevParentID: domain.CloneParent(item.ParentID),
			PrevRank:     item.Rank,
		})
	}

	if err := Validate(Apply(items, out)); err != nil {
		return nil, domain.Errorf(domain.KindUndoConflict, op, "structure changed since: %w", err)
	}
	return out, nil
}

// Apply returns a copy of items with assignments written onto them.
func Apply(items []domain.LineItem, assignments []domain.Assignment) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	copy(out, items)
	idx := make(map[uint]int, len(out))
	for i := range out {
		idx[out[i].ID] = i
	}
	for _, a := range assignments {
		i, ok := idx[a.ItemID]
		if !ok {
			continue
		}
		out[i].ParentID = domain.CloneParent(a.ParentID)
		out[i].Rank = a.Rank
	}
	return out
}

// rootSlot names the root list in a layout. Stored ids start at 1.
const rootSlot uint = 0

// layout is a mutable copy of the forest shape used while planning.
type layout struct {
	kids   map[uint][]uint
	parent map[uint]*uint
}

func newLayout(f *Forest) *layout {
	l := &layout{
		kids:   make(map[uint][]uint, len(f.byID)),
		parent: make(map[uint]*uint, len(f.byID)),
	}
	for _, r := range f.roots {
		l.kids[rootSlot] = append(l.kids[rootSlot], r.Item.ID)
		// Flagged roots keep their stored parent; the planner never repairs
		// them unless they are the item being moved.
		l.parent[r.Item.ID] = domain.CloneParent(r.Item.ParentID)
	}
	f.Walk(func(n *Node) bool {
		for _, c := range n.Children {
			l.kids[n.Item.ID] = append(l.kids[n.Item.ID], c.Item.ID)
			l.parent[c.Item.ID] = domain.CloneParent(&n.Item.ID)
		}
		return true
	})
	return l
}

func (l *layout) detach(id, slot uint) int {
	sibs := l.kids[slot]
	i := indexOf(sibs, id)
	if i < 0 {
		panic(fmt.Sprintf("forest: item %d missing from slot %d", id, slot))
	}
	l.kids[slot] = append(sibs[:i:i], sibs[i+1:]...)
	return i
}

func (l *layout) insert(id, slot uint, idx int, parent *uint) {
	sibs := l.kids[slot]
	out := make([]uint, 0, len(sibs)+1)
	out = append(out, sibs[:idx]...)
	out = append(out, id)
	out = append(out, sibs[idx:]...)
	l.kids[slot] = out
	l.parent[id] = parent
}

func (l *layout) preorder() []uint {
	out := make([]uint, 0, len(l.parent))
	var visit func(id uint)
	visit = func(id uint) {
		out = append(out, id)
		for _, c := range l.kids[id] {
			visit(c)
		}
	}
	for _, r := range l.kids[rootSlot] {
		visit(r)
	}
	return out
}

func indexOf(ids []uint, id uint) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// slot is the sibling list id is attached to.
func (f *Forest) slot(id uint) uint {
	if p, ok := f.parentOf[id]; ok {
		return p.Item.ID
	}
	return rootSlot
}

func (f *Forest) rankTaken(rank int) bool {
	for _, n := range f.byID {
		if n.Item.Rank == rank {
			return true
		}
	}
	return false
}

// rankAfter is the smallest rank above r, or math.MaxInt.
func (f *Forest) rankAfter(r int) int {
	next := math.MaxInt
	for _, n := range f.byID {
		if n.Item.Rank > r && n.Item.Rank < next {
			next = n.Item.Rank
		}
	}
	return next
}
