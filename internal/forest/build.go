// Package forest rebuilds the line items of one structure into a forest and
// plans reorders against it. Nothing here performs I/O.
package forest

import (
	"sort"
	"strings"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

type Flag uint8

const (
	// FlagOrphan marks an item whose parent is not in the structure.
	FlagOrphan Flag = 1 << iota
	// FlagCycle marks an item that could only be reached by breaking a parent cycle.
	FlagCycle
)

func (f Flag) String() string {
	parts := make([]string, 0, 2)
	if f&FlagOrphan != 0 {
		parts = append(parts, "orphan")
	}
	if f&FlagCycle != 0 {
		parts = append(parts, "cycle")
	}
	return strings.Join(parts, ",")
}

type Node struct {
	Item     domain.LineItem
	Children []*Node
	Depth    int
	Flags    Flag
}

func (n *Node) Flagged() bool { return n.Flags != 0 }

// Anomaly is a data-integrity problem found while building. The item is
// still part of the forest, as a flagged root.
type Anomaly struct {
	ItemID   uint
	Key      string
	ParentID *uint
	Flag     Flag
}

type Forest struct {
	roots     []*Node
	byID      map[uint]*Node
	byKey     map[string]*Node
	parentOf  map[uint]*Node
	anomalies []Anomaly
}

// Build sorts items by rank and attaches every item under its parent.
// Children are ordered by ascending rank. The input slice is not modified.
func Build(items []domain.LineItem) *Forest {
	sorted := make([]domain.LineItem, 0, len(items))
	seen := make(map[uint]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		sorted = append(sorted, item)
	}
	sortItems(sorted)

	f := &Forest{
		byID:     make(map[uint]*Node, len(sorted)),
		byKey:    make(map[string]*Node, len(sorted)),
		parentOf: make(map[uint]*Node, len(sorted)),
	}
	nodes := make([]*Node, 0, len(sorted))
	for _, item := range sorted {
		n := &Node{Item: item}
		nodes = append(nodes, n)
		f.byID[item.ID] = n
		if _, taken := f.byKey[item.Key]; !taken {
			f.byKey[item.Key] = n
		}
	}

	children := make(map[uint][]*Node, len(nodes))
	for _, n := range nodes {
		parentID := n.Item.ParentID
		switch {
		case parentID == nil:
			f.roots = append(f.roots, n)
		case f.byID[*parentID] == nil:
			n.Flags |= FlagOrphan
			f.roots = append(f.roots, n)
			f.anomalies = append(f.anomalies, Anomaly{ItemID: n.Item.ID, Key: n.Item.Key, ParentID: domain.CloneParent(parentID), Flag: FlagOrphan})
		default:
			children[*parentID] = append(children[*parentID], n)
		}
	}

	visited := make(map[uint]bool, len(nodes))
	for _, root := range f.roots {
		f.attach(root, nil, 0, children, visited)
	}

	// Whatever is left sits on a parent cycle and is unreachable from a root.
	promoted := false
	for _, n := range nodes {
		if visited[n.Item.ID] {
			continue
		}
		n.Flags |= FlagCycle
		f.roots = append(f.roots, n)
		f.anomalies = append(f.anomalies, Anomaly{ItemID: n.Item.ID, Key: n.Item.Key, ParentID: domain.CloneParent(n.Item.ParentID), Flag: FlagCycle})
		f.attach(n, nil, 0, children, visited)
		promoted = true
	}
	if promoted {
		sort.SliceStable(f.roots, func(i, j int) bool { return lessItem(f.roots[i].Item, f.roots[j].Item) })
	}

	return f
}

func (f *Forest) attach(n, parent *Node, depth int, children map[uint][]*Node, visited map[uint]bool) {
	visited[n.Item.ID] = true
	n.Depth = depth
	if parent != nil {
		f.parentOf[n.Item.ID] = parent
	}
	for _, child := range children[n.Item.ID] {
		if visited[child.Item.ID] {
			continue
		}
		n.Children = append(n.Children, child)
		f.attach(child, n, depth+1, children, visited)
	}
}

func sortItems(items []domain.LineItem) {
	sort.SliceStable(items, func(i, j int) bool { return lessItem(items[i], items[j]) })
}

func lessItem(a, b domain.LineItem) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.ID < b.ID
}

func (f *Forest) Roots() []*Node { return f.roots }

func (f *Forest) Len() int { return len(f.byID) }

func (f *Forest) Anomalies() []Anomaly { return f.anomalies }

func (f *Forest) Node(id uint) (*Node, bool) {
	n, ok := f.byID[id]
	return n, ok
}

func (f *Forest) NodeByKey(key string) (*Node, bool) {
	n, ok := f.byKey[key]
	return n, ok
}

// Parent returns the node n is attached under. Roots, flagged ones included,
// have no parent.
func (f *Forest) Parent(id uint) (*Node, bool) {
	p, ok := f.parentOf[id]
	return p, ok
}

// Walk visits nodes in pre-order until fn returns false.
func (f *Forest) Walk(fn func(n *Node) bool) {
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		if !fn(n) {
			return false
		}
		for _, c := range n.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	for _, r := range f.roots {
		if !visit(r) {
			return
		}
	}
}

// Flatten returns every item in pre-order, exactly as stored.
func (f *Forest) Flatten() []domain.LineItem {
	out := make([]domain.LineItem, 0, len(f.byID))
	f.Walk(func(n *Node) bool {
		out = append(out, n.Item)
		return true
	})
	return out
}

// Subtree returns id and its descendants in pre-order.
func (f *Forest) Subtree(id uint) []domain.LineItem {
	n, ok := f.byID[id]
	if !ok {
		return nil
	}
	var out []domain.LineItem
	var visit func(n *Node)
	visit = func(n *Node) {
		out = append(out, n.Item)
		for _, c := range n.Children {
			visit(c)
		}
	}
	visit(n)
	return out
}

// IsDescendant reports whether id sits strictly below ancestorID.
func (f *Forest) IsDescendant(ancestorID, id uint) bool {
	for p, ok := f.parentOf[id]; ok; p, ok = f.parentOf[p.Item.ID] {
		if p.Item.ID == ancestorID {
			return true
		}
	}
	return false
}

// lastRank is the highest rank inside n's subtree.
func lastRank(n *Node) int {
	for len(n.Children) > 0 {
		n = n.Children[len(n.Children)-1]
	}
	return n.Item.Rank
}

func (f *Forest) maxRank() int {
	if len(f.roots) == 0 {
		return 0
	}
	max := 0
	for _, n := range f.byID {
		if n.Item.Rank > max {
			max = n.Item.Rank
		}
	}
	return max
}

// Items returns every item in rank order.
func (f *Forest) Items() []domain.LineItem {
	out := make([]domain.LineItem, 0, len(f.byID))
	for _, n := range f.byID {
		out = append(out, n.Item)
	}
	sortItems(out)
	return out
}
