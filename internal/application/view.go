package application

import (
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/forest"
)

// TreeView is a read-only projection of a structure's forest.
type TreeView struct {
	StructureID uint          `json:"structure_id"`
	Count       int           `json:"count"`
	Roots       []TreeNode    `json:"roots"`
	Anomalies   []AnomalyView `json:"anomalies,omitempty"`
}

type TreeNode struct {
	ID          uint       `json:"id"`
	Key         string     `json:"key"`
	Description string     `json:"description"`
	ParentID    *uint      `json:"parent_id,omitempty"`
	Rank        int        `json:"rank"`
	Depth       int        `json:"depth"`
	IsLeaf      bool       `json:"is_leaf"`
	Display     bool       `json:"display"`
	Flags       string     `json:"flags,omitempty"`
	Children    []TreeNode `json:"children,omitempty"`
}

type AnomalyView struct {
	ItemID   uint   `json:"item_id"`
	Key      string `json:"key"`
	ParentID *uint  `json:"parent_id,omitempty"`
	Flag     string `json:"flag"`
}

// Walk visits nodes in pre-order.
func (v TreeView) Walk(fn func(n TreeNode)) {
	var visit func(n TreeNode)
	visit = func(n TreeNode) {
		fn(n)
		for _, c := range n.Children {
			visit(c)
		}
	}
	for _, r := range v.Roots {
		visit(r)
	}
}

func newTreeView(structureID uint, f *forest.Forest) TreeView {
	view := TreeView{StructureID: structureID, Roots: []TreeNode{}}
	if f == nil {
		return view
	}
	view.Count = f.Len()
	view.Anomalies = anomalyViews(f.Anomalies())
	for _, r := range f.Roots() {
		view.Roots = append(view.Roots, treeNode(r))
	}
	return view
}

func treeNode(n *forest.Node) TreeNode {
	out := TreeNode{
		ID:          n.Item.ID,
		Key:         n.Item.Key,
		Description: n.Item.Description,
		ParentID:    domain.CloneParent(n.Item.ParentID),
		Rank:        n.Item.Rank,
		Depth:       n.Depth,
		IsLeaf:      n.Item.IsLeaf,
		Display:     n.Item.Display,
		Flags:       n.Flags.String(),
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, treeNode(c))
	}
	return out
}

func anomalyViews(in []forest.Anomaly) []AnomalyView {
	if len(in) == 0 {
		return nil
	}
	out := make([]AnomalyView, 0, len(in))
	for _, a := range in {
		out = append(out, AnomalyView{ItemID: a.ItemID, Key: a.Key, ParentID: domain.CloneParent(a.ParentID), Flag: a.Flag.String()})
	}
	return out
}
