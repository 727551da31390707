package forest

import (
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

// Validate checks that items form a well-formed structure: every parent
// exists, parent chains end at a root, ranks and keys are unique and ranks
// follow pre-order.
func Validate(items []domain.LineItem) error {
	const op = "validate"

	byID := make(map[uint]domain.LineItem, len(items))
	ranks := make(map[int]uint, len(items))
	keys := make(map[string]uint, len(items))
	for _, item := range items {
		if _, dup := byID[item.ID]; dup {
			return domain.Errorf(domain.KindInvariant, op, "item %d appears twice", item.ID)
		}
		byID[item.ID] = item
		if other, dup := ranks[item.Rank]; dup {
			return domain.Errorf(domain.KindInvariant, op, "rank %d used by items %d and %d", item.Rank, other, item.ID)
		}
		ranks[item.Rank] = item.ID
		if other, dup := keys[item.Key]; dup {
			return domain.Errorf(domain.KindInvariant, op, "key %q used by items %d and %d", item.Key, other, item.ID)
		}
		keys[item.Key] = item.ID
	}

	for _, item := range items {
		if item.ParentID == nil {
			continue
		}
		if _, ok := byID[*item.ParentID]; !ok {
			return domain.Errorf(domain.KindInvariant, op, "item %d references missing parent %d", item.ID, *item.ParentID)
		}
		steps := 0
		for cur := item; cur.ParentID != nil; cur = byID[*cur.ParentID] {
			if steps++; steps > len(items) {
				return domain.Errorf(domain.KindInvariant, op, "parent chain of item %d does not reach a root", item.ID)
			}
		}
	}

	prev, first := 0, true
	var bad *domain.LineItem
	Build(items).Walk(func(n *Node) bool {
		if !first && n.Item.Rank <= prev {
			item := n.Item
			bad = &item
			return false
		}
		prev, first = n.Item.Rank, false
		return true
	})
	if bad != nil {
		return domain.Errorf(domain.KindInvariant, op, "item %d at rank %d breaks pre-order", bad.ID, bad.Rank)
	}
	return nil
}
