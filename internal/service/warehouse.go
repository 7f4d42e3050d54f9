package service

import (
	"context"
	"sort"
	"time"
)

const sellBatchSize = 15

type bagReply struct {
	ItemBag *struct {
		Items []Item `json:"items"`
	} `json:"itemBag,omitempty"`
}

type sellRequest struct {
	Items []Item `json:"items"`
}

type sellReply struct {
	GetItems []Item `json:"getItems,omitempty"`
}

// SellReport aggregates one selling pass.
type SellReport struct {
	SoldKinds  int `json:"soldKinds"`
	GoldEarned int `json:"goldEarned"`
}

// WarehouseService reads the bag and liquidates harvested fruit.
type WarehouseService struct {
	caller Caller
}

func NewWarehouseService(caller Caller) *WarehouseService {
	return &WarehouseService{caller: caller}
}

// BagItems returns the bag merged by item id, largest stacks first.
func (s *WarehouseService) BagItems(ctx context.Context) ([]Item, error) {
	reply, err := callJSON[struct{}, bagReply](ctx, s.caller, itemService, "Bag", struct{}{})
	if err != nil {
		return nil, err
	}
	if reply.ItemBag == nil {
		return nil, nil
	}

	merged := make(map[int]*Item)
	order := make([]int, 0)
	for _, item := range reply.ItemBag.Items {
		if item.ID <= 0 || item.Count <= 0 {
			continue
		}
		row, ok := merged[item.ID]
		if !ok {
			copied := item
			merged[item.ID] = &copied
			order = append(order, item.ID)
			continue
		}
		row.Count += item.Count
	}

	items := make([]Item, 0, len(order))
	for _, id := range order {
		items = append(items, *merged[id])
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// SeedStock returns how many units of one seed the bag holds.
func (s *WarehouseService) SeedStock(ctx context.Context, seedID int) (int, error) {
	items, err := s.BagItems(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if item.ID == seedID {
			return item.Count, nil
		}
	}
	return 0, nil
}

func (s *WarehouseService) sellItems(ctx context.Context, items []Item) (int, error) {
	reply, err := callJSON[sellRequest, sellReply](ctx, s.caller, itemService, "Sell", sellRequest{Items: items})
	if err != nil {
		return 0, err
	}
	gold := 0
	for _, item := range reply.GetItems {
		if isGoldItem(item.ID) && item.Count > 0 {
			gold += item.Count
		}
	}
	return gold, nil
}

// SellFruits sells every fruit stack in batches, retrying a failed batch one
// item at a time so a single rejected stack cannot block the rest.
func (s *WarehouseService) SellFruits(ctx context.Context) (*SellReport, error) {
	reply, err := callJSON[struct{}, bagReply](ctx, s.caller, itemService, "Bag", struct{}{})
	if err != nil {
		return nil, err
	}
	var targets []Item
	if reply.ItemBag != nil {
		for _, item := range reply.ItemBag.Items {
			if item.Type == ItemTypeFruit && item.Count > 0 && item.UID > 0 {
				targets = append(targets, item)
			}
		}
	}
	report := &SellReport{}
	if len(targets) == 0 {
		return report, nil
	}

	for start := 0; start < len(targets); start += sellBatchSize {
		end := start + sellBatchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		gold, err := s.sellItems(ctx, batch)
		if err == nil {
			report.SoldKinds += len(batch)
			report.GoldEarned += gold
		} else {
			for _, row := range batch {
				gold, err := s.sellItems(ctx, []Item{row})
				if err != nil {
					continue
				}
				report.SoldKinds++
				report.GoldEarned += gold
				pace(ctx, 100*time.Millisecond)
			}
		}
		if end < len(targets) {
			pace(ctx, 300*time.Millisecond)
		}
	}
	return report, nil
}
