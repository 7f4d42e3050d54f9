package runtime

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/model"
	"github.com/openfarm/farm-runtime-go/internal/service"
)

// Farm operation modes. "all" is what the scheduler runs; the rest are
// operator shortcuts for a single concern.
const (
	FarmModeAll     = "all"
	FarmModeHarvest = "harvest"
	FarmModeClear   = "clear"
	FarmModePlant   = "plant"
	FarmModeUpgrade = "upgrade"
)

func ValidFarmMode(mode string) bool {
	switch mode {
	case FarmModeAll, FarmModeHarvest, FarmModeClear, FarmModePlant, FarmModeUpgrade:
		return true
	}
	return false
}

// CycleStep is one unit of work inside a cycle. Err is set when the step
// failed; later steps still run.
type CycleStep struct {
	Step  string `json:"step"`
	Lands []int  `json:"lands,omitempty"`
	Count int    `json:"count"`
	Err   string `json:"error,omitempty"`
}

// CycleReport aggregates a full farm pass. A single failed step never hides
// what the rest of the cycle accomplished.
type CycleReport struct {
	Mode      string      `json:"mode"`
	Harvested int         `json:"harvested"`
	Planted   int         `json:"planted"`
	Steps     []CycleStep `json:"steps"`
}

func (rep *CycleReport) add(step string, lands []int, count int, err error) {
	s := CycleStep{Step: step, Lands: lands, Count: count}
	if err != nil {
		s.Err = err.Error()
	}
	rep.Steps = append(rep.Steps, s)
}

func (rep *CycleReport) failures() int {
	n := 0
	for _, s := range rep.Steps {
		if s.Err != "" {
			n++
		}
	}
	return n
}

// FarmOperation runs one pass over the account's own farm.
func (r *AccountRuntime) FarmOperation(ctx context.Context, mode string) (*CycleReport, error) {
	if !ValidFarmMode(mode) {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown farm mode: %q", mode)).
			WithHint("use one of all, harvest, clear, plant, upgrade")
	}

	var rep *CycleReport
	err := r.withLease(ctx, model.ActionFarm, func(ctx context.Context) error {
		r.mu.Lock()
		r.farmBusy = true
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			r.farmBusy = false
			r.mu.Unlock()
		}()

		var err error
		rep, err = r.farmCycle(ctx, mode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *AccountRuntime) farmCycle(ctx context.Context, mode string) (*CycleReport, error) {
	reply, err := r.farm.AllLands(ctx, 0)
	if err != nil {
		return nil, err
	}
	analysis := service.AnalyzeLands(reply.Lands, time.Now())
	settings := r.snapshotSettings()
	rep := &CycleReport{Mode: mode}

	if mode == FarmModeAll {
		r.careLands(ctx, rep, analysis)
	}

	var harvested []int
	if mode == FarmModeAll || mode == FarmModeHarvest {
		harvested = r.harvestLands(ctx, rep, analysis.Harvestable)
		rep.Harvested = len(harvested)
	}

	if mode == FarmModeAll || mode == FarmModeClear {
		removable := append(append([]int{}, analysis.Dead...), harvested...)
		if len(removable) > 0 {
			if err := r.farm.RemovePlant(ctx, removable); err != nil {
				rep.add("remove", removable, 0, err)
				removable = nil
			} else {
				rep.add("remove", removable, len(removable), nil)
			}
		}
		if mode == FarmModeAll {
			// cleared lands fall through to replanting below
			analysis.Empty = append(analysis.Empty, removable...)
		}
	}

	if mode == FarmModeAll || mode == FarmModePlant {
		rep.Planted = r.autoPlant(ctx, rep, analysis.Empty, settings)
	}

	if (mode == FarmModeAll && settings.Enabled(model.ActionLandUpgrade)) || mode == FarmModeUpgrade {
		r.upgradeLands(ctx, rep, analysis)
	}

	if mode == FarmModeAll && rep.Harvested > 0 && settings.Enabled(model.ActionSell) {
		if report, err := r.warehouse.SellFruits(ctx); err != nil {
			rep.add("sell", nil, 0, err)
		} else if report.SoldKinds > 0 {
			rep.add("sell", nil, report.SoldKinds, nil)
			r.addCounter("sellKinds", report.SoldKinds)
			r.addCounter("sellGold", report.GoldEarned)
		}
	}

	r.logEvent("farm", "cycle", fmt.Sprintf("farm cycle done: %d harvested, %d planted, %d failed steps",
		rep.Harvested, rep.Planted, rep.failures()), rep.failures() > 0, map[string]any{"mode": mode})
	return rep, nil
}

// careLands runs weeding, pest control and watering. Each batch fails on
// its own; a dry land still gets watered when weeding errored out.
func (r *AccountRuntime) careLands(ctx context.Context, rep *CycleReport, analysis service.LandAnalysis) {
	if len(analysis.NeedWeed) > 0 {
		err := r.farm.Weed(ctx, analysis.NeedWeed, 0)
		rep.add("weed", analysis.NeedWeed, len(analysis.NeedWeed), err)
		if err == nil {
			r.addCounter("weed", len(analysis.NeedWeed))
		}
	}
	if len(analysis.NeedInsect) > 0 {
		err := r.farm.Insecticide(ctx, analysis.NeedInsect, 0)
		rep.add("insecticide", analysis.NeedInsect, len(analysis.NeedInsect), err)
		if err == nil {
			r.addCounter("insecticide", len(analysis.NeedInsect))
		}
	}
	if len(analysis.NeedWater) > 0 {
		err := r.farm.Water(ctx, analysis.NeedWater, 0)
		rep.add("water", analysis.NeedWater, len(analysis.NeedWater), err)
		if err == nil {
			r.addCounter("water", len(analysis.NeedWater))
		}
	}
}

func (r *AccountRuntime) harvestLands(ctx context.Context, rep *CycleReport, targets []int) []int {
	if len(targets) == 0 {
		return nil
	}
	items, err := r.farm.Harvest(ctx, targets, 0)
	if err != nil {
		rep.add("harvest", targets, 0, err)
		return nil
	}
	rep.add("harvest", targets, len(targets), nil)
	r.addCounter("harvest", len(targets))
	r.applyItemDeltas(items)
	return targets
}

// autoPlant fills empty lands: pick a seed, top the stock up from the shop
// when gold allows, plant what we have and fertilize the fresh plants.
// Returns the number of lands planted.
func (r *AccountRuntime) autoPlant(ctx context.Context, rep *CycleReport, targets []int, settings model.AutomationSettings) int {
	if len(targets) == 0 {
		return 0
	}
	state := r.snapshotState()

	seed, err := r.farm.ChooseSeed(ctx, state.Level, string(settings.Strategy), settings.PreferredSeedID)
	if err != nil {
		rep.add("plant", targets, 0, err)
		return 0
	}
	if seed == nil {
		rep.add("plant", targets, 0, apperrors.Internal("no plantable seed in shop"))
		return 0
	}

	stock, err := r.warehouse.SeedStock(ctx, seed.SeedID)
	if err != nil {
		rep.add("plant", targets, 0, err)
		return 0
	}

	if missing := len(targets) - stock; missing > 0 {
		affordable := 0
		if seed.Price > 0 {
			affordable = state.Gold / seed.Price
		}
		buyNum := missing
		if buyNum > affordable {
			buyNum = affordable
		}
		bought := false
		if buyNum > 0 {
			if _, err := r.farm.BuyGoods(ctx, seed.GoodsID, buyNum, seed.Price); err != nil {
				rep.add("buy_seed", nil, 0, err)
			} else {
				rep.add("buy_seed", nil, buyNum, nil)
				stock += buyNum
				bought = true
			}
		}
		if !bought && stock < len(targets) {
			// plant what the bag holds
			targets = targets[:stock]
		}
	}
	if len(targets) == 0 {
		return 0
	}

	plantedLands := r.farm.Plant(ctx, seed.SeedID, targets)
	rep.add("plant", targets, len(plantedLands), nil)
	if len(plantedLands) == 0 {
		return 0
	}
	r.addCounter("plant", len(plantedLands))

	for _, fertID := range fertilizerIDs(settings.Fertilizer) {
		count, err := r.farm.Fertilize(ctx, plantedLands, fertID)
		rep.add("fertilize", plantedLands, count, err)
		r.addCounter("fertilize", count)
	}
	return len(plantedLands)
}

func fertilizerIDs(mode model.FertilizerMode) []int {
	switch mode {
	case model.FertilizerBoth:
		return []int{fertNormalID, fertOrganicID}
	case model.FertilizerNormal:
		return []int{fertNormalID}
	case model.FertilizerOrganic:
		return []int{fertOrganicID}
	}
	return nil
}

// upgradeLands unlocks what can be unlocked, then raises land levels. The
// gateway dislikes rapid-fire upgrades, hence the pacing.
func (r *AccountRuntime) upgradeLands(ctx context.Context, rep *CycleReport, analysis service.LandAnalysis) {
	const upgradePace = 200 * time.Millisecond

	for _, landID := range analysis.Unlockable {
		if ctx.Err() != nil {
			return
		}
		if err := r.farm.UnlockLand(ctx, landID); err != nil {
			rep.add("unlock", []int{landID}, 0, err)
			continue
		}
		rep.add("unlock", []int{landID}, 1, nil)
		r.addCounter("unlock", 1)
		sleepCtx(ctx, upgradePace)
	}
	for _, landID := range analysis.Upgradable {
		if ctx.Err() != nil {
			return
		}
		if err := r.farm.UpgradeLand(ctx, landID); err != nil {
			rep.add("upgrade", []int{landID}, 0, err)
			continue
		}
		rep.add("upgrade", []int{landID}, 1, nil)
		r.addCounter("upgrade", 1)
		sleepCtx(ctx, upgradePace)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// runFriendCycle walks the friend list and works each farm according to the
// enabled toggles. One sour friend never spoils the rest.
func (r *AccountRuntime) runFriendCycle(ctx context.Context) error {
	settings := r.snapshotSettings()
	steal := settings.Enabled(model.ActionFriendSteal)
	help := settings.Enabled(model.ActionFriendHelp)
	bad := settings.Enabled(model.ActionFriendBad)
	if !steal && !help && !bad {
		return nil
	}

	return r.withLease(ctx, model.ActionFriend, func(ctx context.Context) error {
		myGID := r.snapshotState().GID
		friends, err := r.friend.Friends(ctx, myGID)
		if err != nil {
			return err
		}

		for _, f := range friends {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if f.Plant == nil {
				continue
			}
			if steal && f.Plant.StealNum > 0 {
				r.friendOp(ctx, f, myGID, "steal")
			}
			if help {
				if f.Plant.DryNum > 0 {
					r.friendOp(ctx, f, myGID, "water")
				}
				if f.Plant.WeedNum > 0 {
					r.friendOp(ctx, f, myGID, "weed")
				}
				if f.Plant.InsectNum > 0 {
					r.friendOp(ctx, f, myGID, "bug")
				}
			}
			if bad {
				r.friendOp(ctx, f, myGID, "bad")
			}
		}
		return nil
	})
}

func (r *AccountRuntime) friendOp(ctx context.Context, f service.Friend, myGID int64, op string) {
	result := r.friend.DoOperation(ctx, f.GID, myGID, op)
	if !result.OK {
		r.logEvent("friend", "op_failed", fmt.Sprintf("%s on %s: %s", op, f.Name, result.Message), true,
			map[string]any{"friendGid": f.GID})
		return
	}
	switch op {
	case "steal":
		r.addCounter("steal", result.Count)
	case "water":
		r.addCounter("helpWater", result.Count)
	case "weed":
		r.addCounter("helpWeed", result.Count)
	case "bug":
		r.addCounter("helpInsect", result.Count)
	case "bad":
		r.addCounter("putWeed", result.WeedCount)
		r.addCounter("putBug", result.BugCount)
	}
	if result.Count > 0 || result.BugCount > 0 || result.WeedCount > 0 {
		r.logEvent("friend", "op", fmt.Sprintf("%s on %s: %s", op, f.Name, result.Message), false,
			map[string]any{"friendGid": f.GID})
	}
}

// operator-facing views and actions

func (r *AccountRuntime) Lands(ctx context.Context) (*service.LandAnalysis, error) {
	var analysis service.LandAnalysis
	err := r.withLease(ctx, model.ActionStatus, func(ctx context.Context) error {
		reply, err := r.farm.AllLands(ctx, 0)
		if err != nil {
			return err
		}
		analysis = service.AnalyzeLands(reply.Lands, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (r *AccountRuntime) Friends(ctx context.Context) ([]service.Friend, error) {
	var friends []service.Friend
	err := r.withLease(ctx, model.ActionStatus, func(ctx context.Context) error {
		var err error
		friends, err = r.friend.Friends(ctx, r.snapshotState().GID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return friends, nil
}

func (r *AccountRuntime) FriendLands(ctx context.Context, friendGID int64) (*service.FriendAnalysis, error) {
	if friendGID <= 0 {
		return nil, apperrors.ValidationError("friend gid must be positive")
	}
	var analysis service.FriendAnalysis
	err := r.withLease(ctx, model.ActionStatus, func(ctx context.Context) error {
		lands, err := r.friend.FarmSnapshot(ctx, friendGID)
		if err != nil {
			return err
		}
		analysis = service.AnalyzeFriendLands(lands, r.snapshotState().GID, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (r *AccountRuntime) FriendOperation(ctx context.Context, friendGID int64, op string) (*service.FriendOpResult, error) {
	switch op {
	case "steal", "water", "weed", "bug", "bad":
	default:
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown friend op: %q", op)).
			WithHint("use one of steal, water, weed, bug, bad")
	}
	var class model.ActionClass
	switch op {
	case "steal":
		class = model.ActionFriendSteal
	case "bad":
		class = model.ActionFriendBad
	default:
		class = model.ActionFriendHelp
	}

	var result service.FriendOpResult
	err := r.withLease(ctx, class, func(ctx context.Context) error {
		result = r.friend.DoOperation(ctx, friendGID, r.snapshotState().GID, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *AccountRuntime) Seeds(ctx context.Context) ([]service.SeedOffer, error) {
	var seeds []service.SeedOffer
	err := r.withLease(ctx, model.ActionStatus, func(ctx context.Context) error {
		var err error
		seeds, err = r.farm.AvailableSeeds(ctx, r.snapshotState().Level)
		return err
	})
	if err != nil {
		return nil, err
	}
	return seeds, nil
}

func (r *AccountRuntime) Bag(ctx context.Context) ([]service.Item, error) {
	var items []service.Item
	err := r.withLease(ctx, model.ActionStatus, func(ctx context.Context) error {
		var err error
		items, err = r.warehouse.BagItems(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *AccountRuntime) Sell(ctx context.Context) (*service.SellReport, error) {
	var report *service.SellReport
	err := r.withLease(ctx, model.ActionSell, func(ctx context.Context) error {
		var err error
		report, err = r.warehouse.SellFruits(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if report.SoldKinds > 0 {
		r.addCounter("sellKinds", report.SoldKinds)
		r.addCounter("sellGold", report.GoldEarned)
		r.logEvent("sell", "sold", fmt.Sprintf("sold %d kinds for %d gold", report.SoldKinds, report.GoldEarned), false, nil)
	}
	return report, nil
}

func (r *AccountRuntime) ClaimTasks(ctx context.Context) (*service.TaskClaimReport, error) {
	var report *service.TaskClaimReport
	err := r.withLease(ctx, model.ActionTask, func(ctx context.Context) error {
		var err error
		report, err = r.task.ClaimAll(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.addCounter("taskClaim", report.TasksClaimed)
	r.addCounter("activeClaim", report.ActivesClaimed)
	if report.TasksClaimed > 0 || report.ActivesClaimed > 0 {
		r.applyItemDeltas(report.Items)
		r.logEvent("task", "claimed", fmt.Sprintf("claimed %d tasks, %d actives", report.TasksClaimed, report.ActivesClaimed), false, nil)
	}
	return report, nil
}
