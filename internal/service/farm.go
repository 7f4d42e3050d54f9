package service

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

type allLandsRequest struct {
	HostGID int `json:"hostGid"`
}

type AllLandsReply struct {
	Lands []LandInfo `json:"lands"`
}

type landBatchRequest struct {
	LandIDs []int `json:"landIds"`
	HostGID int   `json:"hostGid,omitempty"`
	IsAll   bool  `json:"isAll,omitempty"`
}

type harvestReply struct {
	Items []Item `json:"items,omitempty"`
}

type fertilizeRequest struct {
	LandIDs      []int `json:"landIds"`
	FertilizerID int   `json:"fertilizerId"`
}

type plantRequest struct {
	// land id -> seed id, one land per request
	LandAndSeed map[int]int `json:"landAndSeed"`
}

type landIDRequest struct {
	LandID   int  `json:"landId"`
	DoShared bool `json:"doShared,omitempty"`
}

type shopInfoRequest struct {
	ShopID int `json:"shopId"`
}

type GoodsCond struct {
	Type  int `json:"type"`
	Param int `json:"param"`
}

const condMinLevel = 1

type ShopGoods struct {
	ID         int         `json:"id"`
	ItemID     int         `json:"itemId"`
	Price      int         `json:"price"`
	Unlocked   bool        `json:"unlocked"`
	LimitCount int         `json:"limitCount,omitempty"`
	BoughtNum  int         `json:"boughtNum,omitempty"`
	Conds      []GoodsCond `json:"conds,omitempty"`
}

type ShopInfoReply struct {
	GoodsList []ShopGoods `json:"goodsList"`
}

type buyGoodsRequest struct {
	GoodsID int `json:"goodsId"`
	Num     int `json:"num"`
	Price   int `json:"price"`
}

type BuyGoodsReply struct {
	Items []Item `json:"items,omitempty"`
}

const seedShopID = 2

// FarmService owns the player's own farm: land queries, care actions,
// planting and the seed shop.
type FarmService struct {
	caller Caller
}

func NewFarmService(caller Caller) *FarmService {
	return &FarmService{caller: caller}
}

func (s *FarmService) AllLands(ctx context.Context, hostGID int) (*AllLandsReply, error) {
	reply, err := callJSON[allLandsRequest, AllLandsReply](ctx, s.caller, plantService, "AllLands", allLandsRequest{HostGID: hostGID})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (s *FarmService) Harvest(ctx context.Context, landIDs []int, hostGID int) ([]Item, error) {
	reply, err := callJSON[landBatchRequest, harvestReply](ctx, s.caller, plantService, "Harvest",
		landBatchRequest{LandIDs: positiveIDs(landIDs), HostGID: hostGID, IsAll: true})
	if err != nil {
		return nil, err
	}
	return reply.Items, nil
}

func (s *FarmService) Water(ctx context.Context, landIDs []int, hostGID int) error {
	_, err := callJSON[landBatchRequest, struct{}](ctx, s.caller, plantService, "WaterLand",
		landBatchRequest{LandIDs: positiveIDs(landIDs), HostGID: hostGID})
	return err
}

func (s *FarmService) Weed(ctx context.Context, landIDs []int, hostGID int) error {
	_, err := callJSON[landBatchRequest, struct{}](ctx, s.caller, plantService, "WeedOut",
		landBatchRequest{LandIDs: positiveIDs(landIDs), HostGID: hostGID})
	return err
}

func (s *FarmService) Insecticide(ctx context.Context, landIDs []int, hostGID int) error {
	_, err := callJSON[landBatchRequest, struct{}](ctx, s.caller, plantService, "Insecticide",
		landBatchRequest{LandIDs: positiveIDs(landIDs), HostGID: hostGID})
	return err
}

// Fertilize feeds lands one request at a time, the server rejects batches.
// It stops at the first failure and returns how many lands were fed.
func (s *FarmService) Fertilize(ctx context.Context, landIDs []int, fertilizerID int) (int, error) {
	ok := 0
	targets := positiveIDs(landIDs)
	for _, landID := range targets {
		_, err := callJSON[fertilizeRequest, struct{}](ctx, s.caller, plantService, "Fertilize",
			fertilizeRequest{LandIDs: []int{landID}, FertilizerID: fertilizerID})
		if err != nil {
			return ok, err
		}
		ok++
		if len(targets) > 1 {
			pace(ctx, 50*time.Millisecond)
		}
	}
	return ok, nil
}

func (s *FarmService) RemovePlant(ctx context.Context, landIDs []int) error {
	_, err := callJSON[landBatchRequest, struct{}](ctx, s.caller, plantService, "RemovePlant",
		landBatchRequest{LandIDs: positiveIDs(landIDs)})
	return err
}

// Plant seeds lands one request at a time. Individual failures are skipped
// and the IDs of the lands that actually took a seed are returned, so
// follow-up steps never touch a land the game refused.
func (s *FarmService) Plant(ctx context.Context, seedID int, landIDs []int) []int {
	targets := positiveIDs(landIDs)
	planted := make([]int, 0, len(targets))
	for _, landID := range targets {
		_, err := callJSON[plantRequest, struct{}](ctx, s.caller, plantService, "Plant",
			plantRequest{LandAndSeed: map[int]int{landID: seedID}})
		if err != nil {
			log.Debug().Err(err).Int("landId", landID).Int("seedId", seedID).Msg("plant failed")
			continue
		}
		planted = append(planted, landID)
		if len(targets) > 1 {
			pace(ctx, 50*time.Millisecond)
		}
	}
	return planted
}

func (s *FarmService) UnlockLand(ctx context.Context, landID int) error {
	_, err := callJSON[landIDRequest, struct{}](ctx, s.caller, plantService, "UnlockLand",
		landIDRequest{LandID: landID})
	return err
}

func (s *FarmService) UpgradeLand(ctx context.Context, landID int) error {
	_, err := callJSON[landIDRequest, struct{}](ctx, s.caller, plantService, "UpgradeLand",
		landIDRequest{LandID: landID})
	return err
}

func (s *FarmService) ShopInfo(ctx context.Context, shopID int) (*ShopInfoReply, error) {
	reply, err := callJSON[shopInfoRequest, ShopInfoReply](ctx, s.caller, shopService, "ShopInfo",
		shopInfoRequest{ShopID: shopID})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (s *FarmService) BuyGoods(ctx context.Context, goodsID, num, price int) (*BuyGoodsReply, error) {
	reply, err := callJSON[buyGoodsRequest, BuyGoodsReply](ctx, s.caller, shopService, "BuyGoods",
		buyGoodsRequest{GoodsID: goodsID, Num: num, Price: price})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// LandStatus labels one land in a LandAnalysis detail row.
type LandStatus string

const (
	LandLocked      LandStatus = "locked"
	LandEmpty       LandStatus = "empty"
	LandGrowing     LandStatus = "growing"
	LandHarvestable LandStatus = "harvestable"
	LandDead        LandStatus = "dead"
)

type LandDetail struct {
	ID          int        `json:"id"`
	Unlocked    bool       `json:"unlocked"`
	Status      LandStatus `json:"status"`
	PlantID     int        `json:"plantId,omitempty"`
	Phase       int        `json:"phase,omitempty"`
	Level       int        `json:"level"`
	NeedWater   bool       `json:"needWater"`
	NeedWeed    bool       `json:"needWeed"`
	NeedInsect  bool       `json:"needInsect"`
	MatureInSec int64      `json:"matureInSec,omitempty"`
}

type LandAnalysis struct {
	Harvestable []int        `json:"harvestable"`
	Growing     []int        `json:"growing"`
	Empty       []int        `json:"empty"`
	Dead        []int        `json:"dead"`
	NeedWater   []int        `json:"needWater"`
	NeedWeed    []int        `json:"needWeed"`
	NeedInsect  []int        `json:"needInsect"`
	Unlockable  []int        `json:"unlockable"`
	Upgradable  []int        `json:"upgradable"`
	Details     []LandDetail `json:"details"`
}

// AnalyzeLands classifies every land at the given instant. Care flags fire on
// the plant's state counters or on the current phase's expired care timers,
// whichever comes first. A mature phase alone makes a land harvestable; the
// stealable flag only matters on other players' farms.
func AnalyzeLands(lands []LandInfo, now time.Time) LandAnalysis {
	nowSec := now.Unix()
	var a LandAnalysis

	for _, land := range lands {
		if !land.Unlocked {
			a.Details = append(a.Details, LandDetail{ID: land.ID, Status: LandLocked, Level: land.Level})
			if land.CouldUnlock {
				a.Unlockable = append(a.Unlockable, land.ID)
			}
			continue
		}

		if land.CouldUpgrade {
			a.Upgradable = append(a.Upgradable, land.ID)
		}

		if land.Plant == nil || len(land.Plant.Phases) == 0 {
			a.Details = append(a.Details, LandDetail{ID: land.ID, Unlocked: true, Status: LandEmpty, Level: land.Level})
			a.Empty = append(a.Empty, land.ID)
			continue
		}

		plant := land.Plant
		phase := currentPhase(plant.Phases, nowSec)

		needWater := plant.DryNum > 0 || timerExpired(phase.DryTime, nowSec)
		needWeed := len(plant.WeedOwners) > 0 || timerExpired(phase.WeedsTime, nowSec)
		needInsect := len(plant.InsectOwners) > 0 || timerExpired(phase.InsectTime, nowSec)
		if needWater {
			a.NeedWater = append(a.NeedWater, land.ID)
		}
		if needWeed {
			a.NeedWeed = append(a.NeedWeed, land.ID)
		}
		if needInsect {
			a.NeedInsect = append(a.NeedInsect, land.ID)
		}

		detail := LandDetail{
			ID: land.ID, Unlocked: true, PlantID: plant.ID, Phase: phase.Phase, Level: land.Level,
			NeedWater: needWater, NeedWeed: needWeed, NeedInsect: needInsect,
		}
		switch phase.Phase {
		case PhaseMature:
			detail.Status = LandHarvestable
			a.Harvestable = append(a.Harvestable, land.ID)
		case PhaseDead:
			detail.Status = LandDead
			a.Dead = append(a.Dead, land.ID)
		default:
			detail.Status = LandGrowing
			detail.MatureInSec = matureLeftSec(plant.Phases, nowSec)
			a.Growing = append(a.Growing, land.ID)
		}
		a.Details = append(a.Details, detail)
	}
	return a
}

// SeedOffer is one purchasable seed row from the shop.
type SeedOffer struct {
	SeedID        int  `json:"seedId"`
	GoodsID       int  `json:"goodsId"`
	Price         int  `json:"price"`
	RequiredLevel int  `json:"requiredLevel"`
	Locked        bool `json:"locked"`
	SoldOut       bool `json:"soldOut"`
}

// AvailableSeeds lists the seed shop sorted by required level then seed id.
func (s *FarmService) AvailableSeeds(ctx context.Context, currentLevel int) ([]SeedOffer, error) {
	shop, err := s.ShopInfo(ctx, seedShopID)
	if err != nil {
		return nil, err
	}
	rows := make([]SeedOffer, 0, len(shop.GoodsList))
	for _, goods := range shop.GoodsList {
		requiredLevel := 0
		for _, cond := range goods.Conds {
			if cond.Type == condMinLevel {
				requiredLevel = cond.Param
			}
		}
		rows = append(rows, SeedOffer{
			SeedID:        goods.ItemID,
			GoodsID:       goods.ID,
			Price:         goods.Price,
			RequiredLevel: requiredLevel,
			Locked:        !goods.Unlocked || currentLevel < requiredLevel,
			SoldOut:       goods.LimitCount > 0 && goods.BoughtNum >= goods.LimitCount,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RequiredLevel != rows[j].RequiredLevel {
			return rows[i].RequiredLevel < rows[j].RequiredLevel
		}
		return rows[i].SeedID < rows[j].SeedID
	})
	return rows, nil
}

// ChooseSeed picks a seed for auto-planting: the preferred seed when the
// strategy asks for it and the shop still offers it, otherwise the best
// affordable row for the strategy, falling back to the highest-level seed the
// account can buy. Returns nil when nothing is purchasable.
func (s *FarmService) ChooseSeed(ctx context.Context, currentLevel int, strategy string, preferredSeedID int) (*SeedOffer, error) {
	seeds, err := s.AvailableSeeds(ctx, currentLevel)
	if err != nil {
		return nil, err
	}
	available := make([]SeedOffer, 0, len(seeds))
	for _, row := range seeds {
		if !row.Locked && !row.SoldOut {
			available = append(available, row)
		}
	}
	if len(available) == 0 {
		return nil, nil
	}

	if strategy == "preferred" && preferredSeedID > 0 {
		for _, row := range available {
			if row.SeedID == preferredSeedID {
				offer := row
				return &offer, nil
			}
		}
	}

	sort.Slice(available, func(i, j int) bool {
		switch strategy {
		case "max_profit", "max_fert_profit":
			if available[i].Price != available[j].Price {
				return available[i].Price > available[j].Price
			}
		}
		if available[i].RequiredLevel != available[j].RequiredLevel {
			return available[i].RequiredLevel > available[j].RequiredLevel
		}
		return available[i].SeedID > available[j].SeedID
	})
	offer := available[0]
	return &offer, nil
}

func currentPhase(phases []PhaseInfo, nowSec int64) PhaseInfo {
	var candidate *PhaseInfo
	var candidateBegin int64 = -1
	for i := range phases {
		begin := normalizeSec(phases[i].BeginTime)
		if begin <= 0 {
			continue
		}
		if begin <= nowSec && begin >= candidateBegin {
			candidate = &phases[i]
			candidateBegin = begin
		}
	}
	if candidate != nil {
		return *candidate
	}
	return phases[0]
}

func matureLeftSec(phases []PhaseInfo, nowSec int64) int64 {
	var matureAt int64
	for _, phase := range phases {
		if phase.Phase != PhaseMature {
			continue
		}
		begin := normalizeSec(phase.BeginTime)
		if begin > 0 && (matureAt == 0 || begin < matureAt) {
			matureAt = begin
		}
	}
	if matureAt <= 0 {
		return 0
	}
	if left := matureAt - nowSec; left > 0 {
		return left
	}
	return 0
}

func timerExpired(at int64, nowSec int64) bool {
	ts := normalizeSec(at)
	return ts > 0 && ts <= nowSec
}

// pace sleeps between paced per-land requests without outliving ctx.
func pace(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
