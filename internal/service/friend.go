package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Friend-farm operation ids as the server counts daily limits.
const (
	OpHelpWeed   = 10005
	OpHelpInsect = 10006
	OpHelpWater  = 10007
	OpSteal      = 10008
)

type FriendPlantCounters struct {
	StealNum  int `json:"stealNum"`
	DryNum    int `json:"dryNum"`
	WeedNum   int `json:"weedNum"`
	InsectNum int `json:"insectNum"`
}

type Friend struct {
	GID    int64                `json:"gid"`
	Name   string               `json:"name"`
	Remark string               `json:"remark,omitempty"`
	Plant  *FriendPlantCounters `json:"plant,omitempty"`
}

type getAllFriendsReply struct {
	GameFriends []Friend `json:"gameFriends"`
}

type FriendApplication struct {
	GID  int64  `json:"gid"`
	Name string `json:"name"`
}

type getApplicationsReply struct {
	Applications []FriendApplication `json:"applications"`
}

type acceptFriendsRequest struct {
	FriendGIDs []int64 `json:"friendGids"`
}

type enterRequest struct {
	HostGID int64 `json:"hostGid"`
	Reason  int   `json:"reason"`
}

const enterReasonFriend = 1

type enterReply struct {
	Lands []LandInfo `json:"lands"`
}

type leaveRequest struct {
	HostGID int64 `json:"hostGid"`
}

type friendLandRequest struct {
	LandIDs []int `json:"landIds"`
	HostGID int64 `json:"hostGid"`
	IsAll   bool  `json:"isAll,omitempty"`
}

type OperationLimit struct {
	ID         int `json:"id"`
	DayTimes   int `json:"dayTimes"`
	DayTimesLt int `json:"dayTimesLt"`
	ExpTimes   int `json:"dayExpTimes"`
	ExpTimesLt int `json:"dayExpTimesLt"`
}

type friendOpReply struct {
	Items           []Item           `json:"items,omitempty"`
	OperationLimits []OperationLimit `json:"operationLimits,omitempty"`
}

type checkCanOperateRequest struct {
	HostGID     int64 `json:"hostGid"`
	OperationID int   `json:"operationId"`
}

type checkCanOperateReply struct {
	CanOperate  bool `json:"canOperate"`
	CanStealNum int  `json:"canStealNum"`
}

// FriendAnalysis classifies a friend's lands from the visitor's perspective.
type FriendAnalysis struct {
	Stealable  []int `json:"stealable"`
	NeedWater  []int `json:"needWater"`
	NeedWeed   []int `json:"needWeed"`
	NeedInsect []int `json:"needInsect"`
	CanPutWeed []int `json:"canPutWeed"`
	CanPutBug  []int `json:"canPutBug"`
}

// FriendOpResult reports one friend-farm operation.
type FriendOpResult struct {
	OK        bool   `json:"ok"`
	Op        string `json:"opType"`
	Count     int    `json:"count"`
	BugCount  int    `json:"bugCount,omitempty"`
	WeedCount int    `json:"weedCount,omitempty"`
	Message   string `json:"message"`
}

// FriendService covers the social surface: the friend list, visiting friend
// farms, helping, stealing and sabotage, plus the server's daily operation
// limits tracked from reply piggybacks.
type FriendService struct {
	caller Caller

	mu           sync.Mutex
	limits       map[int]OperationLimit
	lastResetDay string
}

func NewFriendService(caller Caller) *FriendService {
	return &FriendService{caller: caller, limits: make(map[int]OperationLimit)}
}

func (s *FriendService) Friends(ctx context.Context, myGID int64) ([]Friend, error) {
	reply, err := callJSON[struct{}, getAllFriendsReply](ctx, s.caller, friendService, "GetAll", struct{}{})
	if err != nil {
		return nil, err
	}
	rows := make([]Friend, 0, len(reply.GameFriends))
	for _, friend := range reply.GameFriends {
		if friend.GID <= 0 || friend.GID == myGID {
			continue
		}
		if friend.Remark != "" {
			friend.Name = friend.Remark
		}
		if friend.Name == "" {
			friend.Name = fmt.Sprintf("GID:%d", friend.GID)
		}
		rows = append(rows, friend)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].GID < rows[j].GID
	})
	return rows, nil
}

func (s *FriendService) Applications(ctx context.Context) ([]FriendApplication, error) {
	reply, err := callJSON[struct{}, getApplicationsReply](ctx, s.caller, friendService, "GetApplications", struct{}{})
	if err != nil {
		return nil, err
	}
	return reply.Applications, nil
}

func (s *FriendService) AcceptFriends(ctx context.Context, gids []int64) error {
	valid := make([]int64, 0, len(gids))
	for _, gid := range gids {
		if gid > 0 {
			valid = append(valid, gid)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	_, err := callJSON[acceptFriendsRequest, struct{}](ctx, s.caller, friendService, "AcceptFriends",
		acceptFriendsRequest{FriendGIDs: valid})
	return err
}

func (s *FriendService) enterFarm(ctx context.Context, friendGID int64) ([]LandInfo, error) {
	reply, err := callJSON[enterRequest, enterReply](ctx, s.caller, visitService, "Enter",
		enterRequest{HostGID: friendGID, Reason: enterReasonFriend})
	if err != nil {
		return nil, err
	}
	return reply.Lands, nil
}

// FarmSnapshot visits a friend's farm just long enough to read its lands.
func (s *FriendService) FarmSnapshot(ctx context.Context, friendGID int64) ([]LandInfo, error) {
	lands, err := s.enterFarm(ctx, friendGID)
	if err != nil {
		return nil, err
	}
	s.leaveFarm(ctx, friendGID)
	return lands, nil
}

func (s *FriendService) leaveFarm(ctx context.Context, friendGID int64) {
	// best effort, the server forgets visitors on its own
	_, err := callJSON[leaveRequest, struct{}](ctx, s.caller, visitService, "Leave", leaveRequest{HostGID: friendGID})
	if err != nil {
		log.Debug().Err(err).Int64("friendGid", friendGID).Msg("leave friend farm failed")
	}
}

func (s *FriendService) helpOp(ctx context.Context, method string, friendGID int64, landIDs []int) error {
	reply, err := callJSON[friendLandRequest, friendOpReply](ctx, s.caller, plantService, method,
		friendLandRequest{LandIDs: positiveIDs(landIDs), HostGID: friendGID, IsAll: method == "Harvest"})
	if err != nil {
		return err
	}
	s.updateLimits(reply.OperationLimits)
	return nil
}

func (s *FriendService) HelpWater(ctx context.Context, friendGID int64, landIDs []int) error {
	return s.helpOp(ctx, "WaterLand", friendGID, landIDs)
}

func (s *FriendService) HelpWeed(ctx context.Context, friendGID int64, landIDs []int) error {
	return s.helpOp(ctx, "WeedOut", friendGID, landIDs)
}

func (s *FriendService) HelpInsecticide(ctx context.Context, friendGID int64, landIDs []int) error {
	return s.helpOp(ctx, "Insecticide", friendGID, landIDs)
}

func (s *FriendService) StealHarvest(ctx context.Context, friendGID int64, landIDs []int) error {
	return s.helpOp(ctx, "Harvest", friendGID, landIDs)
}

func (s *FriendService) putOp(ctx context.Context, method string, friendGID int64, landIDs []int) int {
	ok := 0
	for _, landID := range positiveIDs(landIDs) {
		reply, err := callJSON[friendLandRequest, friendOpReply](ctx, s.caller, plantService, method,
			friendLandRequest{LandIDs: []int{landID}, HostGID: friendGID})
		if err != nil {
			continue
		}
		s.updateLimits(reply.OperationLimits)
		ok++
		pace(ctx, 100*time.Millisecond)
	}
	return ok
}

func (s *FriendService) PutWeeds(ctx context.Context, friendGID int64, landIDs []int) int {
	return s.putOp(ctx, "PutWeeds", friendGID, landIDs)
}

func (s *FriendService) PutInsects(ctx context.Context, friendGID int64, landIDs []int) int {
	return s.putOp(ctx, "PutInsects", friendGID, landIDs)
}

// CheckCanOperate asks the server whether a daily-limited operation still has
// budget. Fails open: a broken check must not stall the friend cycle.
func (s *FriendService) CheckCanOperate(ctx context.Context, friendGID int64, operationID int) (bool, int) {
	reply, err := callJSON[checkCanOperateRequest, checkCanOperateReply](ctx, s.caller, plantService, "CheckCanOperate",
		checkCanOperateRequest{HostGID: friendGID, OperationID: operationID})
	if err != nil {
		return true, 0
	}
	return reply.CanOperate, reply.CanStealNum
}

// AnalyzeFriendLands classifies a friend's lands. Unlike the own farm,
// stealing requires the stealable flag, and sabotage targets skip lands the
// visitor already hit or that carry two placements.
func AnalyzeFriendLands(lands []LandInfo, myGID int64, now time.Time) FriendAnalysis {
	nowSec := now.Unix()
	var a FriendAnalysis
	for _, land := range lands {
		if land.Plant == nil || len(land.Plant.Phases) == 0 {
			continue
		}
		plant := land.Plant
		phase := currentPhase(plant.Phases, nowSec)

		if phase.Phase == PhaseMature {
			if plant.Stealable {
				a.Stealable = append(a.Stealable, land.ID)
			}
			continue
		}
		if phase.Phase == PhaseDead {
			continue
		}

		if plant.DryNum > 0 {
			a.NeedWater = append(a.NeedWater, land.ID)
		}
		if len(plant.WeedOwners) > 0 {
			a.NeedWeed = append(a.NeedWeed, land.ID)
		}
		if len(plant.InsectOwners) > 0 {
			a.NeedInsect = append(a.NeedInsect, land.ID)
		}

		iPutWeed, iPutBug := false, false
		for _, owner := range plant.WeedOwners {
			if owner == myGID {
				iPutWeed = true
			}
		}
		for _, owner := range plant.InsectOwners {
			if owner == myGID {
				iPutBug = true
			}
		}
		if len(plant.WeedOwners) < 2 && !iPutWeed {
			a.CanPutWeed = append(a.CanPutWeed, land.ID)
		}
		if len(plant.InsectOwners) < 2 && !iPutBug {
			a.CanPutBug = append(a.CanPutBug, land.ID)
		}
	}
	return a
}

// DoOperation visits a friend's farm, performs one operation type and leaves.
// The batch call falls back to per-land calls so one bad land cannot void the
// whole visit.
func (s *FriendService) DoOperation(ctx context.Context, friendGID, myGID int64, op string) FriendOpResult {
	if friendGID <= 0 {
		return FriendOpResult{OK: false, Op: op, Message: "invalid friend gid"}
	}
	lands, err := s.enterFarm(ctx, friendGID)
	if err != nil {
		return FriendOpResult{OK: false, Op: op, Message: "enter friend farm failed: " + err.Error()}
	}
	defer s.leaveFarm(ctx, friendGID)

	analyzed := AnalyzeFriendLands(lands, myGID, time.Now())

	switch op {
	case "steal":
		targets := analyzed.Stealable
		if len(targets) == 0 {
			return FriendOpResult{OK: true, Op: op, Message: "no stealable lands"}
		}
		canOperate, canNum := s.CheckCanOperate(ctx, friendGID, OpSteal)
		if !canOperate {
			return FriendOpResult{OK: true, Op: op, Message: "daily steal limit reached"}
		}
		if canNum > 0 && len(targets) > canNum {
			targets = targets[:canNum]
		}
		count := s.batchWithFallback(ctx, targets, func(ids []int) error {
			return s.StealHarvest(ctx, friendGID, ids)
		})
		return FriendOpResult{OK: true, Op: op, Count: count, Message: fmt.Sprintf("stole %d lands", count)}

	case "water", "weed", "bug":
		var targets []int
		var opID int
		var do func([]int) error
		switch op {
		case "water":
			targets, opID = analyzed.NeedWater, OpHelpWater
			do = func(ids []int) error { return s.HelpWater(ctx, friendGID, ids) }
		case "weed":
			targets, opID = analyzed.NeedWeed, OpHelpWeed
			do = func(ids []int) error { return s.HelpWeed(ctx, friendGID, ids) }
		default:
			targets, opID = analyzed.NeedInsect, OpHelpInsect
			do = func(ids []int) error { return s.HelpInsecticide(ctx, friendGID, ids) }
		}
		if len(targets) == 0 {
			return FriendOpResult{OK: true, Op: op, Message: "nothing to help with"}
		}
		if canOperate, _ := s.CheckCanOperate(ctx, friendGID, opID); !canOperate {
			return FriendOpResult{OK: true, Op: op, Message: "daily help limit reached"}
		}
		count := s.batchWithFallback(ctx, targets, do)
		return FriendOpResult{OK: true, Op: op, Count: count, Message: fmt.Sprintf("helped %d lands", count)}

	case "bad":
		bugCount, weedCount := 0, 0
		if len(analyzed.CanPutBug) > 0 {
			bugCount = s.PutInsects(ctx, friendGID, analyzed.CanPutBug)
		}
		if len(analyzed.CanPutWeed) > 0 {
			weedCount = s.PutWeeds(ctx, friendGID, analyzed.CanPutWeed)
		}
		total := bugCount + weedCount
		if total == 0 {
			return FriendOpResult{OK: true, Op: op, Message: "no sabotage targets or limit reached"}
		}
		return FriendOpResult{
			OK: true, Op: op, Count: total, BugCount: bugCount, WeedCount: weedCount,
			Message: fmt.Sprintf("sabotaged %d lands (bugs %d, weeds %d)", total, bugCount, weedCount),
		}
	}
	return FriendOpResult{OK: false, Op: op, Message: "unknown operation type"}
}

func (s *FriendService) batchWithFallback(ctx context.Context, landIDs []int, do func([]int) error) int {
	targets := positiveIDs(landIDs)
	if len(targets) == 0 {
		return 0
	}
	if err := do(targets); err == nil {
		return len(targets)
	}
	ok := 0
	for _, landID := range targets {
		if err := do([]int{landID}); err != nil {
			continue
		}
		ok++
		pace(ctx, 100*time.Millisecond)
	}
	return ok
}

func (s *FriendService) updateLimits(limits []OperationLimit) {
	if len(limits) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkDailyReset()
	for _, limit := range limits {
		if limit.ID <= 0 {
			continue
		}
		s.limits[limit.ID] = limit
	}
}

// OperationLimits returns the tracked daily limits keyed by operation id.
func (s *FriendService) OperationLimits() map[int]OperationLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkDailyReset()
	out := make(map[int]OperationLimit, len(s.limits))
	for id, limit := range s.limits {
		out[id] = limit
	}
	return out
}

// ResetDailyLimits drops the tracked limits, invoked by the daily
// maintenance job and on the server's own day rollover.
func (s *FriendService) ResetDailyLimits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = make(map[int]OperationLimit)
	s.lastResetDay = time.Now().Format("2006-01-02")
}

func (s *FriendService) checkDailyReset() {
	day := time.Now().Format("2006-01-02")
	if day != s.lastResetDay {
		s.limits = make(map[int]OperationLimit)
		s.lastResetDay = day
	}
}
