package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
)

func TestAnalyzeFriendLandsStealNeedsStealableFlag(t *testing.T) {
	now := time.Now()
	nowSec := now.Unix()
	lands := []LandInfo{
		{ID: 1, Unlocked: true, Plant: &PlantInfo{
			ID: 11, Stealable: true,
			Phases: []PhaseInfo{{Phase: PhaseMature, BeginTime: nowSec - 10}},
		}},
		// mature but already stolen out, must not be a steal target
		{ID: 2, Unlocked: true, Plant: &PlantInfo{
			ID: 12, Stealable: false,
			Phases: []PhaseInfo{{Phase: PhaseMature, BeginTime: nowSec - 10}},
		}},
	}

	a := AnalyzeFriendLands(lands, 900, now)
	assert.Equal(t, []int{1}, a.Stealable)
}

func TestAnalyzeFriendLandsSabotageTargets(t *testing.T) {
	now := time.Now()
	nowSec := now.Unix()
	const myGID = 900
	lands := []LandInfo{
		// clean land, both placements open
		{ID: 1, Unlocked: true, Plant: &PlantInfo{
			ID: 11, Phases: []PhaseInfo{{Phase: PhaseBigLeaf, BeginTime: nowSec - 10}},
		}},
		// I already put a weed here
		{ID: 2, Unlocked: true, Plant: &PlantInfo{
			ID: 12, WeedOwners: []int64{myGID},
			Phases: []PhaseInfo{{Phase: PhaseBigLeaf, BeginTime: nowSec - 10}},
		}},
		// two insect placements, slot is full
		{ID: 3, Unlocked: true, Plant: &PlantInfo{
			ID: 13, InsectOwners: []int64{1, 2},
			Phases: []PhaseInfo{{Phase: PhaseBigLeaf, BeginTime: nowSec - 10}},
		}},
	}

	a := AnalyzeFriendLands(lands, myGID, now)
	assert.Equal(t, []int{1, 3}, a.CanPutWeed)
	assert.Equal(t, []int{1, 2}, a.CanPutBug)
	assert.Equal(t, []int{2}, a.NeedWeed)
	assert.Equal(t, []int{3}, a.NeedInsect)
}

func friendFarmCaller(t *testing.T, lands []LandInfo) *fakeCaller {
	t.Helper()
	caller := newFakeCaller()
	caller.on(visitService, "Enter", func(body []byte) (any, error) {
		var req enterRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.EqualValues(t, 500, req.HostGID)
		return enterReply{Lands: lands}, nil
	})
	caller.on(visitService, "Leave", func([]byte) (any, error) {
		return struct{}{}, nil
	})
	return caller
}

func TestDoOperationStealRespectsDailyBudget(t *testing.T) {
	now := time.Now().Unix()
	lands := []LandInfo{
		{ID: 1, Unlocked: true, Plant: &PlantInfo{ID: 11, Stealable: true, Phases: []PhaseInfo{{Phase: PhaseMature, BeginTime: now - 5}}}},
		{ID: 2, Unlocked: true, Plant: &PlantInfo{ID: 12, Stealable: true, Phases: []PhaseInfo{{Phase: PhaseMature, BeginTime: now - 5}}}},
		{ID: 3, Unlocked: true, Plant: &PlantInfo{ID: 13, Stealable: true, Phases: []PhaseInfo{{Phase: PhaseMature, BeginTime: now - 5}}}},
	}
	caller := friendFarmCaller(t, lands)
	caller.on(plantService, "CheckCanOperate", func([]byte) (any, error) {
		return checkCanOperateReply{CanOperate: true, CanStealNum: 2}, nil
	})
	var stolen []int
	caller.on(plantService, "Harvest", func(body []byte) (any, error) {
		var req friendLandRequest
		require.NoError(t, json.Unmarshal(body, &req))
		stolen = append(stolen, req.LandIDs...)
		return friendOpReply{OperationLimits: []OperationLimit{{ID: OpSteal, DayTimes: 5, DayTimesLt: 50}}}, nil
	})

	friends := NewFriendService(caller)
	result := friends.DoOperation(context.Background(), 500, 900, "steal")

	assert.True(t, result.OK)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, []int{1, 2}, stolen)

	limits := friends.OperationLimits()
	require.Contains(t, limits, OpSteal)
	assert.Equal(t, 5, limits[OpSteal].DayTimes)
}

func TestDoOperationBatchFallsBackToSingles(t *testing.T) {
	now := time.Now().Unix()
	lands := []LandInfo{
		{ID: 1, Unlocked: true, Plant: &PlantInfo{ID: 11, DryNum: 1, Phases: []PhaseInfo{{Phase: PhaseBigLeaf, BeginTime: now - 5}}}},
		{ID: 2, Unlocked: true, Plant: &PlantInfo{ID: 12, DryNum: 2, Phases: []PhaseInfo{{Phase: PhaseBigLeaf, BeginTime: now - 5}}}},
	}
	caller := friendFarmCaller(t, lands)
	caller.on(plantService, "CheckCanOperate", func([]byte) (any, error) {
		return checkCanOperateReply{CanOperate: true}, nil
	})
	caller.on(plantService, "WaterLand", func(body []byte) (any, error) {
		var req friendLandRequest
		require.NoError(t, json.Unmarshal(body, &req))
		if len(req.LandIDs) > 1 {
			return nil, apperrors.CallFailed("WaterLand", 1003, "batch rejected")
		}
		if req.LandIDs[0] == 2 {
			return nil, apperrors.CallFailed("WaterLand", 1004, "land gone")
		}
		return friendOpReply{}, nil
	})

	friends := NewFriendService(caller)
	result := friends.DoOperation(context.Background(), 500, 900, "water")

	assert.True(t, result.OK)
	assert.Equal(t, 1, result.Count)
}

func TestDoOperationLeavesFarmEvenOnUnknownOp(t *testing.T) {
	caller := friendFarmCaller(t, nil)
	friends := NewFriendService(caller)

	result := friends.DoOperation(context.Background(), 500, 900, "paint")

	assert.False(t, result.OK)
	assert.Contains(t, caller.calls, visitService+"/Leave")
}

func TestFriendsFiltersAndSorts(t *testing.T) {
	caller := newFakeCaller()
	caller.on(friendService, "GetAll", func([]byte) (any, error) {
		return getAllFriendsReply{GameFriends: []Friend{
			{GID: 900, Name: "me"},
			{GID: 3, Name: "zed"},
			{GID: 5, Name: "amy", Remark: "neighbor"},
			{GID: 0, Name: "ghost"},
		}}, nil
	})
	friends := NewFriendService(caller)

	rows, err := friends.Friends(context.Background(), 900)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "neighbor", rows[0].Name)
	assert.Equal(t, "zed", rows[1].Name)
}
