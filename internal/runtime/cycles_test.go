package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/gateway"
	"github.com/openfarm/farm-runtime-go/internal/governor"
	"github.com/openfarm/farm-runtime-go/internal/model"
	"github.com/openfarm/farm-runtime-go/internal/service"
)

type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(body []byte) (any, error)
	calls    []string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[string]func(body []byte) (any, error))}
}

func (f *fakeCaller) on(svc, method string, fn func(body []byte) (any, error)) {
	f.handlers[svc+"/"+method] = fn
}

func (f *fakeCaller) Call(ctx context.Context, svc, method string, body []byte) ([]byte, error) {
	key := svc + "/" + method
	f.mu.Lock()
	f.calls = append(f.calls, key)
	fn := f.handlers[key]
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unexpected call: %s", key)
	}
	reply, err := fn(body)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return json.Marshal(reply)
}

func (f *fakeCaller) callCount(svc, method string) int {
	key := svc + "/" + method
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

const (
	plantSvc = "gamepb.plantpb.PlantService"
	shopSvc  = "gamepb.shoppb.ShopService"
	itemSvc  = "gamepb.itempb.ItemService"
	visitSvc = "gamepb.visitpb.VisitService"
	frndSvc  = "gamepb.friendpb.FriendService"
)

func newTestRuntime(t *testing.T, caller *fakeCaller, settings model.AutomationSettings) *AccountRuntime {
	t.Helper()
	gov := governor.New(governor.Config{GlobalLimit: 10, InflightLimit: 4}, governor.NewMemoryCooldowns())
	rt := NewAccountRuntime(Options{
		Account:  model.Account{ID: "1", Name: "tester"},
		Settings: settings,
		Gateway:  gateway.Config{URL: "ws://unused"},
		Governor: gov,
		Logs:     NewLogHub(&fakeLogRepo{}, 100, 1000, time.Hour),
	})
	rt.farm = service.NewFarmService(caller)
	rt.friend = service.NewFriendService(caller)
	rt.task = service.NewTaskService(caller)
	rt.warehouse = service.NewWarehouseService(caller)
	rt.state = UserState{GID: 100, Name: "tester", Level: 5, Gold: 1000}
	return rt
}

func growingLand(id int, dryNum int) service.LandInfo {
	return service.LandInfo{
		ID: id, Level: 1, Unlocked: true,
		Plant: &service.PlantInfo{
			ID: 301, DryNum: dryNum,
			Phases: []service.PhaseInfo{{Phase: service.PhaseSmallLeaf, BeginTime: time.Now().Unix() - 60}},
		},
	}
}

func matureLand(id int) service.LandInfo {
	return service.LandInfo{
		ID: id, Level: 1, Unlocked: true,
		Plant: &service.PlantInfo{
			ID:     301,
			Phases: []service.PhaseInfo{{Phase: service.PhaseMature, BeginTime: time.Now().Unix() - 60}},
		},
	}
}

func seedShop() service.ShopInfoReply {
	return service.ShopInfoReply{GoodsList: []service.ShopGoods{
		{ID: 9001, ItemID: 301, Price: 10, Unlocked: true, Conds: []service.GoodsCond{{Type: 1, Param: 1}}},
	}}
}

func TestFarmCycleIsolatesStepFailures(t *testing.T) {
	caller := newFakeCaller()
	settings := model.DefaultSettings()
	settings.Fertilizer = model.FertilizerNone
	settings.Automation[model.ActionSell] = false
	settings.Automation[model.ActionLandUpgrade] = false
	rt := newTestRuntime(t, caller, settings)

	// land 1 is dry, land 2 is ripe; watering errors out
	caller.on(plantSvc, "AllLands", func([]byte) (any, error) {
		return service.AllLandsReply{Lands: []service.LandInfo{growingLand(1, 2), matureLand(2)}}, nil
	})
	caller.on(plantSvc, "WaterLand", func([]byte) (any, error) {
		return nil, apperrors.CallFailed("WaterLand", 500, "server hiccup")
	})
	caller.on(plantSvc, "Harvest", func([]byte) (any, error) {
		return map[string]any{"items": []service.Item{{ID: 1, Count: 120}}}, nil
	})
	caller.on(plantSvc, "RemovePlant", func([]byte) (any, error) { return nil, nil })
	caller.on(shopSvc, "ShopInfo", func([]byte) (any, error) { return seedShop(), nil })
	caller.on(itemSvc, "Bag", func([]byte) (any, error) {
		return map[string]any{"itemBag": map[string]any{"items": []service.Item{{ID: 301, Count: 5, Type: service.ItemTypeSeed}}}}, nil
	})
	caller.on(plantSvc, "Plant", func([]byte) (any, error) { return nil, nil })

	rep, err := rt.FarmOperation(context.Background(), FarmModeAll)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Harvested)
	assert.Equal(t, 1, rep.Planted, "the harvested land should be replanted")

	var waterStep, harvestStep *CycleStep
	for i := range rep.Steps {
		switch rep.Steps[i].Step {
		case "water":
			waterStep = &rep.Steps[i]
		case "harvest":
			harvestStep = &rep.Steps[i]
		}
	}
	require.NotNil(t, waterStep)
	require.NotNil(t, harvestStep)
	assert.NotEmpty(t, waterStep.Err, "water failure must be reported")
	assert.Empty(t, harvestStep.Err, "harvest must succeed despite the water failure")
	assert.Equal(t, []int{2}, harvestStep.Lands)

	info := rt.Info()
	assert.Equal(t, int64(1), info.Counters["harvest"])
	assert.Equal(t, int64(0), info.Counters["water"])
	assert.Equal(t, 120, info.Gains.Gold, "harvest items should feed the session gains")
}

func TestAutoPlantFallsBackToStockWhenBuyFails(t *testing.T) {
	caller := newFakeCaller()
	settings := model.DefaultSettings()
	settings.Fertilizer = model.FertilizerNone
	rt := newTestRuntime(t, caller, settings)

	caller.on(shopSvc, "ShopInfo", func([]byte) (any, error) { return seedShop(), nil })
	caller.on(itemSvc, "Bag", func([]byte) (any, error) {
		return map[string]any{"itemBag": map[string]any{"items": []service.Item{{ID: 301, Count: 2, Type: service.ItemTypeSeed}}}}, nil
	})
	caller.on(shopSvc, "BuyGoods", func([]byte) (any, error) {
		return nil, apperrors.CallFailed("BuyGoods", 402, "not enough gold")
	})
	caller.on(plantSvc, "Plant", func([]byte) (any, error) { return nil, nil })

	rep := &CycleReport{Mode: FarmModePlant}
	planted := rt.autoPlant(context.Background(), rep, []int{11, 12, 13, 14, 15}, settings)

	assert.Equal(t, 2, planted, "with the purchase refused only the stocked seeds get planted")
	assert.Equal(t, 2, caller.callCount(plantSvc, "Plant"))

	var buyStep *CycleStep
	for i := range rep.Steps {
		if rep.Steps[i].Step == "buy_seed" {
			buyStep = &rep.Steps[i]
		}
	}
	require.NotNil(t, buyStep)
	assert.NotEmpty(t, buyStep.Err)
}

func TestAutoPlantBuysMissingSeeds(t *testing.T) {
	caller := newFakeCaller()
	settings := model.DefaultSettings()
	settings.Fertilizer = model.FertilizerNormal
	rt := newTestRuntime(t, caller, settings)
	rt.state.Gold = 30 // affords 3 seeds at price 10

	caller.on(shopSvc, "ShopInfo", func([]byte) (any, error) { return seedShop(), nil })
	caller.on(itemSvc, "Bag", func([]byte) (any, error) {
		return map[string]any{"itemBag": map[string]any{"items": []service.Item{{ID: 301, Count: 1, Type: service.ItemTypeSeed}}}}, nil
	})
	var boughtNum int
	caller.on(shopSvc, "BuyGoods", func(body []byte) (any, error) {
		var req struct {
			Num int `json:"num"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		boughtNum = req.Num
		return nil, nil
	})
	caller.on(plantSvc, "Plant", func([]byte) (any, error) { return nil, nil })
	var fertilized []int
	caller.on(plantSvc, "Fertilize", func(body []byte) (any, error) {
		var req struct {
			LandIDs      []int `json:"landIds"`
			FertilizerID int   `json:"fertilizerId"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, 1011, req.FertilizerID)
		fertilized = req.LandIDs
		return nil, nil
	})

	rep := &CycleReport{Mode: FarmModePlant}
	planted := rt.autoPlant(context.Background(), rep, []int{11, 12, 13, 14, 15}, settings)

	assert.Equal(t, 3, boughtNum, "buy exactly min(missing, affordable)")
	assert.Equal(t, 4, planted, "one stocked plus three bought")
	assert.Equal(t, []int{11, 12, 13, 14}, fertilized)
}

func TestAutoPlantFertilizesOnlyPlantedLands(t *testing.T) {
	caller := newFakeCaller()
	settings := model.DefaultSettings()
	settings.Fertilizer = model.FertilizerNormal
	rt := newTestRuntime(t, caller, settings)

	caller.on(shopSvc, "ShopInfo", func([]byte) (any, error) { return seedShop(), nil })
	caller.on(itemSvc, "Bag", func([]byte) (any, error) {
		return map[string]any{"itemBag": map[string]any{"items": []service.Item{{ID: 301, Count: 3, Type: service.ItemTypeSeed}}}}, nil
	})
	// the middle land refuses the seed
	caller.on(plantSvc, "Plant", func(body []byte) (any, error) {
		var req struct {
			LandAndSeed map[string]int `json:"landAndSeed"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		if _, ok := req.LandAndSeed["22"]; ok {
			return nil, apperrors.CallFailed("Plant", 1001, "land busy")
		}
		return nil, nil
	})
	var fertilized []int
	caller.on(plantSvc, "Fertilize", func(body []byte) (any, error) {
		var req struct {
			LandIDs []int `json:"landIds"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		fertilized = req.LandIDs
		return nil, nil
	})

	rep := &CycleReport{Mode: FarmModePlant}
	planted := rt.autoPlant(context.Background(), rep, []int{21, 22, 23}, settings)

	assert.Equal(t, 2, planted)
	assert.Equal(t, []int{21, 23}, fertilized, "the refused land gets no fertilizer")
}

func TestFriendCycleFollowsCounters(t *testing.T) {
	caller := newFakeCaller()
	settings := model.DefaultSettings()
	settings.Automation[model.ActionFriendSteal] = false
	settings.Automation[model.ActionFriendBad] = false
	rt := newTestRuntime(t, caller, settings)

	caller.on(frndSvc, "GetAll", func([]byte) (any, error) {
		return map[string]any{"gameFriends": []service.Friend{
			{GID: 200, Name: "idle", Plant: &service.FriendPlantCounters{}},
			{GID: 300, Name: "thirsty", Plant: &service.FriendPlantCounters{DryNum: 2}},
		}}, nil
	})
	caller.on(visitSvc, "Enter", func(body []byte) (any, error) {
		var req struct {
			HostGID int64 `json:"hostGid"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		require.Equal(t, int64(300), req.HostGID, "only the friend with work should be visited")
		dry := growingLand(7, 1)
		return map[string]any{"lands": []service.LandInfo{dry}}, nil
	})
	caller.on(visitSvc, "Leave", func([]byte) (any, error) { return nil, nil })
	caller.on(plantSvc, "CheckCanOperate", func([]byte) (any, error) {
		return map[string]any{"canOperate": true, "canStealNum": 5}, nil
	})
	caller.on(plantSvc, "WaterLand", func([]byte) (any, error) { return nil, nil })

	require.NoError(t, rt.runFriendCycle(context.Background()))

	assert.Equal(t, 1, caller.callCount(visitSvc, "Enter"))
	assert.Equal(t, 1, caller.callCount(visitSvc, "Leave"))
	info := rt.Info()
	assert.Equal(t, int64(1), info.Counters["helpWater"])
}

func TestFriendCycleSkipsWhenEverythingDisabled(t *testing.T) {
	caller := newFakeCaller()
	settings := model.DefaultSettings()
	settings.Automation[model.ActionFriendSteal] = false
	settings.Automation[model.ActionFriendHelp] = false
	settings.Automation[model.ActionFriendBad] = false
	rt := newTestRuntime(t, caller, settings)

	require.NoError(t, rt.runFriendCycle(context.Background()))
	assert.Empty(t, caller.calls, "no toggles, no traffic")
}

func TestFarmOperationRejectsUnknownMode(t *testing.T) {
	rt := newTestRuntime(t, newFakeCaller(), model.DefaultSettings())
	_, err := rt.FarmOperation(context.Background(), "plunder")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))
}

func TestQuietHours(t *testing.T) {
	settings := model.DefaultSettings()
	settings.QuietHours = model.QuietHours{Enabled: true, Start: "23:00", End: "07:00"}
	rt := newTestRuntime(t, newFakeCaller(), settings)

	assert.True(t, rt.inQuietHours(time.Date(2026, 3, 1, 23, 30, 0, 0, time.Local)))
	assert.True(t, rt.inQuietHours(time.Date(2026, 3, 1, 3, 0, 0, 0, time.Local)))
	assert.False(t, rt.inQuietHours(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)))

	rt.ApplySettings(model.AutomationSettings{QuietHours: model.QuietHours{Enabled: true, Start: "08:00", End: "08:00"}})
	assert.True(t, rt.inQuietHours(time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)), "start == end means always quiet")
}

func TestItemNotifyUpdatesStateAndGains(t *testing.T) {
	rt := newTestRuntime(t, newFakeCaller(), model.DefaultSettings())
	body, _ := json.Marshal(itemNotify{Items: []service.Item{
		{ID: 1, Count: 50},
		{ID: 1101, Count: 10},
		{ID: 1002, Count: 2},
	}})

	rt.handleNotify("gamepb.notifypb.ItemNotify", body)

	info := rt.Info()
	assert.Equal(t, 1050, info.User.Gold)
	assert.Equal(t, 10, info.User.Exp)
	assert.Equal(t, 2, info.User.Coupon)
	assert.Equal(t, 50, info.Gains.Gold)
	assert.Equal(t, 10, info.Gains.Exp)
	assert.Equal(t, 2, info.Gains.Coupon)
	assert.NotEmpty(t, info.Gains.LastGain)
}

func TestKickoutReportsSessionLostOnce(t *testing.T) {
	rt := newTestRuntime(t, newFakeCaller(), model.DefaultSettings())
	lost := make(chan string, 2)
	rt.onLost = func(accountID, reason string) { lost <- reason }

	body, _ := json.Marshal(kickoutNotify{Type: 1, Msg: "logged in elsewhere"})
	rt.handleNotify("gamepb.Kickout", body)
	rt.handleNotify("gamepb.Kickout", body)

	select {
	case reason := <-lost:
		assert.Contains(t, reason, "logged in elsewhere")
	case <-time.After(time.Second):
		t.Fatal("session loss was never reported")
	}
	select {
	case <-lost:
		t.Fatal("session loss reported twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLandsPushIgnoredWhenToggleOff(t *testing.T) {
	settings := model.DefaultSettings()
	settings.Automation[model.ActionFarmPush] = false
	rt := newTestRuntime(t, newFakeCaller(), settings)

	rt.handleNotify("gamepb.notifypb.LandsNotify", nil)

	rt.mu.Lock()
	timer := rt.pushTimer
	rt.mu.Unlock()
	assert.Nil(t, timer, "disabled farm_push must not schedule a cycle")
}
