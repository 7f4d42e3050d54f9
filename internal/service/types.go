// Package service exposes the per-account game actions as request/response
// primitives over a gateway caller. Each method issues exactly one remote
// call and returns a structured result with an explicit reason, never a bare
// boolean.
package service

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller is the transport contract, implemented by gateway.Client.
type Caller interface {
	Call(ctx context.Context, service, method string, body []byte) ([]byte, error)
}

// Remote game services addressed through the gateway.
const (
	plantService  = "gamepb.plantpb.PlantService"
	shopService   = "gamepb.shoppb.ShopService"
	friendService = "gamepb.friendpb.FriendService"
	visitService  = "gamepb.visitpb.VisitService"
	taskService   = "gamepb.taskpb.TaskService"
	itemService   = "gamepb.itempb.ItemService"
	userService   = "gamepb.userpb.UserService"
)

// Plant growth phases.
const (
	PhaseUnknown     = 0
	PhaseSeed        = 1
	PhaseGermination = 2
	PhaseSmallLeaf   = 3
	PhaseBigLeaf     = 4
	PhaseFlowering   = 5
	PhaseMature      = 6
	PhaseDead        = 7
)

// PhaseInfo describes one growth stage of a planted crop. The care timers
// mark when the stage starts demanding water, weeding or pest control.
type PhaseInfo struct {
	Phase      int   `json:"phase"`
	BeginTime  int64 `json:"beginTime"`
	DryTime    int64 `json:"dryTime,omitempty"`
	WeedsTime  int64 `json:"weedsTime,omitempty"`
	InsectTime int64 `json:"insectTime,omitempty"`
}

type PlantInfo struct {
	ID           int         `json:"id"`
	DryNum       int         `json:"dryNum"`
	WeedOwners   []int64     `json:"weedOwners,omitempty"`
	InsectOwners []int64     `json:"insectOwners,omitempty"`
	Stealable    bool        `json:"stealable"`
	Phases       []PhaseInfo `json:"phases"`
}

type LandInfo struct {
	ID           int        `json:"id"`
	Level        int        `json:"level"`
	Unlocked     bool       `json:"unlocked"`
	CouldUnlock  bool       `json:"couldUnlock,omitempty"`
	CouldUpgrade bool       `json:"couldUpgrade,omitempty"`
	Plant        *PlantInfo `json:"plant,omitempty"`
}

type Item struct {
	ID    int `json:"id"`
	Count int `json:"count"`
	UID   int `json:"uid,omitempty"`
	Type  int `json:"type,omitempty"`
}

// Bag item types reported by the server.
const (
	ItemTypeGold  = 1
	ItemTypeExp   = 2
	ItemTypeSeed  = 3
	ItemTypeFruit = 4
	ItemTypeOther = 9
)

// Gold is reported under two item ids depending on the reply shape.
func isGoldItem(id int) bool {
	return id == 1 || id == 1001
}

func callJSON[Req any, Resp any](ctx context.Context, c Caller, svc, method string, req Req) (Resp, error) {
	var out Resp
	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("encode %s.%s request: %w", svc, method, err)
	}
	reply, err := c.Call(ctx, svc, method, body)
	if err != nil {
		return out, err
	}
	if len(reply) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		return out, fmt.Errorf("decode %s.%s reply: %w", svc, method, err)
	}
	return out, nil
}

// normalizeSec tolerates servers that report timestamps in milliseconds.
func normalizeSec(raw int64) int64 {
	if raw <= 0 {
		return 0
	}
	if raw > 1_000_000_000_000 {
		return raw / 1000
	}
	return raw
}

func positiveIDs(ids []int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out
}
