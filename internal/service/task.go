package service

import (
	"context"
	"time"
)

type Task struct {
	ID            int    `json:"id"`
	Desc          string `json:"desc"`
	Progress      int    `json:"progress"`
	TotalProgress int    `json:"totalProgress"`
	IsClaimed     bool   `json:"isClaimed"`
	IsUnlocked    bool   `json:"isUnlocked"`
	ShareMultiple int    `json:"shareMultiple,omitempty"`
	Rewards       []Item `json:"rewards,omitempty"`
}

// Claimable reports whether the task's reward can be collected.
func (t Task) Claimable() bool {
	return t.IsUnlocked && !t.IsClaimed && t.TotalProgress > 0 && t.Progress >= t.TotalProgress
}

const activeRewardDone = 2

type ActiveReward struct {
	PointID int `json:"pointId"`
	Status  int `json:"status"`
}

type Active struct {
	Type    int            `json:"type"`
	Rewards []ActiveReward `json:"rewards,omitempty"`
}

type TaskInfo struct {
	DailyTasks  []Task   `json:"dailyTasks,omitempty"`
	GrowthTasks []Task   `json:"growthTasks,omitempty"`
	Tasks       []Task   `json:"tasks,omitempty"`
	Actives     []Active `json:"actives,omitempty"`
}

type taskInfoReply struct {
	TaskInfo *TaskInfo `json:"taskInfo,omitempty"`
}

type claimTaskRequest struct {
	ID       int  `json:"id"`
	DoShared bool `json:"doShared,omitempty"`
}

type claimDailyRequest struct {
	Type     int   `json:"type"`
	PointIDs []int `json:"pointIds"`
}

type claimReply struct {
	Items []Item `json:"items,omitempty"`
}

// TaskClaimReport aggregates one claiming pass.
type TaskClaimReport struct {
	TasksClaimed   int    `json:"tasksClaimed"`
	ActivesClaimed int    `json:"activesClaimed"`
	Items          []Item `json:"items,omitempty"`
}

type TaskService struct {
	caller Caller
}

func NewTaskService(caller Caller) *TaskService {
	return &TaskService{caller: caller}
}

func (s *TaskService) TaskInfo(ctx context.Context) (*TaskInfo, error) {
	reply, err := callJSON[struct{}, taskInfoReply](ctx, s.caller, taskService, "TaskInfo", struct{}{})
	if err != nil {
		return nil, err
	}
	if reply.TaskInfo == nil {
		return &TaskInfo{}, nil
	}
	return reply.TaskInfo, nil
}

func (s *TaskService) claimTask(ctx context.Context, taskID int, doShared bool) ([]Item, error) {
	reply, err := callJSON[claimTaskRequest, claimReply](ctx, s.caller, taskService, "ClaimTaskReward",
		claimTaskRequest{ID: taskID, DoShared: doShared})
	if err != nil {
		return nil, err
	}
	return reply.Items, nil
}

func (s *TaskService) claimDaily(ctx context.Context, activeType int, pointIDs []int) ([]Item, error) {
	reply, err := callJSON[claimDailyRequest, claimReply](ctx, s.caller, taskService, "ClaimDailyReward",
		claimDailyRequest{Type: activeType, PointIDs: pointIDs})
	if err != nil {
		return nil, err
	}
	return reply.Items, nil
}

// ClaimAll collects every claimable task and activity reward. A failed claim
// is skipped, never aborting the pass.
func (s *TaskService) ClaimAll(ctx context.Context) (*TaskClaimReport, error) {
	info, err := s.TaskInfo(ctx)
	if err != nil {
		return nil, err
	}

	report := &TaskClaimReport{}
	all := make([]Task, 0, len(info.GrowthTasks)+len(info.DailyTasks)+len(info.Tasks))
	all = append(all, info.GrowthTasks...)
	all = append(all, info.DailyTasks...)
	all = append(all, info.Tasks...)

	for _, task := range all {
		if !task.Claimable() {
			continue
		}
		items, err := s.claimTask(ctx, task.ID, task.ShareMultiple > 1)
		if err != nil {
			continue
		}
		report.TasksClaimed++
		report.Items = append(report.Items, items...)
		pace(ctx, 200*time.Millisecond)
	}

	for _, active := range info.Actives {
		pointIDs := make([]int, 0, len(active.Rewards))
		for _, reward := range active.Rewards {
			if reward.Status == activeRewardDone && reward.PointID > 0 {
				pointIDs = append(pointIDs, reward.PointID)
			}
		}
		if len(pointIDs) == 0 {
			continue
		}
		items, err := s.claimDaily(ctx, active.Type, pointIDs)
		if err != nil {
			continue
		}
		report.ActivesClaimed += len(pointIDs)
		report.Items = append(report.Items, items...)
		pace(ctx, 200*time.Millisecond)
	}
	return report, nil
}
