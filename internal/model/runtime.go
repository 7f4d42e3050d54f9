package model

import "time"

type RuntimeState string

const (
	RuntimeStateStopped  RuntimeState = "stopped"
	RuntimeStateStarting RuntimeState = "starting"
	RuntimeStateRunning  RuntimeState = "running"
	RuntimeStateRetrying RuntimeState = "retrying"
	RuntimeStateFailed   RuntimeState = "failed"
)

func (s RuntimeState) IsValid() bool {
	switch s {
	case RuntimeStateStopped, RuntimeStateStarting, RuntimeStateRunning, RuntimeStateRetrying, RuntimeStateFailed:
		return true
	}
	return false
}

// RuntimeStatus is the persisted supervisor view of one account. Only the
// start supervisor mutates it; everyone else reads.
type RuntimeStatus struct {
	AccountID          string       `db:"account_id" json:"accountId"`
	State              RuntimeState `db:"state" json:"runtimeState"`
	LastStartError     string       `db:"last_start_error" json:"lastStartError"`
	LastStartAt        int64        `db:"last_start_at" json:"lastStartAt"`
	LastStartSuccessAt int64        `db:"last_start_success_at" json:"lastStartSuccessAt"`
	StartRetryCount    int          `db:"start_retry_count" json:"startRetryCount"`
}

type RuntimeLogEntry struct {
	Time      time.Time      `json:"time"`
	AccountID string         `json:"accountId"`
	Module    string         `json:"module"`
	Event     string         `json:"event"`
	Message   string         `json:"msg"`
	IsWarn    bool           `json:"isWarn"`
	Meta      map[string]any `json:"meta,omitempty"`
}
