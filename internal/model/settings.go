package model

import "fmt"

type FertilizerMode string

const (
	FertilizerBoth    FertilizerMode = "both"
	FertilizerNormal  FertilizerMode = "normal"
	FertilizerOrganic FertilizerMode = "organic"
	FertilizerNone    FertilizerMode = "none"
)

func (m FertilizerMode) IsValid() bool {
	switch m {
	case FertilizerBoth, FertilizerNormal, FertilizerOrganic, FertilizerNone:
		return true
	}
	return false
}

type SeedStrategy string

const (
	StrategyPreferred     SeedStrategy = "preferred"
	StrategyMaxExp        SeedStrategy = "max_exp"
	StrategyMaxFertExp    SeedStrategy = "max_fert_exp"
	StrategyMaxProfit     SeedStrategy = "max_profit"
	StrategyMaxFertProfit SeedStrategy = "max_fert_profit"
)

func (s SeedStrategy) IsValid() bool {
	switch s {
	case StrategyPreferred, StrategyMaxExp, StrategyMaxFertExp, StrategyMaxProfit, StrategyMaxFertProfit:
		return true
	}
	return false
}

// IntervalRange is a randomized scheduler interval in seconds.
type IntervalRange struct {
	MinSec int `json:"minSec"`
	MaxSec int `json:"maxSec"`
}

func (r IntervalRange) Normalized() IntervalRange {
	min := r.MinSec
	if min < 1 {
		min = 1
	}
	max := r.MaxSec
	if max < min {
		max = min
	}
	return IntervalRange{MinSec: min, MaxSec: max}
}

// QuietHours suppresses scheduled cycles inside a local time-of-day window.
// Start == End with the window enabled means always quiet.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type AutomationSettings struct {
	Automation      map[ActionClass]bool `json:"automation"`
	Fertilizer      FertilizerMode       `json:"fertilizer"`
	Strategy        SeedStrategy         `json:"strategy"`
	PreferredSeedID int                  `json:"preferredSeedId"`

	FarmInterval   IntervalRange `json:"farmInterval"`
	FriendInterval IntervalRange `json:"friendInterval"`
	SellInterval   IntervalRange `json:"sellInterval"`
	TaskInterval   IntervalRange `json:"taskInterval"`

	QuietHours QuietHours `json:"quietHours"`

	Revision int64 `json:"revision"`
}

// DefaultSettings mirrors the shipped per-account defaults.
func DefaultSettings() AutomationSettings {
	return AutomationSettings{
		Automation: map[ActionClass]bool{
			ActionFarm:        true,
			ActionFarmPush:    true,
			ActionLandUpgrade: true,
			ActionFriend:      true,
			ActionFriendSteal: true,
			ActionFriendHelp:  true,
			ActionFriendBad:   false,
			ActionTask:        true,
			ActionSell:        true,
		},
		Fertilizer:     FertilizerBoth,
		Strategy:       StrategyPreferred,
		FarmInterval:   IntervalRange{MinSec: 2, MaxSec: 2},
		FriendInterval: IntervalRange{MinSec: 10, MaxSec: 10},
		SellInterval:   IntervalRange{MinSec: 60, MaxSec: 120},
		TaskInterval:   IntervalRange{MinSec: 30, MaxSec: 60},
		QuietHours:     QuietHours{Enabled: false, Start: "23:00", End: "07:00"},
	}
}

// SettingsPatch is a partial settings update; nil fields keep their current
// value. Toggle keys are validated at parse time.
type SettingsPatch struct {
	Automation      map[string]bool `json:"automation,omitempty"`
	Fertilizer      *string         `json:"fertilizer,omitempty"`
	Strategy        *string         `json:"strategy,omitempty"`
	PreferredSeedID *int            `json:"preferredSeedId,omitempty"`
	FarmInterval    *IntervalRange  `json:"farmInterval,omitempty"`
	FriendInterval  *IntervalRange  `json:"friendInterval,omitempty"`
	SellInterval    *IntervalRange  `json:"sellInterval,omitempty"`
	TaskInterval    *IntervalRange  `json:"taskInterval,omitempty"`
	QuietHours      *QuietHours     `json:"quietHours,omitempty"`
}

// Merge applies a patch on top of s and returns the result. Unknown toggle
// keys and invalid enum values are rejected up front.
func (s AutomationSettings) Merge(patch SettingsPatch) (AutomationSettings, error) {
	out := s
	out.Automation = make(map[ActionClass]bool, len(s.Automation))
	for class, enabled := range s.Automation {
		out.Automation[class] = enabled
	}

	for raw, enabled := range patch.Automation {
		class, err := ParseActionClass(raw)
		if err != nil {
			return AutomationSettings{}, err
		}
		out.Automation[class] = enabled
	}
	if patch.Fertilizer != nil {
		mode := FertilizerMode(*patch.Fertilizer)
		if !mode.IsValid() {
			return AutomationSettings{}, fmt.Errorf("unknown fertilizer mode: %q", *patch.Fertilizer)
		}
		out.Fertilizer = mode
	}
	if patch.Strategy != nil {
		strategy := SeedStrategy(*patch.Strategy)
		if !strategy.IsValid() {
			return AutomationSettings{}, fmt.Errorf("unknown seed strategy: %q", *patch.Strategy)
		}
		out.Strategy = strategy
	}
	if patch.PreferredSeedID != nil {
		id := *patch.PreferredSeedID
		if id < 0 {
			id = 0
		}
		out.PreferredSeedID = id
	}
	if patch.FarmInterval != nil {
		out.FarmInterval = patch.FarmInterval.Normalized()
	}
	if patch.FriendInterval != nil {
		out.FriendInterval = patch.FriendInterval.Normalized()
	}
	if patch.SellInterval != nil {
		out.SellInterval = patch.SellInterval.Normalized()
	}
	if patch.TaskInterval != nil {
		out.TaskInterval = patch.TaskInterval.Normalized()
	}
	if patch.QuietHours != nil {
		qh := *patch.QuietHours
		if qh.Enabled {
			if _, err := ParseClock(qh.Start); err != nil {
				return AutomationSettings{}, fmt.Errorf("quiet hours start: %w", err)
			}
			if _, err := ParseClock(qh.End); err != nil {
				return AutomationSettings{}, fmt.Errorf("quiet hours end: %w", err)
			}
		}
		out.QuietHours = qh
	}
	return out, nil
}

// Enabled reports whether a scheduled class is switched on.
func (s AutomationSettings) Enabled(class ActionClass) bool {
	enabled, ok := s.Automation[class]
	if !ok {
		return DefaultSettings().Automation[class]
	}
	return enabled
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(value string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(value, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	return hh*60 + mm, nil
}

// InWindow reports whether the given minutes-since-midnight fall inside the
// quiet window. Windows may cross midnight.
func (q QuietHours) InWindow(minuteOfDay int) bool {
	if !q.Enabled {
		return false
	}
	start, err := ParseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return false
	}
	if start == end {
		return true
	}
	if start < end {
		return minuteOfDay >= start && minuteOfDay < end
	}
	return minuteOfDay >= start || minuteOfDay < end
}
