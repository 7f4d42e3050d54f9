package model

import "fmt"

// ActionClass groups remote operations for scheduling toggles and for the
// governor's read/write classification.
type ActionClass string

const (
	ActionFarm        ActionClass = "farm"
	ActionFarmPush    ActionClass = "farm_push"
	ActionLandUpgrade ActionClass = "land_upgrade"
	ActionFriend      ActionClass = "friend"
	ActionFriendSteal ActionClass = "friend_steal"
	ActionFriendHelp  ActionClass = "friend_help"
	ActionFriendBad   ActionClass = "friend_bad"
	ActionTask        ActionClass = "task"
	ActionSell        ActionClass = "sell"

	// Operator-only classes, never scheduled.
	ActionStatus   ActionClass = "status"
	ActionSettings ActionClass = "settings"
)

var actionWrites = map[ActionClass]bool{
	ActionFarm:        true,
	ActionFarmPush:    true,
	ActionLandUpgrade: true,
	ActionFriend:      true,
	ActionFriendSteal: true,
	ActionFriendHelp:  true,
	ActionFriendBad:   true,
	ActionTask:        true,
	ActionSell:        true,
	ActionStatus:      false,
	ActionSettings:    true,
}

// ScheduledClasses are the classes the automation scheduler may toggle.
var ScheduledClasses = []ActionClass{
	ActionFarm, ActionFarmPush, ActionLandUpgrade,
	ActionFriend, ActionFriendSteal, ActionFriendHelp, ActionFriendBad,
	ActionTask, ActionSell,
}

// ParseActionClass rejects unknown classes at configuration time so dispatch
// never sees one.
func ParseActionClass(raw string) (ActionClass, error) {
	class := ActionClass(raw)
	if _, ok := actionWrites[class]; !ok {
		return "", fmt.Errorf("unknown action class: %q", raw)
	}
	return class, nil
}

// IsWrite reports whether calls of this class mutate game-side state and
// therefore must serialize per account.
func (c ActionClass) IsWrite() bool {
	return actionWrites[c]
}

func (c ActionClass) IsValid() bool {
	_, ok := actionWrites[c]
	return ok
}
