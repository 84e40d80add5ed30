package analysis

import "strings"

// Action is the tag of a forwarded task message.
type Action string

const (
	ActionStart                     Action = "START"
	ActionNextEntity                Action = "NEXT_ENTITY"
	ActionPushBackEntity            Action = "PUSH_BACK_ENTITY"
	ActionCancel                    Action = "CANCEL"
	ActionCleanStaleRunningEntities Action = "CLEAN_STALE_RUNNING_ENTITIES"
	ActionFinished                  Action = "FINISHED"
)

// String returns the string representation of the Action.
func (a Action) String() string { return string(a) }

// Int32 returns the int32 value used on the wire.
func (a Action) Int32() int32 {
	switch a {
	case ActionStart:
		return 1
	case ActionNextEntity:
		return 2
	case ActionPushBackEntity:
		return 3
	case ActionCancel:
		return 4
	case ActionCleanStaleRunningEntities:
		return 5
	case ActionFinished:
		return 6
	default:
		return 0
	}
}

// ParseAction converts a string to an Action. Unknown values are returned
// verbatim so the coordinator can reject them with an explicit error.
func ParseAction(s string) Action {
	switch strings.ToUpper(s) {
	case "START":
		return ActionStart
	case "NEXT_ENTITY":
		return ActionNextEntity
	case "PUSH_BACK_ENTITY":
		return ActionPushBackEntity
	case "CANCEL":
		return ActionCancel
	case "CLEAN_STALE_RUNNING_ENTITIES":
		return ActionCleanStaleRunningEntities
	case "FINISHED":
		return ActionFinished
	default:
		return Action(s)
	}
}
