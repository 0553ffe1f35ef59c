// pkg/types/entry.go
package types

// TaskStatus is a coordination task's position in its state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// PresenceStatus is a member's self-reported availability.
type PresenceStatus string

const (
	PresenceActive  PresenceStatus = "active"
	PresenceIdle    PresenceStatus = "idle"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceActive, PresenceIdle, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Visibility controls who may read a content-addressed object.
type Visibility string

const (
	VisibilityPublic Visibility = "public" // Anyone may fetch
	VisibilityGroup  Visibility = "group"  // Only members of the owning group
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityGroup
}
