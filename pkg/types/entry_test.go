// pkg/types/entry_test.go
package types

import (
	"testing"
)

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		TaskPending:    false,
		TaskAssigned:   false,
		TaskInProgress: false,
		TaskCompleted:  true,
		TaskFailed:     true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestPresenceStatus_Valid(t *testing.T) {
	for _, s := range []PresenceStatus{PresenceActive, PresenceIdle, PresenceBusy, PresenceOffline} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if PresenceStatus("away").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestRole_Valid(t *testing.T) {
	if !RoleAdmin.Valid() || !RoleMember.Valid() {
		t.Fatal("expected built-in roles to be valid")
	}
	if Role("owner").Valid() {
		t.Error("expected unknown role to be invalid")
	}
}

func TestMethodAccess(t *testing.T) {
	access, ok := MethodAccess(MethodGroupGetSnapshot)
	if !ok || access != AccessMember {
		t.Errorf("group_get_snapshot access = %q, %v", access, ok)
	}
	access, ok = MethodAccess(MethodCASGet)
	if !ok || access != AccessConditional {
		t.Errorf("cas_get access = %q, %v", access, ok)
	}
	if _, ok := MethodAccess("shutdown"); ok {
		t.Error("expected unknown method")
	}
}
