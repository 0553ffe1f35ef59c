// pkg/types/group.go
package types

import (
	"time"
)

// GroupID is a unique identifier for a group chain.
type GroupID string

// Role is a member's role within a group. The set is closed.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// GroupMetadata is the locally persisted record of a group this node follows.
type GroupMetadata struct {
	ID        GroupID   `json:"id"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	GenesisID string    `json:"genesis_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GroupStatus summarizes a group's head for status endpoints.
type GroupStatus struct {
	Metadata    GroupMetadata `json:"metadata"`
	Height      uint64        `json:"height"`
	HeadID      string        `json:"head_id"`
	BlocksRoot  string        `json:"blocks_root"`
	Members     int           `json:"members"`
	TotalSupply int64         `json:"total_supply"`
}
