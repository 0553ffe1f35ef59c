// pkg/types/capabilities.go
package types

// RPC method names served over a secure session.
const (
	MethodPing                 = "ping"
	MethodNodeInfo             = "node_info"
	MethodGroupList            = "group_list"
	MethodGroupGetSnapshot     = "group_get_snapshot"
	MethodGroupPushSnapshot    = "group_push_snapshot"
	MethodGroupPushBlock       = "group_push_block"
	MethodCASGet               = "cas_get"
	MethodCASPut               = "cas_put"
	MethodMarketListOffers     = "market_list_offers"
	MethodMarketAnnounceOffers = "market_announce_offers"
	MethodMarketPurchase       = "market_purchase"
	MethodPresenceList         = "presence_list"
	MethodTaskList             = "task_list"
)

// Access is the authorization class of an RPC method.
type Access string

const (
	AccessPublic      Access = "public"
	AccessMember      Access = "member"
	AccessConditional Access = "conditional" // Decided per object (cas_get)
)

var methodAccess = map[string]Access{
	MethodPing:                 AccessPublic,
	MethodNodeInfo:             AccessPublic,
	MethodGroupList:            AccessPublic,
	MethodGroupGetSnapshot:     AccessMember,
	MethodGroupPushSnapshot:    AccessMember,
	MethodGroupPushBlock:       AccessMember,
	MethodCASGet:               AccessConditional,
	MethodCASPut:               AccessMember,
	MethodMarketListOffers:     AccessPublic,
	MethodMarketAnnounceOffers: AccessPublic,
	MethodMarketPurchase:       AccessPublic,
	MethodPresenceList:         AccessMember,
	MethodTaskList:             AccessMember,
}

// MethodAccess returns the access class for method and whether it is known.
func MethodAccess(method string) (Access, bool) {
	a, ok := methodAccess[method]
	return a, ok
}
