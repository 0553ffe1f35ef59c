package chain

import (
	"encoding/json"
	"fmt"

	"github.com/relves/groupchain/pkg/types"
)

// TxType tags a transaction variant on the wire.
type TxType string

const (
	TxGenesis        TxType = "genesis"
	TxMemberAdd      TxType = "member_add"
	TxMemberRemove   TxType = "member_remove"
	TxMint           TxType = "mint"
	TxTransfer       TxType = "transfer"
	TxPolicyUpdate   TxType = "policy_update"
	TxClaim          TxType = "claim"
	TxRetract        TxType = "retract"
	TxOfferCreate    TxType = "offer_create"
	TxPurchase       TxType = "purchase"
	TxGrant          TxType = "grant"
	TxTaskCreate     TxType = "task_create"
	TxTaskAssign     TxType = "task_assign"
	TxTaskStart      TxType = "task_start"
	TxTaskComplete   TxType = "task_complete"
	TxTaskFail       TxType = "task_fail"
	TxPresenceUpdate TxType = "presence_update"
)

// txKinds is the closed set of transaction variants.
var txKinds = map[TxType]func() TxBody{
	TxGenesis:        func() TxBody { return &Genesis{} },
	TxMemberAdd:      func() TxBody { return &MemberAdd{} },
	TxMemberRemove:   func() TxBody { return &MemberRemove{} },
	TxMint:           func() TxBody { return &Mint{} },
	TxTransfer:       func() TxBody { return &Transfer{} },
	TxPolicyUpdate:   func() TxBody { return &PolicyUpdate{} },
	TxClaim:          func() TxBody { return &Claim{} },
	TxRetract:        func() TxBody { return &Retract{} },
	TxOfferCreate:    func() TxBody { return &OfferCreate{} },
	TxPurchase:       func() TxBody { return &Purchase{} },
	TxGrant:          func() TxBody { return &Grant{} },
	TxTaskCreate:     func() TxBody { return &TaskCreate{} },
	TxTaskAssign:     func() TxBody { return &TaskAssign{} },
	TxTaskStart:      func() TxBody { return &TaskStart{} },
	TxTaskComplete:   func() TxBody { return &TaskComplete{} },
	TxTaskFail:       func() TxBody { return &TaskFail{} },
	TxPresenceUpdate: func() TxBody { return &PresenceUpdate{} },
}

// TxContext is what a transaction is checked against besides state.
type TxContext struct {
	GroupID string
	Author  string
	Role    types.Role
	BlockTs int64
	Height  uint64
}

func (tc *TxContext) isMember() bool { return tc.Role.Valid() }
func (tc *TxContext) isAdmin() bool  { return tc.Role == types.RoleAdmin }

// TxBody is implemented by every transaction variant. check is a pure read of
// state; apply assumes check passed against the same state and never fails.
type TxBody interface {
	Type() TxType
	meta() *TxMeta
	check(st *State, tc *TxContext, r *Rules) error
	apply(st *State, tc *TxContext, r *Rules)
}

// TxMeta carries the fields shared by all variants.
type TxMeta struct {
	TsMs int64 `json:"ts_ms"`
}

func (m *TxMeta) meta() *TxMeta { return m }

// Transaction wraps a variant and encodes it with its "type" tag.
type Transaction struct {
	TxBody
}

// Tx wraps a body. A zero timestamp is filled with the block time when the
// transaction is placed into a block by Chain.Extend.
func Tx(body TxBody) Transaction {
	return Transaction{TxBody: body}
}

// TsMs returns the transaction timestamp.
func (t Transaction) TsMs() int64 {
	if t.TxBody == nil {
		return 0
	}
	return t.meta().TsMs
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	if t.TxBody == nil {
		return nil, fmt.Errorf("marshal transaction: empty body")
	}
	raw, err := json.Marshal(t.TxBody)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(t.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var head struct {
		Type TxType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	ctor, ok := txKinds[head.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTxType, head.Type)
	}
	body := ctor()
	if err := json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("decode %s transaction: %w", head.Type, err)
	}
	t.TxBody = body
	return nil
}
