package chain

import (
	"strings"

	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

// Genesis founds a group. It is only valid as the first transaction of the
// height-0 block; the block author becomes the first admin.
type Genesis struct {
	TxMeta
	Name     string  `json:"name"`
	Currency string  `json:"currency"`
	Policy   *Policy `json:"policy,omitempty"`
}

func (*Genesis) Type() TxType { return TxGenesis }

func (g *Genesis) check(st *State, tc *TxContext, _ *Rules) error {
	if tc.Height != 0 || !st.Head.IsZero() || len(st.Members) > 0 {
		return reject(CodeMalformed, "genesis is only allowed as the first transaction of block 0")
	}
	if strings.TrimSpace(g.Name) == "" {
		return reject(CodeMalformed, "group name required")
	}
	if g.Policy != nil {
		return g.Policy.validate(0)
	}
	return nil
}

func (g *Genesis) apply(st *State, tc *TxContext, _ *Rules) {
	st.GroupID = tc.GroupID
	st.Name = g.Name
	st.Currency = g.Currency
	st.Members[tc.Author] = types.RoleAdmin
	if g.Policy != nil {
		st.Policy = g.Policy.clone()
	}
}

// MemberAdd adds a member or changes an existing member's role. New members
// receive the faucet amount when caps allow.
type MemberAdd struct {
	TxMeta
	Pub  string     `json:"pub"`
	Role types.Role `json:"role"`
}

func (*MemberAdd) Type() TxType { return TxMemberAdd }

func (m *MemberAdd) role() types.Role {
	if m.Role == "" {
		return types.RoleMember
	}
	return m.Role
}

func (m *MemberAdd) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isAdmin() {
		return reject(CodeUnauthorized, "member_add requires admin")
	}
	if _, err := identity.DecodeSignPub(m.Pub); err != nil {
		return reject(CodeMalformed, "invalid member key: %v", err)
	}
	if !m.role().Valid() {
		return reject(CodeMalformed, "unknown role %q", m.Role)
	}
	if st.Members[m.Pub] == types.RoleAdmin && m.role() != types.RoleAdmin && st.adminCount() == 1 {
		return reject(CodeLastAdmin, "cannot demote the last admin")
	}
	return nil
}

func (m *MemberAdd) apply(st *State, _ *TxContext, _ *Rules) {
	_, existed := st.Members[m.Pub]
	st.Members[m.Pub] = m.role()
	if !existed {
		st.mintIfAllowed(m.Pub, st.Policy.FaucetAmount)
	}
}

// MemberRemove removes a member. Removing an absent key is an error.
type MemberRemove struct {
	TxMeta
	Pub string `json:"pub"`
}

func (*MemberRemove) Type() TxType { return TxMemberRemove }

func (m *MemberRemove) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isAdmin() {
		return reject(CodeUnauthorized, "member_remove requires admin")
	}
	role, ok := st.Members[m.Pub]
	if !ok {
		return reject(CodeMemberNotFound, "member not found")
	}
	if role == types.RoleAdmin && st.adminCount() == 1 {
		return reject(CodeLastAdmin, "cannot remove the last admin")
	}
	return nil
}

func (m *MemberRemove) apply(st *State, _ *TxContext, _ *Rules) {
	delete(st.Members, m.Pub)
}

// Mint creates new tokens.
type Mint struct {
	TxMeta
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (*Mint) Type() TxType { return TxMint }

func (m *Mint) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isAdmin() {
		return reject(CodeUnauthorized, "mint requires admin")
	}
	if !validAccount(m.To) {
		return reject(CodeMalformed, "invalid recipient")
	}
	return st.checkMint(m.To, m.Amount)
}

func (m *Mint) apply(st *State, _ *TxContext, _ *Rules) {
	st.mint(m.To, m.Amount)
}

// Transfer moves tokens from the block author. The fee is taken out of the
// amount and paid to the treasury.
type Transfer struct {
	TxMeta
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (*Transfer) Type() TxType { return TxTransfer }

// Fee returns the treasury fee for amount under policy.
func (p Policy) Fee(amount int64) int64 {
	return mulBps(amount, p.TransferFeeBps)
}

func (t *Transfer) plan(st *State) *ledgerPlan {
	fee := st.Policy.Fee(t.Amount)
	p := newLedgerPlan()
	p.add(t.From, -t.Amount)
	p.add(t.To, t.Amount-fee)
	p.add(TreasuryAccount, fee)
	return p
}

func (t *Transfer) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isMember() {
		return reject(CodeNotMember, "transfer requires membership")
	}
	if t.From != tc.Author {
		return reject(CodeUnauthorized, "can only transfer your own tokens")
	}
	if t.To == t.From {
		return reject(CodeMalformed, "cannot transfer to self")
	}
	if !validAccount(t.To) {
		return reject(CodeMalformed, "invalid recipient")
	}
	if t.Amount <= 0 {
		return reject(CodeInvalidAmount, "amount must be positive")
	}
	return t.plan(st).check(st)
}

func (t *Transfer) apply(st *State, _ *TxContext, _ *Rules) {
	t.plan(st).commit(st)
}

// PolicyUpdate changes policy fields. Only the max_* caps may be set to null.
type PolicyUpdate struct {
	TxMeta
	Updates map[string]*int64 `json:"updates"`
}

func (*PolicyUpdate) Type() TxType { return TxPolicyUpdate }

func (u *PolicyUpdate) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isAdmin() {
		return reject(CodeUnauthorized, "policy_update requires admin")
	}
	if err := checkPolicyUpdates(u.Updates); err != nil {
		return err
	}
	return st.Policy.with(u.Updates).validate(st.TotalSupply)
}

func (u *PolicyUpdate) apply(st *State, _ *TxContext, _ *Rules) {
	st.Policy = st.Policy.with(u.Updates)
}
