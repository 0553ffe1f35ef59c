package chain

import (
	"math"
	"math/bits"
	"sort"

	"github.com/relves/groupchain/pkg/canonical"
	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

// MaxTokenValue bounds every balance and supply figure.
const MaxTokenValue int64 = math.MaxInt64

// TreasuryAccount is the reserved account that collects transfer fees.
const TreasuryAccount = "treasury"

// BlockRef points at a block.
type BlockRef struct {
	ID     string `json:"id"`
	Height uint64 `json:"height"`
	TsMs   int64  `json:"ts_ms"`
}

// IsZero reports whether no block has been applied.
func (r BlockRef) IsZero() bool { return r.ID == "" }

// State is the materialized group state: a pure function of the blocks
// applied so far. Records stored in the maps are replaced, never mutated in
// place, so Clone can share slices and maps held inside them.
type State struct {
	GroupID        string                     `json:"group_id"`
	Name           string                     `json:"name"`
	Currency       string                     `json:"currency"`
	Members        map[string]types.Role      `json:"members"`
	Balances       map[string]int64           `json:"balances"`
	Treasury       int64                      `json:"treasury"`
	TotalSupply    int64                      `json:"total_supply"`
	Policy         Policy                     `json:"policy"`
	Claims         map[string]ClaimRecord     `json:"claims"`
	Offers         map[string]OfferRecord     `json:"offers"`
	Purchases      map[string]PurchaseRecord  `json:"purchases"`
	PurchaseNonces map[string]map[string]bool `json:"purchase_nonces"`
	Grants         map[string]GrantRecord     `json:"grants"`
	Tasks          map[string]TaskRecord      `json:"tasks"`
	Presence       map[string]PresenceRecord  `json:"presence"`
	Head           BlockRef                   `json:"head"`
}

// NewState returns the empty pre-genesis state.
func NewState() *State {
	return &State{
		Members:        make(map[string]types.Role),
		Balances:       make(map[string]int64),
		Claims:         make(map[string]ClaimRecord),
		Offers:         make(map[string]OfferRecord),
		Purchases:      make(map[string]PurchaseRecord),
		PurchaseNonces: make(map[string]map[string]bool),
		Grants:         make(map[string]GrantRecord),
		Tasks:          make(map[string]TaskRecord),
		Presence:       make(map[string]PresenceRecord),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy that can be mutated independently.
func (s *State) Clone() *State {
	c := *s
	c.Members = cloneMap(s.Members)
	c.Balances = cloneMap(s.Balances)
	c.Policy = s.Policy.clone()
	c.Claims = cloneMap(s.Claims)
	c.Offers = cloneMap(s.Offers)
	c.Purchases = cloneMap(s.Purchases)
	c.PurchaseNonces = make(map[string]map[string]bool, len(s.PurchaseNonces))
	for k, set := range s.PurchaseNonces {
		c.PurchaseNonces[k] = cloneMap(set)
	}
	c.Grants = cloneMap(s.Grants)
	c.Tasks = cloneMap(s.Tasks)
	c.Presence = cloneMap(s.Presence)
	return &c
}

// Hash returns the canonical hash of the whole state. Two nodes that replayed
// the same blocks produce the same hash.
func (s *State) Hash() (string, error) {
	return canonical.Hash(s)
}

// Role returns pub's role, or "" if pub is not a member.
func (s *State) Role(pub string) types.Role {
	return s.Members[pub]
}

// BalanceOf returns the balance of acct. The treasury is addressable.
func (s *State) BalanceOf(acct string) int64 {
	if acct == TreasuryAccount {
		return s.Treasury
	}
	return s.Balances[acct]
}

// SumBalances returns the sum of all member balances plus the treasury, and
// false if that sum does not fit in an int64.
func (s *State) SumBalances() (int64, bool) {
	var sum uint64
	for _, b := range s.Balances {
		sum += uint64(b)
		if sum > uint64(MaxTokenValue) {
			return 0, false
		}
	}
	sum += uint64(s.Treasury)
	if sum > uint64(MaxTokenValue) {
		return 0, false
	}
	return int64(sum), true
}

// Conserved reports whether sum(balances) + treasury == total_supply and the
// supply respects the cap.
func (s *State) Conserved() bool {
	sum, ok := s.SumBalances()
	if !ok || sum != s.TotalSupply {
		return false
	}
	if s.Policy.MaxTotalSupply != nil && s.TotalSupply > *s.Policy.MaxTotalSupply {
		return false
	}
	return true
}

func (s *State) adminCount() int {
	n := 0
	for _, r := range s.Members {
		if r == types.RoleAdmin {
			n++
		}
	}
	return n
}

func (s *State) setBalance(acct string, v int64) {
	if acct == TreasuryAccount {
		s.Treasury = v
		return
	}
	if v == 0 {
		delete(s.Balances, acct)
		return
	}
	s.Balances[acct] = v
}

// checkMint reports whether amount can be created and credited to acct.
func (s *State) checkMint(acct string, amount int64) error {
	if amount <= 0 {
		return reject(CodeInvalidAmount, "amount must be positive")
	}
	if s.TotalSupply > MaxTokenValue-amount {
		return reject(CodeOverflow, "total supply would exceed %d", MaxTokenValue)
	}
	if limit := s.Policy.MaxTotalSupply; limit != nil && s.TotalSupply+amount > *limit {
		return reject(CodeSupplyCap, "total supply would exceed max_total_supply %d", *limit)
	}
	p := newLedgerPlan()
	p.add(acct, amount)
	return p.check(s)
}

func (s *State) mint(acct string, amount int64) {
	s.TotalSupply += amount
	s.setBalance(acct, s.BalanceOf(acct)+amount)
}

// mintIfAllowed pays a policy-driven reward, skipping it silently when a cap
// or overflow would be hit.
func (s *State) mintIfAllowed(acct string, amount int64) {
	if amount <= 0 {
		return
	}
	if s.checkMint(acct, amount) != nil {
		return
	}
	s.mint(acct, amount)
}

// ledgerPlan is a set of balance movements that is checked as a whole and
// then committed. Movements to the same account are netted first.
type ledgerPlan struct {
	deltas map[string]int64
}

func newLedgerPlan() *ledgerPlan {
	return &ledgerPlan{deltas: make(map[string]int64)}
}

func (p *ledgerPlan) add(acct string, amount int64) {
	if amount == 0 {
		return
	}
	p.deltas[acct] += amount
}

func (p *ledgerPlan) accounts() []string {
	accts := make([]string, 0, len(p.deltas))
	for a := range p.deltas {
		accts = append(accts, a)
	}
	sort.Strings(accts)
	return accts
}

func (p *ledgerPlan) check(s *State) error {
	for _, acct := range p.accounts() {
		d := p.deltas[acct]
		old := s.BalanceOf(acct)
		if d < 0 {
			if old+d < 0 {
				return reject(CodeInsufficientBalance, "insufficient balance: %s has %d, needs %d", shortAccount(acct), old, -d)
			}
			continue
		}
		if old > MaxTokenValue-d {
			return reject(CodeOverflow, "balance of %s would exceed %d", shortAccount(acct), MaxTokenValue)
		}
		if limit := s.Policy.MaxAccountBalance; limit != nil && acct != TreasuryAccount && old+d > *limit {
			return reject(CodeAccountCap, "balance of %s would exceed max_account_balance %d", shortAccount(acct), *limit)
		}
	}
	return nil
}

func (p *ledgerPlan) commit(s *State) {
	for _, acct := range p.accounts() {
		s.setBalance(acct, s.BalanceOf(acct)+p.deltas[acct])
	}
}

// mulBps returns floor(amount * bps / 10000) without intermediate overflow.
// bps must be within [0, 10000].
func mulBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(bps))
	q, _ := bits.Div64(hi, lo, 10000)
	return int64(q)
}

func validAccount(acct string) bool {
	if acct == TreasuryAccount {
		return true
	}
	_, err := identity.DecodeSignPub(acct)
	return err == nil
}

func shortAccount(acct string) string {
	if len(acct) > 12 {
		return acct[:12] + "…"
	}
	return acct
}
