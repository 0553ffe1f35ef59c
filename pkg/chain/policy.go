package chain

import (
	"sort"
	"strings"
)

// MaxTransferFeeBps caps the transfer fee at 50%.
const MaxTransferFeeBps = 5000

// Policy keys accepted by policy_update.
const (
	PolicyFaucetAmount      = "faucet_amount"
	PolicyClaimRewardAmount = "claim_reward_amount"
	PolicyTransferFeeBps    = "transfer_fee_bps"
	PolicyMaxTotalSupply    = "max_total_supply"
	PolicyMaxAccountBalance = "max_account_balance"
)

var policyKeys = map[string]bool{
	PolicyFaucetAmount:      true,
	PolicyClaimRewardAmount: true,
	PolicyTransferFeeBps:    true,
	PolicyMaxTotalSupply:    true,
	PolicyMaxAccountBalance: true,
}

// Policy is the group's token economy configuration. Nil caps are unbounded.
type Policy struct {
	FaucetAmount      int64  `json:"faucet_amount"`
	ClaimRewardAmount int64  `json:"claim_reward_amount"`
	TransferFeeBps    int64  `json:"transfer_fee_bps"`
	MaxTotalSupply    *int64 `json:"max_total_supply"`
	MaxAccountBalance *int64 `json:"max_account_balance"`
}

func copyInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (p Policy) clone() Policy {
	p.MaxTotalSupply = copyInt(p.MaxTotalSupply)
	p.MaxAccountBalance = copyInt(p.MaxAccountBalance)
	return p
}

// validate checks p as a whole against the current supply.
func (p Policy) validate(totalSupply int64) error {
	if p.FaucetAmount < 0 || p.ClaimRewardAmount < 0 {
		return reject(CodeInvalidPolicy, "reward amounts must be non-negative")
	}
	if p.TransferFeeBps < 0 || p.TransferFeeBps > MaxTransferFeeBps {
		return reject(CodeInvalidPolicy, "transfer_fee_bps must be 0-%d", MaxTransferFeeBps)
	}
	if p.MaxTotalSupply != nil {
		if *p.MaxTotalSupply < 0 {
			return reject(CodeInvalidPolicy, "max_total_supply must be non-negative")
		}
		if *p.MaxTotalSupply < totalSupply {
			return reject(CodeInvalidPolicy, "max_total_supply cannot be below current supply %d", totalSupply)
		}
	}
	if p.MaxAccountBalance != nil && *p.MaxAccountBalance < 0 {
		return reject(CodeInvalidPolicy, "max_account_balance must be non-negative")
	}
	return nil
}

// with returns a copy of p with updates applied. Keys must already be known.
func (p Policy) with(updates map[string]*int64) Policy {
	out := p.clone()
	for k, v := range updates {
		switch k {
		case PolicyFaucetAmount:
			out.FaucetAmount = *v
		case PolicyClaimRewardAmount:
			out.ClaimRewardAmount = *v
		case PolicyTransferFeeBps:
			out.TransferFeeBps = *v
		case PolicyMaxTotalSupply:
			out.MaxTotalSupply = copyInt(v)
		case PolicyMaxAccountBalance:
			out.MaxAccountBalance = copyInt(v)
		}
	}
	return out
}

func checkPolicyUpdates(updates map[string]*int64) error {
	if len(updates) == 0 {
		return reject(CodeInvalidPolicy, "no updates")
	}
	var unknown []string
	for k, v := range updates {
		if !policyKeys[k] {
			unknown = append(unknown, k)
			continue
		}
		if v == nil && !strings.HasPrefix(k, "max_") {
			return reject(CodeInvalidPolicy, "%s cannot be null", k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return reject(CodeInvalidPolicy, "unknown keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}
