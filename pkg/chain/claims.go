package chain

import (
	"github.com/relves/groupchain/pkg/types"
)

// ClaimRecord is a member's claim of authorship over a stored artifact.
type ClaimRecord struct {
	ArtifactHash string   `json:"artifact_hash"`
	Claimant     string   `json:"claimant"`
	Title        string   `json:"title,omitempty"`
	Tags         []string `json:"tags"`
	TsMs         int64    `json:"ts_ms"`
	Active       bool     `json:"active"`
	RetractedBy  string   `json:"retracted_by,omitempty"`
}

// isHash reports whether s is a lowercase hex SHA-256 digest.
func isHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func checkTags(tags []string) error {
	if len(tags) > 32 {
		return reject(CodeMalformed, "too many tags")
	}
	for _, t := range tags {
		if t == "" || len(t) > 64 {
			return reject(CodeMalformed, "tags must be 1-64 characters")
		}
	}
	return nil
}

// Claim registers an artifact. Whether the hash resolves in content storage
// is checked by the submitting node, not here. The block author receives the
// claim reward when caps allow.
type Claim struct {
	TxMeta
	ArtifactHash string   `json:"artifact_hash"`
	Title        string   `json:"title,omitempty"`
	Tags         []string `json:"tags"`
}

func (*Claim) Type() TxType { return TxClaim }

func (c *Claim) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isMember() {
		return reject(CodeNotMember, "claim requires membership")
	}
	if !isHash(c.ArtifactHash) {
		return reject(CodeMalformed, "artifact_hash must be 64 lowercase hex characters")
	}
	if _, ok := st.Claims[c.ArtifactHash]; ok {
		return reject(CodeDuplicate, "artifact already claimed")
	}
	return checkTags(c.Tags)
}

func (c *Claim) apply(st *State, tc *TxContext, _ *Rules) {
	st.Claims[c.ArtifactHash] = ClaimRecord{
		ArtifactHash: c.ArtifactHash,
		Claimant:     tc.Author,
		Title:        c.Title,
		Tags:         c.Tags,
		TsMs:         tc.BlockTs,
		Active:       true,
	}
	st.mintIfAllowed(tc.Author, st.Policy.ClaimRewardAmount)
}

// Retract deactivates a claim.
type Retract struct {
	TxMeta
	ArtifactHash string `json:"artifact_hash"`
}

func (*Retract) Type() TxType { return TxRetract }

func (r *Retract) check(st *State, tc *TxContext, _ *Rules) error {
	claim, ok := st.Claims[r.ArtifactHash]
	if !ok {
		return reject(CodeNotFound, "claim not found")
	}
	if !claim.Active {
		return reject(CodeInvalidTransition, "claim already retracted")
	}
	if tc.Author != claim.Claimant && tc.Role != types.RoleAdmin {
		return reject(CodeUnauthorized, "only the claimant or an admin may retract")
	}
	return nil
}

func (r *Retract) apply(st *State, tc *TxContext, _ *Rules) {
	claim := st.Claims[r.ArtifactHash]
	claim.Active = false
	claim.RetractedBy = tc.Author
	st.Claims[r.ArtifactHash] = claim
}
