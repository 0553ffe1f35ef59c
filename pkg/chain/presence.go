package chain

import (
	"time"

	"github.com/relves/groupchain/pkg/types"
)

// PresenceRecord is a member's last reported availability.
type PresenceRecord struct {
	Status    types.PresenceStatus `json:"status"`
	Note      string               `json:"note,omitempty"`
	UpdatedMs int64                `json:"updated_ms"`
}

// Stale reports whether the record is older than threshold at now. Staleness
// is derived on read and never stored.
func (p PresenceRecord) Stale(now time.Time, threshold time.Duration) bool {
	return now.UnixMilli()-p.UpdatedMs > threshold.Milliseconds()
}

// PresenceUpdate sets the author's presence.
type PresenceUpdate struct {
	TxMeta
	Status types.PresenceStatus `json:"status"`
	Note   string               `json:"note,omitempty"`
}

func (*PresenceUpdate) Type() TxType { return TxPresenceUpdate }

func (p *PresenceUpdate) check(_ *State, tc *TxContext, _ *Rules) error {
	if !tc.isMember() {
		return reject(CodeNotMember, "presence_update requires membership")
	}
	if !p.Status.Valid() {
		return reject(CodeMalformed, "unknown presence status %q", p.Status)
	}
	if len(p.Note) > 256 {
		return reject(CodeMalformed, "note too long")
	}
	return nil
}

func (p *PresenceUpdate) apply(st *State, tc *TxContext, _ *Rules) {
	ts := p.TsMs
	if ts == 0 {
		ts = tc.BlockTs
	}
	st.Presence[tc.Author] = PresenceRecord{Status: p.Status, Note: p.Note, UpdatedMs: ts}
}
