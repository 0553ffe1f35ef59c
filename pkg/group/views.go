package group

import (
	"sort"

	"github.com/relves/groupchain/pkg/chain"
)

// PresenceView is a member's presence with staleness derived at read time.
type PresenceView struct {
	Pub string `json:"pub"`
	chain.PresenceRecord
	Stale bool `json:"stale"`
}

// PresenceList returns the presence of every member that reported one, for
// member caller.
func (s *Service) PresenceList(groupID, caller string) ([]PresenceView, error) {
	st, err := s.memberState(groupID, caller)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]PresenceView, 0, len(st.Presence))
	for pub, rec := range st.Presence {
		out = append(out, PresenceView{Pub: pub, PresenceRecord: rec, Stale: rec.Stale(now, s.staleAfter)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pub < out[j].Pub })
	return out, nil
}

// TaskList returns the tasks of groupID for member caller, oldest first.
func (s *Service) TaskList(groupID, caller string) ([]chain.TaskRecord, error) {
	st, err := s.memberState(groupID, caller)
	if err != nil {
		return nil, err
	}
	out := make([]chain.TaskRecord, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedMs != out[j].CreatedMs {
			return out[i].CreatedMs < out[j].CreatedMs
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

// Balances returns the account balances of groupID for member caller.
func (s *Service) Balances(groupID, caller string) (map[string]int64, error) {
	st, err := s.memberState(groupID, caller)
	if err != nil {
		return nil, err
	}
	return st.Balances, nil
}
