package group

import (
	"errors"
	"fmt"

	"github.com/relves/groupchain/internal/cas"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/types"
)

var errNoCAS = errors.New("object store not configured")

// PutObject stores data on behalf of caller. Group objects may only be
// stored by members of that group, and bytes already held for a group may
// only be stored again by members of the group that owns them.
func (s *Service) PutObject(caller string, data []byte, meta cas.Meta) (string, error) {
	if s.cas == nil {
		return "", errNoCAS
	}
	if prev, err := s.cas.Meta(cas.Hash(data)); err == nil && prev.Visibility == types.VisibilityGroup {
		if err := s.authorizeObject(prev.GroupID, caller); err != nil {
			return "", err
		}
	}
	if meta.Visibility == types.VisibilityGroup {
		if _, err := s.Authorize(meta.GroupID, caller); err != nil {
			return "", err
		}
	}
	return s.cas.Put(data, meta)
}

// GetObject returns an object if caller may read it: public objects to
// anyone, group objects only to current members of the owning group.
func (s *Service) GetObject(caller, ref string) ([]byte, *cas.Meta, error) {
	if s.cas == nil {
		return nil, nil, errNoCAS
	}
	meta, err := s.cas.Meta(ref)
	if err != nil {
		return nil, nil, err
	}
	if meta.Visibility != types.VisibilityPublic {
		if err := s.authorizeObject(meta.GroupID, caller); err != nil {
			return nil, nil, err
		}
	}
	data, err := s.cas.Get(ref)
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

func (s *Service) authorizeObject(groupID, caller string) error {
	if _, err := s.Authorize(groupID, caller); err != nil {
		if errors.Is(err, chain.ErrNotMember) || errors.Is(err, ErrUnknownGroup) {
			return fmt.Errorf("%w: object belongs to group %s", ErrForbidden, groupID)
		}
		return err
	}
	return nil
}
