package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relves/groupchain/internal/cas"
	"github.com/relves/groupchain/internal/ratelimit"
	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/group"
	"github.com/relves/groupchain/pkg/p2p"
	"github.com/relves/groupchain/pkg/secure"
	"github.com/relves/groupchain/pkg/types"
)

var errBadParams = errors.New("invalid params")

// call is one request as seen by a handler.
type call struct {
	sess   *secure.Session
	peer   string
	params json.RawMessage
}

// decode reads the params strictly into v.
func (c *call) decode(v any) error {
	if len(c.params) == 0 {
		return fmt.Errorf("%w: missing", errBadParams)
	}
	dec := json.NewDecoder(bytes.NewReader(c.params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadParams, err)
	}
	return nil
}

type handlerFunc func(ctx context.Context, c *call) (any, error)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		types.MethodPing:                 s.handlePing,
		types.MethodNodeInfo:             s.handleNodeInfo,
		types.MethodGroupList:            s.handleGroupList,
		types.MethodGroupGetSnapshot:     s.handleGetSnapshot,
		types.MethodGroupPushSnapshot:    s.handlePushSnapshot,
		types.MethodGroupPushBlock:       s.handlePushBlock,
		types.MethodCASGet:               s.handleCASGet,
		types.MethodCASPut:               s.handleCASPut,
		types.MethodMarketListOffers:     s.handleListOffers,
		types.MethodMarketAnnounceOffers: s.handleAnnounce,
		types.MethodMarketPurchase:       s.handlePurchase,
		types.MethodPresenceList:         s.handlePresenceList,
		types.MethodTaskList:             s.handleTaskList,
	}
}

func (s *Server) dispatch(ctx context.Context, sess *secure.Session, req p2p.Request) (any, error) {
	access, known := types.MethodAccess(req.Method)
	h, ok := s.handlers[req.Method]
	if !known || !ok {
		return nil, p2p.Errorf(p2p.CodeUnknownMethod, "unknown method %q", req.Method)
	}
	peer := sess.PeerSignPub()
	s.logger.Debug("rpc", "method", req.Method, "access", access, "peer", secure.PeerID(peer))
	if s.cfg.Validator != nil {
		if err := s.cfg.Validator.ValidateRequest(ctx, peer, req.Method); err != nil {
			var vErr *ValidationError
			if errors.As(err, &vErr) {
				return nil, p2p.Errorf(vErr.Code, "%s", vErr.Message)
			}
			return nil, p2p.Errorf(p2p.CodeRateLimited, "%s", err.Error())
		}
	}
	return h(ctx, &call{sess: sess, peer: peer, params: req.Params})
}

// wireError maps err onto a wire code. Errors without a mapping are logged
// and reported as a bare internal error.
func (s *Server) wireError(method string, err error) *p2p.Error {
	var (
		wire *p2p.Error
		ve   *chain.ValidationError
	)
	switch {
	case errors.As(err, &wire):
		return wire
	case errors.Is(err, errBadParams),
		errors.Is(err, cas.ErrInvalidRef),
		errors.Is(err, cas.ErrTooLarge),
		errors.Is(err, cas.ErrBadMetadata),
		errors.Is(err, group.ErrBadAnnouncement) && !errors.Is(err, group.ErrAnnouncementSignature):
		return p2p.Errorf(p2p.CodeBadRequest, "%s", err.Error())
	case errors.Is(err, group.ErrAnnouncementSignature):
		return p2p.Errorf(p2p.CodeInvalidSignature, "%s", err.Error())
	case errors.Is(err, chain.ErrStaleState):
		return p2p.Errorf(p2p.CodeStaleState, "%s", err.Error())
	case errors.Is(err, chain.ErrNotMember), errors.Is(err, group.ErrForbidden), errors.Is(err, cas.ErrOwned):
		return p2p.Errorf(p2p.CodeForbidden, "%s", err.Error())
	case errors.Is(err, group.ErrUnknownGroup),
		errors.Is(err, cas.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return p2p.Errorf(p2p.CodeNotFound, "%s", err.Error())
	case errors.As(err, &ve):
		if ve.Code == chain.CodeBadSignature {
			return p2p.Errorf(p2p.CodeInvalidSignature, "%s", ve.Error())
		}
		return p2p.Errorf(p2p.CodeValidationFailed, "%s", ve.Error())
	case errors.Is(err, chain.ErrGroupMismatch),
		errors.Is(err, chain.ErrGenesisMismatch),
		errors.Is(err, chain.ErrEmptyChain),
		errors.Is(err, chain.ErrUnknownTxType),
		errors.Is(err, group.ErrGroupExists):
		return p2p.Errorf(p2p.CodeValidationFailed, "%s", err.Error())
	case errors.Is(err, ratelimit.ErrRateLimited):
		return p2p.Errorf(p2p.CodeRateLimited, "%s", err.Error())
	}
	s.logger.Error("call failed", "method", method, "error", err)
	return p2p.Errorf(p2p.CodeInternal, "internal error")
}

// member checks that the caller belongs to groupID. Unknown groups are
// reported as such rather than as a membership failure.
func (s *Server) member(c *call, groupID string) error {
	if !chain.ValidGroupID(groupID) {
		return fmt.Errorf("%w: group_id", errBadParams)
	}
	_, err := s.groups.Authorize(groupID, c.peer)
	return err
}

func (s *Server) handlePing(_ context.Context, _ *call) (any, error) {
	return p2p.PingResult{Pong: true, TsMs: time.Now().UnixMilli()}, nil
}

func (s *Server) handleNodeInfo(_ context.Context, _ *call) (any, error) {
	id := s.groups.Identity()
	return p2p.NodeInfo{
		NodeID:  secure.PeerID(id.PublicKeyB64()),
		SignPub: id.PublicKeyB64(),
		EncPub:  id.EncPublicKeyB64(),
		Version: p2p.NodeVersion,
		Groups:  len(s.groups.Groups()),
	}, nil
}

func (s *Server) handleGroupList(_ context.Context, c *call) (any, error) {
	groups := s.groups.GroupsFor(c.peer)
	if groups == nil {
		groups = []group.Summary{}
	}
	return p2p.GroupListResult{Groups: groups}, nil
}

func (s *Server) handleGetSnapshot(_ context.Context, c *call) (any, error) {
	var p p2p.GroupParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	if !chain.ValidGroupID(p.GroupID) {
		return nil, fmt.Errorf("%w: group_id", errBadParams)
	}
	blocks, err := s.groups.SnapshotFor(p.GroupID, c.peer)
	if err != nil {
		return nil, err
	}
	return p2p.Snapshot{GroupID: p.GroupID, Head: blocks[len(blocks)-1].Ref(), Blocks: blocks}, nil
}

func (s *Server) handlePushSnapshot(ctx context.Context, c *call) (any, error) {
	var p p2p.PushSnapshotParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	if err := s.member(c, p.GroupID); err != nil {
		return nil, err
	}
	res, err := s.groups.MergeSnapshot(ctx, p.GroupID, p.Blocks)
	if err != nil {
		return nil, err
	}
	s.logger.Info("snapshot pushed", "groupID", p.GroupID, "peer", secure.PeerID(c.peer), "outcome", res.Outcome, "height", res.Head.Height)
	return res, nil
}

func (s *Server) handlePushBlock(ctx context.Context, c *call) (any, error) {
	var p p2p.PushBlockParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	if err := s.member(c, p.GroupID); err != nil {
		return nil, err
	}
	head, err := s.groups.ApplyRemoteBlock(ctx, p.GroupID, p.Block)
	if err != nil {
		return nil, err
	}
	return p2p.PushBlockResult{Head: head}, nil
}

func objectResult(hash string, data []byte, meta *cas.Meta) (p2p.Object, error) {
	id, err := cas.CID(hash)
	if err != nil {
		return p2p.Object{}, err
	}
	return p2p.Object{
		Hash:       hash,
		CID:        id.String(),
		Data:       data,
		Visibility: meta.Visibility,
		GroupID:    meta.GroupID,
		Kind:       meta.Kind,
	}, nil
}

func (s *Server) handleCASGet(_ context.Context, c *call) (any, error) {
	var p p2p.CASGetParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	hash, err := cas.ParseRef(p.Ref)
	if err != nil {
		return nil, err
	}
	data, meta, err := s.groups.GetObject(c.peer, hash)
	if err != nil {
		return nil, err
	}
	return objectResult(hash, data, meta)
}

func (s *Server) handleCASPut(_ context.Context, c *call) (any, error) {
	var p p2p.CASPutParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	if err := s.member(c, p.GroupID); err != nil {
		return nil, err
	}
	meta := cas.Meta{Visibility: p.Visibility, Kind: p.Kind}
	if p.Visibility == types.VisibilityGroup {
		meta.GroupID = p.GroupID
	}
	hash, err := s.groups.PutObject(c.peer, p.Data, meta)
	if err != nil {
		return nil, err
	}
	id, err := cas.CID(hash)
	if err != nil {
		return nil, err
	}
	return p2p.CASPutResult{Hash: hash, CID: id.String()}, nil
}

func (s *Server) handleListOffers(ctx context.Context, _ *call) (any, error) {
	return s.groups.ListOffers(ctx)
}

func (s *Server) handleAnnounce(ctx context.Context, c *call) (any, error) {
	var a group.Announcement
	if err := c.decode(&a); err != nil {
		return nil, err
	}
	n, err := s.groups.AcceptAnnouncement(ctx, a)
	if err != nil {
		return nil, err
	}
	return p2p.AnnounceResult{Accepted: n}, nil
}

func (s *Server) handlePurchase(ctx context.Context, c *call) (any, error) {
	var p p2p.PurchaseParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	if !chain.ValidGroupID(p.GroupID) {
		return nil, fmt.Errorf("%w: group_id", errBadParams)
	}

	// a relayed purchase is only granted to the key the buyer signed
	var sessionEncPub []byte
	if p.Purchase.Buyer == c.peer {
		sessionEncPub = c.sess.PeerEncPub()
	}

	res, err := s.groups.Purchase(ctx, p.GroupID, &p.Purchase, sessionEncPub)
	if err != nil {
		return nil, err
	}
	s.logger.Info("purchase carried", "groupID", p.GroupID, "offerID", p.Purchase.OfferID, "peer", secure.PeerID(c.peer), "granted", res.Grant != nil)
	return res, nil
}

func (s *Server) handlePresenceList(_ context.Context, c *call) (any, error) {
	var p p2p.GroupParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	if !chain.ValidGroupID(p.GroupID) {
		return nil, fmt.Errorf("%w: group_id", errBadParams)
	}
	presence, err := s.groups.PresenceList(p.GroupID, c.peer)
	if err != nil {
		return nil, err
	}
	return p2p.PresenceListResult{Presence: presence}, nil
}

func (s *Server) handleTaskList(_ context.Context, c *call) (any, error) {
	var p p2p.GroupParams
	if err := c.decode(&p); err != nil {
		return nil, err
	}
	if !chain.ValidGroupID(p.GroupID) {
		return nil, fmt.Errorf("%w: group_id", errBadParams)
	}
	tasks, err := s.groups.TaskList(p.GroupID, c.peer)
	if err != nil {
		return nil, err
	}
	return p2p.TaskListResult{Tasks: tasks}, nil
}
