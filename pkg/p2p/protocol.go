// Package p2p defines the request/response protocol spoken over a secure
// session and a client for it.
package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/group"
	"github.com/relves/groupchain/pkg/types"
)

// NodeVersion is reported by node_info.
const NodeVersion = "groupchain/1"

// Error codes carried in Response.Error.
const (
	CodeBadRequest       = "bad_request"
	CodeUnknownMethod    = "unknown_method"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeStaleState       = "stale_state"
	CodeInvalidSignature = "invalid_signature"
	CodeValidationFailed = "validation_failed"
	CodeRateLimited      = "rate_limited"
	CodeTooLarge         = "too_large"
	CodeInternal         = "internal"
)

// Request is one call. Params is method specific and may be absent.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Error is a failed call as seen on the wire.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds an *Error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the wire code carried by err, or "" if err did not come
// from the remote side.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// PingResult answers ping.
type PingResult struct {
	Pong bool  `json:"pong"`
	TsMs int64 `json:"ts_ms"`
}

// NodeInfo answers node_info.
type NodeInfo struct {
	NodeID  string `json:"node_id"`
	SignPub string `json:"sign_pub"`
	EncPub  string `json:"enc_pub"`
	Version string `json:"version"`
	Groups  int    `json:"groups"`
}

// GroupListResult answers group_list with the caller's groups.
type GroupListResult struct {
	Groups []group.Summary `json:"groups"`
}

// GroupParams names a group.
type GroupParams struct {
	GroupID string `json:"group_id"`
}

// Snapshot answers group_get_snapshot.
type Snapshot struct {
	GroupID string         `json:"group_id"`
	Head    chain.BlockRef `json:"head"`
	Blocks  []chain.Block  `json:"blocks"`
}

// PushSnapshotParams carries a full chain for fork resolution.
type PushSnapshotParams struct {
	GroupID string        `json:"group_id"`
	Blocks  []chain.Block `json:"blocks"`
}

// PushBlockParams carries one block extending the receiver's head.
type PushBlockParams struct {
	GroupID string      `json:"group_id"`
	Block   chain.Block `json:"block"`
}

// PushBlockResult is the receiver's head after the append.
type PushBlockResult struct {
	Head chain.BlockRef `json:"head"`
}

// CASGetParams names an object by hex hash or CID.
type CASGetParams struct {
	Ref string `json:"ref"`
}

// Object is a stored object with its metadata.
type Object struct {
	Hash       string           `json:"hash"`
	CID        string           `json:"cid"`
	Data       []byte           `json:"data"`
	Visibility types.Visibility `json:"visibility"`
	GroupID    string           `json:"group_id,omitempty"`
	Kind       string           `json:"kind,omitempty"`
}

// CASPutParams stores an object. GroupID is required for group visibility.
type CASPutParams struct {
	Data       []byte           `json:"data"`
	Visibility types.Visibility `json:"visibility"`
	GroupID    string           `json:"group_id,omitempty"`
	Kind       string           `json:"kind,omitempty"`
}

// CASPutResult names the stored object.
type CASPutResult struct {
	Hash string `json:"hash"`
	CID  string `json:"cid"`
}

// AnnounceResult reports how many announced offers were stored.
type AnnounceResult struct {
	Accepted int `json:"accepted"`
}

// PurchaseParams carries a buyer-signed purchase. The grant is sealed to the
// purchase's signed BuyerEncPub, or to the session key when the buyer is the
// calling peer and signed none.
type PurchaseParams struct {
	GroupID  string         `json:"group_id"`
	Purchase chain.Purchase `json:"purchase"`
}

// PresenceListResult answers presence_list.
type PresenceListResult struct {
	Presence []group.PresenceView `json:"presence"`
}

// TaskListResult answers task_list.
type TaskListResult struct {
	Tasks []chain.TaskRecord `json:"tasks"`
}
