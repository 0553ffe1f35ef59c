package chain

import (
	"errors"
	"fmt"
)

var (
	ErrStaleState      = errors.New("stale state: head advanced after authorization")
	ErrNotMember       = errors.New("not a member of this group")
	ErrEmptyChain      = errors.New("chain has no genesis block")
	ErrUnknownTxType   = errors.New("unknown transaction type")
	ErrGroupMismatch   = errors.New("chain belongs to a different group")
	ErrGenesisMismatch = errors.New("chains do not share a genesis block")
)

// Validation error codes. Each names the rule that was violated.
const (
	CodeMalformed           = "malformed"
	CodeUnauthorized        = "unauthorized"
	CodeWrongGroup          = "wrong_group"
	CodeWrongHeight         = "wrong_height"
	CodeWrongPrev           = "wrong_prev"
	CodeEmptyBlock          = "empty_block"
	CodeTooManyTxs          = "too_many_transactions"
	CodeTimestamp           = "bad_timestamp"
	CodeBadBlockID          = "bad_block_id"
	CodeBadSignature        = "bad_signature"
	CodeNotMember           = "not_member"
	CodeMemberNotFound      = "member_not_found"
	CodeLastAdmin           = "last_admin"
	CodeInvalidAmount       = "invalid_amount"
	CodeInsufficientBalance = "insufficient_balance"
	CodeOverflow            = "overflow"
	CodeSupplyCap           = "supply_cap_exceeded"
	CodeAccountCap          = "account_cap_exceeded"
	CodeInvalidPolicy       = "invalid_policy"
	CodeDuplicate           = "duplicate"
	CodeNotFound            = "not_found"
	CodeInvalidTransition   = "invalid_transition"
	CodeNonceTooShort       = "nonce_too_short"
	CodeNonceReplay         = "nonce_replay"
	CodeExpired             = "expired"
	CodePriceMismatch       = "price_mismatch"
	CodeNoPurchase          = "no_purchase"
)

// ValidationError is a rejected block or transaction. It never leaves
// partial state behind.
type ValidationError struct {
	Code    string // Machine-readable rule identifier (e.g., "insufficient_balance")
	Message string // Human-readable detail
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches another *ValidationError with the same code, so callers can
// write errors.Is(err, &ValidationError{Code: CodeOverflow}).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

func reject(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the validation code carried by err, or "" if err is not a
// validation failure.
func CodeOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
