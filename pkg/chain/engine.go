package chain

import (
	"fmt"
	"time"
)

// Rules are the chain parameters every node of a group must agree on.
type Rules struct {
	MaxTxsPerBlock      int
	MaxFutureDrift      time.Duration
	PurchaseNonceMinLen int
	PurchaseExpiry      time.Duration
	MaxRoyaltyDepth     int
}

// DefaultRules returns the standard chain parameters.
func DefaultRules() Rules {
	return Rules{
		MaxTxsPerBlock:      100,
		MaxFutureDrift:      10 * time.Minute,
		PurchaseNonceMinLen: 16,
		PurchaseExpiry:      10 * time.Minute,
		MaxRoyaltyDepth:     8,
	}
}

// Engine validates and applies blocks. It holds no group state.
type Engine struct {
	rules Rules
	now   func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the reference clock used for the future-drift bound.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine. Zero-valued rule fields take defaults.
func NewEngine(rules Rules, opts ...EngineOption) *Engine {
	def := DefaultRules()
	if rules.MaxTxsPerBlock <= 0 {
		rules.MaxTxsPerBlock = def.MaxTxsPerBlock
	}
	if rules.MaxFutureDrift <= 0 {
		rules.MaxFutureDrift = def.MaxFutureDrift
	}
	if rules.PurchaseNonceMinLen <= 0 {
		rules.PurchaseNonceMinLen = def.PurchaseNonceMinLen
	}
	if rules.PurchaseExpiry <= 0 {
		rules.PurchaseExpiry = def.PurchaseExpiry
	}
	if rules.MaxRoyaltyDepth <= 0 {
		rules.MaxRoyaltyDepth = def.MaxRoyaltyDepth
	}
	e := &Engine{rules: rules, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the engine's parameters.
func (e *Engine) Rules() Rules {
	return e.rules
}

// Now returns the engine's reference time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// ValidateTransaction checks tx against st without mutating it.
func (e *Engine) ValidateTransaction(st *State, tx Transaction, tc TxContext) error {
	if tx.TxBody == nil {
		return reject(CodeMalformed, "empty transaction")
	}
	return tx.check(st, &tc, &e.rules)
}

// ValidateBlock runs the block-level checks: group, height, prev, size,
// timestamps, id, signature and author membership.
func (e *Engine) ValidateBlock(st *State, b *Block) error {
	genesis := st.Head.IsZero()
	if genesis {
		if b.Height != 0 {
			return reject(CodeWrongHeight, "wrong height: expected 0, got %d", b.Height)
		}
		if b.PrevHash != GenesisPrev {
			return reject(CodeWrongPrev, "wrong prev for genesis block")
		}
		if !ValidGroupID(b.GroupID) {
			return reject(CodeWrongGroup, "invalid group_id %q", b.GroupID)
		}
	} else {
		if b.GroupID != st.GroupID {
			return reject(CodeWrongGroup, "block belongs to group %q", b.GroupID)
		}
		if b.Height != st.Head.Height+1 {
			return reject(CodeWrongHeight, "wrong height: expected %d, got %d", st.Head.Height+1, b.Height)
		}
		if b.PrevHash != st.Head.ID {
			return reject(CodeWrongPrev, "wrong prev")
		}
	}

	if len(b.Transactions) == 0 {
		return reject(CodeEmptyBlock, "block has no transactions")
	}
	if len(b.Transactions) > e.rules.MaxTxsPerBlock {
		return reject(CodeTooManyTxs, "too many transactions: %d > %d", len(b.Transactions), e.rules.MaxTxsPerBlock)
	}
	if genesis != (b.Transactions[0].TxBody != nil && b.Transactions[0].Type() == TxGenesis) {
		return reject(CodeMalformed, "genesis transaction must open block 0 and only block 0")
	}

	if b.TsMs < 0 {
		return reject(CodeTimestamp, "negative timestamp")
	}
	if b.TsMs < st.Head.TsMs {
		return reject(CodeTimestamp, "block timestamp before previous block")
	}
	if limit := e.now().Add(e.rules.MaxFutureDrift).UnixMilli(); b.TsMs > limit {
		return reject(CodeTimestamp, "block timestamp too far in the future")
	}

	if err := b.verifyIntegrity(); err != nil {
		return err
	}
	if !genesis && st.Role(b.AuthorPub) == "" {
		return reject(CodeNotMember, "block author not a member")
	}
	return nil
}

// ApplyBlock validates b in full and returns the state after it. st is never
// modified; on any failure the returned state is nil.
func (e *Engine) ApplyBlock(st *State, b *Block) (*State, error) {
	if err := e.ValidateBlock(st, b); err != nil {
		return nil, err
	}

	next := st.Clone()
	for i, tx := range b.Transactions {
		tc := TxContext{
			GroupID: b.GroupID,
			Author:  b.AuthorPub,
			Role:    next.Role(b.AuthorPub),
			BlockTs: b.TsMs,
			Height:  b.Height,
		}
		if err := e.ValidateTransaction(next, tx, tc); err != nil {
			return nil, txError(i, tx, err)
		}
		tx.apply(next, &tc, &e.rules)
	}
	next.Head = b.Ref()
	return next, nil
}

func txError(i int, tx Transaction, err error) error {
	ve, ok := err.(*ValidationError)
	if !ok {
		return err
	}
	return &ValidationError{Code: ve.Code, Message: fmt.Sprintf("tx %d (%s): %s", i, tx.Type(), ve.Message)}
}
