package chain

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

var rangeFactory = &compact.RangeFactory{Hash: rfc6962.DefaultHasher.HashChildren}

// Chain is one group's block sequence and the state it materializes. All
// mutations hold the chain's lock for their full duration, including the
// persist callback, so appends for the same group never interleave.
type Chain struct {
	engine *Engine

	mu     sync.RWMutex
	blocks []Block
	state  *State
	tree   *compact.Range
}

// New returns an empty chain awaiting its genesis block.
func New(engine *Engine) *Chain {
	return &Chain{
		engine: engine,
		state:  NewState(),
		tree:   rangeFactory.NewEmptyRange(0),
	}
}

// Engine returns the engine the chain validates with.
func (c *Chain) Engine() *Engine {
	return c.engine
}

func leafHash(id string) ([]byte, error) {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("block id %q: %w", id, err)
	}
	return rfc6962.DefaultHasher.HashLeaf(raw), nil
}

func cloneRange(r *compact.Range) (*compact.Range, error) {
	hashes := append([][]byte(nil), r.Hashes()...)
	return rangeFactory.NewRange(r.Begin(), r.End(), hashes)
}

// Append validates b against the head state and, if persist succeeds,
// installs it. On any error the chain is unchanged.
func (c *Chain) Append(b Block, persist func(Block) error) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(b, persist)
}

func (c *Chain) appendLocked(b Block, persist func(Block) error) (*State, error) {
	next, err := c.engine.ApplyBlock(c.state, &b)
	if err != nil {
		return nil, err
	}
	leaf, err := leafHash(b.ID)
	if err != nil {
		return nil, err
	}
	tree, err := cloneRange(c.tree)
	if err != nil {
		return nil, err
	}
	if err := tree.Append(leaf, nil); err != nil {
		return nil, fmt.Errorf("extend block tree: %w", err)
	}
	if persist != nil {
		if err := persist(b); err != nil {
			return nil, fmt.Errorf("persist block %d: %w", b.Height, err)
		}
	}
	c.blocks = append(c.blocks, b)
	c.state = next
	c.tree = tree
	return next.Clone(), nil
}

// Extend builds a block on the current head from txs, signs it and appends
// it. Transactions without a timestamp take the block time. The block time is
// raised to the head time if the local clock is behind it.
func (c *Chain) Extend(signer identity.Signer, tsMs int64, txs []Transaction, persist func(Block) error) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Head.IsZero() {
		return Block{}, ErrEmptyChain
	}
	if tsMs < c.state.Head.TsMs {
		tsMs = c.state.Head.TsMs
	}
	stampTxs(txs, tsMs)
	b, err := NewBlock(signer, c.state.GroupID, c.state.Head.Height+1, c.state.Head.ID, tsMs, txs)
	if err != nil {
		return Block{}, err
	}
	if _, err := c.appendLocked(b, persist); err != nil {
		return Block{}, err
	}
	return b, nil
}

// Replace swaps the whole chain for blocks after replaying them from genesis.
// persist runs before the swap; if it fails the chain is unchanged.
func (c *Chain) Replace(blocks []Block, persist func([]Block) error) error {
	fresh, err := FromBlocks(c.engine, blocks)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) > 0 && c.blocks[0].ID != blocks[0].ID {
		return ErrGenesisMismatch
	}
	if persist != nil {
		if err := persist(blocks); err != nil {
			return fmt.Errorf("persist chain: %w", err)
		}
	}
	c.blocks = fresh.blocks
	c.state = fresh.state
	c.tree = fresh.tree
	return nil
}

// Head returns the current head reference.
func (c *Chain) Head() BlockRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Head
}

// Len returns the number of blocks.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// GroupID returns the group identifier, empty before genesis.
func (c *Chain) GroupID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.GroupID
}

// State returns a copy of the head state.
func (c *Chain) State() *State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// View runs f against the head state under the read lock. f must not retain
// or modify the state.
func (c *Chain) View(f func(*State)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f(c.state)
}

// Blocks returns a copy of the block list.
func (c *Chain) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Root returns the RFC 6962 Merkle root over the block ids.
func (c *Chain) Root() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tree.End() == 0 {
		return rfc6962.DefaultHasher.EmptyRoot(), nil
	}
	return c.tree.GetRootHash(nil)
}

// Authorize returns pub's role together with the head it was checked at.
// Pass the ref to SnapshotAt to detect head movement in between.
func (c *Chain) Authorize(pub string) (types.Role, BlockRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	role := c.state.Role(pub)
	if role == "" {
		return "", c.state.Head, ErrNotMember
	}
	return role, c.state.Head, nil
}

// SnapshotAt returns the blocks and state as of ref, or ErrStaleState if the
// head moved since ref was taken.
func (c *Chain) SnapshotAt(ref BlockRef) ([]Block, *State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Head != ref {
		return nil, nil, ErrStaleState
	}
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out, c.state.Clone(), nil
}

// StateAt is SnapshotAt without the blocks.
func (c *Chain) StateAt(ref BlockRef) (*State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Head != ref {
		return nil, ErrStaleState
	}
	return c.state.Clone(), nil
}
