package chain

import (
	"fmt"
)

// Replay validates blocks from genesis and returns the final state. Every
// block is re-verified regardless of where it came from.
func Replay(engine *Engine, blocks []Block) (*State, error) {
	c, err := FromBlocks(engine, blocks)
	if err != nil {
		return nil, err
	}
	return c.state, nil
}

// FromBlocks builds a chain by replaying blocks from genesis.
func FromBlocks(engine *Engine, blocks []Block) (*Chain, error) {
	if len(blocks) == 0 {
		return nil, ErrEmptyChain
	}
	c := New(engine)
	for i := range blocks {
		if _, err := c.appendLocked(blocks[i], nil); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return c, nil
}
