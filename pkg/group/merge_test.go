package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/pkg/chain"
)

// forkedPair returns two nodes that share a genesis and then diverge: a adds
// two blocks, b adds one.
func forkedPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()
	ctx := context.Background()
	a, b := newTestNode(t), newTestNode(t)
	createGroup(t, a, "research", b.pub())

	ca, _ := a.svc.Chain("research")
	_, err := b.svc.MergeSnapshot(ctx, "research", ca.Blocks())
	require.NoError(t, err)

	_, err = a.svc.Submit(ctx, "research", &chain.Mint{To: a.pub(), Amount: 5})
	require.NoError(t, err)
	_, err = a.svc.Submit(ctx, "research", &chain.Mint{To: b.pub(), Amount: 5})
	require.NoError(t, err)
	_, err = b.svc.Submit(ctx, "research", &chain.TaskCreate{TaskID: "t1", Title: "Survey"})
	require.NoError(t, err)
	return a, b
}

func TestMergeSnapshot_AdoptsPreferred(t *testing.T) {
	ctx := context.Background()
	a, b := forkedPair(t)

	ca, _ := a.svc.Chain("research")
	res, err := b.svc.MergeSnapshot(ctx, "research", ca.Blocks())
	require.NoError(t, err)
	assert.Equal(t, MergeAdopted, res.Outcome)
	assert.Equal(t, ca.Head(), res.Head)

	// the adopted chain is what b persisted
	b.close()
	reopened, _ := openService(t, b.id, b.dataDir)
	cb, err := reopened.Chain("research")
	require.NoError(t, err)
	assert.Equal(t, ca.Head(), cb.Head())
	tasks, err := reopened.TaskList("research", b.pub())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMergeSnapshot_KeepsLocal(t *testing.T) {
	ctx := context.Background()
	a, b := forkedPair(t)

	before, _ := a.svc.Chain("research")
	head := before.Head()
	cb, _ := b.svc.Chain("research")
	res, err := a.svc.MergeSnapshot(ctx, "research", cb.Blocks())
	require.NoError(t, err)
	assert.Equal(t, MergeKept, res.Outcome)
	assert.Equal(t, head, res.Head)

	// merging our own chain is a no-op too
	res, err = a.svc.MergeSnapshot(ctx, "research", before.Blocks())
	require.NoError(t, err)
	assert.Equal(t, MergeKept, res.Outcome)
}

func TestMergeSnapshot_Rejects(t *testing.T) {
	ctx := context.Background()
	a := newTestNode(t)
	createGroup(t, a, "research")

	_, err := a.svc.MergeSnapshot(ctx, "research", nil)
	assert.ErrorIs(t, err, chain.ErrEmptyChain)

	ca, _ := a.svc.Chain("research")
	_, err = a.svc.MergeSnapshot(ctx, "other", ca.Blocks())
	assert.ErrorIs(t, err, chain.ErrGroupMismatch)

	// an unrelated group that happens to use the same id and is longer
	other := newTestNode(t)
	createGroup(t, other, "research")
	_, err = other.svc.Submit(ctx, "research", &chain.Mint{To: other.pub(), Amount: 1})
	require.NoError(t, err)
	co, _ := other.svc.Chain("research")
	_, err = a.svc.MergeSnapshot(ctx, "research", co.Blocks())
	assert.ErrorIs(t, err, chain.ErrGenesisMismatch)
	assert.Equal(t, uint64(0), ca.Head().Height)

	// a tampered block fails verification and changes nothing
	blocks := co.Blocks()
	blocks[1].TsMs++
	fresh := newTestNode(t)
	_, err = fresh.svc.MergeSnapshot(ctx, "research", blocks)
	require.Error(t, err)
	assert.Empty(t, fresh.svc.Groups())
}
