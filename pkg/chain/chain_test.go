package chain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/relves/groupchain/pkg/canonical"
	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

const (
	baseTs      int64 = 1_700_000_000_000
	testGroupID       = "group-test"
)

func testEngine() *Engine {
	now := time.UnixMilli(baseTs).Add(24 * time.Hour)
	return NewEngine(DefaultRules(), WithClock(func() time.Time { return now }))
}

func ptr(v int64) *int64 { return &v }

func hashOf(s string) string { return canonical.HashBytes([]byte(s)) }

type fixture struct {
	t      *testing.T
	engine *Engine
	admin  *identity.Identity
	bob    *identity.Identity
	carol  *identity.Identity
	chain  *Chain
	ts     int64
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

// newFixture founds a group with admin as admin and bob as member. carol is
// not a member.
func newFixture(t *testing.T, policy *Policy) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		engine: testEngine(),
		admin:  newIdentity(t),
		bob:    newIdentity(t),
		carol:  newIdentity(t),
		ts:     baseTs,
	}
	g, err := NewGenesisBlock(f.admin, testGroupID, f.ts,
		&Genesis{Name: "Test", Currency: "KNW", Policy: policy},
		Tx(&MemberAdd{Pub: f.bob.PublicKeyB64()}))
	require.NoError(t, err)

	f.chain = New(f.engine)
	_, err = f.chain.Append(g, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(signer identity.Signer, bodies ...TxBody) (Block, error) {
	txs := make([]Transaction, len(bodies))
	for i, b := range bodies {
		txs[i] = Tx(b)
	}
	f.ts += 1000
	return f.chain.Extend(signer, f.ts, txs, nil)
}

func (f *fixture) mustSubmit(signer identity.Signer, bodies ...TxBody) Block {
	f.t.Helper()
	b, err := f.submit(signer, bodies...)
	require.NoError(f.t, err)
	require.True(f.t, f.chain.State().Conserved())
	return b
}

func (f *fixture) balance(id *identity.Identity) int64 {
	return f.chain.State().BalanceOf(id.PublicKeyB64())
}

// purchase builds a signed purchase stamped for the next block.
func (f *fixture) purchase(buyer *identity.Identity, offerID string, price int64, nonce string) *Purchase {
	f.t.Helper()
	p := &Purchase{TxMeta: TxMeta{TsMs: f.ts + 1000}, OfferID: offerID, Price: price, Nonce: nonce}
	require.NoError(f.t, SignPurchase(buyer, testGroupID, p))
	return p
}

func TestGenesis(t *testing.T) {
	f := newFixture(t, nil)
	st := f.chain.State()

	assert.Equal(t, testGroupID, st.GroupID)
	assert.Equal(t, "Test", st.Name)
	assert.Equal(t, types.RoleAdmin, st.Role(f.admin.PublicKeyB64()))
	assert.Equal(t, types.RoleMember, st.Role(f.bob.PublicKeyB64()))
	assert.Equal(t, uint64(0), st.Head.Height)
	assert.Equal(t, 1, f.chain.Len())

	t.Run("second genesis rejected", func(t *testing.T) {
		_, err := f.submit(f.admin, &Genesis{Name: "Again"})
		assert.Equal(t, CodeMalformed, CodeOf(err))
	})

	t.Run("extend on empty chain", func(t *testing.T) {
		c := New(f.engine)
		_, err := c.Extend(f.admin, baseTs, []Transaction{Tx(&Mint{To: f.admin.PublicKeyB64(), Amount: 1})}, nil)
		assert.ErrorIs(t, err, ErrEmptyChain)
	})
}

func TestTransferFee(t *testing.T) {
	cases := []struct {
		bps      int64
		received int64
		fee      int64
	}{
		{bps: 250, received: 98, fee: 2},
		{bps: 300, received: 97, fee: 3},
		{bps: 0, received: 100, fee: 0},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		admin := f.admin.PublicKeyB64()
		f.mustSubmit(f.admin, &Mint{To: admin, Amount: 1000})
		if tc.bps > 0 {
			f.mustSubmit(f.admin, &PolicyUpdate{Updates: map[string]*int64{PolicyTransferFeeBps: ptr(tc.bps)}})
		}
		f.mustSubmit(f.admin, &Transfer{From: admin, To: f.bob.PublicKeyB64(), Amount: 100})

		st := f.chain.State()
		assert.Equal(t, int64(900), st.BalanceOf(admin), "bps=%d", tc.bps)
		assert.Equal(t, tc.received, st.BalanceOf(f.bob.PublicKeyB64()), "bps=%d", tc.bps)
		assert.Equal(t, tc.fee, st.Treasury, "bps=%d", tc.bps)
		assert.Equal(t, int64(1000), st.TotalSupply)
		assert.True(t, st.Conserved())
	}
}

func TestTransferRules(t *testing.T) {
	f := newFixture(t, nil)
	admin, bob := f.admin.PublicKeyB64(), f.bob.PublicKeyB64()
	f.mustSubmit(f.admin, &Mint{To: admin, Amount: 50})

	t.Run("insufficient balance", func(t *testing.T) {
		_, err := f.submit(f.admin, &Transfer{From: admin, To: bob, Amount: 51})
		assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	})
	t.Run("spending someone else's tokens", func(t *testing.T) {
		_, err := f.submit(f.bob, &Transfer{From: admin, To: bob, Amount: 1})
		assert.Equal(t, CodeUnauthorized, CodeOf(err))
	})
	t.Run("non-positive amount", func(t *testing.T) {
		_, err := f.submit(f.admin, &Transfer{From: admin, To: bob, Amount: 0})
		assert.Equal(t, CodeInvalidAmount, CodeOf(err))
	})
	t.Run("self transfer", func(t *testing.T) {
		_, err := f.submit(f.admin, &Transfer{From: admin, To: admin, Amount: 1})
		assert.Equal(t, CodeMalformed, CodeOf(err))
	})
	t.Run("member cannot mint", func(t *testing.T) {
		_, err := f.submit(f.bob, &Mint{To: bob, Amount: 1})
		assert.Equal(t, CodeUnauthorized, CodeOf(err))
	})
}

func TestOverflowLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, nil)
	admin, bob := f.admin.PublicKeyB64(), f.bob.PublicKeyB64()
	f.mustSubmit(f.admin, &Mint{To: admin, Amount: MaxTokenValue})

	before, err := f.chain.State().Hash()
	require.NoError(t, err)
	head := f.chain.Head()

	_, err = f.submit(f.admin, &Mint{To: bob, Amount: 1})
	assert.Equal(t, CodeOverflow, CodeOf(err))

	after, err := f.chain.State().Hash()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, head, f.chain.Head())
}

func TestApplyBlockAllOrNothing(t *testing.T) {
	f := newFixture(t, nil)
	admin, bob := f.admin.PublicKeyB64(), f.bob.PublicKeyB64()
	before := f.chain.State()

	_, err := f.submit(f.admin,
		&Mint{To: admin, Amount: 10},
		&Transfer{From: admin, To: bob, Amount: 11},
	)
	require.Error(t, err)
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	assert.Contains(t, err.Error(), "tx 1 (transfer)")

	assert.Equal(t, before, f.chain.State())
	assert.Equal(t, 1, f.chain.Len())
}

func TestCaps(t *testing.T) {
	t.Run("faucet skipped when supply cap would be exceeded", func(t *testing.T) {
		policy := &Policy{FaucetAmount: 10, MaxTotalSupply: ptr(15)}
		f := newFixture(t, policy)
		assert.Equal(t, int64(10), f.balance(f.bob))

		f.mustSubmit(f.admin, &MemberAdd{Pub: f.carol.PublicKeyB64()})
		assert.Equal(t, int64(0), f.balance(f.carol))
		assert.Equal(t, int64(10), f.chain.State().TotalSupply)
		assert.Equal(t, types.RoleMember, f.chain.State().Role(f.carol.PublicKeyB64()))
	})

	t.Run("explicit mint over supply cap rejected", func(t *testing.T) {
		f := newFixture(t, &Policy{MaxTotalSupply: ptr(100)})
		_, err := f.submit(f.admin, &Mint{To: f.admin.PublicKeyB64(), Amount: 101})
		assert.Equal(t, CodeSupplyCap, CodeOf(err))
	})

	t.Run("account cap exempts treasury", func(t *testing.T) {
		f := newFixture(t, &Policy{MaxAccountBalance: ptr(100), TransferFeeBps: 5000})
		admin := f.admin.PublicKeyB64()
		f.mustSubmit(f.admin, &Mint{To: admin, Amount: 100})
		f.mustSubmit(f.admin, &Transfer{From: admin, To: f.bob.PublicKeyB64(), Amount: 100})
		f.mustSubmit(f.admin, &Mint{To: admin, Amount: 100})
		f.mustSubmit(f.admin, &Transfer{From: admin, To: f.carol.PublicKeyB64(), Amount: 100})
		f.mustSubmit(f.admin, &Mint{To: admin, Amount: 100})
		f.mustSubmit(f.admin, &Transfer{From: admin, To: f.bob.PublicKeyB64(), Amount: 100})
		assert.Equal(t, int64(150), f.chain.State().Treasury)

		f.mustSubmit(f.admin, &Mint{To: admin, Amount: 100})
		_, err := f.submit(f.admin, &Transfer{From: admin, To: f.bob.PublicKeyB64(), Amount: 100})
		assert.Equal(t, CodeAccountCap, CodeOf(err))
	})

	t.Run("claim reward paid", func(t *testing.T) {
		f := newFixture(t, &Policy{ClaimRewardAmount: 7})
		f.mustSubmit(f.bob, &Claim{ArtifactHash: hashOf("doc"), Title: "Doc", Tags: []string{"notes"}})
		assert.Equal(t, int64(7), f.balance(f.bob))
	})
}

func TestPolicyUpdate(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.submit(f.admin, &PolicyUpdate{Updates: map[string]*int64{PolicyFaucetAmount: nil}})
	assert.Equal(t, CodeInvalidPolicy, CodeOf(err))

	_, err = f.submit(f.admin, &PolicyUpdate{Updates: map[string]*int64{"zeta": ptr(1), "alpha": ptr(1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys: alpha, zeta")

	_, err = f.submit(f.admin, &PolicyUpdate{Updates: map[string]*int64{PolicyTransferFeeBps: ptr(MaxTransferFeeBps + 1)}})
	assert.Equal(t, CodeInvalidPolicy, CodeOf(err))

	_, err = f.submit(f.bob, &PolicyUpdate{Updates: map[string]*int64{PolicyFaucetAmount: ptr(1)}})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	f.mustSubmit(f.admin, &PolicyUpdate{Updates: map[string]*int64{PolicyMaxTotalSupply: ptr(10)}})
	f.mustSubmit(f.admin, &PolicyUpdate{Updates: map[string]*int64{PolicyMaxTotalSupply: nil}})
	assert.Nil(t, f.chain.State().Policy.MaxTotalSupply)
}

func TestMembership(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.admin.PublicKeyB64()

	_, err := f.submit(f.admin, &MemberRemove{Pub: f.carol.PublicKeyB64()})
	assert.Equal(t, CodeMemberNotFound, CodeOf(err))

	_, err = f.submit(f.admin, &MemberRemove{Pub: admin})
	assert.Equal(t, CodeLastAdmin, CodeOf(err))

	_, err = f.submit(f.admin, &MemberAdd{Pub: admin, Role: types.RoleMember})
	assert.Equal(t, CodeLastAdmin, CodeOf(err))

	_, err = f.submit(f.bob, &MemberAdd{Pub: f.carol.PublicKeyB64()})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	f.mustSubmit(f.admin, &MemberAdd{Pub: f.bob.PublicKeyB64(), Role: types.RoleAdmin})
	f.mustSubmit(f.bob, &MemberRemove{Pub: admin})
	assert.Equal(t, types.Role(""), f.chain.State().Role(admin))

	_, err = f.submit(f.admin, &Mint{To: admin, Amount: 1})
	assert.Equal(t, CodeNotMember, CodeOf(err))
}

func TestClaimRetract(t *testing.T) {
	f := newFixture(t, nil)
	h := hashOf("artifact")

	f.mustSubmit(f.bob, &Claim{ArtifactHash: h, Title: "Artifact"})
	_, err := f.submit(f.admin, &Claim{ArtifactHash: h})
	assert.Equal(t, CodeDuplicate, CodeOf(err))

	_, err = f.submit(f.bob, &Claim{ArtifactHash: "ABC"})
	assert.Equal(t, CodeMalformed, CodeOf(err))

	f.mustSubmit(f.admin, &Retract{ArtifactHash: h})
	claim := f.chain.State().Claims[h]
	assert.False(t, claim.Active)
	assert.Equal(t, f.admin.PublicKeyB64(), claim.RetractedBy)

	_, err = f.submit(f.bob, &Retract{ArtifactHash: h})
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))
}

func TestBlockValidation(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.admin.PublicKeyB64()
	head := f.chain.Head()
	mint := func() []Transaction {
		return []Transaction{Tx(&Mint{TxMeta: TxMeta{TsMs: baseTs}, To: admin, Amount: 1})}
	}

	build := func(signer identity.Signer, height uint64, prev string, ts int64, txs []Transaction) Block {
		b, err := NewBlock(signer, testGroupID, height, prev, ts, txs)
		require.NoError(t, err)
		return b
	}

	cases := []struct {
		name  string
		block Block
		code  string
	}{
		{"wrong height", build(f.admin, 2, head.ID, baseTs, mint()), CodeWrongHeight},
		{"wrong prev", build(f.admin, 1, GenesisPrev, baseTs, mint()), CodeWrongPrev},
		{"empty", build(f.admin, 1, head.ID, baseTs, nil), CodeEmptyBlock},
		{"before head", build(f.admin, 1, head.ID, baseTs-1, mint()), CodeTimestamp},
		{"far future", build(f.admin, 1, head.ID, f.engine.Now().Add(11*time.Minute).UnixMilli(), mint()), CodeTimestamp},
		{"non-member author", build(f.carol, 1, head.ID, baseTs, mint()), CodeNotMember},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.chain.Append(tc.block, nil)
			assert.Equal(t, tc.code, CodeOf(err))
		})
	}

	t.Run("wrong group", func(t *testing.T) {
		b, err := NewBlock(f.admin, "other", 1, head.ID, baseTs, mint())
		require.NoError(t, err)
		_, err = f.chain.Append(b, nil)
		assert.Equal(t, CodeWrongGroup, CodeOf(err))
	})

	t.Run("too many transactions", func(t *testing.T) {
		txs := make([]Transaction, 0, 101)
		for i := 0; i < 101; i++ {
			txs = append(txs, mint()...)
		}
		_, err := f.chain.Append(build(f.admin, 1, head.ID, baseTs, txs), nil)
		assert.Equal(t, CodeTooManyTxs, CodeOf(err))
	})

	t.Run("tampered content", func(t *testing.T) {
		b := build(f.admin, 1, head.ID, baseTs, mint())
		b.Transactions = []Transaction{Tx(&Mint{TxMeta: TxMeta{TsMs: baseTs}, To: admin, Amount: 1000})}
		_, err := f.chain.Append(b, nil)
		assert.Equal(t, CodeBadBlockID, CodeOf(err))
	})

	t.Run("forged signature", func(t *testing.T) {
		b := build(f.admin, 1, head.ID, baseTs, mint())
		forged := build(f.bob, 1, head.ID, baseTs, mint())
		b.Sig = forged.Sig
		_, err := f.chain.Append(b, nil)
		assert.Equal(t, CodeBadSignature, CodeOf(err))
	})

	t.Run("persist failure leaves chain unchanged", func(t *testing.T) {
		b := build(f.admin, 1, head.ID, baseTs, mint())
		_, err := f.chain.Append(b, func(Block) error { return assert.AnError })
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, head, f.chain.Head())
	})

	assert.Equal(t, 1, f.chain.Len())
}

func TestValidateTransactionIsPure(t *testing.T) {
	f := newFixture(t, nil)
	st := f.chain.State()
	before, err := st.Hash()
	require.NoError(t, err)

	tc := TxContext{GroupID: testGroupID, Author: f.admin.PublicKeyB64(), Role: types.RoleAdmin, BlockTs: baseTs, Height: 1}
	require.NoError(t, f.engine.ValidateTransaction(st, Tx(&Mint{To: f.bob.PublicKeyB64(), Amount: 5}), tc))
	assert.Equal(t, CodeMalformed, CodeOf(f.engine.ValidateTransaction(st, Transaction{}, tc)))

	after, err := st.Hash()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStaleState(t *testing.T) {
	f := newFixture(t, nil)

	_, _, err := f.chain.Authorize(f.carol.PublicKeyB64())
	assert.ErrorIs(t, err, ErrNotMember)

	role, ref, err := f.chain.Authorize(f.bob.PublicKeyB64())
	require.NoError(t, err)
	assert.Equal(t, types.RoleMember, role)

	blocks, st, err := f.chain.SnapshotAt(ref)
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.Equal(t, ref, st.Head)

	f.mustSubmit(f.admin, &Mint{To: f.bob.PublicKeyB64(), Amount: 1})
	_, _, err = f.chain.SnapshotAt(ref)
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestReplayDeterminism(t *testing.T) {
	f := newFixture(t, &Policy{FaucetAmount: 3, ClaimRewardAmount: 2, TransferFeeBps: 100})
	admin := f.admin.PublicKeyB64()
	f.mustSubmit(f.admin, &Mint{To: admin, Amount: 500}, &MemberAdd{Pub: f.carol.PublicKeyB64()})
	f.mustSubmit(f.carol, &Claim{ArtifactHash: hashOf("x"), Tags: []string{"a", "b"}})
	f.mustSubmit(f.admin, &Transfer{From: admin, To: f.carol.PublicKeyB64(), Amount: 123})
	f.mustSubmit(f.bob, &PresenceUpdate{Status: types.PresenceBusy, Note: "writing"})

	raw, err := json.Marshal(f.chain.Blocks())
	require.NoError(t, err)
	var decoded []Block
	require.NoError(t, json.Unmarshal(raw, &decoded))

	replayed, err := FromBlocks(testEngine(), decoded)
	require.NoError(t, err)

	want, err := f.chain.State().Hash()
	require.NoError(t, err)
	got, err := replayed.State().Hash()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wantRoot, err := f.chain.Root()
	require.NoError(t, err)
	gotRoot, err := replayed.Root()
	require.NoError(t, err)
	assert.Equal(t, wantRoot, gotRoot)

	_, err = Replay(testEngine(), nil)
	assert.ErrorIs(t, err, ErrEmptyChain)
}

func TestRoot(t *testing.T) {
	empty, err := New(testEngine()).Root()
	require.NoError(t, err)
	assert.Equal(t, rfc6962.DefaultHasher.EmptyRoot(), empty)

	f := newFixture(t, nil)
	r1, err := f.chain.Root()
	require.NoError(t, err)
	f.mustSubmit(f.admin, &Mint{To: f.bob.PublicKeyB64(), Amount: 1})
	r2, err := f.chain.Root()
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}

func TestUnknownTransactionType(t *testing.T) {
	var tx Transaction
	err := json.Unmarshal([]byte(`{"type":"teleport","ts_ms":1}`), &tx)
	assert.ErrorIs(t, err, ErrUnknownTxType)

	raw, err := json.Marshal(Tx(&Mint{To: "x", Amount: 3}))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"mint"`)
}
