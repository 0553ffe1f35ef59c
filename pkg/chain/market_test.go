package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

const testNonce = "nonce-0123456789abcdef"

// marketFixture funds carol and lists a parent offer by admin and a derived
// offer by bob paying 10% royalty upstream and splitting half to admin.
func marketFixture(t *testing.T) *fixture {
	f := newFixture(t, nil)
	f.mustSubmit(f.admin,
		&MemberAdd{Pub: f.carol.PublicKeyB64()},
		&Mint{To: f.carol.PublicKeyB64(), Amount: 1000},
		&OfferCreate{OfferID: "parent", Title: "Base notes", Price: 10, PackageHash: hashOf("parent")},
	)
	f.mustSubmit(f.bob, &OfferCreate{
		OfferID:       "child",
		Title:         "Derived notes",
		Price:         100,
		PackageHash:   hashOf("child"),
		Tags:          []string{"go"},
		ParentOfferID: "parent",
		RoyaltyBps:    1000,
		Splits:        map[string]int64{f.admin.PublicKeyB64(): 5000},
	})
	return f
}

func TestPurchaseSettlement(t *testing.T) {
	f := marketFixture(t)

	f.mustSubmit(f.carol, f.purchase(f.carol, "child", 100, testNonce))

	// royalty 10 to admin, then half of the remaining 90 to admin, 45 to bob
	assert.Equal(t, int64(900), f.balance(f.carol))
	assert.Equal(t, int64(55), f.balance(f.admin))
	assert.Equal(t, int64(45), f.balance(f.bob))

	rec, ok := f.chain.State().Purchase(f.carol.PublicKeyB64(), "child")
	require.True(t, ok)
	assert.Equal(t, int64(100), rec.Price)
}

func TestPurchaseRejections(t *testing.T) {
	f := marketFixture(t)
	f.mustSubmit(f.carol, f.purchase(f.carol, "child", 100, testNonce))

	t.Run("replayed nonce", func(t *testing.T) {
		_, err := f.submit(f.carol, f.purchase(f.carol, "child", 100, testNonce))
		assert.Equal(t, CodeNonceReplay, CodeOf(err))
	})

	t.Run("replayed nonce after expiry window", func(t *testing.T) {
		f.ts += (30 * time.Minute).Milliseconds()
		_, err := f.submit(f.carol, f.purchase(f.carol, "child", 100, testNonce))
		assert.Equal(t, CodeNonceReplay, CodeOf(err))
	})

	t.Run("short nonce checked before replay", func(t *testing.T) {
		_, err := f.submit(f.carol, f.purchase(f.carol, "child", 100, "short"))
		assert.Equal(t, CodeNonceTooShort, CodeOf(err))
	})

	t.Run("expired", func(t *testing.T) {
		p := &Purchase{TxMeta: TxMeta{TsMs: f.ts - (11 * time.Minute).Milliseconds()}, OfferID: "child", Price: 100, Nonce: "nonce-expired-000000"}
		require.NoError(t, SignPurchase(f.carol, testGroupID, p))
		_, err := f.submit(f.carol, p)
		assert.Equal(t, CodeExpired, CodeOf(err))
	})

	t.Run("price mismatch", func(t *testing.T) {
		_, err := f.submit(f.carol, f.purchase(f.carol, "child", 99, "nonce-price-0000000"))
		assert.Equal(t, CodePriceMismatch, CodeOf(err))
	})

	t.Run("forged buyer signature", func(t *testing.T) {
		p := f.purchase(f.carol, "child", 100, "nonce-forged-000000")
		p.Buyer = f.bob.PublicKeyB64()
		_, err := f.submit(f.carol, p)
		assert.Equal(t, CodeBadSignature, CodeOf(err))
	})

	t.Run("signature bound to group", func(t *testing.T) {
		p := &Purchase{TxMeta: TxMeta{TsMs: f.ts + 1000}, OfferID: "child", Price: 100, Nonce: "nonce-group-0000000"}
		require.NoError(t, SignPurchase(f.carol, "other-group", p))
		_, err := f.submit(f.carol, p)
		assert.Equal(t, CodeBadSignature, CodeOf(err))
	})

	t.Run("signature covers encryption key", func(t *testing.T) {
		p := &Purchase{TxMeta: TxMeta{TsMs: f.ts + 1000}, OfferID: "child", Price: 100, Nonce: "nonce-enckey-000000", BuyerEncPub: f.carol.EncPublicKeyB64()}
		require.NoError(t, SignPurchase(f.carol, testGroupID, p))
		p.BuyerEncPub = f.bob.EncPublicKeyB64()
		_, err := f.submit(f.bob, p)
		assert.Equal(t, CodeBadSignature, CodeOf(err))
	})

	t.Run("malformed encryption key", func(t *testing.T) {
		p := &Purchase{TxMeta: TxMeta{TsMs: f.ts + 1000}, OfferID: "child", Price: 100, Nonce: "nonce-badkey-000000", BuyerEncPub: "AAAA"}
		require.NoError(t, SignPurchase(f.carol, testGroupID, p))
		_, err := f.submit(f.carol, p)
		assert.Equal(t, CodeMalformed, CodeOf(err))
	})

	t.Run("unknown offer", func(t *testing.T) {
		_, err := f.submit(f.carol, f.purchase(f.carol, "missing", 100, "nonce-missing-00000"))
		assert.Equal(t, CodeNotFound, CodeOf(err))
	})

	t.Run("insufficient balance", func(t *testing.T) {
		_, err := f.submit(f.bob, f.purchase(f.bob, "child", 100, "nonce-broke-0000000"))
		assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	})

	t.Run("carried by another member", func(t *testing.T) {
		f.mustSubmit(f.bob, f.purchase(f.carol, "child", 100, "nonce-carried-00000"))
		assert.Equal(t, int64(800), f.balance(f.carol))
	})
}

func TestOfferCreateRules(t *testing.T) {
	f := marketFixture(t)

	cases := []struct {
		name  string
		offer *OfferCreate
		code  string
	}{
		{"duplicate", &OfferCreate{OfferID: "child", Title: "x", PackageHash: hashOf("x")}, CodeDuplicate},
		{"bad hash", &OfferCreate{OfferID: "o1", Title: "x", PackageHash: "nope"}, CodeMalformed},
		{"royalty without parent", &OfferCreate{OfferID: "o2", Title: "x", PackageHash: hashOf("x"), RoyaltyBps: 10}, CodeMalformed},
		{"missing parent", &OfferCreate{OfferID: "o3", Title: "x", PackageHash: hashOf("x"), ParentOfferID: "nope"}, CodeNotFound},
		{"splits over 100%", &OfferCreate{OfferID: "o4", Title: "x", PackageHash: hashOf("x"), Splits: map[string]int64{
			f.admin.PublicKeyB64(): 6000, f.carol.PublicKeyB64(): 5000,
		}}, CodeMalformed},
		{"negative price", &OfferCreate{OfferID: "o5", Title: "x", PackageHash: hashOf("x"), Price: -1}, CodeInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.submit(f.bob, tc.offer)
			assert.Equal(t, tc.code, CodeOf(err))
		})
	}
}

func TestGrant(t *testing.T) {
	f := marketFixture(t)
	carol := f.carol.PublicKeyB64()
	packageKey := []byte("0123456789abcdef0123456789abcdef")

	box, err := identity.SealTo(f.carol.EncPublicKey(), packageKey, identity.SealedKeyContext)
	require.NoError(t, err)

	_, err = f.submit(f.bob, &Grant{OfferID: "child", Buyer: carol, SealedKey: box})
	assert.Equal(t, CodeNoPurchase, CodeOf(err))

	f.mustSubmit(f.carol, f.purchase(f.carol, "child", 100, testNonce))

	_, err = f.submit(f.carol, &Grant{OfferID: "child", Buyer: carol, SealedKey: box})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	_, err = f.submit(f.bob, &Grant{OfferID: "child", Buyer: carol})
	assert.Equal(t, CodeMalformed, CodeOf(err))

	f.mustSubmit(f.bob, &Grant{OfferID: "child", Buyer: carol, SealedKey: box})

	_, err = f.submit(f.admin, &Grant{OfferID: "child", Buyer: carol, SealedKey: box})
	assert.Equal(t, CodeDuplicate, CodeOf(err))

	g, ok := f.chain.State().Grant(carol, "child")
	require.True(t, ok)
	got, err := f.carol.Open(g.SealedKey, identity.SealedKeyContext)
	require.NoError(t, err)
	assert.Equal(t, packageKey, got)
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	bob := f.bob.PublicKeyB64()

	f.mustSubmit(f.admin, &TaskCreate{TaskID: "t1", Title: "Summarize", Reward: 5})
	assert.Equal(t, types.TaskPending, f.chain.State().Tasks["t1"].Status)

	_, err := f.submit(f.admin, &TaskStart{TaskID: "t1"})
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))

	_, err = f.submit(f.admin, &TaskAssign{TaskID: "t1", Assignee: f.carol.PublicKeyB64()})
	assert.Equal(t, CodeNotMember, CodeOf(err))

	f.mustSubmit(f.admin, &TaskAssign{TaskID: "t1", Assignee: bob})

	_, err = f.submit(f.admin, &TaskStart{TaskID: "t1"})
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	f.mustSubmit(f.bob, &TaskStart{TaskID: "t1"})
	f.mustSubmit(f.bob, &TaskComplete{TaskID: "t1", ResultHash: hashOf("result")})

	task := f.chain.State().Tasks["t1"]
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, int64(5), f.balance(f.bob))
	assert.Equal(t, int64(5), f.chain.State().TotalSupply)

	_, err = f.submit(f.admin, &TaskFail{TaskID: "t1"})
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))

	_, err = f.submit(f.admin, &TaskCreate{TaskID: "t1", Title: "again"})
	assert.Equal(t, CodeDuplicate, CodeOf(err))
}

func TestTaskFailByAdmin(t *testing.T) {
	f := newFixture(t, nil)
	f.mustSubmit(f.bob, &TaskCreate{TaskID: "t2", Title: "Review", Reward: 3})
	f.mustSubmit(f.bob, &TaskAssign{TaskID: "t2", Assignee: f.bob.PublicKeyB64()})
	f.mustSubmit(f.bob, &TaskStart{TaskID: "t2"})
	f.mustSubmit(f.admin, &TaskFail{TaskID: "t2", Reason: "abandoned"})

	task := f.chain.State().Tasks["t2"]
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, "abandoned", task.Reason)
	assert.Equal(t, int64(0), f.balance(f.bob))
}

func TestPresence(t *testing.T) {
	f := newFixture(t, nil)
	f.mustSubmit(f.bob, &PresenceUpdate{Status: types.PresenceActive, Note: "online"})

	_, err := f.submit(f.bob, &PresenceUpdate{Status: "sleeping"})
	assert.Equal(t, CodeMalformed, CodeOf(err))

	rec := f.chain.State().Presence[f.bob.PublicKeyB64()]
	assert.Equal(t, types.PresenceActive, rec.Status)

	updated := time.UnixMilli(rec.UpdatedMs)
	assert.False(t, rec.Stale(updated.Add(time.Minute), 5*time.Minute))
	assert.True(t, rec.Stale(updated.Add(6*time.Minute), 5*time.Minute))
}

func TestMulBps(t *testing.T) {
	assert.Equal(t, int64(2), mulBps(100, 250))
	assert.Equal(t, int64(3), mulBps(100, 300))
	assert.Equal(t, int64(0), mulBps(0, 300))
	assert.Equal(t, MaxTokenValue/2, mulBps(MaxTokenValue, 5000))
	assert.Equal(t, MaxTokenValue, mulBps(MaxTokenValue, 10000))
}
