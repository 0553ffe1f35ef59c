package sqlite_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/internal/storage/sqlite"
)

func openNodeStore(t *testing.T) *sqlite.NodeStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "sqlite-node-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.OpenNodeStore(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodeStore_Peers(t *testing.T) {
	store := openNodeStore(t)
	ctx := context.Background()

	_, err := store.GetPeer(ctx, "10.0.0.1:7400")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.UpsertPeer(ctx, storage.Peer{Addr: "10.0.0.2:7400", Name: "beta"}))
	require.NoError(t, store.UpsertPeer(ctx, storage.Peer{Addr: "10.0.0.1:7400", Name: "alpha"}))

	// an update without a name keeps the stored one
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertPeer(ctx, storage.Peer{Addr: "10.0.0.1:7400", SignPub: "pub", LastSeen: seen}))

	p, err := store.GetPeer(ctx, "10.0.0.1:7400")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name)
	assert.Equal(t, "pub", p.SignPub)
	assert.True(t, seen.Equal(p.LastSeen))

	peers, err := store.ListPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "10.0.0.1:7400", peers[0].Addr)
	assert.True(t, peers[1].LastSeen.IsZero())
}

func TestNodeStore_DeletePeerDropsSubscriptions(t *testing.T) {
	store := openNodeStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPeer(ctx, storage.Peer{Addr: "peer:1"}))
	require.NoError(t, store.UpsertSubscription(ctx, storage.Subscription{
		PeerAddr: "peer:1", GroupID: "g1", Enabled: true, NextDue: time.Now(),
	}))

	require.NoError(t, store.DeletePeer(ctx, "peer:1"))
	assert.ErrorIs(t, store.DeletePeer(ctx, "peer:1"), storage.ErrNotFound)

	subs, err := store.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestNodeStore_Subscriptions(t *testing.T) {
	store := openNodeStore(t)
	ctx := context.Background()

	due := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sub := storage.Subscription{PeerAddr: "peer:1", GroupID: "g1", Enabled: true, NextDue: due}
	require.NoError(t, store.UpsertSubscription(ctx, sub))

	got, err := store.GetSubscription(ctx, "peer:1", "g1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.True(t, due.Equal(got.NextDue))
	assert.True(t, got.LastSync.IsZero())

	sub.Enabled = false
	sub.ConsecutiveFailures = 3
	sub.LastError = "dial tcp: refused"
	require.NoError(t, store.UpsertSubscription(ctx, sub))

	got, err = store.GetSubscription(ctx, "peer:1", "g1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.Equal(t, "dial tcp: refused", got.LastError)

	_, err = store.GetSubscription(ctx, "peer:1", "g2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNodeStore_OfferKeys(t *testing.T) {
	store := openNodeStore(t)
	ctx := context.Background()

	_, err := store.GetOfferKey(ctx, "g1", "offer")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	key := []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, store.PutOfferKey(ctx, "g1", "offer", key))

	got, err := store.GetOfferKey(ctx, "g1", "offer")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestNodeStore_Catalog(t *testing.T) {
	store := openNodeStore(t)
	ctx := context.Background()

	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	require.NoError(t, store.PutCatalogOffers(ctx, []storage.CatalogOffer{
		{Announcer: "n1", GroupID: "g1", OfferID: "o1", Seller: "s", Title: "Notes", Price: 10, AnnouncedAt: older},
		{Announcer: "n1", GroupID: "g1", OfferID: "o2", Seller: "s", Title: "Slides", Price: 20, Tags: []string{"math"}, AnnouncedAt: newer},
	}))

	offers, err := store.ListCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "o2", offers[0].OfferID)
	assert.Equal(t, []string{"math"}, offers[0].Tags)
	assert.Empty(t, offers[1].Tags)

	// re-announcing updates in place
	require.NoError(t, store.PutCatalogOffers(ctx, []storage.CatalogOffer{
		{Announcer: "n2", GroupID: "g1", OfferID: "o1", Seller: "s", Title: "Notes v2", Price: 12, AnnouncedAt: newer.Add(time.Hour)},
	}))
	offers, err = store.ListCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "Notes v2", offers[0].Title)
	assert.Equal(t, int64(12), offers[0].Price)
}
