package storage

import (
	"context"
	"errors"
	"time"

	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/types"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrHeadMismatch = errors.New("head mismatch")
)

// ChainStore persists one group's block sequence. Appends and replacements
// are atomic: after a crash either the whole write is visible or none of it.
type ChainStore interface {
	GroupID() string

	// Group metadata
	GetGroup(ctx context.Context) (*types.GroupMetadata, error)
	PutGroup(ctx context.Context, meta types.GroupMetadata) error

	// Blocks
	LoadBlocks(ctx context.Context) ([]chain.Block, error)
	AppendBlock(ctx context.Context, b chain.Block) error
	ReplaceBlocks(ctx context.Context, blocks []chain.Block) error
}

// NodeStore persists node-local records that are not part of any chain.
type NodeStore interface {
	// Peers
	UpsertPeer(ctx context.Context, p Peer) error
	GetPeer(ctx context.Context, addr string) (*Peer, error)
	ListPeers(ctx context.Context) ([]Peer, error)
	DeletePeer(ctx context.Context, addr string) error

	// Subscriptions
	UpsertSubscription(ctx context.Context, s Subscription) error
	GetSubscription(ctx context.Context, peerAddr, groupID string) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	// Package keys for offers this node sells
	PutOfferKey(ctx context.Context, groupID, offerID string, key []byte) error
	GetOfferKey(ctx context.Context, groupID, offerID string) ([]byte, error)

	// Market catalog of offers announced by other nodes
	PutCatalogOffers(ctx context.Context, offers []CatalogOffer) error
	ListCatalog(ctx context.Context) ([]CatalogOffer, error)
}

// Peer is a remote node this node knows how to dial.
type Peer struct {
	Addr     string    `json:"addr"`
	SignPub  string    `json:"sign_pub,omitempty"`
	Name     string    `json:"name,omitempty"`
	AddedAt  time.Time `json:"added_at"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Subscription asks the sync daemon to keep a group replicated from a peer.
type Subscription struct {
	PeerAddr            string    `json:"peer_addr"`
	GroupID             string    `json:"group_id"`
	Enabled             bool      `json:"enabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextDue             time.Time `json:"next_due"`
	LastSync            time.Time `json:"last_sync,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// CatalogOffer is an offer announced by another node.
type CatalogOffer struct {
	Announcer   string    `json:"announcer"`
	GroupID     string    `json:"group_id"`
	OfferID     string    `json:"offer_id"`
	Seller      string    `json:"seller"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	Tags        []string  `json:"tags"`
	AnnouncedAt time.Time `json:"announced_at"`
}
