package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/relves/groupchain/internal/cas"
	"github.com/relves/groupchain/internal/storage"
	"github.com/relves/groupchain/pkg/canonical"
	"github.com/relves/groupchain/pkg/chain"
	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

// MaxAnnouncedOffers bounds a single catalog announcement.
const MaxAnnouncedOffers = 256

var (
	ErrBadAnnouncement       = errors.New("invalid announcement")
	ErrAnnouncementSignature = errors.New("announcement signature does not verify")
)

// OfferParams describes a package to sell.
type OfferParams struct {
	OfferID       string // generated when empty
	Title         string
	Description   string
	Price         int64
	Tags          []string
	Splits        map[string]int64
	ParentOfferID string
	RoyaltyBps    int64
}

func packageAAD(groupID, offerID string) []byte {
	return []byte(groupID + "|" + offerID)
}

// CreateOffer encrypts content under a fresh package key, stores the
// ciphertext in CAS, keeps the key for later grants and lists the offer.
func (s *Service) CreateOffer(ctx context.Context, groupID string, p OfferParams, content []byte) (*chain.OfferRecord, error) {
	if s.cas == nil {
		return nil, errNoCAS
	}
	if _, err := s.entry(groupID); err != nil {
		return nil, err
	}
	if p.OfferID == "" {
		id, err := randomID()
		if err != nil {
			return nil, err
		}
		p.OfferID = id
	}

	envelope, key, err := identity.EncryptPackage(content, packageAAD(groupID, p.OfferID))
	if err != nil {
		return nil, fmt.Errorf("encrypt package: %w", err)
	}
	// the envelope is ciphertext, so anyone may fetch it
	hash, err := s.cas.Put(envelope, cas.Meta{Visibility: types.VisibilityPublic, Kind: "package"})
	if err != nil {
		return nil, fmt.Errorf("store package: %w", err)
	}
	if err := s.node.PutOfferKey(ctx, groupID, p.OfferID, key); err != nil {
		return nil, fmt.Errorf("store package key: %w", err)
	}

	_, err = s.Submit(ctx, groupID, &chain.OfferCreate{
		OfferID:       p.OfferID,
		Title:         p.Title,
		Description:   p.Description,
		Price:         p.Price,
		PackageHash:   hash,
		Tags:          p.Tags,
		Splits:        p.Splits,
		ParentOfferID: p.ParentOfferID,
		RoyaltyBps:    p.RoyaltyBps,
	})
	if err != nil {
		return nil, err
	}

	c, _ := s.Chain(groupID)
	var offer chain.OfferRecord
	c.View(func(st *chain.State) { offer = st.Offers[p.OfferID] })
	s.logger.Info("listed offer", "groupID", groupID, "offerID", p.OfferID, "price", p.Price, "package", hash)
	return &offer, nil
}

// PurchaseResult is the outcome of a carried purchase.
type PurchaseResult struct {
	Block chain.BlockRef     `json:"block"`
	Grant *chain.GrantRecord `json:"grant,omitempty"`
}

// Purchase carries a buyer-signed purchase into the next block. When this
// node sells the offer it also seals the package key to the buyer in a grant
// block. The key used is the one the buyer signed into the purchase; without
// one, sessionEncPub is used, which the caller must only pass when the buyer
// itself authenticated the session carrying the purchase.
func (s *Service) Purchase(ctx context.Context, groupID string, p *chain.Purchase, sessionEncPub []byte) (*PurchaseResult, error) {
	b, err := s.Submit(ctx, groupID, p)
	if err != nil {
		return nil, err
	}
	res := &PurchaseResult{Block: b.Ref()}

	c, _ := s.Chain(groupID)
	var offer chain.OfferRecord
	c.View(func(st *chain.State) { offer = st.Offers[p.OfferID] })
	if offer.Seller != s.id.PublicKeyB64() {
		return res, nil
	}
	encPub := sessionEncPub
	if p.BuyerEncPub != "" {
		// validated by the engine when the purchase was applied
		encPub, _ = identity.DecodeEncPub(p.BuyerEncPub)
	}
	if encPub == nil {
		return res, nil
	}

	grant, err := s.grant(ctx, groupID, p.OfferID, p.Buyer, encPub)
	if err != nil {
		// the purchase stands; the seller can grant later
		s.logger.Warn("auto-grant failed", "groupID", groupID, "offerID", p.OfferID, "buyer", p.Buyer, "error", err)
		return res, nil
	}
	res.Grant = grant
	return res, nil
}

// Grant seals the package key of offerID to buyer and records it on chain.
func (s *Service) Grant(ctx context.Context, groupID, offerID, buyer string, buyerEncPub []byte) (*chain.GrantRecord, error) {
	return s.grant(ctx, groupID, offerID, buyer, buyerEncPub)
}

func (s *Service) grant(ctx context.Context, groupID, offerID, buyer string, buyerEncPub []byte) (*chain.GrantRecord, error) {
	key, err := s.node.GetOfferKey(ctx, groupID, offerID)
	if err != nil {
		return nil, fmt.Errorf("package key: %w", err)
	}
	sealed, err := identity.SealTo(buyerEncPub, key, identity.SealedKeyContext)
	if err != nil {
		return nil, fmt.Errorf("seal package key: %w", err)
	}
	if _, err := s.Submit(ctx, groupID, &chain.Grant{OfferID: offerID, Buyer: buyer, SealedKey: sealed}); err != nil {
		return nil, err
	}

	c, _ := s.Chain(groupID)
	var g chain.GrantRecord
	c.View(func(st *chain.State) { g, _ = st.Grant(buyer, offerID) })
	s.logger.Info("granted package", "groupID", groupID, "offerID", offerID, "buyer", buyer)
	return &g, nil
}

// OpenPackage decrypts a purchased package envelope with the key sealed to
// id in grant.
func OpenPackage(id *identity.Identity, grant chain.GrantRecord, envelope []byte) ([]byte, error) {
	key, err := id.Open(grant.SealedKey, identity.SealedKeyContext)
	if err != nil {
		return nil, err
	}
	return identity.DecryptPackage(envelope, key)
}

// OpenPackage decrypts a package this node bought, using the grant on the
// local chain and the envelope in the local object store.
func (s *Service) OpenPackage(ctx context.Context, groupID, offerID string) ([]byte, error) {
	c, err := s.Chain(groupID)
	if err != nil {
		return nil, err
	}
	var (
		offer    chain.OfferRecord
		grant    chain.GrantRecord
		hasOffer bool
		granted  bool
	)
	c.View(func(st *chain.State) {
		offer, hasOffer = st.Offers[offerID]
		grant, granted = st.Grant(s.id.PublicKeyB64(), offerID)
	})
	if !hasOffer {
		return nil, fmt.Errorf("offer %s: %w", offerID, storage.ErrNotFound)
	}
	if !granted {
		return nil, fmt.Errorf("offer %s: %w", offerID, ErrForbidden)
	}
	if s.cas == nil {
		return nil, errNoCAS
	}
	envelope, err := s.cas.Get(offer.PackageHash)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", offer.PackageHash, err)
	}
	return OpenPackage(s.id, grant, envelope)
}

// LocalOffer is an offer listed on a local chain.
type LocalOffer struct {
	GroupID string `json:"group_id"`
	chain.OfferRecord
}

// Offers is the market view: local on-chain offers and those announced by
// other nodes.
type Offers struct {
	Local   []LocalOffer           `json:"local"`
	Catalog []storage.CatalogOffer `json:"catalog"`
}

// ListOffers returns every local offer and the announced catalog.
func (s *Service) ListOffers(ctx context.Context) (*Offers, error) {
	out := &Offers{Local: []LocalOffer{}}
	for _, id := range s.Groups() {
		c, err := s.Chain(id)
		if err != nil {
			continue
		}
		c.View(func(st *chain.State) {
			for _, o := range st.Offers {
				out.Local = append(out.Local, LocalOffer{GroupID: id, OfferRecord: o})
			}
		})
	}
	sort.Slice(out.Local, func(i, j int) bool {
		if out.Local[i].GroupID != out.Local[j].GroupID {
			return out.Local[i].GroupID < out.Local[j].GroupID
		}
		return out.Local[i].OfferID < out.Local[j].OfferID
	})

	catalog, err := s.node.ListCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	out.Catalog = catalog
	return out, nil
}

// AnnouncedOffer is one catalog entry in an announcement.
type AnnouncedOffer struct {
	GroupID     string   `json:"group_id"`
	OfferID     string   `json:"offer_id"`
	Seller      string   `json:"seller"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Price       int64    `json:"price"`
	Tags        []string `json:"tags"`
}

// Announcement is a signed list of offers a node advertises to its peers.
type Announcement struct {
	Announcer string           `json:"announcer"`
	TsMs      int64            `json:"ts_ms"`
	Offers    []AnnouncedOffer `json:"offers"`
	Sig       string           `json:"sig,omitempty"`
}

func (a Announcement) signingBytes() ([]byte, error) {
	a.Sig = ""
	return canonical.Encode(a)
}

// Sign fills Announcer and Sig.
func (a *Announcement) Sign(signer identity.Signer) error {
	a.Announcer = identity.EncodeB64(signer.PublicKey())
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	a.Sig = identity.EncodeB64(sig)
	return nil
}

// Verify checks the announcer's signature and the announcement bounds.
func (a Announcement) Verify() error {
	if len(a.Offers) > MaxAnnouncedOffers {
		return fmt.Errorf("%w: more than %d offers", ErrBadAnnouncement, MaxAnnouncedOffers)
	}
	for _, o := range a.Offers {
		if o.OfferID == "" || o.GroupID == "" || o.Price < 0 {
			return fmt.Errorf("%w: malformed offer %q", ErrBadAnnouncement, o.OfferID)
		}
	}
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	if !identity.VerifyB64(a.Announcer, msg, a.Sig) {
		return fmt.Errorf("%w: %w", ErrBadAnnouncement, ErrAnnouncementSignature)
	}
	return nil
}

// Announce builds this node's signed announcement of the offers it sells.
func (s *Service) Announce() (*Announcement, error) {
	me := s.id.PublicKeyB64()
	ann := &Announcement{TsMs: s.now().UnixMilli(), Offers: []AnnouncedOffer{}}
	for _, id := range s.Groups() {
		c, err := s.Chain(id)
		if err != nil {
			continue
		}
		c.View(func(st *chain.State) {
			for _, o := range st.Offers {
				if o.Seller != me {
					continue
				}
				ann.Offers = append(ann.Offers, AnnouncedOffer{
					GroupID:     id,
					OfferID:     o.OfferID,
					Seller:      o.Seller,
					Title:       o.Title,
					Description: o.Description,
					Price:       o.Price,
					Tags:        o.Tags,
				})
			}
		})
	}
	sort.Slice(ann.Offers, func(i, j int) bool { return ann.Offers[i].OfferID < ann.Offers[j].OfferID })
	if len(ann.Offers) > MaxAnnouncedOffers {
		ann.Offers = ann.Offers[:MaxAnnouncedOffers]
	}
	if err := ann.Sign(s.id); err != nil {
		return nil, err
	}
	return ann, nil
}

// AcceptAnnouncement verifies a peer's announcement and stores its offers in
// the catalog.
func (s *Service) AcceptAnnouncement(ctx context.Context, a Announcement) (int, error) {
	if err := a.Verify(); err != nil {
		return 0, err
	}
	at := time.UnixMilli(a.TsMs)
	offers := make([]storage.CatalogOffer, 0, len(a.Offers))
	for _, o := range a.Offers {
		offers = append(offers, storage.CatalogOffer{
			Announcer:   a.Announcer,
			GroupID:     o.GroupID,
			OfferID:     o.OfferID,
			Seller:      o.Seller,
			Title:       o.Title,
			Description: o.Description,
			Price:       o.Price,
			Tags:        o.Tags,
			AnnouncedAt: at,
		})
	}
	if err := s.node.PutCatalogOffers(ctx, offers); err != nil {
		return 0, fmt.Errorf("store catalog: %w", err)
	}
	s.logger.Debug("accepted announcement", "announcer", a.Announcer, "offers", len(offers))
	return len(offers), nil
}
