package chain

import (
	"sort"
	"time"

	"github.com/relves/groupchain/pkg/canonical"
	"github.com/relves/groupchain/pkg/identity"
	"github.com/relves/groupchain/pkg/types"
)

const maxBps = 10000

// OfferRecord is a knowledge package listed for sale.
type OfferRecord struct {
	OfferID       string           `json:"offer_id"`
	Seller        string           `json:"seller"`
	Title         string           `json:"title"`
	Description   string           `json:"description,omitempty"`
	Price         int64            `json:"price"`
	PackageHash   string           `json:"package_hash"`
	Tags          []string         `json:"tags"`
	Splits        map[string]int64 `json:"splits,omitempty"`
	ParentOfferID string           `json:"parent_offer_id,omitempty"`
	RoyaltyBps    int64            `json:"royalty_bps"`
	CreatedMs     int64            `json:"created_ms"`
}

// PurchaseRecord is the latest settled purchase of an offer by a buyer.
type PurchaseRecord struct {
	OfferID string `json:"offer_id"`
	Buyer   string `json:"buyer"`
	Price   int64  `json:"price"`
	TsMs    int64  `json:"ts_ms"`
	Height  uint64 `json:"height"`
}

// GrantRecord delivers the package key sealed to the buyer.
type GrantRecord struct {
	OfferID   string             `json:"offer_id"`
	Buyer     string             `json:"buyer"`
	SealedKey identity.SealedBox `json:"sealed_key"`
	GrantedBy string             `json:"granted_by"`
	TsMs      int64              `json:"ts_ms"`
}

// purchaseKey scopes purchases, nonces and grants. Buyer keys have a fixed
// length so the concatenation is unambiguous.
func purchaseKey(buyer, offerID string) string {
	return buyer + "|" + offerID
}

// Purchase returns the recorded purchase of offerID by buyer, if any.
func (s *State) Purchase(buyer, offerID string) (PurchaseRecord, bool) {
	p, ok := s.Purchases[purchaseKey(buyer, offerID)]
	return p, ok
}

// Grant returns the recorded grant of offerID to buyer, if any.
func (s *State) Grant(buyer, offerID string) (GrantRecord, bool) {
	g, ok := s.Grants[purchaseKey(buyer, offerID)]
	return g, ok
}

// OfferCreate lists a package. The block author is the seller.
type OfferCreate struct {
	TxMeta
	OfferID       string           `json:"offer_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description,omitempty"`
	Price         int64            `json:"price"`
	PackageHash   string           `json:"package_hash"`
	Tags          []string         `json:"tags"`
	Splits        map[string]int64 `json:"splits,omitempty"`
	ParentOfferID string           `json:"parent_offer_id,omitempty"`
	RoyaltyBps    int64            `json:"royalty_bps"`
}

func (*OfferCreate) Type() TxType { return TxOfferCreate }

func (o *OfferCreate) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isMember() {
		return reject(CodeNotMember, "offer_create requires membership")
	}
	if o.OfferID == "" || len(o.OfferID) > 128 {
		return reject(CodeMalformed, "offer_id must be 1-128 characters")
	}
	if _, ok := st.Offers[o.OfferID]; ok {
		return reject(CodeDuplicate, "offer already exists")
	}
	if o.Title == "" {
		return reject(CodeMalformed, "offer title required")
	}
	if o.Price < 0 {
		return reject(CodeInvalidAmount, "price must be non-negative")
	}
	if !isHash(o.PackageHash) {
		return reject(CodeMalformed, "package_hash must be 64 lowercase hex characters")
	}
	if o.RoyaltyBps < 0 || o.RoyaltyBps > maxBps {
		return reject(CodeMalformed, "royalty_bps must be 0-%d", maxBps)
	}
	if o.ParentOfferID == "" && o.RoyaltyBps > 0 {
		return reject(CodeMalformed, "royalty_bps requires parent_offer_id")
	}
	if o.ParentOfferID != "" {
		if _, ok := st.Offers[o.ParentOfferID]; !ok {
			return reject(CodeNotFound, "parent offer not found")
		}
	}
	var total int64
	for acct, bps := range o.Splits {
		if acct == TreasuryAccount || !validAccount(acct) {
			return reject(CodeMalformed, "invalid split account")
		}
		if bps < 1 || bps > maxBps {
			return reject(CodeMalformed, "split bps must be 1-%d", maxBps)
		}
		total += bps
	}
	if total > maxBps {
		return reject(CodeMalformed, "splits exceed %d bps", maxBps)
	}
	return checkTags(o.Tags)
}

func (o *OfferCreate) apply(st *State, tc *TxContext, _ *Rules) {
	st.Offers[o.OfferID] = OfferRecord{
		OfferID:       o.OfferID,
		Seller:        tc.Author,
		Title:         o.Title,
		Description:   o.Description,
		Price:         o.Price,
		PackageHash:   o.PackageHash,
		Tags:          o.Tags,
		Splits:        o.Splits,
		ParentOfferID: o.ParentOfferID,
		RoyaltyBps:    o.RoyaltyBps,
		CreatedMs:     tc.BlockTs,
	}
}

// Purchase buys an offer on behalf of Buyer, who authorizes it by signing
// the purchase fields. Any member may carry the purchase into a block.
type Purchase struct {
	TxMeta
	OfferID     string `json:"offer_id"`
	Buyer       string `json:"buyer"`
	Price       int64  `json:"price"`
	Nonce       string `json:"nonce"`
	// BuyerEncPub is the X25519 key the package key is sealed to. It is
	// covered by BuyerSig, so whoever carries the purchase cannot redirect
	// the grant.
	BuyerEncPub string `json:"buyer_enc_pub,omitempty"`
	BuyerSig    string `json:"buyer_sig"`
}

func (*Purchase) Type() TxType { return TxPurchase }

type purchaseAuth struct {
	T       string `json:"t"`
	GroupID string `json:"group_id"`
	OfferID string `json:"offer_id"`
	Buyer   string `json:"buyer"`
	Price   int64  `json:"price"`
	Nonce   string `json:"nonce"`
	TsMs    int64  `json:"ts_ms"`
	EncPub  string `json:"enc_pub,omitempty"`
}

// PurchaseAuthBytes returns the bytes the buyer signs.
func PurchaseAuthBytes(groupID string, p *Purchase) ([]byte, error) {
	return canonical.Encode(purchaseAuth{
		T:       "purchase",
		GroupID: groupID,
		OfferID: p.OfferID,
		Buyer:   p.Buyer,
		Price:   p.Price,
		Nonce:   p.Nonce,
		TsMs:    p.TsMs,
		EncPub:  p.BuyerEncPub,
	})
}

// SignPurchase fills Buyer and BuyerSig using the buyer's signer. Set
// BuyerEncPub first if the seller should seal the package key on purchase.
func SignPurchase(signer identity.Signer, groupID string, p *Purchase) error {
	p.Buyer = identity.EncodeB64(signer.PublicKey())
	msg, err := PurchaseAuthBytes(groupID, p)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return err
	}
	p.BuyerSig = identity.EncodeB64(sig)
	return nil
}

// settlement routes the price: royalties up the parent chain first, then the
// seller's splits, with the remainder to the seller.
func settlement(st *State, offer OfferRecord, buyer string, maxDepth int) *ledgerPlan {
	p := newLedgerPlan()
	p.add(buyer, -offer.Price)

	remaining := offer.Price
	cur := offer
	for depth := 0; depth < maxDepth && cur.ParentOfferID != ""; depth++ {
		parent, ok := st.Offers[cur.ParentOfferID]
		if !ok {
			break
		}
		cut := mulBps(remaining, cur.RoyaltyBps)
		p.add(parent.Seller, cut)
		remaining -= cut
		cur = parent
	}

	share := remaining
	accts := make([]string, 0, len(offer.Splits))
	for acct := range offer.Splits {
		accts = append(accts, acct)
	}
	sort.Strings(accts)
	for _, acct := range accts {
		cut := mulBps(share, offer.Splits[acct])
		p.add(acct, cut)
		remaining -= cut
	}
	p.add(offer.Seller, remaining)
	return p
}

func (p *Purchase) check(st *State, tc *TxContext, r *Rules) error {
	if !tc.isMember() {
		return reject(CodeNotMember, "purchase must be carried by a member")
	}
	offer, ok := st.Offers[p.OfferID]
	if !ok {
		return reject(CodeNotFound, "offer not found")
	}
	if len(p.Nonce) < r.PurchaseNonceMinLen {
		return reject(CodeNonceTooShort, "nonce must be at least %d characters", r.PurchaseNonceMinLen)
	}
	if st.PurchaseNonces[purchaseKey(p.Buyer, p.OfferID)][p.Nonce] {
		return reject(CodeNonceReplay, "purchase nonce already used")
	}
	msg, err := PurchaseAuthBytes(tc.GroupID, p)
	if err != nil {
		return reject(CodeMalformed, "encode purchase: %v", err)
	}
	if !identity.VerifyB64(p.Buyer, msg, p.BuyerSig) {
		return reject(CodeBadSignature, "invalid buyer signature")
	}
	if p.BuyerEncPub != "" {
		if _, err := identity.DecodeEncPub(p.BuyerEncPub); err != nil {
			return reject(CodeMalformed, "buyer_enc_pub: %v", err)
		}
	}
	window := r.PurchaseExpiry.Milliseconds()
	if p.TsMs < tc.BlockTs-window || p.TsMs > tc.BlockTs+window {
		return reject(CodeExpired, "purchase outside %s window", r.PurchaseExpiry.Round(time.Second))
	}
	if p.Price != offer.Price {
		return reject(CodePriceMismatch, "price %d does not match offer price %d", p.Price, offer.Price)
	}
	return settlement(st, offer, p.Buyer, r.MaxRoyaltyDepth).check(st)
}

func (p *Purchase) apply(st *State, tc *TxContext, r *Rules) {
	offer := st.Offers[p.OfferID]
	settlement(st, offer, p.Buyer, r.MaxRoyaltyDepth).commit(st)

	key := purchaseKey(p.Buyer, p.OfferID)
	nonces := st.PurchaseNonces[key]
	if nonces == nil {
		nonces = make(map[string]bool)
		st.PurchaseNonces[key] = nonces
	}
	nonces[p.Nonce] = true
	st.Purchases[key] = PurchaseRecord{
		OfferID: p.OfferID,
		Buyer:   p.Buyer,
		Price:   p.Price,
		TsMs:    p.TsMs,
		Height:  tc.Height,
	}
}

// Grant records the package key sealed to the buyer's encryption key.
type Grant struct {
	TxMeta
	OfferID   string             `json:"offer_id"`
	Buyer     string             `json:"buyer"`
	SealedKey identity.SealedBox `json:"sealed_key"`
}

func (*Grant) Type() TxType { return TxGrant }

func (g *Grant) check(st *State, tc *TxContext, _ *Rules) error {
	offer, ok := st.Offers[g.OfferID]
	if !ok {
		return reject(CodeNotFound, "offer not found")
	}
	if tc.Author != offer.Seller && tc.Role != types.RoleAdmin {
		return reject(CodeUnauthorized, "only the seller or an admin may grant")
	}
	key := purchaseKey(g.Buyer, g.OfferID)
	if _, ok := st.Purchases[key]; !ok {
		return reject(CodeNoPurchase, "no matching purchase")
	}
	if _, ok := st.Grants[key]; ok {
		return reject(CodeDuplicate, "already granted")
	}
	if !g.SealedKey.Valid() {
		return reject(CodeMalformed, "invalid sealed key")
	}
	return nil
}

func (g *Grant) apply(st *State, tc *TxContext, _ *Rules) {
	st.Grants[purchaseKey(g.Buyer, g.OfferID)] = GrantRecord{
		OfferID:   g.OfferID,
		Buyer:     g.Buyer,
		SealedKey: g.SealedKey,
		GrantedBy: tc.Author,
		TsMs:      tc.BlockTs,
	}
}
