package chain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/relves/groupchain/pkg/canonical"
	"github.com/relves/groupchain/pkg/identity"
)

// GenesisPrev is the prev_hash of every height-0 block.
var GenesisPrev = strings.Repeat("0", 64)

// Block is a signed batch of transactions. ID is the hash of the canonical
// encoding of every field except Sig and ID; Sig signs the same bytes.
type Block struct {
	GroupID      string        `json:"group_id"`
	Height       uint64        `json:"height"`
	PrevHash     string        `json:"prev_hash"`
	Transactions []Transaction `json:"transactions"`
	AuthorPub    string        `json:"author_pub"`
	TsMs         int64         `json:"ts_ms"`
	Sig          string        `json:"sig"`
	ID           string        `json:"id"`
}

type blockBody struct {
	GroupID      string        `json:"group_id"`
	Height       uint64        `json:"height"`
	PrevHash     string        `json:"prev_hash"`
	Transactions []Transaction `json:"transactions"`
	AuthorPub    string        `json:"author_pub"`
	TsMs         int64         `json:"ts_ms"`
}

// SigningBytes returns the canonical encoding of the block body.
func (b *Block) SigningBytes() ([]byte, error) {
	return canonical.Encode(blockBody{
		GroupID:      b.GroupID,
		Height:       b.Height,
		PrevHash:     b.PrevHash,
		Transactions: b.Transactions,
		AuthorPub:    b.AuthorPub,
		TsMs:         b.TsMs,
	})
}

// Ref returns a pointer to b.
func (b *Block) Ref() BlockRef {
	return BlockRef{ID: b.ID, Height: b.Height, TsMs: b.TsMs}
}

// NewBlock builds and signs a block.
func NewBlock(signer identity.Signer, groupID string, height uint64, prev string, tsMs int64, txs []Transaction) (Block, error) {
	b := Block{
		GroupID:      groupID,
		Height:       height,
		PrevHash:     prev,
		Transactions: txs,
		AuthorPub:    identity.EncodeB64(signer.PublicKey()),
		TsMs:         tsMs,
	}
	body, err := b.SigningBytes()
	if err != nil {
		return Block{}, fmt.Errorf("encode block: %w", err)
	}
	sig, err := signer.Sign(body)
	if err != nil {
		return Block{}, fmt.Errorf("sign block: %w", err)
	}
	b.Sig = identity.EncodeB64(sig)
	b.ID = canonical.HashBytes(body)
	return b, nil
}

// ValidGroupID reports whether id is 1-64 characters of [A-Za-z0-9_-]. Group
// ids name directories on disk.
func ValidGroupID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// NewGroupID returns a random group identifier.
func NewGroupID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewGenesisBlock founds a group with signer as its first admin. Extra
// transactions (initial members, mints) may follow the genesis transaction.
func NewGenesisBlock(signer identity.Signer, groupID string, tsMs int64, g *Genesis, extra ...Transaction) (Block, error) {
	if groupID == "" {
		var err error
		if groupID, err = NewGroupID(); err != nil {
			return Block{}, err
		}
	}
	if g.TsMs == 0 {
		g.TsMs = tsMs
	}
	txs := append([]Transaction{Tx(g)}, extra...)
	stampTxs(txs, tsMs)
	return NewBlock(signer, groupID, 0, GenesisPrev, tsMs, txs)
}

func stampTxs(txs []Transaction, tsMs int64) {
	for _, tx := range txs {
		if tx.TxBody != nil && tx.meta().TsMs == 0 {
			tx.meta().TsMs = tsMs
		}
	}
}

// verifyIntegrity checks that ID and Sig match the body.
func (b *Block) verifyIntegrity() error {
	body, err := b.SigningBytes()
	if err != nil {
		return reject(CodeMalformed, "encode block: %v", err)
	}
	if canonical.HashBytes(body) != b.ID {
		return reject(CodeBadBlockID, "block id does not match contents")
	}
	if !identity.VerifyB64(b.AuthorPub, body, b.Sig) {
		return reject(CodeBadSignature, "block signature does not verify")
	}
	return nil
}
