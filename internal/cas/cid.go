package cas

import (
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// CID returns the CIDv1 (raw codec, sha2-256) naming the object with hex
// hash h.
func CID(h string) (cid.Cid, error) {
	digest, err := hex.DecodeString(h)
	if err != nil || len(digest) != 32 {
		return cid.Undef, fmt.Errorf("%w: %q", ErrInvalidRef, h)
	}
	hash, err := mh.Encode(digest, uint64(multicodec.Sha2_256))
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(uint64(multicodec.Raw), hash), nil
}

// ParseRef accepts a hex SHA-256 or a sha2-256 CID and returns the hex hash.
func ParseRef(ref string) (string, error) {
	if len(ref) == 64 {
		if b, err := hex.DecodeString(ref); err == nil {
			return hex.EncodeToString(b), nil
		}
	}

	c, err := cid.Decode(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if decoded.Code != uint64(multicodec.Sha2_256) || len(decoded.Digest) != 32 {
		return "", fmt.Errorf("%w: unsupported multihash %s", ErrInvalidRef, multicodec.Code(decoded.Code))
	}
	return hex.EncodeToString(decoded.Digest), nil
}
