package dag

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// ComputeDigest computes a CIDv1 (raw codec, SHA2-256) for the given data.
// Revision payloads are addressed this way so that two sides of a merge can be
// compared without touching the payloads again.
func ComputeDigest(data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.Raw, mh), nil
}

// EncodeDigest returns the base32 multibase text form of a digest.
func EncodeDigest(c gocid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

// DecodeDigest parses the text form produced by EncodeDigest.
func DecodeDigest(s string) (gocid.Cid, error) {
	_, raw, err := multibase.Decode(s)
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode digest: %w", err)
	}
	return gocid.Cast(raw)
}

// PayloadDigest hashes the canonical JSON encoding of a payload.
func PayloadDigest(payload map[string]interface{}) (string, error) {
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("serialize payload: %w", err)
	}
	c, err := ComputeDigest(data)
	if err != nil {
		return "", err
	}
	return EncodeDigest(c), nil
}
