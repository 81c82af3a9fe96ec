package ipfs

import (
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// ParseCID validates a CID string (v0 or v1, any multibase).
func ParseCID(s string) (cid.Cid, error) {
	c, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return cid.Undef, errs.E(errs.KindInvalidInput, "ipfs.ParseCID", "malformed CID", err)
	}
	return c, nil
}

// LocalCID computes the CIDv1 (raw codec, sha2-256) of data as a single block.
//
// Pinning services chunk and wrap uploads as they see fit, so this is a
// diagnostic for small payloads, not a prediction of the published CID.
func LocalCID(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}
