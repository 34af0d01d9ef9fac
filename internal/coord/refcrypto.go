package coord

import (
	"bytes"
	"encoding/binary"

	"github.com/chorus-sig/roastd/internal/group"
	"golang.org/x/crypto/blake2b"
)

// ReferenceCrypto is a test double for SigningCrypto: it implements the
// domain-separated-hash shape of a real FROST share-verification and
// aggregation scheme (the H1..H5 hasher idiom borrowed from the pack's
// FROST reference implementation) without performing any real elliptic-
// curve secret-sharing math, since that math is explicitly outside this
// server's responsibility (spec.md §6 treats it as an external capability
// this server only routes). It exists for this module's own tests and the
// demo CLI; production deployments inject a real FROST library satisfying
// SigningCrypto instead.
//
// A ReferenceCrypto "share" is whatever byte string the test harness
// chooses to treat as this participant's contribution; VerifySignatureShare
// recomputes the same domain-separated digest the harness used to produce
// it and compares. Aggregate folds accepted shares together, again via a
// domain-separated hash, standing in for real Lagrange-interpolated
// signature construction.
type ReferenceCrypto struct{}

func (ReferenceCrypto) hash(tag string, parts ...[]byte) []byte {
	h, _ := blake2b.New256([]byte("roastd-refcrypto"))
	_, _ = h.Write([]byte(tag))
	for _, p := range parts {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}

// ReferenceShare computes the share a participant would submit for
// (commitments, details, id, secretSeed) under this
// reference scheme. Test code plays both ends: it calls this to produce
// the share a participant "sends", then the handler calls
// VerifySignatureShare on the same inputs plus the participant's public
// share.
func (r ReferenceCrypto) ReferenceShare(commitments SigningCommitmentSet, details SignDetails, id group.Identifier, secretSeed []byte) []byte {
	return r.hash("share", encodeCommitments(commitments), details.CanonicalBytes(), id[:], secretSeed)
}

// VerifySignatureShare implements ShareVerifier. In this reference scheme
// the "public share" a participant is checked against is defined to be
// ReferenceShare(..., secretSeed=publicShare.Bytes()) — i.e. the reference
// test harness derives a participant's fake secret deterministically from
// its own public key, so there is nothing server-side left to keep secret
// and the check reduces to byte equality.
func (r ReferenceCrypto) VerifySignatureShare(
	commitments SigningCommitmentSet,
	details SignDetails,
	id group.Identifier,
	share []byte,
	publicShare group.PublicKey,
	_ group.PublicKey,
) bool {
	want := r.ReferenceShare(commitments, details, id, publicShare.Bytes())
	return bytes.Equal(want, share)
}

// Aggregate implements Aggregator by folding every accepted share into one
// domain-separated digest, standing in for real Lagrange interpolation.
func (r ReferenceCrypto) Aggregate(
	commitments SigningCommitmentSet,
	details SignDetails,
	shares map[group.Identifier][]byte,
	info AggregateKeyInfo,
) (Signature, error) {
	ids := make([]group.Identifier, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}
	ids = group.SortIdentifiers(ids)
	parts := [][]byte{encodeCommitments(commitments), details.CanonicalBytes(), info.GroupKey.Bytes()}
	for _, id := range ids {
		parts = append(parts, id[:], shares[id])
	}
	return Signature(r.hash("aggregate", parts...)), nil
}

// Derive implements KeyDeriver. For the reference scheme HD derivation is
// the identity: the master AggregateKeyInfo already carries every
// participant's public share, and there is no real key-tree to walk.
func (r ReferenceCrypto) Derive(info AggregateKeyInfo, _ HDPath) (AggregateKeyInfo, error) {
	return info, nil
}

func encodeCommitments(set SigningCommitmentSet) []byte {
	var buf bytes.Buffer
	for _, pc := range set {
		buf.Write(pc.ID[:])
		buf.Write(pc.Commitment)
	}
	return buf.Bytes()
}
