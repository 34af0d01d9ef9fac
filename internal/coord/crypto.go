package coord

import (
	"encoding/binary"

	"github.com/chorus-sig/roastd/internal/group"
	"golang.org/x/crypto/blake2b"
)

// This file defines the capability surface spec.md §6 treats as external:
// the FROST/ROAST primitives the server never implements itself, only
// consumes. Opaque byte types stand in for whatever the real crypto
// library hands back; the server routes them without interpreting their
// contents. Two capabilities (hashWithCommitments and the identity
// signObject/verify scheme) are pure/deterministic and get a real
// implementation here (hashWithCommitments below, identity signing in
// internal/group). The rest — share verification, aggregation, and HD
// derivation — are multi-party FROST math the spec explicitly carves out
// as "given"; SigningCrypto is the injection point, and refcrypto.go
// supplies the reference implementation this module's own tests and demo
// CLI run against.

// SigningCommitment is an opaque per-participant, per-round commitment
// produced by the client-side FROST library (SignPart1 in spec.md §6).
type SigningCommitment []byte

// ParticipantCommitment pairs an Identifier with its SigningCommitment,
// the unit the ordered commitment sets are built from.
type ParticipantCommitment struct {
	ID         group.Identifier
	Commitment SigningCommitment
}

// SigningCommitmentSet is the totally-ordered collection of per-
// participant signing commitments for one round, ordered by Identifier.
type SigningCommitmentSet []ParticipantCommitment

// SortedSigningCommitmentSet builds a SigningCommitmentSet from a map,
// canonically ordered by Identifier so hashing and downstream
// verification never depend on map iteration order.
func SortedSigningCommitmentSet(byID map[group.Identifier]SigningCommitment) SigningCommitmentSet {
	ids := make([]group.Identifier, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	ids = group.SortIdentifiers(ids)
	set := make(SigningCommitmentSet, 0, len(ids))
	for _, id := range ids {
		set = append(set, ParticipantCommitment{ID: id, Commitment: byID[id]})
	}
	return set
}

// EncryptedSecret is an opaque ECDH-encrypted DKG round-2 secret share
// (DkgEncryptedSecret in spec.md §6). The server never decrypts it.
type EncryptedSecret []byte

// EncryptedKeyShare is an opaque ECDH-encrypted recovery share (§4.8).
type EncryptedKeyShare []byte

// Signature is an opaque aggregated Schnorr signature produced by the
// external SignatureAggregation capability.
type Signature []byte

// AggregateKeyInfo names one FROST group key this server coordinates
// signatures for: the aggregate public key, its threshold, and the
// per-participant public key shares needed to verify a partial signature.
type AggregateKeyInfo struct {
	GroupKey        group.PublicKey
	Threshold       int
	ParticipantKeys map[group.Identifier]group.PublicKey
}

// SignDetails names the message (and sighash convention) a signature is
// requested over.
type SignDetails struct {
	Message     []byte
	SighashType byte
}

// CanonicalBytes implements group.Signable.
func (d SignDetails) CanonicalBytes() []byte {
	return append(append([]byte{d.SighashType}, d.Message...))
}

// HDPath is a hierarchical-derivation path applied against a master
// AggregateKeyInfo (spec.md §6).
type HDPath []uint32

// ShareVerifier wraps the external verifySignatureShare capability.
type ShareVerifier interface {
	VerifySignatureShare(
		commitments SigningCommitmentSet,
		details SignDetails,
		id group.Identifier,
		share []byte,
		publicShare group.PublicKey,
		groupKey group.PublicKey,
	) bool
}

// Aggregator wraps the external SignatureAggregation capability.
type Aggregator interface {
	Aggregate(
		commitments SigningCommitmentSet,
		details SignDetails,
		shares map[group.Identifier][]byte,
		info AggregateKeyInfo,
	) (Signature, error)
}

// KeyDeriver wraps HDAggregateKeyInfo/HDParticipantKeyInfo derivation.
type KeyDeriver interface {
	Derive(info AggregateKeyInfo, path HDPath) (AggregateKeyInfo, error)
}

// SigningCrypto bundles the three injected FROST capabilities a
// signature coordination needs beyond the identity-signing scheme.
type SigningCrypto interface {
	ShareVerifier
	Aggregator
	KeyDeriver
}

// hashWithCommitments implements the hashWithCommitments(details, set)
// capability for real: a deterministic digest over the DKG details and
// the full ordered commitment set, the same "hash the canonical bytes of
// everything in a fixed order" idiom the teacher's key.Group.Hash uses
// for its own fingerprint.
func hashWithCommitments(details NewDkgDetails, set SigningCommitmentSet) [32]byte {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write(details.CanonicalBytes())
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(set)))
	_, _ = h.Write(n[:])
	for _, pc := range set {
		_, _ = h.Write(pc.ID[:])
		_, _ = h.Write(pc.Commitment)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
