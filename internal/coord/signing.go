package coord

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/chorus-sig/roastd/internal/group"
	"github.com/chorus-sig/roastd/internal/metrics"
)

// SingleSignatureDetails names one signature a SignaturesRequestDetails
// asks for: the message (and sighash convention), the FROST group key it
// must be signed under, and the HD-derivation path to apply against that
// group key's master info (spec.md §3).
type SingleSignatureDetails struct {
	SignDetails  SignDetails
	GroupKey     group.PublicKey
	HDDerivation HDPath
}

func (d SingleSignatureDetails) canonicalBytes() []byte {
	buf := d.SignDetails.CanonicalBytes()
	buf = append(buf, d.GroupKey.Bytes()...)
	for _, p := range d.HDDerivation {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], p)
		buf = append(buf, n[:]...)
	}
	return buf
}

// RequestID is the 16-byte fingerprint identifying a signatures request,
// derived deterministically from its contents (spec.md §3).
type RequestID [16]byte

func (id RequestID) String() string { return fmt.Sprintf("%x", id[:]) }

// SignaturesRequestDetails is the signed object a participant submits to
// start a ROAST coordination over one or more messages.
type SignaturesRequestDetails struct {
	RequiredSigs []SingleSignatureDetails
	Deadline     int64
}

// CanonicalBytes implements group.Signable.
func (d SignaturesRequestDetails) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(d.RequiredSigs)))
	buf = append(buf, n[:]...)
	for _, s := range d.RequiredSigs {
		buf = append(buf, s.canonicalBytes()...)
	}
	binary.LittleEndian.PutUint64(n[:], uint64(d.Deadline))
	buf = append(buf, n[:]...)
	return buf
}

// ID computes this request's fingerprint.
func (d SignaturesRequestDetails) ID() RequestID {
	sum := sha256.Sum256(d.CanonicalBytes())
	var id RequestID
	copy(id[:], sum[:16])
	return id
}

// SigStateKind tags the SingleSignatureState sum type.
type SigStateKind int

const (
	SigInProgress SigStateKind = iota
	SigFinished
)

// shareEntry is one (Identifier, share) pair appended to a round's shares
// in submission order.
type shareEntry struct {
	ID    group.Identifier
	Share []byte
}

// RoundState is one live signing round within an in-progress signature:
// the commitment set it was opened with, and the shares collected so far.
type RoundState struct {
	Commitments SigningCommitmentSet
	Shares      []shareEntry
}

// HasShareFrom reports whether id has already contributed a share to
// this round.
func (r *RoundState) HasShareFrom(id group.Identifier) bool {
	for _, s := range r.Shares {
		if s.ID == id {
			return true
		}
	}
	return false
}

// InProgressSig is the InProgress variant of SingleSignatureState: a
// pending-commitments pool one-round ahead of the live signing round, the
// classical ROAST pipelining technique (spec.md §4.7).
type InProgressSig struct {
	Key             AggregateKeyInfo
	NextCommitments map[group.Identifier]SigningCommitment
	RoundForID      map[group.Identifier]*RoundState
}

func newInProgressSig(key AggregateKeyInfo) *InProgressSig {
	return &InProgressSig{
		Key:             key,
		NextCommitments: map[group.Identifier]SigningCommitment{},
		RoundForID:      map[group.Identifier]*RoundState{},
	}
}

// FinishedSig is the Finished variant: the aggregated signature.
type FinishedSig struct {
	Signature Signature
}

// SingleSignatureState is the InProgress | Finished sum type (spec.md §3).
type SingleSignatureState struct {
	Kind       SigStateKind
	InProgress *InProgressSig
	Finished   *FinishedSig
}

// SignatureRoundStart is the per-recipient notification payload recorded
// when a new round opens for signature index sigI.
type SignatureRoundStart struct {
	SigIndex    int
	Commitments SigningCommitmentSet
}

// SignaturesCoordinationState is the per-request ROAST coordination
// state (spec.md §3).
type SignaturesCoordinationState struct {
	SignedDetails group.Signed[SignaturesRequestDetails]
	Creator       group.Identifier
	Keys          map[string]AggregateKeyInfo // keyed by GroupKey.Bytes() hex
	Sigs          []*SingleSignatureState
	Malicious     map[group.Identifier]struct{}
	Rejectors     map[group.Identifier]struct{}
	Exp           Expiry
}

func (s *SignaturesCoordinationState) expiry() Expiry { return s.Exp }

// RequestID returns this coordination's id.
func (s *SignaturesCoordinationState) RequestID() RequestID {
	return s.SignedDetails.Obj.ID()
}

// maxThreshold is the highest threshold among any still-InProgress
// signature (spec.md §3 invariant 6).
func (s *SignaturesCoordinationState) maxThreshold() int {
	max := 0
	for _, sig := range s.Sigs {
		if sig.Kind == SigInProgress && sig.InProgress.Key.Threshold > max {
			max = sig.InProgress.Key.Threshold
		}
	}
	return max
}

// unavailable counts participants excluded from the coordination:
// malicious absorbs rejectors, so each is counted once (spec.md §4.7).
func (s *SignaturesCoordinationState) unavailable() int {
	n := len(s.Malicious)
	for id := range s.Rejectors {
		if _, ok := s.Malicious[id]; !ok {
			n++
		}
	}
	return n
}

// allFinished reports whether every sig in the coordination has reached
// the Finished state.
func (s *SignaturesCoordinationState) allFinished() bool {
	for _, sig := range s.Sigs {
		if sig.Kind != SigFinished {
			return false
		}
	}
	return true
}

// markMalicious marks id malicious permanently and removes it from
// rejectors (spec.md §4.7: "malicious is permanent and takes precedence").
func (s *SignaturesCoordinationState) markMalicious(id group.Identifier) {
	if _, already := s.Malicious[id]; !already {
		metrics.MaliciousMarks.Inc()
	}
	s.Malicious[id] = struct{}{}
	delete(s.Rejectors, id)
}

// CompletedSignatures is the retained result of a finished coordination
// (spec.md §3). Acks is defined but never populated by any request-path
// operation in this spec (§9's first Open Question) — it exists so a
// future "I've seen this" ack submission can skip redelivering a
// completed signature without requiring a schema change.
type CompletedSignatures struct {
	SignedDetails group.Signed[SignaturesRequestDetails]
	Signatures    []Signature
	Creator       group.Identifier
	Acks          map[group.Identifier]struct{}
	Exp           Expiry
}

func (c CompletedSignatures) expiry() Expiry { return c.Exp }

// RequestID returns this completed request's id.
func (c CompletedSignatures) RequestID() RequestID {
	return c.SignedDetails.Obj.ID()
}
