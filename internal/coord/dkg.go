package coord

import (
	"encoding/binary"

	"github.com/chorus-sig/roastd/internal/group"
)

// NewDkgDetails describes a proposed DKG run: its name (unique across all
// live DKGs), a human description, the threshold it targets, and the
// deadline by which round 2 must complete (spec.md §3).
type NewDkgDetails struct {
	Name        string
	Description string
	Threshold   int
	Deadline    int64 // unix nanoseconds; part of the signed, canonical form
}

// CanonicalBytes implements group.Signable.
func (d NewDkgDetails) CanonicalBytes() []byte {
	buf := make([]byte, 0, len(d.Name)+len(d.Description)+16)
	buf = append(buf, []byte(d.Name)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(d.Description)...)
	buf = append(buf, 0)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(d.Threshold))
	buf = append(buf, n[:]...)
	binary.LittleEndian.PutUint64(n[:], uint64(d.Deadline))
	buf = append(buf, n[:]...)
	return buf
}

// RoundKind tags which half of the two-round DKG a DkgState is in.
// Dispatch on DkgState.Round is always by this tag, never by type
// assertion (spec.md §9, "tagged variants over class hierarchies").
type RoundKind int

const (
	Round1Kind RoundKind = iota
	Round2Kind
)

// Round1State collects public commitments; each participant appears at
// most once, in submission order.
type Round1State struct {
	Commitments []ParticipantCommitment
}

// HasCommitment reports whether id has already submitted a commitment.
func (r *Round1State) HasCommitment(id group.Identifier) bool {
	for _, c := range r.Commitments {
		if c.ID == id {
			return true
		}
	}
	return false
}

// RemoveCommitment drops id's commitment, if present, returning whether
// anything was removed.
func (r *Round1State) RemoveCommitment(id group.Identifier) bool {
	for i, c := range r.Commitments {
		if c.ID == id {
			r.Commitments = append(r.Commitments[:i], r.Commitments[i+1:]...)
			return true
		}
	}
	return false
}

// CommitmentSet snapshots the round's commitments as the ordered set
// hashWithCommitments expects.
func (r *Round1State) CommitmentSet() SigningCommitmentSet {
	byID := make(map[group.Identifier]SigningCommitment, len(r.Commitments))
	for _, c := range r.Commitments {
		byID[c.ID] = c.Commitment
	}
	return SortedSigningCommitmentSet(byID)
}

// Round2State awaits each participant's encrypted secret shares plus a
// signature binding the commitment set that round 1 produced.
type Round2State struct {
	ExpectedHash        [32]byte
	ParticipantsProvided map[group.Identifier]struct{}
}

// HasProvided reports whether id has already submitted round 2 secrets.
func (r *Round2State) HasProvided(id group.Identifier) bool {
	_, ok := r.ParticipantsProvided[id]
	return ok
}

// DkgRound is the Round1 | Round2 sum type.
type DkgRound struct {
	Kind RoundKind
	R1   Round1State
	R2   Round2State
}

// FreshRound1 builds an empty Round1 state, used both for a brand new DKG
// and for the logout-driven demotion of §4.3.
func FreshRound1() DkgRound {
	return DkgRound{Kind: Round1Kind, R1: Round1State{}}
}

// DkgState is the per-named-DKG state (spec.md §3).
type DkgState struct {
	SignedDetails group.Signed[NewDkgDetails]
	Creator       group.Identifier
	Round         DkgRound
	Exp           Expiry
}

func (s DkgState) expiry() Expiry { return s.Exp }

// Name is a convenience accessor for the DKG's unique name.
func (s DkgState) Name() string { return s.SignedDetails.Obj.Name }

// DkgAck is a signed accept/reject statement about a group key: "I do (or
// do not) hold a valid share for this key" (spec.md §3, GLOSSARY).
type DkgAck struct {
	GroupKey group.PublicKey
	Accepted bool
}

// CanonicalBytes implements group.Signable.
func (a DkgAck) CanonicalBytes() []byte {
	b := a.GroupKey.Bytes()
	if a.Accepted {
		return append(b, 1)
	}
	return append(b, 0)
}

// dkgAckCacheEntry is the per-group-key cache of acks (spec.md §3,
// "DkgAckCache").
type dkgAckCacheEntry struct {
	Acks map[group.Identifier]group.Signed[DkgAck]
	Exp  Expiry
}

func (e dkgAckCacheEntry) expiry() Expiry { return e.Exp }
