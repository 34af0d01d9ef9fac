package coord

import "github.com/chorus-sig/roastd/internal/group"

// EventKind tags the Event sum type (spec.md §6, "Server-push surface").
type EventKind int

const (
	EventParticipantStatus EventKind = iota
	EventNewDkg
	EventDkgCommitment
	EventDkgReject
	EventDkgRound2Share
	EventDkgAck
	EventDkgAckRequest
	EventSignaturesRequest
	EventSignatureNewRounds
	EventSignaturesComplete
	EventSignaturesFailure
	EventSecretShare
	EventKeepalive
)

// Event is the tagged union every ClientSession event stream carries.
// Exactly one payload field is populated, matching Kind. Dispatch is
// always on Kind, never on which pointer is non-nil (spec.md §9).
type Event struct {
	Kind EventKind

	ParticipantStatus  *ParticipantStatusEvent
	NewDkg             *NewDkgEvent
	DkgCommitment      *DkgCommitmentEvent
	DkgReject          *DkgRejectEvent
	DkgRound2Share     *DkgRound2ShareEvent
	DkgAck             *DkgAckEvent
	DkgAckRequest      *DkgAckRequestEvent
	SignaturesRequest  *SignaturesRequestEvent
	SignatureNewRounds *SignatureNewRoundsEvent
	SignaturesComplete *SignaturesCompleteEvent
	SignaturesFailure  *SignaturesFailureEvent
	SecretShare        *SecretShareEvent
	Keepalive          *KeepaliveEvent
}

// ParticipantStatusEvent reports a peer logging in or out (spec.md §4.3,
// §4.4).
type ParticipantStatusEvent struct {
	ID       group.Identifier
	LoggedIn bool
}

func statusEvent(id group.Identifier, loggedIn bool) Event {
	return Event{Kind: EventParticipantStatus, ParticipantStatus: &ParticipantStatusEvent{ID: id, LoggedIn: loggedIn}}
}

// NewDkgEvent announces a freshly requested DKG to every other session.
type NewDkgEvent struct {
	Details     group.Signed[NewDkgDetails]
	Creator     group.Identifier
	Commitments SigningCommitmentSet
}

func newDkgEvent(e NewDkgEvent) Event { return Event{Kind: EventNewDkg, NewDkg: &e} }

// DkgCommitmentEvent relays one participant's round-1 commitment.
type DkgCommitmentEvent struct {
	Name        string
	Participant group.Identifier
	Commitment  SigningCommitment
}

func dkgCommitmentEvent(e DkgCommitmentEvent) Event {
	return Event{Kind: EventDkgCommitment, DkgCommitment: &e}
}

// DkgRejectEvent reports a participant rejecting (or the DKG otherwise
// being removed while) a named DKG.
type DkgRejectEvent struct {
	Name        string
	Participant group.Identifier
}

func dkgRejectEvent(e DkgRejectEvent) Event { return Event{Kind: EventDkgReject, DkgReject: &e} }

// DkgRound2ShareEvent relays one participant's round-2 encrypted secret
// addressed to the recipient session it is delivered to.
type DkgRound2ShareEvent struct {
	Name                  string
	CommitmentSetSignature []byte
	Sender                group.Identifier
	Secret                EncryptedSecret
}

func dkgRound2ShareEvent(e DkgRound2ShareEvent) Event {
	return Event{Kind: EventDkgRound2Share, DkgRound2Share: &e}
}

// DkgAckEvent fans out newly learned (or newly upgraded) acks.
type DkgAckEvent struct {
	Acks []group.Signed[DkgAck]
}

func dkgAckEvent(acks []group.Signed[DkgAck]) Event {
	return Event{Kind: EventDkgAck, DkgAck: &DkgAckEvent{Acks: acks}}
}

// DkgAckRequest is one group-key's worth of still-missing ack requests.
type DkgAckRequest struct {
	IDs      []group.Identifier
	GroupKey group.PublicKey
}

// DkgAckRequestEvent asks the network to supply acks this session could
// not satisfy from its own cache.
type DkgAckRequestEvent struct {
	Requests []DkgAckRequest
}

func dkgAckRequestEvent(reqs []DkgAckRequest) Event {
	return Event{Kind: EventDkgAckRequest, DkgAckRequest: &DkgAckRequestEvent{Requests: reqs}}
}

// SignaturesRequestEvent announces a freshly opened ROAST coordination.
type SignaturesRequestEvent struct {
	Details group.Signed[SignaturesRequestDetails]
	Creator group.Identifier
}

func signaturesRequestEvent(e SignaturesRequestEvent) Event {
	return Event{Kind: EventSignaturesRequest, SignaturesRequest: &e}
}

// SignatureNewRoundsEvent notifies a participant of newly opened signing
// rounds they owe a share for.
type SignatureNewRoundsEvent struct {
	RequestID RequestID
	Rounds    []SignatureRoundStart
}

func signatureNewRoundsEvent(reqID RequestID, rounds []SignatureRoundStart) Event {
	return Event{Kind: EventSignatureNewRounds, SignatureNewRounds: &SignatureNewRoundsEvent{RequestID: reqID, Rounds: rounds}}
}

// SignaturesCompleteEvent announces every signature in a coordination
// has been produced.
type SignaturesCompleteEvent struct {
	RequestID  RequestID
	Signatures []Signature
}

func signaturesCompleteEvent(reqID RequestID, sigs []Signature) Event {
	return Event{Kind: EventSignaturesComplete, SignaturesComplete: &SignaturesCompleteEvent{RequestID: reqID, Signatures: sigs}}
}

// SignaturesFailureEvent announces a coordination was aborted because the
// remaining honest pool could no longer meet the highest threshold in
// play (spec.md §4.7).
type SignaturesFailureEvent struct {
	RequestID RequestID
}

func signaturesFailureEvent(reqID RequestID) Event {
	return Event{Kind: EventSignaturesFailure, SignaturesFailure: &SignaturesFailureEvent{RequestID: reqID}}
}

// SecretShareEvent delivers one recovery share to its receiver (spec.md
// §4.8). It is not named in spec.md §6's event list but is required by
// the shareSecretShare operation it documents; included here as part of
// the same tagged union.
type SecretShareEvent struct {
	Sender   group.Identifier
	KeyShare EncryptedKeyShare
	GroupKey group.PublicKey
}

func secretShareEvent(e SecretShareEvent) Event { return Event{Kind: EventSecretShare, SecretShare: &e} }

// KeepaliveEvent is delivered at Config.KeepAliveFreq when configured.
type KeepaliveEvent struct{}

func keepaliveEvent() Event { return Event{Kind: EventKeepalive, Keepalive: &KeepaliveEvent{}} }
