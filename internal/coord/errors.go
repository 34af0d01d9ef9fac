package coord

import "fmt"

// Kind enumerates the InvalidRequest taxonomy of spec.md §7. Every rule
// violation the API handler detects is surfaced as one of these, never as
// an opaque error.
type Kind string

const (
	KindInvalidProtoVersion              Kind = "invalidProtoVersion"
	KindGroupMismatch                    Kind = "groupMismatch"
	KindNoParticipant                    Kind = "noParticipant"
	KindNoSession                        Kind = "noSession"
	KindNoChallenge                      Kind = "noChallenge"
	KindInvalidChallengeSig              Kind = "invalidChallengeSig"
	KindNoDkg                            Kind = "noDkg"
	KindNotRound1Dkg                     Kind = "notRound1Dkg"
	KindNotRound2Dkg                     Kind = "notRound2Dkg"
	KindDkgRequestExists                 Kind = "dkgRequestExists"
	KindDkgCommitmentExists              Kind = "dkgCommitmentExists"
	KindDkgRound2Sent                    Kind = "dkgRound2Sent"
	KindInvalidThreshold                 Kind = "invalidThreshold"
	KindInvalidDkgReqSig                 Kind = "invalidDkgReqSig"
	KindInvalidDkgCommitmentSetSignature Kind = "invalidDkgCommitmentSetSignature"
	KindInvalidSecretMap                 Kind = "invalidSecretMap"
	KindInvalidDkgAckSignature           Kind = "invalidDkgAckSignature"
	KindCannotRequestSelfAck             Kind = "cannotRequestSelfAck"
	KindWrongCommitmentNum               Kind = "wrongCommitmentNum"
	KindWrongSigKeys                     Kind = "wrongSigKeys"
	KindSigRequestExists                 Kind = "sigRequestExists"
	KindInvalidSigReqSignature           Kind = "invalidSigReqSignature"
	KindExpiryTooSoon                    Kind = "expiryTooSoon"
	KindExpiryTooLate                    Kind = "expiryTooLate"
	KindMarkedMalicious                  Kind = "markedMalicious"
	KindEmptySigReply                    Kind = "emptySigReply"
	KindDuplicateSigReply                Kind = "duplicateSigReply"
	KindInvalidSigIndex                  Kind = "invalidSigIndex"
	KindNextCommitmentExists             Kind = "nextCommitmentExists"
	KindUnsolicitedShare                 Kind = "unsolicitedShare"
	KindMissingShare                     Kind = "missingShare"
	KindInvalidShare                     Kind = "invalidShare"
	KindInvalidKeyShareMap               Kind = "invalidKeyShareMap"
)

// InvalidRequest is returned synchronously to the calling client whenever
// a request violates a protocol-level rule. It never alters server state
// in a way that blocks future valid requests, except where §4.7
// deliberately marks the caller malicious before raising.
type InvalidRequest struct {
	Kind Kind
	Err  error
}

func (e *InvalidRequest) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid request (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("invalid request (%s)", e.Kind)
}

func (e *InvalidRequest) Unwrap() error { return e.Err }

// invalid constructs an InvalidRequest of the given kind, optionally
// wrapping a cause.
func invalid(kind Kind, cause error) *InvalidRequest {
	return &InvalidRequest{Kind: kind, Err: cause}
}
