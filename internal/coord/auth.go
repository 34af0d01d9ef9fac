package coord

import (
	"crypto/rand"

	"github.com/chorus-sig/roastd/internal/group"
)

// AuthChallenge is the fresh random nonce a participant must sign to prove
// control of their long-term key (spec.md §3). Used once.
type AuthChallenge struct {
	Nonce [16]byte
}

// CanonicalBytes implements group.Signable.
func (c AuthChallenge) CanonicalBytes() []byte {
	out := make([]byte, len(c.Nonce))
	copy(out, c.Nonce[:])
	return out
}

func newAuthChallenge() (AuthChallenge, error) {
	var c AuthChallenge
	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return c, err
	}
	return c, nil
}

// LoginResponse is returned synchronously from login.
type LoginResponse struct {
	Challenge AuthChallenge
}

// SessionSnapshot is the client's re-hydration primitive, returned from a
// successful respondToChallenge (spec.md §4.4).
type SessionSnapshot struct {
	SessionID          SessionID
	Expiry             Expiry
	OnlineParticipants []group.Identifier
	NewDkgs            []NewDkgEvent
	SigRequests        []SignaturesRequestEvent
	SigRounds          []SignatureNewRoundsEvent
	CompletedSigs      []CompletedSignatures
	SecretShares       []SecretShareEvent
}
