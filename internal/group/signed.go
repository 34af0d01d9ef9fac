package group

import "fmt"

// Signable is implemented by every object type that travels the protocol
// wrapped in a Signed envelope. CanonicalBytes must be deterministic: two
// equal objects must always serialize identically, since it is the exact
// byte string the long-term signature is taken over.
type Signable interface {
	CanonicalBytes() []byte
}

// Signed is a generic envelope binding an object to the Identifier that
// signed it, mirroring the "Signed<T>" notation used throughout the data
// model (spec.md §3): NewDkgDetails signed by its creator, a DkgAck signed
// by the acking participant, a commitment-set signature, and so on.
type Signed[T Signable] struct {
	Signer Identifier
	Obj    T
	Sig    []byte
}

// SignObject builds a Signed envelope for obj, signed by signer using kp.
func SignObject[T Signable](signer Identifier, kp *KeyPair, obj T) (Signed[T], error) {
	sig, err := kp.Sign(obj.CanonicalBytes())
	if err != nil {
		return Signed[T]{}, err
	}
	return Signed[T]{Signer: signer, Obj: obj, Sig: sig}, nil
}

// Verify checks the envelope's signature against the signer's long-term
// public key as recorded in cfg.
func (s Signed[T]) Verify(cfg *Config) error {
	pub, ok := cfg.Participants[s.Signer]
	if !ok {
		return fmt.Errorf("group: signer %s is not a participant", s.Signer)
	}
	return Verify(pub, s.Obj.CanonicalBytes(), s.Sig)
}

// VerifyAs checks the envelope's signature against an explicitly supplied
// public key, for the cases (e.g. AuthChallenge responses, before a
// session exists) where the caller already resolved the identity.
func (s Signed[T]) VerifyAs(pub PublicKey) error {
	return Verify(pub, s.Obj.CanonicalBytes(), s.Sig)
}
