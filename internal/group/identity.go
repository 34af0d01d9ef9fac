package group

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// PublicKey is a participant's long-term, Taproot-compatible (BIP-340
// x-only) Schnorr public key.
type PublicKey struct {
	key *btcec.PublicKey
}

// NewPublicKey wraps a parsed secp256k1 public key.
func NewPublicKey(key *btcec.PublicKey) PublicKey {
	return PublicKey{key: key}
}

// ParsePublicKey decodes a 32-byte BIP-340 x-only public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	k, err := schnorr.ParsePubKey(b)
	if err != nil {
		return PublicKey{}, fmt.Errorf("group: invalid public key: %w", err)
	}
	return PublicKey{key: k}, nil
}

// Bytes serializes the key to its 32-byte x-only form.
func (p PublicKey) Bytes() []byte {
	if p.key == nil {
		return nil
	}
	return schnorr.SerializePubKey(p.key)
}

// IsZero reports whether this PublicKey wraps no key.
func (p PublicKey) IsZero() bool {
	return p.key == nil
}

// Equal reports whether two public keys represent the same point.
func (p PublicKey) Equal(other PublicKey) bool {
	if p.key == nil || other.key == nil {
		return p.key == other.key
	}
	return p.key.IsEqual(other.key)
}

func (p PublicKey) String() string {
	return fmt.Sprintf("%x", p.Bytes())
}

// KeyPair is a participant's long-term signing identity. Only tests and the
// demo CLI construct one directly; in production the private half never
// reaches the server.
type KeyPair struct {
	Priv *btcec.PrivateKey
	Pub  PublicKey
}

// GenerateKeyPair creates a fresh signing identity for tests and demos.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Priv: priv, Pub: NewPublicKey(priv.PubKey())}, nil
}

// digest hashes arbitrary canonical bytes down to the 32-byte message a
// BIP-340 Schnorr signature is taken over, matching the spec's "signObject"
// capability ("Schnorr-style signatures over serialized messages by
// participants' long-term keys").
func digest(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}

// Sign implements the "signObject" capability of spec.md §6 for a given
// long-term key pair.
func (kp *KeyPair) Sign(msg []byte) ([]byte, error) {
	h := digest(msg)
	sig, err := schnorr.Sign(kp.Priv, h[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Verify implements the "verify" capability of spec.md §6: a Schnorr
// signature by pub over msg.
func Verify(pub PublicKey, msg, sig []byte) error {
	if pub.IsZero() {
		return fmt.Errorf("group: verify against empty public key")
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("group: malformed signature: %w", err)
	}
	h := digest(msg)
	if !parsed.Verify(h[:], pub.key) {
		return fmt.Errorf("group: signature verification failed")
	}
	return nil
}
