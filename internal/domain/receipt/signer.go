package receipt

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// SignatureAlg is the only signature algorithm receipts use.
const SignatureAlg = "ed25519"

// ErrUnknownKey is returned when a signature references a key id the
// verifier does not hold a public key for.
var ErrUnknownKey = errors.New("unknown signing key")

// ErrBadSignature is returned when signature verification fails.
var ErrBadSignature = errors.New("signature verification failed")

// Signer signs receipt payloads with a single ed25519 key.
type Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

// NewSigner creates a signer from an ed25519 private key.
func NewSigner(keyID string, priv ed25519.PrivateKey) (*Signer, error) {
	if keyID == "" {
		return nil, errors.New("signer: missing key id")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: bad private key length %d", len(priv))
	}
	return &Signer{keyID: keyID, priv: priv}, nil
}

// KeyID returns the signer's key identifier.
func (s *Signer) KeyID() string { return s.keyID }

// Public returns the signer's public key, for registry seeding.
func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign fills in the receipt's signature over its canonical payload.
// The receipt must not already carry a signature.
func (s *Signer) Sign(r *Receipt) error {
	if r.Signature != nil {
		return errors.New("sign: receipt already signed")
	}
	payload, err := r.SigningPayload()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(s.priv, payload)
	r.Signature = &Signature{
		Alg:   SignatureAlg,
		KeyID: s.keyID,
		Sig:   base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}

// KeyRegistry maps key ids to public keys. Old keys stay registered after
// rotation so historical receipts keep verifying.
type KeyRegistry struct {
	keys map[string]ed25519.PublicKey
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: map[string]ed25519.PublicKey{}}
}

// Register adds a public key under a key id.
func (kr *KeyRegistry) Register(keyID string, pub ed25519.PublicKey) error {
	if keyID == "" {
		return errors.New("registry: missing key id")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("registry: bad public key length %d", len(pub))
	}
	kr.keys[keyID] = pub
	return nil
}

// Verify checks the receipt's signature against the registered key for its
// key id.
func (kr *KeyRegistry) Verify(r *Receipt) error {
	if r.Signature == nil {
		return ErrBadSignature
	}
	if r.Signature.Alg != SignatureAlg {
		return fmt.Errorf("%w: unsupported alg %q", ErrBadSignature, r.Signature.Alg)
	}
	pub, ok := kr.keys[r.Signature.KeyID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, r.Signature.KeyID)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature.Sig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrBadSignature)
	}
	payload, err := r.SigningPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrBadSignature
	}
	return nil
}
