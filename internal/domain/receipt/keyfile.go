package receipt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// KeyFile is the on-disk keypair format written by the keygen command.
type KeyFile struct {
	KeyID string `json:"key_id"`
	// PrivateKey is the base64 encoded ed25519 private key.
	PrivateKey string `json:"private_key"`
	// PublicKey is the base64 encoded ed25519 public key.
	PublicKey string `json:"public_key"`
}

// GenerateKeyFile creates a fresh ed25519 keypair and writes it to path with
// 0600 permissions. It refuses to overwrite an existing file.
func GenerateKeyFile(path, keyID string) (*KeyFile, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key file %s already exists", path)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	kf := &KeyFile{
		KeyID:      keyID,
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal key file: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return kf, nil
}

// LoadKeyFile reads a keypair file and builds a Signer from it.
func LoadKeyFile(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return NewSigner(kf.KeyID, ed25519.PrivateKey(priv))
}

// PublicKeyOf decodes the public key from a key file, for verifier-side
// registry seeding without exposing the private half.
func (kf *KeyFile) PublicKeyOf() (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(kf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad public key length %d", len(pub))
	}
	return ed25519.PublicKey(pub), nil
}

// ReadKeyFile parses a key file without constructing a signer.
func ReadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return &kf, nil
}
