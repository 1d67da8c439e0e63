// Package signing produces and verifies the signatures attached to consent
// artefacts. Internal evidence is signed with a process-wide HMAC-SHA256 key;
// artefacts exchanged with the national gateway are signed with an RSA key
// (RS256, PKCS#1 v1.5). Both schemes are deterministic for a given key, so a
// signature can be verified by recomputation alone.
package signing

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"

	// MinSymmetricKeyLen is the shortest HMAC key accepted.
	MinSymmetricKeyLen = 32
)

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrNoKey             = errors.New("signing key not configured")
)

// KeyRing holds the active key material. Keys are injected at startup and can
// be swapped at runtime; callers keep using the same *KeyRing.
type KeyRing struct {
	mu        sync.RWMutex
	symmetric []byte
	private   *rsa.PrivateKey
	peer      *rsa.PublicKey
	now       func() time.Time
}

// NewKeyRing creates a KeyRing with the given HMAC key. RSA keys are optional
// and set with SetExternalKey / SetPeerKey.
func NewKeyRing(symmetricKey []byte) (*KeyRing, error) {
	k := &KeyRing{now: time.Now}
	if err := k.SetSymmetricKey(symmetricKey); err != nil {
		return nil, err
	}
	return k, nil
}

// SetSymmetricKey replaces the HMAC key used by Sign and Verify.
func (k *KeyRing) SetSymmetricKey(key []byte) error {
	if len(key) < MinSymmetricKeyLen {
		return fmt.Errorf("signing: symmetric key must be at least %d bytes, got %d", MinSymmetricKeyLen, len(key))
	}
	cp := make([]byte, len(key))
	copy(cp, key)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.symmetric = cp
	return nil
}

// SetExternalKey replaces the RSA private key used by SignExternal. Unless a
// peer key has been configured, VerifyExternal checks against its public half.
func (k *KeyRing) SetExternalKey(key *rsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.private = key
}

// SetPeerKey sets the gateway's public key used to verify inbound callbacks.
func (k *KeyRing) SetPeerKey(key *rsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.peer = key
}

// Sign returns the hex-encoded HMAC-SHA256 of payload.
func (k *KeyRing) Sign(payload string) (string, error) {
	k.mu.RLock()
	key := k.symmetric
	k.mu.RUnlock()
	if len(key) == 0 {
		return "", ErrNoKey
	}

	sig, err := jwt.SigningMethodHS256.Sign(payload, key)
	if err != nil {
		return "", fmt.Errorf("signing: hmac: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify reports whether signatureHex is the HMAC of payload under the active key.
func (k *KeyRing) Verify(payload, signatureHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	k.mu.RLock()
	key := k.symmetric
	k.mu.RUnlock()
	if len(key) == 0 {
		return false
	}
	return jwt.SigningMethodHS256.Verify(payload, sig, key) == nil
}

// SignExternal signs payload with the RSA key and returns the signing time and
// the base64 signature.
func (k *KeyRing) SignExternal(payload string) (time.Time, string, error) {
	k.mu.RLock()
	key := k.private
	now := k.now
	k.mu.RUnlock()
	if key == nil {
		return time.Time{}, "", ErrNoKey
	}

	sig, err := jwt.SigningMethodRS256.Sign(payload, key)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("signing: rsa: %w", err)
	}
	return now().UTC(), base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyExternal reports whether signatureBase64 is a valid RS256 signature
// of payload by the gateway (or by our own key when no peer key is set).
func (k *KeyRing) VerifyExternal(payload, signatureBase64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}
	k.mu.RLock()
	pub := k.peer
	if pub == nil && k.private != nil {
		pub = &k.private.PublicKey
	}
	k.mu.RUnlock()
	if pub == nil {
		return false
	}
	return jwt.SigningMethodRS256.Verify(payload, sig, pub) == nil
}

// Algorithm returns the algorithm name recorded on internally signed artefacts.
func (k *KeyRing) Algorithm() string { return AlgorithmHS256 }
