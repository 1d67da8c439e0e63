package signing

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func newTestRing(t *testing.T) *KeyRing {
	t.Helper()
	k, err := NewKeyRing(testKey(0x42))
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	return k
}

func TestNewKeyRing_RejectsShortKey(t *testing.T) {
	if _, err := NewKeyRing([]byte("too-short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSign_RoundTrip(t *testing.T) {
	k := newTestRing(t)
	payloads := []string{"", "{}", `{"consentId":"abc","purpose":"CAREMGT"}`, "üñíçødé"}

	for _, p := range payloads {
		sig, err := k.Sign(p)
		if err != nil {
			t.Fatalf("Sign(%q): %v", p, err)
		}
		if !k.Verify(p, sig) {
			t.Errorf("Verify(%q) = false after Sign", p)
		}
	}
}

func TestSign_Deterministic(t *testing.T) {
	k := newTestRing(t)
	a, _ := k.Sign("payload")
	b, _ := k.Sign("payload")
	if a != b {
		t.Errorf("expected identical signatures, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestVerify_FlippedByteFails(t *testing.T) {
	k := newTestRing(t)
	payload := `{"consentId":"c-1"}`
	sig, _ := k.Sign(payload)
	raw, _ := hex.DecodeString(sig)

	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01
		if k.Verify(payload, hex.EncodeToString(mutated)) {
			t.Fatalf("Verify accepted signature with byte %d flipped", i)
		}
	}
}

func TestVerify_RejectsGarbage(t *testing.T) {
	k := newTestRing(t)
	if k.Verify("p", "not-hex") {
		t.Error("expected false for non-hex signature")
	}
	if k.Verify("p", "") {
		t.Error("expected false for empty signature")
	}
}

func TestSetSymmetricKey_SwapsActiveKey(t *testing.T) {
	k := newTestRing(t)
	oldSig, _ := k.Sign("payload")

	if err := k.SetSymmetricKey(testKey(0x07)); err != nil {
		t.Fatalf("SetSymmetricKey: %v", err)
	}
	newSig, _ := k.Sign("payload")
	if oldSig == newSig {
		t.Error("expected signature to change after key swap")
	}
	if k.Verify("payload", oldSig) {
		t.Error("old signature should not verify under new key")
	}
}

func TestSignExternal_RoundTrip(t *testing.T) {
	k := newTestRing(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	k.SetExternalKey(priv)

	ts, sig, err := k.SignExternal(`{"requestId":"r-1"}`)
	if err != nil {
		t.Fatalf("SignExternal: %v", err)
	}
	if ts.IsZero() {
		t.Error("expected timestamp")
	}
	if !k.VerifyExternal(`{"requestId":"r-1"}`, sig) {
		t.Error("VerifyExternal = false for own signature")
	}
	if k.VerifyExternal(`{"requestId":"r-2"}`, sig) {
		t.Error("VerifyExternal accepted signature over a different payload")
	}

	_, sig2, _ := k.SignExternal(`{"requestId":"r-1"}`)
	if sig != sig2 {
		t.Error("expected deterministic RSA signature")
	}

	raw, _ := base64.StdEncoding.DecodeString(sig)
	raw[0] ^= 0xff
	if k.VerifyExternal(`{"requestId":"r-1"}`, base64.StdEncoding.EncodeToString(raw)) {
		t.Error("VerifyExternal accepted tampered signature")
	}
}

func TestVerifyExternal_UsesPeerKey(t *testing.T) {
	ours := newTestRing(t)
	gateway := newTestRing(t)

	ourKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	gwKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	ours.SetExternalKey(ourKey)
	gateway.SetExternalKey(gwKey)
	ours.SetPeerKey(&gwKey.PublicKey)

	_, sig, err := gateway.SignExternal("notify")
	if err != nil {
		t.Fatalf("SignExternal: %v", err)
	}
	if !ours.VerifyExternal("notify", sig) {
		t.Error("expected gateway signature to verify with peer key")
	}

	_, selfSig, _ := ours.SignExternal("notify")
	if ours.VerifyExternal("notify", selfSig) {
		t.Error("own signature must not verify once a peer key is set")
	}
}

func TestSignExternal_NoKey(t *testing.T) {
	k := newTestRing(t)
	if _, _, err := k.SignExternal("x"); err != ErrNoKey {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
	if k.VerifyExternal("x", "AAAA") {
		t.Error("expected false without keys")
	}
}

func TestGenerateAndLoadKeys(t *testing.T) {
	gen, err := GenerateKeys(2048)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	if len(gen.SymmetricHex) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(gen.SymmetricHex))
	}

	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	if err := os.WriteFile(privPath, gen.PrivatePEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pubPath, gen.PublicPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	priv, err := LoadPrivateKeyFile(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKeyFile: %v", err)
	}
	pub, err := LoadPublicKeyFile(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKeyFile: %v", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		t.Error("loaded public key does not match private key")
	}

	if _, err := LoadPrivateKeyFile(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
}
