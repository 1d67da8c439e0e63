package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// LoadPrivateKeyFile reads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

// LoadPublicKeyFile reads a PEM encoded RSA public key or certificate.
func LoadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}

// GeneratedKeys is the output of GenerateKeys, ready to be written to disk or env.
type GeneratedKeys struct {
	SymmetricHex  string
	PrivatePEM    []byte
	PublicPEM     []byte
	RSAPrivateKey *rsa.PrivateKey
}

// GenerateKeys creates a fresh 32-byte HMAC key and an RSA keypair of the given size.
func GenerateKeys(bits int) (*GeneratedKeys, error) {
	sym := make([]byte, MinSymmetricKeyLen)
	if _, err := rand.Read(sym); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &GeneratedKeys{
		SymmetricHex:  hex.EncodeToString(sym),
		PrivatePEM:    pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}),
		PublicPEM:     pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		RSAPrivateKey: priv,
	}, nil
}
