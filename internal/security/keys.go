package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"strings"
)

// ErrInvalidKey is returned when PEM or key type is invalid.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM reads content from path if s does not look like inline PEM; otherwise returns s as bytes.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

// decodePEM loads s (inline PEM or a file path) and returns its first block.
func decodePEM(s string) (*pem.Block, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	return block, nil
}

// ParsePrivateKey parses a PEM-encoded RSA or ECDSA private key in PKCS#1, SEC 1 or PKCS#8 form.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	block, err := decodePEM(s)
	if err != nil {
		return nil, err
	}
	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok || KeyAlg(signer.Public()) == "" {
		return nil, ErrInvalidKey
	}
	return signer, nil
}

// ParsePublicKey parses a PEM-encoded RSA or ECDSA public key.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, err := decodePEM(s)
	if err != nil {
		return nil, err
	}
	var pub crypto.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}
	if KeyAlg(pub) == "" {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// GenerateEphemeralKeyPair returns a fresh P-256 key pair. Tokens signed with
// it do not survive a restart and are not shared between instances; for
// development only.
func GenerateEphemeralKeyPair() (crypto.Signer, crypto.PublicKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return key, key.Public(), nil
}

// KeyID derives a stable kid from the SHA-256 of the PKIX-encoded public key.
// Returns "" when the key cannot be marshaled.
func KeyID(pub crypto.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

// LoadKeyPair parses the configured signing key pair and checks that the public
// key matches the private key.
func LoadKeyPair(privatePEM, publicPEM string) (crypto.Signer, crypto.PublicKey, error) {
	signer, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, nil, err
	}
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return nil, nil, err
	}
	type equaler interface{ Equal(crypto.PublicKey) bool }
	if eq, ok := signer.Public().(equaler); !ok || !eq.Equal(pub) {
		return nil, nil, ErrInvalidKey
	}
	return signer, pub, nil
}

// KeyAlg returns the JWS algorithm for pub: RS256 for RSA, ES256 for ECDSA
// P-256, and "" for anything this service cannot sign with.
func KeyAlg(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return "ES256"
		}
	}
	return ""
}
