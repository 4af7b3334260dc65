// Package secure implements the encrypted transport between the gateway and
// the store server: an RSA-OAEP handshake that exchanges a fresh AES session
// key, followed by AES-CBC encrypted CBOR records over length-prefixed frames.
package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// KeySize is the RSA modulus size for trust material.
const KeySize = 2048

// PEM block types for the on-disk trust material.
const (
	publicBlockType  = "PUBLIC KEY"
	privateBlockType = "RSA PRIVATE KEY"
)

// LoadPublicKey reads an RSA public key from a PKIX PEM file.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key in %s is %T, want RSA", path, parsed)
	}
	return pub, nil
}

// LoadPrivateKey reads an RSA private key from a PEM file. PKCS#1 and PKCS#8
// encodings are both accepted.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is %T, want RSA", path, parsed)
	}
	return key, nil
}

// GenerateKeyPair creates a fresh RSA keypair for the transport.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return key, nil
}

// WriteKeyPair writes private_key.pem and public_key.pem under dir, creating
// the directory if needed. The private key file is owner-readable only.
func WriteKeyPair(dir string, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  privateBlockType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dir, "private_key.pem"), privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: publicBlockType, Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, "public_key.pem"), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}
