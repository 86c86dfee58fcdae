// Package keys generates and stores the ed25519 key pairs that identify
// nodes. A node's ID is its raw public key.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	// PrivateKeyFileType is the PEM type for a private key.
	PrivateKeyFileType = "ED25519 PRIVATE KEY"
	// PublicKeyFileType is the PEM type for a public key.
	PublicKeyFileType = "ED25519 PUBLIC KEY"
)

// Generate returns a new ed25519 key pair.
func Generate() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	return pub, priv, nil
}

// WritePrivateKeyFile writes a private key to the specified file.
func WritePrivateKeyFile(key ed25519.PrivateKey, filePath string) (err error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	marshalled, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(f, &pem.Block{
		Type:  PrivateKeyFileType,
		Bytes: marshalled,
	})
}

// WritePublicKeyFile writes a public key to the specified file.
func WritePublicKeyFile(key ed25519.PublicKey, filePath string) (err error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	marshalled, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(f, &pem.Block{
		Type:  PublicKeyFileType,
		Bytes: marshalled,
	})
}

// ReadPrivateKeyFile reads a private key from the specified file.
func ReadPrivateKeyFile(filePath string) (ed25519.PrivateKey, error) {
	d, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	b, _ := pem.Decode(d)
	if b == nil {
		return nil, fmt.Errorf("%s: no PEM block found", filePath)
	}
	if b.Type != PrivateKeyFileType {
		return nil, fmt.Errorf("%s: wrong PEM block type %q", filePath, b.Type)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(b.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing key: %w", filePath, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an ed25519 key", filePath)
	}
	return key, nil
}

// ReadPublicKeyFile reads a public key from the specified file.
func ReadPublicKeyFile(filePath string) (ed25519.PublicKey, error) {
	d, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	b, _ := pem.Decode(d)
	if b == nil {
		return nil, fmt.Errorf("%s: no PEM block found", filePath)
	}
	if b.Type != PublicKeyFileType {
		return nil, fmt.Errorf("%s: wrong PEM block type %q", filePath, b.Type)
	}

	parsed, err := x509.ParsePKIXPublicKey(b.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing key: %w", filePath, err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an ed25519 key", filePath)
	}
	return key, nil
}
