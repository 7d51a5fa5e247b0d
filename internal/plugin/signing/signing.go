// Package signing signs and verifies script plugin directories with ed25519.
//
// The signature covers the SHA-256 digest of the listed files (manifest and
// scripts) and is stored hex encoded in plugin.sig next to them.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SignatureFile is the signature name inside a plugin directory.
const SignatureFile = "plugin.sig"

var (
	// ErrUnsigned is returned when a plugin directory has no signature file.
	ErrUnsigned = errors.New("plugin is not signed")
	// ErrUntrusted is returned when no trusted key matches the signature.
	ErrUntrusted = errors.New("signature verification failed: no matching trusted key")
)

// GenerateKeyPair generates a new ed25519 key pair for plugin signing.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// Digest hashes files relative to dir. Order does not matter; each file
// contributes its name, its size and its content.
func Digest(dir string, files []string) ([]byte, error) {
	names := slices.Clone(files)
	slices.Sort(names)
	names = slices.Compact(names)

	h := sha256.New()
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00", filepath.ToSlash(name), len(data))
		h.Write(data)
	}
	return h.Sum(nil), nil
}

// Sign writes the signature of files to dir/plugin.sig.
func Sign(dir string, files []string, privateKey ed25519.PrivateKey) error {
	digest, err := Digest(dir, files)
	if err != nil {
		return err
	}
	signature := ed25519.Sign(privateKey, digest)

	if err := os.WriteFile(filepath.Join(dir, SignatureFile), []byte(hex.EncodeToString(signature)), 0o644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

// Verify checks dir/plugin.sig against files. It returns nil when one of
// trustedKeys made the signature.
func Verify(dir string, files []string, trustedKeys []ed25519.PublicKey) error {
	sigData, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrUnsigned
		}
		return fmt.Errorf("failed to read signature file: %w", err)
	}

	signature, err := hex.DecodeString(strings.TrimSpace(string(sigData)))
	if err != nil {
		return fmt.Errorf("invalid signature format: %w", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length: expected %d, got %d", ed25519.SignatureSize, len(signature))
	}

	digest, err := Digest(dir, files)
	if err != nil {
		return err
	}
	for _, publicKey := range trustedKeys {
		if ed25519.Verify(publicKey, digest, signature) {
			return nil
		}
	}
	return ErrUntrusted
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: expected %d, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ParsePrivateKey decodes a hex encoded private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: expected %d, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}
