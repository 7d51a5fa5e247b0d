package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var pluginFiles = []string{"plugin.yaml", "host.js", "ui.js"}

// writePluginDir creates a plugin directory with a manifest and two scripts.
func writePluginDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"plugin.yaml": "id: lyrics\nhost: host.js\nui: ui.js\n",
		"host.js":     "module.exports = () => {};",
		"ui.js":       "module.exports = { start() {} };",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
	}
	return dir
}

func TestGenerateKeyPair(t *testing.T) {
	publicKey, privateKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if len(publicKey) != ed25519.PublicKeySize {
		t.Errorf("Public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		t.Errorf("Private key size: expected %d, got %d", ed25519.PrivateKeySize, len(privateKey))
	}

	publicKey2, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Second GenerateKeyPair failed: %v", err)
	}
	if string(publicKey) == string(publicKey2) {
		t.Error("Generated identical public keys (extremely unlikely)")
	}
}

func TestSignAndVerify(t *testing.T) {
	dir := writePluginDir(t)
	publicKey, privateKey, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	if err := Sign(dir, pluginFiles, privateKey); err != nil {
		t.Fatalf("Failed to sign plugin: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, SignatureFile)); err != nil {
		t.Fatalf("Signature file was not created: %v", err)
	}

	if err := Verify(dir, pluginFiles, []ed25519.PublicKey{publicKey}); err != nil {
		t.Fatalf("Failed to verify valid signature: %v", err)
	}

	// File order is irrelevant.
	reordered := []string{"ui.js", "plugin.yaml", "host.js"}
	if err := Verify(dir, reordered, []ed25519.PublicKey{publicKey}); err != nil {
		t.Errorf("Verify with reordered files: %v", err)
	}
}

func TestVerifyWithWrongKey(t *testing.T) {
	dir := writePluginDir(t)
	_, privateKey, _ := GenerateKeyPair()
	wrongPublicKey, _, _ := GenerateKeyPair()

	if err := Sign(dir, pluginFiles, privateKey); err != nil {
		t.Fatalf("Failed to sign plugin: %v", err)
	}

	err := Verify(dir, pluginFiles, []ed25519.PublicKey{wrongPublicKey})
	if !errors.Is(err, ErrUntrusted) {
		t.Errorf("Expected ErrUntrusted, got: %v", err)
	}
}

func TestVerifyModified(t *testing.T) {
	dir := writePluginDir(t)
	publicKey, privateKey, _ := GenerateKeyPair()
	if err := Sign(dir, pluginFiles, privateKey); err != nil {
		t.Fatalf("Failed to sign plugin: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "host.js"), []byte("module.exports = () => false;"), 0o644); err != nil {
		t.Fatalf("Failed to modify script: %v", err)
	}

	if err := Verify(dir, pluginFiles, []ed25519.PublicKey{publicKey}); !errors.Is(err, ErrUntrusted) {
		t.Fatalf("Expected verification to fail for a modified script, got: %v", err)
	}
}

func TestVerifyFileSetMatters(t *testing.T) {
	dir := writePluginDir(t)
	publicKey, privateKey, _ := GenerateKeyPair()
	if err := Sign(dir, []string{"plugin.yaml", "host.js"}, privateKey); err != nil {
		t.Fatalf("Failed to sign plugin: %v", err)
	}

	if err := Verify(dir, pluginFiles, []ed25519.PublicKey{publicKey}); err == nil {
		t.Error("Expected verification to fail when a script was not covered by the signature")
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	dir := writePluginDir(t)
	publicKey, _, _ := GenerateKeyPair()

	err := Verify(dir, pluginFiles, []ed25519.PublicKey{publicKey})
	if !errors.Is(err, ErrUnsigned) {
		t.Errorf("Expected ErrUnsigned, got: %v", err)
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	dir := writePluginDir(t)
	publicKey, _, _ := GenerateKeyPair()

	tests := map[string]string{
		"not hex":   "zz-not-hex",
		"too short": hex.EncodeToString([]byte("short")),
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(filepath.Join(dir, SignatureFile), []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			err := Verify(dir, pluginFiles, []ed25519.PublicKey{publicKey})
			if err == nil || errors.Is(err, ErrUntrusted) || errors.Is(err, ErrUnsigned) {
				t.Errorf("Expected a format error, got: %v", err)
			}
		})
	}
}

func TestVerifyWithMultipleTrustedKeys(t *testing.T) {
	dir := writePluginDir(t)
	publicKey1, privateKey1, _ := GenerateKeyPair()
	publicKey2, _, _ := GenerateKeyPair()
	publicKey3, _, _ := GenerateKeyPair()

	if err := Sign(dir, pluginFiles, privateKey1); err != nil {
		t.Fatalf("Failed to sign plugin: %v", err)
	}

	if err := Verify(dir, pluginFiles, []ed25519.PublicKey{publicKey2, publicKey1, publicKey3}); err != nil {
		t.Fatalf("Failed to verify with multiple trusted keys: %v", err)
	}
	if err := Verify(dir, pluginFiles, []ed25519.PublicKey{publicKey2, publicKey3}); err == nil {
		t.Fatal("Expected verification to fail when signer key not in trusted list")
	}
}

func TestParseKeys(t *testing.T) {
	publicKey, privateKey, _ := GenerateKeyPair()

	pub, err := ParsePublicKey(hex.EncodeToString(publicKey) + "\n")
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !pub.Equal(publicKey) {
		t.Error("public key did not round trip")
	}

	priv, err := ParsePrivateKey(hex.EncodeToString(privateKey))
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if !priv.Equal(privateKey) {
		t.Error("private key did not round trip")
	}

	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Error("expected a length error for a short public key")
	}
	if _, err := ParsePrivateKey("nothex"); err == nil {
		t.Error("expected a decode error")
	}
}
