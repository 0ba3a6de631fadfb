package secrets

import (
	"strings"
	"testing"
)

func newTestCipher(t *testing.T, fallback string, version int) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := New(key, fallback, version)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	c := newTestCipher(t, "", 1)

	ciphertext, err := c.Encrypt("refresh-token-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ciphertext, "v1:") {
		t.Errorf("ciphertext %q missing version prefix", ciphertext)
	}
	if strings.Contains(ciphertext, "refresh-token-value") {
		t.Error("ciphertext contains plaintext")
	}

	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "refresh-token-value" {
		t.Errorf("plaintext = %q", plaintext)
	}
}

func TestDecryptWithFallbackKey(t *testing.T) {
	oldKey, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	oldCipher, err := New(oldKey, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := oldCipher.Encrypt("sealed-under-v1")
	if err != nil {
		t.Fatal(err)
	}

	newKey, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	rotated, err := New(newKey, oldKey, 2)
	if err != nil {
		t.Fatal(err)
	}

	plaintext, err := rotated.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt with fallback: %v", err)
	}
	if plaintext != "sealed-under-v1" {
		t.Errorf("plaintext = %q", plaintext)
	}

	fresh, err := rotated.Encrypt("sealed-under-v2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(fresh, "v2:") {
		t.Errorf("rotated ciphertext %q should carry v2 prefix", fresh)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	c := newTestCipher(t, "", 1)
	if _, err := c.Decrypt("v9:Zm9v"); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestDecryptMalformed(t *testing.T) {
	c := newTestCipher(t, "", 1)
	for _, in := range []string{"", "no-prefix", "v1:", "v1:!!!", "vX:abc"} {
		if _, err := c.Decrypt(in); err == nil {
			t.Errorf("Decrypt(%q) should fail", in)
		}
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	c := newTestCipher(t, "", 1)
	ciphertext, err := c.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	tampered := ciphertext[:len(ciphertext)-4] + "AAAA"
	if tampered == ciphertext {
		t.Skip("tampering produced identical ciphertext")
	}
	if _, err := c.Decrypt(tampered); err == nil {
		t.Error("expected authentication failure for tampered ciphertext")
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	if _, err := New("not-base64!!", "", 1); err == nil {
		t.Error("expected error for invalid base64 key")
	}
	if _, err := New("c2hvcnQ=", "", 1); err == nil {
		t.Error("expected error for short key")
	}
	key, _ := GenerateKey()
	if _, err := New(key, "", 0); err == nil {
		t.Error("expected error for version 0")
	}
}
