package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewAESEncryptor(tc.key); err == nil {
				t.Fatalf("expected error for key %q", tc.key)
			}
		})
	}
	if _, err := NewAESEncryptor(testKey(t)); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte(`{"access_token":"abc","refresh_token":"def"}`)
	ct, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ct, []byte("abc")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q != %q", got, plaintext)
	}
}

func TestNonceUniqueness(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	a, _ := enc.Encrypt([]byte("same input"))
	b, _ := enc.Encrypt([]byte("same input"))
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same plaintext produced identical output")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	ct, _ := enc.Encrypt([]byte("secret"))
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	enc1, _ := NewAESEncryptor(testKey(t))
	enc2, _ := NewAESEncryptor(testKey(t))
	ct, _ := enc1.Encrypt([]byte("secret"))
	if _, err := enc2.Decrypt(ct); err == nil {
		t.Fatal("ciphertext decrypted with a different key")
	}
}

func TestDecryptRejectsShortInput(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Fatal("short ciphertext accepted")
	}
	if _, err := enc.Decrypt(nil); err == nil {
		t.Fatal("empty ciphertext accepted")
	}
	if _, err := enc.Encrypt(nil); err == nil {
		t.Fatal("empty plaintext accepted")
	}
}
