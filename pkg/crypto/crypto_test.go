package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("supersecuresecret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.EncryptString(`{"DATABASE_URL":"postgres://"}`)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("postgres")) {
		t.Fatalf("expected ciphertext to hide plaintext")
	}
	plain, err := c.DecryptToString(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != `{"DATABASE_URL":"postgres://"}` {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestCipherRejectsWrongKey(t *testing.T) {
	a, _ := NewCipher("one")
	b, _ := NewCipher("two")
	sealed, err := a.EncryptString("value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b.DecryptToString(sealed); err == nil {
		t.Fatalf("expected decrypt failure with wrong key")
	}
	if _, err := a.Decrypt([]byte("short")); err == nil {
		t.Fatalf("expected failure on truncated payload")
	}
	if _, err := NewCipher(""); err == nil {
		t.Fatalf("expected empty secret rejected")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(hash, "hunter2"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := ComparePassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := ComparePassword("", "anything"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch for empty hash, got %v", err)
	}
}
