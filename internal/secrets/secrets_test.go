package secrets

import (
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestBox_EncryptDecrypt(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	enc, err := box.Encrypt("long-lived-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(enc, "long-lived-token") {
		t.Fatal("ciphertext leaks plaintext")
	}
	dec, err := box.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if dec != "long-lived-token" {
		t.Fatalf("expected round trip, got %q", dec)
	}
}

func TestBox_DecryptTampered(t *testing.T) {
	box, _ := NewBox(testKey)
	enc, _ := box.Encrypt("secret")
	tampered := []byte(enc)
	tampered[len(tampered)-2] ^= 0x01
	if _, err := box.Decrypt(string(tampered)); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestNewBox_InvalidKey(t *testing.T) {
	if _, err := NewBox(""); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := NewBox("abcd"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestNilBox(t *testing.T) {
	var box *Box
	if _, err := box.Decrypt("x"); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}
