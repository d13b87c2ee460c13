package cryptoprovider

import (
	"bytes"
	"testing"
)

func TestNewProvider_UnknownPolicy(t *testing.T) {
	if _, err := NewProvider("not-a-policy"); err == nil {
		t.Fatal("NewProvider: expected error for unknown policy uri, got nil")
	}
}

func TestNoneProvider_IsNoOp(t *testing.T) {
	p, err := NewProvider(PolicyNone)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	keys, err := p.DeriveKeys([]byte("local"), []byte("remote"))
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if keys.Local.SigningKey != nil || keys.Remote.EncryptionKey != nil {
		t.Fatalf("DeriveKeys under PolicyNone should yield no key material, got %+v", keys)
	}
	sig, err := p.Sign([]byte("hello"), KeySet{})
	if err != nil || sig != nil {
		t.Fatalf("Sign under PolicyNone = (%v, %v), want (nil, nil)", sig, err)
	}
	ct, err := p.Encrypt([]byte("hello"), KeySet{})
	if err != nil || !bytes.Equal(ct, []byte("hello")) {
		t.Fatalf("Encrypt under PolicyNone should pass data through unchanged, got %q, %v", ct, err)
	}
}

func TestBasic256Sha256_SignVerifyRoundTrip(t *testing.T) {
	p, err := NewProvider(PolicyBasic256Sha256)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	clientNonce, err := p.GenerateNonce(32)
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	serverNonce, err := p.GenerateNonce(32)
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	dir, err := p.DeriveKeys(clientNonce, serverNonce)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	msg := []byte("a chunk body worth signing")
	sig, err := p.Sign(msg, dir.Local)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 32 {
		t.Fatalf("Sign: signature length = %d, want 32", len(sig))
	}
	if err := p.VerifySignature(msg, sig, dir.Local); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := p.VerifySignature([]byte("tampered"), sig, dir.Local); err == nil {
		t.Fatal("VerifySignature: expected error for tampered message, got nil")
	}
}

func TestBasic256Sha256_EncryptDecryptRoundTrip(t *testing.T) {
	p, err := NewProvider(PolicyBasic256Sha256)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	clientNonce, _ := p.GenerateNonce(32)
	serverNonce, _ := p.GenerateNonce(32)
	dir, err := p.DeriveKeys(clientNonce, serverNonce)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	plaintext := bytes.Repeat([]byte{0x41}, 48) // 3 AES blocks
	ct, err := p.Encrypt(plaintext, dir.Local)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatal("Encrypt: ciphertext equals plaintext")
	}
	pt, err := p.Decrypt(ct, dir.Local)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("Decrypt(Encrypt(x)) = %x, want %x", pt, plaintext)
	}
}

func TestKeySet_Clear(t *testing.T) {
	k := KeySet{
		SigningKey:    []byte{1, 2, 3},
		EncryptionKey: []byte{4, 5, 6},
		InitVector:    []byte{7, 8},
	}
	k.Clear()
	if k.SigningKey != nil || k.EncryptionKey != nil || k.InitVector != nil {
		t.Fatalf("Clear: expected all fields nil, got %+v", k)
	}
}
