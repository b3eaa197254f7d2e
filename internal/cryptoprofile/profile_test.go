package cryptoprofile

import (
	"bytes"
	"testing"
)

func TestParse(t *testing.T) {
	if p, err := Parse("HIGH"); err != nil || p != HIGH {
		t.Fatalf("HIGH: p=%v err=%v", p, err)
	}
	if p, err := Parse("LOW"); err != nil || p != LOW {
		t.Fatalf("LOW: p=%v err=%v", p, err)
	}
	if _, err := Parse("MEDIUM"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestKeySize(t *testing.T) {
	if HIGH.KeySize() != 32 {
		t.Fatalf("HIGH key size = %d, want 32", HIGH.KeySize())
	}
	if LOW.KeySize() != 16 {
		t.Fatalf("LOW key size = %d, want 16", LOW.KeySize())
	}
}

func TestHashAlwaysFillsFixed32Bytes(t *testing.T) {
	data := []byte("share bytes to fingerprint")
	highSum := HIGH.Hash(data)
	lowSum := LOW.Hash(data)
	if len(highSum) != 32 || len(lowSum) != 32 {
		t.Fatal("Hash must always return a 32-byte array regardless of profile")
	}
	// LOW's SHA-1 digest is 20 bytes; bytes 20..31 are the zero pad.
	for i := 20; i < 32; i++ {
		if lowSum[i] != 0 {
			t.Fatalf("expected zero padding at byte %d of LOW hash, got %d", i, lowSum[i])
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	data := []byte("same input, same fingerprint")
	if HIGH.Hash(data) != HIGH.Hash(data) {
		t.Fatal("HIGH hash not deterministic")
	}
	if LOW.Hash(data) != LOW.Hash(data) {
		t.Fatal("LOW hash not deterministic")
	}
}

func TestSealOpenConvergentRoundTrip(t *testing.T) {
	for _, p := range []Profile{HIGH, LOW} {
		plaintext := []byte("metadata node bytes for a convergent share")
		keyFull := p.Hash(plaintext)
		key := keyFull[:p.KeySize()]

		ciphertext, err := p.SealConvergent(key, plaintext)
		if err != nil {
			t.Fatalf("%s seal: %v", p, err)
		}
		got, err := p.OpenConvergent(key, ciphertext)
		if err != nil {
			t.Fatalf("%s open: %v", p, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("%s round trip mismatch", p)
		}
	}
}

func TestSealConvergentIsDeterministic(t *testing.T) {
	plaintext := []byte("convergent encryption must reproduce identical ciphertext")
	keyFull := HIGH.Hash(plaintext)
	key := keyFull[:HIGH.KeySize()]

	a, err := HIGH.SealConvergent(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	b, err := HIGH.SealConvergent(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("convergent seal of identical plaintext must yield identical ciphertext")
	}
}

func TestOpenConvergentRejectsTamperedCiphertext(t *testing.T) {
	plaintext := []byte("tamper target")
	keyFull := HIGH.Hash(plaintext)
	key := keyFull[:HIGH.KeySize()]
	ciphertext, err := HIGH.SealConvergent(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[0] ^= 0xFF
	if _, err := HIGH.OpenConvergent(key, ciphertext); err != ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestSealOpenWithRandomNonceRoundTrip(t *testing.T) {
	p := HIGH
	key := make([]byte, p.KeySize())
	nonce := make([]byte, p.NonceSize())
	for i := range nonce {
		nonce[i] = byte(i)
	}
	plaintext := []byte("passphrase-protected key recipe")
	ciphertext, err := p.Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}
