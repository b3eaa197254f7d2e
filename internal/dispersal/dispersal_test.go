package dispersal

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestDisperseReconstructRoundTrip(t *testing.T) {
	cases := []struct{ n, m int }{
		{4, 3}, {5, 3}, {8, 5},
	}
	for _, c := range cases {
		codec, err := New(c.n, c.m)
		if err != nil {
			t.Fatalf("New(%d,%d): %v", c.n, c.m, err)
		}
		secret := make([]byte, 5000)
		if _, err := rand.Read(secret); err != nil {
			t.Fatal(err)
		}
		shares, err := codec.Disperse(secret)
		if err != nil {
			t.Fatalf("disperse: %v", err)
		}
		if len(shares) != c.n {
			t.Fatalf("expected %d shares, got %d", c.n, len(shares))
		}
		got, err := codec.Reconstruct(shares, len(secret))
		if err != nil {
			t.Fatalf("reconstruct with all shares: %v", err)
		}
		if !bytes.Equal(got, secret) {
			t.Fatal("round trip mismatch with all shares present")
		}
	}
}

func TestReconstructFromAnyMOfN(t *testing.T) {
	codec, err := New(8, 5)
	if err != nil {
		t.Fatal(err)
	}
	secret := make([]byte, 12345)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	shares, err := codec.Disperse(secret)
	if err != nil {
		t.Fatal(err)
	}

	// Drop 3 of 8 shares (the maximum tolerable loss for m=5).
	partial := make([][]byte, len(shares))
	copy(partial, shares)
	partial[0] = nil
	partial[2] = nil
	partial[7] = nil

	got, err := codec.Reconstruct(partial, len(secret))
	if err != nil {
		t.Fatalf("reconstruct from 5-of-8: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatal("round trip mismatch reconstructing from m shares")
	}
}

func TestReconstructFailsBelowThreshold(t *testing.T) {
	codec, err := New(4, 3)
	if err != nil {
		t.Fatal(err)
	}
	secret := []byte("deterministic test payload")
	shares, err := codec.Disperse(secret)
	if err != nil {
		t.Fatal(err)
	}
	shares[0] = nil
	shares[1] = nil
	if _, err := codec.Reconstruct(shares, len(secret)); err == nil {
		t.Fatal("expected reconstruct error with only 2 of 3 required shares")
	}
}

func TestDisperseIsDeterministic(t *testing.T) {
	codec, err := New(4, 3)
	if err != nil {
		t.Fatal(err)
	}
	secret := []byte("convergent dispersal must be deterministic per secret")
	a, err := codec.Disperse(secret)
	if err != nil {
		t.Fatal(err)
	}
	b, err := codec.Disperse(secret)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("share %d differs across identical disperse calls", i)
		}
	}
}

func TestEmptySecret(t *testing.T) {
	codec, err := New(4, 3)
	if err != nil {
		t.Fatal(err)
	}
	shares, err := codec.Disperse(nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := codec.Reconstruct(shares, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty reconstruction, got %d bytes", len(got))
	}
}

func TestNewRejectsInvalidMN(t *testing.T) {
	if _, err := New(4, 0); err == nil {
		t.Fatal("expected error for m=0")
	}
	if _, err := New(4, 5); err == nil {
		t.Fatal("expected error for m>n")
	}
}
