// Package dispersal implements the convergent-dispersal codec spec.md
// treats as an external collaborator: a secret's bytes are split into N
// equal-length shares such that any M of the N reconstruct the original
// bytes. It is built on Reed-Solomon erasure coding (M data shards, N-M
// parity shards), the same codec the teacher's internal/fec package wraps.
package dispersal

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Codec disperses a secret into N shares (M data + N-M parity) and
// reconstructs a secret from any M of the N surviving shares.
type Codec struct {
	n, m int
	rs   reedsolomon.Encoder
}

// New builds a codec for the given (n, m): n total clouds, m needed to
// reconstruct.
func New(n, m int) (*Codec, error) {
	if m < 1 || m > n {
		return nil, fmt.Errorf("dispersal: need 1 <= m <= n, got m=%d n=%d", m, n)
	}
	rs, err := reedsolomon.New(m, n-m)
	if err != nil {
		return nil, fmt.Errorf("dispersal: reedsolomon.New(%d,%d): %w", m, n-m, err)
	}
	return &Codec{n: n, m: m, rs: rs}, nil
}

// N and M report the codec's parameters.
func (c *Codec) N() int { return c.n }
func (c *Codec) M() int { return c.m }

// ShareSize returns the per-share byte length the codec will use for a
// secret of the given plaintext length.
func (c *Codec) ShareSize(secretLen int) int {
	if secretLen == 0 {
		return 0
	}
	return (secretLen + c.m - 1) / c.m
}

// Disperse splits secret into n equal-length shares, the first m carrying
// the (zero-padded) plaintext split evenly, the remaining n-m carrying
// parity. Deterministic: the same secret bytes always produce the same n
// shares, which is what lets the server dedup identical shares across
// uploads of the same content.
func (c *Codec) Disperse(secret []byte) ([][]byte, error) {
	shareSize := c.ShareSize(len(secret))
	shards := make([][]byte, c.n)
	for i := 0; i < c.m; i++ {
		shard := make([]byte, shareSize)
		start := i * shareSize
		end := start + shareSize
		if start < len(secret) {
			if end > len(secret) {
				end = len(secret)
			}
			copy(shard, secret[start:end])
		}
		shards[i] = shard
	}
	for i := c.m; i < c.n; i++ {
		shards[i] = make([]byte, shareSize)
	}
	if shareSize > 0 {
		if err := c.rs.Encode(shards); err != nil {
			return nil, fmt.Errorf("dispersal: encode: %w", err)
		}
	}
	return shards, nil
}

// Reconstruct recovers the original secret of length secretLen from a
// slice of n shares, at least m of which must be non-nil. Missing shares
// (index holes from servers that didn't answer) are passed as nil.
func (c *Codec) Reconstruct(shares [][]byte, secretLen int) ([]byte, error) {
	if len(shares) != c.n {
		return nil, fmt.Errorf("dispersal: expected %d shares, got %d", c.n, len(shares))
	}
	if secretLen == 0 {
		return []byte{}, nil
	}
	present := 0
	for _, s := range shares {
		if s != nil {
			present++
		}
	}
	if present < c.m {
		return nil, fmt.Errorf("dispersal: need at least %d shares, have %d", c.m, present)
	}
	if present < c.n {
		if err := c.rs.Reconstruct(shares); err != nil {
			return nil, fmt.Errorf("dispersal: reconstruct: %w", err)
		}
	}
	out := make([]byte, 0, secretLen)
	for i := 0; i < c.m && len(out) < secretLen; i++ {
		remaining := secretLen - len(out)
		shard := shares[i]
		if remaining < len(shard) {
			out = append(out, shard[:remaining]...)
		} else {
			out = append(out, shard...)
		}
	}
	return out, nil
}
