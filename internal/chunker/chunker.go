// Package chunker is the external content-defined chunker collaborator
// spec.md §2 describes: it turns a byte stream into an ordered sequence of
// secrets of at most SecretMax bytes, tagging the last secret of a file
// with End=true. Boundaries are content-defined (a Rabin-style rolling
// hash), so inserting bytes near the start of a file does not reshuffle
// every downstream chunk — the same property the teacher's fixed-size
// ComputeManifest trades away for simplicity.
package chunker

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quantarax/dispersa/internal/model"
)

const (
	// DefaultMinSecret and DefaultMaxSecret bound chunk size; MaxSecret
	// must never exceed model.SecretMax.
	DefaultMinSecret = 2 * 1024
	DefaultMaxSecret = model.SecretMax
	// defaultMask controls the expected average chunk size (~8 KiB): a
	// cut point is declared when the low bits of the rolling hash match
	// defaultPattern under this mask.
	defaultMask    = 1<<13 - 1
	defaultPattern = 0
	windowSize     = 48
	rollingBase    = 257
)

// Options configures the chunker's boundary policy.
type Options struct {
	MinSecret int
	MaxSecret int
}

// DefaultOptions returns the chunker's default content-defined boundary
// policy.
func DefaultOptions() Options {
	return Options{MinSecret: DefaultMinSecret, MaxSecret: DefaultMaxSecret}
}

// Chunker streams Secrets out of an io.Reader in submission order.
type Chunker struct {
	r       *bufio.Reader
	opts    Options
	nextID  int32
	done    bool
	highPow uint64
}

// New wraps r with a content-defined chunker. MaxSecret is clamped to
// model.SecretMax if the caller asks for more.
func New(r io.Reader, opts Options) (*Chunker, error) {
	if opts.MinSecret <= 0 || opts.MaxSecret <= 0 || opts.MinSecret > opts.MaxSecret {
		return nil, fmt.Errorf("chunker: invalid bounds min=%d max=%d", opts.MinSecret, opts.MaxSecret)
	}
	if opts.MaxSecret > model.SecretMax {
		opts.MaxSecret = model.SecretMax
	}
	var highPow uint64 = 1
	for i := 0; i < windowSize-1; i++ {
		highPow *= rollingBase
	}
	return &Chunker{r: bufio.NewReaderSize(r, 1<<20), opts: opts, highPow: highPow}, nil
}

// Next returns the next Secret, or io.EOF once the stream is exhausted.
// The final Secret returned has End=true.
func (c *Chunker) Next() (model.Secret, error) {
	if c.done {
		return model.Secret{}, io.EOF
	}

	buf := make([]byte, 0, c.opts.MaxSecret)
	var roll uint64
	cut := -1

	for len(buf) < c.opts.MaxSecret {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.Secret{}, fmt.Errorf("chunker: read: %w", err)
		}
		buf = append(buf, b)

		if len(buf) > windowSize {
			roll -= uint64(buf[len(buf)-windowSize-1]) * c.highPow
		}
		roll = roll*rollingBase + uint64(b)

		if len(buf) >= c.opts.MinSecret && len(buf) >= windowSize {
			if roll&defaultMask == defaultPattern {
				cut = len(buf)
				break
			}
		}
	}

	if len(buf) == 0 {
		c.done = true
		return model.Secret{}, io.EOF
	}
	if cut > 0 && cut < len(buf) {
		buf = buf[:cut]
	}

	// Peek ahead one byte to know whether this was the file's last secret,
	// without consuming it from the underlying stream.
	end := false
	if _, err := c.r.Peek(1); err == io.EOF {
		end = true
		c.done = true
	}

	s := model.Secret{ID: c.nextID, Bytes: buf, SecretSize: int32(len(buf)), End: end}
	c.nextID++
	return s, nil
}

// All drains the chunker into a slice; useful for tests and for small files
// where streaming isn't necessary.
func All(r io.Reader, opts Options) ([]model.Secret, error) {
	c, err := New(r, opts)
	if err != nil {
		return nil, err
	}
	var out []model.Secret
	for {
		s, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		out = []model.Secret{{ID: 0, Bytes: []byte{}, SecretSize: 0, End: true}}
	} else {
		out[len(out)-1].End = true
	}
	return out, nil
}
