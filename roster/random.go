package roster

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
)

// RandomSource supplies the random digits used when minting keys.
type RandomSource interface {
	// Digits returns exactly n decimal digits.
	Digits(n int) string
}

// CryptoRandom draws digits from crypto/rand.
type CryptoRandom struct{}

var ten = big.NewInt(10)

func (CryptoRandom) Digits(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			panic("roster: crypto/rand unavailable: " + err.Error())
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String()
}

// SequenceRandom replays a fixed list of digit strings, cycling when it
// runs out. Each value is left-padded with zeros or truncated to the
// requested width. Deterministic key minting for tests.
type SequenceRandom struct {
	mu     sync.Mutex
	values []string
	next   int
}

func NewSequenceRandom(values ...string) *SequenceRandom {
	return &SequenceRandom{values: values}
}

func (s *SequenceRandom) Digits(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.values) == 0 {
		return strings.Repeat("0", n)
	}
	v := CleanContact(s.values[s.next%len(s.values)])
	s.next++
	if len(v) >= n {
		return v[len(v)-n:]
	}
	return strings.Repeat("0", n-len(v)) + v
}
