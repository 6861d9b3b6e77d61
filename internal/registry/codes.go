package registry

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/deskrelay/deskrelay/internal/session"
)

// alphanumericAlphabet leaves out 0/O, 1/I/L so codes survive being read aloud.
const alphanumericAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Generator draws candidate codes. Draws may repeat; uniqueness is the
// registry's job.
type Generator interface {
	Next() (session.Code, error)
}

type GeneratorFunc func() (session.Code, error)

func (f GeneratorFunc) Next() (session.Code, error) { return f() }

// NewGenerator returns a crypto/rand backed generator for format
// ("numeric" or "alphanumeric") and length.
func NewGenerator(format string, length int) (Generator, error) {
	if length <= 0 {
		return nil, fmt.Errorf("code length must be positive, got %d", length)
	}
	switch format {
	case "numeric":
		return numericGenerator{length: length, max: new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)}, nil
	case "alphanumeric":
		return alphabetGenerator{length: length, alphabet: alphanumericAlphabet}, nil
	default:
		return nil, fmt.Errorf("unknown code format %q", format)
	}
}

// numericGenerator produces zero-padded decimal codes such as "042913".
type numericGenerator struct {
	length int
	max    *big.Int
}

func (g numericGenerator) Next() (session.Code, error) {
	n, err := rand.Int(rand.Reader, g.max)
	if err != nil {
		return "", fmt.Errorf("draw numeric code: %w", err)
	}
	return session.Code(fmt.Sprintf("%0*d", g.length, n.Int64())), nil
}

type alphabetGenerator struct {
	length   int
	alphabet string
}

func (g alphabetGenerator) Next() (session.Code, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	var b strings.Builder
	b.Grow(g.length)
	for i := 0; i < g.length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("draw alphanumeric code: %w", err)
		}
		b.WriteByte(g.alphabet[n.Int64()])
	}
	return session.Code(b.String()), nil
}

// ValidCode reports whether code has the shape a generator of format and
// length would produce. Clients use it to reject typos before touching the
// directory.
func ValidCode(format string, length int, code session.Code) bool {
	s := string(code)
	if len(s) != length {
		return false
	}
	alphabet := "0123456789"
	if format == "alphanumeric" {
		alphabet = alphanumericAlphabet
		s = strings.ToUpper(s)
	}
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}
