package roomcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultLength      = 6
	DefaultMaxLength   = 10
	DefaultMaxAttempts = 5
)

var ErrExhausted = errors.New("roomcode: no free code available")

// ExistsFunc reports whether a code is already bound to a room.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

type Generator struct {
	exists      ExistsFunc
	length      int
	maxLength   int
	maxAttempts int
	randIndex   func(n int) (int, error)
}

func NewGenerator(exists ExistsFunc) *Generator {
	return &Generator{
		exists:      exists,
		length:      DefaultLength,
		maxLength:   DefaultMaxLength,
		maxAttempts: DefaultMaxAttempts,
		randIndex:   cryptoIndex,
	}
}

// Generate returns a code not currently in use. Candidates that collide are
// retried maxAttempts times before the code grows by one character.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for length := g.length; length <= g.maxLength; length++ {
		for attempt := 0; attempt < g.maxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			code, err := g.candidate(length)
			if err != nil {
				return "", fmt.Errorf("generate candidate: %w", err)
			}

			taken, err := g.exists(ctx, code)
			if err != nil {
				return "", fmt.Errorf("check code %q: %w", code, err)
			}
			if !taken {
				return code, nil
			}
		}
	}

	return "", ErrExhausted
}

func (g *Generator) candidate(length int) (string, error) {
	buf := make([]byte, length)
	for i := range buf {
		idx, err := g.randIndex(len(Alphabet))
		if err != nil {
			return "", err
		}
		buf[i] = Alphabet[idx]
	}
	return string(buf), nil
}

func cryptoIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Valid reports whether s looks like a code this package could have produced.
func Valid(s string) bool {
	if len(s) < DefaultLength || len(s) > DefaultMaxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
