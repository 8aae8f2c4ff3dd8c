package patient

import (
	"context"
	"fmt"
	"math/rand/v2"
)

const (
	// externalIDSpace is the number of distinct six-digit identifiers.
	externalIDSpace = 1_000_000

	// DefaultMaxAttempts bounds the collision retry loop of the Generator.
	DefaultMaxAttempts = 64
)

// RandomSource yields uniformly distributed integers in [0, n).
// *rand.Rand from math/rand/v2 satisfies it.
type RandomSource interface {
	IntN(n int) int
}

// globalSource draws from the math/rand/v2 top-level generator, which is
// safe for concurrent use.
type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// TakenFunc reports whether an external identifier is already assigned.
type TakenFunc func(ctx context.Context, candidate string) (bool, error)

// Generator mints six-digit external identifiers that are not yet taken.
type Generator struct {
	src         RandomSource
	maxAttempts int
}

// NewGenerator returns a Generator drawing from src. A nil src uses the
// process-wide random source; maxAttempts <= 0 uses DefaultMaxAttempts.
func NewGenerator(src RandomSource, maxAttempts int) *Generator {
	if src == nil {
		src = globalSource{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{src: src, maxAttempts: maxAttempts}
}

// Generate samples candidates until isTaken reports one as free. Errors
// from isTaken are returned as-is. After maxAttempts collisions it gives up
// with ErrIdentifierSpaceExhausted.
func (g *Generator) Generate(ctx context.Context, isTaken TakenFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate := fmt.Sprintf("%06d", g.src.IntN(externalIDSpace))
		taken, err := isTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrIdentifierSpaceExhausted, g.maxAttempts)
}
