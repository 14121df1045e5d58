package tcp

import (
	"fmt"
	"math/rand/v2"

	"honeyd-engine/pkg/types"
)

// ISN strategies.
const (
	ISNRandom      = "random"
	ISNSequential  = "sequential"
	ISNPersonality = "personality"
)

// sequentialStep is the per-connection increment of the sequential strategy.
const sequentialStep = 64000

// ISNGenerator picks initial send sequence numbers.
type ISNGenerator struct {
	strategy string
	next     uint32
	rng      *rand.Rand
}

// NewISNGenerator validates the strategy. start seeds the sequential
// strategy.
func NewISNGenerator(strategy string, start uint32, rng *rand.Rand) (*ISNGenerator, error) {
	switch strategy {
	case "":
		strategy = ISNRandom
	case ISNRandom, ISNSequential, ISNPersonality:
	default:
		return nil, fmt.Errorf("unknown ISN strategy: %s", strategy)
	}
	return &ISNGenerator{strategy: strategy, next: start, rng: rng}, nil
}

// Next returns the ISN for a new connection. The personality strategy falls
// back to random numbers when the template has no personality.
func (g *ISNGenerator) Next(p types.Personality) uint32 {
	switch g.strategy {
	case ISNSequential:
		isn := g.next
		g.next += sequentialStep
		return isn
	case ISNPersonality:
		if p != nil {
			return p.ISN()
		}
	}
	return g.rng.Uint32()
}
