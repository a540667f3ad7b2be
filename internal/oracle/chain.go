package oracle

import (
	"context"
	"errors"

	"github.com/prior-auth-server/internal/domain"
)

// ChainOracle asks its oracles in order and returns the first definite
// answer. Oracles returning ErrNoRule are skipped. When no oracle gives a
// definite answer the last unknown answer is returned.
type ChainOracle struct {
	oracles []domain.Oracle
}

// NewChainOracle creates a chain over oracles
func NewChainOracle(oracles ...domain.Oracle) *ChainOracle {
	return &ChainOracle{oracles: oracles}
}

// Answer implements domain.Oracle
func (c *ChainOracle) Answer(ctx context.Context, q domain.Question, idx domain.QueryableIndex) (domain.OracleAnswer, error) {
	var (
		last    *domain.OracleAnswer
		lastErr error = ErrNoRule
	)

	for _, o := range c.oracles {
		answer, err := o.Answer(ctx, q, idx)
		if err != nil {
			if !errors.Is(err, ErrNoRule) {
				lastErr = err
			}
			continue
		}
		if answer.Answer.IsKnown() {
			return answer, nil
		}
		a := answer
		last = &a
	}

	if last != nil {
		return *last, nil
	}
	return domain.OracleAnswer{}, lastErr
}
