package oracle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prior-auth-server/internal/domain"
)

// AnswerCache stores oracle answers per document fingerprint
type AnswerCache interface {
	GetAnswer(ctx context.Context, fingerprint string, q domain.Question) (*domain.OracleAnswer, bool, error)
	SetAnswer(ctx context.Context, fingerprint string, q domain.Question, answer domain.OracleAnswer, ttl time.Duration) error
}

// CachedOracle serves repeated questions about the same record from a cache.
// Cache failures are logged and bypassed.
type CachedOracle struct {
	next   domain.Oracle
	cache  AnswerCache
	ttl    time.Duration
	logger *logrus.Logger
}

// NewCachedOracle wraps next with cache. A zero ttl uses the cache default.
func NewCachedOracle(next domain.Oracle, cache AnswerCache, ttl time.Duration, logger *logrus.Logger) *CachedOracle {
	return &CachedOracle{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Answer implements domain.Oracle
func (c *CachedOracle) Answer(ctx context.Context, q domain.Question, idx domain.QueryableIndex) (domain.OracleAnswer, error) {
	fingerprint := idx.Fingerprint()

	cached, found, err := c.cache.GetAnswer(ctx, fingerprint, q)
	if err != nil {
		c.logger.WithError(err).WithField("criterion_id", q.CriterionID).Warn("Answer cache read failed")
	} else if found {
		return *cached, nil
	}

	answer, err := c.next.Answer(ctx, q, idx)
	if err != nil {
		return answer, err
	}

	if err := c.cache.SetAnswer(ctx, fingerprint, q, answer, c.ttl); err != nil {
		c.logger.WithError(err).WithField("criterion_id", q.CriterionID).Warn("Answer cache write failed")
	}
	return answer, nil
}
