package exchange

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/raykavin/capvault/pkg/core"
)

// StaticRate is a core.RateSource reporting a price set by the operator.
type StaticRate struct {
	mu    sync.RWMutex
	price core.Price
	clock func() time.Time
}

// NewStaticRate returns a rate source that reports answer at the given scale,
// stamped with the current time on every read.
func NewStaticRate(answer int64, decimals uint8) *StaticRate {
	return &StaticRate{
		price: core.Price{Answer: big.NewInt(answer), Decimals: decimals},
		clock: time.Now,
	}
}

// SetPrice replaces the reported price. A zero UpdatedAt keeps stamping reads
// with the current time.
func (s *StaticRate) SetPrice(price core.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
}

// LatestPrice implements core.RateSource
func (s *StaticRate) LatestPrice(ctx context.Context) (core.Price, error) {
	if err := ctx.Err(); err != nil {
		return core.Price{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	price := s.price
	if price.Answer != nil {
		price.Answer = new(big.Int).Set(price.Answer)
	}
	if price.UpdatedAt.IsZero() {
		price.UpdatedAt = s.clock()
	}
	return price, nil
}
