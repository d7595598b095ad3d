package pricefeed

import (
	"context"
	"sync"
)

// Feed is a batched quote source keyed by symbol. A symbol absent from the
// result has no quote this round; callers fall back to the last known price.
type Feed interface {
	Lookup(ctx context.Context, symbols []string) (map[string]float64, error)
}

// Static serves prices from memory. Safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	prices map[string]float64
	err    error
}

func NewStatic(prices map[string]float64) *Static {
	s := &Static{prices: make(map[string]float64, len(prices))}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

func (s *Static) Set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *Static) Delete(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, symbol)
}

// Fail makes every Lookup return err until called again with nil.
func (s *Static) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) Lookup(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if p, ok := s.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}
