package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider serves prices from a fixed table. Used with RATE_SOURCE=static and in tests.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// DefaultStaticPrices are naira prices good enough for local development.
func DefaultStaticPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"BTC":  decimal.NewFromInt(95_000_000),
		"ETH":  decimal.NewFromInt(5_000_000),
		"USDT": decimal.NewFromInt(1_550),
	}
}

// NewStaticProvider copies prices into a new provider.
func NewStaticProvider(prices map[string]decimal.Decimal) *StaticProvider {
	p := &StaticProvider{prices: make(map[string]decimal.Decimal, len(prices)), now: time.Now}
	for symbol, price := range prices {
		p.prices[Normalize(symbol)] = price
	}
	return p
}

func (p *StaticProvider) Name() string { return "static" }

// Set replaces the price of symbol.
func (p *StaticProvider) Set(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[Normalize(symbol)] = price
}

// Remove makes symbol unavailable.
func (p *StaticProvider) Remove(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, Normalize(symbol))
}

func (p *StaticProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}

	symbol = Normalize(symbol)
	p.mu.RLock()
	price, ok := p.prices[symbol]
	p.mu.RUnlock()

	if !ok || !price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: no static price for %s", ErrUnavailable, symbol)
	}
	return Quote{Symbol: symbol, Fiat: price, Source: p.Name(), FetchedAt: p.now().UTC()}, nil
}
