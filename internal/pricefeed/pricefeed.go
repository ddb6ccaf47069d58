// Package pricefeed abstracts the externally-supplied market price source.
// The engine never fabricates a price: feed unavailability is a hard
// failure returned to the caller, and the affected operation is retried on
// the next scheduler pass.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/lalalune/babylon-sub005/internal/model"
)

// ErrUnavailable is returned when no current price exists for a symbol.
var ErrUnavailable = errors.New("pricefeed: price unavailable")

// Feed resolves the current price of a market. Perp prices are mark prices;
// prediction prices are the YES-outcome probability in [0,1].
type Feed interface {
	GetPrice(ctx context.Context, marketType model.MarketType, symbol string) (decimal.Decimal, error)
}

// StaticFeed is an in-memory feed for development and tests.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticFeed creates an empty static feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]decimal.Decimal)}
}

// SetPrice publishes a price into the feed.
func (f *StaticFeed) SetPrice(marketType model.MarketType, symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[feedKey(marketType, symbol)] = price
}

func (f *StaticFeed) GetPrice(_ context.Context, marketType model.MarketType, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	price, ok := f.prices[feedKey(marketType, symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s %s", ErrUnavailable, marketType, symbol)
	}
	return price, nil
}

// RedisFeed reads prices published to Redis by the external feed process.
// The publisher sets a TTL on each key, which bounds staleness: an expired
// key reads as unavailable rather than serving an old price.
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a feed backed by the given Redis client.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func (f *RedisFeed) GetPrice(ctx context.Context, marketType model.MarketType, symbol string) (decimal.Decimal, error) {
	raw, err := f.rdb.Get(ctx, feedKey(marketType, symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s %s", ErrUnavailable, marketType, symbol)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, marketType, symbol, err)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %s: bad value %q", ErrUnavailable, marketType, symbol, raw)
	}
	return price, nil
}

func feedKey(marketType model.MarketType, symbol string) string {
	return fmt.Sprintf("price:%s:%s", marketType, symbol)
}
