// Package router fetches quotes from liquidity venues and executes swaps on
// the venue chosen by the caller.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperroute/pkg/order"
)

var (
	ErrUnknownVenue = errors.New("unknown venue")
	ErrNoVenues     = errors.New("no venues configured")
	// ErrSwapFailed marks a swap the venue rejected
	ErrSwapFailed = errors.New("swap failed")
)

type SwapRequest struct {
	Venue         order.Venue     `json:"venue"`
	TokenIn       string          `json:"tokenIn"`
	TokenOut      string          `json:"tokenOut"`
	AmountIn      decimal.Decimal `json:"amountIn"`
	ExpectedPrice decimal.Decimal `json:"expectedPrice"`
}

type SwapResult struct {
	TxRef         string          `json:"txRef"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	AmountOut     decimal.Decimal `json:"amountOut"`
}

// Router is what the execution pipeline needs from liquidity sources.
// GetQuotes returns one quote per venue in declaration order, or an error if
// any venue fails.
type Router interface {
	GetQuotes(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) ([]order.Quote, error)
	ExecuteSwap(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// Venue is a single liquidity source
type Venue interface {
	Name() order.Venue
	Quote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (order.Quote, error)
	Swap(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// Aggregator implements Router over a fixed, ordered set of venues
type Aggregator struct {
	venues []Venue
	byName map[order.Venue]Venue
	log    *zap.SugaredLogger
}

func NewAggregator(logger *zap.SugaredLogger, venues ...Venue) (*Aggregator, error) {
	if len(venues) == 0 {
		return nil, ErrNoVenues
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	byName := make(map[order.Venue]Venue, len(venues))
	for _, v := range venues {
		if _, dup := byName[v.Name()]; dup {
			return nil, fmt.Errorf("duplicate venue %s", v.Name())
		}
		byName[v.Name()] = v
	}
	return &Aggregator{venues: venues, byName: byName, log: logger}, nil
}

// Venues lists venue names in declaration order
func (a *Aggregator) Venues() []order.Venue {
	out := make([]order.Venue, len(a.venues))
	for i, v := range a.venues {
		out[i] = v.Name()
	}
	return out
}

// GetQuotes asks every venue concurrently and joins on all of them
func (a *Aggregator) GetQuotes(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) ([]order.Quote, error) {
	quotes := make([]order.Quote, len(a.venues))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range a.venues {
		g.Go(func() error {
			q, err := v.Quote(gctx, tokenIn, tokenOut, amount)
			if err != nil {
				return fmt.Errorf("%s quote: %w", v.Name(), err)
			}
			q.Venue = v.Name()
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, q := range quotes {
		a.log.Debugw("quote_received",
			"venue", q.Venue,
			"price", q.Price.StringFixed(4),
			"effective_price", q.EffectivePrice.StringFixed(4),
		)
	}
	return quotes, nil
}

func (a *Aggregator) ExecuteSwap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	v, ok := a.byName[req.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, req.Venue)
	}
	res, err := v.Swap(ctx, req)
	if err != nil {
		return nil, err
	}
	a.log.Infow("swap_executed",
		"venue", req.Venue,
		"tx_ref", res.TxRef,
		"executed_price", res.ExecutedPrice.StringFixed(4),
		"amount_out", res.AmountOut.StringFixed(4),
	)
	return res, nil
}

var _ Router = (*Aggregator)(nil)
