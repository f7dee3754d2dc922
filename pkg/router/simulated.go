package router

import (
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/util"
)

// SignatureLen is the length of a base58-encoded 64-byte signature as shown
// by Solana explorers
const SignatureLen = 88

// PriceTable maps "IN-OUT" pairs to a base price. A reversed pair quotes the
// inverse; unknown pairs quote 1.
type PriceTable map[string]decimal.Decimal

func DefaultPriceTable() PriceTable {
	return PriceTable{
		"SOL-USDC":  decimal.RequireFromString("25.5"),
		"SOL-USDT":  decimal.RequireFromString("25.48"),
		"USDC-USDT": decimal.RequireFromString("1.0"),
		"RAY-USDC":  decimal.RequireFromString("0.85"),
		"MNGO-USDC": decimal.RequireFromString("0.15"),
	}
}

func (t PriceTable) BasePrice(tokenIn, tokenOut string) decimal.Decimal {
	in, out := strings.ToUpper(tokenIn), strings.ToUpper(tokenOut)
	if p, ok := t[in+"-"+out]; ok {
		return p
	}
	if p, ok := t[out+"-"+in]; ok && !p.IsZero() {
		return decimal.NewFromInt(1).Div(p)
	}
	return decimal.NewFromInt(1)
}

// SimulatedConfig describes a venue that prices off a table with random variance
type SimulatedConfig struct {
	Name         order.Venue
	Fee          decimal.Decimal
	VarianceMin  float64 // price multiplier bounds
	VarianceMax  float64
	LiquidityMin float64
	LiquidityMax float64
	ImpactMin    float64
	ImpactMax    float64

	QuoteLatency   time.Duration
	SwapLatencyMin time.Duration
	SwapLatencyMax time.Duration
	FailureRate    float64 // probability a swap fails
	Slippage       float64 // executed price moves within ±Slippage of expected
}

func RaydiumConfig() SimulatedConfig {
	return SimulatedConfig{
		Name:           order.VenueRaydium,
		Fee:            decimal.RequireFromString("0.003"),
		VarianceMin:    0.98,
		VarianceMax:    1.02,
		LiquidityMin:   1_000_000,
		LiquidityMax:   6_000_000,
		ImpactMin:      0.001,
		ImpactMax:      0.006,
		QuoteLatency:   200 * time.Millisecond,
		SwapLatencyMin: 2 * time.Second,
		SwapLatencyMax: 3 * time.Second,
		FailureRate:    0.05,
		Slippage:       0.005,
	}
}

func MeteoraConfig() SimulatedConfig {
	return SimulatedConfig{
		Name:           order.VenueMeteora,
		Fee:            decimal.RequireFromString("0.002"),
		VarianceMin:    0.97,
		VarianceMax:    1.02,
		LiquidityMin:   800_000,
		LiquidityMax:   4_800_000,
		ImpactMin:      0.0008,
		ImpactMax:      0.0048,
		QuoteLatency:   200 * time.Millisecond,
		SwapLatencyMin: 2 * time.Second,
		SwapLatencyMax: 3 * time.Second,
		FailureRate:    0.05,
		Slippage:       0.005,
	}
}

// SimulatedVenue quotes and fills from local randomness. A fixed seed makes
// the sequence reproducible.
type SimulatedVenue struct {
	cfg    SimulatedConfig
	prices PriceTable
	clock  util.Clock

	mu  sync.Mutex
	rng *mrand.Rand
}

func NewSimulatedVenue(cfg SimulatedConfig, prices PriceTable, seed int64) *SimulatedVenue {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedVenue{
		cfg:    cfg,
		prices: prices,
		clock:  util.RealClock{},
		rng:    mrand.New(mrand.NewSource(seed)),
	}
}

func (v *SimulatedVenue) Name() order.Venue { return v.cfg.Name }

// between draws uniformly from [lo, hi)
func (v *SimulatedVenue) between(lo, hi float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lo + v.rng.Float64()*(hi-lo)
}

func (v *SimulatedVenue) Quote(ctx context.Context, tokenIn, tokenOut string, _ decimal.Decimal) (order.Quote, error) {
	if err := sleep(ctx, v.cfg.QuoteLatency); err != nil {
		return order.Quote{}, err
	}

	variance := decimal.NewFromFloat(v.between(v.cfg.VarianceMin, v.cfg.VarianceMax))
	price := v.prices.BasePrice(tokenIn, tokenOut).Mul(variance)

	q := order.NewQuote(v.cfg.Name, price, v.cfg.Fee, v.clock.Now())
	if v.cfg.LiquidityMax > 0 {
		liq := decimal.NewFromFloat(v.between(v.cfg.LiquidityMin, v.cfg.LiquidityMax))
		q.Liquidity = &liq
	}
	if v.cfg.ImpactMax > 0 {
		impact := decimal.NewFromFloat(v.between(v.cfg.ImpactMin, v.cfg.ImpactMax))
		q.PriceImpact = &impact
	}
	return q, nil
}

func (v *SimulatedVenue) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	latency := v.cfg.SwapLatencyMin
	if span := v.cfg.SwapLatencyMax - v.cfg.SwapLatencyMin; span > 0 {
		latency += time.Duration(v.between(0, float64(span)))
	}
	if err := sleep(ctx, latency); err != nil {
		return nil, err
	}

	if v.cfg.FailureRate > 0 && v.between(0, 1) < v.cfg.FailureRate {
		return nil, fmt.Errorf("%w: Transaction simulation failed: Insufficient liquidity", ErrSwapFailed)
	}
	if !req.ExpectedPrice.IsPositive() {
		return nil, fmt.Errorf("%w: expected price must be positive", ErrSwapFailed)
	}

	sig, err := NewSignature()
	if err != nil {
		return nil, err
	}

	slip := decimal.NewFromFloat(v.between(1-v.cfg.Slippage, 1+v.cfg.Slippage))
	executed := req.ExpectedPrice.Mul(slip)
	return &SwapResult{
		TxRef:         sig,
		ExecutedPrice: executed,
		AmountOut:     req.AmountIn.Div(executed),
	}, nil
}

// NewSignature returns a random 64-byte signature encoded in base58.
// Encodings shorter than SignatureLen (leading zero bits) are redrawn.
func NewSignature() (string, error) {
	buf := make([]byte, 64)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate signature: %w", err)
		}
		if s := base58.Encode(buf); len(s) == SignatureLen {
			return s, nil
		}
	}
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Venue = (*SimulatedVenue)(nil)
