package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperroute/pkg/order"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubVenue returns fixed answers
type stubVenue struct {
	name     order.Venue
	price    decimal.Decimal
	fee      decimal.Decimal
	quoteErr error
	delay    time.Duration
	swaps    []SwapRequest
}

func (s *stubVenue) Name() order.Venue { return s.name }

func (s *stubVenue) Quote(ctx context.Context, _, _ string, _ decimal.Decimal) (order.Quote, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return order.Quote{}, err
	}
	if s.quoteErr != nil {
		return order.Quote{}, s.quoteErr
	}
	return order.NewQuote(s.name, s.price, s.fee, time.Time{}), nil
}

func (s *stubVenue) Swap(_ context.Context, req SwapRequest) (*SwapResult, error) {
	s.swaps = append(s.swaps, req)
	return &SwapResult{TxRef: "sig-" + string(s.name), ExecutedPrice: req.ExpectedPrice, AmountOut: req.AmountIn.Div(req.ExpectedPrice)}, nil
}

func zeroLatency(cfg SimulatedConfig) SimulatedConfig {
	cfg.QuoteLatency = 0
	cfg.SwapLatencyMin = 0
	cfg.SwapLatencyMax = 0
	return cfg
}

func TestAggregator_QuotesInDeclarationOrder(t *testing.T) {
	slow := &stubVenue{name: order.VenueRaydium, price: d("100"), fee: d("0.003"), delay: 30 * time.Millisecond}
	fast := &stubVenue{name: order.VenueMeteora, price: d("100.5"), fee: d("0.002")}
	agg, err := NewAggregator(nil, slow, fast)
	require.NoError(t, err)

	quotes, err := agg.GetQuotes(context.Background(), "SOL", "USDC", d("1"))
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, order.VenueRaydium, quotes[0].Venue)
	assert.Equal(t, order.VenueMeteora, quotes[1].Venue)
	assert.Equal(t, []order.Venue{order.VenueRaydium, order.VenueMeteora}, agg.Venues())
}

func TestAggregator_AnyVenueFailureFailsAll(t *testing.T) {
	ok := &stubVenue{name: order.VenueRaydium, price: d("1"), delay: time.Second}
	bad := &stubVenue{name: order.VenueMeteora, quoteErr: errors.New("rpc down")}
	agg, err := NewAggregator(nil, ok, bad)
	require.NoError(t, err)

	start := time.Now()
	_, err = agg.GetQuotes(context.Background(), "SOL", "USDC", d("1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "METEORA quote: rpc down")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "sibling quote cancelled")
}

func TestAggregator_Construction(t *testing.T) {
	_, err := NewAggregator(nil)
	assert.ErrorIs(t, err, ErrNoVenues)

	a := &stubVenue{name: order.VenueRaydium}
	_, err = NewAggregator(nil, a, &stubVenue{name: order.VenueRaydium})
	assert.Error(t, err)
}

func TestAggregator_ExecuteSwapRoutesToNamedVenue(t *testing.T) {
	ray := &stubVenue{name: order.VenueRaydium}
	met := &stubVenue{name: order.VenueMeteora}
	agg, err := NewAggregator(nil, ray, met)
	require.NoError(t, err)

	res, err := agg.ExecuteSwap(context.Background(), SwapRequest{Venue: order.VenueMeteora, AmountIn: d("2"), ExpectedPrice: d("4")})
	require.NoError(t, err)
	assert.Equal(t, "sig-METEORA", res.TxRef)
	assert.True(t, res.AmountOut.Equal(d("0.5")))
	assert.Len(t, met.swaps, 1)
	assert.Empty(t, ray.swaps)

	_, err = agg.ExecuteSwap(context.Background(), SwapRequest{Venue: "ORCA"})
	assert.ErrorIs(t, err, ErrUnknownVenue)
}

func TestPriceTable(t *testing.T) {
	pt := DefaultPriceTable()
	assert.True(t, pt.BasePrice("SOL", "USDC").Equal(d("25.5")))
	assert.True(t, pt.BasePrice("sol", "usdt").Equal(d("25.48")))
	assert.True(t, pt.BasePrice("USDC", "RAY").Equal(decimal.NewFromInt(1).Div(d("0.85"))))
	assert.True(t, pt.BasePrice("FOO", "BAR").Equal(decimal.NewFromInt(1)))
}

func TestSimulatedVenue_QuoteWithinVariance(t *testing.T) {
	v := NewSimulatedVenue(zeroLatency(RaydiumConfig()), nil, 42)
	lo, hi := d("25.5").Mul(d("0.98")), d("25.5").Mul(d("1.02"))
	for i := 0; i < 50; i++ {
		q, err := v.Quote(context.Background(), "SOL", "USDC", d("1"))
		require.NoError(t, err)
		assert.Equal(t, order.VenueRaydium, q.Venue)
		assert.True(t, q.Price.GreaterThanOrEqual(lo) && q.Price.LessThanOrEqual(hi), "price %s", q.Price)
		assert.True(t, q.Fee.Equal(d("0.003")))
		assert.True(t, q.EffectivePrice.Equal(order.EffectivePrice(q.Price, q.Fee)))
		require.NotNil(t, q.Liquidity)
		require.NotNil(t, q.PriceImpact)
	}
}

func TestSimulatedVenue_SeedIsReproducible(t *testing.T) {
	a := NewSimulatedVenue(zeroLatency(MeteoraConfig()), nil, 7)
	b := NewSimulatedVenue(zeroLatency(MeteoraConfig()), nil, 7)
	qa, err := a.Quote(context.Background(), "SOL", "USDC", d("1"))
	require.NoError(t, err)
	qb, err := b.Quote(context.Background(), "SOL", "USDC", d("1"))
	require.NoError(t, err)
	assert.True(t, qa.Price.Equal(qb.Price))
}

func TestSimulatedVenue_Swap(t *testing.T) {
	cfg := zeroLatency(RaydiumConfig())
	cfg.FailureRate = 0
	v := NewSimulatedVenue(cfg, nil, 1)

	expected := d("25.5")
	res, err := v.Swap(context.Background(), SwapRequest{Venue: order.VenueRaydium, AmountIn: d("10"), ExpectedPrice: expected})
	require.NoError(t, err)
	assert.Len(t, res.TxRef, SignatureLen)
	raw, err := base58.Decode(res.TxRef)
	require.NoError(t, err)
	assert.Len(t, raw, 64)

	assert.True(t, res.ExecutedPrice.GreaterThanOrEqual(expected.Mul(d("0.995"))))
	assert.True(t, res.ExecutedPrice.LessThanOrEqual(expected.Mul(d("1.005"))))
	assert.True(t, res.AmountOut.Equal(d("10").Div(res.ExecutedPrice)))
}

func TestSimulatedVenue_SwapFailure(t *testing.T) {
	cfg := zeroLatency(RaydiumConfig())
	cfg.FailureRate = 1
	v := NewSimulatedVenue(cfg, nil, 1)
	_, err := v.Swap(context.Background(), SwapRequest{AmountIn: d("1"), ExpectedPrice: d("1")})
	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.Contains(t, err.Error(), "Insufficient liquidity")
}

func TestSimulatedVenue_HonoursContext(t *testing.T) {
	v := NewSimulatedVenue(RaydiumConfig(), nil, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := v.Swap(ctx, SwapRequest{AmountIn: d("1"), ExpectedPrice: d("1")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPVenue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tokenIn") != "SOL" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported pair"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"25.4","fee":"0.0025","liquidity":"1000000"}`))
	})
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		var req SwapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.AmountIn.GreaterThan(decimal.NewFromInt(1000)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"Insufficient liquidity"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SwapResult{
			TxRef:         "remote-sig",
			ExecutedPrice: req.ExpectedPrice,
			AmountOut:     req.AmountIn.Div(req.ExpectedPrice),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := NewHTTPVenue("JUPITER", srv.URL+"/", HTTPVenueOptions{Timeout: time.Second})
	ctx := context.Background()

	q, err := v.Quote(ctx, "SOL", "USDC", d("1"))
	require.NoError(t, err)
	assert.Equal(t, order.Venue("JUPITER"), q.Venue)
	assert.True(t, q.EffectivePrice.Equal(d("25.4").Mul(d("1.0025"))))
	require.NotNil(t, q.Liquidity)

	_, err = v.Quote(ctx, "BONK", "USDC", d("1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported pair")

	res, err := v.Swap(ctx, SwapRequest{Venue: "JUPITER", TokenIn: "SOL", TokenOut: "USDC", AmountIn: d("5"), ExpectedPrice: d("25")})
	require.NoError(t, err)
	assert.Equal(t, "remote-sig", res.TxRef)
	assert.True(t, res.AmountOut.Equal(d("0.2")))

	_, err = v.Swap(ctx, SwapRequest{AmountIn: d("5000"), ExpectedPrice: d("25")})
	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.Contains(t, err.Error(), "Insufficient liquidity")
}

func TestParseVenues(t *testing.T) {
	raw := []byte(`
prices:
  BONK-USDC: "0.00002"
venues:
  - name: meteora
    fee: "0.001"
    variance: [1.0, 1.0]
    quote_latency: 0s
  - name: raydium
    kind: simulated
  - name: jupiter
    kind: http
    url: http://localhost:9000
    timeout: 2s
`)
	venues, err := ParseVenues(raw, 9)
	require.NoError(t, err)
	require.Len(t, venues, 3)
	assert.Equal(t, order.VenueMeteora, venues[0].Name())
	assert.Equal(t, order.VenueRaydium, venues[1].Name())
	assert.Equal(t, order.Venue("JUPITER"), venues[2].Name())
	assert.IsType(t, &HTTPVenue{}, venues[2])

	sim := venues[0].(*SimulatedVenue)
	q, err := sim.Quote(context.Background(), "BONK", "USDC", d("1"))
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("0.00002")))
	assert.True(t, q.Fee.Equal(d("0.001")))

	_, err = ParseVenues([]byte("venues: []"), 0)
	assert.ErrorIs(t, err, ErrNoVenues)
	_, err = ParseVenues([]byte("venues:\n  - name: x\n    kind: grpc\n"), 0)
	assert.Error(t, err)
	_, err = ParseVenues([]byte("venues:\n  - name: x\n    kind: http\n"), 0)
	assert.Error(t, err)
}
