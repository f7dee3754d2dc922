package order

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEffectivePrice(t *testing.T) {
	tests := []struct {
		price, fee, want string
	}{
		{"25.5", "0.003", "25.5765"},
		{"25.5", "0.002", "25.551"},
		{"1", "0", "1"},
		{"0.15", "0.01", "0.1515"},
	}
	for _, tt := range tests {
		got := EffectivePrice(d(tt.price), d(tt.fee))
		assert.Truef(t, got.Equal(d(tt.want)), "EffectivePrice(%s, %s) = %s, want %s", tt.price, tt.fee, got, tt.want)
	}
}

func TestPriceDifferencePercent(t *testing.T) {
	assert.True(t, PriceDifferencePercent(d("25.35"), d("25.35")).IsZero())
	assert.True(t, PriceDifferencePercent(d("0"), d("0")).IsZero())

	// |1.1 - 0.9| / 1.0 * 100
	assert.True(t, PriceDifferencePercent(d("1.1"), d("0.9")).Equal(d("20")))
	// symmetric
	a := PriceDifferencePercent(d("25.58"), d("25.35"))
	b := PriceDifferencePercent(d("25.35"), d("25.58"))
	assert.True(t, a.Equal(b))
}

func TestRoute_SelectsLowestEffectivePrice(t *testing.T) {
	now := time.Now()
	quotes := []Quote{
		{Venue: VenueRaydium, EffectivePrice: d("25.58"), Timestamp: now},
		{Venue: VenueMeteora, EffectivePrice: d("25.35"), Timestamp: now},
	}

	best, rd, err := Route(quotes)
	require.NoError(t, err)
	assert.Equal(t, VenueMeteora, best.Venue)
	assert.Equal(t, VenueMeteora, rd.SelectedVenue)
	assert.True(t, rd.PriceDifference.Equal(d("0.23")))
	assert.Equal(t, "0.90", rd.PriceDifferencePercent.StringFixed(2))
	assert.Equal(t, "METEORA offers better price by 0.90%", rd.Reason)
	require.Len(t, rd.Prices, 2)
	assert.Equal(t, VenueRaydium, rd.Prices[0].Venue)
}

func TestRoute_TieGoesToFirstDeclaredVenue(t *testing.T) {
	quotes := []Quote{
		NewQuote(VenueRaydium, d("25"), d("0.002"), time.Now()),
		NewQuote(VenueMeteora, d("25"), d("0.002"), time.Now()),
	}
	best, rd, err := Route(quotes)
	require.NoError(t, err)
	assert.Equal(t, VenueRaydium, best.Venue)
	assert.True(t, rd.PriceDifferencePercent.IsZero())

	// and with the declaration order flipped
	best, _, err = Route([]Quote{quotes[1], quotes[0]})
	require.NoError(t, err)
	assert.Equal(t, VenueMeteora, best.Venue)
}

func TestRoute_BestNeverWorseThanOthers(t *testing.T) {
	prices := [][2]string{{"1", "2"}, {"2", "1"}, {"3.3", "3.3"}, {"0.0001", "0.00011"}, {"100", "99.999"}}
	for _, p := range prices {
		quotes := []Quote{
			{Venue: VenueRaydium, EffectivePrice: d(p[0])},
			{Venue: VenueMeteora, EffectivePrice: d(p[1])},
		}
		best, _, err := Route(quotes)
		require.NoError(t, err)
		for _, q := range quotes {
			assert.True(t, best.EffectivePrice.LessThanOrEqual(q.EffectivePrice))
		}
	}
}

func TestRoute_NoQuotes(t *testing.T) {
	_, _, err := Route(nil)
	assert.ErrorIs(t, err, ErrNoQuotes)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRouting, true},
		{StatusRouting, StatusRouting, true},
		{StatusRouting, StatusBuilding, true},
		{StatusBuilding, StatusSubmitted, true},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusPending, StatusFailed, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusBuilding, StatusRouting, false},
		{StatusConfirmed, StatusFailed, false},
		{StatusFailed, StatusRouting, false},
		{StatusConfirmed, StatusConfirmed, false},
		{Status("bogus"), StatusRouting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			}
		})
	}
}

func TestAllowedFrom(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted}, AllowedFrom(StatusFailed))
	assert.ElementsMatch(t, []Status{StatusPending, StatusRouting}, AllowedFrom(StatusRouting))
}

func TestApply_MergesOnlySuppliedFields(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := &Order{ID: "o1", Status: StatusPending, TxRef: "keep", RetryCount: 2, CreatedAt: created, UpdatedAt: created}

	later := created.Add(time.Minute)
	o.Apply(StatusRouting, Update{SelectedVenue: VenueMeteora}, later)
	assert.Equal(t, StatusRouting, o.Status)
	assert.Equal(t, VenueMeteora, o.SelectedVenue)
	assert.Equal(t, "keep", o.TxRef)
	assert.Equal(t, later, o.UpdatedAt)
	assert.Nil(t, o.CompletedAt)

	lower := 1
	o.Apply(StatusFailed, Update{ErrorMessage: "boom", RetryCount: &lower}, later.Add(time.Second))
	assert.Equal(t, 2, o.RetryCount, "retry count never decreases")
	assert.Equal(t, "boom", o.ErrorMessage)
	require.NotNil(t, o.CompletedAt)
	assert.Equal(t, later.Add(time.Second), *o.CompletedAt)
}

func TestDraftValidate(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
		ok    bool
	}{
		{"valid market", Draft{Type: TypeMarket, TokenIn: "SOL", TokenOut: "USDC", AmountIn: d("1")}, true},
		{"missing token", Draft{Type: TypeMarket, TokenIn: "SOL", AmountIn: d("1")}, false},
		{"zero amount", Draft{Type: TypeMarket, TokenIn: "SOL", TokenOut: "USDC", AmountIn: d("0")}, false},
		{"negative amount", Draft{Type: TypeMarket, TokenIn: "SOL", TokenOut: "USDC", AmountIn: d("-1")}, false},
		{"limit unsupported", Draft{Type: TypeLimit, TokenIn: "SOL", TokenOut: "USDC", AmountIn: d("1")}, false},
		{"unknown type", Draft{Type: "STOP", TokenIn: "SOL", TokenOut: "USDC", AmountIn: d("1")}, false},
		{"same token", Draft{Type: TypeMarket, TokenIn: "SOL", TokenOut: "sol", AmountIn: d("1")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}
