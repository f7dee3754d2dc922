package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// ErrNoQuotes is returned when routing is asked to choose among zero quotes
var ErrNoQuotes = errors.New("no quotes to route")

// Quote is a venue's price offer. Immutable once produced.
type Quote struct {
	Venue          Venue            `json:"venue"`
	Price          decimal.Decimal  `json:"price"`
	Fee            decimal.Decimal  `json:"fee"`            // fraction, 0.003 = 0.3%
	EffectivePrice decimal.Decimal  `json:"effectivePrice"` // price * (1 + fee)
	Liquidity      *decimal.Decimal `json:"liquidity,omitempty"`
	PriceImpact    *decimal.Decimal `json:"priceImpact,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// NewQuote builds a quote with its effective price filled in
func NewQuote(venue Venue, price, fee decimal.Decimal, at time.Time) Quote {
	return Quote{
		Venue:          venue,
		Price:          price,
		Fee:            fee,
		EffectivePrice: EffectivePrice(price, fee),
		Timestamp:      at,
	}
}

// VenuePrice pairs a venue with the effective price it quoted
type VenuePrice struct {
	Venue          Venue           `json:"venue"`
	EffectivePrice decimal.Decimal `json:"effectivePrice"`
}

// RoutingDecision records which venue was chosen and why. Never mutated after creation.
type RoutingDecision struct {
	SelectedVenue          Venue           `json:"selectedVenue"`
	Reason                 string          `json:"reason"`
	Prices                 []VenuePrice    `json:"prices"` // venue declaration order
	PriceDifference        decimal.Decimal `json:"priceDifference"`
	PriceDifferencePercent decimal.Decimal `json:"priceDifferencePercent"`
}

// EffectivePrice adjusts a quoted price for the venue fee: price * (1 + fee)
func EffectivePrice(price, fee decimal.Decimal) decimal.Decimal {
	return price.Mul(one.Add(fee))
}

// PriceDifference is |p1 - p2|
func PriceDifference(p1, p2 decimal.Decimal) decimal.Decimal {
	return p1.Sub(p2).Abs()
}

// PriceDifferencePercent is |p1 - p2| / avg(p1, p2) * 100. Zero when the prices are equal.
func PriceDifferencePercent(p1, p2 decimal.Decimal) decimal.Decimal {
	sum := p1.Add(p2)
	if sum.IsZero() {
		return decimal.Zero
	}
	avg := sum.Div(two)
	return PriceDifference(p1, p2).Div(avg).Mul(hundred)
}

// BestQuote returns the index of the quote with the lowest effective price.
// Ties go to the earliest quote, i.e. the first-declared venue.
func BestQuote(quotes []Quote) (int, error) {
	if len(quotes) == 0 {
		return -1, ErrNoQuotes
	}
	best := 0
	for i := 1; i < len(quotes); i++ {
		if quotes[i].EffectivePrice.LessThan(quotes[best].EffectivePrice) {
			best = i
		}
	}
	return best, nil
}

// Route picks the best quote and derives the routing decision.
// The reported difference is between the best quote and the runner-up.
func Route(quotes []Quote) (Quote, RoutingDecision, error) {
	bi, err := BestQuote(quotes)
	if err != nil {
		return Quote{}, RoutingDecision{}, err
	}
	best := quotes[bi]

	prices := make([]VenuePrice, len(quotes))
	for i, q := range quotes {
		prices[i] = VenuePrice{Venue: q.Venue, EffectivePrice: q.EffectivePrice}
	}

	rd := RoutingDecision{
		SelectedVenue: best.Venue,
		Prices:        prices,
	}

	runnerUp := -1
	for i, q := range quotes {
		if i == bi {
			continue
		}
		if runnerUp < 0 || q.EffectivePrice.LessThan(quotes[runnerUp].EffectivePrice) {
			runnerUp = i
		}
	}

	if runnerUp < 0 {
		rd.PriceDifference = decimal.Zero
		rd.PriceDifferencePercent = decimal.Zero
		rd.Reason = fmt.Sprintf("%s is the only venue quoting", best.Venue)
		return best, rd, nil
	}

	other := quotes[runnerUp].EffectivePrice
	rd.PriceDifference = PriceDifference(best.EffectivePrice, other)
	rd.PriceDifferencePercent = PriceDifferencePercent(best.EffectivePrice, other)
	rd.Reason = fmt.Sprintf("%s offers better price by %s%%", best.Venue, rd.PriceDifferencePercent.StringFixed(2))
	return best, rd, nil
}
