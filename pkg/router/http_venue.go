package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/util"
)

// HTTPVenue talks to a remote quoting/swap service:
//
//	GET  {base}/quote?tokenIn=&tokenOut=&amount=  -> quoteResponse
//	POST {base}/swap  SwapRequest                 -> SwapResult
//
// Non-2xx replies carry {"error": "..."}.
type HTTPVenue struct {
	name   order.Venue
	client *resty.Client
	clock  util.Clock
}

type quoteResponse struct {
	Price       decimal.Decimal  `json:"price"`
	Fee         decimal.Decimal  `json:"fee"`
	Liquidity   *decimal.Decimal `json:"liquidity,omitempty"`
	PriceImpact *decimal.Decimal `json:"priceImpact,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type HTTPVenueOptions struct {
	Timeout    time.Duration
	RetryCount int
}

func NewHTTPVenue(name order.Venue, baseURL string, opts HTTPVenueOptions) *HTTPVenue {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPVenue{name: name, client: client, clock: util.RealClock{}}
}

func (v *HTTPVenue) Name() order.Venue { return v.name }

func (v *HTTPVenue) Quote(ctx context.Context, tokenIn, tokenOut string, amount decimal.Decimal) (order.Quote, error) {
	var out quoteResponse
	var apiErr errorResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"tokenIn":  tokenIn,
			"tokenOut": tokenOut,
			"amount":   amount.String(),
		}).
		SetResult(&out).
		SetError(&apiErr).
		Get("/quote")
	if err != nil {
		return order.Quote{}, fmt.Errorf("quote request: %w", err)
	}
	if resp.IsError() {
		return order.Quote{}, fmt.Errorf("quote rejected (%d): %s", resp.StatusCode(), errText(apiErr, resp))
	}
	if !out.Price.IsPositive() {
		return order.Quote{}, fmt.Errorf("quote rejected: non-positive price %s", out.Price)
	}

	q := order.NewQuote(v.name, out.Price, out.Fee, v.clock.Now())
	q.Liquidity = out.Liquidity
	q.PriceImpact = out.PriceImpact
	return q, nil
}

func (v *HTTPVenue) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	var out SwapResult
	var apiErr errorResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/swap")
	if err != nil {
		return nil, fmt.Errorf("swap request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s", ErrSwapFailed, errText(apiErr, resp))
	}
	if out.TxRef == "" {
		return nil, fmt.Errorf("%w: venue returned no transaction reference", ErrSwapFailed)
	}
	return &out, nil
}

func errText(e errorResponse, resp *resty.Response) string {
	if e.Error != "" {
		return e.Error
	}
	return resp.Status()
}

var _ Venue = (*HTTPVenue)(nil)
