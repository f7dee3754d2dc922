package router

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/hyperroute/pkg/order"
)

// VenueFile is the YAML venue declaration. Order in the file is the
// declaration order used for tie-breaking.
//
//	venues:
//	  - name: RAYDIUM
//	    kind: simulated
//	    fee: "0.003"
//	    variance: [0.98, 1.02]
//	  - name: JUPITER
//	    kind: http
//	    url: http://localhost:9000
type VenueFile struct {
	Prices map[string]string `yaml:"prices"`
	Venues []VenueSpec        `yaml:"venues"`
}

type VenueSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // simulated | http

	// simulated
	Fee          string        `yaml:"fee"`
	Variance     []float64     `yaml:"variance"`
	QuoteLatency time.Duration `yaml:"quote_latency"`
	SwapLatency  []string      `yaml:"swap_latency"`
	FailureRate  *float64      `yaml:"failure_rate"`
	Slippage     *float64      `yaml:"slippage"`

	// http
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

// LoadVenueFile reads and builds the venues declared in path
func LoadVenueFile(path string, seed int64) ([]Venue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venue file: %w", err)
	}
	return ParseVenues(raw, seed)
}

// ParseVenues builds venues from YAML. Each simulated venue gets its own
// seed derived from seed so their draws are independent.
func ParseVenues(raw []byte, seed int64) ([]Venue, error) {
	var f VenueFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse venue file: %w", err)
	}
	if len(f.Venues) == 0 {
		return nil, ErrNoVenues
	}

	prices := DefaultPriceTable()
	for pair, p := range f.Prices {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", pair, err)
		}
		prices[strings.ToUpper(pair)] = d
	}

	venues := make([]Venue, 0, len(f.Venues))
	for i, spec := range f.Venues {
		name := order.Venue(strings.ToUpper(spec.Name))
		if name == "" {
			return nil, fmt.Errorf("venue %d: name is required", i)
		}
		switch strings.ToLower(spec.Kind) {
		case "", "simulated":
			cfg, err := spec.simulatedConfig(name)
			if err != nil {
				return nil, fmt.Errorf("venue %s: %w", name, err)
			}
			var s int64
			if seed != 0 {
				s = seed + int64(i)
			}
			venues = append(venues, NewSimulatedVenue(cfg, prices, s))
		case "http":
			if spec.URL == "" {
				return nil, fmt.Errorf("venue %s: url is required", name)
			}
			venues = append(venues, NewHTTPVenue(name, spec.URL, HTTPVenueOptions{
				Timeout:    spec.Timeout,
				RetryCount: spec.RetryCount,
			}))
		default:
			return nil, fmt.Errorf("venue %s: unknown kind %q", name, spec.Kind)
		}
	}
	return venues, nil
}

// simulatedConfig starts from the built-in profile of a known venue and
// overlays whatever the file sets.
func (s VenueSpec) simulatedConfig(name order.Venue) (SimulatedConfig, error) {
	var cfg SimulatedConfig
	switch name {
	case order.VenueMeteora:
		cfg = MeteoraConfig()
	default:
		cfg = RaydiumConfig()
	}
	cfg.Name = name

	if s.Fee != "" {
		fee, err := decimal.NewFromString(s.Fee)
		if err != nil {
			return cfg, fmt.Errorf("fee: %w", err)
		}
		if fee.IsNegative() {
			return cfg, fmt.Errorf("fee must not be negative")
		}
		cfg.Fee = fee
	}
	if len(s.Variance) != 0 {
		if len(s.Variance) != 2 || s.Variance[0] <= 0 || s.Variance[0] > s.Variance[1] {
			return cfg, fmt.Errorf("variance must be [min, max] with 0 < min <= max")
		}
		cfg.VarianceMin, cfg.VarianceMax = s.Variance[0], s.Variance[1]
	}
	if s.QuoteLatency != 0 {
		cfg.QuoteLatency = s.QuoteLatency
	}
	if len(s.SwapLatency) != 0 {
		if len(s.SwapLatency) != 2 {
			return cfg, fmt.Errorf("swap_latency must be [min, max]")
		}
		lo, err := time.ParseDuration(s.SwapLatency[0])
		if err != nil {
			return cfg, fmt.Errorf("swap_latency: %w", err)
		}
		hi, err := time.ParseDuration(s.SwapLatency[1])
		if err != nil {
			return cfg, fmt.Errorf("swap_latency: %w", err)
		}
		cfg.SwapLatencyMin, cfg.SwapLatencyMax = lo, hi
	}
	if s.FailureRate != nil {
		cfg.FailureRate = *s.FailureRate
	}
	if s.Slippage != nil {
		cfg.Slippage = *s.Slippage
	}
	return cfg, nil
}

// DefaultVenues is the built-in RAYDIUM, METEORA pair
func DefaultVenues(seed int64) []Venue {
	var s2 int64
	if seed != 0 {
		s2 = seed + 1
	}
	return []Venue{
		NewSimulatedVenue(RaydiumConfig(), nil, seed),
		NewSimulatedVenue(MeteoraConfig(), nil, s2),
	}
}
