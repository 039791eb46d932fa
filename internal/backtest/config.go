// Package backtest runs symphony strategies day by day against point-in-time
// market data and collects equity curves, trades, metrics and per-day
// failures.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"symphony/internal/domain"
)

// ErrInvalidConfig is returned by NewConfig for unusable run parameters.
var ErrInvalidConfig = errors.New("invalid backtest config")

// Config holds the parameters of one backtest run. Build it with NewConfig;
// a Config is treated as immutable once constructed.
type Config struct {
	StrategyPath       string
	Start              time.Time
	End                time.Time
	InitialCapital     float64
	SlippageBps        float64
	CommissionPerShare float64
	DataDir            string
	Market             domain.Market
	Benchmark          string
	RiskFreeRate       float64
}

// NewConfig validates c and returns it with defaults applied: market "us"
// and an upper-cased benchmark symbol.
func NewConfig(c Config) (Config, error) {
	if c.Market == "" {
		c.Market = domain.MarketUS
	}
	c.Benchmark = strings.ToUpper(strings.TrimSpace(c.Benchmark))

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch {
	case c.Start.IsZero() || c.End.IsZero():
		return invalidf("start and end dates are required")
	case c.End.Before(c.Start):
		return invalidf("end %s is before start %s", c.End.Format(time.DateOnly), c.Start.Format(time.DateOnly))
	case !(c.InitialCapital > 0) || math.IsInf(c.InitialCapital, 0):
		return invalidf("initial capital must be positive, got %v", c.InitialCapital)
	case c.SlippageBps < 0 || c.SlippageBps >= 10_000 || math.IsNaN(c.SlippageBps):
		return invalidf("slippage must be in [0, 10000) bps, got %v", c.SlippageBps)
	case c.CommissionPerShare < 0 || math.IsNaN(c.CommissionPerShare):
		return invalidf("commission per share must be non-negative, got %v", c.CommissionPerShare)
	case math.IsNaN(c.RiskFreeRate) || math.IsInf(c.RiskFreeRate, 0):
		return invalidf("risk-free rate must be finite")
	case c.DataDir == "":
		return invalidf("data directory is required")
	}
	fi, err := os.Stat(c.DataDir)
	if err != nil {
		return fmt.Errorf("%w: data directory: %v", ErrInvalidConfig, err)
	}
	if !fi.IsDir() {
		return invalidf("data directory %s is not a directory", c.DataDir)
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
