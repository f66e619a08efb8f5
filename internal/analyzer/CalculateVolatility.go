package analyzer

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

// ErrInsufficientData indicates that not enough observations were provided
// to calculate volatility (need at least 2 points for 1 return).
var ErrInsufficientData = errors.New("insufficient data points to calculate volatility")

const secondsPerYear = 365 * 24 * 60 * 60

// Volatility summarizes the price movement of one asset over a window.
type Volatility struct {
	Asset        string        `json:"asset"`
	Observations int           `json:"observations"`
	MeanInterval time.Duration `json:"mean_interval"`
	// Annualized is the annualized standard deviation of log returns.
	Annualized float64 `json:"annualized"`
	// MaxMove is the largest absolute log return between two consecutive observations.
	MaxMove float64 `json:"max_move"`
}

// CalculateVolatility calculates the annualized historical volatility of a series of
// oracle observations. Observations are sorted by publish time first. The annualization
// factor is derived from the mean spacing of the observations, since the keeper stores
// prices only when the feed publishes a new one.
func CalculateVolatility(observations []types.PriceObservation) (Volatility, error) {
	n := len(observations)
	if n < 2 {
		return Volatility{}, ErrInsufficientData
	}

	sorted := make([]types.PriceObservation, n)
	copy(sorted, observations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.Before(sorted[j].PublishedAt)
	})

	// --- Calculate Logarithmic Returns ---
	logReturns := make([]float64, 0, n-1)
	maxMove := 0.0
	for i := 1; i < n; i++ {
		currentPrice, err := utils.DecToFloat64(sorted[i].Price)
		if err != nil {
			continue
		}
		previousPrice, err := utils.DecToFloat64(sorted[i-1].Price)
		if err != nil {
			continue
		}
		if previousPrice <= 0 || currentPrice <= 0 {
			continue
		}

		logReturn := math.Log(currentPrice / previousPrice)
		logReturns = append(logReturns, logReturn)
		maxMove = math.Max(maxMove, math.Abs(logReturn))
	}

	numReturns := len(logReturns)
	if numReturns == 0 {
		return Volatility{}, ErrInsufficientData
	}
	span := sorted[n-1].PublishedAt.Sub(sorted[0].PublishedAt)
	if span <= 0 {
		return Volatility{}, ErrInsufficientData
	}

	// --- Calculate Standard Deviation of Log Returns ---
	var sum float64
	for _, r := range logReturns {
		sum += r
	}
	mean := sum / float64(numReturns)

	var sumSqDiff float64
	for _, r := range logReturns {
		sumSqDiff += math.Pow(r-mean, 2)
	}
	// population standard deviation (N, not N-1)
	stdDev := math.Sqrt(sumSqDiff / float64(numReturns))

	// --- Annualize the Standard Deviation ---
	meanInterval := span / time.Duration(n-1)
	annualizationFactor := secondsPerYear / meanInterval.Seconds()

	return Volatility{
		Asset:        sorted[0].Asset,
		Observations: n,
		MeanInterval: meanInterval,
		Annualized:   stdDev * math.Sqrt(annualizationFactor),
		MaxMove:      maxMove,
	}, nil
}
