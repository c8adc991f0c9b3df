package provider

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-stays/internal/obs"
)

// RateTable holds fixed conversion rates keyed "FROM/TO" (ISO-4217 pair).
// Rates are explicit configuration; there is no live FX feed.
type RateTable map[string]float64

// DefaultRates covers the corridors the marketplace currently operates in.
var DefaultRates = RateTable{
	"USD/KES": 129.50,
	"EUR/KES": 140.20,
	"NGN/KES": 0.085,
	"GHS/KES": 8.40,
	"USD/NGN": 1520.00,
	"USD/GHS": 15.40,
}

// Convert translates an amount in minor units of from into minor units of to.
// A missing rate falls back to a 1:1 identity conversion rather than failing
// the payment. Every fallback is logged and counted so operators can alert
// on it.
func (t RateTable) Convert(amountMinor int64, from, to string, logger zerolog.Logger) int64 {
	if from == to {
		return amountMinor
	}
	pair := from + "/" + to
	rate, ok := t[pair]
	if !ok || rate <= 0 {
		logger.Warn().
			Str("pair", pair).
			Int64("amount_minor", amountMinor).
			Msg("fx rate missing, applying identity conversion")
		if obs.FXFallbackTotal != nil {
			obs.FXFallbackTotal.WithLabelValues(pair).Inc()
		}
		return amountMinor
	}
	return int64(math.Round(float64(amountMinor) * rate))
}
