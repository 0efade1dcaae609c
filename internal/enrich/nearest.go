package enrich

import (
	"time"

	"overwatch/pkg/db"
)

// Nearest picks the sample closest to at from the closest one strictly
// before and the closest one strictly after. When both are equally far the
// later sample wins.
func Nearest(at time.Time, before, after *db.PriceSample) *db.PriceSample {
	switch {
	case after == nil:
		return before
	case before == nil:
		return after
	}
	if after.Time.Sub(at) > at.Sub(before.Time) {
		return before
	}
	return after
}

// TradeDifference is the per-unit USD gain of a fill against its target:
// a sell gains when it filled above target, a buy when it filled below.
func TradeDifference(side string, tradeUSD, targetUSD float64) float64 {
	if side == db.SideSell {
		return tradeUSD - targetUSD
	}
	return targetUSD - tradeUSD
}
