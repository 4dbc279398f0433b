// Package pricing holds the price and profit arithmetic shared by the cycle
// engine and the reconciliation sweep.
package pricing

import (
	"math"
	"time"

	"stbbot/internal/model"
)

// RoundToTick snaps a price to the nearest multiple of tickSize and then to
// 5 decimal places, the finest precision the exchange quotes.
func RoundToTick(price, tickSize float64) float64 {
	snapped := math.Round(price/tickSize) * tickSize
	return math.Round(snapped*1e5) / 1e5
}

// NormalizeDiscount converts an operator-entered discount into a fraction.
// Operators write either "5" (percent) or "0.05"; anything above 1 is read
// as a percentage.
func NormalizeDiscount(d float64) float64 {
	if d > 1 {
		return d / 100.0
	}
	return d
}

// ClosingLimitPrice derives the limit price of the closing leg from the
// realized fill price of the opening leg. Sell-then-buy buys back below the
// fill, buy-then-sell sells above it. The spread target is applied to the
// realized price, not the requested one, so it tracks actual execution.
func ClosingLimitPrice(strategy model.Strategy, fillPrice, discount, tickSize float64) float64 {
	if strategy == model.BuyThenSell {
		return RoundToTick(fillPrice*(1+discount), tickSize)
	}
	return RoundToTick(fillPrice*(1-discount), tickSize)
}

// Fill summarizes the execution state reported by the exchange for one order.
type Fill struct {
	Done     bool
	AvgPrice float64
	DealSize float64
}

// DetectFill decides whether an order is fully executed. The exchange
// reports "done" for settled orders, but a market order can also show a
// cumulative deal size at or above the requested size before the status
// flips, so either signal counts. The average price is volume weighted:
// dealFunds / dealSize.
func DetectFill(status string, dealSize, size, dealFunds float64) Fill {
	done := status == "done" || (size > 0 && dealSize >= size)
	avg := 0.0
	if dealSize > 0 {
		avg = dealFunds / dealSize
	}
	return Fill{Done: done, AvgPrice: avg, DealSize: dealSize}
}

// CycleProfit computes the profit record for a completed cycle, given both
// executed legs. The opening leg is the entry, the closing leg the exit.
//
// Profit percent is denominated by the entry price: the cycle is anchored on
// the realized market fill (the limit price is derived from it), so the
// return is measured against the capital committed at entry. For
// sell-then-buy that is (entry-exit)/entry, for buy-then-sell the sign
// flips. The computation is pure, so re-running it over the same two rows
// always yields the same record.
func CycleProfit(strategy model.Strategy, opening, closing model.Order) model.ProfitRecord {
	entry := opening.Price
	exit := closing.Price

	spread := entry - exit
	if strategy == model.BuyThenSell {
		spread = exit - entry
	}

	pct := 0.0
	if entry != 0 {
		pct = spread / entry * 100
	}

	qty := fillQuantity(opening.FilledSize, closing.FilledSize)

	sellPrice, buyPrice := entry, exit
	if strategy == model.BuyThenSell {
		sellPrice, buyPrice = exit, entry
	}

	dur := closing.LastUpdated.Sub(opening.LastUpdated)
	if dur < 0 {
		dur = -dur
	}

	return model.ProfitRecord{
		CycleID:        opening.CycleID,
		Symbol:         opening.Symbol,
		SellPrice:      sellPrice,
		BuyPrice:       buyPrice,
		ProfitPercent:  pct,
		ProfitAbsolute: spread * qty,
		Duration:       dur.Round(time.Second),
	}
}

// fillQuantity picks the quantity a cycle's profit is realized over: the
// smaller of the two legs' filled sizes when both are known, else whichever
// one is.
func fillQuantity(open, close float64) float64 {
	switch {
	case open > 0 && close > 0:
		return math.Min(open, close)
	case open > 0:
		return open
	default:
		return close
	}
}
