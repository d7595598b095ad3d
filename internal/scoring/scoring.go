// Package scoring computes team returns for the portfolio variant.
package scoring

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/DoyleJ11/arena-backend/pkg/types"
)

// DefaultPrecision is the number of decimal places two scores must agree on
// to count as a tie.
const DefaultPrecision int32 = 2

// PercentChange returns (current-initial)/initial*100. A zero, negative or
// non-finite input yields 0 so one bad quote cannot poison a team mean.
func PercentChange(initial, current float64) float64 {
	if initial <= 0 || !finite(initial) || !finite(current) {
		return 0
	}
	return (current - initial) / initial * 100
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// TeamScore is the arithmetic mean of each asset's percent change from its
// reference price.
func TeamScore(team []types.Asset, prices map[string]float64) float64 {
	if len(team) == 0 {
		return 0
	}
	var sum float64
	for _, a := range team {
		cur, ok := prices[a.Symbol]
		if !ok {
			cur = a.ReferencePrice
		}
		sum += PercentChange(a.ReferencePrice, cur)
	}
	return sum / float64(len(team))
}

// Round fixes score to precision decimal places.
func Round(score float64, precision int32) float64 {
	if !finite(score) {
		return 0
	}
	f, _ := decimal.NewFromFloat(score).Round(precision).Float64()
	return f
}

// Compare orders a and b after rounding both to precision places.
func Compare(a, b float64, precision int32) int {
	if !finite(a) {
		a = 0
	}
	if !finite(b) {
		b = 0
	}
	da := decimal.NewFromFloat(a).Round(precision)
	db := decimal.NewFromFloat(b).Round(precision)
	return da.Cmp(db)
}

// Winner returns the player with the strictly highest rounded score, or ""
// when the top scores tie.
func Winner(scores map[string]float64, order []string, precision int32) string {
	best := ""
	tied := false
	for _, id := range order {
		s, ok := scores[id]
		if !ok {
			continue
		}
		if best == "" {
			best = id
			continue
		}
		switch Compare(s, scores[best], precision) {
		case 1:
			best, tied = id, false
		case 0:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return best
}

// Book keeps the last known good quote per symbol so a failed or partial
// lookup reuses the previous tick's price. A symbol with no quote yet scores
// against each holder's own reference price.
type Book struct {
	symbols map[string]struct{}
	last    map[string]float64
}

func NewBook(players []types.Player) *Book {
	b := &Book{
		symbols: make(map[string]struct{}),
		last:    make(map[string]float64),
	}
	for _, p := range players {
		for _, a := range p.Team {
			b.symbols[a.Symbol] = struct{}{}
		}
	}
	return b
}

// Symbols returns the union of held symbols.
func (b *Book) Symbols() []string {
	out := make([]string, 0, len(b.symbols))
	for s := range b.symbols {
		out = append(out, s)
	}
	return out
}

// Update merges quotes into the book. Missing, non-positive or non-finite
// quotes keep the previous price.
func (b *Book) Update(quotes map[string]float64) {
	for sym := range b.symbols {
		q, ok := quotes[sym]
		if !ok || q <= 0 || !finite(q) {
			continue
		}
		b.last[sym] = q
	}
}

// Prices returns the quoted symbols only.
func (b *Book) Prices() map[string]float64 {
	out := make(map[string]float64, len(b.last))
	for k, v := range b.last {
		out[k] = v
	}
	return out
}

// Snapshot scores every player against the current book.
func (b *Book) Snapshot(tick int, players []types.Player, precision int32, at time.Time) types.PriceSnapshot {
	prices := b.Prices()
	scores := make(map[string]float64, len(players))
	for _, p := range players {
		scores[p.ID] = Round(TeamScore(p.Team, prices), precision)
	}
	return types.PriceSnapshot{
		Tick:           tick,
		PricesBySymbol: prices,
		TeamScores:     scores,
		At:             at,
	}
}
