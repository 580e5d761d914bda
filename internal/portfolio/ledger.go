package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-fix/internal/types"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept on every monetary field.
const Scale int32 = 4

type positionEntry struct {
	mu   sync.Mutex
	pos  types.Position
	held bool
}

// Ledger owns one Position per symbol and applies fills with weighted
// average cost accounting. It performs no I/O.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*positionEntry

	listenerMu sync.RWMutex
	onHeld     []func(symbol string)
}

// NewLedger creates an empty position ledger
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*positionEntry)}
}

// OnHeld registers a listener called whenever a symbol goes from flat (or
// untracked) to holding a quantity. Listeners run on the caller's goroutine
// after the position lock is released.
func (l *Ledger) OnHeld(fn func(symbol string)) {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	l.onHeld = append(l.onHeld, fn)
}

func (l *Ledger) notifyHeld(symbol string) {
	l.listenerMu.RLock()
	listeners := append([]func(string){}, l.onHeld...)
	l.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(symbol)
	}
}

func (l *Ledger) lookup(symbol string) (*positionEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.positions[symbol]
	return e, ok
}

func (l *Ledger) getOrCreate(symbol string) *positionEntry {
	if e, ok := l.lookup(symbol); ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.positions[symbol]; ok {
		return e
	}
	e := &positionEntry{pos: flatPosition(symbol)}
	l.positions[symbol] = e
	return e
}

func flatPosition(symbol string) types.Position {
	return types.Position{
		Symbol:        symbol,
		AverageCost:   decimal.Zero,
		CurrentPrice:  decimal.Zero,
		MarketValue:   decimal.Zero,
		UnrealizedPnl: decimal.Zero,
		RealizedPnl:   decimal.Zero,
		TotalCost:     decimal.Zero,
	}
}

// ApplyFill books a fill against the symbol's position.
//
// Fills in the direction of the position (or on a flat position) blend into
// the average cost. Opposite fills close exposure first and realize P&L on
// the closed quantity; any residual opens the other side at exactly the fill
// price. A non-positive quantity is a no-op that returns the current state.
func (l *Ledger) ApplyFill(symbol string, side types.Side, qty int64, price decimal.Decimal) (types.Position, error) {
	if symbol == "" || !side.Valid() {
		return types.Position{}, fmt.Errorf("%w: fill needs a symbol and side", types.ErrInvalidRequest)
	}
	if qty <= 0 {
		if e, ok := l.lookup(symbol); ok {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.pos, nil
		}
		return flatPosition(symbol), nil
	}
	if price.IsNegative() {
		return types.Position{}, fmt.Errorf("%w: negative fill price %s", types.ErrInvalidRequest, price)
	}

	e := l.getOrCreate(symbol)
	e.mu.Lock()
	e.pos = applyFill(e.pos, side, qty, price, time.Now())
	pos := e.pos
	becameHeld := !e.held && !pos.IsFlat()
	e.held = !pos.IsFlat()
	e.mu.Unlock()

	if becameHeld {
		l.notifyHeld(symbol)
	}
	return pos, nil
}

func applyFill(p types.Position, side types.Side, qty int64, price decimal.Decimal, now time.Time) types.Position {
	dir := side.Direction()
	fillQty := decimal.NewFromInt(qty)
	oldAbs := abs(p.Quantity)

	if p.CurrentPrice.IsZero() {
		p.CurrentPrice = price
	}

	if p.Quantity == 0 || sign(p.Quantity) == dir {
		oldAbsDec := decimal.NewFromInt(oldAbs)
		cost := p.AverageCost.Mul(oldAbsDec).Add(price.Mul(fillQty))
		p.AverageCost = cost.DivRound(oldAbsDec.Add(fillQty), Scale)
		p.Quantity += qty * dir
	} else {
		closing := min(oldAbs, qty)
		closingDec := decimal.NewFromInt(closing)
		var realized decimal.Decimal
		if dir > 0 {
			// buying back a short
			realized = p.AverageCost.Sub(price).Mul(closingDec)
		} else {
			realized = price.Sub(p.AverageCost).Mul(closingDec)
		}
		p.RealizedPnl = p.RealizedPnl.Add(realized).Round(Scale)
		p.Quantity += closing * dir

		if residual := qty - closing; residual > 0 {
			p.Quantity += residual * dir
			p.AverageCost = price
		}
	}

	return revalue(p, now)
}

// revalue recomputes the fields derived from quantity, average cost and the
// current price.
func revalue(p types.Position, now time.Time) types.Position {
	if p.Quantity == 0 {
		p.AverageCost = decimal.Zero
		p.TotalCost = decimal.Zero
		p.MarketValue = decimal.Zero
		p.UnrealizedPnl = decimal.Zero
		p.LastUpdated = now
		return p
	}

	absQty := decimal.NewFromInt(abs(p.Quantity))
	p.TotalCost = p.AverageCost.Mul(absQty).Round(Scale)
	p.MarketValue = p.CurrentPrice.Mul(absQty).Round(Scale)
	if p.Quantity > 0 {
		p.UnrealizedPnl = p.CurrentPrice.Sub(p.AverageCost).Mul(absQty).Round(Scale)
	} else {
		p.UnrealizedPnl = p.AverageCost.Sub(p.CurrentPrice).Mul(absQty).Round(Scale)
	}
	p.LastUpdated = now
	return p
}

// UpdateMarkPrice sets the current price of a held symbol. Only the current
// price, market value and unrealized P&L change. The bool is false when the
// symbol is unknown or flat, in which case nothing happens.
func (l *Ledger) UpdateMarkPrice(symbol string, price decimal.Decimal) (types.Position, bool) {
	e, ok := l.lookup(symbol)
	if !ok || price.IsNegative() {
		return types.Position{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.IsFlat() {
		return e.pos, false
	}
	e.pos.CurrentPrice = price
	e.pos = revalue(e.pos, time.Now())
	return e.pos, true
}

// Get returns the position for symbol
func (l *Ledger) Get(symbol string) (types.Position, bool) {
	e, ok := l.lookup(symbol)
	if !ok {
		return types.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, true
}

// List returns every tracked position ordered by symbol
func (l *Ledger) List() []types.Position {
	return l.collect(false)
}

// Open returns the non-flat positions ordered by symbol
func (l *Ledger) Open() []types.Position {
	return l.collect(true)
}

func (l *Ledger) collect(openOnly bool) []types.Position {
	l.mu.RLock()
	entries := make([]*positionEntry, 0, len(l.positions))
	for _, e := range l.positions {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]types.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		pos := e.pos
		e.mu.Unlock()
		if openOnly && pos.IsFlat() {
			continue
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Held returns the symbols with a non-zero quantity
func (l *Ledger) Held() []string {
	open := l.Open()
	symbols := make([]string, 0, len(open))
	for _, p := range open {
		symbols = append(symbols, p.Symbol)
	}
	return symbols
}

// Summary totals market value and P&L across the open positions. Realized
// P&L includes positions that have since gone flat.
func (l *Ledger) Summary() types.PortfolioSummary {
	all := l.List()
	summary := types.PortfolioSummary{
		Positions:          make([]types.Position, 0, len(all)),
		TotalMarketValue:   decimal.Zero,
		TotalUnrealizedPnl: decimal.Zero,
		TotalRealizedPnl:   decimal.Zero,
		LastUpdated:        time.Now(),
	}
	for _, p := range all {
		summary.TotalRealizedPnl = summary.TotalRealizedPnl.Add(p.RealizedPnl)
		if p.IsFlat() {
			continue
		}
		summary.Positions = append(summary.Positions, p)
		summary.TotalMarketValue = summary.TotalMarketValue.Add(p.MarketValue)
		summary.TotalUnrealizedPnl = summary.TotalUnrealizedPnl.Add(p.UnrealizedPnl)
	}
	summary.OpenPositionCount = len(summary.Positions)
	summary.TotalPnl = summary.TotalRealizedPnl.Add(summary.TotalUnrealizedPnl)
	return summary
}

// Clear forgets one symbol. This is a data reset, not a trade.
func (l *Ledger) Clear(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.positions[symbol]
	delete(l.positions, symbol)
	return ok
}

// Restore loads persisted positions at startup
func (l *Ledger) Restore(positions []types.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		l.positions[p.Symbol] = &positionEntry{pos: p, held: !p.IsFlat()}
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int64) int64 {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
