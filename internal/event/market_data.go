package event

import "fmt"

// MarkPriceUpdate carries one oracle/AMM observation for a market outcome.
// Prices are fixed-point (1e6), fractions in basis points. This is the
// engine's only price input; the AMM curves that produce it are external.
type MarkPriceUpdate struct {
	MarketID      string
	OutcomeIndex  uint8
	MarkPrice     int64 // 1e6 scale
	Confidence    int64 // 1e6 scale, oracle confidence interval
	VolatilityBps int64 // realized volatility
	OpenInterest  int64 // total outstanding notional
	CoverageBps   int64 // vault value / open exposure
	PriceSequence int64
	Tick          int64
}

func (m *MarkPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d:%d", m.MarketID, m.OutcomeIndex, m.PriceSequence)
}

func (m *MarkPriceUpdate) EventType() EventType { return EventTypeMarkPriceUpdate }

func (m *MarkPriceUpdate) Market() *string { return &m.MarketID }

func (m *MarkPriceUpdate) SourceSequence() int64 { return m.PriceSequence }

func (m *MarkPriceUpdate) TickAt() int64 { return m.Tick }
