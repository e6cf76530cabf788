package state

import (
	"testing"

	"github.com/google/uuid"

	"github.com/gary322/flashbets-sub012/internal/event"
)

func makePosition(size int64) *Position {
	return &Position{
		ID:               uuid.New(),
		Owner:            uuid.New(),
		MarketID:         "mkt-1",
		Side:             event.SideLong,
		Size:             size,
		Notional:         size * 10,
		Leverage:         10,
		EntryPrice:       1_000_000,
		LiquidationPrice: 910_000,
	}
}

func TestReduceSizePartialThenFull(t *testing.T) {
	p := makePosition(1_000)

	p.ReduceSize(400)
	if p.Size != 600 || p.LiquidatedSize != 400 || p.Closed {
		t.Fatalf("after partial: size %d, liquidated %d, closed %v", p.Size, p.LiquidatedSize, p.Closed)
	}

	p.ReduceSize(600)
	if p.Size != 0 || p.LiquidatedSize != 1_000 {
		t.Fatalf("after full: size %d, liquidated %d", p.Size, p.LiquidatedSize)
	}
	if !p.Closed {
		t.Error("closed must flip exactly when size reaches zero")
	}
}

func TestReduceSizeClampsAtRemaining(t *testing.T) {
	p := makePosition(500)
	p.ReduceSize(9_999)
	if p.Size != 0 || p.LiquidatedSize != 500 {
		t.Errorf("size %d, liquidated %d; overfill must clamp", p.Size, p.LiquidatedSize)
	}
}

func TestPositionManagerIndex(t *testing.T) {
	pm := NewPositionManager()
	a := makePosition(100)
	b := makePosition(200)
	b.MarketID = "mkt-2"
	pm.Put(a)
	pm.Put(b)

	if pm.Count() != 2 {
		t.Fatalf("Count = %d, want 2", pm.Count())
	}
	if got := pm.MarketPositionIDs("mkt-1"); len(got) != 1 || got[0] != a.ID {
		t.Errorf("mkt-1 ids = %v, want [%s]", got, a.ID)
	}

	pm.Remove(a.ID)
	if pm.Get(a.ID) != nil {
		t.Error("removed position must be gone")
	}
	if got := pm.MarketPositionIDs("mkt-1"); len(got) != 0 {
		t.Errorf("mkt-1 ids after removal = %v, want empty", got)
	}
	if pm.Get(b.ID) == nil {
		t.Error("other market's position must survive")
	}
}
