package protection

import (
	"context"
	"errors"
	"testing"
	"time"

	"binance-grid-bot/internal/binance"

	"github.com/rs/zerolog"
)

func newTestExecutor(mock *binance.MockGateway) *Executor {
	e := NewExecutor(mock, "XRPUSDC", 0.005, 200*time.Millisecond, zerolog.Nop())
	e.pollInterval = 10 * time.Millisecond
	return e
}

// fillFlattenOrders fills every reduce-only order as it appears, emulating
// an aggressively priced limit order crossing the book.
func fillFlattenOrders(ctx context.Context, mock *binance.MockGateway) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
		orders, err := mock.OpenOrders(ctx, "XRPUSDC")
		if err != nil {
			continue
		}
		for _, o := range orders {
			if o.ReduceOnly {
				mock.FillOrder(o.OrderID)
			}
		}
	}
}

func TestExecuteCancelsAndFlattens(t *testing.T) {
	mock := binance.NewMockGateway(0.5)
	ctx := context.Background()

	mock.PlaceOrder(ctx, binance.OrderParams{
		Symbol: "XRPUSDC", Side: binance.OrderSideBuy,
		PositionSide: binance.PositionSideLong, Quantity: 3, Price: 0.499,
	})
	mock.PlaceOrder(ctx, binance.OrderParams{
		Symbol: "XRPUSDC", Side: binance.OrderSideSell,
		PositionSide: binance.PositionSideShort, Quantity: 3, Price: 0.501,
	})
	mock.SetPosition(30, 20)

	fillCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go fillFlattenOrders(fillCtx, mock)

	if err := newTestExecutor(mock).Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	long, short, _ := mock.Position(ctx, "XRPUSDC")
	if long != 0 || short != 0 {
		t.Errorf("positions = %v/%v after flatten, want 0/0", long, short)
	}
	if n := mock.OpenOrderCount(); n != 0 {
		t.Errorf("%d orders still resting, want 0", n)
	}
}

func TestExecuteFlattenPricesThroughTheTouch(t *testing.T) {
	mock := binance.NewMockGateway(0.5)
	ctx := context.Background()
	mock.SetPosition(30, 20)

	fillCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go fillFlattenOrders(fillCtx, mock)

	if err := newTestExecutor(mock).Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var sawLong, sawShort bool
	for _, p := range mock.Placed {
		if !p.ReduceOnly {
			t.Errorf("flatten order %s/%s not reduce-only", p.Side, p.PositionSide)
		}
		switch p.PositionSide {
		case binance.PositionSideLong:
			sawLong = true
			// 0.5 * (1 - 0.005), floored to 4 decimals
			if p.Side != binance.OrderSideSell || p.Price != 0.4975 {
				t.Errorf("long flatten = %s @ %v, want SELL @ 0.4975", p.Side, p.Price)
			}
		case binance.PositionSideShort:
			sawShort = true
			if p.Side != binance.OrderSideBuy || p.Price != 0.5025 {
				t.Errorf("short flatten = %s @ %v, want BUY @ 0.5025", p.Side, p.Price)
			}
		}
	}
	if !sawLong || !sawShort {
		t.Errorf("flatten orders missing: long=%v short=%v", sawLong, sawShort)
	}
}

func TestExecuteFailsWhenCancelFails(t *testing.T) {
	mock := binance.NewMockGateway(0.5)
	ctx := context.Background()

	mock.PlaceOrder(ctx, binance.OrderParams{
		Symbol: "XRPUSDC", Side: binance.OrderSideBuy,
		PositionSide: binance.PositionSideLong, Quantity: 3, Price: 0.499,
	})
	mock.FailCancel = errors.New("rpc timeout")
	mock.SetPosition(30, 0)

	err := newTestExecutor(mock).Execute(ctx)
	if err == nil {
		t.Fatal("execute succeeded despite a failed cancellation")
	}
	// The flatten step must not have run.
	if len(mock.Placed) != 1 {
		t.Errorf("flatten orders placed after failed cancellation: %d placements", len(mock.Placed)-1)
	}
}

func TestExecuteFailsOnFlattenTimeout(t *testing.T) {
	mock := binance.NewMockGateway(0.5)
	ctx := context.Background()
	mock.SetPosition(30, 0)

	// Nobody fills the flatten order: the bounded wait must expire.
	err := newTestExecutor(mock).Execute(ctx)
	if err == nil {
		t.Fatal("execute succeeded with an unfilled flatten order")
	}
}

func TestExecuteNoPositionsIsNoOp(t *testing.T) {
	mock := binance.NewMockGateway(0.5)

	if err := newTestExecutor(mock).Execute(context.Background()); err != nil {
		t.Fatalf("execute on flat book: %v", err)
	}
	if len(mock.Placed) != 0 {
		t.Errorf("placed %d orders with nothing to do, want 0", len(mock.Placed))
	}
}
