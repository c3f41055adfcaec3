package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/protection"
	"binance-grid-bot/internal/signal"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu    sync.Mutex
	state *protection.State
}

func (s *fakeStore) Save(ctx context.Context, state *protection.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.state = &cp
	return nil
}

func (s *fakeStore) Load(ctx context.Context) (*protection.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeExecutor) Execute(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.err
}

func testBotConfig() *config.Config {
	return &config.Config{
		GridConfig: config.GridConfig{
			Symbol:            "XRPUSDC",
			GridSpacing:       0.001,
			InitialQuantity:   3,
			Leverage:          10,
			PositionThreshold: 500,
			PositionLimit:     200,
			OrderFirstTime:    10 * time.Second,
			OrderTimeout:      5 * time.Minute,
			TickInterval:      0,
			PositionSyncEvery: 30 * time.Second,
			OrderSyncEvery:    time.Minute,
		},
		SignalConfig: config.SignalConfig{
			RefreshEvery:  time.Hour,
			KlineInterval: "1h",
			KlineLimit:    250,
			ADXThreshold:  25,
		},
	}
}

func newTestBot(t *testing.T, gw *binance.MockGateway) (*Bot, *fakeStore, *fakeExecutor) {
	t.Helper()
	cfg := testBotConfig()

	engine := grid.NewEngine(gw, grid.Config{
		Symbol:            cfg.GridConfig.Symbol,
		GridSpacing:       cfg.GridConfig.GridSpacing,
		InitialQuantity:   cfg.GridConfig.InitialQuantity,
		PositionThreshold: cfg.GridConfig.PositionThreshold,
		PositionLimit:     cfg.GridConfig.PositionLimit,
		OrderFirstTime:    cfg.GridConfig.OrderFirstTime,
	}, nil, nil, zerolog.Nop())

	store := &fakeStore{}
	executor := &fakeExecutor{}
	machine := protection.NewMachine(protection.Config{
		Symbol:              cfg.GridConfig.Symbol,
		ExtremeThreshold:    11.0,
		NoiseThreshold:      0.1,
		ATRPeriod:           14,
		BaselineMinSamples:  20,
		RecoveryMultiplier:  1.5,
		HibernationDuration: 24 * time.Hour,
	}, store, executor, nil, zerolog.Nop())

	adapter := signal.NewAdapter(gw, signal.DefaultConfig(cfg.GridConfig.Symbol), nil, zerolog.Nop())

	return New(cfg, gw, engine, machine, adapter, nil, nil, nil, zerolog.Nop()), store, executor
}

func TestValidatePrice(t *testing.T) {
	cases := []struct {
		name    string
		price   float64
		last    float64
		wantErr bool
	}{
		{"normal", 0.5005, 0.5, false},
		{"no history", 0.5, 0, false},
		{"zero", 0, 0.5, true},
		{"negative", -1, 0.5, true},
		{"jump up", 0.6, 0.5, true},
		{"jump down", 0.4, 0.5, true},
		{"at boundary", 0.55, 0.5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePrice(tc.price, tc.last)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validatePrice(%v, %v) err = %v, want error %v", tc.price, tc.last, err, tc.wantErr)
			}
		})
	}
}

func TestFirstUpdatePlacesInitialEntries(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	gw.SetMarket(0.4999, 0.5001)
	bot, _, _ := newTestBot(t, gw)

	bot.handlePriceUpdate(context.Background(), binance.PriceUpdate{
		Symbol: "XRPUSDC", BidPrice: 0.4999, AskPrice: 0.5001,
	})

	if got := gw.OpenOrderCount(); got != 2 {
		t.Fatalf("open orders = %d, want 2 initial entries", got)
	}
	var long, short bool
	for _, p := range gw.Placed {
		switch p.PositionSide {
		case binance.PositionSideLong:
			long = true
			if p.Price != 0.4999 {
				t.Errorf("long entry at %v, want best bid 0.4999", p.Price)
			}
		case binance.PositionSideShort:
			short = true
			if p.Price != 0.5001 {
				t.Errorf("short entry at %v, want best ask 0.5001", p.Price)
			}
		}
	}
	if !long || !short {
		t.Fatalf("expected one entry per position side, got %+v", gw.Placed)
	}
}

func TestTickIntervalGatesProcessing(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	gw.SetMarket(0.4999, 0.5001)
	bot, _, _ := newTestBot(t, gw)
	bot.cfg.GridConfig.TickInterval = time.Hour

	update := binance.PriceUpdate{Symbol: "XRPUSDC", BidPrice: 0.4999, AskPrice: 0.5001}
	bot.handlePriceUpdate(context.Background(), update)
	placed := len(gw.Placed)
	if placed == 0 {
		t.Fatal("first update should pass the tick gate")
	}

	bot.handlePriceUpdate(context.Background(), update)
	if len(gw.Placed) != placed {
		t.Fatalf("second update within the tick interval placed orders: %d -> %d", placed, len(gw.Placed))
	}
}

func TestRejectedPriceKeepsLastKnownGood(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	gw.SetMarket(0.4999, 0.5001)
	bot, _, _ := newTestBot(t, gw)

	bot.handlePriceUpdate(context.Background(), binance.PriceUpdate{
		Symbol: "XRPUSDC", BidPrice: 0.4999, AskPrice: 0.5001,
	})
	bot.handlePriceUpdate(context.Background(), binance.PriceUpdate{
		Symbol: "XRPUSDC", BidPrice: 0.6999, AskPrice: 0.7001,
	})
	if got := bot.Status().LastPrice; got != 0.5 {
		t.Fatalf("last price = %v, want 0.5 after rejecting a 40%% jump", got)
	}

	bot.handlePriceUpdate(context.Background(), binance.PriceUpdate{
		Symbol: "XRPUSDC", BidPrice: 0.5049, AskPrice: 0.5051,
	})
	if got := bot.Status().LastPrice; got != 0.505 {
		t.Fatalf("last price = %v, want a plausible move accepted", got)
	}
}

func TestHibernationSuppressesTrading(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	gw.SetMarket(0.4999, 0.5001)
	bot, store, _ := newTestBot(t, gw)

	store.Save(context.Background(), &protection.State{
		Active:          true,
		HibernationFrom: time.Now().Add(-time.Hour),
		UpdatedAt:       time.Now(),
	})
	if err := bot.machine.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	bot.handlePriceUpdate(context.Background(), binance.PriceUpdate{
		Symbol: "XRPUSDC", BidPrice: 0.4999, AskPrice: 0.5001,
	})
	if len(gw.Placed) != 0 {
		t.Fatalf("placed %d orders while hibernating, want 0", len(gw.Placed))
	}
}

func TestExtremeBarTripsAndClearsEngine(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	bot, _, executor := newTestBot(t, gw)

	gw.SetPosition(12, 0)
	if err := bot.engine.SyncPosition(context.Background()); err != nil {
		t.Fatalf("SyncPosition: %v", err)
	}

	start := time.Now().Add(-2 * time.Minute)
	bot.observeBar(context.Background(), 0.50, start)
	bot.observeBar(context.Background(), 0.56, start.Add(time.Minute+time.Second))

	executor.mu.Lock()
	calls := executor.calls
	executor.mu.Unlock()
	if calls != 1 {
		t.Fatalf("executor calls = %d, want 1", calls)
	}
	if !bot.machine.Hibernating() {
		t.Fatal("machine should hibernate after a 12 percent bar")
	}
	long, short := bot.engine.Positions()
	if long != 0 || short != 0 {
		t.Fatalf("engine positions = %v/%v, want cleared after flatten", long, short)
	}
}

func TestFailedFlattenKeepsEngineView(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	bot, _, executor := newTestBot(t, gw)
	executor.err = errors.New("cancel rejected")

	gw.SetPosition(600, 100)
	if err := bot.engine.SyncPosition(context.Background()); err != nil {
		t.Fatalf("SyncPosition: %v", err)
	}

	start := time.Now().Add(-2 * time.Minute)
	bot.observeBar(context.Background(), 0.50, start)
	bot.observeBar(context.Background(), 0.56, start.Add(time.Minute+time.Second))

	if bot.machine.Hibernating() {
		t.Fatal("machine must not hibernate when the emergency sequence fails")
	}
	long, short := bot.engine.Positions()
	if long != 600 || short != 100 {
		t.Fatalf("engine positions = %v/%v, want 600/100 preserved while the exchange still holds them", long, short)
	}
}

func TestBarShorterThanIntervalStaysOpen(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	bot, _, executor := newTestBot(t, gw)

	start := time.Now()
	bot.observeBar(context.Background(), 0.50, start)
	bot.observeBar(context.Background(), 0.60, start.Add(10*time.Second))

	executor.mu.Lock()
	calls := executor.calls
	executor.mu.Unlock()
	if calls != 0 {
		t.Fatal("mid-bar ticks must not close a bar")
	}
}

func TestCancelStaleEntries(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	bot, _, _ := newTestBot(t, gw)
	ctx := context.Background()

	stale, err := gw.PlaceOrder(ctx, binance.OrderParams{
		Symbol: "XRPUSDC", Side: binance.OrderSideBuy, PositionSide: binance.PositionSideLong,
		Price: 0.49, Quantity: 3,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	fresh, err := gw.PlaceOrder(ctx, binance.OrderParams{
		Symbol: "XRPUSDC", Side: binance.OrderSideBuy, PositionSide: binance.PositionSideLong,
		Price: 0.495, Quantity: 3,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	tp, err := gw.PlaceOrder(ctx, binance.OrderParams{
		Symbol: "XRPUSDC", Side: binance.OrderSideSell, PositionSide: binance.PositionSideLong,
		Price: 0.51, Quantity: 3, ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	now := time.Now()
	gw.SetOrderUpdateTime(stale.OrderID, now.Add(-10*time.Minute).UnixMilli())
	gw.SetOrderUpdateTime(fresh.OrderID, now.Add(-time.Minute).UnixMilli())
	gw.SetOrderUpdateTime(tp.OrderID, now.Add(-10*time.Minute).UnixMilli())

	bot.cancelStaleEntries(ctx, now)

	if _, err := gw.GetOrder(ctx, "XRPUSDC", stale.OrderID); err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	orders, err := gw.OpenOrders(ctx, "XRPUSDC")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("open orders = %d, want the stale entry gone and the rest kept", len(orders))
	}
	for _, o := range orders {
		if o.OrderID == stale.OrderID {
			t.Fatal("stale entry order still resting")
		}
	}
}

func TestStaleCheckSkipsOrdersWithoutTimestamp(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	bot, _, _ := newTestBot(t, gw)
	ctx := context.Background()

	if _, err := gw.PlaceOrder(ctx, binance.OrderParams{
		Symbol: "XRPUSDC", Side: binance.OrderSideBuy, PositionSide: binance.PositionSideLong,
		Price: 0.49, Quantity: 3,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	bot.cancelStaleEntries(ctx, time.Now().Add(time.Hour))
	if got := gw.OpenOrderCount(); got != 1 {
		t.Fatalf("open orders = %d, an order with no update time must not be aged", got)
	}
}

func TestOrderFillResyncsPosition(t *testing.T) {
	gw := binance.NewMockGateway(0.5)
	bot, _, _ := newTestBot(t, gw)

	gw.SetPosition(3, 0)
	bot.handleOrderUpdate(binance.OrderUpdate{
		Symbol:       "XRPUSDC",
		OrderID:      1,
		Side:         binance.OrderSideBuy,
		PositionSide: binance.PositionSideLong,
		Status:       binance.OrderStatusFilled,
		Price:        0.4995,
		OrigQty:      3,
		FilledQty:    3,
		AvgPrice:     0.4995,
	})

	long, _ := bot.engine.Positions()
	if long != 3 {
		t.Fatalf("long position = %v, want 3 from post-fill resync", long)
	}
}
