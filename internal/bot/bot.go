// Package bot wires the gateway, grid engine, protection machine, and
// signal adapter into a single event-processing loop per symbol.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/api"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/protection"
	"binance-grid-bot/internal/signal"

	"github.com/rs/zerolog"
)

// barInterval groups raw ticks into the bars fed to the protection machine.
const barInterval = time.Minute

// maxTickJump rejects a price moving more than this fraction in one tick.
const maxTickJump = 0.10

// Bot runs the trading loop for one symbol.
type Bot struct {
	cfg     *config.Config
	gateway binance.Gateway
	engine  *grid.Engine
	machine *protection.Machine
	adapter *signal.Adapter

	marketStream *binance.MarketStream
	userStream   *binance.UserDataStream
	bus          *events.Bus
	logger       zerolog.Logger

	mu        sync.Mutex
	running   bool
	lastPrice float64
	startedAt time.Time

	lastTick          time.Time
	lastPositionSync  time.Time
	lastOrderSync     time.Time
	lastSignalRefresh time.Time

	barOpen     float64
	barOpenedAt time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New assembles a bot from its already-constructed components.
func New(
	cfg *config.Config,
	gateway binance.Gateway,
	engine *grid.Engine,
	machine *protection.Machine,
	adapter *signal.Adapter,
	marketStream *binance.MarketStream,
	userStream *binance.UserDataStream,
	bus *events.Bus,
	logger zerolog.Logger,
) *Bot {
	return &Bot{
		cfg:          cfg,
		gateway:      gateway,
		engine:       engine,
		machine:      machine,
		adapter:      adapter,
		marketStream: marketStream,
		userStream:   userStream,
		bus:          bus,
		logger:       logger.With().Str("component", "bot").Logger(),
		stopChan:     make(chan struct{}),
	}
}

// Start initializes exchange state and launches the event loop. Any
// initialization failure aborts startup entirely.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot already running")
	}
	b.running = true
	b.startedAt = time.Now()
	b.stopChan = make(chan struct{})
	b.mu.Unlock()

	gridCfg := b.cfg.GridConfig

	if err := b.gateway.SetDualSidePosition(ctx, true); err != nil {
		return fmt.Errorf("enabling hedge mode: %w", err)
	}
	if err := b.gateway.SetLeverage(ctx, gridCfg.Symbol, gridCfg.Leverage); err != nil {
		return fmt.Errorf("setting leverage: %w", err)
	}
	if err := b.gateway.LoadExchangeInfo(ctx); err != nil {
		return fmt.Errorf("loading exchange info: %w", err)
	}
	if err := b.engine.SyncPosition(ctx); err != nil {
		return fmt.Errorf("initial position snapshot: %w", err)
	}
	if err := b.engine.SyncPendingOrders(ctx); err != nil {
		return fmt.Errorf("initial order snapshot: %w", err)
	}
	if err := b.machine.Restore(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("could not restore protection state, starting fresh")
	}

	b.userStream.SetOrderUpdateCallback(b.handleOrderUpdate)
	if err := b.userStream.Start(ctx); err != nil {
		return fmt.Errorf("starting user data stream: %w", err)
	}
	if err := b.marketStream.Start(); err != nil {
		b.userStream.Stop()
		return fmt.Errorf("starting market stream: %w", err)
	}

	b.wg.Add(1)
	go b.run(ctx)

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventBotStarted,
			Data: map[string]interface{}{"symbol": gridCfg.Symbol},
		})
	}
	b.logger.Info().Str("symbol", gridCfg.Symbol).Msg("bot started")
	return nil
}

// Stop halts the event loop and both streams.
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopChan)
	b.marketStream.Stop()
	b.userStream.Stop()
	b.wg.Wait()

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventBotStopped,
			Data: map[string]interface{}{"symbol": b.cfg.GridConfig.Symbol},
		})
	}
	b.logger.Info().Msg("bot stopped")
}

// run consumes the price stream until stopped.
func (b *Bot) run(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ctx.Done():
			return
		case update, ok := <-b.marketStream.Updates():
			if !ok {
				return
			}
			b.handlePriceUpdate(ctx, update)
		}
	}
}

// handlePriceUpdate is the single event path: protection first, then
// periodic reconciliation, then the grid adjustment pass.
func (b *Bot) handlePriceUpdate(ctx context.Context, update binance.PriceUpdate) {
	now := time.Now()

	b.mu.Lock()
	if now.Sub(b.lastTick) < b.cfg.GridConfig.TickInterval {
		b.mu.Unlock()
		return
	}
	b.lastTick = now
	last := b.lastPrice
	b.mu.Unlock()

	price := (update.BidPrice + update.AskPrice) / 2
	if err := validatePrice(price, last); err != nil {
		b.logger.Warn().Err(err).Float64("price", price).Msg("price update rejected")
		return
	}

	b.mu.Lock()
	b.lastPrice = price
	b.mu.Unlock()

	b.machine.ObservePrice(ctx, price)
	b.observeBar(ctx, price, now)

	if b.machine.Hibernating() {
		b.machine.EvaluateHibernationEnd(ctx, now)
		return
	}

	b.runPeriodicTasks(ctx, now)
	b.engine.Adjust(ctx, update)
}

// validatePrice rejects non-positive prices and implausible single-tick
// jumps, keeping the last-known-good price in place.
func validatePrice(price, last float64) error {
	if price <= 0 {
		return fmt.Errorf("non-positive price %v", price)
	}
	if last > 0 {
		jump := (price - last) / last
		if jump > maxTickJump || jump < -maxTickJump {
			return fmt.Errorf("implausible jump from %v to %v", last, price)
		}
	}
	return nil
}

// observeBar accumulates ticks into fixed bars and feeds each closed bar
// to the protection machine. The engine's local view is cleared only once
// the machine confirms the flatten succeeded; a failed emergency sequence
// leaves the exchange positions in place and the engine must keep seeing
// them.
func (b *Bot) observeBar(ctx context.Context, price float64, now time.Time) {
	b.mu.Lock()
	if b.barOpenedAt.IsZero() {
		b.barOpen = price
		b.barOpenedAt = now
		b.mu.Unlock()
		return
	}
	if now.Sub(b.barOpenedAt) < barInterval {
		b.mu.Unlock()
		return
	}
	closed := protection.Bar{Open: b.barOpen, Close: price, Time: b.barOpenedAt}
	b.barOpen = price
	b.barOpenedAt = now
	b.mu.Unlock()

	if b.machine.OnBar(ctx, closed) && b.machine.Hibernating() {
		b.engine.ResetAfterFlatten()
	}
}

// runPeriodicTasks runs the timer-gated checks embedded in the price path.
func (b *Bot) runPeriodicTasks(ctx context.Context, now time.Time) {
	gridCfg := b.cfg.GridConfig

	if now.Sub(b.lastPositionSync) >= gridCfg.PositionSyncEvery {
		b.lastPositionSync = now
		if err := b.engine.SyncPosition(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("position sync failed")
		}
	}

	if now.Sub(b.lastOrderSync) >= gridCfg.OrderSyncEvery {
		b.lastOrderSync = now
		if err := b.engine.SyncPendingOrders(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("order sync failed")
		}
		b.cancelStaleEntries(ctx, now)
	}

	if now.Sub(b.lastSignalRefresh) >= b.cfg.SignalConfig.RefreshEvery {
		b.lastSignalRefresh = now
		adj, changed, err := b.adapter.Refresh(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("signal refresh failed")
		} else if changed {
			b.engine.ApplySignal(adj)
		}
	}
}

// cancelStaleEntries cancels entry orders resting longer than the order
// timeout; the next adjustment pass replaces them near the current price.
// Take-profit orders are exempt, they rest until filled.
func (b *Bot) cancelStaleEntries(ctx context.Context, now time.Time) {
	timeout := b.cfg.GridConfig.OrderTimeout
	if timeout <= 0 {
		return
	}

	orders, err := b.gateway.OpenOrders(ctx, b.cfg.GridConfig.Symbol)
	if err != nil {
		b.logger.Warn().Err(err).Msg("stale order check failed")
		return
	}

	canceled := false
	for _, o := range orders {
		if o.ReduceOnly || o.UpdateTime == 0 {
			continue
		}
		age := now.Sub(time.UnixMilli(o.UpdateTime))
		if age < timeout {
			continue
		}
		if err := b.gateway.CancelOrder(ctx, b.cfg.GridConfig.Symbol, o.OrderID); err != nil {
			b.logger.Warn().Err(err).Int64("order_id", o.OrderID).Msg("stale order cancel failed")
			continue
		}
		canceled = true
		b.logger.Info().Int64("order_id", o.OrderID).Dur("age", age).Msg("stale entry order canceled")
		if b.bus != nil {
			b.bus.Publish(events.Event{
				Type: events.EventOrderTimeout,
				Data: map[string]interface{}{"order_id": o.OrderID, "age": age.String()},
			})
		}
	}
	if canceled {
		if err := b.engine.SyncPendingOrders(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("post-cancel order sync failed")
		}
	}
}

// handleOrderUpdate forwards lifecycle events to the engine and reconciles
// against the exchange when an order reaches a terminal state.
func (b *Bot) handleOrderUpdate(update binance.OrderUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !b.engine.HandleOrderUpdate(ctx, update) {
		return
	}
	if err := b.engine.SyncPendingOrders(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("post-terminal order sync failed")
	}
	if update.Status == binance.OrderStatusFilled {
		if err := b.engine.SyncPosition(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("post-fill position sync failed")
		}
	}
}

// Status implements the API's status surface.
func (b *Bot) Status() api.BotStatus {
	b.mu.Lock()
	running := b.running
	lastPrice := b.lastPrice
	startedAt := b.startedAt
	b.mu.Unlock()

	return api.BotStatus{
		Symbol:      b.cfg.GridConfig.Symbol,
		Running:     running,
		Hibernating: b.machine.Hibernating(),
		LastPrice:   lastPrice,
		StartedAt:   startedAt,
		Grid:        b.engine.Snapshot(),
		Protection:  b.machine.Snapshot(),
		Signal:      b.adapter.Status(),
	}
}

var _ api.StatusProvider = (*Bot)(nil)
