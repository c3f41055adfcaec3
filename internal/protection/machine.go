package protection

import (
	"context"
	"math"
	"sync"
	"time"

	"binance-grid-bot/internal/events"

	"github.com/rs/zerolog"
)

// Config holds the protection parameters.
type Config struct {
	Symbol              string
	ExtremeThreshold    float64 // cumulative % move that trips protection
	NoiseThreshold      float64 // % below which a bar is neutral
	ATRPeriod           int
	BaselineMinSamples  int
	RecoveryMultiplier  float64
	HibernationDuration time.Duration
}

// StateStore persists protection state across restarts.
type StateStore interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context) (*State, error)
}

// EmergencyExecutor runs the cancel-all plus flatten sequence. It returns
// nil only when every cancellation and every flatten completed.
type EmergencyExecutor interface {
	Execute(ctx context.Context) error
}

// Machine tracks directional runs over closed bars and a volatility
// baseline over raw price deltas. When a run's cumulative move reaches the
// extreme threshold it executes the emergency sequence and hibernates.
type Machine struct {
	cfg      Config
	store    StateStore
	executor EmergencyExecutor
	bus      *events.Bus
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	lastPrice float64
	deltas    []float64 // most recent |price deltas|, ATRPeriod window
	samples   []float64 // ATR samples accumulated toward the baseline

	// tripMu makes the emergency sequence single-flight: a second
	// qualifying bar arriving while a trip is in progress waits and then
	// observes the already-active state.
	tripMu sync.Mutex
}

// NewMachine creates a protection machine. bus may be nil.
func NewMachine(cfg Config, store StateStore, executor EmergencyExecutor, bus *events.Bus, logger zerolog.Logger) *Machine {
	return &Machine{
		cfg:      cfg,
		store:    store,
		executor: executor,
		bus:      bus,
		logger:   logger.With().Str("component", "protection").Logger(),
		state:    State{Direction: DirectionNeutral},
	}
}

// Restore loads persisted state, if any. A fresh start keeps the zero
// state and re-learns the baseline.
func (m *Machine) Restore(ctx context.Context) error {
	state, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	m.mu.Lock()
	m.state = *state
	m.mu.Unlock()

	m.logger.Info().
		Bool("active", state.Active).
		Str("direction", string(state.Direction)).
		Float64("baseline_atr", state.BaselineATR).
		Msg("protection state restored")
	return nil
}

// ObservePrice feeds one raw price into the volatility estimate. The
// baseline is captured once, after enough ATR samples accumulated, and is
// never recomputed.
func (m *Machine) ObservePrice(ctx context.Context, price float64) {
	m.mu.Lock()

	if m.lastPrice > 0 {
		m.deltas = append(m.deltas, math.Abs(price-m.lastPrice))
		if len(m.deltas) > m.cfg.ATRPeriod {
			m.deltas = m.deltas[1:]
		}
		if len(m.deltas) == m.cfg.ATRPeriod && m.state.BaselineATR == 0 {
			m.samples = append(m.samples, mean(m.deltas))
		}
	}
	m.lastPrice = price

	captured := false
	if m.state.BaselineATR == 0 && len(m.samples) >= m.cfg.BaselineMinSamples {
		m.state.BaselineATR = mean(m.samples)
		m.state.UpdatedAt = time.Now()
		m.samples = nil
		captured = true
	}
	state := m.state
	m.mu.Unlock()

	if captured {
		m.logger.Info().Float64("baseline_atr", state.BaselineATR).Msg("volatility baseline captured")
		if err := m.store.Save(ctx, &state); err != nil {
			m.logger.Warn().Err(err).Msg("failed to persist baseline")
		}
	}
}

// CurrentATR returns the rolling mean of recent absolute price deltas, or
// zero before a full window accumulated.
func (m *Machine) CurrentATR() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.deltas) < m.cfg.ATRPeriod {
		return 0
	}
	return mean(m.deltas)
}

// OnBar ingests one closed bar and runs the trip check. It returns true
// when the bar tripped protection.
func (m *Machine) OnBar(ctx context.Context, bar Bar) bool {
	m.mu.Lock()
	if m.state.Active {
		m.mu.Unlock()
		return false
	}

	change := bar.change()
	direction := DirectionNeutral
	switch {
	case change > m.cfg.NoiseThreshold:
		direction = DirectionUp
	case change < -m.cfg.NoiseThreshold:
		direction = DirectionDown
	}

	switch {
	case direction == DirectionNeutral:
		// One quiet bar cancels the whole run.
		m.state.Direction = DirectionNeutral
		m.state.BarCount = 0
		m.state.CumulativeMove = 0
		m.state.RunStartPrice = 0
	case direction == m.state.Direction:
		m.state.BarCount++
		m.state.CumulativeMove = math.Abs(bar.Close-m.state.RunStartPrice) / m.state.RunStartPrice * 100
	default:
		// Direction flip: the new run starts at this bar's open.
		m.state.Direction = direction
		m.state.BarCount = 1
		m.state.RunStartPrice = bar.Open
		m.state.RunStartTime = bar.Time
		m.state.CumulativeMove = math.Abs(change)
	}
	m.state.UpdatedAt = time.Now()

	cumulative := m.state.CumulativeMove
	runDirection := m.state.Direction
	state := m.state
	m.mu.Unlock()

	if err := m.store.Save(ctx, &state); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist run state")
	}

	if runDirection != DirectionNeutral && cumulative >= m.cfg.ExtremeThreshold {
		m.logger.Warn().
			Str("direction", string(runDirection)).
			Float64("cumulative_move", cumulative).
			Msg("extreme move detected, triggering protection")
		m.Trip(ctx, runDirection, cumulative)
		return true
	}
	return false
}

// Trip runs the emergency sequence and, only on full success, marks
// protection active and stamps the hibernation start. A partial failure
// leaves protection inactive.
func (m *Machine) Trip(ctx context.Context, direction Direction, cumulative float64) {
	m.tripMu.Lock()
	defer m.tripMu.Unlock()

	m.mu.Lock()
	if m.state.Active {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.executor.Execute(ctx); err != nil {
		m.logger.Error().Err(err).
			Msg("emergency sequence incomplete, protection NOT activated")
		if m.bus != nil {
			m.bus.PublishError("protection", "emergency sequence incomplete", err)
		}
		return
	}

	m.mu.Lock()
	m.state.Active = true
	m.state.HibernationFrom = time.Now()
	m.state.UpdatedAt = m.state.HibernationFrom
	state := m.state
	m.mu.Unlock()

	if err := m.store.Save(ctx, &state); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist hibernation state")
	}
	m.logger.Warn().Time("until_at_least", state.HibernationFrom.Add(m.cfg.HibernationDuration)).
		Msg("protection active, hibernating")
	if m.bus != nil {
		m.bus.PublishProtectionTripped(m.cfg.Symbol, string(direction), cumulative)
	}
}

// Hibernating reports whether protection is active.
func (m *Machine) Hibernating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Active
}

// EvaluateHibernationEnd checks both exit conditions and clears protection
// when they hold: the hibernation window elapsed and current volatility
// recovered to within the multiplier of the baseline. Returns true when
// hibernation ended.
func (m *Machine) EvaluateHibernationEnd(ctx context.Context, now time.Time) bool {
	m.mu.Lock()
	if !m.state.Active {
		m.mu.Unlock()
		return false
	}
	elapsed := now.Sub(m.state.HibernationFrom)
	baseline := m.state.BaselineATR
	windowFull := len(m.deltas) >= m.cfg.ATRPeriod
	var current float64
	if windowFull {
		current = mean(m.deltas)
	}
	m.mu.Unlock()

	if elapsed < m.cfg.HibernationDuration {
		return false
	}
	if baseline > 0 {
		// After a restart the delta window refills from live ticks; until
		// it is full there is no volatility evidence either way, so stay
		// hibernating.
		if !windowFull {
			return false
		}
		if current > baseline*m.cfg.RecoveryMultiplier {
			m.logger.Info().
				Float64("current_atr", current).
				Float64("limit", baseline*m.cfg.RecoveryMultiplier).
				Msg("hibernation window elapsed but volatility still elevated")
			return false
		}
	}

	m.mu.Lock()
	m.state.Active = false
	m.state.HibernationFrom = time.Time{}
	m.state.Direction = DirectionNeutral
	m.state.BarCount = 0
	m.state.CumulativeMove = 0
	m.state.RunStartPrice = 0
	m.state.UpdatedAt = time.Now()
	state := m.state
	m.mu.Unlock()

	if err := m.store.Save(ctx, &state); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist hibernation end")
	}
	m.logger.Info().Msg("hibernation over, resuming normal trading")
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventProtectionCleared,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"symbol": m.cfg.Symbol},
		})
	}
	return true
}

// Persist writes the current state to the store. Called on shutdown so a
// restart resumes from the latest run, not just the last bar.
func (m *Machine) Persist(ctx context.Context) error {
	state := m.Snapshot()
	return m.store.Save(ctx, &state)
}

// Snapshot returns a copy of the current protection state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
