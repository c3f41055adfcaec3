package protection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu    sync.Mutex
	state *State
	saves int
}

func (f *fakeStore) Save(ctx context.Context, state *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *state
	f.state = &copied
	f.saves++
	return nil
}

func (f *fakeStore) Load(ctx context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return nil, nil
	}
	copied := *f.state
	return &copied, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeExecutor) Execute(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testMachineConfig() Config {
	return Config{
		Symbol:              "XRPUSDC",
		ExtremeThreshold:    11.0,
		NoiseThreshold:      0.1,
		ATRPeriod:           14,
		BaselineMinSamples:  20,
		RecoveryMultiplier:  1.5,
		HibernationDuration: 24 * time.Hour,
	}
}

func newTestMachine(t *testing.T) (*Machine, *fakeStore, *fakeExecutor) {
	t.Helper()
	store := &fakeStore{}
	executor := &fakeExecutor{}
	machine := NewMachine(testMachineConfig(), store, executor, nil, zerolog.Nop())
	return machine, store, executor
}

func bar(open, close float64) Bar {
	return Bar{Open: open, Close: close, Time: time.Now()}
}

func TestNeutralBarResetsRun(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 101)) // +1%, starts an up run
	machine.OnBar(ctx, bar(101, 103)) // continues

	state := machine.Snapshot()
	if state.Direction != DirectionUp || state.BarCount != 2 {
		t.Fatalf("run = %s/%d, want up/2", state.Direction, state.BarCount)
	}
	if state.CumulativeMove <= 0 {
		t.Fatalf("cumulative = %v, want > 0", state.CumulativeMove)
	}

	// A 0.05% bar is inside the 0.1% noise band: fully resets everything.
	machine.OnBar(ctx, bar(103, 103.05))

	state = machine.Snapshot()
	if state.Direction != DirectionNeutral {
		t.Errorf("direction = %s after neutral bar, want neutral", state.Direction)
	}
	if state.BarCount != 0 {
		t.Errorf("bar count = %d after neutral bar, want 0", state.BarCount)
	}
	if state.CumulativeMove != 0 {
		t.Errorf("cumulative = %v after neutral bar, want 0", state.CumulativeMove)
	}
}

func TestDirectionFlipStartsNewRunAtBarOpen(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 102)) // up run
	machine.OnBar(ctx, bar(102, 100)) // flips down

	state := machine.Snapshot()
	if state.Direction != DirectionDown {
		t.Fatalf("direction = %s, want down", state.Direction)
	}
	if state.RunStartPrice != 102 {
		t.Errorf("run start = %v, want the flipping bar's open 102", state.RunStartPrice)
	}
	if state.BarCount != 1 {
		t.Errorf("bar count = %d, want 1", state.BarCount)
	}
	// |100-102|/102 * 100
	want := 2.0 / 102 * 100
	if diff := state.CumulativeMove - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cumulative = %v, want %v", state.CumulativeMove, want)
	}
}

func TestCumulativeRecomputedFromRunStart(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 102))
	machine.OnBar(ctx, bar(102, 105))

	state := machine.Snapshot()
	// From run start 100 to latest close 105.
	if state.CumulativeMove != 5.0 {
		t.Errorf("cumulative = %v, want 5.0", state.CumulativeMove)
	}
}

func TestTripExactlyAtThreshold(t *testing.T) {
	machine, _, executor := newTestMachine(t)
	ctx := context.Background()

	// Run start 100, close 110.8: cumulative 10.8, must not trip.
	machine.OnBar(ctx, bar(100, 105))
	if tripped := machine.OnBar(ctx, bar(105, 110.8)); tripped {
		t.Fatal("tripped at 10.8, threshold is 11.0")
	}
	if executor.callCount() != 0 {
		t.Fatal("executor ran below threshold")
	}

	// Close 111: cumulative exactly 11.0 trips.
	if tripped := machine.OnBar(ctx, bar(110.8, 111)); !tripped {
		t.Fatal("did not trip at exactly 11.0")
	}
	if executor.callCount() != 1 {
		t.Fatalf("executor ran %d times, want 1", executor.callCount())
	}
	if !machine.Hibernating() {
		t.Error("protection not active after successful emergency sequence")
	}
}

func TestDownRunTrips(t *testing.T) {
	machine, _, executor := newTestMachine(t)
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 95))
	if tripped := machine.OnBar(ctx, bar(95, 88)); !tripped {
		t.Fatal("12% down run did not trip")
	}
	if executor.callCount() != 1 {
		t.Fatalf("executor ran %d times, want 1", executor.callCount())
	}
}

func TestPartialFailureLeavesProtectionInactive(t *testing.T) {
	machine, store, executor := newTestMachine(t)
	executor.err = errors.New("flatten order 42 not filled within 30s")
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 112))

	if machine.Hibernating() {
		t.Error("protection active despite incomplete emergency sequence")
	}
	if store.state != nil && store.state.Active {
		t.Error("active state persisted despite incomplete emergency sequence")
	}
}

func TestBarsIgnoredWhileHibernating(t *testing.T) {
	machine, _, executor := newTestMachine(t)
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 112))
	if !machine.Hibernating() {
		t.Fatal("setup: protection did not activate")
	}

	machine.OnBar(ctx, bar(112, 130))
	if executor.callCount() != 1 {
		t.Errorf("executor ran %d times, want 1: hibernation must suppress re-trips", executor.callCount())
	}
}

func TestHibernationEndRequiresBothConditions(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 112))
	if !machine.Hibernating() {
		t.Fatal("setup: protection did not activate")
	}

	machine.mu.Lock()
	machine.state.BaselineATR = 0.002
	started := machine.state.HibernationFrom
	machine.mu.Unlock()

	feedDeltas := func(delta float64) {
		machine.mu.Lock()
		machine.deltas = machine.deltas[:0]
		for i := 0; i < machine.cfg.ATRPeriod; i++ {
			machine.deltas = append(machine.deltas, delta)
		}
		machine.mu.Unlock()
	}

	// Elapsed but volatility still high: 0.004 > 0.002*1.5.
	feedDeltas(0.004)
	if machine.EvaluateHibernationEnd(ctx, started.Add(25*time.Hour)) {
		t.Error("hibernation ended with volatility above baseline*multiplier")
	}

	// Volatility recovered but window not elapsed.
	feedDeltas(0.0029)
	if machine.EvaluateHibernationEnd(ctx, started.Add(23*time.Hour)) {
		t.Error("hibernation ended before the window elapsed")
	}

	// Both hold: current 0.0029 <= baseline 0.002 * 1.5 and >24h elapsed.
	if !machine.EvaluateHibernationEnd(ctx, started.Add(25*time.Hour)) {
		t.Error("hibernation did not end with both conditions satisfied")
	}
	if machine.Hibernating() {
		t.Error("still hibernating after a successful end evaluation")
	}
}

func TestBaselineCapturedOnceNeverRecomputed(t *testing.T) {
	machine, _, _ := newTestMachine(t)
	ctx := context.Background()

	// 14 deltas fill the window, then each further price adds one sample.
	price := 0.5
	for i := 0; i < machine.cfg.ATRPeriod+machine.cfg.BaselineMinSamples; i++ {
		price += 0.001
		machine.ObservePrice(ctx, price)
	}

	baseline := machine.Snapshot().BaselineATR
	if baseline <= 0 {
		t.Fatal("baseline not captured after enough samples")
	}

	// Much larger deltas afterwards must not move the baseline.
	for i := 0; i < 50; i++ {
		price += 0.05
		machine.ObservePrice(ctx, price)
	}
	if got := machine.Snapshot().BaselineATR; got != baseline {
		t.Errorf("baseline recomputed: %v -> %v", baseline, got)
	}
}

func TestRestoreResumesHibernation(t *testing.T) {
	store := &fakeStore{}
	started := time.Now().Add(-2 * time.Hour)
	store.state = &State{
		Direction:       DirectionUp,
		Active:          true,
		HibernationFrom: started,
		BaselineATR:     0.002,
	}

	machine := NewMachine(testMachineConfig(), store, &fakeExecutor{}, nil, zerolog.Nop())
	if err := machine.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !machine.Hibernating() {
		t.Error("restored machine not hibernating")
	}
	if got := machine.Snapshot().HibernationFrom; !got.Equal(started) {
		t.Errorf("hibernation start = %v, want %v", got, started)
	}
}

func TestHibernationEndNeedsFullDeltaWindow(t *testing.T) {
	store := &fakeStore{}
	started := time.Now().Add(-25 * time.Hour)
	store.state = &State{
		Direction:       DirectionUp,
		Active:          true,
		HibernationFrom: started,
		BaselineATR:     0.002,
	}

	machine := NewMachine(testMachineConfig(), store, &fakeExecutor{}, nil, zerolog.Nop())
	ctx := context.Background()
	if err := machine.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// Window elapsed, but no deltas re-accumulated since the restart: an
	// empty ATR window is not evidence of calm.
	if machine.EvaluateHibernationEnd(ctx, time.Now()) {
		t.Fatal("hibernation ended without a full delta window")
	}

	// A partially filled window must not pass either.
	machine.mu.Lock()
	for i := 0; i < machine.cfg.ATRPeriod-1; i++ {
		machine.deltas = append(machine.deltas, 0.0001)
	}
	machine.mu.Unlock()
	if machine.EvaluateHibernationEnd(ctx, time.Now()) {
		t.Fatal("hibernation ended on a partial delta window")
	}

	// Full calm window: both conditions hold.
	machine.mu.Lock()
	machine.deltas = append(machine.deltas, 0.0001)
	machine.mu.Unlock()
	if !machine.EvaluateHibernationEnd(ctx, time.Now()) {
		t.Fatal("hibernation should end with a full calm window after the duration")
	}
}

func TestStatePersistedOnEveryBar(t *testing.T) {
	machine, store, _ := newTestMachine(t)
	ctx := context.Background()

	machine.OnBar(ctx, bar(100, 101))
	machine.OnBar(ctx, bar(101, 101.02)) // neutral

	store.mu.Lock()
	saves := store.saves
	store.mu.Unlock()
	if saves != 2 {
		t.Errorf("state saved %d times for 2 bars, want 2", saves)
	}
}
