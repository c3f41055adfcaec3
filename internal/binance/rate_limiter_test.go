package binance

import (
	"testing"
	"time"
)

func TestTryAcquireConsumesWeight(t *testing.T) {
	r := NewRateLimiter()

	ok, _ := r.TryAcquire("/fapi/v1/klines")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	current, _, _ := r.Usage()
	if current != 5 {
		t.Fatalf("current weight = %d, want 5 for klines", current)
	}
}

func TestTryAcquireRefusesWhenBudgetExhausted(t *testing.T) {
	r := NewRateLimiter()
	r.maxWeight = 10

	for i := 0; i < 2; i++ {
		if ok, _ := r.TryAcquire("/fapi/v1/klines"); !ok {
			t.Fatalf("acquire %d should fit the budget", i)
		}
	}
	ok, wait := r.TryAcquire("/fapi/v1/klines")
	if ok {
		t.Fatal("acquire over budget should be refused")
	}
	if wait <= 0 {
		t.Fatalf("refused acquire should suggest a wait, got %v", wait)
	}
}

func TestRecordRateLimitErrorOpensCircuit(t *testing.T) {
	r := NewRateLimiter()
	r.RecordRateLimitError(time.Now().Add(time.Hour))

	ok, wait := r.TryAcquire("/fapi/v1/order")
	if ok {
		t.Fatal("acquire must fail while banned")
	}
	if wait < 50*time.Minute {
		t.Fatalf("wait = %v, want roughly the remaining ban", wait)
	}

	_, _, open := r.Usage()
	if !open {
		t.Fatal("circuit should report open")
	}
}

func TestCircuitClosesAfterBanExpires(t *testing.T) {
	r := NewRateLimiter()
	r.mu.Lock()
	r.circuitOpen = true
	r.banUntil = time.Now().Add(-time.Second)
	r.mu.Unlock()

	if ok, _ := r.TryAcquire("/fapi/v1/order"); !ok {
		t.Fatal("acquire should succeed once the ban expired")
	}
}

func TestUpdateFromHeadersOnlyRaises(t *testing.T) {
	r := NewRateLimiter()
	r.UpdateFromHeaders(100)
	if current, _, _ := r.Usage(); current != 100 {
		t.Fatalf("current weight = %d, want 100 from headers", current)
	}
	r.UpdateFromHeaders(50)
	if current, _, _ := r.Usage(); current != 100 {
		t.Fatal("a lower header value must not reduce tracked weight")
	}
}

func TestParseBanUntilFromError(t *testing.T) {
	ts := ParseBanUntilFromError(`{"code":-1003,"msg":"Way too much request weight used; IP banned until 1700000000000."}`)
	if ts.IsZero() {
		t.Fatal("expected a parsed ban timestamp")
	}
	if got := ts.UnixMilli(); got != 1700000000000 {
		t.Fatalf("ban until = %d, want 1700000000000", got)
	}

	if ts := ParseBanUntilFromError("unrelated error"); !ts.IsZero() {
		t.Fatal("expected zero time for a body without ban info")
	}
}

func TestRoundToPrecisionTruncates(t *testing.T) {
	cases := []struct {
		value     float64
		precision int
		want      float64
	}{
		{0.50049999, 4, 0.5004},
		{0.5 * 1.001, 4, 0.5005},
		{0.5 * 0.999, 4, 0.4995},
		{3.99, 0, 3},
		{2.5, 1, 2.5},
	}
	for _, tc := range cases {
		if got := roundToPrecision(tc.value, tc.precision); got != tc.want {
			t.Errorf("roundToPrecision(%v, %d) = %v, want %v", tc.value, tc.precision, got, tc.want)
		}
	}
}
