package binance

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

// RateLimiter implements proactive weight-based rate limiting with a
// circuit breaker that opens on exchange ban responses. Binance futures
// allows 2400 request weight per minute; the limiter refuses requests
// before the exchange would.
type RateLimiter struct {
	mu sync.RWMutex

	circuitOpen   bool
	circuitOpenAt time.Time
	banUntil      time.Time

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	requestCount   int
	requestResetAt time.Time
	maxRequests    int
}

// Endpoint weights for the Binance futures API
var endpointWeights = map[string]int{
	"/fapi/v2/positionRisk":      5,
	"/fapi/v1/positionSide/dual": 1,
	"/fapi/v1/leverage":          1,
	"/fapi/v1/order":             1,
	"/fapi/v1/openOrders":        1, // with symbol; 40 without
	"/fapi/v1/ticker/price":      1,
	"/fapi/v1/ticker/bookTicker": 2,
	"/fapi/v1/klines":            5,
	"/fapi/v1/exchangeInfo":      1,
	"/fapi/v1/listenKey":         1,
}

func getEndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 5
}

// NewRateLimiter creates a rate limiter with the Binance futures limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		maxWeight:      2400,
		maxRequests:    1200,
		weightResetAt:  time.Now().Add(time.Minute),
		requestResetAt: time.Now().Add(time.Minute),
	}
}

// TryAcquire atomically checks and records a request slot for the endpoint.
// It returns false with a suggested wait when the budget is exhausted or the
// circuit is open.
func (r *RateLimiter) TryAcquire(endpoint string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}
	if now.After(r.requestResetAt) {
		r.requestCount = 0
		r.requestResetAt = now.Add(time.Minute)
	}

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return false, time.Until(r.banUntil)
		}
		r.circuitOpen = false
	}

	weight := getEndpointWeight(endpoint)
	if r.currentWeight+weight > r.maxWeight {
		wait := time.Until(r.weightResetAt)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return false, wait
	}
	if r.requestCount >= r.maxRequests {
		wait := time.Until(r.requestResetAt)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return false, wait
	}

	r.currentWeight += weight
	r.requestCount++
	return true, 0
}

// WaitForSlot blocks until a slot is acquired or the timeout elapses.
func (r *RateLimiter) WaitForSlot(endpoint string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		ok, wait := r.TryAcquire(endpoint)
		if ok {
			return true
		}
		if time.Now().Add(wait).After(deadline) {
			return false
		}
		time.Sleep(wait)
	}
}

// UpdateFromHeaders syncs the tracked weight with the authoritative
// X-MBX-USED-WEIGHT-1M value reported by the exchange.
func (r *RateLimiter) UpdateFromHeaders(usedWeight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if usedWeight > r.currentWeight {
		r.currentWeight = usedWeight
	}
}

// RecordRateLimitError opens the circuit until the reported ban expires, or
// for one minute when no retry-after information is available.
func (r *RateLimiter) RecordRateLimitError(banUntil time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuitOpen = true
	r.circuitOpenAt = time.Now()
	if banUntil.After(time.Now()) {
		r.banUntil = banUntil
	} else {
		r.banUntil = time.Now().Add(time.Minute)
	}
}

// Usage returns current weight usage for the status API.
func (r *RateLimiter) Usage() (currentWeight, maxWeight int, circuitOpen bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentWeight, r.maxWeight, r.circuitOpen
}

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// ParseBanUntilFromError extracts the ban expiry from a -1003 error body.
func ParseBanUntilFromError(body string) time.Time {
	m := banUntilPattern.FindStringSubmatch(body)
	if len(m) != 2 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
