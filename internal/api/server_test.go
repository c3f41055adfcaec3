package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/protection"
	"binance-grid-bot/internal/signal"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	status BotStatus
}

func (f *fakeProvider) Status() BotStatus {
	return f.status
}

func newTestServer() (*Server, *fakeProvider) {
	provider := &fakeProvider{
		status: BotStatus{
			Symbol:      "XRPUSDC",
			Running:     true,
			Hibernating: false,
			LastPrice:   0.5,
			StartedAt:   time.Now(),
			Grid: grid.Snapshot{
				LongPosition:  30,
				ShortPosition: 12,
				Counters:      grid.Counters{BuyLong: 3, SellLong: 3},
			},
			Protection: protection.State{Direction: protection.DirectionNeutral},
			Signal:     signal.Status{Trend: signal.TrendRanging, ADX: 18.5},
		},
	}
	server := NewServer(ServerConfig{Port: 0, ProductionMode: true}, provider, zerolog.Nop())
	return server, provider
}

func doRequest(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := doRequest(t, server, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", body["status"])
	}
	if body["running"] != true {
		t.Errorf("running field = %v, want true", body["running"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := doRequest(t, server, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var status BotStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Symbol != "XRPUSDC" {
		t.Errorf("symbol = %q, want XRPUSDC", status.Symbol)
	}
	if status.Grid.LongPosition != 30 {
		t.Errorf("long position = %v, want 30", status.Grid.LongPosition)
	}
}

func TestGridEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := doRequest(t, server, "/api/v1/grid")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var snap grid.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Counters.BuyLong != 3 {
		t.Errorf("buy_long counter = %v, want 3", snap.Counters.BuyLong)
	}
}

func TestSignalEndpoint(t *testing.T) {
	server, _ := newTestServer()

	w := doRequest(t, server, "/api/v1/signal")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var status signal.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Trend != signal.TrendRanging {
		t.Errorf("trend = %s, want %s", status.Trend, signal.TrendRanging)
	}
}
