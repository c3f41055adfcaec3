package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const streamReconnectDelay = 5 * time.Second

// MarketStream maintains a bookTicker websocket subscription for a single
// symbol and delivers best bid/ask updates on a channel. It reconnects with a
// fixed backoff on any transport failure, indefinitely.
type MarketStream struct {
	wsBaseURL string
	symbol    string
	logger    zerolog.Logger

	updates chan PriceUpdate

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// bookTickerEvent is the raw stream payload
type bookTickerEvent struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
	Time     int64  `json:"E"`
}

// NewMarketStream creates a market stream for one symbol.
func NewMarketStream(wsBaseURL, symbol string, logger zerolog.Logger) *MarketStream {
	return &MarketStream{
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		symbol:    symbol,
		logger:    logger.With().Str("component", "market_stream").Logger(),
		updates:   make(chan PriceUpdate, 64),
	}
}

// Updates returns the price update channel.
func (m *MarketStream) Updates() <-chan PriceUpdate {
	return m.updates
}

// Start connects and begins delivering updates.
func (m *MarketStream) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("market stream already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if err := m.connect(); err != nil {
		// First connection failure is not fatal; the read loop retries.
		m.logger.Error().Err(err).Msg("initial connection failed, will retry")
	}

	m.wg.Add(1)
	go m.readLoop()
	return nil
}

// Stop closes the connection and stops the read loop.
func (m *MarketStream) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *MarketStream) connect() error {
	streamURL := fmt.Sprintf("%s/ws/%s@bookTicker", m.wsBaseURL, strings.ToLower(m.symbol))

	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", streamURL, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.logger.Info().Str("symbol", m.symbol).Msg("market stream connected")
	return nil
}

func (m *MarketStream) readLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()

		if conn == nil {
			if !m.sleepOrStop(streamReconnectDelay) {
				return
			}
			if err := m.connect(); err != nil {
				m.logger.Error().Err(err).Msg("reconnect failed")
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.logger.Warn().Err(err).Msg("read failed, reconnecting")
			conn.Close()
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			continue
		}

		var event bookTickerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			m.logger.Debug().Err(err).Msg("skipping unparseable message")
			continue
		}

		update := PriceUpdate{
			Symbol:   event.Symbol,
			BidPrice: parseFloat(event.BidPrice),
			AskPrice: parseFloat(event.AskPrice),
			Time:     event.Time,
		}

		// Drop the oldest update rather than block the reader.
		select {
		case m.updates <- update:
		default:
			select {
			case <-m.updates:
			default:
			}
			m.updates <- update
		}
	}
}

func (m *MarketStream) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.stopCh:
		return false
	}
}
