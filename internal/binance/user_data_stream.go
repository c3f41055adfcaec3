package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const listenKeyKeepAlive = 30 * time.Minute

// UserDataStream maintains the authenticated futures user data stream and
// delivers order lifecycle events to a callback. The listen key is refreshed
// on a background timer; transport failures reconnect with a fixed backoff.
type UserDataStream struct {
	gateway   StreamGateway
	wsBaseURL string
	logger    zerolog.Logger

	onOrderUpdate func(OrderUpdate)

	mu        sync.Mutex
	conn      *websocket.Conn
	listenKey string
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// orderTradeUpdateEvent mirrors the ORDER_TRADE_UPDATE wire format
type orderTradeUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		ExecutionType string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFilledQty string `json:"l"`
		FilledQty     string `json:"z"`
		ReduceOnly    bool   `json:"R"`
		PositionSide  string `json:"ps"`
	} `json:"o"`
}

// NewUserDataStream creates a user data stream client.
func NewUserDataStream(gateway StreamGateway, wsBaseURL string, logger zerolog.Logger) *UserDataStream {
	return &UserDataStream{
		gateway:   gateway,
		wsBaseURL: strings.TrimRight(wsBaseURL, "/"),
		logger:    logger.With().Str("component", "user_stream").Logger(),
	}
}

// SetOrderUpdateCallback registers the order lifecycle handler. Must be
// called before Start.
func (u *UserDataStream) SetOrderUpdateCallback(fn func(OrderUpdate)) {
	u.onOrderUpdate = fn
}

// Start obtains a listen key, connects, and begins dispatching events.
func (u *UserDataStream) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return fmt.Errorf("user data stream already running")
	}
	u.running = true
	u.stopCh = make(chan struct{})
	u.mu.Unlock()

	if err := u.connect(ctx); err != nil {
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
		return err
	}

	u.wg.Add(2)
	go u.readLoop()
	go u.keepAliveLoop()
	return nil
}

// Stop closes the stream and releases the listen key.
func (u *UserDataStream) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	close(u.stopCh)
	if u.conn != nil {
		u.conn.Close()
	}
	key := u.listenKey
	u.mu.Unlock()

	u.wg.Wait()

	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := u.gateway.CloseListenKey(ctx, key); err != nil {
			u.logger.Warn().Err(err).Msg("failed to close listen key")
		}
	}
}

func (u *UserDataStream) connect(ctx context.Context) error {
	key, err := u.gateway.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to create listen key: %w", err)
	}

	streamURL := fmt.Sprintf("%s/ws/%s", u.wsBaseURL, key)
	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial user stream: %w", err)
	}

	u.mu.Lock()
	u.conn = conn
	u.listenKey = key
	u.mu.Unlock()

	u.logger.Info().Msg("user data stream connected")
	return nil
}

func (u *UserDataStream) readLoop() {
	defer u.wg.Done()

	for {
		select {
		case <-u.stopCh:
			return
		default:
		}

		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()

		if conn == nil {
			if !u.sleepOrStop(streamReconnectDelay) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := u.connect(ctx)
			cancel()
			if err != nil {
				u.logger.Error().Err(err).Msg("reconnect failed")
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-u.stopCh:
				return
			default:
			}
			u.logger.Warn().Err(err).Msg("read failed, reconnecting")
			conn.Close()
			u.mu.Lock()
			u.conn = nil
			u.mu.Unlock()
			continue
		}

		u.handleMessage(message)
	}
}

func (u *UserDataStream) handleMessage(message []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return
	}

	switch probe.EventType {
	case "ORDER_TRADE_UPDATE":
		var event orderTradeUpdateEvent
		if err := json.Unmarshal(message, &event); err != nil {
			u.logger.Warn().Err(err).Msg("failed to parse order update")
			return
		}
		if u.onOrderUpdate != nil {
			u.onOrderUpdate(OrderUpdate{
				Symbol:        event.Order.Symbol,
				OrderID:       event.Order.OrderID,
				ClientOrderID: event.Order.ClientOrderID,
				Side:          OrderSide(event.Order.Side),
				PositionSide:  PositionSide(event.Order.PositionSide),
				Status:        OrderStatus(event.Order.Status),
				ReduceOnly:    event.Order.ReduceOnly,
				Price:         parseFloat(event.Order.Price),
				OrigQty:       parseFloat(event.Order.OrigQty),
				FilledQty:     parseFloat(event.Order.FilledQty),
				LastFilledQty: parseFloat(event.Order.LastFilledQty),
				AvgPrice:      parseFloat(event.Order.AvgPrice),
				EventTime:     event.EventTime,
			})
		}
	case "listenKeyExpired":
		u.logger.Warn().Msg("listen key expired, reconnecting")
		u.mu.Lock()
		if u.conn != nil {
			u.conn.Close()
			u.conn = nil
		}
		u.mu.Unlock()
	}
}

func (u *UserDataStream) keepAliveLoop() {
	defer u.wg.Done()

	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.mu.Lock()
			key := u.listenKey
			u.mu.Unlock()
			if key == "" {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := u.gateway.KeepAliveListenKey(ctx, key)
			cancel()
			if err != nil {
				u.logger.Error().Err(err).Msg("keepalive failed, forcing reconnect")
				u.mu.Lock()
				if u.conn != nil {
					u.conn.Close()
					u.conn = nil
				}
				u.mu.Unlock()
			}
		case <-u.stopCh:
			return
		}
	}
}

func (u *UserDataStream) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-u.stopCh:
		return false
	}
}
