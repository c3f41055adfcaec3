package notification

import (
	"binance-grid-bot/internal/events"

	"github.com/rs/zerolog"
)

// Bridge subscribes the alert manager to the event bus so trips, regime
// changes, and errors reach a human without the publishers knowing about
// delivery channels.
type Bridge struct {
	manager *Manager
	logger  zerolog.Logger
}

// NewBridge wires the manager to the bus.
func NewBridge(manager *Manager, bus *events.Bus, logger zerolog.Logger) *Bridge {
	b := &Bridge{
		manager: manager,
		logger:  logger.With().Str("component", "notification").Logger(),
	}

	bus.Subscribe(events.EventProtectionTripped, b.onProtectionTripped)
	bus.Subscribe(events.EventProtectionCleared, b.onProtectionCleared)
	bus.Subscribe(events.EventSignalChanged, b.onSignalChanged)
	bus.Subscribe(events.EventError, b.onError)
	return b
}

func (b *Bridge) onProtectionTripped(event events.Event) {
	symbol, _ := event.Data["symbol"].(string)
	direction, _ := event.Data["direction"].(string)
	cumulative, _ := event.Data["cumulative_move"].(float64)
	if err := b.manager.SendProtectionTripped(symbol, direction, cumulative); err != nil {
		b.logger.Warn().Err(err).Msg("failed to deliver protection trip alert")
	}
}

func (b *Bridge) onProtectionCleared(event events.Event) {
	symbol, _ := event.Data["symbol"].(string)
	if err := b.manager.SendProtectionCleared(symbol); err != nil {
		b.logger.Warn().Err(err).Msg("failed to deliver protection clear alert")
	}
}

func (b *Bridge) onSignalChanged(event events.Event) {
	symbol, _ := event.Data["symbol"].(string)
	trend, _ := event.Data["trend"].(string)
	adx, _ := event.Data["adx"].(float64)
	if err := b.manager.SendSignalChanged(symbol, trend, adx); err != nil {
		b.logger.Warn().Err(err).Msg("failed to deliver signal alert")
	}
}

func (b *Bridge) onError(event events.Event) {
	source, _ := event.Data["source"].(string)
	message, _ := event.Data["message"].(string)
	if errText, ok := event.Data["error"].(string); ok {
		message = message + ": " + errText
	}
	if err := b.manager.SendError(source, message); err != nil {
		b.logger.Warn().Err(err).Msg("failed to deliver error alert")
	}
}
