// Package notification pushes operational alerts (protection trips, fills,
// errors) to Telegram and Discord.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AlertType classifies an outgoing alert.
type AlertType string

const (
	AlertProtectionTripped AlertType = "protection_tripped"
	AlertProtectionCleared AlertType = "protection_cleared"
	AlertSignalChanged     AlertType = "signal_changed"
	AlertOrderFilled       AlertType = "order_filled"
	AlertError             AlertType = "error"
	AlertInfo              AlertType = "info"
)

// Alert is one message sent to all enabled providers.
type Alert struct {
	Type      AlertType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Notifier is a single delivery channel.
type Notifier interface {
	Send(alert *Alert) error
	Name() string
	IsEnabled() bool
}

// Manager fans one alert out to every enabled provider.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{notifiers: make([]Notifier, 0)}
}

// AddNotifier adds a delivery channel.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers the alert to all enabled providers. The last provider
// error is returned; one failing channel does not block the others.
func (m *Manager) Send(alert *Alert) error {
	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(alert); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendProtectionTripped reports an emergency flatten.
func (m *Manager) SendProtectionTripped(symbol, direction string, cumulative float64) error {
	return m.Send(&Alert{
		Type:      AlertProtectionTripped,
		Title:     fmt.Sprintf("🛑 Protection tripped: %s", symbol),
		Message:   fmt.Sprintf("Extreme %s move of %.2f%%\nAll orders canceled, positions flattened.\nBot is hibernating.", direction, cumulative),
		Symbol:    symbol,
		Timestamp: time.Now(),
	})
}

// SendProtectionCleared reports the end of hibernation.
func (m *Manager) SendProtectionCleared(symbol string) error {
	return m.Send(&Alert{
		Type:      AlertProtectionCleared,
		Title:     fmt.Sprintf("✅ Protection cleared: %s", symbol),
		Message:   "Volatility back to baseline, trading resumed.",
		Symbol:    symbol,
		Timestamp: time.Now(),
	})
}

// SendSignalChanged reports a trend regime change.
func (m *Manager) SendSignalChanged(symbol, trend string, adx float64) error {
	return m.Send(&Alert{
		Type:      AlertSignalChanged,
		Title:     fmt.Sprintf("📊 Trend change: %s", symbol),
		Message:   fmt.Sprintf("New regime: %s (ADX %.1f)", trend, adx),
		Symbol:    symbol,
		Timestamp: time.Now(),
	})
}

// SendError reports a runtime error worth a human's attention.
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Alert{
		Type:      AlertError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

// TelegramNotifier sends alerts via the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram settings.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a Telegram notifier. It stays disabled when
// the token or chat ID is empty.
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(alert *Alert) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", alert.Title, alert.Message),
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier sends alerts via a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord settings.
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a Discord notifier.
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(alert *Alert) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if alert.Type == AlertError || alert.Type == AlertProtectionTripped {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       alert.Title,
		"description": alert.Message,
		"color":       color,
		"timestamp":   alert.Timestamp.Format(time.RFC3339),
	}
	if alert.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": alert.Symbol, "inline": true},
		}
		if alert.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.4f", alert.Price), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
