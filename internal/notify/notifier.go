package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/rs/zerolog"
)

// Notifier delivers an alert to the user. Fire-and-forget: implementations
// return an error for logging only and must never block the engine for long.
type Notifier interface {
	Notify(ctx context.Context, alert types.Alert) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier. An empty baseURL
// defaults to the public Bot API host.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.GetForComponent("notify_telegram"),
	}
}

// Notify sends the alert text via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, alert types.Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Debug().
		Str("type", string(alert.Type)).
		Str("position", alert.PositionAddress).
		Msg("Alert delivered via Telegram")
	return nil
}

func renderMessage(alert types.Alert) string {
	builder := strings.Builder{}
	builder.WriteString("[" + alert.Title + "]\n")
	builder.WriteString(alert.Message)
	if alert.PositionAddress != "" {
		builder.WriteString("\nPosition: " + alert.PositionAddress)
	}
	builder.WriteString("\n" + alert.Timestamp.UTC().Format(time.RFC3339))
	return builder.String()
}

// LogNotifier writes alerts to the application log. Used when no external
// channel is configured and as the fallback delivery path.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.GetForComponent("notify_log")}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(_ context.Context, alert types.Alert) error {
	n.logger.Warn().
		Str("type", string(alert.Type)).
		Str("title", alert.Title).
		Str("position", alert.PositionAddress).
		Msg(alert.Message)
	return nil
}
