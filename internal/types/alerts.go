package types

import "time"

// AlertType classifies user-facing notifications.
type AlertType string

const (
	AlertStopLossTriggered AlertType = "stop_loss_triggered"
	AlertTxFailed          AlertType = "transaction_failed"
	AlertBatchCompleted    AlertType = "batch_completed"
	AlertRebalanceProposed AlertType = "rebalance_proposed"
)

// Alert is a write-once notification record; only the Read flag is ever
// flipped after creation.
type Alert struct {
	ID              string    `json:"id"`
	Type            AlertType `json:"type"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	PositionAddress string    `json:"position_address,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Read            bool      `json:"read"`
}

// StopLossConfig is the user-supplied stop-loss setting for one position,
// read by the stop-loss monitor on every check cycle.
type StopLossConfig struct {
	PositionAddress string    `json:"position_address"`
	LossThreshold   float64   `json:"loss_threshold"` // Fraction in (0, 1], e.g. 0.15 = exit at 15% loss
	Enabled         bool      `json:"enabled"`
	NotifyOnly      bool      `json:"notify_only"`
	UpdatedAt       time.Time `json:"updated_at"`
}
