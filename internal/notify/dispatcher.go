package notify

import (
	"context"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertStore persists alert records. Implemented by the state package.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert types.Alert) error
}

// Dispatcher records every alert durably and fans it out to the configured
// notifiers. Delivery failures are logged, never propagated: notification must
// not block or fail the core.
type Dispatcher struct {
	store     AlertStore
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewDispatcher constructs a Dispatcher. A nil store disables persistence.
func NewDispatcher(store AlertStore, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		store:     store,
		notifiers: notifiers,
		logger:    logger.GetForComponent("alert_dispatcher"),
	}
}

// Dispatch assigns the alert an ID and timestamp, persists it, and delivers it.
func (d *Dispatcher) Dispatch(ctx context.Context, alert types.Alert) types.Alert {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	if d.store != nil {
		if err := d.store.SaveAlert(ctx, alert); err != nil {
			d.logger.Error().Err(err).Str("alertId", alert.ID).Msg("Failed to persist alert")
		}
	}

	for _, n := range d.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			d.logger.Error().Err(err).Str("alertId", alert.ID).Msg("Alert delivery failed")
		}
	}
	return alert
}
