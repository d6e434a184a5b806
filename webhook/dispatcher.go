// Package webhook delivers queued registry events to registered
// callback URLs. The WebhookQueue table is the durable source of work;
// the dispatcher polls for due rows, POSTs each payload, deletes the
// row on success, and reschedules it with exponential backoff on
// failure. Delivery is at-least-once, so receivers must be idempotent.
package webhook

import (
	"context"
	"time"

	"github.com/kellnr/kellnr/common"
	"github.com/kellnr/kellnr/db"
	khttp "github.com/kellnr/kellnr/http"
)

const (
	// baseRetryDelay schedules the first redelivery after a failure.
	baseRetryDelay = time.Minute
	// maxRetryDelay caps the backoff; a dead receiver is retried once
	// a day rather than never.
	maxRetryDelay = 24 * time.Hour
)

// Dispatcher polls and delivers pending webhook queue entries.
type Dispatcher struct {
	provider db.DbProvider

	// PollInterval is how often the background loop checks for due
	// entries.
	PollInterval time.Duration
	// DeliveryTimeout bounds one callback POST, in seconds.
	DeliveryTimeout int

	// execute is swapped in tests to avoid live HTTP.
	execute func(*khttp.Request) (*khttp.Response, error)
}

// NewDispatcher builds a dispatcher with default pacing.
func NewDispatcher(provider db.DbProvider) *Dispatcher {
	return &Dispatcher{
		provider:        provider,
		PollInterval:    30 * time.Second,
		DeliveryTimeout: 30,
		execute:         khttp.Execute,
	}
}

// Run delivers pending entries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	log := common.ComponentLogger("webhook-dispatcher")
	log.Info("starting")
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopping")
			return
		case <-ticker.C:
			if err := d.DispatchPending(ctx); err != nil {
				log.WithError(err).Error("dispatch round failed")
			}
		}
	}
}

// DispatchPending delivers every entry whose next_attempt has passed.
// Per-entry failures reschedule that entry and never abort the round.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	log := common.ComponentLogger("webhook-dispatcher")
	now := time.Now()
	pending, err := d.provider.GetPendingWebhookQueueEntries(ctx, db.SortableTime(now))
	if err != nil {
		return err
	}
	for _, entry := range pending {
		hook, err := d.provider.GetWebhook(ctx, entry.WebhookFk)
		if err != nil {
			// Registration gone; the queue row is undeliverable.
			log.WithField("queue_id", entry.ID).Warn("dropping entry for deleted webhook")
			if err := d.provider.DeleteWebhookQueue(ctx, entry.ID); err != nil {
				log.WithError(err).Error("failed to drop orphaned queue entry")
			}
			continue
		}
		if d.deliver(hook, entry) {
			if err := d.provider.DeleteWebhookQueue(ctx, entry.ID); err != nil {
				log.WithError(err).Error("failed to delete delivered queue entry")
			}
			continue
		}
		next := db.SortableTime(now.Add(d.nextDelay(entry, now)))
		if err := d.provider.UpdateWebhookQueue(ctx, entry.ID, next); err != nil {
			log.WithError(err).Error("failed to reschedule queue entry")
		}
	}
	return nil
}

// deliver POSTs one payload and reports whether the receiver accepted
// it.
func (d *Dispatcher) deliver(hook *db.Webhook, entry db.WebhookQueue) bool {
	req := khttp.NewRequest("POST", hook.CallbackURL)
	req.JSONBody = entry.Payload
	req.Timeout = d.DeliveryTimeout
	req.Headers["X-Kellnr-Event"] = hook.Event
	req.Headers["X-Kellnr-Delivery"] = entry.ID

	resp, err := d.execute(req)
	if err != nil {
		common.ComponentLogger("webhook-dispatcher").WithError(err).
			WithField("url", hook.CallbackURL).Warn("webhook delivery failed")
		return false
	}
	return resp.IsSuccess()
}

// nextDelay doubles the time since the previous attempt, clamped to
// [baseRetryDelay, maxRetryDelay]. The attempt spacing itself encodes
// how often the entry has failed, so no separate counter column is
// needed.
func (d *Dispatcher) nextDelay(entry db.WebhookQueue, now time.Time) time.Duration {
	delay := baseRetryDelay
	if entry.LastAttempt != nil {
		if last, err := db.ParseSortableTime(*entry.LastAttempt); err == nil {
			if since := now.Sub(last); since > 0 {
				delay = 2 * since
			}
		}
	}
	if delay < baseRetryDelay {
		delay = baseRetryDelay
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
