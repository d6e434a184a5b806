package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

// Webhook event kinds a registration's Event column matches against.
const (
	WebhookCrateAdd    = "CrateAdd"
	WebhookCrateUpdate = "CrateUpdate"
	WebhookCrateYank   = "CrateYank"
	WebhookCrateUnyank = "CrateUnyank"
)

func (p *GormProvider) RegisterWebhook(ctx context.Context, event, callbackURL string, name *string) (string, error) {
	w := Webhook{ID: uuid.NewString(), Event: event, CallbackURL: callbackURL, Name: name}
	if err := p.ctxDB(ctx).Create(&w).Error; err != nil {
		return "", err
	}
	return w.ID, nil
}

func (p *GormProvider) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	var w Webhook
	if err := p.ctxDB(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err, "webhook not found")
	}
	return &w, nil
}

func (p *GormProvider) GetAllWebhooks(ctx context.Context) ([]Webhook, error) {
	var rows []Webhook
	err := p.ctxDB(ctx).Find(&rows).Error
	return rows, err
}

// DeleteWebhook removes a webhook registration along with every queued
// delivery attempt still pending for it.
func (p *GormProvider) DeleteWebhook(ctx context.Context, id string) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("webhook_fk = ?", id).Delete(&WebhookQueue{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Webhook{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return kellnrerr.NotFound("webhook not found", gorm.ErrRecordNotFound)
		}
		return nil
	})
}

func (p *GormProvider) AddWebhookQueue(ctx context.Context, webhookID, payload string) (string, error) {
	q := WebhookQueue{ID: uuid.NewString(), WebhookFk: webhookID, Payload: payload, NextAttempt: nowSortable()}
	if err := p.ctxDB(ctx).Create(&q).Error; err != nil {
		return "", err
	}
	return q.ID, nil
}

// GetPendingWebhookQueueEntries returns every delivery attempt whose
// NextAttempt has passed, oldest first, for the dispatcher to retry.
func (p *GormProvider) GetPendingWebhookQueueEntries(ctx context.Context, before string) ([]WebhookQueue, error) {
	var rows []WebhookQueue
	err := p.ctxDB(ctx).Where("next_attempt <= ?", before).Order("next_attempt").Find(&rows).Error
	return rows, err
}

func (p *GormProvider) UpdateWebhookQueue(ctx context.Context, id, nextAttempt string) error {
	now := nowSortable()
	res := p.ctxDB(ctx).Model(&WebhookQueue{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_attempt": now, "next_attempt": nextAttempt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("webhook queue entry not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) DeleteWebhookQueue(ctx context.Context, id string) error {
	res := p.ctxDB(ctx).Delete(&WebhookQueue{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("webhook queue entry not found", gorm.ErrRecordNotFound)
	}
	return nil
}
