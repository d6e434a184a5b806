package db

import (
	"context"
	"errors"

	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

// oauth2StateMaxAgeSeconds is how long an in-flight authorization-code
// exchange may take before its state row is swept.
const oauth2StateMaxAgeSeconds = 600

func (p *GormProvider) AddOAuth2State(ctx context.Context, state, pkceVerifier, nonce string) error {
	row := OAuth2State{State: state, PkceVerifier: pkceVerifier, Nonce: nonce, Created: nowSortable()}
	return p.ctxDB(ctx).Create(&row).Error
}

// TakeOAuth2State reads and deletes a state row in one transaction, so
// each state value authorizes exactly one callback. A second take of
// the same state, or a take of a state that was never stored, fails
// with NotFound.
func (p *GormProvider) TakeOAuth2State(ctx context.Context, state string) (*OAuth2State, error) {
	var row OAuth2State
	err := p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", state).First(&row).Error; err != nil {
			return wrapNotFound(err, "oauth2 state not found")
		}
		return tx.Delete(&OAuth2State{}, "state = ?", state).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SweepOAuth2States deletes state rows older than ten minutes and
// returns how many were removed.
func (p *GormProvider) SweepOAuth2States(ctx context.Context) (int64, error) {
	cutoff := nowSortableMinus(oauth2StateMaxAgeSeconds)
	res := p.ctxDB(ctx).Where("created < ?", cutoff).Delete(&OAuth2State{})
	return res.RowsAffected, res.Error
}

// LinkOAuth2Identity records that the external (issuer, subject) pair
// authenticates userID. A user carries at most one identity per issuer;
// re-linking the same issuer updates the subject and email in place.
func (p *GormProvider) LinkOAuth2Identity(ctx context.Context, userID int64, issuer, subject string, email *string) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		var existing OAuth2Identity
		err := tx.Where("user_fk = ? AND provider_issuer = ?", userID, issuer).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := OAuth2Identity{UserFk: userID, ProviderIssuer: issuer, Subject: subject, Email: email, Created: nowSortable()}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		existing.Subject = subject
		existing.Email = email
		return tx.Save(&existing).Error
	})
}

// GetUserByOAuth2Identity resolves an external identity back to the
// linked registry user.
func (p *GormProvider) GetUserByOAuth2Identity(ctx context.Context, issuer, subject string) (*User, error) {
	var identity OAuth2Identity
	if err := p.ctxDB(ctx).Where("provider_issuer = ? AND subject = ?", issuer, subject).First(&identity).Error; err != nil {
		return nil, wrapNotFound(err, "oauth2 identity not found")
	}
	return p.GetUser(ctx, identity.UserFk)
}

func (p *GormProvider) DeleteOAuth2Identity(ctx context.Context, userID int64, issuer string) error {
	res := p.ctxDB(ctx).Where("user_fk = ? AND provider_issuer = ?", userID, issuer).Delete(&OAuth2Identity{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("oauth2 identity not found", gorm.ErrRecordNotFound)
	}
	return nil
}
