package db

import (
	"context"
	"errors"

	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

func (p *GormProvider) AddUser(ctx context.Context, name, pwdHash, salt string, isAdmin bool) (int64, error) {
	u := User{Name: name, PwdHash: pwdHash, Salt: salt, IsAdmin: isAdmin, Created: nowSortable()}
	if err := p.ctxDB(ctx).Create(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, kellnrerr.Conflict("username already taken", err)
		}
		return 0, err
	}
	return u.ID, nil
}

func (p *GormProvider) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := p.ctxDB(ctx).First(&u, id).Error; err != nil {
		return nil, wrapNotFound(err, "user not found")
	}
	return &u, nil
}

func (p *GormProvider) GetUserByName(ctx context.Context, name string) (*User, error) {
	var u User
	if err := p.ctxDB(ctx).Where("name = ?", name).First(&u).Error; err != nil {
		return nil, wrapNotFound(err, "user not found")
	}
	return &u, nil
}

func (p *GormProvider) GetUserFromToken(ctx context.Context, tokenHash string) (*User, error) {
	var tok AuthToken
	if err := p.ctxDB(ctx).Where("token_hash = ?", tokenHash).First(&tok).Error; err != nil {
		return nil, wrapNotFound(err, "token not found")
	}
	return p.GetUser(ctx, tok.UserFk)
}

func (p *GormProvider) GetUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := p.ctxDB(ctx).Order("name").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (p *GormProvider) DeleteUser(ctx context.Context, id int64) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_fk = ?", id).Delete(&AuthToken{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_fk = ?", id).Delete(&Session{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_fk = ?", id).Delete(&GroupUser{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_fk = ?", id).Delete(&Owner{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return kellnrerr.NotFound("user not found", gorm.ErrRecordNotFound)
		}
		return nil
	})
}

func (p *GormProvider) ChangePassword(ctx context.Context, id int64, pwdHash, salt string) error {
	res := p.ctxDB(ctx).Model(&User{}).Where("id = ?", id).Updates(map[string]interface{}{
		"pwd_hash": pwdHash, "salt": salt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("user not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) ChangeAdminState(ctx context.Context, id int64, isAdmin bool) error {
	res := p.ctxDB(ctx).Model(&User{}).Where("id = ?", id).Update("is_admin", isAdmin)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("user not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) ChangeReadOnlyState(ctx context.Context, id int64, isReadOnly bool) error {
	res := p.ctxDB(ctx).Model(&User{}).Where("id = ?", id).Update("is_read_only", isReadOnly)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("user not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) AuthenticateUser(ctx context.Context, name, pwdHash string) (*User, error) {
	var u User
	if err := p.ctxDB(ctx).Where("name = ? AND pwd_hash = ?", name, pwdHash).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, kellnrerr.Authorization("invalid username or password", err)
		}
		return nil, err
	}
	return &u, nil
}

func (p *GormProvider) IsUsernameAvailable(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := p.ctxDB(ctx).Model(&User{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	return count == 0, nil
}

func (p *GormProvider) AddAuthToken(ctx context.Context, userID int64, name, tokenHash string) (int64, error) {
	t := AuthToken{Name: name, TokenHash: tokenHash, UserFk: userID}
	if err := p.ctxDB(ctx).Create(&t).Error; err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (p *GormProvider) GetAuthTokens(ctx context.Context, userID int64) ([]AuthToken, error) {
	var tokens []AuthToken
	if err := p.ctxDB(ctx).Where("user_fk = ?", userID).Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func (p *GormProvider) DeleteAuthToken(ctx context.Context, userID, tokenID int64) error {
	res := p.ctxDB(ctx).Where("id = ? AND user_fk = ?", tokenID, userID).Delete(&AuthToken{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("token not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) AddSessionToken(ctx context.Context, userID int64, token string) error {
	s := Session{Token: token, Created: nowSortable(), UserFk: userID}
	return p.ctxDB(ctx).Create(&s).Error
}

func (p *GormProvider) ValidateSession(ctx context.Context, token string) (*User, error) {
	var s Session
	if err := p.ctxDB(ctx).Where("token = ?", token).First(&s).Error; err != nil {
		return nil, wrapNotFound(err, "session not found")
	}
	return p.GetUser(ctx, s.UserFk)
}

func (p *GormProvider) DeleteSessionToken(ctx context.Context, token string) error {
	return p.ctxDB(ctx).Where("token = ?", token).Delete(&Session{}).Error
}

func (p *GormProvider) CleanupSessions(ctx context.Context, maxAge int64) (int64, error) {
	cutoff := nowSortableMinus(maxAge)
	res := p.ctxDB(ctx).Where("created < ?", cutoff).Delete(&Session{})
	return res.RowsAffected, res.Error
}
