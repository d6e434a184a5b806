package db

import (
	"context"

	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

func (p *GormProvider) AddGroup(ctx context.Context, name string) (int64, error) {
	g := Group{Name: name}
	if err := p.ctxDB(ctx).Create(&g).Error; err != nil {
		return 0, err
	}
	return g.ID, nil
}

func (p *GormProvider) GetGroup(ctx context.Context, name string) (*Group, error) {
	var g Group
	if err := p.ctxDB(ctx).Where("name = ?", name).First(&g).Error; err != nil {
		return nil, wrapNotFound(err, "group not found")
	}
	return &g, nil
}

func (p *GormProvider) GetGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := p.ctxDB(ctx).Order("name").Find(&groups).Error; err != nil {
		return nil, err
	}
	return groups, nil
}

func (p *GormProvider) DeleteGroup(ctx context.Context, name string) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := p.getGroupTx(tx, name)
		if err != nil {
			return err
		}
		if err := tx.Where("group_fk = ?", g.ID).Delete(&GroupUser{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_fk = ?", g.ID).Delete(&CrateGroup{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Group{}, g.ID).Error
	})
}

func (p *GormProvider) getGroupTx(tx *gorm.DB, name string) (*Group, error) {
	var g Group
	if err := tx.Where("name = ?", name).First(&g).Error; err != nil {
		return nil, wrapNotFound(err, "group not found")
	}
	return &g, nil
}

func (p *GormProvider) AddGroupUser(ctx context.Context, groupName, userName string) error {
	g, err := p.GetGroup(ctx, groupName)
	if err != nil {
		return err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	return p.ctxDB(ctx).Create(&GroupUser{GroupFk: g.ID, UserFk: u.ID}).Error
}

func (p *GormProvider) GetGroupUsers(ctx context.Context, groupName string) ([]User, error) {
	g, err := p.GetGroup(ctx, groupName)
	if err != nil {
		return nil, err
	}
	var users []User
	err = p.ctxDB(ctx).
		Joins("JOIN group_users ON group_users.user_fk = users.id").
		Where("group_users.group_fk = ?", g.ID).
		Find(&users).Error
	return users, err
}

func (p *GormProvider) IsGroupUser(ctx context.Context, groupName, userName string) (bool, error) {
	g, err := p.GetGroup(ctx, groupName)
	if err != nil {
		return false, err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return false, err
	}
	var count int64
	err = p.ctxDB(ctx).Model(&GroupUser{}).Where("group_fk = ? AND user_fk = ?", g.ID, u.ID).Count(&count).Error
	return count > 0, err
}

func (p *GormProvider) DeleteGroupUser(ctx context.Context, groupName, userName string) error {
	g, err := p.GetGroup(ctx, groupName)
	if err != nil {
		return err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	res := p.ctxDB(ctx).Where("group_fk = ? AND user_fk = ?", g.ID, u.ID).Delete(&GroupUser{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("group membership not found", gorm.ErrRecordNotFound)
	}
	return nil
}
