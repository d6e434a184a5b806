package db

import (
	"context"

	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

func (p *GormProvider) AddOwner(ctx context.Context, crateName, userName string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	return p.ctxDB(ctx).Create(&Owner{CrateFk: crate.ID, UserFk: u.ID}).Error
}

func (p *GormProvider) GetCrateOwners(ctx context.Context, crateName string) ([]User, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return nil, err
	}
	var users []User
	err = p.ctxDB(ctx).Joins("JOIN owners ON owners.user_fk = users.id").
		Where("owners.crate_fk = ?", crate.ID).Find(&users).Error
	return users, err
}

// DeleteOwner removes one owner from a crate's publish ACL. Unless
// AllowOwnerlessCrates is set, removing the last remaining owner fails
// with LastOwner and the ACL is left untouched.
func (p *GormProvider) DeleteOwner(ctx context.Context, crateName, userName string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	if !p.cfg.AllowOwnerlessCrates {
		var count int64
		if err := p.ctxDB(ctx).Model(&Owner{}).Where("crate_fk = ?", crate.ID).Count(&count).Error; err != nil {
			return err
		}
		if count <= 1 {
			return kellnrerr.Conflict("cannot remove the last owner of a crate", nil)
		}
	}
	res := p.ctxDB(ctx).Where("crate_fk = ? AND user_fk = ?", crate.ID, u.ID).Delete(&Owner{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("owner not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) IsOwner(ctx context.Context, crateName, userName string) (bool, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return false, err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return false, err
	}
	var count int64
	err = p.ctxDB(ctx).Model(&Owner{}).Where("crate_fk = ? AND user_fk = ?", crate.ID, u.ID).Count(&count).Error
	return count > 0, err
}

func (p *GormProvider) AddCrateUser(ctx context.Context, crateName, userName string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	return p.ctxDB(ctx).Create(&CrateUser{CrateFk: crate.ID, UserFk: u.ID}).Error
}

func (p *GormProvider) GetCrateUsers(ctx context.Context, crateName string) ([]User, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return nil, err
	}
	var users []User
	err = p.ctxDB(ctx).Joins("JOIN crate_users ON crate_users.user_fk = users.id").
		Where("crate_users.crate_fk = ?", crate.ID).Find(&users).Error
	return users, err
}

func (p *GormProvider) DeleteCrateUser(ctx context.Context, crateName, userName string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	res := p.ctxDB(ctx).Where("crate_fk = ? AND user_fk = ?", crate.ID, u.ID).Delete(&CrateUser{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("crate user not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) IsCrateUser(ctx context.Context, crateName, userName string) (bool, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return false, err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return false, err
	}
	var count int64
	err = p.ctxDB(ctx).Model(&CrateUser{}).Where("crate_fk = ? AND user_fk = ?", crate.ID, u.ID).Count(&count).Error
	return count > 0, err
}

func (p *GormProvider) AddCrateGroup(ctx context.Context, crateName, groupName string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return err
	}
	g, err := p.GetGroup(ctx, groupName)
	if err != nil {
		return err
	}
	return p.ctxDB(ctx).Create(&CrateGroup{CrateFk: crate.ID, GroupFk: g.ID}).Error
}

func (p *GormProvider) GetCrateGroups(ctx context.Context, crateName string) ([]Group, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return nil, err
	}
	var groups []Group
	err = p.ctxDB(ctx).Joins("JOIN crate_groups ON crate_groups.group_fk = groups.id").
		Where("crate_groups.crate_fk = ?", crate.ID).Find(&groups).Error
	return groups, err
}

func (p *GormProvider) DeleteCrateGroup(ctx context.Context, crateName, groupName string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return err
	}
	g, err := p.GetGroup(ctx, groupName)
	if err != nil {
		return err
	}
	res := p.ctxDB(ctx).Where("crate_fk = ? AND group_fk = ?", crate.ID, g.ID).Delete(&CrateGroup{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return kellnrerr.NotFound("crate group not found", gorm.ErrRecordNotFound)
	}
	return nil
}

func (p *GormProvider) IsCrateGroup(ctx context.Context, crateName, groupName string) (bool, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return false, err
	}
	g, err := p.GetGroup(ctx, groupName)
	if err != nil {
		return false, err
	}
	var count int64
	err = p.ctxDB(ctx).Model(&CrateGroup{}).Where("crate_fk = ? AND group_fk = ?", crate.ID, g.ID).Count(&count).Error
	return count > 0, err
}

// IsCrateGroupUser reports whether userName belongs to any group that
// has been granted download access to crateName.
func (p *GormProvider) IsCrateGroupUser(ctx context.Context, crateName, userName string) (bool, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return false, err
	}
	u, err := p.GetUserByName(ctx, userName)
	if err != nil {
		return false, err
	}
	var count int64
	err = p.ctxDB(ctx).Model(&CrateGroup{}).
		Joins("JOIN group_users ON group_users.group_fk = crate_groups.group_fk").
		Where("crate_groups.crate_fk = ? AND group_users.user_fk = ?", crate.ID, u.ID).
		Count(&count).Error
	return count > 0, err
}

func (p *GormProvider) ChangeDownloadRestricted(ctx context.Context, crateName string, restricted bool) error {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		return err
	}
	return p.ctxDB(ctx).Model(&Crate{}).Where("id = ?", crate.ID).Update("restricted_download", restricted).Error
}

// IsDownloadRestricted reports the restricted_download flag, or false
// for a crate that does not exist: absence is not a secret.
func (p *GormProvider) IsDownloadRestricted(ctx context.Context, crateName string) (bool, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), crateName)
	if err != nil {
		if kellnrerr.Is(err, kellnrerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return crate.RestrictedDownload, nil
}
