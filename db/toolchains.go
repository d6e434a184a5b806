package db

import (
	"context"
	"errors"

	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

func (p *GormProvider) AddToolchain(ctx context.Context, name, version, date string) (int64, error) {
	t := Toolchain{Name: name, Version: version, Date: date, Created: nowSortable()}
	if err := p.ctxDB(ctx).Create(&t).Error; err != nil {
		return 0, err
	}
	return t.ID, nil
}

func (p *GormProvider) AddToolchainTarget(ctx context.Context, toolchainID int64, target, storagePath, hash string, size int64) error {
	row := ToolchainTarget{Target: target, StoragePath: storagePath, Hash: hash, Size: size, ToolchainFk: toolchainID}
	return p.ctxDB(ctx).Create(&row).Error
}

// DeleteToolchainTarget removes one target's archive record; if it was
// the last target for its toolchain, the toolchain row itself is
// removed so dangling channel pointers never outlive their targets.
func (p *GormProvider) DeleteToolchainTarget(ctx context.Context, toolchainID int64, target string) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("toolchain_fk = ? AND target = ?", toolchainID, target).Delete(&ToolchainTarget{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return kellnrerr.NotFound("toolchain target not found", gorm.ErrRecordNotFound)
		}
		var remaining int64
		if err := tx.Model(&ToolchainTarget{}).Where("toolchain_fk = ?", toolchainID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			return tx.Delete(&Toolchain{}, toolchainID).Error
		}
		return nil
	})
}

func (p *GormProvider) DeleteToolchain(ctx context.Context, id int64) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("toolchain_fk = ?", id).Delete(&ToolchainTarget{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Toolchain{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return kellnrerr.NotFound("toolchain not found", gorm.ErrRecordNotFound)
		}
		return nil
	})
}

func (p *GormProvider) GetToolchainByChannel(ctx context.Context, name, channel string) (*Toolchain, error) {
	var t Toolchain
	err := p.ctxDB(ctx).Preload("Targets").Where("name = ? AND channel = ?", name, channel).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kellnrerr.NotFound("toolchain channel not found", err)
	}
	return &t, err
}

func (p *GormProvider) GetToolchainByVersion(ctx context.Context, name, version string) (*Toolchain, error) {
	return p.GetToolchainByNameVersion(ctx, name, version)
}

func (p *GormProvider) GetToolchainByNameVersion(ctx context.Context, name, version string) (*Toolchain, error) {
	var t Toolchain
	err := p.ctxDB(ctx).Preload("Targets").Where("name = ? AND version = ?", name, version).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kellnrerr.NotFound("toolchain not found", err)
	}
	return &t, err
}

func (p *GormProvider) ListToolchains(ctx context.Context, name string) ([]Toolchain, error) {
	var rows []Toolchain
	err := p.ctxDB(ctx).Preload("Targets").Where("name = ?", name).Order("date DESC").Find(&rows).Error
	return rows, err
}

func (p *GormProvider) GetChannels(ctx context.Context, name string) ([]string, error) {
	var channels []string
	err := p.ctxDB(ctx).Model(&Toolchain{}).
		Where("name = ? AND channel IS NOT NULL", name).
		Distinct().Pluck("channel", &channels).Error
	return channels, err
}

// SetChannel points channel at toolchainID, clearing the channel off
// whatever toolchain previously held it: at most one Toolchain row holds
// a given channel for a given name at a time.
func (p *GormProvider) SetChannel(ctx context.Context, toolchainID int64, channel string) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		var t Toolchain
		if err := tx.First(&t, toolchainID).Error; err != nil {
			return wrapNotFound(err, "toolchain not found")
		}
		if err := tx.Model(&Toolchain{}).
			Where("name = ? AND channel = ?", t.Name, channel).
			Update("channel", nil).Error; err != nil {
			return err
		}
		return tx.Model(&Toolchain{}).Where("id = ?", toolchainID).Update("channel", channel).Error
	})
}
