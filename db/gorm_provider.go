package db

import (
	"context"
	"errors"

	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

// RegistryConfig carries the subset of settings (see SPEC_FULL.md §6)
// that change how DbProvider operations behave rather than just how they
// connect: owner-protection, new-crate restriction, and doc-build
// gating.
type RegistryConfig struct {
	AllowOwnerlessCrates bool
	NewCratesRestricted  bool
	RequiredCrateFields  []string
	DocsEnabled          bool
}

// GormProvider implements DbProvider against a GORM connection. It is the
// only DbProvider implementation shipped; tests use it against an
// in-memory sqlite database instead of a mock.
type GormProvider struct {
	db  *gorm.DB
	cfg RegistryConfig
}

// NewGormProvider wraps an already-connected, already-migrated *gorm.DB.
func NewGormProvider(gdb *gorm.DB, cfg RegistryConfig) *GormProvider {
	return &GormProvider{db: gdb, cfg: cfg}
}

func (p *GormProvider) ctxDB(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx)
}

func wrapNotFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return kellnrerr.NotFound(msg, err)
	}
	return err
}
