package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kellnr/kellnr/indexcodec"
	"gorm.io/gorm"
)

// cratesIoIndexLines converts stored CratesIoIndex rows into the codec's
// wire shape, the same conversion crateIndexLines does for the internal
// Crate/CrateIndex pair.
func cratesIoIndexLines(rows []CratesIoIndex) ([]indexcodec.Line, error) {
	lines := make([]indexcodec.Line, 0, len(rows))
	for _, r := range rows {
		var deps []indexcodec.Dependency
		if r.Deps != "" {
			if err := json.Unmarshal([]byte(r.Deps), &deps); err != nil {
				return nil, fmt.Errorf("decode deps for %s %s: %w", r.Name, r.Version, err)
			}
		}
		features := map[string][]string{}
		if r.Features != "" {
			if err := json.Unmarshal([]byte(r.Features), &features); err != nil {
				return nil, fmt.Errorf("decode features for %s %s: %w", r.Name, r.Version, err)
			}
		}
		var features2 map[string][]string
		if r.Features2 != nil && *r.Features2 != "" {
			if err := json.Unmarshal([]byte(*r.Features2), &features2); err != nil {
				return nil, fmt.Errorf("decode features2 for %s %s: %w", r.Name, r.Version, err)
			}
		}
		lines = append(lines, indexcodec.Line{
			Name: r.Name, Vers: r.Version, Deps: deps, Cksum: r.Cksum,
			Features: features, Features2: features2, Yanked: r.Yanked, V: 2,
		})
	}
	return lines, nil
}

// IsCratesioCacheUpToDate implements the freshness protocol of §4.5: a
// row must exist, and the caller-supplied validators must agree with the
// stored ones (both present and matching, or only one present and
// matching the stored value) for the cache to be UpToDate. Any other
// combination — including both validators absent — is NeedsUpdate, and
// carries the currently cached prefetch blob so the caller can serve it
// while a fresh fetch is in flight.
func (p *GormProvider) IsCratesioCacheUpToDate(ctx context.Context, name string, etag, lastModified *string) (CacheFreshness, *CachedPrefetch, error) {
	var c CratesIoCrate
	err := p.ctxDB(ctx).Where("original_name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CacheNotFound, nil, nil
	}
	if err != nil {
		return CacheNotFound, nil, err
	}

	matches := func(caller *string, stored string) bool {
		return caller == nil || *caller == stored
	}
	bothAbsent := etag == nil && lastModified == nil
	if !bothAbsent && matches(etag, c.Etag) && matches(lastModified, c.LastModified) {
		return CacheUpToDate, nil, nil
	}

	prefetch, err := p.cachedPrefetch(ctx, &c)
	if err != nil {
		return CacheNotFound, nil, err
	}
	return CacheNeedsUpdate, prefetch, nil
}

func (p *GormProvider) cachedPrefetch(ctx context.Context, c *CratesIoCrate) (*CachedPrefetch, error) {
	var rows []CratesIoIndex
	if err := p.ctxDB(ctx).Where("crates_io_fk = ?", c.ID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	lines, err := cratesIoIndexLines(rows)
	if err != nil {
		return nil, err
	}
	bytes, err := indexcodec.EncodeAll(lines)
	if err != nil {
		return nil, err
	}
	return &CachedPrefetch{Bytes: bytes, Etag: c.Etag, LastModified: c.LastModified}, nil
}

// AddCratesioPrefetchData merges a fresh upstream fetch into the cache
// (§4.5 step 1-4): upserts the CratesIoCrate header row with fresh
// validators and max_version computed over every incoming record;
// updates Yanked on any matching existing row; inserts a CratesIoIndex +
// CratesIoMeta pair for versions never observed before. Existing rows'
// other fields are immutable once ingested.
func (p *GormProvider) AddCratesioPrefetchData(ctx context.Context, name, etag, lastModified string, description *string, entries []PrefetchEntry) (*CachedPrefetch, error) {
	var result *CachedPrefetch
	err := p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		var c CratesIoCrate
		normalized := normalizeCrateName(name)
		err := tx.Where("original_name = ?", name).First(&c).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c = CratesIoCrate{Name: normalized, OriginalName: name, Etag: etag, LastModified: lastModified, Description: description}
			if err := tx.Create(&c).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			c.Etag = etag
			c.LastModified = lastModified
			if description != nil {
				c.Description = description
			}
			if err := tx.Save(&c).Error; err != nil {
				return err
			}
		}

		for _, e := range entries {
			if isHigherVersion(e.Version, c.MaxVersion) {
				c.MaxVersion = e.Version
			}

			var existing CratesIoIndex
			err := tx.Where("crates_io_fk = ? AND version = ?", c.ID, e.Version).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := CratesIoIndex{
					Name: e.Name, Version: e.Version, Deps: e.Deps, Cksum: e.Cksum,
					Features: e.Features, Features2: optStrPtr(e.Features2), Yanked: e.Yanked,
					CratesIoFk: c.ID,
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				meta := CratesIoMeta{
					Version:       e.Version,
					Documentation: fmt.Sprintf("https://docs.rs/%s/%s", name, e.Version),
					CratesIoFk:    c.ID,
				}
				if err := tx.Create(&meta).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if existing.Yanked != e.Yanked {
					if err := tx.Model(&existing).Update("yanked", e.Yanked).Error; err != nil {
						return err
					}
				}
			}
		}

		if err := tx.Save(&c).Error; err != nil {
			return err
		}
		result, err = p.cachedPrefetch(ctx, &c)
		return err
	})
	return result, err
}

// GetCratesioIndexUpdateList returns the original names of every proxied
// crate the background refresher should poll, ordered by the stored
// Last-Modified validator compared as text.
func (p *GormProvider) GetCratesioIndexUpdateList(ctx context.Context) ([]string, error) {
	var names []string
	err := p.ctxDB(ctx).Model(&CratesIoCrate{}).Order("last_modified").Pluck("original_name", &names).Error
	return names, err
}

func (p *GormProvider) IncreaseCachedDownloadCounter(ctx context.Context, name, version string) error {
	var c CratesIoCrate
	if err := p.ctxDB(ctx).Where("original_name = ?", name).First(&c).Error; err != nil {
		return wrapNotFound(err, "cached crate not found")
	}
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&CratesIoCrate{}).Where("id = ?", c.ID).UpdateColumn("total_downloads", gorm.Expr("total_downloads + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&CratesIoMeta{}).Where("crates_io_fk = ? AND version = ?", c.ID, version).
			UpdateColumn("downloads", gorm.Expr("downloads + 1")).Error
	})
}

func (p *GormProvider) GetTotalUniqueCachedCrates(ctx context.Context) (int64, error) {
	var count int64
	err := p.ctxDB(ctx).Model(&CratesIoCrate{}).Count(&count).Error
	return count, err
}

func (p *GormProvider) GetTotalCachedCrateVersions(ctx context.Context) (int64, error) {
	var count int64
	err := p.ctxDB(ctx).Model(&CratesIoIndex{}).Count(&count).Error
	return count, err
}

func (p *GormProvider) GetTotalCachedDownloads(ctx context.Context) (int64, error) {
	var total int64
	err := p.ctxDB(ctx).Model(&CratesIoCrate{}).Select("COALESCE(SUM(total_downloads), 0)").Scan(&total).Error
	return total, err
}
