package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kellnr/kellnr/indexcodec"
	"github.com/kellnr/kellnr/kellnrerr"
	"gorm.io/gorm"
)

// fieldValue resolves one of the names accepted by RequiredCrateFields
// against the fields publish actually received.
func (d CrateVersionData) fieldValue(name string) string {
	switch name {
	case "description":
		return d.Description
	case "homepage":
		return d.Homepage
	case "repository":
		return d.Repository
	case "license":
		return d.License
	case "readme":
		return d.Readme
	case "documentation":
		return d.Documentation
	default:
		return ""
	}
}

// checkRequiredFields enforces RequiredCrateFields: every named field of
// the published metadata must be non-empty, or MissingRequiredFields is
// returned.
func (p *GormProvider) checkRequiredFields(data CrateVersionData) error {
	var missing []string
	for _, f := range p.cfg.RequiredCrateFields {
		if data.fieldValue(f) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return kellnrerr.Validation(fmt.Sprintf("missing required crate fields: %v (required: %v)", missing, p.cfg.RequiredCrateFields), nil)
	}
	return nil
}

// Publish inserts or updates a Crate row and appends one CrateMeta/
// CrateIndex version pair, replacing the author/keyword/category links
// for the crate, then recomputes the crate's ETag from the full set of
// CrateIndex rows. The whole operation runs in one transaction so a
// partially-written version is never observable.
func (p *GormProvider) Publish(ctx context.Context, data CrateVersionData) error {
	if err := p.checkRequiredFields(data); err != nil {
		return err
	}
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		var crate Crate
		name := normalizeCrateName(data.Name)
		err := tx.Where("name = ?", name).First(&crate).Error
		isNewCrate := errors.Is(err, gorm.ErrRecordNotFound)
		switch {
		case isNewCrate:
			if data.Actor != "" && !data.ActorIsAdmin && p.cfg.NewCratesRestricted {
				return kellnrerr.Authorization("new crate creation is restricted to admins", nil)
			}
			crate = Crate{
				Name:         name,
				OriginalName: data.Name,
				MaxVersion:   data.Version,
				LastUpdated:  nowSortable(),
				Description:  strPtr(data.Description),
				Homepage:     strPtr(data.Homepage),
				Repository:   strPtr(data.Repository),
			}
			if err := tx.Create(&crate).Error; err != nil {
				return err
			}
			if data.Actor != "" {
				if actor, err := findUserByName(tx, data.Actor); err == nil {
					if err := tx.Create(&Owner{CrateFk: crate.ID, UserFk: actor.ID}).Error; err != nil {
						return err
					}
				}
			}
		case err != nil:
			return err
		default:
			var count int64
			if err := tx.Model(&CrateIndex{}).Where("crate_fk = ? AND version = ?", crate.ID, data.Version).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return kellnrerr.Conflict("version already published", nil)
			}
			if data.Actor != "" {
				owned, err := isOwnerTx(tx, crate.ID, data.Actor)
				if err != nil {
					return err
				}
				if !owned {
					return kellnrerr.Authorization("actor does not own this crate", nil)
				}
			}
			crate.LastUpdated = nowSortable()
			if isHigherVersion(data.Version, crate.MaxVersion) {
				crate.MaxVersion = data.Version
			}
			if data.Description != "" {
				crate.Description = strPtr(data.Description)
			}
			if err := tx.Save(&crate).Error; err != nil {
				return err
			}
		}

		meta := CrateMeta{
			Version:       data.Version,
			Created:       nowSortable(),
			Readme:        optStrPtr(data.Readme),
			License:       optStrPtr(data.License),
			LicenseFile:   optStrPtr(data.LicenseFile),
			Documentation: optStrPtr(data.Documentation),
			Checksum:      data.Checksum,
			CrateFk:       crate.ID,
		}
		if err := tx.Create(&meta).Error; err != nil {
			return err
		}

		idx := CrateIndex{
			Name:      data.Name,
			Version:   data.Version,
			Deps:      data.Deps,
			Cksum:     data.Checksum,
			Features:  data.Features,
			Features2: optStrPtr(data.Features2),
			Links:     optStrPtr(data.Links),
			V:         2,
			CrateFk:   crate.ID,
		}
		if err := tx.Create(&idx).Error; err != nil {
			return err
		}

		if err := relinkNames(tx, crate.ID, "crate_fk", "author_fk", &Author{}, &CrateAuthorToCrate{}, data.Authors); err != nil {
			return err
		}
		if err := relinkNames(tx, crate.ID, "crate_fk", "keyword_fk", &Keyword{}, &CrateKeywordToCrate{}, data.Keywords); err != nil {
			return err
		}
		if err := relinkNames(tx, crate.ID, "crate_fk", "category_fk", &Category{}, &CrateCategoryToCrate{}, data.Categories); err != nil {
			return err
		}

		if err := recomputeEtag(tx, crate.ID); err != nil {
			return err
		}

		event := WebhookCrateUpdate
		if isNewCrate {
			event = WebhookCrateAdd
		}
		if err := fanOutWebhook(tx, event, fmt.Sprintf(`{"name":%q,"vers":%q}`, data.Name, data.Version)); err != nil {
			return err
		}
		if p.cfg.DocsEnabled && data.Documentation == "" {
			if err := tx.Create(&DocQueue{Package: data.Name, Version: data.Version, Workdir: name + "-" + data.Version}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// crateIndexLines loads every CrateIndex row for a crate, in publish
// (id) order, and converts it to the codec's wire shape.
func crateIndexLines(tx *gorm.DB, crateID int64) ([]indexcodec.Line, error) {
	var rows []CrateIndex
	if err := tx.Where("crate_fk = ?", crateID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
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
			Features: features, Features2: features2, Yanked: r.Yanked,
			Links: r.Links, V: r.V,
		})
	}
	return lines, nil
}

// recomputeEtag rehashes a crate's full CrateIndex set and stores the
// result, keeping Crate.Etag a pure function of its index content.
func recomputeEtag(tx *gorm.DB, crateID int64) error {
	lines, err := crateIndexLines(tx, crateID)
	if err != nil {
		return err
	}
	etag, err := indexcodec.ETag(lines)
	if err != nil {
		return err
	}
	return tx.Model(&Crate{}).Where("id = ?", crateID).Update("etag", etag).Error
}

// fanOutWebhook inserts one WebhookQueue row per registered Webhook
// matching event, ready for immediate delivery.
func fanOutWebhook(tx *gorm.DB, event, payload string) error {
	var hooks []Webhook
	if err := tx.Where("event = ?", event).Find(&hooks).Error; err != nil {
		return err
	}
	for _, h := range hooks {
		q := WebhookQueue{ID: uuid.NewString(), WebhookFk: h.ID, Payload: payload, NextAttempt: nowSortable()}
		if err := tx.Create(&q).Error; err != nil {
			return err
		}
	}
	return nil
}

func (p *GormProvider) AddEmptyCrate(ctx context.Context, name string) (int64, error) {
	c := Crate{Name: normalizeCrateName(name), OriginalName: name, MaxVersion: "0.0.0", LastUpdated: nowSortable()}
	if err := p.ctxDB(ctx).Create(&c).Error; err != nil {
		return 0, err
	}
	return c.ID, nil
}

// Delete removes one published version: its CrateMeta and CrateIndex
// rows. If no meta rows remain afterward, the Crate row (and every ACL
// and link row referencing it) is cascaded away; otherwise, if the
// deleted version was the max, max_version is recomputed from the
// remaining versions and the ETag is rehashed. Deleting a row that does
// not exist fails with NotFound rather than silently no-op-ing, so a
// caller never observes a partial delete.
func (p *GormProvider) Delete(ctx context.Context, name, version string) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		crate, err := getCrateTx(tx, name)
		if err != nil {
			return err
		}

		metaRes := tx.Where("crate_fk = ? AND version = ?", crate.ID, version).Delete(&CrateMeta{})
		if metaRes.Error != nil {
			return metaRes.Error
		}
		if metaRes.RowsAffected == 0 {
			return kellnrerr.NotFound("crate meta not found", gorm.ErrRecordNotFound)
		}
		idxRes := tx.Where("crate_fk = ? AND version = ?", crate.ID, version).Delete(&CrateIndex{})
		if idxRes.Error != nil {
			return idxRes.Error
		}
		if idxRes.RowsAffected == 0 {
			return kellnrerr.NotFound("crate index not found", gorm.ErrRecordNotFound)
		}

		var remaining []CrateMeta
		if err := tx.Where("crate_fk = ?", crate.ID).Find(&remaining).Error; err != nil {
			return err
		}
		if len(remaining) == 0 {
			for _, stmt := range []struct {
				model interface{}
				col   string
			}{
				{&Owner{}, "crate_fk"}, {&CrateUser{}, "crate_fk"}, {&CrateGroup{}, "crate_fk"},
				{&CrateAuthorToCrate{}, "crate_fk"}, {&CrateKeywordToCrate{}, "crate_fk"}, {&CrateCategoryToCrate{}, "crate_fk"},
			} {
				if err := tx.Where(stmt.col+" = ?", crate.ID).Delete(stmt.model).Error; err != nil {
					return err
				}
			}
			return tx.Delete(&Crate{}, crate.ID).Error
		}

		if version == crate.MaxVersion {
			max := remaining[0].Version
			for _, m := range remaining[1:] {
				if isHigherVersion(m.Version, max) {
					max = m.Version
				}
			}
			if err := tx.Model(&Crate{}).Where("id = ?", crate.ID).Update("max_version", max).Error; err != nil {
				return err
			}
		}
		return recomputeEtag(tx, crate.ID)
	})
}

func findUserByName(tx *gorm.DB, name string) (*User, error) {
	var u User
	if err := tx.Where("name = ?", name).First(&u).Error; err != nil {
		return nil, wrapNotFound(err, "user not found")
	}
	return &u, nil
}

func isOwnerTx(tx *gorm.DB, crateID int64, userName string) (bool, error) {
	u, err := findUserByName(tx, userName)
	if err != nil {
		return false, err
	}
	var count int64
	err = tx.Model(&Owner{}).Where("crate_fk = ? AND user_fk = ?", crateID, u.ID).Count(&count).Error
	return count > 0, err
}

func getCrateTx(tx *gorm.DB, name string) (*Crate, error) {
	var c Crate
	if err := tx.Where("name = ?", normalizeCrateName(name)).First(&c).Error; err != nil {
		return nil, wrapNotFound(err, "crate not found")
	}
	return &c, nil
}

func (p *GormProvider) YankCrate(ctx context.Context, name, version string) error {
	return p.setYanked(ctx, name, version, true)
}

func (p *GormProvider) UnyankCrate(ctx context.Context, name, version string) error {
	return p.setYanked(ctx, name, version, false)
}

func (p *GormProvider) setYanked(ctx context.Context, name, version string, yanked bool) error {
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		crate, err := getCrateTx(tx, name)
		if err != nil {
			return err
		}
		res := tx.Model(&CrateIndex{}).Where("crate_fk = ? AND version = ?", crate.ID, version).Update("yanked", yanked)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return kellnrerr.NotFound("crate version not found", gorm.ErrRecordNotFound)
		}
		if err := recomputeEtag(tx, crate.ID); err != nil {
			return err
		}
		event := WebhookCrateUnyank
		if yanked {
			event = WebhookCrateYank
		}
		return fanOutWebhook(tx, event, fmt.Sprintf(`{"name":%q,"vers":%q}`, name, version))
	})
}

func (p *GormProvider) GetPrefetchData(ctx context.Context, name string) ([]PrefetchEntry, string, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), name)
	if err != nil {
		return nil, "", err
	}
	var rows []CrateIndex
	if err := p.ctxDB(ctx).Where("crate_fk = ?", crate.ID).Order("id").Find(&rows).Error; err != nil {
		return nil, "", err
	}
	entries := make([]PrefetchEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, PrefetchEntry{
			Name: r.Name, Version: r.Version, Deps: r.Deps, Cksum: r.Cksum,
			Features: r.Features, Features2: derefStr(r.Features2), Yanked: r.Yanked,
			Links: derefStr(r.Links), V: r.V,
		})
	}
	return entries, crate.Etag, nil
}

func (p *GormProvider) IncreaseDownloadCounter(ctx context.Context, name, version string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), name)
	if err != nil {
		return err
	}
	return p.ctxDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Crate{}).Where("id = ?", crate.ID).UpdateColumn("total_downloads", gorm.Expr("total_downloads + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&CrateMeta{}).Where("crate_fk = ? AND version = ?", crate.ID, version).
			UpdateColumn("downloads", gorm.Expr("downloads + 1")).Error
	})
}

func (p *GormProvider) GetMaxVersionFromName(ctx context.Context, name string) (string, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), name)
	if err != nil {
		return "", err
	}
	return crate.MaxVersion, nil
}

func (p *GormProvider) GetCrateData(ctx context.Context, name string) (*CrateSummary, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), name)
	if err != nil {
		return nil, err
	}
	return p.crateToSummary(ctx, crate)
}

func (p *GormProvider) crateToSummary(ctx context.Context, crate *Crate) (*CrateSummary, error) {
	s := &CrateSummary{
		CrateOverview: CrateOverview{
			Name: crate.Name, OriginalName: crate.OriginalName, MaxVersion: crate.MaxVersion,
			Description: derefStr(crate.Description), LastUpdated: crate.LastUpdated,
			TotalDownloads: crate.TotalDownloads,
		},
		Homepage:   derefStr(crate.Homepage),
		Repository: derefStr(crate.Repository),
	}
	var err error
	if s.Authors, err = linkedNames(p.ctxDB(ctx), crate.ID, "crate_authors_to_crate", "author_fk", "authors"); err != nil {
		return nil, err
	}
	if s.Keywords, err = linkedNames(p.ctxDB(ctx), crate.ID, "crate_keywords_to_crate", "keyword_fk", "keywords"); err != nil {
		return nil, err
	}
	if s.Categories, err = linkedNames(p.ctxDB(ctx), crate.ID, "crate_categories_to_crate", "category_fk", "categories"); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *GormProvider) GetCrateOverviewList(ctx context.Context, offset, limit int) ([]CrateOverview, error) {
	var crates []Crate
	if err := p.ctxDB(ctx).Order("name").Offset(offset).Limit(limit).Find(&crates).Error; err != nil {
		return nil, err
	}
	return toOverviews(crates), nil
}

func (p *GormProvider) GetCrateVersions(ctx context.Context, name string) ([]CrateIndex, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), name)
	if err != nil {
		return nil, err
	}
	var rows []CrateIndex
	err = p.ctxDB(ctx).Where("crate_fk = ?", crate.ID).Order("id").Find(&rows).Error
	return rows, err
}

func (p *GormProvider) GetCrateSummaries(ctx context.Context, names []string) ([]CrateSummary, error) {
	summaries := make([]CrateSummary, 0, len(names))
	for _, n := range names {
		crate, err := getCrateTx(p.ctxDB(ctx), n)
		if err != nil {
			continue
		}
		s, err := p.crateToSummary(ctx, crate)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *s)
	}
	return summaries, nil
}

func (p *GormProvider) SearchInCrateName(ctx context.Context, query string, offset, limit int) ([]CrateOverview, error) {
	var crates []Crate
	like := "%" + query + "%"
	if err := p.ctxDB(ctx).Where("name LIKE ?", like).Order("name").Offset(offset).Limit(limit).Find(&crates).Error; err != nil {
		return nil, err
	}
	return toOverviews(crates), nil
}

func (p *GormProvider) GetLastUpdatedCrate(ctx context.Context, n int) ([]CrateOverview, error) {
	var crates []Crate
	if err := p.ctxDB(ctx).Order("last_updated DESC").Limit(n).Find(&crates).Error; err != nil {
		return nil, err
	}
	return toOverviews(crates), nil
}

func (p *GormProvider) GetTopCratesDownloads(ctx context.Context, n int) ([]CrateOverview, error) {
	var crates []Crate
	if err := p.ctxDB(ctx).Order("total_downloads DESC").Limit(n).Find(&crates).Error; err != nil {
		return nil, err
	}
	return toOverviews(crates), nil
}

func (p *GormProvider) GetTotalUniqueCrates(ctx context.Context) (int64, error) {
	var count int64
	err := p.ctxDB(ctx).Model(&Crate{}).Count(&count).Error
	return count, err
}

func (p *GormProvider) GetTotalCrateVersions(ctx context.Context) (int64, error) {
	var count int64
	err := p.ctxDB(ctx).Model(&CrateIndex{}).Count(&count).Error
	return count, err
}

func (p *GormProvider) GetTotalDownloads(ctx context.Context) (int64, error) {
	var total int64
	err := p.ctxDB(ctx).Model(&Crate{}).Select("COALESCE(SUM(total_downloads), 0)").Scan(&total).Error
	return total, err
}

func (p *GormProvider) CrateVersionExists(ctx context.Context, name, version string) (bool, error) {
	crate, err := getCrateTx(p.ctxDB(ctx), name)
	if err != nil {
		if kellnrerr.Is(err, kellnrerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	var count int64
	err = p.ctxDB(ctx).Model(&CrateIndex{}).Where("crate_fk = ? AND version = ?", crate.ID, version).Count(&count).Error
	return count > 0, err
}

func toOverviews(crates []Crate) []CrateOverview {
	out := make([]CrateOverview, 0, len(crates))
	for _, c := range crates {
		out = append(out, CrateOverview{
			Name: c.Name, OriginalName: c.OriginalName, MaxVersion: c.MaxVersion,
			Description: derefStr(c.Description), LastUpdated: c.LastUpdated,
			TotalDownloads: c.TotalDownloads,
		})
	}
	return out
}
