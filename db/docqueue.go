package db

import "context"

// AddDocQueue enqueues one documentation build job. An external docs
// builder polls rows in FIFO order; the optional AMQP notification
// (package queue) only wakes it early, the DB row is what makes
// delivery durable.
func (p *GormProvider) AddDocQueue(ctx context.Context, pkg, version, workdir string) (int64, error) {
	row := DocQueue{Package: pkg, Version: version, Workdir: workdir}
	if err := p.ctxDB(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (p *GormProvider) GetDocQueue(ctx context.Context) ([]DocQueue, error) {
	var rows []DocQueue
	err := p.ctxDB(ctx).Order("id").Find(&rows).Error
	return rows, err
}

func (p *GormProvider) DeleteDocQueue(ctx context.Context, id int64) error {
	return p.ctxDB(ctx).Delete(&DocQueue{}, id).Error
}

// UpdateDocsLink records the externally-built documentation URL for a
// crate version once the doc-build queue consumer has finished the job.
func (p *GormProvider) UpdateDocsLink(ctx context.Context, name, version, link string) error {
	crate, err := getCrateTx(p.ctxDB(ctx), name)
	if err != nil {
		return err
	}
	return p.ctxDB(ctx).Model(&CrateMeta{}).Where("crate_fk = ? AND version = ?", crate.ID, version).
		Update("documentation", link).Error
}
