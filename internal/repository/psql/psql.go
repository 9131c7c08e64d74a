package psql

import (
	"clipqueue/internal/domain/entity"
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormJobRepo struct {
	DB *gorm.DB
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{DB: db}
}

func (r *GormJobRepo) Migrate() error {
	return r.DB.AutoMigrate(&entity.JobHistory{})
}

// RecordJob upserts the archived copy of a finished job.
func (r *GormJobRepo) RecordJob(ctx context.Context, job *entity.Job) error {
	row := entity.NewJobHistory(job)
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (r *GormJobRepo) GetJob(ctx context.Context, jobID string) (*entity.Job, error) {
	row := &entity.JobHistory{}
	err := r.DB.WithContext(ctx).First(row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, entity.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archived job: %w", err)
	}
	return row.ToJob(), nil
}

func (r *GormJobRepo) ListByBatch(ctx context.Context, batchID string) ([]entity.JobHistory, error) {
	var rows []entity.JobHistory
	err := r.DB.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at").
		Find(&rows).Error
	return rows, err
}
