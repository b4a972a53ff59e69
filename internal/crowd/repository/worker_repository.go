package repository

import (
	"context"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkerRepository 项目作业权限仓库
type WorkerRepository struct {
	db *gorm.DB
}

// NewWorkerRepository 创建项目作业权限仓库
func NewWorkerRepository(db *gorm.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// Exists 用户是否拥有项目的作业权限
func (r *WorkerRepository) Exists(ctx context.Context, projectID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.ProjectWorker{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	return count > 0, err
}

// Grant 授予权限，已存在时忽略
func (r *WorkerRepository) Grant(ctx context.Context, projectID, userID uint) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entity.ProjectWorker{ProjectID: projectID, UserID: userID}).Error
}

// Revoke 撤销权限
func (r *WorkerRepository) Revoke(ctx context.Context, projectID, userID uint) error {
	return r.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&entity.ProjectWorker{}).Error
}

// ListUserIDs 项目下拥有权限的用户
func (r *WorkerRepository) ListUserIDs(ctx context.Context, projectID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&entity.ProjectWorker{}).
		Where("project_id = ?", projectID).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
