package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AssignmentRepository 任务领取仓库
type AssignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository 创建任务领取仓库
func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// FindByID 根据ID查找
func (r *AssignmentRepository) FindByID(ctx context.Context, id uint) (*entity.TaskAssignment, error) {
	var assignment entity.TaskAssignment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		return nil, notFound(err)
	}
	return &assignment, nil
}

// Create 创建领取记录
func (r *AssignmentRepository) Create(ctx context.Context, assignment *entity.TaskAssignment) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(assignment).Error
}

// Save 保存领取记录
func (r *AssignmentRepository) Save(ctx context.Context, assignment *entity.TaskAssignment) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(assignment).Error
}

// Delete 删除领取记录
func (r *AssignmentRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&entity.TaskAssignment{}).Error
}

// CountCompletedByTask 任务已完成的领取数
func (r *AssignmentRepository) CountCompletedByTask(ctx context.Context, taskID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.TaskAssignment{}).
		Where("task_id = ? AND completed = ?", taskID, true).
		Count(&count).Error
	return count, err
}

// CountCompletedByBatch 批次已完成的领取数
func (r *AssignmentRepository) CountCompletedByBatch(ctx context.Context, batchID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.TaskAssignment{}).
		Joins("JOIN tasks ON tasks.id = task_assignments.task_id").
		Where("tasks.batch_id = ? AND task_assignments.completed = ?", batchID, true).
		Count(&count).Error
	return count, err
}

// ListOutstandingByUser 用户未完成的领取（预加载任务、批次、项目）
func (r *AssignmentRepository) ListOutstandingByUser(ctx context.Context, userID uint) ([]entity.TaskAssignment, error) {
	var assignments []entity.TaskAssignment
	err := r.db.WithContext(ctx).
		Preload("Task.Batch.Project").
		Where("assigned_to_id = ? AND completed = ?", userID, false).
		Order("id ASC").
		Find(&assignments).Error
	return assignments, err
}

// ExpireAbandoned 删除已过期的未完成领取，batchID 为 nil 时作用于全部批次
func (r *AssignmentRepository) ExpireAbandoned(ctx context.Context, now time.Time, batchID *uint) (int64, error) {
	query := r.db.WithContext(ctx).
		Where("completed = ? AND expires_at IS NOT NULL AND expires_at < ?", false, now)
	if batchID != nil {
		query = query.Where("task_id IN (?)",
			r.db.Model(&entity.Task{}).Select("id").Where("batch_id = ?", *batchID))
	}
	result := query.Delete(&entity.TaskAssignment{})
	return result.RowsAffected, result.Error
}
