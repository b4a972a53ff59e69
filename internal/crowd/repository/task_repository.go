package repository

import (
	"context"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"gorm.io/gorm"
)

// TaskRepository 任务仓库
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository 创建任务仓库
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// FindByID 根据ID查找任务（预加载批次和项目）
func (r *TaskRepository) FindByID(ctx context.Context, id uint) (*entity.Task, error) {
	var task entity.Task
	err := r.db.WithContext(ctx).
		Preload("Batch.Project").
		Where("id = ?", id).
		First(&task).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// CreateBatch 批量创建任务
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []entity.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&tasks, 500).Error
}

// SetCompleted 更新完成状态
func (r *TaskRepository) SetCompleted(ctx context.Context, id uint, completed bool) error {
	return r.db.WithContext(ctx).Model(&entity.Task{}).
		Where("id = ?", id).
		UpdateColumn("completed", completed).Error
}

// AvailableIDs 批次内对该用户可领取的任务ID，按ID升序
// 条件：未完成；用户未领取过（匿名不排除）；领取总数（含未完成）小于冗余度
func (r *TaskRepository) AvailableIDs(ctx context.Context, batchID uint, userID *uint, assignmentsPerTask int) ([]uint, error) {
	query := r.db.WithContext(ctx).Model(&entity.Task{}).
		Joins("LEFT JOIN task_assignments ON task_assignments.task_id = tasks.id").
		Where("tasks.batch_id = ? AND tasks.completed = ?", batchID, false)

	if userID != nil {
		claimed := r.db.Model(&entity.TaskAssignment{}).
			Select("task_id").
			Where("assigned_to_id = ?", *userID)
		query = query.Where("tasks.id NOT IN (?)", claimed)
	}

	var ids []uint
	err := query.
		Group("tasks.id").
		Having("COUNT(task_assignments.id) < ?", assignmentsPerTask).
		Order("tasks.id ASC").
		Pluck("tasks.id", &ids).Error
	return ids, err
}

// CountByBatch 批次任务总数
func (r *TaskRepository) CountByBatch(ctx context.Context, batchID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.Task{}).
		Where("batch_id = ?", batchID).
		Count(&count).Error
	return count, err
}

// CountCompletedByBatch 批次已完成任务数
func (r *TaskRepository) CountCompletedByBatch(ctx context.Context, batchID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.Task{}).
		Where("batch_id = ? AND completed = ?", batchID, true).
		Count(&count).Error
	return count, err
}

// ListByBatch 批次全部任务（按ID升序，预加载全部领取记录）
func (r *TaskRepository) ListByBatch(ctx context.Context, batchID uint) ([]entity.Task, error) {
	var tasks []entity.Task
	err := r.db.WithContext(ctx).
		Preload("Assignments", func(db *gorm.DB) *gorm.DB {
			return db.Order("task_assignments.id ASC")
		}).
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&tasks).Error
	return tasks, err
}
