package repository

import (
	"context"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BatchRepository 批次仓库
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository 创建批次仓库
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// FindByID 根据ID查找批次（预加载项目）
func (r *BatchRepository) FindByID(ctx context.Context, id uint) (*entity.Batch, error) {
	var batch entity.Batch
	err := r.db.WithContext(ctx).
		Preload("Project").
		Where("id = ?", id).
		First(&batch).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &batch, nil
}

// Create 创建批次
func (r *BatchRepository) Create(ctx context.Context, batch *entity.Batch) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(batch).Error
}

// Save 保存批次
func (r *BatchRepository) Save(ctx context.Context, batch *entity.Batch) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(batch).Error
}

// SetActive 启用/停用批次
func (r *BatchRepository) SetActive(ctx context.Context, id uint, active bool) error {
	result := r.db.WithContext(ctx).Model(&entity.Batch{}).
		Where("id = ?", id).
		UpdateColumn("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByProject 项目下的批次，按ID升序
func (r *BatchRepository) ListByProject(ctx context.Context, projectID uint, activeOnly bool) ([]entity.Batch, error) {
	var batches []entity.Batch
	query := r.db.WithContext(ctx).Where("project_id = ?", projectID)
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	err := query.Order("id ASC").Find(&batches).Error
	return batches, err
}

// LockForUpdate 锁定批次行，串行化同一批次内的领取
// postgres 使用 SELECT ... FOR UPDATE；sqlite 通过空更新提前拿到写锁
func (r *BatchRepository) LockForUpdate(ctx context.Context, id uint) error {
	db := r.db.WithContext(ctx)
	if r.db.Dialector.Name() == "postgres" {
		var batch entity.Batch
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", id).
			First(&batch).Error
		return notFound(err)
	}
	result := db.Exec("UPDATE batches SET id = id WHERE id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
