package repository

import (
	"context"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProjectRepository 项目仓库
type ProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository 创建项目仓库
func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// FindByID 根据ID查找项目
func (r *ProjectRepository) FindByID(ctx context.Context, id uint) (*entity.Project, error) {
	var project entity.Project
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		return nil, notFound(err)
	}
	return &project, nil
}

// Create 创建项目
func (r *ProjectRepository) Create(ctx context.Context, project *entity.Project) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(project).Error
}

// Save 保存项目（触发模板字段缓存刷新）
func (r *ProjectRepository) Save(ctx context.Context, project *entity.Project) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(project).Error
}

// List 项目列表
func (r *ProjectRepository) List(ctx context.Context, page, pageSize int) ([]entity.Project, int64, error) {
	var projects []entity.Project
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.Project{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * pageSize
	err := query.Order("id ASC").Offset(offset).Limit(pageSize).Find(&projects).Error
	return projects, total, err
}

// ListActive 启用的项目，anonymousOnly 时只返回无需登录的项目
func (r *ProjectRepository) ListActive(ctx context.Context, anonymousOnly bool) ([]entity.Project, error) {
	var projects []entity.Project
	query := r.db.WithContext(ctx).Where("active = ?", true)
	if anonymousOnly {
		query = query.Where("login_required = ?", false)
	}
	err := query.Order("id ASC").Find(&projects).Error
	return projects, err
}
