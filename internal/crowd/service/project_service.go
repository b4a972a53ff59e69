package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
	"go.uber.org/zap"
)

// ProjectService 项目服务
type ProjectService struct {
	repos  *repository.Repositories
	logger *zap.Logger
}

// NewProjectService 创建项目服务
func NewProjectService(repos *repository.Repositories, logger *zap.Logger) *ProjectService {
	return &ProjectService{repos: repos, logger: logger}
}

// ProjectInput 创建/更新项目请求，指针字段为 nil 表示不修改
type ProjectInput struct {
	Name               *string `json:"name"`
	HTMLTemplate       *string `json:"html_template"`
	Filename           *string `json:"filename"`
	Active             *bool   `json:"active"`
	LoginRequired      *bool   `json:"login_required"`
	CustomPermissions  *bool   `json:"custom_permissions"`
	AssignmentsPerTask *int    `json:"assignments_per_task"`
}

func (in ProjectInput) apply(p *entity.Project) {
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.HTMLTemplate != nil {
		p.HTMLTemplate = *in.HTMLTemplate
	}
	if in.Filename != nil {
		p.Filename = *in.Filename
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
	if in.LoginRequired != nil {
		p.LoginRequired = *in.LoginRequired
	}
	if in.CustomPermissions != nil {
		p.CustomPermissions = *in.CustomPermissions
	}
	if in.AssignmentsPerTask != nil {
		p.AssignmentsPerTask = *in.AssignmentsPerTask
	}
}

// Create 创建项目
func (s *ProjectService) Create(ctx context.Context, in ProjectInput, userID uint) (*entity.Project, error) {
	project := &entity.Project{
		Active:             true,
		LoginRequired:      true,
		AssignmentsPerTask: 1,
	}
	in.apply(project)
	if project.Name == "" {
		return nil, &entity.ValidationError{Field: "name", Message: "This field is required."}
	}
	if userID != 0 {
		project.CreatedByID = &userID
		project.UpdatedByID = &userID
	}
	if err := project.Validate(); err != nil {
		return nil, err
	}
	if err := s.repos.Project.Create(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.logger.Info("project created", zap.Uint("project_id", project.ID), zap.String("name", project.Name))
	return project, nil
}

// Update 更新项目，模板字段缓存随保存刷新
func (s *ProjectService) Update(ctx context.Context, id uint, in ProjectInput, userID uint) (*entity.Project, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in.apply(project)
	if project.Name == "" {
		return nil, &entity.ValidationError{Field: "name", Message: "This field is required."}
	}
	if userID != 0 {
		project.UpdatedByID = &userID
	}
	if err := project.Validate(); err != nil {
		return nil, err
	}
	if err := s.repos.Project.Save(ctx, project); err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return project, nil
}

// Get 获取项目
func (s *ProjectService) Get(ctx context.Context, id uint) (*entity.Project, error) {
	project, err := s.repos.Project.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return project, nil
}

// List 项目列表
func (s *ProjectService) List(ctx context.Context, page, pageSize int) ([]entity.Project, int64, error) {
	return s.repos.Project.List(ctx, page, pageSize)
}

// GrantWorker 授予用户项目作业权限
func (s *ProjectService) GrantWorker(ctx context.Context, projectID, userID uint) error {
	if _, err := s.Get(ctx, projectID); err != nil {
		return err
	}
	if _, err := s.repos.User.FindByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return s.repos.Worker.Grant(ctx, projectID, userID)
}

// RevokeWorker 撤销用户项目作业权限
func (s *ProjectService) RevokeWorker(ctx context.Context, projectID, userID uint) error {
	if _, err := s.Get(ctx, projectID); err != nil {
		return err
	}
	return s.repos.Worker.Revoke(ctx, projectID, userID)
}

// ListWorkers 拥有项目作业权限的用户ID
func (s *ProjectService) ListWorkers(ctx context.Context, projectID uint) ([]uint, error) {
	if _, err := s.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return s.repos.Worker.ListUserIDs(ctx, projectID)
}
