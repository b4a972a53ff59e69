package service

import (
	"context"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
)

// Worker 当前访问者，UserID 为 0 表示匿名
type Worker struct {
	UserID      uint
	Username    string
	IsStaff     bool
	IsSuperuser bool
}

// Anonymous 匿名访问者
func Anonymous() Worker {
	return Worker{}
}

// WorkerFromUser 由用户构造访问者
func WorkerFromUser(user *entity.User) Worker {
	if user == nil {
		return Anonymous()
	}
	return Worker{
		UserID:      user.ID,
		Username:    user.Username,
		IsStaff:     user.IsStaff,
		IsSuperuser: user.IsSuperuser,
	}
}

// Authenticated 是否已登录
func (w Worker) Authenticated() bool {
	return w.UserID != 0
}

// ID 领取记录中使用的用户ID，匿名为 nil
func (w Worker) ID() *uint {
	if !w.Authenticated() {
		return nil
	}
	id := w.UserID
	return &id
}

// projectAvailable 项目对访问者是否可见
// 匿名只能访问无需登录的项目；开启自定义权限时需要超级用户或单独授权
func projectAvailable(ctx context.Context, repos *repository.Repositories, project *entity.Project, w Worker) (bool, error) {
	if !w.Authenticated() {
		return !project.LoginRequired, nil
	}
	if !project.CustomPermissions || w.IsSuperuser {
		return true, nil
	}
	return repos.Worker.Exists(ctx, project.ID, w.UserID)
}

// batchOpen 批次及其项目都处于启用状态，且项目对访问者可见
func batchOpen(ctx context.Context, repos *repository.Repositories, batch *entity.Batch, w Worker) (bool, error) {
	if batch.Project == nil || !batch.Active || !batch.Project.Active {
		return false, nil
	}
	return projectAvailable(ctx, repos, batch.Project, w)
}
