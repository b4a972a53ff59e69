package entity

import (
	"time"
)

// User 用户实体
type User struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	Username     string     `json:"username" gorm:"size:150;not null;uniqueIndex"`
	PasswordHash string     `json:"-" gorm:"size:128;not null"`
	Name         string     `json:"name" gorm:"size:128"`
	Email        string     `json:"email" gorm:"size:254"`
	IsStaff      bool       `json:"is_staff" gorm:"not null;default:false"`
	IsSuperuser  bool       `json:"is_superuser" gorm:"not null;default:false"`
	IsActive     bool       `json:"is_active" gorm:"not null"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// ProjectWorker 项目级“可作业”权限，仅在项目开启 CustomPermissions 时生效
type ProjectWorker struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	ProjectID uint      `json:"project_id" gorm:"not null;uniqueIndex:idx_project_worker"`
	UserID    uint      `json:"user_id" gorm:"not null;uniqueIndex:idx_project_worker"`
	CreatedAt time.Time `json:"created_at"`
}

func (ProjectWorker) TableName() string {
	return "project_workers"
}
