package entity

import (
	"time"
)

// TaskAssignment 用户（或匿名访客）对任务的领取与提交
// (task_id, assigned_to_id) 唯一；匿名领取的 assigned_to_id 为 NULL，不受约束
type TaskAssignment struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	TaskID       uint       `json:"task_id" gorm:"not null;uniqueIndex:idx_assignment_task_user"`
	AssignedToID *uint      `json:"assigned_to_id" gorm:"index;uniqueIndex:idx_assignment_task_user"`
	Answers      Fields     `json:"answers" gorm:"type:text"`
	Completed    bool       `json:"completed" gorm:"not null;default:false;index"`
	ExpiresAt    *time.Time `json:"expires_at" gorm:"index"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// 关联
	Task       *Task `json:"task,omitempty" gorm:"foreignKey:TaskID"`
	AssignedTo *User `json:"assigned_to,omitempty" gorm:"foreignKey:AssignedToID"`
}

func (TaskAssignment) TableName() string {
	return "task_assignments"
}

// Anonymous 是否为匿名领取
func (a *TaskAssignment) Anonymous() bool {
	return a.AssignedToID == nil
}

// OwnedBy 判断是否属于该用户，userID 为 nil 表示匿名
func (a *TaskAssignment) OwnedBy(userID *uint) bool {
	if userID == nil {
		return a.AssignedToID == nil
	}
	return a.AssignedToID != nil && *a.AssignedToID == *userID
}

// WorkTime 从领取到最后一次提交的时长
func (a *TaskAssignment) WorkTime() time.Duration {
	return a.UpdatedAt.Sub(a.CreatedAt)
}
