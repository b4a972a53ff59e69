package entity

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Batch 一次数据导入，属于某个项目，定义冗余度和作业时限
type Batch struct {
	ID                     uint      `json:"id" gorm:"primaryKey"`
	Name                   string    `json:"name" gorm:"size:1024;not null"`
	Filename               string    `json:"filename" gorm:"size:1024"`
	FileObject             string    `json:"file_object,omitempty" gorm:"size:512"`
	ProjectID              uint      `json:"project_id" gorm:"not null;index"`
	Active                 bool      `json:"active" gorm:"not null;index"`
	AllottedAssignmentTime int       `json:"allotted_assignment_time" gorm:"not null;default:24"`
	AssignmentsPerTask     int       `json:"assignments_per_task" gorm:"not null;default:1"`
	CreatedByID            *uint     `json:"created_by_id"`
	CreatedAt              time.Time `json:"created_at"`

	// 关联
	Project *Project `json:"project,omitempty" gorm:"foreignKey:ProjectID"`
}

func (Batch) TableName() string {
	return "batches"
}

// AllottedDuration 单次作业的时限
func (b *Batch) AllottedDuration() time.Duration {
	return time.Duration(b.AllottedAssignmentTime) * time.Hour
}

// Validate 校验冗余度，project 为 nil 时跳过
func (b *Batch) Validate(project *Project) error {
	if b.AssignmentsPerTask < 1 {
		return &ValidationError{Field: "assignments_per_task", Message: "The number of Assignments per Task must be at least 1"}
	}
	if b.AllottedAssignmentTime < 1 {
		return &ValidationError{Field: "allotted_assignment_time", Message: "Allotted assignment time must be at least 1 hour"}
	}
	if project != nil && !project.LoginRequired && b.AssignmentsPerTask != 1 {
		return &ValidationError{
			Field:   "assignments_per_task",
			Message: "When login is not required to access a Project, the number of Assignments per Task must be 1",
		}
	}
	return nil
}

// 默认值
const (
	DefaultAllottedAssignmentTime = 24
	DefaultAssignmentsPerTask     = 1
)

// ApplyDefaults 未设置的数值字段取默认值
func (b *Batch) ApplyDefaults() {
	if b.AllottedAssignmentTime == 0 {
		b.AllottedAssignmentTime = DefaultAllottedAssignmentTime
	}
	if b.AssignmentsPerTask == 0 {
		b.AssignmentsPerTask = DefaultAssignmentsPerTask
	}
}

// BeforeSave 所有写入路径（包括批量创建）都执行冗余度校验
func (b *Batch) BeforeSave(tx *gorm.DB) error {
	b.ApplyDefaults()
	project := b.Project
	if project == nil && b.ProjectID != 0 {
		var p Project
		err := tx.Session(&gorm.Session{NewDB: true}).
			Select("id", "login_required").
			Where("id = ?", b.ProjectID).
			First(&p).Error
		if err != nil {
			return &ValidationError{Field: "project_id", Message: fmt.Sprintf("Project %d does not exist", b.ProjectID)}
		}
		project = &p
	}
	return b.Validate(project)
}

// CSVResultsFilename 结果文件名，沿用 Mechanical Turk 的命名规则
func (b *Batch) CSVResultsFilename() string {
	base := filepath.Base(b.Filename)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if b.Filename == "" {
		name, ext = "", ""
	}
	return fmt.Sprintf("%s-Batch_%d_results%s", name, b.ID, ext)
}
