package entity

import (
	"time"

	"github.com/bitfantasy/taskhub/internal/crowd/form"
	"gorm.io/gorm"
)

// Project 项目：HTML任务模板 + 访问控制策略
type Project struct {
	ID                          uint      `json:"id" gorm:"primaryKey"`
	Name                        string    `json:"name" gorm:"size:1024;not null"`
	Active                      bool      `json:"active" gorm:"not null;index"`
	AssignmentsPerTask          int       `json:"assignments_per_task" gorm:"not null;default:1;index"`
	LoginRequired               bool      `json:"login_required" gorm:"not null;index"`
	CustomPermissions           bool      `json:"custom_permissions" gorm:"not null;default:false"`
	Filename                    string    `json:"filename" gorm:"size:1024"`
	HTMLTemplate                string    `json:"html_template" gorm:"type:text;not null"`
	HTMLTemplateHasSubmitButton bool      `json:"html_template_has_submit_button" gorm:"not null;default:false"`
	Fieldnames                  NameSet   `json:"fieldnames" gorm:"type:text"`
	CreatedByID                 *uint     `json:"created_by_id"`
	UpdatedByID                 *uint     `json:"updated_by_id"`
	CreatedAt                   time.Time `json:"created_at"`
	UpdatedAt                   time.Time `json:"updated_at"`

	// 关联
	Batches []Batch `json:"batches,omitempty" gorm:"foreignKey:ProjectID"`
}

func (Project) TableName() string {
	return "projects"
}

// Validate 未要求登录时，每个任务只能分配一次
func (p *Project) Validate() error {
	if !p.LoginRequired && p.AssignmentsPerTask != 1 {
		return &ValidationError{
			Field:   "assignments_per_task",
			Message: "When login is not required to access the Project, the number of Assignments per Task must be 1",
		}
	}
	return nil
}

// RefreshTemplateMetadata 重新提取模板字段和提交按钮标记
func (p *Project) RefreshTemplateMetadata() {
	p.HTMLTemplateHasSubmitButton = form.HasSubmitButton(p.HTMLTemplate)
	p.Fieldnames = NameSet(form.ExtractFieldnames(p.HTMLTemplate))
}

// BeforeSave 保存前校验并缓存模板字段
func (p *Project) BeforeSave(tx *gorm.DB) error {
	if p.AssignmentsPerTask == 0 {
		p.AssignmentsPerTask = 1
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if !p.LoginRequired && p.ID != 0 {
		// 已有批次的冗余度同样受限，否则匿名访问者可重复领取同一任务
		var count int64
		err := tx.Session(&gorm.Session{NewDB: true}).
			Model(&Batch{}).
			Where("project_id = ? AND assignments_per_task <> ?", p.ID, 1).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return &ValidationError{
				Field:   "login_required",
				Message: "Login must stay required while a Batch of this Project has more than one Assignment per Task",
			}
		}
	}
	p.RefreshTemplateMetadata()
	return nil
}
