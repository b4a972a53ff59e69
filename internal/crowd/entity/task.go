package entity

import (
	"fmt"
	"time"

	"github.com/bitfantasy/taskhub/internal/crowd/form"
)

// Task 一行导入数据
type Task struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	BatchID        uint      `json:"batch_id" gorm:"not null;index"`
	Completed      bool      `json:"completed" gorm:"not null;default:false;index"`
	InputCSVFields Fields    `json:"input_csv_fields" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`

	// 关联
	Batch       *Batch           `json:"batch,omitempty" gorm:"foreignKey:BatchID"`
	Assignments []TaskAssignment `json:"assignments,omitempty" gorm:"foreignKey:TaskID"`
}

func (Task) TableName() string {
	return "tasks"
}

func (t *Task) String() string {
	return fmt.Sprintf("Task id:%d", t.ID)
}

// PopulateHTMLTemplate 用本任务数据填充项目模板，需预加载 Batch.Project
func (t *Task) PopulateHTMLTemplate() string {
	if t.Batch == nil || t.Batch.Project == nil {
		return ""
	}
	return form.Populate(t.Batch.Project.HTMLTemplate, t.InputCSVFields)
}
