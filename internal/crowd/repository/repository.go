package repository

import (
	"errors"

	"gorm.io/gorm"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
)

// Repositories 仓库集合
type Repositories struct {
	db         *gorm.DB
	User       *UserRepository
	Worker     *WorkerRepository
	Project    *ProjectRepository
	Batch      *BatchRepository
	Task       *TaskRepository
	Assignment *AssignmentRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:         db,
		User:       NewUserRepository(db),
		Worker:     NewWorkerRepository(db),
		Project:    NewProjectRepository(db),
		Batch:      NewBatchRepository(db),
		Task:       NewTaskRepository(db),
		Assignment: NewAssignmentRepository(db),
	}
}

// DB 返回底层连接，供服务层开启事务
func (r *Repositories) DB() *gorm.DB {
	return r.db
}

// WithTx 返回绑定到事务的仓库集合
func (r *Repositories) WithTx(tx *gorm.DB) *Repositories {
	return NewRepositories(tx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
