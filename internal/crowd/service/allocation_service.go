package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
	"github.com/bitfantasy/taskhub/internal/crowd/sse"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AllocationService 任务分配服务
type AllocationService struct {
	repos  *repository.Repositories
	hub    *sse.Hub
	logger *zap.Logger
	now    func() time.Time
}

// NewAllocationService 创建任务分配服务
func NewAllocationService(repos *repository.Repositories, hub *sse.Hub, logger *zap.Logger) *AllocationService {
	return &AllocationService{
		repos:  repos,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}

// AcceptResult 领取结果
type AcceptResult struct {
	Assignment *entity.TaskAssignment
	// OnlySkipped 仅剩曾跳过的任务，调用方应清空该批次的跳过列表
	OnlySkipped bool
}

// NextPick 预览下一个任务的结果
type NextPick struct {
	Batch       *entity.Batch
	TaskID      uint
	OnlySkipped bool
}

// BatchRow 首页中一行可作业批次
type BatchRow struct {
	ProjectName          string    `json:"project_name"`
	BatchID              uint      `json:"batch_id"`
	BatchName            string    `json:"batch_name"`
	BatchPublished       time.Time `json:"batch_published"`
	AssignmentsAvailable int       `json:"assignments_available"`
}

// PickNext 在可领取任务中优先选择未跳过的；全部被跳过时返回第一个并标记 onlySkipped
func PickNext(available, skipped []uint) (taskID uint, onlySkipped bool, ok bool) {
	if len(available) == 0 {
		return 0, false, false
	}
	if len(skipped) == 0 {
		return available[0], false, true
	}
	skip := make(map[uint]bool, len(skipped))
	for _, id := range skipped {
		skip[id] = true
	}
	for _, id := range available {
		if !skip[id] {
			return id, false, true
		}
	}
	return available[0], true, true
}

// AvailableTaskIDs 批次中该访问者可领取的任务ID
func (s *AllocationService) AvailableTaskIDs(ctx context.Context, batch *entity.Batch, w Worker) ([]uint, error) {
	return availableTaskIDs(ctx, s.repos, batch, w)
}

func availableTaskIDs(ctx context.Context, repos *repository.Repositories, batch *entity.Batch, w Worker) ([]uint, error) {
	open, err := batchOpen(ctx, repos, batch, w)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, nil
	}
	return repos.Task.AvailableIDs(ctx, batch.ID, w.ID(), batch.AssignmentsPerTask)
}

// AvailableBatches 首页列表：对访问者仍有可领取任务的批次
func (s *AllocationService) AvailableBatches(ctx context.Context, w Worker) ([]BatchRow, error) {
	projects, err := s.repos.Project.ListActive(ctx, !w.Authenticated())
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	rows := make([]BatchRow, 0)
	for i := range projects {
		project := &projects[i]
		ok, err := projectAvailable(ctx, s.repos, project, w)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		batches, err := s.repos.Batch.ListByProject(ctx, project.ID, true)
		if err != nil {
			return nil, fmt.Errorf("list batches: %w", err)
		}
		for j := range batches {
			batch := &batches[j]
			batch.Project = project
			ids, err := availableTaskIDs(ctx, s.repos, batch, w)
			if err != nil {
				return nil, err
			}
			if len(ids) == 0 {
				continue
			}
			rows = append(rows, BatchRow{
				ProjectName:          project.Name,
				BatchID:              batch.ID,
				BatchName:            batch.Name,
				BatchPublished:       batch.CreatedAt,
				AssignmentsAvailable: len(ids),
			})
		}
	}
	return rows, nil
}

// PreviewNext 选出下一个可预览的任务，不创建领取记录
func (s *AllocationService) PreviewNext(ctx context.Context, batchID uint, w Worker, skipped []uint) (*NextPick, error) {
	batch, err := s.findBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	ids, err := s.AvailableTaskIDs(ctx, batch, w)
	if err != nil {
		return nil, err
	}
	taskID, onlySkipped, ok := PickNext(ids, skipped)
	if !ok {
		return &NextPick{Batch: batch}, ErrNoTaskAvailable
	}
	return &NextPick{Batch: batch, TaskID: taskID, OnlySkipped: onlySkipped}, nil
}

// PreviewTask 加载任务用于预览，项目对访问者不可见时返回 ErrPermissionDenied
func (s *AllocationService) PreviewTask(ctx context.Context, taskID uint, w Worker) (*entity.Task, error) {
	task, err := s.repos.Task.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	ok, err := projectAvailable(ctx, s.repos, task.Batch.Project, w)
	if err != nil {
		return nil, err
	}
	if !ok {
		return task, ErrPermissionDenied
	}
	return task, nil
}

// AcceptTask 领取指定任务
func (s *AllocationService) AcceptTask(ctx context.Context, batchID, taskID uint, w Worker) (*entity.TaskAssignment, error) {
	batch, err := s.findBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	task, err := s.repos.Task.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if task.BatchID != batch.ID {
		return nil, ErrTaskUnavailable
	}

	s.expireInBatch(ctx, batch.ID)

	var assignment *entity.TaskAssignment
	err = s.repos.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepos := s.repos.WithTx(tx)
		if err := txRepos.Batch.LockForUpdate(ctx, batch.ID); err != nil {
			return err
		}
		ids, err := availableTaskIDs(ctx, txRepos, batch, w)
		if err != nil {
			return err
		}
		if !containsID(ids, task.ID) {
			return ErrTaskUnavailable
		}
		assignment, err = s.create(ctx, txRepos, batch, task.ID, w)
		return err
	})
	if err != nil {
		return nil, s.acceptError(err, batch.ID, w)
	}

	s.publishAccepted(batch.ID, assignment)
	return assignment, nil
}

// AcceptNextTask 领取批次中的下一个任务，优先未跳过的
func (s *AllocationService) AcceptNextTask(ctx context.Context, batchID uint, w Worker, skipped []uint) (*AcceptResult, error) {
	batch, err := s.findBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	s.expireInBatch(ctx, batch.ID)

	result := &AcceptResult{}
	err = s.repos.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepos := s.repos.WithTx(tx)
		if err := txRepos.Batch.LockForUpdate(ctx, batch.ID); err != nil {
			return err
		}
		ids, err := availableTaskIDs(ctx, txRepos, batch, w)
		if err != nil {
			return err
		}
		taskID, onlySkipped, ok := PickNext(ids, skipped)
		if !ok {
			return ErrNoTaskAvailable
		}
		result.OnlySkipped = onlySkipped
		result.Assignment, err = s.create(ctx, txRepos, batch, taskID, w)
		return err
	})
	if err != nil {
		return nil, s.acceptError(err, batch.ID, w)
	}

	s.publishAccepted(batch.ID, result.Assignment)
	return result, nil
}

func (s *AllocationService) create(ctx context.Context, repos *repository.Repositories, batch *entity.Batch, taskID uint, w Worker) (*entity.TaskAssignment, error) {
	expiresAt := s.now().Add(batch.AllottedDuration())
	assignment := &entity.TaskAssignment{
		TaskID:       taskID,
		AssignedToID: w.ID(),
		Answers:      entity.Fields{},
		ExpiresAt:    &expiresAt,
	}
	if err := repos.Assignment.Create(ctx, assignment); err != nil {
		return nil, err
	}
	return assignment, nil
}

func (s *AllocationService) acceptError(err error, batchID uint, w Worker) error {
	switch {
	case errors.Is(err, ErrTaskUnavailable), errors.Is(err, ErrNoTaskAvailable):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return ErrBatchNotFound
	case isDuplicateKey(err):
		return ErrTaskUnavailable
	case isLockContention(err):
		s.logger.Warn("task claim hit lock contention",
			zap.Uint("batch_id", batchID),
			zap.Uint("user_id", w.UserID),
			zap.Error(err))
		return ErrDatabaseBusy
	}
	return fmt.Errorf("accept task: %w", err)
}

func (s *AllocationService) findBatch(ctx context.Context, batchID uint) (*entity.Batch, error) {
	batch, err := s.repos.Batch.FindByID(ctx, batchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return batch, nil
}

// expireInBatch 领取前顺带清理本批次的过期领取，失败不影响领取
func (s *AllocationService) expireInBatch(ctx context.Context, batchID uint) {
	id := batchID
	n, err := s.repos.Assignment.ExpireAbandoned(ctx, s.now(), &id)
	if err != nil {
		s.logger.Warn("expire abandoned assignments", zap.Uint("batch_id", batchID), zap.Error(err))
		return
	}
	if n > 0 {
		s.hub.PublishBatchUpdate(sse.BatchUpdate{BatchID: batchID, Action: sse.ActionExpired, Count: n})
	}
}

func (s *AllocationService) publishAccepted(batchID uint, assignment *entity.TaskAssignment) {
	s.hub.PublishAssignmentUpdate(sse.AssignmentUpdate{
		BatchID:      batchID,
		TaskID:       assignment.TaskID,
		AssignmentID: assignment.ID,
		Action:       sse.ActionAccepted,
	})
}

func containsID(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
