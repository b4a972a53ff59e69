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

// 提交表单中不作为答案保存的字段
var ignoredAnswerFields = []string{"csrfmiddlewaretoken", "csrf_token", "_csrf"}

// AssignmentService 领取记录生命周期服务
type AssignmentService struct {
	repos  *repository.Repositories
	hub    *sse.Hub
	logger *zap.Logger
	now    func() time.Time
}

// NewAssignmentService 创建领取记录服务
func NewAssignmentService(repos *repository.Repositories, hub *sse.Hub, logger *zap.Logger) *AssignmentService {
	return &AssignmentService{
		repos:  repos,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}

// Get 加载任务及领取记录，并校验领取人
func (s *AssignmentService) Get(ctx context.Context, taskID, assignmentID uint, w Worker) (*entity.Task, *entity.TaskAssignment, error) {
	task, assignment, err := s.load(ctx, taskID, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	if !assignment.OwnedBy(w.ID()) {
		return task, assignment, ErrNotAssignee
	}
	return task, assignment, nil
}

// Submit 保存答案并标记完成，完成数达到冗余度时任务标记为完成
func (s *AssignmentService) Submit(ctx context.Context, taskID, assignmentID uint, w Worker, answers map[string]string) (*entity.Task, *entity.TaskAssignment, error) {
	task, assignment, err := s.Get(ctx, taskID, assignmentID, w)
	if err != nil {
		return nil, nil, err
	}

	cleaned := entity.Fields{}
	for k, v := range answers {
		cleaned[k] = v
	}
	for _, k := range ignoredAnswerFields {
		delete(cleaned, k)
	}

	taskCompleted := false
	err = s.repos.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepos := s.repos.WithTx(tx)
		// 与领取共用批次锁，保证并发提交时完成计数可见
		if err := txRepos.Batch.LockForUpdate(ctx, task.BatchID); err != nil {
			return err
		}
		assignment.Answers = cleaned
		assignment.Completed = true
		if err := txRepos.Assignment.Save(ctx, assignment); err != nil {
			return fmt.Errorf("save assignment: %w", err)
		}

		count, err := txRepos.Assignment.CountCompletedByTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("count completed assignments: %w", err)
		}
		if !task.Completed && count >= int64(task.Batch.AssignmentsPerTask) {
			if err := txRepos.Task.SetCompleted(ctx, task.ID, true); err != nil {
				return fmt.Errorf("mark task completed: %w", err)
			}
			task.Completed = true
			taskCompleted = true
		}
		return nil
	})
	if err != nil {
		return nil, nil, translateTxError(err)
	}

	s.hub.PublishAssignmentUpdate(sse.AssignmentUpdate{
		BatchID:      task.BatchID,
		TaskID:       task.ID,
		AssignmentID: assignment.ID,
		Action:       sse.ActionSubmitted,
	})
	if taskCompleted {
		s.hub.PublishAssignmentUpdate(sse.AssignmentUpdate{
			BatchID: task.BatchID,
			TaskID:  task.ID,
			Action:  sse.ActionCompleted,
		})
	}
	return task, assignment, nil
}

// Return 退回未完成的领取，任务重新可被领取
func (s *AssignmentService) Return(ctx context.Context, taskID, assignmentID uint, w Worker) (*entity.Task, error) {
	task, assignment, err := s.load(ctx, taskID, assignmentID)
	if err != nil {
		return nil, err
	}
	if assignment.Completed {
		return task, ErrAlreadyCompleted
	}
	if w.Authenticated() {
		if !assignment.OwnedBy(w.ID()) {
			return task, ErrNotAssignee
		}
	} else {
		if !assignment.Anonymous() {
			return task, ErrNotAssignee
		}
		if task.Batch.Project.LoginRequired {
			return task, ErrPermissionDenied
		}
	}

	err = s.repos.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepos := s.repos.WithTx(tx)
		if err := txRepos.Batch.LockForUpdate(ctx, task.BatchID); err != nil {
			return err
		}
		return txRepos.Assignment.Delete(ctx, assignment.ID)
	})
	if err != nil {
		return task, translateTxError(err)
	}

	s.hub.PublishAssignmentUpdate(sse.AssignmentUpdate{
		BatchID:      task.BatchID,
		TaskID:       task.ID,
		AssignmentID: assignment.ID,
		Action:       sse.ActionReturned,
	})
	return task, nil
}

// ListOutstanding 当前用户已领取但未提交的记录，匿名用户为空
func (s *AssignmentService) ListOutstanding(ctx context.Context, w Worker) ([]entity.TaskAssignment, error) {
	if !w.Authenticated() {
		return nil, nil
	}
	return s.repos.Assignment.ListOutstandingByUser(ctx, w.UserID)
}

// ExpireAbandoned 删除所有已过期的未完成领取
func (s *AssignmentService) ExpireAbandoned(ctx context.Context) (int64, error) {
	n, err := s.repos.Assignment.ExpireAbandoned(ctx, s.now(), nil)
	if err != nil {
		return 0, fmt.Errorf("expire abandoned assignments: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired abandoned assignments", zap.Int64("count", n))
	}
	return n, nil
}

// ExpireAbandonedInBatch 删除批次内已过期的未完成领取
func (s *AssignmentService) ExpireAbandonedInBatch(ctx context.Context, batchID uint) (int64, error) {
	n, err := s.repos.Assignment.ExpireAbandoned(ctx, s.now(), &batchID)
	if err != nil {
		return 0, fmt.Errorf("expire abandoned assignments: %w", err)
	}
	if n > 0 {
		s.hub.PublishBatchUpdate(sse.BatchUpdate{BatchID: batchID, Action: sse.ActionExpired, Count: n})
	}
	return n, nil
}

func (s *AssignmentService) load(ctx context.Context, taskID, assignmentID uint) (*entity.Task, *entity.TaskAssignment, error) {
	task, err := s.repos.Task.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrTaskNotFound
		}
		return nil, nil, err
	}
	assignment, err := s.repos.Assignment.FindByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return task, nil, ErrAssignmentNotFound
		}
		return task, nil, err
	}
	if assignment.TaskID != task.ID {
		return task, nil, ErrAssignmentNotFound
	}
	return task, assignment, nil
}
