package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"

	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/form"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
	"github.com/bitfantasy/taskhub/internal/crowd/sse"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Archive 上传文件归档存储
type Archive interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// BatchService 批次服务
type BatchService struct {
	repos           *repository.Repositories
	archive         Archive
	hub             *sse.Hub
	logger          *zap.Logger
	defaultEncoding string
}

// NewBatchService 创建批次服务，archive 可为 nil
func NewBatchService(repos *repository.Repositories, archive Archive, hub *sse.Hub, logger *zap.Logger, defaultEncoding string) *BatchService {
	if defaultEncoding == "" {
		defaultEncoding = EncodingUTF8
	}
	return &BatchService{
		repos:           repos,
		archive:         archive,
		hub:             hub,
		logger:          logger,
		defaultEncoding: defaultEncoding,
	}
}

// CreateBatchInput 创建批次请求
type CreateBatchInput struct {
	ProjectID              uint
	Name                   string
	AllottedAssignmentTime int
	AssignmentsPerTask     int
	Filename               string
	Encoding               string
	Data                   []byte
}

// BatchStats 批次统计
type BatchStats struct {
	BatchID                 uint  `json:"batch_id"`
	TotalTasks              int64 `json:"total_tasks"`
	TotalFinishedTasks      int64 `json:"total_finished_tasks"`
	TotalFinishedAssignment int64 `json:"total_finished_task_assignments"`
	AvailableForCaller      int   `json:"available_for_caller"`
}

// Create 从上传文件创建批次及任务
func (s *BatchService) Create(ctx context.Context, in CreateBatchInput, userID uint) (*entity.Batch, int, error) {
	project, err := s.repos.Project.FindByID(ctx, in.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, 0, ErrProjectNotFound
		}
		return nil, 0, err
	}
	if in.Name == "" {
		return nil, 0, &entity.ValidationError{Field: "name", Message: "This field is required."}
	}

	encoding := in.Encoding
	if encoding == "" {
		encoding = s.defaultEncoding
	}
	table, err := ParseUpload(in.Filename, in.Data, encoding)
	if err != nil {
		var verr *entity.ValidationError
		if errors.As(err, &verr) {
			return nil, 0, err
		}
		return nil, 0, &entity.ValidationError{Field: "csv_file", Message: err.Error()}
	}
	if missing := form.MissingFields(project.Fieldnames, table.Header); len(missing) > 0 {
		return nil, 0, &entity.ValidationError{
			Field:   "csv_file",
			Message: fmt.Sprintf("The CSV file is missing fields that are in the HTML template: %v", missing),
		}
	}

	batch := &entity.Batch{
		Name:                   in.Name,
		Filename:               filepath.Base(in.Filename),
		ProjectID:              project.ID,
		Project:                project,
		Active:                 true,
		AllottedAssignmentTime: in.AllottedAssignmentTime,
		AssignmentsPerTask:     in.AssignmentsPerTask,
	}
	if batch.AssignmentsPerTask == 0 {
		batch.AssignmentsPerTask = project.AssignmentsPerTask
	}
	batch.ApplyDefaults()
	if userID != 0 {
		batch.CreatedByID = &userID
	}
	if err := batch.Validate(project); err != nil {
		return nil, 0, err
	}

	var created int
	err = s.repos.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepos := s.repos.WithTx(tx)
		if err := txRepos.Batch.Create(ctx, batch); err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		tasks := table.Tasks(batch.ID)
		if err := txRepos.Task.CreateBatch(ctx, tasks); err != nil {
			return fmt.Errorf("create tasks: %w", err)
		}
		created = len(tasks)
		return nil
	})
	if err != nil {
		return nil, 0, translateTxError(err)
	}

	s.archiveUpload(ctx, batch, in.Data)

	s.logger.Info("batch created",
		zap.Uint("batch_id", batch.ID),
		zap.Uint("project_id", project.ID),
		zap.Int("tasks", created))
	s.hub.PublishBatchUpdate(sse.BatchUpdate{BatchID: batch.ID, Action: sse.ActionCreated, Count: int64(created)})
	return batch, created, nil
}

// archiveUpload 归档原始上传文件，失败只记录日志
func (s *BatchService) archiveUpload(ctx context.Context, batch *entity.Batch, data []byte) {
	if s.archive == nil {
		return
	}
	key := path.Join("batches", fmt.Sprint(batch.ID), uuid.New().String()+filepath.Ext(batch.Filename))
	contentType := mime.TypeByExtension(filepath.Ext(batch.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.archive.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		s.logger.Warn("archive batch upload", zap.Uint("batch_id", batch.ID), zap.Error(err))
		return
	}
	batch.FileObject = key
	if err := s.repos.Batch.Save(ctx, batch); err != nil {
		s.logger.Warn("save batch file object", zap.Uint("batch_id", batch.ID), zap.Error(err))
	}
}

// Get 获取批次（含项目）
func (s *BatchService) Get(ctx context.Context, id uint) (*entity.Batch, error) {
	batch, err := s.repos.Batch.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return batch, nil
}

// ListByProject 项目下全部批次
func (s *BatchService) ListByProject(ctx context.Context, projectID uint) ([]entity.Batch, error) {
	if _, err := s.repos.Project.FindByID(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return s.repos.Batch.ListByProject(ctx, projectID, false)
}

// UpdateBatchInput 更新批次请求
type UpdateBatchInput struct {
	Name                   *string `json:"name"`
	AllottedAssignmentTime *int    `json:"allotted_assignment_time"`
	AssignmentsPerTask     *int    `json:"assignments_per_task"`
}

// Update 更新批次属性，保存时重新校验冗余度
func (s *BatchService) Update(ctx context.Context, id uint, in UpdateBatchInput) (*entity.Batch, error) {
	batch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		batch.Name = *in.Name
	}
	if in.AllottedAssignmentTime != nil {
		batch.AllottedAssignmentTime = *in.AllottedAssignmentTime
	}
	if in.AssignmentsPerTask != nil {
		batch.AssignmentsPerTask = *in.AssignmentsPerTask
	}
	if err := batch.Validate(batch.Project); err != nil {
		return nil, err
	}
	if err := s.repos.Batch.Save(ctx, batch); err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}
	return batch, nil
}

// SetActive 启用/停用批次
func (s *BatchService) SetActive(ctx context.Context, id uint, active bool) error {
	if err := s.repos.Batch.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrBatchNotFound
		}
		return err
	}
	action := sse.ActionActivated
	if !active {
		action = sse.ActionPaused
	}
	s.hub.PublishBatchUpdate(sse.BatchUpdate{BatchID: id, Action: action})
	return nil
}

// Stats 批次统计，AvailableForCaller 为调用者可领取的任务数
func (s *BatchService) Stats(ctx context.Context, id uint, w Worker) (*BatchStats, error) {
	batch, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &BatchStats{BatchID: batch.ID}
	if stats.TotalTasks, err = s.repos.Task.CountByBatch(ctx, id); err != nil {
		return nil, err
	}
	if stats.TotalFinishedTasks, err = s.repos.Task.CountCompletedByBatch(ctx, id); err != nil {
		return nil, err
	}
	if stats.TotalFinishedAssignment, err = s.repos.Assignment.CountCompletedByBatch(ctx, id); err != nil {
		return nil, err
	}
	ids, err := availableTaskIDs(ctx, s.repos, batch, w)
	if err != nil {
		return nil, err
	}
	stats.AvailableForCaller = len(ids)
	return stats, nil
}

// OpenUpload 读取归档的原始上传文件
func (s *BatchService) OpenUpload(ctx context.Context, id uint) (io.ReadCloser, *entity.Batch, error) {
	batch, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.archive == nil {
		return nil, batch, ErrStorageDisabled
	}
	if batch.FileObject == "" {
		return nil, batch, ErrUploadNotArchived
	}
	object, err := s.archive.Get(ctx, batch.FileObject)
	if err != nil {
		return nil, batch, err
	}
	return object, batch, nil
}
