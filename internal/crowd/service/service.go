package service

import (
	"github.com/bitfantasy/taskhub/internal/config"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
	"github.com/bitfantasy/taskhub/internal/crowd/sse"
	"go.uber.org/zap"
)

// Services 服务集合
type Services struct {
	Auth       *AuthService
	Project    *ProjectService
	Batch      *BatchService
	Allocation *AllocationService
	Assignment *AssignmentService
	Export     *ExportService
}

// NewServices 创建服务集合，archive 为 nil 时不归档上传文件
func NewServices(repos *repository.Repositories, archive Archive, hub *sse.Hub, cfg *config.Config, logger *zap.Logger) *Services {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Services{
		Auth:       NewAuthService(repos.User, cfg.JWT, logger.Named("auth")),
		Project:    NewProjectService(repos, logger.Named("project")),
		Batch:      NewBatchService(repos, archive, hub, logger.Named("batch"), cfg.Import.DefaultEncoding),
		Allocation: NewAllocationService(repos, hub, logger.Named("allocation")),
		Assignment: NewAssignmentService(repos, hub, logger.Named("assignment")),
		Export:     NewExportService(repos),
	}
}
