package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bitfantasy/taskhub/internal/config"
	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/service"
	"github.com/bitfantasy/taskhub/internal/crowd/sse"
	"github.com/bitfantasy/taskhub/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers 处理器集合
type Handlers struct {
	Work  *WorkHandler
	Auth  *AuthHandler
	Admin *AdminHandler
	SSE   *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, hub *sse.Hub, cfg *config.Config, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		Work:  NewWorkHandler(svc, logger.Named("work")),
		Auth:  NewAuthHandler(svc.Auth, cfg.JWT, cfg.Session.Secure),
		Admin: NewAdminHandler(svc, cfg.Import.MaxUploadMB, logger.Named("admin")),
		SSE:   NewSSEHandler(hub),
	}
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse 列表响应结构
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination 计算分页信息
func NewPagination(page, pageSize int, total int64) *Pagination {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return &Pagination{Page: page, PageSize: pageSize, Total: int(total), TotalPages: totalPages}
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// Unauthorized 未授权响应
func Unauthorized(c *gin.Context, message string) {
	Error(c, 40100, message)
}

// Forbidden 禁止访问响应
func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// ValidationFailed 表单校验错误，附带字段名
func ValidationFailed(c *gin.Context, verr *entity.ValidationError) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    40001,
		Message: verr.Message,
		Data:    gin.H{"field": verr.Field},
	})
}

// respondError 将服务层错误转换为统一响应
func respondError(c *gin.Context, err error) {
	var verr *entity.ValidationError
	switch {
	case errors.As(err, &verr):
		ValidationFailed(c, verr)
	case errors.Is(err, service.ErrProjectNotFound),
		errors.Is(err, service.ErrBatchNotFound),
		errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, service.ErrAssignmentNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrUploadNotArchived),
		errors.Is(err, service.ErrStorageDisabled):
		NotFound(c, err.Error())
	case errors.Is(err, service.ErrUsernameTaken):
		Error(c, 40900, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrUserInactive):
		Unauthorized(c, err.Error())
	case errors.Is(err, service.ErrDatabaseBusy):
		Error(c, 50300, msgDatabaseBusy)
	default:
		c.Error(err)
		InternalError(c, err.Error())
	}
}

// GetUserID 从上下文获取用户ID，匿名为 0
func GetUserID(c *gin.Context) uint {
	return c.GetUint(middleware.KeyUserID)
}

// CurrentWorker 当前访问者
func CurrentWorker(c *gin.Context) service.Worker {
	userID := GetUserID(c)
	if userID == 0 {
		return service.Anonymous()
	}
	return service.Worker{
		UserID:      userID,
		Username:    c.GetString(middleware.KeyUsername),
		IsStaff:     c.GetBool(middleware.KeyIsStaff),
		IsSuperuser: c.GetBool(middleware.KeyIsSuperuser),
	}
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}

// uintParam 解析路径参数中的正整数ID
func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}
