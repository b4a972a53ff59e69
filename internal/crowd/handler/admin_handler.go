package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/bitfantasy/taskhub/internal/crowd/service"
	"github.com/bitfantasy/taskhub/internal/crowd/session"
	"github.com/bitfantasy/taskhub/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AdminHandler 管理端 JSON 接口
type AdminHandler struct {
	svc         *service.Services
	maxUploadMB int64
	logger      *zap.Logger
}

// NewAdminHandler 创建管理端处理器
func NewAdminHandler(svc *service.Services, maxUploadMB int64, logger *zap.Logger) *AdminHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 32
	}
	return &AdminHandler{svc: svc, maxUploadMB: maxUploadMB, logger: logger}
}

// ============================================================
// 项目
// ============================================================

// ListProjects GET /api/v1/admin/projects
func (h *AdminHandler) ListProjects(c *gin.Context) {
	page, pageSize := GetPagination(c)
	projects, total, err := h.svc.Project.List(c.Request.Context(), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, ListResponse{Items: projects, Pagination: NewPagination(page, pageSize, total)})
}

// CreateProject POST /api/v1/admin/projects
func (h *AdminHandler) CreateProject(c *gin.Context) {
	var in service.ProjectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	project, err := h.svc.Project.Create(c.Request.Context(), in, GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, project)
}

// GetProject GET /api/v1/admin/projects/:id
func (h *AdminHandler) GetProject(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}
	project, err := h.svc.Project.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, project)
}

// UpdateProject PUT /api/v1/admin/projects/:id
func (h *AdminHandler) UpdateProject(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}
	var in service.ProjectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	project, err := h.svc.Project.Update(c.Request.Context(), id, in, GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, project)
}

// ListProjectWorkers GET /api/v1/admin/projects/:id/workers
func (h *AdminHandler) ListProjectWorkers(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}
	userIDs, err := h.svc.Project.ListWorkers(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"user_ids": userIDs})
}

// GrantWorkerRequest 授权请求
type GrantWorkerRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

// GrantProjectWorker POST /api/v1/admin/projects/:id/workers
func (h *AdminHandler) GrantProjectWorker(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}
	var req GrantWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "user_id is required")
		return
	}
	if err := h.svc.Project.GrantWorker(c.Request.Context(), id, req.UserID); err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"project_id": id, "user_id": req.UserID})
}

// RevokeProjectWorker DELETE /api/v1/admin/projects/:id/workers/:user_id
func (h *AdminHandler) RevokeProjectWorker(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}
	userID, ok := uintParam(c, "user_id")
	if !ok {
		BadRequest(c, "invalid user id")
		return
	}
	if err := h.svc.Project.RevokeWorker(c.Request.Context(), id, userID); err != nil {
		respondError(c, err)
		return
	}
	Success(c, nil)
}

// ProjectResults GET /api/v1/admin/projects/:id/results?format=csv|xlsx
func (h *AdminHandler) ProjectResults(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}
	res, err := h.svc.Export.ProjectResults(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	h.writeResults(c, res)
}

// ============================================================
// 批次
// ============================================================

// ListBatches GET /api/v1/admin/projects/:id/batches
func (h *AdminHandler) ListBatches(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}
	batches, err := h.svc.Batch.ListByProject(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"items": batches})
}

// CreateBatch POST /api/v1/admin/projects/:id/batches (multipart)
// 字段：name, assignments_per_task, allotted_assignment_time, encoding, csv_file
func (h *AdminHandler) CreateBatch(c *gin.Context) {
	projectID, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid project id")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadMB<<20)
	fh, err := c.FormFile("csv_file")
	if err != nil {
		BadRequest(c, "csv_file is required")
		return
	}
	file, err := fh.Open()
	if err != nil {
		BadRequest(c, "cannot open upload: "+err.Error())
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		BadRequest(c, "cannot read upload: "+err.Error())
		return
	}

	in := service.CreateBatchInput{
		ProjectID: projectID,
		Name:      c.PostForm("name"),
		Filename:  filepath.Base(fh.Filename),
		Encoding:  c.PostForm("encoding"),
		Data:      buf.Bytes(),
	}
	if in.AssignmentsPerTask, err = optionalInt(c.PostForm("assignments_per_task")); err != nil {
		BadRequest(c, "assignments_per_task must be an integer")
		return
	}
	if in.AllottedAssignmentTime, err = optionalInt(c.PostForm("allotted_assignment_time")); err != nil {
		BadRequest(c, "allotted_assignment_time must be an integer")
		return
	}

	batch, created, err := h.svc.Batch.Create(c.Request.Context(), in, GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, gin.H{"batch": batch, "tasks_created": created})
}

// GetBatch GET /api/v1/admin/batches/:id
func (h *AdminHandler) GetBatch(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid batch id")
		return
	}
	batch, err := h.svc.Batch.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, batch)
}

// UpdateBatch PUT /api/v1/admin/batches/:id
func (h *AdminHandler) UpdateBatch(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid batch id")
		return
	}
	var in service.UpdateBatchInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	batch, err := h.svc.Batch.Update(c.Request.Context(), id, in)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, batch)
}

// BatchStats GET /api/v1/admin/batches/:id/stats
func (h *AdminHandler) BatchStats(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid batch id")
		return
	}
	stats, err := h.svc.Batch.Stats(c.Request.Context(), id, CurrentWorker(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, stats)
}

// ActivateBatch POST /api/v1/admin/batches/:id/activate
func (h *AdminHandler) ActivateBatch(c *gin.Context) {
	h.setBatchActive(c, true)
}

// DeactivateBatch POST /api/v1/admin/batches/:id/deactivate
func (h *AdminHandler) DeactivateBatch(c *gin.Context) {
	h.setBatchActive(c, false)
}

func (h *AdminHandler) setBatchActive(c *gin.Context, active bool) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid batch id")
		return
	}
	if err := h.svc.Batch.SetActive(c.Request.Context(), id, active); err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"batch_id": id, "active": active})
}

// BatchResults GET /api/v1/admin/batches/:id/results?format=csv|xlsx
func (h *AdminHandler) BatchResults(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid batch id")
		return
	}
	res, err := h.svc.Export.BatchResults(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	h.writeResults(c, res)
}

// BatchUpload GET /api/v1/admin/batches/:id/upload 下载原始上传文件
func (h *AdminHandler) BatchUpload(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		BadRequest(c, "invalid batch id")
		return
	}
	object, batch, err := h.svc.Batch.OpenUpload(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	defer object.Close()

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, batch.Filename))
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, object); err != nil {
		h.logger.Warn("stream batch upload", zap.Uint("batch_id", id), zap.Error(err))
	}
}

// writeResults 按 format 参数输出 CSV（默认）或 XLSX
// CSV 行结束符取会话中的 csv_unix_line_endings 偏好
func (h *AdminHandler) writeResults(c *gin.Context, res *service.Results) {
	var buf bytes.Buffer
	if c.Query("format") == "xlsx" {
		if err := service.WriteXLSX(&buf, res); err != nil {
			respondError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, service.XLSXFilename(res.Filename)))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
		return
	}

	terminator := service.LineTerminatorCRLF
	if session.FromContext(c).CSVUnixLineEndings() {
		terminator = service.LineTerminatorLF
	}
	if err := service.WriteCSV(&buf, res, terminator); err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, res.Filename))
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

// ============================================================
// 领取记录 / 用户 / 偏好
// ============================================================

// ExpireAssignments POST /api/v1/admin/assignments/expire?batch_id=N
func (h *AdminHandler) ExpireAssignments(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		n   int64
		err error
	)
	if raw := c.Query("batch_id"); raw != "" {
		batchID, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil {
			BadRequest(c, "invalid batch_id")
			return
		}
		n, err = h.svc.Assignment.ExpireAbandonedInBatch(ctx, uint(batchID))
	} else {
		n, err = h.svc.Assignment.ExpireAbandoned(ctx)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"expired": n})
}

// ListUsers GET /api/v1/admin/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	page, pageSize := GetPagination(c)
	users, total, err := h.svc.Auth.ListUsers(c.Request.Context(), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, ListResponse{Items: users, Pagination: NewPagination(page, pageSize, total)})
}

// CreateUser POST /api/v1/admin/users
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var in service.CreateUserInput
	if err := c.ShouldBindJSON(&in); err != nil {
		BadRequest(c, "username and password are required")
		return
	}
	if in.IsSuperuser && !c.GetBool(middleware.KeyIsSuperuser) {
		Forbidden(c, "only superusers can create superusers")
		return
	}
	user, err := h.svc.Auth.CreateUser(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, user)
}

// CSVPreferenceRequest CSV 偏好
type CSVPreferenceRequest struct {
	UnixLineEndings bool `json:"unix_line_endings"`
}

// UpdateCSVPreference POST /api/v1/admin/preferences/csv
func (h *AdminHandler) UpdateCSVPreference(c *gin.Context) {
	var req CSVPreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request body")
		return
	}
	session.FromContext(c).SetCSVUnixLineEndings(req.UnixLineEndings)
	Success(c, gin.H{"csv_unix_line_endings": req.UnixLineEndings})
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative value")
	}
	return v, nil
}
