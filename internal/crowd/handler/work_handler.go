package handler

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/bitfantasy/taskhub/internal/crowd/service"
	"github.com/bitfantasy/taskhub/internal/crowd/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const msgDatabaseBusy = "The database is busy. Please try again."

// WorkHandler 作业者页面
type WorkHandler struct {
	svc    *service.Services
	logger *zap.Logger
}

// NewWorkHandler 创建作业者页面处理器
func NewWorkHandler(svc *service.Services, logger *zap.Logger) *WorkHandler {
	return &WorkHandler{svc: svc, logger: logger}
}

// render 渲染页面，附带当前访问者和待显示的提示
func (h *WorkHandler) render(c *gin.Context, name string, data gin.H) {
	sess := session.FromContext(c)
	data["worker"] = CurrentWorker(c)
	data["messages"] = sess.PopMessages()
	h.saveSession(c, sess)
	c.HTML(http.StatusOK, name, data)
}

// redirect 保存会话后跳转，保证下一个请求能读到本次的改动
func (h *WorkHandler) redirect(c *gin.Context, location string) {
	h.saveSession(c, session.FromContext(c))
	c.Redirect(http.StatusFound, location)
}

// redirectIndex 带错误提示返回首页
func (h *WorkHandler) redirectIndex(c *gin.Context, format string, args ...interface{}) {
	session.FromContext(c).Error(fmt.Sprintf(format, args...))
	h.redirect(c, "/")
}

func (h *WorkHandler) saveSession(c *gin.Context, sess *session.Session) {
	if err := sess.Save(c.Request.Context()); err != nil {
		h.logger.Warn("save session", zap.Error(err))
	}
}

// fail 非预期错误：记录日志并返回 500
func (h *WorkHandler) fail(c *gin.Context, err error) {
	h.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.Error(err)
	c.String(http.StatusInternalServerError, "Internal Server Error")
}

// Index GET /
func (h *WorkHandler) Index(c *gin.Context) {
	ctx := c.Request.Context()
	w := CurrentWorker(c)

	if _, err := h.svc.Assignment.ExpireAbandoned(ctx); err != nil {
		h.logger.Warn("expire abandoned assignments", zap.Error(err))
	}

	outstanding, err := h.svc.Assignment.ListOutstanding(ctx, w)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows, err := h.svc.Allocation.AvailableBatches(ctx, w)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.render(c, "index.html", gin.H{
		"outstanding": outstanding,
		"batch_rows":  rows,
	})
}

// AcceptNextTask GET /batch/:batch_id/accept_next_task
func (h *WorkHandler) AcceptNextTask(c *gin.Context) {
	batchID, ok := uintParam(c, "batch_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task Batch with ID %s", c.Param("batch_id"))
		return
	}
	sess := session.FromContext(c)

	res, err := h.svc.Allocation.AcceptNextTask(c.Request.Context(), batchID, CurrentWorker(c), sess.SkippedTasks(batchID))
	switch {
	case err == nil:
	case errors.Is(err, service.ErrBatchNotFound):
		h.redirectIndex(c, "Cannot find Task Batch with ID %d", batchID)
		return
	case errors.Is(err, service.ErrNoTaskAvailable):
		h.redirectIndex(c, "No more Tasks available from Batch %d", batchID)
		return
	case errors.Is(err, service.ErrDatabaseBusy):
		h.redirectIndex(c, msgDatabaseBusy)
		return
	default:
		h.fail(c, err)
		return
	}

	if res.OnlySkipped {
		sess.Info("Only previously skipped Tasks are available")
		sess.ClearSkippedTasks(batchID)
	}
	h.redirect(c, assignmentURL(res.Assignment.TaskID, res.Assignment.ID))
}

// AcceptTask GET /batch/:batch_id/task/:task_id/accept
func (h *WorkHandler) AcceptTask(c *gin.Context) {
	batchID, ok := uintParam(c, "batch_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task Batch with ID %s", c.Param("batch_id"))
		return
	}
	taskID, ok := uintParam(c, "task_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task with ID %s", c.Param("task_id"))
		return
	}

	assignment, err := h.svc.Allocation.AcceptTask(c.Request.Context(), batchID, taskID, CurrentWorker(c))
	switch {
	case err == nil:
	case errors.Is(err, service.ErrBatchNotFound):
		h.redirectIndex(c, "Cannot find Task Batch with ID %d", batchID)
		return
	case errors.Is(err, service.ErrTaskNotFound):
		h.redirectIndex(c, "Cannot find Task with ID %d", taskID)
		return
	case errors.Is(err, service.ErrTaskUnavailable):
		h.redirectIndex(c, "The Task with ID %d is no longer available", taskID)
		return
	case errors.Is(err, service.ErrDatabaseBusy):
		h.redirectIndex(c, msgDatabaseBusy)
		return
	default:
		h.fail(c, err)
		return
	}

	h.redirect(c, assignmentURL(assignment.TaskID, assignment.ID))
}

// PreviewNextTask GET /batch/:batch_id/preview_next_task
func (h *WorkHandler) PreviewNextTask(c *gin.Context) {
	batchID, ok := uintParam(c, "batch_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task Batch with ID %s", c.Param("batch_id"))
		return
	}
	sess := session.FromContext(c)

	pick, err := h.svc.Allocation.PreviewNext(c.Request.Context(), batchID, CurrentWorker(c), sess.SkippedTasks(batchID))
	switch {
	case err == nil:
	case errors.Is(err, service.ErrBatchNotFound):
		h.redirectIndex(c, "Cannot find Task Batch with ID %d", batchID)
		return
	case errors.Is(err, service.ErrNoTaskAvailable):
		h.redirectIndex(c, "No more Tasks are available for Batch \"%s\"", pick.Batch.Name)
		return
	default:
		h.fail(c, err)
		return
	}

	if pick.OnlySkipped {
		sess.Info("Only previously skipped Tasks are available")
		sess.ClearSkippedTasks(batchID)
	}
	h.redirect(c, fmt.Sprintf("/task/%d/preview", pick.TaskID))
}

// SkipTask GET /batch/:batch_id/task/:task_id/skip
func (h *WorkHandler) SkipTask(c *gin.Context) {
	batchID, ok := uintParam(c, "batch_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task Batch with ID %s", c.Param("batch_id"))
		return
	}
	taskID, ok := uintParam(c, "task_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task with ID %s", c.Param("task_id"))
		return
	}
	session.FromContext(c).AddSkippedTask(batchID, taskID)
	h.redirect(c, fmt.Sprintf("/batch/%d/preview_next_task", batchID))
}

// Preview GET /task/:task_id/preview
func (h *WorkHandler) Preview(c *gin.Context) {
	h.preview(c, "preview.html")
}

// PreviewIframe GET /task/:task_id/preview_iframe
func (h *WorkHandler) PreviewIframe(c *gin.Context) {
	h.preview(c, "preview_iframe.html")
}

func (h *WorkHandler) preview(c *gin.Context, page string) {
	taskID, ok := uintParam(c, "task_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task with ID %s", c.Param("task_id"))
		return
	}

	task, err := h.svc.Allocation.PreviewTask(c.Request.Context(), taskID, CurrentWorker(c))
	switch {
	case err == nil:
	case errors.Is(err, service.ErrTaskNotFound):
		h.redirectIndex(c, "Cannot find Task with ID %d", taskID)
		return
	case errors.Is(err, service.ErrPermissionDenied):
		h.redirectIndex(c, "You do not have permission to view this Task")
		return
	default:
		h.fail(c, err)
		return
	}

	h.render(c, page, gin.H{
		"title":     task.Batch.Project.Name,
		"task":      task,
		"task_html": template.HTML(task.PopulateHTMLTemplate()),
	})
}

// TaskAssignment GET /task/:task_id/assignment/:assignment_id
func (h *WorkHandler) TaskAssignment(c *gin.Context) {
	h.showAssignment(c, "task_assignment.html")
}

// TaskAssignmentIframe GET /task/:task_id/assignment/:assignment_id/iframe
func (h *WorkHandler) TaskAssignmentIframe(c *gin.Context) {
	h.showAssignment(c, "task_assignment_iframe.html")
}

func (h *WorkHandler) showAssignment(c *gin.Context, page string) {
	taskID, assignmentID, ok := h.assignmentParams(c)
	if !ok {
		return
	}

	task, assignment, err := h.svc.Assignment.Get(c.Request.Context(), taskID, assignmentID, CurrentWorker(c))
	if err != nil {
		h.assignmentError(c, err, taskID, assignmentID)
		return
	}

	h.render(c, page, gin.H{
		"title":              task.Batch.Project.Name,
		"task":               task,
		"assignment":         assignment,
		"task_html":          template.HTML(task.PopulateHTMLTemplate()),
		"has_submit_button":  task.Batch.Project.HTMLTemplateHasSubmitButton,
		"auto_accept_status": session.FromContext(c).AutoAccept(),
	})
}

// SubmitAssignment POST /task/:task_id/assignment/:assignment_id
func (h *WorkHandler) SubmitAssignment(c *gin.Context) {
	taskID, assignmentID, ok := h.assignmentParams(c)
	if !ok {
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		h.redirectIndex(c, "Could not read the submitted form")
		return
	}
	answers := make(map[string]string, len(c.Request.PostForm))
	for k, values := range c.Request.PostForm {
		if len(values) > 0 {
			answers[k] = values[len(values)-1]
		}
	}

	task, _, err := h.svc.Assignment.Submit(c.Request.Context(), taskID, assignmentID, CurrentWorker(c), answers)
	if err != nil {
		h.assignmentError(c, err, taskID, assignmentID)
		return
	}

	if session.FromContext(c).AutoAccept() {
		h.redirect(c, fmt.Sprintf("/batch/%d/accept_next_task", task.BatchID))
		return
	}
	h.redirect(c, "/")
}

// ReturnAssignment POST /task/:task_id/assignment/:assignment_id/return
func (h *WorkHandler) ReturnAssignment(c *gin.Context) {
	taskID, assignmentID, ok := h.assignmentParams(c)
	if !ok {
		return
	}
	if _, err := h.svc.Assignment.Return(c.Request.Context(), taskID, assignmentID, CurrentWorker(c)); err != nil {
		h.returnError(c, err, taskID, assignmentID)
		return
	}
	h.redirect(c, "/")
}

// SkipAndAcceptNext POST /batch/:batch_id/task/:task_id/assignment/:assignment_id/skip_and_accept_next
func (h *WorkHandler) SkipAndAcceptNext(c *gin.Context) {
	batchID, ok := uintParam(c, "batch_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task Batch with ID %s", c.Param("batch_id"))
		return
	}
	taskID, assignmentID, ok := h.assignmentParams(c)
	if !ok {
		return
	}
	if _, err := h.svc.Assignment.Return(c.Request.Context(), taskID, assignmentID, CurrentWorker(c)); err != nil {
		h.returnError(c, err, taskID, assignmentID)
		return
	}
	session.FromContext(c).AddSkippedTask(batchID, taskID)
	h.redirect(c, fmt.Sprintf("/batch/%d/accept_next_task", batchID))
}

// UpdateAutoAccept POST /update_auto_accept
func (h *WorkHandler) UpdateAutoAccept(c *gin.Context) {
	sess := session.FromContext(c)
	sess.SetAutoAccept(c.PostForm("auto_accept") == "true")
	h.saveSession(c, sess)
	c.JSON(http.StatusOK, gin.H{})
}

func (h *WorkHandler) assignmentParams(c *gin.Context) (taskID, assignmentID uint, ok bool) {
	taskID, ok = uintParam(c, "task_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task with ID %s", c.Param("task_id"))
		return 0, 0, false
	}
	assignmentID, ok = uintParam(c, "assignment_id")
	if !ok {
		h.redirectIndex(c, "Cannot find Task Assignment with ID %s", c.Param("assignment_id"))
		return 0, 0, false
	}
	return taskID, assignmentID, true
}

func (h *WorkHandler) assignmentError(c *gin.Context, err error, taskID, assignmentID uint) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		h.redirectIndex(c, "Cannot find Task with ID %d", taskID)
	case errors.Is(err, service.ErrAssignmentNotFound):
		h.redirectIndex(c, "Cannot find Task Assignment with ID %d", assignmentID)
	case errors.Is(err, service.ErrNotAssignee):
		h.redirectIndex(c, "You do not have permission to work on the Task Assignment with ID %d", assignmentID)
	case errors.Is(err, service.ErrDatabaseBusy):
		h.redirectIndex(c, msgDatabaseBusy)
	default:
		h.fail(c, err)
	}
}

func (h *WorkHandler) returnError(c *gin.Context, err error, taskID, assignmentID uint) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		h.redirectIndex(c, "Cannot find Task with ID %d", taskID)
	case errors.Is(err, service.ErrAssignmentNotFound):
		h.redirectIndex(c, "Cannot find Task Assignment with ID %d", assignmentID)
	case errors.Is(err, service.ErrAlreadyCompleted):
		h.redirectIndex(c, "The Task can't be returned because it has been completed")
	case errors.Is(err, service.ErrNotAssignee):
		h.redirectIndex(c, "The Task you are trying to return belongs to another user")
	case errors.Is(err, service.ErrPermissionDenied):
		h.redirectIndex(c, "You do not have permission to access this Task")
	case errors.Is(err, service.ErrDatabaseBusy):
		h.redirectIndex(c, msgDatabaseBusy)
	default:
		h.fail(c, err)
	}
}

func assignmentURL(taskID, assignmentID uint) string {
	return fmt.Sprintf("/task/%d/assignment/%d", taskID, assignmentID)
}
