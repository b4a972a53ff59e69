package handler

import (
	"github.com/bitfantasy/taskhub/internal/config"
	"github.com/bitfantasy/taskhub/internal/crowd/session"
	"github.com/bitfantasy/taskhub/internal/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventsPath 事件流路径，gzip 需要排除
const EventsPath = "/api/v1/admin/events"

// RegisterRoutes 注册工作者页面与管理端接口
func RegisterRoutes(r *gin.Engine, h *Handlers, store session.Store, cfg *config.Config, logger *zap.Logger) {
	LoadTemplates(r)

	app := r.Group("",
		session.Middleware(store, cfg.Session, logger.Named("session")),
		middleware.OptionalAuth(cfg.JWT.Secret, cfg.JWT.CookieName),
	)

	// 工作者页面
	{
		app.GET("/", h.Work.Index)
		app.GET("/login", h.Auth.LoginPage)
		app.POST("/login", h.Auth.Login)
		app.POST("/logout", h.Auth.Logout)
		app.POST("/update_auto_accept", h.Work.UpdateAutoAccept)

		batch := app.Group("/batch/:batch_id")
		batch.GET("/accept_next_task", h.Work.AcceptNextTask)
		batch.GET("/preview_next_task", h.Work.PreviewNextTask)
		batch.GET("/task/:task_id/accept", h.Work.AcceptTask)
		batch.GET("/task/:task_id/skip", h.Work.SkipTask)
		batch.POST("/task/:task_id/assignment/:assignment_id/skip_and_accept_next", h.Work.SkipAndAcceptNext)

		task := app.Group("/task/:task_id")
		task.GET("/preview", h.Work.Preview)
		task.GET("/preview_iframe", h.Work.PreviewIframe)
		task.GET("/assignment/:assignment_id", h.Work.TaskAssignment)
		task.POST("/assignment/:assignment_id", h.Work.SubmitAssignment)
		task.GET("/assignment/:assignment_id/iframe", h.Work.TaskAssignmentIframe)
		task.POST("/assignment/:assignment_id/return", h.Work.ReturnAssignment)
	}

	v1 := app.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		auth.POST("/login", h.Auth.APILogin)
		auth.GET("/me", middleware.RequireLogin(), h.Auth.Me)

		admin := v1.Group("/admin", middleware.RequireLogin(), middleware.RequireStaff())
		admin.GET("/events", h.SSE.Stream)

		projects := admin.Group("/projects")
		{
			projects.GET("", h.Admin.ListProjects)
			projects.POST("", h.Admin.CreateProject)
			projects.GET("/:id", h.Admin.GetProject)
			projects.PUT("/:id", h.Admin.UpdateProject)
			projects.GET("/:id/workers", h.Admin.ListProjectWorkers)
			projects.POST("/:id/workers", h.Admin.GrantProjectWorker)
			projects.DELETE("/:id/workers/:user_id", h.Admin.RevokeProjectWorker)
			projects.GET("/:id/results", h.Admin.ProjectResults)
			projects.GET("/:id/batches", h.Admin.ListBatches)
			projects.POST("/:id/batches", h.Admin.CreateBatch)
		}

		batches := admin.Group("/batches")
		{
			batches.GET("/:id", h.Admin.GetBatch)
			batches.PUT("/:id", h.Admin.UpdateBatch)
			batches.GET("/:id/stats", h.Admin.BatchStats)
			batches.POST("/:id/activate", h.Admin.ActivateBatch)
			batches.POST("/:id/deactivate", h.Admin.DeactivateBatch)
			batches.GET("/:id/results", h.Admin.BatchResults)
			batches.GET("/:id/upload", h.Admin.BatchUpload)
		}

		admin.POST("/assignments/expire", h.Admin.ExpireAssignments)
		admin.GET("/users", h.Admin.ListUsers)
		admin.POST("/users", h.Admin.CreateUser)
		admin.POST("/preferences/csv", h.Admin.UpdateCSVPreference)
	}
}
