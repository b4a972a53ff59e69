package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bitfantasy/taskhub/internal/config"
	"github.com/bitfantasy/taskhub/internal/crowd/service"
	"github.com/bitfantasy/taskhub/internal/crowd/session"
	"github.com/gin-gonic/gin"
)

// AuthHandler 登录相关处理器
type AuthHandler struct {
	svc          *service.AuthService
	cfg          config.JWTConfig
	secureCookie bool
}

// NewAuthHandler 创建登录处理器
func NewAuthHandler(svc *service.AuthService, cfg config.JWTConfig, secureCookie bool) *AuthHandler {
	return &AuthHandler{svc: svc, cfg: cfg, secureCookie: secureCookie}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// LoginPage GET /login
func (h *AuthHandler) LoginPage(c *gin.Context) {
	sess := session.FromContext(c)
	data := gin.H{
		"title":    "Login",
		"worker":   CurrentWorker(c),
		"messages": sess.PopMessages(),
		"next":     safeNext(c.Query("next")),
	}
	_ = sess.Save(c.Request.Context())
	c.HTML(http.StatusOK, "login.html", data)
}

// Login POST /login
func (h *AuthHandler) Login(c *gin.Context) {
	next := safeNext(c.PostForm("next"))
	username := c.PostForm("username")

	_, token, err := h.svc.Login(c.Request.Context(), username, c.PostForm("password"))
	if err != nil {
		message := "Please enter a correct username and password."
		if errors.Is(err, service.ErrUserInactive) {
			message = "This account is inactive."
		} else if !errors.Is(err, service.ErrInvalidCredentials) {
			c.Error(err)
			message = "Login failed. Please try again."
		}
		c.HTML(http.StatusOK, "login.html", gin.H{
			"title":    "Login",
			"worker":   CurrentWorker(c),
			"error":    message,
			"username": username,
			"next":     next,
		})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, token.AccessToken, int(token.ExpiresIn), "/", "", h.secureCookie, true)
	c.Redirect(http.StatusFound, next)
}

// Logout POST /logout
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := session.FromContext(c).Destroy(c.Request.Context()); err != nil {
		c.Error(err)
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, "", -1, "/", "", h.secureCookie, true)
	c.Redirect(http.StatusFound, "/")
}

// APILogin POST /api/v1/auth/login
func (h *AuthHandler) APILogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "username and password are required")
		return
	}
	user, token, err := h.svc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{
		"access_token": token.AccessToken,
		"expires_in":   token.ExpiresIn,
		"user":         user,
	})
}

// Me GET /api/v1/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	user, err := h.svc.GetCurrentUser(c.Request.Context(), GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, user)
}

// safeNext 只允许站内相对路径
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
