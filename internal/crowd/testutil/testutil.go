package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitfantasy/taskhub/internal/config"
	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	JWTSecret   = "taskhub-test-jwt-secret"
	TokenCookie = "taskhub_token"
	SessionName = "taskhub_sid"
)

var dbSeq atomic.Int64

// SetupTestDB 为每个测试创建独立的内存 SQLite 库并完成迁移
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// 共享缓存 + 单连接：事务内外看到同一份内存库
	dsn := fmt.Sprintf("file:taskhub_test_%d_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)",
		time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get database instance: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&entity.User{},
		&entity.Project{},
		&entity.ProjectWorker{},
		&entity.Batch{},
		&entity.Task{},
		&entity.TaskAssignment{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// TestConfig 测试用配置
func TestConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			Secret:            JWTSecret,
			AccessTokenExpire: time.Hour,
			Issuer:            "taskhub",
			CookieName:        TokenCookie,
		},
		Session: config.SessionConfig{
			CookieName: SessionName,
			TTL:        time.Hour,
			KeyPrefix:  "session:",
		},
		Import: config.ImportConfig{
			DefaultEncoding: "utf-8",
			MaxUploadMB:     4,
		},
	}
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// GenerateTestToken 生成测试用 JWT
func GenerateTestToken(userID uint, username string, staff bool) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       fmt.Sprintf("%d", userID),
		"uid":       userID,
		"username":  username,
		"staff":     staff,
		"superuser": false,
		"iss":       "taskhub",
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DoRequest executes a JSON request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// Browser 带 cookie 的页面访问者，模拟同一会话的连续请求
type Browser struct {
	Router  *gin.Engine
	Token   string
	cookies map[string]*http.Cookie
}

// NewBrowser 创建访问者，token 为空表示匿名
func NewBrowser(r *gin.Engine, token string) *Browser {
	return &Browser{Router: r, Token: token, cookies: make(map[string]*http.Cookie)}
}

// Get 发起 GET 请求
func (b *Browser) Get(path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	return b.do(req)
}

// PostForm 发起表单 POST 请求
func (b *Browser) PostForm(path string, form url.Values) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

// Do 发起任意请求
func (b *Browser) Do(req *http.Request) *httptest.ResponseRecorder {
	return b.do(req)
}

func (b *Browser) do(req *http.Request) *httptest.ResponseRecorder {
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	w := httptest.NewRecorder()
	b.Router.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return w
}

// ParseResponse parses the JSON response body into a map
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// SeedUser 创建测试用户，密码为 "password"
func SeedUser(t *testing.T, db *gorm.DB, username string, staff bool) *entity.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	user := &entity.User{
		Username:     username,
		PasswordHash: string(hash),
		Name:         username,
		IsStaff:      staff,
		IsActive:     true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to seed test user: %v", err)
	}
	return user
}

// SeedProject 创建测试项目
func SeedProject(t *testing.T, db *gorm.DB, name, html string, loginRequired bool) *entity.Project {
	t.Helper()
	project := &entity.Project{
		Name:               name,
		Active:             true,
		LoginRequired:      loginRequired,
		AssignmentsPerTask: 1,
		HTMLTemplate:       html,
	}
	if err := db.Create(project).Error; err != nil {
		t.Fatalf("Failed to seed test project: %v", err)
	}
	return project
}

// SeedBatch 创建批次及其任务，每个 rows 元素对应一个任务
func SeedBatch(t *testing.T, db *gorm.DB, project *entity.Project, assignmentsPerTask int, rows ...map[string]string) (*entity.Batch, []entity.Task) {
	t.Helper()
	batch := &entity.Batch{
		Name:                   fmt.Sprintf("batch-%d", dbSeq.Add(1)),
		Filename:               "input.csv",
		ProjectID:              project.ID,
		Active:                 true,
		AllottedAssignmentTime: entity.DefaultAllottedAssignmentTime,
		AssignmentsPerTask:     assignmentsPerTask,
		Project:                project,
	}
	if err := db.Omit("Project").Create(batch).Error; err != nil {
		t.Fatalf("Failed to seed test batch: %v", err)
	}

	tasks := make([]entity.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, entity.Task{BatchID: batch.ID, InputCSVFields: entity.Fields(row)})
	}
	if len(tasks) > 0 {
		if err := db.Create(&tasks).Error; err != nil {
			t.Fatalf("Failed to seed test tasks: %v", err)
		}
	}
	return batch, tasks
}
