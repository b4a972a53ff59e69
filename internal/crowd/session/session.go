package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bitfantasy/taskhub/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const contextKey = "session"

// 消息级别
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Message 一次性提示消息
type Message struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Data 会话中保存的数据
type Data struct {
	// SkippedTasksInBatch 批次ID → 按跳过顺序排列的任务ID
	SkippedTasksInBatch map[string][]uint `json:"skipped_tasks_in_batch,omitempty"`
	AutoAcceptStatus    bool              `json:"auto_accept_status"`
	CSVUnixLineEndings  bool              `json:"csv_unix_line_endings"`
	Messages            []Message         `json:"messages,omitempty"`
}

// Session 单次请求中的会话
type Session struct {
	ID    string
	data  *Data
	dirty bool
	store Store
	ttl   time.Duration
}

func newSession(id string, data *Data, store Store, ttl time.Duration) *Session {
	if data == nil {
		data = &Data{}
	}
	return &Session{ID: id, data: data, store: store, ttl: ttl}
}

// SkippedTasks 批次中已跳过的任务
func (s *Session) SkippedTasks(batchID uint) []uint {
	ids := s.data.SkippedTasksInBatch[batchKey(batchID)]
	out := make([]uint, len(ids))
	copy(out, ids)
	return out
}

// AddSkippedTask 记录跳过的任务，重复跳过不重复记录
func (s *Session) AddSkippedTask(batchID, taskID uint) {
	if s.data.SkippedTasksInBatch == nil {
		s.data.SkippedTasksInBatch = make(map[string][]uint)
	}
	key := batchKey(batchID)
	for _, id := range s.data.SkippedTasksInBatch[key] {
		if id == taskID {
			return
		}
	}
	s.data.SkippedTasksInBatch[key] = append(s.data.SkippedTasksInBatch[key], taskID)
	s.dirty = true
}

// ClearSkippedTasks 清空批次的跳过列表
func (s *Session) ClearSkippedTasks(batchID uint) {
	if s.data.SkippedTasksInBatch == nil {
		return
	}
	s.data.SkippedTasksInBatch[batchKey(batchID)] = []uint{}
	s.dirty = true
}

// AutoAccept 提交后是否自动领取下一个任务
func (s *Session) AutoAccept() bool {
	return s.data.AutoAcceptStatus
}

func (s *Session) SetAutoAccept(on bool) {
	if s.data.AutoAcceptStatus != on {
		s.data.AutoAcceptStatus = on
		s.dirty = true
	}
}

// CSVUnixLineEndings 导出 CSV 是否使用 \n
func (s *Session) CSVUnixLineEndings() bool {
	return s.data.CSVUnixLineEndings
}

func (s *Session) SetCSVUnixLineEndings(on bool) {
	if s.data.CSVUnixLineEndings != on {
		s.data.CSVUnixLineEndings = on
		s.dirty = true
	}
}

// AddMessage 添加一条提示，在下一次渲染页面时显示
func (s *Session) AddMessage(level, text string) {
	s.data.Messages = append(s.data.Messages, Message{Level: level, Text: text})
	s.dirty = true
}

// Error 添加错误提示
func (s *Session) Error(text string) {
	s.AddMessage(LevelError, text)
}

// Info 添加普通提示
func (s *Session) Info(text string) {
	s.AddMessage(LevelInfo, text)
}

// PopMessages 取出并清空提示
func (s *Session) PopMessages() []Message {
	msgs := s.data.Messages
	if len(msgs) > 0 {
		s.data.Messages = nil
		s.dirty = true
	}
	return msgs
}

// Save 有改动时写回存储
func (s *Session) Save(ctx context.Context) error {
	if !s.dirty || s.store == nil {
		return nil
	}
	if err := s.store.Save(ctx, s.ID, s.data, s.ttl); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Destroy 删除存储中的会话并清空本次请求中的数据
func (s *Session) Destroy(ctx context.Context) error {
	s.data = &Data{}
	s.dirty = false
	if s.store == nil {
		return nil
	}
	return s.store.Delete(ctx, s.ID)
}

func batchKey(batchID uint) string {
	return strconv.FormatUint(uint64(batchID), 10)
}

// Middleware 为每个访问者（包括匿名）签发会话 cookie 并加载会话
// 请求结束时未保存的改动会被写回
func Middleware(store Store, cfg config.SessionConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var sess *Session

		if id, err := c.Cookie(cfg.CookieName); err == nil {
			if _, perr := uuid.Parse(id); perr == nil {
				data, lerr := store.Load(ctx, id)
				switch {
				case lerr == nil:
					sess = newSession(id, data, store, cfg.TTL)
				case !errors.Is(lerr, ErrNotFound):
					logger.Warn("load session", zap.Error(lerr))
				}
			}
		}
		if sess == nil {
			sess = newSession(uuid.New().String(), nil, store, cfg.TTL)
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cfg.CookieName, sess.ID, int(cfg.TTL.Seconds()), "/", "", cfg.Secure, true)
		c.Set(contextKey, sess)

		c.Next()

		if err := sess.Save(ctx); err != nil {
			logger.Warn("save session", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}

// FromContext 取出当前请求的会话；未经过中间件时返回一个不落盘的临时会话
func FromContext(c *gin.Context) *Session {
	if v, ok := c.Get(contextKey); ok {
		if sess, ok := v.(*Session); ok {
			return sess
		}
	}
	sess := newSession("", nil, nil, 0)
	c.Set(contextKey, sess)
	return sess
}
