package service

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// 业务错误定义
var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrAssignmentNotFound = errors.New("task assignment not found")
	ErrUserNotFound       = errors.New("user not found")

	ErrNoTaskAvailable   = errors.New("no more tasks available")
	ErrTaskUnavailable   = errors.New("task is no longer available")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotAssignee       = errors.New("task assignment belongs to another user")
	ErrAlreadyCompleted  = errors.New("task assignment has been completed")
	ErrDatabaseBusy      = errors.New("database is busy")
	ErrStorageDisabled   = errors.New("storage not configured")
	ErrUploadNotArchived = errors.New("batch upload was not archived")

	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserInactive       = errors.New("user is inactive")
	ErrUsernameTaken      = errors.New("username already exists")
)

// 锁竞争相关的 postgres SQLSTATE
const (
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

// isLockContention 判断是否为数据库锁竞争
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDeadlockDetected, pgLockNotAvailable, pgSerializationFailure:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isDuplicateKey 判断是否违反唯一约束
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// translateTxError 将锁竞争统一转换为 ErrDatabaseBusy
func translateTxError(err error) error {
	if isLockContention(err) {
		return ErrDatabaseBusy
	}
	return err
}
