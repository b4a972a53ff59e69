package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/taskhub/internal/config"
	"github.com/bitfantasy/taskhub/internal/crowd/entity"
	"github.com/bitfantasy/taskhub/internal/crowd/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthService 认证服务
type AuthService struct {
	userRepo *repository.UserRepository
	cfg      config.JWTConfig
	logger   *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(userRepo *repository.UserRepository, cfg config.JWTConfig, logger *zap.Logger) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		cfg:      cfg,
		logger:   logger,
	}
}

// Token 登录令牌
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// CreateUserInput 创建用户请求
type CreateUserInput struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

// Login 用户名密码登录
func (s *AuthService) Login(ctx context.Context, username, password string) (*entity.User, *Token, error) {
	user, err := s.userRepo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, nil, ErrUserInactive
	}

	token, err := s.GenerateToken(user)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	if err := s.userRepo.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("update last login", zap.Uint("user_id", user.ID), zap.Error(err))
	}
	user.LastLoginAt = &now
	return user, token, nil
}

// GenerateToken 生成访问令牌
func (s *AuthService) GenerateToken(user *entity.User) (*Token, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       fmt.Sprint(user.ID),
		"uid":       user.ID,
		"username":  user.Username,
		"name":      user.Name,
		"staff":     user.IsStaff,
		"superuser": user.IsSuperuser,
		"iss":       s.cfg.Issuer,
		"iat":       now.Unix(),
		"exp":       now.Add(s.cfg.AccessTokenExpire).Unix(),
		"jti":       uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &Token{
		AccessToken: signed,
		ExpiresIn:   int64(s.cfg.AccessTokenExpire.Seconds()),
	}, nil
}

// GetCurrentUser 获取当前用户
func (s *AuthService) GetCurrentUser(ctx context.Context, userID uint) (*entity.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// CreateUser 创建用户
func (s *AuthService) CreateUser(ctx context.Context, in CreateUserInput) (*entity.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, &entity.ValidationError{Field: "username", Message: "This field is required."}
	}
	if in.Password == "" {
		return nil, &entity.ValidationError{Field: "password", Message: "This field is required."}
	}
	if _, err := s.userRepo.FindByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &entity.User{
		Username:     username,
		PasswordHash: string(hash),
		Name:         in.Name,
		Email:        in.Email,
		IsStaff:      in.IsStaff || in.IsSuperuser,
		IsSuperuser:  in.IsSuperuser,
		IsActive:     true,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if isDuplicateKey(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// ListUsers 用户列表
func (s *AuthService) ListUsers(ctx context.Context, page, pageSize int) ([]entity.User, int64, error) {
	return s.userRepo.List(ctx, page, pageSize)
}

// EnsureAdmin 启动时确保管理员账号存在，已存在则不修改
func (s *AuthService) EnsureAdmin(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	_, err := s.userRepo.FindByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	user, err := s.CreateUser(ctx, CreateUserInput{
		Username:    username,
		Password:    password,
		Name:        username,
		IsStaff:     true,
		IsSuperuser: true,
	})
	if err != nil {
		return err
	}
	s.logger.Info("admin user created", zap.Uint("user_id", user.ID), zap.String("username", user.Username))
	return nil
}
