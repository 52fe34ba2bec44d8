// Package session 维护登录会话：登录时创建，登出或过期时失效。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ladder-trader/internal/broker"
)

// ErrNotAuthenticated 表示当前没有有效会话。
var ErrNotAuthenticated = errors.New("session: not authenticated")

// Session 为一次登录得到的会话。
type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	FeedToken    string    `json:"feed_token,omitempty"`
	ClientCode   string    `json:"client_code"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid 判断会话在 now 时刻是否可用。
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Require 返回可用会话，否则返回 ErrNotAuthenticated。
func Require(s *Session, now time.Time) (*Session, error) {
	if !s.Valid(now) {
		return nil, ErrNotAuthenticated
	}
	return s, nil
}

// Credentials 为登录所需字段。
type Credentials struct {
	ClientCode string
	MPIN       string
	TOTP       string
}

type authenticator interface {
	Login(ctx context.Context, req broker.LoginRequest) (broker.Tokens, error)
}

// Manager 持有进程内唯一的当前会话。
type Manager struct {
	auth   authenticator
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	current *Session
}

// NewManager 创建会话管理器，ttl 为会话有效期。
func NewManager(auth authenticator, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		auth:   auth,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// Login 登录并替换当前会话。
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.ClientCode == "" || creds.MPIN == "" {
		return nil, errors.New("session: client code and MPIN are required")
	}

	tokens, err := m.auth.Login(ctx, broker.LoginRequest{
		ClientCode: creds.ClientCode,
		Password:   creds.MPIN,
		TOTP:       creds.TOTP,
	})
	if err != nil {
		return nil, fmt.Errorf("session: 登录失败: %w", err)
	}

	now := m.now().UTC()
	s := &Session{
		Token:        tokens.JWTToken,
		RefreshToken: tokens.RefreshToken,
		FeedToken:    tokens.FeedToken,
		ClientCode:   creds.ClientCode,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.logger.Info("登录成功",
		zap.String("client_code", creds.ClientCode),
		zap.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

// Restore 载入此前持久化的会话，已过期的会话会被丢弃。
func (m *Manager) Restore(s *Session) bool {
	if !s.Valid(m.now()) {
		return false
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return true
}

// Current 返回当前有效会话。
func (m *Manager) Current() (*Session, error) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s != nil && !s.Valid(m.now()) {
		m.logger.Info("会话已过期", zap.String("client_code", s.ClientCode))
		m.Logout()
	}
	return Require(s, m.now())
}

// Logout 使当前会话失效。
func (m *Manager) Logout() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}
