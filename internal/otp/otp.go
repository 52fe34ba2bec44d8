// Package otp 生成基于时间的一次性口令，并在密钥存在期间定期刷新。
package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"ladder-trader/internal/scheduler"
)

// ErrNoSecret 表示尚未配置 TOTP 密钥。
var ErrNoSecret = errors.New("otp: no secret configured")

// Generate 按 RFC 6238（6 位、30 秒、SHA1）生成口令。
func Generate(secret string, at time.Time) (string, error) {
	secret = normalize(secret)
	if secret == "" {
		return "", ErrNoSecret
	}
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("otp: 生成口令失败: %w", err)
	}
	return code, nil
}

// 密钥常以带空格的小写分组形式复制。
func normalize(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
}

// Refresher 定期重新生成当前口令。
type Refresher struct {
	secret string
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	current string
}

// NewRefresher 创建刷新任务。
func NewRefresher(secret string, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		secret: secret,
		now:    time.Now,
		logger: logger,
	}
}

// Execute 实现 scheduler.Task。密钥非法时保留上一次的口令。
func (r *Refresher) Execute(ctx context.Context) error {
	code, err := Generate(r.secret, r.now())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = code
	r.mu.Unlock()
	return nil
}

// Current 返回最近一次生成的口令。
func (r *Refresher) Current() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == "" {
		return "", ErrNoSecret
	}
	return r.current, nil
}

// Keeper 将刷新任务的生命周期与密钥绑定：设置密钥即启动，清除密钥即停止。
type Keeper struct {
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	refresher *Refresher
	sched     *scheduler.Scheduler
	done      chan struct{}
}

// NewKeeper 创建口令保持器。
func NewKeeper(interval time.Duration, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Keeper{interval: interval, logger: logger}
}

// SetSecret 替换密钥并重启刷新；空密钥等同于 Clear。
func (k *Keeper) SetSecret(ctx context.Context, secret string) {
	k.Clear()
	if normalize(secret) == "" {
		return
	}

	refresher := NewRefresher(secret, k.logger)
	sched := scheduler.New(k.interval, refresher, k.logger)
	done := make(chan struct{})

	k.mu.Lock()
	k.refresher = refresher
	k.sched = sched
	k.done = done
	k.mu.Unlock()

	go func() {
		defer close(done)
		_ = sched.Start(ctx)
	}()
	k.logger.Debug("TOTP 刷新已启动", zap.Duration("interval", k.interval))
}

// Current 返回当前口令。
func (k *Keeper) Current() (string, error) {
	k.mu.Lock()
	refresher := k.refresher
	k.mu.Unlock()
	if refresher == nil {
		return "", ErrNoSecret
	}
	return refresher.Current()
}

// Clear 停止刷新并丢弃密钥，等待后台任务退出。
func (k *Keeper) Clear() {
	k.mu.Lock()
	sched, done := k.sched, k.done
	k.refresher, k.sched, k.done = nil, nil, nil
	k.mu.Unlock()

	if sched == nil {
		return
	}
	sched.Stop()
	<-done
	k.logger.Debug("TOTP 刷新已停止")
}
