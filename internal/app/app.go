package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ladder-trader/internal/broker"
	"ladder-trader/internal/config"
	"ladder-trader/internal/journal"
	"ladder-trader/internal/metrics"
	"ladder-trader/internal/otp"
	"ladder-trader/internal/risk"
	"ladder-trader/internal/session"
	"ladder-trader/internal/store"
	"ladder-trader/internal/vault"
)

// ErrMissingCredential 表示凭证记录缺少必要字段。
var ErrMissingCredential = errors.New("app: missing credential")

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	metrics *metrics.Metrics
	journal *journal.Service
	guard   *risk.Guard
	vault   *vault.Vault

	now       func() time.Time
	brokerOpt []broker.Option
	vaultOpt  []vault.Option
	sessions  *session.Manager
}

// Option 调整 App 构造。
type Option func(*App)

// WithBrokerOptions 追加券商客户端选项。
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(a *App) { a.brokerOpt = append(a.brokerOpt, opts...) }
}

// WithVaultOptions 使用给定选项打开凭证库。
func WithVaultOptions(opts ...vault.Option) Option {
	return func(a *App) { a.vaultOpt = append(a.vaultOpt, opts...) }
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store, opts ...Option) (*App, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("app: config 与 store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := metrics.New()

	journalSvc, err := journal.NewService(st, logger,
		journal.WithCapacity(cfg.Journal.Capacity),
		journal.WithEvictionHook(m.ObserveEvictions),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化提交日志失败: %w", err)
	}

	guard, err := risk.NewGuard(cfg.Risk, st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控失败: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: m,
		journal: journalSvc,
		guard:   guard,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(st, cfg.Vault.Passphrase, append([]vault.Option{vault.WithLogger(logger)}, a.vaultOpt...)...)
		if err != nil {
			return nil, fmt.Errorf("初始化凭证库失败: %w", err)
		}
		a.vault = v
	}

	return a, nil
}

// Journal 返回提交日志服务。
func (a *App) Journal() *journal.Service {
	return a.journal
}

// Metrics 返回指标集合。
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

func (a *App) requireVault() (*vault.Vault, error) {
	if a.vault == nil {
		return nil, fmt.Errorf("app: 未配置 LADDER_VAULT_PASSPHRASE: %w", vault.ErrNoPassphrase)
	}
	return a.vault, nil
}

// SaveCredentials 整体写入凭证记录。
func (a *App) SaveCredentials(ctx context.Context, creds vault.Credentials) error {
	v, err := a.requireVault()
	if err != nil {
		return err
	}
	if err := v.Save(ctx, creds); err != nil {
		return err
	}
	a.logger.Info("凭证已加密保存", zap.String("client_code", creds.ClientCode))
	return nil
}

// LoadCredentials 读取凭证记录。
func (a *App) LoadCredentials(ctx context.Context) (vault.Credentials, error) {
	v, err := a.requireVault()
	if err != nil {
		return vault.Credentials{}, err
	}
	return v.Load(ctx)
}

// brokerClient 以凭证中的交易 Key 构造券商客户端。
func (a *App) brokerClient(creds vault.Credentials) *broker.Client {
	opts := []broker.Option{
		broker.WithLogger(a.logger),
		broker.WithObserver(a.metrics.ObserveBroker),
	}
	opts = append(opts, a.brokerOpt...)
	return broker.NewClient(a.cfg.Broker, creds.TradingKey, opts...)
}

func (a *App) sessionManager(client *broker.Client) *session.Manager {
	if a.sessions == nil {
		a.sessions = session.NewManager(client, a.cfg.Session.TTL, a.logger)
	}
	return a.sessions
}

// Login 使用已保存的凭证登录，totp 为空时由密钥生成动态口令。
// 会话保存到凭证库，后续命令可直接复用。
func (a *App) Login(ctx context.Context, totp string) (*session.Session, error) {
	creds, err := a.LoadCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if creds.TradingKey == "" || creds.ClientCode == "" || creds.MPIN == "" {
		return nil, fmt.Errorf("%w: 需要交易 Key、客户号与 MPIN", ErrMissingCredential)
	}

	if totp == "" {
		totp, err = otp.Generate(creds.TOTPSecret, a.now())
		if err != nil {
			return nil, fmt.Errorf("app: 生成动态口令失败: %w", err)
		}
	}

	mgr := a.sessionManager(a.brokerClient(creds))
	sess, err := mgr.Login(ctx, session.Credentials{
		ClientCode: creds.ClientCode,
		MPIN:       creds.MPIN,
		TOTP:       totp,
	})
	if err != nil {
		a.journal.RecordError(ctx, "登录失败", err, map[string]interface{}{"client_code": creds.ClientCode})
		return nil, err
	}

	if err := a.vault.Put(ctx, vault.SessionKey, sess); err != nil {
		a.logger.Warn("保存会话失败", zap.Error(err))
	}
	a.journal.RecordEvent(ctx, journal.EventLogin, journal.LoginPayload{
		ClientCode: sess.ClientCode,
		ExpiresAt:  sess.ExpiresAt,
	})
	return sess, nil
}

// Logout 丢弃当前会话及其持久化副本。
func (a *App) Logout(ctx context.Context) error {
	if a.sessions != nil {
		a.sessions.Logout()
	}
	v, err := a.requireVault()
	if err != nil {
		return err
	}
	return v.Delete(ctx, vault.SessionKey)
}

// currentSession 返回进程内会话，没有时尝试从凭证库恢复。
func (a *App) currentSession(ctx context.Context, client *broker.Client) (*session.Session, error) {
	mgr := a.sessionManager(client)
	if s, err := mgr.Current(); err == nil {
		return s, nil
	}

	v, err := a.requireVault()
	if err != nil {
		return nil, session.ErrNotAuthenticated
	}
	var stored session.Session
	if err := v.Get(ctx, vault.SessionKey, &stored); err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			a.logger.Warn("读取已保存会话失败", zap.Error(err))
		}
		return nil, session.ErrNotAuthenticated
	}
	if !mgr.Restore(&stored) {
		return nil, session.ErrNotAuthenticated
	}
	return mgr.Current()
}

// Serve 启动本地只读 HTTP 接口，并在密钥存在时保持动态口令刷新，直到 ctx 结束。
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("本地服务启动中",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("addr", a.cfg.Server.Addr),
	)

	keeper := otp.NewKeeper(a.cfg.TOTP.RefreshInterval, a.logger)
	defer keeper.Clear()

	g, gctx := errgroup.WithContext(ctx)

	if a.vault != nil {
		creds, err := a.vault.Load(gctx)
		switch {
		case err == nil && creds.TOTPSecret != "":
			keeper.SetSecret(gctx, creds.TOTPSecret)
		case err != nil && !errors.Is(err, vault.ErrNotFound):
			a.logger.Warn("读取凭证失败，动态口令刷新未启动", zap.Error(err))
		}
	}

	handler := newHTTPHandler(a.journal, a.metrics, func() health {
		_, totpErr := keeper.Current()
		return health{Status: "ok", TOTPReady: totpErr == nil, Time: a.now().UTC()}
	}, a.cfg.Server.AllowedOrigins, a.logger)

	g.Go(func() error {
		return serveHTTP(gctx, a.cfg.Server.Addr, handler, a.cfg.Server.ShutdownTimeout, a.logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
