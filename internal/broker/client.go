package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ladder-trader/internal/config"
)

const (
	pathLogin       = "/rest/auth/angelbroking/user/v1/loginByPassword"
	pathSearchScrip = "/rest/secure/angelbroking/order/v1/searchScrip"
	pathLTP         = "/rest/secure/angelbroking/order/v1/getLtpData"
	pathCreateRule  = "/rest/secure/angelbroking/gtt/v1/createRule"
	pathPlaceOrder  = "/rest/secure/angelbroking/order/v1/placeOrder"

	maxBodyBytes = 1 << 20
)

// Observer 在每次请求完成后被调用，用于埋点。
type Observer func(operation string, latency time.Duration, err error)

// Client 负责与券商 REST 接口交互。
// 登录与行情查询带重试，下单接口只提交一次。
type Client struct {
	cfg        config.BrokerConfig
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	observer   Observer
	logger     *zap.Logger
}

// Option 定义客户端构造选项。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL 覆盖配置中的接口地址。
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.cfg.BaseURL = baseURL
	}
}

// WithObserver 注册请求观察者。
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithLogger 设置日志实例。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient 构造券商客户端，apiKey 为交易 API Key（X-PrivateKey）。
func NewClient(cfg config.BrokerConfig, apiKey string, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}

	if cfg.Breaker.Enabled {
		failures := cfg.Breaker.Failures
		if failures == 0 {
			failures = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "broker-quote",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
	}

	for _, opt := range opts {
		opt(c)
	}

	c.cfg.BaseURL = strings.TrimRight(c.cfg.BaseURL, "/")
	return c
}

// Login 使用客户号、MPIN 与动态口令登录。
func (c *Client) Login(ctx context.Context, req LoginRequest) (Tokens, error) {
	if req.APIKey == "" {
		req.APIKey = c.apiKey
	}

	var tokens Tokens
	err := c.callWithRetry(ctx, "login", func() error {
		resp, err := c.do(ctx, "login", http.MethodPost, pathLogin, "", req, classifyLogin)
		if err != nil {
			return err
		}

		t, err := extractTokens(resp.Raw)
		if err != nil {
			return err
		}
		tokens = t
		return nil
	})
	if err != nil {
		return Tokens{}, err
	}

	return tokens, nil
}

// FetchQuote 按交易代码查询最新价与标的令牌，marketKey 为行情 API Key。
func (c *Client) FetchQuote(ctx context.Context, marketKey, symbol string) (Quote, error) {
	var quote Quote
	err := c.callWithRetry(ctx, "fetch_quote", func() error {
		q, err := c.fetchQuoteOnce(ctx, marketKey, symbol)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return Quote{}, &QuoteFetchError{Symbol: symbol, Err: err}
	}
	return quote, nil
}

func (c *Client) fetchQuoteOnce(ctx context.Context, marketKey, symbol string) (Quote, error) {
	if c.breaker == nil {
		return c.searchScrip(ctx, marketKey, symbol)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.searchScrip(ctx, marketKey, symbol)
	})
	if err != nil {
		return Quote{}, err
	}
	return out.(Quote), nil
}

func (c *Client) searchScrip(ctx context.Context, marketKey, symbol string) (Quote, error) {
	path := pathSearchScrip + "?scrip=" + url.QueryEscape(symbol)
	resp, err := c.doJSON(ctx, "fetch_quote", http.MethodGet, path, marketKey, nil)
	if err != nil {
		return Quote{}, err
	}

	var items []scripItem
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := json.Unmarshal(resp.Data, &items); err != nil {
			return Quote{}, fmt.Errorf("broker: 解析行情数据失败: %w", err)
		}
	}
	if len(items) == 0 {
		return Quote{}, ErrNoQuote
	}

	item := items[0]
	quote := Quote{
		TradingSymbol: firstNonEmpty(item.TradingSymbol, symbol),
		SymbolToken:   firstNonEmpty(item.SymbolToken, item.InstrumentToken, item.Token),
		Exchange:      firstNonEmpty(item.Exchange, c.exchange()),
	}

	price := firstPositive(item.LTP, item.LastPrice, item.LastTradedPrice)
	if price.IsPositive() {
		quote.LastTradedPrice = price
		return quote, nil
	}

	if quote.SymbolToken == "" {
		return Quote{}, fmt.Errorf("broker: 行情数据缺少价格与标的令牌")
	}

	ltp, err := c.lastTradedPrice(ctx, marketKey, quote)
	if err != nil {
		return Quote{}, err
	}
	quote.LastTradedPrice = ltp
	return quote, nil
}

func (c *Client) lastTradedPrice(ctx context.Context, marketKey string, q Quote) (decimal.Decimal, error) {
	body := map[string]string{
		"exchange":      q.Exchange,
		"tradingsymbol": q.TradingSymbol,
		"symboltoken":   q.SymbolToken,
	}
	resp, err := c.doJSON(ctx, "fetch_ltp", http.MethodPost, pathLTP, marketKey, body)
	if err != nil {
		return decimal.Zero, err
	}

	var data struct {
		LTP jsonNumber `json:"ltp"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return decimal.Zero, fmt.Errorf("broker: 解析最新价失败: %w", err)
	}
	if !data.LTP.Decimal().IsPositive() {
		return decimal.Zero, ErrNoQuote
	}
	return data.LTP.Decimal(), nil
}

// CreateRule 创建一条 GTT 条件单，不重试。
func (c *Client) CreateRule(ctx context.Context, sessionToken string, rule GTTRule) (Response, error) {
	return c.doJSON(ctx, "create_rule", http.MethodPost, pathCreateRule, sessionToken, rule)
}

// PlaceOrder 提交一笔普通委托，不重试。
func (c *Client) PlaceOrder(ctx context.Context, sessionToken string, order OrderRequest) (Response, error) {
	return c.doJSON(ctx, "place_order", http.MethodPost, pathPlaceOrder, sessionToken, order)
}

func (c *Client) exchange() string {
	if c.cfg.Exchange != "" {
		return c.cfg.Exchange
	}
	return ExchangeNSE
}

// doJSON 发送请求并按统一信封分类响应。
// 返回错误时若已收到响应体，错误为 *APIError；传输失败时为包装后的原始错误。
func (c *Client) doJSON(ctx context.Context, operation, method, path, bearer string, payload interface{}) (Response, error) {
	return c.do(ctx, operation, method, path, bearer, payload, classify)
}

type classifier func(operation string, httpStatus int, raw []byte) (Response, error)

func (c *Client) do(ctx context.Context, operation, method, path, bearer string, payload interface{}, classifyFn classifier) (resp Response, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer(operation, time.Since(start), err)
		}
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("broker: %s 等待限流失败: %w", operation, err)
		}
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("broker: 序列化 %s 请求失败: %w", operation, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return Response{}, fmt.Errorf("broker: 创建 %s 请求失败: %w", operation, err)
	}
	c.setHeaders(req, bearer)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("broker: %s 请求失败: %w", operation, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("broker: 读取 %s 响应失败: %w", operation, err)
	}

	return classifyFn(operation, httpResp.StatusCode, raw)
}

func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.cfg.ClientLocalIP)
	req.Header.Set("X-ClientPublicIP", c.cfg.ClientPublicIP)
	req.Header.Set("X-MACAddress", c.cfg.MACAddress)
	if c.apiKey != "" {
		req.Header.Set("X-PrivateKey", c.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

// classify 将原始响应归类为成功或 *APIError。
func classify(operation string, httpStatus int, raw []byte) (Response, error) {
	resp := Response{HTTPStatus: httpStatus, Raw: raw}

	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, &APIError{
			Operation:  operation,
			HTTPStatus: httpStatus,
			Message:    "response is not valid JSON",
			Body:       raw,
		}
	}
	resp.HTTPStatus = httpStatus
	resp.Raw = raw

	if !resp.Succeeded() {
		return resp, &APIError{
			Operation:  operation,
			HTTPStatus: httpStatus,
			ErrorCode:  resp.ErrorCode,
			Message:    resp.Message,
			Body:       raw,
		}
	}
	return resp, nil
}

// classifyLogin 在 HTTP 2xx 且响应体带有会话令牌时视为成功，
// 兼容没有 status 信封、令牌位于顶层 jwtToken 或 token 的响应。
func classifyLogin(operation string, httpStatus int, raw []byte) (Response, error) {
	if httpStatus >= 200 && httpStatus < 300 {
		var resp Response
		if json.Unmarshal(raw, &resp) == nil && resp.ErrorCode == "" {
			if _, err := extractTokens(raw); err == nil {
				resp.HTTPStatus = httpStatus
				resp.Raw = raw
				return resp, nil
			}
		}
	}
	return classify(operation, httpStatus, raw)
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			c.logger.Error("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func extractTokens(raw []byte) (Tokens, error) {
	var body struct {
		Data struct {
			JWTToken     string `json:"jwtToken"`
			RefreshToken string `json:"refreshToken"`
			FeedToken    string `json:"feedToken"`
		} `json:"data"`
		JWTToken string `json:"jwtToken"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return Tokens{}, fmt.Errorf("broker: 解析登录响应失败: %w", err)
	}

	tokens := Tokens{
		JWTToken:     firstNonEmpty(body.Data.JWTToken, body.JWTToken, body.Token),
		RefreshToken: body.Data.RefreshToken,
		FeedToken:    body.Data.FeedToken,
	}
	if tokens.JWTToken == "" {
		return Tokens{}, ErrNoToken
	}
	return tokens, nil
}

type scripItem struct {
	TradingSymbol   string     `json:"tradingsymbol"`
	Exchange        string     `json:"exchange"`
	SymbolToken     string     `json:"symboltoken"`
	InstrumentToken string     `json:"instrument_token"`
	Token           string     `json:"token"`
	LTP             jsonNumber `json:"ltp"`
	LastPrice       jsonNumber `json:"lastPrice"`
	LastTradedPrice jsonNumber `json:"last_traded_price"`
}

// jsonNumber 兼容券商以数字或字符串返回的价格字段。
type jsonNumber struct {
	value decimal.Decimal
}

func (n *jsonNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		n.value = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("broker: 非法数值 %q: %w", s, err)
	}
	n.value = v
	return nil
}

func (n jsonNumber) Decimal() decimal.Decimal {
	return n.value
}

func firstPositive(values ...jsonNumber) decimal.Decimal {
	for _, v := range values {
		if v.value.IsPositive() {
			return v.value
		}
	}
	return decimal.Zero
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
