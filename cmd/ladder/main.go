package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"ladder-trader/internal/app"
	"ladder-trader/internal/config"
	"ladder-trader/internal/execution"
	"ladder-trader/internal/journal"
	"ladder-trader/internal/ladder"
	"ladder-trader/internal/log"
	"ladder-trader/internal/store"
	"ladder-trader/internal/vault"
)

const usage = `用法: ladder [-config path] <command> [flags]

命令:
  creds save|load   加密保存或查看凭证
  login             使用已保存凭证登录
  logout            清除已保存会话
  quote             查询最新价
  preview           生成阶梯但不提交
  run               生成阶梯并逐腿提交
  log               查看提交日志
  serve             启动本地只读接口与动态口令刷新
`

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ladderApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化应用失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &command{app: ladderApp, cfg: cfg, out: os.Stdout}
	if err := cmd.dispatch(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "%s 失败: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

type command struct {
	app *app.App
	cfg *config.Config
	out io.Writer
}

func (c *command) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "creds":
		if len(args) == 0 {
			return errors.New("需要子命令 save 或 load")
		}
		switch args[0] {
		case "save":
			return c.credsSave(ctx, args[1:])
		case "load":
			return c.credsLoad(ctx)
		default:
			return fmt.Errorf("未知子命令 %q", args[0])
		}
	case "login":
		return c.login(ctx, args)
	case "logout":
		return c.app.Logout(ctx)
	case "quote":
		return c.quote(ctx, args)
	case "preview":
		return c.preview(ctx, args)
	case "run":
		return c.run(ctx, args)
	case "log":
		return c.log(ctx, args)
	case "serve":
		return c.app.Serve(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("未知命令 %q", name)
	}
}

func (c *command) credsSave(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("creds save", flag.ContinueOnError)
	var creds vault.Credentials
	fs.StringVar(&creds.TradingKey, "trading-key", os.Getenv("LADDER_TRADING_KEY"), "交易 API Key")
	fs.StringVar(&creds.MarketKey, "market-key", os.Getenv("LADDER_MARKET_KEY"), "行情 API Key")
	fs.StringVar(&creds.HistoricalKey, "historical-key", os.Getenv("LADDER_HISTORICAL_KEY"), "历史数据 API Key")
	fs.StringVar(&creds.ClientCode, "client-code", os.Getenv("LADDER_CLIENT_CODE"), "客户号")
	fs.StringVar(&creds.MPIN, "mpin", os.Getenv("LADDER_MPIN"), "MPIN")
	fs.StringVar(&creds.TOTPSecret, "totp-secret", os.Getenv("LADDER_TOTP_SECRET"), "TOTP 密钥")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := c.app.SaveCredentials(ctx, creds); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "凭证已加密保存")
	return nil
}

func (c *command) credsLoad(ctx context.Context) error {
	creds, err := c.app.LoadCredentials(ctx)
	if errors.Is(err, vault.ErrNotFound) {
		fmt.Fprintln(c.out, "未找到已保存的凭证")
		return nil
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "trading_key\t%s\n", mask(creds.TradingKey))
	fmt.Fprintf(w, "market_key\t%s\n", mask(creds.MarketKey))
	fmt.Fprintf(w, "historical_key\t%s\n", mask(creds.HistoricalKey))
	fmt.Fprintf(w, "client_code\t%s\n", creds.ClientCode)
	fmt.Fprintf(w, "mpin\t%s\n", mask(creds.MPIN))
	fmt.Fprintf(w, "totp_secret\t%s\n", mask(creds.TOTPSecret))
	return w.Flush()
}

func (c *command) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	code := fs.String("totp", "", "动态口令，留空时由已保存的密钥生成")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := c.app.Login(ctx, *code)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "登录成功，会话有效期至 %s\n", sess.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func (c *command) quote(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("quote", flag.ContinueOnError)
	symbol := fs.String("symbol", "", "交易代码，例如 RELIANCE-EQ")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *symbol == "" {
		return errors.New("需要 -symbol")
	}

	q, err := c.app.Quote(ctx, *symbol)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s (%s) %s\n", q.TradingSymbol, q.SymbolToken, q.LastTradedPrice.StringFixed(ladder.PricePlaces))
	return nil
}

// ladderFlags 注册阶梯参数，默认值取自配置。
func (c *command) ladderFlags(fs *flag.FlagSet) *ladder.RawParameters {
	raw := &ladder.RawParameters{}
	fs.StringVar(&raw.ReferencePrice, "price", "", "参考价（阶梯顶部价格）")
	fs.StringVar(&raw.StepSize, "step", strconv.FormatFloat(c.cfg.Ladder.StepSize, 'f', -1, 64), "每档价格降幅")
	fs.StringVar(&raw.StepCount, "steps", strconv.Itoa(c.cfg.Ladder.StepCount), "档位数量")
	fs.StringVar(&raw.QuantityMultiplier, "mult", strconv.Itoa(c.cfg.Ladder.QuantityMultiplier), "数量倍数")
	return raw
}

func (c *command) preview(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	raw := c.ladderFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	legs, result, err := c.app.Preview(ctx, *raw)
	if err != nil {
		return err
	}
	if len(legs) > 0 {
		c.printLadder(legs)
	}
	if !result.Allowed() {
		for _, note := range result.Notes {
			fmt.Fprintf(c.out, "风控: %s\n", note)
		}
	}
	return nil
}

func (c *command) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	symbol := fs.String("symbol", "", "交易代码，例如 RELIANCE-EQ")
	token := fs.String("token", "", "标的代码（symboltoken）")
	mode := fs.String("mode", c.cfg.Ladder.Mode, "提交方式 gtt 或 direct")
	fetch := fs.Bool("fetch", false, "以最新价作为参考价")
	raw := c.ladderFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *symbol == "" {
		return errors.New("需要 -symbol")
	}

	run, err := c.app.RunLadder(ctx, app.RunRequest{
		Symbol:      *symbol,
		SymbolToken: *token,
		Params:      *raw,
		Mode:        *mode,
		FetchQuote:  *fetch,
	})
	if run.State == execution.StateRejected || run.ID == "" {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "leg\tprice\tqty\toutcome\terror")
	for _, rec := range run.Records {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			rec.Leg.Index, rec.Leg.Price.StringFixed(ladder.PricePlaces), rec.Leg.Quantity, rec.Outcome, rec.Error)
	}
	if flushErr := w.Flush(); flushErr != nil {
		return flushErr
	}
	fmt.Fprintf(c.out, "运行结束 %s: 状态 %s，成功 %d，失败 %d，跳过 %d\n",
		run.ID, run.State,
		run.Count(execution.OutcomeSuccess), run.Count(execution.OutcomeFailed), run.Count(execution.OutcomeSkipped))
	return err
}

func (c *command) log(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "显示条数")
	typ := fs.String("type", "", "事件类型，例如 submission、run、error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	events, err := c.app.Journal().List(ctx, journal.EventType(*typ), *limit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Fprintf(c.out, "%s  %-16s %s\n", ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Type, ev.Payload)
	}
	return nil
}

func (c *command) printLadder(legs ladder.Ladder) {
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "leg\tprice\tqty")
	for _, leg := range legs {
		fmt.Fprintf(w, "%d\t%s\t%d\n", leg.Index, leg.Price.StringFixed(ladder.PricePlaces), leg.Quantity)
	}
	fmt.Fprintf(w, "total\t%s\t%d\n", legs.Notional().StringFixed(ladder.PricePlaces), legs.TotalQuantity())
	_ = w.Flush()
}

func mask(s string) string {
	if s == "" {
		return "(empty)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
