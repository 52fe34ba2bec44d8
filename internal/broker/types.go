package broker

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

const (
	// ExchangeNSE 为默认交易所。
	ExchangeNSE = "NSE"
	// ProductDelivery 为交割（现货持仓）产品。
	ProductDelivery = "DELIVERY"
	// SideBuy 为买入方向。
	SideBuy = "BUY"
	// VarietyNormal 为普通委托。
	VarietyNormal = "NORMAL"
	// OrderTypeLimit 为限价委托。
	OrderTypeLimit = "LIMIT"
	// DurationDay 表示仅当日有效。
	DurationDay = "DAY"
)

// LoginRequest 为密码 + 动态口令登录请求。
type LoginRequest struct {
	ClientCode string `json:"clientcode"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
	APIKey     string `json:"apikey,omitempty"`
}

// Tokens 为登录成功后下发的令牌。
type Tokens struct {
	JWTToken     string
	RefreshToken string
	FeedToken    string
}

// Quote 为行情查询结果。
type Quote struct {
	TradingSymbol   string
	SymbolToken     string
	Exchange        string
	LastTradedPrice decimal.Decimal
}

// GTTRule 为条件单（GTT）创建请求。
type GTTRule struct {
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	Exchange        string `json:"exchange"`
	ProductType     string `json:"producttype"`
	TransactionType string `json:"transactiontype"`
	Price           string `json:"price"`
	Quantity        string `json:"qty"`
	TriggerPrice    string `json:"triggerprice"`
	DisclosedQty    string `json:"disclosedqty,omitempty"`
	TimePeriod      int    `json:"timeperiod"`
}

// OrderRequest 为普通限价委托请求。
type OrderRequest struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price"`
	Quantity        string `json:"quantity"`
	OrderTag        string `json:"ordertag,omitempty"`
}

// Response 为券商统一响应信封，Raw 保留原始响应体。
type Response struct {
	Status     bool            `json:"status"`
	Message    string          `json:"message"`
	ErrorCode  string          `json:"errorcode"`
	Data       json.RawMessage `json:"data"`
	HTTPStatus int             `json:"-"`
	Raw        []byte          `json:"-"`
}

// Succeeded 判断响应是否为成功：HTTP 2xx、status=true 且无错误码。
func (r Response) Succeeded() bool {
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300 && r.Status && r.ErrorCode == ""
}
