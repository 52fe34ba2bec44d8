package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder-trader/internal/config"
)

func testConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Timeout:     2 * time.Second,
		Exchange:    ExchangeNSE,
		ProductType: ProductDelivery,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(testConfig(), "trading-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestLogin_ExtractsTokenAndSendsHeaders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, pathLogin, r.URL.Path)
		assert.Equal(t, "trading-key", r.Header.Get("X-PrivateKey"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C123", body.ClientCode)
		assert.Equal(t, "4321", body.Password)
		assert.Equal(t, "654321", body.TOTP)
		assert.Equal(t, "trading-key", body.APIKey)

		_, _ = io.WriteString(w, `{"status":true,"message":"SUCCESS","errorcode":"","data":{"jwtToken":"jwt-1","refreshToken":"rt-1","feedToken":"ft-1"}}`)
	})

	tokens, err := client.Login(context.Background(), LoginRequest{ClientCode: "C123", Password: "4321", TOTP: "654321"})
	require.NoError(t, err)
	assert.Equal(t, Tokens{JWTToken: "jwt-1", RefreshToken: "rt-1", FeedToken: "ft-1"}, tokens)
}

func TestLogin_FailsWithoutToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":true,"message":"SUCCESS","errorcode":"","data":{}}`)
	})

	_, err := client.Login(context.Background(), LoginRequest{ClientCode: "C123"})
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestLogin_AcceptsTopLevelToken(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"jwtToken without envelope", `{"jwtToken":"abc"}`, "abc"},
		{"token without envelope", `{"token":"def"}`, "def"},
		{"data wins over top level", `{"data":{"jwtToken":"inner"},"jwtToken":"outer","token":"t"}`, "inner"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})

			tokens, err := client.Login(context.Background(), LoginRequest{ClientCode: "C123"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, tokens.JWTToken)
		})
	}
}

func TestLogin_RejectsErrorCodeEvenWithToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":false,"errorcode":"AB1050","message":"invalid totp","jwtToken":"stale"}`)
	})

	_, err := client.Login(context.Background(), LoginRequest{ClientCode: "C123"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "AB1050", apiErr.ErrorCode)
}

func TestLogin_RetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"status":false,"message":"bad gateway","errorcode":"AB5000"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":true,"data":{"jwtToken":"jwt-2"}}`)
	})

	tokens, err := client.Login(context.Background(), LoginRequest{ClientCode: "C123"})
	require.NoError(t, err)
	assert.Equal(t, "jwt-2", tokens.JWTToken)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestFetchQuote_UsesSearchResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, pathSearchScrip, r.URL.Path)
		assert.Equal(t, "RELIANCE", r.URL.Query().Get("scrip"))
		assert.Equal(t, "Bearer market-key", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"status":true,"data":[{"tradingsymbol":"RELIANCE-EQ","symboltoken":"2885","ltp":"2501.35"}]}`)
	})

	quote, err := client.FetchQuote(context.Background(), "market-key", "RELIANCE")
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE-EQ", quote.TradingSymbol)
	assert.Equal(t, "2885", quote.SymbolToken)
	assert.Equal(t, "2501.35", quote.LastTradedPrice.String())
}

func TestFetchQuote_FallsBackToLTP(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathSearchScrip:
			_, _ = io.WriteString(w, `{"status":true,"data":[{"tradingsymbol":"SBIN-EQ","exchange":"NSE","symboltoken":"3045"}]}`)
		case pathLTP:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "3045", body["symboltoken"])
			_, _ = io.WriteString(w, `{"status":true,"data":{"ltp":812.4}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	quote, err := client.FetchQuote(context.Background(), "market-key", "SBIN")
	require.NoError(t, err)
	assert.Equal(t, "812.4", quote.LastTradedPrice.String())
	assert.Equal(t, "3045", quote.SymbolToken)
}

func TestFetchQuote_EmptyResultIsQuoteFetchError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":true,"data":[]}`)
	})

	_, err := client.FetchQuote(context.Background(), "market-key", "NOPE")
	var qErr *QuoteFetchError
	require.True(t, errors.As(err, &qErr))
	assert.Equal(t, "NOPE", qErr.Symbol)
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestPlaceOrder_IsNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"status":false,"message":"busy","errorcode":"AB1004"}`)
	})

	resp, err := client.PlaceOrder(context.Background(), "jwt", OrderRequest{TradingSymbol: "SBIN-EQ"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus)
	assert.Equal(t, "AB1004", apiErr.ErrorCode)
	assert.Contains(t, string(resp.Raw), "busy")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCreateRule_SendsPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathCreateRule, r.URL.Path)
		var rule GTTRule
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rule))
		assert.Equal(t, "2480.00", rule.Price)
		assert.Equal(t, "2", rule.Quantity)
		assert.Equal(t, 365, rule.TimePeriod)
		_, _ = io.WriteString(w, `{"status":true,"message":"SUCCESS","errorcode":"","data":{"id":"757"}}`)
	})

	resp, err := client.CreateRule(context.Background(), "jwt", GTTRule{Price: "2480.00", Quantity: "2", TimePeriod: 365})
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
	assert.JSONEq(t, `{"id":"757"}`, string(resp.Data))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		success bool
	}{
		{"ok", 200, `{"status":true,"errorcode":""}`, true},
		{"status false", 200, `{"status":false,"message":"Invalid Token","errorcode":"AG8001"}`, false},
		{"error code with status true", 200, `{"status":true,"errorcode":"AB1012"}`, false},
		{"http error", 400, `{"status":true,"errorcode":""}`, false},
		{"not json", 200, `<html>gateway</html>`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := classify("op", tt.status, []byte(tt.body))
			assert.Equal(t, tt.body, string(resp.Raw))
			if tt.success {
				assert.NoError(t, err)
				return
			}
			var apiErr *APIError
			assert.True(t, errors.As(err, &apiErr))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(&APIError{HTTPStatus: http.StatusTooManyRequests}))
	assert.True(t, IsRetryable(&APIError{HTTPStatus: http.StatusInternalServerError}))
	assert.False(t, IsRetryable(&APIError{HTTPStatus: http.StatusBadRequest}))
}
