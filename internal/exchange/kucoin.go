package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"stbbot/internal/model"
)

const apiCodeOK = "200000"

// KucoinClient implements the Gateway interface over the KuCoin spot trade
// REST API with KC-API v2 request signing.
type KucoinClient struct {
	baseURL    string
	httpClient *http.Client
	creds      model.Credentials
}

// KucoinDialer builds a Dialer against the given API base URL. Dialing
// verifies the credentials with an authenticated request so a bad key
// surfaces as an AuthError before any order is placed.
func KucoinDialer(baseURL string, timeout time.Duration) Dialer {
	return func(ctx context.Context, creds model.Credentials) (Gateway, error) {
		c := &KucoinClient{
			baseURL:    baseURL,
			httpClient: &http.Client{Timeout: timeout},
			creds:      creds,
		}
		if err := c.verify(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

type placeOrderRequest struct {
	ClientOid string `json:"clientOid"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Size      string `json:"size"`
	Price     string `json:"price,omitempty"`
}

type placeOrderData struct {
	OrderID string `json:"orderId"`
}

type orderDetailsData struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Size        string `json:"size"`
	DealSize    string `json:"dealSize"`
	DealFunds   string `json:"dealFunds"`
	IsActive    bool   `json:"isActive"`
	CancelExist bool   `json:"cancelExist"`
}

type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// PlaceMarketOrder submits a market order and returns the exchange order id.
func (c *KucoinClient) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, size float64) (string, error) {
	return c.placeOrder(ctx, placeOrderRequest{
		ClientOid: uuid.NewString(),
		Symbol:    symbol,
		Side:      sideParam(side),
		Type:      "market",
		Size:      formatSize(size),
	})
}

// PlaceLimitOrder submits a limit order at the given price and returns the
// exchange order id.
func (c *KucoinClient) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, size, price float64) (string, error) {
	return c.placeOrder(ctx, placeOrderRequest{
		ClientOid: uuid.NewString(),
		Symbol:    symbol,
		Side:      sideParam(side),
		Type:      "limit",
		Size:      formatSize(size),
		Price:     strconv.FormatFloat(price, 'f', -1, 64),
	})
}

func (c *KucoinClient) placeOrder(ctx context.Context, req placeOrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	var data placeOrderData
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", body, &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", &RejectedError{Code: apiCodeOK, Msg: "no order id in response"}
	}
	return data.OrderID, nil
}

// OrderStatus fetches the current execution state of an order. KuCoin
// reports liveness as isActive/cancelExist flags; they are folded into the
// open/cancel/done status the rest of the system keys on.
func (c *KucoinClient) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	var data orderDetailsData
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+orderID, nil, &data); err != nil {
		return OrderState{}, err
	}

	status := "done"
	if data.IsActive {
		status = "open"
	} else if data.CancelExist {
		status = "cancel"
	}

	return OrderState{
		Symbol:    data.Symbol,
		Status:    status,
		Size:      parseFloat(data.Size),
		DealSize:  parseFloat(data.DealSize),
		DealFunds: parseFloat(data.DealFunds),
	}, nil
}

// verify makes a cheap authenticated call so Dial fails fast on bad keys.
func (c *KucoinClient) verify(ctx context.Context) error {
	var ignored json.RawMessage
	return c.do(ctx, http.MethodGet, "/api/v1/accounts", nil, &ignored)
}

func (c *KucoinClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.sign(req, method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Err: err}
	}
	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &TransientError{Err: fmt.Errorf("%s %s: bad response body: %w", method, path, err)}
	}
	if env.Code != apiCodeOK {
		return c.apiError(resp.StatusCode, path, env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &TransientError{Err: fmt.Errorf("%s %s: bad data payload: %w", method, path, err)}
		}
	}
	return nil
}

// apiError maps KuCoin failure codes onto the gateway error taxonomy.
func (c *KucoinClient) apiError(httpStatus int, path string, env apiEnvelope) error {
	switch {
	case httpStatus == http.StatusUnauthorized || env.Code == "400003" || env.Code == "400004" || env.Code == "400005":
		return &AuthError{Code: env.Code, Msg: env.Msg}
	case httpStatus == http.StatusNotFound || env.Code == "400100" || env.Code == "404000":
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case httpStatus == http.StatusTooManyRequests:
		return &TransientError{Err: fmt.Errorf("%s: rate limited (code %s)", path, env.Code)}
	default:
		return &RejectedError{Code: env.Code, Msg: env.Msg}
	}
}

// sign attaches the KC-API v2 authentication headers: a base64 HMAC-SHA256
// over timestamp+method+path+body, plus the passphrase signed the same way.
func (c *KucoinClient) sign(req *http.Request, method, path string, body []byte) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(c.creds.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	pmac := hmac.New(sha256.New, []byte(c.creds.Secret))
	pmac.Write([]byte(c.creds.Passphrase))
	passphrase := base64.StdEncoding.EncodeToString(pmac.Sum(nil))

	req.Header.Set("KC-API-KEY", c.creds.Key)
	req.Header.Set("KC-API-SIGN", sig)
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", passphrase)
	req.Header.Set("KC-API-KEY-VERSION", "2")
}

func sideParam(side model.Side) string {
	if side == model.SideBuy {
		return "buy"
	}
	return "sell"
}

func formatSize(size float64) string {
	return strconv.FormatFloat(size, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
