package futures_usdt

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mtf-executor/pkg/exchanges/common"
)

const settle = "usdt"

// Config holds Gate.io USDT-settled futures credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // defaults to https://api.gateio.ws/api/v4
	Timeout   time.Duration
	// Observe, when set, is told about every request (used for metrics).
	Observe func(op string, elapsed time.Duration, err error)
}

// Client handles Gate.io USDT-settled futures.
type Client struct {
	cfg         Config
	baseURL     string
	pathPrefix  string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	log         zerolog.Logger
}

var _ common.Exchange = (*Client)(nil)

// NewClient creates a new USDT futures client.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.gateio.ws/api/v4"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    u.String(),
		pathPrefix: u.Path,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, log)
	// Private futures endpoints allow roughly 100 requests per 10s per endpoint.
	c.rateLimiter = common.NewRateLimiter(10, 20, log)
	return c, nil
}

// StartTimeSync keeps the signing clock aligned with the venue.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// GetServerTime returns venue time in unix milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, false, http.MethodGet, "/spot/time", nil, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"server_time"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return out.ServerTime, nil
}

// PlaceOrder submits a futures order. The request Text is the client order id.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = common.TIFGTC
	}
	payload := orderPayload{
		Contract:   req.Contract,
		Size:       req.Size,
		Price:      formatDecimal(req.Price),
		TIF:        string(tif),
		ReduceOnly: req.ReduceOnly,
		Close:      req.Close,
		Text:       req.Text,
	}
	body, err := c.do(ctx, true, http.MethodPost, "/futures/"+settle+"/orders", nil, payload)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		// The order was accepted but the ack is unreadable.
		return common.OrderResult{}, fmt.Errorf("decode order: %v: %w", err, common.ErrAmbiguous)
	}
	return resp.toResult(), nil
}

// CancelOrder cancels an order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, contract, orderID string) error {
	_, err := c.do(ctx, true, http.MethodDelete, "/futures/"+settle+"/orders/"+url.PathEscape(orderID), nil, nil)
	return err
}

// ListOpenOrders returns open orders for a contract.
func (c *Client) ListOpenOrders(ctx context.Context, contract string) ([]common.OrderResult, error) {
	return c.listOrders(ctx, contract, "open", 100)
}

// FindOrderByText searches open, then finished orders for the client id.
func (c *Client) FindOrderByText(ctx context.Context, contract, text string) (*common.OrderResult, error) {
	for _, status := range []string{"open", "finished"} {
		orders, err := c.listOrders(ctx, contract, status, 100)
		if err != nil {
			return nil, err
		}
		for i := range orders {
			if orders[i].Text == text {
				return &orders[i], nil
			}
		}
	}
	return nil, nil
}

func (c *Client) listOrders(ctx context.Context, contract, status string, limit int) ([]common.OrderResult, error) {
	q := url.Values{}
	q.Set("contract", contract)
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.do(ctx, true, http.MethodGet, "/futures/"+settle+"/orders", q, nil)
	if err != nil {
		return nil, err
	}
	var resp []orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	out := make([]common.OrderResult, 0, len(resp))
	for _, o := range resp {
		out = append(out, o.toResult())
	}
	return out, nil
}

// GetPosition returns the single-mode position for a contract.
func (c *Client) GetPosition(ctx context.Context, contract string) (common.Position, error) {
	body, err := c.do(ctx, true, http.MethodGet, "/futures/"+settle+"/positions/"+url.PathEscape(contract), nil, nil)
	if err != nil {
		return common.Position{}, err
	}
	var resp positionResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Position{}, fmt.Errorf("decode position: %w", err)
	}
	lev, _ := strconv.Atoi(resp.Leverage)
	return common.Position{
		Contract:   contract,
		Size:       resp.Size,
		EntryPrice: parseDecimal(resp.EntryPrice),
		Leverage:   lev,
		UpdatedAt:  time.Now(),
	}, nil
}

// SetLeverage updates the contract leverage.
func (c *Client) SetLeverage(ctx context.Context, contract string, leverage int) error {
	q := url.Values{}
	q.Set("leverage", strconv.Itoa(leverage))
	_, err := c.do(ctx, true, http.MethodPost, "/futures/"+settle+"/positions/"+url.PathEscape(contract)+"/leverage", q, nil)
	return err
}

// GetAccount returns futures account totals.
func (c *Client) GetAccount(ctx context.Context) (common.Account, error) {
	body, err := c.do(ctx, true, http.MethodGet, "/futures/"+settle+"/accounts", nil, nil)
	if err != nil {
		return common.Account{}, err
	}
	var resp struct {
		Total     string `json:"total"`
		Available string `json:"available"`
		Currency  string `json:"currency"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Account{}, fmt.Errorf("decode account: %w", err)
	}
	return common.Account{
		Total:     parseDecimal(resp.Total),
		Available: parseDecimal(resp.Available),
		Currency:  resp.Currency,
	}, nil
}

// GetCandles returns recent candlesticks, oldest first.
func (c *Client) GetCandles(ctx context.Context, contract, interval string, limit int) ([]common.Candle, error) {
	q := url.Values{}
	q.Set("contract", contract)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.do(ctx, false, http.MethodGet, "/futures/"+settle+"/candlesticks", q, nil)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		T float64 `json:"t"`
		O string  `json:"o"`
		H string  `json:"h"`
		L string  `json:"l"`
		C string  `json:"c"`
		V float64 `json:"v"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode candlesticks: %w", err)
	}
	out := make([]common.Candle, 0, len(resp))
	for _, k := range resp {
		out = append(out, common.Candle{
			Time:   time.Unix(int64(k.T), 0),
			Open:   parseDecimal(k.O),
			High:   parseDecimal(k.H),
			Low:    parseDecimal(k.L),
			Close:  parseDecimal(k.C),
			Volume: k.V,
		})
	}
	return out, nil
}

// GetLastPrice returns the last traded price from the ticker endpoint.
func (c *Client) GetLastPrice(ctx context.Context, contract string) (float64, error) {
	q := url.Values{}
	q.Set("contract", contract)
	body, err := c.do(ctx, false, http.MethodGet, "/futures/"+settle+"/tickers", q, nil)
	if err != nil {
		return 0, err
	}
	var resp []struct {
		Contract string `json:"contract"`
		Last     string `json:"last"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	for _, t := range resp {
		if t.Contract == contract {
			return parseDecimal(t.Last), nil
		}
	}
	return 0, fmt.Errorf("ticker for %s not found", contract)
}

// PlaceTriggerOrder places a price-triggered order closing the whole position.
func (c *Client) PlaceTriggerOrder(ctx context.Context, req common.TriggerOrderRequest) (string, error) {
	orderType := "close-long-position"
	if req.Side == common.SideShort {
		orderType = "close-short-position"
	}
	payload := triggerPayload{OrderType: orderType}
	payload.Initial.Contract = req.Contract
	payload.Initial.Price = "0"
	payload.Initial.TIF = string(common.TIFIOC)
	payload.Initial.Close = true
	payload.Initial.Text = req.Text
	payload.Trigger.PriceType = 1 // mark price
	payload.Trigger.Price = formatDecimal(req.TriggerPrice)
	payload.Trigger.Rule = int(req.Rule)

	body, err := c.do(ctx, true, http.MethodPost, "/futures/"+settle+"/price_orders", nil, payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode price order: %v: %w", err, common.ErrAmbiguous)
	}
	return strconv.FormatInt(resp.ID, 10), nil
}

// ListTriggerOrders returns ids of open price-triggered orders.
func (c *Client) ListTriggerOrders(ctx context.Context, contract string) ([]string, error) {
	q := url.Values{}
	q.Set("status", "open")
	q.Set("contract", contract)
	body, err := c.do(ctx, true, http.MethodGet, "/futures/"+settle+"/price_orders", q, nil)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode price orders: %w", err)
	}
	ids := make([]string, 0, len(resp))
	for _, o := range resp {
		ids = append(ids, strconv.FormatInt(o.ID, 10))
	}
	return ids, nil
}

// CancelTriggerOrders cancels all open price-triggered orders for a contract.
func (c *Client) CancelTriggerOrders(ctx context.Context, contract string) error {
	q := url.Values{}
	q.Set("contract", contract)
	_, err := c.do(ctx, true, http.MethodDelete, "/futures/"+settle+"/price_orders", q, nil)
	return err
}

// do sends a request, signing it when signed is set.
func (c *Client) do(ctx context.Context, signed bool, method, path string, query url.Values, payload any) (_ []byte, err error) {
	start := time.Now()
	op := method + " " + path
	defer func() {
		if c.cfg.Observe != nil {
			c.cfg.Observe(op, time.Since(start), err)
		}
	}()

	if signed && (c.cfg.APIKey == "" || c.cfg.APISecret == "") {
		return nil, errors.New("gate futures: API key/secret required")
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", op, err)
		}
	}
	rawQuery := ""
	if query != nil {
		rawQuery = query.Encode()
	}
	endpoint := c.baseURL + path
	if rawQuery != "" {
		endpoint += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if signed {
		ts := strconv.FormatInt(c.timeSync.Now().Unix(), 10)
		req.Header.Set("KEY", c.cfg.APIKey)
		req.Header.Set("Timestamp", ts)
		req.Header.Set("SIGN", Sign(c.cfg.APISecret, method, c.pathPrefix+path, rawQuery, bodyBytes, ts))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeaders(
		res.Header.Get("X-Gate-RateLimit-Limit"),
		res.Header.Get("X-Gate-RateLimit-Requests-Remain"),
		res.Header.Get("X-Gate-RateLimit-Reset-Timestamp"),
	)

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", op, err)
	}
	if res.StatusCode >= 300 {
		apiErr := &common.APIError{Method: method, Path: path, Status: res.StatusCode, Message: string(body)}
		var e struct {
			Label   string `json:"label"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Label != "" {
			apiErr.Label, apiErr.Message = e.Label, e.Message
		}
		return nil, apiErr
	}
	return body, nil
}

// Sign computes the v4 HMAC-SHA512 signature:
// METHOD\nPATH\nQUERY\nhex(SHA512(body))\nTIMESTAMP
func Sign(secret, method, path, query string, body []byte, timestamp string) string {
	bodyHash := sha512.Sum512(body)
	payload := strings.Join([]string{method, path, query, hex.EncodeToString(bodyHash[:]), timestamp}, "\n")
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

type orderPayload struct {
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`
	Price      string `json:"price"`
	TIF        string `json:"tif,omitempty"`
	ReduceOnly bool   `json:"reduce_only,omitempty"`
	Close      bool   `json:"close,omitempty"`
	Text       string `json:"text,omitempty"`
}

type triggerPayload struct {
	Initial struct {
		Contract string `json:"contract"`
		Size     int64  `json:"size"`
		Price    string `json:"price"`
		TIF      string `json:"tif"`
		Close    bool   `json:"close"`
		Text     string `json:"text,omitempty"`
	} `json:"initial"`
	Trigger struct {
		StrategyType int    `json:"strategy_type"`
		PriceType    int    `json:"price_type"`
		Price        string `json:"price"`
		Rule         int    `json:"rule"`
	} `json:"trigger"`
	OrderType string `json:"order_type,omitempty"`
}

type orderResp struct {
	ID         int64   `json:"id"`
	Text       string  `json:"text"`
	Contract   string  `json:"contract"`
	Size       int64   `json:"size"`
	Left       int64   `json:"left"`
	FillPrice  string  `json:"fill_price"`
	Status     string  `json:"status"`
	FinishAs   string  `json:"finish_as"`
	CreateTime float64 `json:"create_time"`
}

func (o orderResp) toResult() common.OrderResult {
	sec := int64(o.CreateTime)
	return common.OrderResult{
		ID:        strconv.FormatInt(o.ID, 10),
		Text:      o.Text,
		Contract:  o.Contract,
		Size:      o.Size,
		Left:      o.Left,
		FillPrice: parseDecimal(o.FillPrice),
		Status:    common.OrderStatus(o.Status),
		FinishAs:  o.FinishAs,
		CreatedAt: time.Unix(sec, int64((o.CreateTime-float64(sec))*1e9)),
	}
}

type positionResp struct {
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`
	EntryPrice string `json:"entry_price"`
	Leverage   string `json:"leverage"`
}
