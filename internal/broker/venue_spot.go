package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/internal/ratelimit"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// SpotConfig configures a HMAC-signed spot-venue adapter (venue A).
type SpotConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	APISecret    string
	Passphrase   string
	RatePerSec   float64
	Burst        int
	MaxInflight  int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// SpotBroker is a HMAC-SHA256-signed spot adapter, grounded on
// bitget_client.py: base64(HMAC-SHA256(secret, ts+METHOD+path[?query]+body))
// over every signed request, exponential backoff with full jitter on
// transport/rate errors, at-least-once-safe order placement via a
// client-id lookup before any retry.
type SpotBroker struct {
	cfg     SpotConfig
	http    *retryablehttp.Client
	limiter *ratelimit.Limiter
	log     *logging.Logger

	qtyPrecision   map[string]int
	pricePrecision map[string]int
}

// NewSpotBroker constructs a SpotBroker; call Initialize before use.
func NewSpotBroker(cfg SpotConfig, log *logging.Logger) *SpotBroker {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 8
	}
	return &SpotBroker{
		cfg:            cfg,
		http:           newTransport(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffCap, log),
		limiter:        ratelimit.New(cfg.RatePerSec, cfg.Burst, cfg.MaxInflight),
		log:            log.Component(cfg.Name),
		qtyPrecision:   map[string]int{},
		pricePrecision: map[string]int{},
	}
}

func (b *SpotBroker) Name() string { return b.cfg.Name }

func (b *SpotBroker) Initialize(ctx context.Context) error {
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/public/symbols", nil, nil, false)
	if err != nil {
		return errkind.New(errkind.Transport, fmt.Errorf("%s: load symbol rules: %w", b.cfg.Name, err))
	}
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err == nil {
		for _, item := range items {
			sym, _ := item["symbol"].(string)
			if sym == "" {
				continue
			}
			b.qtyPrecision[sym] = intField(item, "quantityPrecision", 4)
			b.pricePrecision[sym] = intField(item, "pricePrecision", 6)
		}
	}
	return nil
}

func (b *SpotBroker) Close() error { return nil }

func (b *SpotBroker) Capabilities() Capabilities {
	return Capabilities{
		SupportsNativeProtections: true,
		SupportsPlanSubOrders:     true,
		SupportsCancelPlan:        true,
		SignedQuantities:          false,
	}
}

func (b *SpotBroker) sign(method, path, query, body, ts string) string {
	requestPath := path
	if query != "" {
		requestPath = path + "?" + query
	}
	message := ts + strings.ToUpper(method) + requestPath + body
	mac := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// request performs one signed or public call and returns the raw "data"
// payload. Retries (status/network) are handled transparently by the
// retryablehttp transport installed in newTransport; the venue's own
// {code,msg} envelope is checked here since a 200 can still carry a
// logical API error.
func (b *SpotBroker) request(ctx context.Context, method, path string, params url.Values, body map[string]any, signed bool) (json.RawMessage, error) {
	release, err := b.limiter.Acquire(ctx)
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}
	defer release()

	query := ""
	if params != nil {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vals := url.Values{}
		for _, k := range keys {
			vals.Set(k, params.Get(k))
		}
		query = vals.Encode()
	}

	var bodyStr string
	if body != nil {
		raw, _ := json.Marshal(body)
		bodyStr = string(raw)
	}

	fullURL := b.cfg.BaseURL + path
	if query != "" && method == http.MethodGet {
		fullURL += "?" + query
	}

	var bodyReader io.Reader
	if bodyStr != "" && method != http.MethodGet {
		bodyReader = bytes.NewReader([]byte(bodyStr))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Locale", "en-US")

	if signed {
		if b.cfg.APIKey == "" || b.cfg.APISecret == "" {
			return nil, errkind.New(errkind.Policy, fmt.Errorf("%s: signed request without credentials", b.cfg.Name))
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		sig := b.sign(method, path, query, bodyStr, ts)
		req.Header.Set("ACCESS-KEY", b.cfg.APIKey)
		req.Header.Set("ACCESS-SIGN", sig)
		req.Header.Set("ACCESS-TIMESTAMP", ts)
		req.Header.Set("ACCESS-PASSPHRASE", b.cfg.Passphrase)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.New(errkind.Transport, fmt.Errorf("%s: http %d: %s", b.cfg.Name, resp.StatusCode, string(raw)))
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errkind.New(errkind.Protocol, fmt.Errorf("%s: decode response: %w", b.cfg.Name, err))
	}
	if envelope.Code != "" && envelope.Code != "00000" {
		kind := errkind.VenueLogical
		if looksRateLimited(envelope.Msg) {
			kind = errkind.Rate
		}
		return nil, errkind.New(kind, fmt.Errorf("%s: api error %s: %s", b.cfg.Name, envelope.Code, envelope.Msg))
	}
	return envelope.Data, nil
}

func (b *SpotBroker) GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error) {
	params := url.Values{
		"symbol":      {symbol},
		"granularity": {interval},
		"startTime":   {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":     {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit":       {"1000"},
	}
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/market/candles", params, nil, false)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errkind.New(errkind.Protocol, err)
	}
	out := make([]model.Kline, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(r[0], 10, 64)
		o, _ := strconv.ParseFloat(r[1], 64)
		h, _ := strconv.ParseFloat(r[2], 64)
		l, _ := strconv.ParseFloat(r[3], 64)
		c, _ := strconv.ParseFloat(r[4], 64)
		v, _ := strconv.ParseFloat(r[5], 64)
		out = append(out, model.Kline{
			Timestamp: time.UnixMilli(ts).UTC(),
			Open:      o, High: h, Low: l, Close: c, Volume: v,
		})
	}
	return out, nil
}

func (b *SpotBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/market/tickers", url.Values{"symbol": {symbol}}, nil, false)
	if err != nil {
		return 0, err
	}
	var tickers []map[string]any
	if err := json.Unmarshal(data, &tickers); err != nil || len(tickers) == 0 {
		return 0, errkind.New(errkind.VenueLogical, fmt.Errorf("%s: no ticker for %s", b.cfg.Name, symbol))
	}
	px, _ := strconv.ParseFloat(fmt.Sprint(tickers[0]["lastPr"]), 64)
	if px <= 0 {
		return 0, errkind.New(errkind.VenueLogical, fmt.Errorf("%s: non-positive price for %s", b.cfg.Name, symbol))
	}
	return px, nil
}

func (b *SpotBroker) GetAccountState(ctx context.Context) (model.AccountState, error) {
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil, nil, true)
	if err != nil {
		return model.AccountState{}, err
	}
	var assets []map[string]any
	_ = json.Unmarshal(data, &assets)

	var usdtTotal float64
	for _, a := range assets {
		if fmt.Sprint(a["coin"]) == "USDT" {
			avail, _ := strconv.ParseFloat(fmt.Sprint(a["available"]), 64)
			frozen, _ := strconv.ParseFloat(fmt.Sprint(a["frozen"]), 64)
			usdtTotal = avail + frozen
		}
	}
	equity := usdtTotal
	for _, a := range assets {
		coin := fmt.Sprint(a["coin"])
		if coin == "USDT" || coin == "<nil>" {
			continue
		}
		avail, _ := strconv.ParseFloat(fmt.Sprint(a["available"]), 64)
		frozen, _ := strconv.ParseFloat(fmt.Sprint(a["frozen"]), 64)
		qty := avail + frozen
		if qty <= 0 {
			continue
		}
		px, perr := b.GetCurrentPrice(ctx, coin+"USDT")
		if perr == nil {
			equity += qty * px
		}
	}
	return model.AccountState{Equity: equity, Balance: usdtTotal, Currency: "USDT", Broker: b.cfg.Name}, nil
}

func (b *SpotBroker) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil, nil, true)
	if err != nil {
		return nil, err
	}
	var assets []map[string]any
	_ = json.Unmarshal(data, &assets)

	var out []model.Position
	for _, a := range assets {
		coin := fmt.Sprint(a["coin"])
		if coin == "USDT" || coin == "<nil>" {
			continue
		}
		avail, _ := strconv.ParseFloat(fmt.Sprint(a["available"]), 64)
		frozen, _ := strconv.ParseFloat(fmt.Sprint(a["frozen"]), 64)
		qty := avail + frozen
		if qty <= 0 {
			continue
		}
		out = append(out, model.Position{Symbol: coin + "USDT", Quantity: qty, Broker: b.cfg.Name})
	}
	return out, nil
}

func (b *SpotBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	payload := map[string]any{
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.Type),
	}
	if req.Type == model.OrderTypeMarket && req.Side == model.SideBuy {
		px := req.Price
		if px <= 0 {
			var err error
			px, err = b.GetCurrentPrice(ctx, req.Symbol)
			if err != nil {
				return model.OrderResult{}, err
			}
		}
		payload["size"] = fmt.Sprintf("%.6f", req.Quantity*px)
	} else {
		payload["size"] = b.qtyString(req.Symbol, req.Quantity)
	}
	if req.Type == model.OrderTypeLimit {
		payload["force"] = "gtc"
		payload["price"] = b.priceString(req.Symbol, req.Price)
	}
	if req.ClientID != "" {
		payload["clientOid"] = req.ClientID
	}

	data, err := b.request(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", nil, payload, true)
	if err != nil {
		if req.ClientID != "" && errkind.Retryable(err) {
			if existing, lookErr := b.lookupOrder(ctx, "", req.ClientID); lookErr == nil {
				return existing, nil
			}
		}
		return model.OrderResult{}, err
	}
	var res struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(data, &res)
	return model.OrderResult{
		OrderID:  res.OrderID,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
		Status:   model.OrderSubmitted,
		Broker:   b.cfg.Name,
	}, nil
}

func (b *SpotBroker) lookupOrder(ctx context.Context, orderID, clientID string) (model.OrderResult, error) {
	params := url.Values{}
	if orderID != "" {
		params.Set("orderId", orderID)
	} else {
		params.Set("clientOid", clientID)
	}
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/trade/orderInfo", params, nil, true)
	if err != nil {
		return model.OrderResult{}, err
	}
	var infos []map[string]any
	if err := json.Unmarshal(data, &infos); err != nil || len(infos) == 0 {
		return model.OrderResult{}, errkind.ErrNotFound
	}
	return orderResultFromInfo(infos[0], b.cfg.Name), nil
}

func orderResultFromInfo(info map[string]any, broker string) model.OrderResult {
	status := strings.ToLower(fmt.Sprint(info["status"]))
	var norm model.OrderStatus
	switch status {
	case "filled":
		norm = model.OrderFilled
	case "cancelled", "canceled":
		norm = model.OrderCanceled
	case "rejected":
		norm = model.OrderRejected
	case "live", "partially_filled":
		norm = model.OrderSubmitted
	default:
		norm = model.OrderUnknown
	}
	px, _ := strconv.ParseFloat(fmt.Sprint(info["priceAvg"]), 64)
	if px <= 0 {
		px, _ = strconv.ParseFloat(fmt.Sprint(info["price"]), 64)
	}
	qty, _ := strconv.ParseFloat(fmt.Sprint(info["baseVolume"]), 64)
	if qty <= 0 {
		qty, _ = strconv.ParseFloat(fmt.Sprint(info["size"]), 64)
	}
	side := model.SideBuy
	if strings.ToLower(fmt.Sprint(info["side"])) == "sell" {
		side = model.SideSell
	}
	return model.OrderResult{
		OrderID:  fmt.Sprint(info["orderId"]),
		Symbol:   fmt.Sprint(info["symbol"]),
		Side:     side,
		Quantity: qty,
		Price:    px,
		Status:   norm,
		Broker:   broker,
	}
}

func (b *SpotBroker) WaitForOrderFinal(ctx context.Context, orderID, clientID string, timeout time.Duration) (model.OrderResult, error) {
	deadline := time.Now().Add(timeout)
	var last model.OrderResult
	for time.Now().Before(deadline) {
		res, err := b.lookupOrder(ctx, orderID, clientID)
		if err == nil {
			last = res
			if res.Status.IsTerminal() {
				return res, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return last, nil
}

func (b *SpotBroker) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderResult, error) {
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/trade/unfilled-orders", url.Values{"symbol": {symbol}}, nil, true)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	_ = json.Unmarshal(data, &items)
	out := make([]model.OrderResult, 0, len(items))
	for _, item := range items {
		out = append(out, orderResultFromInfo(item, b.cfg.Name))
	}
	return out, nil
}

func (b *SpotBroker) CancelOrder(ctx context.Context, orderID, symbol string) error {
	_, err := b.request(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-order", nil, map[string]any{
		"symbol": symbol, "orderId": orderID,
	}, true)
	return err
}

func (b *SpotBroker) PlaceProtectionOrders(ctx context.Context, symbol string, qty float64, slPrice, tpPrice float64, slClientOID, tpClientOID string) (PlanOrderIDs, error) {
	var out PlanOrderIDs
	if slPrice > 0 {
		id, err := b.placePlanOrder(ctx, symbol, slPrice, qty, slClientOID)
		if err != nil {
			return out, err
		}
		if id == "" {
			return out, errkind.New(errkind.VenueLogical, fmt.Errorf("%s: sl plan order returned empty id", b.cfg.Name))
		}
		out.SLOrderID = id
	}
	if tpPrice > 0 {
		id, err := b.placePlanOrder(ctx, symbol, tpPrice, qty, tpClientOID)
		if err != nil {
			return out, err
		}
		if id == "" {
			return out, errkind.New(errkind.VenueLogical, fmt.Errorf("%s: tp plan order returned empty id", b.cfg.Name))
		}
		out.TPOrderID = id
	}
	return out, nil
}

func (b *SpotBroker) placePlanOrder(ctx context.Context, symbol string, triggerPrice, qty float64, clientOID string) (string, error) {
	payload := map[string]any{
		"symbol":        symbol,
		"side":          "sell",
		"triggerPrice":  b.priceString(symbol, triggerPrice),
		"orderType":     "market",
		"triggerType":   "mark_price",
		"planType":      "amount",
		"size":          b.qtyString(symbol, qty),
	}
	if clientOID != "" {
		payload["clientOid"] = clientOID
	}
	data, err := b.request(ctx, http.MethodPost, "/api/v2/spot/trade/place-plan-order", nil, payload, true)
	if err != nil {
		return "", err
	}
	var res struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(data, &res)
	return res.OrderID, nil
}

func (b *SpotBroker) CancelPlanOrder(ctx context.Context, orderID, clientOID string) error {
	payload := map[string]any{}
	if orderID != "" {
		payload["orderId"] = orderID
	}
	if clientOID != "" {
		payload["clientOid"] = clientOID
	}
	_, err := b.request(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-plan-order", nil, payload, true)
	return err
}

func (b *SpotBroker) GetPlanSubOrder(ctx context.Context, planOrderID string) ([]model.OrderResult, error) {
	data, err := b.request(ctx, http.MethodGet, "/api/v2/spot/trade/plan-sub-order", url.Values{"planOrderId": {planOrderID}}, nil, true)
	if err != nil {
		return nil, err
	}
	var items []map[string]any
	_ = json.Unmarshal(data, &items)
	out := make([]model.OrderResult, 0, len(items))
	for _, item := range items {
		out = append(out, orderResultFromInfo(item, b.cfg.Name))
	}
	return out, nil
}

func (b *SpotBroker) ClosePosition(ctx context.Context, symbol, reason string) error {
	positions, err := b.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Quantity > 0 {
			_, err := b.PlaceOrder(ctx, model.OrderRequest{
				Symbol: symbol, Side: model.SideSell, Quantity: p.Quantity, Type: model.OrderTypeMarket,
			})
			return err
		}
	}
	return nil
}

func (b *SpotBroker) NormalizeQty(symbol string, qty float64) float64 {
	return truncate(qty, b.qtyPrecision[symbol], 4)
}

func (b *SpotBroker) NormalizePrice(symbol string, price float64) float64 {
	return truncate(price, b.pricePrecision[symbol], 6)
}

func (b *SpotBroker) qtyString(symbol string, qty float64) string {
	p := precisionOr(b.qtyPrecision, symbol, 4)
	return strconv.FormatFloat(truncate(qty, p, 4), 'f', p, 64)
}

func (b *SpotBroker) priceString(symbol string, price float64) string {
	p := precisionOr(b.pricePrecision, symbol, 6)
	return strconv.FormatFloat(truncate(price, p, 6), 'f', p, 64)
}

func precisionOr(m map[string]int, symbol string, def int) int {
	if p, ok := m[symbol]; ok {
		return p
	}
	return def
}

// truncate floors value toward zero at the given decimal precision, the
// same "round toward zero" rule spec.md §4.4 requires of normalize_qty and
// normalize_price.
func truncate(value float64, precision, fallback int) float64 {
	if precision <= 0 && fallback > 0 {
		precision = fallback
	}
	mult := math.Pow(10, float64(precision))
	return math.Trunc(value*mult) / mult
}

func intField(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}
