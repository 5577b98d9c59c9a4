package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ronsonol82-hash/AiTrade/internal/errkind"
	"github.com/ronsonol82-hash/AiTrade/internal/model"
	"github.com/ronsonol82-hash/AiTrade/internal/ratelimit"
	"github.com/ronsonol82-hash/AiTrade/pkg/logging"
)

// EquitiesConfig configures a bearer-token equities-venue adapter (venue B).
type EquitiesConfig struct {
	Name        string
	BaseURL     string
	Token       string
	FIGIBySym   map[string]string
	RatePerSec  float64
	Burst       int
	MaxInflight int
}

// EquitiesBroker is a bearer-token-authenticated equities adapter, grounded
// on tinkoff_client.py: a single "Authorization: Bearer <token>" header, FIGI
// symbol resolution via a static config map, and a dedicated minimum-interval
// throttle in front of the history endpoint (distinct from the general
// per-request rate limiter, matching the Python's separate
// asyncio.Lock-guarded `_last_history_call_ts` gate). This venue has no
// broker-side plan-order support, so Capabilities() reports native
// protections unsupported and the protection engine must fall back to
// synthetic mode for symbols routed here.
type EquitiesBroker struct {
	cfg     EquitiesConfig
	http    *retryablehttp.Client
	limiter *ratelimit.Limiter
	log     *logging.Logger

	historyMu       sync.Mutex
	historyMinGap   time.Duration
	lastHistoryCall time.Time

	lotSizes map[string]int
}

// NewEquitiesBroker constructs an EquitiesBroker; call Initialize before use.
func NewEquitiesBroker(cfg EquitiesConfig, log *logging.Logger) *EquitiesBroker {
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 10
	}
	return &EquitiesBroker{
		cfg:           cfg,
		http:          newTransport(4, 500*time.Millisecond, 5*time.Second, log),
		limiter:       ratelimit.New(cfg.RatePerSec, cfg.Burst, cfg.MaxInflight),
		log:           log.Component(cfg.Name),
		historyMinGap: time.Duration(60.0/25.0*1000) * time.Millisecond, // ~25 history calls/min
		lotSizes:      map[string]int{},
	}
}

func (b *EquitiesBroker) Name() string { return b.cfg.Name }

func (b *EquitiesBroker) Initialize(ctx context.Context) error {
	if b.cfg.Token == "" {
		return errkind.New(errkind.Policy, fmt.Errorf("%s: no bearer token configured", b.cfg.Name))
	}
	return nil
}

func (b *EquitiesBroker) Close() error { return nil }

func (b *EquitiesBroker) Capabilities() Capabilities {
	return Capabilities{
		SupportsNativeProtections: false,
		SupportsPlanSubOrders:     false,
		SupportsCancelPlan:        false,
		SignedQuantities:          false,
	}
}

func (b *EquitiesBroker) figi(symbol string) (string, error) {
	figi, ok := b.cfg.FIGIBySym[symbol]
	if !ok || figi == "" {
		return "", errkind.New(errkind.Policy, fmt.Errorf("%s: no FIGI mapping for %s", b.cfg.Name, symbol))
	}
	return figi, nil
}

// post performs one bearer-authenticated JSON call, optionally throttled by
// the dedicated history-endpoint minimum interval.
func (b *EquitiesBroker) post(ctx context.Context, path string, payload map[string]any, isHistory bool) (json.RawMessage, error) {
	if isHistory {
		b.historyMu.Lock()
		wait := b.historyMinGap - time.Since(b.lastHistoryCall)
		if wait > 0 {
			b.historyMu.Unlock()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			b.historyMu.Lock()
		}
		b.lastHistoryCall = time.Now()
		b.historyMu.Unlock()
	}

	release, err := b.limiter.Acquire(ctx)
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}
	defer release()

	raw, _ := json.Marshal(payload)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.New(errkind.Transport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errkind.New(errkind.Transport, fmt.Errorf("%s: http %d: %s", b.cfg.Name, resp.StatusCode, string(body)))
	}
	return body, nil
}

func (b *EquitiesBroker) lotSize(ctx context.Context, figi string) int {
	if lot, ok := b.lotSizes[figi]; ok {
		return lot
	}
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.InstrumentsService/GetInstrumentBy", map[string]any{
		"idType": "INSTRUMENT_ID_TYPE_FIGI", "id": figi,
	}, false)
	lot := 1
	if err == nil {
		var res struct {
			Instrument struct {
				Lot int `json:"lot"`
			} `json:"instrument"`
		}
		if json.Unmarshal(data, &res) == nil && res.Instrument.Lot > 0 {
			lot = res.Instrument.Lot
		}
	}
	b.lotSizes[figi] = lot
	return lot
}

func quotationToFloat(v map[string]any) float64 {
	units, _ := strconv.ParseFloat(fmt.Sprint(v["units"]), 64)
	nano, _ := strconv.ParseFloat(fmt.Sprint(v["nano"]), 64)
	return units + nano/1e9
}

func (b *EquitiesBroker) GetHistoricalKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]model.Kline, error) {
	figi, err := b.figi(symbol)
	if err != nil {
		return nil, err
	}
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.MarketDataService/GetCandles", map[string]any{
		"figi": figi, "interval": interval,
		"from": start.UTC().Format(time.RFC3339), "to": end.UTC().Format(time.RFC3339),
	}, true)
	if err != nil {
		return nil, err
	}
	var res struct {
		Candles []map[string]any `json:"candles"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errkind.New(errkind.Protocol, err)
	}
	out := make([]model.Kline, 0, len(res.Candles))
	for _, c := range res.Candles {
		tsStr := fmt.Sprint(c["time"])
		ts, _ := time.Parse(time.RFC3339, tsStr)
		open, _ := c["open"].(map[string]any)
		high, _ := c["high"].(map[string]any)
		low, _ := c["low"].(map[string]any)
		closeP, _ := c["close"].(map[string]any)
		vol, _ := strconv.ParseFloat(fmt.Sprint(c["volume"]), 64)
		out = append(out, model.Kline{
			Timestamp: ts, Open: quotationToFloat(open), High: quotationToFloat(high),
			Low: quotationToFloat(low), Close: quotationToFloat(closeP), Volume: vol,
		})
	}
	return out, nil
}

func (b *EquitiesBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	figi, err := b.figi(symbol)
	if err != nil {
		return 0, err
	}
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.MarketDataService/GetLastPrices", map[string]any{
		"figi": []string{figi},
	}, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		LastPrices []map[string]any `json:"lastPrices"`
	}
	if err := json.Unmarshal(data, &res); err != nil || len(res.LastPrices) == 0 {
		return 0, errkind.New(errkind.VenueLogical, fmt.Errorf("%s: no price for %s", b.cfg.Name, symbol))
	}
	priceMap, _ := res.LastPrices[0]["price"].(map[string]any)
	px := quotationToFloat(priceMap)
	if px <= 0 {
		return 0, errkind.New(errkind.VenueLogical, fmt.Errorf("%s: non-positive price for %s", b.cfg.Name, symbol))
	}
	return px, nil
}

func (b *EquitiesBroker) GetAccountState(ctx context.Context) (model.AccountState, error) {
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.OperationsService/GetPortfolio", map[string]any{}, false)
	if err != nil {
		return model.AccountState{}, err
	}
	var res struct {
		TotalAmountPortfolio map[string]any `json:"totalAmountPortfolio"`
	}
	_ = json.Unmarshal(data, &res)
	equity := quotationToFloat(res.TotalAmountPortfolio)
	return model.AccountState{Equity: equity, Balance: equity, Currency: "RUB", Broker: b.cfg.Name}, nil
}

func (b *EquitiesBroker) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.OperationsService/GetPositions", map[string]any{}, false)
	if err != nil {
		return nil, err
	}
	var res struct {
		Securities []map[string]any `json:"securities"`
	}
	_ = json.Unmarshal(data, &res)
	out := make([]model.Position, 0, len(res.Securities))
	for _, s := range res.Securities {
		qty, _ := strconv.ParseFloat(fmt.Sprint(s["balance"]), 64)
		if qty == 0 {
			continue
		}
		out = append(out, model.Position{
			Symbol: b.resolveTicker(fmt.Sprint(s["figi"])), Quantity: qty, Broker: b.cfg.Name,
		})
	}
	return out, nil
}

func (b *EquitiesBroker) resolveTicker(figi string) string {
	for sym, f := range b.cfg.FIGIBySym {
		if f == figi {
			return sym
		}
	}
	return figi
}

func (b *EquitiesBroker) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	figi, err := b.figi(req.Symbol)
	if err != nil {
		return model.OrderResult{}, err
	}
	lot := b.lotSize(ctx, figi)
	lots := int(req.Quantity / float64(lot))
	if lots < 1 {
		lots = 1
	}
	direction := "ORDER_DIRECTION_BUY"
	if req.Side == model.SideSell {
		direction = "ORDER_DIRECTION_SELL"
	}
	orderType := "ORDER_TYPE_MARKET"
	if req.Type == model.OrderTypeLimit {
		orderType = "ORDER_TYPE_LIMIT"
	}

	payload := map[string]any{
		"figi": figi, "quantity": lots, "direction": direction, "orderType": orderType,
	}
	if req.ClientID != "" {
		payload["orderId"] = req.ClientID
	}
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.OrdersService/PostOrder", payload, false)
	if err != nil {
		if req.ClientID != "" && errkind.Retryable(err) {
			if existing, lookErr := b.lookupOrder(ctx, req.ClientID); lookErr == nil {
				return existing, nil
			}
		}
		return model.OrderResult{}, err
	}
	var res struct {
		OrderID         string         `json:"orderId"`
		ExecutionStatus string         `json:"executionReportStatus"`
		ExecutedPrice   map[string]any `json:"executedOrderPrice"`
	}
	_ = json.Unmarshal(data, &res)
	return model.OrderResult{
		OrderID: res.OrderID, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Quantity: float64(lots * lot), Price: quotationToFloat(res.ExecutedPrice),
		Status: mapExecutionStatus(res.ExecutionStatus), Broker: b.cfg.Name,
	}, nil
}

func mapExecutionStatus(s string) model.OrderStatus {
	switch s {
	case "EXECUTION_REPORT_STATUS_FILL":
		return model.OrderFilled
	case "EXECUTION_REPORT_STATUS_REJECTED":
		return model.OrderRejected
	case "EXECUTION_REPORT_STATUS_CANCELLED":
		return model.OrderCanceled
	case "":
		return model.OrderUnknown
	default:
		return model.OrderSubmitted
	}
}

func (b *EquitiesBroker) lookupOrder(ctx context.Context, clientID string) (model.OrderResult, error) {
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.OrdersService/GetOrderState", map[string]any{
		"orderId": clientID,
	}, false)
	if err != nil {
		return model.OrderResult{}, err
	}
	var res struct {
		OrderID         string         `json:"orderId"`
		ExecutionStatus string         `json:"executionReportStatus"`
		ExecutedPrice   map[string]any `json:"executedOrderPrice"`
		LotsExecuted    float64        `json:"lotsExecuted"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return model.OrderResult{}, errkind.New(errkind.Protocol, err)
	}
	return model.OrderResult{
		OrderID: res.OrderID, ClientID: clientID, Quantity: res.LotsExecuted,
		Price: quotationToFloat(res.ExecutedPrice), Status: mapExecutionStatus(res.ExecutionStatus), Broker: b.cfg.Name,
	}, nil
}

func (b *EquitiesBroker) WaitForOrderFinal(ctx context.Context, orderID, clientID string, timeout time.Duration) (model.OrderResult, error) {
	deadline := time.Now().Add(timeout)
	var last model.OrderResult
	key := orderID
	if key == "" {
		key = clientID
	}
	for time.Now().Before(deadline) {
		res, err := b.lookupOrder(ctx, key)
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

func (b *EquitiesBroker) GetOpenOrders(ctx context.Context, symbol string) ([]model.OrderResult, error) {
	data, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.OrdersService/GetOrders", map[string]any{}, false)
	if err != nil {
		return nil, err
	}
	var res struct {
		Orders []map[string]any `json:"orders"`
	}
	_ = json.Unmarshal(data, &res)
	out := make([]model.OrderResult, 0, len(res.Orders))
	for _, o := range res.Orders {
		if figi, _ := b.figi(symbol); figi != "" && fmt.Sprint(o["figi"]) != figi {
			continue
		}
		out = append(out, model.OrderResult{
			OrderID: fmt.Sprint(o["orderId"]),
			Status:  mapExecutionStatus(fmt.Sprint(o["executionReportStatus"])),
			Broker:  b.cfg.Name,
		})
	}
	return out, nil
}

func (b *EquitiesBroker) CancelOrder(ctx context.Context, orderID, symbol string) error {
	_, err := b.post(ctx, "/tinkoff.public.invest.api.contract.v1.OrdersService/CancelOrder", map[string]any{
		"orderId": orderID,
	}, false)
	return err
}

// PlaceProtectionOrders is unsupported: Capabilities().SupportsNativeProtections
// is always false for this adapter, so the protection engine never calls it.
func (b *EquitiesBroker) PlaceProtectionOrders(ctx context.Context, symbol string, qty float64, slPrice, tpPrice float64, slClientOID, tpClientOID string) (PlanOrderIDs, error) {
	return PlanOrderIDs{}, errkind.New(errkind.Policy, fmt.Errorf("%s: native protections unsupported", b.cfg.Name))
}

func (b *EquitiesBroker) CancelPlanOrder(ctx context.Context, orderID, clientOID string) error {
	return errkind.New(errkind.Policy, fmt.Errorf("%s: native protections unsupported", b.cfg.Name))
}

func (b *EquitiesBroker) GetPlanSubOrder(ctx context.Context, planOrderID string) ([]model.OrderResult, error) {
	return nil, errkind.New(errkind.Policy, fmt.Errorf("%s: native protections unsupported", b.cfg.Name))
}

func (b *EquitiesBroker) ClosePosition(ctx context.Context, symbol, reason string) error {
	positions, err := b.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Symbol != symbol || p.Quantity == 0 {
			continue
		}
		side := model.SideSell
		qty := p.Quantity
		if qty < 0 {
			side = model.SideBuy
			qty = -qty
		}
		_, err := b.PlaceOrder(ctx, model.OrderRequest{Symbol: symbol, Side: side, Quantity: qty, Type: model.OrderTypeMarket})
		return err
	}
	return nil
}

func (b *EquitiesBroker) NormalizeQty(symbol string, qty float64) float64 {
	return qty
}

func (b *EquitiesBroker) NormalizePrice(symbol string, price float64) float64 {
	return truncate(price, 2, 2)
}
