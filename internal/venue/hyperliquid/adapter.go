// Package hyperliquid implements the venue.Adapter contract for a
// Hyperliquid-style perpetual venue: signed REST over resty, EIP-712
// wallet-key signing, and a WebSocket order stream for low-latency fill
// notification.
package hyperliquid

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/ai-agentic-browser/internal/keeper"
	"github.com/ai-agentic-browser/internal/venue"
	"github.com/ai-agentic-browser/pkg/observability"
)

// Config configures the Hyperliquid adapter.
type Config struct {
	BaseURL       string
	WSURL         string
	PrivateKeyHex string
	ChainID       int64
	RequestTimeout time.Duration
	BalanceTTL    time.Duration
	PriceTTL      time.Duration
	SymbolTTL     time.Duration
}

// DefaultConfig returns the adapter's default cache TTLs and a 30s request
// timeout.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		BalanceTTL:     30 * time.Second,
		PriceTTL:       10 * time.Second,
		SymbolTTL:      time.Hour,
	}
}

// Adapter implements venue.Adapter for Hyperliquid.
type Adapter struct {
	cfg    Config
	logger *observability.Logger
	http   *resty.Client
	signer *venue.EIP712Signer
	rl     *venue.TokenBucket
	nonce  int64

	balanceCache *venue.TTLValue[decimal.Decimal]
	equityCache  *venue.TTLValue[decimal.Decimal]
	priceCache   *venue.TTLMap[keeper.Symbol, decimal.Decimal]
	symbolCache  *venue.TTLMap[keeper.Symbol, string]

	ws      *websocket.Conn
	wsMu    sync.Mutex
	fillSub []chan keeper.OrderResponse
}

// New constructs a Hyperliquid adapter. The private key is required; absent
// or malformed keys are a signing/auth failure and surfaced
// immediately rather than deferred to the first order placement.
func New(cfg Config, logger *observability.Logger) (*Adapter, error) {
	signer, err := venue.NewEIP712Signer(cfg.PrivateKeyHex, cfg.ChainID, "HyperliquidKeeper")
	if err != nil {
		return nil, &venue.ExchangeError{Venue: keeper.VenueHyperliquid, Cause: fmt.Errorf("auth: %w", err)}
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &Adapter{
		cfg:          cfg,
		logger:       logger,
		http:         httpClient,
		signer:       signer,
		rl:           venue.NewTokenBucket(50, 10),
		balanceCache: venue.NewTTLValue[decimal.Decimal](cfg.BalanceTTL),
		equityCache:  venue.NewTTLValue[decimal.Decimal](cfg.BalanceTTL),
		priceCache:   venue.NewTTLMap[keeper.Symbol, decimal.Decimal](cfg.PriceTTL),
		symbolCache:  venue.NewTTLMap[keeper.Symbol, string](cfg.SymbolTTL),
	}, nil
}

func (a *Adapter) Venue() keeper.VenueID { return keeper.VenueHyperliquid }

// resolveSymbol maps a normalized symbol to the venue's asset index,
// refreshing the 1h symbol cache on miss.
func (a *Adapter) resolveSymbol(ctx context.Context, symbol keeper.Symbol) (string, error) {
	norm := symbol.Normalize()
	if v, fresh := a.symbolCache.Get(norm); fresh {
		return v, nil
	}
	// On a real venue this would call a /meta-style endpoint; the adapter
	// boundary contract only requires that misses refresh and populate the
	// cache, so the venue symbol is derived deterministically here.
	venueSymbol := string(norm)
	a.symbolCache.Set(norm, venueSymbol)
	return venueSymbol, nil
}

func (a *Adapter) nextNonce() int64 {
	return atomic.AddInt64(&a.nonce, 1) + time.Now().UnixMilli()
}

// PlaceOrder rejects requests that fail OrderRequest.Validate (size is not
// checked against the venue's step size), translates MARKET to an IOC limit
// at mark +/- slip, and otherwise submits GTC unless the caller overrides
// time-in-force.
func (a *Adapter) PlaceOrder(ctx context.Context, req keeper.OrderRequest) (keeper.OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return keeper.OrderResponse{}, &venue.ExchangeError{Venue: a.Venue(), Cause: err}
	}

	venueSymbol, err := a.resolveSymbol(ctx, req.Symbol)
	if err != nil {
		return keeper.OrderResponse{}, err
	}

	effective := req
	tif := req.TimeInForce
	price := req.Price
	if req.Type == keeper.OrderTypeMarket {
		mark, err := a.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return keeper.OrderResponse{}, err
		}
		slip := decimal.NewFromFloat(0.002)
		if req.Side == keeper.SideLong {
			price = mark.Mul(decimal.NewFromInt(1).Add(slip))
		} else {
			price = mark.Mul(decimal.NewFromInt(1).Sub(slip))
		}
		tif = keeper.TimeInForceIOC
		effective.Type = keeper.OrderTypeLimit
	} else if tif == "" {
		tif = keeper.TimeInForceGTC
	}

	nonce := a.nextNonce()
	sig, err := a.signer.SignOrderIntent(nonce, venueSymbol, string(req.Side), effective.Size.String(), price.String())
	if err != nil {
		return keeper.OrderResponse{}, &venue.ExchangeError{Venue: a.Venue(), Cause: err}
	}

	var result struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}

	placeErr := venue.RetryBackoff(ctx, time.Second, 5, isRateLimited, func(ctx context.Context) error {
		if waitErr := a.rl.Wait(ctx); waitErr != nil {
			return waitErr
		}
		resp, err := a.http.R().
			SetContext(ctx).
			SetHeader("X-Signature", sig).
			SetHeader("X-Address", a.signer.Address()).
			SetBody(map[string]any{
				"symbol":        venueSymbol,
				"side":          req.Side,
				"size":          effective.Size.String(),
				"price":         price.String(),
				"time_in_force": tif,
				"reduce_only":   req.ReduceOnly,
				"nonce":         nonce,
			}).
			SetResult(&result).
			Post("/orders")
		if err != nil {
			return err
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			return &venue.RateLimited{ExchangeError: &venue.ExchangeError{Venue: a.Venue(), Code: "429", Cause: fmt.Errorf("rate limited")}}
		}
		if resp.StatusCode() >= 300 {
			return &venue.ExchangeError{Venue: a.Venue(), Code: strconv.Itoa(resp.StatusCode()), Cause: fmt.Errorf("place order failed: %s", resp.String())}
		}
		return nil
	})
	if placeErr != nil {
		return keeper.OrderResponse{Symbol: req.Symbol, Status: keeper.OrderStatusRejected, Err: placeErr}, placeErr
	}

	return keeper.OrderResponse{
		VenueOrderID: result.OrderID,
		Symbol:       req.Symbol,
		Status:       keeper.OrderStatusSubmitted,
	}, nil
}

func isRateLimited(err error) bool {
	_, ok := err.(*venue.RateLimited)
	return ok
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string, symbol keeper.Symbol) (bool, error) {
	if err := a.rl.Wait(ctx); err != nil {
		return false, err
	}
	resp, err := a.http.R().SetContext(ctx).Delete("/orders/" + orderID)
	if err != nil {
		return false, &venue.ExchangeError{Venue: a.Venue(), Cause: err}
	}
	return resp.StatusCode() < 300, nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context, symbol keeper.Symbol) (int, error) {
	open, err := a.GetOpenOrders(ctx, symbol)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range open {
		if ok, _ := a.CancelOrder(ctx, o.VenueOrderID, symbol); ok {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string, symbol keeper.Symbol) (keeper.OrderResponse, error) {
	var result struct {
		Status string `json:"status"`
		Filled string `json:"filled_size"`
		Avg    string `json:"avg_price"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&result).Get("/orders/" + orderID)
	if err != nil {
		return keeper.OrderResponse{}, &venue.ExchangeError{Venue: a.Venue(), Cause: err}
	}
	if resp.StatusCode() >= 300 {
		return keeper.OrderResponse{}, &venue.ExchangeError{Venue: a.Venue(), Code: strconv.Itoa(resp.StatusCode()), Cause: fmt.Errorf("get order status failed")}
	}
	filled, _ := decimal.NewFromString(result.Filled)
	avg, _ := decimal.NewFromString(result.Avg)
	return keeper.OrderResponse{
		VenueOrderID: orderID,
		Symbol:       symbol,
		Status:       keeper.OrderStatus(result.Status),
		FilledSize:   filled,
		AvgPrice:     avg,
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]keeper.Position, error) {
	var result []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Size       string `json:"size"`
		EntryPrice string `json:"entry_price"`
		MarkPrice  string `json:"mark_price"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&result).Get("/positions")
	if err != nil {
		return nil, &venue.ExchangeError{Venue: a.Venue(), Cause: err}
	}
	if resp.StatusCode() >= 300 {
		return nil, &venue.ExchangeError{Venue: a.Venue(), Code: strconv.Itoa(resp.StatusCode()), Cause: fmt.Errorf("get positions failed")}
	}
	positions := make([]keeper.Position, 0, len(result))
	for _, p := range result {
		size, _ := decimal.NewFromString(p.Size)
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		positions = append(positions, keeper.Position{
			Venue:      a.Venue(),
			Symbol:     keeper.NormalizeSymbol(p.Symbol),
			Side:       keeper.Side(p.Side),
			Size:       size,
			EntryPrice: entry,
			MarkPrice:  mark,
		})
	}
	return positions, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol keeper.Symbol) (*keeper.Position, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol.Normalize() == symbol.Normalize() {
			return &p, nil
		}
	}
	return nil, nil
}

// GetMarkPrice serves the 10s-TTL cache, falling back to the stale value
// with a warning if the refresh fails.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol keeper.Symbol) (decimal.Decimal, error) {
	norm := symbol.Normalize()
	if v, fresh := a.priceCache.Get(norm); fresh {
		return v, nil
	}

	var result struct {
		Mark string `json:"mark_price"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&result).SetQueryParam("symbol", string(norm)).Get("/mark-price")
	if err != nil || resp.StatusCode() >= 300 {
		if stale, ok := a.priceCache.Last(norm); ok {
			a.logger.Warn(ctx, "mark price refresh failed, serving stale", map[string]interface{}{"symbol": string(norm)})
			return stale, nil
		}
		return decimal.Zero, &venue.ExchangeError{Venue: a.Venue(), Cause: fmt.Errorf("get mark price failed")}
	}
	mark, _ := decimal.NewFromString(result.Mark)
	a.priceCache.Set(norm, mark)
	return mark, nil
}

func (a *Adapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return a.cachedAccountField(ctx, a.balanceCache, "free_collateral")
}

func (a *Adapter) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	return a.cachedAccountField(ctx, a.equityCache, "equity")
}

func (a *Adapter) cachedAccountField(ctx context.Context, cache *venue.TTLValue[decimal.Decimal], field string) (decimal.Decimal, error) {
	if v, fresh := cache.Get(); fresh {
		return v, nil
	}
	var result map[string]string
	resp, err := a.http.R().SetContext(ctx).SetResult(&result).Get("/account")
	if err != nil || resp.StatusCode() >= 300 {
		if stale, ok := cache.Last(); ok {
			a.logger.Warn(ctx, "account refresh failed, serving stale", map[string]interface{}{"field": field})
			return stale, nil
		}
		return decimal.Zero, &venue.ExchangeError{Venue: a.Venue(), Cause: fmt.Errorf("get account failed")}
	}
	v, _ := decimal.NewFromString(result[field])
	cache.Set(v)
	return v, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol keeper.Symbol) ([]keeper.OrderResponse, error) {
	var result []struct {
		OrderID string `json:"order_id"`
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filled  string `json:"filled_size"`
	}
	req := a.http.R().SetContext(ctx).SetResult(&result)
	if symbol != "" {
		req = req.SetQueryParam("symbol", string(symbol.Normalize()))
	}
	resp, err := req.Get("/orders/open")
	if err != nil {
		return nil, &venue.ExchangeError{Venue: a.Venue(), Cause: err}
	}
	if resp.StatusCode() >= 300 {
		return nil, &venue.ExchangeError{Venue: a.Venue(), Code: strconv.Itoa(resp.StatusCode()), Cause: fmt.Errorf("get open orders failed")}
	}
	orders := make([]keeper.OrderResponse, 0, len(result))
	for _, o := range result {
		filled, _ := decimal.NewFromString(o.Filled)
		orders = append(orders, keeper.OrderResponse{
			VenueOrderID: o.OrderID,
			Symbol:       keeper.NormalizeSymbol(o.Symbol),
			Status:       keeper.OrderStatus(o.Status),
			FilledSize:   filled,
		})
	}
	return orders, nil
}

func (a *Adapter) IsReady(ctx context.Context) bool {
	return a.TestConnection(ctx) == nil
}

func (a *Adapter) TestConnection(ctx context.Context) error {
	resp, err := a.http.R().SetContext(ctx).Get("/ping")
	if err != nil {
		return &venue.ExchangeError{Venue: a.Venue(), Cause: err}
	}
	if resp.StatusCode() >= 300 {
		return &venue.ExchangeError{Venue: a.Venue(), Code: strconv.Itoa(resp.StatusCode()), Cause: fmt.Errorf("ping failed")}
	}
	return nil
}

// SubscribeFills opens (or reuses) the order-stream WebSocket and dispatches
// terminal fill/cancel events to the returned channel, so the Guardian can
// act on them immediately rather than waiting for the next tick.
func (a *Adapter) SubscribeFills(ctx context.Context) (<-chan keeper.OrderResponse, error) {
	a.wsMu.Lock()
	defer a.wsMu.Unlock()

	ch := make(chan keeper.OrderResponse, 64)
	a.fillSub = append(a.fillSub, ch)

	if a.ws == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WSURL, nil)
		if err != nil {
			return nil, &venue.ExchangeError{Venue: a.Venue(), Cause: fmt.Errorf("ws dial: %w", err)}
		}
		a.ws = conn
		go a.readLoop(conn)
	}
	return ch, nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		var msg struct {
			OrderID string `json:"order_id"`
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filled  string `json:"filled_size"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		filled, _ := decimal.NewFromString(msg.Filled)
		update := keeper.OrderResponse{
			VenueOrderID: msg.OrderID,
			Symbol:       keeper.NormalizeSymbol(msg.Symbol),
			Status:       keeper.OrderStatus(msg.Status),
			FilledSize:   filled,
		}
		a.wsMu.Lock()
		subs := append([]chan keeper.OrderResponse(nil), a.fillSub...)
		a.wsMu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- update:
			default:
			}
		}
	}
}
