// Package kiwoom speaks the api-id based REST protocol of Kiwoom Securities.
package kiwoom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"tradecore/internal/broker"
	"tradecore/internal/order"
)

// BrokerID is the registry key of this adapter.
const BrokerID = "kiwoom"

const (
	defaultBaseURL      = "https://api.kiwoom.com"
	defaultPaperBaseURL = "https://mockapi.kiwoom.com"

	orderPath   = "/api/dostk/ordr"
	accountPath = "/api/dostk/acnt"
)

// api-id per operation.
const (
	apiBuy     = "kt10000"
	apiSell    = "kt10001"
	apiCancel  = "kt10003"
	apiInquire = "ka10076"
)

// Trade types.
var tradeTypes = map[order.OrderType]string{
	order.TypeLimit:  "0",
	order.TypeMarket: "3",
}

// Markets accepted in dmst_stex_tp.
var Markets = map[string]bool{"KRX": true, "NXT": true, "SOR": true}

// Order states reported by the inquiry call.
var statusWords = map[string]string{
	"접수":   "accepted",
	"확인":   "accepted",
	"체결":   "filled",
	"부분체결": "partial",
	"취소":   "canceled",
	"거부":   "rejected",
}

// Codes is the broker error table. Kiwoom signals errors through return_code
// and HTTP status only, so only the shared status rules apply.
var Codes = broker.CodeTable{}

// ErrUnknownMarket is returned for a market outside Markets.
var ErrUnknownMarket = errors.New("kiwoom: unknown market")

// Request is a fully built wire call.
type Request struct {
	APIID string
	Path  string
	Body  map[string]string
}

// Adapter is the Kiwoom implementation of broker.Adapter.
type Adapter struct {
	opts      broker.Options
	transport *broker.Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	symbols map[string]string
}

// New builds an adapter. Market defaults to KRX.
func New(opts broker.Options) (*Adapter, error) {
	opts.Market = strings.ToUpper(strings.TrimSpace(opts.Market))
	if opts.Market == "" {
		opts.Market = "KRX"
	}
	if !Markets[opts.Market] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMarket, opts.Market)
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
		if opts.Paper {
			base = defaultPaperBaseURL
		}
	}
	return &Adapter{
		opts:      opts,
		transport: broker.NewTransport(BrokerID, base, opts.Timeout, opts.RatePerSec),
		logger:    opts.Logger.With().Str("component", "broker").Str("broker", BrokerID).Logger(),
		symbols:   make(map[string]string),
	}, nil
}

// NewFactory adapts New to broker.Factory.
func NewFactory() broker.Factory {
	return func(opts broker.Options) (broker.Adapter, error) { return New(opts) }
}

func (a *Adapter) BrokerID() string { return BrokerID }

// BuildOrder translates req. Market orders send an empty price.
func (a *Adapter) BuildOrder(req order.OrderRequest) (Request, error) {
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	apiID := apiBuy
	if req.Side == order.SideSell {
		apiID = apiSell
	}
	price := ""
	if req.OrderType == order.TypeLimit {
		price = req.LimitPrice.Truncate(0).String()
	}
	return Request{
		APIID: apiID,
		Path:  orderPath,
		Body: map[string]string{
			"dmst_stex_tp": a.opts.Market,
			"stk_cd":       req.Symbol,
			"ord_qty":      fmt.Sprintf("%d", req.Qty),
			"ord_uv":       price,
			"trde_tp":      tradeTypes[req.OrderType],
			"cond_uv":      "",
		},
	}, nil
}

func returnError(payload map[string]any) error {
	if broker.ReturnCodeOK(payload["return_code"]) {
		return nil
	}
	return &broker.Error{
		BrokerID: BrokerID,
		Code:     broker.LookupString(payload, "return_code"),
		Message:  broker.LookupString(payload, "return_msg"),
	}
}

// ParsePlace normalises an order response.
func ParsePlace(payload map[string]any) (order.OrderResponse, error) {
	msg := broker.LookupString(payload, broker.MessageAliases...)
	if err := returnError(payload); err != nil {
		return order.OrderResponse{Status: order.StatusRejected, Message: msg, Raw: payload}, err
	}
	id := broker.LookupString(payload, "ord_no")
	if id == "" {
		return order.OrderResponse{Status: order.StatusUnknown, Message: "missing ord_no", Raw: payload}, nil
	}
	return order.OrderResponse{Status: order.StatusAccepted, BrokerOrderID: id, Message: msg, Raw: payload}, nil
}

// ParseInquiry normalises the fill inquiry for one order.
func ParseInquiry(payload map[string]any, id string) (order.OrderResponse, error) {
	if err := returnError(payload); err != nil {
		return order.OrderResponse{Status: order.StatusUnknown, BrokerOrderID: id, Raw: payload}, err
	}
	rows, _ := payload["cntr"].([]any)
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok || broker.LookupString(row, "ord_no") != id {
			continue
		}
		word := broker.LookupString(row, broker.StatusAliases...)
		if mapped, ok := statusWords[word]; ok {
			word = mapped
		}
		status := broker.StatusFromText(word)
		filled, _ := broker.Lookup(row, broker.FilledQtyAliases...)
		filledQty := broker.ParseInt(filled)
		if status == order.StatusFilled && filledQty < broker.ParseInt(row["ord_qty"]) {
			status = order.StatusPartiallyFilled
		}
		avg, _ := broker.Lookup(row, broker.AvgPriceAliases...)
		return order.OrderResponse{
			Status:        status,
			BrokerOrderID: id,
			FilledQty:     filledQty,
			AvgFillPrice:  broker.ParseDecimal(avg),
			Raw:           row,
		}, nil
	}
	return order.OrderResponse{Status: order.StatusUnknown, BrokerOrderID: id, Message: "order not found", Raw: payload}, nil
}

func (a *Adapter) headers(apiID string) map[string]string {
	return map[string]string{
		"authorization": "Bearer " + a.opts.Token,
		"api-id":        apiID,
		"cont-yn":       "N",
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	if req.DryRun || a.opts.DryRun {
		return broker.VirtualResponse(BrokerID, req), nil
	}
	call, err := a.BuildOrder(req)
	if err != nil {
		return order.OrderResponse{Status: order.StatusRejected, Message: err.Error()}, nil
	}
	payload, err := a.transport.Call(ctx, http.MethodPost, call.Path, a.headers(call.APIID), call.Body)
	if err != nil {
		return order.OrderResponse{Status: order.StatusUnknown, Raw: payload}, err
	}
	resp, err := ParsePlace(payload)
	if err == nil && resp.BrokerOrderID != "" {
		a.mu.Lock()
		a.symbols[resp.BrokerOrderID] = req.Symbol
		a.mu.Unlock()
	}
	a.logger.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).Int64("qty", req.Qty).
		Str("status", string(resp.Status)).Str("order_id", resp.BrokerOrderID).Msg("order placed")
	return resp, err
}

func (a *Adapter) GetOrder(ctx context.Context, id string) (order.OrderResponse, error) {
	if broker.IsVirtualID(id) || a.opts.DryRun {
		return order.OrderResponse{Status: order.StatusAccepted, BrokerOrderID: id, Message: "dry-run"}, nil
	}
	body := map[string]string{"ord_no": id, "qry_tp": "1", "sell_tp": "0", "stex_tp": "0"}
	payload, err := a.transport.Call(ctx, http.MethodPost, accountPath, a.headers(apiInquire), body)
	if err != nil {
		return order.OrderResponse{Status: order.StatusUnknown, BrokerOrderID: id, Raw: payload}, err
	}
	return ParseInquiry(payload, id)
}

func (a *Adapter) CancelOrder(ctx context.Context, id string) (order.OrderResponse, error) {
	if broker.IsVirtualID(id) || a.opts.DryRun {
		return order.OrderResponse{Status: order.StatusCanceled, BrokerOrderID: id, Message: "dry-run"}, nil
	}
	a.mu.Lock()
	symbol := a.symbols[id]
	a.mu.Unlock()
	body := map[string]string{
		"dmst_stex_tp": a.opts.Market,
		"orig_ord_no":  id,
		"stk_cd":       symbol,
		"cncl_qty":     "0",
	}
	payload, err := a.transport.Call(ctx, http.MethodPost, orderPath, a.headers(apiCancel), body)
	if err != nil {
		return order.OrderResponse{Status: order.StatusUnknown, BrokerOrderID: id, Raw: payload}, err
	}
	msg := broker.LookupString(payload, broker.MessageAliases...)
	if err := returnError(payload); err != nil {
		return order.OrderResponse{Status: order.StatusRejected, BrokerOrderID: id, Message: msg, Raw: payload}, err
	}
	return order.OrderResponse{Status: order.StatusCanceled, BrokerOrderID: id, Message: msg, Raw: payload}, nil
}

// MapError resolves err through the Kiwoom table.
func (a *Adapter) MapError(err error) broker.Mapping {
	return Codes.Map(BrokerID, err)
}

var (
	_ broker.Adapter     = (*Adapter)(nil)
	_ broker.ErrorMapper = (*Adapter)(nil)
)
