// Package kis speaks the tr_id based REST protocol of Korea Investment & Securities.
package kis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"tradecore/internal/broker"
	"tradecore/internal/order"
	"tradecore/internal/safety"
)

// BrokerID is the registry key of this adapter.
const BrokerID = "kis"

const (
	defaultBaseURL      = "https://openapi.koreainvestment.com:9443"
	defaultPaperBaseURL = "https://openapivts.koreainvestment.com:29443"

	orderPath   = "/uapi/domestic-stock/v1/trading/order-cash"
	inquirePath = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"
	cancelPath  = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
)

// tr_id by operation, live then paper.
var trIDs = map[string][2]string{
	"BUY":     {"TTTC0802U", "VTTC0802U"},
	"SELL":    {"TTTC0801U", "VTTC0801U"},
	"INQUIRE": {"TTTC8001R", "VTTC8001R"},
	"CANCEL":  {"TTTC0803U", "VTTC0803U"},
}

// Sell/buy division codes.
var sideCodes = map[order.Side]int{
	order.SideSell: 1,
	order.SideBuy:  2,
}

// Order division codes.
var orderDivision = map[order.OrderType]string{
	order.TypeLimit:  "00",
	order.TypeMarket: "01",
}

// Codes is the broker error table. Token errors block trading as auth failures.
var Codes = broker.CodeTable{
	Codes: map[string]string{
		"EGW00123": safety.FS041,
		"EGW00121": safety.FS041,
	},
}

// ErrMissingAccount is returned when the account number is not configured.
var ErrMissingAccount = errors.New("kis: account (CANO) not configured")

// Request is a fully built wire call.
type Request struct {
	Method string
	Path   string
	TrID   string
	Body   map[string]string
}

// Adapter is the KIS implementation of broker.Adapter.
type Adapter struct {
	opts      broker.Options
	transport *broker.Transport
	logger    zerolog.Logger

	mu     sync.Mutex
	orgNos map[string]string
}

// New builds an adapter. Paper selects the virtual trading host and tr_ids.
func New(opts broker.Options) (*Adapter, error) {
	if strings.TrimSpace(opts.Account) == "" && !opts.DryRun {
		return nil, ErrMissingAccount
	}
	if opts.ProductCode == "" {
		opts.ProductCode = "01"
	}
	if opts.Market == "" {
		opts.Market = "KRX"
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
		orgNos:    make(map[string]string),
	}, nil
}

// NewFactory adapts New to broker.Factory.
func NewFactory() broker.Factory {
	return func(opts broker.Options) (broker.Adapter, error) { return New(opts) }
}

func (a *Adapter) BrokerID() string { return BrokerID }

func (a *Adapter) trID(op string) string {
	ids := trIDs[op]
	if a.opts.Paper {
		return ids[1]
	}
	return ids[0]
}

// BuildOrder translates req to the order-cash call. Prices are integer won;
// market orders carry 0.
func (a *Adapter) BuildOrder(req order.OrderRequest) (Request, error) {
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	div, ok := orderDivision[req.OrderType]
	if !ok {
		return Request{}, fmt.Errorf("kis: unsupported order type %q", req.OrderType)
	}
	price := "0"
	if req.OrderType == order.TypeLimit {
		price = req.LimitPrice.Truncate(0).String()
	}
	return Request{
		Method: http.MethodPost,
		Path:   orderPath,
		TrID:   a.trID(string(req.Side)),
		Body: map[string]string{
			"CANO":            a.opts.Account,
			"ACNT_PRDT_CD":    a.opts.ProductCode,
			"EXCG_ID_DVSN_CD": a.opts.Market,
			"PDNO":            req.Symbol,
			"SLL_BUY_DVSN_CD": fmt.Sprintf("%02d", sideCodes[req.Side]),
			"ORD_DVSN":        div,
			"ORD_QTY":         fmt.Sprintf("%d", req.Qty),
			"ORD_UNPR":        price,
		},
	}, nil
}

// ParsePlace normalises an order-cash response.
func ParsePlace(payload map[string]any) (order.OrderResponse, error) {
	msg := broker.LookupString(payload, broker.MessageAliases...)
	if !broker.ReturnCodeOK(payload["rt_cd"]) {
		return order.OrderResponse{Status: order.StatusRejected, Message: msg, Raw: payload},
			&broker.Error{BrokerID: BrokerID, Code: broker.LookupString(payload, "msg_cd"), Message: msg}
	}
	output, _ := payload["output"].(map[string]any)
	id := broker.LookupString(output, broker.OrderIDAliases...)
	if id == "" {
		return order.OrderResponse{Status: order.StatusUnknown, Message: "missing ODNO", Raw: payload}, nil
	}
	return order.OrderResponse{Status: order.StatusAccepted, BrokerOrderID: id, Message: msg, Raw: payload}, nil
}

// ParseInquiry normalises an inquire-daily-ccld response for one order.
func ParseInquiry(payload map[string]any, id string) (order.OrderResponse, error) {
	if !broker.ReturnCodeOK(payload["rt_cd"]) {
		msg := broker.LookupString(payload, broker.MessageAliases...)
		return order.OrderResponse{Status: order.StatusUnknown, BrokerOrderID: id, Message: msg, Raw: payload},
			&broker.Error{BrokerID: BrokerID, Code: broker.LookupString(payload, "msg_cd"), Message: msg}
	}
	rows, _ := payload["output1"].([]any)
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok || broker.LookupString(row, "odno") != id {
			continue
		}
		ordered := broker.ParseInt(row["ord_qty"])
		filled, _ := broker.Lookup(row, broker.FilledQtyAliases...)
		filledQty := broker.ParseInt(filled)
		avg, _ := broker.Lookup(row, broker.AvgPriceAliases...)

		status := order.StatusAccepted
		switch {
		case strings.EqualFold(broker.LookupString(row, "cncl_yn"), "Y"):
			status = order.StatusCanceled
		case filledQty > 0 && filledQty >= ordered:
			status = order.StatusFilled
		case filledQty > 0:
			status = order.StatusPartiallyFilled
		}
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

func (a *Adapter) headers(trID string) map[string]string {
	return map[string]string{
		"authorization": "Bearer " + a.opts.Token,
		"appkey":        a.opts.AppKey,
		"appsecret":     a.opts.AppSecret,
		"tr_id":         trID,
		"custtype":      "P",
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
	payload, err := a.transport.Call(ctx, call.Method, call.Path, a.headers(call.TrID), call.Body)
	if err != nil {
		return order.OrderResponse{Status: order.StatusUnknown, Raw: payload}, a.enrich(err, payload)
	}
	resp, err := ParsePlace(payload)
	if err == nil && resp.BrokerOrderID != "" {
		output, _ := payload["output"].(map[string]any)
		a.mu.Lock()
		a.orgNos[resp.BrokerOrderID] = broker.LookupString(output, "KRX_FWDG_ORD_ORGNO")
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
	q := url.Values{}
	q.Set("CANO", a.opts.Account)
	q.Set("ACNT_PRDT_CD", a.opts.ProductCode)
	q.Set("ODNO", id)
	q.Set("SLL_BUY_DVSN_CD", "00")
	q.Set("CCLD_DVSN", "00")
	q.Set("INQR_DVSN", "00")
	q.Set("INQR_DVSN_3", "00")
	payload, err := a.transport.Call(ctx, http.MethodGet, inquirePath+"?"+q.Encode(), a.headers(a.trID("INQUIRE")), nil)
	if err != nil {
		return order.OrderResponse{Status: order.StatusUnknown, BrokerOrderID: id, Raw: payload}, a.enrich(err, payload)
	}
	return ParseInquiry(payload, id)
}

func (a *Adapter) CancelOrder(ctx context.Context, id string) (order.OrderResponse, error) {
	if broker.IsVirtualID(id) || a.opts.DryRun {
		return order.OrderResponse{Status: order.StatusCanceled, BrokerOrderID: id, Message: "dry-run"}, nil
	}
	a.mu.Lock()
	orgNo := a.orgNos[id]
	a.mu.Unlock()
	body := map[string]string{
		"CANO":               a.opts.Account,
		"ACNT_PRDT_CD":       a.opts.ProductCode,
		"KRX_FWDG_ORD_ORGNO": orgNo,
		"ORGN_ODNO":          id,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02",
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}
	payload, err := a.transport.Call(ctx, http.MethodPost, cancelPath, a.headers(a.trID("CANCEL")), body)
	if err != nil {
		return order.OrderResponse{Status: order.StatusUnknown, BrokerOrderID: id, Raw: payload}, a.enrich(err, payload)
	}
	msg := broker.LookupString(payload, broker.MessageAliases...)
	if !broker.ReturnCodeOK(payload["rt_cd"]) {
		return order.OrderResponse{Status: order.StatusRejected, BrokerOrderID: id, Message: msg, Raw: payload},
			&broker.Error{BrokerID: BrokerID, Code: broker.LookupString(payload, "msg_cd"), Message: msg}
	}
	return order.OrderResponse{Status: order.StatusCanceled, BrokerOrderID: id, Message: msg, Raw: payload}, nil
}

// MapError resolves err through the KIS code table.
func (a *Adapter) MapError(err error) broker.Mapping {
	return Codes.Map(BrokerID, err)
}

// enrich copies msg_cd from an error body so token failures map to FS041
// even when they arrive with a non-2xx status.
func (a *Adapter) enrich(err error, payload map[string]any) error {
	var be *broker.Error
	if errors.As(err, &be) && be.Code == "" {
		if code := broker.LookupString(payload, "msg_cd"); code != "" {
			be.Code = code
			be.Message = broker.LookupString(payload, broker.MessageAliases...)
		}
	}
	return err
}

var (
	_ broker.Adapter     = (*Adapter)(nil)
	_ broker.ErrorMapper = (*Adapter)(nil)
)
