package broker

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"tradecore/internal/order"
)

// Field aliases, resolved in order.
var (
	OrderIDAliases   = []string{"order_id", "ord_no", "odno", "broker_order_id"}
	FilledQtyAliases = []string{"filled_qty", "tot_ccld_qty", "cntr_qty", "executed_qty", "filled"}
	AvgPriceAliases  = []string{"avg_fill_price", "avg_prvs", "cntr_uv", "cntr_pric", "avg_price"}
	StatusAliases    = []string{"status", "order_status", "ord_stt"}
	MessageAliases   = []string{"message", "msg1", "return_msg", "msg"}
)

var statusTable = map[string]order.Status{
	"accepted":         order.StatusAccepted,
	"open":             order.StatusAccepted,
	"pending":          order.StatusAccepted,
	"filled":           order.StatusFilled,
	"partial":          order.StatusPartiallyFilled,
	"partially_filled": order.StatusPartiallyFilled,
	"rejected":         order.StatusRejected,
	"canceled":         order.StatusCanceled,
	"cancelled":        order.StatusCanceled,
}

// StatusFromText maps a broker status word to the neutral status.
func StatusFromText(s string) order.Status {
	if st, ok := statusTable[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st
	}
	return order.StatusUnknown
}

// Lookup returns the first alias present in m. Keys are matched case-insensitively.
func Lookup(m map[string]any, aliases ...string) (any, bool) {
	if len(m) == 0 {
		return nil, false
	}
	lowered := make(map[string]any, len(m))
	for k, v := range m {
		lk := strings.ToLower(k)
		if _, seen := lowered[lk]; !seen {
			lowered[lk] = v
		}
	}
	for _, a := range aliases {
		if v, ok := lowered[strings.ToLower(a)]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// LookupString is Lookup rendered as a trimmed string.
func LookupString(m map[string]any, aliases ...string) string {
	v, ok := Lookup(m, aliases...)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

// ParseInt parses integers tolerantly: commas and blanks are stripped,
// fractional parts truncated, anything unreadable yields 0.
func ParseInt(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int:
		return int64(x)
	case int64:
		return x
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return int64(x)
	case json.Number:
		return ParseInt(x.String())
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", "")
		if s == "" {
			return 0
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
		return 0
	default:
		return 0
	}
}

// ParseDecimal parses a price tolerantly. Unreadable or empty input yields nil.
func ParseDecimal(v any) *decimal.Decimal {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		d := decimal.NewFromFloat(x)
		return &d
	case int64:
		d := decimal.NewFromInt(x)
		return &d
	case int:
		d := decimal.NewFromInt(int64(x))
		return &d
	case json.Number:
		s = x.String()
	case string:
		s = x
	default:
		return nil
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// ReturnCodeOK reports whether a return_code / rt_cd value signals success.
func ReturnCodeOK(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		s := strings.TrimSpace(x)
		return s != "" && ParseInt(s) == 0 && strings.Trim(s, "0") == ""
	default:
		return ParseInt(x) == 0 && !isNonIntegral(x)
	}
}

func isNonIntegral(v any) bool {
	f, ok := v.(float64)
	return ok && f != math.Trunc(f)
}
