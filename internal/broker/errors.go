package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"tradecore/internal/safety"
)

// Error is a failure reported by a broker, either at the HTTP layer or in the
// response body.
type Error struct {
	BrokerID   string
	Code       string
	Message    string
	HTTPStatus int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: timeout: %v", e.BrokerID, e.Err)
	case e.HTTPStatus != 0 && e.Code == "":
		return fmt.Sprintf("%s: http %d: %s", e.BrokerID, e.HTTPStatus, e.Message)
	default:
		return fmt.Sprintf("%s: %s: %s", e.BrokerID, e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Mapping is the outcome of translating a broker error to a safety code.
type Mapping struct {
	SafetyCode string
	Message    string
}

// ErrorMapper is implemented by adapters with a broker-specific code table.
type ErrorMapper interface {
	MapError(err error) Mapping
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var be *Error
	if errors.As(err, &be) && be.Timeout {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// CodeTable maps broker error codes and HTTP statuses to safety codes.
type CodeTable struct {
	Codes  map[string]string
	Status map[int]string
}

// DefaultStatusTable covers the HTTP statuses every broker shares.
var DefaultStatusTable = map[int]string{
	401: safety.FS041,
	403: safety.FS041,
}

// Map resolves err through the table. Timeouts win, then the broker code,
// then the HTTP status; anything else is FS040.
func (t CodeTable) Map(brokerID string, err error) Mapping {
	meta := map[string]any{"broker": brokerID}
	var be *Error
	hasBE := errors.As(err, &be)
	if hasBE {
		if be.Code != "" {
			meta["broker_code"] = be.Code
		}
		if be.HTTPStatus != 0 {
			meta["http_status"] = be.HTTPStatus
		}
		if be.Message != "" {
			meta["detail"] = be.Message
		}
	} else if err != nil {
		meta["detail"] = err.Error()
	}

	code := safety.FS040
	switch {
	case IsTimeout(err):
		code = safety.FS042
	case hasBE && t.Codes[be.Code] != "":
		code = t.Codes[be.Code]
	case hasBE && t.Status[be.HTTPStatus] != "":
		code = t.Status[be.HTTPStatus]
	case hasBE && DefaultStatusTable[be.HTTPStatus] != "":
		code = DefaultStatusTable[be.HTTPStatus]
	}
	return Mapping{SafetyCode: code, Message: safety.MessageFor(code, meta)}
}

// MapError maps err using the adapter's own table when it has one.
func MapError(adapter Adapter, err error) Mapping {
	if m, ok := adapter.(ErrorMapper); ok {
		return m.MapError(err)
	}
	id := "unknown"
	if adapter != nil {
		id = adapter.BrokerID()
	}
	return CodeTable{}.Map(id, err)
}
