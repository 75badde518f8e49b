package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/order"
	"tradecore/internal/safety"
)

func marketReq(qty int64) order.OrderRequest {
	return order.OrderRequest{Symbol: "005930", Side: order.SideBuy, Qty: qty, OrderType: order.TypeMarket}
}

func TestRegistryCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register("Mock-Broker", NewMockFactory())

	a, err := r.Create("  MOCK-broker ", Options{})
	require.NoError(t, err)
	assert.Equal(t, MockBrokerID, a.BrokerID())

	_, err = r.Create("nope", Options{})
	assert.ErrorIs(t, err, ErrUnknownBroker)

	assert.False(t, r.RegisterIfAbsent("mock-broker", NewMockFactory()))
	assert.Equal(t, []string{"mock-broker"}, r.IDs())
}

func TestMockDryRunIsVirtual(t *testing.T) {
	m := NewMockAdapter(Options{})
	req := marketReq(1)
	req.DryRun = true
	resp, err := m.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAccepted, resp.Status)
	assert.Equal(t, "MOCK-BROKER-VIRTUAL", resp.BrokerOrderID)
	assert.True(t, IsVirtualID(resp.BrokerOrderID))

	got, err := m.GetOrder(context.Background(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAccepted, got.Status)
}

func TestMockFillsAndCancels(t *testing.T) {
	m := NewMockAdapter(Options{})
	resp, err := m.PlaceOrder(context.Background(), marketReq(3))
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, resp.Status)
	assert.Equal(t, int64(3), resp.FilledQty)

	c, err := m.CancelOrder(context.Background(), resp.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, c.Status)

	_, err = m.GetOrder(context.Background(), "missing")
	assert.Error(t, err)

	bad, err := m.PlaceOrder(context.Background(), marketReq(0))
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, bad.Status)
}

func TestStatusAndParsing(t *testing.T) {
	assert.Equal(t, order.StatusPartiallyFilled, StatusFromText(" Partial "))
	assert.Equal(t, order.StatusCanceled, StatusFromText("cancelled"))
	assert.Equal(t, order.StatusUnknown, StatusFromText("weird"))

	assert.Equal(t, int64(1200), ParseInt("1,200"))
	assert.Equal(t, int64(12), ParseInt("12.9"))
	assert.Equal(t, int64(0), ParseInt("n/a"))
	assert.Equal(t, int64(7), ParseInt(json.Number("7")))
	assert.Nil(t, ParseDecimal(""))
	assert.True(t, ParseDecimal("71,500").Equal(decimal.NewFromInt(71500)))

	assert.True(t, ReturnCodeOK("0"))
	assert.True(t, ReturnCodeOK(json.Number("0")))
	assert.False(t, ReturnCodeOK("1"))
	assert.False(t, ReturnCodeOK(nil))

	m := map[string]any{"ODNO": "0001", "tot_ccld_qty": "5"}
	assert.Equal(t, "0001", LookupString(m, OrderIDAliases...))
	assert.Equal(t, int64(5), ParseInt(m["tot_ccld_qty"]))
}

func TestCodeTableMapping(t *testing.T) {
	table := CodeTable{Codes: map[string]string{"EGW00123": safety.FS041}}

	m := table.Map("b", &Error{BrokerID: "b", Code: "EGW00123", Message: "token expired"})
	assert.Equal(t, safety.FS041, m.SafetyCode)
	assert.Contains(t, m.Message, "broker_code=EGW00123")

	assert.Equal(t, safety.FS041, table.Map("b", &Error{BrokerID: "b", HTTPStatus: 403}).SafetyCode)
	assert.Equal(t, safety.FS042, table.Map("b", context.DeadlineExceeded).SafetyCode)
	assert.Equal(t, safety.FS040, table.Map("b", errors.New("boom")).SafetyCode)
	assert.Equal(t, safety.FS040, table.Map("b", &Error{BrokerID: "b", Code: "XYZ"}).SafetyCode)

	assert.Equal(t, safety.FS042, MapError(NewMockAdapter(Options{}), &Error{Timeout: true}).SafetyCode)
}

func TestTransportStatusAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		case "/denied":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"msg":"no"}`))
			return
		}
		_, _ = w.Write([]byte(`{"rt_cd":"0"}`))
	}))
	defer srv.Close()

	tr := NewTransport("t", srv.URL, 50*time.Millisecond, 0)
	payload, err := tr.Call(context.Background(), http.MethodGet, "/ok", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "0", payload["rt_cd"])

	_, err = tr.Call(context.Background(), http.MethodGet, "/denied", nil, nil)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusUnauthorized, be.HTTPStatus)

	_, err = tr.Call(context.Background(), http.MethodGet, "/slow", nil, nil)
	assert.True(t, IsTimeout(err))
}

type countingObserver struct {
	mu        sync.Mutex
	successes int
	failures  []int
	blocked   int
}

func (o *countingObserver) OnSuccess(string) { o.mu.Lock(); o.successes++; o.mu.Unlock() }
func (o *countingObserver) OnFailure(_ string, n int) {
	o.mu.Lock()
	o.failures = append(o.failures, n)
	o.mu.Unlock()
}
func (o *countingObserver) OnBlocked(string) { o.mu.Lock(); o.blocked++; o.mu.Unlock() }

func TestBreakerTripsAfterMaxRejections(t *testing.T) {
	obs := &countingObserver{}
	b := NewBreaker("test-broker", 3, obs, zerolog.Nop())
	calls := 0
	reject := func() (order.OrderResponse, error) {
		calls++
		return order.OrderResponse{Status: order.StatusRejected}, nil
	}

	for i := 1; i <= 3; i++ {
		out := b.Do(reject)
		assert.True(t, out.Attempted)
		assert.False(t, out.Blocked)
		assert.Equal(t, i, out.Consecutive)
	}
	out := b.Do(reject)
	assert.True(t, out.Blocked)
	assert.ErrorIs(t, out.Err, ErrBlocked)
	assert.Equal(t, 3, calls)
	assert.True(t, b.Blocked())
	assert.Equal(t, []int{1, 2, 3}, obs.failures)
	assert.Equal(t, 1, obs.blocked)

	b.Reset()
	assert.False(t, b.Blocked())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker("b", 2, nil, zerolog.Nop())
	b.Do(func() (order.OrderResponse, error) { return order.OrderResponse{}, errors.New("x") })
	assert.Equal(t, 1, b.ConsecutiveFailures())
	out := b.Do(func() (order.OrderResponse, error) {
		return order.OrderResponse{Status: order.StatusFilled}, nil
	})
	assert.NoError(t, out.Err)
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

type panicObserver struct{}

func (panicObserver) OnSuccess(string)      { panic("observer") }
func (panicObserver) OnFailure(string, int) { panic("observer") }
func (panicObserver) OnBlocked(string)      { panic("observer") }

func TestBreakerObserverPanicIsContained(t *testing.T) {
	b := NewBreaker("b", 1, panicObserver{}, zerolog.Nop())
	assert.NotPanics(t, func() {
		b.Do(func() (order.OrderResponse, error) { return order.OrderResponse{Status: order.StatusAccepted}, nil })
		b.Do(func() (order.OrderResponse, error) { return order.OrderResponse{Status: order.StatusRejected}, nil })
		b.Do(func() (order.OrderResponse, error) { return order.OrderResponse{Status: order.StatusAccepted}, nil })
	})
	assert.True(t, b.Blocked())
}

func TestBreakerConcurrentCallsNeverExceedMax(t *testing.T) {
	b := NewBreaker("b", 3, nil, zerolog.Nop())
	var mu sync.Mutex
	forwarded := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Do(func() (order.OrderResponse, error) {
				mu.Lock()
				forwarded++
				mu.Unlock()
				return order.OrderResponse{Status: order.StatusRejected}, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, forwarded)
}
