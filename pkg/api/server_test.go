package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/hyperroute/pkg/cache"
	"github.com/uhyunpark/hyperroute/pkg/metrics"
	"github.com/uhyunpark/hyperroute/pkg/notify"
	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/orderstore"
	"github.com/uhyunpark/hyperroute/pkg/queue"
	"github.com/uhyunpark/hyperroute/pkg/storage"
)

type testEnv struct {
	store   *orderstore.Store
	queue   *queue.Queue
	hub     *notify.Hub
	metrics *metrics.Metrics
	srv     *Server
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	db, err := storage.NewMemPebbleStore()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := queue.New(db, queue.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	env := &testEnv{
		store:   orderstore.New(db, cache.NewMemoryCache(time.Hour), log),
		queue:   q,
		hub:     notify.NewHub(log),
		metrics: metrics.New(),
	}
	env.srv = env.server(env.store, q)
	return env
}

func (e *testEnv) server(orders Orders, jobs Jobs) *Server {
	return NewServer(Config{
		Orders:  orders,
		Jobs:    jobs,
		Hub:     e.hub,
		Metrics: e.metrics,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const validOrder = `{"orderType":"MARKET","tokenIn":"SOL","tokenOut":"USDC","amountIn":1.5}`

func TestExecuteOrder(t *testing.T) {
	env := newEnv(t)

	rec := do(t, env.srv.Handler(), "POST", "/api/orders/execute", validOrder)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[ExecuteOrderResponse](t, rec)
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, order.StatusPending, resp.Status)
	assert.Equal(t, "Order received and queued for execution", resp.Message)

	o, err := env.store.Get(context.Background(), resp.OrderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "1.5", o.AmountIn.String())

	rec2, ok := env.queue.Get(resp.OrderID)
	require.True(t, ok)
	assert.Equal(t, queue.StateWaiting, rec2.State)
	assert.Equal(t, "SOL", rec2.Job.TokenIn)
}

func TestExecuteOrder_AcceptsStringAmount(t *testing.T) {
	env := newEnv(t)
	rec := do(t, env.srv.Handler(), "POST", "/api/orders/execute",
		`{"orderType":"MARKET","tokenIn":"SOL","tokenOut":"USDC","amountIn":"0.000001"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestExecuteOrder_Validation(t *testing.T) {
	env := newEnv(t)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing amount", `{"orderType":"MARKET","tokenIn":"SOL","tokenOut":"USDC"}`, "missing required fields"},
		{"missing token", `{"orderType":"MARKET","tokenIn":"SOL","amountIn":1}`, "missing required fields"},
		{"zero amount", `{"orderType":"MARKET","tokenIn":"SOL","tokenOut":"USDC","amountIn":0}`, "amountIn must be greater than 0"},
		{"limit order", `{"orderType":"LIMIT","tokenIn":"SOL","tokenOut":"USDC","amountIn":1}`, "only MARKET orders"},
		{"unknown type", `{"orderType":"TWAP","tokenIn":"SOL","tokenOut":"USDC","amountIn":1}`, "invalid order type"},
		{"malformed", `{"orderType":`, "invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, env.srv.Handler(), "POST", "/api/orders/execute", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tc.want)
		})
	}
	assert.Equal(t, 0, env.queue.Counts().Waiting, "rejected orders are never queued")
}

type failingJobs struct{}

func (failingJobs) Enqueue(queue.Job) error { return errors.New("queue unavailable") }
func (failingJobs) Counts() queue.Counts    { return queue.Counts{} }

func TestExecuteOrder_EnqueueFailureFailsOrder(t *testing.T) {
	env := newEnv(t)
	srv := env.server(env.store, failingJobs{})

	rec := do(t, srv.Handler(), "POST", "/api/orders/execute", validOrder)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Internal server error", resp.Error)
	assert.Contains(t, resp.Message, "queue unavailable")
}

func TestGetOrder(t *testing.T) {
	env := newEnv(t)
	h := env.srv.Handler()

	created := decode[ExecuteOrderResponse](t, do(t, h, "POST", "/api/orders/execute", validOrder))

	rec := do(t, h, "GET", "/api/orders/"+created.OrderID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[order.Order](t, rec)
	assert.Equal(t, created.OrderID, got.ID)
	assert.Equal(t, order.StatusPending, got.Status)

	rec = do(t, h, "GET", "/api/orders/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Order not found", decode[ErrorResponse](t, rec).Error)
}

func TestGetOrderHistory(t *testing.T) {
	env := newEnv(t)
	h := env.srv.Handler()
	ctx := context.Background()

	created := decode[ExecuteOrderResponse](t, do(t, h, "POST", "/api/orders/execute", validOrder))
	require.NoError(t, env.store.UpdateStatus(ctx, created.OrderID, order.StatusRouting, order.Update{}))

	rec := do(t, h, "GET", "/api/orders/"+created.OrderID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[OrderHistoryResponse](t, rec)
	require.Len(t, hist.History, 2)
	assert.Equal(t, order.StatusPending, hist.History[0].Status)
	assert.Equal(t, order.StatusRouting, hist.History[1].Status)

	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/api/orders/nope/history", "").Code)
}

func TestQueueMetrics(t *testing.T) {
	env := newEnv(t)
	h := env.srv.Handler()
	do(t, h, "POST", "/api/orders/execute", validOrder)
	do(t, h, "POST", "/api/orders/execute", validOrder)

	rec := do(t, h, "GET", "/api/queue/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decode[queue.Counts](t, rec)
	assert.Equal(t, 2, counts.Waiting)
}

// downCache makes the cache look unreachable to health checks
type downCache struct{ *orderstore.Store }

func (downCache) PingCache(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	env := newEnv(t)

	rec := do(t, env.srv.Handler(), "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, map[string]string{"database": "healthy", "cache": "healthy"}, health.Services)

	srv := env.server(downCache{env.store}, env.queue)
	rec = do(t, srv.Handler(), "GET", "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health = decode[HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy", health.Services["cache"])
	assert.Equal(t, "healthy", health.Services["database"])

	rec = do(t, env.srv.Handler(), "GET", "/api/health", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/health", rec.Header().Get("Location"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t)
	require.NoError(t, env.metrics.WatchQueue(env.queue))
	h := env.srv.Handler()
	do(t, h, "POST", "/api/orders/execute", validOrder)

	rec := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "hyperroute_orders_created_total 1")
	assert.Contains(t, body, `hyperroute_http_requests_total{code="201",route="/api/orders/execute"} 1`)
	assert.Contains(t, body, `hyperroute_queue_jobs{state="waiting"} 1`)
}

func TestCORS(t *testing.T) {
	env := newEnv(t)
	srv := NewServer(Config{Orders: env.store, Jobs: env.queue, CORSOrigins: []string{"http://app.test"}})

	req := httptest.NewRequest("OPTIONS", "/api/orders/execute", nil)
	req.Header.Set("Origin", "http://app.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://app.test", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/orders/execute", nil)
	req.Header.Set("Origin", "http://evil.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// ==============================
// WebSocket
// ==============================

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) notify.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_StreamsOrderUpdates(t *testing.T) {
	env := newEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	created := decode[ExecuteOrderResponse](t, do(t, env.srv.Handler(), "POST", "/api/orders/execute", validOrder))
	conn := dialWS(t, ts, "?orderId="+created.OrderID)

	first := readMsg(t, conn)
	assert.Equal(t, created.OrderID, first.OrderID)
	assert.Equal(t, order.StatusPending, first.Status)
	assert.Equal(t, "Connected to order status stream", first.Message)

	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	env.hub.Publish(created.OrderID, order.StatusRouting, "Comparing DEX prices", nil)
	env.hub.Publish(created.OrderID, order.StatusConfirmed, "Transaction confirmed", &notify.Payload{TxRef: "abc"})

	msg := readMsg(t, conn)
	assert.Equal(t, order.StatusRouting, msg.Status)
	assert.Equal(t, "Comparing DEX prices", msg.Message)

	msg = readMsg(t, conn)
	assert.Equal(t, order.StatusConfirmed, msg.Status)
	require.NotNil(t, msg.Data)
	assert.Equal(t, "abc", msg.Data.TxRef)

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocket_ReportsCurrentStatusOnConnect(t *testing.T) {
	env := newEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	created := decode[ExecuteOrderResponse](t, do(t, env.srv.Handler(), "POST", "/api/orders/execute", validOrder))
	require.NoError(t, env.store.UpdateStatus(context.Background(), created.OrderID, order.StatusRouting, order.Update{}))

	conn := dialWS(t, ts, "?orderId="+created.OrderID)
	assert.Equal(t, order.StatusRouting, readMsg(t, conn).Status)

	unknown := dialWS(t, ts, "?orderId=not-submitted-yet")
	assert.Equal(t, order.StatusPending, readMsg(t, unknown).Status)
}

func TestWebSocket_RequiresOrderID(t *testing.T) {
	env := newEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "Order ID is required", closeErr.Text)
}

func TestWebSocket_NewConnectionReplacesOld(t *testing.T) {
	env := newEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	old := dialWS(t, ts, "?orderId=o-1")
	readMsg(t, old)
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	fresh := dialWS(t, ts, "?orderId=o-1")
	readMsg(t, fresh)

	// The replaced connection is closed by the server
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := old.ReadMessage()
	require.Error(t, err)

	env.hub.Publish("o-1", order.StatusRouting, "Comparing DEX prices", nil)
	assert.Equal(t, order.StatusRouting, readMsg(t, fresh).Status)
	assert.Equal(t, 1, env.hub.Count())
}
