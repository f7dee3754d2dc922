package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/metrics"
	"github.com/uhyunpark/hyperroute/pkg/notify"
	"github.com/uhyunpark/hyperroute/pkg/order"
	"github.com/uhyunpark/hyperroute/pkg/queue"
)

// Orders is the order store as seen by the API
type Orders interface {
	Create(ctx context.Context, d order.Draft) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	UpdateStatus(ctx context.Context, id string, status order.Status, upd order.Update) error
	History(ctx context.Context, id string) ([]order.HistoryEntry, error)
	PingRepository(ctx context.Context) error
	PingCache(ctx context.Context) error
}

// Jobs is the execution queue as seen by the API
type Jobs interface {
	Enqueue(job queue.Job) error
	Counts() queue.Counts
}

type Config struct {
	Orders      Orders
	Jobs        Jobs
	Hub         *notify.Hub
	Metrics     *metrics.Metrics
	Logger      *zap.SugaredLogger
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	orders  Orders
	jobs    Jobs
	hub     *notify.Hub
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	router  *mux.Router
	cors    *cors.Cors
	httpSrv *http.Server
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Hub == nil {
		cfg.Hub = notify.NewHub(cfg.Logger)
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		orders:  cfg.Orders,
		jobs:    cfg.Jobs,
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		router:  mux.NewRouter(),
		cors: cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Orders
	api.HandleFunc("/orders/execute", s.handleExecuteOrder).Methods("POST")
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{orderId}/history", s.handleGetOrderHistory).Methods("GET")

	// Queue
	api.HandleFunc("/queue/metrics", s.handleQueueMetrics).Methods("GET")

	// Health check
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusFound)
	}).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Use(s.countRequests)
}

// Handler is the full HTTP handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

// Start serves until Shutdown; it returns nil after a graceful shutdown
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_server_starting", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.AmountIn == nil {
		respondError(w, http.StatusBadRequest, "missing required fields: orderType, tokenIn, tokenOut, amountIn", "")
		return
	}

	draft := order.Draft{
		Type:     order.Type(req.OrderType),
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		AmountIn: *req.AmountIn,
	}
	if err := draft.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, validationText(err), "")
		return
	}

	ctx := r.Context()
	o, err := s.orders.Create(ctx, draft)
	if err != nil {
		s.log.Errorw("order_create_failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}

	job := queue.Job{
		OrderID:   o.ID,
		OrderType: string(o.Type),
		TokenIn:   o.TokenIn,
		TokenOut:  o.TokenOut,
		AmountIn:  o.AmountIn,
	}
	if err := s.jobs.Enqueue(job); err != nil {
		s.log.Errorw("order_enqueue_failed", "order_id", o.ID, "error", err)
		// Do not leave an order PENDING that no worker will ever pick up
		msg := fmt.Sprintf("failed to enqueue order: %v", err)
		if uerr := s.orders.UpdateStatus(ctx, o.ID, order.StatusFailed, order.Update{ErrorMessage: msg}); uerr != nil {
			s.log.Errorw("order_finalize_failed", "order_id", o.ID, "error", uerr)
		}
		respondError(w, http.StatusInternalServerError, "Internal server error", msg)
		return
	}

	s.metrics.OrderCreated()
	s.log.Infow("order_submitted",
		"order_id", o.ID,
		"token_in", o.TokenIn,
		"token_out", o.TokenOut,
		"amount_in", o.AmountIn.String(),
	)

	respondStatus(w, http.StatusCreated, ExecuteOrderResponse{
		OrderID: o.ID,
		Status:  o.Status,
		Message: "Order received and queued for execution",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]

	o, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.log.Errorw("order_get_failed", "order_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}
	if o == nil {
		respondError(w, http.StatusNotFound, "Order not found", "")
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetOrderHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]
	ctx := r.Context()

	o, err := s.orders.Get(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}
	if o == nil {
		respondError(w, http.StatusNotFound, "Order not found", "")
		return
	}

	entries, err := s.orders.History(ctx, id)
	if err != nil {
		s.log.Errorw("order_history_failed", "order_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", err.Error())
		return
	}
	if entries == nil {
		entries = []order.HistoryEntry{}
	}
	respondJSON(w, OrderHistoryResponse{OrderID: id, History: entries})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, QueueMetricsResponse(s.jobs.Counts()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{"database": "healthy", "cache": "healthy"}
	healthy := true
	if err := s.orders.PingRepository(ctx); err != nil {
		services["database"] = "unhealthy"
		healthy = false
		s.log.Warnw("health_database_down", "error", err)
	}
	if err := s.orders.PingCache(ctx); err != nil {
		services["cache"] = "unhealthy"
		healthy = false
		s.log.Warnw("health_cache_down", "error", err)
	}

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Services:    services,
		Queue:       s.jobs.Counts(),
		Subscribers: s.hub.Count(),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	respondStatus(w, code, resp)
}

// countRequests records a request counter per route template
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.HTTPRequest(route, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// validationText strips the sentinel prefix so clients see only the reason
func validationText(err error) string {
	msg := err.Error()
	prefix := order.ErrValidation.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}
