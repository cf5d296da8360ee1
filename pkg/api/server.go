package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/app/core/market"
	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
	"github.com/uhyunpark/hyperroute/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperroute/pkg/app/hybrid"
	"github.com/uhyunpark/hyperroute/pkg/storage"
)

type Admission interface {
	SubmitOrder(req order.Order) (*hybrid.OrderHandle, error)
	CancelOrder(id string) bool
	Lookup(id string) (*hybrid.OrderHandle, bool)
	Depths() [order.NumPriorities]int
	InFlight() int
	BatchSize() int
}

type Markets interface {
	ListMarkets() []*market.Market
	GetMarket(symbol string) (*market.Market, error)
	UpdateMarketStatus(symbol string, status market.MarketStatus) (*market.Market, error)
}

type Books interface {
	Levels(pair string, depth int) (bids, asks []orderbook.PriceLevel, err error)
	LastPrice(pair string) float64
	Order(id string) (order.Order, bool)
}

// History serves orders and fills that are no longer live.
type History interface {
	LoadResult(orderID string) (storage.ResultRecord, bool, error)
	LoadFills(orderID string) ([]order.Fill, error)
	LoadRecentFills(pair string, limit int) ([]order.Fill, error)
}

type Config struct {
	AllowedOrigins []string
	WaitTimeout    time.Duration // cap on ?wait submissions
	DefaultDepth   int
}

func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		WaitTimeout:    10 * time.Second,
		DefaultDepth:   20,
	}
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg     Config
	app     Admission
	markets Markets
	books   Books
	history History // optional
	metrics prometheus.Gatherer

	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer wires routes and starts the WebSocket hub, which lives until
// ctx ends. history and metrics may be nil.
func NewServer(ctx context.Context, cfg Config, app Admission, markets Markets, books Books,
	history History, metrics prometheus.Gatherer, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.DefaultDepth <= 0 {
		cfg.DefaultDepth = DefaultConfig().DefaultDepth
	}
	s := &Server{
		cfg:     cfg,
		app:     app,
		markets: markets,
		books:   books,
		history: history,
		metrics: metrics,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		log:     logger,
	}
	go s.hub.Run(ctx)
	s.setupRoutes(ctx)
	return s
}

// Hub exposes the fill broadcaster so it can be registered as a settlement
// writer.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes(ctx context.Context) {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/status", s.handleSetMarketStatus).Methods("POST")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/fills", s.handleGetFills).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.ServeWS(ctx))
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Serve listens on addr until ctx ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infow("api_listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func marketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Symbol:         m.Symbol,
		BaseAsset:      m.BaseAsset,
		QuoteAsset:     m.QuoteAsset,
		Status:         m.Status.String(),
		TickSize:       m.TickSize,
		MinChunk:       m.MinChunk,
		MaxChunk:       m.MaxChunk,
		MaxPriceImpact: m.MaxPriceImpact,
		MaxSlippage:    m.MaxSlippage,
		IterationCap:   m.IterationCap,
		Shard:          m.Shard,
		AMMTimeoutMs:   m.AMMTimeout.Milliseconds(),
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.markets.ListMarkets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.markets.GetMarket(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, marketInfo(m))
}

// handleSetMarketStatus pauses, resumes or delists a market.
func (s *Server) handleSetMarketStatus(w http.ResponseWriter, r *http.Request) {
	var req MarketStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	status, err := market.ParseMarketStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid status", err.Error())
		return
	}

	symbol := mux.Vars(r)["symbol"]
	m, err := s.markets.UpdateMarketStatus(symbol, status)
	switch {
	case errors.Is(err, order.ErrUnknownPair):
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusConflict, "status change refused", err.Error())
		return
	}
	s.log.Infow("market_status_changed", "symbol", symbol, "status", m.Status.String())
	respondJSON(w, marketInfo(m))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth, err := queryInt(r, "depth", s.cfg.DefaultDepth)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}

	bidLevels, askLevels, err := s.books.Levels(symbol, depth)
	if err != nil {
		respondError(w, http.StatusNotFound, "orderbook not found", err.Error())
		return
	}

	response := OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      priceLevels(bidLevels),
		Asks:      priceLevels(askLevels),
		LastPrice: s.books.LastPrice(symbol),
		Timestamp: time.Now().UnixMilli(),
	}
	respondJSON(w, response)
}

func priceLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Size: l.Amount, Orders: l.Orders}
	}
	return out
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, err := s.markets.GetMarket(symbol); err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	if s.history == nil {
		respondJSON(w, []order.Fill{})
		return
	}
	fills, err := s.history.LoadRecentFills(symbol, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "fill history unavailable", err.Error())
		return
	}
	if fills == nil {
		fills = []order.Fill{}
	}
	respondJSON(w, fills)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	o, err := req.toOrder()
	if err != nil {
		respondJSON(w, SubmitOrderResponse{Status: "rejected", Message: err.Error()}, http.StatusBadRequest)
		return
	}

	h, err := s.app.SubmitOrder(o)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, order.ErrMarketPaused):
			status = http.StatusConflict
		case !errors.Is(err, order.ErrValidation) && !errors.Is(err, order.ErrUnknownPair):
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, SubmitOrderResponse{Status: "rejected", Message: err.Error()}, status)
		return
	}
	s.log.Debugw("api_order_submitted", "id", h.ID(), "pair", o.Pair, "wait", req.Wait)

	if !req.Wait {
		respondJSON(w, SubmitOrderResponse{Status: "submitted", OrderID: h.ID()}, http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WaitTimeout)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil && ctx.Err() != nil {
		// still routing; the client can poll GET /orders/{id}
		info := handleInfo(h)
		respondJSON(w, SubmitOrderResponse{Status: "submitted", OrderID: h.ID(), Order: &info}, http.StatusAccepted)
		return
	}
	info := handleInfo(h)
	respondJSON(w, SubmitOrderResponse{Status: "resolved", OrderID: h.ID(), Order: &info})
}

func (req SubmitOrderRequest) toOrder() (order.Order, error) {
	side, err := order.ParseSide(req.Side)
	if err != nil {
		return order.Order{}, &order.ValidationError{Field: "side", Reason: err.Error()}
	}
	kind, err := order.ParseKind(req.Kind)
	if err != nil {
		return order.Order{}, &order.ValidationError{Field: "kind", Reason: err.Error()}
	}
	tif, err := order.ParseTimeInForce(req.TIF)
	if err != nil {
		return order.Order{}, &order.ValidationError{Field: "tif", Reason: err.Error()}
	}
	prio, err := order.ParsePriority(req.Priority)
	if err != nil {
		return order.Order{}, &order.ValidationError{Field: "priority", Reason: err.Error()}
	}
	o := order.New("", req.Pair, side, kind, tif, req.Amount, req.LimitPrice)
	o.Priority = prio
	o.Owner = req.Owner
	return *o, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}

	if !s.app.CancelOrder(req.OrderID) {
		respondError(w, http.StatusNotFound, "order not cancellable", "unknown or already final")
		return
	}
	s.log.Infow("api_order_cancelled", "id", req.OrderID)
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": req.OrderID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h, ok := s.app.Lookup(id); ok {
		respondJSON(w, handleInfo(h))
		return
	}
	if s.history != nil {
		rec, ok, err := s.history.LoadResult(id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "order history unavailable", err.Error())
			return
		}
		if ok {
			info := recordInfo(rec)
			if fills, err := s.history.LoadFills(id); err == nil && fills != nil {
				info.Fills = fills
			}
			// a rested remainder may have filled or been cancelled since
			if o, resting := s.books.Order(id); resting {
				info.Status = o.Status.String()
				info.Filled = o.Filled
				info.Remaining = o.Remaining
			}
			respondJSON(w, info)
			return
		}
	}
	if o, ok := s.books.Order(id); ok {
		respondJSON(w, OrderInfo{
			ID: o.ID, Pair: o.Pair, Status: o.Status.String(), Resolved: true,
			Filled: o.Filled, Remaining: o.Remaining, Rested: true, Fills: []order.Fill{},
		})
		return
	}
	respondError(w, http.StatusNotFound, "order not found", id)
}

func handleInfo(h *hybrid.OrderHandle) OrderInfo {
	res, err, resolved := h.Result()
	filled, remaining := h.Progress()
	info := OrderInfo{
		ID:        h.ID(),
		Pair:      h.Pair(),
		Status:    h.Status().String(),
		Resolved:  resolved,
		Filled:    filled,
		Remaining: remaining,
		Fills:     h.Fills(),
	}
	info.AveragePrice = order.AveragePrice(info.Fills)
	if err != nil {
		info.Error = err.Error()
	}
	if res != nil {
		info.AveragePrice = res.AveragePrice
		info.Iterations = res.Iterations
		info.BookChunks = res.BookChunks
		info.AMMChunks = res.AMMChunks
		info.Rested = res.Rested
		if res.Condition != nil {
			info.Condition = res.Condition.Error()
		}
	}
	return info
}

func recordInfo(rec storage.ResultRecord) OrderInfo {
	return OrderInfo{
		ID:           rec.Order.ID,
		Pair:         rec.Order.Pair,
		Status:       rec.Status.String(),
		Resolved:     true,
		Filled:       rec.TotalFilled,
		Remaining:    rec.Remaining,
		AveragePrice: rec.AveragePrice,
		Iterations:   rec.Iterations,
		BookChunks:   rec.BookChunks,
		AMMChunks:    rec.AMMChunks,
		Rested:       rec.Rested,
		Condition:    rec.Condition,
		Fills:        []order.Fill{},
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depths := s.app.Depths()
	queued := make(map[string]int, len(depths))
	for t, n := range depths {
		queued[order.Priority(t).String()] = n
	}
	respondJSON(w, HealthStatus{
		Status:    "ok",
		Queued:    queued,
		InFlight:  s.app.InFlight(),
		BatchSize: s.app.BatchSize(),
	})
}

// ==============================
// Helper Functions
// ==============================

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, data any, status ...int) {
	w.Header().Set("Content-Type", "application/json")
	if len(status) > 0 {
		w.WriteHeader(status[0])
	}
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, ErrorResponse{Error: error, Message: message}, status)
}
