// Package api exposes the venue over REST and streams bus events over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core/events"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/app/core/market"
	"github.com/uhyunpark/clearcore/pkg/app/core/matching"
	"github.com/uhyunpark/clearcore/pkg/app/core/position"
	"github.com/uhyunpark/clearcore/pkg/app/venue"
	"github.com/uhyunpark/clearcore/pkg/metrics"
)

const (
	defaultDepth = 50
	defaultLimit = 50
	maxLimit     = 500
)

// Server handles REST API and WebSocket connections
type Server struct {
	venue   *venue.Venue
	router  *mux.Router
	hub     *Hub
	metrics *metrics.Metrics
	origins []string
	log     *zap.SugaredLogger
}

type Option func(*Server)

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = l } }

// WithMetrics serves the registry on /metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

func NewServer(v *venue.Venue, opts ...Option) *Server {
	s := &Server{
		venue:  v,
		router: mux.NewRouter(),
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.log)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{symbol}/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/stats", s.handleGetAllStats).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{account}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{account}/balances/{asset}/entries", s.handleGetEntries).Methods("GET")
	api.HandleFunc("/accounts/{account}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{account}/fees", s.handleGetFees).Methods("GET")
	api.HandleFunc("/accounts/{account}/fees/override", s.handleSetFeeOverride).Methods("PUT")
	api.HandleFunc("/accounts/{account}/fees/override", s.handleRemoveFeeOverride).Methods("DELETE")
	api.HandleFunc("/accounts/{account}/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{account}/withdrawals", s.handleWithdraw).Methods("POST")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{symbol}/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{symbol}/{id}", s.handleDeleteOrder).Methods("DELETE")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

func (s *Server) Hub() *Hub { return s.hub }

// Run serves addr until ctx ends, streaming events from sub to WebSocket clients.
func (s *Server) Run(ctx context.Context, addr string, sub *events.Subscription) error {
	go s.hub.Run(ctx)
	if sub != nil {
		go s.hub.Feed(ctx, sub)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// Markets
// ==============================

func marketInfo(m market.Market) MarketInfo {
	return MarketInfo{
		Symbol:      m.Symbol,
		BaseAsset:   m.BaseAsset,
		QuoteAsset:  m.QuoteAsset,
		Status:      m.Status.String(),
		TickSize:    m.TickSize,
		LotSize:     m.LotSize,
		MinNotional: m.MinNotional,
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.venue.Markets().ListMarkets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.venue.Markets().GetMarket(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, marketInfo(m))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth, err := queryInt(r, "depth", defaultDepth)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}
	snap, err := s.venue.Engine().Snapshot(symbol, depth)
	if err != nil {
		respondError(w, http.StatusNotFound, "orderbook not found", err.Error())
		return
	}

	bids := make([]PriceLevel, len(snap.Bids))
	for i, l := range snap.Bids {
		bids[i] = PriceLevel{Price: l.Price, Size: l.Quantity, Orders: l.Orders}
	}
	asks := make([]PriceLevel, len(snap.Asks))
	for i, l := range snap.Asks {
		asks[i] = PriceLevel{Price: l.Price, Size: l.Quantity, Orders: l.Orders}
	}
	respondJSON(w, OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Sequence:  snap.Sequence,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.venue.Markets().Exists(symbol) {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	trades, err := s.venue.Trades().RecentTrades(r.Context(), symbol, capLimit(limit))
	if err != nil {
		s.serverError(w, "load trades", err)
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = tradeInfo(t)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if !s.venue.Markets().Exists(symbol) {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}
	st, _ := s.venue.Trades().Stats(symbol)
	st.Symbol = symbol
	respondJSON(w, statsInfo(st))
}

func (s *Server) handleGetAllStats(w http.ResponseWriter, r *http.Request) {
	all := s.venue.Trades().AllStats()
	response := make([]StatsInfo, len(all))
	for i, st := range all {
		response[i] = statsInfo(st)
	}
	respondJSON(w, response)
}

// ==============================
// Accounts
// ==============================

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.venue.Ledger().Balances(r.Context(), mux.Vars(r)["account"])
	if err != nil {
		s.serverError(w, "load balances", err)
		return
	}
	response := make([]BalanceInfo, len(balances))
	for i, b := range balances {
		response[i] = BalanceInfo{Asset: b.Asset, Available: b.Available, Held: b.Held, Total: b.Total()}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	entries, err := s.venue.Ledger().Entries(r.Context(), vars["account"], vars["asset"], capLimit(limit))
	if err != nil {
		s.serverError(w, "load entries", err)
		return
	}
	response := make([]EntryInfo, len(entries))
	for i, e := range entries {
		response[i] = EntryInfo{
			ID:            e.ID,
			Type:          string(e.Type),
			Amount:        e.Amount,
			Available:     e.Available,
			Held:          e.Held,
			ReferenceType: e.ReferenceType,
			ReferenceID:   e.ReferenceID,
			Timestamp:     e.CreatedAt.UnixMilli(),
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	tracker := s.venue.Positions()
	if tracker == nil {
		respondJSON(w, []position.Position{})
		return
	}
	positions := tracker.List(mux.Vars(r)["account"])
	if positions == nil {
		positions = []position.Position{}
	}
	respondJSON(w, positions)
}

func (s *Server) handleGetFees(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	calc := s.venue.Fees()
	rates := calc.GetFeeRates(account)
	respondJSON(w, FeeInfo{
		AccountID: account,
		MakerBps:  rates.MakerBps,
		TakerBps:  rates.TakerBps,
		Source:    rates.Source,
		Tier:      rates.Tier,
		Volume30d: calc.Volume(account),
	})
}

func (s *Server) handleSetFeeOverride(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req FeeOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	o := fees.Override{AccountID: account, MakerBps: req.MakerBps, TakerBps: req.TakerBps, ExpiresAt: req.ExpiresAt}
	if err := s.venue.Fees().SetOverride(o); err != nil {
		respondError(w, http.StatusBadRequest, "invalid override", err.Error())
		return
	}
	s.log.Infow("fee_override_set", "account", account, "maker_bps", req.MakerBps, "taker_bps", req.TakerBps)
	respondJSON(w, o)
}

func (s *Server) handleRemoveFeeOverride(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	s.venue.Fees().RemoveOverride(account)
	s.log.Infow("fee_override_removed", "account", account)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.venue.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.venue.Withdraw)
}

type transferFunc func(ctx context.Context, accountID, asset string, amount decimal.Decimal) error

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, fn transferFunc) {
	account := mux.Vars(r)["account"]
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Asset == "" {
		respondError(w, http.StatusBadRequest, "missing asset", "")
		return
	}
	if err := fn(r.Context(), account, req.Asset, req.Amount); err != nil {
		s.respondErr(w, err)
		return
	}
	b, err := s.venue.Ledger().Balance(r.Context(), account, req.Asset)
	if err != nil {
		s.serverError(w, "load balance", err)
		return
	}
	respondJSON(w, BalanceInfo{Asset: b.Asset, Available: b.Available, Held: b.Held, Total: b.Total()})
}

// ==============================
// Orders
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	res, err := s.venue.PlaceOrder(r.Context(), venue.OrderRequest{
		ID:          req.ID,
		AccountID:   req.Account,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Price:       req.Price,
		Quantity:    req.Size,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	status := "open"
	if !res.Resting {
		status = string(res.Done)
	}
	execs := make([]ExecutionInfo, len(res.Executions))
	for i, e := range res.Executions {
		execs[i] = ExecutionInfo{
			ID:           e.ID,
			Price:        e.Price,
			Size:         e.Quantity,
			MakerOrderID: e.MakerOrderID,
			MakerSide:    e.MakerSide.String(),
		}
	}
	respondJSON(w, SubmitOrderResponse{Order: orderInfo(res.Order, status), Executions: execs})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	o, ok := s.venue.Engine().Order(vars["symbol"], vars["id"])
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", vars["id"])
		return
	}
	respondJSON(w, orderInfo(o, "open"))
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.cancel(w, r, vars["symbol"], vars["id"])
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" || req.Symbol == "" {
		respondError(w, http.StatusBadRequest, "missing symbol or orderId", "")
		return
	}
	s.cancel(w, r, req.Symbol, req.OrderID)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, symbol, orderID string) {
	ok, err := s.venue.CancelOrder(r.Context(), symbol, orderID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", orderID)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": orderID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":         "ok",
		"markets":        s.venue.Markets().Count(),
		"pending_trades": s.venue.Trades().Pending(),
		"ws_clients":     s.hub.Clients(),
	})
}

// ==============================
// Helper Functions
// ==============================

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// capLimit bounds list queries; zero asks for the largest page.
func capLimit(n int) int {
	if n == 0 || n > maxLimit {
		return maxLimit
	}
	return n
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrUnknownMarket):
		return http.StatusNotFound
	case errors.Is(err, matching.ErrDuplicateOrder), errors.Is(err, ledger.ErrHoldExists):
		return http.StatusConflict
	case errors.Is(err, venue.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, venue.ErrNoLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, venue.ErrInvalidOrder),
		errors.Is(err, matching.ErrInvalidOrder),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.serverError(w, "request failed", err)
		return
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.log.Errorw("api_error", "msg", msg, "err", err)
	respondError(w, http.StatusInternalServerError, msg, err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
