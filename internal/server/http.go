package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"dexledger/internal/asset"
	"dexledger/internal/core"
	"dexledger/internal/ingestion"
	"dexledger/internal/ledger"
	"dexledger/internal/observability"
	"dexledger/internal/query"
	"dexledger/internal/state"
)

// Server exposes the exchange over HTTP: write commands go through the
// dispatcher into the exchange loop, history reads hit the projection
// tables, and /ws streams applied records.
type Server struct {
	dispatcher *core.Dispatcher
	queries    *query.Service
	assets     *asset.Registry
	hub        *Hub
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	logger     zerolog.Logger
	router     *mux.Router
	httpServer *http.Server
}

type ServerDeps struct {
	Dispatcher    *core.Dispatcher
	QueryService  *query.Service
	Assets        *asset.Registry
	Hub           *Hub
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

func NewServer(deps *ServerDeps) *Server {
	s := &Server{
		dispatcher: deps.Dispatcher,
		queries:    deps.QueryService,
		assets:     deps.Assets,
		hub:        deps.Hub,
		health:     deps.HealthChecker,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		router:     mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()

	// Write commands
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/fill", s.handleFillOrder).Methods("POST")

	// Live reads served by the exchange loop
	api.HandleFunc("/balances/{asset}/{account}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/orders/count", s.handleOrdersCount).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/exchange", s.handleExchangeInfo).Methods("GET")

	// History reads served by the projections
	api.HandleFunc("/accounts/{account}/orders", s.handleOrdersByCreator).Methods("GET")
	api.HandleFunc("/accounts/{account}/entries", s.handleEntryHistory).Methods("GET")
	api.HandleFunc("/trades", s.handleTrades).Methods("GET")
	api.HandleFunc("/integrity", s.handleIntegrity).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.LivenessHandler).Methods("GET")
		s.router.HandleFunc("/readyz", s.health.ReadinessHandler).Methods("GET")
	}
}

// Start runs the HTTP server until ctx ends, then drains with a 5s grace
// period.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// --- Write handlers ---

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.submitCommand(w, r, "Deposit")
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.submitCommand(w, r, "Withdraw")
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	s.submitCommand(w, r, "CreateOrder")
}

// submitCommand parses the request body with the same wire format the
// NATS ingestion surface uses, then runs the command through the
// exchange loop.
func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request, commandType string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	cmd, err := ingestion.ParseRawCommand(ingestion.RawCommand{Data: body}, commandType)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	record, err := s.dispatcher.Submit(r.Context(), cmd)
	if err != nil {
		s.respondCommandError(w, commandType, err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}

type cancelRequest struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathOrderID(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request_id", err.Error())
		return
	}
	account, err := uuid.Parse(req.Account)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", err.Error())
		return
	}

	record, err := s.dispatcher.Submit(r.Context(), core.CancelOrderCmd{
		RequestID: requestID,
		Account:   account,
		OrderID:   orderID,
	})
	if err != nil {
		s.respondCommandError(w, "CancelOrder", err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}

type fillRequest struct {
	RequestID string `json:"request_id"`
	Filler    string `json:"filler"`
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathOrderID(w, r)
	if !ok {
		return
	}

	var req fillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request_id", err.Error())
		return
	}
	filler, err := uuid.Parse(req.Filler)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid filler", err.Error())
		return
	}

	record, err := s.dispatcher.Submit(r.Context(), core.FillOrderCmd{
		RequestID: requestID,
		Filler:    filler,
		OrderID:   orderID,
	})
	if err != nil {
		s.respondCommandError(w, "FillOrder", err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// --- Live read handlers ---

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account, err := uuid.Parse(vars["account"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", err.Error())
		return
	}

	value, err := s.dispatcher.Submit(r.Context(), core.GetBalanceCmd{
		Asset:   vars["asset"],
		Account: account,
	})
	if err != nil {
		s.respondCommandError(w, "GetBalance", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"account": account.String(),
		"asset":   vars["asset"],
		"balance": value.(*uint256.Int).Dec(),
	})
}

type orderJSON struct {
	OrderID    uint64  `json:"order_id"`
	Creator    string  `json:"creator"`
	TokenGet   string  `json:"token_get"`
	AmountGet  string  `json:"amount_get"`
	TokenGive  string  `json:"token_give"`
	AmountGive string  `json:"amount_give"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
	ClosedAt   *string `json:"closed_at,omitempty"`
}

func (s *Server) orderToJSON(o state.Order) orderJSON {
	out := orderJSON{
		OrderID:    o.ID,
		Creator:    o.Creator.String(),
		TokenGet:   s.assets.Name(o.TokenGet),
		AmountGet:  o.AmountGet.Dec(),
		TokenGive:  s.assets.Name(o.TokenGive),
		AmountGive: o.AmountGive.Dec(),
		Status:     o.Status.String(),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339Nano),
	}
	if !o.ClosedAt.IsZero() {
		closed := o.ClosedAt.Format(time.RFC3339Nano)
		out.ClosedAt = &closed
	}
	return out
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathOrderID(w, r)
	if !ok {
		return
	}

	value, err := s.dispatcher.Submit(r.Context(), core.GetOrderCmd{OrderID: orderID})
	if err != nil {
		s.respondCommandError(w, "GetOrder", err)
		return
	}

	respondJSON(w, http.StatusOK, s.orderToJSON(value.(state.Order)))
}

func (s *Server) handleOrdersCount(w http.ResponseWriter, r *http.Request) {
	value, err := s.dispatcher.Submit(r.Context(), core.OrdersCountCmd{})
	if err != nil {
		s.respondCommandError(w, "OrdersCount", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]uint64{"count": value.(uint64)})
}

func (s *Server) handleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	value, err := s.dispatcher.Submit(r.Context(), core.ExchangeInfoCmd{})
	if err != nil {
		s.respondCommandError(w, "ExchangeInfo", err)
		return
	}

	info := value.(core.ExchangeInfo)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"fee_account": info.FeeAccount.String(),
		"fee_percent": info.FeePercent,
		"sequence":    info.Sequence,
		"state_hash":  hexHash(info.StateHash),
		"orders":      info.Orders,
		"assets":      s.assets.Symbols(),
	})
}

// --- History handlers ---

func (s *Server) handleOrdersByCreator(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(mux.Vars(r)["account"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", err.Error())
		return
	}
	limit, before := pageParams(r)

	orders, err := s.queries.GetOrdersByCreator(r.Context(), account, limit, before)
	if err != nil {
		s.respondQueryError(w, "orders_by_creator", err)
		return
	}

	s.countQuery("orders_by_creator", "ok")
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleEntryHistory(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(mux.Vars(r)["account"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", err.Error())
		return
	}
	limit, before := pageParams(r)

	entries, err := s.queries.GetEntryHistory(r.Context(), account, limit, before)
	if err != nil {
		s.respondQueryError(w, "entries", err)
		return
	}

	s.countQuery("entries", "ok")
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, before := pageParams(r)

	trades, err := s.queries.GetTrades(r.Context(), limit, before)
	if err != nil {
		s.respondQueryError(w, "trades", err)
		return
	}

	s.countQuery("trades", "ok")
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.respondQueryError(w, "integrity", err)
		return
	}

	s.countQuery("integrity", "ok")
	respondJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func (s *Server) pathOrderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, *uint64) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}

	var before *uint64
	if raw := r.URL.Query().Get("before"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			before = &v
		}
	}

	return limit, before
}

// respondCommandError maps the exchange sentinels to HTTP statuses.
func (s *Server) respondCommandError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrDuplicateRequest):
		status = http.StatusConflict
	case errors.Is(err, state.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, state.ErrNotOrderCreator):
		status = http.StatusForbidden
	case errors.Is(err, state.ErrOrderNotOpen):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, asset.ErrUnauthorizedTransfer):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, asset.ErrUnknownAsset):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNonPositiveAmount):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrAmountOverflow):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("command failed")
	}

	respondError(w, status, op+" rejected", err.Error())
}

func (s *Server) respondQueryError(w http.ResponseWriter, endpoint string, err error) {
	s.countQuery(endpoint, "error")
	s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
	respondError(w, http.StatusInternalServerError, "query failed", err.Error())
}

func (s *Server) countQuery(endpoint, status string) {
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	}
}

func hexHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Error:   error,
		Message: message,
	})
}
