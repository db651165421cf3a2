package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dante4rt/tuition-escrow-dapp/internal/admin"
	"github.com/dante4rt/tuition-escrow-dapp/internal/config"
	"github.com/dante4rt/tuition-escrow-dapp/internal/deposit"
	"github.com/dante4rt/tuition-escrow-dapp/internal/escrow"
	"github.com/dante4rt/tuition-escrow-dapp/internal/hmacauth"
	"github.com/dante4rt/tuition-escrow-dapp/internal/idempotency"
	"github.com/dante4rt/tuition-escrow-dapp/internal/logger"
	"github.com/dante4rt/tuition-escrow-dapp/internal/notify"
	"github.com/dante4rt/tuition-escrow-dapp/internal/payments"
	"github.com/dante4rt/tuition-escrow-dapp/internal/units"
	"github.com/dante4rt/tuition-escrow-dapp/internal/wallet"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	headerReplayed       = "Idempotent-Replayed"

	healthTimeout   = 2 * time.Second
	eventBuffer     = 32
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	maxRequestBytes = 1 << 16
)

// PaymentsView is the payment view-model as the API uses it.
type PaymentsView interface {
	Snapshot() payments.Snapshot
	Refresh(ctx context.Context) error
	Release(ctx context.Context, id common.Hash) (*payments.Action, error)
	Refund(ctx context.Context, id common.Hash) (*payments.Action, error)
}

// Deposits is the deposit controller as the API uses it.
type Deposits interface {
	Start(ctx context.Context, form deposit.Form) error
	Snapshot() deposit.Snapshot
	Universities() []deposit.University
	Balance(ctx context.Context) (deposit.Balance, error)
}

type Sessions interface {
	Session() wallet.Session
}

type AdminStatus interface {
	Status() admin.Status
}

type Events interface {
	Subscribe(buffer int) (<-chan notify.Notification, func())
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Deps are the components the API serves.
type Deps struct {
	Payments PaymentsView
	Deposits Deposits
	Sessions Sessions
	Admin    AdminStatus
	Events   Events
	Chain    HealthChecker
	Store    idempotency.Store
	Metrics  *Metrics
}

type Server struct {
	cfg        config.ServiceConfig
	deps       Deps
	lggr       logger.Logger
	hmac       *hmacauth.Verifier
	metrics    *Metrics
	upgrader   websocket.Upgrader
	router     *mux.Router
	httpServer *http.Server

	inflightMu sync.Mutex
	inflight   map[string]chan struct{}
}

func NewServer(cfg config.ServiceConfig, deps Deps, lggr logger.Logger) *Server {
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		lggr:     lggr.Named("server"),
		metrics:  deps.Metrics,
		inflight: make(map[string]chan struct{}),
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.HMACSecret,
		MaxSkew: cfg.HMACClockSkew,
		MaxBody: maxRequestBytes,
		OnReject: func(r *http.Request, err error) {
			s.metrics.incAuthRejection()
			s.lggr.Warnw("Rejected write request", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
		},
	}
	if !s.hmac.Enabled() {
		s.lggr.Warnw("API_HMAC_SECRET not set, write endpoints accept loopback clients only")
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/universities", s.handleUniversities).Methods(http.MethodGet)
	api.HandleFunc("/token", s.handleToken).Methods(http.MethodGet)
	api.HandleFunc("/deposits/current", s.handleCurrentDeposit).Methods(http.MethodGet)
	api.HandleFunc("/payments", s.handlePayments).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	write := api.Methods(http.MethodPost).Subrouter()
	write.Use(s.hmac.Middleware, s.idempotent)
	write.HandleFunc("/deposits", s.handleStartDeposit)
	write.HandleFunc("/payments/refresh", s.handleRefresh)
	write.HandleFunc("/payments/{id}/{action:release|refund}", s.handleAction)

	// preflight
	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions)
	s.router = r

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSAllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", headerIdempotencyKey, headerRequestID, hmacauth.HeaderSignature, hmacauth.HeaderTimestamp}),
		handlers.ExposedHeaders([]string{headerRequestID, headerReplayed}),
	)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           cors(r),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the full HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.lggr.Infow("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Serve runs the server until ctx is done, then shuts it down within the
// configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.lggr.Infow("Shutting down API", "timeout", timeout)
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type sessionResponse struct {
	wallet.Session
	Admin admin.Status `json:"admin"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{
		Session: s.deps.Sessions.Session(),
		Admin:   s.deps.Admin.Status(),
	})
}

func (s *Server) handleUniversities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Deposits.Universities())
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Deposits.Balance(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCurrentDeposit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Deposits.Snapshot())
}

func (s *Server) handleStartDeposit(w http.ResponseWriter, r *http.Request) {
	var form deposit.Form
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if err := s.deps.Deposits.Start(r.Context(), form); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Deposits.Snapshot())
}

func (s *Server) handlePayments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Payments.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	// a client hanging up must not leave a canceled pass as the newest result
	if err := s.deps.Payments.Refresh(context.WithoutCancel(r.Context())); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Payments.Snapshot())
}

type actionResponse struct {
	PaymentID common.Hash         `json:"paymentId"`
	Kind      payments.ActionKind `json:"kind"`
	TxHash    common.Hash         `json:"txHash"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := parsePaymentID(vars["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// the action outlives the request
	ctx := context.WithoutCancel(r.Context())
	var action *payments.Action
	if payments.ActionKind(vars["action"]) == payments.ActionRefund {
		action, err = s.deps.Payments.Refund(ctx, id)
	} else {
		action, err = s.deps.Payments.Release(ctx, id)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{PaymentID: action.PaymentID, Kind: action.Kind, TxHash: action.Tx})
}

func parsePaymentID(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, errors.New("payment id must be a 0x-prefixed 32-byte hex string")
	}
	return common.BytesToHash(b), nil
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrNotAdmin):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, payments.ErrActionInFlight),
		errors.Is(err, deposit.ErrFlowBusy),
		errors.Is(err, wallet.ErrNotConnected),
		errors.Is(err, wallet.ErrWrongNetwork),
		errors.Is(err, wallet.ErrDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deposit.ErrMissingFields),
		errors.Is(err, deposit.ErrInvalidUniversity),
		errors.Is(err, deposit.ErrZeroAmount),
		errors.Is(err, units.ErrEmptyAmount),
		errors.Is(err, units.ErrInvalidAmount),
		errors.Is(err, units.ErrNegativeAmount),
		errors.Is(err, units.ErrTooManyDecimals):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrEscrowNotConfigured),
		errors.Is(err, escrow.ErrTokenNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.lggr.Warnw("Request failed", "err", err)
		writeError(w, http.StatusBadGateway, escrow.ShortMessage(err))
	}
}

type rpcHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type paymentsHealth struct {
	Count     int       `json:"count"`
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overallHealthy := true

	rpcInfo := rpcHealth{Connected: true}
	if s.deps.Chain != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.deps.Chain.Ping(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	snap := s.deps.Payments.Snapshot()
	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string         `json:"status"`
		RPC      rpcHealth      `json:"rpc"`
		Payments paymentsHealth `json:"payments"`
		Wallet   wallet.Session `json:"wallet"`
	}{
		Status: status,
		RPC:    rpcInfo,
		Payments: paymentsHealth{
			Count:     len(snap.Payments),
			Loading:   snap.Loading,
			Error:     snap.Error,
			UpdatedAt: snap.UpdatedAt,
		},
		Wallet: s.deps.Sessions.Session(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// handleEvents streams notifications to a websocket client until it
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lggr.Debugw("Websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Events.Subscribe(eventBuffer)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case n, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				s.lggr.Debugw("Websocket write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSAllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// idempotent replays the stored response for a repeated X-Idempotency-Key.
// Keys are scoped to the request path; 5xx responses are not stored. A
// request whose key is already being served waits for that request and then
// replays its response.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		key = r.URL.Path + "|" + key
		ctx := r.Context()

		release, err := s.reserve(ctx, key)
		if err != nil {
			// client went away while waiting
			return
		}
		defer release()

		if existing, _ := s.deps.Store.Get(ctx, key); existing != nil {
			s.metrics.incReplay()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			return
		}
		now := time.Now()
		record := idempotency.Record{
			StatusCode: rec.status,
			Response:   rec.body,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.cfg.IdempotencyWindow),
		}
		if err := s.deps.Store.Save(ctx, key, record); err != nil {
			s.lggr.Warnw("Failed to store idempotent response", "key", key, "err", err)
		}
	})
}

// reserve claims key until release is called, waiting while another request
// holds it.
func (s *Server) reserve(ctx context.Context, key string) (release func(), err error) {
	for {
		s.inflightMu.Lock()
		busy, ok := s.inflight[key]
		if !ok {
			done := make(chan struct{})
			s.inflight[key] = done
			s.inflightMu.Unlock()
			return func() {
				s.inflightMu.Lock()
				delete(s.inflight, key)
				s.inflightMu.Unlock()
				close(done)
			}, nil
		}
		s.inflightMu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// instrument counts requests by route template and logs them at debug.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.incRequest(route, rec.status)
		s.lggr.Debugw("Request served", "method", r.Method, "route", route, "status", rec.status,
			"took", time.Since(start), "requestId", r.Header.Get(headerRequestID))
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerRequestID) == "" {
			r.Header.Set(headerRequestID, uuid.NewString())
		}
		w.Header().Set(headerRequestID, r.Header.Get(headerRequestID))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
