// Package server exposes the escrow manager over HTTP under /api.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowcore/internal/config"
	coreerr "escrowcore/internal/errors"
	"escrowcore/internal/escrow"
	"escrowcore/internal/hmacauth"
	"escrowcore/internal/idempotency"
	"escrowcore/internal/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	opCreate  = "create"
	opCancel  = "cancel"
	opSummary = "summary"
)

// EscrowService is the part of the escrow manager the server calls.
type EscrowService interface {
	Create(ctx context.Context, req escrow.CreateRequest) (escrow.CreateResult, error)
	Cancel(ctx context.Context, req escrow.CancelRequest) (escrow.CancelResult, error)
	Summary(ctx context.Context) (escrow.Summary, error)
}

type Server struct {
	cfg            *config.AppConfig
	escrow         EscrowService
	store          idempotency.Store
	hmac           *hmacauth.Verifier
	httpServer     *http.Server
	metrics        *metricsRegistry
	log            zerolog.Logger
	now            func() time.Time
	dbHealthFn     func(context.Context) error
	ledgerHealthFn func(context.Context) error
	inflight       singleflight.Group
}

// Option customizes a Server.
type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithLedgerHealth reports ledger connectivity on /api/health.
func WithLedgerHealth(hc ledger.HealthChecker) Option {
	return func(s *Server) {
		if hc != nil {
			s.ledgerHealthFn = hc.Ping
		}
	}
}

// WithRegistry registers the server metrics on r and serves r on
// /api/metrics, so collectors registered elsewhere are exposed too.
func WithRegistry(r *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = newMetricsRegistry(r)
	}
}

func NewServer(cfg *config.AppConfig, svc EscrowService, store idempotency.Store, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		escrow: svc,
		store:  store,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetricsRegistry(nil)
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnError: writeError,
	}
	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/escrow", s.route("escrow", s.hmac.Middleware(http.HandlerFunc(s.handleCreate))))
	mux.Handle("/api/escrow/cancel", s.route("escrow_cancel", s.hmac.Middleware(http.HandlerFunc(s.handleCancel))))
	mux.Handle("/api/summary", s.route("summary", s.hmac.Middleware(http.HandlerFunc(s.handleSummary))))
	mux.Handle("/api/metrics", s.metrics.handler())
	mux.Handle("/api/health", s.route("health", http.HandlerFunc(s.handleHealth)))

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.log, bodyLimitMiddleware(cfg.Service.MaxBodyBytes, mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createEscrowRequest struct {
	ProjectID             flexString      `json:"projectId"`
	ParticipantAddress    flexString      `json:"participantAddress"`
	ParticipantAddressAlt flexString      `json:"participant_address"`
	AmountXRP             decimal.Decimal `json:"amountXrp"`
	FinishAfterLedgerTime *uint32         `json:"finishAfterLedgerTime"`
}

type cancelEscrowRequest struct {
	OwnerAddress  string  `json:"ownerAddress"`
	OfferSequence *uint32 `json:"offerSequence"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	s.idempotent(w, r, opCreate, func(ctx context.Context, body []byte) (any, error) {
		var payload createEscrowRequest
		if err := decodeJSON(body, &payload); err != nil {
			return nil, err
		}
		participant := string(payload.ParticipantAddress)
		if strings.TrimSpace(participant) == "" {
			participant = string(payload.ParticipantAddressAlt)
		}
		return s.escrow.Create(ctx, escrow.CreateRequest{
			ProjectID:          string(payload.ProjectID),
			ParticipantAddress: participant,
			AmountXRP:          payload.AmountXRP,
			FinishAfter:        payload.FinishAfterLedgerTime,
		})
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	s.idempotent(w, r, opCancel, func(ctx context.Context, body []byte) (any, error) {
		var payload cancelEscrowRequest
		if err := decodeJSON(body, &payload); err != nil {
			return nil, err
		}
		if payload.OfferSequence == nil {
			return nil, coreerr.ErrInvalidRequest.New("offerSequence is required")
		}
		return s.escrow.Cancel(ctx, escrow.CancelRequest{
			OwnerAddress:  payload.OwnerAddress,
			OfferSequence: *payload.OfferSequence,
		})
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	summary, err := s.escrow.Summary(r.Context())
	if err != nil {
		s.metrics.incOperation(opSummary, resultOf(err))
		writeError(w, r, err)
		return
	}
	s.metrics.incOperation(opSummary, resultOf(nil))
	writeJSON(w, http.StatusOK, summary)
}

// keyedResponse is what one execution under an idempotency key produced.
type keyedResponse struct {
	status   int
	body     []byte
	digest   string
	replayed bool
}

// idempotent runs op and answers 201 with its result. With an
// X-Idempotency-Key header the first successful response is stored and
// replayed verbatim for the configured window; failures are never stored.
// Requests that arrive while the first one for the same key is still
// running wait for it and share its outcome, so only one transaction is
// submitted. Reusing a key with a different body is refused.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, op string, run func(ctx context.Context, body []byte) (any, error)) {
	body, err := readBody(r)
	if err != nil {
		s.metrics.incOperation(op, resultOf(err))
		writeError(w, r, err)
		return
	}

	callerKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if callerKey == "" {
		result, err := run(r.Context(), body)
		if err != nil {
			s.metrics.incOperation(op, resultOf(err))
			writeError(w, r, err)
			return
		}
		resp, err := marshalResult(result)
		if err != nil {
			s.metrics.incOperation(op, resultOf(err))
			writeError(w, r, err)
			return
		}
		s.metrics.incOperation(op, resultOf(nil))
		writeRaw(w, http.StatusCreated, resp)
		return
	}

	key := idempotency.Key(op, callerKey)
	digest := idempotency.Digest(body)
	// The submission outlives a caller that gives up; its retry then
	// finds the stored response.
	ctx := context.WithoutCancel(r.Context())

	leader := false
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		leader = true
		existing, err := s.store.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("op", op).Msg("idempotency lookup failed")
		}
		if existing != nil {
			return keyedResponse{
				status:   existing.StatusCode,
				body:     existing.Response,
				digest:   existing.RequestDigest,
				replayed: true,
			}, nil
		}

		result, err := run(ctx, body)
		if err != nil {
			return nil, err
		}
		resp, err := marshalResult(result)
		if err != nil {
			return nil, err
		}
		record := idempotency.NewRecord(op, http.StatusCreated, resp, s.now(), s.cfg.Service.IdempotencyWindow)
		record.RequestDigest = digest
		if err := s.store.Save(ctx, key, record); err != nil {
			s.log.Error().Err(err).Str("op", op).Msg("idempotency save failed")
		}
		return keyedResponse{status: http.StatusCreated, body: resp, digest: digest}, nil
	})
	if err != nil {
		s.metrics.incOperation(op, resultOf(err))
		writeError(w, r, err)
		return
	}

	out := v.(keyedResponse)
	if out.digest != "" && out.digest != digest {
		writeError(w, r, coreerr.ErrIdempotencyMismatch.Newf(
			"%s was already used with a different request body", headerIdempotencyKey))
		return
	}
	if out.replayed || !leader {
		w.Header().Set(headerReplayed, "true")
		s.metrics.incReplay(op)
	} else {
		s.metrics.incOperation(op, resultOf(nil))
	}
	writeRaw(w, out.status, out.body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	ledgerInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.ledgerHealthFn != nil {
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.ledgerHealthFn(pingCtx); err != nil {
			ledgerInfo.Error = err.Error()
			overallHealthy = false
		} else {
			ledgerInfo.Connected = true
			ledgerInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		ledgerInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string      `json:"status"`
		Network  string      `json:"network"`
		Ledger   interface{} `json:"ledger"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		Network:  s.cfg.Ledger.Network,
		Ledger:   ledgerInfo,
		Database: dbInfo,
	})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		StatusCode: http.StatusMethodNotAllowed,
		Kind:       "method_not_allowed",
		Message:    "method not allowed",
	})
	return false
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return nil, coreerr.ErrInvalidRequest.Newf("request body exceeds %d bytes", tooLarge.Limit)
	}
	return nil, coreerr.ErrInvalidRequest.New("read body: " + err.Error())
}

func decodeJSON(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return coreerr.ErrInvalidRequest.New("invalid json payload: " + err.Error())
	}
	return nil
}

func marshalResult(result any) ([]byte, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

func resultOf(err error) string {
	if err == nil {
		return "success"
	}
	if root := coreerr.KindOf(err); root != nil {
		return root.Kind()
	}
	return "unknown_error"
}

// flexString accepts any JSON scalar and keeps its text. The backend has
// sent project ids as strings and numbers; addresses of the wrong type are
// kept as text so they fail validation and take the fallback path.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}
