// Package api serves the custody ledger over HTTP. Mutating routes take a
// secp256k1-signed envelope with a per-address nonce.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"confvault/internal/bank"
	"confvault/internal/fhe"
	"confvault/internal/metrics"
	"confvault/internal/storage"
	"confvault/internal/vault"
)

const maxBodyBytes = 1 << 20

// Config captures the dependencies of the server. Metrics, Gatherer and
// Health are optional.
type Config struct {
	Ledger    *vault.Ledger
	Bank      *bank.Bank
	Revealer  fhe.Revealer
	DB        storage.Database
	Metrics   *metrics.Collector
	Gatherer  prometheus.Gatherer
	Health    *HealthChecker
	RateLimit RateLimit
	Logger    zerolog.Logger
}

type Server struct {
	ledger   *vault.Ledger
	bank     *bank.Bank
	revealer fhe.Revealer
	nonces   *nonceStore
	metrics  *metrics.Collector
	health   *HealthChecker
	limiter  *ClientLimiter
	log      zerolog.Logger

	router http.Handler
}

func New(cfg Config) (*Server, error) {
	if cfg.Ledger == nil || cfg.Bank == nil || cfg.Revealer == nil || cfg.DB == nil {
		return nil, errors.New("api: ledger, bank, revealer and db are required")
	}
	s := &Server{
		ledger:   cfg.Ledger,
		bank:     cfg.Bank,
		revealer: cfg.Revealer,
		nonces:   &nonceStore{db: cfg.DB},
		metrics:  cfg.Metrics,
		health:   cfg.Health,
		log:      cfg.Logger,
	}
	var onReject func()
	if s.metrics != nil {
		onReject = s.metrics.RecordThrottle
	}
	s.limiter = NewClientLimiter(cfg.RateLimit, onReject)
	s.router = s.buildRouter(cfg.Gatherer)
	return s, nil
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler { return s.router }

// Limiter exposes the rate limiter so the daemon can prune idle clients.
func (s *Server) Limiter() *ClientLimiter { return s.limiter }

func (s *Server) buildRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(v chi.Router) {
		v.Get("/positions/{address}", s.handlePosition)
		v.Get("/accounts/{address}", s.handleAccount)
		v.Post("/stake", s.handleStake)
		v.Post("/withdrawals/request", s.handleRequestWithdraw)
		v.Post("/withdrawals/finalize", s.handleFinalizeWithdraw)
		v.Post("/reveal", s.handleReveal)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, ww.Status(), elapsed)
		}
		s.log.Debug().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pathAddress(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(Healthy)})
		return
	}
	report := s.health.CheckHealth()
	status := http.StatusOK
	if report.OverallStatus != Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type PositionResponse struct {
	Address               common.Address `json:"address"`
	BalanceHandle         fhe.Handle     `json:"balanceHandle"`
	UnlockTime            uint64         `json:"unlockTime"`
	PendingWithdrawHandle fhe.Handle     `json:"pendingWithdrawHandle"`
	State                 vault.State    `json:"state"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.ledger.Position(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PositionResponse{
		Address:               addr,
		BalanceHandle:         pos.BalanceHandle,
		UnlockTime:            pos.UnlockTime,
		PendingWithdrawHandle: pos.PendingWithdrawHandle,
		State:                 pos.State(s.ledger.Now()),
	})
}

type AccountResponse struct {
	Address common.Address `json:"address"`
	Balance string         `json:"balance"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.bank.Balance(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Address: addr, Balance: bal.Dec()})
}

type StakeRequest struct {
	Auth
	Amount      string `json:"amount"`
	LockSeconds uint64 `json:"lockSeconds"`
}

// StakeFields returns the signed fields of a stake request.
func StakeFields(amount string, lockSeconds uint64) []string {
	return []string{amount, strconv.FormatUint(lockSeconds, 10)}
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: amount: %v", errBadRequest, err))
		return
	}
	if err := s.authenticate(req.Auth, ActionStake, StakeFields(req.Amount, req.LockSeconds)...); err != nil {
		s.writeError(w, r, err)
		return
	}

	var pos vault.Position
	err = s.bank.Escrow(r.Context(), req.Address, s.ledger.Address(), amount, func(ctx context.Context) error {
		var stakeErr error
		pos, stakeErr = s.ledger.Stake(ctx, req.Address, amount, req.LockSeconds)
		return stakeErr
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PositionResponse{
		Address:       req.Address,
		BalanceHandle: pos.BalanceHandle,
		UnlockTime:    pos.UnlockTime,
		State:         pos.State(s.ledger.Now()),
	})
}

type WithdrawRequest struct {
	Auth
}

type WithdrawResponse struct {
	Handle fhe.Handle `json:"handle"`
}

func (s *Server) handleRequestWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authenticate(req.Auth, ActionRequestWithdraw); err != nil {
		s.writeError(w, r, err)
		return
	}
	h, err := s.ledger.RequestWithdraw(r.Context(), req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{Handle: h})
}

type FinalizeRequest struct {
	Auth
	Handle fhe.Handle    `json:"handle"`
	Amount uint64        `json:"amount"`
	Proof  hexutil.Bytes `json:"proof"`
}

// FinalizeFields returns the signed fields of a finalize request. The proof
// is bound by its keccak256 hash.
func FinalizeFields(h fhe.Handle, amount uint64, proof []byte) []string {
	return []string{h.String(), strconv.FormatUint(amount, 10), hexutil.Encode(crypto.Keccak256(proof))}
}

type FinalizeResponse struct {
	Address common.Address `json:"address"`
	Amount  uint64         `json:"amount"`
}

func (s *Server) handleFinalizeWithdraw(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authenticate(req.Auth, ActionFinalizeWithdraw, FinalizeFields(req.Handle, req.Amount, req.Proof)...); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.FinalizeWithdraw(r.Context(), req.Address, req.Handle, req.Amount, req.Proof); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FinalizeResponse{Address: req.Address, Amount: req.Amount})
}

// MaxRevealHandles bounds the handles one reveal request may name. Each
// distinct handle costs a groth16 proof.
const MaxRevealHandles = 16

type RevealRequest struct {
	Handles []fhe.Handle `json:"handles"`
}

type RevealResponse struct {
	Reveals []fhe.Reveal `json:"reveals"`
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch n := len(req.Handles); {
	case n == 0:
		s.writeError(w, r, fmt.Errorf("%w: no handles", errBadRequest))
		return
	case n > MaxRevealHandles:
		s.writeError(w, r, fmt.Errorf("%w: %d handles, at most %d per request", errBadRequest, n, MaxRevealHandles))
		return
	}
	reveals, err := s.revealer.PublicReveal(r.Context(), distinct(req.Handles))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RevealResponse{Reveals: reveals})
}

// distinct drops repeated handles, keeping first-seen order.
func distinct(handles []fhe.Handle) []fhe.Handle {
	seen := make(map[fhe.Handle]struct{}, len(handles))
	out := make([]fhe.Handle, 0, len(handles))
	for _, h := range handles {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
