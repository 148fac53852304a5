package api

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"confvault/internal/bank"
	"confvault/internal/coprocessor"
	"confvault/internal/fhe"
	"confvault/internal/metrics"
	"confvault/internal/storage"
	"confvault/internal/vault"
)

var custody = common.HexToAddress("0x00000000000000000000000000000000000c0ffe")

var (
	keysOnce sync.Once
	keys     *coprocessor.Keys
	keysErr  error
)

func testKeys(t *testing.T) *coprocessor.Keys {
	t.Helper()
	keysOnce.Do(func() { keys, keysErr = coprocessor.LoadOrSetupKeys("") })
	require.NoError(t, keysErr)
	return keys
}

type env struct {
	handler http.Handler
	bank    *bank.Bank
	ledger  *vault.Ledger
	metrics *metrics.Collector
	health  *HealthChecker

	mu  sync.Mutex
	now time.Time
}

func newEnv(t *testing.T, limit RateLimit) *env {
	t.Helper()
	db := storage.NewMemDB()
	reg := prometheus.NewRegistry()
	col, err := metrics.New(reg)
	require.NoError(t, err)
	cop := coprocessor.New(db, testKeys(t), coprocessor.WithObserver(col))

	e := &env{now: time.Unix(1_700_000_000, 0), health: NewHealthChecker("test")}
	e.bank = bank.New(db, zerolog.Nop())
	e.metrics = col
	e.ledger, err = vault.New(vault.Config{
		Address: custody,
		DB:      db,
		Engine:  cop.Session(custody),
		Payer:   e.bank.Payer(custody),
	}, vault.WithNowFunc(e.clock), vault.WithObserver(col))
	require.NoError(t, err)

	srv, err := New(Config{
		Ledger:    e.ledger,
		Bank:      e.bank,
		Revealer:  cop,
		DB:        db,
		Metrics:   col,
		Gatherer:  reg,
		Health:    e.health,
		RateLimit: limit,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	e.handler = srv.Handler()
	return e
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// user signs requests with increasing nonces.
type user struct {
	key   *ecdsa.PrivateKey
	addr  common.Address
	nonce uint64
}

func newUser(t *testing.T) *user {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &user{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (u *user) sign(t *testing.T, action string, fields ...string) Auth {
	t.Helper()
	u.nonce++
	a, err := Sign(u.key, action, u.nonce, fields...)
	require.NoError(t, err)
	return a
}

func (u *user) stake(t *testing.T, amount string, lock uint64) StakeRequest {
	return StakeRequest{Auth: u.sign(t, ActionStake, StakeFields(amount, lock)...), Amount: amount, LockSeconds: lock}
}

func (u *user) finalize(t *testing.T, h fhe.Handle, amount uint64, proof []byte) FinalizeRequest {
	return FinalizeRequest{Auth: u.sign(t, ActionFinalizeWithdraw, FinalizeFields(h, amount, proof)...), Handle: h, Amount: amount, Proof: proof}
}

func (e *env) balance(t *testing.T, addr common.Address) string {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/v1/accounts/"+addr.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBody[AccountResponse](t, rec).Balance
}

func TestStakeWithdrawFlow(t *testing.T) {
	e := newEnv(t, RateLimit{})
	alice, mallory := newUser(t), newUser(t)
	require.NoError(t, e.bank.Credit(alice.addr, uint256.NewInt(10)))

	stake := alice.stake(t, "4", 1)
	rec := e.do(t, http.MethodPost, "/v1/stake", stake)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pos := decodeBody[PositionResponse](t, rec)
	require.Equal(t, vault.StateLocked, pos.State)
	require.Equal(t, "6", e.balance(t, alice.addr))
	require.Equal(t, "4", e.balance(t, custody))

	t.Run("replay rejected", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/stake", stake)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "6", e.balance(t, alice.addr))
	})

	t.Run("locked", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/withdrawals/request", WithdrawRequest{alice.sign(t, ActionRequestWithdraw)})
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, vault.KindPrecondition, decodeBody[errorBody](t, rec).Kind)
	})

	e.advance(time.Second)
	rec = e.do(t, http.MethodPost, "/v1/withdrawals/request", WithdrawRequest{alice.sign(t, ActionRequestWithdraw)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	handle := decodeBody[WithdrawResponse](t, rec).Handle
	require.Equal(t, pos.BalanceHandle, handle)

	rec = e.do(t, http.MethodGet, "/v1/positions/"+alice.addr.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, vault.StatePendingReveal, decodeBody[PositionResponse](t, rec).State)

	rec = e.do(t, http.MethodPost, "/v1/reveal", RevealRequest{Handles: []fhe.Handle{handle}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reveals := decodeBody[RevealResponse](t, rec).Reveals
	require.Len(t, reveals, 1)
	require.Equal(t, uint64(4), reveals[0].Cleartext)
	proof := []byte(reveals[0].Proof)

	t.Run("other identity cannot finalize", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/withdrawals/finalize", mallory.finalize(t, handle, 4, proof))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("inflated claim rejected", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/withdrawals/finalize", alice.finalize(t, handle, 5, proof))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	rec = e.do(t, http.MethodPost, "/v1/withdrawals/finalize", alice.finalize(t, handle, 4, proof))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "10", e.balance(t, alice.addr))
	require.Equal(t, "0", e.balance(t, custody))

	rec = e.do(t, http.MethodPost, "/v1/withdrawals/finalize", alice.finalize(t, handle, 4, proof))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `confvault_ledger_operations_total{op="finalize_withdraw",outcome="ok"} 1`)
}

func TestRejectsMalformedRequests(t *testing.T) {
	e := newEnv(t, RateLimit{})
	alice, mallory := newUser(t), newUser(t)
	require.NoError(t, e.bank.Credit(alice.addr, uint256.NewInt(3)))

	t.Run("bad address", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/v1/positions/not-an-address", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("signature from another key", func(t *testing.T) {
		req := mallory.stake(t, "1", 60)
		req.Address = alice.addr
		rec := e.do(t, http.MethodPost, "/v1/stake", req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, "3", e.balance(t, alice.addr))
	})

	t.Run("tampered amount", func(t *testing.T) {
		req := alice.stake(t, "1", 60)
		req.Amount = "2"
		rec := e.do(t, http.MethodPost, "/v1/stake", req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/stake", strings.NewReader(`{"amount":"1","bogus":true}`))
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("insufficient funds leaves ledger untouched", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/stake", alice.stake(t, "4", 60))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		pos, err := e.ledger.Position(alice.addr)
		require.NoError(t, err)
		require.True(t, pos.BalanceHandle.IsNull())
	})

	t.Run("ledger rejection refunds the deposit", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/stake", alice.stake(t, "2", vault.MaxLockDuration+1))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, vault.KindValidation, decodeBody[errorBody](t, rec).Kind)
		require.Equal(t, "3", e.balance(t, alice.addr))
		require.Equal(t, "0", e.balance(t, custody))
	})

	t.Run("reveal before request", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/stake", alice.stake(t, "1", 60))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		h := decodeBody[PositionResponse](t, rec).BalanceHandle

		rec = e.do(t, http.MethodPost, "/v1/reveal", RevealRequest{Handles: []fhe.Handle{h}})
		require.Equal(t, http.StatusConflict, rec.Code)
		rec = e.do(t, http.MethodPost, "/v1/reveal", RevealRequest{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStakeDepositLimit(t *testing.T) {
	e := newEnv(t, RateLimit{})
	alice := newUser(t)
	require.NoError(t, e.bank.Credit(alice.addr, new(uint256.Int).SetAllOne()))

	rec := e.do(t, http.MethodPost, "/v1/stake", alice.stake(t, "18446744073709551615", 60))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	before := decodeBody[PositionResponse](t, rec).BalanceHandle

	rec = e.do(t, http.MethodPost, "/v1/stake", alice.stake(t, "1", 60))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "deposit_limit", decodeBody[errorBody](t, rec).Kind)
	require.Equal(t, "18446744073709551615", e.balance(t, custody))

	pos, err := e.ledger.Position(alice.addr)
	require.NoError(t, err)
	require.Equal(t, before, pos.BalanceHandle)
}

func TestRevealBounds(t *testing.T) {
	e := newEnv(t, RateLimit{})
	alice := newUser(t)
	require.NoError(t, e.bank.Credit(alice.addr, uint256.NewInt(5)))
	rec := e.do(t, http.MethodPost, "/v1/stake", alice.stake(t, "5", 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	e.advance(time.Second)
	rec = e.do(t, http.MethodPost, "/v1/withdrawals/request", WithdrawRequest{alice.sign(t, ActionRequestWithdraw)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	handle := decodeBody[WithdrawResponse](t, rec).Handle

	t.Run("too many handles", func(t *testing.T) {
		handles := make([]fhe.Handle, MaxRevealHandles+1)
		for i := range handles {
			handles[i] = handle
		}
		rec := e.do(t, http.MethodPost, "/v1/reveal", RevealRequest{Handles: handles})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		rec = e.do(t, http.MethodGet, "/metrics", nil)
		require.Contains(t, rec.Body.String(), "confvault_coprocessor_proof_generation_seconds_count 0")
	})

	t.Run("repeated handle is proven once", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/v1/reveal", RevealRequest{Handles: []fhe.Handle{handle, handle, handle}})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		reveals := decodeBody[RevealResponse](t, rec).Reveals
		require.Len(t, reveals, 1)
		require.Equal(t, handle, reveals[0].Handle)
		require.Equal(t, uint64(5), reveals[0].Cleartext)

		rec = e.do(t, http.MethodGet, "/metrics", nil)
		require.Contains(t, rec.Body.String(), "confvault_coprocessor_proof_generation_seconds_count 1")
	})
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, RateLimit{RequestsPerSecond: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, RateLimit{})
	e.health.RegisterComponent("ledger", func() error { return nil })

	rec := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[SystemHealth](t, rec)
	require.Equal(t, Healthy, report.OverallStatus)
	require.Len(t, report.Components, 1)

	e.health.RegisterComponent("store", func() error { return errors.New("disk full") })
	rec = e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	report = decodeBody[SystemHealth](t, rec)
	require.Equal(t, Unhealthy, report.OverallStatus)
	require.Equal(t, "disk full", report.Components[1].Message)
}

func TestNonceStorePersists(t *testing.T) {
	db := storage.NewMemDB()
	alice := newUser(t)
	first := &nonceStore{db: db}
	require.NoError(t, first.consume(alice.addr, 5))

	second := &nonceStore{db: db}
	require.ErrorIs(t, second.consume(alice.addr, 5), ErrStaleNonce)
	require.ErrorIs(t, second.consume(alice.addr, 4), ErrStaleNonce)
	require.NoError(t, second.consume(alice.addr, 6))
}
