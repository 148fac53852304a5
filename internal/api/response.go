package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"confvault/internal/bank"
	"confvault/internal/fhe"
	"confvault/internal/vault"
)

var errBadRequest = errors.New("api: bad request")

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status and a short kind label.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrBadSignature), errors.Is(err, ErrStaleNonce):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, bank.ErrInsufficientFunds), errors.Is(err, bank.ErrSelfTransfer):
		return http.StatusBadRequest, "insufficient_funds"
	case errors.Is(err, bank.ErrDepositLimit):
		return http.StatusBadRequest, "deposit_limit"
	case errors.Is(err, fhe.ErrUnknownHandle):
		return http.StatusNotFound, "unknown_handle"
	case errors.Is(err, fhe.ErrNotRevealable):
		return http.StatusConflict, "not_revealable"
	}
	switch kind := vault.Kind(err); kind {
	case vault.KindValidation:
		return http.StatusBadRequest, kind
	case vault.KindPrecondition:
		return http.StatusConflict, kind
	case vault.KindAuthorization:
		return http.StatusForbidden, kind
	case vault.KindIntegrity:
		return http.StatusUnprocessableEntity, kind
	case vault.KindResource:
		return http.StatusBadGateway, kind
	default:
		return http.StatusInternalServerError, vault.KindInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}
