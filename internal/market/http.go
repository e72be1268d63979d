package market

import (
	"encoding/json"
	"net/http"

	"SettleCore/internal/errs"
)

// RegisterHandlers mounts the read-only query endpoints on mux.
func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/v1/balance", s.handleBalance)
	mux.HandleFunc("/v1/account", s.handleAccount)
	mux.HandleFunc("/v1/transaction", s.handleTransaction)
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	view, err := s.GetBalance(r.Context(), r.URL.Query().Get("account"), r.URL.Query().Get("asset"))
	s.respond(w, view, err)
}

func (s *Service) handleAccount(w http.ResponseWriter, r *http.Request) {
	sum, err := s.GetAccountSummary(r.Context(), r.URL.Query().Get("account"))
	s.respond(w, sum, err)
}

func (s *Service) handleTransaction(w http.ResponseWriter, r *http.Request) {
	details, err := s.GetTransaction(r.Context(), r.URL.Query().Get("txid"))
	s.respond(w, details, err)
}

func (s *Service) respond(w http.ResponseWriter, body any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		kind := errs.KindOf(err)
		if kind == errs.KindInternal {
			s.log.Error().Err(err).Msg("query failed")
		}
		w.WriteHeader(statusFor(kind))
		json.NewEncoder(w).Encode(map[string]string{
			"error": err.Error(),
			"code":  kind.String(),
		})
		return
	}
	json.NewEncoder(w).Encode(body)
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation, errs.KindInvalidReference:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindNotOwner:
		return http.StatusForbidden
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindInsufficientFunds, errs.KindFundsLocked, errs.KindQuotaExceeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
