package gateway

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"margincore/native/credit"
	"margincore/native/oracle"
)

// usdScale converts oracle USD fixed point into decimal strings. It is the
// negated digit count of oracle.PriceScale.
var usdScale = int32(1 - len(oracle.PriceScale.String()))

func usdString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, usdScale).String()
}

type accountResponse struct {
	ID            string   `json:"id"`
	Owner         string   `json:"owner"`
	Principal     string   `json:"principal"`
	Interest      string   `json:"interest"`
	Fees          string   `json:"fees"`
	QuotaInterest string   `json:"quotaInterest"`
	TotalDebt     string   `json:"totalDebt"`
	TotalValueUSD string   `json:"totalValueUsd"`
	WeightedUSD   string   `json:"weightedValueUsd"`
	DebtUSD       string   `json:"debtUsd"`
	HealthFactor  uint16   `json:"healthFactorBps"`
	EnabledTokens []string `json:"enabledTokens"`
}

type tokenResponse struct {
	Token                string `json:"token"`
	Index                uint8  `json:"index"`
	LiquidationThreshold uint16 `json:"liquidationThresholdBps"`
	Quoted               bool   `json:"quoted"`
	Forbidden            bool   `json:"forbidden"`
}

type poolResponse struct {
	Underlying      string `json:"underlying"`
	Supplied        string `json:"supplied"`
	Borrowed        string `json:"borrowed"`
	Reserves        string `json:"reserves"`
	CumulativeIndex string `json:"cumulativeIndex"`
	Paused          bool   `json:"paused"`
	CumulativeLoss  string `json:"cumulativeLoss"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps engine sentinels onto HTTP statuses so callers can branch
// without parsing messages.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, credit.ErrAccountDoesNotExist):
		status = http.StatusNotFound
	case errors.Is(err, credit.ErrTokenNotAllowed),
		errors.Is(err, credit.ErrInvalidLiquidationThreshold),
		errors.Is(err, credit.ErrBorrowAmountOutOfLimits):
		status = http.StatusBadRequest
	case errors.Is(err, credit.ErrNoPermission),
		errors.Is(err, credit.ErrAccountOwnerMismatch):
		status = http.StatusForbidden
	case errors.Is(err, credit.ErrNotAllowedAfterExpiration):
		status = http.StatusConflict
	case errors.Is(err, oracle.ErrPriceFeedDoesNotExist):
		status = http.StatusNotFound
	case errors.Is(err, oracle.ErrInvalidPrice):
		status = http.StatusBadRequest
	case errors.Is(err, oracle.ErrInvalidProof):
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func parseAddress(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) accountView(id credit.AccountID) (*accountResponse, error) {
	manager := s.facade.Manager()
	acct, err := manager.GetAccount(id)
	if err != nil {
		return nil, err
	}
	debt, err := manager.AccruedDebt(id)
	if err != nil {
		return nil, err
	}
	totalUSD, twvUSD, debtUSD, hf, err := manager.AccountHealth(id)
	if err != nil {
		return nil, err
	}
	registry := manager.Registry()
	enabled := make([]string, 0)
	for _, idx := range acct.EnabledTokensMask.Bits() {
		token, err := registry.TokenBySlot(idx)
		if err != nil {
			continue
		}
		enabled = append(enabled, token.Hex())
	}
	return &accountResponse{
		ID:            acct.ID.Hex(),
		Owner:         acct.Owner.Hex(),
		Principal:     debt.Principal.String(),
		Interest:      debt.Interest.String(),
		Fees:          debt.Fees.String(),
		QuotaInterest: debt.QuotaInterest.String(),
		TotalDebt:     debt.Total.String(),
		TotalValueUSD: usdString(totalUSD),
		WeightedUSD:   usdString(twvUSD),
		DebtUSD:       usdString(debtUSD),
		HealthFactor:  hf,
		EnabledTokens: enabled,
	}, nil
}

func (s *Server) handleAccount(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(chi.URLParam(req, "id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
		return
	}
	view, err := s.accountView(credit.AccountID(addr))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts, err := s.facade.Manager().ListAccounts()
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		ids = append(ids, acct.ID.Hex())
	}
	writeJSON(w, http.StatusOK, map[string][]string{"accounts": ids})
}

func (s *Server) handleTokens(w http.ResponseWriter, _ *http.Request) {
	manager := s.facade.Manager()
	forbidden := manager.ForbiddenMask()
	tokens := manager.Registry().Tokens()
	out := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenResponse{
			Token:                t.Token.Hex(),
			Index:                t.Index,
			LiquidationThreshold: t.LiquidationThreshold,
			Quoted:               t.Quoted,
			Forbidden:            forbidden.Intersects(credit.MaskAt(t.Index)),
		})
	}
	writeJSON(w, http.StatusOK, map[string][]tokenResponse{"tokens": out})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	supplied, borrowed, reserves := s.pool.Totals()
	manager := s.facade.Manager()
	writeJSON(w, http.StatusOK, poolResponse{
		Underlying:      s.pool.Underlying().Hex(),
		Supplied:        supplied.String(),
		Borrowed:        borrowed.String(),
		Reserves:        reserves.String(),
		CumulativeIndex: s.pool.CumulativeIndex().String(),
		Paused:          manager.Paused(),
		CumulativeLoss:  manager.CurrentCumulativeLoss().String(),
	})
}

type priceUpdateRequest struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
	Proof     string `json:"proof"`
}

func (s *Server) handlePriceUpdate(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(chi.URLParam(req, "address"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token address"})
		return
	}
	var body priceUpdateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(body.Price), 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid price"})
		return
	}
	proof, err := hexutil.Decode(strings.TrimSpace(body.Proof))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid proof encoding"})
		return
	}
	if err := s.oracle.ApplyUpdate(addr, price, body.Timestamp, proof); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("price update applied", "token", addr.Hex(), "timestamp", body.Timestamp)
	writeJSON(w, http.StatusOK, map[string]string{"token": addr.Hex(), "price": price.String()})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.facade.Manager().Pause()
	s.logger.Info("platform paused by configurator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleUnpause(w http.ResponseWriter, _ *http.Request) {
	s.facade.Manager().Unpause()
	s.logger.Info("platform unpaused by configurator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleForbidToken(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(chi.URLParam(req, "address"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token address"})
		return
	}
	if err := s.facade.Manager().ForbidToken(addr); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("token forbidden", "token", addr.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"forbidden": addr.Hex()})
}

func (s *Server) handleAllowToken(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(chi.URLParam(req, "address"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token address"})
		return
	}
	if err := s.facade.Manager().AllowToken(addr); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("token allowed", "token", addr.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"allowed": addr.Hex()})
}

type thresholdRequest struct {
	ThresholdBps uint16 `json:"thresholdBps"`
	RampStart    int64  `json:"rampStart"`
	RampDuration int64  `json:"rampDuration"`
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, req *http.Request) {
	addr, ok := parseAddress(chi.URLParam(req, "address"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token address"})
		return
	}
	var body thresholdRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	registry := s.facade.Manager().Registry()
	var err error
	if body.RampDuration > 0 {
		err = registry.RampLiquidationThreshold(addr, body.ThresholdBps, body.RampStart, body.RampDuration)
	} else {
		err = registry.SetLiquidationThreshold(addr, body.ThresholdBps)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("liquidation threshold updated", "token", addr.Hex(), "thresholdBps", body.ThresholdBps)
	writeJSON(w, http.StatusOK, map[string]string{"token": addr.Hex()})
}

type debtLimitsRequest struct {
	MinDebt string `json:"minDebt"`
	MaxDebt string `json:"maxDebt"`
}

func (s *Server) handleSetDebtLimits(w http.ResponseWriter, req *http.Request) {
	var body debtLimitsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	minDebt, okMin := new(big.Int).SetString(strings.TrimSpace(body.MinDebt), 10)
	maxDebt, okMax := new(big.Int).SetString(strings.TrimSpace(body.MaxDebt), 10)
	if !okMin || !okMax || minDebt.Sign() < 0 || maxDebt.Cmp(minDebt) < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid debt limits"})
		return
	}
	s.facade.SetDebtLimits(credit.DebtLimits{MinDebt: minDebt, MaxDebt: maxDebt})
	s.logger.Info("debt limits updated", "minDebt", minDebt.String(), "maxDebt", maxDebt.String())
	writeJSON(w, http.StatusOK, map[string]string{"minDebt": minDebt.String(), "maxDebt": maxDebt.String()})
}

func (s *Server) handleResetLoss(w http.ResponseWriter, _ *http.Request) {
	s.facade.Manager().ResetCumulativeLoss()
	s.logger.Info("cumulative loss counter reset")
	writeJSON(w, http.StatusOK, map[string]string{"cumulativeLoss": "0"})
}
