package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"

	"github.com/elys-network/vaultkeeper/internal/operation"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

const maxBodyBytes = 1 << 20

// Ledger is the request buffer and operator registry behind the write routes.
type Ledger interface {
	RequestDeposit(user string, amount sdkmath.Int, expectedShares sdkmath.LegacyDec) (*types.DepositRequest, error)
	ExecuteDeposit(operator types.OperatorCap, requestID string, maxSharesReceived sdkmath.LegacyDec) (*types.DepositExecution, error)
	CancelDeposit(user, requestID string) (sdkmath.Int, error)
	PendingDeposits() []types.DepositRequest

	RequestWithdraw(user string, shares sdkmath.LegacyDec, expectedAmount sdkmath.Int) (*types.WithdrawRequest, error)
	ExecuteWithdraw(operator types.OperatorCap, requestID string, maxAmountReceived sdkmath.Int) (*types.WithdrawExecution, error)
	CancelWithdraw(user, requestID string) (sdkmath.LegacyDec, error)
	PendingWithdrawals() []types.WithdrawRequest

	CreateOperator(admin types.AdminCap) (types.OperatorCap, error)
	SetOperatorFrozen(admin types.AdminCap, operatorID string, frozen bool) error
}

// Recoverer force-exits a stuck operation.
type Recoverer interface {
	Recover(ctx context.Context, admin types.AdminCap, reason string) (*types.RecoveryEvent, error)
}

// Runner drives one operation through its three phases.
type Runner interface {
	Run(ctx context.Context, operator types.OperatorCap, keys []string, strategy operation.Strategy) (*types.OperationOutcome, error)
}

type depositBody struct {
	User           string `json:"user"`
	Amount         string `json:"amount"`
	ExpectedShares string `json:"expected_shares"`
}

type withdrawBody struct {
	User           string `json:"user"`
	Shares         string `json:"shares"`
	ExpectedAmount string `json:"expected_amount"`
}

type executeBody struct {
	// MaxShares caps a deposit mint, MaxAmount caps a withdraw payout. Empty means no cap.
	MaxShares string `json:"max_shares"`
	MaxAmount string `json:"max_amount"`
}

type cancelBody struct {
	User string `json:"user"`
}

type freezeBody struct {
	Frozen bool `json:"frozen"`
}

type recoverBody struct {
	Reason string `json:"reason"`
}

type runBody struct {
	Keys     []string `json:"keys"`
	Strategy string   `json:"strategy"`
}

func (ws *WebServer) writesEnabled() bool {
	return ws.ledger != nil || ws.recoverer != nil || ws.runner != nil
}

// setupActionRoutes mounts the write routes. Operator routes take the operator token
// and admin routes the admin token.
func (ws *WebServer) setupActionRoutes(api *mux.Router) {
	asOperator := func(h http.HandlerFunc) http.HandlerFunc { return ws.requireToken(ws.operatorToken, h) }
	asAdmin := func(h http.HandlerFunc) http.HandlerFunc { return ws.requireToken(ws.adminToken, h) }

	if ws.ledger != nil {
		api.HandleFunc("/deposits", ws.handleGetDeposits).Methods("GET")
		api.HandleFunc("/deposits", asOperator(ws.handleRequestDeposit)).Methods("POST")
		api.HandleFunc("/deposits/{id}/execute", asOperator(ws.handleExecuteDeposit)).Methods("POST")
		api.HandleFunc("/deposits/{id}/cancel", asOperator(ws.handleCancelDeposit)).Methods("POST")

		api.HandleFunc("/withdrawals", ws.handleGetWithdrawals).Methods("GET")
		api.HandleFunc("/withdrawals", asOperator(ws.handleRequestWithdraw)).Methods("POST")
		api.HandleFunc("/withdrawals/{id}/execute", asOperator(ws.handleExecuteWithdraw)).Methods("POST")
		api.HandleFunc("/withdrawals/{id}/cancel", asOperator(ws.handleCancelWithdraw)).Methods("POST")

		api.HandleFunc("/operators", asAdmin(ws.handleCreateOperator)).Methods("POST")
		api.HandleFunc("/operators/{id}/freeze", asAdmin(ws.handleFreezeOperator)).Methods("POST")
	}
	if ws.recoverer != nil {
		api.HandleFunc("/operations/recover", asAdmin(ws.handleRecover)).Methods("POST")
	}
	if ws.runner != nil {
		api.HandleFunc("/operations/run", asOperator(ws.handleRun)).Methods("POST")
	}
}

// requireToken rejects requests whose bearer token does not match token.
func (ws *WebServer) requireToken(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vaultkeeper"`)
			ws.writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (ws *WebServer) handleGetDeposits(w http.ResponseWriter, r *http.Request) {
	pending := ws.ledger.PendingDeposits()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"deposits": pending,
		"count":    len(pending),
	})
}

func (ws *WebServer) handleGetWithdrawals(w http.ResponseWriter, r *http.Request) {
	pending := ws.ledger.PendingWithdrawals()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"withdrawals": pending,
		"count":       len(pending),
	})
}

func (ws *WebServer) handleRequestDeposit(w http.ResponseWriter, r *http.Request) {
	var body depositBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	amount, err := parseInt(body.Amount)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	expected, err := parseDecOr(body.ExpectedShares, sdkmath.LegacyZeroDec())
	if err != nil {
		ws.writeError(w, err)
		return
	}
	req, err := ws.ledger.RequestDeposit(body.User, amount, expected)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, req)
}

func (ws *WebServer) handleExecuteDeposit(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	maxShares, err := parseDecOr(body.MaxShares, sdkmath.LegacyDec{})
	if err != nil {
		ws.writeError(w, err)
		return
	}
	exec, err := ws.ledger.ExecuteDeposit(ws.operator, mux.Vars(r)["id"], maxShares)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, exec)
}

func (ws *WebServer) handleCancelDeposit(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	refunded, err := ws.ledger.CancelDeposit(body.User, id)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"request_id": id,
		"refunded":   refunded,
	})
}

func (ws *WebServer) handleRequestWithdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	shares, err := utils.ParseDec(body.Shares)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	expected := sdkmath.ZeroInt()
	if body.ExpectedAmount != "" {
		if expected, err = parseInt(body.ExpectedAmount); err != nil {
			ws.writeError(w, err)
			return
		}
	}
	req, err := ws.ledger.RequestWithdraw(body.User, shares, expected)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, req)
}

func (ws *WebServer) handleExecuteWithdraw(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	maxAmount := sdkmath.Int{}
	if body.MaxAmount != "" {
		var err error
		if maxAmount, err = parseInt(body.MaxAmount); err != nil {
			ws.writeError(w, err)
			return
		}
	}
	exec, err := ws.ledger.ExecuteWithdraw(ws.operator, mux.Vars(r)["id"], maxAmount)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, exec)
}

func (ws *WebServer) handleCancelWithdraw(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	released, err := ws.ledger.CancelWithdraw(body.User, id)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"request_id": id,
		"released":   released,
	})
}

func (ws *WebServer) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	op, err := ws.ledger.CreateOperator(ws.admin)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusCreated, op)
}

func (ws *WebServer) handleFreezeOperator(w http.ResponseWriter, r *http.Request) {
	var body freezeBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := ws.ledger.SetOperatorFrozen(ws.admin, id, body.Frozen); err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"operator": id,
		"frozen":   body.Frozen,
	})
}

func (ws *WebServer) handleRecover(w http.ResponseWriter, r *http.Request) {
	var body recoverBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		ws.writeErrorResponse(w, http.StatusBadRequest, "A recovery reason is required")
		return
	}
	event, err := ws.recoverer.Recover(r.Context(), ws.admin, body.Reason)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, event)
}

func (ws *WebServer) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if !ws.decodeBody(w, r, &body) {
		return
	}
	strategy, ok := ws.strategies[body.Strategy]
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unknown strategy %q", body.Strategy))
		return
	}
	if len(body.Keys) == 0 {
		ws.writeErrorResponse(w, http.StatusBadRequest, "At least one asset key is required")
		return
	}
	outcome, err := ws.runner.Run(r.Context(), ws.operator, body.Keys, strategy)
	if err != nil {
		ws.writeError(w, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, outcome)
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func (ws *WebServer) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeError maps a vault error onto an HTTP status.
func (ws *WebServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		ws.logger.Error().Err(err).Msg("Write request failed")
		ws.writeErrorResponse(w, status, "Internal error")
		return
	}
	ws.logger.Debug().Err(err).Int("status", status).Msg("Write request refused")
	ws.writeErrorResponse(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInsufficientAuthorization):
		return http.StatusForbidden
	case errors.Is(err, types.ErrRequestNotFound), errors.Is(err, types.ErrAssetNotFound), errors.Is(err, types.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, types.ErrRecoveryRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, types.ErrInvalidStatus), errors.Is(err, types.ErrLocked),
		errors.Is(err, types.ErrStuckOperationState), errors.Is(err, types.ErrExceedsLossLimit),
		errors.Is(err, types.ErrSlippage), errors.Is(err, types.ErrHealthFactorTooLow),
		errors.Is(err, types.ErrAssetNotReturned):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidAmount), errors.Is(err, types.ErrInvalidParameter),
		errors.Is(err, types.ErrInsufficientBalance), errors.Is(err, utils.ErrConversionFailed):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrStalePrice):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func parseInt(s string) (sdkmath.Int, error) {
	n, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %q is not an integer amount", types.ErrInvalidAmount, s)
	}
	return n, nil
}

func parseDecOr(s string, def sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	if s == "" {
		return def, nil
	}
	return utils.ParseDec(s)
}
