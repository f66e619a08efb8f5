package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultkeeper/internal/operation"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
	"github.com/elys-network/vaultkeeper/internal/vault"
)

const (
	adminToken    = "admin-secret"
	operatorToken = "operator-secret"
)

type fakeRecoverer struct {
	err     error
	calls   int
	reasons []string
}

func (r *fakeRecoverer) Recover(_ context.Context, admin types.AdminCap, reason string) (*types.RecoveryEvent, error) {
	r.calls++
	r.reasons = append(r.reasons, reason)
	if r.err != nil {
		return nil, r.err
	}
	return &types.RecoveryEvent{
		OperationID: "op-1",
		Admin:       admin.ID,
		Reason:      reason,
		Loss:        sdkmath.LegacyNewDec(2),
		EpochLoss:   sdkmath.LegacyNewDec(2),
		RecoveredAt: t0,
	}, nil
}

type fakeRunner struct {
	operator types.OperatorCap
	keys     []string
	strategy string
	err      error
}

func (r *fakeRunner) Run(_ context.Context, operator types.OperatorCap, keys []string, strategy operation.Strategy) (*types.OperationOutcome, error) {
	r.operator, r.keys, r.strategy = operator, keys, strategy.Name()
	if r.err != nil {
		return nil, r.err
	}
	zero := sdkmath.LegacyZeroDec()
	return &types.OperationOutcome{
		OperationID:    "op-2",
		Operator:       operator.ID,
		TotalUSDBefore: zero,
		TotalUSDAfter:  zero,
		Loss:           zero,
		EpochLoss:      zero,
		Borrowed:       keys,
	}, nil
}

type writeFixture struct {
	ws        *WebServer
	vault     *vault.Vault
	admin     types.AdminCap
	operator  types.OperatorCap
	recoverer *fakeRecoverer
	runner    *fakeRunner
}

func newWriteFixture(t *testing.T) *writeFixture {
	t.Helper()
	v, admin := newAdminVault(t)
	priceAll(t, v)
	operator, err := v.CreateOperator(admin)
	require.NoError(t, err)

	f := &writeFixture{vault: v, admin: admin, operator: operator, recoverer: &fakeRecoverer{}, runner: &fakeRunner{}}
	f.ws, err = NewWebServer(Config{
		Vault:         v,
		Prices:        staticPrices{},
		Now:           func() time.Time { return t0 },
		Ledger:        v,
		Recoverer:     f.recoverer,
		Runner:        f.runner,
		Strategies:    operation.Strategies(operation.PassThrough{}),
		Admin:         admin,
		Operator:      operator,
		AdminToken:    adminToken,
		OperatorToken: operatorToken,
	})
	require.NoError(t, err)
	return f
}

func (f *writeFixture) post(t *testing.T, path, token, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.ws.Handler().ServeHTTP(rec, req)
	var out map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (f *writeFixture) requestDeposit(t *testing.T, user, amount, expected string) string {
	t.Helper()
	rec, body := f.post(t, "/api/deposits", operatorToken,
		fmt.Sprintf(`{"user":%q,"amount":%q,"expected_shares":%q}`, user, amount, expected))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["id"].(string)
}

func TestWriteRoutesNeedDistinctTokens(t *testing.T) {
	v, _ := newAdminVault(t)
	_, err := NewWebServer(Config{Vault: v, Prices: staticPrices{}, Ledger: v, AdminToken: adminToken})
	assert.Error(t, err)

	_, err = NewWebServer(Config{Vault: v, Prices: staticPrices{}, Ledger: v, AdminToken: "same", OperatorToken: "same"})
	assert.Error(t, err)

	ws, err := NewWebServer(Config{Vault: v, Prices: staticPrices{}})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/deposits", strings.NewReader(`{}`)))
	assert.NotEqual(t, http.StatusCreated, rec.Code, "read-only servers mount no write routes")
	assert.Empty(t, v.PendingDeposits())
}

func TestWriteRoutesRejectWrongToken(t *testing.T) {
	f := newWriteFixture(t)
	deposit := `{"user":"alice","amount":"1000000"}`

	rec, body := f.post(t, "/api/deposits", "", deposit)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, true, body["error"])
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec, _ = f.post(t, "/api/deposits", "wrong", deposit)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.post(t, "/api/deposits", adminToken, deposit)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "operator routes take the operator token only")

	rec, _ = f.post(t, "/api/operators", operatorToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "admin routes take the admin token only")

	rec, _ = f.post(t, "/api/operations/recover", operatorToken, `{"reason":"stuck"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, f.vault.PendingDeposits())
	assert.Zero(t, f.recoverer.calls)
}

func TestDepositRequestAndExecute(t *testing.T) {
	f := newWriteFixture(t)

	id := f.requestDeposit(t, "alice", "1000000", "1")

	rec, body := get(t, f.ws, "/api/deposits")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, body = f.post(t, "/api/deposits/"+id+"/execute", operatorToken, `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, id, body["request_id"])
	assert.Equal(t, "1.000000000000000000", body["shares"])

	receipt, ok := f.vault.Receipt("alice")
	require.True(t, ok)
	assert.True(t, receipt.Shares.Equal(sdkmath.LegacyOneDec()))
	assert.Empty(t, f.vault.PendingDeposits())

	rec, _ = f.post(t, "/api/deposits/"+id+"/execute", operatorToken, `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDepositSlippageIsConflict(t *testing.T) {
	f := newWriteFixture(t)
	id := f.requestDeposit(t, "alice", "1000000", "2")

	rec, body := f.post(t, "/api/deposits/"+id+"/execute", operatorToken, `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["message"], "slippage")
	assert.Len(t, f.vault.PendingDeposits(), 1, "a refused execution keeps the request")

	id = f.requestDeposit(t, "bob", "1000000", "")
	rec, _ = f.post(t, "/api/deposits/"+id+"/execute", operatorToken, `{"max_shares":"0.5"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDepositRejectsMalformedInput(t *testing.T) {
	f := newWriteFixture(t)

	rec, _ := f.post(t, "/api/deposits", operatorToken, `{"user":"alice","amount":"ten"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.post(t, "/api/deposits", operatorToken, `{"user":"alice","amount":"10","expected_shares":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.post(t, "/api/deposits", operatorToken, `{"user":"alice","amount":"10","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.post(t, "/api/deposits", operatorToken, `{"user":"","amount":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.post(t, "/api/deposits", operatorToken, `{"user":"alice","amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, f.vault.PendingDeposits())
}

func TestCancelDepositHonoursLock(t *testing.T) {
	f := newWriteFixture(t)
	require.NoError(t, f.vault.SetLockingTimes(f.admin, 0, time.Hour))
	id := f.requestDeposit(t, "alice", "1000000", "")

	rec, _ := f.post(t, "/api/deposits/"+id+"/cancel", operatorToken, `{"user":"bob"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := f.post(t, "/api/deposits/"+id+"/cancel", operatorToken, `{"user":"alice"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["message"], "locking window")

	rec, _ = f.post(t, "/api/deposits/missing/cancel", operatorToken, `{"user":"alice"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, f.vault.PendingDeposits(), 1)

	require.NoError(t, f.vault.SetLockingTimes(f.admin, 0, 0))
	rec, body = f.post(t, "/api/deposits/"+id+"/cancel", operatorToken, `{"user":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000000", body["refunded"])
	assert.Empty(t, f.vault.PendingDeposits())
}

func TestWithdrawRequestExecuteAndCancel(t *testing.T) {
	f := newWriteFixture(t)
	id := f.requestDeposit(t, "alice", "1000000", "")
	rec, _ := f.post(t, "/api/deposits/"+id+"/execute", operatorToken, `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.post(t, "/api/withdrawals", operatorToken, `{"user":"alice","shares":"2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "more shares than held")

	rec, _ = f.post(t, "/api/withdrawals", operatorToken, `{"user":"carol","shares":"1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := f.post(t, "/api/withdrawals", operatorToken, `{"user":"alice","shares":"0.25"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cancelID := body["id"].(string)
	rec, body = f.post(t, "/api/withdrawals/"+cancelID+"/cancel", operatorToken, `{"user":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.250000000000000000", body["released"])

	rec, body = f.post(t, "/api/withdrawals", operatorToken, `{"user":"alice","shares":"0.5","expected_amount":"3000000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	withdrawID := body["id"].(string)

	rec, body = get(t, f.ws, "/api/withdrawals")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = f.post(t, "/api/withdrawals/"+withdrawID+"/execute", operatorToken, `{"max_amount":"2999999"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 6 USD over one share pays 3 USD for half a share.
	rec, body = f.post(t, "/api/withdrawals/"+withdrawID+"/execute", operatorToken, `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3000000", body["amount"])

	receipt, _ := f.vault.Receipt("alice")
	assert.True(t, receipt.Shares.Equal(sdkmath.LegacyMustNewDecFromStr("0.5")))
	assert.Empty(t, f.vault.PendingWithdrawals())
}

func TestOperatorManagement(t *testing.T) {
	f := newWriteFixture(t)

	rec, body := f.post(t, "/api/operators", adminToken, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := body["id"].(string)
	assert.NotEmpty(t, created)

	rec, body = f.post(t, "/api/operators/"+created+"/freeze", adminToken, `{"frozen":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["frozen"])

	rec, _ = f.post(t, "/api/operators/nobody/freeze", adminToken, `{"frozen":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Freezing the operator the server acts as refuses its executions.
	id := f.requestDeposit(t, "alice", "1000000", "")
	rec, _ = f.post(t, "/api/operators/"+f.operator.ID+"/freeze", adminToken, `{"frozen":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.post(t, "/api/deposits/"+id+"/execute", operatorToken, `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.post(t, "/api/operators/"+f.operator.ID+"/freeze", adminToken, `{"frozen":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.post(t, "/api/deposits/"+id+"/execute", operatorToken, `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"recovered", nil, http.StatusOK},
		{"too young", fmt.Errorf("%w: operation op-1 is 5m old", types.ErrStuckOperationState), http.StatusConflict},
		{"nothing in flight", fmt.Errorf("%w: no operation in flight", types.ErrInvalidStatus), http.StatusConflict},
		{"rate limited", fmt.Errorf("%w: next recovery allowed in 1h", types.ErrRecoveryRateLimited), http.StatusTooManyRequests},
		{"invariant", fmt.Errorf("%w: shares mismatch", types.ErrInvariantViolation), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newWriteFixture(t)
			f.recoverer.err = tc.err

			rec, body := f.post(t, "/api/operations/recover", adminToken, `{"reason":"strategy hung"}`)
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, []string{"strategy hung"}, f.recoverer.reasons)
			if tc.err == nil {
				assert.Equal(t, "op-1", body["operation_id"])
				assert.Equal(t, "2.000000000000000000", body["loss"])
			}
		})
	}
}

func TestRecoverRequiresReason(t *testing.T) {
	f := newWriteFixture(t)
	rec, _ := f.post(t, "/api/operations/recover", adminToken, `{"reason":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.recoverer.calls)
}

func TestRunUsesNamedStrategy(t *testing.T) {
	f := newWriteFixture(t)

	rec, body := f.post(t, "/api/operations/run", operatorToken, `{"keys":["navi"],"strategy":"passthrough"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-2", body["operation_id"])
	assert.Equal(t, "passthrough", f.runner.strategy)
	assert.Equal(t, []string{"navi"}, f.runner.keys)
	assert.Equal(t, f.operator, f.runner.operator)

	rec, _ = f.post(t, "/api/operations/run", operatorToken, `{"keys":["navi"],"strategy":"yolo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.post(t, "/api/operations/run", operatorToken, `{"strategy":"passthrough"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.runner.err = fmt.Errorf("%w: loss 10 over budget", types.ErrExceedsLossLimit)
	rec, _ = f.post(t, "/api/operations/run", operatorToken, `{"keys":["navi"],"strategy":"passthrough"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(types.ErrValueNotUpdated))
	assert.Equal(t, http.StatusBadRequest, statusFor(types.ErrInsufficientBalance))
	assert.Equal(t, http.StatusBadRequest, statusFor(utils.ErrConversionFailed))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("wrap: %w", types.ErrAssetNotFound)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}

func TestCORSAllowsPost(t *testing.T) {
	f := newWriteFixture(t)
	rec, _ := get(t, f.ws, "/api/deposits")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}
