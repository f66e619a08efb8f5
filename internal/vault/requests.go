package vault

import (
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

func (v *Vault) receiptLocked(user string) *types.Receipt {
	r, ok := v.receipts[user]
	if !ok {
		r = types.NewReceipt(user)
		v.receipts[user] = r
	}
	return r
}

// RequestDeposit buffers amount of principal until an operator executes it.
func (v *Vault) RequestDeposit(user string, amount sdkmath.Int, expectedShares sdkmath.LegacyDec) (*types.DepositRequest, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: user is required", types.ErrInvalidParameter)
	}
	if amount.IsNil() || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", types.ErrInvalidAmount)
	}
	if expectedShares.IsNil() || expectedShares.IsNegative() {
		return nil, fmt.Errorf("%w: expected shares must not be negative", types.ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertNormalLocked(); err != nil {
		return nil, err
	}

	req := &types.DepositRequest{
		ID:             uuid.NewString(),
		User:           user,
		Amount:         amount,
		ExpectedShares: expectedShares,
		RequestedAt:    v.now(),
	}
	v.deposits[req.ID] = req
	r := v.receiptLocked(user)
	r.PendingDepositBalance = r.PendingDepositBalance.Add(amount)

	v.logger.Info().Str("request_id", req.ID).Str("user", user).Str("amount", amount.String()).Msg("Deposit requested")
	out := *req
	return &out, nil
}

// ExecuteDeposit moves a buffered deposit into the ledger and mints shares at the
// share ratio taken before the deposit. A positive maxSharesReceived caps the mint.
func (v *Vault) ExecuteDeposit(operator types.OperatorCap, requestID string, maxSharesReceived sdkmath.LegacyDec) (*types.DepositExecution, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.assertOperatorLocked(operator); err != nil {
		return nil, err
	}
	if err := v.assertNormalLocked(); err != nil {
		return nil, err
	}
	req, ok := v.deposits[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: deposit %s", types.ErrRequestNotFound, requestID)
	}

	if err := v.checkInvariantsLocked(); err != nil {
		return nil, err
	}

	now := v.now()
	principal, price, err := v.stagePrincipalLocked(now)
	if err != nil {
		return nil, err
	}
	totalBefore, err := v.stagedTotalLocked(now, &principal)
	if err != nil {
		return nil, err
	}
	ratio := v.shareRatioLocked(totalBefore)
	if !ratio.IsPositive() {
		return nil, fmt.Errorf("%w: share ratio %s", types.ErrInvariantViolation, ratio)
	}

	fee := utils.BpsOfInt(req.Amount, v.params.DepositFeeBps)
	net := req.Amount.Sub(fee)
	netUSD, err := utils.MulWithNormalizedPrice(net, price)
	if err != nil {
		return nil, err
	}
	shares := netUSD.Quo(ratio)

	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: deposit %s mints no shares", types.ErrInvalidAmount, requestID)
	}
	if shares.LT(req.ExpectedShares) {
		return nil, fmt.Errorf("%w: %s shares below expected %s", types.ErrSlippage, shares, req.ExpectedShares)
	}
	if !maxSharesReceived.IsNil() && maxSharesReceived.IsPositive() && shares.GT(maxSharesReceived) {
		return nil, fmt.Errorf("%w: %s shares above cap %s", types.ErrSlippage, shares, maxSharesReceived)
	}
	principal, err = movePrincipal(principal, net, price)
	if err != nil {
		return nil, err
	}

	*v.assets[v.principalKey] = principal
	v.feeVault = v.feeVault.Add(fee)
	v.totalShares = v.totalShares.Add(shares)
	r := v.receiptLocked(req.User)
	r.Shares = r.Shares.Add(shares)
	r.PendingDepositBalance = r.PendingDepositBalance.Sub(req.Amount)
	r.LastDepositAt = now
	delete(v.deposits, requestID)

	v.logger.Info().
		Str("request_id", requestID).
		Str("user", req.User).
		Str("amount", req.Amount.String()).
		Str("fee", fee.String()).
		Str("shares", shares.String()).
		Msg("Deposit executed")

	return &types.DepositExecution{
		RequestID: requestID,
		User:      req.User,
		Amount:    req.Amount,
		Fee:       fee,
		Shares:    shares,
	}, nil
}

// RequestWithdraw reserves shares of user's receipt for withdrawal.
func (v *Vault) RequestWithdraw(user string, shares sdkmath.LegacyDec, expectedAmount sdkmath.Int) (*types.WithdrawRequest, error) {
	if shares.IsNil() || !shares.IsPositive() {
		return nil, fmt.Errorf("%w: withdraw shares must be positive", types.ErrInvalidAmount)
	}
	if expectedAmount.IsNil() || expectedAmount.IsNegative() {
		return nil, fmt.Errorf("%w: expected amount must not be negative", types.ErrInvalidAmount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertNormalLocked(); err != nil {
		return nil, err
	}

	r, ok := v.receipts[user]
	if !ok {
		return nil, fmt.Errorf("%w: %s holds no receipt", types.ErrInsufficientAuthorization, user)
	}
	now := v.now()
	if unlock := r.LastDepositAt.Add(v.params.LockingTimeForWithdraw); !r.LastDepositAt.IsZero() && now.Before(unlock) {
		return nil, fmt.Errorf("%w: withdrawals open at %s", types.ErrLocked, unlock)
	}
	available := r.Shares.Sub(r.PendingWithdrawShares)
	if shares.GT(available) {
		return nil, fmt.Errorf("%w: requested %s shares, %s available", types.ErrInsufficientBalance, shares, available)
	}

	req := &types.WithdrawRequest{
		ID:             uuid.NewString(),
		User:           user,
		Shares:         shares,
		ExpectedAmount: expectedAmount,
		RequestedAt:    now,
	}
	v.withdraws[req.ID] = req
	r.PendingWithdrawShares = r.PendingWithdrawShares.Add(shares)

	v.logger.Info().Str("request_id", req.ID).Str("user", user).Str("shares", shares.String()).Msg("Withdraw requested")
	out := *req
	return &out, nil
}

// ExecuteWithdraw burns the requested shares and pays out principal at the current
// share ratio. A positive maxAmountReceived caps the payout.
func (v *Vault) ExecuteWithdraw(operator types.OperatorCap, requestID string, maxAmountReceived sdkmath.Int) (*types.WithdrawExecution, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.assertOperatorLocked(operator); err != nil {
		return nil, err
	}
	if err := v.assertNormalLocked(); err != nil {
		return nil, err
	}
	req, ok := v.withdraws[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: withdraw %s", types.ErrRequestNotFound, requestID)
	}

	if err := v.checkInvariantsLocked(); err != nil {
		return nil, err
	}

	now := v.now()
	principal, price, err := v.stagePrincipalLocked(now)
	if err != nil {
		return nil, err
	}
	total, err := v.stagedTotalLocked(now, &principal)
	if err != nil {
		return nil, err
	}
	ratio := v.shareRatioLocked(total)

	usd := req.Shares.Mul(ratio)
	amount, err := utils.DivByNormalizedPrice(usd, price)
	if err != nil {
		return nil, err
	}
	fee := utils.BpsOfInt(amount, v.params.WithdrawFeeBps)
	net := amount.Sub(fee)

	if net.LT(req.ExpectedAmount) {
		return nil, fmt.Errorf("%w: %s below expected %s", types.ErrSlippage, net, req.ExpectedAmount)
	}
	if !maxAmountReceived.IsNil() && maxAmountReceived.IsPositive() && net.GT(maxAmountReceived) {
		return nil, fmt.Errorf("%w: %s above cap %s", types.ErrSlippage, net, maxAmountReceived)
	}
	principal, err = movePrincipal(principal, amount.Neg(), price)
	if err != nil {
		return nil, err
	}
	r, ok := v.receipts[req.User]
	if !ok {
		return nil, fmt.Errorf("%w: withdraw %s has no receipt", types.ErrInvariantViolation, requestID)
	}
	receipt := *r
	receipt.Shares = receipt.Shares.Sub(req.Shares)
	receipt.PendingWithdrawShares = receipt.PendingWithdrawShares.Sub(req.Shares)
	if err := checkReceipt(receipt); err != nil {
		return nil, err
	}

	*v.assets[v.principalKey] = principal
	v.feeVault = v.feeVault.Add(fee)
	v.totalShares = v.totalShares.Sub(req.Shares)
	*r = receipt
	delete(v.withdraws, requestID)

	v.logger.Info().
		Str("request_id", requestID).
		Str("user", req.User).
		Str("shares", req.Shares.String()).
		Str("amount", net.String()).
		Str("fee", fee.String()).
		Msg("Withdraw executed")

	return &types.WithdrawExecution{
		RequestID: requestID,
		User:      req.User,
		Shares:    req.Shares,
		Amount:    net,
		Fee:       fee,
	}, nil
}

// CancelDeposit returns a buffered deposit to user. Cancellation is refused only while
// an operation is in flight.
func (v *Vault) CancelDeposit(user, requestID string) (sdkmath.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertNotDuringOperationLocked(); err != nil {
		return sdkmath.Int{}, err
	}
	req, ok := v.deposits[requestID]
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: deposit %s", types.ErrRequestNotFound, requestID)
	}
	if req.User != user {
		return sdkmath.Int{}, fmt.Errorf("%w: deposit %s belongs to another user", types.ErrInsufficientAuthorization, requestID)
	}
	if unlock := req.RequestedAt.Add(v.params.LockingTimeForCancelRequest); v.now().Before(unlock) {
		return sdkmath.Int{}, fmt.Errorf("%w: cancellable at %s", types.ErrLocked, unlock)
	}

	r := v.receipts[user]
	r.PendingDepositBalance = r.PendingDepositBalance.Sub(req.Amount)
	delete(v.deposits, requestID)

	v.logger.Info().Str("request_id", requestID).Str("user", user).Msg("Deposit cancelled")
	return req.Amount, nil
}

// CancelWithdraw releases the shares reserved by a withdraw request.
func (v *Vault) CancelWithdraw(user, requestID string) (sdkmath.LegacyDec, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertNotDuringOperationLocked(); err != nil {
		return sdkmath.LegacyDec{}, err
	}
	req, ok := v.withdraws[requestID]
	if !ok {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: withdraw %s", types.ErrRequestNotFound, requestID)
	}
	if req.User != user {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: withdraw %s belongs to another user", types.ErrInsufficientAuthorization, requestID)
	}
	if unlock := req.RequestedAt.Add(v.params.LockingTimeForCancelRequest); v.now().Before(unlock) {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: cancellable at %s", types.ErrLocked, unlock)
	}

	r := v.receipts[user]
	r.PendingWithdrawShares = r.PendingWithdrawShares.Sub(req.Shares)
	delete(v.withdraws, requestID)

	v.logger.Info().Str("request_id", requestID).Str("user", user).Msg("Withdraw cancelled")
	return req.Shares, nil
}

// PendingDeposits lists buffered deposit requests.
func (v *Vault) PendingDeposits() []types.DepositRequest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.DepositRequest, 0, len(v.deposits))
	for _, id := range sortedKeys(v.deposits) {
		out = append(out, *v.deposits[id])
	}
	return out
}

// PendingWithdrawals lists buffered withdraw requests.
func (v *Vault) PendingWithdrawals() []types.WithdrawRequest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.WithdrawRequest, 0, len(v.withdraws))
	for _, id := range sortedKeys(v.withdraws) {
		out = append(out, *v.withdraws[id])
	}
	return out
}
