/*

This package is the vault ledger: shares, per-asset USD values, the status flag, user
request buffers and the operation state machine.

A Vault is a single-owner struct guarded by one mutex. Valuation runs outside the lock
against a copied entry and commits only if the entry was not mutated meanwhile.

*/

package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/utils"
)

// DefaultPrincipalKey is the ledger key of the principal coin entry.
const DefaultPrincipalKey = "principal"

// Options configures a new vault.
type Options struct {
	ID             string
	PrincipalAsset string
	PrincipalKey   string
	Params         types.VaultParameters
	// OracleStaleness is the oracle window; the vault freshness window may not exceed it.
	OracleStaleness time.Duration
	Prices          PriceSource
	// Genesis assigns pre-existing shares to users.
	Genesis map[string]sdkmath.LegacyDec
	Now     func() time.Time
}

type operatorState struct {
	frozen bool
}

// Vault is the ledger of one vault.
type Vault struct {
	mu sync.RWMutex

	id             string
	principalAsset string
	principalKey   string
	status         types.VaultStatus
	totalShares    sdkmath.LegacyDec
	params         types.VaultParameters
	oracleWindow   time.Duration

	assets     map[string]*types.AssetEntry
	borrowed   map[string]types.AssetEntry
	quarantine map[string]types.AssetEntry
	op         *types.OperationRecord
	loss       *LossGuard

	receipts  map[string]*types.Receipt
	deposits  map[string]*types.DepositRequest
	withdraws map[string]*types.WithdrawRequest
	feeVault  sdkmath.Int

	adminID   string
	operators map[string]*operatorState

	prices PriceSource
	now    func() time.Time
	logger zerolog.Logger
}

// New builds a vault holding the given entries and returns its admin capability.
func New(opts Options, entries []types.AssetEntry) (*Vault, types.AdminCap, error) {
	if err := validateOptions(&opts); err != nil {
		return nil, types.AdminCap{}, err
	}

	v := &Vault{
		id:             opts.ID,
		principalAsset: opts.PrincipalAsset,
		principalKey:   opts.PrincipalKey,
		status:         types.StatusNormal,
		totalShares:    sdkmath.LegacyZeroDec(),
		params:         opts.Params,
		oracleWindow:   opts.OracleStaleness,
		assets:         make(map[string]*types.AssetEntry, len(entries)+1),
		borrowed:       make(map[string]types.AssetEntry),
		quarantine:     make(map[string]types.AssetEntry),
		loss:           NewLossGuard(opts.Params.EpochDuration),
		receipts:       make(map[string]*types.Receipt),
		deposits:       make(map[string]*types.DepositRequest),
		withdraws:      make(map[string]*types.WithdrawRequest),
		feeVault:       sdkmath.ZeroInt(),
		adminID:        uuid.NewString(),
		operators:      make(map[string]*operatorState),
		prices:         opts.Prices,
		now:            opts.Now,
		logger:         logger.GetForComponent("vault_ledger").With().Str("vault_id", opts.ID).Logger(),
	}

	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, types.AdminCap{}, err
		}
		if _, dup := v.assets[e.Key]; dup {
			return nil, types.AdminCap{}, fmt.Errorf("%w: %s", types.ErrAssetExists, e.Key)
		}
		entry := e.Clone()
		if entry.USDValue.IsNil() {
			entry.USDValue = sdkmath.LegacyZeroDec()
		}
		v.assets[e.Key] = &entry
	}

	principal, ok := v.assets[v.principalKey]
	if !ok {
		v.assets[v.principalKey] = &types.AssetEntry{
			Key:      v.principalKey,
			Kind:     types.AssetKindCoin,
			Asset:    v.principalAsset,
			Balance:  sdkmath.ZeroInt(),
			USDValue: sdkmath.LegacyZeroDec(),
		}
	} else if principal.Kind != types.AssetKindCoin || principal.Asset != v.principalAsset {
		return nil, types.AdminCap{}, fmt.Errorf("%w: principal entry %s must be a %s coin", types.ErrInvalidParameter, v.principalKey, v.principalAsset)
	}

	for user, shares := range opts.Genesis {
		if shares.IsNil() || shares.IsNegative() {
			return nil, types.AdminCap{}, fmt.Errorf("%w: genesis shares of %s", types.ErrInvalidAmount, user)
		}
		r := types.NewReceipt(user)
		r.Shares = shares
		v.receipts[user] = r
		v.totalShares = v.totalShares.Add(shares)
	}

	v.logger.Info().Int("assets", len(v.assets)).Str("total_shares", v.totalShares.String()).Msg("Vault ledger initialized")
	return v, types.AdminCap{ID: v.adminID}, nil
}

func validateOptions(opts *Options) error {
	var errs []error
	if strings.TrimSpace(opts.ID) == "" {
		errs = append(errs, errors.New("vault id is required"))
	}
	if strings.TrimSpace(opts.PrincipalAsset) == "" {
		errs = append(errs, errors.New("principal asset is required"))
	}
	if opts.Prices == nil {
		errs = append(errs, errors.New("price source is required"))
	}
	if err := validateParams(opts.Params, opts.OracleStaleness); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{types.ErrInvalidParameter}, errs...)...)
	}
	if opts.PrincipalKey == "" {
		opts.PrincipalKey = DefaultPrincipalKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return nil
}

func validateParams(p types.VaultParameters, oracleWindow time.Duration) error {
	switch {
	case p.LossToleranceBps > types.MaxLossTolerance:
		return fmt.Errorf("loss tolerance %d exceeds %d", p.LossToleranceBps, types.MaxLossTolerance)
	case p.DepositFeeBps > types.MaxDepositFeeBps:
		return fmt.Errorf("deposit fee %d exceeds %d", p.DepositFeeBps, types.MaxDepositFeeBps)
	case p.WithdrawFeeBps > types.MaxWithdrawFeeBps:
		return fmt.Errorf("withdraw fee %d exceeds %d", p.WithdrawFeeBps, types.MaxWithdrawFeeBps)
	case p.EpochDuration <= 0:
		return errors.New("epoch duration must be positive")
	case p.ValueFreshness <= 0:
		return errors.New("value freshness must be positive")
	case oracleWindow > 0 && p.ValueFreshness > oracleWindow:
		return fmt.Errorf("value freshness %s exceeds oracle staleness %s", p.ValueFreshness, oracleWindow)
	case p.LockingTimeForWithdraw < 0 || p.LockingTimeForCancelRequest < 0:
		return errors.New("locking times must not be negative")
	}
	return nil
}

func validateEntry(e types.AssetEntry) error {
	if strings.TrimSpace(e.Key) == "" {
		return fmt.Errorf("%w: asset key is required", types.ErrInvalidParameter)
	}
	switch e.Kind {
	case types.AssetKindCoin:
		if e.Asset == "" || e.Balance.IsNil() || e.Balance.IsNegative() {
			return fmt.Errorf("%w: coin entry %s needs an asset and a non-negative balance", types.ErrInvalidParameter, e.Key)
		}
	case types.AssetKindLending:
		if e.Lending == nil {
			return fmt.Errorf("%w: lending entry %s has no position", types.ErrInvalidParameter, e.Key)
		}
	case types.AssetKindLiquidity:
		if e.Liquidity == nil {
			return fmt.Errorf("%w: liquidity entry %s has no position", types.ErrInvalidParameter, e.Key)
		}
	case types.AssetKindReceipt:
		if e.Receipt == nil {
			return fmt.Errorf("%w: receipt entry %s has no position", types.ErrInvalidParameter, e.Key)
		}
	default:
		return fmt.Errorf("%w: unknown asset kind %q for %s", types.ErrInvalidParameter, e.Kind, e.Key)
	}
	return nil
}

func (v *Vault) ID() string { return v.id }

func (v *Vault) Status() types.VaultStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status
}

func (v *Vault) TotalShares() sdkmath.LegacyDec {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.totalShares
}

func (v *Vault) Parameters() types.VaultParameters {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.params
}

// AssertNotDuringOperation fails with ErrInvalidStatus while assets are checked out.
func (v *Vault) AssertNotDuringOperation() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.assertNotDuringOperationLocked()
}

// WhileNotDuringOperation runs fn while no operation can start. It fails with
// ErrInvalidStatus, without calling fn, when one is in flight. fn must not call back
// into the vault.
func (v *Vault) WhileNotDuringOperation(fn func() error) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.assertNotDuringOperationLocked(); err != nil {
		return err
	}
	return fn()
}

func (v *Vault) assertNotDuringOperationLocked() error {
	if v.status == types.StatusDuringOperation {
		return fmt.Errorf("%w: vault %s is during operation", types.ErrInvalidStatus, v.id)
	}
	return nil
}

func (v *Vault) assertNormalLocked() error {
	if v.status != types.StatusNormal {
		return fmt.Errorf("%w: vault %s is %s", types.ErrInvalidStatus, v.id, v.status)
	}
	return nil
}

// CheckFreshnessWindows fails when the vault value window exceeds oracleWindow.
func (v *Vault) CheckFreshnessWindows(oracleWindow time.Duration) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.params.ValueFreshness > oracleWindow {
		return fmt.Errorf("%w: value freshness %s exceeds oracle staleness %s", types.ErrInvalidParameter, v.params.ValueFreshness, oracleWindow)
	}
	return nil
}

// TotalUSDValue sums the last confirmed USD value of every non-quarantined asset.
func (v *Vault) TotalUSDValue() (sdkmath.LegacyDec, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.totalUSDValueLocked(v.now())
}

func (v *Vault) totalUSDValueLocked(now time.Time) (sdkmath.LegacyDec, error) {
	return v.stagedTotalLocked(now, nil)
}

// stagedTotalLocked sums the ledger with staged standing in for the held entry under
// the same key.
func (v *Vault) stagedTotalLocked(now time.Time, staged *types.AssetEntry) (sdkmath.LegacyDec, error) {
	if len(v.borrowed) > 0 {
		return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s", types.ErrAssetNotReturned, strings.Join(sortedKeys(v.borrowed), ","))
	}
	total := sdkmath.LegacyZeroDec()
	for _, key := range v.assetKeysLocked() {
		entry := v.assets[key]
		if staged != nil && staged.Key == key {
			entry = staged
		}
		if !entry.IsFresh(now, v.params.ValueFreshness) {
			return sdkmath.LegacyDec{}, fmt.Errorf("%w: %s last updated %s", types.ErrStalePrice, key, entry.LastUpdated.Format(time.RFC3339))
		}
		total = total.Add(entry.USDValue)
	}
	return total, nil
}

// oldestValueLocked returns the LastUpdated of the least recently valued held entry.
func (v *Vault) oldestValueLocked() time.Time {
	var oldest time.Time
	for _, e := range v.assets {
		oldest = types.OldestTime(oldest, e.LastUpdated)
	}
	return oldest
}

// ShareRatio is total USD ÷ total shares, 1 for an empty vault.
func (v *Vault) ShareRatio() (sdkmath.LegacyDec, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	total, err := v.totalUSDValueLocked(v.now())
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return v.shareRatioLocked(total), nil
}

// ValuedShareRatio is ShareRatio together with the time of the oldest value behind it.
// A receipt on this vault is no fresher than that.
func (v *Vault) ValuedShareRatio() (sdkmath.LegacyDec, time.Time, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	total, err := v.totalUSDValueLocked(v.now())
	if err != nil {
		return sdkmath.LegacyDec{}, time.Time{}, err
	}
	return v.shareRatioLocked(total), v.oldestValueLocked(), nil
}

func (v *Vault) shareRatioLocked(total sdkmath.LegacyDec) sdkmath.LegacyDec {
	if v.totalShares.IsZero() {
		return sdkmath.LegacyOneDec()
	}
	return total.Quo(v.totalShares)
}

// AssetKeys lists the keys currently held in the ledger.
func (v *Vault) AssetKeys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.assetKeysLocked()
}

func (v *Vault) assetKeysLocked() []string {
	keys := make([]string, 0, len(v.assets))
	for k := range v.assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Asset returns a copy of the entry under key.
func (v *Vault) Asset(key string) (types.AssetEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.assets[key]
	if !ok {
		return types.AssetEntry{}, fmt.Errorf("%w: %s", types.ErrAssetNotFound, key)
	}
	return e.Clone(), nil
}

// Revalue prices the entry under key with valuer and commits the value if the entry
// was not mutated while it was being priced.
func (v *Vault) Revalue(ctx context.Context, key string, valuer AssetValuer) error {
	v.mu.RLock()
	entry, ok := v.assets[key]
	if !ok {
		_, out := v.borrowed[key]
		v.mu.RUnlock()
		if out {
			return fmt.Errorf("%w: %s is checked out", types.ErrAssetNotReturned, key)
		}
		return fmt.Errorf("%w: %s", types.ErrAssetNotFound, key)
	}
	snapshot := entry.Clone()
	v.mu.RUnlock()

	val, err := valuer.Value(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("valuation of %s failed: %w", key, err)
	}
	if val.USD.IsNil() || val.USD.IsNegative() {
		return fmt.Errorf("%w: %s valued at %s", types.ErrInvariantViolation, key, val.USD)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok = v.assets[key]
	if !ok || entry.Revision != snapshot.Revision {
		return fmt.Errorf("%w: %s changed while being valued", types.ErrInvariantViolation, key)
	}
	entry.USDValue = val.USD
	entry.LastUpdated = valueTime(val.PricedAt, v.now())
	if v.op != nil && v.op.IsBorrowed(key) && v.op.Returned[key] {
		v.op.ValueUpdated[key] = true
	}

	v.logger.Debug().
		Str("asset", key).
		Str("usd_value", val.USD.String()).
		Time("priced_at", entry.LastUpdated).
		Msg("Asset revalued")
	return nil
}

// valueTime is when a value built from prices published at pricedAt stops being
// trusted from: the price time, capped at now. Values that used no price date from now.
func valueTime(pricedAt, now time.Time) time.Time {
	if pricedAt.IsZero() || pricedAt.After(now) {
		return now
	}
	return pricedAt
}

// stagePrincipalLocked prices the principal entry from the oracle and returns the
// revalued copy with the normalized price used. The ledger is not touched.
func (v *Vault) stagePrincipalLocked(now time.Time) (types.AssetEntry, sdkmath.LegacyDec, error) {
	price, publishedAt, err := v.prices.NormalizedQuote(v.principalAsset)
	if err != nil {
		return types.AssetEntry{}, sdkmath.LegacyDec{}, fmt.Errorf("principal price: %w", err)
	}
	entry, ok := v.assets[v.principalKey]
	if !ok {
		return types.AssetEntry{}, sdkmath.LegacyDec{}, fmt.Errorf("%w: principal entry %s is not held", types.ErrAssetNotFound, v.principalKey)
	}
	staged := entry.Clone()
	usd, err := utils.MulWithNormalizedPrice(staged.Balance, price)
	if err != nil {
		return types.AssetEntry{}, sdkmath.LegacyDec{}, err
	}
	staged.USDValue = usd
	staged.LastUpdated = valueTime(publishedAt, now)
	return staged, price, nil
}

// movePrincipal returns entry with delta applied to its balance and value.
func movePrincipal(entry types.AssetEntry, delta sdkmath.Int, price sdkmath.LegacyDec) (types.AssetEntry, error) {
	next := entry.Balance.Add(delta)
	if next.IsNegative() {
		return types.AssetEntry{}, fmt.Errorf("%w: principal balance %s, debit %s", types.ErrInsufficientBalance, entry.Balance, delta.Neg())
	}
	usd, err := utils.MulWithNormalizedPrice(next, price)
	if err != nil {
		return types.AssetEntry{}, err
	}
	entry.Balance = next
	entry.USDValue = usd
	entry.Revision++
	return entry, nil
}

// EpochLoss returns the loss budget state of the current epoch.
func (v *Vault) EpochLoss() types.EpochLoss {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loss.Snapshot()
}

// RestoreEpochLoss loads a persisted loss budget. Refused during an operation.
func (v *Vault) RestoreEpochLoss(e types.EpochLoss) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.assertNotDuringOperationLocked(); err != nil {
		return err
	}
	return v.loss.Restore(e)
}

// CurrentOperation returns a copy of the in-flight operation record, or nil.
func (v *Vault) CurrentOperation() *types.OperationRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.op.Clone()
}

// Quarantined returns the assets excluded from accounting by a recovery.
func (v *Vault) Quarantined() []types.AssetEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.AssetEntry, 0, len(v.quarantine))
	for _, k := range sortedKeys(v.quarantine) {
		out = append(out, v.quarantine[k].Clone())
	}
	return out
}

// Receipt returns a copy of user's receipt.
func (v *Vault) Receipt(user string) (types.Receipt, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.receipts[user]
	if !ok {
		return types.Receipt{}, false
	}
	return *r, true
}

// CollectedFees returns the principal held back as deposit and withdraw fees.
func (v *Vault) CollectedFees() sdkmath.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.feeVault
}

// Summary is a point-in-time view of the vault for reporting.
type Summary struct {
	VaultID         string                 `json:"vault_id"`
	Status          types.VaultStatus      `json:"status"`
	TotalUSD        *sdkmath.LegacyDec     `json:"total_usd,omitempty"`
	ShareRatio      *sdkmath.LegacyDec     `json:"share_ratio,omitempty"`
	ValueError      string                 `json:"value_error,omitempty"`
	TotalShares     sdkmath.LegacyDec      `json:"total_shares"`
	EpochLoss       types.EpochLoss        `json:"epoch_loss"`
	EpochLossLimit  sdkmath.LegacyDec      `json:"epoch_loss_limit"`
	Assets          []types.AssetEntry     `json:"assets"`
	Operation       *types.OperationRecord `json:"operation,omitempty"`
	QuarantineCount int                    `json:"quarantine_count"`
	PendingDeposits int                    `json:"pending_deposits"`
	PendingWithdraw int                    `json:"pending_withdrawals"`
	Parameters      types.VaultParameters  `json:"parameters"`
}

// Summary builds a reporting snapshot. A stale value is reported, not returned as error.
func (v *Vault) Summary() Summary {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := Summary{
		VaultID:         v.id,
		Status:          v.status,
		TotalShares:     v.totalShares,
		EpochLoss:       v.loss.Snapshot(),
		EpochLossLimit:  v.loss.Limit(v.params.LossToleranceBps),
		Operation:       v.op.Clone(),
		QuarantineCount: len(v.quarantine),
		PendingDeposits: len(v.deposits),
		PendingWithdraw: len(v.withdraws),
		Parameters:      v.params,
	}
	for _, k := range v.assetKeysLocked() {
		s.Assets = append(s.Assets, v.assets[k].Clone())
	}
	total, err := v.totalUSDValueLocked(v.now())
	if err != nil {
		s.ValueError = err.Error()
		return s
	}
	ratio := v.shareRatioLocked(total)
	s.TotalUSD = &total
	s.ShareRatio = &ratio
	return s
}

// CheckInvariants verifies the ledger's structural invariants.
func (v *Vault) CheckInvariants() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.checkInvariantsLocked()
}

func (v *Vault) checkInvariantsLocked() error {
	sum := sdkmath.LegacyZeroDec()
	for _, r := range v.receipts {
		if err := checkReceipt(*r); err != nil {
			return err
		}
		sum = sum.Add(r.Shares)
	}
	if !sum.Equal(v.totalShares) {
		return fmt.Errorf("%w: receipts hold %s shares, vault %s", types.ErrInvariantViolation, sum, v.totalShares)
	}
	if (v.status == types.StatusDuringOperation) != (v.op != nil) {
		return fmt.Errorf("%w: status %s with operation record %t", types.ErrInvariantViolation, v.status, v.op != nil)
	}
	if v.op == nil && len(v.borrowed) > 0 {
		return fmt.Errorf("%w: assets checked out without an operation", types.ErrInvariantViolation)
	}
	for k := range v.quarantine {
		if _, ok := v.assets[k]; ok {
			return fmt.Errorf("%w: %s is both held and quarantined", types.ErrInvariantViolation, k)
		}
	}
	for k, e := range v.assets {
		if e.Kind == types.AssetKindCoin && e.Balance.IsNegative() {
			return fmt.Errorf("%w: %s balance is negative", types.ErrInvariantViolation, k)
		}
	}
	return nil
}

func checkReceipt(r types.Receipt) error {
	if r.Shares.IsNegative() || r.PendingWithdrawShares.IsNegative() || r.PendingWithdrawShares.GT(r.Shares) {
		return fmt.Errorf("%w: receipt of %s", types.ErrInvariantViolation, r.User)
	}
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
