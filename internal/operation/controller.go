/*

This package drives an operation end to end: check assets out of the vault, hand them
to a strategy, take them back, revalue, and reconcile against the loss budget. It also
hosts the rate-limited recovery path and stuck-operation detection.

*/

package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/elys-network/vaultkeeper/internal/logger"
	"github.com/elys-network/vaultkeeper/internal/metrics"
	"github.com/elys-network/vaultkeeper/internal/types"
	"github.com/elys-network/vaultkeeper/internal/vault"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRecovered = "recovered"
)

// Strategy acts on checked-out assets and hands them back. Checkouts missing from the
// returned slice are treated as not returned.
type Strategy interface {
	Name() string
	Perform(ctx context.Context, checkouts []types.Checkout) ([]types.Checkout, error)
}

// Valuer prices entries and checks the health of lending positions.
type Valuer interface {
	vault.AssetValuer
	CheckHealth(ctx context.Context, entry types.AssetEntry) error
}

// Recorder persists operation history and the loss budget.
type Recorder interface {
	SaveOperationSnapshot(s types.OperationSnapshot) (int64, error)
	SaveEpochLoss(vaultID string, e types.EpochLoss) error
}

// Config wires a Controller.
type Config struct {
	Vault    *vault.Vault
	Valuer   Valuer
	Recorder Recorder         // optional
	Metrics  *metrics.Metrics // optional
	Now      func() time.Time
}

// Controller serializes operations on one vault.
type Controller struct {
	vault    *vault.Vault
	valuer   Valuer
	recorder Recorder
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	now      func() time.Time
	logger   zerolog.Logger
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Vault == nil || cfg.Valuer == nil {
		return nil, errors.Join(types.ErrInvalidParameter, errors.New("vault and valuer are required"))
	}
	cooldown := cfg.Vault.Parameters().RecoveryCooldown
	if cooldown <= 0 {
		return nil, errors.Join(types.ErrInvalidParameter, fmt.Errorf("recovery cooldown must be positive, got %s", cooldown))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		vault:    cfg.Vault,
		valuer:   cfg.Valuer,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		limiter:  rate.NewLimiter(rate.Every(cooldown), 1),
		now:      now,
		logger:   logger.GetForComponent("operation_controller").With().Str("vault_id", cfg.Vault.ID()).Logger(),
	}, nil
}

// Run performs one full operation with strategy over the assets under keys.
//
// A failure after the assets were checked out leaves the operation in flight: the vault
// stays in DuringOperation until the operator fixes the cause or the admin recovers.
func (c *Controller) Run(ctx context.Context, operator types.OperatorCap, keys []string, strategy Strategy) (*types.OperationOutcome, error) {
	rec, checkouts, err := c.vault.BeginOperation(operator, keys)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	log := c.logger.With().Str("operation_id", rec.ID).Str("strategy", strategy.Name()).Logger()
	log.Info().Strs("borrowed", keys).Msg("Handing assets to strategy")

	returned, performErr := strategy.Perform(ctx, checkouts)

	// Whatever came back goes back into the ledger, even when the strategy failed.
	var errs []error
	if performErr != nil {
		errs = append(errs, fmt.Errorf("strategy %s: %w", strategy.Name(), performErr))
	}
	for _, co := range returned {
		if err := c.vault.ReturnAsset(rec.ID, co); err != nil {
			errs = append(errs, fmt.Errorf("return %s: %w", co.Entry.Key, err))
		}
	}
	if len(errs) > 0 {
		return nil, c.fail(rec, errors.Join(errs...))
	}

	if err := c.revalueReturned(ctx, rec); err != nil {
		return nil, c.fail(rec, err)
	}
	if err := c.revalueRest(ctx, rec); err != nil {
		return nil, c.fail(rec, err)
	}

	outcome, err := c.vault.CompleteOperation(operator, rec.ID)
	if err != nil {
		return nil, c.fail(rec, fmt.Errorf("reconcile: %w", err))
	}

	after, loss := outcome.TotalUSDAfter, outcome.Loss
	c.record(types.OperationSnapshot{
		VaultID:        c.vault.ID(),
		OperationID:    rec.ID,
		Operator:       rec.Operator,
		Outcome:        OutcomeCompleted,
		StartedAt:      rec.StartedAt,
		FinishedAt:     outcome.CompletedAt,
		TotalUSDBefore: rec.TotalUSDBefore,
		TotalUSDAfter:  &after,
		Loss:           &loss,
		Borrowed:       rec.Borrowed,
		ValueUpdated:   rec.Borrowed,
	}, loss)
	c.saveEpochLoss()

	log.Info().
		Str("loss", loss.String()).
		Str("epoch_loss", outcome.EpochLoss.String()).
		Dur("duration", outcome.CompletedAt.Sub(rec.StartedAt)).
		Msg("Operation reconciled")
	return outcome, nil
}

// revalueReturned prices every borrowed asset again and checks lending health.
func (c *Controller) revalueReturned(ctx context.Context, rec *types.OperationRecord) error {
	for _, key := range rec.Borrowed {
		entry, err := c.vault.Asset(key)
		if err != nil {
			return fmt.Errorf("returned asset %s: %w", key, err)
		}
		if err := c.valuer.CheckHealth(ctx, entry); err != nil {
			return err
		}
		if err := c.vault.Revalue(ctx, key, c.valuer); err != nil {
			return err
		}
	}
	return nil
}

// revalueRest refreshes the assets that never left so the reconcile total is fresh.
func (c *Controller) revalueRest(ctx context.Context, rec *types.OperationRecord) error {
	for _, key := range c.vault.AssetKeys() {
		if rec.IsBorrowed(key) {
			continue
		}
		if err := c.vault.Revalue(ctx, key, c.valuer); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) fail(rec *types.OperationRecord, err error) error {
	current := c.vault.CurrentOperation()
	updated := []string{}
	if current != nil {
		for _, k := range current.Borrowed {
			if current.ValueUpdated[k] {
				updated = append(updated, k)
			}
		}
	}
	c.record(types.OperationSnapshot{
		VaultID:        c.vault.ID(),
		OperationID:    rec.ID,
		Operator:       rec.Operator,
		Outcome:        OutcomeFailed,
		StartedAt:      rec.StartedAt,
		FinishedAt:     c.now(),
		TotalUSDBefore: rec.TotalUSDBefore,
		Borrowed:       rec.Borrowed,
		ValueUpdated:   updated,
		Message:        err.Error(),
	}, sdkmath.LegacyDec{})

	c.logger.Error().Err(err).Str("operation_id", rec.ID).Msg("Operation failed, still in flight")
	return err
}

// Recover force-exits a stuck operation. At most one recovery is allowed per cooldown,
// and only once the operation is older than MinStuckAge.
func (c *Controller) Recover(ctx context.Context, admin types.AdminCap, reason string) (*types.RecoveryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	op := c.vault.CurrentOperation()
	if op == nil {
		return nil, fmt.Errorf("%w: no operation in flight", types.ErrInvalidStatus)
	}
	now := c.now()
	minAge := c.vault.Parameters().MinStuckAge
	if age := now.Sub(op.StartedAt); age < minAge {
		return nil, fmt.Errorf("%w: operation %s is %s old, recovery opens after %s", types.ErrStuckOperationState, op.ID, age.Round(time.Second), minAge)
	}

	r := c.limiter.ReserveN(now, 1)
	if !r.OK() || r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, fmt.Errorf("%w: next recovery allowed in %s", types.ErrRecoveryRateLimited, r.DelayFrom(now).Round(time.Second))
	}

	event, err := c.vault.ForceRecover(admin, op.ID, reason)
	if err != nil {
		// A refused recovery does not use up the budget.
		r.CancelAt(now)
		return nil, err
	}

	updated := []string{}
	for _, k := range op.Borrowed {
		if op.ValueUpdated[k] {
			updated = append(updated, k)
		}
	}
	c.record(types.OperationSnapshot{
		VaultID:        c.vault.ID(),
		OperationID:    op.ID,
		Operator:       op.Operator,
		Outcome:        OutcomeRecovered,
		StartedAt:      op.StartedAt,
		FinishedAt:     event.RecoveredAt,
		TotalUSDBefore: op.TotalUSDBefore,
		Loss:           &event.Loss,
		Borrowed:       op.Borrowed,
		ValueUpdated:   updated,
		Quarantined:    event.Quarantined,
		Message:        reason,
	}, event.Loss)
	c.saveEpochLoss()
	c.metrics.SetStuck(c.vault.ID(), false)
	return event, nil
}

// CheckStuck fails with ErrStuckOperationState when the in-flight operation has run
// longer than MaxOperationDuration.
func (c *Controller) CheckStuck(now time.Time) error {
	op := c.vault.CurrentOperation()
	if op == nil {
		c.metrics.SetStuck(c.vault.ID(), false)
		return nil
	}
	maxDuration := c.vault.Parameters().MaxOperationDuration
	age := now.Sub(op.StartedAt)
	if maxDuration > 0 && age > maxDuration {
		c.metrics.SetStuck(c.vault.ID(), true)
		return fmt.Errorf("%w: operation %s running for %s", types.ErrStuckOperationState, op.ID, age.Round(time.Second))
	}
	c.metrics.SetStuck(c.vault.ID(), false)
	return nil
}

func (c *Controller) record(s types.OperationSnapshot, loss sdkmath.LegacyDec) {
	c.metrics.OperationFinished(s.Outcome, s.FinishedAt.Sub(s.StartedAt), loss)
	if c.recorder == nil {
		return
	}
	if _, err := c.recorder.SaveOperationSnapshot(s); err != nil {
		c.logger.Error().Err(err).Str("operation_id", s.OperationID).Msg("Failed to persist operation snapshot")
	}
}

func (c *Controller) saveEpochLoss() {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveEpochLoss(c.vault.ID(), c.vault.EpochLoss()); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist epoch loss")
	}
}
