package state

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/vaultkeeper/internal/types"
)

var snapshotCols = []string{
	"snapshot_id", "vault_id", "operation_id", "operator", "outcome",
	"started_at", "finished_at",
	"total_usd_before", "total_usd_after", "loss_usd",
	"borrowed", "value_updated", "quarantined", "message",
}

func withMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	prev := DB
	DB = db
	t.Cleanup(func() {
		DB = prev
		db.Close()
	})
	return mock
}

func TestStoreRequiresDB(t *testing.T) {
	prev := DB
	DB = nil
	defer func() { DB = prev }()

	assert.ErrorIs(t, EnsureSchema(), ErrDBNotInitialized)
	assert.ErrorIs(t, SaveEpochLoss("v", types.EpochLoss{}), ErrDBNotInitialized)
	_, err := LoadEpochLoss("v")
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = SaveOperationSnapshot(types.OperationSnapshot{})
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	_, err = GetRecentOperations("v", 5)
	assert.ErrorIs(t, err, ErrDBNotInitialized)
	assert.ErrorIs(t, TestDBConnection(), ErrDBNotInitialized)
}

func TestEnsureSchema(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS vault_parameters").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndLoadEpochLoss(t *testing.T) {
	mock := withMockDB(t)

	mock.ExpectExec("INSERT INTO epoch_loss").
		WithArgs("vault-1", int64(20454), "1500000.000000000000000000", "1000.000000000000000000").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, SaveEpochLoss("vault-1", types.EpochLoss{
		Epoch:     20454,
		BaseValue: sdkmath.LegacyNewDec(1_500_000),
		Loss:      sdkmath.LegacyNewDec(1_000),
	}))

	mock.ExpectQuery("SELECT epoch, base_value_usd, loss_usd FROM epoch_loss").
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"epoch", "base_value_usd", "loss_usd"}).
			AddRow(int64(20454), "1500000.000000000000000000", "1000.5"))
	loaded, err := LoadEpochLoss("vault-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(20454), loaded.Epoch)
	assert.True(t, loaded.BaseValue.Equal(sdkmath.LegacyNewDec(1_500_000)))
	assert.True(t, loaded.Loss.Equal(sdkmath.LegacyMustNewDecFromStr("1000.5")))

	mock.ExpectQuery("FROM epoch_loss").
		WithArgs("vault-2").
		WillReturnRows(sqlmock.NewRows([]string{"epoch", "base_value_usd", "loss_usd"}))
	loaded, err = LoadEpochLoss("vault-2")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEpochLossRejectsNilValues(t *testing.T) {
	withMockDB(t)
	assert.Error(t, SaveEpochLoss("vault-1", types.EpochLoss{Epoch: 1}))
}

func TestSaveOperationSnapshot(t *testing.T) {
	mock := withMockDB(t)
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Minute)
	after := sdkmath.LegacyNewDec(1_499_000)
	loss := sdkmath.LegacyNewDec(1_000)

	mock.ExpectQuery("INSERT INTO operation_snapshots").
		WithArgs(
			"vault-1", "op-1", "operator-1", "completed",
			started, finished,
			"1500000.000000000000000000", "1499000.000000000000000000", "1000.000000000000000000",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "",
		).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot_id"}).AddRow(int64(7)))

	id, err := SaveOperationSnapshot(types.OperationSnapshot{
		VaultID:        "vault-1",
		OperationID:    "op-1",
		Operator:       "operator-1",
		Outcome:        "completed",
		StartedAt:      started,
		FinishedAt:     finished,
		TotalUSDBefore: sdkmath.LegacyNewDec(1_500_000),
		TotalUSDAfter:  &after,
		Loss:           &loss,
		Borrowed:       []string{"navi"},
		ValueUpdated:   []string{"navi"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOperationByID(t *testing.T) {
	mock := withMockDB(t)
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM operation_snapshots").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(snapshotCols).AddRow(
			int64(7), "vault-1", "op-1", "operator-1", "recovered",
			started, started.Add(time.Hour),
			"1500000.000000000000000000", nil, nil,
			[]byte(`["navi","scallop"]`), []byte(`["scallop"]`), "{navi}", "strategy unreachable",
		))

	s, err := GetOperationByID(7)
	require.NoError(t, err)
	assert.Equal(t, "recovered", s.Outcome)
	assert.True(t, s.TotalUSDBefore.Equal(sdkmath.LegacyNewDec(1_500_000)))
	assert.Nil(t, s.TotalUSDAfter)
	assert.Nil(t, s.Loss)
	assert.Equal(t, []string{"navi", "scallop"}, s.Borrowed)
	assert.Equal(t, []string{"scallop"}, s.ValueUpdated)
	assert.Equal(t, []string{"navi"}, s.Quarantined)
	assert.Equal(t, "strategy unreachable", s.Message)

	mock.ExpectQuery("FROM operation_snapshots").
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows(snapshotCols))
	_, err = GetOperationByID(8)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecentOperationsDefaultsLimit(t *testing.T) {
	mock := withMockDB(t)
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM operation_snapshots").
		WithArgs("vault-1", 10).
		WillReturnRows(sqlmock.NewRows(snapshotCols).
			AddRow(int64(2), "vault-1", "op-2", "operator-1", "failed",
				started, started.Add(time.Minute), "10", nil, nil, nil, nil, "{}", nil).
			AddRow(int64(1), "vault-1", "op-1", "operator-1", "completed",
				started, started.Add(time.Minute), "10", "10", "0", []byte(`[]`), []byte(`[]`), "{}", nil))

	ops, err := GetRecentOperations("vault-1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op-2", ops[0].OperationID)
	require.NotNil(t, ops[1].Loss)
	assert.True(t, ops[1].Loss.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndLoadVaultParameters(t *testing.T) {
	mock := withMockDB(t)
	params := types.VaultParameters{
		LossToleranceBps:            10,
		WithdrawFeeBps:              10,
		LockingTimeForWithdraw:      12 * time.Hour,
		LockingTimeForCancelRequest: 5 * time.Minute,
		ValueFreshness:              time.Minute,
		EpochDuration:               24 * time.Hour,
		MaxOperationDuration:        10 * time.Minute,
		MinStuckAge:                 30 * time.Minute,
		RecoveryCooldown:            time.Hour,
		MinHealthFactor:             sdkmath.LegacyMustNewDecFromStr("1.1"),
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE vault_parameters SET is_active = FALSE").
		WithArgs("vault-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO vault_parameters").
		WillReturnRows(sqlmock.NewRows([]string{"params_id"}).AddRow(int64(3)))
	mock.ExpectCommit()

	id, err := SaveVaultParameters("vault-1", params, 2, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	mock.ExpectQuery("FROM vault_parameters").
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"loss_tolerance_bps", "deposit_fee_bps", "withdraw_fee_bps",
			"locking_time_for_withdraw_ms", "locking_time_for_cancel_ms", "value_freshness_ms", "epoch_duration_ms",
			"max_operation_duration_ms", "min_stuck_age_ms", "recovery_cooldown_ms", "min_health_factor",
		}).AddRow(
			int64(10), int64(0), int64(10),
			int64(43_200_000), int64(300_000), int64(60_000), int64(86_400_000),
			int64(600_000), int64(1_800_000), int64(3_600_000), "1.100000000000000000",
		))

	loaded, err := LoadActiveVaultParameters("vault-1")
	require.NoError(t, err)
	assert.Equal(t, params.LockingTimeForWithdraw, loaded.LockingTimeForWithdraw)
	assert.Equal(t, params.EpochDuration, loaded.EpochDuration)
	assert.Equal(t, params.RecoveryCooldown, loaded.RecoveryCooldown)
	assert.Equal(t, uint64(10), loaded.LossToleranceBps)
	assert.True(t, loaded.MinHealthFactor.Equal(params.MinHealthFactor))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadActiveVaultParametersMissing(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery("FROM vault_parameters").
		WithArgs("vault-9").
		WillReturnRows(sqlmock.NewRows([]string{"loss_tolerance_bps"}))

	_, err := LoadActiveVaultParameters("vault-9")
	assert.ErrorIs(t, err, ErrNoActiveParameters)
}

func TestGetOperationStats(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery("FROM operation_snapshots").
		WithArgs("vault-1").
		WillReturnRows(sqlmock.NewRows([]string{"total_operations", "completed", "failed", "recovered", "total_loss"}).
			AddRow(5, 3, 1, 1, "1250.25"))

	stats, err := GetOperationStats("vault-1")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalOperations)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Recovered)
	assert.True(t, stats.TotalLossUSD.Equal(sdkmath.LegacyMustNewDecFromStr("1250.25")))
}

func TestPriceObservations(t *testing.T) {
	mock := withMockDB(t)
	published := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	observed := published.Add(time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO price_observations").
		WithArgs("usdc", "feed-usdc", "1.000000000000000000", 6, published, observed).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO price_observations").
		WithArgs("sui", "feed-sui", "2.500000000000000000", 9, published, observed).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := SavePriceObservations([]types.PriceObservation{
		{Asset: "usdc", FeedID: "feed-usdc", Price: sdkmath.LegacyOneDec(), Decimals: 6, PublishedAt: published, ObservedAt: observed},
		{Asset: "sui", FeedID: "feed-sui", Price: sdkmath.LegacyMustNewDecFromStr("2.5"), Decimals: 9, PublishedAt: published, ObservedAt: observed},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mock.ExpectQuery("FROM price_observations").
		WillReturnRows(sqlmock.NewRows([]string{"asset", "feed_id", "price", "decimals", "published_at", "observed_at"}).
			AddRow("sui", "feed-sui", "2.5", 9, published, observed))
	latest, err := GetLatestPrices()
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, uint8(9), latest[0].Decimals)
	assert.True(t, latest[0].Price.Equal(sdkmath.LegacyMustNewDecFromStr("2.5")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPriceHistory(t *testing.T) {
	mock := withMockDB(t)
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"asset", "feed_id", "price", "decimals", "published_at", "observed_at"}

	mock.ExpectQuery(`WHERE asset = \$1 AND published_at >= \$2`).
		WithArgs("sui", since).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("sui", "feed-sui", "2.5", 9, since.Add(time.Hour), since.Add(time.Hour)).
			AddRow("sui", "feed-sui", "2.6", 9, since.Add(2*time.Hour), since.Add(2*time.Hour)))
	history, err := GetPriceHistory("sui", since)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[1].Price.Equal(sdkmath.LegacyMustNewDecFromStr("2.6")))

	mock.ExpectQuery("FROM price_observations").
		WithArgs("sui", since).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("sui", "feed-sui", "not-a-price", 9, since, since))
	_, err = GetPriceHistory("sui", since)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
