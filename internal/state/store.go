package state

import (
	"time"

	"github.com/elys-network/vaultkeeper/internal/types"
)

// Store binds the package-level store functions to the global DB so they can be
// passed where an interface is expected.
type Store struct{}

func (Store) SaveOperationSnapshot(s types.OperationSnapshot) (int64, error) {
	return SaveOperationSnapshot(s)
}

func (Store) SaveEpochLoss(vaultID string, e types.EpochLoss) error {
	return SaveEpochLoss(vaultID, e)
}

func (Store) LoadEpochLoss(vaultID string) (*types.EpochLoss, error) {
	return LoadEpochLoss(vaultID)
}

func (Store) SavePriceObservations(o []types.PriceObservation) (int, error) {
	return SavePriceObservations(o)
}

func (Store) GetRecentOperations(vaultID string, limit int) ([]types.OperationSnapshot, error) {
	return GetRecentOperations(vaultID, limit)
}

func (Store) GetOperationByID(id int64) (*types.OperationSnapshot, error) {
	return GetOperationByID(id)
}

func (Store) GetLatestPrices() ([]types.PriceObservation, error) {
	return GetLatestPrices()
}

func (Store) Ping() error {
	return TestDBConnection()
}

func (Store) GetPriceHistory(asset string, since time.Time) ([]types.PriceObservation, error) {
	return GetPriceHistory(asset, since)
}
