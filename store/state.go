package store

import (
	"time"
)

// Well-known state keys.
const (
	FulfillmentStateKey  = "fulfillment-state"
	MaintenanceStateKey  = "xcpfolio:maintenance:state"
	MaintenanceLockKey   = "xcpfolio:maintenance:lock"
	FulfillmentStateTTL  = 30 * 24 * time.Hour
	MaintenanceLockTTL   = 5 * time.Minute
	ActiveOrderTTL       = 2 * time.Hour
	MaxProcessedOrders   = 1000
	ProcessedKeepOnClean = 100
)

// FulfillmentState is the durable snapshot for the fulfillment
// controller. Written via full-object overwrite.
type FulfillmentState struct {
	LastBlock       int64     `json:"lastBlock"`
	LastOrderHash   string    `json:"lastOrderHash,omitempty"`
	LastChecked     time.Time `json:"lastChecked"`
	ProcessedOrders []string  `json:"processedOrders"`
	LastCleanup     int64     `json:"lastCleanup"`
}

// MarkProcessed appends hash to the processed set if absent, truncating
// to the most-recent MaxProcessedOrders.
func (fs *FulfillmentState) MarkProcessed(hash string) {
	for _, h := range fs.ProcessedOrders {
		if h == hash {
			return
		}
	}
	fs.ProcessedOrders = append(fs.ProcessedOrders, hash)
	if len(fs.ProcessedOrders) > MaxProcessedOrders {
		fs.ProcessedOrders = fs.ProcessedOrders[len(fs.ProcessedOrders)-MaxProcessedOrders:]
	}
}

// IsProcessed reports membership in the processed set.
func (fs *FulfillmentState) IsProcessed(hash string) bool {
	for _, h := range fs.ProcessedOrders {
		if h == hash {
			return true
		}
	}
	return false
}

// TruncateProcessed keeps only the most recent keep entries.
func (fs *FulfillmentState) TruncateProcessed(keep int) {
	if len(fs.ProcessedOrders) > keep {
		fs.ProcessedOrders = fs.ProcessedOrders[len(fs.ProcessedOrders)-keep:]
	}
}

// MaintenanceState is the durable snapshot for the maintenance
// controller.
type MaintenanceState struct {
	LastRun      time.Time                    `json:"lastRun"`
	ActiveOrders map[string]ActiveOrder       `json:"activeOrders"`
	FailedAssets map[string]AssetFailureEntry `json:"failedAssets,omitempty"`
}

// ActiveOrder marks an asset as having a live (or in-flight) DEX
// listing. While present, no new listing order will be composed for the
// asset; entries clear only by TTL.
type ActiveOrder struct {
	Asset         string    `json:"asset"`
	Txid          string    `json:"txid"`
	BroadcastTime time.Time `json:"broadcastTime"`
	Price         float64   `json:"price"`
}

// PendingTxid is the placeholder recorded before compose, sealing the
// race window between the duplicate check and the broadcast.
const PendingTxid = "pending"

// Expired reports whether the marker has outlived the active-order TTL.
func (a ActiveOrder) Expired(now time.Time) bool {
	return now.Sub(a.BroadcastTime) > ActiveOrderTTL
}

// AssetFailureEntry records per-asset maintenance failures.
type AssetFailureEntry struct {
	Count           int       `json:"count"`
	LastError       string    `json:"lastError"`
	LastAttemptTime time.Time `json:"lastAttemptTime"`
}

// BeginRun stamps the run start and discards the previous run's
// failure map.
func (ms *MaintenanceState) BeginRun(now time.Time) {
	ms.LastRun = now
	ms.FailedAssets = make(map[string]AssetFailureEntry)
}

// RecordAssetFailure bumps the failure entry for an asset, keeping the
// latest error text.
func (ms *MaintenanceState) RecordAssetFailure(asset, errMsg string, now time.Time) {
	if ms.FailedAssets == nil {
		ms.FailedAssets = make(map[string]AssetFailureEntry)
	}
	entry := ms.FailedAssets[asset]
	entry.Count++
	entry.LastError = errMsg
	entry.LastAttemptTime = now
	ms.FailedAssets[asset] = entry
}

// LoadFulfillmentState reads the fulfillment envelope, returning a zero
// value when absent.
func LoadFulfillmentState(s *Store) (*FulfillmentState, error) {
	st := &FulfillmentState{}
	if _, err := s.Get(FulfillmentStateKey, st); err != nil {
		return nil, err
	}
	return st, nil
}

// SaveFulfillmentState overwrites the fulfillment envelope. LastBlock
// never moves backwards.
func SaveFulfillmentState(s *Store, st *FulfillmentState) error {
	prev := &FulfillmentState{}
	if ok, err := s.GetFresh(FulfillmentStateKey, prev); err == nil && ok {
		if prev.LastBlock > st.LastBlock {
			st.LastBlock = prev.LastBlock
		}
	}
	st.LastChecked = time.Now()
	return s.Set(FulfillmentStateKey, st, FulfillmentStateTTL)
}

// LoadMaintenanceState reads the maintenance envelope, pruning expired
// active-order markers.
func LoadMaintenanceState(s *Store, fresh bool) (*MaintenanceState, error) {
	st := &MaintenanceState{}
	var err error
	if fresh {
		_, err = s.GetFresh(MaintenanceStateKey, st)
	} else {
		_, err = s.Get(MaintenanceStateKey, st)
	}
	if err != nil {
		return nil, err
	}
	if st.ActiveOrders == nil {
		st.ActiveOrders = make(map[string]ActiveOrder)
	}
	if st.FailedAssets == nil {
		st.FailedAssets = make(map[string]AssetFailureEntry)
	}
	now := time.Now()
	for asset, ao := range st.ActiveOrders {
		if ao.Expired(now) {
			delete(st.ActiveOrders, asset)
		}
	}
	return st, nil
}

// SaveMaintenanceState overwrites the maintenance envelope.
func SaveMaintenanceState(s *Store, st *MaintenanceState) error {
	return s.Set(MaintenanceStateKey, st, 0)
}
