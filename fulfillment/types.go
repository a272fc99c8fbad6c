package fulfillment

import (
	"context"
	"time"

	"github.com/XCP/xcpfolio-bot/history"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/signer"
)

// Pipeline stages, reported in Result.Stage and used as error-counter
// labels.
const (
	StageValidation = "validation"
	StageCompose    = "compose"
	StageSign       = "sign"
	StageBroadcast  = "broadcast"
	StageConfirmed  = "confirmed"
	StageBackoff    = "backoff"
)

// Result is the per-order outcome of one fulfillment attempt.
type Result struct {
	OrderHash string `json:"orderHash"`
	Asset     string `json:"asset"`
	Buyer     string `json:"buyer"`
	Success   bool   `json:"success"`
	Stage     string `json:"stage"`
	Txid      string `json:"txid,omitempty"`
	Error     string `json:"error,omitempty"`
	IsRBF     bool   `json:"isRbf,omitempty"`
}

// ActiveTransaction tracks a broadcast transfer that is not yet known
// confirmed. Invariants: Txid equals the last element of RbfHistory and
// RbfCount equals len(RbfHistory)-1.
type ActiveTransaction struct {
	OrderHash          string    `json:"orderHash"`
	Asset              string    `json:"asset"`
	Buyer              string    `json:"buyer"`
	Txid               string    `json:"txid"`
	OriginalTxid       string    `json:"originalTxid"`
	RbfHistory         []string  `json:"rbfHistory"`
	BroadcastTime      time.Time `json:"broadcastTime"`
	BroadcastBlock     int64     `json:"broadcastBlock"`
	FeeRate            int64     `json:"feeRate"`
	RbfCount           int       `json:"rbfCount"`
	NeedsRBF           bool      `json:"needsRbf"`
	DroppedFromMempool bool      `json:"droppedFromMempool"`
}

// FailureRecord tracks pre-broadcast failures for one order.
type FailureRecord struct {
	Count        int       `json:"count"`
	LastError    string    `json:"lastError"`
	Stage        string    `json:"stage"`
	FirstFailure time.Time `json:"firstFailure"`
	LastAttempt  time.Time `json:"lastAttempt"`
}

// Snapshot is the read-only view served by the status API.
type Snapshot struct {
	IsRunning          bool                         `json:"isRunning"`
	ActiveTransactions map[string]ActiveTransaction `json:"activeTransactions"`
	Failures           map[string]FailureRecord     `json:"failures"`
	LastBlock          int64                        `json:"lastBlock"`
	LastRun            time.Time                    `json:"lastRun"`
}

// LedgerAPI is the slice of the Counterparty client the controller
// consumes.
type LedgerAPI interface {
	GetFilledXcpfolioOrders(ctx context.Context, addr string) ([]ledger.Order, error)
	GetOrderMatches(ctx context.Context, orderHash string) ([]ledger.OrderMatch, error)
	GetAssetInfo(ctx context.Context, asset string) (*ledger.AssetInfo, error)
	GetMempoolTransfers(ctx context.Context, addr string) ([]ledger.PendingTransfer, error)
	GetMempoolBuyOrders(ctx context.Context) ([]ledger.OpenBuyOrder, error)
	ComposeTransfer(ctx context.Context, src, asset, dest string, feeRate int64, validate bool) (*ledger.ComposeResult, error)
	IsAssetTransferredTo(ctx context.Context, asset, to, from string) (bool, error)
	FindTransferTxid(ctx context.Context, asset, buyer string) string
}

// ChainAPI is the slice of the Bitcoin client the controller consumes.
type ChainAPI interface {
	GetCurrentBlockHeight(ctx context.Context) (int64, error)
	GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error)
	GetOptimalFeeRate(ctx context.Context) (int64, error)
	IsInMempool(ctx context.Context, txid string) (bool, error)
	IsConfirmed(ctx context.Context, txid string) (bool, error)
	BroadcastTransaction(ctx context.Context, signedHex string) (string, error)
}

// TxSigner signs composed transactions.
type TxSigner interface {
	Sign(ctx context.Context, rawHex string) (*signer.SignedTx, error)
}

// HistoryRecorder publishes order events for the status UI.
type HistoryRecorder interface {
	Record(entry history.Entry)
}
