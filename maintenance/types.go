package maintenance

import (
	"context"
	"time"

	"github.com/XCP/xcpfolio-bot/chain"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/signer"
)

// RelistResult is the per-asset outcome of one maintenance run.
type RelistResult struct {
	Asset   string  `json:"asset"`
	Success bool    `json:"success"`
	Txid    string  `json:"txid,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Error   string  `json:"error,omitempty"`
	Skipped bool    `json:"skipped,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Status is the read-only maintenance view served by the status API.
type Status struct {
	IsRunning    bool                    `json:"isRunning"`
	LastRun      time.Time               `json:"lastRun"`
	ActiveOrders map[string]ActiveEntry  `json:"activeOrders"`
	FailedAssets map[string]FailureEntry `json:"failedAssets"`
	PricedAssets int                     `json:"pricedAssets"`
}

// ActiveEntry mirrors a live listing marker for the status surface.
type ActiveEntry struct {
	Txid          string    `json:"txid"`
	Price         float64   `json:"price"`
	BroadcastTime time.Time `json:"broadcastTime"`
}

// FailureEntry mirrors a per-asset failure record for the status
// surface.
type FailureEntry struct {
	Count       int       `json:"count"`
	LastError   string    `json:"lastError"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// LedgerAPI is the slice of the Counterparty client maintenance
// consumes.
type LedgerAPI interface {
	GetXcpfolioBalances(ctx context.Context, addr string) ([]ledger.Balance, error)
	GetOpenOrderAssets(ctx context.Context, addr string) (map[string]bool, error)
	GetMempoolOrderAssets(ctx context.Context, addr string) (map[string]bool, error)
	ComposeOrder(ctx context.Context, src, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int, feeRate float64, inputsSet []string) (*ledger.ComposeResult, error)
}

// ChainAPI is the slice of the Bitcoin client maintenance consumes.
type ChainAPI interface {
	GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error)
	GetActualMinimumFeeRate(ctx context.Context) (float64, error)
	FetchUTXOs(ctx context.Context, addr string) ([]chain.UTXO, error)
	IsInMempool(ctx context.Context, txid string) (bool, error)
	BroadcastTransaction(ctx context.Context, signedHex string) (string, error)
}

// TxSigner signs composed listing transactions.
type TxSigner interface {
	Sign(ctx context.Context, rawHex string) (*signer.SignedTx, error)
}
