package fulfillment

import (
	"context"
	"sync"

	"github.com/XCP/xcpfolio-bot/config"
	"github.com/XCP/xcpfolio-bot/history"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/logging"
	"github.com/XCP/xcpfolio-bot/metrics"
	"github.com/XCP/xcpfolio-bot/notify"
	"github.com/XCP/xcpfolio-bot/signer"
)

type fakeLedger struct {
	filledOrders   []ledger.Order
	orderMatches   map[string][]ledger.OrderMatch
	assetInfo      map[string]*ledger.AssetInfo
	transferred    map[string]bool
	composeErr     error
	composeCalls   []int64
	composedRawHex string
}

func (f *fakeLedger) GetFilledXcpfolioOrders(ctx context.Context, addr string) ([]ledger.Order, error) {
	return f.filledOrders, nil
}

func (f *fakeLedger) GetOrderMatches(ctx context.Context, orderHash string) ([]ledger.OrderMatch, error) {
	return f.orderMatches[orderHash], nil
}

func (f *fakeLedger) GetAssetInfo(ctx context.Context, asset string) (*ledger.AssetInfo, error) {
	return f.assetInfo[asset], nil
}

func (f *fakeLedger) GetMempoolTransfers(ctx context.Context, addr string) ([]ledger.PendingTransfer, error) {
	return nil, nil
}

func (f *fakeLedger) GetMempoolBuyOrders(ctx context.Context) ([]ledger.OpenBuyOrder, error) {
	return nil, nil
}

func (f *fakeLedger) ComposeTransfer(ctx context.Context, src, asset, dest string, feeRate int64, validate bool) (*ledger.ComposeResult, error) {
	f.composeCalls = append(f.composeCalls, feeRate)
	if f.composeErr != nil {
		return nil, f.composeErr
	}
	raw := f.composedRawHex
	if raw == "" {
		raw = "deadbeef"
	}
	return &ledger.ComposeResult{RawTransaction: raw, BTCFee: feeRate * 250}, nil
}

func (f *fakeLedger) IsAssetTransferredTo(ctx context.Context, asset, to, from string) (bool, error) {
	return f.transferred[asset+"|"+to], nil
}

func (f *fakeLedger) FindTransferTxid(ctx context.Context, asset, buyer string) string {
	return ""
}

type fakeChain struct {
	height         int64
	unconfirmed    int
	feeRate        int64
	inMempool      map[string]bool
	confirmed      map[string]bool
	broadcastErr   error
	broadcastCount int
	lastBroadcast  string
	nextTxid       string
}

func (f *fakeChain) GetCurrentBlockHeight(ctx context.Context) (int64, error) {
	return f.height, nil
}

func (f *fakeChain) GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error) {
	return f.unconfirmed, nil
}

func (f *fakeChain) GetOptimalFeeRate(ctx context.Context) (int64, error) {
	return f.feeRate, nil
}

func (f *fakeChain) IsInMempool(ctx context.Context, txid string) (bool, error) {
	return f.inMempool[txid], nil
}

func (f *fakeChain) IsConfirmed(ctx context.Context, txid string) (bool, error) {
	return f.confirmed[txid], nil
}

func (f *fakeChain) BroadcastTransaction(ctx context.Context, signedHex string) (string, error) {
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcastCount++
	f.lastBroadcast = signedHex
	txid := f.nextTxid
	if txid == "" {
		txid = "txid-1"
	}
	return txid, nil
}

type fakeSigner struct {
	fee     int64
	signErr error
}

func (f *fakeSigner) Sign(ctx context.Context, rawHex string) (*signer.SignedTx, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &signer.SignedTx{
		Hex:   "signed-" + rawHex,
		Txid:  "signed-txid",
		Vsize: 250,
		Fee:   f.fee,
	}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (f *fakeHistory) Record(entry history.Entry) {
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
}

func (f *fakeHistory) lastStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return ""
	}
	return f.entries[len(f.entries)-1].Status
}

func testConfig() *config.Config {
	return &config.Config{
		Address:            "1SellerAddressXXXXXXXXXXXXXXXXXXXX",
		Network:            "mainnet",
		MaxMempoolTxs:      25,
		ComposeCooldown:    0,
		MaxRetries:         10,
		RBFEnabled:         true,
		StuckTxThreshold:   3,
		MaxTotalFeeSats:    10000,
		MaxFeeRateForNewTx: 100,
	}
}

func newTestController(cfg *config.Config, l *fakeLedger, ch *fakeChain, s *fakeSigner, h *fakeHistory) *Controller {
	logger := logging.NewComponentLogger("fulfillment-test", "test")
	return NewController(cfg, l, ch, s, nil, h, notify.NopNotifier{}, metrics.NewCollector(logger), logger)
}

func filledOrder(hash, asset string) ledger.Order {
	return ledger.Order{
		TxHash:     hash,
		BlockIndex: 820000,
		Status:     "filled",
		GiveAsset:  "A" + asset,
		GiveAssetInfo: &ledger.AssetNameInfo{
			AssetLongname: ledger.SubassetPrefix + asset,
		},
		GetAsset: "XCP",
	}
}
