package maintenance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/XCP/xcpfolio-bot/chain"
	"github.com/XCP/xcpfolio-bot/config"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/logging"
	"github.com/XCP/xcpfolio-bot/metrics"
	"github.com/XCP/xcpfolio-bot/notify"
	"github.com/XCP/xcpfolio-bot/prices"
	"github.com/XCP/xcpfolio-bot/signer"
	"github.com/XCP/xcpfolio-bot/store"
)

type fakeLedger struct {
	mempoolAssets    map[string]bool
	mempoolAssetsErr error
}

func (f *fakeLedger) GetXcpfolioBalances(ctx context.Context, addr string) ([]ledger.Balance, error) {
	return nil, nil
}

func (f *fakeLedger) GetOpenOrderAssets(ctx context.Context, addr string) (map[string]bool, error) {
	return nil, nil
}

func (f *fakeLedger) GetMempoolOrderAssets(ctx context.Context, addr string) (map[string]bool, error) {
	return f.mempoolAssets, f.mempoolAssetsErr
}

func (f *fakeLedger) ComposeOrder(ctx context.Context, src, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int, feeRate float64, inputsSet []string) (*ledger.ComposeResult, error) {
	return &ledger.ComposeResult{RawTransaction: "deadbeef"}, nil
}

type fakeChain struct {
	inMempool map[string]bool
}

func (f *fakeChain) GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error) {
	return 0, nil
}

func (f *fakeChain) GetActualMinimumFeeRate(ctx context.Context) (float64, error) {
	return 1, nil
}

func (f *fakeChain) FetchUTXOs(ctx context.Context, addr string) ([]chain.UTXO, error) {
	return nil, nil
}

func (f *fakeChain) IsInMempool(ctx context.Context, txid string) (bool, error) {
	return f.inMempool[txid], nil
}

func (f *fakeChain) BroadcastTransaction(ctx context.Context, signedHex string) (string, error) {
	return "txid-1", nil
}

type fakeSigner struct{}

func (f *fakeSigner) Sign(ctx context.Context, rawHex string) (*signer.SignedTx, error) {
	return &signer.SignedTx{Hex: "signed", Txid: "signed-txid", Vsize: 250, Fee: 500}, nil
}

func newTestController(l *fakeLedger, ch *fakeChain) *Controller {
	cfg := &config.Config{
		Address:         "1SellerAddressXXXXXXXXXXXXXXXXXXXX",
		Network:         "mainnet",
		MaxMempoolTxs:   25,
		MaxTotalFeeSats: 10000,
		OrderExpiration: 8064,
	}
	logger := logging.NewComponentLogger("maintenance-test", "test")
	c := NewController(cfg, l, ch, &fakeSigner{}, nil, notify.NopNotifier{}, metrics.NewCollector(logger), logger)
	c.verifyWait = 0
	return c
}

func balance(asset string) ledger.Balance {
	return ledger.Balance{
		Asset:         "A" + asset,
		AssetLongname: ledger.SubassetPrefix + asset,
		Quantity:      1,
	}
}

func TestFilterCandidates(t *testing.T) {
	balances := []ledger.Balance{
		balance("ALPHA"),
		balance("BRAVO"),
		balance("CHARLIE"),
		balance("DELTA"),
		balance("ECHO"),
	}
	open := map[string]bool{"BRAVO": true}
	mempool := map[string]bool{"CHARLIE": true}
	active := map[string]store.ActiveOrder{
		"DELTA": {Asset: "DELTA", Txid: store.PendingTxid, BroadcastTime: time.Now()},
	}
	table := prices.Table{"ALPHA": 2.5, "BRAVO": 1, "CHARLIE": 1, "DELTA": 1}

	candidates, skipped := filterCandidates(balances, open, mempool, active, table)

	if len(candidates) != 1 {
		t.Fatalf("candidates = %+v, want exactly ALPHA", candidates)
	}
	if candidates[0].asset != "ALPHA" || candidates[0].price != 2.5 {
		t.Errorf("candidate = %+v, want {ALPHA 2.5}", candidates[0])
	}

	// ECHO is held but unpriced: surfaced as a skip, never listed.
	if len(skipped) != 1 || skipped[0].Asset != "ECHO" || !skipped[0].Skipped {
		t.Errorf("skipped = %+v, want one unpriced skip for ECHO", skipped)
	}
}

func TestFilterCandidatesStableOrder(t *testing.T) {
	balances := []ledger.Balance{balance("ZULU"), balance("ALPHA"), balance("MIKE")}
	table := prices.Table{"ZULU": 1, "ALPHA": 1, "MIKE": 1}

	candidates, _ := filterCandidates(balances, nil, nil, nil, table)

	got := make([]string, len(candidates))
	for i, c := range candidates {
		got[i] = c.asset
	}
	want := "ALPHA,MIKE,ZULU"
	if strings.Join(got, ",") != want {
		t.Errorf("order = %v, want %s", got, want)
	}
}

func TestListingVisibleAfterLostResponse(t *testing.T) {
	tests := []struct {
		name string
		l    *fakeLedger
		ch   *fakeChain
		txid string
		want bool
	}{
		{
			name: "signed tx landed despite broadcast error",
			l:    &fakeLedger{},
			ch:   &fakeChain{inMempool: map[string]bool{"signed-txid": true}},
			txid: "signed-txid",
			want: true,
		},
		{
			name: "order visible without a known txid",
			l:    &fakeLedger{mempoolAssets: map[string]bool{"ALPHA": true}},
			ch:   &fakeChain{},
			want: true,
		},
		{
			name: "nothing in the mempool",
			l:    &fakeLedger{},
			ch:   &fakeChain{},
			txid: "signed-txid",
			want: false,
		},
		{
			name: "mempool lookup failing counts as not visible",
			l:    &fakeLedger{mempoolAssetsErr: errors.New("timeout")},
			ch:   &fakeChain{},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(tt.l, tt.ch)
			if got := c.listingVisible(context.Background(), "ALPHA", tt.txid); got != tt.want {
				t.Errorf("listingVisible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFundingError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"compose order: counterparty api: Insufficient BTC at address", true},
		{"compose order: not enough funds for fee", true},
		{"no utxos available for listing orders", true},
		{"compose order: insufficient XCP balance", true},
		{"broadcast order: connection refused", false},
		{"sign order: unsupported script class", false},
	}
	for _, tt := range tests {
		if got := isFundingError(tt.msg); got != tt.want {
			t.Errorf("isFundingError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestStaleOutpoint(t *testing.T) {
	txid := strings.Repeat("ab", 32)
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{
			"missing utxo with outpoint",
			"compose order: counterparty api: missing UTXO " + txid + ":1",
			txid + ":1",
		},
		{
			"outpoint wrapped in punctuation",
			"compose order: invalid outpoint (" + txid + ":12).",
			txid + ":12",
		},
		{
			"utxo error without outpoint",
			"compose order: utxo selection failed",
			"",
		},
		{
			"unrelated error",
			"broadcast order: timeout",
			"",
		},
		{
			"short txid ignored",
			"missing utxo abcd:1",
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := staleOutpoint(tt.msg); got != tt.want {
				t.Errorf("staleOutpoint(%q) = %q, want %q", tt.msg, got, tt.want)
			}
		})
	}
}
