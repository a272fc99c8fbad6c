package fulfillment

import (
	"context"
	"strings"
	"testing"

	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/store"
)

const (
	testBuyer = "1BuyerAddressXXXXXXXXXXXXXXXXXXXXX"
	testAsset = "PEPECASH"
)

func ownedAssetInfo(cfg string) map[string]*ledger.AssetInfo {
	return map[string]*ledger.AssetInfo{
		testAsset: {Asset: testAsset, Owner: cfg, Locked: false},
	}
}

func TestProcessOrderHappyPath(t *testing.T) {
	cfg := testConfig()
	l := &fakeLedger{assetInfo: ownedAssetInfo(cfg.Address)}
	ch := &fakeChain{feeRate: 10, height: 820100}
	sg := &fakeSigner{fee: 2500}
	h := &fakeHistory{}
	c := newTestController(cfg, l, ch, sg, h)

	state := &store.FulfillmentState{}
	order := filledOrder("order-1", testAsset)

	res := c.processOrder(context.Background(), order, testBuyer, 820100, state)

	if !res.Success {
		t.Fatalf("expected success, got stage %s error %s", res.Stage, res.Error)
	}
	if res.Stage != StageBroadcast {
		t.Errorf("stage = %s, want %s", res.Stage, StageBroadcast)
	}
	if res.Txid == "" {
		t.Error("expected a txid")
	}
	if !state.IsProcessed("order-1") {
		t.Error("order not marked processed after broadcast")
	}
	if ch.broadcastCount != 1 {
		t.Errorf("broadcast count = %d, want 1", ch.broadcastCount)
	}

	snap := c.GetState()
	active, ok := snap.ActiveTransactions["order-1"]
	if !ok {
		t.Fatal("no active transaction tracked")
	}
	if len(active.RbfHistory) != 1 || active.RbfHistory[0] != res.Txid {
		t.Errorf("rbf history = %v, want [%s]", active.RbfHistory, res.Txid)
	}
	if active.FeeRate != 10 {
		t.Errorf("fee rate = %d, want 10", active.FeeRate)
	}
	if h.lastStatus() != "delivering" {
		t.Errorf("history status = %s, want delivering", h.lastStatus())
	}
}

func TestProcessOrderAlreadyDelivered(t *testing.T) {
	cfg := testConfig()
	l := &fakeLedger{
		assetInfo:   ownedAssetInfo(cfg.Address),
		transferred: map[string]bool{testAsset + "|" + testBuyer: true},
	}
	ch := &fakeChain{feeRate: 10}
	c := newTestController(cfg, l, ch, &fakeSigner{fee: 2500}, &fakeHistory{})

	state := &store.FulfillmentState{}
	res := c.processOrder(context.Background(), filledOrder("order-1", testAsset), testBuyer, 820100, state)

	if !res.Success || res.Stage != StageConfirmed {
		t.Fatalf("got success=%v stage=%s, want settled without broadcast", res.Success, res.Stage)
	}
	if ch.broadcastCount != 0 {
		t.Errorf("broadcast count = %d, want 0", ch.broadcastCount)
	}
	if !state.IsProcessed("order-1") {
		t.Error("delivered order not marked processed")
	}
}

func TestProcessOrderFeeSpike(t *testing.T) {
	cfg := testConfig()
	l := &fakeLedger{assetInfo: ownedAssetInfo(cfg.Address)}
	ch := &fakeChain{feeRate: 150}
	c := newTestController(cfg, l, ch, &fakeSigner{fee: 2500}, &fakeHistory{})

	state := &store.FulfillmentState{}
	res := c.processOrder(context.Background(), filledOrder("order-1", testAsset), testBuyer, 820100, state)

	if res.Success {
		t.Fatal("expected failure on fee spike")
	}
	if res.Stage != StageCompose {
		t.Errorf("stage = %s, want %s", res.Stage, StageCompose)
	}
	if !strings.Contains(res.Error, "fee rate too high") {
		t.Errorf("error = %q, want fee rate rejection", res.Error)
	}
	if len(l.composeCalls) != 0 {
		t.Error("compose should not be called when the market rate exceeds the limit")
	}
	if state.IsProcessed("order-1") {
		t.Error("failed order must not be marked processed")
	}

	snap := c.GetState()
	if rec, ok := snap.Failures["order-1"]; !ok || rec.Count != 1 {
		t.Errorf("failure record = %+v, want count 1", rec)
	}
}

func TestProcessOrderFeeRateCapped(t *testing.T) {
	cfg := testConfig()
	l := &fakeLedger{assetInfo: ownedAssetInfo(cfg.Address)}
	// 60 sat/vB market, but 10000 sats / 250 vB caps at 40.
	ch := &fakeChain{feeRate: 60}
	c := newTestController(cfg, l, ch, &fakeSigner{fee: 9999}, &fakeHistory{})

	res := c.processOrder(context.Background(), filledOrder("order-1", testAsset), testBuyer, 820100, &store.FulfillmentState{})

	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.Stage, res.Error)
	}
	if len(l.composeCalls) != 1 || l.composeCalls[0] != 40 {
		t.Errorf("compose fee rate = %v, want [40]", l.composeCalls)
	}
}

func TestProcessOrderPostSignFeeCeiling(t *testing.T) {
	cfg := testConfig()
	l := &fakeLedger{assetInfo: ownedAssetInfo(cfg.Address)}
	ch := &fakeChain{feeRate: 10}
	c := newTestController(cfg, l, ch, &fakeSigner{fee: 15000}, &fakeHistory{})

	state := &store.FulfillmentState{}
	res := c.processOrder(context.Background(), filledOrder("order-1", testAsset), testBuyer, 820100, state)

	if res.Success {
		t.Fatal("expected failure when signed fee exceeds the ceiling")
	}
	if res.Stage != StageSign {
		t.Errorf("stage = %s, want %s", res.Stage, StageSign)
	}
	if ch.broadcastCount != 0 {
		t.Error("must not broadcast a transaction over the fee ceiling")
	}
	if state.IsProcessed("order-1") {
		t.Error("failed order must not be marked processed")
	}
}

func TestProcessOrderAtMostOnce(t *testing.T) {
	cfg := testConfig()
	l := &fakeLedger{assetInfo: ownedAssetInfo(cfg.Address)}
	ch := &fakeChain{feeRate: 10}
	c := newTestController(cfg, l, ch, &fakeSigner{fee: 2500}, &fakeHistory{})

	state := &store.FulfillmentState{}
	order := filledOrder("order-1", testAsset)

	first := c.processOrder(context.Background(), order, testBuyer, 820100, state)
	second := c.processOrder(context.Background(), order, testBuyer, 820100, state)

	if !first.Success || !second.Success {
		t.Fatal("both attempts should report success")
	}
	if ch.broadcastCount != 1 {
		t.Fatalf("broadcast count = %d, want exactly 1", ch.broadcastCount)
	}
	if second.Txid != first.Txid {
		t.Errorf("second attempt txid = %s, want the original %s", second.Txid, first.Txid)
	}
}

func TestProcessOrderMempoolCapacityBeforeBroadcast(t *testing.T) {
	cfg := testConfig()
	l := &fakeLedger{assetInfo: ownedAssetInfo(cfg.Address)}
	ch := &fakeChain{feeRate: 10, unconfirmed: cfg.MaxMempoolTxs}
	c := newTestController(cfg, l, ch, &fakeSigner{fee: 2500}, &fakeHistory{})

	res := c.processOrder(context.Background(), filledOrder("order-1", testAsset), testBuyer, 820100, &store.FulfillmentState{})

	if res.Success {
		t.Fatal("expected failure at capacity")
	}
	if res.Stage != StageBroadcast {
		t.Errorf("stage = %s, want %s", res.Stage, StageBroadcast)
	}
	if ch.broadcastCount != 0 {
		t.Error("must not broadcast at capacity")
	}
}

func TestProcessOrderValidation(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name  string
		order ledger.Order
		buyer string
		info  *ledger.AssetInfo
	}{
		{
			name:  "not filled",
			order: func() ledger.Order { o := filledOrder("o", testAsset); o.Status = "open"; return o }(),
			buyer: testBuyer,
			info:  &ledger.AssetInfo{Asset: testAsset, Owner: cfg.Address},
		},
		{
			name: "not an xcpfolio subasset",
			order: ledger.Order{
				TxHash: "o", Status: "filled", GiveAsset: "OTHERASSET",
			},
			buyer: testBuyer,
		},
		{
			name:  "asset missing",
			order: filledOrder("o", testAsset),
			buyer: testBuyer,
			info:  nil,
		},
		{
			name:  "owned by a stranger",
			order: filledOrder("o", testAsset),
			buyer: testBuyer,
			info:  &ledger.AssetInfo{Asset: testAsset, Owner: "1SomeoneElse"},
		},
		{
			name:  "buyer is us",
			order: filledOrder("o", testAsset),
			buyer: cfg.Address,
			info:  &ledger.AssetInfo{Asset: testAsset, Owner: cfg.Address},
		},
		{
			name:  "asset locked",
			order: filledOrder("o", testAsset),
			buyer: testBuyer,
			info:  &ledger.AssetInfo{Asset: testAsset, Owner: cfg.Address, Locked: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLedger{assetInfo: map[string]*ledger.AssetInfo{}}
			if tt.info != nil {
				l.assetInfo[testAsset] = tt.info
			}
			ch := &fakeChain{feeRate: 10}
			c := newTestController(cfg, l, ch, &fakeSigner{fee: 2500}, &fakeHistory{})

			state := &store.FulfillmentState{}
			res := c.processOrder(context.Background(), tt.order, tt.buyer, 820100, state)

			if res.Success {
				t.Fatal("expected validation failure")
			}
			if res.Stage != StageValidation {
				t.Errorf("stage = %s, want %s", res.Stage, StageValidation)
			}
			if ch.broadcastCount != 0 {
				t.Error("must not broadcast on validation failure")
			}
		})
	}
}

func TestProcessOrderDryRun(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	l := &fakeLedger{assetInfo: ownedAssetInfo(cfg.Address)}
	ch := &fakeChain{feeRate: 10}
	c := newTestController(cfg, l, ch, &fakeSigner{fee: 2500}, &fakeHistory{})

	state := &store.FulfillmentState{}
	res := c.processOrder(context.Background(), filledOrder("order-1", testAsset), testBuyer, 820100, state)

	if !res.Success || res.Txid != "dry-run" {
		t.Fatalf("got %+v, want dry-run success", res)
	}
	if ch.broadcastCount != 0 || len(l.composeCalls) != 0 {
		t.Error("dry run must not compose or broadcast")
	}
	if !state.IsProcessed("order-1") {
		t.Error("dry run still marks the order processed")
	}
}
