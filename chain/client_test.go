package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/XCP/xcpfolio-bot/logging"
)

func testLogger() *logging.ComponentLogger {
	return logging.NewComponentLogger("chain-test", "test")
}

func TestGetCurrentBlockHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blocks/tip/height" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, "820123")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	height, err := c.GetCurrentBlockHeight(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if height != 820123 {
		t.Errorf("height = %d, want 820123", height)
	}
}

func TestGetUnconfirmedTxCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"address":"1abc","mempool_stats":{"tx_count":7,"funded_txo_sum":0}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	count, err := c.GetUnconfirmedTxCount(context.Background(), "1abc")
	if err != nil {
		t.Fatal(err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}

func TestIsInMempoolAndConfirmed(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantInMempool bool
		wantConfirmed bool
	}{
		{"unknown tx", http.StatusNotFound, "Transaction not found", false, false},
		{"unconfirmed", http.StatusOK, `{"txid":"aa","status":{"confirmed":false}}`, true, false},
		{"confirmed", http.StatusOK, `{"txid":"aa","status":{"confirmed":true,"block_height":820000}}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, nil, testLogger())
			inMempool, err := c.IsInMempool(context.Background(), "aa")
			if err != nil {
				t.Fatal(err)
			}
			if inMempool != tt.wantInMempool {
				t.Errorf("IsInMempool = %v, want %v", inMempool, tt.wantInMempool)
			}
			confirmed, err := c.IsConfirmed(context.Background(), "aa")
			if err != nil {
				t.Fatal(err)
			}
			if confirmed != tt.wantConfirmed {
				t.Errorf("IsConfirmed = %v, want %v", confirmed, tt.wantConfirmed)
			}
		})
	}
}

func TestFetchUTXOs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"txid":"aa","vout":1,"value":5000,"status":{"confirmed":true}}]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, testLogger())
	utxos, err := c.FetchUTXOs(context.Background(), "1abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d utxos, want 1", len(utxos))
	}
	if got := utxos[0].Outpoint(); got != "aa:1" {
		t.Errorf("outpoint = %s, want aa:1", got)
	}
}

func TestGetOptimalFeeRate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"normal", `{"fastestFee":12.7,"minimumFee":1}`, 12},
		{"floor at one", `{"fastestFee":0.5,"minimumFee":0.1}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, nil, testLogger())
			rate, err := c.GetOptimalFeeRate(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if rate != tt.want {
				t.Errorf("rate = %d, want %d", rate, tt.want)
			}
		})
	}
}

func TestGetActualMinimumFeeRate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{"minimum wins", `{"fastestFee":20,"economyFee":3,"minimumFee":1.5}`, 1.5},
		{"economy undercuts", `{"fastestFee":20,"economyFee":0.8,"minimumFee":1.2}`, 0.8},
		{"zero floor defaults", `{"fastestFee":20,"economyFee":0,"minimumFee":0}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, nil, testLogger())
			rate, err := c.GetActualMinimumFeeRate(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if rate != tt.want {
				t.Errorf("rate = %v, want %v", rate, tt.want)
			}
		})
	}
}
