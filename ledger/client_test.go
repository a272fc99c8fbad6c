package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/XCP/xcpfolio-bot/logging"
)

func testLogger() *logging.ComponentLogger {
	return logging.NewComponentLogger("ledger-test", "test")
}

func TestEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "Insufficient BTC at address"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.GetAssetInfo(context.Background(), "PEPECASH")
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type %T, want *APIError", err)
	}
	if apiErr.Message != "Insufficient BTC at address" {
		t.Errorf("message = %q, want the verbatim ledger error", apiErr.Message)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
}

func TestGetFilledXcpfolioOrdersFiltersAndPaginates(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)
		if offset == "0" {
			// A full page: 99 XCPFOLIO orders plus one foreign order.
			var rows []string
			for i := 0; i < 99; i++ {
				rows = append(rows, fmt.Sprintf(
					`{"tx_hash":"hash-%d","status":"filled","give_asset":"A1","give_asset_info":{"asset_longname":"XCPFOLIO.ASSET%d"}}`, i, i))
			}
			rows = append(rows, `{"tx_hash":"foreign","status":"filled","give_asset":"PEPECASH"}`)
			fmt.Fprintf(w, `{"result": [%s]}`, strings.Join(rows, ","))
			return
		}
		// Short second page ends pagination.
		fmt.Fprint(w, `{"result": [{"tx_hash":"hash-last","status":"filled","give_asset":"A2","give_asset_info":{"asset_longname":"XCPFOLIO.LAST"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	orders, err := c.GetFilledXcpfolioOrders(context.Background(), "1abc")
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 100 {
		t.Errorf("got %d orders, want 100 (foreign asset filtered out)", len(orders))
	}
	if len(offsets) != 2 || offsets[1] != "100" {
		t.Errorf("offsets = %v, want two pages with the second at 100", offsets)
	}
}

func TestComposeTransferParams(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/compose/issuance") {
			t.Errorf("path = %s, want compose/issuance", r.URL.Path)
		}
		query = r.URL.Query()
		fmt.Fprint(w, `{"result": {"rawtransaction": "deadbeef", "btc_fee": 2500}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	result, err := c.ComposeTransfer(context.Background(), "1src", "PEPECASH", "1dest", 12, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.RawTransaction != "deadbeef" {
		t.Errorf("raw = %s, want deadbeef", result.RawTransaction)
	}

	checks := map[string]string{
		"asset":                "PEPECASH",
		"quantity":             "0",
		"transfer_destination": "1dest",
		"sat_per_vbyte":        "12",
		"validate":             "false",
		"encoding":             "auto",
	}
	for key, want := range checks {
		if got := query[key]; len(got) != 1 || got[0] != want {
			t.Errorf("param %s = %v, want %s", key, got, want)
		}
	}
}

func TestComposeOrderParams(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		fmt.Fprint(w, `{"result": {"rawtransaction": "cafebabe", "btc_fee": 300}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	_, err := c.ComposeOrder(context.Background(), "1src", "XCPFOLIO.PEPECASH", 1, "XCP", 250000000, 8064, 0.5, []string{"aa:0", "bb:1"})
	if err != nil {
		t.Fatal(err)
	}

	checks := map[string]string{
		"give_asset":    "XCPFOLIO.PEPECASH",
		"give_quantity": "1",
		"get_asset":     "XCP",
		"get_quantity":  "250000000",
		"expiration":    "8064",
		"fee_required":  "0",
		"sat_per_vbyte": "0.5",
		"inputs_set":    "aa:0,bb:1",
	}
	for key, want := range checks {
		if got := query[key]; len(got) != 1 || got[0] != want {
			t.Errorf("param %s = %v, want %s", key, got, want)
		}
	}
}

func TestIsAssetTransferredTo(t *testing.T) {
	tests := []struct {
		name      string
		owner     string
		issuances string
		want      bool
	}{
		{"owner already buyer", "1buyer", `[]`, true},
		{
			"unconfirmed transfer in mempool",
			"1seller",
			`[{"tx_hash":"aa","asset":"X","source":"1seller","issuer":"1buyer","transfer":true,"status":"valid","confirmed":false}]`,
			true,
		},
		{
			"transfer to someone else",
			"1seller",
			`[{"tx_hash":"aa","asset":"X","source":"1seller","issuer":"1other","transfer":true,"status":"valid","confirmed":false}]`,
			false,
		},
		{"no transfer", "1seller", `[]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "/issuances") {
					fmt.Fprintf(w, `{"result": %s}`, tt.issuances)
					return
				}
				fmt.Fprintf(w, `{"result": {"asset":"X","owner":"%s"}}`, tt.owner)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, testLogger())
			got, err := c.IsAssetTransferredTo(context.Background(), "X", "1buyer", "1seller")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsAssetTransferredTo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetMempoolTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result": [
			{"tx_hash":"t1","event":"ASSET_ISSUANCE","params":{"asset":"PEPECASH","source":"1us","issuer":"1buyer","transfer":true}},
			{"tx_hash":"t2","event":"ASSET_ISSUANCE","params":{"asset":"OTHER","source":"1us","issuer":"1us","transfer":false}},
			{"tx_hash":"t3","event":"OPEN_ORDER","params":{"source":"1us"}},
			{"tx_hash":"t4","event":"ASSET_TRANSFER","params":{"asset":"RAREPEPE","source":"1stranger","issuer":"1buyer","transfer":true}}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	transfers, err := c.GetMempoolTransfers(context.Background(), "1us")
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 1 {
		t.Fatalf("got %d transfers, want 1", len(transfers))
	}
	if transfers[0].Asset != "PEPECASH" || transfers[0].To != "1buyer" {
		t.Errorf("transfer = %+v, want PEPECASH to 1buyer", transfers[0])
	}
}
