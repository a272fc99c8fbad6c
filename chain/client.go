package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/XCP/xcpfolio-bot/logging"
)

// Client talks to Esplora-compatible Bitcoin APIs (mempool.space,
// blockstream.info). Reads go to the primary endpoint; broadcasts fall
// back across all endpoints in order.
type Client struct {
	primary   string
	fallbacks []string
	http      *http.Client
	logger    *logging.ComponentLogger
}

// NewClient creates a chain client. primary is used for all reads;
// fallbacks are additional broadcast targets.
func NewClient(primary string, fallbacks []string, logger *logging.ComponentLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 20 * time.Second

	trimmed := make([]string, 0, len(fallbacks))
	for _, f := range fallbacks {
		if f != "" {
			trimmed = append(trimmed, strings.TrimRight(f, "/"))
		}
	}

	return &Client{
		primary:   strings.TrimRight(primary, "/"),
		fallbacks: trimmed,
		http:      rc.StandardClient(),
		logger:    logger,
	}
}

// UTXO is one unspent output of our address. Esplora omits the
// scriptPubKey; the signer reconstructs it from the address.
type UTXO struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// Outpoint renders the UTXO in "txid:vout" form for compose inputs_set.
func (u UTXO) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.Txid, u.Vout)
}

// TxInfo is the subset of Esplora transaction data the agent inspects.
type TxInfo struct {
	Txid   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.primary+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chain api %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *Client) getText(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.primary+path, nil)
	if err != nil {
		return "", fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chain api %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// ErrNotFound marks a 404 from the chain API; for transactions it means
// "unknown to this node", which the reconciler treats as dropped.
var ErrNotFound = fmt.Errorf("chain api: not found")

// GetCurrentBlockHeight returns the chain tip height.
func (c *Client) GetCurrentBlockHeight(ctx context.Context) (int64, error) {
	text, err := c.getText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", text, err)
	}
	return height, nil
}

// FetchUTXOs returns the unspent outputs of addr.
func (c *Client) FetchUTXOs(ctx context.Context, addr string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.getJSON(ctx, "/address/"+addr+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// GetUnconfirmedTxCount returns the number of mempool transactions
// touching addr.
func (c *Client) GetUnconfirmedTxCount(ctx context.Context, addr string) (int, error) {
	var info struct {
		MempoolStats struct {
			TxCount int `json:"tx_count"`
		} `json:"mempool_stats"`
	}
	if err := c.getJSON(ctx, "/address/"+addr, &info); err != nil {
		return 0, err
	}
	return info.MempoolStats.TxCount, nil
}

// GetTransaction returns fee and confirmation status for txid.
func (c *Client) GetTransaction(ctx context.Context, txid string) (*TxInfo, error) {
	var info TxInfo
	if err := c.getJSON(ctx, "/tx/"+txid, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetTransactionHex returns the raw hex of txid.
func (c *Client) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	return c.getText(ctx, "/tx/"+txid+"/hex")
}

// IsInMempool reports whether txid is known and unconfirmed.
func (c *Client) IsInMempool(ctx context.Context, txid string) (bool, error) {
	info, err := c.GetTransaction(ctx, txid)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.Status.Confirmed, nil
}

// IsConfirmed reports whether txid is confirmed.
func (c *Client) IsConfirmed(ctx context.Context, txid string) (bool, error) {
	info, err := c.GetTransaction(ctx, txid)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Status.Confirmed, nil
}
