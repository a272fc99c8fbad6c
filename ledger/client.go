package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/XCP/xcpfolio-bot/logging"
)

const pageLimit = 100

// Client is a read/compose client for the Counterparty API. All
// responses use the {result, error} envelope; a populated error field
// is fatal for the call and surfaces as *APIError.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logging.ComponentLogger
}

// NewClient creates a ledger client with bounded transport retries.
func NewClient(baseURL string, logger *logging.ComponentLogger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 30 * time.Second

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc.StandardClient(),
		logger:  logger,
	}
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// get performs a GET against path with query params and decodes the
// result envelope into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
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

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	if env.Error != nil && *env.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: *env.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result %s: %w", path, err)
		}
	}
	return nil
}

// GetCurrentBlock returns the ledger's current block height.
func (c *Client) GetCurrentBlock(ctx context.Context) (int64, error) {
	params := url.Values{}
	params.Set("limit", "1")
	var blocks []struct {
		BlockIndex int64 `json:"block_index"`
	}
	if err := c.get(ctx, "/blocks", params, &blocks); err != nil {
		return 0, err
	}
	if len(blocks) == 0 {
		return 0, &APIError{Message: "no blocks returned"}
	}
	return blocks[0].BlockIndex, nil
}

// GetOrdersByAddress returns one page of orders for addr, newest block
// first.
func (c *Client) GetOrdersByAddress(ctx context.Context, addr, status string, limit, offset int) ([]Order, error) {
	params := url.Values{}
	params.Set("status", status)
	params.Set("show_unconfirmed", "false")
	params.Set("verbose", "true")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("sort", "block_index:desc")

	var orders []Order
	if err := c.get(ctx, "/addresses/"+addr+"/orders", params, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetFilledXcpfolioOrders pages through filled orders for addr, newest
// first, keeping only XCPFOLIO listings. Pagination stops at the first
// short page.
func (c *Client) GetFilledXcpfolioOrders(ctx context.Context, addr string) ([]Order, error) {
	var all []Order
	for offset := 0; ; offset += pageLimit {
		page, err := c.GetOrdersByAddress(ctx, addr, "filled", pageLimit, offset)
		if err != nil {
			return nil, err
		}
		for _, o := range page {
			if o.XcpfolioAsset() != "" {
				all = append(all, o)
			}
		}
		if len(page) < pageLimit {
			break
		}
	}
	return all, nil
}

// GetOrderMatches returns the match records for an order hash.
func (c *Client) GetOrderMatches(ctx context.Context, orderHash string) ([]OrderMatch, error) {
	params := url.Values{}
	params.Set("verbose", "true")
	params.Set("show_unconfirmed", "true")

	var matches []OrderMatch
	if err := c.get(ctx, "/orders/"+orderHash+"/matches", params, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// GetAssetInfo returns the current issuance state of an asset.
func (c *Client) GetAssetInfo(ctx context.Context, asset string) (*AssetInfo, error) {
	var info AssetInfo
	if err := c.get(ctx, "/assets/"+asset, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetAssetIssuances returns recent issuances for an asset including
// unconfirmed ones, newest first.
func (c *Client) GetAssetIssuances(ctx context.Context, asset string) ([]Issuance, error) {
	params := url.Values{}
	params.Set("show_unconfirmed", "true")
	params.Set("limit", "100")

	var issuances []Issuance
	if err := c.get(ctx, "/assets/"+asset+"/issuances", params, &issuances); err != nil {
		return nil, err
	}
	return issuances, nil
}

// GetXcpfolioBalances returns addr's XCPFOLIO.* balances with a
// positive quantity. Listed assets are escrowed by the DEX, so balance
// > 0 implies "not currently listed".
func (c *Client) GetXcpfolioBalances(ctx context.Context, addr string) ([]Balance, error) {
	var all []Balance
	for offset := 0; ; offset += pageLimit {
		params := url.Values{}
		params.Set("verbose", "true")
		params.Set("limit", strconv.Itoa(pageLimit))
		params.Set("offset", strconv.Itoa(offset))

		var page []Balance
		if err := c.get(ctx, "/addresses/"+addr+"/balances", params, &page); err != nil {
			return nil, err
		}
		for _, b := range page {
			if b.Quantity > 0 && strings.HasPrefix(b.AssetLongname, SubassetPrefix) {
				all = append(all, b)
			}
		}
		if len(page) < pageLimit {
			break
		}
	}
	return all, nil
}

// getAddressMempool returns all unconfirmed ledger events touching addr.
func (c *Client) getAddressMempool(ctx context.Context, addr string) ([]MempoolEvent, error) {
	params := url.Values{}
	params.Set("addresses", addr)
	params.Set("verbose", "true")

	var events []MempoolEvent
	if err := c.get(ctx, "/addresses/mempool", params, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetMempoolTransfers returns the in-mempool issuance transfers sent
// from addr, keyed by (asset, destination issuer).
func (c *Client) GetMempoolTransfers(ctx context.Context, addr string) ([]PendingTransfer, error) {
	events, err := c.getAddressMempool(ctx, addr)
	if err != nil {
		return nil, err
	}
	var transfers []PendingTransfer
	for _, ev := range events {
		if ev.Event != "ASSET_TRANSFER" && ev.Event != "ASSET_ISSUANCE" {
			continue
		}
		if !ev.Params.Transfer || ev.Params.Source != addr {
			continue
		}
		transfers = append(transfers, PendingTransfer{
			Asset: ev.Params.Asset,
			To:    ev.Params.Issuer,
		})
	}
	return transfers, nil
}

// GetMempoolOrderAssets returns the XCPFOLIO asset short names with an
// unconfirmed sell order from addr.
func (c *Client) GetMempoolOrderAssets(ctx context.Context, addr string) (map[string]bool, error) {
	events, err := c.getAddressMempool(ctx, addr)
	if err != nil {
		return nil, err
	}
	assets := make(map[string]bool)
	for _, ev := range events {
		if ev.Event != "OPEN_ORDER" || ev.Params.Source != addr {
			continue
		}
		if ev.Params.GiveAssetInfo == nil {
			continue
		}
		long := ev.Params.GiveAssetInfo.AssetLongname
		if strings.HasPrefix(long, SubassetPrefix) {
			assets[strings.TrimPrefix(long, SubassetPrefix)] = true
		}
	}
	return assets, nil
}

// GetOpenOrderAssets returns the XCPFOLIO asset short names with a
// confirmed open sell order from addr.
func (c *Client) GetOpenOrderAssets(ctx context.Context, addr string) (map[string]bool, error) {
	assets := make(map[string]bool)
	for offset := 0; ; offset += pageLimit {
		page, err := c.GetOrdersByAddress(ctx, addr, "open", pageLimit, offset)
		if err != nil {
			return nil, err
		}
		for _, o := range page {
			if a := o.XcpfolioAsset(); a != "" {
				assets[a] = true
			}
		}
		if len(page) < pageLimit {
			break
		}
	}
	return assets, nil
}

// GetMempoolBuyOrders returns unconfirmed orders buying XCPFOLIO
// listings. Visibility only; the fulfillment pipeline does not branch
// on these.
func (c *Client) GetMempoolBuyOrders(ctx context.Context) ([]OpenBuyOrder, error) {
	params := url.Values{}
	params.Set("verbose", "true")

	var events []MempoolEvent
	if err := c.get(ctx, "/mempool/events/OPEN_ORDER", params, &events); err != nil {
		return nil, err
	}

	var orders []OpenBuyOrder
	for _, ev := range events {
		if ev.Params.GetAssetInfo == nil {
			continue
		}
		long := ev.Params.GetAssetInfo.AssetLongname
		if !strings.HasPrefix(long, SubassetPrefix) {
			continue
		}
		orders = append(orders, OpenBuyOrder{
			TxHash:        ev.TxHash,
			Asset:         strings.TrimPrefix(long, SubassetPrefix),
			Buyer:         ev.Params.Source,
			PriceQuantity: ev.Params.GiveQuantity,
		})
	}
	return orders, nil
}
