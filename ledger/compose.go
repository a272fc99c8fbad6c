package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ComposeTransfer composes an unsigned issuance transaction that
// transfers ownership of asset from src to dest. Quantity stays zero;
// only ownership moves. validate=false is used for RBF replacements,
// whose inputs are still occupied by the prior transaction.
func (c *Client) ComposeTransfer(ctx context.Context, src, asset, dest string, feeRate int64, validate bool) (*ComposeResult, error) {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("quantity", "0")
	params.Set("transfer_destination", dest)
	params.Set("description", "")
	params.Set("divisible", "true")
	params.Set("encoding", "auto")
	params.Set("sat_per_vbyte", strconv.FormatInt(feeRate, 10))
	params.Set("validate", strconv.FormatBool(validate))

	var result ComposeResult
	if err := c.get(ctx, "/addresses/"+src+"/compose/issuance", params, &result); err != nil {
		return nil, err
	}
	if result.RawTransaction == "" {
		return nil, &APIError{Message: "compose issuance returned no rawtransaction"}
	}
	return &result, nil
}

// ComposeOrder composes an unsigned DEX sell order. inputsSet, when
// non-empty, overrides the ledger's UTXO selection with pre-fetched
// outpoints ("txid:vout").
func (c *Client) ComposeOrder(ctx context.Context, src, giveAsset string, giveQty int64, getAsset string, getQty int64, expiration int, feeRate float64, inputsSet []string) (*ComposeResult, error) {
	params := url.Values{}
	params.Set("give_asset", giveAsset)
	params.Set("give_quantity", strconv.FormatInt(giveQty, 10))
	params.Set("get_asset", getAsset)
	params.Set("get_quantity", strconv.FormatInt(getQty, 10))
	params.Set("expiration", strconv.Itoa(expiration))
	params.Set("fee_required", "0")
	params.Set("sat_per_vbyte", strconv.FormatFloat(feeRate, 'f', -1, 64))
	params.Set("validate", "true")
	if len(inputsSet) > 0 {
		params.Set("inputs_set", strings.Join(inputsSet, ","))
	}

	var result ComposeResult
	if err := c.get(ctx, "/addresses/"+src+"/compose/order", params, &result); err != nil {
		return nil, err
	}
	if result.RawTransaction == "" {
		return nil, &APIError{Message: "compose order returned no rawtransaction"}
	}
	return &result, nil
}

// IsAssetTransferredTo reports whether ownership of asset has moved
// from 'from' to 'to', counting both confirmed state and in-mempool
// transfers. Once true it stays true for a given order's lifetime,
// which makes it the authoritative "already delivered" signal.
func (c *Client) IsAssetTransferredTo(ctx context.Context, asset, to, from string) (bool, error) {
	info, err := c.GetAssetInfo(ctx, asset)
	if err != nil {
		return false, fmt.Errorf("asset info %s: %w", asset, err)
	}
	if info.Owner == to {
		return true, nil
	}

	issuances, err := c.GetAssetIssuances(ctx, asset)
	if err != nil {
		return false, fmt.Errorf("asset issuances %s: %w", asset, err)
	}
	for _, iss := range issuances {
		if iss.Transfer && iss.Source == from && iss.Issuer == to {
			if iss.Status == "valid" || !iss.Confirmed {
				return true, nil
			}
		}
	}
	return false, nil
}

// FindTransferTxid looks up the issuance txid that moved asset to
// buyer. Display only; an empty result is not an error.
func (c *Client) FindTransferTxid(ctx context.Context, asset, buyer string) string {
	issuances, err := c.GetAssetIssuances(ctx, asset)
	if err != nil {
		return ""
	}
	for _, iss := range issuances {
		if iss.Transfer && iss.Issuer == buyer {
			return iss.TxHash
		}
	}
	return ""
}
