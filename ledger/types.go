package ledger

import (
	"fmt"
	"strings"
)

// SubassetPrefix namespaces the sellable assets. Ownership of
// XCPFOLIO.<ASSET> represents the right to receive <ASSET>.
const SubassetPrefix = "XCPFOLIO."

// APIError is raised for any non-2xx response or result envelope
// carrying an error field. The message is preserved verbatim because
// the retry heuristics match on it.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("counterparty api: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("counterparty api: %s", e.Message)
}

// Order is a DEX order as returned by the ledger. Immutable once
// observed.
type Order struct {
	TxHash       string `json:"tx_hash"`
	TxIndex      int64  `json:"tx_index"`
	BlockIndex   int64  `json:"block_index"`
	BlockTime    int64  `json:"block_time"`
	Source       string `json:"source"`
	Status       string `json:"status"`
	GiveAsset    string `json:"give_asset"`
	GiveQuantity int64  `json:"give_quantity"`
	GetAsset     string `json:"get_asset"`
	GetQuantity  int64  `json:"get_quantity"`

	GiveAssetInfo *AssetNameInfo `json:"give_asset_info,omitempty"`
	GetAssetInfo  *AssetNameInfo `json:"get_asset_info,omitempty"`
}

// AssetNameInfo carries the verbose asset annotations on orders.
type AssetNameInfo struct {
	AssetLongname string `json:"asset_longname"`
	Divisible     bool   `json:"divisible"`
}

// GiveAssetLongname returns the long (namespaced) name of the give
// asset, falling back to the short name.
func (o *Order) GiveAssetLongname() string {
	if o.GiveAssetInfo != nil && o.GiveAssetInfo.AssetLongname != "" {
		return o.GiveAssetInfo.AssetLongname
	}
	return o.GiveAsset
}

// XcpfolioAsset extracts the short asset name from the XCPFOLIO
// namespace, or "" when the order is not an XCPFOLIO listing.
func (o *Order) XcpfolioAsset() string {
	long := o.GiveAssetLongname()
	if !strings.HasPrefix(long, SubassetPrefix) {
		return ""
	}
	return strings.TrimPrefix(long, SubassetPrefix)
}

// OrderMatch pairs two orders. The buyer is the counterparty address.
type OrderMatch struct {
	ID         string `json:"id"`
	Tx0Hash    string `json:"tx0_hash"`
	Tx0Address string `json:"tx0_address"`
	Tx1Hash    string `json:"tx1_hash"`
	Tx1Address string `json:"tx1_address"`
	Status     string `json:"status"`
}

// Counterparty returns the address on the other side of the match from
// ours.
func (m *OrderMatch) Counterparty(ourAddress, orderHash string) string {
	if m.Tx0Hash == orderHash {
		return m.Tx1Address
	}
	if m.Tx1Hash == orderHash {
		return m.Tx0Address
	}
	// Fall back to whichever side is not us.
	if m.Tx0Address == ourAddress {
		return m.Tx1Address
	}
	return m.Tx0Address
}

// AssetInfo describes an asset's current issuance state.
type AssetInfo struct {
	Asset         string `json:"asset"`
	AssetLongname string `json:"asset_longname"`
	Owner         string `json:"owner"`
	Issuer        string `json:"issuer"`
	Locked        bool   `json:"locked"`
	Supply        int64  `json:"supply"`
}

// Issuance is one issuance event; Transfer=true rows move ownership.
type Issuance struct {
	TxHash    string `json:"tx_hash"`
	Asset     string `json:"asset"`
	Source    string `json:"source"`
	Issuer    string `json:"issuer"`
	Transfer  bool   `json:"transfer"`
	Status    string `json:"status"`
	Confirmed bool   `json:"confirmed"`
}

// Balance is one address/asset balance row.
type Balance struct {
	Address       string `json:"address"`
	Asset         string `json:"asset"`
	Quantity      int64  `json:"quantity"`
	AssetLongname string `json:"asset_longname"`
}

// ComposeResult is the raw unsigned transaction returned by a compose
// endpoint.
type ComposeResult struct {
	RawTransaction string `json:"rawtransaction"`
	BTCFee         int64  `json:"btc_fee"`
}

// MempoolEvent is one unconfirmed ledger event.
type MempoolEvent struct {
	TxHash string             `json:"tx_hash"`
	Event  string             `json:"event"`
	Params MempoolEventParams `json:"params"`
}

// MempoolEventParams is the union of the event parameter fields the
// agent inspects. Unknown fields are ignored.
type MempoolEventParams struct {
	Asset         string         `json:"asset"`
	AssetLongname string         `json:"asset_longname"`
	Source        string         `json:"source"`
	Issuer        string         `json:"issuer"`
	Transfer      bool           `json:"transfer"`
	GiveAsset     string         `json:"give_asset"`
	GetAsset      string         `json:"get_asset"`
	GiveQuantity  int64          `json:"give_quantity"`
	GetQuantity   int64          `json:"get_quantity"`
	Status        string         `json:"status"`
	GiveAssetInfo *AssetNameInfo `json:"give_asset_info,omitempty"`
	GetAssetInfo  *AssetNameInfo `json:"get_asset_info,omitempty"`
}

// PendingTransfer identifies an in-mempool issuance transfer.
type PendingTransfer struct {
	Asset string
	To    string
}

// OpenBuyOrder is an unconfirmed order buying an XCPFOLIO listing,
// surfaced for the status UI only.
type OpenBuyOrder struct {
	TxHash string
	Asset  string
	Buyer  string
	// PriceQuantity is what the buyer offers, in base units of their
	// give asset.
	PriceQuantity int64
}
