package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

// AlreadyInMempoolError reports that a broadcast was rejected because
// the transaction is already known. Callers treat it as success; Txid
// carries the propagated transaction id.
type AlreadyInMempoolError struct {
	Txid string
}

func (e *AlreadyInMempoolError) Error() string {
	return fmt.Sprintf("transaction already in mempool: %s", e.Txid)
}

var hexTxidPattern = regexp.MustCompile(`[0-9a-fA-F]{64}`)

// alreadyKnown matches the rejection families Esplora nodes emit when a
// transaction has already propagated via another path.
func alreadyKnown(body string) bool {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "already") && strings.Contains(lower, "mempool") {
		return true
	}
	return strings.Contains(lower, "txn-already-known") ||
		strings.Contains(lower, "already in block chain") ||
		strings.Contains(lower, "txn-already-in-mempool")
}

// BroadcastTransaction submits signedHex to each endpoint in order
// until one accepts it. "already known" rejections are promoted to
// success, with the txid recovered from the error body or recomputed
// from the submitted hex.
func (c *Client) BroadcastTransaction(ctx context.Context, signedHex string) (string, error) {
	endpoints := append([]string{c.primary}, c.fallbacks...)

	var lastErr error
	for _, base := range endpoints {
		txid, err := c.broadcastOne(ctx, base, signedHex)
		if err == nil {
			return txid, nil
		}
		var already *AlreadyInMempoolError
		if ok := asAlreadyInMempool(err, &already); ok {
			c.logger.Info().
				Str("txid", already.Txid).
				Str("endpoint", base).
				Msg("Broadcast rejected as already known, treating as success")
			return already.Txid, nil
		}
		c.logger.Warn().
			Err(err).
			Str("endpoint", base).
			Msg("Broadcast failed, trying next endpoint")
		lastErr = err
	}
	return "", fmt.Errorf("broadcast failed on all endpoints: %w", lastErr)
}

func asAlreadyInMempool(err error, target **AlreadyInMempoolError) bool {
	if e, ok := err.(*AlreadyInMempoolError); ok {
		*target = e
		return true
	}
	return false
}

func (c *Client) broadcastOne(ctx context.Context, base, signedHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tx", strings.NewReader(signedHex))
	if err != nil {
		return "", fmt.Errorf("build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read broadcast response: %w", err)
	}
	text := strings.TrimSpace(string(body))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if hexTxidPattern.MatchString(text) {
			return hexTxidPattern.FindString(text), nil
		}
		return TxidFromHex(signedHex)
	}

	if alreadyKnown(text) {
		txid := hexTxidPattern.FindString(text)
		if txid == "" {
			txid, _ = TxidFromHex(signedHex)
		}
		return "", &AlreadyInMempoolError{Txid: txid}
	}
	return "", fmt.Errorf("broadcast rejected (status %d): %s", resp.StatusCode, text)
}

// TxidFromHex computes the transaction id of a raw transaction.
func TxidFromHex(rawHex string) (string, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return "", fmt.Errorf("decode tx hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("deserialize tx: %w", err)
	}
	return tx.TxHash().String(), nil
}
