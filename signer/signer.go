package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/XCP/xcpfolio-bot/logging"
)

// RBFSequence signals BIP-125 opt-in replaceability on every input.
const RBFSequence uint32 = 0xfffffffd

// SignedTx is the result of signing a composed transaction.
type SignedTx struct {
	Hex   string
	Txid  string
	Vsize int
	Fee   int64
}

// PrevTxFetcher resolves the raw hex of a previous transaction so the
// spent outputs' values and scripts can be recovered. The chain client
// satisfies this.
type PrevTxFetcher interface {
	GetTransactionHex(ctx context.Context, txid string) (string, error)
}

// Signer signs raw unsigned transactions composed by the ledger with a
// single WIF key. Supported input types are P2WPKH and P2PKH, which
// covers every transaction the compose endpoints emit for our address.
type Signer struct {
	priv       *btcec.PrivateKey
	compressed bool
	params     *chaincfg.Params
	address    string
	fetcher    PrevTxFetcher
	logger     *logging.ComponentLogger
}

// New decodes the WIF key and verifies it controls address.
func New(wifStr, address string, params *chaincfg.Params, fetcher PrevTxFetcher, logger *logging.ComponentLogger) (*Signer, error) {
	wif, err := btcutil.DecodeWIF(wifStr)
	if err != nil {
		return nil, fmt.Errorf("decode WIF: %w", err)
	}
	if !wif.IsForNet(params) {
		return nil, fmt.Errorf("WIF key is for a different network")
	}

	s := &Signer{
		priv:       wif.PrivKey,
		compressed: wif.CompressPubKey,
		params:     params,
		address:    address,
		fetcher:    fetcher,
		logger:     logger,
	}
	if err := s.verifyKeyMatchesAddress(); err != nil {
		return nil, err
	}
	return s, nil
}

// verifyKeyMatchesAddress checks that the key derives the configured
// address as either P2WPKH or P2PKH.
func (s *Signer) verifyKeyMatchesAddress() error {
	var pubKeyBytes []byte
	if s.compressed {
		pubKeyBytes = s.priv.PubKey().SerializeCompressed()
	} else {
		pubKeyBytes = s.priv.PubKey().SerializeUncompressed()
	}
	pkHash := btcutil.Hash160(pubKeyBytes)

	if p2pkh, err := btcutil.NewAddressPubKeyHash(pkHash, s.params); err == nil {
		if p2pkh.EncodeAddress() == s.address {
			return nil
		}
	}
	if s.compressed {
		if p2wpkh, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, s.params); err == nil {
			if p2wpkh.EncodeAddress() == s.address {
				return nil
			}
		}
	}
	return fmt.Errorf("private key does not control address %s", s.address)
}

// Sign deserializes rawHex, sets the RBF sequence on every input,
// signs each input, and reports the txid, virtual size, and absolute
// fee of the signed transaction.
func (s *Signer) Sign(ctx context.Context, rawHex string) (*SignedTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode raw tx: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize raw tx: %w", err)
	}
	if len(tx.TxIn) == 0 {
		return nil, fmt.Errorf("transaction has no inputs")
	}

	prevOuts, totalIn, err := s.resolvePrevOuts(ctx, &tx)
	if err != nil {
		return nil, err
	}

	// Opt in to replacement on every input before computing sighashes.
	for _, txIn := range tx.TxIn {
		txIn.Sequence = RBFSequence
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range tx.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOuts[i])
	}
	sigHashes := txscript.NewTxSigHashes(&tx, fetcher)

	for i, txIn := range tx.TxIn {
		prevOut := prevOuts[i]
		class := txscript.GetScriptClass(prevOut.PkScript)
		switch class {
		case txscript.WitnessV0PubKeyHashTy:
			witness, err := txscript.WitnessSignature(
				&tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
				txscript.SigHashAll, s.priv, true,
			)
			if err != nil {
				return nil, fmt.Errorf("sign witness input %d: %w", i, err)
			}
			txIn.Witness = witness
			txIn.SignatureScript = nil
		case txscript.PubKeyHashTy:
			sigScript, err := txscript.SignatureScript(
				&tx, i, prevOut.PkScript,
				txscript.SigHashAll, s.priv, s.compressed,
			)
			if err != nil {
				return nil, fmt.Errorf("sign input %d: %w", i, err)
			}
			txIn.SignatureScript = sigScript
		default:
			return nil, fmt.Errorf("unsupported input script class %s at index %d", class, i)
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize signed tx: %w", err)
	}

	var totalOut int64
	for _, txOut := range tx.TxOut {
		totalOut += txOut.Value
	}
	fee := totalIn - totalOut
	if fee < 0 {
		return nil, fmt.Errorf("negative fee: inputs %d < outputs %d", totalIn, totalOut)
	}

	signed := &SignedTx{
		Hex:   hex.EncodeToString(buf.Bytes()),
		Txid:  tx.TxHash().String(),
		Vsize: vsize(&tx),
		Fee:   fee,
	}

	s.logger.Debug().
		Str("txid", signed.Txid).
		Int("inputs", len(tx.TxIn)).
		Int("vsize", signed.Vsize).
		Int64("fee_sats", signed.Fee).
		Msg("Transaction signed")

	return signed, nil
}

// resolvePrevOuts fetches the output spent by each input. All inputs
// belong to our address; the ledger composes from our UTXO set.
func (s *Signer) resolvePrevOuts(ctx context.Context, tx *wire.MsgTx) ([]*wire.TxOut, int64, error) {
	cache := make(map[string]*wire.MsgTx)
	prevOuts := make([]*wire.TxOut, len(tx.TxIn))
	var totalIn int64

	for i, txIn := range tx.TxIn {
		prevTxid := txIn.PreviousOutPoint.Hash.String()
		prevTx, ok := cache[prevTxid]
		if !ok {
			prevHex, err := s.fetcher.GetTransactionHex(ctx, prevTxid)
			if err != nil {
				return nil, 0, fmt.Errorf("fetch prevout tx %s: %w", prevTxid, err)
			}
			prevRaw, err := hex.DecodeString(prevHex)
			if err != nil {
				return nil, 0, fmt.Errorf("decode prevout tx %s: %w", prevTxid, err)
			}
			prevTx = &wire.MsgTx{}
			if err := prevTx.Deserialize(bytes.NewReader(prevRaw)); err != nil {
				return nil, 0, fmt.Errorf("deserialize prevout tx %s: %w", prevTxid, err)
			}
			cache[prevTxid] = prevTx
		}

		vout := txIn.PreviousOutPoint.Index
		if int(vout) >= len(prevTx.TxOut) {
			return nil, 0, fmt.Errorf("prevout %s:%d out of range", prevTxid, vout)
		}
		prevOuts[i] = prevTx.TxOut[vout]
		totalIn += prevTx.TxOut[vout].Value
	}
	return prevOuts, totalIn, nil
}

// vsize computes the virtual size: ceil(weight / 4) with weight =
// 3*stripped + total.
func vsize(tx *wire.MsgTx) int {
	stripped := tx.SerializeSizeStripped()
	total := tx.SerializeSize()
	weight := stripped*3 + total
	return (weight + 3) / 4
}

// EstimateTransferVsize is the planning estimate for an ownership
// transfer (one input, OP_RETURN payload, change output).
const EstimateTransferVsize = 250
