// Command xcpfolio-admin inspects and repairs the agent's durable state.
// It connects to the same Redis instance as the running agent; every
// subcommand is safe to run while the agent is live except
// clear-processed, which can cause re-delivery attempts for orders whose
// transfers already confirmed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/XCP/xcpfolio-bot/config"
	"github.com/XCP/xcpfolio-bot/history"
	"github.com/XCP/xcpfolio-bot/ledger"
	"github.com/XCP/xcpfolio-bot/logging"
	"github.com/XCP/xcpfolio-bot/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: xcpfolio-admin <command> [args]

commands:
  show-state                dump fulfillment and maintenance state
  reset-lastblock <height>  rewind the fulfillment block cursor
  clear-processed           empty the processed-order set
  release-lock              force-release the maintenance lock
  backfill-history          rebuild order history from the ledger
  rebuild-history           rebuild the history index from stored entries
`)
}

func run() error {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		return fmt.Errorf("no command given")
	}

	logger := logging.NewComponentLogger("xcpfolio-admin", "1.0.0")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.New(cfg.RedisURL, cfg.RedisPassword, logger)
	if err != nil {
		return fmt.Errorf("connect state store: %w", err)
	}

	switch cmd := flag.Arg(0); cmd {
	case "show-state":
		return showState(st)
	case "reset-lastblock":
		if flag.NArg() < 2 {
			return fmt.Errorf("reset-lastblock requires a block height")
		}
		height, err := strconv.ParseInt(flag.Arg(1), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block height %q", flag.Arg(1))
		}
		return resetLastBlock(st, height)
	case "clear-processed":
		return clearProcessed(st)
	case "release-lock":
		return releaseLock(st)
	case "backfill-history":
		return backfillHistory(cfg, st, logger)
	case "rebuild-history":
		recorder := history.NewRecorder(st.Client(), logger)
		n, err := recorder.Rebuild()
		if err != nil {
			return fmt.Errorf("rebuild history index: %w", err)
		}
		fmt.Printf("rebuilt index with %d entries\n", n)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func showState(st *store.Store) error {
	fs, err := store.LoadFulfillmentState(st)
	if err != nil {
		return err
	}
	ms, err := store.LoadMaintenanceState(st, true)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(map[string]interface{}{
		"fulfillment": fs,
		"maintenance": ms,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// resetLastBlock lowers the cursor by rewriting the envelope directly;
// SaveFulfillmentState refuses backwards moves, which is exactly what a
// manual rewind needs to bypass.
func resetLastBlock(st *store.Store, height int64) error {
	fs, err := store.LoadFulfillmentState(st)
	if err != nil {
		return err
	}
	fs.LastBlock = height
	fs.LastChecked = time.Now()
	if err := st.Set(store.FulfillmentStateKey, fs, store.FulfillmentStateTTL); err != nil {
		return err
	}
	fmt.Printf("last block reset to %d\n", height)
	return nil
}

func clearProcessed(st *store.Store) error {
	fs, err := store.LoadFulfillmentState(st)
	if err != nil {
		return err
	}
	n := len(fs.ProcessedOrders)
	fs.ProcessedOrders = nil
	if err := store.SaveFulfillmentState(st, fs); err != nil {
		return err
	}
	fmt.Printf("cleared %d processed orders\n", n)
	return nil
}

func releaseLock(st *store.Store) error {
	if err := st.Del(store.MaintenanceLockKey); err != nil {
		return err
	}
	fmt.Println("maintenance lock released")
	return nil
}

// backfillHistory replays the filled-order list from the ledger into the
// history surface. Transfer txids are looked up best-effort.
func backfillHistory(cfg *config.Config, st *store.Store, logger *logging.ComponentLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client := ledger.NewClient(cfg.CounterpartyAPI, logger)
	recorder := history.NewRecorder(st.Client(), logger)

	orders, err := client.GetFilledXcpfolioOrders(ctx, cfg.Address)
	if err != nil {
		return fmt.Errorf("fetch filled orders: %w", err)
	}

	backfilled := 0
	for _, order := range orders {
		asset := order.XcpfolioAsset()
		if asset == "" {
			continue
		}
		matches, err := client.GetOrderMatches(ctx, order.TxHash)
		if err != nil || len(matches) == 0 {
			continue
		}
		buyer := matches[0].Counterparty(cfg.Address, order.TxHash)

		entry := history.Entry{
			OrderHash:  order.TxHash,
			Asset:      asset,
			Buyer:      buyer,
			Status:     "filled",
			BlockIndex: order.BlockIndex,
		}
		if delivered, err := client.IsAssetTransferredTo(ctx, asset, buyer, cfg.Address); err == nil && delivered {
			entry.Status = "delivered"
			entry.Txid = client.FindTransferTxid(ctx, asset, buyer)
		}
		recorder.Record(entry)
		backfilled++
	}
	fmt.Printf("backfilled %d orders\n", backfilled)
	return nil
}
