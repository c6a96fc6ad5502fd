// paprika is a small operational tool around the paged state store: it can
// create/open a store, drive synthetic blocks through the full
// blockchain -> flusher -> paged-store pipeline, and print occupancy stats.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/NethermindEth/paprika-go/account"
	"github.com/NethermindEth/paprika-go/blockchain"
	"github.com/NethermindEth/paprika-go/page"
	"github.com/NethermindEth/paprika-go/pagedb"
)

var (
	pathFlag = &cli.StringFlag{
		Name:  "path",
		Usage: "backing file for the page arena (empty = in-memory)",
	}
	sizeFlag = &cli.Int64Flag{
		Name:  "size",
		Usage: "arena size in bytes",
		Value: 1 << 30,
	}
	historyFlag = &cli.UintFlag{
		Name:  "history",
		Usage: "number of retained roots (reorg window upper bound)",
		Value: 32,
	}
	blocksFlag = &cli.UintFlag{
		Name:  "blocks",
		Usage: "number of synthetic blocks to run",
		Value: 100,
	}
	accountsFlag = &cli.UintFlag{
		Name:  "accounts-per-block",
		Usage: "account writes per synthetic block",
		Value: 200,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit .. 5=trace)",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "paprika",
		Usage: "paged copy-on-write state store for the Ethereum trie",
		Flags: []cli.Flag{verbosityFlag},
		Before: func(c *cli.Context) error {
			level := log.LevelInfo
			switch v := c.Int(verbosityFlag.Name); {
			case v <= 0:
				level = log.LevelCrit
			case v == 1:
				level = log.LevelError
			case v == 2:
				level = log.LevelWarn
			case v == 4:
				level = log.LevelDebug
			case v >= 5:
				level = log.LevelTrace
			}
			log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "drive synthetic blocks through the full pipeline and print the final root",
				Flags:  []cli.Flag{pathFlag, sizeFlag, historyFlag, blocksFlag, accountsFlag},
				Action: runSynthetic,
			},
			{
				Name:   "stats",
				Usage:  "print page occupancy of an existing store",
				Flags:  []cli.Flag{pathFlag, sizeFlag, historyFlag},
				Action: printStats,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "paprika:", err)
		os.Exit(1)
	}
}

func openDb(c *cli.Context) (*pagedb.PagedDb, error) {
	opts := pagedb.DefaultOptions()
	opts.Path = c.String(pathFlag.Name)
	opts.SizeBytes = c.Int64(sizeFlag.Name)
	opts.HistoryDepth = uint32(c.Uint(historyFlag.Name))
	return pagedb.Open(opts)
}

func runSynthetic(c *cli.Context) error {
	db, err := openDb(c)
	if err != nil {
		return err
	}
	defer db.Close()

	chain := blockchain.New(db, blockchain.DefaultOptions())

	flushed := make(chan blockchain.FlushedEvent, 64)
	sub := chain.SubscribeFlushed(flushed)
	defer sub.Unsubscribe()
	go func() {
		for ev := range flushed {
			log.Debug("flushed", "block", ev.BlockNumber, "root", ev.StateRoot)
		}
	}()

	blocks := c.Uint(blocksFlag.Name)
	perBlock := c.Uint(accountsFlag.Name)

	parent := common.Hash{}
	var root common.Hash
	for n := uint(1); n <= blocks; n++ {
		blk, err := chain.StartNew(parent)
		if err != nil {
			return fmt.Errorf("starting block %d: %w", n, err)
		}
		for i := uint(0); i < perBlock; i++ {
			seed := uint64(n)*1_000_000 + uint64(i)
			keccak := crypto.Keccak256Hash(common.Hash{}.Bytes(), uint256.NewInt(seed).Bytes())
			blk.SetAccount(keccak, account.Account{
				Balance: uint256.NewInt(seed),
				Nonce:   uint64(n),
			})
		}
		root, err = blk.Commit(uint32(n))
		if err != nil {
			return fmt.Errorf("committing block %d: %w", n, err)
		}
		if err := chain.Finalize(root); err != nil {
			return fmt.Errorf("finalizing block %d: %w", n, err)
		}
		parent = root
	}
	if err := chain.Close(); err != nil {
		return fmt.Errorf("draining flusher: %w", err)
	}

	stats := db.Stats()
	fmt.Printf("blocks: %d\nstate root: %s\nused pages: %d / %d (%.1f%%)\n",
		blocks, root, stats.UsedPages, stats.MaxPage,
		100*float64(stats.UsedPages)/float64(stats.MaxPage))
	return nil
}

func printStats(c *cli.Context) error {
	db, err := openDb(c)
	if err != nil {
		return err
	}
	defer db.Close()
	stats := db.Stats()
	fmt.Printf("history depth: %d\nused pages: %d / %d (%.1f%%)\n",
		stats.HistoryDepth, stats.UsedPages, stats.MaxPage,
		100*float64(stats.UsedPages)/float64(stats.MaxPage))
	for kind := page.KindData; kind <= page.KindUShort; kind++ {
		if n := stats.PagesByKind[kind]; n > 0 {
			fmt.Printf("  %-10s %d\n", kind, n)
		}
	}
	return nil
}
