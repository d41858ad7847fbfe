// Klingnet full node daemon.
//
// Usage:
//
//	klingnetd [--mine --coinbase=<pubkey>]  Run node
//	klingnetd --help                        Show help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/mempool"
	"github.com/Klingon-tech/klingnet-chain/internal/p2p"
	"github.com/Klingon-tech/klingnet-chain/internal/storage"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 1a. Set address HRP based on network ────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ───────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = logsDir + "/klingnet.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis (hardcoded, not loaded from file) ─────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint64("target_block_time", genesis.Protocol.TargetBlockTime).
		Msg("Starting Klingnet Chain Node")

	// ── 4. Open storage ───────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDataDir()).Msg("Failed to open database")
	}
	defer db.Close()

	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Create PoW engine and chain (auto-recovers tip from DB) ───────
	pow, err := consensus.NewPoW(genesis.Protocol.InitialDifficulty, genesis.Protocol.MinimumDifficulty, int(genesis.Protocol.TargetBlockTime))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create PoW engine")
	}
	if cfg.Mining.Threads > 0 {
		pow.Threads = cfg.Mining.Threads
	}

	ch, err := chain.New(genesis, db, pow)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chain")
	}

	if ch.Height() == 0 && ch.TipHash().IsZero() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize from genesis")
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 6. Create mempool ────────────────────────────────────────────────
	pool := mempool.New(ch, 5000)
	pool.SetMinFeeRate(genesis.Protocol.FeePerKB / 1024)
	ch.SetMempool(pool)

	logger.Info().
		Uint64("fee_per_kb", genesis.Protocol.FeePerKB).
		Msg("Mempool ready")

	// ── 7. Create P2P node (live peer table + durable policy store) ─────
	p2pNode := p2p.New(p2p.Config{
		ListenAddr:          cfg.P2P.ListenAddr,
		Port:                cfg.P2P.Port,
		Seeds:               cfg.P2P.Seeds,
		MaxPeers:            cfg.P2P.MaxPeers,
		NoDiscover:          cfg.P2P.NoDiscover,
		DB:                  db,
		NetworkID:           genesis.ChainID,
		DataDir:             cfg.ChainDataDir(),
		ExtendPeerlistDelay: genesis.Protocol.P2PExtendPeerlistDelay,
		FailLimit:           genesis.Protocol.PeerFailToConnectLimit,
		TempBanSeconds:      genesis.Protocol.PeerTempBanTimeOnConnect,
	})

	genesisHash, _ := genesis.Hash()
	p2pNode.SetGenesisHash(genesisHash)
	p2pNode.SetHeightFn(ch.Height)

	// Wire block handler: gossip → apply → mempool cleanup.
	p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
		var blk block.CompleteBlock
		if err := json.Unmarshal(data, &blk); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal block")
			p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "unmarshal: "+err.Error())
			return
		}
		applyGossipBlock(&blk, ch, pool, p2pNode, from, logger)
	})

	// Wire tx handler: gossip → mempool add.
	p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
		var t tx.Transaction
		if err := json.Unmarshal(data, &t); err != nil {
			logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
			p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
			return
		}
		fee, err := pool.Add(&t)
		if err != nil {
			logger.Debug().Err(err).Msg("Rejected transaction")
			p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
			return
		}
		logger.Info().
			Str("tx", t.Hash().String()[:16]+"...").
			Uint64("fee", fee).
			Msg("Transaction added to mempool")
	})

	if err := p2pNode.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start P2P")
	}
	defer p2pNode.Stop()

	logger.Info().
		Str("id", p2pNode.ID().String()).
		Int("port", cfg.P2P.Port).
		Bool("discovery", !cfg.P2P.NoDiscover).
		Msg("P2P node started")

	// ── 8. Wire chain sync protocol ──────────────────────────────────────
	syncer := p2p.NewSyncer(p2pNode)
	syncer.RegisterHandler(func(fromHeight uint64, max uint32) []*block.Block {
		var blocks []*block.Block
		for h := fromHeight; h < fromHeight+uint64(max); h++ {
			blk, err := ch.Blocks().GetBlockByHeight(h)
			if err != nil {
				break
			}
			blocks = append(blocks, blk.Block())
		}
		return blocks
	})
	syncer.RegisterHeightHandler(func() (uint64, string) {
		return ch.Height(), ch.TipHash().String()
	})
	logger.Info().Msg("Chain sync protocol registered")

	// ── 9. Context for miner and startup sync ────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runStartupSync(ctx, syncer, ch, pool, p2pNode, logger)
	go runSyncLoop(ctx, syncer, ch, pool, p2pNode, logger)

	// ── 10. Start block production (if --mine) ───────────────────────────
	if cfg.Mining.Enabled {
		coinbase, err := resolveCoinbase(cfg.Mining.Coinbase)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to resolve coinbase public key")
		}

		blockTime := time.Duration(genesis.Protocol.TargetBlockTime) * time.Second
		logger.Info().
			Str("coinbase", coinbase.String()[:16]+"...").
			Dur("interval", blockTime).
			Msg("Block production enabled")

		// Wait a stabilization period before mining to receive gossip
		// blocks from peers, preventing needless orphan production on
		// restart.
		go func() {
			stabilize := 3 * blockTime
			logger.Info().Dur("delay", stabilize).Msg("Waiting for chain to stabilize before mining")
			select {
			case <-ctx.Done():
				return
			case <-time.After(stabilize):
			}
			runMiner(ctx, ch, pool, coinbase, p2pNode, logger)
		}()
	}

	// ── 11. Startup banner ────────────────────────────────────────────────
	logger.Info().
		Uint64("height", ch.Height()).
		Str("tip", ch.TipHash().String()[:16]+"...").
		Bool("mining", cfg.Mining.Enabled).
		Msg("Node started successfully")

	// ── 12. Wait for shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	cancel()
	logger.Info().Msg("Goodbye!")
}

// applyGossipBlock verifies and applies a block received over gossip,
// recording an offense against the sender on outright consensus failures
// (but not on the benign races of out-of-order or stale blocks).
func applyGossipBlock(blk *block.CompleteBlock, ch *chain.Chain, pool *mempool.Pool,
	p2pNode *p2p.Node, from peer.ID, logger zerolog.Logger) {

	if err := ch.AddNewBlock(blk); err != nil {
		if !errors.Is(err, chain.ErrBadPrevHash) && !errors.Is(err, chain.ErrBadHeight) {
			p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, err.Error())
		}
		logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to apply gossiped block")
		return
	}
	pool.RemoveConfirmed(blk.Transactions)

	logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()[:16]+"...").
		Int("txs", len(blk.Transactions)).
		Msg("Block received and applied")
}

// runMiner runs the block production loop: assemble, seal, apply locally,
// broadcast. Stops when ctx is cancelled.
func runMiner(ctx context.Context, ch *chain.Chain, pool *mempool.Pool, coinbase types.PublicKey,
	p2pNode *p2p.Node, logger zerolog.Logger) {

	const maxTxsPerBlock = 500

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("Miner stopped")
			return
		}

		blk, err := ch.MineBlock(ctx, coinbase, pool, maxTxsPerBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Block mining failed")
			time.Sleep(time.Second)
			continue
		}

		if err := ch.AddNewBlock(blk); err != nil {
			logger.Warn().Err(err).Msg("Locally mined block rejected")
			continue
		}
		pool.RemoveConfirmed(blk.Transactions)

		if err := p2pNode.BroadcastBlock(blk); err != nil {
			logger.Warn().Err(err).Msg("Failed to broadcast mined block")
		}

		logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Msg("Block mined")
	}
}

// runSyncLoop periodically checks if the node is behind its peers and
// syncs. Runs forever until ctx is cancelled.
func runSyncLoop(ctx context.Context, syncer *p2p.Syncer, ch *chain.Chain, pool *mempool.Pool,
	p2pNode *p2p.Node, logger zerolog.Logger) {

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(p2pNode.PeerList()) == 0 {
				continue
			}
			runStartupSync(ctx, syncer, ch, pool, p2pNode, logger)
		}
	}
}

// runStartupSync queries peers for their chain height and downloads any
// blocks the local node is missing. Gossip carries full transaction bodies
// but the sync wire protocol only carries headers and tx hashes (it exists
// to backfill height, not to serve as a general block-body fetcher), so a
// block whose transactions are not already in the local mempool cannot be
// resolved here and sync stops at that height; the gap is closed as soon
// as gossip delivers those bodies.
func runStartupSync(ctx context.Context, syncer *p2p.Syncer, ch *chain.Chain, pool *mempool.Pool,
	p2pNode *p2p.Node, logger zerolog.Logger) {

	peers := p2pNode.PeerList()
	if len(peers) == 0 {
		return
	}

	var bestPeer peer.ID
	var bestHeight uint64
	limit := 3
	if len(peers) < limit {
		limit = len(peers)
	}
	for _, p := range peers[:limit] {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := syncer.RequestHeight(reqCtx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		if resp.Height > bestHeight {
			bestHeight = resp.Height
			bestPeer = p.ID
		}
	}

	localHeight := ch.Height()
	if bestHeight <= localHeight {
		return
	}

	logger.Info().
		Uint64("local", localHeight).
		Uint64("remote", bestHeight).
		Msg("Syncing chain")

	for from := localHeight + 1; from <= bestHeight; from += 500 {
		max := uint32(500)
		if from+uint64(max)-1 > bestHeight {
			max = uint32(bestHeight - from + 1)
		}

		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		blocks, err := syncer.RequestBlocks(reqCtx, bestPeer, from, max)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			return
		}

		for _, hdr := range blocks {
			complete, ok := resolveBlock(hdr, pool)
			if !ok {
				logger.Warn().
					Uint64("height", hdr.Header.Height).
					Msg("Sync stalled: missing transaction bodies for gossiped block")
				return
			}
			if err := ch.AddNewBlock(complete); err != nil {
				if errors.Is(err, chain.ErrBadHeight) {
					continue // Already applied via gossip while we were syncing.
				}
				logger.Warn().Err(err).Uint64("height", hdr.Header.Height).Msg("Sync block rejected")
				return
			}
			pool.RemoveConfirmed(complete.Transactions)
		}
	}

	logger.Info().Uint64("height", ch.Height()).Msg("Sync complete")
}

// resolveBlock resolves an unresolved Block's claimed transaction hashes
// against the local mempool, producing the CompleteBlock AddNewBlock needs.
func resolveBlock(hdr *block.Block, pool *mempool.Pool) (*block.CompleteBlock, bool) {
	txs := make([]*tx.Transaction, 0, len(hdr.TxHashes))
	for _, h := range hdr.TxHashes {
		t := pool.Get(h)
		if t == nil {
			return nil, false
		}
		txs = append(txs, t)
	}
	return block.NewCompleteBlock(hdr.Header, hdr.MinerTx, txs), true
}

// resolveCoinbase parses the --coinbase flag as a hex-encoded public key.
// Mining pays out to the same public key an account is registered under,
// not to the shorter Address digest, since MineBlock credits the miner by
// PublicKey.
func resolveCoinbase(coinbaseStr string) (types.PublicKey, error) {
	if coinbaseStr == "" {
		return types.PublicKey{}, fmt.Errorf("--mine requires --coinbase=<hex public key>")
	}
	return types.ParsePublicKey(coinbaseStr)
}
