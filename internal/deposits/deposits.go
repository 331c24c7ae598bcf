// Package deposits watches the chain for USDC transfers to the deposit
// address and credits the sender's crypto bucket.
//
// A transfer is matched to an account by the sender's linked wallet.
// Each transfer log is credited at most once: the ledger rejects a second
// credit with the same tx hash and log index.
package deposits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/genmeter/internal/ledger"
	"github.com/mbd888/genmeter/internal/usdc"
)

// ERC20 Transfer(address,address,uint256)
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// LogSource is the part of an Ethereum client the watcher needs.
// *ethclient.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Creditor credits the account linked to a wallet.
type Creditor interface {
	CreditByWallet(ctx context.Context, wallet string, bucket ledger.Bucket, amount int64, reference string) (string, ledger.Balances, error)
}

// Config for the deposit watcher
type Config struct {
	USDCContract   common.Address
	DepositAddress common.Address
	CreditsPerUSDC int64
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = chain head at start
	MaxBlockRange  uint64 // blocks per FilterLogs call
}

// DefaultConfig returns the polling defaults.
func DefaultConfig() Config {
	return Config{
		CreditsPerUSDC: 100,
		PollInterval:   15 * time.Second,
		MaxBlockRange:  2000,
	}
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// Watcher polls for incoming USDC transfers.
type Watcher struct {
	source   LogSource
	cfg      Config
	creditor Creditor
	logger   *slog.Logger

	// lastBlock is only touched by the poll loop.
	lastBlock   uint64
	initialized bool

	stop    chan struct{}
	running atomic.Bool
}

// New creates a deposit watcher.
func New(source LogSource, cfg Config, creditor Creditor, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = def.MaxBlockRange
	}
	if cfg.CreditsPerUSDC < 1 {
		cfg.CreditsPerUSDC = def.CreditsPerUSDC
	}
	w := &Watcher{
		source:   source,
		cfg:      cfg,
		creditor: creditor,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
	if cfg.StartBlock > 0 {
		w.lastBlock = cfg.StartBlock - 1
		w.initialized = true
	}
	return w
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start runs the poll loop until ctx is done or Stop is called. Call in a
// goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	w.logger.Info("deposit watcher started",
		"depositAddress", w.cfg.DepositAddress.Hex(),
		"usdc", w.cfg.USDCContract.Hex(),
		"startBlock", w.cfg.StartBlock,
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safePoll(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in deposit watcher", "panic", fmt.Sprint(r))
		}
	}()

	n, err := w.Poll(ctx)
	if err != nil {
		pollErrors.Inc()
		w.logger.Error("deposit check failed", "credited", n, "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("deposit check complete", "credited", n)
	}
}

// Poll scans the blocks since the last poll and returns how many transfers
// were credited. On a credit failure the cursor stops just before the
// failing block so the next poll retries it; transfers in that block that
// were already credited are skipped as duplicates.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	if !w.initialized {
		w.lastBlock = head
		w.initialized = true
		return 0, nil
	}
	if head <= w.lastBlock {
		return 0, nil
	}

	to := head
	if to-w.lastBlock > w.cfg.MaxBlockRange {
		to = w.lastBlock + w.cfg.MaxBlockRange
	}

	logs, err := w.source.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.cfg.USDCContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil,
			{common.BytesToHash(w.cfg.DepositAddress.Bytes())},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to filter logs: %w", err)
	}

	credited := 0
	for _, vLog := range logs {
		ok, err := w.processTransfer(ctx, vLog)
		if err != nil {
			if vLog.BlockNumber > 0 {
				w.lastBlock = vLog.BlockNumber - 1
			}
			return credited, fmt.Errorf("tx %s: %w", vLog.TxHash.Hex(), err)
		}
		if ok {
			credited++
		}
	}

	w.lastBlock = to
	lastBlockGauge.Set(float64(to))
	return credited, nil
}

// processTransfer credits one Transfer log. It reports false for logs that
// are skipped for good.
func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) (bool, error) {
	if vLog.Removed || len(vLog.Topics) < 3 {
		transfers.WithLabelValues("skipped").Inc()
		return false, nil
	}

	from := strings.ToLower(common.BytesToAddress(vLog.Topics[1].Bytes()).Hex())
	raw := new(big.Int).SetBytes(vLog.Data)
	credits, ok := usdc.ToCredits(raw, w.cfg.CreditsPerUSDC)
	if !ok || credits <= 0 {
		transfers.WithLabelValues("dust").Inc()
		w.logger.Info("deposit too small or too large to credit", "from", from, "amount", usdc.Format(raw), "tx", vLog.TxHash.Hex())
		return false, nil
	}

	reference := fmt.Sprintf("%s:%d", vLog.TxHash.Hex(), vLog.Index)
	accountID, bal, err := w.creditor.CreditByWallet(ctx, from, ledger.BucketCrypto, credits, reference)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		transfers.WithLabelValues("unknown_wallet").Inc()
		w.logger.Info("deposit from unlinked wallet, skipping", "from", from, "amount", usdc.Format(raw), "tx", vLog.TxHash.Hex())
		return false, nil
	case errors.Is(err, ledger.ErrDuplicateCredit):
		transfers.WithLabelValues("duplicate").Inc()
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to credit balance: %w", err)
	}

	transfers.WithLabelValues("credited").Inc()
	creditsDeposited.Add(float64(credits))
	w.logger.Info("deposit credited",
		"account", accountID,
		"from", from,
		"amount", usdc.Format(raw),
		"credits", credits,
		"crypto", bal.Crypto,
		"tx", vLog.TxHash.Hex(),
	)
	return true, nil
}
