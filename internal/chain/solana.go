package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pikopay/internal/cache"
	"pikopay/internal/metrics"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	blockhashCacheKey = "solana:recent_blockhash"
	blockhashCacheTTL = 10 * time.Second
	confirmPollEvery  = 2 * time.Second
)

// SolanaConfig holds Solana gateway configuration.
type SolanaConfig struct {
	RPCURL     string
	PrivateKey string
}

// SolanaGateway implements Gateway against a Solana RPC node. All transfers
// are disbursed from the treasury account, which also signs and pays.
type SolanaGateway struct {
	rpc     *rpc.Client
	signer  solana.PrivateKey
	logger  *slog.Logger
	metrics *metrics.Metrics
	cache   *cache.Redis
}

// NewSolana creates a Solana-backed gateway from the treasury signing key.
func NewSolana(cfg SolanaConfig, logger *slog.Logger, m *metrics.Metrics, redis *cache.Redis) (*SolanaGateway, error) {
	key, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("solana rpc url is required")
	}
	return &SolanaGateway{
		rpc:     rpc.New(cfg.RPCURL),
		signer:  key,
		logger:  logger.With("component", "solana"),
		metrics: m,
		cache:   redis,
	}, nil
}

// TreasuryAddress returns the base58 address of the signing account. Inbound
// deposits are sent here and outbound batches are paid from here.
func (g *SolanaGateway) TreasuryAddress() string {
	return g.signer.PublicKey().String()
}

// Submit builds, signs and sends one composite transaction covering all
// instructions. Either every transfer lands or none does.
func (g *SolanaGateway) Submit(ctx context.Context, instructions []Instruction) (TxRef, error) {
	started := time.Now()
	ref, err := g.submit(ctx, instructions)
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.ChainRequests.WithLabelValues("submit", status).Inc()
	g.metrics.ChainLatency.WithLabelValues("submit").Observe(time.Since(started).Seconds())
	return ref, err
}

func (g *SolanaGateway) submit(ctx context.Context, instructions []Instruction) (TxRef, error) {
	if len(instructions) == 0 {
		return "", fmt.Errorf("submit: empty instruction set")
	}

	blockhash, err := g.recentBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("recent blockhash: %w", err)
	}

	ixs := make([]solana.Instruction, 0, len(instructions))
	for _, in := range instructions {
		from, err := solana.PublicKeyFromBase58(in.From)
		if err != nil {
			return "", fmt.Errorf("parse from address %q: %w", in.From, err)
		}
		to, err := solana.PublicKeyFromBase58(in.To)
		if err != nil {
			return "", fmt.Errorf("parse to address %q: %w", in.To, err)
		}
		ixs = append(ixs, system.NewTransferInstruction(in.Lamports, from, to).Build())
	}

	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(g.signer.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(g.signer.PublicKey()) {
			return &g.signer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := g.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	g.logger.Info("transaction submitted", "signature", sig.String(), "transfers", len(instructions))
	return TxRef(sig.String()), nil
}

// Confirm polls signature status until the transaction is confirmed, fails
// on chain, or the timeout elapses. Transient RPC errors are retried within
// the window; the timeout bounds the whole wait.
func (g *SolanaGateway) Confirm(ctx context.Context, ref TxRef, timeout time.Duration) (Outcome, error) {
	sig, err := solana.SignatureFromBase58(string(ref))
	if err != nil {
		return OutcomeFailure, fmt.Errorf("parse signature %q: %w", ref, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.metrics.ChainRequests.WithLabelValues("confirm", "timeout").Inc()
			return OutcomeTimeout, nil
		case <-ticker.C:
		}

		out, err := g.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			g.logger.Warn("signature status poll failed", "signature", string(ref), "error", err)
			continue
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			continue
		}

		st := out.Value[0]
		if st.Err != nil {
			g.logger.Warn("transaction failed on chain", "signature", string(ref), "chain_error", fmt.Sprint(st.Err))
			g.metrics.ChainRequests.WithLabelValues("confirm", "failure").Inc()
			return OutcomeFailure, nil
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			g.metrics.ChainRequests.WithLabelValues("confirm", "ok").Inc()
			return OutcomeSuccess, nil
		}
	}
}

func (g *SolanaGateway) recentBlockhash(ctx context.Context) (solana.Hash, error) {
	if g.cache != nil {
		cached, ok, err := g.cache.GetString(ctx, blockhashCacheKey)
		if err != nil {
			g.logger.Warn("blockhash cache read failed", "error", err)
		} else if ok {
			if hash, err := solana.HashFromBase58(cached); err == nil {
				return hash, nil
			}
		}
	}

	res, err := g.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, err
	}
	hash := res.Value.Blockhash

	if g.cache != nil {
		if err := g.cache.SetString(ctx, blockhashCacheKey, hash.String(), blockhashCacheTTL); err != nil {
			g.logger.Warn("blockhash cache write failed", "error", err)
		}
	}
	return hash, nil
}
